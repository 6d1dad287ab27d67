package registry

import (
	"database/sql"

	_ "github.com/mattn/go-sqlite3"
)

var sqliteDialect = sqlDialect{
	driver:        "sqlite3",
	autoIncrement: "INTEGER PRIMARY KEY AUTOINCREMENT",
	configure:     configureSQLite,
}

// NewSQLiteBackend opens a single-file database. SQLite allows one writer,
// so the pool is limited to a single connection.
func NewSQLiteBackend(path string) (*SQLBackend, error) {
	return newSQLBackend(path, sqliteDialect, defaultTablePrefix)
}

func configureSQLite(db *sql.DB) error {
	db.SetMaxOpenConns(1)
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return err
		}
	}
	return nil
}
