package registry

import (
	_ "github.com/lib/pq"
)

var postgresDialect = sqlDialect{
	driver:        "postgres",
	autoIncrement: "BIGSERIAL PRIMARY KEY",
	numbered:      true,
}

func NewPostgresBackend(dsn string) (*SQLBackend, error) {
	return NewPostgresBackendWithPrefix(dsn, defaultTablePrefix)
}

// NewPostgresBackendWithPrefix stores every table under the given name
// prefix, which lets several deployments share one database.
func NewPostgresBackendWithPrefix(dsn, tablePrefix string) (*SQLBackend, error) {
	return newSQLBackend(dsn, postgresDialect, tablePrefix)
}
