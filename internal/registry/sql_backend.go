package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"emperror.dev/errors"
)

const (
	defaultTablePrefix  = "regsync_"
	sqlOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// sqlDialect captures the differences between the relational backends.
// Queries are written with ? placeholders and rebound per dialect.
type sqlDialect struct {
	driver        string
	autoIncrement string
	numbered      bool
	configure     func(db *sql.DB) error
}

func (d sqlDialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$")
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type sqlTables struct {
	operations string
	entries    string
	tokens     string
	objects    string
	iterations string
	formats    string
	registries string
}

func newSQLTables(prefix string) sqlTables {
	if strings.TrimSpace(prefix) == "" {
		prefix = defaultTablePrefix
	}
	q := func(name string) string { return quoteIdentifier(prefix + name) }
	return sqlTables{
		operations: q("operations"),
		entries:    q("entries"),
		tokens:     q("resumption_tokens"),
		objects:    q("digital_object_records"),
		iterations: q("plugin_iteration_records"),
		formats:    q("file_formats"),
		registries: q("remote_registries"),
	}
}

// SQLBackend stores the ledgers in a relational database. The schema is
// created on first use.
type SQLBackend struct {
	dsn     string
	dialect sqlDialect
	tables  sqlTables
	openDB  sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func newSQLBackend(dsn string, dialect sqlDialect, tablePrefix string) (*SQLBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &SQLBackend{
		dsn:     dsn,
		dialect: dialect,
		tables:  newSQLTables(tablePrefix),
		openDB:  sql.Open,
	}, nil
}

type sqlOperations struct{ b *SQLBackend }
type sqlTokens struct{ b *SQLBackend }
type sqlObjects struct{ b *SQLBackend }
type sqlIterations struct{ b *SQLBackend }
type sqlFormats struct{ b *SQLBackend }
type sqlRegistries struct{ b *SQLBackend }

func (b *SQLBackend) Operations() OperationRepository { return sqlOperations{b} }
func (b *SQLBackend) Tokens() TokenRepository         { return sqlTokens{b} }
func (b *SQLBackend) Objects() ObjectRepository       { return sqlObjects{b} }
func (b *SQLBackend) Iterations() IterationRepository { return sqlIterations{b} }
func (b *SQLBackend) Formats() FormatRepository       { return sqlFormats{b} }
func (b *SQLBackend) Registries() RegistryRepository  { return sqlRegistries{b} }

func (b *SQLBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *SQLBackend) ensureReady() error {
	if b == nil {
		return ErrInvalidInput
	}
	b.initOnce.Do(func() {
		db, err := b.openDB(b.dialect.driver, b.dsn)
		if err != nil {
			b.initErr = err
			return
		}
		if b.dialect.configure != nil {
			if err := b.dialect.configure(db); err != nil {
				_ = db.Close()
				b.initErr = err
				return
			}
		}
		ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
		defer cancel()
		for _, stmt := range b.schema() {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				_ = db.Close()
				b.initErr = errors.WrapIf(err, "create schema")
				return
			}
		}
		b.db = db
	})
	return b.initErr
}

func (b *SQLBackend) schema() []string {
	t := b.tables
	id := b.dialect.autoIncrement
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id %s,
			entity_ref TEXT NOT NULL,
			set_spec TEXT NOT NULL DEFAULT '',
			op_type TEXT NOT NULL,
			ts BIGINT NOT NULL,
			origin TEXT NOT NULL DEFAULT ''
		)`, t.operations, id),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (ts, id)", quoteIdentifier(unquote(t.operations)+"_ts_id_idx"), t.operations),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			entity_ref TEXT PRIMARY KEY,
			set_spec TEXT NOT NULL DEFAULT '',
			deleted INTEGER NOT NULL,
			last_changed BIGINT NOT NULL,
			origin TEXT NOT NULL DEFAULT ''
		)`, t.entries),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			listing_type TEXT NOT NULL,
			payload TEXT NOT NULL,
			expires_at BIGINT NOT NULL
		)`, t.tokens),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (expires_at)", quoteIdentifier(unquote(t.tokens)+"_expires_idx"), t.tokens),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			identifier TEXT PRIMARY KEY,
			added_at BIGINT NOT NULL,
			last_verified_at BIGINT,
			status TEXT NOT NULL
		)`, t.objects),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id %s,
			plugin TEXT NOT NULL,
			object_identifier TEXT NOT NULL DEFAULT '',
			started_at BIGINT NOT NULL,
			finished_at BIGINT
		)`, t.iterations, id),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (plugin, started_at)", quoteIdentifier(unquote(t.iterations)+"_plugin_idx"), t.iterations),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			puid TEXT PRIMARY KEY,
			at_risk INTEGER NOT NULL
		)`, t.formats),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			name TEXT PRIMARY KEY,
			endpoint TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			username TEXT NOT NULL DEFAULT '',
			password TEXT NOT NULL DEFAULT '',
			metadata_prefix TEXT NOT NULL,
			read_enabled INTEGER NOT NULL,
			harvested INTEGER NOT NULL,
			last_harvested BIGINT
		)`, t.registries),
	}
}

func (b *SQLBackend) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()
	return b.db.ExecContext(ctx, b.dialect.rebind(query), args...)
}

func (b *SQLBackend) queryRow(ctx context.Context, query string, args ...any) (*sql.Row, context.CancelFunc, error) {
	if err := b.ensureReady(); err != nil {
		return nil, nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	return b.db.QueryRowContext(ctx, b.dialect.rebind(query), args...), cancel, nil
}

func (b *SQLBackend) scalarInt(ctx context.Context, query string, args ...any) (int64, error) {
	row, cancel, err := b.queryRow(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	defer cancel()
	var value sql.NullInt64
	if err := row.Scan(&value); err != nil {
		return 0, err
	}
	if !value.Valid {
		return 0, ErrNotFound
	}
	return value.Int64, nil
}

func (b *SQLBackend) scalarTime(ctx context.Context, query string, args ...any) (time.Time, error) {
	micros, err := b.scalarInt(ctx, query, args...)
	if err != nil {
		return time.Time{}, err
	}
	return fromMicros(micros), nil
}

func (r sqlOperations) Apply(ctx context.Context, op Operation) (Operation, bool, error) {
	b := r.b
	if err := b.ensureReady(); err != nil {
		return Operation{}, false, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return Operation{}, false, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	ts := toMicros(op.Timestamp)
	upsert := fmt.Sprintf(`
		INSERT INTO %[1]s (entity_ref, set_spec, deleted, last_changed, origin)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (entity_ref) DO UPDATE SET
			set_spec = excluded.set_spec,
			deleted = excluded.deleted,
			last_changed = excluded.last_changed,
			origin = excluded.origin
		WHERE %[1]s.last_changed < excluded.last_changed
			AND (excluded.origin = '' OR %[1]s.origin <> '')`, b.tables.entries)
	res, err := tx.ExecContext(ctx, b.dialect.rebind(upsert), op.EntityRef, op.Set, boolInt(op.Type == OperationDeleted), ts, op.Origin)
	if err != nil {
		return Operation{}, false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return Operation{}, false, err
	}
	if affected == 0 {
		return Operation{}, false, nil
	}
	insert := fmt.Sprintf(`INSERT INTO %s (entity_ref, set_spec, op_type, ts, origin) VALUES (?, ?, ?, ?, ?) RETURNING id`, b.tables.operations)
	if err := tx.QueryRowContext(ctx, b.dialect.rebind(insert), op.EntityRef, op.Set, string(op.Type), ts, op.Origin).Scan(&op.ID); err != nil {
		return Operation{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return Operation{}, false, err
	}
	committed = true
	return op, true, nil
}

func (r sqlOperations) where(q OperationQuery) (string, []any) {
	clauses := []string{"1 = 1"}
	args := []any{}
	if q.From != nil {
		clauses = append(clauses, "ts >= ?")
		args = append(args, toMicros(*q.From))
	}
	if q.Until != nil {
		clauses = append(clauses, "ts <= ?")
		args = append(args, toMicros(*q.Until))
	}
	if q.Set != "" {
		clauses = append(clauses, "set_spec = ?")
		args = append(args, q.Set)
	}
	if q.UpToID != nil {
		clauses = append(clauses, "id <= ?")
		args = append(args, *q.UpToID)
	}
	if q.After != nil {
		ts := toMicros(q.After.Timestamp)
		clauses = append(clauses, "(ts > ? OR (ts = ? AND id > ?))")
		args = append(args, ts, ts, q.After.ID)
	}
	return strings.Join(clauses, " AND "), args
}

func (r sqlOperations) List(ctx context.Context, q OperationQuery) ([]Operation, error) {
	b := r.b
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	where, args := r.where(q)
	query := fmt.Sprintf("SELECT id, entity_ref, set_spec, op_type, ts, origin FROM %s WHERE %s ORDER BY ts ASC, id ASC", b.tables.operations, where)
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}
	rows, err := b.db.QueryContext(ctx, b.dialect.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Operation, 0)
	for rows.Next() {
		var (
			op     Operation
			opType string
			ts     int64
		)
		if err := rows.Scan(&op.ID, &op.EntityRef, &op.Set, &opType, &ts, &op.Origin); err != nil {
			return nil, err
		}
		op.Type = OperationType(opType)
		op.Timestamp = fromMicros(ts)
		out = append(out, op)
	}
	return out, rows.Err()
}

func (r sqlOperations) Count(ctx context.Context, q OperationQuery) (int, error) {
	where, args := r.where(q)
	count, err := r.b.scalarInt(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s", r.b.tables.operations, where), args...)
	return int(count), err
}

func (r sqlOperations) MaxID(ctx context.Context) (int64, error) {
	return r.b.scalarInt(ctx, fmt.Sprintf("SELECT COALESCE(MAX(id), 0) FROM %s", r.b.tables.operations))
}

func (r sqlOperations) Entry(ctx context.Context, entityRef string) (Entry, error) {
	row, cancel, err := r.b.queryRow(ctx, fmt.Sprintf("SELECT entity_ref, set_spec, deleted, last_changed, origin FROM %s WHERE entity_ref = ?", r.b.tables.entries), entityRef)
	if err != nil {
		return Entry{}, err
	}
	defer cancel()
	var (
		entry   Entry
		deleted int
		changed int64
	)
	if err := row.Scan(&entry.EntityRef, &entry.Set, &deleted, &changed, &entry.Origin); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, ErrNotFound
		}
		return Entry{}, err
	}
	entry.Deleted = deleted != 0
	entry.LastChanged = fromMicros(changed)
	return entry, nil
}

func (r sqlOperations) PurgeBefore(ctx context.Context, before time.Time) (int, error) {
	res, err := r.b.exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE ts < ?", r.b.tables.operations), toMicros(before))
	return affectedRows(res, err)
}

func (r sqlTokens) Save(ctx context.Context, token ResumptionToken) error {
	if strings.TrimSpace(token.ID) == "" {
		return ErrInvalidInput
	}
	payload, err := json.Marshal(token)
	if err != nil {
		return err
	}
	_, err = r.b.exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, listing_type, payload, expires_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET listing_type = excluded.listing_type, payload = excluded.payload, expires_at = excluded.expires_at`, r.b.tables.tokens),
		token.ID, string(token.ListingType), string(payload), toMicros(token.ExpiresAt))
	return err
}

func (r sqlTokens) Take(ctx context.Context, id string, listing ListingType) (ResumptionToken, error) {
	row, cancel, err := r.b.queryRow(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = ? AND listing_type = ? RETURNING payload", r.b.tables.tokens), id, string(listing))
	if err != nil {
		return ResumptionToken{}, err
	}
	defer cancel()
	var payload string
	if err := row.Scan(&payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ResumptionToken{}, r.missing(ctx, id)
		}
		return ResumptionToken{}, err
	}
	var token ResumptionToken
	if err := json.Unmarshal([]byte(payload), &token); err != nil {
		return ResumptionToken{}, err
	}
	return token, nil
}

// missing explains why Take matched no row.
func (r sqlTokens) missing(ctx context.Context, id string) error {
	row, cancel, err := r.b.queryRow(ctx, fmt.Sprintf("SELECT listing_type FROM %s WHERE id = ?", r.b.tables.tokens), id)
	if err != nil {
		return err
	}
	defer cancel()
	var stored string
	if err := row.Scan(&stored); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	return listingMismatch(ListingType(stored))
}

func (r sqlTokens) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := r.b.exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE expires_at <= ?", r.b.tables.tokens), toMicros(now))
	return affectedRows(res, err)
}

const objectColumns = "identifier, added_at, last_verified_at, status"

func scanObject(scan func(dest ...any) error) (DigitalObjectRecord, error) {
	var (
		rec      DigitalObjectRecord
		added    int64
		verified sql.NullInt64
		status   string
	)
	if err := scan(&rec.Identifier, &added, &verified, &status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return DigitalObjectRecord{}, ErrNotFound
		}
		return DigitalObjectRecord{}, err
	}
	rec.AddedAt = fromMicros(added)
	if verified.Valid {
		rec.LastVerifiedAt = timePtr(fromMicros(verified.Int64))
	}
	rec.Status = VerificationStatus(status)
	return rec, nil
}

func (r sqlObjects) Add(ctx context.Context, rec DigitalObjectRecord) (DigitalObjectRecord, error) {
	var verified any
	if rec.LastVerifiedAt != nil {
		verified = toMicros(*rec.LastVerifiedAt)
	}
	if _, err := r.b.exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (identifier, added_at, last_verified_at, status) VALUES (?, ?, ?, ?)
		ON CONFLICT (identifier) DO NOTHING`, r.b.tables.objects),
		rec.Identifier, toMicros(rec.AddedAt), verified, string(rec.Status)); err != nil {
		return DigitalObjectRecord{}, err
	}
	return r.Get(ctx, rec.Identifier)
}

func (r sqlObjects) SetStatus(ctx context.Context, identifier string, status VerificationStatus, at time.Time) (DigitalObjectRecord, bool, error) {
	// The conditional update only matches when the status flips, so two
	// concurrent writers cannot both observe the same transition.
	res, err := r.b.exec(ctx, fmt.Sprintf("UPDATE %s SET status = ?, last_verified_at = ? WHERE identifier = ? AND status <> ?", r.b.tables.objects),
		string(status), toMicros(at), identifier, string(status))
	changed, err := affectedRows(res, err)
	if err != nil {
		return DigitalObjectRecord{}, false, err
	}
	if changed == 0 {
		res, err = r.b.exec(ctx, fmt.Sprintf("UPDATE %s SET last_verified_at = ? WHERE identifier = ?", r.b.tables.objects), toMicros(at), identifier)
		touched, err := affectedRows(res, err)
		if err != nil {
			return DigitalObjectRecord{}, false, err
		}
		if touched == 0 {
			return DigitalObjectRecord{}, false, ErrNotFound
		}
	}
	rec, err := r.Get(ctx, identifier)
	return rec, changed > 0, err
}

func (r sqlObjects) RestoreStatus(ctx context.Context, prev DigitalObjectRecord, from VerificationStatus) (bool, error) {
	var verified any
	if prev.LastVerifiedAt != nil {
		verified = toMicros(*prev.LastVerifiedAt)
	}
	res, err := r.b.exec(ctx, fmt.Sprintf("UPDATE %s SET status = ?, last_verified_at = ? WHERE identifier = ? AND status = ?", r.b.tables.objects),
		string(prev.Status), verified, prev.Identifier, string(from))
	restored, err := affectedRows(res, err)
	return restored > 0, err
}

func (r sqlObjects) Get(ctx context.Context, identifier string) (DigitalObjectRecord, error) {
	row, cancel, err := r.b.queryRow(ctx, fmt.Sprintf("SELECT %s FROM %s WHERE identifier = ?", objectColumns, r.b.tables.objects), identifier)
	if err != nil {
		return DigitalObjectRecord{}, err
	}
	defer cancel()
	return scanObject(row.Scan)
}

func (r sqlObjects) CountByStatus(ctx context.Context, status VerificationStatus) (int, error) {
	count, err := r.b.scalarInt(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE status = ?", r.b.tables.objects), string(status))
	return int(count), err
}

func (r sqlObjects) FirstAdded(ctx context.Context) (time.Time, error) {
	return r.b.scalarTime(ctx, fmt.Sprintf("SELECT MIN(added_at) FROM %s", r.b.tables.objects))
}

func (r sqlObjects) LastVerified(ctx context.Context) (time.Time, error) {
	return r.b.scalarTime(ctx, fmt.Sprintf("SELECT MAX(last_verified_at) FROM %s", r.b.tables.objects))
}

func (r sqlObjects) MostRecent(ctx context.Context) (DigitalObjectRecord, error) {
	row, cancel, err := r.b.queryRow(ctx, fmt.Sprintf("SELECT %s FROM %s ORDER BY added_at DESC, identifier DESC LIMIT 1", objectColumns, r.b.tables.objects))
	if err != nil {
		return DigitalObjectRecord{}, err
	}
	defer cancel()
	return scanObject(row.Scan)
}

func (r sqlObjects) DeleteAll(ctx context.Context) (int, error) {
	res, err := r.b.exec(ctx, fmt.Sprintf("DELETE FROM %s", r.b.tables.objects))
	return affectedRows(res, err)
}

const iterationColumns = "id, plugin, object_identifier, started_at, finished_at"

func scanIteration(scan func(dest ...any) error) (PluginIteration, error) {
	var (
		it       PluginIteration
		started  int64
		finished sql.NullInt64
	)
	if err := scan(&it.ID, &it.Plugin, &it.ObjectIdentifier, &started, &finished); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return PluginIteration{}, ErrNotFound
		}
		return PluginIteration{}, err
	}
	it.StartedAt = fromMicros(started)
	if finished.Valid {
		it.FinishedAt = timePtr(fromMicros(finished.Int64))
	}
	return it, nil
}

func (r sqlIterations) get(ctx context.Context, id int64) (PluginIteration, error) {
	row, cancel, err := r.b.queryRow(ctx, fmt.Sprintf("SELECT %s FROM %s WHERE id = ?", iterationColumns, r.b.tables.iterations), id)
	if err != nil {
		return PluginIteration{}, err
	}
	defer cancel()
	return scanIteration(row.Scan)
}

func (r sqlIterations) Start(ctx context.Context, it PluginIteration) (PluginIteration, error) {
	row, cancel, err := r.b.queryRow(ctx, fmt.Sprintf("INSERT INTO %s (plugin, object_identifier, started_at) VALUES (?, ?, ?) RETURNING id", r.b.tables.iterations),
		it.Plugin, it.ObjectIdentifier, toMicros(it.StartedAt))
	if err != nil {
		return PluginIteration{}, err
	}
	defer cancel()
	if err := row.Scan(&it.ID); err != nil {
		return PluginIteration{}, err
	}
	it.FinishedAt = nil
	return it, nil
}

func (r sqlIterations) Finish(ctx context.Context, id int64, at time.Time) (PluginIteration, error) {
	res, err := r.b.exec(ctx, fmt.Sprintf("UPDATE %s SET finished_at = ? WHERE id = ? AND finished_at IS NULL", r.b.tables.iterations), toMicros(at), id)
	updated, err := affectedRows(res, err)
	if err != nil {
		return PluginIteration{}, err
	}
	it, err := r.get(ctx, id)
	if err != nil {
		return PluginIteration{}, err
	}
	if updated == 0 {
		return PluginIteration{}, ErrInvalidState
	}
	return it, nil
}

func (r sqlIterations) Last(ctx context.Context, plugin string) (PluginIteration, error) {
	row, cancel, err := r.b.queryRow(ctx, fmt.Sprintf("SELECT %s FROM %s WHERE plugin = ? ORDER BY started_at DESC, id DESC LIMIT 1", iterationColumns, r.b.tables.iterations), plugin)
	if err != nil {
		return PluginIteration{}, err
	}
	defer cancel()
	return scanIteration(row.Scan)
}

func (r sqlIterations) Count(ctx context.Context, plugin string) (int, error) {
	count, err := r.b.scalarInt(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE plugin = ?", r.b.tables.iterations), plugin)
	return int(count), err
}

func (r sqlIterations) FirstStarted(ctx context.Context, plugin string) (time.Time, error) {
	return r.b.scalarTime(ctx, fmt.Sprintf("SELECT MIN(started_at) FROM %s WHERE plugin = ?", r.b.tables.iterations), plugin)
}

func (r sqlIterations) LastFinished(ctx context.Context, plugin string) (time.Time, error) {
	return r.b.scalarTime(ctx, fmt.Sprintf("SELECT MAX(finished_at) FROM %s WHERE plugin = ?", r.b.tables.iterations), plugin)
}

func (r sqlIterations) DeleteAll(ctx context.Context, plugin string) (int, error) {
	res, err := r.b.exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE plugin = ?", r.b.tables.iterations), plugin)
	return affectedRows(res, err)
}

func (r sqlFormats) SetAtRisk(ctx context.Context, puid string, atRisk bool) (bool, error) {
	res, err := r.b.exec(ctx, fmt.Sprintf(`
		INSERT INTO %[1]s (puid, at_risk) VALUES (?, ?)
		ON CONFLICT (puid) DO UPDATE SET at_risk = excluded.at_risk
		WHERE %[1]s.at_risk <> excluded.at_risk`, r.b.tables.formats), puid, boolInt(atRisk))
	changed, err := affectedRows(res, err)
	return changed > 0, err
}

func (r sqlFormats) Get(ctx context.Context, puid string) (FileFormat, error) {
	row, cancel, err := r.b.queryRow(ctx, fmt.Sprintf("SELECT puid, at_risk FROM %s WHERE puid = ?", r.b.tables.formats), puid)
	if err != nil {
		return FileFormat{}, err
	}
	defer cancel()
	var (
		format FileFormat
		atRisk int
	)
	if err := row.Scan(&format.PUID, &atRisk); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return FileFormat{}, ErrNotFound
		}
		return FileFormat{}, err
	}
	format.AtRisk = atRisk != 0
	return format, nil
}

func (r sqlFormats) ListAtRisk(ctx context.Context) ([]FileFormat, error) {
	b := r.b
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()
	rows, err := b.db.QueryContext(ctx, b.dialect.rebind(fmt.Sprintf("SELECT puid FROM %s WHERE at_risk = ? ORDER BY puid ASC", b.tables.formats)), 1)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]FileFormat, 0)
	for rows.Next() {
		format := FileFormat{AtRisk: true}
		if err := rows.Scan(&format.PUID); err != nil {
			return nil, err
		}
		out = append(out, format)
	}
	return out, rows.Err()
}

const registryColumns = "name, endpoint, description, username, password, metadata_prefix, read_enabled, harvested, last_harvested"

func scanRegistry(scan func(dest ...any) error) (RemoteRegistry, error) {
	var (
		reg         RemoteRegistry
		readEnabled int
		harvested   int
		last        sql.NullInt64
	)
	if err := scan(&reg.Name, &reg.Endpoint, &reg.Description, &reg.Username, &reg.Password, &reg.MetadataPrefix, &readEnabled, &harvested, &last); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return RemoteRegistry{}, ErrNotFound
		}
		return RemoteRegistry{}, err
	}
	reg.ReadEnabled = readEnabled != 0
	reg.Harvested = harvested != 0
	if last.Valid {
		reg.LastHarvested = timePtr(fromMicros(last.Int64))
	}
	return reg, nil
}

func (r sqlRegistries) List(ctx context.Context) ([]RemoteRegistry, error) {
	b := r.b
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()
	rows, err := b.db.QueryContext(ctx, fmt.Sprintf("SELECT %s FROM %s ORDER BY name ASC", registryColumns, b.tables.registries))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]RemoteRegistry, 0)
	for rows.Next() {
		reg, err := scanRegistry(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, reg)
	}
	return out, rows.Err()
}

func (r sqlRegistries) Get(ctx context.Context, name string) (RemoteRegistry, error) {
	row, cancel, err := r.b.queryRow(ctx, fmt.Sprintf("SELECT %s FROM %s WHERE name = ?", registryColumns, r.b.tables.registries), name)
	if err != nil {
		return RemoteRegistry{}, err
	}
	defer cancel()
	return scanRegistry(row.Scan)
}

func (r sqlRegistries) Upsert(ctx context.Context, reg RemoteRegistry) (RemoteRegistry, error) {
	if _, err := r.b.exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (name, endpoint, description, username, password, metadata_prefix, read_enabled, harvested)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET
			endpoint = excluded.endpoint,
			description = excluded.description,
			username = excluded.username,
			password = excluded.password,
			metadata_prefix = excluded.metadata_prefix,
			read_enabled = excluded.read_enabled,
			harvested = excluded.harvested`, r.b.tables.registries),
		reg.Name, reg.Endpoint, reg.Description, reg.Username, reg.Password, reg.MetadataPrefix, boolInt(reg.ReadEnabled), boolInt(reg.Harvested)); err != nil {
		return RemoteRegistry{}, err
	}
	return r.Get(ctx, reg.Name)
}

func (r sqlRegistries) AdvanceWatermark(ctx context.Context, name string, ts time.Time) (bool, error) {
	micros := toMicros(ts)
	res, err := r.b.exec(ctx, fmt.Sprintf("UPDATE %s SET last_harvested = ? WHERE name = ? AND (last_harvested IS NULL OR last_harvested < ?)", r.b.tables.registries),
		micros, name, micros)
	updated, err := affectedRows(res, err)
	if err != nil {
		return false, err
	}
	if updated == 0 {
		if _, err := r.Get(ctx, name); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

func affectedRows(res sql.Result, err error) (int, error) {
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func toMicros(t time.Time) int64 {
	return t.UTC().UnixMicro()
}

func fromMicros(micros int64) time.Time {
	return time.UnixMicro(micros).UTC()
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func quoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}

func unquote(identifier string) string {
	identifier = strings.TrimPrefix(strings.TrimSuffix(identifier, `"`), `"`)
	return strings.ReplaceAll(identifier, `""`, `"`)
}
