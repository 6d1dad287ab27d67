package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"emperror.dev/errors"
)

const (
	postgresNotificationTable = "regsync_notification_queue"
	postgresQueueKey          = "default"
	postgresQueuePollInterval = 50 * time.Millisecond
	postgresQueueLease        = 5 * time.Minute
)

// PostgresNotificationQueue shares pending notifications between
// processes. Dequeue leases a row under SKIP LOCKED so concurrent
// dispatchers never receive the same row; Ack deletes it. A lease that
// runs out without an Ack makes the row available again.
type PostgresNotificationQueue struct {
	dsn          string
	tableName    string
	queueKey     string
	capacity     int
	pollInterval time.Duration
	lease        time.Duration
	openDB       sqlOpenFunc

	mu       sync.Mutex
	inFlight map[string]int64

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresNotificationQueue(dsn string, capacity int) (NotificationQueue, error) {
	return newPostgresNotificationQueue(dsn, postgresNotificationTable, postgresQueueKey, capacity)
}

func newPostgresNotificationQueue(dsn, tableName, queueKey string, capacity int) (*PostgresNotificationQueue, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" || strings.TrimSpace(tableName) == "" {
		return nil, ErrInvalidInput
	}
	if strings.TrimSpace(queueKey) == "" {
		queueKey = postgresQueueKey
	}
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	return &PostgresNotificationQueue{
		dsn:          dsn,
		tableName:    tableName,
		queueKey:     queueKey,
		capacity:     capacity,
		pollInterval: postgresQueuePollInterval,
		lease:        postgresQueueLease,
		openDB:       sql.Open,
		inFlight:     map[string]int64{},
	}, nil
}

func (q *PostgresNotificationQueue) ensureReady() error {
	if q == nil {
		return ErrInvalidInput
	}
	q.initOnce.Do(func() {
		db, err := q.openDB("postgres", q.dsn)
		if err != nil {
			q.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
		defer cancel()

		createTableQuery := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id BIGSERIAL PRIMARY KEY,
				queue_key TEXT NOT NULL,
				payload TEXT NOT NULL,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				leased_until TIMESTAMPTZ
			)`, quoteIdentifier(q.tableName))
		if _, err := db.ExecContext(ctx, createTableQuery); err != nil {
			_ = db.Close()
			q.initErr = errors.WrapIf(err, "create notification queue table")
			return
		}
		alterQuery := fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS leased_until TIMESTAMPTZ", quoteIdentifier(q.tableName))
		if _, err := db.ExecContext(ctx, alterQuery); err != nil {
			_ = db.Close()
			q.initErr = errors.WrapIf(err, "add notification queue lease column")
			return
		}
		createIndexQuery := fmt.Sprintf(
			"CREATE INDEX IF NOT EXISTS %s ON %s (queue_key, id)",
			quoteIdentifier(q.tableName+"_queue_key_id_idx"),
			quoteIdentifier(q.tableName),
		)
		if _, err := db.ExecContext(ctx, createIndexQuery); err != nil {
			_ = db.Close()
			q.initErr = errors.WrapIf(err, "create notification queue index")
			return
		}
		q.db = db
	})
	return q.initErr
}

func (q *PostgresNotificationQueue) TryEnqueue(event Event) bool {
	if q == nil || event.ID == "" {
		return false
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return false
	}
	if err := q.ensureReady(); err != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
	defer cancel()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return false
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", queueLockKey(q.tableName, q.queueKey)); err != nil {
		return false
	}
	var depth int
	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE queue_key = $1", quoteIdentifier(q.tableName))
	if err := tx.QueryRowContext(ctx, countQuery, q.queueKey).Scan(&depth); err != nil {
		return false
	}
	if depth >= q.capacity {
		return false
	}
	insertQuery := fmt.Sprintf("INSERT INTO %s (queue_key, payload, created_at) VALUES ($1, $2, NOW())", quoteIdentifier(q.tableName))
	if _, err := tx.ExecContext(ctx, insertQuery, q.queueKey, string(payload)); err != nil {
		return false
	}
	if err := tx.Commit(); err != nil {
		return false
	}
	committed = true
	return true
}

func (q *PostgresNotificationQueue) Enqueue(ctx context.Context, event Event) bool {
	if q == nil || event.ID == "" {
		return false
	}
	for {
		if q.TryEnqueue(event) {
			return true
		}
		if err := waitWithContext(ctx, q.pollInterval); err != nil {
			return false
		}
	}
}

func (q *PostgresNotificationQueue) Dequeue(ctx context.Context) (Event, bool) {
	if q == nil {
		return Event{}, false
	}
	for {
		if id, payload, ok := q.tryDequeue(ctx); ok {
			var event Event
			if err := json.Unmarshal([]byte(payload), &event); err != nil || event.ID == "" {
				_ = q.deleteRow(ctx, id)
				continue
			}
			q.mu.Lock()
			q.inFlight[event.ID] = id
			q.mu.Unlock()
			return event, true
		}
		if err := waitWithContext(ctx, q.pollInterval); err != nil {
			return Event{}, false
		}
	}
}

func (q *PostgresNotificationQueue) tryDequeue(ctx context.Context) (int64, string, bool) {
	if err := q.ensureReady(); err != nil {
		return 0, "", false
	}
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, "", false
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	query := fmt.Sprintf(`
		SELECT id, payload
		FROM %s
		WHERE queue_key = $1 AND (leased_until IS NULL OR leased_until < NOW())
		ORDER BY id ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED`, quoteIdentifier(q.tableName))
	var (
		id      int64
		payload string
	)
	if err := tx.QueryRowContext(ctx, query, q.queueKey).Scan(&id, &payload); err != nil {
		return 0, "", false
	}
	leaseQuery := fmt.Sprintf("UPDATE %s SET leased_until = NOW() + ($2 * INTERVAL '1 millisecond') WHERE id = $1", quoteIdentifier(q.tableName))
	if _, err := tx.ExecContext(ctx, leaseQuery, id, q.lease.Milliseconds()); err != nil {
		return 0, "", false
	}
	if err := tx.Commit(); err != nil {
		return 0, "", false
	}
	committed = true
	return id, payload, true
}

func (q *PostgresNotificationQueue) Ack(ctx context.Context, event Event) error {
	if q == nil {
		return nil
	}
	q.mu.Lock()
	id, ok := q.inFlight[event.ID]
	q.mu.Unlock()
	if !ok {
		return nil
	}
	if err := q.deleteRow(ctx, id); err != nil {
		return errors.WrapIf(err, "acknowledge notification")
	}
	q.mu.Lock()
	if q.inFlight[event.ID] == id {
		delete(q.inFlight, event.ID)
	}
	q.mu.Unlock()
	return nil
}

func (q *PostgresNotificationQueue) deleteRow(ctx context.Context, id int64) error {
	if err := q.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()
	_, err := q.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = $1", quoteIdentifier(q.tableName)), id)
	return err
}

// Depth counts pending and leased rows.
func (q *PostgresNotificationQueue) Depth() int {
	if err := q.ensureReady(); err != nil {
		return 0
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
	defer cancel()
	var depth int
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE queue_key = $1", quoteIdentifier(q.tableName))
	if err := q.db.QueryRowContext(ctx, query, q.queueKey).Scan(&depth); err != nil {
		return 0
	}
	return depth
}

func (q *PostgresNotificationQueue) Capacity() int {
	if q == nil {
		return 0
	}
	return q.capacity
}

func (q *PostgresNotificationQueue) Close() error {
	if q == nil || q.db == nil {
		return nil
	}
	return q.db.Close()
}

func queueLockKey(tableName, queueKey string) int64 {
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte(strings.TrimSpace(tableName)))
	_, _ = hasher.Write([]byte{0})
	_, _ = hasher.Write([]byte(strings.TrimSpace(queueKey)))
	return int64(hasher.Sum64())
}
