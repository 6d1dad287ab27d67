package registry

import (
	"fmt"
	"net/url"
	"strings"

	"emperror.dev/errors"
)

// BuildBackendFromDSN selects the ledger backend from the DSN scheme. An
// empty DSN selects the in-memory backend.
func BuildBackendFromDSN(dsn string) (Backend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemoryBackend(), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeBackendScheme(parsed.Scheme)
	if factory, ok := lookupBackendFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "memory", "mem", "inmem":
		return NewMemoryBackend(), nil
	case "postgres", "postgresql":
		return NewPostgresBackend(dsn)
	case "", "sqlite", "sqlite3", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewSQLiteBackend(path)
	case "mysql":
		return nil, errors.WithDetails(ErrNotImplemented, "backend", scheme)
	default:
		return nil, fmt.Errorf("unsupported backend scheme: %s", scheme)
	}
}

// BuildTokenRepositoryFromDSN returns a token repository that replaces the
// backend's own. An empty DSN returns nil, meaning the backend keeps its
// tokens.
func BuildTokenRepositoryFromDSN(dsn string) (TokenRepository, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeBackendScheme(parsed.Scheme)
	if factory, ok := lookupTokenRepositoryFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "redis", "rediss":
		return NewRedisTokenRepositoryFromURL(dsn)
	case "memory", "mem", "inmem":
		return NewMemoryBackend().Tokens(), nil
	default:
		return nil, fmt.Errorf("unsupported token store scheme: %s", scheme)
	}
}

func BuildNotificationQueueFromDSN(dsn string, capacity int) (NotificationQueue, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewInMemoryNotificationQueue(capacity), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeBackendScheme(parsed.Scheme)
	if factory, ok := lookupNotificationQueueFactory(scheme); ok {
		return factory(dsn, capacity)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileNotificationQueue(path, capacity)
	case "memory", "mem", "inmem":
		return NewInMemoryNotificationQueue(capacity), nil
	case "postgres", "postgresql":
		return NewPostgresNotificationQueue(dsn, capacity)
	case "kafka":
		return NewKafkaNotificationQueueFromDSN(dsn)
	case "nats", "sqs":
		return nil, errors.WithDetails(ErrNotImplemented, "queue", scheme)
	default:
		return nil, fmt.Errorf("unsupported notification queue scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	if host := strings.TrimSpace(parsed.Host); host != "" {
		path = host + path
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}
