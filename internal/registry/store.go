package registry

import (
	"context"
	"net/url"
	"strings"
	"time"

	"emperror.dev/errors"
	"github.com/go-logr/logr"

	"github.com/agentworkforce/regsync/internal/metrics"
)

const DefaultMetadataPrefix = "oai_dc"

type Options struct {
	Backend Backend
	// Tokens overrides the backend's token repository, e.g. with Redis.
	Tokens           TokenRepository
	PageSize         int
	TokenTTL         time.Duration
	MetadataPrefixes []string
	Notifier         *Notifier
	Clock            func() time.Time
	Log              logr.Logger
	Metrics          *metrics.Metrics
}

// Store is the registry's ledgers and listings behind one API.
type Store struct {
	backend  Backend
	listings *TokenStore
	notifier *Notifier
	prefixes []string
	now      func() time.Time
	log      logr.Logger
	metrics  *metrics.Metrics
}

func NewStore(opts Options) (*Store, error) {
	if opts.Backend == nil {
		return nil, errors.WithDetails(ErrInvalidInput, "reason", "backend is required")
	}
	tokens := opts.Tokens
	if tokens == nil {
		tokens = opts.Backend.Tokens()
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	var prefixes []string
	for _, prefix := range opts.MetadataPrefixes {
		if prefix = strings.TrimSpace(prefix); prefix != "" {
			prefixes = append(prefixes, prefix)
		}
	}
	if len(prefixes) == 0 {
		prefixes = []string{DefaultMetadataPrefix}
	}
	notifier := opts.Notifier
	if notifier == nil {
		notifier = NewNotifier(NotifierOptions{Log: opts.Log, Metrics: opts.Metrics, Clock: clock})
	}
	return &Store{
		backend: opts.Backend,
		listings: NewTokenStore(opts.Backend.Operations(), tokens, TokenStoreOptions{
			PageSize: opts.PageSize,
			TTL:      opts.TokenTTL,
			Clock:    clock,
			Metrics:  opts.Metrics,
		}),
		notifier: notifier,
		prefixes: prefixes,
		now:      clock,
		log:      opts.Log,
		metrics:  opts.Metrics,
	}, nil
}

func (s *Store) Notifier() *Notifier {
	return s.notifier
}

func (s *Store) PageSize() int {
	return s.listings.PageSize()
}

// DefaultPrefix is the first configured metadata prefix.
func (s *Store) DefaultPrefix() string {
	return s.prefixes[0]
}

func (s *Store) SupportsPrefix(prefix string) bool {
	for _, candidate := range s.prefixes {
		if candidate == prefix {
			return true
		}
	}
	return false
}

func (s *Store) Close() error {
	var errs []error
	if s.notifier != nil {
		errs = append(errs, s.notifier.Close())
	}
	errs = append(errs, s.backend.Close())
	return errors.Combine(errs...)
}

// ChangeRequest is a local modification of a registry entry.
type ChangeRequest struct {
	EntityRef string        `json:"entityRef"`
	Set       string        `json:"set,omitempty"`
	Type      OperationType `json:"type"`
}

// RecordChange appends an operation for a locally made change. The
// timestamp is the current time, moved forward when needed so it stays
// after the entry's previous change.
func (s *Store) RecordChange(ctx context.Context, req ChangeRequest) (Operation, error) {
	ref := strings.TrimSpace(req.EntityRef)
	if ref == "" || !req.Type.Valid() {
		return Operation{}, errors.WithDetails(ErrInvalidInput, "entityRef", req.EntityRef, "type", req.Type)
	}
	ops := s.backend.Operations()
	ts := normalizeTime(s.now())
	entry, err := ops.Entry(ctx, ref)
	switch {
	case err == nil:
		if !entry.LastChanged.Before(ts) {
			ts = entry.LastChanged.Add(time.Microsecond)
		}
	case !errors.Is(err, ErrNotFound):
		return Operation{}, persistenceFailure("read entry", err)
	}
	op, applied, err := ops.Apply(ctx, Operation{
		EntityRef: ref,
		Set:       strings.TrimSpace(req.Set),
		Type:      req.Type,
		Timestamp: ts,
	})
	if err != nil {
		return Operation{}, persistenceFailure("record change", err)
	}
	if !applied {
		return Operation{}, errors.WithDetails(ErrInvalidState, "entityRef", ref, "reason", "entry changed concurrently")
	}
	s.metrics.IncOperationApplied("local", true)
	s.log.V(1).Info("change recorded", "entityRef", ref, "type", op.Type, "id", op.ID)
	return op, nil
}

// ApplyRemote applies an operation harvested from origin. applied is false
// when the entry already changed at or after op.Timestamp, which makes
// re-delivered pages a no-op, and when the entry was created locally:
// harvesting never modifies a local entry.
func (s *Store) ApplyRemote(ctx context.Context, origin string, op Operation) (Operation, bool, error) {
	op.EntityRef = strings.TrimSpace(op.EntityRef)
	if op.EntityRef == "" || !op.Type.Valid() || op.Timestamp.IsZero() {
		return Operation{}, false, errors.WithDetails(ErrInvalidInput, "entityRef", op.EntityRef, "type", op.Type)
	}
	origin = strings.TrimSpace(origin)
	if origin == "" {
		return Operation{}, false, errors.WithDetails(ErrInvalidInput, "entityRef", op.EntityRef, "reason", "origin is required")
	}
	op.ID = 0
	op.Timestamp = normalizeTime(op.Timestamp)
	op.Origin = origin
	stored, applied, err := s.backend.Operations().Apply(ctx, op)
	if err != nil {
		return Operation{}, false, persistenceFailure("apply operation", err)
	}
	s.metrics.IncOperationApplied(origin, applied)
	if !applied {
		s.log.V(1).Info("remote operation skipped", "origin", origin, "entityRef", op.EntityRef, "type", op.Type)
	}
	return stored, applied, nil
}

func (s *Store) Entry(ctx context.Context, entityRef string) (Entry, error) {
	return s.backend.Operations().Entry(ctx, strings.TrimSpace(entityRef))
}

// PurgeOperations deletes operations older than before. Entries keep their
// state.
func (s *Store) PurgeOperations(ctx context.Context, before time.Time) (int, error) {
	if before.IsZero() {
		return 0, ErrInvalidInput
	}
	purged, err := s.backend.Operations().PurgeBefore(ctx, normalizeTime(before))
	if err != nil {
		return 0, persistenceFailure("purge operations", err)
	}
	s.log.Info("operations purged", "before", FormatDate(before), "count", purged)
	return purged, nil
}

func (s *Store) PurgeExpiredTokens(ctx context.Context) (int, error) {
	purged, err := s.listings.PurgeExpired(ctx)
	if err != nil {
		return 0, persistenceFailure("purge tokens", err)
	}
	if purged > 0 {
		s.log.V(1).Info("expired resumption tokens purged", "count", purged)
	}
	return purged, nil
}

func (s *Store) ListRegistries(ctx context.Context) ([]RemoteRegistry, error) {
	return s.backend.Registries().List(ctx)
}

func (s *Store) GetRegistry(ctx context.Context, name string) (RemoteRegistry, error) {
	return s.backend.Registries().Get(ctx, strings.TrimSpace(name))
}

// UpsertRegistry stores a remote registry's configuration. The watermark
// is kept.
func (s *Store) UpsertRegistry(ctx context.Context, reg RemoteRegistry) (RemoteRegistry, error) {
	reg.Name = strings.TrimSpace(reg.Name)
	reg.Endpoint = strings.TrimSpace(reg.Endpoint)
	if reg.Name == "" {
		return RemoteRegistry{}, errors.WithDetails(ErrInvalidInput, "reason", "name is required")
	}
	endpoint, err := url.Parse(reg.Endpoint)
	if err != nil || endpoint.Host == "" || (endpoint.Scheme != "http" && endpoint.Scheme != "https") {
		return RemoteRegistry{}, errors.WithDetails(ErrInvalidInput, "registry", reg.Name, "endpoint", reg.Endpoint)
	}
	if strings.TrimSpace(reg.MetadataPrefix) == "" {
		reg.MetadataPrefix = s.DefaultPrefix()
	}
	return s.backend.Registries().Upsert(ctx, reg)
}

func (s *Store) AdvanceWatermark(ctx context.Context, name string, ts time.Time) (bool, error) {
	advanced, err := s.backend.Registries().AdvanceWatermark(ctx, name, normalizeTime(ts))
	if err != nil {
		return false, persistenceFailure("advance watermark", err)
	}
	return advanced, nil
}
