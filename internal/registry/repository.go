package registry

import (
	"context"
	"time"
)

// OperationRepository persists the operation ledger and the entry state it
// describes.
type OperationRepository interface {
	// Apply records op unless the entry already changed at or after
	// op.Timestamp, or op was harvested and the entry is local. The check
	// and the write are atomic per entity.
	Apply(ctx context.Context, op Operation) (Operation, bool, error)
	List(ctx context.Context, q OperationQuery) ([]Operation, error)
	Count(ctx context.Context, q OperationQuery) (int, error)
	MaxID(ctx context.Context) (int64, error)
	Entry(ctx context.Context, entityRef string) (Entry, error)
	PurgeBefore(ctx context.Context, before time.Time) (int, error)
}

type TokenRepository interface {
	Save(ctx context.Context, token ResumptionToken) error
	// Take removes and returns the token when it belongs to listing.
	// Concurrent callers cannot both receive the same token. A token of
	// another listing stays stored and Take returns ErrListingMismatch.
	Take(ctx context.Context, id string, listing ListingType) (ResumptionToken, error)
	PurgeExpired(ctx context.Context, now time.Time) (int, error)
}

type ObjectRepository interface {
	// Add inserts rec unless an object with the same identifier exists, and
	// returns the stored record.
	Add(ctx context.Context, rec DigitalObjectRecord) (DigitalObjectRecord, error)
	// SetStatus stores a verification result. changed reports whether the
	// status differs from the previous one.
	SetStatus(ctx context.Context, identifier string, status VerificationStatus, at time.Time) (rec DigitalObjectRecord, changed bool, err error)
	// RestoreStatus writes prev's status and verification time back while
	// the stored status is still from. restored is false when another
	// writer moved the object on in the meantime.
	RestoreStatus(ctx context.Context, prev DigitalObjectRecord, from VerificationStatus) (restored bool, err error)
	Get(ctx context.Context, identifier string) (DigitalObjectRecord, error)
	CountByStatus(ctx context.Context, status VerificationStatus) (int, error)
	FirstAdded(ctx context.Context) (time.Time, error)
	LastVerified(ctx context.Context) (time.Time, error)
	MostRecent(ctx context.Context) (DigitalObjectRecord, error)
	DeleteAll(ctx context.Context) (int, error)
}

type IterationRepository interface {
	Start(ctx context.Context, it PluginIteration) (PluginIteration, error)
	Finish(ctx context.Context, id int64, at time.Time) (PluginIteration, error)
	Last(ctx context.Context, plugin string) (PluginIteration, error)
	Count(ctx context.Context, plugin string) (int, error)
	FirstStarted(ctx context.Context, plugin string) (time.Time, error)
	LastFinished(ctx context.Context, plugin string) (time.Time, error)
	DeleteAll(ctx context.Context, plugin string) (int, error)
}

type FormatRepository interface {
	// SetAtRisk stores the flag. changed is true when the format was
	// inserted or its flag flipped.
	SetAtRisk(ctx context.Context, puid string, atRisk bool) (changed bool, err error)
	Get(ctx context.Context, puid string) (FileFormat, error)
	ListAtRisk(ctx context.Context) ([]FileFormat, error)
}

type RegistryRepository interface {
	List(ctx context.Context) ([]RemoteRegistry, error)
	Get(ctx context.Context, name string) (RemoteRegistry, error)
	// Upsert stores the registry configuration. The watermark is never
	// changed by Upsert.
	Upsert(ctx context.Context, reg RemoteRegistry) (RemoteRegistry, error)
	// AdvanceWatermark moves the watermark forward to ts. advanced is false
	// when the stored watermark is already at or past ts.
	AdvanceWatermark(ctx context.Context, name string, ts time.Time) (advanced bool, err error)
}

type Backend interface {
	Operations() OperationRepository
	Tokens() TokenRepository
	Objects() ObjectRepository
	Iterations() IterationRepository
	Formats() FormatRepository
	Registries() RegistryRepository
	Close() error
}
