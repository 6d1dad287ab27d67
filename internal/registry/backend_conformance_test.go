package registry

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"emperror.dev/errors"
)

// exerciseBackend checks the repository contracts every backend shares.
func exerciseBackend(t *testing.T, backend Backend) {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

	ops := backend.Operations()
	maxID, err := ops.MaxID(ctx)
	if err != nil || maxID != 0 {
		t.Fatalf("expected empty ledger, got max id %d err %v", maxID, err)
	}
	first, applied, err := ops.Apply(ctx, Operation{EntityRef: "a", Set: "services", Type: OperationCreated, Timestamp: base.Add(time.Second), Origin: "peer"})
	if err != nil || !applied {
		t.Fatalf("apply first: applied=%v err=%v", applied, err)
	}
	if first.ID == 0 {
		t.Fatalf("expected apply to assign an id")
	}
	if _, applied, err := ops.Apply(ctx, Operation{EntityRef: "a", Type: OperationUpdated, Timestamp: base.Add(time.Second)}); err != nil || applied {
		t.Fatalf("expected same-timestamp apply to be skipped, applied=%v err=%v", applied, err)
	}
	if _, applied, err := ops.Apply(ctx, Operation{EntityRef: "a", Type: OperationDeleted, Timestamp: base}); err != nil || applied {
		t.Fatalf("expected older apply to be skipped, applied=%v err=%v", applied, err)
	}
	second, _, err := ops.Apply(ctx, Operation{EntityRef: "b", Set: "tools", Type: OperationCreated, Timestamp: base})
	if err != nil {
		t.Fatalf("apply second: %v", err)
	}
	third, _, err := ops.Apply(ctx, Operation{EntityRef: "c", Set: "services", Type: OperationCreated, Timestamp: base.Add(time.Second)})
	if err != nil {
		t.Fatalf("apply third: %v", err)
	}
	if _, _, err := ops.Apply(ctx, Operation{EntityRef: "a", Set: "services", Type: OperationDeleted, Timestamp: base.Add(2 * time.Second)}); err != nil {
		t.Fatalf("apply delete: %v", err)
	}

	listed, err := ops.List(ctx, OperationQuery{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	got := operationRefs(listed)
	if strings.Join(got, ",") != "b,a,c,a" {
		t.Fatalf("expected timestamp then id order b,a,c,a, got %v", got)
	}
	if listed[1].ID != first.ID || listed[2].ID != third.ID || listed[0].ID != second.ID {
		t.Fatalf("unexpected ids %+v", listed)
	}

	after := first.Key()
	from := base.Add(time.Second)
	paged, err := ops.List(ctx, OperationQuery{From: &from, Set: "services", After: &after, Limit: 1})
	if err != nil {
		t.Fatalf("list after cursor: %v", err)
	}
	if len(paged) != 1 || paged[0].ID != third.ID {
		t.Fatalf("expected only c after the cursor, got %+v", paged)
	}
	upTo := third.ID
	count, err := ops.Count(ctx, OperationQuery{UpToID: &upTo})
	if err != nil || count != 3 {
		t.Fatalf("expected 3 operations up to id %d, got %d err %v", upTo, count, err)
	}

	entry, err := ops.Entry(ctx, "a")
	if err != nil {
		t.Fatalf("entry: %v", err)
	}
	if !entry.Deleted || !entry.LastChanged.Equal(base.Add(2*time.Second)) || entry.Origin != "" {
		t.Fatalf("unexpected entry %+v", entry)
	}
	if _, err := ops.Entry(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found entry, got %v", err)
	}
	purged, err := ops.PurgeBefore(ctx, base.Add(time.Second))
	if err != nil || purged != 1 {
		t.Fatalf("expected one purged operation, got %d err %v", purged, err)
	}

	tokens := backend.Tokens()
	token := ResumptionToken{
		ID:          "tok-1",
		ListingType: ListingRecords,
		Filter:      Filter{From: &from, MetadataPrefix: "oai_dc"},
		Cursor:      first.Key(),
		SnapshotID:  third.ID,
		CreatedAt:   base,
		ExpiresAt:   base.Add(time.Minute),
	}
	if err := tokens.Save(ctx, token); err != nil {
		t.Fatalf("save token: %v", err)
	}
	if err := tokens.Save(ctx, ResumptionToken{ID: "tok-2", ListingType: ListingChanges, ExpiresAt: base.Add(time.Hour)}); err != nil {
		t.Fatalf("save second token: %v", err)
	}
	if _, err := tokens.Take(ctx, "tok-1", ListingChanges); !errors.Is(err, ErrListingMismatch) {
		t.Fatalf("expected listing mismatch, got %v", err)
	}
	taken, err := tokens.Take(ctx, "tok-1", ListingRecords)
	if err != nil {
		t.Fatalf("take token: %v", err)
	}
	if taken.ListingType != ListingRecords || taken.SnapshotID != third.ID || taken.Filter.From == nil || !taken.Filter.From.Equal(from) {
		t.Fatalf("unexpected token %+v", taken)
	}
	if _, err := tokens.Take(ctx, "tok-1", ListingRecords); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected taken token to be gone, got %v", err)
	}
	if err := tokens.Save(ctx, token); err != nil {
		t.Fatalf("restore token: %v", err)
	}
	purged, err = tokens.PurgeExpired(ctx, base.Add(time.Minute))
	if err != nil || purged != 1 {
		t.Fatalf("expected one expired token, got %d err %v", purged, err)
	}

	objects := backend.Objects()
	if _, err := objects.FirstAdded(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected empty integrity ledger, got %v", err)
	}
	if _, err := objects.Add(ctx, DigitalObjectRecord{Identifier: "obj", AddedAt: base, Status: StatusUnverified}); err != nil {
		t.Fatalf("add object: %v", err)
	}
	again, err := objects.Add(ctx, DigitalObjectRecord{Identifier: "obj", AddedAt: base.Add(time.Hour), Status: StatusOK})
	if err != nil || !again.AddedAt.Equal(base) || again.Status != StatusUnverified {
		t.Fatalf("expected re-add to keep the stored record, got %+v err %v", again, err)
	}
	if _, changed, err := objects.SetStatus(ctx, "obj", StatusCorrupted, base.Add(time.Minute)); err != nil || !changed {
		t.Fatalf("expected status change, changed=%v err=%v", changed, err)
	}
	rec, changed, err := objects.SetStatus(ctx, "obj", StatusCorrupted, base.Add(2*time.Minute))
	if err != nil || changed {
		t.Fatalf("expected repeated status to be unchanged, changed=%v err=%v", changed, err)
	}
	if rec.LastVerifiedAt == nil || !rec.LastVerifiedAt.Equal(base.Add(2*time.Minute)) {
		t.Fatalf("expected verification time to move, got %+v", rec)
	}
	if _, _, err := objects.SetStatus(ctx, "ghost", StatusOK, base); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found for unknown object, got %v", err)
	}
	prev := DigitalObjectRecord{Identifier: "obj", Status: StatusOK, LastVerifiedAt: timePtr(base)}
	if restored, err := objects.RestoreStatus(ctx, prev, StatusOK); err != nil || restored {
		t.Fatalf("expected restore from a stale status to be refused, restored=%v err=%v", restored, err)
	}
	if restored, err := objects.RestoreStatus(ctx, prev, StatusCorrupted); err != nil || !restored {
		t.Fatalf("expected restore, restored=%v err=%v", restored, err)
	}
	if rec, err := objects.Get(ctx, "obj"); err != nil || rec.Status != StatusOK || rec.LastVerifiedAt == nil || !rec.LastVerifiedAt.Equal(base) {
		t.Fatalf("unexpected restored object %+v err %v", rec, err)
	}
	if _, changed, err := objects.SetStatus(ctx, "obj", StatusCorrupted, base.Add(2*time.Minute)); err != nil || !changed {
		t.Fatalf("expected status change after restore, changed=%v err=%v", changed, err)
	}
	if n, err := objects.CountByStatus(ctx, StatusCorrupted); err != nil || n != 1 {
		t.Fatalf("expected one corrupted object, got %d err %v", n, err)
	}
	if last, err := objects.LastVerified(ctx); err != nil || !last.Equal(base.Add(2*time.Minute)) {
		t.Fatalf("unexpected last verified %s err %v", last, err)
	}
	if recent, err := objects.MostRecent(ctx); err != nil || recent.Identifier != "obj" {
		t.Fatalf("unexpected most recent %+v err %v", recent, err)
	}

	iterations := backend.Iterations()
	it, err := iterations.Start(ctx, PluginIteration{Plugin: "droid", ObjectIdentifier: "obj", StartedAt: base})
	if err != nil || it.ID == 0 {
		t.Fatalf("start iteration: %+v err %v", it, err)
	}
	if _, err := iterations.Finish(ctx, it.ID, base.Add(time.Minute)); err != nil {
		t.Fatalf("finish iteration: %v", err)
	}
	if _, err := iterations.Finish(ctx, it.ID, base.Add(2*time.Minute)); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected second finish to be invalid, got %v", err)
	}
	if _, err := iterations.Finish(ctx, it.ID+100, base); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected unknown iteration, got %v", err)
	}
	if finished, err := iterations.LastFinished(ctx, "droid"); err != nil || !finished.Equal(base.Add(time.Minute)) {
		t.Fatalf("unexpected last finished %s err %v", finished, err)
	}

	formats := backend.Formats()
	if changed, err := formats.SetAtRisk(ctx, "fmt/1", true); err != nil || !changed {
		t.Fatalf("expected new format to change, changed=%v err=%v", changed, err)
	}
	if changed, err := formats.SetAtRisk(ctx, "fmt/1", true); err != nil || changed {
		t.Fatalf("expected repeated flag to be unchanged, changed=%v err=%v", changed, err)
	}
	if format, err := formats.Get(ctx, "fmt/1"); err != nil || !format.AtRisk {
		t.Fatalf("unexpected format %+v err %v", format, err)
	}

	registries := backend.Registries()
	if _, err := registries.Upsert(ctx, RemoteRegistry{Name: "peer", Endpoint: "https://peer.example.org", MetadataPrefix: "oai_dc", ReadEnabled: true, Harvested: true}); err != nil {
		t.Fatalf("upsert registry: %v", err)
	}
	if advanced, err := registries.AdvanceWatermark(ctx, "peer", base); err != nil || !advanced {
		t.Fatalf("expected watermark to advance, advanced=%v err=%v", advanced, err)
	}
	if advanced, err := registries.AdvanceWatermark(ctx, "peer", base.Add(-time.Second)); err != nil || advanced {
		t.Fatalf("expected watermark to stay, advanced=%v err=%v", advanced, err)
	}
	reg, err := registries.Upsert(ctx, RemoteRegistry{Name: "peer", Endpoint: "https://peer.example.org/v2", MetadataPrefix: "oai_dc"})
	if err != nil {
		t.Fatalf("update registry: %v", err)
	}
	if reg.LastHarvested == nil || !reg.LastHarvested.Equal(base) || reg.ReadEnabled {
		t.Fatalf("unexpected registry after update %+v", reg)
	}
	if _, err := registries.AdvanceWatermark(ctx, "ghost", base); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected unknown registry, got %v", err)
	}
}

func TestMemoryBackendContract(t *testing.T) {
	exerciseBackend(t, NewMemoryBackend())
}

func TestSQLiteBackendContract(t *testing.T) {
	backend := newSQLiteTestBackend(t)
	exerciseBackend(t, backend)
}

func TestSQLiteBackendServesListings(t *testing.T) {
	backend := newSQLiteTestBackend(t)
	store := newTestStore(t, backend, 2, newTestClock(testEpoch))
	t1 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	seedOperations(t, store, t1, t1.Add(time.Minute), t1.Add(2*time.Minute), t1.Add(3*time.Minute), t1.Add(4*time.Minute))

	var refs []string
	page, err := store.GetOperations(context.Background(), &t1, "")
	for {
		if err != nil {
			t.Fatalf("page: %v", err)
		}
		refs = append(refs, operationRefs(page.Operations)...)
		if page.Token == nil {
			break
		}
		page, err = store.GetOperations(context.Background(), nil, page.Token.ID)
	}
	if strings.Join(refs, ",") != "entry-1,entry-2,entry-3,entry-4,entry-5" {
		t.Fatalf("unexpected listing %v", refs)
	}
}

func newSQLiteTestBackend(t *testing.T) Backend {
	t.Helper()
	backend, err := NewSQLiteBackend(filepath.Join(t.TempDir(), "regsync.db"))
	if err != nil {
		t.Fatalf("new sqlite backend: %v", err)
	}
	t.Cleanup(func() { _ = backend.Close() })
	if err := backend.ensureReady(); err != nil {
		if strings.Contains(err.Error(), "cgo") {
			t.Skipf("sqlite driver unavailable: %v", err)
		}
		t.Fatalf("open sqlite: %v", err)
	}
	return backend
}
