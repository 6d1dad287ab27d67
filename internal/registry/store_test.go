package registry

import (
	"context"
	"testing"
	"time"

	"emperror.dev/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyRemoteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, NewMemoryBackend(), 10, newTestClock(testEpoch))
	base := testEpoch.Add(-time.Hour)
	page := []Operation{
		{EntityRef: "svc-a", Set: "services", Type: OperationCreated, Timestamp: base},
		{EntityRef: "svc-b", Set: "services", Type: OperationCreated, Timestamp: base.Add(time.Second)},
		{EntityRef: "svc-a", Set: "services", Type: OperationUpdated, Timestamp: base.Add(2 * time.Second)},
	}
	apply := func() int {
		applied := 0
		for _, op := range page {
			_, ok, err := store.ApplyRemote(ctx, "peer", op)
			require.NoError(t, err)
			if ok {
				applied++
			}
		}
		return applied
	}

	require.Equal(t, 3, apply())
	before, err := store.backend.Operations().List(ctx, OperationQuery{})
	require.NoError(t, err)
	entryBefore, err := store.Entry(ctx, "svc-a")
	require.NoError(t, err)

	assert.Equal(t, 0, apply())
	after, err := store.backend.Operations().List(ctx, OperationQuery{})
	require.NoError(t, err)
	entryAfter, err := store.Entry(ctx, "svc-a")
	require.NoError(t, err)

	assert.Equal(t, before, after)
	assert.Equal(t, entryBefore, entryAfter)
	assert.Equal(t, base.Add(2*time.Second), entryAfter.LastChanged)
	assert.Equal(t, "peer", entryAfter.Origin)
}

func TestApplyRemoteNeverOverwritesNewerLocalChange(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock(testEpoch)
	store := newTestStore(t, NewMemoryBackend(), 10, clock)

	local, err := store.RecordChange(ctx, ChangeRequest{EntityRef: "svc-a", Set: "services", Type: OperationCreated})
	require.NoError(t, err)
	assert.Equal(t, testEpoch, local.Timestamp)

	_, applied, err := store.ApplyRemote(ctx, "peer", Operation{EntityRef: "svc-a", Type: OperationDeleted, Timestamp: testEpoch.Add(-time.Minute)})
	require.NoError(t, err)
	assert.False(t, applied)

	entry, err := store.Entry(ctx, "svc-a")
	require.NoError(t, err)
	assert.False(t, entry.Deleted)
	assert.Empty(t, entry.Origin)
}

func TestApplyRemoteNeverModifiesLocalEntry(t *testing.T) {
	for name, backend := range map[string]func(t *testing.T) Backend{
		"memory": func(*testing.T) Backend { return NewMemoryBackend() },
		"sqlite": newSQLiteTestBackend,
	} {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := newTestStore(t, backend(t), 10, newTestClock(testEpoch))

			_, err := store.RecordChange(ctx, ChangeRequest{EntityRef: "svc-1", Set: "services", Type: OperationCreated})
			require.NoError(t, err)
			before, err := store.Entry(ctx, "svc-1")
			require.NoError(t, err)

			_, applied, err := store.ApplyRemote(ctx, "peer", Operation{EntityRef: "svc-1", Type: OperationDeleted, Timestamp: testEpoch.Add(time.Hour)})
			require.NoError(t, err)
			assert.False(t, applied)

			after, err := store.Entry(ctx, "svc-1")
			require.NoError(t, err)
			assert.False(t, after.Deleted)
			assert.Empty(t, after.Origin)
			assert.True(t, before.LastChanged.Equal(after.LastChanged))
			count, err := store.backend.Operations().Count(ctx, OperationQuery{})
			require.NoError(t, err)
			assert.Equal(t, 1, count)

			// A harvested entry still follows newer remote operations, and a
			// local change may take it over.
			_, applied, err = store.ApplyRemote(ctx, "peer", Operation{EntityRef: "svc-2", Type: OperationCreated, Timestamp: testEpoch.Add(-time.Hour)})
			require.NoError(t, err)
			require.True(t, applied)
			_, applied, err = store.ApplyRemote(ctx, "peer", Operation{EntityRef: "svc-2", Type: OperationUpdated, Timestamp: testEpoch.Add(-time.Minute)})
			require.NoError(t, err)
			assert.True(t, applied)
			_, err = store.RecordChange(ctx, ChangeRequest{EntityRef: "svc-2", Type: OperationDeleted})
			require.NoError(t, err)
			taken, err := store.Entry(ctx, "svc-2")
			require.NoError(t, err)
			assert.True(t, taken.Deleted)
			assert.Empty(t, taken.Origin)
		})
	}
}

func TestApplyRemoteRejectsInvalidOperations(t *testing.T) {
	store := newTestStore(t, NewMemoryBackend(), 10, newTestClock(testEpoch))
	for _, op := range []Operation{
		{Type: OperationCreated, Timestamp: testEpoch},
		{EntityRef: "svc", Type: "RENAMED", Timestamp: testEpoch},
		{EntityRef: "svc", Type: OperationCreated},
	} {
		_, _, err := store.ApplyRemote(context.Background(), "peer", op)
		assert.True(t, errors.Is(err, ErrInvalidInput), "operation %+v: %v", op, err)
	}
	_, _, err := store.ApplyRemote(context.Background(), " ", Operation{EntityRef: "svc", Type: OperationCreated, Timestamp: testEpoch})
	assert.True(t, errors.Is(err, ErrInvalidInput), "empty origin: %v", err)
}

func TestRecordChangeKeepsTimestampsIncreasing(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, NewMemoryBackend(), 10, newTestClock(testEpoch))

	first, err := store.RecordChange(ctx, ChangeRequest{EntityRef: "svc", Type: OperationCreated})
	require.NoError(t, err)
	second, err := store.RecordChange(ctx, ChangeRequest{EntityRef: "svc", Type: OperationUpdated})
	require.NoError(t, err)
	assert.True(t, second.Timestamp.After(first.Timestamp))
	assert.Greater(t, second.ID, first.ID)

	_, err = store.RecordChange(ctx, ChangeRequest{EntityRef: " ", Type: OperationCreated})
	assert.True(t, errors.Is(err, ErrInvalidInput))
}

func TestPurgeOperationsKeepsEntries(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, NewMemoryBackend(), 10, newTestClock(testEpoch))
	base := testEpoch.Add(-time.Hour)
	seedOperations(t, store, base, base.Add(time.Minute), base.Add(2*time.Minute))

	purged, err := store.PurgeOperations(ctx, base.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, purged)

	page, err := store.GetOperations(ctx, nil, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"entry-2", "entry-3"}, operationRefs(page.Operations))
	_, err = store.Entry(ctx, "entry-1")
	assert.NoError(t, err)
}

func TestUpsertRegistryKeepsWatermark(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, NewMemoryBackend(), 10, newTestClock(testEpoch))

	reg, err := store.UpsertRegistry(ctx, RemoteRegistry{Name: "peer", Endpoint: "https://peer.example.org/registry", ReadEnabled: true, Harvested: true})
	require.NoError(t, err)
	assert.Equal(t, DefaultMetadataPrefix, reg.MetadataPrefix)
	assert.Nil(t, reg.LastHarvested)

	advanced, err := store.AdvanceWatermark(ctx, "peer", testEpoch)
	require.NoError(t, err)
	assert.True(t, advanced)

	advanced, err = store.AdvanceWatermark(ctx, "peer", testEpoch.Add(-time.Hour))
	require.NoError(t, err)
	assert.False(t, advanced)

	reg, err = store.UpsertRegistry(ctx, RemoteRegistry{Name: "peer", Endpoint: "https://peer.example.org/v2", Description: "moved"})
	require.NoError(t, err)
	require.NotNil(t, reg.LastHarvested)
	assert.Equal(t, testEpoch, *reg.LastHarvested)

	_, err = store.UpsertRegistry(ctx, RemoteRegistry{Name: "bad", Endpoint: "ftp://peer"})
	assert.True(t, errors.Is(err, ErrInvalidInput))
	_, err = store.AdvanceWatermark(ctx, "missing", testEpoch)
	assert.True(t, errors.Is(err, ErrNotFound))
}
