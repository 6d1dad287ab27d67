package httpapi

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/regsync/internal/harvest"
	"github.com/agentworkforce/regsync/internal/registry"
)

// Registry B harvests registry A over HTTP and ends up with A's entries.
func TestRoundTripBetweenRegistries(t *testing.T) {
	ctx := context.Background()
	clockA := &fixedClock{now: serverEpoch}
	storeA := newTestStore(t, 2, clockA)
	recordChanges(t, storeA, clockA, "svc-1", "svc-2", "svc-3", "svc-4", "svc-5")
	_, err := storeA.RecordChange(ctx, registry.ChangeRequest{EntityRef: "svc-2", Set: "services", Type: registry.OperationDeleted})
	require.NoError(t, err)

	peerA := httptest.NewServer(NewServerWithConfig(storeA, ServerConfig{PeerUsername: "b", PeerPassword: "secret"}))
	defer peerA.Close()

	storeB := newTestStore(t, 2, &fixedClock{now: serverEpoch.Add(time.Hour)})
	_, err = storeB.UpsertRegistry(ctx, registry.RemoteRegistry{
		Name:        "registry-a",
		Endpoint:    peerA.URL,
		Username:    "b",
		Password:    "secret",
		ReadEnabled: true,
		Harvested:   true,
	})
	require.NoError(t, err)

	harvester, err := harvest.NewHarvester(harvest.Options{
		Client: harvest.NewHTTPClient(peerA.Client()),
		Ledger: storeB,
		Log:    logr.Discard(),
	})
	require.NoError(t, err)

	result, err := harvester.Harvest(ctx, "registry-a")
	require.NoError(t, err)
	assert.Equal(t, 3, result.Pages)
	assert.Equal(t, 6, result.Received)
	assert.Equal(t, 6, result.Applied)

	for _, ref := range []string{"svc-1", "svc-2", "svc-3", "svc-4", "svc-5"} {
		want, err := storeA.Entry(ctx, ref)
		require.NoError(t, err)
		got, err := storeB.Entry(ctx, ref)
		require.NoError(t, err, ref)
		assert.Equal(t, want.Deleted, got.Deleted, ref)
		assert.True(t, want.LastChanged.Equal(got.LastChanged), ref)
		assert.Equal(t, "registry-a", got.Origin)
	}

	reg, err := storeB.GetRegistry(ctx, "registry-a")
	require.NoError(t, err)
	require.NotNil(t, reg.LastHarvested)
	assert.True(t, reg.LastHarvested.Equal(clockA.Now()))

	// A second harvest starts at the watermark and changes nothing.
	again, err := harvester.Harvest(ctx, "registry-a")
	require.NoError(t, err)
	assert.Equal(t, 0, again.Applied)
	assert.False(t, again.Advanced)

	// Wrong peer credentials fail the harvest without moving the watermark.
	_, err = storeB.UpsertRegistry(ctx, registry.RemoteRegistry{
		Name:        "registry-a",
		Endpoint:    peerA.URL,
		Username:    "b",
		Password:    "wrong",
		ReadEnabled: true,
		Harvested:   true,
	})
	require.NoError(t, err)
	_, err = harvester.Harvest(ctx, "registry-a")
	var herr *harvest.HarvestingError
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, 401, herr.StatusCode)
	reg, err = storeB.GetRegistry(ctx, "registry-a")
	require.NoError(t, err)
	assert.True(t, reg.LastHarvested.Equal(clockA.Now()))
}
