package harvest

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"emperror.dev/errors"
	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/regsync/internal/registry"
)

var harvestEpoch = time.Date(2024, time.June, 1, 12, 0, 0, 0, time.UTC)

// scriptedClient serves pre-built pages keyed by resumption token. The
// first request is keyed by "".
type scriptedClient struct {
	mu       sync.Mutex
	pages    map[string]registry.ChangesBatch
	failures map[string]error
	requests []ChangesRequest
	onFetch  func(req ChangesRequest)
}

func (c *scriptedClient) FetchChanges(ctx context.Context, _ registry.RemoteRegistry, req ChangesRequest) (registry.ChangesBatch, error) {
	c.mu.Lock()
	c.requests = append(c.requests, req)
	hook := c.onFetch
	c.mu.Unlock()
	if hook != nil {
		hook(req)
	}
	if err := ctx.Err(); err != nil {
		return registry.ChangesBatch{}, err
	}
	if err, ok := c.failures[req.ResumptionToken]; ok {
		return registry.ChangesBatch{}, err
	}
	page, ok := c.pages[req.ResumptionToken]
	if !ok {
		return registry.ChangesBatch{}, &HTTPError{StatusCode: 400, Code: registry.CodeBadResumptionToken, Message: "unknown token"}
	}
	return page, nil
}

func (c *scriptedClient) Requests() []ChangesRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ChangesRequest(nil), c.requests...)
}

func remoteOp(n int, ts time.Time) registry.Operation {
	return registry.Operation{
		ID:        int64(n),
		EntityRef: "remote-" + strconv.Itoa(n),
		Set:       "services",
		Type:      registry.OperationCreated,
		Timestamp: ts,
	}
}

// threePages builds pages of two operations each, one second apart.
func threePages() map[string]registry.ChangesBatch {
	at := func(n int) time.Time { return harvestEpoch.Add(time.Duration(n) * time.Second) }
	return map[string]registry.ChangesBatch{
		"":   {Operations: []registry.Operation{remoteOp(1, at(1)), remoteOp(2, at(2))}, Token: "t1", CompleteListSize: 6},
		"t1": {Operations: []registry.Operation{remoteOp(3, at(3)), remoteOp(4, at(4))}, Token: "t2", CompleteListSize: 6, Cursor: 2},
		"t2": {Operations: []registry.Operation{remoteOp(5, at(5)), remoteOp(6, at(6))}, CompleteListSize: 6, Cursor: 4},
	}
}

func newLocalStore(t *testing.T) *registry.Store {
	t.Helper()
	store, err := registry.NewStore(registry.Options{
		Backend: registry.NewMemoryBackend(),
		Clock:   func() time.Time { return harvestEpoch.Add(time.Hour) },
		Log:     logr.Discard(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	_, err = store.UpsertRegistry(context.Background(), registry.RemoteRegistry{
		Name:        "peer-b",
		Endpoint:    "http://peer-b.example",
		ReadEnabled: true,
		Harvested:   true,
	})
	require.NoError(t, err)
	return store
}

func newTestHarvester(t *testing.T, client Client, ledger Ledger) *Harvester {
	t.Helper()
	h, err := NewHarvester(Options{Client: client, Ledger: ledger, Log: logr.Discard()})
	require.NoError(t, err)
	return h
}

func TestHarvestAppliesAllPagesAndAdvancesWatermark(t *testing.T) {
	store := newLocalStore(t)
	client := &scriptedClient{pages: threePages()}
	h := newTestHarvester(t, client, store)

	result, err := h.Harvest(context.Background(), "peer-b")
	require.NoError(t, err)
	assert.Equal(t, 3, result.Pages)
	assert.Equal(t, 6, result.Received)
	assert.Equal(t, 6, result.Applied)
	assert.True(t, result.Advanced)

	reg, err := store.GetRegistry(context.Background(), "peer-b")
	require.NoError(t, err)
	require.NotNil(t, reg.LastHarvested)
	assert.True(t, reg.LastHarvested.Equal(harvestEpoch.Add(6*time.Second)))

	requests := client.Requests()
	require.Len(t, requests, 3)
	assert.Nil(t, requests[0].From, "first harvest has no from")
	assert.Equal(t, registry.DefaultMetadataPrefix, requests[0].MetadataPrefix)
	assert.Equal(t, ChangesRequest{ResumptionToken: "t1"}, requests[1])
	assert.Equal(t, ChangesRequest{ResumptionToken: "t2"}, requests[2])

	entry, err := store.Entry(context.Background(), "remote-6")
	require.NoError(t, err)
	assert.Equal(t, "peer-b", entry.Origin)
}

func TestHarvestReappliesIdempotently(t *testing.T) {
	store := newLocalStore(t)
	client := &scriptedClient{pages: threePages()}
	h := newTestHarvester(t, client, store)

	_, err := h.Harvest(context.Background(), "peer-b")
	require.NoError(t, err)

	second, err := h.Harvest(context.Background(), "peer-b")
	require.NoError(t, err)
	assert.Equal(t, 0, second.Applied)
	assert.Equal(t, 6, second.Skipped)
	assert.False(t, second.Advanced)

	requests := client.Requests()
	require.NotNil(t, requests[3].From, "second harvest starts at the watermark")
	assert.True(t, requests[3].From.Equal(harvestEpoch.Add(6*time.Second)))
}

func TestHarvestFailureOnLaterPageKeepsWatermark(t *testing.T) {
	for _, failing := range []string{"t1", "t2"} {
		t.Run("fail at "+failing, func(t *testing.T) {
			store := newLocalStore(t)
			client := &scriptedClient{
				pages:    threePages(),
				failures: map[string]error{failing: &HTTPError{StatusCode: 503, Message: "unavailable"}},
			}
			h := newTestHarvester(t, client, store)

			_, err := h.Harvest(context.Background(), "peer-b")
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrHarvesting))

			var herr *HarvestingError
			require.True(t, errors.As(err, &herr))
			assert.Equal(t, "peer-b", herr.Registry)
			assert.Equal(t, "http://peer-b.example", herr.Address)
			assert.Equal(t, failing, herr.Token)
			assert.Equal(t, 503, herr.StatusCode)

			reg, err := store.GetRegistry(context.Background(), "peer-b")
			require.NoError(t, err)
			assert.Nil(t, reg.LastHarvested, "watermark must not move after a failed page")
		})
	}
}

func TestHarvestAfterFailureRecoversEverything(t *testing.T) {
	store := newLocalStore(t)
	client := &scriptedClient{
		pages:    threePages(),
		failures: map[string]error{"t2": &HTTPError{StatusCode: 500}},
	}
	h := newTestHarvester(t, client, store)
	_, err := h.Harvest(context.Background(), "peer-b")
	require.Error(t, err)

	delete(client.failures, "t2")
	result, err := h.Harvest(context.Background(), "peer-b")
	require.NoError(t, err)
	assert.Equal(t, 2, result.Applied)
	assert.Equal(t, 4, result.Skipped)
	for n := 1; n <= 6; n++ {
		_, err := store.Entry(context.Background(), "remote-"+strconv.Itoa(n))
		require.NoError(t, err, "entry %d", n)
	}
}

func TestHarvestProtocolErrorCarriesCode(t *testing.T) {
	store := newLocalStore(t)
	client := &scriptedClient{pages: map[string]registry.ChangesBatch{
		"": {Operations: []registry.Operation{remoteOp(1, harvestEpoch)}, Token: "gone"},
	}}
	h := newTestHarvester(t, client, store)

	_, err := h.Harvest(context.Background(), "peer-b")
	var herr *HarvestingError
	require.True(t, errors.As(err, &herr))
	assert.Equal(t, registry.CodeBadResumptionToken, herr.Code)
	assert.Equal(t, "gone", herr.Token)
}

func TestHarvestCancellationKeepsWatermark(t *testing.T) {
	store := newLocalStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	client := &scriptedClient{
		pages: threePages(),
		onFetch: func(req ChangesRequest) {
			if req.ResumptionToken == "t2" {
				cancel()
			}
		},
	}
	h := newTestHarvester(t, client, store)

	_, err := h.Harvest(ctx, "peer-b")
	require.ErrorIs(t, err, context.Canceled)

	reg, err := store.GetRegistry(context.Background(), "peer-b")
	require.NoError(t, err)
	assert.Nil(t, reg.LastHarvested)
}

func TestHarvestEmptyListingLeavesWatermark(t *testing.T) {
	store := newLocalStore(t)
	mark := harvestEpoch.Add(-time.Hour)
	_, err := store.AdvanceWatermark(context.Background(), "peer-b", mark)
	require.NoError(t, err)

	client := &scriptedClient{pages: map[string]registry.ChangesBatch{"": {}}}
	h := newTestHarvester(t, client, store)
	result, err := h.Harvest(context.Background(), "peer-b")
	require.NoError(t, err)
	assert.False(t, result.Advanced)
	require.NotNil(t, result.Watermark)
	assert.True(t, result.Watermark.Equal(mark))

	reg, err := store.GetRegistry(context.Background(), "peer-b")
	require.NoError(t, err)
	assert.True(t, reg.LastHarvested.Equal(mark))
}

func TestHarvestRejectsRepeatedToken(t *testing.T) {
	store := newLocalStore(t)
	client := &scriptedClient{pages: map[string]registry.ChangesBatch{
		"":     {Operations: []registry.Operation{remoteOp(1, harvestEpoch)}, Token: "loop"},
		"loop": {Operations: []registry.Operation{remoteOp(2, harvestEpoch)}, Token: "loop"},
	}}
	h := newTestHarvester(t, client, store)

	_, err := h.Harvest(context.Background(), "peer-b")
	require.Error(t, err)
	assert.True(t, errors.Is(err, registry.ErrInvalidState))

	reg, err := store.GetRegistry(context.Background(), "peer-b")
	require.NoError(t, err)
	assert.Nil(t, reg.LastHarvested)
}

func TestHarvestUnknownRegistry(t *testing.T) {
	store := newLocalStore(t)
	h := newTestHarvester(t, &scriptedClient{}, store)
	_, err := h.Harvest(context.Background(), "nobody")
	assert.True(t, errors.Is(err, registry.ErrNotFound))
}

type failingLedger struct {
	*registry.Store
}

func (l failingLedger) ApplyRemote(context.Context, string, registry.Operation) (registry.Operation, bool, error) {
	return registry.Operation{}, false, &registry.PersistenceError{Op: "apply operation", Err: errors.New("disk full")}
}

func TestHarvestPersistenceFailureIsWrapped(t *testing.T) {
	store := newLocalStore(t)
	h := newTestHarvester(t, &scriptedClient{pages: threePages()}, failingLedger{store})

	_, err := h.Harvest(context.Background(), "peer-b")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrHarvesting))
	assert.True(t, errors.Is(err, registry.ErrPersistence))

	reg, err := store.GetRegistry(context.Background(), "peer-b")
	require.NoError(t, err)
	assert.Nil(t, reg.LastHarvested)
}
