package main

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/regsync/internal/harvest"
	"github.com/agentworkforce/regsync/internal/httpapi"
	"github.com/agentworkforce/regsync/internal/registry"
)

func TestFloatEnvParsesValue(t *testing.T) {
	t.Setenv("REGSYNC_TEST_FLOAT", "0.35")
	got := floatEnv(logr.Discard(), "REGSYNC_TEST_FLOAT", 0.1)
	if got != 0.35 {
		t.Fatalf("expected 0.35, got %f", got)
	}
}

func TestFloatEnvFallsBackOnInvalid(t *testing.T) {
	t.Setenv("REGSYNC_TEST_FLOAT_BAD", "oops")
	got := floatEnv(logr.Discard(), "REGSYNC_TEST_FLOAT_BAD", 0.25)
	if got != 0.25 {
		t.Fatalf("expected fallback 0.25, got %f", got)
	}
}

func TestIntAndDurationEnv(t *testing.T) {
	t.Setenv("REGSYNC_TEST_INT", "42")
	t.Setenv("REGSYNC_TEST_DURATION", "150ms")
	t.Setenv("REGSYNC_TEST_DURATION_BAD", "soon")
	if got := intEnv(logr.Discard(), "REGSYNC_TEST_INT", 7); got != 42 {
		t.Fatalf("expected 42, got %d", got)
	}
	if got := intEnv(logr.Discard(), "REGSYNC_TEST_INT_UNSET", 9); got != 9 {
		t.Fatalf("expected fallback 9, got %d", got)
	}
	if got := durationEnv(logr.Discard(), "REGSYNC_TEST_DURATION", time.Second); got != 150*time.Millisecond {
		t.Fatalf("expected 150ms, got %s", got)
	}
	if got := durationEnv(logr.Discard(), "REGSYNC_TEST_DURATION_BAD", 2*time.Second); got != 2*time.Second {
		t.Fatalf("expected fallback 2s, got %s", got)
	}
	if got := durationValue(logr.Discard(), "interval", "1m", time.Second); got != time.Minute {
		t.Fatalf("expected flag value 1m, got %s", got)
	}
}

func TestClampJitterRatio(t *testing.T) {
	if got := clampJitterRatio(-0.1); got != 0 {
		t.Fatalf("expected clamp to 0, got %f", got)
	}
	if got := clampJitterRatio(1.5); got != 1 {
		t.Fatalf("expected clamp to 1, got %f", got)
	}
	if got := clampJitterRatio(0.4); got != 0.4 {
		t.Fatalf("expected passthrough 0.4, got %f", got)
	}
}

func TestJitteredIntervalWithSample(t *testing.T) {
	base := 10 * time.Second
	if got := jitteredIntervalWithSample(base, 0, 0.2); got != base {
		t.Fatalf("expected no jitter interval %s, got %s", base, got)
	}
	if got := jitteredIntervalWithSample(base, 0.2, 0); got != 8*time.Second {
		t.Fatalf("expected min jitter interval 8s, got %s", got)
	}
	if got := jitteredIntervalWithSample(base, 0.2, 0.5); got != 10*time.Second {
		t.Fatalf("expected midpoint jitter interval 10s, got %s", got)
	}
	if got := jitteredIntervalWithSample(base, 0.2, 1); got != 12*time.Second {
		t.Fatalf("expected max jitter interval 12s, got %s", got)
	}
}

func newPeer(t *testing.T, refs ...string) (*registry.Store, *httptest.Server) {
	t.Helper()
	store, err := registry.NewStore(registry.Options{
		Backend:  registry.NewMemoryBackend(),
		PageSize: 2,
		Log:      logr.Discard(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	for _, ref := range refs {
		_, err := store.RecordChange(context.Background(), registry.ChangeRequest{EntityRef: ref, Type: registry.OperationCreated})
		require.NoError(t, err)
	}
	srv := httptest.NewServer(httpapi.NewServerWithConfig(store, httpapi.ServerConfig{PeerUsername: "mirror", PeerPassword: "secret"}))
	t.Cleanup(srv.Close)
	return store, srv
}

func TestLoopMirrorsPeerIntoLocalLedger(t *testing.T) {
	ctx := context.Background()
	_, peer := newPeer(t, "svc-1", "svc-2", "svc-3")
	backend := "sqlite://" + filepath.Join(t.TempDir(), "mirror.db")

	l, err := newLoop(ctx, options{
		Name:     "upstream",
		Endpoint: peer.URL + "/",
		Username: "mirror",
		Password: "secret",
		Backend:  backend,
		Timeout:  5 * time.Second,
	}, logr.Discard())
	require.NoError(t, err)

	require.NoError(t, l.run(ctx, true))
	for _, ref := range []string{"svc-1", "svc-2", "svc-3"} {
		entry, err := l.store.Entry(ctx, ref)
		require.NoError(t, err, ref)
		assert.Equal(t, "upstream", entry.Origin)
	}
	reg, err := l.store.GetRegistry(ctx, "upstream")
	require.NoError(t, err)
	require.NotNil(t, reg.LastHarvested)
	mark := *reg.LastHarvested
	require.NoError(t, l.Close())

	// Reopening the ledger resumes from the stored watermark.
	l, err = newLoop(ctx, options{
		Name:     "upstream",
		Endpoint: peer.URL,
		Username: "mirror",
		Password: "secret",
		Backend:  backend,
		Timeout:  5 * time.Second,
	}, logr.Discard())
	require.NoError(t, err)
	defer l.Close()
	result, err := l.runOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Applied)
	reg, err = l.store.GetRegistry(ctx, "upstream")
	require.NoError(t, err)
	require.NotNil(t, reg.LastHarvested)
	assert.True(t, reg.LastHarvested.Equal(mark))
}

func TestLoopOnceReportsHarvestFailure(t *testing.T) {
	ctx := context.Background()
	_, peer := newPeer(t, "svc-1")

	l, err := newLoop(ctx, options{
		Name:     "upstream",
		Endpoint: peer.URL,
		Username: "mirror",
		Password: "wrong",
		Backend:  "memory://",
		Timeout:  5 * time.Second,
	}, logr.Discard())
	require.NoError(t, err)
	defer l.Close()

	err = l.run(ctx, true)
	require.Error(t, err)
	assert.ErrorIs(t, err, harvest.ErrHarvesting)
}

func TestNewLoopRequiresEndpoint(t *testing.T) {
	_, err := newLoop(context.Background(), options{Name: "upstream", Backend: "memory://"}, logr.Discard())
	assert.Error(t, err)
}
