package registry

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock(start time.Time) *testClock {
	return &testClock{now: start}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var testEpoch = time.Date(2024, time.June, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T, backend Backend, pageSize int, clock *testClock) *Store {
	t.Helper()
	store, err := NewStore(Options{
		Backend:          backend,
		PageSize:         pageSize,
		TokenTTL:         10 * time.Minute,
		MetadataPrefixes: []string{DefaultMetadataPrefix, "regsync"},
		Clock:            clock.Now,
		Log:              logr.Discard(),
	})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

// seedOperations applies one remote CREATED operation per timestamp, using
// entity refs entry-1, entry-2, ...
func seedOperations(t *testing.T, store *Store, timestamps ...time.Time) []Operation {
	t.Helper()
	out := make([]Operation, 0, len(timestamps))
	for i, ts := range timestamps {
		op, applied, err := store.ApplyRemote(context.Background(), "peer", Operation{
			EntityRef: entityRef(i + 1),
			Set:       "services",
			Type:      OperationCreated,
			Timestamp: ts,
		})
		if err != nil {
			t.Fatalf("seed operation %d: %v", i, err)
		}
		if !applied {
			t.Fatalf("seed operation %d was skipped", i)
		}
		out = append(out, op)
	}
	return out
}

func entityRef(n int) string {
	return "entry-" + strconv.Itoa(n)
}

func operationRefs(ops []Operation) []string {
	refs := make([]string, 0, len(ops))
	for _, op := range ops {
		refs = append(refs, op.EntityRef)
	}
	return refs
}
