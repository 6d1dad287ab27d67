package registry

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"emperror.dev/errors"
	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingMailer struct {
	mu       sync.Mutex
	failures int
	sent     chan string
}

func newRecordingMailer(failures int) *recordingMailer {
	return &recordingMailer{failures: failures, sent: make(chan string, 16)}
}

func (m *recordingMailer) SendNotification(_ context.Context, event Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failures > 0 {
		m.failures--
		return fmt.Errorf("smtp unavailable")
	}
	m.sent <- fmt.Sprintf("notification:%s:%s:%d", event.Kind, event.Payload, event.Attempts)
	return nil
}

func (m *recordingMailer) SendCertificateExpirationWarning(_ context.Context, address string, _ Event) error {
	m.sent <- "warning:" + address
	return nil
}

func receive(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for mail")
		return ""
	}
}

func TestNotifierDispatchesAndRetries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mailer := newRecordingMailer(2)
	notifier := NewNotifier(NotifierOptions{Mailer: mailer, Log: logr.Discard(), RetryDelay: time.Millisecond})
	go notifier.Run(ctx)

	_, err := notifier.Raise(ctx, EventFormatAtRisk, "format at risk", "fmt/11")
	require.NoError(t, err)
	assert.Equal(t, "notification:FORMAT_AT_RISK:fmt/11:3", receive(t, mailer.sent))
}

func TestNotifierCertificateWarningMailsAdminsThenUser(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mailer := newRecordingMailer(0)
	notifier := NewNotifier(NotifierOptions{Mailer: mailer, Log: logr.Discard()})
	go notifier.Run(ctx)

	expires := time.Date(2024, 9, 1, 0, 0, 0, 0, time.UTC)
	event, err := notifier.RaiseCertificateExpiration(ctx, "jdoe", "jdoe@example.org", expires)
	require.NoError(t, err)
	assert.Equal(t, "2024-09-01T00:00:00Z", event.Payload)
	assert.Equal(t, "notification:CERTIFICATE_EXPIRATION_WARNING:2024-09-01T00:00:00Z:1", receive(t, mailer.sent))
	assert.Equal(t, "warning:jdoe@example.org", receive(t, mailer.sent))

	_, err = notifier.RaiseCertificateExpiration(ctx, "jdoe", "", expires)
	assert.True(t, errors.Is(err, ErrInvalidInput))
}

func TestNotifierSubscribersSeeLifecycle(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mailer := newRecordingMailer(0)
	notifier := NewNotifier(NotifierOptions{Mailer: mailer, Log: logr.Discard()})
	events, unsubscribe := notifier.Subscribe(4)
	defer unsubscribe()

	raised, err := notifier.Raise(ctx, EventCorruptedObject, "corrupted object", "obj-1")
	require.NoError(t, err)
	first := <-events
	assert.Equal(t, raised.ID, first.ID)
	assert.Equal(t, EventRaised, first.State)

	go notifier.Run(ctx)
	select {
	case second := <-events:
		assert.Equal(t, raised.ID, second.ID)
		assert.Equal(t, EventDispatched, second.State)
		assert.NotNil(t, second.DispatchedAt)
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for dispatch")
	}
}

func TestNotifierReportsFullQueue(t *testing.T) {
	queue := NewInMemoryNotificationQueue(1)
	notifier := NewNotifier(NotifierOptions{Queue: queue, Log: logr.Discard()})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := notifier.Raise(ctx, EventFormatAtRisk, "format at risk", "fmt/1")
	require.NoError(t, err)
	_, err = notifier.Raise(ctx, EventFormatAtRisk, "format at risk", "fmt/2")
	assert.Error(t, err)
	assert.Equal(t, 1, notifier.QueueDepth())
}

func TestFileNotificationQueueSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue", "notifications.json")
	queue, err := NewFileNotificationQueue(path, 2)
	require.NoError(t, err)

	require.True(t, queue.TryEnqueue(Event{ID: "a", Kind: EventFormatAtRisk, Payload: "fmt/1"}))
	require.True(t, queue.TryEnqueue(Event{ID: "b", Kind: EventCorruptedObject, Payload: "obj-1"}))
	assert.False(t, queue.TryEnqueue(Event{ID: "c"}), "queue over capacity accepted an event")
	assert.False(t, queue.TryEnqueue(Event{}), "event without id accepted")

	reopened, err := NewFileNotificationQueue(path, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, reopened.Depth())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	event, ok := reopened.Dequeue(ctx)
	require.True(t, ok)
	assert.Equal(t, "a", event.ID)
	require.NoError(t, reopened.Ack(ctx, event))

	again, err := NewFileNotificationQueue(path, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, again.Depth())
}

func TestFileNotificationQueueRedeliversUnacknowledgedEvent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notifications.json")
	queue, err := NewFileNotificationQueue(path, 2)
	require.NoError(t, err)
	require.True(t, queue.TryEnqueue(Event{ID: "a", Kind: EventFormatAtRisk, Payload: "fmt/1"}))
	require.True(t, queue.TryEnqueue(Event{ID: "b", Kind: EventFormatAtRisk, Payload: "fmt/2"}))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	event, ok := queue.Dequeue(ctx)
	require.True(t, ok)
	assert.Equal(t, "a", event.ID)
	assert.Equal(t, 1, queue.Depth())

	// The process stops before the event is acknowledged.
	reopened, err := NewFileNotificationQueue(path, 2)
	require.NoError(t, err)
	require.Equal(t, 2, reopened.Depth())
	event, ok = reopened.Dequeue(ctx)
	require.True(t, ok)
	assert.Equal(t, "a", event.ID)
	require.NoError(t, reopened.Ack(ctx, event))

	again, err := NewFileNotificationQueue(path, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, again.Depth())
}

func TestFileNotificationQueueKeepsBacklogPastCapacity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notifications.json")
	queue, err := NewFileNotificationQueue(path, 3)
	require.NoError(t, err)
	for _, id := range []string{"a", "b", "c"} {
		require.True(t, queue.TryEnqueue(Event{ID: id, Kind: EventCorruptedObject, Payload: id}))
	}

	smaller, err := NewFileNotificationQueue(path, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, smaller.Depth())
	assert.False(t, smaller.TryEnqueue(Event{ID: "d"}))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	event, ok := smaller.Dequeue(ctx)
	require.True(t, ok)
	assert.Equal(t, "a", event.ID, "oldest event dropped")
}

type failingMailer struct {
	calls chan Event
}

func (m *failingMailer) SendNotification(_ context.Context, event Event) error {
	m.calls <- event
	return fmt.Errorf("smtp unavailable")
}

func (m *failingMailer) SendCertificateExpirationWarning(context.Context, string, Event) error {
	return fmt.Errorf("smtp unavailable")
}

// runUntilFirstFailure starts the notifier, waits for one failed send and
// stops it while it waits to retry.
func runUntilFirstFailure(t *testing.T, notifier *Notifier, mailer *failingMailer) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		notifier.Run(ctx)
	}()
	select {
	case <-mailer.calls:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for a send attempt")
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("notifier did not stop")
	}
}

func TestNotifierKeepsFailedEventWhenStopped(t *testing.T) {
	queue := NewInMemoryNotificationQueue(4)
	mailer := &failingMailer{calls: make(chan Event, 4)}
	notifier := NewNotifier(NotifierOptions{Queue: queue, Mailer: mailer, Log: logr.Discard(), RetryDelay: time.Hour})

	raised, err := notifier.Raise(context.Background(), EventCorruptedObject, "corrupted object", "obj-1")
	require.NoError(t, err)
	runUntilFirstFailure(t, notifier, mailer)

	require.Equal(t, 1, queue.Depth())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	event, ok := queue.Dequeue(ctx)
	require.True(t, ok)
	assert.Equal(t, raised.ID, event.ID)
	assert.Equal(t, 1, event.Attempts)
}

func TestNotifierFileQueueEventSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notifications.json")
	queue, err := NewFileNotificationQueue(path, 4)
	require.NoError(t, err)
	mailer := &failingMailer{calls: make(chan Event, 4)}
	notifier := NewNotifier(NotifierOptions{Queue: queue, Mailer: mailer, Log: logr.Discard(), RetryDelay: time.Hour})

	_, err = notifier.Raise(context.Background(), EventFormatAtRisk, "format at risk", "fmt/9")
	require.NoError(t, err)
	runUntilFirstFailure(t, notifier, mailer)
	require.NoError(t, notifier.Close())

	reopened, err := NewFileNotificationQueue(path, 4)
	require.NoError(t, err)
	require.Equal(t, 1, reopened.Depth())

	delivered := newRecordingMailer(0)
	restarted := NewNotifier(NotifierOptions{Queue: reopened, Mailer: delivered, Log: logr.Discard()})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		restarted.Run(ctx)
	}()
	assert.Equal(t, "notification:FORMAT_AT_RISK:fmt/9:2", receive(t, delivered.sent))
	cancel()
	<-done

	again, err := NewFileNotificationQueue(path, 4)
	require.NoError(t, err)
	assert.Equal(t, 0, again.Depth())
}
