package registry

import (
	"context"
	"strings"
	"sync"
	"time"

	"emperror.dev/errors"
	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/agentworkforce/regsync/internal/metrics"
)

type EventKind string

const (
	EventFormatAtRisk                 EventKind = "FORMAT_AT_RISK"
	EventCorruptedObject              EventKind = "CORRUPTED_OBJECT"
	EventCertificateExpirationWarning EventKind = "CERTIFICATE_EXPIRATION_WARNING"
)

type EventState string

const (
	EventRaised     EventState = "RAISED"
	EventDispatched EventState = "DISPATCHED"
)

// Event is one notification. Payload is the format PUID, the object
// identifier or the certificate expiry date, depending on Kind.
type Event struct {
	ID           string     `json:"id"`
	Kind         EventKind  `json:"kind"`
	Label        string     `json:"label"`
	Payload      string     `json:"payload"`
	Address      string     `json:"address,omitempty"`
	State        EventState `json:"state"`
	RaisedAt     time.Time  `json:"raisedAt"`
	DispatchedAt *time.Time `json:"dispatchedAt,omitempty"`
	Attempts     int        `json:"attempts,omitempty"`
}

// Mailer delivers notifications. Implementations live outside this package.
type Mailer interface {
	SendNotification(ctx context.Context, event Event) error
	SendCertificateExpirationWarning(ctx context.Context, address string, event Event) error
}

const NotificationSubject = "internal message notification"

// LogMailer writes each message to the log instead of sending mail.
type LogMailer struct {
	Log        logr.Logger
	Recipients []string
}

func (m LogMailer) SendNotification(_ context.Context, event Event) error {
	m.Log.Info("notification mail", "subject", NotificationSubject, "bcc", m.Recipients, "kind", event.Kind, "label", event.Label, "payload", event.Payload)
	return nil
}

func (m LogMailer) SendCertificateExpirationWarning(_ context.Context, address string, event Event) error {
	m.Log.Info("certificate expiration mail", "to", address, "expires", event.Payload)
	return nil
}

// NotificationQueue carries raised events to the dispatcher. A dequeued
// event stays in flight until it is acknowledged; queues that persist
// events hand an unacknowledged event out again after a restart.
type NotificationQueue interface {
	TryEnqueue(event Event) bool
	Enqueue(ctx context.Context, event Event) bool
	Dequeue(ctx context.Context) (Event, bool)
	Ack(ctx context.Context, event Event) error
	Depth() int
	Capacity() int
	Close() error
}

type NotifierOptions struct {
	Queue      NotificationQueue
	Mailer     Mailer
	Log        logr.Logger
	Metrics    *metrics.Metrics
	RetryDelay time.Duration
	Clock      func() time.Time
}

// Notifier raises events onto a queue and dispatches them to the mailer.
// Delivery is at least once; callers only raise on state transitions.
type Notifier struct {
	queue      NotificationQueue
	mailer     Mailer
	log        logr.Logger
	metrics    *metrics.Metrics
	retryDelay time.Duration
	now        func() time.Time

	mu          sync.Mutex
	subscribers map[chan Event]struct{}
}

func NewNotifier(opts NotifierOptions) *Notifier {
	queue := opts.Queue
	if queue == nil {
		queue = NewInMemoryNotificationQueue(1024)
	}
	mailer := opts.Mailer
	if mailer == nil {
		mailer = LogMailer{Log: opts.Log}
	}
	retryDelay := opts.RetryDelay
	if retryDelay <= 0 {
		retryDelay = 5 * time.Second
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Notifier{
		queue:       queue,
		mailer:      mailer,
		log:         opts.Log,
		metrics:     opts.Metrics,
		retryDelay:  retryDelay,
		now:         clock,
		subscribers: map[chan Event]struct{}{},
	}
}

func (n *Notifier) Raise(ctx context.Context, kind EventKind, label, payload string) (Event, error) {
	return n.raise(ctx, Event{Kind: kind, Label: label, Payload: payload})
}

// RaiseCertificateExpiration notifies the administrators and then address
// that a user certificate expires at expiresAt.
func (n *Notifier) RaiseCertificateExpiration(ctx context.Context, username, address string, expiresAt time.Time) (Event, error) {
	address = strings.TrimSpace(address)
	if address == "" || strings.TrimSpace(username) == "" {
		return Event{}, ErrInvalidInput
	}
	return n.raise(ctx, Event{
		Kind:    EventCertificateExpirationWarning,
		Label:   username,
		Payload: FormatDate(expiresAt),
		Address: address,
	})
}

func (n *Notifier) raise(ctx context.Context, event Event) (Event, error) {
	event.ID = uuid.NewString()
	event.State = EventRaised
	event.RaisedAt = normalizeTime(n.now())
	if !n.queue.Enqueue(ctx, event) {
		if err := ctx.Err(); err != nil {
			return Event{}, err
		}
		return Event{}, errors.WithDetails(ErrQueueFull, "kind", event.Kind)
	}
	n.metrics.IncNotificationRaised(string(event.Kind))
	n.log.V(1).Info("notification raised", "id", event.ID, "kind", event.Kind, "payload", event.Payload)
	n.publish(event)
	return event, nil
}

// Run dispatches queued events until ctx is done.
func (n *Notifier) Run(ctx context.Context) {
	for {
		event, ok := n.queue.Dequeue(ctx)
		if !ok {
			return
		}
		if !n.deliver(ctx, event) {
			return
		}
	}
}

// deliver dispatches event and acknowledges it once it was sent or handed
// back to the queue for a later attempt. It returns false when ctx ended.
func (n *Notifier) deliver(ctx context.Context, event Event) bool {
	for {
		event.Attempts++
		err := n.dispatch(ctx, event)
		if err == nil {
			n.ack(ctx, event)
			return true
		}
		n.metrics.IncNotificationFailure(string(event.Kind))
		n.log.Error(err, "notification dispatch failed", "id", event.ID, "kind", event.Kind, "attempts", event.Attempts)
		if waitErr := waitWithContext(ctx, n.retryDelay); waitErr != nil {
			if n.queue.TryEnqueue(event) {
				n.ack(ctx, event)
			} else {
				n.log.Info("notification left unacknowledged", "id", event.ID, "kind", event.Kind)
			}
			return false
		}
		// A full queue keeps the retry here instead of dropping the event.
		if n.queue.TryEnqueue(event) {
			n.ack(ctx, event)
			return true
		}
	}
}

func (n *Notifier) ack(ctx context.Context, event Event) {
	if err := n.queue.Ack(context.WithoutCancel(ctx), event); err != nil {
		n.log.Error(err, "failed to acknowledge notification", "id", event.ID, "kind", event.Kind)
	}
}

func (n *Notifier) dispatch(ctx context.Context, event Event) error {
	if err := n.mailer.SendNotification(ctx, event); err != nil {
		return err
	}
	if event.Kind == EventCertificateExpirationWarning {
		if err := n.mailer.SendCertificateExpirationWarning(ctx, event.Address, event); err != nil {
			return err
		}
	}
	event.State = EventDispatched
	event.DispatchedAt = timePtr(normalizeTime(n.now()))
	n.metrics.IncNotificationDispatched(string(event.Kind))
	n.publish(event)
	return nil
}

// Subscribe returns a channel receiving every raised and dispatched event.
// Slow subscribers miss events rather than block the notifier.
func (n *Notifier) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	n.mu.Lock()
	n.subscribers[ch] = struct{}{}
	n.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.subscribers, ch)
			n.mu.Unlock()
			close(ch)
		})
	}
}

func (n *Notifier) publish(event Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for ch := range n.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
}

func (n *Notifier) QueueDepth() int {
	return n.queue.Depth()
}

func (n *Notifier) Close() error {
	return n.queue.Close()
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
