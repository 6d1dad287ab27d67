package registry

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"emperror.dev/errors"
)

const defaultQueueCapacity = 1024

type inMemoryNotificationQueue struct {
	ch chan Event
}

func NewInMemoryNotificationQueue(capacity int) NotificationQueue {
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	return &inMemoryNotificationQueue{ch: make(chan Event, capacity)}
}

func (q *inMemoryNotificationQueue) TryEnqueue(event Event) bool {
	if q == nil || event.ID == "" {
		return false
	}
	select {
	case q.ch <- event:
		return true
	default:
		return false
	}
}

func (q *inMemoryNotificationQueue) Enqueue(ctx context.Context, event Event) bool {
	if q == nil || event.ID == "" {
		return false
	}
	select {
	case q.ch <- event:
		return true
	case <-ctx.Done():
		return false
	}
}

func (q *inMemoryNotificationQueue) Dequeue(ctx context.Context) (Event, bool) {
	if q == nil {
		return Event{}, false
	}
	select {
	case event := <-q.ch:
		return event, true
	case <-ctx.Done():
		return Event{}, false
	}
}

// Ack is a no-op: events held in memory do not outlive the process.
func (q *inMemoryNotificationQueue) Ack(context.Context, Event) error {
	return nil
}

func (q *inMemoryNotificationQueue) Depth() int {
	if q == nil {
		return 0
	}
	return len(q.ch)
}

func (q *inMemoryNotificationQueue) Capacity() int {
	if q == nil {
		return 0
	}
	return cap(q.ch)
}

func (q *inMemoryNotificationQueue) Close() error {
	return nil
}

// fileNotificationQueue persists pending and in-flight events as a JSON
// document so they survive a restart. Capacity bounds pending events only.
type fileNotificationQueue struct {
	path         string
	capacity     int
	pollInterval time.Duration
	mu           sync.Mutex
	items        []Event
	inFlight     []Event
}

type fileNotificationQueueState struct {
	Items    []Event `json:"items"`
	InFlight []Event `json:"inFlight,omitempty"`
}

func NewFileNotificationQueue(path string, capacity int) (NotificationQueue, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	q := &fileNotificationQueue{
		path:         path,
		capacity:     capacity,
		pollInterval: 10 * time.Millisecond,
		items:        []Event{},
	}
	if err := q.load(); err != nil {
		return nil, errors.WrapIf(err, "load notification queue")
	}
	return q, nil
}

func (q *fileNotificationQueue) TryEnqueue(event Event) bool {
	if event.ID == "" {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.capacity {
		return false
	}
	q.items = append(q.items, event)
	if err := q.saveLocked(); err != nil {
		q.items = q.items[:len(q.items)-1]
		return false
	}
	return true
}

func (q *fileNotificationQueue) Enqueue(ctx context.Context, event Event) bool {
	for {
		if q.TryEnqueue(event) {
			return true
		}
		if event.ID == "" {
			return false
		}
		if err := waitWithContext(ctx, q.pollInterval); err != nil {
			return false
		}
	}
}

func (q *fileNotificationQueue) Dequeue(ctx context.Context) (Event, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			q.items = q.items[1:]
			q.inFlight = append(q.inFlight, item)
			if err := q.saveLocked(); err != nil {
				q.items = append([]Event{item}, q.items...)
				q.inFlight = q.inFlight[:len(q.inFlight)-1]
				q.mu.Unlock()
				if err := waitWithContext(ctx, q.pollInterval); err != nil {
					return Event{}, false
				}
				continue
			}
			q.mu.Unlock()
			return item, true
		}
		q.mu.Unlock()
		if err := waitWithContext(ctx, q.pollInterval); err != nil {
			return Event{}, false
		}
	}
}

func (q *fileNotificationQueue) Ack(_ context.Context, event Event) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, item := range q.inFlight {
		if item.ID != event.ID {
			continue
		}
		previous := q.inFlight
		q.inFlight = append(append([]Event(nil), previous[:i]...), previous[i+1:]...)
		if err := q.saveLocked(); err != nil {
			q.inFlight = previous
			return errors.WrapIf(err, "acknowledge notification")
		}
		return nil
	}
	return nil
}

func (q *fileNotificationQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *fileNotificationQueue) Capacity() int {
	return q.capacity
}

func (q *fileNotificationQueue) Close() error {
	return nil
}

func (q *fileNotificationQueue) load() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	data, err := os.ReadFile(q.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var snapshot fileNotificationQueueState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	// Events in flight when the process stopped go back to the front. Every
	// stored event is kept even past capacity; enqueueing waits until the
	// backlog drains.
	q.items = append(append([]Event(nil), snapshot.InFlight...), snapshot.Items...)
	if len(snapshot.InFlight) > 0 {
		return q.saveLocked()
	}
	return nil
}

func (q *fileNotificationQueue) saveLocked() error {
	data, err := json.Marshal(fileNotificationQueueState{Items: q.items, InFlight: q.inFlight})
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(q.path), 0o755); err != nil {
		return err
	}
	tmp := q.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, q.path)
}
