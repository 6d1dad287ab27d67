package registry

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"

	"emperror.dev/errors"
	"github.com/twmb/franz-go/pkg/kgo"
)

const (
	defaultKafkaTopic = "regsync.notifications"
	defaultKafkaGroup = "regsync-notifier"
)

// KafkaNotificationQueue publishes events to a topic and consumes them as
// part of a consumer group. Capacity is unbounded on the broker side;
// Depth reports only the records fetched but not yet handed out. Offsets
// are committed only for acknowledged records.
type KafkaNotificationQueue struct {
	client *kgo.Client
	topic  string

	mu       sync.Mutex
	pending  []kafkaPendingEvent
	inFlight map[string]*kgo.Record
	closed   atomic.Bool
}

type kafkaPendingEvent struct {
	event  Event
	record *kgo.Record
}

// NewKafkaNotificationQueueFromDSN parses kafka://broker1,broker2/topic?group=name.
func NewKafkaNotificationQueueFromDSN(dsn string) (NotificationQueue, error) {
	parsed, err := url.Parse(strings.TrimSpace(dsn))
	if err != nil {
		return nil, err
	}
	var brokers []string
	for _, broker := range strings.Split(parsed.Host, ",") {
		if broker = strings.TrimSpace(broker); broker != "" {
			brokers = append(brokers, broker)
		}
	}
	if len(brokers) == 0 {
		return nil, errors.WithDetails(ErrInvalidInput, "dsn", dsn, "reason", "no brokers")
	}
	topic := strings.Trim(parsed.Path, "/")
	if topic == "" {
		topic = defaultKafkaTopic
	}
	group := parsed.Query().Get("group")
	if group == "" {
		group = defaultKafkaGroup
	}
	return NewKafkaNotificationQueue(brokers, topic, group)
}

func NewKafkaNotificationQueue(brokers []string, topic, group string) (*KafkaNotificationQueue, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.ConsumeTopics(topic),
		kgo.ConsumerGroup(group),
		kgo.AutoCommitMarks(),
		kgo.AllowAutoTopicCreation(),
	)
	if err != nil {
		return nil, errors.WrapIf(err, "create kafka client")
	}
	return &KafkaNotificationQueue{client: client, topic: topic, inFlight: map[string]*kgo.Record{}}, nil
}

func (q *KafkaNotificationQueue) TryEnqueue(event Event) bool {
	ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
	defer cancel()
	return q.Enqueue(ctx, event)
}

func (q *KafkaNotificationQueue) Enqueue(ctx context.Context, event Event) bool {
	if q == nil || event.ID == "" || q.closed.Load() {
		return false
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return false
	}
	record := &kgo.Record{Key: []byte(event.ID), Value: payload}
	return q.client.ProduceSync(ctx, record).FirstErr() == nil
}

func (q *KafkaNotificationQueue) Dequeue(ctx context.Context) (Event, bool) {
	if q == nil {
		return Event{}, false
	}
	for {
		q.mu.Lock()
		if len(q.pending) > 0 {
			next := q.pending[0]
			q.pending = q.pending[1:]
			q.inFlight[next.event.ID] = next.record
			q.mu.Unlock()
			return next.event, true
		}
		q.mu.Unlock()

		if ctx.Err() != nil || q.closed.Load() {
			return Event{}, false
		}
		fetches := q.client.PollRecords(ctx, 64)
		if fetches.IsClientClosed() {
			return Event{}, false
		}
		if len(fetches.Errors()) > 0 && fetches.NumRecords() == 0 {
			if err := waitWithContext(ctx, postgresQueuePollInterval); err != nil {
				return Event{}, false
			}
			continue
		}
		var events []kafkaPendingEvent
		fetches.EachRecord(func(record *kgo.Record) {
			var event Event
			if err := json.Unmarshal(record.Value, &event); err != nil || event.ID == "" {
				q.client.MarkCommitRecords(record)
				return
			}
			events = append(events, kafkaPendingEvent{event: event, record: record})
		})
		q.mu.Lock()
		q.pending = append(q.pending, events...)
		q.mu.Unlock()
	}
}

func (q *KafkaNotificationQueue) Ack(ctx context.Context, event Event) error {
	if q == nil {
		return nil
	}
	q.mu.Lock()
	record, ok := q.inFlight[event.ID]
	delete(q.inFlight, event.ID)
	q.mu.Unlock()
	if !ok {
		return nil
	}
	q.client.MarkCommitRecords(record)
	return errors.WrapIf(q.client.CommitMarkedOffsets(ctx), "commit notification offset")
}

func (q *KafkaNotificationQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *KafkaNotificationQueue) Capacity() int {
	return 0
}

func (q *KafkaNotificationQueue) Close() error {
	if q == nil || q.client == nil {
		return nil
	}
	if q.closed.CompareAndSwap(false, true) {
		q.client.Close()
	}
	return nil
}
