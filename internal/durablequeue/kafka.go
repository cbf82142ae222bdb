package durablequeue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/twmb/franz-go/pkg/kgo"
)

// KafkaQueue is the production Queue backend: a single topic consumed
// by a single consumer group, matching the "single-flight consumer per
// deployment" requirement directly: franz-go's group balancer already
// guarantees one partition is owned by at most one member, which is as
// much competing-consumer support as the dispatcher ever needs.
type KafkaQueue struct {
	client *kgo.Client
	topic  string

	mu        sync.Mutex
	pending   map[AckToken]*kgo.Record
	nextToken uint64
}

// NewKafkaQueue dials brokers and joins groupID as a consumer of topic.
func NewKafkaQueue(brokers []string, topic, groupID string) (*KafkaQueue, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ConsumerGroup(groupID),
		kgo.ConsumeTopics(topic),
		kgo.DisableAutoCommit(),
	)
	if err != nil {
		return nil, fmt.Errorf("durablequeue: kafka client: %w", err)
	}
	return &KafkaQueue{client: client, topic: topic, pending: make(map[AckToken]*kgo.Record)}, nil
}

func (q *KafkaQueue) Publish(ctx context.Context, payload []byte) error {
	record := &kgo.Record{Topic: q.topic, Value: payload}
	result := q.client.ProduceSync(ctx, record)
	return result.FirstErr()
}

// Consume polls one record at a time. franz-go buffers fetched batches
// internally, so repeated calls don't re-issue a broker round trip for
// every message.
func (q *KafkaQueue) Consume(ctx context.Context) (Message, error) {
	for {
		fetches := q.client.PollRecords(ctx, 1)
		if err := ctx.Err(); err != nil {
			return Message{}, err
		}
		if errs := fetches.Errors(); len(errs) > 0 {
			return Message{}, fmt.Errorf("durablequeue: kafka fetch: %w", errs[0].Err)
		}

		it := fetches.RecordIter()
		if it.Done() {
			continue
		}
		record := it.Next()
		token := AckToken(fmt.Sprintf("tok-%d", atomic.AddUint64(&q.nextToken, 1)))

		q.mu.Lock()
		q.pending[token] = record
		q.mu.Unlock()

		return Message{Payload: record.Value, Token: token}, nil
	}
}

// Ack commits the offset for the record identified by token. Acking an
// offset twice is a harmless duplicate commit; Kafka's at-least-once
// contract already requires idempotent consumers.
func (q *KafkaQueue) Ack(ctx context.Context, token AckToken) error {
	q.mu.Lock()
	rec, ok := q.pending[token]
	if ok {
		delete(q.pending, token)
	}
	q.mu.Unlock()
	if !ok {
		return nil
	}
	return q.client.CommitRecords(ctx, rec)
}

func (q *KafkaQueue) Close() error {
	q.client.Close()
	return nil
}
