package eventbus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
	"github.com/twmb/franz-go/plugin/kotel"

	"github.com/labelsquor/orchestrator/internal/domain"
)

// KafkaSubscriber republishes delivered orchestrator events to an external
// topic for downstream analytics/search-indexing consumers, adapted from
// the teacher's internal/adapter/queue/redpanda producer: same
// kgo.Client/topic-bootstrap shape, but fire-and-forget produce instead of
// a transactional one, since this subscriber is itself one leg of the
// outbox's own at-least-once delivery — wrapping it in a second
// transaction would buy nothing.
type KafkaSubscriber struct {
	client *kgo.Client
	topic  string
}

// NewKafkaSubscriber connects to brokers and ensures topic exists with the
// given partition count, mirroring the teacher's createTopicIfNotExists.
func NewKafkaSubscriber(ctx context.Context, brokers []string, topic string) (*KafkaSubscriber, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("op=kafka_subscriber.new: no brokers configured")
	}

	tracer := kotel.NewTracer()
	kotelOpt := kotel.NewKotel(kotel.WithTracer(tracer))

	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.WithHooks(kotelOpt.Hooks()...),
		kgo.ProducerBatchMaxBytes(1_000_000),
	)
	if err != nil {
		return nil, fmt.Errorf("op=kafka_subscriber.new: %w", err)
	}

	if err := createTopicIfNotExists(ctx, client, topic, 8, 1); err != nil {
		client.Close()
		return nil, fmt.Errorf("op=kafka_subscriber.new.create_topic: %w", err)
	}

	return &KafkaSubscriber{client: client, topic: topic}, nil
}

// Name implements domain.EventSubscriber.
func (k *KafkaSubscriber) Name() string { return "kafka_forwarder" }

// Handle implements domain.EventSubscriber: marshals the event and produces
// it synchronously to the forwarding topic.
func (k *KafkaSubscriber) Handle(ctx context.Context, event domain.Event) error {
	raw, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("op=kafka_subscriber.handle.marshal: %w", err)
	}

	record := &kgo.Record{
		Topic: k.topic,
		Key:   []byte(event.WorkItemID),
		Value: raw,
		Headers: []kgo.RecordHeader{
			{Key: "event_type", Value: []byte(event.Type)},
			{Key: "work_item_id", Value: []byte(event.WorkItemID)},
		},
	}

	result := k.client.ProduceSync(ctx, record)
	if err := result.FirstErr(); err != nil {
		return fmt.Errorf("op=kafka_subscriber.handle.produce: %w", err)
	}
	return nil
}

// Close releases the underlying client.
func (k *KafkaSubscriber) Close() {
	k.client.Close()
}

// createTopicIfNotExists mirrors the teacher's
// internal/adapter/queue/redpanda/topic.go: idempotent topic creation,
// tolerating a concurrent creator.
func createTopicIfNotExists(ctx context.Context, client *kgo.Client, topic string, partitions int32, replicationFactor int16) error {
	req := kmsg.NewCreateTopicsRequest()
	reqTopic := kmsg.NewCreateTopicsRequestTopic()
	reqTopic.Topic = topic
	reqTopic.NumPartitions = partitions
	reqTopic.ReplicationFactor = replicationFactor
	req.Topics = append(req.Topics, reqTopic)

	resp, err := req.RequestWith(ctx, client)
	if err != nil {
		return err
	}
	for _, t := range resp.Topics {
		if t.ErrorCode == 0 {
			continue
		}
		if t.ErrorMessage != nil && *t.ErrorMessage != "" {
			// TOPIC_ALREADY_EXISTS (error code 36) is expected on every
			// process start after the first; anything else is surfaced.
			if t.ErrorCode == 36 {
				continue
			}
			return fmt.Errorf("create topic %s: %s", topic, *t.ErrorMessage)
		}
	}
	return nil
}
