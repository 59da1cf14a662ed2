package pubsub

import (
	"context"
	"fmt"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"

	"github.com/weiawesome/wes-io-live/stream-status-service/pkg/log"
)

const (
	headerEventType = "event-type"
	flushTimeoutMs  = 5000
)

// KafkaPublisher writes lifecycle events to Kafka. The channel decides the
// topic and the stream key is the message key, so one stream's events stay
// ordered within a partition.
type KafkaPublisher struct {
	producer *kafka.Producer
	config   KafkaConfig
	reports  chan struct{}
}

// NewKafkaPublisher connects a producer and makes sure the configured
// topics exist. Topic creation failures are logged, not returned.
func NewKafkaPublisher(cfg KafkaConfig) (*KafkaPublisher, error) {
	producer, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers": cfg.Brokers,
		"acks":              "1",
		"linger.ms":         5,
		"compression.type":  "snappy",
	})
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}

	kp := &KafkaPublisher{producer: producer, config: cfg, reports: make(chan struct{})}
	go kp.drainReports()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := kp.createTopics(ctx); err != nil {
		l := log.L()
		l.Warn().Err(err).Strs("topics", cfg.Topics).Msg("kafka topic setup skipped")
	}
	return kp, nil
}

func (k *KafkaPublisher) createTopics(ctx context.Context) error {
	if len(k.config.Topics) == 0 {
		return nil
	}
	admin, err := kafka.NewAdminClientFromProducer(k.producer)
	if err != nil {
		return fmt.Errorf("create admin client: %w", err)
	}
	defer admin.Close()

	partitions := k.config.Partitions
	if partitions <= 0 {
		partitions = DefaultConfig().Kafka.Partitions
	}
	specs := make([]kafka.TopicSpecification, len(k.config.Topics))
	for i, topic := range k.config.Topics {
		specs[i] = kafka.TopicSpecification{Topic: topic, NumPartitions: partitions, ReplicationFactor: 1}
	}

	results, err := admin.CreateTopics(ctx, specs)
	if err != nil {
		return fmt.Errorf("create topics: %w", err)
	}
	l := log.L()
	for _, r := range results {
		switch r.Error.Code() {
		case kafka.ErrNoError, kafka.ErrTopicAlreadyExists:
		default:
			l.Warn().Str("topic", r.Topic).Err(r.Error).Msg("kafka topic not created")
		}
	}
	return nil
}

// drainReports consumes producer events until the producer is closed.
func (k *KafkaPublisher) drainReports() {
	defer close(k.reports)
	l := log.L()
	for e := range k.producer.Events() {
		switch ev := e.(type) {
		case *kafka.Message:
			if err := ev.TopicPartition.Error; err != nil {
				l.Error().Err(err).Str(log.FieldStreamKey, string(ev.Key)).Msg("lifecycle event not delivered")
			}
		case kafka.Error:
			l.Error().Err(ev).Bool("fatal", ev.IsFatal()).Msg("kafka producer error")
		}
	}
}

// Publish enqueues event. Delivery is reported asynchronously.
func (k *KafkaPublisher) Publish(ctx context.Context, channel string, event *Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	topic, key, err := channelToTopicAndKey(channel)
	if err != nil {
		return err
	}
	data, err := event.encode()
	if err != nil {
		return err
	}

	msg := &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Key:            []byte(key),
		Value:          data,
		Timestamp:      event.Timestamp,
		Headers:        []kafka.Header{{Key: headerEventType, Value: []byte(event.Type)}},
	}
	if err := k.producer.Produce(msg, nil); err != nil {
		return fmt.Errorf("produce to %s: %w", topic, err)
	}
	return nil
}

// Close flushes queued events and stops the producer.
func (k *KafkaPublisher) Close() error {
	if pending := k.producer.Flush(flushTimeoutMs); pending > 0 {
		l := log.L()
		l.Warn().Int("pending", pending).Msg("kafka close dropped unflushed events")
	}
	k.producer.Close()
	<-k.reports
	return nil
}
