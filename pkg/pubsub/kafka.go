package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/weiawesome/wes-io-live/discussion-service/pkg/log"
)

// channelKey extracts the Kafka message key from a channel name.
//
//	"discussion:topic:42:events" -> "42"
func channelKey(channel string) (string, error) {
	parts := strings.Split(channel, ":")
	if len(parts) != 4 || parts[1] != "topic" || parts[2] == "" {
		return "", fmt.Errorf("invalid channel format: %s", channel)
	}
	return parts[2], nil
}

// KafkaPubSub implements PubSub on a single Kafka topic. Channels map to message keys,
// so all events of one discussion topic land on the same partition in order.
//
// One consumer per instance reads every partition and fans events out to local
// subscribers by key. It is assigned partitions directly instead of joining a
// group, so a subscription is live as soon as Subscribe returns.
type KafkaPubSub struct {
	producer *kafka.Producer
	config   KafkaConfig

	mu       sync.Mutex
	consumer *kafka.Consumer
	stop     chan struct{}
	closed   bool
	wg       sync.WaitGroup

	subsMu sync.RWMutex
	subs   map[string]map[chan *Event]struct{}

	doneCh chan struct{}
}

const kafkaMetadataTimeoutMs = 10000

// NewKafkaPubSub creates a new Kafka-based PubSub instance.
func NewKafkaPubSub(cfg KafkaConfig) (*KafkaPubSub, error) {
	if cfg.Topic == "" {
		cfg.Topic = "discussion-events"
	}

	p, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers": cfg.Brokers,
		"acks":              "1",
		"linger.ms":         5,
		"compression.type":  "snappy",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}

	kps := &KafkaPubSub{
		producer: p,
		config:   cfg,
		subs:     make(map[string]map[chan *Event]struct{}),
		doneCh:   make(chan struct{}),
	}

	go kps.deliveryReportHandler()

	if err := kps.ensureTopic(); err != nil {
		l := log.L()
		l.Warn().Err(err).Str("topic", cfg.Topic).Msg("failed to ensure kafka topic (may already exist)")
	}

	return kps, nil
}

// ensureTopic creates the events topic if it doesn't exist.
func (k *KafkaPubSub) ensureTopic() error {
	admin, err := kafka.NewAdminClientFromProducer(k.producer)
	if err != nil {
		return fmt.Errorf("failed to create admin client: %w", err)
	}
	defer admin.Close()

	partitions := k.config.Partitions
	if partitions <= 0 {
		partitions = 4
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	results, err := admin.CreateTopics(ctx, []kafka.TopicSpecification{{
		Topic:             k.config.Topic,
		NumPartitions:     partitions,
		ReplicationFactor: 1,
	}})
	if err != nil {
		return fmt.Errorf("failed to create topic: %w", err)
	}

	for _, r := range results {
		if r.Error.Code() != kafka.ErrNoError && r.Error.Code() != kafka.ErrTopicAlreadyExists {
			return fmt.Errorf("failed to create topic %s: %v", r.Topic, r.Error)
		}
	}
	return nil
}

// deliveryReportHandler processes delivery reports from the producer.
func (k *KafkaPubSub) deliveryReportHandler() {
	l := log.L()
	for e := range k.producer.Events() {
		if ev, ok := e.(*kafka.Message); ok && ev.TopicPartition.Error != nil {
			l.Warn().Err(ev.TopicPartition.Error).Msg("kafka pubsub delivery failed")
		}
	}
	close(k.doneCh)
}

// Publish publishes an event keyed by the channel's topic id.
func (k *KafkaPubSub) Publish(ctx context.Context, channel string, event *Event) error {
	key, err := channelKey(channel)
	if err != nil {
		return err
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	err = k.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{
			Topic:     &k.config.Topic,
			Partition: kafka.PartitionAny,
		},
		Key:   []byte(key),
		Value: data,
	}, nil)
	if err != nil {
		return fmt.Errorf("failed to produce message: %w", err)
	}
	return nil
}

// Subscribe registers a subscriber for the events whose key matches channel. The
// shared consumer is started on first use and is positioned at the end of every
// partition before Subscribe returns, so no later event is missed.
func (k *KafkaPubSub) Subscribe(ctx context.Context, channel string) (<-chan *Event, error) {
	key, err := channelKey(channel)
	if err != nil {
		return nil, err
	}

	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return nil, ErrClosed
	}
	if k.consumer == nil {
		if err := k.startConsumer(); err != nil {
			k.mu.Unlock()
			return nil, err
		}
	}
	ch := make(chan *Event, subscriberBuffer)
	k.register(key, ch)
	k.mu.Unlock()

	go func() {
		<-ctx.Done()
		k.remove(key, ch)
	}()

	return ch, nil
}

// startConsumer creates the shared consumer and assigns it every partition at its
// high watermark. Called with k.mu held.
func (k *KafkaPubSub) startConsumer() error {
	groupID := k.config.GroupID
	if groupID == "" {
		groupID = "discussion-service"
	}

	// group.id is required by the client even though the consumer never joins the group.
	c, err := kafka.NewConsumer(&kafka.ConfigMap{
		"bootstrap.servers":  k.config.Brokers,
		"group.id":           groupID,
		"auto.offset.reset":  "latest",
		"enable.auto.commit": false,
	})
	if err != nil {
		return fmt.Errorf("failed to create kafka consumer: %w", err)
	}

	topic := k.config.Topic
	md, err := c.GetMetadata(&topic, false, kafkaMetadataTimeoutMs)
	if err != nil {
		c.Close()
		return fmt.Errorf("failed to read metadata for topic %s: %w", topic, err)
	}
	tm, ok := md.Topics[topic]
	if !ok || tm.Error.Code() != kafka.ErrNoError || len(tm.Partitions) == 0 {
		c.Close()
		return fmt.Errorf("topic %s unavailable: %v", topic, tm.Error)
	}

	assignment := make([]kafka.TopicPartition, 0, len(tm.Partitions))
	for _, p := range tm.Partitions {
		_, high, err := c.QueryWatermarkOffsets(topic, p.ID, kafkaMetadataTimeoutMs)
		if err != nil {
			c.Close()
			return fmt.Errorf("failed to query offsets for %s[%d]: %w", topic, p.ID, err)
		}
		assignment = append(assignment, kafka.TopicPartition{
			Topic:     &topic,
			Partition: p.ID,
			Offset:    kafka.Offset(high),
		})
	}
	if err := c.Assign(assignment); err != nil {
		c.Close()
		return fmt.Errorf("failed to assign partitions of %s: %w", topic, err)
	}

	k.consumer = c
	k.stop = make(chan struct{})
	k.wg.Add(1)
	go k.consume(c, k.stop)
	return nil
}

// consume polls Kafka and fans events out by key until stop is closed. A fatal
// error closes every subscription; subscribers resubscribe to get a new consumer.
func (k *KafkaPubSub) consume(c *kafka.Consumer, stop <-chan struct{}) {
	defer k.wg.Done()
	defer c.Close()

	l := log.L()

	for {
		select {
		case <-stop:
			return
		default:
		}

		ev := c.Poll(200)
		if ev == nil {
			continue
		}

		switch e := ev.(type) {
		case *kafka.Message:
			if len(e.Key) == 0 {
				continue
			}

			var event Event
			if err := json.Unmarshal(e.Value, &event); err != nil {
				l.Warn().Err(err).Msg("kafka pubsub: invalid payload")
				continue
			}
			k.dispatch(string(e.Key), &event)

		case kafka.Error:
			l.Warn().Err(e).Int("code", int(e.Code())).Bool("fatal", e.IsFatal()).Msg("kafka pubsub error")
			if e.IsFatal() {
				k.mu.Lock()
				if k.consumer == c {
					k.consumer = nil
					k.dropAll()
				}
				k.mu.Unlock()
				return
			}
		}
	}
}

func (k *KafkaPubSub) register(key string, ch chan *Event) {
	k.subsMu.Lock()
	defer k.subsMu.Unlock()

	if k.subs[key] == nil {
		k.subs[key] = make(map[chan *Event]struct{})
	}
	k.subs[key][ch] = struct{}{}
}

func (k *KafkaPubSub) remove(key string, ch chan *Event) {
	k.subsMu.Lock()
	defer k.subsMu.Unlock()

	set, ok := k.subs[key]
	if !ok {
		return
	}
	if _, ok := set[ch]; !ok {
		return
	}
	delete(set, ch)
	if len(set) == 0 {
		delete(k.subs, key)
	}
	close(ch)
}

// dispatch delivers event to the subscribers of key without blocking.
func (k *KafkaPubSub) dispatch(key string, event *Event) {
	k.subsMu.RLock()
	defer k.subsMu.RUnlock()

	for ch := range k.subs[key] {
		select {
		case ch <- event:
		default:
		}
	}
}

func (k *KafkaPubSub) dropAll() {
	k.subsMu.Lock()
	defer k.subsMu.Unlock()

	for key, set := range k.subs {
		for ch := range set {
			close(ch)
		}
		delete(k.subs, key)
	}
}

// Close stops the consumer, closes every subscription and the producer.
func (k *KafkaPubSub) Close() error {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return nil
	}
	k.closed = true
	if k.consumer != nil {
		close(k.stop)
		k.consumer = nil
	}
	k.mu.Unlock()
	k.wg.Wait()
	k.dropAll()

	k.producer.Flush(5000)
	k.producer.Close()
	<-k.doneCh
	return nil
}
