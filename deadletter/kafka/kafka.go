// Package kafka publishes projection dead letters to a Kafka topic using
// github.com/segmentio/kafka-go.
package kafka

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	kin "github.com/AshkanYarmoradi/go-kin"
	"github.com/AshkanYarmoradi/go-kin/deadletter"
)

// DefaultTopic receives dead letters unless WithTopic says otherwise.
const DefaultTopic = "kin.dead-letters"

// Writer is the subset of *kafkago.Writer used by the publisher.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Publisher writes dead letters to one Kafka topic, keyed by stream so that
// failures of the same task land on the same partition.
type Publisher struct {
	brokers      []string
	topic        string
	balancer     kafkago.Balancer
	batchTimeout time.Duration

	mu     sync.Mutex
	writer Writer
}

// Option configures a Kafka Publisher.
type Option func(*Publisher)

// WithBrokers sets the Kafka broker addresses.
func WithBrokers(brokers ...string) Option {
	return func(p *Publisher) {
		p.brokers = brokers
	}
}

// WithTopic sets the dead-letter topic.
func WithTopic(topic string) Option {
	return func(p *Publisher) {
		p.topic = topic
	}
}

// WithBalancer sets the message balancer (partitioner).
func WithBalancer(balancer kafkago.Balancer) Option {
	return func(p *Publisher) {
		p.balancer = balancer
	}
}

// WithBatchTimeout sets the batch timeout for the writer.
func WithBatchTimeout(d time.Duration) Option {
	return func(p *Publisher) {
		p.batchTimeout = d
	}
}

// WithWriter replaces the kafka-go writer, mostly for tests.
func WithWriter(w Writer) Option {
	return func(p *Publisher) {
		p.writer = w
	}
}

// New creates a new Kafka Publisher. The writer is built lazily on first
// publish.
func New(opts ...Option) *Publisher {
	p := &Publisher{
		brokers:      []string{"localhost:9092"},
		topic:        DefaultTopic,
		balancer:     &kafkago.Hash{},
		batchTimeout: 10 * time.Millisecond,
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Destination implements kin.DeadLetterPublisher.
func (p *Publisher) Destination() string {
	return "kafka:" + p.topic
}

// Publish implements kin.DeadLetterPublisher.
func (p *Publisher) Publish(ctx context.Context, dl *kin.DeadLetter) error {
	msg, err := toMessage(dl)
	if err != nil {
		return err
	}
	if err := p.getWriter().WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka: failed to write to topic %s: %w", p.topic, err)
	}
	return nil
}

// Close closes the underlying writer.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.writer == nil {
		return nil
	}
	err := p.writer.Close()
	p.writer = nil
	return err
}

func (p *Publisher) getWriter() Writer {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.writer == nil {
		p.writer = &kafkago.Writer{
			Addr:                   kafkago.TCP(p.brokers...),
			Topic:                  p.topic,
			Balancer:               p.balancer,
			BatchTimeout:           p.batchTimeout,
			RequiredAcks:           kafkago.RequireAll,
			AllowAutoTopicCreation: true,
		}
	}
	return p.writer
}

func toMessage(dl *kin.DeadLetter) (kafkago.Message, error) {
	body, err := deadletter.Encode(dl)
	if err != nil {
		return kafkago.Message{}, err
	}

	headers := deadletter.Headers(dl)
	names := make([]string, 0, len(headers))
	for k := range headers {
		names = append(names, k)
	}
	sort.Strings(names)

	msg := kafkago.Message{
		Key:   []byte(deadletter.Key(dl)),
		Value: body,
		Time:  dl.FailedAt,
	}
	for _, k := range names {
		msg.Headers = append(msg.Headers, kafkago.Header{Key: k, Value: []byte(headers[k])})
	}
	return msg, nil
}

var _ kin.DeadLetterPublisher = (*Publisher)(nil)
