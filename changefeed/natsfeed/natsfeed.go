// Package natsfeed carries the kin change feed over NATS JetStream.
//
// A Relay reads a local kin.ChangeFeed (usually a PollingFeed over the event
// store) and publishes every stored event to a JetStream subject. A Feed
// subscribes to those subjects and implements kin.ChangeFeed for consumers
// in other processes. JetStream deduplicates on the event id, so relaying
// the same event twice is harmless.
package natsfeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	kin "github.com/AshkanYarmoradi/go-kin"
	"github.com/AshkanYarmoradi/go-kin/adapters"
)

// Defaults for stream and subject naming.
const (
	DefaultStream        = "KIN_EVENTS"
	DefaultSubjectPrefix = "kin.event"
)

// JetStream is the subset of nats.JetStreamContext used here.
type JetStream interface {
	PublishMsg(m *nats.Msg, opts ...nats.PubOpt) (*nats.PubAck, error)
	QueueSubscribe(subj, queue string, cb nats.MsgHandler, opts ...nats.SubOpt) (*nats.Subscription, error)
	StreamInfo(stream string, opts ...nats.JSOpt) (*nats.StreamInfo, error)
	AddStream(cfg *nats.StreamConfig, opts ...nats.JSOpt) (*nats.StreamInfo, error)
}

// Client holds a connection and its JetStream context.
type Client struct {
	Conn *nats.Conn
	JS   nats.JetStreamContext
}

// Connect dials url and ensures the event stream exists for prefix.
func Connect(url, stream, prefix string) (*Client, error) {
	conn, err := nats.Connect(url)
	if err != nil {
		return nil, err
	}
	js, err := conn.JetStream()
	if err != nil {
		_ = conn.Drain()
		conn.Close()
		return nil, err
	}
	if err := EnsureStream(js, stream, prefix); err != nil {
		_ = conn.Drain()
		conn.Close()
		return nil, err
	}
	return &Client{Conn: conn, JS: js}, nil
}

// ConnectWithRetry retries Connect until timeout elapses.
func ConnectWithRetry(url, stream, prefix string, timeout time.Duration) (*Client, error) {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		client, err := Connect(url, stream, prefix)
		if err == nil {
			return client, nil
		}
		lastErr = err
		time.Sleep(500 * time.Millisecond)
	}
	return nil, fmt.Errorf("connect jetstream timeout after %s: %w", timeout, lastErr)
}

// Close drains and closes the connection.
func (c *Client) Close() {
	if c == nil || c.Conn == nil {
		return
	}
	_ = c.Conn.Drain()
	c.Conn.Close()
}

// EnsureStream creates the stream capturing prefix.> if it does not exist.
func EnsureStream(js JetStream, stream, prefix string) error {
	if _, err := js.StreamInfo(stream); err != nil {
		if !errors.Is(err, nats.ErrStreamNotFound) {
			return err
		}
		_, err = js.AddStream(&nats.StreamConfig{
			Name:       stream,
			Subjects:   []string{prefix + ".>"},
			Retention:  nats.LimitsPolicy,
			Storage:    nats.FileStorage,
			Replicas:   1,
			Duplicates: 10 * time.Minute,
		})
		return err
	}
	return nil
}

// Envelope is the JSON message body for one stored event.
type Envelope struct {
	ID             string            `json:"id"`
	TenantID       string            `json:"tenantId"`
	AggregateID    string            `json:"aggregateId"`
	Kind           string            `json:"kind"`
	SchemaVersion  int               `json:"schemaVersion"`
	ActorID        string            `json:"actorId,omitempty"`
	Data           []byte            `json:"data"`
	Metadata       adapters.Metadata `json:"metadata"`
	Timestamp      time.Time         `json:"timestamp"`
	Version        int64             `json:"version"`
	GlobalPosition uint64            `json:"globalPosition"`
}

// Encode converts se into a message body.
func Encode(se adapters.StoredEvent) ([]byte, error) {
	return json.Marshal(Envelope{
		ID:             se.ID,
		TenantID:       se.TenantID,
		AggregateID:    se.AggregateID,
		Kind:           se.Kind,
		SchemaVersion:  se.SchemaVersion,
		ActorID:        se.ActorID,
		Data:           se.Data,
		Metadata:       se.Metadata,
		Timestamp:      se.Timestamp,
		Version:        se.Version,
		GlobalPosition: se.GlobalPosition,
	})
}

// Decode parses a body written by Encode.
func Decode(body []byte) (adapters.StoredEvent, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return adapters.StoredEvent{}, fmt.Errorf("natsfeed: decode envelope: %w", err)
	}
	if env.ID == "" || env.TenantID == "" || env.AggregateID == "" {
		return adapters.StoredEvent{}, fmt.Errorf("natsfeed: envelope missing identity")
	}
	return adapters.StoredEvent{
		ID:             env.ID,
		TenantID:       env.TenantID,
		AggregateID:    env.AggregateID,
		Kind:           env.Kind,
		SchemaVersion:  env.SchemaVersion,
		ActorID:        env.ActorID,
		Data:           env.Data,
		Metadata:       env.Metadata,
		Timestamp:      env.Timestamp.UTC(),
		Version:        env.Version,
		GlobalPosition: env.GlobalPosition,
	}, nil
}

// Subject returns the subject se is published on: prefix.tenant.kind.
func Subject(prefix string, se adapters.StoredEvent) string {
	return prefix + "." + token(se.TenantID) + "." + se.Kind
}

// token makes s safe as a single subject token.
func token(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}

// Publisher publishes stored events to JetStream.
type Publisher struct {
	js     JetStream
	prefix string
}

// NewPublisher creates a publisher using prefix for subjects.
func NewPublisher(js JetStream, prefix string) *Publisher {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &Publisher{js: js, prefix: prefix}
}

// Publish sends se. The event id is the JetStream deduplication id.
func (p *Publisher) Publish(ctx context.Context, se adapters.StoredEvent) error {
	body, err := Encode(se)
	if err != nil {
		return err
	}
	msg := nats.NewMsg(Subject(p.prefix, se))
	msg.Data = body
	msg.Header.Set(nats.MsgIdHdr, se.ID)
	msg.Header.Set("Kin-Stream", adapters.NewStreamKey(se.TenantID, se.AggregateID).String())

	if _, err := p.js.PublishMsg(msg, nats.Context(ctx)); err != nil {
		return kin.NewTransientError("nats publish", err)
	}
	return nil
}

// Relay forwards a local change feed to JetStream.
type Relay struct {
	feed      kin.ChangeFeed
	publisher *Publisher
	backoff   kin.RetryPolicy
	logger    kin.Logger
}

// RelayOption configures a Relay.
type RelayOption func(*Relay)

// WithRelayLogger sets the logger.
func WithRelayLogger(l kin.Logger) RelayOption {
	return func(r *Relay) {
		r.logger = l
	}
}

// WithRelayBackoff sets the Nack delay policy after a failed publish.
func WithRelayBackoff(p kin.RetryPolicy) RelayOption {
	return func(r *Relay) {
		r.backoff = p
	}
}

// NewRelay creates a relay from feed to publisher.
func NewRelay(feed kin.ChangeFeed, publisher *Publisher, opts ...RelayOption) *Relay {
	r := &Relay{
		feed:      feed,
		publisher: publisher,
		backoff: kin.RetryPolicy{
			MaxAttempts: 5,
			BaseDelay:   100 * time.Millisecond,
			MaxDelay:    10 * time.Second,
			Multiplier:  2,
			Jitter:      0.2,
		},
		logger: kin.NopLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run relays deliveries until the feed closes or ctx is done.
func (r *Relay) Run(ctx context.Context) error {
	deliveries, err := r.feed.Deliveries(ctx)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return ctx.Err()
			}
			se := d.Event()
			if err := r.publisher.Publish(ctx, se); err != nil {
				r.logger.Warn("Relay publish failed", "event", se.ID, "attempt", d.Attempt(), "error", err)
				_ = d.Nack(ctx, r.backoff.Delay(d.Attempt()))
				continue
			}
			_ = d.Ack(ctx)
		}
	}
}

// Feed consumes relayed events from JetStream as a kin.ChangeFeed.
type Feed struct {
	js      JetStream
	subject string
	queue   string
	buffer  int
	logger  kin.Logger
}

// FeedOption configures a Feed.
type FeedOption func(*Feed)

// WithSubject narrows the subscription, e.g. "kin.event.fam.>".
func WithSubject(subject string) FeedOption {
	return func(f *Feed) {
		f.subject = subject
	}
}

// WithBuffer sets the delivery channel size.
func WithBuffer(n int) FeedOption {
	return func(f *Feed) {
		f.buffer = n
	}
}

// WithFeedLogger sets the logger.
func WithFeedLogger(l kin.Logger) FeedOption {
	return func(f *Feed) {
		f.logger = l
	}
}

// NewFeed creates a feed for durable queue group queue.
func NewFeed(js JetStream, queue string, opts ...FeedOption) *Feed {
	f := &Feed{
		js:      js,
		subject: DefaultSubjectPrefix + ".>",
		queue:   queue,
		buffer:  64,
		logger:  kin.NopLogger(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Deliveries implements kin.ChangeFeed.
func (f *Feed) Deliveries(ctx context.Context) (<-chan kin.Delivery, error) {
	out := make(chan kin.Delivery, f.buffer)
	sub, err := f.js.QueueSubscribe(f.subject, f.queue, func(msg *nats.Msg) {
		f.handle(ctx, msg, out)
	}, nats.ManualAck(), nats.Durable(f.queue), nats.DeliverAll())
	if err != nil {
		return nil, kin.NewTransientError("nats subscribe", err)
	}

	go func() {
		<-ctx.Done()
		_ = sub.Drain()
	}()
	return out, nil
}

func (f *Feed) handle(ctx context.Context, msg *nats.Msg, out chan<- kin.Delivery) {
	se, err := Decode(msg.Data)
	if err != nil {
		f.logger.Error("Discarding undecodable change feed message", "subject", msg.Subject, "error", err)
		_ = msg.Term()
		return
	}

	attempt := 1
	if meta, metaErr := msg.Metadata(); metaErr == nil && meta.NumDelivered > 0 {
		attempt = int(meta.NumDelivered)
	}

	select {
	case out <- &delivery{msg: msg, event: se, attempt: attempt}:
	case <-ctx.Done():
	}
}

type delivery struct {
	msg     *nats.Msg
	event   adapters.StoredEvent
	attempt int
}

func (d *delivery) Event() adapters.StoredEvent { return d.event }
func (d *delivery) Attempt() int                { return d.attempt }

func (d *delivery) Ack(ctx context.Context) error {
	return d.msg.Ack()
}

func (d *delivery) Nack(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return d.msg.Nak()
	}
	return d.msg.NakWithDelay(delay)
}

var (
	_ kin.ChangeFeed = (*Feed)(nil)
	_ kin.Delivery   = (*delivery)(nil)
	_ JetStream      = (nats.JetStreamContext)(nil)
)
