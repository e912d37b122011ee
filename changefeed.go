package kin

import (
	"context"
	"sync"
	"time"

	"github.com/AshkanYarmoradi/go-kin/adapters"
)

// Delivery is one at-least-once delivery of a stored event.
type Delivery interface {
	Event() adapters.StoredEvent

	// Attempt is 1 for the first delivery and grows with every redelivery.
	Attempt() int

	// Ack confirms the event was handled.
	Ack(ctx context.Context) error

	// Nack asks for redelivery after delay.
	Nack(ctx context.Context, delay time.Duration) error
}

// ChangeFeed delivers newly appended events to consumers.
type ChangeFeed interface {
	// Deliveries starts the feed. The channel is closed when the feed ends
	// or ctx is done.
	Deliveries(ctx context.Context) (<-chan Delivery, error)
}

// ChannelFeed turns a channel of stored events, such as the one returned by
// adapters.FeedAdapter.SubscribeAll, into a change feed with in-process
// redelivery.
type ChannelFeed struct {
	source <-chan adapters.StoredEvent

	mu          sync.Mutex
	retry       []*channelDelivery
	outstanding int
	signal      chan struct{}
}

// NewChannelFeed creates a feed reading from source.
func NewChannelFeed(source <-chan adapters.StoredEvent) *ChannelFeed {
	return &ChannelFeed{
		source: source,
		signal: make(chan struct{}, 1),
	}
}

// Deliveries implements ChangeFeed. It must be called at most once.
func (f *ChannelFeed) Deliveries(ctx context.Context) (<-chan Delivery, error) {
	out := make(chan Delivery)
	go f.run(ctx, out)
	return out, nil
}

func (f *ChannelFeed) run(ctx context.Context, out chan<- Delivery) {
	defer close(out)
	source := f.source

	for {
		f.mu.Lock()
		var next *channelDelivery
		if len(f.retry) > 0 {
			next = f.retry[0]
			f.retry = f.retry[1:]
		}
		drained := source == nil && next == nil && f.outstanding == 0
		f.mu.Unlock()

		if drained {
			return
		}
		if next != nil {
			select {
			case out <- next:
				continue
			case <-ctx.Done():
				return
			}
		}

		select {
		case se, ok := <-source:
			if !ok {
				source = nil
				continue
			}
			f.mu.Lock()
			f.outstanding++
			f.mu.Unlock()
			d := &channelDelivery{feed: f, event: se, attempt: 1}
			select {
			case out <- d:
			case <-ctx.Done():
				return
			}
		case <-f.signal:
		case <-ctx.Done():
			return
		}
	}
}

func (f *ChannelFeed) wake() {
	select {
	case f.signal <- struct{}{}:
	default:
	}
}

type channelDelivery struct {
	feed    *ChannelFeed
	event   adapters.StoredEvent
	attempt int
	once    sync.Once
}

func (d *channelDelivery) Event() adapters.StoredEvent { return d.event }
func (d *channelDelivery) Attempt() int                { return d.attempt }

func (d *channelDelivery) Ack(ctx context.Context) error {
	d.once.Do(func() {
		d.feed.mu.Lock()
		d.feed.outstanding--
		d.feed.mu.Unlock()
		d.feed.wake()
	})
	return nil
}

func (d *channelDelivery) Nack(ctx context.Context, delay time.Duration) error {
	d.once.Do(func() {
		next := &channelDelivery{feed: d.feed, event: d.event, attempt: d.attempt + 1}
		requeue := func() {
			d.feed.mu.Lock()
			d.feed.retry = append(d.feed.retry, next)
			d.feed.mu.Unlock()
			d.feed.wake()
		}
		if delay <= 0 {
			requeue()
			return
		}
		time.AfterFunc(delay, requeue)
	})
	return nil
}

// PollingFeed polls the global event log from a stored checkpoint. Events are
// delivered one at a time; the checkpoint advances on Ack.
type PollingFeed struct {
	feed         adapters.FeedAdapter
	checkpoints  adapters.CheckpointAdapter
	name         string
	pollInterval time.Duration
	batchSize    int
	logger       Logger
}

// PollingOption configures a PollingFeed.
type PollingOption func(*PollingFeed)

// WithPollInterval sets the wait between empty polls.
func WithPollInterval(d time.Duration) PollingOption {
	return func(f *PollingFeed) {
		f.pollInterval = d
	}
}

// WithPollBatchSize sets how many events are loaded per poll.
func WithPollBatchSize(n int) PollingOption {
	return func(f *PollingFeed) {
		f.batchSize = n
	}
}

// WithPollingLogger sets the logger.
func WithPollingLogger(l Logger) PollingOption {
	return func(f *PollingFeed) {
		f.logger = l
	}
}

// NewPollingFeed creates a feed named name. The name keys its checkpoint.
func NewPollingFeed(feed adapters.FeedAdapter, checkpoints adapters.CheckpointAdapter, name string, opts ...PollingOption) *PollingFeed {
	f := &PollingFeed{
		feed:         feed,
		checkpoints:  checkpoints,
		name:         name,
		pollInterval: 100 * time.Millisecond,
		batchSize:    100,
		logger:       &noopLogger{},
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Deliveries implements ChangeFeed.
func (f *PollingFeed) Deliveries(ctx context.Context) (<-chan Delivery, error) {
	position, err := f.checkpoints.GetCheckpoint(ctx, f.name)
	if err != nil {
		return nil, NewTransientError("get checkpoint", err)
	}
	out := make(chan Delivery)
	go f.run(ctx, position, out)
	return out, nil
}

func (f *PollingFeed) run(ctx context.Context, position uint64, out chan<- Delivery) {
	defer close(out)

	for {
		events, err := f.feed.LoadFromPosition(ctx, position, f.batchSize)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			f.logger.Warn("Change feed poll failed", "feed", f.name, "position", position, "error", err)
		}
		if len(events) == 0 {
			if sleepContext(ctx, f.pollInterval) != nil {
				return
			}
			continue
		}

		for _, se := range events {
			if !f.deliver(ctx, se, out) {
				return
			}
			position = se.GlobalPosition
		}
	}
}

// deliver hands se out until it is acknowledged. It returns false when ctx is done.
func (f *PollingFeed) deliver(ctx context.Context, se adapters.StoredEvent, out chan<- Delivery) bool {
	for attempt := 1; ; attempt++ {
		d := &pollingDelivery{event: se, attempt: attempt, done: make(chan pollingAnswer, 1)}
		select {
		case out <- d:
		case <-ctx.Done():
			return false
		}

		var answer pollingAnswer
		select {
		case answer = <-d.done:
		case <-ctx.Done():
			return false
		}

		if answer.ack {
			if err := f.checkpoints.SetCheckpoint(ctx, f.name, se.GlobalPosition); err != nil {
				f.logger.Warn("Failed to store checkpoint", "feed", f.name, "position", se.GlobalPosition, "error", err)
			}
			return true
		}
		if sleepContext(ctx, answer.delay) != nil {
			return false
		}
	}
}

type pollingAnswer struct {
	ack   bool
	delay time.Duration
}

type pollingDelivery struct {
	event   adapters.StoredEvent
	attempt int
	done    chan pollingAnswer
	once    sync.Once
}

func (d *pollingDelivery) Event() adapters.StoredEvent { return d.event }
func (d *pollingDelivery) Attempt() int                { return d.attempt }

func (d *pollingDelivery) Ack(ctx context.Context) error {
	d.once.Do(func() { d.done <- pollingAnswer{ack: true} })
	return nil
}

func (d *pollingDelivery) Nack(ctx context.Context, delay time.Duration) error {
	d.once.Do(func() { d.done <- pollingAnswer{delay: delay} })
	return nil
}

var (
	_ ChangeFeed = (*ChannelFeed)(nil)
	_ ChangeFeed = (*PollingFeed)(nil)
)

// Consumer drives change-feed deliveries into a projection updater.
type Consumer struct {
	feed          ChangeFeed
	updater       *ProjectionUpdater
	maxDeliveries int
	redelivery    RetryPolicy
	logger        Logger
}

// ConsumerOption configures a Consumer.
type ConsumerOption func(*Consumer)

// WithMaxDeliveries sets how often a transiently failing event is delivered
// before it is dead-lettered.
func WithMaxDeliveries(n int) ConsumerOption {
	return func(c *Consumer) {
		c.maxDeliveries = n
	}
}

// WithRedeliveryPolicy sets the Nack delay policy.
func WithRedeliveryPolicy(r RetryPolicy) ConsumerOption {
	return func(c *Consumer) {
		c.redelivery = r
	}
}

// WithConsumerLogger sets the logger.
func WithConsumerLogger(l Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = l
	}
}

// NewConsumer creates a consumer. The default allows 5 deliveries.
func NewConsumer(feed ChangeFeed, updater *ProjectionUpdater, opts ...ConsumerOption) *Consumer {
	c := &Consumer{
		feed:          feed,
		updater:       updater,
		maxDeliveries: 5,
		redelivery: RetryPolicy{
			MaxAttempts: 5,
			BaseDelay:   50 * time.Millisecond,
			MaxDelay:    5 * time.Second,
			Multiplier:  2,
			Jitter:      0.2,
		},
		logger: &noopLogger{},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.maxDeliveries < 1 {
		c.maxDeliveries = 1
	}
	return c
}

// Run consumes deliveries until the feed closes (nil) or ctx is done (ctx.Err()).
func (c *Consumer) Run(ctx context.Context) error {
	deliveries, err := c.feed.Deliveries(ctx)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return nil
			}
			c.Handle(ctx, d)
		}
	}
}

// Handle processes one delivery and acknowledges it.
func (c *Consumer) Handle(ctx context.Context, d Delivery) {
	se := d.Event()
	outcome, err := c.updater.ApplyStored(ctx, se, d.Attempt())
	if outcome != OutcomeRetry {
		c.ack(ctx, d)
		return
	}

	if d.Attempt() >= c.maxDeliveries {
		if dlErr := c.updater.DeadLetter(ctx, se, err, d.Attempt()); dlErr == nil {
			c.ack(ctx, d)
			return
		}
	}

	if nerr := d.Nack(ctx, c.redelivery.Delay(d.Attempt())); nerr != nil {
		c.logger.Warn("Nack failed", "event", se.ID, "error", nerr)
	}
}

func (c *Consumer) ack(ctx context.Context, d Delivery) {
	if err := d.Ack(ctx); err != nil {
		c.logger.Warn("Ack failed", "event", d.Event().ID, "error", err)
	}
}
