package kin

import (
	"context"
	"sync"
	"time"

	"github.com/AshkanYarmoradi/go-kin/adapters"
)

// DeadLetter is an event the projection could not apply.
type DeadLetter struct {
	Event    adapters.StoredEvent `json:"event"`
	Reason   string               `json:"reason"`
	Kind     ErrorKind            `json:"kind"`
	Attempts int                  `json:"attempts"`
	FailedAt time.Time            `json:"failedAt"`
}

// NewDeadLetter builds a dead letter for se failing with err.
func NewDeadLetter(se adapters.StoredEvent, err error, attempts int, now time.Time) *DeadLetter {
	return &DeadLetter{
		Event:    se,
		Reason:   err.Error(),
		Kind:     KindOf(err),
		Attempts: attempts,
		FailedAt: now,
	}
}

// DeadLetterPublisher delivers dead letters for manual inspection.
type DeadLetterPublisher interface {
	Publish(ctx context.Context, dl *DeadLetter) error

	// Destination names where dead letters go, for logs.
	Destination() string
}

// ChannelDeadLetters keeps dead letters in memory and optionally forwards
// them to a channel.
type ChannelDeadLetters struct {
	mu      sync.Mutex
	letters []*DeadLetter
	ch      chan *DeadLetter
}

// NewChannelDeadLetters creates an in-memory publisher. If buffer > 0 every
// dead letter is also sent to C(), dropping it there when the buffer is full.
func NewChannelDeadLetters(buffer int) *ChannelDeadLetters {
	d := &ChannelDeadLetters{}
	if buffer > 0 {
		d.ch = make(chan *DeadLetter, buffer)
	}
	return d
}

// Publish implements DeadLetterPublisher.
func (d *ChannelDeadLetters) Publish(ctx context.Context, dl *DeadLetter) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	d.letters = append(d.letters, dl)
	d.mu.Unlock()
	if d.ch != nil {
		select {
		case d.ch <- dl:
		default:
		}
	}
	return nil
}

// Destination implements DeadLetterPublisher.
func (d *ChannelDeadLetters) Destination() string { return "memory" }

// C returns the notification channel, nil when unbuffered.
func (d *ChannelDeadLetters) C() <-chan *DeadLetter { return d.ch }

// Letters returns a copy of every dead letter received.
func (d *ChannelDeadLetters) Letters() []*DeadLetter {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*DeadLetter(nil), d.letters...)
}

// Len returns the number of dead letters received.
func (d *ChannelDeadLetters) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.letters)
}

var _ DeadLetterPublisher = (*ChannelDeadLetters)(nil)
