// Package notify delivers status-change events to the application layer.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/crossmesh/bridgecore/core/types"
)

// Event types.
const (
	EventStatusChanged     = "request.status_changed"
	EventConsensusAdjusted = "consensus.threshold_adjusted"
)

// Event is one notification. Request fields are set for status changes,
// Threshold/Risk for consensus adjustments.
type Event struct {
	Type      string              `json:"type"`
	RequestID uint64              `json:"request_id,omitempty"`
	Status    types.RequestStatus `json:"status,omitempty"`
	Reason    string              `json:"reason,omitempty"`
	Threshold int                 `json:"threshold,omitempty"`
	Risk      float64             `json:"risk,omitempty"`
	At        time.Time           `json:"at"`
}

// Notifier publishes events. Publish must not block request processing.
type Notifier interface {
	Publish(ctx context.Context, event Event) error
}

// Bus is an in-process notifier fanning events out to subscriber channels.
// Slow subscribers drop events rather than stall the ledger.
type Bus struct {
	mu   sync.RWMutex
	subs []chan Event
}

var _ Notifier = (*Bus)(nil)

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers a new subscriber channel.
func (b *Bus) Subscribe(buffer int) <-chan Event {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()
	return ch
}

// Publish fans the event out without blocking.
func (b *Bus) Publish(_ context.Context, event Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- event:
		default:
		}
	}
	return nil
}

// Multi fans one Publish out to several notifiers, keeping the first error.
type Multi []Notifier

var _ Notifier = (Multi)(nil)

// Publish implements Notifier.
func (m Multi) Publish(ctx context.Context, event Event) error {
	var firstErr error
	for _, n := range m {
		if err := n.Publish(ctx, event); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
