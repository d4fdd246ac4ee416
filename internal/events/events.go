// Package events publishes ledger state changes to downstream consumers.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Event types.
const (
	OrderCreated       = "order.created"
	OrderCancelled     = "order.cancelled"
	OrderStatusChanged = "order.status_changed"
	PaymentSettled     = "payment.settled"
	PaymentPending     = "payment.pending"
	PaymentFailed      = "payment.failed"
	PaymentCancelled   = "payment.cancelled"
	PaymentRefunded    = "payment.refunded"
	PaymentDrift       = "payment.drift"
)

// Event is the JSON body published for every ledger change.
type Event struct {
	ID            string          `json:"event_id"`
	Type          string          `json:"type"`
	OrderID       string          `json:"order_id"`
	OrderNumber   string          `json:"order_number,omitempty"`
	OrderStatus   string          `json:"order_status,omitempty"`
	PaymentID     string          `json:"payment_id,omitempty"`
	PaymentNumber string          `json:"payment_number,omitempty"`
	PaymentStatus string          `json:"payment_status,omitempty"`
	Method        string          `json:"method,omitempty"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency,omitempty"`
	Message       string          `json:"message,omitempty"`
	OccurredAt    time.Time       `json:"occurred_at"`
}

// New stamps an id and time on an event of the given type.
func New(eventType string, at time.Time) Event {
	return Event{ID: uuid.NewString(), Type: eventType, OccurredAt: at.UTC()}
}

// Publisher delivers events. Implementations must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// Recorder keeps published events in memory.
type Recorder struct {
	ch chan Event
}

// NewRecorder buffers up to size events; Publish blocks when full.
func NewRecorder(size int) *Recorder {
	return &Recorder{ch: make(chan Event, size)}
}

func (r *Recorder) Publish(ctx context.Context, e Event) error {
	select {
	case r.ch <- e:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Drain returns everything published so far.
func (r *Recorder) Drain() []Event {
	var out []Event
	for {
		select {
		case e := <-r.ch:
			out = append(out, e)
		default:
			return out
		}
	}
}
