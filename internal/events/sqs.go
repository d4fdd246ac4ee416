package events

import (
	"context"
	"encoding/json"
	"fmt"
)

// Sender is satisfied by *aws.Publisher.
type Sender interface {
	Send(ctx context.Context, body string, attributes map[string]string) (string, error)
}

// SQSPublisher posts events as JSON bodies with the event type and order id
// as message attributes.
type SQSPublisher struct {
	sender Sender
}

func NewSQSPublisher(sender Sender) *SQSPublisher {
	return &SQSPublisher{sender: sender}
}

func (p *SQSPublisher) Publish(ctx context.Context, e Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = p.sender.Send(ctx, string(body), map[string]string{
		"event_type": e.Type,
		"order_id":   e.OrderID,
		"payment_id": e.PaymentID,
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", e.Type, err)
	}
	return nil
}
