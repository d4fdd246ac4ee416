// Package worker executes ledger commands delivered through SQS.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-lambda-go/events"
	"github.com/shopspring/decimal"

	"github.com/imrishuroy/go-payment-ledger/internal/idempotency"
	"github.com/imrishuroy/go-payment-ledger/internal/ledger"
)

// Ledger is the part of the orchestrator the worker drives.
type Ledger interface {
	CreateOrder(ctx context.Context, userID string, items []ledger.LineItem, opts ledger.OrderOptions) (ledger.Order, error)
	ProcessPaymentOnce(ctx context.Context, requestKey, orderID, method string, amount decimal.Decimal, data map[string]any) (ledger.Payment, error)
	RefundPayment(ctx context.Context, paymentID string, amount *decimal.Decimal) (bool, error)
	ContinuePayment(ctx context.Context, paymentID string, data map[string]any) (ledger.Payment, error)
}

var (
	errInProgress = errors.New("command is already in progress")
	errBadMessage = errors.New("invalid command message")
)

// Processor handles SQS batches of ledger commands.
type Processor struct {
	ledger   Ledger
	commands idempotency.Store
	log      *slog.Logger
}

// NewProcessor creates a processor over the orchestrator and command store.
func NewProcessor(l Ledger, commands idempotency.Store, log *slog.Logger) *Processor {
	return &Processor{ledger: l, commands: commands, log: log}
}

// Handle processes every record and reports the ones to retry as batch item
// failures, so one bad message does not redeliver the whole batch.
func (p *Processor) Handle(ctx context.Context, ev events.SQSEvent) (events.SQSEventResponse, error) {
	var resp events.SQSEventResponse
	for _, rec := range ev.Records {
		if err := p.processMessage(ctx, rec); err != nil {
			p.log.ErrorContext(ctx, "command will be retried", "message_id", rec.MessageId, "err", err)
			resp.BatchItemFailures = append(resp.BatchItemFailures, events.SQSBatchItemFailure{ItemIdentifier: rec.MessageId})
		}
	}
	return resp, nil
}

func (p *Processor) processMessage(ctx context.Context, rec events.SQSMessage) error {
	var msg Message
	if err := json.Unmarshal([]byte(rec.Body), &msg); err != nil {
		// Redelivery cannot fix a malformed body.
		p.log.ErrorContext(ctx, "dropping malformed command", "message_id", rec.MessageId, "err", err)
		return nil
	}
	key := msg.IdempotencyKey
	if key == "" {
		key = "sqs:" + rec.MessageId
	}
	log := p.log.With("type", msg.Type, "idempotency_key", key, "correlation_id", msg.CorrelationID)

	existing, started, err := p.commands.Begin(ctx, key, idempotency.KindCommand)
	if err != nil {
		return fmt.Errorf("begin command: %w", err)
	}
	if !started {
		if existing.Status == idempotency.StatusDone {
			log.InfoContext(ctx, "duplicate command skipped", "reference", existing.Reference)
			return nil
		}
		return errInProgress
	}

	reference, out, err := p.execute(ctx, key, msg)
	if err != nil && !permanent(err) {
		log.WarnContext(ctx, "command failed", "err", err)
		if markErr := p.commands.MarkFailed(ctx, key, err.Error()); markErr != nil {
			log.ErrorContext(ctx, "mark command failed", "err", markErr)
		}
		return err
	}
	if err != nil {
		log.WarnContext(ctx, "command rejected", "err", err)
		out.Error = err.Error()
	}

	body, _ := json.Marshal(out)
	if err := p.commands.MarkDone(ctx, key, reference, string(body)); err != nil {
		return fmt.Errorf("mark command done: %w", err)
	}
	log.InfoContext(ctx, "command done", "reference", reference)
	return nil
}

// execute runs msg. key tags the payment a process_payment command opens, so
// a retake after a failure resumes it rather than charging a new one.
func (p *Processor) execute(ctx context.Context, key string, msg Message) (string, Outcome, error) {
	switch msg.Type {
	case CommandCreateOrder:
		var in CreateOrderPayload
		if err := decode(msg.Payload, &in); err != nil {
			return "", Outcome{}, err
		}
		o, err := p.ledger.CreateOrder(ctx, in.UserID, in.Items, in.Options)
		if err != nil {
			return "", Outcome{}, err
		}
		return o.ID, Outcome{OrderID: o.ID, Status: string(o.Status)}, nil

	case CommandProcessPayment:
		var in ProcessPaymentPayload
		if err := decode(msg.Payload, &in); err != nil {
			return "", Outcome{}, err
		}
		pay, err := p.ledger.ProcessPaymentOnce(ctx, key, in.OrderID, in.Method, in.Amount, in.Data)
		if err != nil {
			return pay.ID, Outcome{OrderID: in.OrderID, PaymentID: pay.ID}, err
		}
		return pay.ID, paymentOutcome(pay), nil

	case CommandContinuePayment:
		var in ContinuePaymentPayload
		if err := decode(msg.Payload, &in); err != nil {
			return "", Outcome{}, err
		}
		pay, err := p.ledger.ContinuePayment(ctx, in.PaymentID, in.Data)
		if err != nil {
			return in.PaymentID, Outcome{PaymentID: in.PaymentID}, err
		}
		return pay.ID, paymentOutcome(pay), nil

	case CommandRefundPayment:
		var in RefundPaymentPayload
		if err := decode(msg.Payload, &in); err != nil {
			return "", Outcome{}, err
		}
		ok, err := p.ledger.RefundPayment(ctx, in.PaymentID, in.Amount)
		if err != nil {
			return in.PaymentID, Outcome{PaymentID: in.PaymentID}, err
		}
		return in.PaymentID, Outcome{PaymentID: in.PaymentID, Refunded: &ok}, nil
	}
	return "", Outcome{}, fmt.Errorf("%w: unknown type %q", errBadMessage, msg.Type)
}

func paymentOutcome(pay ledger.Payment) Outcome {
	return Outcome{OrderID: pay.OrderID, PaymentID: pay.ID, Status: pay.Status.String()}
}

func decode(raw json.RawMessage, out any) error {
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: %v", errBadMessage, err)
	}
	return nil
}

// permanent errors are recorded as the command's outcome instead of retried.
func permanent(err error) bool {
	var verr *ledger.ValidationError
	return errors.As(err, &verr) || errors.Is(err, ledger.ErrNotFound) || errors.Is(err, errBadMessage)
}
