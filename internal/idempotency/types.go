package idempotency

import (
	"context"
	"errors"
	"time"
)

// ErrUnknownKey is returned when finishing a command that was never begun.
var ErrUnknownKey = errors.New("idempotency: unknown key")

// Status values for idempotency entries
const (
	StatusInProgress = "IN_PROGRESS"
	StatusDone       = "DONE"
	StatusFailed     = "FAILED"
)

// Record kinds
const (
	KindCommand = "command"
	KindLease   = "lease"
)

// Record is the shape persisted in the idempotency DynamoDB table.
type Record struct {
	Key        string    `dynamodbav:"idempotency_key"` // PK
	Status     string    `dynamodbav:"status"`
	Kind       string    `dynamodbav:"kind"`
	Reference  string    `dynamodbav:"reference,omitempty"`     // id of the order/payment the command produced
	Owner      string    `dynamodbav:"owner,omitempty"`         // lease holder token
	Response   string    `dynamodbav:"response_body,omitempty"` // small responses only
	Note       string    `dynamodbav:"note,omitempty"`
	CreatedAt  time.Time `dynamodbav:"created_at"`
	UpdatedAt  time.Time `dynamodbav:"updated_at"`
	LeaseUntil int64     `dynamodbav:"lease_until"` // epoch millis; an in-progress record past this may be taken over
	ExpiresAt  int64     `dynamodbav:"expires_at"`  // TTL epoch seconds
}

// Guard hands out short exclusive leases. Acquire returns false while
// another holder's lease is live; on success it returns the token that
// identifies this holder. Release only drops the lease while token still
// owns it, so a holder whose lease expired cannot free its successor's.
type Guard interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)
	Release(ctx context.Context, key, token string) error
}

// Option configures a MemoryStore or DynamoStore.
type Option func(*storeOptions)

type storeOptions struct {
	nowFunc func() time.Time
}

// WithClock sets the clock used for record timestamps and lease expiry.
func WithClock(now func() time.Time) Option { return func(o *storeOptions) { o.nowFunc = now } }

func applyOptions(opts []Option) storeOptions {
	o := storeOptions{nowFunc: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Store tracks keyed commands so a redelivered message is executed once.
type Store interface {
	// Begin claims key. It returns started=true when the caller should run the
	// command: the key is new, its last attempt failed, or its in-progress
	// lease expired. Otherwise it returns the existing record.
	Begin(ctx context.Context, key, kind string) (rec Record, started bool, err error)
	MarkDone(ctx context.Context, key, reference, response string) error
	MarkFailed(ctx context.Context, key, note string) error
	Get(ctx context.Context, key string) (*Record, error)
}
