package ledger

import "context"

// OrderFilter narrows ListOrders. Zero fields match everything.
type OrderFilter struct {
	UserID string
	Status OrderStatus
	Limit  int
}

// PaymentFilter narrows ListPayments. Zero fields match everything.
type PaymentFilter struct {
	OrderID       string
	UserID        string
	Status        PaymentStatus
	Method        Method
	TransactionID string
	Limit         int
}

// Snapshot is the consistent view handed to an UpdatePayment mutation: the
// target payment, its order and every payment of that order.
type Snapshot struct {
	Order    Order
	Payment  Payment
	Payments []Payment
}

// OrderPayments returns the order's payments with the target replaced by the
// (possibly mutated) Snapshot.Payment.
func (s *Snapshot) OrderPayments() []Payment {
	out := make([]Payment, 0, len(s.Payments))
	seen := false
	for _, p := range s.Payments {
		if p.ID == s.Payment.ID {
			out = append(out, s.Payment)
			seen = true
			continue
		}
		out = append(out, p)
	}
	if !seen {
		out = append(out, s.Payment)
	}
	return out
}

// PaymentMutation edits a snapshot in place. Returning an error aborts the
// write. Implementations may call it more than once, so it must only depend
// on the snapshot it is given.
type PaymentMutation func(s *Snapshot) error

// OrderMutation edits an order given its current payments.
type OrderMutation func(o *Order, payments []Payment) error

// Repository is the persistence contract of the ledger. UpdatePayment and
// UpdateOrder are atomic: either both the payment and its order are written
// or neither is, and concurrent calls for the same order are serialized.
type Repository interface {
	InsertOrder(ctx context.Context, o Order) error
	OrderNumberExists(ctx context.Context, number string) (bool, error)
	GetOrder(ctx context.Context, id string) (Order, error)
	GetOrderByNumber(ctx context.Context, number string) (Order, error)
	ListOrders(ctx context.Context, f OrderFilter) ([]Order, error)
	UpdateOrder(ctx context.Context, id string, fn OrderMutation) (Order, error)

	InsertPayment(ctx context.Context, p Payment) error
	PaymentNumberExists(ctx context.Context, number string) (bool, error)
	GetPayment(ctx context.Context, id string) (Payment, error)
	GetPaymentByNumber(ctx context.Context, number string) (Payment, error)
	ListPayments(ctx context.Context, f PaymentFilter) ([]Payment, error)
	UpdatePayment(ctx context.Context, id string, fn PaymentMutation) (Snapshot, error)

	AppendDetails(ctx context.Context, details ...PaymentDetail) error
	ListDetails(ctx context.Context, paymentID string) ([]PaymentDetail, error)
}
