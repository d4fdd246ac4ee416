package ledger

import "strings"

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

// Order statuses
const (
	OrderPending           OrderStatus = "PENDING"
	OrderProcessing        OrderStatus = "PROCESSING"
	OrderCompleted         OrderStatus = "COMPLETED"
	OrderCancelled         OrderStatus = "CANCELLED"
	OrderRefunded          OrderStatus = "REFUNDED"
	OrderPartiallyRefunded OrderStatus = "PARTIALLY_REFUNDED"
)

// Valid reports whether s is a known order status.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderPending, OrderProcessing, OrderCompleted, OrderCancelled, OrderRefunded, OrderPartiallyRefunded:
		return true
	}
	return false
}

// Open reports whether the order still accepts payments toward its total.
func (s OrderStatus) Open() bool {
	return s == OrderPending || s == OrderProcessing
}

// PaymentStatus is the lifecycle state of a payment.
type PaymentStatus string

// Payment statuses. The two-letter codes are the persisted short form.
const (
	PaymentPending    PaymentStatus = "PP"
	PaymentAuthorized PaymentStatus = "AU"
	PaymentCaptured   PaymentStatus = "CA"
	PaymentCompleted  PaymentStatus = "CO"
	PaymentFailed     PaymentStatus = "FA"
	PaymentRefunded   PaymentStatus = "RE"
	PaymentCancelled  PaymentStatus = "CN"
)

var paymentStatusNames = map[PaymentStatus]string{
	PaymentPending:    "pending_payment",
	PaymentAuthorized: "authorized",
	PaymentCaptured:   "captured",
	PaymentCompleted:  "completed",
	PaymentFailed:     "failed",
	PaymentRefunded:   "refunded",
	PaymentCancelled:  "cancelled",
}

// rank orders the forward-only progression of a successful payment.
var paymentRank = map[PaymentStatus]int{
	PaymentPending:    0,
	PaymentAuthorized: 1,
	PaymentCaptured:   2,
	PaymentCompleted:  3,
}

// String returns the readable name of the status.
func (s PaymentStatus) String() string {
	if n, ok := paymentStatusNames[s]; ok {
		return n
	}
	return string(s)
}

// Valid reports whether s is a known payment status.
func (s PaymentStatus) Valid() bool {
	_, ok := paymentStatusNames[s]
	return ok
}

// IsTerminal reports whether no further transition is possible.
func (s PaymentStatus) IsTerminal() bool {
	return s == PaymentFailed || s == PaymentRefunded || s == PaymentCancelled
}

// CanTransitionTo reports whether moving from s to next keeps the payment
// lifecycle forward-only. Refunded is only reachable from a settled status.
func (s PaymentStatus) CanTransitionTo(next PaymentStatus) bool {
	if s.IsTerminal() || !next.Valid() {
		return false
	}
	switch next {
	case PaymentFailed, PaymentCancelled:
		return s != PaymentCompleted && s != PaymentCaptured
	case PaymentRefunded:
		return s == PaymentCompleted || s == PaymentCaptured
	}
	return paymentRank[next] > paymentRank[s]
}

// ParsePaymentStatus accepts either the two-letter code or the readable name.
func ParsePaymentStatus(v string) (PaymentStatus, bool) {
	v = strings.TrimSpace(v)
	if s := PaymentStatus(strings.ToUpper(v)); s.Valid() {
		return s, true
	}
	lower := strings.ToLower(v)
	for s, n := range paymentStatusNames {
		if n == lower {
			return s, true
		}
	}
	return "", false
}
