// Package memory is an in-process ledger.Repository. A single mutex gives
// every operation the same isolation the SQL store gets from row locks.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/imrishuroy/go-payment-ledger/internal/ledger"
)

// Store keeps orders, payments and details in maps.
type Store struct {
	mu             sync.RWMutex
	orders         map[string]ledger.Order
	orderNumbers   map[string]string
	payments       map[string]ledger.Payment
	paymentNumbers map[string]string
	orderPayments  map[string][]string
	details        map[string][]ledger.PaymentDetail
	nowFunc        func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the clock stamped on every write.
func WithClock(now func() time.Time) Option { return func(s *Store) { s.nowFunc = now } }

// New returns an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		orders:         map[string]ledger.Order{},
		orderNumbers:   map[string]string{},
		payments:       map[string]ledger.Payment{},
		paymentNumbers: map[string]string{},
		orderPayments:  map[string][]string{},
		details:        map[string][]ledger.PaymentDetail{},
		nowFunc:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ ledger.Repository = (*Store)(nil)

func (s *Store) InsertOrder(ctx context.Context, o ledger.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orderNumbers[o.OrderNumber]; ok {
		return ledger.ErrDuplicateNumber
	}
	if _, ok := s.orders[o.ID]; ok {
		return ledger.ErrDuplicateNumber
	}
	s.orders[o.ID] = cloneOrder(o)
	s.orderNumbers[o.OrderNumber] = o.ID
	return nil
}

func (s *Store) OrderNumberExists(ctx context.Context, number string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.orderNumbers[number]
	return ok, nil
}

func (s *Store) GetOrder(ctx context.Context, id string) (ledger.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[id]
	if !ok {
		return ledger.Order{}, ledger.OrderNotFound(id)
	}
	return cloneOrder(o), nil
}

func (s *Store) GetOrderByNumber(ctx context.Context, number string) (ledger.Order, error) {
	s.mu.RLock()
	id, ok := s.orderNumbers[number]
	s.mu.RUnlock()
	if !ok {
		return ledger.Order{}, ledger.OrderNotFound(number)
	}
	return s.GetOrder(ctx, id)
}

func (s *Store) ListOrders(ctx context.Context, f ledger.OrderFilter) ([]ledger.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ledger.Order
	for _, o := range s.orders {
		if f.UserID != "" && o.UserID != f.UserID {
			continue
		}
		if f.Status != "" && o.Status != f.Status {
			continue
		}
		out = append(out, cloneOrder(o))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return limit(out, f.Limit), nil
}

func (s *Store) UpdateOrder(ctx context.Context, id string, fn ledger.OrderMutation) (ledger.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.orders[id]
	if !ok {
		return ledger.Order{}, ledger.OrderNotFound(id)
	}
	o := cloneOrder(cur)
	if err := fn(&o, s.paymentsOf(id)); err != nil {
		return ledger.Order{}, err
	}
	o.Version = cur.Version + 1
	o.UpdatedAt = s.nowFunc().UTC()
	s.orders[id] = cloneOrder(o)
	return o, nil
}

func (s *Store) InsertPayment(ctx context.Context, p ledger.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[p.OrderID]; !ok {
		return ledger.OrderNotFound(p.OrderID)
	}
	if _, ok := s.paymentNumbers[p.PaymentNumber]; ok {
		return ledger.ErrDuplicateNumber
	}
	if _, ok := s.payments[p.ID]; ok {
		return ledger.ErrDuplicateNumber
	}
	s.payments[p.ID] = clonePayment(p)
	s.paymentNumbers[p.PaymentNumber] = p.ID
	s.orderPayments[p.OrderID] = append(s.orderPayments[p.OrderID], p.ID)
	return nil
}

func (s *Store) PaymentNumberExists(ctx context.Context, number string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.paymentNumbers[number]
	return ok, nil
}

func (s *Store) GetPayment(ctx context.Context, id string) (ledger.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.payments[id]
	if !ok {
		return ledger.Payment{}, ledger.PaymentNotFound(id)
	}
	return clonePayment(p), nil
}

func (s *Store) GetPaymentByNumber(ctx context.Context, number string) (ledger.Payment, error) {
	s.mu.RLock()
	id, ok := s.paymentNumbers[number]
	s.mu.RUnlock()
	if !ok {
		return ledger.Payment{}, ledger.PaymentNotFound(number)
	}
	return s.GetPayment(ctx, id)
}

func (s *Store) ListPayments(ctx context.Context, f ledger.PaymentFilter) ([]ledger.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ledger.Payment
	for _, p := range s.payments {
		if f.OrderID != "" && p.OrderID != f.OrderID {
			continue
		}
		if f.UserID != "" && s.orders[p.OrderID].UserID != f.UserID {
			continue
		}
		if f.Status != "" && p.Status != f.Status {
			continue
		}
		if f.Method != "" && p.Method != f.Method {
			continue
		}
		if f.TransactionID != "" && p.TransactionID != f.TransactionID {
			continue
		}
		out = append(out, clonePayment(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return limit(out, f.Limit), nil
}

func (s *Store) UpdatePayment(ctx context.Context, id string, fn ledger.PaymentMutation) (ledger.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.payments[id]
	if !ok {
		return ledger.Snapshot{}, ledger.PaymentNotFound(id)
	}
	order, ok := s.orders[cur.OrderID]
	if !ok {
		return ledger.Snapshot{}, ledger.OrderNotFound(cur.OrderID)
	}
	snap := ledger.Snapshot{
		Order:    cloneOrder(order),
		Payment:  clonePayment(cur),
		Payments: s.paymentsOf(cur.OrderID),
	}
	if err := fn(&snap); err != nil {
		return ledger.Snapshot{}, err
	}

	now := s.nowFunc().UTC()
	snap.Payment.Version = cur.Version + 1
	snap.Payment.UpdatedAt = now
	s.payments[id] = clonePayment(snap.Payment)
	snap.Order.Version = order.Version + 1
	snap.Order.UpdatedAt = now
	s.orders[order.ID] = cloneOrder(snap.Order)
	snap.Payments = snap.OrderPayments()
	return snap, nil
}

func (s *Store) AppendDetails(ctx context.Context, details ...ledger.PaymentDetail) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range details {
		if _, ok := s.payments[d.PaymentID]; !ok {
			return ledger.PaymentNotFound(d.PaymentID)
		}
		s.details[d.PaymentID] = append(s.details[d.PaymentID], d)
	}
	return nil
}

func (s *Store) ListDetails(ctx context.Context, paymentID string) ([]ledger.PaymentDetail, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]ledger.PaymentDetail(nil), s.details[paymentID]...), nil
}

// paymentsOf must be called with s.mu held.
func (s *Store) paymentsOf(orderID string) []ledger.Payment {
	ids := s.orderPayments[orderID]
	out := make([]ledger.Payment, 0, len(ids))
	for _, id := range ids {
		out = append(out, clonePayment(s.payments[id]))
	}
	return out
}

func cloneOrder(o ledger.Order) ledger.Order {
	o.Lines = append([]ledger.OrderLine(nil), o.Lines...)
	o.Metadata = cloneMap(o.Metadata)
	return o
}

func clonePayment(p ledger.Payment) ledger.Payment {
	p.Metadata = cloneMap(p.Metadata)
	return p
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func limit[T any](in []T, n int) []T {
	if n > 0 && len(in) > n {
		return in[:n]
	}
	return in
}
