// Package postgres implements ledger.Repository on PostgreSQL with pgx.
// UpdatePayment and UpdateOrder lock the order row, then its payments, inside
// one transaction, so writes to payments of the same order are serialized.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/imrishuroy/go-payment-ledger/internal/ledger"
)

const (
	codeUniqueViolation     = "23505"
	codeForeignKeyViolation = "23503"
)

const orderColumns = `id, user_id, order_number, status, currency, subtotal, tax, shipping, discount, total,
	adj_shipping, adj_discount, adj_tax, customer_notes, admin_notes, metadata, version, created_at, updated_at`

const lineColumns = `id, order_id, position, item_type, item_id, item_name, sku, quantity, unit_price,
	subtotal, tax, discount, total, metadata`

const paymentColumns = `id, order_id, payment_number, method, status, amount, refunded_amount, currency,
	transaction_id, authorization_code, error_message, authorized_at, captured_at, completed_at, refunded_at,
	metadata, version, created_at, updated_at`

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Store struct {
	pool    *pgxpool.Pool
	nowFunc func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the clock stamped on every write.
func WithClock(now func() time.Time) Option { return func(s *Store) { s.nowFunc = now } }

func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{pool: pool, nowFunc: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Connect opens a pool for url and checks connectivity.
func Connect(ctx context.Context, url string, maxConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse postgres url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

// EnsureSchema creates the ledger tables that do not exist yet.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaDDL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (s *Store) InsertOrder(ctx context.Context, o ledger.Order) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	_, err = tx.Exec(ctx, `INSERT INTO orders (`+orderColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)`,
		o.ID, o.UserID, o.OrderNumber, o.Status, o.Currency, o.Subtotal, o.Tax, o.Shipping, o.Discount, o.Total,
		o.Adjustments.Shipping, o.Adjustments.Discount, o.Adjustments.Tax, o.CustomerNotes, o.AdminNotes,
		o.Metadata, o.Version, o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return mapWriteError(err, "insert order")
	}

	batch := &pgx.Batch{}
	for _, l := range o.Lines {
		batch.Queue(`INSERT INTO order_lines (`+lineColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
			l.ID, o.ID, l.Position, l.ItemType, l.ItemID, l.ItemName, l.SKU, l.Quantity, l.UnitPrice,
			l.Subtotal, l.Tax, l.Discount, l.Total, l.Metadata)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return mapWriteError(err, "insert order lines")
	}
	return tx.Commit(ctx)
}

func (s *Store) OrderNumberExists(ctx context.Context, number string) (bool, error) {
	return s.exists(ctx, `SELECT EXISTS (SELECT 1 FROM orders WHERE order_number = $1)`, number)
}

func (s *Store) GetOrder(ctx context.Context, id string) (ledger.Order, error) {
	return s.getOrder(ctx, s.pool, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
}

func (s *Store) GetOrderByNumber(ctx context.Context, number string) (ledger.Order, error) {
	return s.getOrder(ctx, s.pool, `SELECT `+orderColumns+` FROM orders WHERE order_number = $1`, number)
}

func (s *Store) getOrder(ctx context.Context, q querier, sql, ref string) (ledger.Order, error) {
	o, err := scanOrder(q.QueryRow(ctx, sql, ref))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Order{}, ledger.OrderNotFound(ref)
	}
	if err != nil {
		return ledger.Order{}, fmt.Errorf("get order: %w", err)
	}
	lines, err := loadLines(ctx, q, []string{o.ID})
	if err != nil {
		return ledger.Order{}, err
	}
	o.Lines = lines[o.ID]
	return o, nil
}

func (s *Store) ListOrders(ctx context.Context, f ledger.OrderFilter) ([]ledger.Order, error) {
	w := where{}
	if f.UserID != "" {
		w.add("user_id = $%d", f.UserID)
	}
	if f.Status != "" {
		w.add("status = $%d", string(f.Status))
	}
	sql := `SELECT ` + orderColumns + ` FROM orders` + w.String() + ` ORDER BY created_at DESC, id` + limitClause(f.Limit)
	rows, err := s.pool.Query(ctx, sql, w.args...)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (ledger.Order, error) { return scanOrder(row) })
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	if len(out) == 0 {
		return nil, nil
	}
	ids := make([]string, len(out))
	for i, o := range out {
		ids[i] = o.ID
	}
	lines, err := loadLines(ctx, s.pool, ids)
	if err != nil {
		return nil, err
	}
	for i := range out {
		out[i].Lines = lines[out[i].ID]
	}
	return out, nil
}

// UpdateOrder applies fn to the order under a row lock. Lines are fixed at
// creation and are not rewritten.
func (s *Store) UpdateOrder(ctx context.Context, id string, fn ledger.OrderMutation) (ledger.Order, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return ledger.Order{}, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	o, err := s.getOrder(ctx, tx, `SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, id)
	if err != nil {
		return ledger.Order{}, err
	}
	payments, err := lockPayments(ctx, tx, id)
	if err != nil {
		return ledger.Order{}, err
	}
	if err := fn(&o, payments); err != nil {
		return ledger.Order{}, err
	}
	if err := writeOrder(ctx, tx, &o, s.nowFunc().UTC()); err != nil {
		return ledger.Order{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return ledger.Order{}, fmt.Errorf("commit order update: %w", err)
	}
	return o, nil
}

func (s *Store) InsertPayment(ctx context.Context, p ledger.Payment) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO payments (`+paymentColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)`,
		p.ID, p.OrderID, p.PaymentNumber, p.Method, p.Status, p.Amount, p.RefundedAmount, p.Currency,
		p.TransactionID, p.AuthorizationCode, p.ErrorMessage, p.AuthorizedAt, p.CapturedAt, p.CompletedAt, p.RefundedAt,
		p.Metadata, p.Version, p.CreatedAt, p.UpdatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == codeForeignKeyViolation {
		return ledger.OrderNotFound(p.OrderID)
	}
	return mapWriteError(err, "insert payment")
}

func (s *Store) PaymentNumberExists(ctx context.Context, number string) (bool, error) {
	return s.exists(ctx, `SELECT EXISTS (SELECT 1 FROM payments WHERE payment_number = $1)`, number)
}

func (s *Store) GetPayment(ctx context.Context, id string) (ledger.Payment, error) {
	return s.getPayment(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id)
}

func (s *Store) GetPaymentByNumber(ctx context.Context, number string) (ledger.Payment, error) {
	return s.getPayment(ctx, `SELECT `+paymentColumns+` FROM payments WHERE payment_number = $1`, number)
}

func (s *Store) getPayment(ctx context.Context, sql, ref string) (ledger.Payment, error) {
	p, err := scanPayment(s.pool.QueryRow(ctx, sql, ref))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Payment{}, ledger.PaymentNotFound(ref)
	}
	if err != nil {
		return ledger.Payment{}, fmt.Errorf("get payment: %w", err)
	}
	return p, nil
}

func (s *Store) ListPayments(ctx context.Context, f ledger.PaymentFilter) ([]ledger.Payment, error) {
	w := where{}
	if f.OrderID != "" {
		w.add("order_id = $%d", f.OrderID)
	}
	if f.UserID != "" {
		w.add("order_id IN (SELECT id FROM orders WHERE user_id = $%d)", f.UserID)
	}
	if f.Status != "" {
		w.add("status = $%d", string(f.Status))
	}
	if f.Method != "" {
		w.add("method = $%d", string(f.Method))
	}
	if f.TransactionID != "" {
		w.add("transaction_id = $%d", f.TransactionID)
	}
	sql := `SELECT ` + paymentColumns + ` FROM payments` + w.String() + ` ORDER BY created_at DESC, id` + limitClause(f.Limit)
	rows, err := s.pool.Query(ctx, sql, w.args...)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (ledger.Payment, error) { return scanPayment(row) })
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	return out, nil
}

// UpdatePayment locks the payment's order and every payment of that order,
// applies fn, and writes the payment and order back in the same transaction.
func (s *Store) UpdatePayment(ctx context.Context, id string, fn ledger.PaymentMutation) (ledger.Snapshot, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return ledger.Snapshot{}, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	var orderID string
	err = tx.QueryRow(ctx, `SELECT order_id FROM payments WHERE id = $1`, id).Scan(&orderID)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Snapshot{}, ledger.PaymentNotFound(id)
	}
	if err != nil {
		return ledger.Snapshot{}, fmt.Errorf("resolve payment order: %w", err)
	}

	order, err := s.getOrder(ctx, tx, `SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, orderID)
	if err != nil {
		return ledger.Snapshot{}, err
	}
	payments, err := lockPayments(ctx, tx, orderID)
	if err != nil {
		return ledger.Snapshot{}, err
	}
	snap := ledger.Snapshot{Order: order, Payments: payments}
	found := false
	for _, p := range payments {
		if p.ID == id {
			snap.Payment = p
			found = true
		}
	}
	if !found {
		return ledger.Snapshot{}, ledger.PaymentNotFound(id)
	}

	if err := fn(&snap); err != nil {
		return ledger.Snapshot{}, err
	}

	now := s.nowFunc().UTC()
	p := &snap.Payment
	p.Version++
	p.UpdatedAt = now
	_, err = tx.Exec(ctx, `UPDATE payments SET status = $2, refunded_amount = $3, transaction_id = $4,
		authorization_code = $5, error_message = $6, authorized_at = $7, captured_at = $8, completed_at = $9,
		refunded_at = $10, metadata = $11, version = $12, updated_at = $13
		WHERE id = $1`,
		p.ID, p.Status, p.RefundedAmount, p.TransactionID, p.AuthorizationCode, p.ErrorMessage,
		p.AuthorizedAt, p.CapturedAt, p.CompletedAt, p.RefundedAt, p.Metadata, p.Version, p.UpdatedAt)
	if err != nil {
		return ledger.Snapshot{}, fmt.Errorf("update payment: %w", err)
	}
	if err := writeOrder(ctx, tx, &snap.Order, now); err != nil {
		return ledger.Snapshot{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return ledger.Snapshot{}, fmt.Errorf("commit payment update: %w", err)
	}
	snap.Payments = snap.OrderPayments()
	return snap, nil
}

func (s *Store) AppendDetails(ctx context.Context, details ...ledger.PaymentDetail) error {
	if len(details) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, d := range details {
		batch.Queue(`INSERT INTO payment_details (id, payment_id, detail_type, key, value, data, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7)`,
			d.ID, d.PaymentID, d.DetailType, d.Key, d.Value, d.Data, d.CreatedAt)
	}
	err := s.pool.SendBatch(ctx, batch).Close()
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == codeForeignKeyViolation {
		return ledger.PaymentNotFound(details[0].PaymentID)
	}
	if err != nil {
		return fmt.Errorf("append details: %w", err)
	}
	return nil
}

func (s *Store) ListDetails(ctx context.Context, paymentID string) ([]ledger.PaymentDetail, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, payment_id, detail_type, key, value, data, created_at
		FROM payment_details WHERE payment_id = $1 ORDER BY seq`, paymentID)
	if err != nil {
		return nil, fmt.Errorf("list details: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (ledger.PaymentDetail, error) {
		var d ledger.PaymentDetail
		err := row.Scan(&d.ID, &d.PaymentID, &d.DetailType, &d.Key, &d.Value, &d.Data, &d.CreatedAt)
		return d, err
	})
}

func (s *Store) exists(ctx context.Context, sql, arg string) (bool, error) {
	var ok bool
	if err := s.pool.QueryRow(ctx, sql, arg).Scan(&ok); err != nil {
		return false, fmt.Errorf("check number: %w", err)
	}
	return ok, nil
}

func writeOrder(ctx context.Context, tx pgx.Tx, o *ledger.Order, now time.Time) error {
	o.Version++
	o.UpdatedAt = now
	_, err := tx.Exec(ctx, `UPDATE orders SET status = $2, subtotal = $3, tax = $4, shipping = $5, discount = $6,
		total = $7, customer_notes = $8, admin_notes = $9, metadata = $10, version = $11, updated_at = $12
		WHERE id = $1`,
		o.ID, o.Status, o.Subtotal, o.Tax, o.Shipping, o.Discount, o.Total, o.CustomerNotes, o.AdminNotes,
		o.Metadata, o.Version, o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update order: %w", err)
	}
	return nil
}

// lockPayments must run after the order row is locked.
func lockPayments(ctx context.Context, tx pgx.Tx, orderID string) ([]ledger.Payment, error) {
	rows, err := tx.Query(ctx, `SELECT `+paymentColumns+` FROM payments WHERE order_id = $1
		ORDER BY created_at, id FOR UPDATE`, orderID)
	if err != nil {
		return nil, fmt.Errorf("lock payments: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (ledger.Payment, error) { return scanPayment(row) })
}

func loadLines(ctx context.Context, q querier, orderIDs []string) (map[string][]ledger.OrderLine, error) {
	rows, err := q.Query(ctx, `SELECT `+lineColumns+` FROM order_lines WHERE order_id = ANY($1) ORDER BY order_id, position`, orderIDs)
	if err != nil {
		return nil, fmt.Errorf("load order lines: %w", err)
	}
	lines, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (ledger.OrderLine, error) {
		var l ledger.OrderLine
		err := row.Scan(&l.ID, &l.OrderID, &l.Position, &l.ItemType, &l.ItemID, &l.ItemName, &l.SKU, &l.Quantity,
			&l.UnitPrice, &l.Subtotal, &l.Tax, &l.Discount, &l.Total, &l.Metadata)
		return l, err
	})
	if err != nil {
		return nil, fmt.Errorf("load order lines: %w", err)
	}
	out := make(map[string][]ledger.OrderLine, len(orderIDs))
	for _, l := range lines {
		out[l.OrderID] = append(out[l.OrderID], l)
	}
	return out, nil
}

func scanOrder(row pgx.Row) (ledger.Order, error) {
	var o ledger.Order
	err := row.Scan(&o.ID, &o.UserID, &o.OrderNumber, &o.Status, &o.Currency, &o.Subtotal, &o.Tax, &o.Shipping,
		&o.Discount, &o.Total, &o.Adjustments.Shipping, &o.Adjustments.Discount, &o.Adjustments.Tax,
		&o.CustomerNotes, &o.AdminNotes, &o.Metadata, &o.Version, &o.CreatedAt, &o.UpdatedAt)
	o.CreatedAt = o.CreatedAt.UTC()
	o.UpdatedAt = o.UpdatedAt.UTC()
	return o, err
}

func scanPayment(row pgx.Row) (ledger.Payment, error) {
	var p ledger.Payment
	err := row.Scan(&p.ID, &p.OrderID, &p.PaymentNumber, &p.Method, &p.Status, &p.Amount, &p.RefundedAmount,
		&p.Currency, &p.TransactionID, &p.AuthorizationCode, &p.ErrorMessage, &p.AuthorizedAt, &p.CapturedAt,
		&p.CompletedAt, &p.RefundedAt, &p.Metadata, &p.Version, &p.CreatedAt, &p.UpdatedAt)
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return p, err
}

func mapWriteError(err error, op string) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation {
		return fmt.Errorf("%s: %w", op, ledger.ErrDuplicateNumber)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// where accumulates AND-ed conditions with positional arguments.
type where struct {
	conds []string
	args  []any
}

func (w *where) add(cond string, arg any) {
	w.args = append(w.args, arg)
	w.conds = append(w.conds, fmt.Sprintf(cond, len(w.args)))
}

func (w *where) String() string {
	if len(w.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.conds, " AND ")
}

func limitClause(n int) string {
	if n <= 0 {
		return ""
	}
	return fmt.Sprintf(" LIMIT %d", n)
}
