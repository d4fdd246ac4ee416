package postgres

// schemaDDL creates the ledger tables when they are missing. Deployments
// manage the schema with their own migrations; EnsureSchema runs at startup
// when postgres.auto_migrate is set, for local runs and integration tests.
const schemaDDL = `
CREATE TABLE IF NOT EXISTS orders (
	id              TEXT PRIMARY KEY,
	user_id         TEXT NOT NULL,
	order_number    TEXT NOT NULL UNIQUE,
	status          TEXT NOT NULL,
	currency        CHAR(3) NOT NULL,
	subtotal        NUMERIC(14,2) NOT NULL,
	tax             NUMERIC(14,2) NOT NULL,
	shipping        NUMERIC(14,2) NOT NULL,
	discount        NUMERIC(14,2) NOT NULL,
	total           NUMERIC(14,2) NOT NULL,
	adj_shipping    NUMERIC(14,2) NOT NULL DEFAULT 0,
	adj_discount    NUMERIC(14,2) NOT NULL DEFAULT 0,
	adj_tax         NUMERIC(14,2) NOT NULL DEFAULT 0,
	customer_notes  TEXT NOT NULL DEFAULT '',
	admin_notes     TEXT NOT NULL DEFAULT '',
	metadata        JSONB,
	version         BIGINT NOT NULL DEFAULT 0,
	created_at      TIMESTAMPTZ NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS orders_user_idx ON orders (user_id, created_at DESC);

CREATE TABLE IF NOT EXISTS order_lines (
	id          TEXT PRIMARY KEY,
	order_id    TEXT NOT NULL REFERENCES orders(id) ON DELETE CASCADE,
	position    INT NOT NULL,
	item_type   TEXT NOT NULL,
	item_id     TEXT NOT NULL DEFAULT '',
	item_name   TEXT NOT NULL,
	sku         TEXT NOT NULL DEFAULT '',
	quantity    INT NOT NULL CHECK (quantity > 0),
	unit_price  NUMERIC(14,2) NOT NULL CHECK (unit_price >= 0),
	subtotal    NUMERIC(14,2) NOT NULL,
	tax         NUMERIC(14,2) NOT NULL,
	discount    NUMERIC(14,2) NOT NULL,
	total       NUMERIC(14,2) NOT NULL,
	metadata    JSONB
);
CREATE INDEX IF NOT EXISTS order_lines_order_idx ON order_lines (order_id, position);

CREATE TABLE IF NOT EXISTS payments (
	id                  TEXT PRIMARY KEY,
	order_id            TEXT NOT NULL REFERENCES orders(id) ON DELETE CASCADE,
	payment_number      TEXT NOT NULL UNIQUE,
	method              TEXT NOT NULL,
	status              TEXT NOT NULL,
	amount              NUMERIC(14,2) NOT NULL,
	refunded_amount     NUMERIC(14,2) NOT NULL DEFAULT 0,
	currency            CHAR(3) NOT NULL,
	transaction_id      TEXT NOT NULL DEFAULT '',
	authorization_code  TEXT NOT NULL DEFAULT '',
	error_message       TEXT NOT NULL DEFAULT '',
	authorized_at       TIMESTAMPTZ,
	captured_at         TIMESTAMPTZ,
	completed_at        TIMESTAMPTZ,
	refunded_at         TIMESTAMPTZ,
	metadata            JSONB,
	version             BIGINT NOT NULL DEFAULT 0,
	created_at          TIMESTAMPTZ NOT NULL,
	updated_at          TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS payments_order_idx ON payments (order_id, created_at);
CREATE INDEX IF NOT EXISTS payments_txn_idx ON payments (transaction_id) WHERE transaction_id <> '';

CREATE TABLE IF NOT EXISTS payment_details (
	seq          BIGSERIAL PRIMARY KEY,
	id           TEXT NOT NULL UNIQUE,
	payment_id   TEXT NOT NULL REFERENCES payments(id) ON DELETE CASCADE,
	detail_type  TEXT NOT NULL,
	key          TEXT NOT NULL,
	value        TEXT NOT NULL DEFAULT '',
	data         JSONB,
	created_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS payment_details_payment_idx ON payment_details (payment_id, seq);
`
