package sqlite

// Decimals are TEXT so they round-trip exactly; timestamps are RFC 3339
// TEXT in UTC.
const schemaDDL = `
CREATE TABLE IF NOT EXISTS markets (
	market_id          TEXT PRIMARY KEY,
	question           TEXT NOT NULL,
	description        TEXT NOT NULL DEFAULT '',
	category           TEXT NOT NULL DEFAULT '',
	status             TEXT NOT NULL,
	outcomes           TEXT NOT NULL,
	winning_outcome_id TEXT NOT NULL DEFAULT '',
	resolution_time    TEXT,
	created_at         TEXT NOT NULL,
	updated_at         TEXT NOT NULL,
	resolved_at        TEXT
);

CREATE TABLE IF NOT EXISTS orders (
	order_id      TEXT PRIMARY KEY,
	market_id     TEXT NOT NULL,
	outcome_id    TEXT NOT NULL,
	share_type    TEXT NOT NULL,
	side          TEXT NOT NULL,
	order_type    TEXT NOT NULL,
	price         TEXT NOT NULL,
	amount        TEXT NOT NULL,
	filled_amount TEXT NOT NULL,
	status        TEXT NOT NULL,
	user_address  TEXT NOT NULL,
	reserved_cash TEXT NOT NULL,
	notional      TEXT NOT NULL,
	fees_paid     TEXT NOT NULL,
	created_at    TEXT NOT NULL,
	updated_at    TEXT NOT NULL,
	cancelled_at  TEXT,
	expires_at    TEXT
);

CREATE INDEX IF NOT EXISTS idx_orders_resting
	ON orders (market_id, outcome_id, share_type, status, created_at);

CREATE TABLE IF NOT EXISTS trades (
	trade_id       TEXT PRIMARY KEY,
	market_id      TEXT NOT NULL,
	outcome_id     TEXT NOT NULL,
	share_type     TEXT NOT NULL,
	match_type     TEXT NOT NULL,
	price          TEXT NOT NULL,
	amount         TEXT NOT NULL,
	side           TEXT NOT NULL,
	fee            TEXT NOT NULL,
	maker_order_id TEXT NOT NULL,
	taker_order_id TEXT,
	maker_address  TEXT NOT NULL,
	taker_address  TEXT NOT NULL,
	executed_at    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS accounts (
	address TEXT PRIMARY KEY,
	balance TEXT NOT NULL DEFAULT '0'
);

CREATE TABLE IF NOT EXISTS positions (
	user_address TEXT NOT NULL,
	market_id    TEXT NOT NULL,
	outcome_id   TEXT NOT NULL,
	share_type   TEXT NOT NULL,
	amount       TEXT NOT NULL,
	avg_cost     TEXT NOT NULL,
	updated_at   TEXT NOT NULL,
	PRIMARY KEY (user_address, market_id, outcome_id, share_type)
);

CREATE TABLE IF NOT EXISTS ledger_entries (
	entry_id     TEXT PRIMARY KEY,
	user_address TEXT NOT NULL,
	kind         TEXT NOT NULL,
	reason       TEXT NOT NULL,
	delta        TEXT NOT NULL,
	ref          TEXT NOT NULL DEFAULT '',
	created_at   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS settlements (
	market_id       TEXT NOT NULL,
	user_address    TEXT NOT NULL,
	settlement_type TEXT NOT NULL,
	total_payout    TEXT NOT NULL,
	positions       TEXT NOT NULL,
	settled_at      TEXT NOT NULL,
	PRIMARY KEY (market_id, user_address)
);
`
