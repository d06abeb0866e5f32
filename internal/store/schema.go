package store

const schema = `
CREATE TABLE IF NOT EXISTS chains (
	chain_id      INTEGER PRIMARY KEY,
	name          TEXT NOT NULL,
	rpc_url       TEXT NOT NULL,
	token_address TEXT NOT NULL,
	start_block   INTEGER NOT NULL,
	is_active     INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS transfers (
	chain_id     INTEGER NOT NULL,
	tx_hash      TEXT NOT NULL,
	log_index    INTEGER NOT NULL,
	block_number INTEGER NOT NULL,
	from_address TEXT NOT NULL,
	to_address   TEXT NOT NULL,
	value        TEXT NOT NULL,
	PRIMARY KEY (chain_id, tx_hash, log_index)
);

CREATE INDEX IF NOT EXISTS idx_transfers_from ON transfers(chain_id, from_address);
CREATE INDEX IF NOT EXISTS idx_transfers_to ON transfers(chain_id, to_address);
CREATE INDEX IF NOT EXISTS idx_transfers_block ON transfers(chain_id, block_number);

CREATE TABLE IF NOT EXISTS address_types (
	chain_id INTEGER NOT NULL,
	address  TEXT NOT NULL,
	is_eoa   INTEGER NOT NULL,
	PRIMARY KEY (chain_id, address)
);

CREATE TABLE IF NOT EXISTS balances (
	chain_id INTEGER NOT NULL,
	address  TEXT NOT NULL,
	balance  TEXT NOT NULL,
	PRIMARY KEY (chain_id, address)
);

CREATE INDEX IF NOT EXISTS idx_balances_magnitude
	ON balances(chain_id, length(balance) DESC, balance DESC);

CREATE TABLE IF NOT EXISTS sync_state (
	chain_id                   INTEGER PRIMARY KEY,
	last_indexed_block         INTEGER NOT NULL,
	is_syncing                 INTEGER NOT NULL DEFAULT 0,
	last_balance_update_block  INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS smart_wallet_patterns (
	pattern_hex TEXT PRIMARY KEY
);
`

// defaultSmartWalletPatterns seeds smart_wallet_patterns on first
// run. The classifier reads the table, not this slice, so deployments
// can extend the set without a rebuild.
var defaultSmartWalletPatterns = []string{
	"0xef01",
	"0xef0100",
	"0x363d3d373d3d3d363d73",
}
