// Package store implements the embedded relational persistence layer:
// chains, transfers, balances, address classification, and sync state.
//
// All access goes through a single *sql.DB in WAL mode; write
// operations additionally serialize through a mutex so the three
// statements of one indexing batch (insert transfers, update
// balances, advance checkpoint) can be issued inside one *sql.Tx
// without interleaving with another chain's writer.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	_ "modernc.org/sqlite"
)

// ZeroAddress is the canonical EVM zero address. Mints and burns use
// it as a counterparty; it is never stored in balances or
// address_types.
const ZeroAddress = "0x0000000000000000000000000000000000000000"

// Transfer is one decoded ERC-20 Transfer log.
type Transfer struct {
	TxHash      string
	LogIndex    uint
	BlockNumber uint64
	From        string
	To          string
	Value       *big.Int
}

// ChainRecord mirrors the chains table.
type ChainRecord struct {
	ChainID      int64
	Name         string
	RPCURL       string
	TokenAddress string
	StartBlock   int64
	IsActive     bool
}

// SyncStateRecord mirrors the sync_state table.
type SyncStateRecord struct {
	ChainID                int64
	LastIndexedBlock       int64
	IsSyncing              bool
	LastBalanceUpdateBlock int64
}

// Holder is one (address, balance) row.
type Holder struct {
	Address string
	Balance string
}

// Store owns the single embedded database connection.
type Store struct {
	db      *sql.DB
	writeMu sync.Mutex
}

// Open creates (if needed) and opens the sqlite database at path,
// enables WAL journaling, and runs the schema migration.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("set %s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	s := &Store{db: db}
	if err := s.seedSmartWalletPatterns(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) seedSmartWalletPatterns() error {
	for _, p := range defaultSmartWalletPatterns {
		if _, err := s.db.Exec(
			`INSERT OR IGNORE INTO smart_wallet_patterns (pattern_hex) VALUES (?)`, p,
		); err != nil {
			return fmt.Errorf("seed smart wallet pattern %s: %w", p, err)
		}
	}
	return nil
}

// NormalizeAddress returns the canonical EIP-55 checksummed form.
func NormalizeAddress(addr string) string {
	return common.HexToAddress(addr).Hex()
}

// --- Chain operations -------------------------------------------------

// RegisterChain upserts a chain and creates its initial sync state if
// absent. Idempotent.
func (s *Store) RegisterChain(ctx context.Context, rec ChainRecord) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO chains (chain_id, name, rpc_url, token_address, start_block, is_active)
		VALUES (?, ?, ?, ?, ?, 1)
		ON CONFLICT(chain_id) DO UPDATE SET
			name = excluded.name,
			rpc_url = excluded.rpc_url,
			token_address = excluded.token_address,
			start_block = excluded.start_block,
			is_active = 1
	`, rec.ChainID, rec.Name, rec.RPCURL, rec.TokenAddress, rec.StartBlock); err != nil {
		return fmt.Errorf("upsert chain: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO sync_state (chain_id, last_indexed_block, is_syncing, last_balance_update_block)
		VALUES (?, ?, 0, 0)
	`, rec.ChainID, rec.StartBlock-1); err != nil {
		return fmt.Errorf("init sync state: %w", err)
	}

	return tx.Commit()
}

// GetAllChains returns all active chains.
func (s *Store) GetAllChains(ctx context.Context) ([]ChainRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT chain_id, name, rpc_url, token_address, start_block, is_active
		FROM chains WHERE is_active = 1 ORDER BY chain_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ChainRecord
	for rows.Next() {
		var r ChainRecord
		var active int
		if err := rows.Scan(&r.ChainID, &r.Name, &r.RPCURL, &r.TokenAddress, &r.StartBlock, &active); err != nil {
			return nil, err
		}
		r.IsActive = active != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetChainConfig returns one chain's configuration row, regardless of
// is_active (so deactivated chains remain directly addressable).
func (s *Store) GetChainConfig(ctx context.Context, chainID int64) (*ChainRecord, error) {
	var r ChainRecord
	var active int
	err := s.db.QueryRowContext(ctx, `
		SELECT chain_id, name, rpc_url, token_address, start_block, is_active
		FROM chains WHERE chain_id = ?
	`, chainID).Scan(&r.ChainID, &r.Name, &r.RPCURL, &r.TokenAddress, &r.StartBlock, &active)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r.IsActive = active != 0
	return &r, nil
}

// --- Transfer / balance operations -------------------------------------

// InsertTransfers bulk-inserts transfers, idempotent on
// (chain_id, tx_hash, log_index). Does not touch balances.
func (s *Store) InsertTransfers(ctx context.Context, chainID int64, items []Transfer) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := insertTransfersTx(ctx, tx, chainID, items); err != nil {
		return err
	}
	return tx.Commit()
}

func insertTransfersTx(ctx context.Context, tx *sql.Tx, chainID int64, items []Transfer) error {
	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO transfers
			(chain_id, tx_hash, log_index, block_number, from_address, to_address, value)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, t := range items {
		if _, err := stmt.ExecContext(ctx, chainID, t.TxHash, t.LogIndex, t.BlockNumber,
			t.From, t.To, t.Value.String()); err != nil {
			return fmt.Errorf("insert transfer %s/%d: %w", t.TxHash, t.LogIndex, err)
		}
	}
	return nil
}

// UpdateBalancesFromTransfers applies the signed per-address delta of
// items to the balances table, deleting rows that drop to zero or
// below. ZeroAddress is skipped on both sides.
func (s *Store) UpdateBalancesFromTransfers(ctx context.Context, chainID int64, items []Transfer) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := updateBalancesTx(ctx, tx, chainID, items); err != nil {
		return err
	}
	return tx.Commit()
}

func updateBalancesTx(ctx context.Context, tx *sql.Tx, chainID int64, items []Transfer) error {
	if len(items) == 0 {
		return nil
	}

	deltas := map[string]*big.Int{}
	applyDelta := func(addr string, amount *big.Int) {
		if addr == ZeroAddress {
			return
		}
		cur, ok := deltas[addr]
		if !ok {
			cur = new(big.Int)
			deltas[addr] = cur
		}
		cur.Add(cur, amount)
	}

	for _, t := range items {
		neg := new(big.Int).Neg(t.Value)
		applyDelta(t.From, neg)
		applyDelta(t.To, t.Value)
	}

	// Deterministic order for reproducible logs/tests.
	addrs := make([]string, 0, len(deltas))
	for a := range deltas {
		addrs = append(addrs, a)
	}
	sort.Strings(addrs)

	selectStmt, err := tx.PrepareContext(ctx, `SELECT balance FROM balances WHERE chain_id = ? AND address = ?`)
	if err != nil {
		return err
	}
	defer selectStmt.Close()

	upsertStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO balances (chain_id, address, balance) VALUES (?, ?, ?)
		ON CONFLICT(chain_id, address) DO UPDATE SET balance = excluded.balance
	`)
	if err != nil {
		return err
	}
	defer upsertStmt.Close()

	deleteStmt, err := tx.PrepareContext(ctx, `DELETE FROM balances WHERE chain_id = ? AND address = ?`)
	if err != nil {
		return err
	}
	defer deleteStmt.Close()

	for _, addr := range addrs {
		delta := deltas[addr]

		var current string
		err := selectStmt.QueryRowContext(ctx, chainID, addr).Scan(&current)
		curInt := new(big.Int)
		if err == nil {
			curInt.SetString(current, 10)
		} else if err != sql.ErrNoRows {
			return err
		}

		newBalance := new(big.Int).Add(curInt, delta)

		if newBalance.Sign() <= 0 {
			if _, err := deleteStmt.ExecContext(ctx, chainID, addr); err != nil {
				return err
			}
			continue
		}
		if _, err := upsertStmt.ExecContext(ctx, chainID, addr, newBalance.String()); err != nil {
			return err
		}
	}
	return nil
}

// RunIndexBatch commits the transfer inserts, balance deltas, and
// checkpoint advance for one batch inside a single transaction, with
// the checkpoint written last, so a crash mid-batch leaves the
// checkpoint behind the data and the range is simply re-processed.
func (s *Store) RunIndexBatch(ctx context.Context, chainID int64, items []Transfer, endBlock int64) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := insertTransfersTx(ctx, tx, chainID, items); err != nil {
		return err
	}
	if err := updateBalancesTx(ctx, tx, chainID, items); err != nil {
		return err
	}
	if len(items) > 0 {
		if _, err := tx.ExecContext(ctx, `
			UPDATE sync_state SET last_balance_update_block = ?
			WHERE chain_id = ? AND ? >= last_balance_update_block
		`, endBlock, chainID, endBlock); err != nil {
			return err
		}
	}
	if err := updateLastIndexedBlockTx(ctx, tx, chainID, endBlock); err != nil {
		return err
	}
	return tx.Commit()
}

// RebuildAllBalances recomputes the balances table from scratch from
// the transfers table, retaining only strictly positive balances.
func (s *Store) RebuildAllBalances(ctx context.Context, chainID int64) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM balances WHERE chain_id = ?`, chainID); err != nil {
		return err
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT from_address, to_address, value FROM transfers WHERE chain_id = ?
	`, chainID)
	if err != nil {
		return err
	}

	totals := map[string]*big.Int{}
	for rows.Next() {
		var from, to, valueStr string
		if err := rows.Scan(&from, &to, &valueStr); err != nil {
			rows.Close()
			return err
		}
		value := new(big.Int)
		value.SetString(valueStr, 10)

		if from != ZeroAddress {
			cur, ok := totals[from]
			if !ok {
				cur = new(big.Int)
				totals[from] = cur
			}
			cur.Sub(cur, value)
		}
		if to != ZeroAddress {
			cur, ok := totals[to]
			if !ok {
				cur = new(big.Int)
				totals[to] = cur
			}
			cur.Add(cur, value)
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	addrs := make([]string, 0, len(totals))
	for a := range totals {
		addrs = append(addrs, a)
	}
	sort.Strings(addrs)

	insertStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO balances (chain_id, address, balance) VALUES (?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer insertStmt.Close()

	for _, addr := range addrs {
		total := totals[addr]
		if total.Sign() <= 0 {
			continue
		}
		if _, err := insertStmt.ExecContext(ctx, chainID, addr, total.String()); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// --- Sync state operations ---------------------------------------------

// GetLastIndexedBlock returns the chain's current checkpoint.
func (s *Store) GetLastIndexedBlock(ctx context.Context, chainID int64) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT last_indexed_block FROM sync_state WHERE chain_id = ?`, chainID).Scan(&n)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return n, err
}

// UpdateLastIndexedBlock advances the checkpoint; the store never
// moves it backwards.
func (s *Store) UpdateLastIndexedBlock(ctx context.Context, chainID, n int64) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := updateLastIndexedBlockTx(ctx, tx, chainID, n); err != nil {
		return err
	}
	return tx.Commit()
}

func updateLastIndexedBlockTx(ctx context.Context, tx *sql.Tx, chainID, n int64) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE sync_state SET last_indexed_block = ?
		WHERE chain_id = ? AND ? >= last_indexed_block
	`, n, chainID, n)
	return err
}

// SetSyncing updates a chain's is_syncing flag.
func (s *Store) SetSyncing(ctx context.Context, chainID int64, syncing bool) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	v := 0
	if syncing {
		v = 1
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE sync_state SET is_syncing = ? WHERE chain_id = ?`, v, chainID)
	return err
}

// IsSyncing reports one chain's sync flag.
func (s *Store) IsSyncing(ctx context.Context, chainID int64) (bool, error) {
	var v int
	err := s.db.QueryRowContext(ctx,
		`SELECT is_syncing FROM sync_state WHERE chain_id = ?`, chainID).Scan(&v)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return v != 0, err
}

// IsAnySyncing reports whether any registered chain is syncing.
func (s *Store) IsAnySyncing(ctx context.Context) (bool, error) {
	var v int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sync_state WHERE is_syncing = 1`).Scan(&v)
	return v > 0, err
}

// GetSyncState returns the full sync_state row for a chain.
func (s *Store) GetSyncState(ctx context.Context, chainID int64) (*SyncStateRecord, error) {
	var r SyncStateRecord
	var syncing int
	err := s.db.QueryRowContext(ctx, `
		SELECT chain_id, last_indexed_block, is_syncing, last_balance_update_block
		FROM sync_state WHERE chain_id = ?
	`, chainID).Scan(&r.ChainID, &r.LastIndexedBlock, &syncing, &r.LastBalanceUpdateBlock)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r.IsSyncing = syncing != 0
	return &r, nil
}

// --- Address classification operations ----------------------------------

// GetUncheckedAddresses returns distinct from/to addresses with no
// address_types row yet, excluding ZeroAddress.
func (s *Store) GetUncheckedAddresses(ctx context.Context, chainID int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT address FROM (
			SELECT from_address AS address FROM transfers WHERE chain_id = ?
			UNION
			SELECT to_address AS address FROM transfers WHERE chain_id = ?
		)
		WHERE address != ?
		AND address NOT IN (
			SELECT address FROM address_types WHERE chain_id = ?
		)
	`, chainID, chainID, ZeroAddress, chainID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var addr string
		if err := rows.Scan(&addr); err != nil {
			return nil, err
		}
		out = append(out, addr)
	}
	return out, rows.Err()
}

// AddressClassification is one address's EOA/contract determination.
type AddressClassification struct {
	Address string
	IsEOA   bool
}

// BatchSetAddressTypes upserts classification results.
func (s *Store) BatchSetAddressTypes(ctx context.Context, chainID int64, results []AddressClassification) error {
	if len(results) == 0 {
		return nil
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO address_types (chain_id, address, is_eoa) VALUES (?, ?, ?)
		ON CONFLICT(chain_id, address) DO UPDATE SET is_eoa = excluded.is_eoa
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range results {
		v := 0
		if r.IsEOA {
			v = 1
		}
		if _, err := stmt.ExecContext(ctx, chainID, r.Address, v); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// PromoteContractsToEOA writes only contract->EOA transitions (never
// the reverse), for recheck_smart_wallets.
func (s *Store) PromoteContractsToEOA(ctx context.Context, chainID int64, addresses []string) error {
	if len(addresses) == 0 {
		return nil
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		UPDATE address_types SET is_eoa = 1
		WHERE chain_id = ? AND address = ? AND is_eoa = 0
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, addr := range addresses {
		if _, err := stmt.ExecContext(ctx, chainID, addr); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// GetContractAddresses returns all addresses currently classified as
// contract, for recheck_smart_wallets.
func (s *Store) GetContractAddresses(ctx context.Context, chainID int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT address FROM address_types WHERE chain_id = ? AND is_eoa = 0
	`, chainID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var addr string
		if err := rows.Scan(&addr); err != nil {
			return nil, err
		}
		out = append(out, addr)
	}
	return out, rows.Err()
}

// GetSmartWalletPatterns returns the configured smart-wallet prefix
// patterns, lower-cased.
func (s *Store) GetSmartWalletPatterns(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT pattern_hex FROM smart_wallet_patterns`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// AddSmartWalletPattern registers a new bytecode-prefix pattern that
// should be treated as an EOA for holder accounting, so deployments
// can extend the allowlist without a code change.
func (s *Store) AddSmartWalletPattern(ctx context.Context, patternHex string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO smart_wallet_patterns (pattern_hex) VALUES (?)`, patternHex)
	return err
}

// --- Read queries (serve the HTTP API) ----------------------------------

// GetHoldersWithBalances returns (address, balance) ordered by balance
// descending, optionally restricted to classified EOAs.
func (s *Store) GetHoldersWithBalances(ctx context.Context, chainID int64, eoaOnly bool) ([]Holder, error) {
	var rows *sql.Rows
	var err error
	if eoaOnly {
		rows, err = s.db.QueryContext(ctx, `
			SELECT b.address, b.balance
			FROM balances b
			INNER JOIN address_types at ON b.chain_id = at.chain_id AND b.address = at.address
			WHERE b.chain_id = ? AND at.is_eoa = 1
			ORDER BY length(b.balance) DESC, b.balance DESC
		`, chainID)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT address, balance FROM balances WHERE chain_id = ?
			ORDER BY length(balance) DESC, balance DESC
		`, chainID)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Holder
	for rows.Next() {
		var h Holder
		if err := rows.Scan(&h.Address, &h.Balance); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// GetHolderCount returns the number of positive-balance holders.
func (s *Store) GetHolderCount(ctx context.Context, chainID int64, eoaOnly bool) (int64, error) {
	var n int64
	var err error
	if eoaOnly {
		err = s.db.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM balances b
			INNER JOIN address_types at ON b.chain_id = at.chain_id AND b.address = at.address
			WHERE b.chain_id = ? AND at.is_eoa = 1
		`, chainID).Scan(&n)
	} else {
		err = s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM balances WHERE chain_id = ?`, chainID).Scan(&n)
	}
	return n, err
}

// GetTransferCount returns the total number of indexed transfers.
func (s *Store) GetTransferCount(ctx context.Context, chainID int64) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM transfers WHERE chain_id = ?`, chainID).Scan(&n)
	return n, err
}

// GetCheckedAddressCount returns how many addresses have a
// classification on record.
func (s *Store) GetCheckedAddressCount(ctx context.Context, chainID int64) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM address_types WHERE chain_id = ?`, chainID).Scan(&n)
	return n, err
}

// GetEOACount returns how many classified addresses are EOAs.
func (s *Store) GetEOACount(ctx context.Context, chainID int64) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM address_types WHERE chain_id = ? AND is_eoa = 1`, chainID).Scan(&n)
	return n, err
}
