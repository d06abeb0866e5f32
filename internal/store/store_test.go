package store

import (
	"context"
	"math/big"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "indexer.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func mustRegisterChain(t *testing.T, s *Store, chainID int64) {
	t.Helper()
	ctx := context.Background()
	if err := s.RegisterChain(ctx, ChainRecord{
		ChainID: chainID, Name: "Test", RPCURL: "http://x", TokenAddress: "0xabc", StartBlock: 1,
	}); err != nil {
		t.Fatalf("RegisterChain: %v", err)
	}
}

func val(n int64) *big.Int { return big.NewInt(n) }

const (
	addrA = "0x1111111111111111111111111111111111111111"
	addrB = "0x2222222222222222222222222222222222222222"
)

// A mint followed by a transfer leaves both recipients with the
// expected balances and never creates a row for the zero address.
func TestScenarioMintThenTransfer(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustRegisterChain(t, s, 1)

	mint := []Transfer{{TxHash: "0xt1", LogIndex: 0, BlockNumber: 10, From: ZeroAddress, To: addrA, Value: val(100)}}
	if err := s.RunIndexBatch(ctx, 1, mint, 10); err != nil {
		t.Fatalf("batch1: %v", err)
	}
	xfer := []Transfer{{TxHash: "0xt2", LogIndex: 0, BlockNumber: 11, From: addrA, To: addrB, Value: val(30)}}
	if err := s.RunIndexBatch(ctx, 1, xfer, 11); err != nil {
		t.Fatalf("batch2: %v", err)
	}

	holders, err := s.GetHoldersWithBalances(ctx, 1, false)
	if err != nil {
		t.Fatalf("GetHoldersWithBalances: %v", err)
	}
	balances := map[string]string{}
	for _, h := range holders {
		balances[h.Address] = h.Balance
	}
	if balances[addrA] != "70" {
		t.Errorf("balance[A] = %s, want 70", balances[addrA])
	}
	if balances[addrB] != "30" {
		t.Errorf("balance[B] = %s, want 30", balances[addrB])
	}
	if _, ok := balances[ZeroAddress]; ok {
		t.Error("ZERO address must not appear in balances")
	}
	count, err := s.GetHolderCount(ctx, 1, false)
	if err != nil {
		t.Fatalf("GetHolderCount: %v", err)
	}
	if count != 2 {
		t.Errorf("holder count = %d, want 2", count)
	}
}

// Burning an address's full balance removes its row.
func TestScenarioBurnRemovesRow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustRegisterChain(t, s, 1)

	batch := []Transfer{
		{TxHash: "0xt1", LogIndex: 0, BlockNumber: 10, From: ZeroAddress, To: addrA, Value: val(100)},
		{TxHash: "0xt2", LogIndex: 0, BlockNumber: 11, From: addrA, To: addrB, Value: val(30)},
		{TxHash: "0xt3", LogIndex: 0, BlockNumber: 12, From: addrB, To: ZeroAddress, Value: val(30)},
	}
	if err := s.RunIndexBatch(ctx, 1, batch, 12); err != nil {
		t.Fatalf("batch: %v", err)
	}

	holders, err := s.GetHoldersWithBalances(ctx, 1, false)
	if err != nil {
		t.Fatalf("GetHoldersWithBalances: %v", err)
	}
	if len(holders) != 1 || holders[0].Address != addrA || holders[0].Balance != "70" {
		t.Fatalf("unexpected holders: %+v", holders)
	}
}

// Transferring an address's full balance away removes its row.
func TestScenarioNetZeroRemoves(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustRegisterChain(t, s, 1)

	batch := []Transfer{
		{TxHash: "0xt1", LogIndex: 0, BlockNumber: 10, From: ZeroAddress, To: addrA, Value: val(100)},
		{TxHash: "0xt2", LogIndex: 0, BlockNumber: 11, From: addrA, To: addrB, Value: val(30)},
		{TxHash: "0xt3", LogIndex: 0, BlockNumber: 13, From: addrA, To: addrB, Value: val(70)},
	}
	if err := s.RunIndexBatch(ctx, 1, batch, 13); err != nil {
		t.Fatalf("batch: %v", err)
	}

	holders, err := s.GetHoldersWithBalances(ctx, 1, false)
	if err != nil {
		t.Fatalf("GetHoldersWithBalances: %v", err)
	}
	if len(holders) != 1 || holders[0].Address != addrB || holders[0].Balance != "70" {
		t.Fatalf("unexpected holders: %+v", holders)
	}
}

// Re-processing a range after a crash before the checkpoint landed
// must leave transfers, balances, and the checkpoint as if it had
// been processed once.
func TestIdempotentReinsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustRegisterChain(t, s, 1)

	batch := []Transfer{{TxHash: "0xt1", LogIndex: 0, BlockNumber: 100, From: ZeroAddress, To: addrA, Value: val(50)}}

	// First "attempt": transfers+balances written, but imagine the
	// process died before the checkpoint commit landed durably; we
	// simulate by calling insert+balance update directly, without the
	// checkpoint, then re-running the full batch as the recovery path
	// would.
	if err := s.InsertTransfers(ctx, 1, batch); err != nil {
		t.Fatalf("InsertTransfers: %v", err)
	}
	if err := s.UpdateBalancesFromTransfers(ctx, 1, batch); err != nil {
		t.Fatalf("UpdateBalancesFromTransfers: %v", err)
	}

	if err := s.RunIndexBatch(ctx, 1, batch, 100); err != nil {
		t.Fatalf("reprocess batch: %v", err)
	}

	count, err := s.GetTransferCount(ctx, 1)
	if err != nil {
		t.Fatalf("GetTransferCount: %v", err)
	}
	if count != 1 {
		t.Fatalf("transfer count = %d, want 1 (idempotent insert)", count)
	}

	holders, err := s.GetHoldersWithBalances(ctx, 1, false)
	if err != nil {
		t.Fatalf("GetHoldersWithBalances: %v", err)
	}
	if len(holders) != 1 || holders[0].Balance != "50" {
		t.Fatalf("unexpected holders after reinsert: %+v", holders)
	}

	last, err := s.GetLastIndexedBlock(ctx, 1)
	if err != nil {
		t.Fatalf("GetLastIndexedBlock: %v", err)
	}
	if last != 100 {
		t.Fatalf("last indexed block = %d, want 100", last)
	}
}

// The checkpoint never moves backwards.
func TestCheckpointMonotonic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustRegisterChain(t, s, 1)

	if err := s.UpdateLastIndexedBlock(ctx, 1, 50); err != nil {
		t.Fatalf("update to 50: %v", err)
	}
	if err := s.UpdateLastIndexedBlock(ctx, 1, 10); err != nil {
		t.Fatalf("update to 10: %v", err)
	}
	last, err := s.GetLastIndexedBlock(ctx, 1)
	if err != nil {
		t.Fatalf("GetLastIndexedBlock: %v", err)
	}
	if last != 50 {
		t.Fatalf("checkpoint regressed to %d, want 50", last)
	}
}

// RebuildAllBalances must match the incremental result, regardless of
// batching, for positive balances.
func TestRebuildMatchesIncremental(t *testing.T) {
	ctx := context.Background()
	transfers := []Transfer{
		{TxHash: "0xt1", LogIndex: 0, BlockNumber: 1, From: ZeroAddress, To: addrA, Value: val(1000)},
		{TxHash: "0xt2", LogIndex: 0, BlockNumber: 2, From: addrA, To: addrB, Value: val(400)},
		{TxHash: "0xt3", LogIndex: 0, BlockNumber: 3, From: addrB, To: addrA, Value: val(100)},
	}

	incremental := newTestStore(t)
	mustRegisterChain(t, incremental, 1)
	for _, tr := range transfers {
		if err := incremental.RunIndexBatch(ctx, 1, []Transfer{tr}, int64(tr.BlockNumber)); err != nil {
			t.Fatalf("incremental batch: %v", err)
		}
	}

	rebuilt := newTestStore(t)
	mustRegisterChain(t, rebuilt, 1)
	if err := rebuilt.InsertTransfers(ctx, 1, transfers); err != nil {
		t.Fatalf("insert all: %v", err)
	}
	if err := rebuilt.RebuildAllBalances(ctx, 1); err != nil {
		t.Fatalf("rebuild: %v", err)
	}

	want, err := incremental.GetHoldersWithBalances(ctx, 1, false)
	if err != nil {
		t.Fatalf("incremental holders: %v", err)
	}
	got, err := rebuilt.GetHoldersWithBalances(ctx, 1, false)
	if err != nil {
		t.Fatalf("rebuilt holders: %v", err)
	}

	toMap := func(hs []Holder) map[string]string {
		m := map[string]string{}
		for _, h := range hs {
			m[h.Address] = h.Balance
		}
		return m
	}
	wantMap, gotMap := toMap(want), toMap(got)
	if len(wantMap) != len(gotMap) {
		t.Fatalf("holder set size mismatch: want %v got %v", wantMap, gotMap)
	}
	for addr, bal := range wantMap {
		if gotMap[addr] != bal {
			t.Errorf("address %s: incremental=%s rebuilt=%s", addr, bal, gotMap[addr])
		}
	}
}

// EOA-only holder queries exclude addresses not yet classified; they
// are never assumed to be EOAs.
func TestEOAOnlyExcludesUnclassified(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustRegisterChain(t, s, 1)

	mint := []Transfer{{TxHash: "0xt1", LogIndex: 0, BlockNumber: 1, From: ZeroAddress, To: addrA, Value: val(10)}}
	if err := s.RunIndexBatch(ctx, 1, mint, 1); err != nil {
		t.Fatalf("batch: %v", err)
	}

	holders, err := s.GetHoldersWithBalances(ctx, 1, true)
	if err != nil {
		t.Fatalf("GetHoldersWithBalances(eoaOnly): %v", err)
	}
	if len(holders) != 0 {
		t.Fatalf("expected no EOA holders before classification, got %+v", holders)
	}

	if err := s.BatchSetAddressTypes(ctx, 1, []AddressClassification{{Address: addrA, IsEOA: true}}); err != nil {
		t.Fatalf("BatchSetAddressTypes: %v", err)
	}

	holders, err = s.GetHoldersWithBalances(ctx, 1, true)
	if err != nil {
		t.Fatalf("GetHoldersWithBalances(eoaOnly) after classify: %v", err)
	}
	if len(holders) != 1 || holders[0].Address != addrA {
		t.Fatalf("unexpected EOA holders: %+v", holders)
	}
}

// Balance ordering is numeric, not lexicographic, across wildly
// different magnitudes.
func TestHolderOrderingIsNumeric(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustRegisterChain(t, s, 1)

	big1, _ := new(big.Int).SetString("9000000000000000000", 10) // 9e18, 19 digits
	small, _ := new(big.Int).SetString("200", 10)

	batch := []Transfer{
		{TxHash: "0xt1", LogIndex: 0, BlockNumber: 1, From: ZeroAddress, To: addrA, Value: small},
		{TxHash: "0xt2", LogIndex: 1, BlockNumber: 1, From: ZeroAddress, To: addrB, Value: big1},
	}
	if err := s.RunIndexBatch(ctx, 1, batch, 1); err != nil {
		t.Fatalf("batch: %v", err)
	}

	holders, err := s.GetHoldersWithBalances(ctx, 1, false)
	if err != nil {
		t.Fatalf("GetHoldersWithBalances: %v", err)
	}
	if len(holders) != 2 || holders[0].Address != addrB {
		t.Fatalf("expected addrB (larger balance) first, got %+v", holders)
	}
}

// Unchecked address discovery excludes ZERO and previously classified
// addresses.
func TestGetUncheckedAddresses(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustRegisterChain(t, s, 1)

	batch := []Transfer{{TxHash: "0xt1", LogIndex: 0, BlockNumber: 1, From: ZeroAddress, To: addrA, Value: val(1)}}
	if err := s.InsertTransfers(ctx, 1, batch); err != nil {
		t.Fatalf("InsertTransfers: %v", err)
	}

	unchecked, err := s.GetUncheckedAddresses(ctx, 1)
	if err != nil {
		t.Fatalf("GetUncheckedAddresses: %v", err)
	}
	if len(unchecked) != 1 || unchecked[0] != addrA {
		t.Fatalf("unexpected unchecked addresses: %+v", unchecked)
	}

	if err := s.BatchSetAddressTypes(ctx, 1, []AddressClassification{{Address: addrA, IsEOA: true}}); err != nil {
		t.Fatalf("BatchSetAddressTypes: %v", err)
	}
	unchecked, err = s.GetUncheckedAddresses(ctx, 1)
	if err != nil {
		t.Fatalf("GetUncheckedAddresses after classify: %v", err)
	}
	if len(unchecked) != 0 {
		t.Fatalf("expected no unchecked addresses left, got %+v", unchecked)
	}
}

// recheck_smart_wallets only ever promotes contract -> EOA.
func TestPromoteContractsToEOAIsOneWay(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustRegisterChain(t, s, 1)

	if err := s.BatchSetAddressTypes(ctx, 1, []AddressClassification{
		{Address: addrA, IsEOA: false},
		{Address: addrB, IsEOA: true},
	}); err != nil {
		t.Fatalf("BatchSetAddressTypes: %v", err)
	}

	if err := s.PromoteContractsToEOA(ctx, 1, []string{addrA, addrB}); err != nil {
		t.Fatalf("PromoteContractsToEOA: %v", err)
	}

	contracts, err := s.GetContractAddresses(ctx, 1)
	if err != nil {
		t.Fatalf("GetContractAddresses: %v", err)
	}
	if len(contracts) != 0 {
		t.Fatalf("expected addrA promoted to EOA, still contract: %+v", contracts)
	}
}

func TestSmartWalletPatternsSeeded(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	patterns, err := s.GetSmartWalletPatterns(ctx)
	if err != nil {
		t.Fatalf("GetSmartWalletPatterns: %v", err)
	}
	if len(patterns) != len(defaultSmartWalletPatterns) {
		t.Fatalf("expected %d seeded patterns, got %d", len(defaultSmartWalletPatterns), len(patterns))
	}
}
