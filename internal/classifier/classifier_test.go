package classifier

import (
	"context"
	"math/big"
	"path/filepath"
	"testing"

	"github.com/9mm-exchange/evm-transfer-indexer/internal/store"
)

const (
	addrEOA      = "0x1111111111111111111111111111111111111111"
	addrContract = "0x2222222222222222222222222222222222222222"
	addrWallet   = "0x3333333333333333333333333333333333333333"
)

type fakeCodeFetcher struct {
	codes map[string]string
	err   error
}

func (f *fakeCodeFetcher) BatchGetCode(ctx context.Context, addresses []string) (map[string]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[string]string, len(addresses))
	for _, a := range addresses {
		out[a] = f.codes[a]
	}
	return out, nil
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(filepath.Join(dir, "indexer.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func mustSeedTransfer(t *testing.T, s *store.Store, chainID int64, from, to string) {
	t.Helper()
	ctx := context.Background()
	if err := s.RegisterChain(ctx, store.ChainRecord{
		ChainID: chainID, Name: "Test", RPCURL: "http://x", TokenAddress: "0xabc", StartBlock: 1,
	}); err != nil {
		t.Fatalf("RegisterChain: %v", err)
	}
	err := s.RunIndexBatch(ctx, chainID, []store.Transfer{
		{TxHash: "0xdead", LogIndex: 0, BlockNumber: 5, From: from, To: to, Value: big.NewInt(100)},
	}, 5)
	if err != nil {
		t.Fatalf("RunIndexBatch: %v", err)
	}
}

func TestClassifyUncheckedAssignsEOAAndContract(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	mustSeedTransfer(t, s, 1, addrEOA, addrContract)

	fetcher := &fakeCodeFetcher{codes: map[string]string{
		addrEOA:      "0x",
		addrContract: "0x6080604052",
	}}

	c, err := New(ctx, 1, s, fetcher)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.ClassifyUnchecked(ctx, nil); err != nil {
		t.Fatalf("ClassifyUnchecked: %v", err)
	}

	contracts, err := s.GetContractAddresses(ctx, 1)
	if err != nil {
		t.Fatalf("GetContractAddresses: %v", err)
	}
	if len(contracts) != 1 || contracts[0] != addrContract {
		t.Errorf("contracts = %v, want [%s]", contracts, addrContract)
	}

	unchecked, err := s.GetUncheckedAddresses(ctx, 1)
	if err != nil {
		t.Fatalf("GetUncheckedAddresses: %v", err)
	}
	if len(unchecked) != 0 {
		t.Errorf("expected no unchecked addresses left, got %v", unchecked)
	}
}

func TestClassifySmartWalletPatternTreatedAsEOA(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	mustSeedTransfer(t, s, 1, addrEOA, addrWallet)

	// 0xef01 is seeded as a default smart-wallet pattern.
	fetcher := &fakeCodeFetcher{codes: map[string]string{
		addrEOA:    "0x",
		addrWallet: "0xef0100aabbcc",
	}}

	c, err := New(ctx, 1, s, fetcher)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.ClassifyUnchecked(ctx, nil); err != nil {
		t.Fatalf("ClassifyUnchecked: %v", err)
	}

	contracts, err := s.GetContractAddresses(ctx, 1)
	if err != nil {
		t.Fatalf("GetContractAddresses: %v", err)
	}
	if len(contracts) != 0 {
		t.Errorf("expected smart-wallet address classified as EOA, got contracts %v", contracts)
	}
}

func TestClassifyUndeterminedIsConservativelyContract(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	mustSeedTransfer(t, s, 1, addrEOA, addrContract)

	// fetcher returns a map missing addrContract entirely, simulating a
	// lookup that could not be determined even after fallback.
	fetcher := &fakeCodeFetcher{codes: map[string]string{addrEOA: "0x"}}

	c, err := New(ctx, 1, s, fetcher)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.ClassifyUnchecked(ctx, nil); err != nil {
		t.Fatalf("ClassifyUnchecked: %v", err)
	}

	contracts, err := s.GetContractAddresses(ctx, 1)
	if err != nil {
		t.Fatalf("GetContractAddresses: %v", err)
	}
	if len(contracts) != 1 || contracts[0] != addrContract {
		t.Errorf("expected undetermined address treated as contract, got %v", contracts)
	}
}

func TestRecheckSmartWalletsPromotesOneWay(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	mustSeedTransfer(t, s, 1, addrEOA, addrContract)

	fetcher := &fakeCodeFetcher{codes: map[string]string{
		addrEOA:      "0x",
		addrContract: "0x6080604052",
	}}
	c, err := New(ctx, 1, s, fetcher)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.ClassifyUnchecked(ctx, nil); err != nil {
		t.Fatalf("ClassifyUnchecked: %v", err)
	}

	// A new pattern is added to the store that retroactively matches
	// the contract's bytecode prefix.
	fetcher.codes[addrContract] = "0x608060"
	if err := s.AddSmartWalletPattern(ctx, "0x6080"); err != nil {
		t.Fatalf("AddSmartWalletPattern: %v", err)
	}

	promoted, err := c.RecheckSmartWallets(ctx)
	if err != nil {
		t.Fatalf("RecheckSmartWallets: %v", err)
	}
	if promoted != 1 {
		t.Errorf("promoted = %d, want 1", promoted)
	}

	contracts, err := s.GetContractAddresses(ctx, 1)
	if err != nil {
		t.Fatalf("GetContractAddresses: %v", err)
	}
	if len(contracts) != 0 {
		t.Errorf("expected promoted address no longer a contract, got %v", contracts)
	}
}
