package api

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/9mm-exchange/evm-transfer-indexer/internal/config"
	"github.com/9mm-exchange/evm-transfer-indexer/internal/store"
	"github.com/9mm-exchange/evm-transfer-indexer/internal/supervisor"
)

func newTestServer(t *testing.T) (*Server, *store.Store) {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(filepath.Join(dir, "indexer.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	sv := supervisor.New(s, &config.Settings{})
	return NewServer(":0", s, sv), s
}

func seedChainWithHolder(t *testing.T, s *store.Store) {
	t.Helper()
	ctx := context.Background()
	if err := s.RegisterChain(ctx, store.ChainRecord{
		ChainID: 1, Name: "Ethereum", RPCURL: "http://x", TokenAddress: "0xabc", StartBlock: 1,
	}); err != nil {
		t.Fatalf("RegisterChain: %v", err)
	}
	err := s.RunIndexBatch(ctx, 1, []store.Transfer{
		{
			TxHash: "0xaaa", LogIndex: 0, BlockNumber: 5,
			From: "0x0000000000000000000000000000000000000000",
			To:   "0x1111111111111111111111111111111111111111",
			Value: big.NewInt(100),
		},
	}, 5)
	if err != nil {
		t.Fatalf("RunIndexBatch: %v", err)
	}
}

func doGet(t *testing.T, srv *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rr := httptest.NewRecorder()
	srv.router.ServeHTTP(rr, req)
	return rr
}

func TestHandleChains(t *testing.T) {
	srv, s := newTestServer(t)
	seedChainWithHolder(t, s)

	rr := doGet(t, srv, "/chains")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	var resp ChainsResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(resp.Chains) != 1 || resp.Chains[0].ChainID != 1 {
		t.Errorf("unexpected chains: %+v", resp.Chains)
	}
}

func TestHandleHoldersRequiresChainID(t *testing.T) {
	srv, _ := newTestServer(t)
	rr := doGet(t, srv, "/holders")
	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rr.Code)
	}
}

func TestHandleHoldersUnknownChain(t *testing.T) {
	srv, _ := newTestServer(t)
	rr := doGet(t, srv, "/holders?chain_id=999")
	if rr.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rr.Code)
	}
}

func TestHandleHoldersReturnsBalances(t *testing.T) {
	srv, s := newTestServer(t)
	seedChainWithHolder(t, s)

	rr := doGet(t, srv, "/holders?chain_id=1")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rr.Code, rr.Body.String())
	}
	var resp HoldersResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.HolderCount != 1 || resp.Holders[0].Balance != "100" {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestHandleHealth(t *testing.T) {
	srv, s := newTestServer(t)
	seedChainWithHolder(t, s)

	rr := doGet(t, srv, "/health")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var resp HealthResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Status != "healthy" || len(resp.Chains) != 1 {
		t.Errorf("unexpected health response: %+v", resp)
	}
}

func TestHandleStatsAggregatesWhenNoChainID(t *testing.T) {
	srv, s := newTestServer(t)
	seedChainWithHolder(t, s)

	rr := doGet(t, srv, "/stats")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rr.Code, rr.Body.String())
	}
	var resp MultiChainStats
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(resp.Chains) != 1 || resp.Chains[0].TotalTransfersIndexed != 1 {
		t.Errorf("unexpected stats response: %+v", resp)
	}
}
