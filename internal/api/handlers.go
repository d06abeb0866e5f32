package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/9mm-exchange/evm-transfer-indexer/internal/store"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	body, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"detail":"internal encoding error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, errorResponse{Detail: detail})
}

// cachedOrCompute serves a response from cache if present, otherwise
// computes it, caches the encoded body, and serves that.
func (s *Server) cachedOrCompute(w http.ResponseWriter, key string, compute func() (interface{}, int, error)) {
	if body, ok := s.cache.Get(key); ok {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write(body)
		return
	}

	v, status, err := compute()
	if err != nil {
		writeError(w, status, err.Error())
		return
	}

	body, err := json.Marshal(v)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal encoding error")
		return
	}
	if status == http.StatusOK {
		s.cache.Set(key, body)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}

func (s *Server) handleChains(w http.ResponseWriter, r *http.Request) {
	chains, err := s.store.GetAllChains(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to fetch chains")
		return
	}
	writeJSON(w, http.StatusOK, ChainsResponse{Chains: toChainInfos(chains)})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	chains, err := s.store.GetAllChains(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "Service unavailable")
		return
	}
	anySyncing, err := s.store.IsAnySyncing(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "Service unavailable")
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:     "healthy",
		Chains:     toChainInfos(chains),
		AnySyncing: anySyncing,
	})
}

func (s *Server) handleHolders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	chainIDStr := r.URL.Query().Get("chain_id")
	if chainIDStr == "" {
		writeError(w, http.StatusBadRequest, "chain_id is required")
		return
	}
	chainID, err := strconv.ParseInt(chainIDStr, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "chain_id must be an integer")
		return
	}
	includeContracts := r.URL.Query().Get("include_contracts") == "true"

	cacheKey := "holders:" + chainIDStr + ":" + r.URL.Query().Get("include_contracts")
	s.cachedOrCompute(w, cacheKey, func() (interface{}, int, error) {
		chain, err := s.store.GetChainConfig(ctx, chainID)
		if err != nil {
			return nil, http.StatusInternalServerError, errStr("Failed to fetch holder data")
		}
		if chain == nil {
			return nil, http.StatusNotFound, errStr("unknown chain_id")
		}

		holders, err := s.store.GetHoldersWithBalances(ctx, chainID, !includeContracts)
		if err != nil {
			return nil, http.StatusInternalServerError, errStr("Failed to fetch holder data")
		}
		syncState, err := s.store.GetSyncState(ctx, chainID)
		if err != nil {
			return nil, http.StatusInternalServerError, errStr("Failed to fetch holder data")
		}

		apiHolders := make([]Holder, len(holders))
		for i, h := range holders {
			apiHolders[i] = Holder{Address: h.Address, Balance: h.Balance}
		}

		return HoldersResponse{
			ChainID:          chain.ChainID,
			ChainName:        chain.Name,
			TokenAddress:     chain.TokenAddress,
			HolderCount:      len(apiHolders),
			LastIndexedBlock: syncState.LastIndexedBlock,
			SyncInProgress:   syncState.IsSyncing,
			Holders:          apiHolders,
		}, http.StatusOK, nil
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	chainIDStr := r.URL.Query().Get("chain_id")

	if chainIDStr != "" {
		chainID, err := strconv.ParseInt(chainIDStr, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "chain_id must be an integer")
			return
		}
		status, code, err := s.syncStatus(ctx, chainID)
		if err != nil {
			writeError(w, code, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, status)
		return
	}

	chains, err := s.store.GetAllChains(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to fetch sync status")
		return
	}
	all := make([]SyncStatus, 0, len(chains))
	for _, c := range chains {
		st, _, err := s.syncStatus(ctx, c.ChainID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to fetch sync status")
			return
		}
		all = append(all, st)
	}
	writeJSON(w, http.StatusOK, MultiChainSyncStatus{Chains: all})
}

func (s *Server) syncStatus(ctx context.Context, chainID int64) (SyncStatus, int, error) {
	chain, err := s.store.GetChainConfig(ctx, chainID)
	if err != nil {
		return SyncStatus{}, http.StatusInternalServerError, errStr("Failed to fetch sync status")
	}
	if chain == nil {
		return SyncStatus{}, http.StatusNotFound, errStr("unknown chain_id")
	}

	syncState, err := s.store.GetSyncState(ctx, chainID)
	if err != nil {
		return SyncStatus{}, http.StatusInternalServerError, errStr("Failed to fetch sync status")
	}
	addressesChecked, err := s.store.GetCheckedAddressCount(ctx, chainID)
	if err != nil {
		return SyncStatus{}, http.StatusInternalServerError, errStr("Failed to fetch sync status")
	}

	headBlock := syncState.LastIndexedBlock
	if indexer := s.sv.Indexer(chainID); indexer != nil {
		if head, err := indexer.CurrentHead(ctx); err == nil {
			headBlock = head
		} else {
			s.log.Warn().Err(err).Int64("chain_id", chainID).Msg("failed to read chain head for status")
		}
	}

	behind := headBlock - syncState.LastIndexedBlock
	if behind < 0 {
		behind = 0
	}

	return SyncStatus{
		ChainID:          chain.ChainID,
		ChainName:        chain.Name,
		LastIndexedBlock: syncState.LastIndexedBlock,
		ChainHeadBlock:   headBlock,
		BlocksBehind:     behind,
		IsSyncing:        syncState.IsSyncing,
		AddressesChecked: addressesChecked,
	}, http.StatusOK, nil
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	chainIDStr := r.URL.Query().Get("chain_id")

	if chainIDStr != "" {
		chainID, err := strconv.ParseInt(chainIDStr, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "chain_id must be an integer")
			return
		}
		s.cachedOrCompute(w, "stats:"+chainIDStr, func() (interface{}, int, error) {
			return s.chainStats(ctx, chainID)
		})
		return
	}

	s.cachedOrCompute(w, "stats:all", func() (interface{}, int, error) {
		chains, err := s.store.GetAllChains(ctx)
		if err != nil {
			return nil, http.StatusInternalServerError, errStr("Failed to fetch stats")
		}
		all := make([]ChainStats, 0, len(chains))
		for _, c := range chains {
			st, status, err := s.chainStats(ctx, c.ChainID)
			if err != nil {
				return nil, status, err
			}
			all = append(all, st.(ChainStats))
		}
		return MultiChainStats{Chains: all}, http.StatusOK, nil
	})
}

func (s *Server) chainStats(ctx context.Context, chainID int64) (interface{}, int, error) {
	chain, err := s.store.GetChainConfig(ctx, chainID)
	if err != nil {
		return nil, http.StatusInternalServerError, errStr("Failed to fetch stats")
	}
	if chain == nil {
		return nil, http.StatusNotFound, errStr("unknown chain_id")
	}

	transferCount, err := s.store.GetTransferCount(ctx, chainID)
	if err != nil {
		return nil, http.StatusInternalServerError, errStr("Failed to fetch stats")
	}
	eoaHolderCount, err := s.store.GetHolderCount(ctx, chainID, true)
	if err != nil {
		return nil, http.StatusInternalServerError, errStr("Failed to fetch stats")
	}
	addressesChecked, err := s.store.GetCheckedAddressCount(ctx, chainID)
	if err != nil {
		return nil, http.StatusInternalServerError, errStr("Failed to fetch stats")
	}
	eoaCount, err := s.store.GetEOACount(ctx, chainID)
	if err != nil {
		return nil, http.StatusInternalServerError, errStr("Failed to fetch stats")
	}
	syncState, err := s.store.GetSyncState(ctx, chainID)
	if err != nil {
		return nil, http.StatusInternalServerError, errStr("Failed to fetch stats")
	}

	return ChainStats{
		ChainID:                chain.ChainID,
		ChainName:              chain.Name,
		TokenAddress:           chain.TokenAddress,
		TotalTransfersIndexed:  transferCount,
		EOAHolderCount:         eoaHolderCount,
		TotalAddressesChecked:  addressesChecked,
		TotalEOAAddresses:      eoaCount,
		TotalContractAddresses: addressesChecked - eoaCount,
		LastIndexedBlock:       syncState.LastIndexedBlock,
		SyncInProgress:         syncState.IsSyncing,
		StartBlock:             chain.StartBlock,
	}, http.StatusOK, nil
}

func toChainInfos(chains []store.ChainRecord) []ChainInfo {
	out := make([]ChainInfo, len(chains))
	for i, c := range chains {
		out[i] = ChainInfo{
			ChainID:      c.ChainID,
			ChainName:    c.Name,
			TokenAddress: c.TokenAddress,
			StartBlock:   c.StartBlock,
			IsActive:     c.IsActive,
		}
	}
	return out
}

type errStr string

func (e errStr) Error() string { return string(e) }
