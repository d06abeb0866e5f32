// Package supervisor orchestrates one ChainIndexer per configured
// chain: registering chains, running them concurrently, and isolating
// failures so one chain going down never stops the others.
package supervisor

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/9mm-exchange/evm-transfer-indexer/internal/chainindexer"
	"github.com/9mm-exchange/evm-transfer-indexer/internal/config"
	"github.com/9mm-exchange/evm-transfer-indexer/internal/logging"
	"github.com/9mm-exchange/evm-transfer-indexer/internal/rpcclient"
	"github.com/9mm-exchange/evm-transfer-indexer/internal/store"
)

// Supervisor owns the lifecycle of every chain's indexer.
type Supervisor struct {
	store    *store.Store
	settings *config.Settings
	log      zerolog.Logger

	mu       sync.Mutex
	indexers map[int64]*chainindexer.ChainIndexer
	clients  map[int64]*rpcclient.Client

	wg sync.WaitGroup
}

// New constructs a Supervisor over the given store and settings. Call
// Initialize before SyncAll.
func New(s *store.Store, settings *config.Settings) *Supervisor {
	return &Supervisor{
		store:    s,
		settings: settings,
		log:      logging.WithComponent("supervisor"),
		indexers: make(map[int64]*chainindexer.ChainIndexer),
		clients:  make(map[int64]*rpcclient.Client),
	}
}

// Initialize registers every configured chain and constructs its
// ChainIndexer, dialing each chain's RPC endpoint.
func (sv *Supervisor) Initialize(ctx context.Context) error {
	sv.log.Info().Int("chains", len(sv.settings.Chains)).Msg("initializing chain indexers")
	for _, cc := range sv.settings.Chains {
		if err := sv.AddChain(ctx, cc); err != nil {
			return fmt.Errorf("initialize chain %d: %w", cc.ChainID, err)
		}
	}
	return nil
}

// AddChain registers a new chain and builds its indexer without
// disturbing chains already running. It is not exposed over HTTP; it
// exists so an operator (or a future admin surface) can hot-add a
// chain to a running supervisor.
func (sv *Supervisor) AddChain(ctx context.Context, cc config.ChainConfig) error {
	if err := sv.store.RegisterChain(ctx, store.ChainRecord{
		ChainID:      cc.ChainID,
		Name:         cc.ChainName,
		RPCURL:       cc.RPCURL,
		TokenAddress: cc.TokenAddress,
		StartBlock:   cc.StartBlock,
		IsActive:     true,
	}); err != nil {
		return err
	}

	client, err := rpcclient.Dial(ctx, cc.ChainID, cc.RPCURL, cc.TokenAddress)
	if err != nil {
		return err
	}

	indexer, err := chainindexer.New(ctx, cc, sv.settings.BatchSize, sv.store, client)
	if err != nil {
		client.Close()
		return err
	}

	sv.mu.Lock()
	sv.indexers[cc.ChainID] = indexer
	sv.clients[cc.ChainID] = client
	sv.mu.Unlock()

	sv.log.Info().Int64("chain_id", cc.ChainID).Str("chain_name", cc.ChainName).
		Str("token", cc.TokenAddress).Int64("start_block", cc.StartBlock).
		Msg("registered chain")
	return nil
}

// SyncAll launches every indexer concurrently and blocks until ctx is
// canceled or Stop is called. A single chain's failure is logged and
// does not bring down its siblings.
func (sv *Supervisor) SyncAll(ctx context.Context) {
	sv.mu.Lock()
	indexers := make(map[int64]*chainindexer.ChainIndexer, len(sv.indexers))
	for id, idx := range sv.indexers {
		indexers[id] = idx
	}
	sv.mu.Unlock()

	for chainID, indexer := range indexers {
		sv.wg.Add(1)
		go func(chainID int64, indexer *chainindexer.ChainIndexer) {
			defer sv.wg.Done()
			if err := indexer.Run(ctx); err != nil {
				sv.log.Error().Err(err).Int64("chain_id", chainID).Msg("chain indexer stopped with error")
			}
		}(chainID, indexer)
	}

	sv.wg.Wait()
}

// Stop signals every indexer to stop and waits for them to finish.
func (sv *Supervisor) Stop() {
	sv.mu.Lock()
	indexers := make([]*chainindexer.ChainIndexer, 0, len(sv.indexers))
	for _, idx := range sv.indexers {
		indexers = append(indexers, idx)
	}
	clients := make([]*rpcclient.Client, 0, len(sv.clients))
	for _, c := range sv.clients {
		clients = append(clients, c)
	}
	sv.mu.Unlock()

	for _, idx := range indexers {
		idx.Stop()
	}
	sv.wg.Wait()
	for _, c := range clients {
		c.Close()
	}
}

// Indexer returns the ChainIndexer for a chain, or nil if unknown.
func (sv *Supervisor) Indexer(chainID int64) *chainindexer.ChainIndexer {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return sv.indexers[chainID]
}

// ChainIDs returns every currently-registered chain ID.
func (sv *Supervisor) ChainIDs() []int64 {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	ids := make([]int64, 0, len(sv.indexers))
	for id := range sv.indexers {
		ids = append(ids, id)
	}
	return ids
}
