// Package chainindexer drives one chain's state machine: backfilling
// historical Transfer events, following the chain tip, and keeping
// balances and address classifications current.
package chainindexer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/9mm-exchange/evm-transfer-indexer/internal/classifier"
	"github.com/9mm-exchange/evm-transfer-indexer/internal/config"
	"github.com/9mm-exchange/evm-transfer-indexer/internal/logging"
	"github.com/9mm-exchange/evm-transfer-indexer/internal/rpcclient"
	"github.com/9mm-exchange/evm-transfer-indexer/internal/store"
)

// State names one node of the per-chain state machine.
type State string

const (
	StateInitializing State = "INITIALIZING"
	StateBackfill     State = "BACKFILL"
	StateTailFollow   State = "TAIL_FOLLOW"
	StateStopped      State = "STOPPED"
)

const (
	// MinBatch is the floor adaptive batch sizing will not shrink below.
	MinBatch = 100

	tailFollowInterval = 12 * time.Second
	batchPause         = 50 * time.Millisecond
	rangeErrorPause    = 1 * time.Second
	otherErrorPause    = 5 * time.Second
	maxConsecutiveErrs = 3
)

// defaultBatchSizes are the recommended per-chain starting batch
// sizes, reflecting observed provider limits.
var defaultBatchSizes = map[int64]int64{
	1:    1000,
	369:  2000,
	8453: 10000,
	146:  10000,
}

func defaultBatchSize(chainID, configuredDefault int64) int64 {
	if n, ok := defaultBatchSizes[chainID]; ok {
		return n
	}
	return configuredDefault
}

// LogFetcher fetches the chain head and transfer logs, and is the
// subset of rpcclient.Client a ChainIndexer depends on.
type LogFetcher interface {
	GetCurrentBlock(ctx context.Context) (uint64, error)
	GetLogs(ctx context.Context, fromBlock, toBlock uint64) ([]store.Transfer, error)
}

// Classifier is the subset of classifier.Classifier a ChainIndexer
// depends on, for post-batch address classification.
type Classifier interface {
	ClassifyUnchecked(ctx context.Context, stopped func() bool) error
}

// ChainIndexer runs the backfill/tail-follow state machine for a
// single chain.
type ChainIndexer struct {
	chainID int64
	cfg     config.ChainConfig

	store      *store.Store
	rpc        LogFetcher
	classifier Classifier

	batchSize         int64
	consecutiveErrors int

	state    atomic.Value // State
	stopped  chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once

	log zerolog.Logger
}

// New builds a ChainIndexer wired to live RPC and classification
// dependencies.
func New(ctx context.Context, cfg config.ChainConfig, configuredDefaultBatch int64, s *store.Store, client *rpcclient.Client) (*ChainIndexer, error) {
	c, err := classifier.New(ctx, cfg.ChainID, s, client)
	if err != nil {
		return nil, err
	}
	return NewWithDeps(cfg, configuredDefaultBatch, s, client, c), nil
}

// NewWithDeps builds a ChainIndexer from explicit dependencies, so
// tests can supply fakes for LogFetcher/Classifier.
func NewWithDeps(cfg config.ChainConfig, configuredDefaultBatch int64, s *store.Store, rpc LogFetcher, cl Classifier) *ChainIndexer {
	ci := &ChainIndexer{
		chainID:    cfg.ChainID,
		cfg:        cfg,
		store:      s,
		rpc:        rpc,
		classifier: cl,
		batchSize:  defaultBatchSize(cfg.ChainID, configuredDefaultBatch),
		stopped:    make(chan struct{}),
		stopCh:     make(chan struct{}),
		log:        logging.WithChain("chainindexer", cfg.ChainID),
	}
	ci.state.Store(StateInitializing)
	return ci
}

// State returns the current state node.
func (ci *ChainIndexer) State() State {
	return ci.state.Load().(State)
}

// CurrentHead reads the chain's current head block, for status
// reporting outside the indexing loop.
func (ci *ChainIndexer) CurrentHead(ctx context.Context) (int64, error) {
	head, err := ci.rpc.GetCurrentBlock(ctx)
	return int64(head), err
}

// Stop requests a graceful stop; it returns immediately and wakes any
// pending pacing sleep. The indexer finishes any in-flight batch
// commit before halting.
func (ci *ChainIndexer) Stop() {
	ci.stopOnce.Do(func() { close(ci.stopCh) })
}

// Stopped reports whether the indexer has reached StateStopped.
func (ci *ChainIndexer) Stopped() bool {
	select {
	case <-ci.stopped:
		return true
	default:
		return false
	}
}

func (ci *ChainIndexer) stopRequested() bool {
	select {
	case <-ci.stopCh:
		return true
	default:
		return false
	}
}

// Run executes the state machine until stopped or ctx is canceled. It
// is safe to call exactly once per ChainIndexer.
func (ci *ChainIndexer) Run(ctx context.Context) error {
	defer func() {
		ci.state.Store(StateStopped)
		close(ci.stopped)
	}()

	if err := ci.initialize(ctx); err != nil {
		return err
	}
	if err := ci.store.SetSyncing(ctx, ci.chainID, true); err != nil {
		return err
	}
	defer ci.store.SetSyncing(context.Background(), ci.chainID, false)

	for {
		if ci.stopRequested() || ctx.Err() != nil {
			return nil
		}

		lastIndexed, err := ci.store.GetLastIndexedBlock(ctx, ci.chainID)
		if err != nil {
			ci.log.Error().Err(err).Msg("failed to read checkpoint")
			if !ci.sleep(ctx, otherErrorPause) {
				return nil
			}
			continue
		}
		head, err := ci.rpc.GetCurrentBlock(ctx)
		if err != nil {
			ci.log.Error().Err(err).Msg("failed to read chain head")
			if !ci.sleep(ctx, tailFollowInterval) {
				return nil
			}
			continue
		}

		if int64(head) > lastIndexed {
			ci.state.Store(StateBackfill)
			ci.log.Info().Int64("from", lastIndexed+1).Uint64("to", head).
				Int64("behind", int64(head)-lastIndexed).Msg("indexing new blocks")

			if err := ci.indexRange(ctx, lastIndexed+1, int64(head)); err != nil {
				// The checkpoint was not advanced past the failed range, so
				// retrying from it loses nothing. The worker never exits on
				// an RPC or store failure; it pauses and re-reads its
				// checkpoint.
				ci.log.Error().Err(err).Msg("indexing failed, retrying from checkpoint")
				if !ci.sleep(ctx, otherErrorPause) {
					return nil
				}
				continue
			}
			if ci.classifier != nil {
				if err := ci.classifier.ClassifyUnchecked(ctx, ci.stopRequested); err != nil {
					ci.log.Error().Err(err).Msg("classification pass failed")
				}
			}
		} else {
			ci.state.Store(StateTailFollow)
			ci.log.Debug().Msg("up to date, waiting for new blocks")
		}

		if !ci.sleep(ctx, tailFollowInterval) {
			return nil
		}
	}
}

func (ci *ChainIndexer) initialize(ctx context.Context) error {
	ci.state.Store(StateInitializing)

	lastIndexed, err := ci.store.GetLastIndexedBlock(ctx, ci.chainID)
	if err != nil {
		return err
	}
	if lastIndexed < ci.cfg.StartBlock {
		lastIndexed = ci.cfg.StartBlock - 1
		if err := ci.store.UpdateLastIndexedBlock(ctx, ci.chainID, lastIndexed); err != nil {
			return err
		}
		ci.log.Info().Int64("start_block", ci.cfg.StartBlock).Msg("set initial checkpoint")
	}

	holderCount, err := ci.store.GetHolderCount(ctx, ci.chainID, false)
	if err != nil {
		return err
	}
	if holderCount == 0 && lastIndexed >= ci.cfg.StartBlock {
		ci.log.Info().Msg("rebuilding balances from existing transfers")
		if err := ci.store.RebuildAllBalances(ctx, ci.chainID); err != nil {
			return err
		}
	}
	return nil
}

// indexRange processes [start, end] in adaptively-sized batches, per
// the batch-processing steps: fetch logs, commit transfers/balances/
// checkpoint atomically, then pace.
func (ci *ChainIndexer) indexRange(ctx context.Context, start, end int64) error {
	cur := start
	for cur <= end {
		if ci.stopRequested() || ctx.Err() != nil {
			return nil
		}

		batchEnd := cur + ci.batchSize - 1
		if batchEnd > end {
			batchEnd = end
		}

		items, err := ci.rpc.GetLogs(ctx, uint64(cur), uint64(batchEnd))
		if err != nil {
			if ci.handleBatchError(ctx, err) {
				continue
			}
			return err
		}

		if err := ci.store.RunIndexBatch(ctx, ci.chainID, items, batchEnd); err != nil {
			return err
		}

		ci.log.Info().Int64("from", cur).Int64("to", batchEnd).Int("transfers", len(items)).
			Int64("batch_size", ci.batchSize).Msg("indexed block range")

		cur = batchEnd + 1
		ci.consecutiveErrors = 0

		if !ci.sleep(ctx, batchPause) {
			return nil
		}
	}
	return nil
}

// handleBatchError classifies a batch error, shrinks the batch size
// as needed, and returns true if the caller should retry the same
// range (false if it should propagate the error as fatal).
func (ci *ChainIndexer) handleBatchError(ctx context.Context, err error) bool {
	switch rpcclient.Classify(err) {
	case rpcclient.ClassRangeTooLarge:
		ci.shrinkBatch()
		ci.log.Warn().Err(err).Int64("batch_size", ci.batchSize).Msg("range too large, retrying with smaller batch")
		return ci.sleep(ctx, rangeErrorPause)
	case rpcclient.ClassTransient:
		ci.consecutiveErrors++
		ci.log.Warn().Err(err).Int("consecutive_errors", ci.consecutiveErrors).Msg("transient error fetching logs")
		if ci.consecutiveErrors >= maxConsecutiveErrs {
			ci.shrinkBatch()
			ci.consecutiveErrors = 0
			ci.log.Warn().Int64("batch_size", ci.batchSize).Msg("reducing batch size after repeated errors")
		}
		return ci.sleep(ctx, otherErrorPause)
	default:
		return false
	}
}

func (ci *ChainIndexer) shrinkBatch() {
	next := ci.batchSize / 2
	if next < MinBatch {
		next = MinBatch
	}
	ci.batchSize = next
}

// sleep waits for d, or returns false early if ctx is canceled or a
// stop was requested.
func (ci *ChainIndexer) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	case <-ci.stopCh:
		return false
	}
}
