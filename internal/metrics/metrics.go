// Package metrics exposes Prometheus instrumentation for the indexer:
// HTTP request counters/latencies and periodically-refreshed gauges
// reflecting each chain's sync progress.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/9mm-exchange/evm-transfer-indexer/internal/logging"
	"github.com/9mm-exchange/evm-transfer-indexer/internal/store"
)

var (
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "indexer_requests_total",
			Help: "Total number of HTTP API requests by route and status",
		},
		[]string{"route", "status"},
	)

	RequestLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "indexer_request_latency_seconds",
			Help:    "HTTP API request latency in seconds by route",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	HolderCount = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "indexer_holder_count",
			Help: "Number of addresses with a positive balance, by chain",
		},
		[]string{"chain_id", "chain_name"},
	)

	TransferCount = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "indexer_transfer_count",
			Help: "Total number of indexed transfer events, by chain",
		},
		[]string{"chain_id", "chain_name"},
	)

	LastIndexedBlock = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "indexer_last_indexed_block",
			Help: "Last block number successfully indexed, by chain",
		},
		[]string{"chain_id", "chain_name"},
	)

	BlocksBehind = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "indexer_blocks_behind",
			Help: "Blocks between the last indexed block and the chain head, by chain",
		},
		[]string{"chain_id", "chain_name"},
	)

	SyncInProgress = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "indexer_sync_in_progress",
			Help: "Whether a chain is currently syncing (1) or idle (0)",
		},
		[]string{"chain_id", "chain_name"},
	)
)

func init() {
	prometheus.MustRegister(RequestsTotal)
	prometheus.MustRegister(RequestLatency)
	prometheus.MustRegister(HolderCount)
	prometheus.MustRegister(TransferCount)
	prometheus.MustRegister(LastIndexedBlock)
	prometheus.MustRegister(BlocksBehind)
	prometheus.MustRegister(SyncInProgress)
}

// Handler returns the Prometheus scrape endpoint handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer times an operation and records its duration to a histogram
// vec keyed by route.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveRoute records the elapsed duration against RequestLatency
// for the given route.
func (t *Timer) ObserveRoute(route string) {
	RequestLatency.WithLabelValues(route).Observe(time.Since(t.start).Seconds())
}

// HeadReader reports the current chain head for blocks-behind
// gauges; satisfied by rpcclient.Client.
type HeadReader interface {
	GetCurrentBlock(ctx context.Context) (uint64, error)
}

// Updater periodically refreshes the per-chain gauges from the store.
type Updater struct {
	store  *store.Store
	heads  map[int64]HeadReader
	period time.Duration
}

// NewUpdater builds an Updater. heads maps chain ID to something that
// can report the chain's current head, for the blocks-behind gauge;
// a chain with no entry simply skips that gauge.
func NewUpdater(s *store.Store, heads map[int64]HeadReader, period time.Duration) *Updater {
	if period <= 0 {
		period = 15 * time.Second
	}
	return &Updater{store: s, heads: heads, period: period}
}

// Run refreshes gauges every period until ctx is canceled.
func (u *Updater) Run(ctx context.Context) {
	log := logging.WithComponent("metrics")
	ticker := time.NewTicker(u.period)
	defer ticker.Stop()

	u.updateOnce(ctx, log)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			u.updateOnce(ctx, log)
		}
	}
}

func (u *Updater) updateOnce(ctx context.Context, log zerolog.Logger) {
	chains, err := u.store.GetAllChains(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to list chains for metrics update")
		return
	}

	for _, chain := range chains {
		labels := prometheus.Labels{
			"chain_id":   strconv.FormatInt(chain.ChainID, 10),
			"chain_name": chain.Name,
		}

		holders, err := u.store.GetHolderCount(ctx, chain.ChainID, false)
		if err != nil {
			log.Error().Err(err).Int64("chain_id", chain.ChainID).Msg("failed to read holder count")
		} else {
			HolderCount.With(labels).Set(float64(holders))
		}

		transfers, err := u.store.GetTransferCount(ctx, chain.ChainID)
		if err != nil {
			log.Error().Err(err).Int64("chain_id", chain.ChainID).Msg("failed to read transfer count")
		} else {
			TransferCount.With(labels).Set(float64(transfers))
		}

		syncState, err := u.store.GetSyncState(ctx, chain.ChainID)
		if err != nil {
			log.Error().Err(err).Int64("chain_id", chain.ChainID).Msg("failed to read sync state")
			continue
		}
		if syncState == nil {
			continue
		}
		LastIndexedBlock.With(labels).Set(float64(syncState.LastIndexedBlock))
		if syncState.IsSyncing {
			SyncInProgress.With(labels).Set(1)
		} else {
			SyncInProgress.With(labels).Set(0)
		}

		if reader, ok := u.heads[chain.ChainID]; ok {
			head, err := reader.GetCurrentBlock(ctx)
			if err != nil {
				log.Error().Err(err).Int64("chain_id", chain.ChainID).Msg("failed to read chain head for metrics")
				continue
			}
			behind := int64(head) - syncState.LastIndexedBlock
			if behind < 0 {
				behind = 0
			}
			BlocksBehind.With(labels).Set(float64(behind))
		}
	}
}
