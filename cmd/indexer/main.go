package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/9mm-exchange/evm-transfer-indexer/internal/api"
	"github.com/9mm-exchange/evm-transfer-indexer/internal/chainindexer"
	"github.com/9mm-exchange/evm-transfer-indexer/internal/config"
	"github.com/9mm-exchange/evm-transfer-indexer/internal/logging"
	"github.com/9mm-exchange/evm-transfer-indexer/internal/metrics"
	"github.com/9mm-exchange/evm-transfer-indexer/internal/store"
	"github.com/9mm-exchange/evm-transfer-indexer/internal/supervisor"
)

// Version is set via ldflags during build.
var Version = "dev"

// indexerHeadReader adapts ChainIndexer.CurrentHead to metrics.HeadReader.
type indexerHeadReader struct {
	idx *chainindexer.ChainIndexer
}

func (h indexerHeadReader) GetCurrentBlock(ctx context.Context) (uint64, error) {
	head, err := h.idx.CurrentHead(ctx)
	return uint64(head), err
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "indexer",
	Short:   "ERC-20 Transfer indexer and holder-balance API",
	Version: Version,
	RunE:    runServe,
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	if logLevel == "" {
		logLevel = "info"
	}
	logging.Init(logging.Config{
		Level:      logging.Level(logLevel),
		JSONOutput: logJSON,
	})
}

func runServe(cmd *cobra.Command, args []string) error {
	settings, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logging.Init(logging.Config{
		Level:      logging.Level(settings.LogLevel),
		JSONOutput: settings.LogJSON,
	})
	log := logging.WithComponent("main")

	s, err := store.Open(settings.DatabasePath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sv := supervisor.New(s, settings)
	if err := sv.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize supervisor: %w", err)
	}

	heads := make(map[int64]metrics.HeadReader, len(settings.Chains))
	for _, cc := range settings.Chains {
		if idx := sv.Indexer(cc.ChainID); idx != nil {
			heads[cc.ChainID] = indexerHeadReader{idx}
		}
	}
	updater := metrics.NewUpdater(s, heads, 15*time.Second)

	srv := api.NewServer(settings.HTTPAddr, s, sv)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	go sv.SyncAll(ctx)
	go updater.Run(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}

	cancel()
	sv.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	log.Info().Msg("shutdown complete")
	return nil
}
