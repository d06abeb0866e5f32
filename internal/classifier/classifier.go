// Package classifier determines whether addresses are externally
// owned accounts (EOAs) or contracts, with an allowance for
// known smart-wallet bytecode patterns that should be treated as EOAs
// for holder accounting.
package classifier

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/9mm-exchange/evm-transfer-indexer/internal/logging"
	"github.com/9mm-exchange/evm-transfer-indexer/internal/store"
)

const (
	subBatchSize  = 100
	subBatchPause = 100 * time.Millisecond
)

// CodeFetcher is the subset of rpcclient.Client the classifier needs;
// an interface so tests can supply a fake.
type CodeFetcher interface {
	BatchGetCode(ctx context.Context, addresses []string) (map[string]string, error)
}

// Classifier batches code lookups and applies the EOA/smart-wallet
// classification rule.
type Classifier struct {
	chainID  int64
	store    *store.Store
	rpc      CodeFetcher
	log      zerolog.Logger
	patterns []string
}

// New constructs a Classifier, loading the current smart-wallet
// pattern set from the store.
func New(ctx context.Context, chainID int64, s *store.Store, rpc CodeFetcher) (*Classifier, error) {
	patterns, err := s.GetSmartWalletPatterns(ctx)
	if err != nil {
		return nil, err
	}
	return &Classifier{
		chainID:  chainID,
		store:    s,
		rpc:      rpc,
		log:      logging.WithChain("classifier", chainID),
		patterns: lowerAll(patterns),
	}, nil
}

func lowerAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(s)
	}
	return out
}

// ReloadPatterns re-reads the smart-wallet pattern set from the
// store, so patterns added after construction take effect on the next
// recheck without a process restart.
func (c *Classifier) ReloadPatterns(ctx context.Context) error {
	patterns, err := c.store.GetSmartWalletPatterns(ctx)
	if err != nil {
		return err
	}
	c.patterns = lowerAll(patterns)
	return nil
}

// classify applies the ordered classification rule to one code
// string: no code means EOA, a known smart-wallet prefix counts as
// EOA, anything else is a contract. An undetermined lookup is
// conservatively not-EOA.
func (c *Classifier) classify(code string, determined bool) bool {
	if !determined {
		return false
	}
	if code == "0x" || code == "" {
		return true
	}
	lower := strings.ToLower(code)
	for _, p := range c.patterns {
		if strings.HasPrefix(lower, p) {
			return true
		}
	}
	return false
}

// ClassifyUnchecked classifies every address the store has seen in
// transfers but never classified, in sub-batches of 100 with a 100ms
// pause between sub-batches.
func (c *Classifier) ClassifyUnchecked(ctx context.Context, stopped func() bool) error {
	unchecked, err := c.store.GetUncheckedAddresses(ctx, c.chainID)
	if err != nil {
		return err
	}
	if len(unchecked) == 0 {
		return nil
	}

	c.log.Info().Int("count", len(unchecked)).Msg("checking addresses for EOA status")

	checked, eoaTotal := 0, 0
	for i := 0; i < len(unchecked); i += subBatchSize {
		if stopped != nil && stopped() {
			break
		}

		end := i + subBatchSize
		if end > len(unchecked) {
			end = len(unchecked)
		}
		sub := unchecked[i:end]

		results, eoaCount, err := c.classifyBatch(ctx, sub)
		if err != nil {
			return err
		}
		if err := c.store.BatchSetAddressTypes(ctx, c.chainID, results); err != nil {
			return err
		}

		checked += len(sub)
		eoaTotal += eoaCount
		c.log.Info().Int("checked", checked).Int("total", len(unchecked)).
			Int("batch_eoas", eoaCount).Int("batch_size", len(sub)).
			Msg("classified address sub-batch")

		if end < len(unchecked) {
			time.Sleep(subBatchPause)
		}
	}

	c.log.Info().Int("eoas", eoaTotal).Int("checked", checked).Msg("finished classifying addresses")
	return nil
}

func (c *Classifier) classifyBatch(ctx context.Context, addresses []string) ([]store.AddressClassification, int, error) {
	codes, err := c.rpc.BatchGetCode(ctx, addresses)
	if err != nil {
		c.log.Error().Err(err).Msg("batch code lookup failed")
	}

	results := make([]store.AddressClassification, 0, len(addresses))
	eoaCount := 0
	for _, addr := range addresses {
		code, ok := codes[addr]
		isEOA := c.classify(code, ok)
		if isEOA {
			eoaCount++
		}
		results = append(results, store.AddressClassification{Address: addr, IsEOA: isEOA})
	}
	return results, eoaCount, nil
}

// RecheckSmartWallets reloads the pattern set, re-applies it to every
// address currently classified as a contract, and persists only the
// contract->EOA transitions.
func (c *Classifier) RecheckSmartWallets(ctx context.Context) (int, error) {
	if err := c.ReloadPatterns(ctx); err != nil {
		return 0, err
	}

	contracts, err := c.store.GetContractAddresses(ctx, c.chainID)
	if err != nil {
		return 0, err
	}
	if len(contracts) == 0 {
		return 0, nil
	}

	var promoted []string
	for i := 0; i < len(contracts); i += subBatchSize {
		end := i + subBatchSize
		if end > len(contracts) {
			end = len(contracts)
		}
		sub := contracts[i:end]

		codes, err := c.rpc.BatchGetCode(ctx, sub)
		if err != nil {
			c.log.Error().Err(err).Msg("recheck batch code lookup failed")
		}
		for _, addr := range sub {
			code, ok := codes[addr]
			if c.classify(code, ok) {
				promoted = append(promoted, addr)
			}
		}
		if end < len(contracts) {
			time.Sleep(subBatchPause)
		}
	}

	if err := c.store.PromoteContractsToEOA(ctx, c.chainID, promoted); err != nil {
		return 0, err
	}
	c.log.Info().Int("promoted", len(promoted)).Msg("smart-wallet recheck complete")
	return len(promoted), nil
}
