// Package rpcclient is the per-chain JSON-RPC transport: current
// block number, ERC-20 Transfer log fetching, and batched contract
// code lookups, with retry/backoff and error classification.
package rpcclient

import (
	"context"
	"fmt"
	"math/big"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/rs/zerolog"

	"github.com/9mm-exchange/evm-transfer-indexer/internal/logging"
	"github.com/9mm-exchange/evm-transfer-indexer/internal/store"
)

// TransferEventTopic is keccak256("Transfer(address,address,uint256)"),
// the topic0 of the canonical ERC-20 Transfer event.
var TransferEventTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

const (
	maxRetryAttempts = 5
	rpcTimeout       = 60 * time.Second
	fallbackPacing   = 20 * time.Millisecond
)

// Client wraps a chain's JSON-RPC endpoint.
type Client struct {
	chainID      int64
	tokenAddress common.Address
	eth          *ethclient.Client
	rpc          *rpc.Client
	log          zerolog.Logger
}

// Dial connects to a chain's RPC endpoint.
func Dial(ctx context.Context, chainID int64, rpcURL, tokenAddress string) (*Client, error) {
	dialCtx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()

	rc, err := rpc.DialContext(dialCtx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc %s: %w", rpcURL, err)
	}

	return &Client{
		chainID:      chainID,
		tokenAddress: common.HexToAddress(tokenAddress),
		eth:          ethclient.NewClient(rc),
		rpc:          rc,
		log:          logging.WithChain("rpcclient", chainID),
	}, nil
}

// Close releases the underlying connection.
func (c *Client) Close() {
	c.rpc.Close()
}

// GetCurrentBlock returns the chain head, retrying transient failures
// with exponential backoff up to 5 attempts.
func (c *Client) GetCurrentBlock(ctx context.Context) (uint64, error) {
	var lastErr error
	for attempt := 0; attempt < maxRetryAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, rpcTimeout)
		n, err := c.eth.BlockNumber(callCtx)
		cancel()
		if err == nil {
			return n, nil
		}
		lastErr = err
		if attempt < maxRetryAttempts-1 {
			wait := backoffDuration(attempt)
			c.log.Warn().Err(err).Int("attempt", attempt+1).Dur("wait", wait).
				Msg("retrying get_current_block")
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return 0, ctx.Err()
			}
		}
	}
	return 0, fmt.Errorf("get_current_block: exhausted retries: %w", lastErr)
}

func backoffDuration(attempt int) time.Duration {
	secs := int64(1) << uint(attempt) // 2^attempt
	if secs > 30 {
		secs = 30
	}
	return time.Duration(secs) * time.Second
}

// GetLogs fetches and decodes Transfer events for [fromBlock, toBlock].
// Malformed individual log entries are skipped with a warning, not
// fatal. Range/transient errors are classified so the caller can
// shrink its batch size or retry.
func (c *Client) GetLogs(ctx context.Context, fromBlock, toBlock uint64) ([]store.Transfer, error) {
	var lastErr error
	for attempt := 0; attempt < maxRetryAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, rpcTimeout)
		logs, err := c.eth.FilterLogs(callCtx, ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(fromBlock),
			ToBlock:   new(big.Int).SetUint64(toBlock),
			Addresses: []common.Address{c.tokenAddress},
			Topics:    [][]common.Hash{{TransferEventTopic}},
		})
		cancel()

		if err == nil {
			return decodeTransferLogs(logs, c.log), nil
		}

		lastErr = err
		switch Classify(err) {
		case ClassRangeTooLarge:
			// Not ours to shrink the batch here; the chain indexer owns
			// batch size and will retry with a smaller range.
			return nil, err
		case ClassTransient:
			if attempt < maxRetryAttempts-1 {
				wait := backoffDuration(attempt)
				c.log.Warn().Err(err).Int("attempt", attempt+1).Dur("wait", wait).
					Msg("retrying get_logs")
				select {
				case <-time.After(wait):
					continue
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}
		}
		break
	}
	return nil, fmt.Errorf("get_logs[%d,%d]: %w", fromBlock, toBlock, lastErr)
}

func decodeTransferLogs(logs []types.Log, log zerolog.Logger) []store.Transfer {
	out := make([]store.Transfer, 0, len(logs))
	for _, lg := range logs {
		t, err := decodeTransferLog(lg)
		if err != nil {
			log.Warn().Err(err).Str("tx_hash", lg.TxHash.Hex()).Msg("skipping malformed transfer log")
			continue
		}
		out = append(out, t)
	}
	return out
}

func decodeTransferLog(lg types.Log) (store.Transfer, error) {
	if len(lg.Topics) < 3 {
		return store.Transfer{}, fmt.Errorf("expected 3 topics, got %d", len(lg.Topics))
	}
	if len(lg.Data) == 0 {
		return store.Transfer{}, fmt.Errorf("empty log data")
	}

	from := common.BytesToAddress(lg.Topics[1].Bytes())
	to := common.BytesToAddress(lg.Topics[2].Bytes())
	value := new(big.Int).SetBytes(lg.Data)

	return store.Transfer{
		TxHash:      lg.TxHash.Hex(),
		LogIndex:    lg.Index,
		BlockNumber: lg.BlockNumber,
		From:        from.Hex(),
		To:          to.Hex(),
		Value:       value,
	}, nil
}

// BatchGetCode fetches eth_getCode for many addresses as a single
// JSON-RPC 2.0 batch, correlating responses by id in case the
// provider reorders them. Falls back to sequential per-address calls
// (paced 20ms apart) if the whole batch request fails.
func (c *Client) BatchGetCode(ctx context.Context, addresses []string) (map[string]string, error) {
	if len(addresses) == 0 {
		return map[string]string{}, nil
	}

	results := make([]string, len(addresses))
	elems := make([]rpc.BatchElem, len(addresses))
	for i, addr := range addresses {
		elems[i] = rpc.BatchElem{
			Method: "eth_getCode",
			Args:   []interface{}{common.HexToAddress(addr), "latest"},
			Result: &results[i],
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, rpcTimeout)
	err := c.rpc.BatchCallContext(callCtx, elems)
	cancel()

	if err == nil {
		allOK := true
		for _, e := range elems {
			if e.Error != nil {
				allOK = false
				break
			}
		}
		if allOK {
			out := make(map[string]string, len(addresses))
			for i, addr := range addresses {
				out[addr] = results[i]
			}
			return out, nil
		}
	}

	c.log.Error().Err(err).Msg("batch eth_getCode failed, falling back to sequential")
	return c.fallbackGetCode(ctx, addresses)
}

func (c *Client) fallbackGetCode(ctx context.Context, addresses []string) (map[string]string, error) {
	out := make(map[string]string, len(addresses))
	for _, addr := range addresses {
		callCtx, cancel := context.WithTimeout(ctx, rpcTimeout)
		code, err := c.eth.CodeAt(callCtx, common.HexToAddress(addr), nil)
		cancel()
		if err != nil {
			c.log.Warn().Err(err).Str("address", addr).Msg("eth_getCode fallback failed for address")
			out[addr] = ""
		} else {
			out[addr] = "0x" + common.Bytes2Hex(code)
		}
		time.Sleep(fallbackPacing)
	}
	return out, nil
}
