package chain

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"liquidityLedger/internal/observability"
)

// Client wraps go-ethereum RPC for read-only pool queries.
type Client struct {
	rpcClient *rpc.Client
	ethClient *ethclient.Client
	metrics   *observability.Metrics
}

// NewClient creates a new chain client from the RPC URL. metrics may be nil.
func NewClient(ctx context.Context, rpcURL string, metrics *observability.Metrics) (*Client, error) {
	rpcClient, err := rpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, err
	}

	return &Client{
		rpcClient: rpcClient,
		ethClient: ethclient.NewClient(rpcClient),
		metrics:   metrics,
	}, nil
}

// Close closes the underlying RPC client.
func (c *Client) Close() {
	if c.rpcClient != nil {
		c.rpcClient.Close()
	}
}

// GetChainID returns the chain ID.
func (c *Client) GetChainID(ctx context.Context) (*big.Int, error) {
	defer c.metrics.RecordRPCLatency("eth_chainId", time.Now())
	return c.ethClient.ChainID(ctx)
}

// LatestBlockNumber returns the latest block number.
func (c *Client) LatestBlockNumber(ctx context.Context) (uint64, error) {
	defer c.metrics.RecordRPCLatency("eth_blockNumber", time.Now())
	return c.ethClient.BlockNumber(ctx)
}

// CallContract performs an eth_call for a contract method.
func (c *Client) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	defer c.metrics.RecordRPCLatency("eth_call", time.Now())
	return c.ethClient.CallContract(ctx, msg, blockNumber)
}

// PinBlock returns block as a call argument, resolving 0 to the current head so that a
// sequence of reads observes one consistent state.
func (c *Client) PinBlock(ctx context.Context, block uint64) (*big.Int, error) {
	if block == 0 {
		latest, err := c.LatestBlockNumber(ctx)
		if err != nil {
			return nil, fmt.Errorf("latest block: %w", err)
		}
		block = latest
	}
	return new(big.Int).SetUint64(block), nil
}
