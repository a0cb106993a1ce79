package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	lru "github.com/hashicorp/golang-lru/v2"

	"donationsync/internal/syncerr"
)

const timestampCacheSize = 4096

// Client wraps go-ethereum RPC and provides helper methods. The endpoint can
// be switched at runtime; calls in flight keep the connection they started on.
type Client struct {
	mu        sync.RWMutex
	url       string
	rpcClient *rpc.Client
	ethClient *ethclient.Client

	tsCache *lru.Cache[uint64, uint64]
}

// SendArgs describes a transaction signed by the node or wallet behind the endpoint.
type SendArgs struct {
	From  common.Address
	To    common.Address
	Data  []byte
	Value *big.Int
}

// NewClient creates a new chain client from the RPC URL.
func NewClient(ctx context.Context, rpcURL string) (*Client, error) {
	rpcClient, err := dial(ctx, rpcURL)
	if err != nil {
		return nil, err
	}
	cache, err := lru.New[uint64, uint64](timestampCacheSize)
	if err != nil {
		rpcClient.Close()
		return nil, err
	}

	return &Client{
		url:       rpcURL,
		rpcClient: rpcClient,
		ethClient: ethclient.NewClient(rpcClient),
		tsCache:   cache,
	}, nil
}

func dial(ctx context.Context, rpcURL string) (*rpc.Client, error) {
	rpcURL = strings.TrimSpace(rpcURL)
	if rpcURL == "" {
		return nil, fmt.Errorf("%w: rpc url is empty", syncerr.ErrProviderUnavailable)
	}
	rpcClient, err := rpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %w", syncerr.ErrNetworkUnreachable, rpcURL, err)
	}
	return rpcClient, nil
}

// Close closes the underlying RPC client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rpcClient != nil {
		c.rpcClient.Close()
		c.rpcClient = nil
		c.ethClient = nil
	}
}

// URL returns the endpoint currently in use.
func (c *Client) URL() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.url
}

// SwitchEndpoint dials rpcURL and makes it the active endpoint.
func (c *Client) SwitchEndpoint(ctx context.Context, rpcURL string) error {
	rpcClient, err := dial(ctx, rpcURL)
	if err != nil {
		return err
	}

	c.mu.Lock()
	old := c.rpcClient
	c.url = rpcURL
	c.rpcClient = rpcClient
	c.ethClient = ethclient.NewClient(rpcClient)
	c.mu.Unlock()

	c.PurgeCache()
	if old != nil {
		old.Close()
	}
	return nil
}

// PurgeCache drops cached block timestamps, e.g. after the chain changed.
func (c *Client) PurgeCache() {
	c.tsCache.Purge()
}

func (c *Client) clients() (*rpc.Client, *ethclient.Client, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.rpcClient == nil {
		return nil, nil, fmt.Errorf("%w: client closed", syncerr.ErrNetworkUnreachable)
	}
	return c.rpcClient, c.ethClient, nil
}

// GetChainID returns the chain ID.
func (c *Client) GetChainID(ctx context.Context) (*big.Int, error) {
	_, eth, err := c.clients()
	if err != nil {
		return nil, err
	}
	return eth.ChainID(ctx)
}

// Accounts returns the accounts exposed by the node or wallet (eth_accounts).
func (c *Client) Accounts(ctx context.Context) ([]common.Address, error) {
	rpcClient, _, err := c.clients()
	if err != nil {
		return nil, err
	}
	var accounts []common.Address
	if err := rpcClient.CallContext(ctx, &accounts, "eth_accounts"); err != nil {
		return nil, err
	}
	return accounts, nil
}

// LatestBlockNumber returns the latest block number.
func (c *Client) LatestBlockNumber(ctx context.Context) (uint64, error) {
	_, eth, err := c.clients()
	if err != nil {
		return 0, err
	}
	return eth.BlockNumber(ctx)
}

// BlockTimestamp returns the block timestamp, using an in-memory cache.
func (c *Client) BlockTimestamp(ctx context.Context, number uint64) (uint64, error) {
	if ts, ok := c.tsCache.Get(number); ok {
		return ts, nil
	}

	_, eth, err := c.clients()
	if err != nil {
		return 0, err
	}
	header, err := eth.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
	if err != nil {
		return 0, err
	}

	c.tsCache.Add(number, header.Time)
	return header.Time, nil
}

// FilterLogs returns logs in the given range for addresses and topic0 filters.
func (c *Client) FilterLogs(
	ctx context.Context,
	fromBlock uint64,
	toBlock uint64,
	addresses []common.Address,
	topic0 []common.Hash,
) ([]types.Log, error) {
	_, eth, err := c.clients()
	if err != nil {
		return nil, err
	}
	return eth.FilterLogs(ctx, buildQuery(fromBlock, toBlock, addresses, topic0))
}

// SubscribeFilterLogs opens a live log subscription. It needs a websocket or
// IPC endpoint.
func (c *Client) SubscribeFilterLogs(ctx context.Context, query ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	_, eth, err := c.clients()
	if err != nil {
		return nil, err
	}
	return eth.SubscribeFilterLogs(ctx, query, ch)
}

// CallContract performs an eth_call for a contract method.
func (c *Client) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	_, eth, err := c.clients()
	if err != nil {
		return nil, err
	}
	return eth.CallContract(ctx, msg, blockNumber)
}

// CodeAt returns the deployed bytecode at address.
func (c *Client) CodeAt(ctx context.Context, address common.Address, blockNumber *big.Int) ([]byte, error) {
	_, eth, err := c.clients()
	if err != nil {
		return nil, err
	}
	return eth.CodeAt(ctx, address, blockNumber)
}

// BalanceAt returns the wei balance of address.
func (c *Client) BalanceAt(ctx context.Context, address common.Address, blockNumber *big.Int) (*big.Int, error) {
	_, eth, err := c.clients()
	if err != nil {
		return nil, err
	}
	return eth.BalanceAt(ctx, address, blockNumber)
}

// SendTransaction submits args with eth_sendTransaction, leaving signing to the
// node or wallet, and returns the transaction hash.
func (c *Client) SendTransaction(ctx context.Context, args SendArgs) (common.Hash, error) {
	rpcClient, _, err := c.clients()
	if err != nil {
		return common.Hash{}, err
	}
	params := map[string]interface{}{
		"from": args.From,
		"to":   args.To,
	}
	if len(args.Data) > 0 {
		params["data"] = hexutil.Bytes(args.Data)
	}
	if args.Value != nil && args.Value.Sign() > 0 {
		params["value"] = (*hexutil.Big)(args.Value)
	}

	var hash common.Hash
	if err := rpcClient.CallContext(ctx, &hash, "eth_sendTransaction", params); err != nil {
		return common.Hash{}, err
	}
	return hash, nil
}

// WaitReceipt polls for the receipt of hash until it is mined or ctx ends.
func (c *Client) WaitReceipt(ctx context.Context, hash common.Hash, interval time.Duration) (*types.Receipt, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		_, eth, err := c.clients()
		if err != nil {
			return nil, err
		}
		receipt, err := eth.TransactionReceipt(ctx, hash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func buildQuery(fromBlock, toBlock uint64, addresses []common.Address, topic0 []common.Hash) ethereum.FilterQuery {
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: addresses,
	}
	if len(topic0) > 0 {
		query.Topics = [][]common.Hash{topic0}
	}
	return query
}

// ChainName maps well-known chain ids to their names, falling back to the id.
func ChainName(network string) string {
	switch network {
	case "1":
		return "mainnet"
	case "3":
		return "ropsten"
	case "4":
		return "rinkeby"
	case "5":
		return "goerli"
	case "42":
		return "kovan"
	case "1337", "5777":
		return "ganache"
	default:
		return network
	}
}
