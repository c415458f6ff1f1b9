package chain

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// Client manages RPC connections to the configured EVM chains. It supplies
// nonces and fee suggestions for hardware-signed transactions and
// broadcasts the result.
type Client struct {
	chains  map[string]*ChainConfig
	clients map[string]*ethclient.Client
	mu      sync.RWMutex
}

// NewClient creates a client over DefaultChains.
func NewClient() *Client {
	return &Client{
		chains:  DefaultChains(),
		clients: make(map[string]*ethclient.Client),
	}
}

// AddChain adds or overrides a chain configuration.
func (c *Client) AddChain(name string, config *ChainConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chains[name] = config
}

// GetChainConfig returns the configuration for a chain.
func (c *Client) GetChainConfig(chainName string) (*ChainConfig, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	config, ok := c.chains[chainName]
	if !ok {
		return nil, fmt.Errorf("unknown chain: %s", chainName)
	}
	return config, nil
}

// ChainName maps a chain id to its configured name.
func (c *Client) ChainName(chainID *big.Int) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	name, _, ok := ChainByID(c.chains, chainID)
	if !ok {
		return "", fmt.Errorf("unknown chain id: %v", chainID)
	}
	return name, nil
}

// getClient returns an ethclient for the chain, dialing the configured RPC
// URLs in order until one answers with the expected chain id. The write
// lock is held for the whole dial so concurrent callers share one client.
func (c *Client) getClient(ctx context.Context, chainName string) (*ethclient.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	config, ok := c.chains[chainName]
	if !ok {
		return nil, fmt.Errorf("unknown chain: %s", chainName)
	}
	if client, ok := c.clients[chainName]; ok {
		return client, nil
	}

	var lastErr error
	for _, rpcURL := range config.RPCURLs {
		dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		client, err := ethclient.DialContext(dialCtx, rpcURL)
		cancel()
		if err != nil {
			lastErr = err
			continue
		}

		idCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		chainID, err := client.ChainID(idCtx)
		cancel()
		if err != nil {
			client.Close()
			lastErr = err
			continue
		}
		if chainID.Cmp(config.ChainID) != 0 {
			client.Close()
			lastErr = fmt.Errorf("chain ID mismatch: expected %s, got %s", config.ChainID, chainID)
			continue
		}

		c.clients[chainName] = client
		return client, nil
	}
	return nil, fmt.Errorf("failed to connect to %s: %w", chainName, lastErr)
}

// PendingNonce returns the next nonce for address on the chain with the
// given id.
func (c *Client) PendingNonce(ctx context.Context, chainID *big.Int, address common.Address) (uint64, error) {
	name, err := c.ChainName(chainID)
	if err != nil {
		return 0, err
	}
	client, err := c.getClient(ctx, name)
	if err != nil {
		return 0, err
	}
	return client.PendingNonceAt(ctx, address)
}

// SuggestGasPrice returns the legacy gas price suggestion.
func (c *Client) SuggestGasPrice(ctx context.Context, chainName string) (*big.Int, error) {
	client, err := c.getClient(ctx, chainName)
	if err != nil {
		return nil, err
	}
	return client.SuggestGasPrice(ctx)
}

// SuggestGasTipCap returns the priority fee suggestion for EIP-1559
// transactions.
func (c *Client) SuggestGasTipCap(ctx context.Context, chainName string) (*big.Int, error) {
	client, err := c.getClient(ctx, chainName)
	if err != nil {
		return nil, err
	}
	return client.SuggestGasTipCap(ctx)
}

// EstimateGas estimates the gas limit of a call.
func (c *Client) EstimateGas(ctx context.Context, chainName string, msg ethereum.CallMsg) (uint64, error) {
	client, err := c.getClient(ctx, chainName)
	if err != nil {
		return 0, err
	}
	return client.EstimateGas(ctx, msg)
}

// SendTransaction broadcasts a signed transaction.
func (c *Client) SendTransaction(ctx context.Context, chainName string, tx *types.Transaction) error {
	client, err := c.getClient(ctx, chainName)
	if err != nil {
		return err
	}
	return client.SendTransaction(ctx, tx)
}

// Close closes all RPC connections.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, client := range c.clients {
		client.Close()
	}
	c.clients = make(map[string]*ethclient.Client)
}
