package chain

import "math/big"

// ChainConfig holds configuration for an EVM chain.
// Invariant: ChainID and ChainIDInt must always represent the same value.
// ChainIDInt exists for YAML serialization (big.Int doesn't serialize cleanly).
type ChainConfig struct {
	Name           string   `yaml:"name"`
	ChainID        *big.Int `yaml:"-"`
	ChainIDInt     int64    `yaml:"chain_id"`
	RPCURLs        []string `yaml:"rpc_urls"`
	ExplorerURL    string   `yaml:"explorer_url"`
	NativeCurrency string   `yaml:"native_currency"`
	IsTestnet      bool     `yaml:"is_testnet"`
	// LegacyGas marks chains whose hardware-signed transfers default to
	// type 0 transactions.
	LegacyGas bool `yaml:"legacy_gas"`
}

func evm(name string, id int64, currency, explorer string, rpcs ...string) *ChainConfig {
	return &ChainConfig{
		Name:           name,
		ChainID:        big.NewInt(id),
		ChainIDInt:     id,
		RPCURLs:        rpcs,
		ExplorerURL:    explorer,
		NativeCurrency: currency,
	}
}

func testnet(c *ChainConfig) *ChainConfig {
	c.IsTestnet = true
	return c
}

// DefaultChains returns the EVM chains hardware accounts can sign for.
func DefaultChains() map[string]*ChainConfig {
	bsc := evm("BNB Smart Chain", 56, "BNB", "https://bscscan.com", "https://bsc-dataseed.bnbchain.org")
	bsc.LegacyGas = true

	return map[string]*ChainConfig{
		"ethereum": evm("Ethereum Mainnet", 1, "ETH", "https://etherscan.io", "https://eth.llamarpc.com", "https://rpc.ankr.com/eth"),
		"base":     evm("Base", 8453, "ETH", "https://basescan.org", "https://mainnet.base.org"),
		"arbitrum": evm("Arbitrum One", 42161, "ETH", "https://arbiscan.io", "https://arb1.arbitrum.io/rpc"),
		"optimism": evm("Optimism", 10, "ETH", "https://optimistic.etherscan.io", "https://mainnet.optimism.io"),
		"polygon":  evm("Polygon", 137, "POL", "https://polygonscan.com", "https://polygon-rpc.com"),
		"bsc":      bsc,
		"moonbeam": evm("Moonbeam", 1284, "GLMR", "https://moonbeam.moonscan.io", "https://rpc.api.moonbeam.network"),
		"sepolia":  testnet(evm("Sepolia Testnet", 11155111, "ETH", "https://sepolia.etherscan.io", "https://rpc.sepolia.org", "https://sepolia.drpc.org")),
	}
}

// ChainByID finds an EVM chain by numeric id.
func ChainByID(chains map[string]*ChainConfig, id *big.Int) (string, *ChainConfig, bool) {
	if id == nil {
		return "", nil, false
	}
	for key, c := range chains {
		if c.ChainID.Cmp(id) == 0 {
			return key, c, true
		}
	}
	return "", nil, false
}
