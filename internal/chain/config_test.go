package chain

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultChains(t *testing.T) {
	chains := DefaultChains()

	t.Run("ethereum config is correct", func(t *testing.T) {
		eth := chains["ethereum"]
		require.NotNil(t, eth)

		assert.Equal(t, "Ethereum Mainnet", eth.Name)
		assert.Equal(t, int64(1), eth.ChainID.Int64())
		assert.Equal(t, "ETH", eth.NativeCurrency)
		assert.False(t, eth.IsTestnet)
		assert.False(t, eth.LegacyGas)
	})

	t.Run("bsc defaults to legacy gas", func(t *testing.T) {
		assert.True(t, chains["bsc"].LegacyGas)
	})

	t.Run("sepolia is a testnet", func(t *testing.T) {
		assert.True(t, chains["sepolia"].IsTestnet)
	})

	t.Run("all chains have RPC and explorer URLs", func(t *testing.T) {
		for name, config := range chains {
			assert.NotEmpty(t, config.RPCURLs, "chain %s has no RPC URLs", name)
			assert.NotEmpty(t, config.ExplorerURL, "chain %s has no explorer URL", name)
		}
	})

	t.Run("chainID matches chainIDInt", func(t *testing.T) {
		for name, config := range chains {
			assert.Equal(t, config.ChainIDInt, config.ChainID.Int64(),
				"chain %s: ChainID and ChainIDInt mismatch", name)
		}
	})
}

func TestChainByID(t *testing.T) {
	chains := DefaultChains()

	t.Run("finds a known id", func(t *testing.T) {
		key, cfg, ok := ChainByID(chains, big.NewInt(8453))
		require.True(t, ok)
		assert.Equal(t, "base", key)
		assert.Equal(t, "Base", cfg.Name)
	})

	t.Run("unknown and nil ids miss", func(t *testing.T) {
		_, _, ok := ChainByID(chains, big.NewInt(999999))
		assert.False(t, ok)
		_, _, ok = ChainByID(chains, nil)
		assert.False(t, ok)
	})
}

func TestClient_ChainName(t *testing.T) {
	c := NewClient()
	c.AddChain("devnet", evm("Devnet", 31337, "ETH", "http://localhost", "http://127.0.0.1:8545"))

	name, err := c.ChainName(big.NewInt(31337))
	require.NoError(t, err)
	assert.Equal(t, "devnet", name)

	_, err = c.ChainName(big.NewInt(5))
	assert.Error(t, err)
}
