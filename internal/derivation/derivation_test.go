package derivation

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yolodolo42/hwsign/internal/chain"
	"github.com/yolodolo42/hwsign/internal/device"
	"github.com/yolodolo42/hwsign/internal/signing"
)

func TestEthereumPath(t *testing.T) {
	t.Run("uses the fixed convention", func(t *testing.T) {
		assert.Equal(t, "m/44'/60'/0'/0/7", EthereumPath(7).String())
	})

	t.Run("parses override paths", func(t *testing.T) {
		path, err := ParseEthereumPath("m/44'/60'/0'/3")
		require.NoError(t, err)
		assert.Len(t, path, 4)

		_, err = ParseEthereumPath("not a path")
		assert.Error(t, err)
	})

	t.Run("encodes count and big-endian components", func(t *testing.T) {
		raw := EncodeEthereumPath(EthereumPath(1))
		assert.Equal(t, "05"+"8000002c"+"8000003c"+"80000000"+"00000000"+"00000001", hex.EncodeToString(raw))
	})
}

func TestSubstratePath(t *testing.T) {
	p := LegacyPath(CoinKusama, 1, 2)

	t.Run("hardens every component", func(t *testing.T) {
		for _, c := range p.Components() {
			assert.NotZero(t, c&hardened)
		}
		assert.Equal(t, "m/44'/434'/1'/0'/2'", p.String())
	})

	t.Run("serializes little-endian", func(t *testing.T) {
		assert.Equal(t, "2c000080"+"b2010080"+"01000080"+"00000080"+"02000080", hex.EncodeToString(p.Bytes()))
	})
}

func TestResolver(t *testing.T) {
	r := NewResolver(DefaultApps())

	t.Run("metadata hash networks use the generic app", func(t *testing.T) {
		res, err := r.Resolve(Target{Name: "Polkadot", GenesisHash: chain.GenesisPolkadot, HasCheckMetadataHash: true})
		require.NoError(t, err)
		assert.Equal(t, device.KindLedgerSubstrateGeneric, res.Kind)
		assert.Equal(t, byte(0xf9), res.App.CLA)
		assert.Equal(t, uint32(CoinPolkadot), res.Path(0, 0).CoinType)
	})

	t.Run("generic app wins over a matching legacy app", func(t *testing.T) {
		res, err := r.Resolve(Target{GenesisHash: chain.GenesisAstar, HasCheckMetadataHash: true})
		require.NoError(t, err)
		assert.Equal(t, device.KindLedgerSubstrateGeneric, res.Kind)
	})

	t.Run("legacy network uses its own app", func(t *testing.T) {
		res, err := r.Resolve(Target{Name: "Astar", GenesisHash: chain.GenesisAstar})
		require.NoError(t, err)
		assert.Equal(t, device.KindLedgerSubstrateLegacy, res.Kind)
		assert.Equal(t, byte(0xa9), res.App.CLA)
		assert.Equal(t, uint32(CoinAstar), res.Path(0, 0).CoinType)
	})

	t.Run("single network app", func(t *testing.T) {
		res, err := r.Resolve(Target{GenesisHash: chain.GenesisAlephZero})
		require.NoError(t, err)
		assert.Equal(t, device.KindLedgerSubstrateSingleApp, res.Kind)
		assert.Equal(t, "Aleph Zero", res.App.Name)
	})

	t.Run("unknown network fails fast", func(t *testing.T) {
		_, err := r.Resolve(Target{Name: "Nowhere", GenesisHash: "0x01"})
		require.ErrorIs(t, err, signing.ErrCapabilityUnavailable)
		assert.Contains(t, err.Error(), "no Ledger app available for Nowhere")
	})

	t.Run("no network is both legacy and metadata hash capable", func(t *testing.T) {
		for _, n := range chain.NewRegistry().Networks() {
			if !n.HasCheckMetadataHash {
				continue
			}
			for _, app := range r.Apps() {
				assert.False(t, app.Matches(n.GenesisHash), "%s is listed under %s", n.Name, app.Name)
			}
		}
	})

	t.Run("every non metadata hash network resolves", func(t *testing.T) {
		for _, n := range chain.NewRegistry().Networks() {
			_, err := r.Resolve(Target{Name: n.Name, GenesisHash: n.GenesisHash, HasCheckMetadataHash: n.HasCheckMetadataHash})
			assert.NoError(t, err, n.Name)
		}
	})
}
