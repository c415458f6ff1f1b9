package adapter

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yolodolo42/hwsign/internal/signing"
)

func samplePayload() signing.ExtrinsicPayload {
	return signing.ExtrinsicPayload{
		Address:            "5GrwvaEF5zXb26Fz9rcQpDWS57CtERHpNehXCPcNoHGKutQY",
		BlockHash:          "0x" + strings.Repeat("22", 32),
		BlockNumber:        "0x00000010",
		Era:                "0x00",
		GenesisHash:        "0x" + strings.Repeat("11", 32),
		Method:             "0x050300",
		Nonce:              "0x00000003",
		SpecVersion:        "0x0000233a",
		Tip:                "0x00000000000000000000000000000000",
		TransactionVersion: "0x00000005",
		SignedExtensions:   []string{"CheckNonce", "CheckWeight", "ChargeTransactionPayment"},
		Version:            4,
	}
}

func expectedPayload(afterTip, trailer []byte) []byte {
	var b bytes.Buffer
	b.Write([]byte{0x05, 0x03, 0x00}) // method
	b.WriteByte(0x00)                 // immortal era
	b.WriteByte(0x0c)                 // compact nonce 3
	b.WriteByte(0x00)                 // compact tip 0
	b.Write(afterTip)
	b.Write([]byte{0x3a, 0x23, 0x00, 0x00})
	b.Write([]byte{0x05, 0x00, 0x00, 0x00})
	b.Write(bytes.Repeat([]byte{0x11}, 32))
	b.Write(bytes.Repeat([]byte{0x22}, 32))
	b.Write(trailer)
	return b.Bytes()
}

func TestEncodeExtrinsicPayload(t *testing.T) {
	t.Run("plain", func(t *testing.T) {
		got, err := EncodeExtrinsicPayload(samplePayload())
		require.NoError(t, err)
		assert.Equal(t, expectedPayload(nil, nil), got)
	})

	t.Run("asset payment", func(t *testing.T) {
		p := samplePayload()
		p.SignedExtensions = append(p.SignedExtensions, extChargeAssetTxPayment)
		got, err := EncodeExtrinsicPayload(p)
		require.NoError(t, err)
		assert.Equal(t, expectedPayload([]byte{0x00}, nil), got)

		p.AssetID = "0x0102"
		got, err = EncodeExtrinsicPayload(p)
		require.NoError(t, err)
		assert.Equal(t, expectedPayload([]byte{0x01, 0x01, 0x02}, nil), got)
	})

	t.Run("metadata hash disabled", func(t *testing.T) {
		p := samplePayload()
		p.SignedExtensions = append(p.SignedExtensions, extCheckMetadataHash)
		got, err := EncodeExtrinsicPayload(p)
		require.NoError(t, err)
		assert.Equal(t, expectedPayload([]byte{0x00}, []byte{0x00}), got)
	})

	t.Run("metadata hash enabled", func(t *testing.T) {
		p := samplePayload()
		p.SignedExtensions = append(p.SignedExtensions, extCheckMetadataHash)
		p.Mode = 1
		p.MetadataHash = "0x" + strings.Repeat("33", 32)
		got, err := EncodeExtrinsicPayload(p)
		require.NoError(t, err)
		trailer := append([]byte{0x01}, bytes.Repeat([]byte{0x33}, 32)...)
		assert.Equal(t, expectedPayload([]byte{0x01}, trailer), got)
	})

	t.Run("compact tip", func(t *testing.T) {
		p := samplePayload()
		p.Tip = "0x0100"
		got, err := EncodeExtrinsicPayload(p)
		require.NoError(t, err)
		assert.Equal(t, []byte{0x0c, 0x01, 0x04}, got[4:7])
	})

	t.Run("mortal era", func(t *testing.T) {
		p := samplePayload()
		p.Era = "0x4502"
		got, err := EncodeExtrinsicPayload(p)
		require.NoError(t, err)
		assert.Equal(t, []byte{0x45, 0x02}, got[3:5])
	})

	for _, tc := range []struct {
		name   string
		mutate func(*signing.ExtrinsicPayload)
	}{
		{name: "version", mutate: func(p *signing.ExtrinsicPayload) { p.Version = 3 }},
		{name: "era length", mutate: func(p *signing.ExtrinsicPayload) { p.Era = "0x010203" }},
		{name: "genesis length", mutate: func(p *signing.ExtrinsicPayload) { p.GenesisHash = "0x1111" }},
		{name: "method not hex", mutate: func(p *signing.ExtrinsicPayload) { p.Method = "0503" }},
		{name: "spec version overflow", mutate: func(p *signing.ExtrinsicPayload) { p.SpecVersion = "0x1ffffffff" }},
		{name: "metadata mode", mutate: func(p *signing.ExtrinsicPayload) {
			p.SignedExtensions = append(p.SignedExtensions, extCheckMetadataHash)
			p.Mode = 2
		}},
		{name: "metadata hash missing", mutate: func(p *signing.ExtrinsicPayload) {
			p.SignedExtensions = append(p.SignedExtensions, extCheckMetadataHash)
			p.Mode = 1
		}},
	} {
		t.Run("rejects "+tc.name, func(t *testing.T) {
			p := samplePayload()
			tc.mutate(&p)
			_, err := EncodeExtrinsicPayload(p)
			assert.ErrorIs(t, err, signing.ErrProtocol)
		})
	}
}
