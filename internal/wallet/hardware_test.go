package wallet

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yolodolo42/hwsign/internal/adapter"
	"github.com/yolodolo42/hwsign/internal/device"
	"github.com/yolodolo42/hwsign/internal/orchestrator"
	"github.com/yolodolo42/hwsign/internal/signing"
	"github.com/yolodolo42/hwsign/internal/testutil"
)

// keySigner signs like a device holding key would.
type keySigner struct {
	key      *ecdsa.PrivateKey
	connects int
	closes   int
	requests []signing.Request
	err      error
}

func (k *keySigner) Connect(ctx context.Context, t orchestrator.Target) (*device.Session, error) {
	k.connects++
	return &device.Session{}, nil
}

func (k *keySigner) Close(*device.Session) error {
	k.closes++
	return nil
}

func (k *keySigner) Sign(ctx context.Context, sess *device.Session, req signing.Request) (signing.Signature, error) {
	k.requests = append(k.requests, req)
	if k.err != nil {
		return signing.Signature{}, k.err
	}
	switch p := req.Payload.(type) {
	case signing.TransactionRequest:
		tx := types.NewTx(&types.DynamicFeeTx{
			ChainID: p.ChainID, Nonce: *p.Nonce, GasTipCap: p.MaxPriorityFeePerGas,
			GasFeeCap: p.MaxFeePerGas, Gas: p.Gas, To: p.To, Value: p.Value, Data: p.Data,
		})
		signed, err := types.SignTx(tx, types.LatestSignerForChainID(p.ChainID), k.key)
		if err != nil {
			return signing.Signature{}, err
		}
		raw, err := signed.MarshalBinary()
		if err != nil {
			return signing.Signature{}, err
		}
		return signing.Signature{Bytes: make([]byte, 65), SignedTransaction: raw}, nil
	case signing.RawMessage:
		msg, err := adapter.MessageBytes(p.Data)
		if err != nil {
			return signing.Signature{}, err
		}
		sig, err := crypto.Sign(accounts.TextHash(msg), k.key)
		if err != nil {
			return signing.Signature{}, err
		}
		sig[64] += 27
		return signing.Signature{Bytes: sig}, nil
	case signing.TypedData:
		return signing.Signature{Bytes: []byte{0xee}}, nil
	}
	return signing.Signature{}, signing.ErrUnsupportedOperation
}

func newHardwareSigner(t *testing.T) (*HardwareSigner, *keySigner) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	ks := &keySigner{key: key}
	hs, err := NewHardwareSigner(ks, orchestrator.Account{
		Address: crypto.PubkeyToAddress(key.PublicKey).Hex(),
		Family:  signing.FamilyEthereum,
		Origin:  orchestrator.OriginLedger,
	}, "ethereum")
	require.NoError(t, err)
	return hs, ks
}

func TestNewHardwareSigner(t *testing.T) {
	_, err := NewHardwareSigner(&keySigner{}, orchestrator.Account{Address: alice, Family: signing.FamilySubstrate}, "")
	assert.ErrorIs(t, err, ErrNotEthereumAccount)
}

func TestHardwareSigner(t *testing.T) {
	t.Run("signs transaction", func(t *testing.T) {
		hs, ks := newHardwareSigner(t)
		to := common.HexToAddress(ethAddr)
		chainID := big.NewInt(8453)
		tx := types.NewTx(&types.DynamicFeeTx{
			ChainID: chainID, Nonce: 7, GasTipCap: big.NewInt(1), GasFeeCap: big.NewInt(2),
			Gas: 21000, To: &to, Value: big.NewInt(1000),
		})

		signed, err := hs.SignTransaction(testutil.Context(t), tx, chainID)
		require.NoError(t, err)

		from, err := types.Sender(types.LatestSignerForChainID(chainID), signed)
		require.NoError(t, err)
		assert.Equal(t, hs.Address(), from)
		assert.Equal(t, tx.Nonce(), signed.Nonce())

		require.Len(t, ks.requests, 1)
		assert.Equal(t, chainID, ks.requests[0].Network.ChainID)
		assert.Equal(t, signing.FamilyEthereum, ks.requests[0].Family)
	})

	t.Run("signs message and reuses the session", func(t *testing.T) {
		hs, ks := newHardwareSigner(t)
		ctx := testutil.Context(t)

		sig, err := hs.SignMessage(ctx, []byte("hello"))
		require.NoError(t, err)
		require.Len(t, sig, 65)

		recovered := append([]byte(nil), sig...)
		recovered[64] -= 27
		pub, err := crypto.SigToPub(accounts.TextHash([]byte("hello")), recovered)
		require.NoError(t, err)
		assert.Equal(t, hs.Address(), crypto.PubkeyToAddress(*pub))

		_, err = hs.SignTypedData(ctx, []byte(`{}`))
		require.NoError(t, err)
		assert.Equal(t, 1, ks.connects)

		require.NoError(t, hs.Close())
		require.NoError(t, hs.Close())
		assert.Equal(t, 1, ks.closes)
	})

	t.Run("propagates rejection", func(t *testing.T) {
		hs, ks := newHardwareSigner(t)
		ks.err = signing.ErrUserRejected

		_, err := hs.SignMessage(testutil.Context(t), []byte("hi"))
		assert.ErrorIs(t, err, signing.ErrUserRejected)
	})
}

func TestRequestFromTransaction(t *testing.T) {
	to := common.HexToAddress(ethAddr)
	legacy := types.NewTransaction(3, to, big.NewInt(5), 21000, big.NewInt(9), nil)

	req, err := RequestFromTransaction(legacy, big.NewInt(56))
	require.NoError(t, err)
	require.NotNil(t, req.Type)
	assert.Equal(t, uint8(types.LegacyTxType), *req.Type)
	assert.Equal(t, uint64(3), *req.Nonce)
	assert.Equal(t, big.NewInt(9), req.GasPrice)
	assert.Nil(t, req.MaxFeePerGas)
	assert.Equal(t, big.NewInt(56), req.ChainID)

	t.Run("access list transactions are refused", func(t *testing.T) {
		tx := types.NewTx(&types.AccessListTx{
			ChainID:  big.NewInt(56),
			Nonce:    1,
			GasPrice: big.NewInt(9),
			Gas:      21000,
			To:       &to,
		})
		_, err := RequestFromTransaction(tx, big.NewInt(56))
		assert.ErrorIs(t, err, signing.ErrUnsupportedOperation)
	})

	t.Run("signer refuses before touching the device", func(t *testing.T) {
		hs, _ := newHardwareSigner(t)
		tx := types.NewTx(&types.AccessListTx{ChainID: big.NewInt(1), Gas: 21000, GasPrice: big.NewInt(1), To: &to})
		_, err := hs.SignTransaction(testutil.Context(t), tx, big.NewInt(1))
		assert.ErrorIs(t, err, signing.ErrUnsupportedOperation)
	})
}
