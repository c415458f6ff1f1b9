package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yolodolo42/hwsign/internal/apdu"
	"github.com/yolodolo42/hwsign/internal/chain"
	"github.com/yolodolo42/hwsign/internal/derivation"
	"github.com/yolodolo42/hwsign/internal/device"
	"github.com/yolodolo42/hwsign/internal/journal"
	"github.com/yolodolo42/hwsign/internal/qr"
	"github.com/yolodolo42/hwsign/internal/signing"
	"github.com/yolodolo42/hwsign/internal/testutil"
)

const (
	ethAddr   = "0x9858EfFD232B4033E47d90003D41EC34EcaEda94"
	dotAddr   = "15oF4uVJwmo4TdGW7VfQxNLavjCXviqxT9S1MgbjMNHr6Sp5"
	edgAddr   = "mzV5xZmvyGRvAJGvDuLsB2phEMhmHUJhXjnJo4ULPMXaW8ju"
	qrAddr    = "5GrwvaEF5zXb26Fz9rcQpDWS57CtERHpNehXCPcNoHGKutQY"
	claEth    = 0xe0
	insConfig = 0x06
)

type accountMap map[string]Account

func (m accountMap) Account(address string) (Account, error) {
	a, ok := m[address]
	if !ok {
		return Account{}, fmt.Errorf("unknown account %s", address)
	}
	return a, nil
}

type fakeJournal struct {
	mu      sync.Mutex
	entries []journal.Entry
}

func (f *fakeJournal) Record(_ context.Context, e journal.Entry) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, e)
	return int64(len(f.entries)), nil
}

func (f *fakeJournal) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}

type fakeMetadata struct{}

func (fakeMetadata) Fetch(context.Context, string, []byte) ([]byte, error) {
	return []byte{0x01, 0x02}, nil
}

func accounts() accountMap {
	return accountMap{
		ethAddr: {Address: ethAddr, Origin: OriginLedger, Family: signing.FamilyEthereum, Network: "ethereum"},
		dotAddr: {Address: dotAddr, Origin: OriginLedger, Family: signing.FamilySubstrate, Network: "polkadot"},
		edgAddr: {Address: edgAddr, Origin: OriginLedger, Family: signing.FamilySubstrate, Network: "edgeware", AccountIndex: 1},
		qrAddr:  {Address: qrAddr, Origin: OriginQR, Family: signing.FamilySubstrate, Network: "polkadot", Curve: qr.CurveSr25519},
	}
}

func vrsReply() []byte {
	return append([]byte{27}, bytes.Repeat([]byte{0x01}, 64)...)
}

type harness struct {
	orch    *Orchestrator
	ledger  *testutil.FakeLedger
	journal *fakeJournal
	openErr error
	mu      sync.Mutex
}

func newHarness(t *testing.T, extra ...*chain.Network) *harness {
	t.Helper()
	h := &harness{ledger: testutil.NewFakeLedger(), journal: &fakeJournal{}}
	h.ledger.Reply(claEth, insConfig, []byte{0, 1, 10, 0})
	h.ledger.Reply(claEth, 0x08, vrsReply())
	h.ledger.Reply(derivation.GenericApp.CLA, 0x00, []byte{0, 100, 0, 1})
	h.ledger.Reply(derivation.GenericApp.CLA, 0x02, append([]byte{0}, bytes.Repeat([]byte{0x02}, 64)...))
	edg := derivation.DefaultApps()[0]
	h.ledger.Reply(edg.CLA, 0x00, []byte{0, 1, 0, 0})
	h.ledger.Reply(edg.CLA, 0x03, append([]byte{0}, bytes.Repeat([]byte{0x03}, 64)...))

	orch, err := New(Config{
		Accounts: accounts(),
		Networks: chain.NewRegistry(extra...),
		Metadata: fakeMetadata{},
		Journal:  h.journal,
		OpenLedger: func(context.Context) (device.Handle, error) {
			h.mu.Lock()
			defer h.mu.Unlock()
			if h.openErr != nil {
				return nil, h.openErr
			}
			return h.ledger, nil
		},
		PollInterval:   20 * time.Millisecond,
		ConnectTimeout: 100 * time.Millisecond,
	})
	require.NoError(t, err)
	h.orch = orch
	return h
}

func (h *harness) setOpenErr(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.openErr = err
}

func TestNew(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestConnect(t *testing.T) {
	ctx := context.Background()

	t.Run("ethereum ledger", func(t *testing.T) {
		h := newHarness(t)
		sess, err := h.orch.Connect(ctx, Target{Address: ethAddr})
		require.NoError(t, err)
		defer h.orch.Close(sess)
		assert.Equal(t, device.KindLedgerEthereum, sess.Kind())
		assert.Equal(t, device.StatusReady, h.orch.Status(sess).Status)
	})

	t.Run("metadata hash network uses the generic app", func(t *testing.T) {
		h := newHarness(t)
		sess, err := h.orch.Connect(ctx, Target{Address: dotAddr})
		require.NoError(t, err)
		defer h.orch.Close(sess)
		assert.Equal(t, device.KindLedgerSubstrateGeneric, sess.Kind())
	})

	t.Run("legacy network uses its app", func(t *testing.T) {
		h := newHarness(t)
		sess, err := h.orch.Connect(ctx, Target{Address: edgAddr})
		require.NoError(t, err)
		defer h.orch.Close(sess)
		assert.Equal(t, device.KindLedgerSubstrateLegacy, sess.Kind())
		assert.Equal(t, device.StatusReady, sess.Status().Status)
	})

	t.Run("network without an app", func(t *testing.T) {
		h := newHarness(t, &chain.Network{Key: "solochain", Name: "Solo", GenesisHash: "0x" + strings.Repeat("ab", 32)})
		_, err := h.orch.Connect(ctx, Target{Address: edgAddr, Network: "solochain"})
		assert.ErrorIs(t, err, signing.ErrCapabilityUnavailable)
		assert.Contains(t, err.Error(), "no Ledger app available for Solo")
	})

	t.Run("offline account", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.orch.Connect(ctx, Target{Address: qrAddr})
		assert.ErrorIs(t, err, signing.ErrUnsupportedOperation)
	})

	t.Run("bridge not configured", func(t *testing.T) {
		h := newHarness(t)
		h.orch.cfg.Accounts = accountMap{"0xb": {Address: "0xb", Origin: OriginBridge, Family: signing.FamilyEthereum}}
		_, err := h.orch.Connect(ctx, Target{Address: "0xb"})
		assert.ErrorIs(t, err, signing.ErrCapabilityUnavailable)
	})

	t.Run("device missing surfaces as status and recovers", func(t *testing.T) {
		h := newHarness(t)
		h.setOpenErr(errors.New("hid: ledger device not found"))

		sess, err := h.orch.Connect(ctx, Target{Address: ethAddr})
		require.NoError(t, err)
		defer h.orch.Close(sess)
		assert.Equal(t, device.StatusConnecting, sess.Status().Status)

		h.setOpenErr(nil)
		assert.Eventually(t, func() bool {
			return sess.Status().Status == device.StatusReady
		}, 2*time.Second, 10*time.Millisecond)
	})
}

func TestSign(t *testing.T) {
	ctx := context.Background()

	t.Run("ethereum message is journaled", func(t *testing.T) {
		h := newHarness(t)
		sess, err := h.orch.Connect(ctx, Target{Address: ethAddr})
		require.NoError(t, err)
		defer h.orch.Close(sess)

		sig, err := h.orch.Sign(ctx, sess, signing.Request{Payload: signing.RawMessage{Data: "hello"}})
		require.NoError(t, err)
		assert.Len(t, sig.Bytes, 65)

		require.Equal(t, 1, h.journal.len())
		e := h.journal.entries[0]
		assert.Equal(t, ethAddr, e.Address)
		assert.Equal(t, "raw-message", e.Kind)
		assert.Equal(t, "ledger-ethereum", e.Device)
		assert.Equal(t, "ethereum", e.Network)
	})

	t.Run("generic substrate extrinsic", func(t *testing.T) {
		h := newHarness(t)
		sess, err := h.orch.Connect(ctx, Target{Address: dotAddr})
		require.NoError(t, err)
		defer h.orch.Close(sess)

		payload := signing.ExtrinsicPayload{
			BlockHash:          chain.GenesisPolkadot,
			Era:                "0x00",
			GenesisHash:        chain.GenesisPolkadot,
			Method:             "0x0503",
			Nonce:              "0x01",
			SpecVersion:        "0x00000001",
			Tip:                "0x00",
			TransactionVersion: "0x00000001",
			SignedExtensions:   []string{"CheckMetadataHash"},
		}
		sig, err := h.orch.Sign(ctx, sess, signing.Request{Payload: payload})
		require.NoError(t, err)
		assert.Len(t, sig.Bytes, 64)
		require.NotNil(t, sig.Prefix)
		assert.Len(t, h.journal.entries[0].Signature, 65)
	})

	t.Run("legacy raw message", func(t *testing.T) {
		h := newHarness(t)
		sess, err := h.orch.Connect(ctx, Target{Address: edgAddr})
		require.NoError(t, err)
		defer h.orch.Close(sess)

		_, err = h.orch.Sign(ctx, sess, signing.Request{Payload: signing.RawBytes("hi")})
		require.NoError(t, err)

		init := h.ledger.CommandsFor(0x03)[0]
		assert.Equal(t, derivation.LegacyPath(derivation.CoinEdgeware, 1, 0).Bytes(), init.Data)
	})

	t.Run("family mismatch", func(t *testing.T) {
		h := newHarness(t)
		sess, err := h.orch.Connect(ctx, Target{Address: ethAddr})
		require.NoError(t, err)
		defer h.orch.Close(sess)

		_, err = h.orch.Sign(ctx, sess, signing.Request{Family: signing.FamilySubstrate, Payload: signing.RawBytes("x")})
		assert.ErrorIs(t, err, signing.ErrUnsupportedOperation)
	})

	t.Run("rejection is not journaled", func(t *testing.T) {
		h := newHarness(t)
		h.ledger.Handle(claEth, 0x08, func(apdu.Command) ([]byte, uint16) {
			return nil, apdu.StatusConditionsNotSatisfied
		})
		sess, err := h.orch.Connect(ctx, Target{Address: ethAddr})
		require.NoError(t, err)
		defer h.orch.Close(sess)

		_, err = h.orch.Sign(ctx, sess, signing.Request{Payload: signing.RawMessage{Data: "hello"}})
		assert.ErrorIs(t, err, signing.ErrUserRejected)
		assert.Zero(t, h.journal.len())
		assert.Equal(t, device.StatusReady, sess.Status().Status)
	})

	t.Run("cancel resolves a running sign", func(t *testing.T) {
		h := newHarness(t)
		release := make(chan struct{})
		defer close(release)
		started := make(chan struct{}, 1)
		h.ledger.Handle(claEth, 0x08, func(apdu.Command) ([]byte, uint16) {
			started <- struct{}{}
			<-release
			return vrsReply(), apdu.StatusOK
		})
		sess, err := h.orch.Connect(ctx, Target{Address: ethAddr})
		require.NoError(t, err)

		errc := make(chan error, 1)
		go func() {
			_, err := h.orch.Sign(ctx, sess, signing.Request{Payload: signing.RawMessage{Data: "hello"}})
			errc <- err
		}()
		<-started
		h.orch.Cancel(sess)

		select {
		case err := <-errc:
			assert.ErrorIs(t, err, signing.ErrCancelled)
		case <-time.After(2 * time.Second):
			t.Fatal("sign did not resolve after cancel")
		}
		assert.Equal(t, device.StatusUnknown, sess.Status().Status)
		assert.False(t, sess.PollArmed())
		assert.GreaterOrEqual(t, h.ledger.Closes(), 1)
	})
}

func TestAirGap(t *testing.T) {
	h := newHarness(t)

	t.Run("ledger account cannot use qr", func(t *testing.T) {
		_, err := h.orch.BeginAirGapExchange(signing.Request{Address: dotAddr, Payload: signing.RawBytes("x")}, AirGapOptions{})
		assert.ErrorIs(t, err, signing.ErrUnsupportedOperation)
	})

	t.Run("message uses the account network", func(t *testing.T) {
		x, err := h.orch.BeginAirGapExchange(signing.Request{Address: qrAddr, Payload: signing.RawBytes("hello")}, AirGapOptions{})
		require.NoError(t, err)

		require.NoError(t, h.orch.Advance(x, qr.EventConfirm))
		require.NoError(t, h.orch.Advance(x, qr.EventScan))

		_, err = h.orch.Complete(context.Background(), x, "garbage")
		assert.ErrorIs(t, err, signing.ErrProtocol)
		assert.Equal(t, qr.StateReceive, x.State())

		sig, err := h.orch.Complete(context.Background(), x, hexutil.Encode(append([]byte{0x01}, make([]byte, 64)...)))
		require.NoError(t, err)
		assert.Len(t, sig.Bytes, 64)
		assert.Equal(t, 1, h.journal.len())
		assert.Equal(t, "qr", h.journal.entries[0].Device)
		assert.Equal(t, "polkadot", h.journal.entries[0].Network)
	})

	t.Run("cancel", func(t *testing.T) {
		x, err := h.orch.BeginAirGapExchange(signing.Request{Address: qrAddr, Payload: signing.RawBytes("hello")}, AirGapOptions{})
		require.NoError(t, err)
		require.NoError(t, h.orch.CancelAirGap(x))
		assert.Equal(t, qr.StateCancelled, x.State())
	})
}

func TestEVMNetwork(t *testing.T) {
	assert.Equal(t, "1", evmNetwork("ethereum").ChainID.String())
	assert.Equal(t, "base", evmNetwork("8453").ID)
	assert.Equal(t, "999999", evmNetwork("999999").ChainID.String())
	assert.Nil(t, evmNetwork("").ChainID)
}
