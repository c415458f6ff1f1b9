package journal

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yolodolo42/hwsign/internal/testutil"
)

func TestOpen(t *testing.T) {
	dir := testutil.TempDir(t)
	store, err := Open(dir, nil)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	_, err = os.Stat(filepath.Join(dir, "journal.db"))
	assert.NoError(t, err)
}

func TestRecordAndList(t *testing.T) {
	ctx := context.Background()
	store, err := OpenDSN(":memory:", nil)
	require.NoError(t, err)
	defer store.Close()

	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	for i, addr := range []string{"0xaaa", "0xbbb", "0xccc"} {
		_, err := store.Record(ctx, Entry{
			SessionID: "s1",
			Address:   addr,
			Family:    "ethereum",
			Kind:      "raw-message",
			Device:    "ledger-ethereum",
			Signature: []byte{byte(i), 0x01},
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
	}

	t.Run("newest first with limit", func(t *testing.T) {
		entries, err := store.List(ctx, 2)
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, "0xccc", entries[0].Address)
		assert.Equal(t, "0xbbb", entries[1].Address)
		assert.Equal(t, []byte{2, 0x01}, entries[0].Signature)
		assert.True(t, base.Add(2*time.Minute).Equal(entries[0].CreatedAt))
	})

	t.Run("all", func(t *testing.T) {
		entries, err := store.List(ctx, 0)
		require.NoError(t, err)
		assert.Len(t, entries, 3)
	})

	t.Run("requires signature", func(t *testing.T) {
		_, err := store.Record(ctx, Entry{Address: "0xaaa"})
		assert.Error(t, err)
	})
}

func TestNilStore(t *testing.T) {
	var s *Store
	assert.NoError(t, s.Close())
	_, err := s.Record(context.Background(), Entry{})
	assert.Error(t, err)
}
