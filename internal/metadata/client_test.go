package metadata

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yolodolo42/hwsign/internal/signing"
)

func TestClient_Fetch(t *testing.T) {
	t.Run("posts chain and blob and decodes the proof", func(t *testing.T) {
		var got request
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
			require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
			_, _ = w.Write([]byte(`{"txMetadata":"0xc0ffee"}`))
		}))
		defer srv.Close()

		c := NewClient(srv.URL, WithRateLimit(100))
		proof, err := c.Fetch(context.Background(), "dot", []byte{0x01, 0x02})
		require.NoError(t, err)
		assert.Equal(t, []byte{0xc0, 0xff, 0xee}, proof)
		assert.Equal(t, "dot", got.Chain.ID)
		assert.Equal(t, "0x0102", got.TxBlob)
	})

	t.Run("non 2xx is a protocol error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "unknown chain", http.StatusBadRequest)
		}))
		defer srv.Close()

		_, err := NewClient(srv.URL).Fetch(context.Background(), "dot", []byte{0x01})
		require.ErrorIs(t, err, signing.ErrProtocol)
		assert.Contains(t, err.Error(), "400")
	})

	t.Run("malformed json is a protocol error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"txMetadata":`))
		}))
		defer srv.Close()

		_, err := NewClient(srv.URL).Fetch(context.Background(), "dot", []byte{0x01})
		assert.ErrorIs(t, err, signing.ErrProtocol)
	})

	t.Run("non hex proof is a protocol error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"txMetadata":"nothex"}`))
		}))
		defer srv.Close()

		_, err := NewClient(srv.URL).Fetch(context.Background(), "dot", []byte{0x01})
		assert.ErrorIs(t, err, signing.ErrProtocol)
	})

	t.Run("cancelled context stops before the request", func(t *testing.T) {
		hit := false
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { hit = true }))
		defer srv.Close()

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := NewClient(srv.URL).Fetch(ctx, "dot", []byte{0x01})
		require.Error(t, err)
		assert.False(t, hit)
	})
}
