package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yolodolo42/hwsign/internal/signing"
)

// fakePopup plays the bridge page: it reads the request and posts a reply.
func fakePopup(t *testing.T, reply Reply) func(string) error {
	return func(popup string) error {
		u, err := url.Parse(popup)
		require.NoError(t, err)
		origin := u.Query().Get("origin")
		id := u.Query().Get("request")

		go func() {
			resp, err := http.Get(origin + "/requests/" + id)
			if err != nil {
				return
			}
			var msg Message
			_ = json.NewDecoder(resp.Body).Decode(&msg)
			_ = resp.Body.Close()

			body, _ := json.Marshal(reply)
			resp, err = http.Post(origin+"/responses/"+id, "application/json", bytes.NewReader(body))
			if err == nil {
				_ = resp.Body.Close()
			}
		}()
		return nil
	}
}

func startServer(t *testing.T, opener func(string) error) *Server {
	t.Helper()
	s := NewServer(Config{Opener: opener, FocusInterval: 10 * time.Millisecond, PageURL: "https://bridge.example/sign"})
	require.NoError(t, s.Start())
	t.Cleanup(func() { _ = s.Stop(context.Background()) })
	return s
}

func TestChannel_RoundTrip(t *testing.T) {
	t.Run("delivers the popup reply and closes the popup", func(t *testing.T) {
		s := startServer(t, fakePopup(t, Reply{Signature: "0xabcd"}))
		ch, err := s.Open(context.Background())
		require.NoError(t, err)
		require.NoError(t, ch.Ping(context.Background()))

		reply, err := ch.RoundTrip(context.Background(), Message{ID: "req-1", Family: signing.FamilyEthereum, Payload: "0x01"})
		require.NoError(t, err)
		assert.Equal(t, "0xabcd", reply.Signature)

		st, ok := s.State("req-1")
		require.True(t, ok)
		assert.True(t, st.Closed)
		assert.GreaterOrEqual(t, st.Focus, 1)
		assert.True(t, ch.LastLease().Released())
	})

	t.Run("popup failure still releases the lease", func(t *testing.T) {
		s := startServer(t, func(string) error { return errors.New("no display") })
		ch, err := s.Open(context.Background())
		require.NoError(t, err)

		_, err = ch.RoundTrip(context.Background(), Message{ID: "req-2"})
		require.ErrorIs(t, err, signing.ErrConnection)
		assert.True(t, ch.LastLease().Released())
		st, _ := s.State("req-2")
		assert.True(t, st.Closed)
	})

	t.Run("cancel closes the popup and stops raising it", func(t *testing.T) {
		s := startServer(t, func(string) error { return nil })
		ch, err := s.Open(context.Background())
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		_, err = ch.RoundTrip(ctx, Message{ID: "req-3"})
		require.ErrorIs(t, err, context.DeadlineExceeded)

		st, _ := s.State("req-3")
		assert.True(t, st.Closed)
		focus := st.Focus
		time.Sleep(50 * time.Millisecond)
		st, _ = s.State("req-3")
		assert.Equal(t, focus, st.Focus)
	})

	t.Run("closing the channel ends a pending round trip", func(t *testing.T) {
		s := startServer(t, func(string) error { return nil })
		ch, err := s.Open(context.Background())
		require.NoError(t, err)

		go func() {
			time.Sleep(20 * time.Millisecond)
			_ = ch.Close()
		}()
		_, err = ch.RoundTrip(context.Background(), Message{ID: "req-4"})
		assert.ErrorIs(t, err, ErrClosed)
	})

	t.Run("late replies are refused", func(t *testing.T) {
		s := startServer(t, fakePopup(t, Reply{Error: CodeUserCancelled}))
		ch, err := s.Open(context.Background())
		require.NoError(t, err)

		reply, err := ch.RoundTrip(context.Background(), Message{ID: "req-5"})
		require.NoError(t, err)
		assert.Equal(t, CodeUserCancelled, reply.Error)

		resp, err := http.Post(s.BaseURL()+"/responses/req-5", "application/json", bytes.NewReader([]byte(`{"signature":"0x01"}`)))
		require.NoError(t, err)
		_ = resp.Body.Close()
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
	})
}

func TestServer_Open(t *testing.T) {
	t.Run("requires a page url", func(t *testing.T) {
		s := NewServer(Config{Opener: func(string) error { return nil }})
		require.NoError(t, s.Start())
		t.Cleanup(func() { _ = s.Stop(context.Background()) })

		_, err := s.Open(context.Background())
		assert.ErrorIs(t, err, signing.ErrCapabilityUnavailable)
	})

	t.Run("requires a started server", func(t *testing.T) {
		s := NewServer(Config{PageURL: "https://bridge.example/sign"})
		_, err := s.Open(context.Background())
		assert.ErrorIs(t, err, signing.ErrConnection)
	})
}

func TestServer_ClosedExchanges(t *testing.T) {
	t.Run("dropped once the popup reads the closed state", func(t *testing.T) {
		s := startServer(t, fakePopup(t, Reply{Signature: "0x01"}))
		ch, err := s.Open(context.Background())
		require.NoError(t, err)
		_, err = ch.RoundTrip(context.Background(), Message{ID: "req-6"})
		require.NoError(t, err)

		resp, err := http.Get(s.BaseURL() + "/state/req-6")
		require.NoError(t, err)
		var st State
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
		_ = resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.True(t, st.Closed)

		_, ok := s.State("req-6")
		assert.False(t, ok)
		resp, err = http.Get(s.BaseURL() + "/state/req-6")
		require.NoError(t, err)
		_ = resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("dropped after the grace period without a poll", func(t *testing.T) {
		s := NewServer(Config{
			Opener:        func(string) error { return nil },
			FocusInterval: 10 * time.Millisecond,
			ClosedTTL:     20 * time.Millisecond,
			PageURL:       "https://bridge.example/sign",
		})
		require.NoError(t, s.Start())
		t.Cleanup(func() { _ = s.Stop(context.Background()) })
		ch, err := s.Open(context.Background())
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		_, err = ch.RoundTrip(ctx, Message{ID: "req-7"})
		require.ErrorIs(t, err, context.DeadlineExceeded)

		assert.Eventually(t, func() bool {
			_, ok := s.State("req-7")
			return !ok
		}, 2*time.Second, 5*time.Millisecond)
	})
}

func TestLease(t *testing.T) {
	count := 0
	done := make(chan struct{}, 100)
	l := AcquireLease(5*time.Millisecond, func() {
		count++
		done <- struct{}{}
	})
	<-done
	<-done
	l.Release()
	l.Release()
	assert.True(t, l.Released())
	assert.GreaterOrEqual(t, count, 2)
}
