package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/browser"
	"go.uber.org/zap"

	"github.com/yolodolo42/hwsign/internal/signing"
)

const (
	DefaultPort          = 19877
	DefaultFocusInterval = 500 * time.Millisecond
	// DefaultClosedTTL is how long a closed exchange is kept for a popup
	// that has not polled its state yet.
	DefaultClosedTTL = time.Minute
)

// ErrClosed is returned by round trips on a closed channel.
var ErrClosed = fmt.Errorf("%w: bridge channel closed", signing.ErrConnection)

// Config configures a Server.
type Config struct {
	// Port on 127.0.0.1; zero picks a free port.
	Port int
	// PageURL is the bridge page opened in the popup. Without it the
	// server cannot open channels.
	PageURL       string
	FocusInterval time.Duration
	ClosedTTL     time.Duration
	// Opener opens the popup; defaults to the system browser.
	Opener func(url string) error
	Logger *zap.Logger
}

type exchange struct {
	msg    Message
	reply  chan Reply
	state  State
	answer bool
}

// Server is the localhost side of the bridge.
type Server struct {
	cfg      Config
	log      *zap.Logger
	origin   string
	srv      *http.Server
	listener net.Listener
	base     string

	mu        sync.Mutex
	exchanges map[string]*exchange
}

// NewServer creates a server; call Start before opening channels.
func NewServer(cfg Config) *Server {
	if cfg.FocusInterval <= 0 {
		cfg.FocusInterval = DefaultFocusInterval
	}
	if cfg.ClosedTTL <= 0 {
		cfg.ClosedTTL = DefaultClosedTTL
	}
	if cfg.Opener == nil {
		cfg.Opener = browser.OpenURL
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	origin := "*"
	if u, err := url.Parse(cfg.PageURL); err == nil && u.Scheme != "" && u.Host != "" {
		origin = u.Scheme + "://" + u.Host
	}
	return &Server{
		cfg:       cfg,
		log:       log.With(zap.String("component", "bridge")),
		origin:    origin,
		exchanges: make(map[string]*exchange),
	}
}

// Start listens on 127.0.0.1 and serves in the background.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", s.cfg.Port))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", s.cfg.Port, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ping", func(w http.ResponseWriter, r *http.Request) {
		s.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	})
	mux.HandleFunc("GET /requests/{id}", s.handleRequest)
	mux.HandleFunc("POST /responses/{id}", s.handleResponse)
	mux.HandleFunc("GET /state/{id}", s.handleState)
	mux.HandleFunc("OPTIONS /", func(w http.ResponseWriter, r *http.Request) {
		s.cors(w)
		w.WriteHeader(http.StatusNoContent)
	})

	s.listener = listener
	s.base = "http://" + listener.Addr().String()
	s.srv = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := s.srv.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.Error("bridge server stopped", zap.Error(err))
		}
	}()
	s.log.Info("bridge listening", zap.String("addr", s.base))
	return nil
}

// BaseURL is the server's own address.
func (s *Server) BaseURL() string { return s.base }

// Stop shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// Open returns a channel for one session.
func (s *Server) Open(ctx context.Context) (*Channel, error) {
	if s.srv == nil {
		return nil, fmt.Errorf("%w: bridge server not started", signing.ErrConnection)
	}
	if s.cfg.PageURL == "" {
		return nil, fmt.Errorf("%w: no bridge page url configured", signing.ErrCapabilityUnavailable)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &Channel{server: s, done: make(chan struct{})}, nil
}

func (s *Server) cors(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", s.origin)
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	s.cors(w)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) lookup(id string) (*exchange, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ex, ok := s.exchanges[id]
	return ex, ok
}

func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	ex, ok := s.lookup(r.PathValue("id"))
	if !ok {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown request"})
		return
	}
	s.writeJSON(w, http.StatusOK, ex.msg)
}

func (s *Server) handleResponse(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var reply Reply
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&reply); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed reply"})
		return
	}

	s.mu.Lock()
	ex, ok := s.exchanges[id]
	delivered := false
	if ok && !ex.answer && !ex.state.Closed {
		ex.answer = true
		ex.reply <- reply
		delivered = true
	}
	s.mu.Unlock()

	if !delivered {
		s.writeJSON(w, http.StatusConflict, map[string]string{"error": "request is not pending"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	id := r.PathValue("id")
	ex, ok := s.exchanges[id]
	var st State
	if ok {
		st = ex.state
		// The popup closes itself once it reads this.
		if st.Closed {
			delete(s.exchanges, id)
		}
	}
	s.mu.Unlock()
	if !ok {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown request"})
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

func (s *Server) register(msg Message) *exchange {
	ex := &exchange{msg: msg, reply: make(chan Reply, 1)}
	s.mu.Lock()
	s.exchanges[msg.ID] = ex
	s.mu.Unlock()
	return ex
}

func (s *Server) raise(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ex, ok := s.exchanges[id]; ok && !ex.state.Closed {
		ex.state.Focus++
	}
}

// closePopup flags the exchange closed; the popup sees it on its next
// state poll and closes itself. The exchange is dropped after ClosedTTL if
// no poll comes.
func (s *Server) closePopup(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ex, ok := s.exchanges[id]
	if !ok || ex.state.Closed {
		return
	}
	ex.state.Closed = true
	time.AfterFunc(s.cfg.ClosedTTL, func() { s.forget(id, ex) })
}

func (s *Server) forget(id string, ex *exchange) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exchanges[id] == ex {
		delete(s.exchanges, id)
	}
}

// State returns the popup state of an exchange.
func (s *Server) State(id string) (State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ex, ok := s.exchanges[id]
	if !ok {
		return State{}, false
	}
	return ex.state, true
}

func (s *Server) popupURL(id string) string {
	q := url.Values{}
	q.Set("origin", s.base)
	q.Set("request", id)
	return s.cfg.PageURL + "?" + q.Encode()
}

// Channel is a session's handle on the bridge.
type Channel struct {
	server *Server
	done   chan struct{}
	once   sync.Once

	mu        sync.Mutex
	lastLease *Lease
}

// Close ends the channel; a pending round trip returns ErrClosed.
func (c *Channel) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

// Ping checks that the local server answers.
func (c *Channel) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.server.base+"/ping", nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("bridge: ping: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("bridge: ping returned status %d", resp.StatusCode)
	}
	return nil
}

// RoundTrip opens the popup for msg and waits for its reply. The popup is
// kept in the foreground while waiting and told to close on every exit
// path.
func (c *Channel) RoundTrip(ctx context.Context, msg Message) (Reply, error) {
	select {
	case <-c.done:
		return Reply{}, ErrClosed
	default:
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	s := c.server
	ex := s.register(msg)
	defer s.closePopup(msg.ID)

	lease := AcquireLease(s.cfg.FocusInterval, func() { s.raise(msg.ID) })
	defer lease.Release()
	c.mu.Lock()
	c.lastLease = lease
	c.mu.Unlock()

	popup := s.popupURL(msg.ID)
	s.log.Debug("opening bridge popup", zap.String("request", msg.ID))
	if err := s.cfg.Opener(popup); err != nil {
		return Reply{}, fmt.Errorf("%w: open bridge popup: %w", signing.ErrConnection, err)
	}

	select {
	case reply := <-ex.reply:
		return reply, nil
	case <-ctx.Done():
		return Reply{}, ctx.Err()
	case <-c.done:
		return Reply{}, ErrClosed
	}
}

// LastLease returns the lease of the most recent round trip.
func (c *Channel) LastLease() *Lease {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastLease
}
