package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/yolodolo42/hwsign/internal/signing"
)

const (
	DefaultPollInterval   = 2 * time.Second
	DefaultConnectTimeout = 5 * time.Second
)

// ErrBusy is returned when an operation is already running on the session.
var ErrBusy = errors.New("device: session is busy")

var errProbeTimeout = fmt.Errorf("device: probe timed out: %w", context.DeadlineExceeded)

// Handle is an open transport owned by a session. USB handles also
// implement apdu.Exchanger; bridge handles expose their own capability.
type Handle interface {
	Close() error
}

// OpenFunc acquires a transport handle.
type OpenFunc func(ctx context.Context) (Handle, error)

// ProbeFunc performs one cheap read-only call against a freshly opened
// handle, such as fetching the app version.
type ProbeFunc func(ctx context.Context, h Handle) error

// Config describes how a session reaches its device.
type Config struct {
	Kind     Kind
	AppLabel string
	Open     OpenFunc
	Probe    ProbeFunc

	PollInterval   time.Duration
	ConnectTimeout time.Duration

	// Persist keeps the handle open across Close so that two cooperating
	// callers can share one session. Cancel still releases it.
	Persist bool

	Logger *zap.Logger
}

// State is a snapshot of a session.
type State struct {
	Status              Status
	Message             string
	RequiresManualRetry bool
	Err                 error
}

// Session is the connection state machine for one device. It is safe for
// concurrent use; at most one connect attempt and one operation run at a
// time.
type Session struct {
	cfg Config
	id  string
	log *zap.Logger

	mu       sync.Mutex
	state    State
	handle   Handle
	pending  Handle
	inflight chan struct{}
	abort    context.CancelFunc
	opCancel context.CancelCauseFunc
	loading  bool
	poll     *time.Timer
	parked   bool
	closed   bool
	gen      uint64
	subs     []chan State
}

// NewSession creates a session in the Unknown state. No I/O happens until
// Connect or Refresh is called.
func NewSession(cfg Config) *Session {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	id := uuid.NewString()
	return &Session{
		cfg: cfg,
		id:  id,
		log: log.With(zap.String("session", id), zap.String("kind", string(cfg.Kind))),
	}
}

func (s *Session) ID() string   { return s.id }
func (s *Session) Kind() Kind   { return s.cfg.Kind }
func (s *Session) Persist() bool { return s.cfg.Persist }

// Status returns the current state.
func (s *Session) Status() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Loading reports whether an operation is running.
func (s *Session) Loading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loading
}

// PollArmed reports whether a reconnection poll is scheduled.
func (s *Session) PollArmed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.poll != nil
}

// Subscribe returns a channel receiving every state change. Slow readers
// miss intermediate states. The returned func unsubscribes.
func (s *Session) Subscribe() (<-chan State, func()) {
	ch := make(chan State, 8)
	s.mu.Lock()
	s.subs = append(s.subs, ch)
	s.mu.Unlock()
	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, c := range s.subs {
			if c == ch {
				s.subs = append(s.subs[:i], s.subs[i+1:]...)
				close(ch)
				return
			}
		}
	}
}

// Connect brings the session to Ready. If an attempt is already running the
// call waits for it instead of starting another. It returns nil once the
// session is Ready, or the classified failure.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return signing.ErrCancelled
	}
	s.parked = false
	if s.state.Status == StatusReady && s.handle != nil {
		s.mu.Unlock()
		return nil
	}
	done := s.startLocked()
	s.mu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	st := s.Status()
	switch st.Status {
	case StatusReady:
		return nil
	case StatusUnknown:
		return signing.ErrCancelled
	}
	if st.Err != nil {
		return fmt.Errorf("%w: %w", signing.ErrConnection, st.Err)
	}
	return fmt.Errorf("%w: %s", signing.ErrConnection, st.Status)
}

// Refresh clears the displayed error and reconnects, reopening the device
// even when the session looks Ready. It is the only way out of a state that
// requires a manual retry. A running operation keeps its handle.
func (s *Session) Refresh(ctx context.Context) error {
	s.mu.Lock()
	var stale Handle
	if s.inflight == nil && !s.loading && !s.closed {
		stale = s.handle
		s.handle = nil
		s.setLocked(State{Status: StatusConnecting})
	}
	s.mu.Unlock()
	if stale != nil {
		closeQuietly(s.log, stale)
	}
	return s.Connect(ctx)
}

// startLocked begins a connect attempt unless one is in flight and returns
// the channel closed when it finishes.
func (s *Session) startLocked() chan struct{} {
	if s.inflight != nil {
		return s.inflight
	}
	s.stopPollLocked()

	done := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	s.inflight = done
	s.abort = cancel
	gen := s.gen
	s.setLocked(State{Status: StatusConnecting})

	go s.attempt(ctx, cancel, gen, done)
	return done
}

func (s *Session) attempt(ctx context.Context, cancel context.CancelFunc, gen uint64, done chan struct{}) {
	defer close(done)
	defer cancel()

	h, err := s.cfg.Open(ctx)
	if err == nil {
		s.mu.Lock()
		stale := gen != s.gen
		if !stale {
			s.pending = h
		}
		s.mu.Unlock()
		if stale {
			closeQuietly(s.log, h)
			return
		}
		err = s.probe(ctx, h)
	}
	if err != nil && h != nil {
		closeQuietly(s.log, h)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		// Cancel already released the pending handle.
		return
	}
	s.pending = nil
	s.abort = nil
	s.inflight = nil

	if err != nil {
		c := Classify(err, s.cfg.AppLabel)
		st := State{Status: c.Status, Message: c.Message, RequiresManualRetry: c.RequiresManualRetry, Err: err}
		if c.Rejected {
			st.Status = StatusWarning
		}
		s.log.Info("connect failed", zap.String("status", st.Status.String()), zap.Error(err))
		s.setLocked(st)
		s.armPollLocked()
		return
	}

	s.handle = h
	s.log.Info("device ready")
	s.setLocked(State{Status: StatusReady})
}

// probe races the probe call against the connect timeout.
func (s *Session) probe(ctx context.Context, h Handle) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()

	res := make(chan error, 1)
	go func() { res <- s.cfg.Probe(ctx, h) }()

	select {
	case err := <-res:
		return err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return errProbeTimeout
		}
		return ctx.Err()
	}
}

// Do runs fn with the session's handle. It waits for an outstanding
// connect, requires Ready and suppresses polling while fn runs. A
// connection failure inside fn reclassifies the session. If the session is
// cancelled meanwhile Do returns signing.ErrCancelled.
func (s *Session) Do(ctx context.Context, fn func(ctx context.Context, h Handle) error) error {
	s.mu.Lock()
	for s.inflight != nil {
		done := s.inflight
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
		s.mu.Lock()
	}
	if s.closed {
		s.mu.Unlock()
		return signing.ErrCancelled
	}
	if s.state.Status != StatusReady || s.handle == nil {
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: device is %s", signing.ErrConnection, st.Status)
	}
	if s.loading {
		s.mu.Unlock()
		return ErrBusy
	}
	s.loading = true
	s.stopPollLocked()
	opCtx, cancel := context.WithCancelCause(ctx)
	s.opCancel = cancel
	h := s.handle
	gen := s.gen
	s.mu.Unlock()
	defer cancel(nil)

	res := make(chan error, 1)
	go func() { res <- fn(opCtx, h) }()

	var err error
	select {
	case err = <-res:
	case <-opCtx.Done():
		err = context.Cause(opCtx)
	}

	s.mu.Lock()
	s.loading = false
	s.opCancel = nil

	if gen != s.gen || errors.Is(context.Cause(opCtx), signing.ErrCancelled) {
		s.mu.Unlock()
		return signing.ErrCancelled
	}
	if err == nil {
		s.mu.Unlock()
		return nil
	}

	c := Classify(err, s.cfg.AppLabel)
	if c.Rejected {
		s.mu.Unlock()
		return fmt.Errorf("%w: %w", signing.ErrUserRejected, err)
	}
	if !lostConnection(err) {
		s.mu.Unlock()
		return err
	}

	s.log.Info("connection lost during operation", zap.Error(err))
	dead := s.handle
	s.handle = nil
	s.setLocked(State{Status: c.Status, Message: c.Message, RequiresManualRetry: c.RequiresManualRetry, Err: err})
	s.armPollLocked()
	s.mu.Unlock()
	if dead != nil {
		closeQuietly(s.log, dead)
	}

	if errors.Is(err, signing.ErrConnection) {
		return err
	}
	return fmt.Errorf("%w: %w", signing.ErrConnection, err)
}

// lostConnection reports whether a failed operation leaves the handle
// unusable. Typed request errors and caller cancellation keep it; any other
// failure, including raw transport errors, drops it.
func lostConnection(err error) bool {
	if errors.Is(err, signing.ErrConnection) {
		return true
	}
	for _, typed := range []error{signing.ErrProtocol, signing.ErrUnsupportedOperation, signing.ErrCapabilityUnavailable, context.Canceled} {
		if errors.Is(err, typed) {
			return false
		}
	}
	return true
}

// Cancel stops polling, aborts a running connect or operation, closes the
// handle and returns the session to Unknown. A later Connect or Refresh
// starts over.
func (s *Session) Cancel() {
	s.mu.Lock()
	released := s.cancelLocked()
	s.mu.Unlock()
	s.release(released)
}

// cancelLocked resets the session and returns the handles to close once
// s.mu is released, since closing a handle may wait on device I/O.
func (s *Session) cancelLocked() []Handle {
	s.stopPollLocked()
	s.gen++
	s.parked = true

	if s.abort != nil {
		s.abort()
		s.abort = nil
	}
	s.inflight = nil
	if s.opCancel != nil {
		s.opCancel(signing.ErrCancelled)
	}
	var released []Handle
	for _, h := range []Handle{s.handle, s.pending} {
		if h != nil {
			released = append(released, h)
		}
	}
	s.handle = nil
	s.pending = nil
	s.setLocked(State{Status: StatusUnknown})
	return released
}

func (s *Session) release(handles []Handle) {
	for _, h := range handles {
		closeQuietly(s.log, h)
	}
}

// Close ends the owning scope. Non-persistent sessions release the device;
// persistent ones keep it until Cancel.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.cfg.Persist || s.closed {
		s.mu.Unlock()
		return nil
	}
	released := s.cancelLocked()
	s.closed = true
	for _, ch := range s.subs {
		close(ch)
	}
	s.subs = nil
	s.mu.Unlock()
	s.release(released)
	return nil
}

func (s *Session) setLocked(st State) {
	s.state = st
	for _, ch := range s.subs {
		select {
		case ch <- st:
		default:
		}
	}
}

// armPollLocked schedules a reconnect if the state allows it. The poll only
// triggers a connect; it never runs while an operation is loading or when
// the state needs a manual retry.
func (s *Session) armPollLocked() {
	s.stopPollLocked()
	if !s.pollEligibleLocked() {
		return
	}
	var t *time.Timer
	t = time.AfterFunc(s.cfg.PollInterval, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.poll != t {
			return
		}
		s.poll = nil
		if !s.pollEligibleLocked() {
			return
		}
		s.log.Debug("polling device")
		s.startLocked()
	})
	s.poll = t
}

func (s *Session) pollEligibleLocked() bool {
	if s.closed || s.parked || s.loading || s.inflight != nil {
		return false
	}
	if s.state.RequiresManualRetry {
		return false
	}
	return s.state.Status != StatusReady
}

func (s *Session) stopPollLocked() {
	if s.poll != nil {
		s.poll.Stop()
		s.poll = nil
	}
}

func closeQuietly(log *zap.Logger, h Handle) {
	if err := h.Close(); err != nil {
		log.Debug("close failed", zap.Error(err))
	}
}
