package cardio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ConnState is the session lifecycle state.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateAuthenticating
	StateInitializing
	StateReady
	StateReconnecting
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateReconnecting:
		return "reconnecting"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Config holds session tuning. Zero values get sane defaults.
type Config struct {
	Password string

	// RequestTimeout is the reply deadline per transaction. Expiry fails
	// the transaction and escalates to a reconnect.
	RequestTimeout time.Duration

	// AcquireTimeout bounds the wait for the exclusive transaction slot.
	AcquireTimeout time.Duration

	// BackoffBase and BackoffMax shape the reconnect delay:
	// min(base<<retry, max).
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

func (c Config) withDefaults() Config {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 5 * time.Second
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = 10 * time.Second
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 60 * time.Second
	}
	return c
}

// Match identifies the reply frame that resolves a transaction: Ack/Nack for
// sets, Info for gets, name Info for name gets. One pending slot per key.
type Match struct {
	Object Object
	ID     int
	Info   bool
	Name   bool
}

// Request is an encoded command plus the reply that resolves it.
type Request struct {
	Raw   []byte
	Match Match
}

// GetRequest builds a state query transaction.
func GetRequest(obj Object, id int) (Request, error) {
	raw, err := EncodeGet(obj, id)
	if err != nil {
		return Request{}, err
	}
	return Request{Raw: raw, Match: Match{Object: obj, ID: id, Info: true}}, nil
}

// GetNameRequest builds a name query transaction.
func GetNameRequest(obj Object, id int) (Request, error) {
	raw, err := EncodeGetName(obj, id)
	if err != nil {
		return Request{}, err
	}
	return Request{Raw: raw, Match: Match{Object: obj, ID: id, Info: true, Name: true}}, nil
}

// SetRequest wraps an encoded set command; it resolves on the ack or nack
// for the same object.
func SetRequest(raw []byte, obj Object, id int) Request {
	return Request{Raw: raw, Match: Match{Object: obj, ID: id}}
}

// Stats is a snapshot of session counters for diagnostics.
type Stats struct {
	FramesIn     uint64
	DecodeErrors uint64
	RetryCount   int
}

// Session owns the port: it runs the connect/login/initialize lifecycle,
// serializes transactions over the half-duplex link, correlates replies,
// and pushes everything unsolicited to the notification callback.
type Session struct {
	port   Port
	cfg    Config
	logger *slog.Logger

	state      atomic.Int32
	retryCount atomic.Int32

	// txSem is the exclusive end-to-end transaction slot.
	txSem chan struct{}

	pendMu  sync.Mutex
	pending map[Match]chan *Frame

	cbMu     sync.RWMutex
	onNotify func(Frame)
	onState  func(ConnState)
	initFn   func(context.Context) error

	connMu sync.Mutex
	fault  chan error

	writeMu sync.Mutex

	framesIn   atomic.Uint64
	decodeErrs atomic.Uint64

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewSession creates a session over the given port. Start begins the
// lifecycle; callbacks must be registered before Start.
func NewSession(port Port, cfg Config, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		port:    port,
		cfg:     cfg.withDefaults(),
		logger:  logger.With("component", "cardio"),
		txSem:   make(chan struct{}, 1),
		pending: make(map[Match]chan *Frame),
		done:    make(chan struct{}),
	}
}

// OnNotification registers the callback for unsolicited frames. Called from
// the read loop goroutine; the callback must not block.
func (s *Session) OnNotification(fn func(Frame)) {
	s.cbMu.Lock()
	s.onNotify = fn
	s.cbMu.Unlock()
}

// OnStateChange registers the callback for lifecycle transitions.
func (s *Session) OnStateChange(fn func(ConnState)) {
	s.cbMu.Lock()
	s.onState = fn
	s.cbMu.Unlock()
}

// SetInitializer registers the routine run in the initializing phase after
// every successful login, typically the name/state prefetch. A non-nil error
// tears the connection down and retries with backoff.
func (s *Session) SetInitializer(fn func(context.Context) error) {
	s.cbMu.Lock()
	s.initFn = fn
	s.cbMu.Unlock()
}

// State returns the current lifecycle state.
func (s *Session) State() ConnState {
	return ConnState(s.state.Load())
}

// Stats returns a snapshot of the session counters.
func (s *Session) Stats() Stats {
	return Stats{
		FramesIn:     s.framesIn.Load(),
		DecodeErrors: s.decodeErrs.Load(),
		RetryCount:   int(s.retryCount.Load()),
	}
}

// Start launches the session lifecycle in the background.
func (s *Session) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.run(ctx)
}

// Close shuts the session down and waits for its goroutines. A logout is
// sent best-effort if the link is still up.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		if s.State() == StateReady {
			if err := s.write(EncodeLogout()); err != nil {
				s.logger.Debug("logout write failed", "err", err)
			}
		}
		close(s.done)
	})
	s.wg.Wait()
	return nil
}

// Request runs one command/reply transaction. It is rejected until the
// session is past login; during initializing only the prefetch path calls it.
func (s *Session) Request(ctx context.Context, req Request) (*Frame, error) {
	switch s.State() {
	case StateReady, StateInitializing:
	default:
		return nil, fmt.Errorf("%w (state %s)", ErrNotReady, s.State())
	}
	return s.transact(ctx, req)
}

// Send writes a raw frame without waiting for a reply (logout, for one).
func (s *Session) Send(raw []byte) error {
	return s.write(raw)
}

// run is the lifecycle loop: connect, authenticate, initialize, stay ready
// until a fault, then back off and start over.
func (s *Session) run(ctx context.Context) {
	defer s.wg.Done()
	defer s.setState(StateDisconnected)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		default:
		}

		s.setState(StateConnecting)
		if err := s.port.Open(); err != nil {
			s.logger.Warn("port open failed", "err", err)
			s.setState(StateReconnecting)
			if !s.sleepBackoff(ctx) {
				return
			}
			continue
		}

		fault := make(chan error, 1)
		connDone := make(chan struct{})
		s.connMu.Lock()
		s.fault = fault
		s.connMu.Unlock()
		s.wg.Add(1)
		go s.readLoop(connDone)

		err := s.startup(ctx)
		if err == nil {
			s.retryCount.Store(0)
			s.setState(StateReady)
			select {
			case err = <-fault:
				s.logger.Warn("link fault", "err", err)
			case <-ctx.Done():
				err = ctx.Err()
			case <-s.done:
				err = ErrClosed
			}
		}

		s.connMu.Lock()
		s.fault = nil
		s.connMu.Unlock()
		close(connDone)
		s.port.Close()
		s.drainPending()

		switch {
		case errors.Is(err, ErrAuthFailed):
			s.logger.Error("panel rejected login, not retrying", "err", err)
			return
		case ctx.Err() != nil, errors.Is(err, ErrClosed):
			return
		}

		s.setState(StateReconnecting)
		if !s.sleepBackoff(ctx) {
			return
		}
	}
}

// startup logs in and runs the initializer. A login nack is fatal.
func (s *Session) startup(ctx context.Context) error {
	s.setState(StateAuthenticating)
	raw, err := EncodeLogin(s.cfg.Password)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}
	reply, err := s.transact(ctx, Request{Raw: raw, Match: Match{Object: ObjectLogin}})
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	if reply.Type == FrameNack {
		return fmt.Errorf("%w: %s", ErrAuthFailed, NackText(reply.NackCode))
	}

	s.setState(StateInitializing)
	s.cbMu.RLock()
	initFn := s.initFn
	s.cbMu.RUnlock()
	if initFn != nil {
		if err := initFn(ctx); err != nil {
			return fmt.Errorf("initialize: %w", err)
		}
	}
	return nil
}

// transact acquires the transaction slot, writes the command and waits for
// the correlated reply. Nack replies are returned as frames, not errors.
func (s *Session) transact(ctx context.Context, req Request) (*Frame, error) {
	acquire := time.NewTimer(s.cfg.AcquireTimeout)
	defer acquire.Stop()
	select {
	case s.txSem <- struct{}{}:
	case <-acquire.C:
		return nil, ErrBusy
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		return nil, ErrClosed
	}
	defer func() { <-s.txSem }()

	reply := make(chan *Frame, 1)
	s.pendMu.Lock()
	s.pending[req.Match] = reply
	s.pendMu.Unlock()
	cleanup := func() {
		s.pendMu.Lock()
		if s.pending[req.Match] == reply {
			delete(s.pending, req.Match)
		}
		s.pendMu.Unlock()
	}

	if err := s.write(req.Raw); err != nil {
		cleanup()
		s.tripFault(err)
		return nil, err
	}

	timer := time.NewTimer(s.cfg.RequestTimeout)
	defer timer.Stop()
	select {
	case f, ok := <-reply:
		if !ok {
			return nil, ErrConnectionLost
		}
		return f, nil
	case <-timer.C:
		cleanup()
		s.tripFault(ErrTimeout)
		return nil, fmt.Errorf("%w: %c %d", ErrTimeout, req.Match.Object, req.Match.ID)
	case <-ctx.Done():
		cleanup()
		return nil, ctx.Err()
	case <-s.done:
		cleanup()
		return nil, ErrClosed
	}
}

func (s *Session) write(raw []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.port.Write(raw); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

// readLoop pumps the port through the decoder and routes every frame.
func (s *Session) readLoop(connDone chan struct{}) {
	defer s.wg.Done()
	dec := &Decoder{}
	buf := make([]byte, 256)
	for {
		n, err := s.port.Read(buf)
		if err != nil {
			select {
			case <-connDone:
			default:
				s.tripFault(fmt.Errorf("read: %w", err))
			}
			return
		}
		if n == 0 {
			continue
		}
		dec.Write(buf[:n])
		for {
			f, err := dec.Next()
			if err != nil {
				s.decodeErrs.Add(1)
				s.logger.Warn("dropped malformed frame", "err", err)
				continue
			}
			if f == nil {
				break
			}
			s.route(*f)
		}
	}
}

// route delivers a frame to the pending transaction it matches, or to the
// notification callback when nothing claims it.
func (s *Session) route(f Frame) {
	s.framesIn.Add(1)

	// A nack may answer a set or a query, so it can resolve any pending
	// slot for the same object.
	var candidates []Match
	switch f.Type {
	case FrameAck:
		candidates = []Match{{Object: f.Object, ID: f.ID}}
	case FrameNack:
		candidates = []Match{
			{Object: f.Object, ID: f.ID},
			{Object: f.Object, ID: f.ID, Info: true},
			{Object: f.Object, ID: f.ID, Info: true, Name: true},
		}
	case FrameInfo:
		candidates = []Match{{Object: f.Object, ID: f.ID, Info: true, Name: f.IsName}}
	}

	s.pendMu.Lock()
	var ch chan *Frame
	for _, m := range candidates {
		if c, ok := s.pending[m]; ok {
			ch = c
			delete(s.pending, m)
			break
		}
	}
	s.pendMu.Unlock()
	if ch != nil {
		ch <- &f
		return
	}

	s.cbMu.RLock()
	fn := s.onNotify
	s.cbMu.RUnlock()
	if fn != nil {
		fn(f)
	}
}

// drainPending fails every transaction still waiting when the link goes down.
func (s *Session) drainPending() {
	s.pendMu.Lock()
	for k, ch := range s.pending {
		delete(s.pending, k)
		close(ch)
	}
	s.pendMu.Unlock()
}

func (s *Session) tripFault(err error) {
	s.connMu.Lock()
	ch := s.fault
	s.connMu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- err:
	default:
	}
}

func (s *Session) setState(st ConnState) {
	old := ConnState(s.state.Swap(int32(st)))
	if old == st {
		return
	}
	s.logger.Info("session state", "from", old.String(), "to", st.String())
	s.cbMu.RLock()
	fn := s.onState
	s.cbMu.RUnlock()
	if fn != nil {
		fn(st)
	}
}

// sleepBackoff waits min(base<<retry, max) and bumps the retry counter.
// It returns false when the session is shutting down.
func (s *Session) sleepBackoff(ctx context.Context) bool {
	retry := int(s.retryCount.Load())
	d := backoffDelay(s.cfg.BackoffBase, s.cfg.BackoffMax, retry)
	s.retryCount.Add(1)
	s.logger.Info("reconnect backoff", "retry", retry, "delay", d)

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	case <-s.done:
		return false
	}
}

func backoffDelay(base, max time.Duration, retry int) time.Duration {
	if retry > 30 {
		retry = 30 // avoid shift overflow
	}
	d := base << uint(retry)
	if d <= 0 || d > max {
		return max
	}
	return d
}
