// package tunnel implements the tunl session layer: multiplexing many
// concurrent request/response exchanges over a single ordered stream,
// together with the suspend/resume lifecycle and the liveness state
// machine shared by both ends of a tunnel.
//
// The package is transport-agnostic. A session consumes one
// already-authenticated, ordered, bidirectional byte stream (in
// practice the registration stream of a QUIC connection) and speaks
// the wire package's frame protocol over it. Registration handshakes
// happen before a session is constructed; see the client package and
// the server internals for the two ends of that exchange.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"go.tunl.dev/tunl/pkg/wire"
)

//go:generate stringer -type=State
type State int32

const (
	StateConnecting State = iota
	StateActive
	StateSuspended
	StateUnhealthy
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateSuspended:
		return "suspended"
	case StateUnhealthy:
		return "unhealthy"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Handler receives exchanges dispatched by the peer.
// ServeExchange is invoked on its own goroutine per exchange; the
// session read loop is never blocked by a slow handler.
type Handler interface {
	ServeExchange(ctx context.Context, in *Inbound)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, in *Inbound)

func (f HandlerFunc) ServeExchange(ctx context.Context, in *Inbound) {
	f(ctx, in)
}

// Options configures a Session. The zero value is usable; defaults are
// applied by New.
type Options struct {
	// Key is the routing key this session serves.
	Key string
	// Token is the opaque session token issued at registration.
	Token string

	// Logger defaults to slog.Default.
	Logger *slog.Logger

	// Handler receives exchanges dispatched by the peer. Sessions
	// without a handler discard inbound request frames.
	Handler Handler

	// ExchangeTimeout bounds the lifetime of each dispatched exchange.
	ExchangeTimeout time.Duration

	// HealthInterval is the period between liveness probes.
	HealthInterval time.Duration
	// HealthTimeout is how long a probe may go unacknowledged before
	// the session is considered unhealthy.
	HealthTimeout time.Duration
	// HealthGrace is how long the session may remain unhealthy before
	// it is closed.
	HealthGrace time.Duration

	// OnStateChange, when set, is invoked after every state transition.
	OnStateChange func(State)
}

const (
	DefaultExchangeTimeout = 30 * time.Second
	DefaultHealthInterval  = 10 * time.Second
	DefaultHealthTimeout   = 5 * time.Second
	DefaultHealthGrace     = 30 * time.Second
)

func (o *Options) applyDefaults() {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}

	if o.ExchangeTimeout <= 0 {
		o.ExchangeTimeout = DefaultExchangeTimeout
	}

	if o.HealthInterval <= 0 {
		o.HealthInterval = DefaultHealthInterval
	}

	if o.HealthTimeout <= 0 {
		o.HealthTimeout = DefaultHealthTimeout
	}

	if o.HealthGrace <= 0 {
		o.HealthGrace = DefaultHealthGrace
	}
}

// Session is one logical tunnel over a single ordered stream. Both the
// server and the client own one Session per tunnel; the server
// dispatches exchanges, the client answers them, and both probe
// liveness independently.
type Session struct {
	stream io.ReadWriteCloser
	opts   Options
	logger *slog.Logger

	// writeMu serializes frame writes from dispatch goroutines, the
	// health monitor and control responses.
	writeMu sync.Mutex
	enc     *wire.Encoder

	mu       sync.Mutex
	state    State
	gate     chan struct{} // non-nil while suspended
	nextID   uint64
	inflight map[uint64]*Exchange
	inbound  map[uint64]*Inbound
	// finished tombstones inbound exchange ids whose lifecycle is over,
	// so late frames are discarded instead of fabricating a new
	// exchange. Retained for the session's lifetime.
	finished map[uint64]struct{}
	lastSeen time.Time

	// delivering is set while the read loop is parked handing a body
	// chunk to a slow consumer.
	delivering atomic.Bool

	health *healthMonitor

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// New wraps an established, post-handshake stream in a Session.
// The returned session is Active; run Serve to start frame processing.
func New(stream io.ReadWriteCloser, opts Options) *Session {
	opts.applyDefaults()

	s := &Session{
		stream:   stream,
		opts:     opts,
		logger:   opts.Logger.With("key", opts.Key),
		enc:      wire.NewEncoder(stream),
		state:    StateActive,
		inflight: map[uint64]*Exchange{},
		inbound:  map[uint64]*Inbound{},
		finished: map[uint64]struct{}{},
		lastSeen: time.Now(),
		done:     make(chan struct{}),
	}

	s.health = newHealthMonitor(s, opts.HealthInterval, opts.HealthTimeout, opts.HealthGrace)

	return s
}

// Key returns the routing key this session serves.
func (s *Session) Key() string { return s.opts.Key }

// Token returns the opaque session token issued at registration.
func (s *Session) Token() string { return s.opts.Token }

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}

// LastSeen returns the time the last frame arrived from the peer.
func (s *Session) LastSeen() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.lastSeen
}

// Done is closed when the session reaches StateClosed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the reason the session closed, or nil while it is live.
func (s *Session) Err() error {
	select {
	case <-s.done:
		return s.closeErr
	default:
		return nil
	}
}

// Serve runs the session's frame processing and health probing until
// the session closes or ctx is cancelled. It always returns the
// session's terminal error.
func (s *Session) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-ctx.Done():
			s.closeWithError(fmt.Errorf("serve context done: %w", ErrSessionClosed))
		case <-s.done:
		}
	}()

	var group errgroup.Group
	group.Go(func() error { return s.readLoop(ctx) })
	group.Go(func() error { return s.health.run(ctx) })

	_ = group.Wait()

	err := s.Err()
	if errors.Is(err, ErrSessionClosed) && errors.Is(ctx.Err(), context.Canceled) {
		return nil
	}

	return err
}

// Dispatch opens a new exchange carrying payload to the peer. It
// returns as soon as the exchange is registered; the payload is
// relayed and the response resolved asynchronously. The exchange
// times out independently of transport health.
func (s *Session) Dispatch(ctx context.Context, payload io.Reader) (*Exchange, error) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}

	s.nextID++
	ex := newExchange(s.nextID, s)
	s.inflight[ex.id] = ex
	s.mu.Unlock()

	ex.mu.Lock()
	ex.timer = time.AfterFunc(s.opts.ExchangeTimeout, ex.expire)
	ex.mu.Unlock()

	go func() {
		if err := s.sendBody(ctx, ex.id, 0, payload); err != nil {
			ex.fail(fmt.Errorf("relaying exchange payload: %w", err), ExchangeFailed)
		}
	}()

	return ex, nil
}

// Suspend parks the session: the transport stays up, health probing
// continues, but dispatched payloads queue locally until Resume.
// The peer is notified so it can park its own dispatch path.
func (s *Session) Suspend(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return ErrSessionClosed
	}

	s.park()
	s.mu.Unlock()

	return s.sendControl(wire.Frame{Type: wire.TypeSuspend})
}

// Resume unparks a suspended session and flushes queued payloads.
func (s *Session) Resume(ctx context.Context) error {
	payload, err := MarshalPayload(&ResumeRequest{Version: ProtocolVersion, Token: s.opts.Token})
	if err != nil {
		return err
	}

	if err := s.sendControl(wire.Frame{Type: wire.TypeResume, Payload: payload}); err != nil {
		return err
	}

	s.mu.Lock()
	s.unpark()
	s.mu.Unlock()

	return nil
}

// Close shuts the session down intentionally, announcing the closure
// to the peer and failing any in-flight exchange with ErrSessionClosed.
func (s *Session) Close() error {
	_ = s.sendControl(wire.Frame{Type: wire.TypeClose})
	s.closeWithError(ErrSessionClosed)
	return nil
}

// CloseWithError tears the session down with a specific reason, which
// every in-flight exchange inherits.
func (s *Session) CloseWithError(reason error) {
	s.closeWithError(reason)
}

func (s *Session) closeWithError(reason error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.setStateLocked(StateClosed)
		inflight := make([]*Exchange, 0, len(s.inflight))
		for _, ex := range s.inflight {
			inflight = append(inflight, ex)
		}
		inbound := make([]*Inbound, 0, len(s.inbound))
		for _, in := range s.inbound {
			inbound = append(inbound, in)
		}
		s.mu.Unlock()

		s.closeErr = reason
		close(s.done)

		for _, ex := range inflight {
			ex.fail(reason, ExchangeFailed)
		}

		for _, in := range inbound {
			in.body.fail(reason)
		}

		_ = s.stream.Close()

		s.logger.Debug("Session closed", "reason", reason)
	})
}

// forget removes a resolved outbound exchange from the in-flight map.
// Response frames arriving for it afterwards are discarded.
func (s *Session) forget(id uint64) {
	s.mu.Lock()
	delete(s.inflight, id)
	s.mu.Unlock()
}

// retire removes an inbound exchange once both directions are done:
// the request body fully received and the response sent. The id is
// tombstoned so frames arriving for it later are discarded rather than
// treated as a new exchange.
func (s *Session) retire(in *Inbound) {
	in.mu.Lock()
	done := in.requestEnded && in.responded
	in.mu.Unlock()

	if !done {
		return
	}

	s.mu.Lock()
	delete(s.inbound, in.id)
	s.finished[in.id] = struct{}{}
	s.mu.Unlock()
}

// park and unpark manage the suspension gate. Callers hold s.mu.
func (s *Session) park() {
	if s.gate == nil {
		s.gate = make(chan struct{})
	}

	s.setStateLocked(StateSuspended)
}

func (s *Session) unpark() {
	if s.gate != nil {
		close(s.gate)
		s.gate = nil
	}

	if s.state == StateSuspended {
		s.setStateLocked(StateActive)
	}
}

func (s *Session) setStateLocked(state State) {
	if s.state == state {
		return
	}

	s.state = state

	if s.opts.OnStateChange != nil {
		go s.opts.OnStateChange(state)
	}
}

// sendBody relays r to the peer as a sequence of ExchangeData frames
// terminated by ExchangeEnd, honoring the suspension gate.
func (s *Session) sendBody(ctx context.Context, id uint64, flags wire.Flags, r io.Reader) error {
	buf := make([]byte, wire.ChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			frame := wire.Frame{Type: wire.TypeExchangeData, Flags: flags, ExchangeID: id, Payload: buf[:n]}
			if serr := s.send(ctx, frame); serr != nil {
				return serr
			}
		}

		if err != nil {
			if !errors.Is(err, io.EOF) {
				return err
			}

			break
		}
	}

	return s.send(ctx, wire.Frame{Type: wire.TypeExchangeEnd, Flags: flags, ExchangeID: id})
}

// send writes a data frame, waiting out any suspension first.
func (s *Session) send(ctx context.Context, f wire.Frame) error {
	for {
		s.mu.Lock()
		if s.state == StateClosed {
			s.mu.Unlock()
			return ErrSessionClosed
		}

		gate := s.gate
		s.mu.Unlock()

		if gate == nil {
			break
		}

		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return ErrSessionClosed
		}
	}

	return s.write(f)
}

// sendControl writes a control frame immediately, bypassing the
// suspension gate so health traffic and lifecycle signalling keep
// flowing while parked.
func (s *Session) sendControl(f wire.Frame) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}

	return s.write(f)
}

func (s *Session) write(f wire.Frame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return s.enc.Encode(f)
}

// readLoop decodes and routes frames until the stream dies. Control
// frames feed the health monitor and lifecycle; exchange frames are
// correlated by id. Frames for exchanges already in a terminal state
// are discarded without error.
func (s *Session) readLoop(ctx context.Context) error {
	dec := wire.NewDecoder(s.stream)

	for {
		frame, err := dec.Decode()
		if err != nil {
			if errors.Is(err, wire.ErrCorruptFrame) {
				s.logger.Error("Closing session stream", "error", err)
				s.closeWithError(err)
				return err
			}

			select {
			case <-s.done:
				return s.closeErr
			default:
			}

			s.closeWithError(fmt.Errorf("transport: %w: %w", err, ErrSessionClosed))
			return err
		}

		s.observe()

		switch frame.Type {
		case wire.TypeHealth:
			if err := s.sendControl(wire.Frame{Type: wire.TypeHealthAck, Payload: frame.Payload}); err != nil {
				s.logger.Debug("Answering health probe", "error", err)
			}
		case wire.TypeHealthAck:
			s.health.ack()
		case wire.TypeSuspend:
			s.mu.Lock()
			s.park()
			s.mu.Unlock()

			s.logger.Debug("Session suspended by peer")
		case wire.TypeResume:
			req, err := UnmarshalPayload[ResumeRequest](frame.Payload)
			if err != nil {
				s.logger.Debug("Discarding malformed resume payload", "error", err)
				continue
			}

			if req.Token != s.opts.Token {
				s.logger.Debug("Discarding resume with mismatched session token")
				continue
			}

			s.mu.Lock()
			s.unpark()
			s.mu.Unlock()

			s.logger.Debug("Session resumed by peer")
		case wire.TypeClose:
			s.closeWithError(ErrSessionClosed)
			return ErrSessionClosed
		case wire.TypeExchangeData, wire.TypeExchangeEnd:
			if frame.Flags.Response() {
				s.deliverResponse(frame)
			} else {
				s.deliverRequest(ctx, frame)
			}
		default:
			s.logger.Debug("Discarding unexpected frame", "type", frame.Type)
		}
	}
}

func (s *Session) observe() {
	s.mu.Lock()
	s.lastSeen = time.Now()
	s.mu.Unlock()
}

// deliverResponse routes a response frame to its in-flight exchange.
// Unknown ids are late arrivals for resolved exchanges and are dropped.
func (s *Session) deliverResponse(frame wire.Frame) {
	s.mu.Lock()
	ex, ok := s.inflight[frame.ExchangeID]
	s.mu.Unlock()

	if !ok {
		s.logger.Debug("Discarding late response frame", "exchange_id", frame.ExchangeID)
		return
	}

	switch frame.Type {
	case wire.TypeExchangeData:
		s.delivering.Store(true)
		ex.body.push(frame.Payload)
		s.delivering.Store(false)
	case wire.TypeExchangeEnd:
		ex.complete()
	}
}

// deliverRequest routes a request frame to an inbound exchange,
// creating one and handing it to the handler on first sight of the id.
// The exchange stays tracked until its request direction has ended and
// its response has been sent; frames for retired ids are discarded.
func (s *Session) deliverRequest(ctx context.Context, frame wire.Frame) {
	s.mu.Lock()
	if _, done := s.finished[frame.ExchangeID]; done {
		s.mu.Unlock()
		s.logger.Debug("Discarding frame for finished exchange", "exchange_id", frame.ExchangeID)
		return
	}

	in, ok := s.inbound[frame.ExchangeID]
	if !ok {
		in = &Inbound{id: frame.ExchangeID, s: s, body: newBodyStream()}
		s.inbound[frame.ExchangeID] = in

		handler := s.opts.Handler
		s.mu.Unlock()

		if handler == nil {
			s.logger.Debug("No exchange handler configured, discarding request", "exchange_id", frame.ExchangeID)
			in.body.fail(ErrSessionClosed)

			s.mu.Lock()
			delete(s.inbound, frame.ExchangeID)
			s.finished[frame.ExchangeID] = struct{}{}
			s.mu.Unlock()
			return
		}

		go handler.ServeExchange(ctx, in)
	} else {
		s.mu.Unlock()
	}

	switch frame.Type {
	case wire.TypeExchangeData:
		s.delivering.Store(true)
		in.body.push(frame.Payload)
		s.delivering.Store(false)
	case wire.TypeExchangeEnd:
		in.body.end()

		in.mu.Lock()
		in.requestEnded = true
		in.mu.Unlock()

		s.retire(in)
	}
}
