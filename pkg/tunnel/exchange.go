package tunnel

import (
	"context"
	"io"
	"sync"
	"time"

	"go.tunl.dev/tunl/pkg/wire"
)

//go:generate stringer -type=ExchangeState
type ExchangeState int32

const (
	ExchangePending ExchangeState = iota
	ExchangeCompleted
	ExchangeFailed
	ExchangeTimedOut
)

func (s ExchangeState) String() string {
	switch s {
	case ExchangePending:
		return "pending"
	case ExchangeCompleted:
		return "completed"
	case ExchangeFailed:
		return "failed"
	case ExchangeTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// terminal reports whether no further frames should be applied to an
// exchange in this state.
func (s ExchangeState) terminal() bool {
	return s != ExchangePending
}

// bodyChunkBuffer is the number of payload chunks buffered per body
// stream before the session read loop applies backpressure.
const bodyChunkBuffer = 32

// bodyStream bridges payload chunks delivered by the session read loop
// to a consuming reader. It buffers a bounded number of chunks so one
// slow consumer does not immediately stall the whole session.
type bodyStream struct {
	chunks chan []byte
	done   chan struct{}

	mu     sync.Mutex
	closed bool
	err    error

	rd []byte
}

func newBodyStream() *bodyStream {
	return &bodyStream{
		chunks: make(chan []byte, bodyChunkBuffer),
		done:   make(chan struct{}),
	}
}

// push hands a chunk to the consumer, blocking when the buffer is full.
// It reports false once the stream has reached a terminal state. Only
// the goroutine which calls end may call push, so the closed check
// cannot race the channel close.
func (b *bodyStream) push(chunk []byte) bool {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return false
	}
	b.mu.Unlock()

	select {
	case b.chunks <- chunk:
		return true
	case <-b.done:
		return false
	}
}

// end marks the stream complete. Must only be called by the goroutine
// which pushes chunks.
func (b *bodyStream) end() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	b.closed = true
	close(b.chunks)
	close(b.done)
}

// fail terminates the stream with err. Safe to call from any goroutine;
// the first terminal transition wins.
func (b *bodyStream) fail(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	b.closed = true
	b.err = err
	close(b.done)
}

func (b *bodyStream) terminalErr() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.err != nil {
		return b.err
	}

	return io.EOF
}

// Read implements io.Reader over the delivered chunks. A completed
// stream drains buffered chunks and then reports io.EOF; a failed
// stream reports its failure reason immediately.
func (b *bodyStream) Read(p []byte) (int, error) {
	for len(b.rd) == 0 {
		select {
		case chunk, ok := <-b.chunks:
			if !ok {
				return 0, b.terminalErr()
			}

			b.rd = chunk
		case <-b.done:
			// completed streams close the chunk channel, so any tail
			// data is still observable through the case above
			select {
			case chunk, ok := <-b.chunks:
				if !ok {
					return 0, b.terminalErr()
				}

				b.rd = chunk
			default:
				return 0, b.terminalErr()
			}
		}
	}

	n := copy(p, b.rd)
	b.rd = b.rd[n:]

	return n, nil
}

// Exchange is one outbound request/response cycle multiplexed over a
// session. It is created by Dispatch and resolves asynchronously when
// the matching response arrives, the deadline expires, or the session
// reaches a terminal state.
type Exchange struct {
	id   uint64
	s    *Session
	body *bodyStream

	mu    sync.Mutex
	state ExchangeState

	timer *time.Timer
}

func newExchange(id uint64, s *Session) *Exchange {
	return &Exchange{id: id, s: s, body: newBodyStream()}
}

// ID returns the exchange identifier, unique within the owning session.
func (e *Exchange) ID() uint64 { return e.id }

// Body streams the response payload as it is produced by the peer.
// Read returns io.EOF once the exchange completes, or the failure
// reason when it does not.
func (e *Exchange) Body() io.Reader { return e.body }

// Done is closed once the exchange reaches a terminal state.
func (e *Exchange) Done() <-chan struct{} { return e.body.done }

// State returns the exchange's completion state.
func (e *Exchange) State() ExchangeState {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.state
}

// Err returns the terminal failure reason, or nil while pending or
// after successful completion.
func (e *Exchange) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == ExchangePending || e.state == ExchangeCompleted {
		return nil
	}

	return e.body.err
}

// complete transitions the exchange to Completed. Called only by the
// session read loop on receipt of the terminating response frame.
func (e *Exchange) complete() {
	e.mu.Lock()
	if e.state.terminal() {
		e.mu.Unlock()
		return
	}

	e.state = ExchangeCompleted
	e.mu.Unlock()

	e.stopTimer()
	e.body.end()
	e.s.forget(e.id)
}

// fail is shared by deadline expiry and session teardown.
func (e *Exchange) fail(reason error, state ExchangeState) {
	e.mu.Lock()
	if e.state.terminal() {
		e.mu.Unlock()
		return
	}

	e.state = state
	e.mu.Unlock()

	e.stopTimer()
	e.body.fail(reason)
	e.s.forget(e.id)
}

func (e *Exchange) expire() {
	e.fail(ErrExchangeTimeout, ExchangeTimedOut)
}

func (e *Exchange) stopTimer() {
	e.mu.Lock()
	t := e.timer
	e.mu.Unlock()

	if t != nil {
		t.Stop()
	}
}

// Inbound is one request/response cycle dispatched by the peer. The
// receiving side reads the request payload from Body and answers with
// Respond exactly once.
type Inbound struct {
	id   uint64
	s    *Session
	body *bodyStream

	// mu guards the lifecycle flags; the exchange retires only once the
	// request direction has ended and the response has been sent.
	mu           sync.Mutex
	requestEnded bool
	responded    bool
}

// ID returns the peer-assigned exchange identifier.
func (in *Inbound) ID() uint64 { return in.id }

// Body streams the request payload. Read returns io.EOF at the end of
// the request.
func (in *Inbound) Body() io.Reader { return in.body }

// Respond streams the response payload back over the session and
// terminates the exchange.
func (in *Inbound) Respond(ctx context.Context, r io.Reader) error {
	defer func() {
		in.mu.Lock()
		in.responded = true
		in.mu.Unlock()

		in.s.retire(in)
	}()

	return in.s.sendBody(ctx, in.id, wire.FlagResponse, r)
}
