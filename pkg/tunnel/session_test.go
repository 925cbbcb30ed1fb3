package tunnel

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.tunl.dev/tunl/pkg/wire"
)

// echoHandler answers every exchange with "echo:" followed by the
// request payload. Payloads beginning with "stall" are never answered.
var echoHandler = HandlerFunc(func(ctx context.Context, in *Inbound) {
	body, err := io.ReadAll(in.Body())
	if err != nil {
		return
	}

	if bytes.HasPrefix(body, []byte("stall")) {
		<-ctx.Done()
		return
	}

	_ = in.Respond(ctx, bytes.NewReader(append([]byte("echo:"), body...)))
})

// pipeSessions wires two sessions together over an in-memory pipe and
// serves both for the duration of the test.
func pipeSessions(t *testing.T, aOpts, bOpts Options) (*Session, *Session) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	ac, bc := net.Pipe()

	a, b := New(ac, aOpts), New(bc, bOpts)

	go a.Serve(ctx)
	go b.Serve(ctx)

	t.Cleanup(func() {
		a.CloseWithError(ErrSessionClosed)
		b.CloseWithError(ErrSessionClosed)
	})

	return a, b
}

func waitDone(t *testing.T, ex *Exchange) {
	t.Helper()

	select {
	case <-ex.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for exchange resolution")
	}
}

func Test_Session_Dispatch_RoundTrip(t *testing.T) {
	a, _ := pipeSessions(t, Options{Key: "api"}, Options{Key: "api", Handler: echoHandler})

	ex, err := a.Dispatch(context.Background(), strings.NewReader("hello"))
	require.NoError(t, err)

	body, err := io.ReadAll(ex.Body())
	require.NoError(t, err)
	assert.Equal(t, "echo:hello", string(body))

	waitDone(t, ex)
	assert.Equal(t, ExchangeCompleted, ex.State())
	assert.NoError(t, ex.Err())
}

func Test_Session_ConcurrentExchanges(t *testing.T) {
	a, _ := pipeSessions(t, Options{Key: "api"}, Options{Key: "api", Handler: echoHandler})

	const n = 25

	var wg sync.WaitGroup
	results := make([]string, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()

			ex, err := a.Dispatch(context.Background(), strings.NewReader(fmt.Sprintf("payload-%d", i)))
			if err != nil {
				return
			}

			body, err := io.ReadAll(ex.Body())
			if err != nil {
				return
			}

			results[i] = string(body)
		}(i)
	}

	wg.Wait()

	// every response lands with the caller that issued the matching
	// request, regardless of completion order
	for i := 0; i < n; i++ {
		assert.Equal(t, fmt.Sprintf("echo:payload-%d", i), results[i])
	}
}

func Test_Session_ExchangeTimeout(t *testing.T) {
	a, _ := pipeSessions(t,
		Options{Key: "api", ExchangeTimeout: 100 * time.Millisecond},
		Options{Key: "api", Handler: echoHandler},
	)

	ex, err := a.Dispatch(context.Background(), strings.NewReader("stall"))
	require.NoError(t, err)

	waitDone(t, ex)
	assert.Equal(t, ExchangeTimedOut, ex.State())
	require.ErrorIs(t, ex.Err(), ErrExchangeTimeout)

	_, err = io.ReadAll(ex.Body())
	require.ErrorIs(t, err, ErrExchangeTimeout)

	// a timed out exchange does not poison the session
	ex, err = a.Dispatch(context.Background(), strings.NewReader("after"))
	require.NoError(t, err)

	body, err := io.ReadAll(ex.Body())
	require.NoError(t, err)
	assert.Equal(t, "echo:after", string(body))
}

func Test_Session_SuspendResume(t *testing.T) {
	a, _ := pipeSessions(t, Options{Key: "api"}, Options{Key: "api", Handler: echoHandler})

	require.NoError(t, a.Suspend(context.Background()))
	assert.Equal(t, StateSuspended, a.State())

	ex, err := a.Dispatch(context.Background(), strings.NewReader("parked"))
	require.NoError(t, err)

	// while suspended the dispatch queues locally rather than sending
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, ExchangePending, ex.State())

	require.NoError(t, a.Resume(context.Background()))
	assert.Equal(t, StateActive, a.State())

	body, err := io.ReadAll(ex.Body())
	require.NoError(t, err)
	assert.Equal(t, "echo:parked", string(body))
}

func Test_Session_Close_FailsInflight(t *testing.T) {
	a, b := pipeSessions(t, Options{Key: "api"}, Options{Key: "api", Handler: echoHandler})

	ex, err := a.Dispatch(context.Background(), strings.NewReader("stall"))
	require.NoError(t, err)

	require.NoError(t, a.Close())

	waitDone(t, ex)
	assert.Equal(t, ExchangeFailed, ex.State())
	require.ErrorIs(t, ex.Err(), ErrSessionClosed)

	_, err = a.Dispatch(context.Background(), strings.NewReader("after"))
	require.ErrorIs(t, err, ErrSessionClosed)

	require.Eventually(t, func() bool {
		return b.State() == StateClosed
	}, 5*time.Second, 10*time.Millisecond, "peer session should observe the close")
}

func Test_Session_EvictionReason(t *testing.T) {
	a, _ := pipeSessions(t, Options{Key: "api"}, Options{Key: "api", Handler: echoHandler})

	ex, err := a.Dispatch(context.Background(), strings.NewReader("stall"))
	require.NoError(t, err)

	a.CloseWithError(ErrSessionEvicted)

	waitDone(t, ex)
	require.ErrorIs(t, ex.Err(), ErrSessionEvicted)
}

// rawPeer drives one end of a pipe with bare frame encode/decode so
// tests can inject protocol-level traffic.
type rawPeer struct {
	enc *wire.Encoder
	dec *wire.Decoder
}

func newRawPeer(conn net.Conn) *rawPeer {
	return &rawPeer{enc: wire.NewEncoder(conn), dec: wire.NewDecoder(conn)}
}

// readExchange consumes frames until it sees the request's terminating
// frame, returning the collected payload.
func (p *rawPeer) readExchange(t *testing.T) (uint64, []byte) {
	t.Helper()

	var body []byte

	for {
		frame, err := p.dec.Decode()
		require.NoError(t, err)

		switch frame.Type {
		case wire.TypeExchangeData:
			body = append(body, frame.Payload...)
		case wire.TypeExchangeEnd:
			return frame.ExchangeID, body
		case wire.TypeHealth:
			require.NoError(t, p.enc.Encode(wire.Frame{Type: wire.TypeHealthAck, Payload: frame.Payload}))
		default:
			t.Fatalf("unexpected frame type %s", frame.Type)
		}
	}
}

func (p *rawPeer) writeResponse(t *testing.T, id uint64, body []byte) {
	t.Helper()

	require.NoError(t, p.enc.Encode(wire.Frame{Type: wire.TypeExchangeData, Flags: wire.FlagResponse, ExchangeID: id, Payload: body}))
	require.NoError(t, p.enc.Encode(wire.Frame{Type: wire.TypeExchangeEnd, Flags: wire.FlagResponse, ExchangeID: id}))
}

func Test_Session_LateDuplicateFramesDiscarded(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	ac, bc := net.Pipe()

	sess := New(ac, Options{Key: "api"})
	go sess.Serve(ctx)
	t.Cleanup(func() { sess.CloseWithError(ErrSessionClosed) })

	peer := newRawPeer(bc)

	ex, err := sess.Dispatch(ctx, strings.NewReader("ping"))
	require.NoError(t, err)

	id, body := peer.readExchange(t)
	assert.Equal(t, "ping", string(body))

	peer.writeResponse(t, id, []byte("pong"))

	got, err := io.ReadAll(ex.Body())
	require.NoError(t, err)
	assert.Equal(t, "pong", string(got))
	assert.Equal(t, ExchangeCompleted, ex.State())

	// a late duplicate of the resolved exchange has no observable effect
	peer.writeResponse(t, id, []byte("duplicate"))

	ex2, err := sess.Dispatch(ctx, strings.NewReader("ping2"))
	require.NoError(t, err)

	id2, body2 := peer.readExchange(t)
	assert.NotEqual(t, id, id2, "exchange ids are never reused while the session lives")
	assert.Equal(t, "ping2", string(body2))

	peer.writeResponse(t, id2, []byte("pong2"))

	got2, err := io.ReadAll(ex2.Body())
	require.NoError(t, err)
	assert.Equal(t, "pong2", string(got2))

	assert.Equal(t, ExchangeCompleted, ex.State())
}

func Test_Session_UnknownResponseDiscarded(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	ac, bc := net.Pipe()

	sess := New(ac, Options{Key: "api"})
	go sess.Serve(ctx)
	t.Cleanup(func() { sess.CloseWithError(ErrSessionClosed) })

	peer := newRawPeer(bc)

	// responses for ids the session never dispatched are dropped
	peer.writeResponse(t, 99, []byte("stray"))

	ex, err := sess.Dispatch(ctx, strings.NewReader("ping"))
	require.NoError(t, err)

	id, _ := peer.readExchange(t)
	peer.writeResponse(t, id, []byte("pong"))

	got, err := io.ReadAll(ex.Body())
	require.NoError(t, err)
	assert.Equal(t, "pong", string(got))
}

func Test_Session_DataAfterRequestEndDiscarded(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	ac, bc := net.Pipe()

	stall := HandlerFunc(func(ctx context.Context, in *Inbound) {
		_, _ = io.Copy(io.Discard, in.Body())
		<-ctx.Done()
	})

	sess := New(ac, Options{Key: "api", Handler: stall})
	go sess.Serve(ctx)
	t.Cleanup(func() { sess.CloseWithError(ErrSessionClosed) })

	peer := newRawPeer(bc)

	require.NoError(t, peer.enc.Encode(wire.Frame{Type: wire.TypeExchangeData, ExchangeID: 1, Payload: []byte("body")}))
	require.NoError(t, peer.enc.Encode(wire.Frame{Type: wire.TypeExchangeEnd, ExchangeID: 1}))

	// data arriving after the request direction has ended is discarded
	require.NoError(t, peer.enc.Encode(wire.Frame{Type: wire.TypeExchangeData, ExchangeID: 1, Payload: []byte("late")}))

	// the read loop survives the stray frame and keeps serving traffic
	require.NoError(t, peer.enc.Encode(wire.Frame{Type: wire.TypeHealth, Payload: []byte("nonce")}))

	frame, err := peer.dec.Decode()
	require.NoError(t, err)
	assert.Equal(t, wire.TypeHealthAck, frame.Type)
	assert.Equal(t, []byte("nonce"), frame.Payload)
}

func Test_Session_EarlyRespondSingleInvocation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	ac, bc := net.Pipe()

	var invocations atomic.Int32
	early := HandlerFunc(func(ctx context.Context, in *Inbound) {
		invocations.Add(1)
		_ = in.Respond(ctx, strings.NewReader("done"))
	})

	sess := New(ac, Options{Key: "api", Handler: early})
	go sess.Serve(ctx)
	t.Cleanup(func() { sess.CloseWithError(ErrSessionClosed) })

	peer := newRawPeer(bc)

	require.NoError(t, peer.enc.Encode(wire.Frame{Type: wire.TypeExchangeData, ExchangeID: 1, Payload: []byte("head")}))

	// the handler answers before the request body has finished arriving
	id, body := peer.readExchange(t)
	assert.Equal(t, uint64(1), id)
	assert.Equal(t, "done", string(body))

	require.NoError(t, peer.enc.Encode(wire.Frame{Type: wire.TypeExchangeData, ExchangeID: 1, Payload: []byte("tail")}))
	require.NoError(t, peer.enc.Encode(wire.Frame{Type: wire.TypeExchangeEnd, ExchangeID: 1}))
	require.NoError(t, peer.enc.Encode(wire.Frame{Type: wire.TypeExchangeData, ExchangeID: 1, Payload: []byte("dup")}))

	require.NoError(t, peer.enc.Encode(wire.Frame{Type: wire.TypeHealth, Payload: []byte("sync")}))
	frame, err := peer.dec.Decode()
	require.NoError(t, err)
	require.Equal(t, wire.TypeHealthAck, frame.Type)

	// the request tail never re-triggers the handler
	assert.Equal(t, int32(1), invocations.Load())
}

func Test_Session_ResumeTokenValidated(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	ac, bc := net.Pipe()

	sess := New(ac, Options{Key: "api", Token: "sess-token"})
	go sess.Serve(ctx)
	t.Cleanup(func() { sess.CloseWithError(ErrSessionClosed) })

	peer := newRawPeer(bc)

	require.NoError(t, peer.enc.Encode(wire.Frame{Type: wire.TypeSuspend}))

	stolen, err := MarshalPayload(&ResumeRequest{Version: ProtocolVersion, Token: "stolen"})
	require.NoError(t, err)
	require.NoError(t, peer.enc.Encode(wire.Frame{Type: wire.TypeResume, Payload: stolen}))

	require.NoError(t, peer.enc.Encode(wire.Frame{Type: wire.TypeHealth, Payload: []byte("sync")}))
	frame, err := peer.dec.Decode()
	require.NoError(t, err)
	require.Equal(t, wire.TypeHealthAck, frame.Type)

	// a resume carrying the wrong session token does not unpark
	assert.Equal(t, StateSuspended, sess.State())

	valid, err := MarshalPayload(&ResumeRequest{Version: ProtocolVersion, Token: "sess-token"})
	require.NoError(t, err)
	require.NoError(t, peer.enc.Encode(wire.Frame{Type: wire.TypeResume, Payload: valid}))

	require.NoError(t, peer.enc.Encode(wire.Frame{Type: wire.TypeHealth, Payload: []byte("sync2")}))
	frame, err = peer.dec.Decode()
	require.NoError(t, err)
	require.Equal(t, wire.TypeHealthAck, frame.Type)

	assert.Equal(t, StateActive, sess.State())
}

func Test_Session_EmptyBodies(t *testing.T) {
	a, _ := pipeSessions(t, Options{Key: "api"}, Options{Key: "api", Handler: HandlerFunc(func(ctx context.Context, in *Inbound) {
		_, _ = io.Copy(io.Discard, in.Body())
		_ = in.Respond(ctx, strings.NewReader(""))
	})})

	ex, err := a.Dispatch(context.Background(), strings.NewReader(""))
	require.NoError(t, err)

	body, err := io.ReadAll(ex.Body())
	require.NoError(t, err)
	assert.Empty(t, body)
	assert.Equal(t, ExchangeCompleted, ex.State())
}
