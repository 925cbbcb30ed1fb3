package tunnel

import (
	"bytes"
	"context"
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

// healthResponder drains one end of a pipe and, while acking is set,
// answers liveness probes the way a healthy peer would.
func healthResponder(conn net.Conn, acking *atomic.Bool) {
	enc := wire.NewEncoder(conn)
	dec := wire.NewDecoder(conn)

	for {
		frame, err := dec.Decode()
		if err != nil {
			return
		}

		if frame.Type == wire.TypeHealth && acking.Load() {
			if err := enc.Encode(wire.Frame{Type: wire.TypeHealthAck, Payload: frame.Payload}); err != nil {
				return
			}
		}
	}
}

func serveHealthSession(t *testing.T, opts Options) (*Session, net.Conn) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	ac, bc := net.Pipe()

	sess := New(ac, opts)
	go sess.Serve(ctx)

	t.Cleanup(func() {
		sess.CloseWithError(ErrSessionClosed)
		bc.Close()
	})

	return sess, bc
}

func Test_Health_ClosesSilentPeer(t *testing.T) {
	sess, bc := serveHealthSession(t, Options{
		Key:            "api",
		HealthInterval: 10 * time.Millisecond,
		HealthTimeout:  20 * time.Millisecond,
		HealthGrace:    30 * time.Millisecond,
	})

	var acking atomic.Bool // never acks
	go healthResponder(bc, &acking)

	select {
	case <-sess.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for unhealthy session to close")
	}

	assert.Equal(t, StateClosed, sess.State())
	require.ErrorIs(t, sess.Err(), ErrSessionClosed)
}

func Test_Health_AcksKeepSessionActive(t *testing.T) {
	sess, bc := serveHealthSession(t, Options{
		Key:            "api",
		HealthInterval: 10 * time.Millisecond,
		HealthTimeout:  20 * time.Millisecond,
		HealthGrace:    30 * time.Millisecond,
	})

	var acking atomic.Bool
	acking.Store(true)
	go healthResponder(bc, &acking)

	// many probe intervals pass without the session degrading
	time.Sleep(200 * time.Millisecond)

	assert.Equal(t, StateActive, sess.State())
	assert.NoError(t, sess.Err())
}

func Test_Health_RecoversOnAck(t *testing.T) {
	sess, bc := serveHealthSession(t, Options{
		Key:            "api",
		HealthInterval: 10 * time.Millisecond,
		HealthTimeout:  25 * time.Millisecond,
		HealthGrace:    5 * time.Second,
	})

	var acking atomic.Bool
	go healthResponder(bc, &acking)

	require.Eventually(t, func() bool {
		return sess.State() == StateUnhealthy
	}, 5*time.Second, 5*time.Millisecond, "silence should degrade the session")

	acking.Store(true)

	require.Eventually(t, func() bool {
		return sess.State() == StateActive
	}, 5*time.Second, 5*time.Millisecond, "an ack should recover the session")

	assert.NoError(t, sess.Err())
}

func Test_Health_BackpressureStallIsNotDeath(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	ac, bc := net.Pipe()

	sess := New(ac, Options{
		Key:             "api",
		HealthInterval:  10 * time.Millisecond,
		HealthTimeout:   20 * time.Millisecond,
		HealthGrace:     30 * time.Millisecond,
		ExchangeTimeout: 5 * time.Second,
	})
	go sess.Serve(ctx)
	t.Cleanup(func() { sess.CloseWithError(ErrSessionClosed) })

	var (
		encMu  sync.Mutex
		enc    = wire.NewEncoder(bc)
		dec    = wire.NewDecoder(bc)
		acking atomic.Bool
		reqEnd = make(chan uint64, 1)
	)
	acking.Store(true)

	encode := func(f wire.Frame) error {
		encMu.Lock()
		defer encMu.Unlock()

		return enc.Encode(f)
	}

	go func() {
		for {
			frame, err := dec.Decode()
			if err != nil {
				return
			}

			switch frame.Type {
			case wire.TypeHealth:
				if acking.Load() {
					if err := encode(wire.Frame{Type: wire.TypeHealthAck, Payload: frame.Payload}); err != nil {
						return
					}
				}
			case wire.TypeExchangeEnd:
				select {
				case reqEnd <- frame.ExchangeID:
				default:
				}
			}
		}
	}()

	ex, err := sess.Dispatch(ctx, strings.NewReader("req"))
	require.NoError(t, err)

	var id uint64
	select {
	case id = <-reqEnd:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the dispatched request")
	}

	// stop acking and flood the response without anyone draining it, so
	// the session read loop parks on the full body buffer
	acking.Store(false)

	const chunks = 3 * bodyChunkBuffer
	payload := bytes.Repeat([]byte("x"), 1024)

	flooded := make(chan struct{})
	go func() {
		defer close(flooded)

		for i := 0; i < chunks; i++ {
			if err := encode(wire.Frame{Type: wire.TypeExchangeData, Flags: wire.FlagResponse, ExchangeID: id, Payload: payload}); err != nil {
				return
			}
		}

		_ = encode(wire.Frame{Type: wire.TypeExchangeEnd, Flags: wire.FlagResponse, ExchangeID: id})
	}()

	// well past timeout+grace for a genuinely silent peer
	time.Sleep(300 * time.Millisecond)

	assert.NotEqual(t, StateClosed, sess.State(), "a stalled consumer must not kill the session")
	assert.NoError(t, sess.Err())

	acking.Store(true)

	body, err := io.ReadAll(ex.Body())
	require.NoError(t, err)
	assert.Len(t, body, chunks*1024)

	<-flooded

	require.Eventually(t, func() bool {
		return sess.State() == StateActive
	}, 5*time.Second, 5*time.Millisecond, "the session recovers once the consumer drains")
}

func Test_Session_AnswersHealthProbe(t *testing.T) {
	_, bc := serveHealthSession(t, Options{Key: "api"})

	peer := newRawPeer(bc)

	require.NoError(t, peer.enc.Encode(wire.Frame{Type: wire.TypeHealth, Payload: []byte("nonce")}))

	frame, err := peer.dec.Decode()
	require.NoError(t, err)
	assert.Equal(t, wire.TypeHealthAck, frame.Type)
	assert.Equal(t, []byte("nonce"), frame.Payload)
}
