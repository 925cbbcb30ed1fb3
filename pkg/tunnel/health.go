package tunnel

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"go.tunl.dev/tunl/pkg/wire"
)

// healthMonitor drives the per-session liveness state machine:
//
//	Active --(probe unacknowledged past timeout)--> Unhealthy
//	Unhealthy --(still unacknowledged past grace)--> Closed
//	any HealthAck --> Active
//
// Any decoded frame counts as liveness evidence alongside probe acks,
// so a peer busy streaming bodies is never declared dead.
//
// Both ends of a tunnel run one independently, so a one-directional
// partition is still detected. Probing continues while the session is
// suspended; only exchange traffic parks.
type healthMonitor struct {
	s        *Session
	interval time.Duration
	timeout  time.Duration
	grace    time.Duration

	mu      sync.Mutex
	lastAck time.Time
	seq     uint64
}

func newHealthMonitor(s *Session, interval, timeout, grace time.Duration) *healthMonitor {
	return &healthMonitor{
		s:        s,
		interval: interval,
		timeout:  timeout,
		grace:    grace,
		lastAck:  time.Now(),
	}
}

// ack records a HealthAck arrival and recovers an unhealthy session.
func (h *healthMonitor) ack() {
	h.mu.Lock()
	h.lastAck = time.Now()
	h.mu.Unlock()

	h.s.mu.Lock()
	if h.s.state == StateUnhealthy {
		h.s.setStateLocked(StateActive)
	}
	h.s.mu.Unlock()
}

// silence measures the time since the last evidence of a live peer,
// whether a probe ack or any decoded frame.
func (h *healthMonitor) silence() time.Duration {
	h.mu.Lock()
	evidence := h.lastAck
	h.mu.Unlock()

	if seen := h.s.LastSeen(); seen.After(evidence) {
		evidence = seen
	}

	return time.Since(evidence)
}

// run probes the peer every interval until the session closes. When
// the silence outlasts timeout the session turns Unhealthy; when it
// outlasts timeout+grace the session is closed and every pending
// exchange fails with the session-closed reason.
func (h *healthMonitor) run(ctx context.Context) error {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-h.s.done:
			return h.s.closeErr
		case <-ticker.C:
		}

		h.mu.Lock()
		h.seq++
		payload := binary.BigEndian.AppendUint64(nil, h.seq)
		h.mu.Unlock()

		if err := h.s.sendControl(wire.Frame{Type: wire.TypeHealth, Payload: payload}); err != nil {
			h.s.logger.Debug("Sending health probe", "error", err)
		}

		silence := h.silence()
		if silence <= h.timeout {
			continue
		}

		// a read loop parked on local body delivery is not a dead peer:
		// frames were arriving, the consumer is just slow
		if h.s.delivering.Load() {
			continue
		}

		if silence > h.timeout+h.grace {
			err := fmt.Errorf("health probe unacknowledged for %s: %w", silence.Truncate(time.Millisecond), ErrSessionClosed)
			h.s.closeWithError(err)
			return err
		}

		h.s.mu.Lock()
		if h.s.state == StateActive {
			h.s.setStateLocked(StateUnhealthy)
			h.s.logger.Warn("Session unhealthy", "silence", silence.Truncate(time.Millisecond))
		}
		h.s.mu.Unlock()
	}
}
