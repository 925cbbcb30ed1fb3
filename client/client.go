package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"k8s.io/apimachinery/pkg/util/wait"

	"go.tunl.dev/tunl/pkg/tunnel"
	"go.tunl.dev/tunl/pkg/wire"
)

var (
	// DefaultTLSConfig is the default configuration used for establishing
	// TLS over QUIC.
	DefaultTLSConfig = &tls.Config{
		NextProtos: []string{tunnel.ProtocolName},
	}
	// DefaultQuicConfig is the default configuration used for establishing
	// QUIC connections.
	DefaultQuicConfig = &quic.Config{
		MaxIdleTimeout:  20 * time.Second,
		KeepAlivePeriod: 10 * time.Second,
	}

	// DefaultBackoff is the default backoff used when dialing and serving
	// a tunnel.
	DefaultBackoff = wait.Backoff{
		Steps:    5,
		Duration: 100 * time.Millisecond,
		Factor:   2.0,
		Jitter:   0.1,
	}
)

var (
	// ErrBadRequest is returned when the server rejects the registration as malformed.
	ErrBadRequest = errors.New("bad request")
	// ErrNotFound is returned when the requested routing key is not configured on the server.
	ErrNotFound = errors.New("no such tunnel")
	// ErrUnauthorized is returned when the registration credentials are rejected.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrKeyTaken is returned when the routing key is exclusively held by a live session.
	ErrKeyTaken = errors.New("routing key taken")
	// ErrServerError is returned when the server fails to process the registration.
	ErrServerError = errors.New("server error")
)

func codeToError(code tunnel.Code) error {
	switch code {
	case tunnel.CodeBadRequest:
		return ErrBadRequest
	case tunnel.CodeNotFound:
		return ErrNotFound
	case tunnel.CodeUnauthorized:
		return ErrUnauthorized
	case tunnel.CodeKeyTaken:
		return ErrKeyTaken
	default:
		return ErrServerError
	}
}

// Server dials out to a tunl server, registers itself as the holder of
// a routing key and then serves exchanges arriving over the tunnel by
// relaying them to a local HTTP server.
type Server struct {
	// Key is the routing key (subdomain) to claim on the tunl server.
	Key string

	// LocalAddr is the host:port of the local HTTP server exchanges are
	// relayed to.
	LocalAddr string

	// Logger allows the caller to configure a custom *slog.Logger instance.
	// If not defined then Server uses the default instance returned by slog.Default.
	Logger *slog.Logger

	// TLSConfig is used to configure TLS encryption over the QUIC connection.
	// See DefaultTLSConfig for the parameters used when this is set to nil.
	TLSConfig *tls.Config

	// QuicConfig is used to configure QUIC connections.
	// See DefaultQuicConfig for the parameters used when this is set to nil.
	QuicConfig *quic.Config

	// Authenticator is the Authenticator used to authenticate outbound
	// registration requests.
	Authenticator Authenticator

	// ExchangeTimeout, HealthInterval, HealthTimeout and HealthGrace
	// configure the session; zero values take the tunnel package
	// defaults.
	ExchangeTimeout time.Duration
	HealthInterval  time.Duration
	HealthTimeout   time.Duration
	HealthGrace     time.Duration

	// OnTunnelReady is called when the server has successfully
	// registered itself with the upstream tunl server.
	OnTunnelReady func(tunnel.RegisterTunnelResponse)

	mu      sync.Mutex
	session *tunnel.Session
}

func coallesce[T any](v, d *T) *T {
	if v == nil {
		return d
	}

	return v
}

func (s *Server) getTLSConfig(addr string) (*tls.Config, error) {
	tlsConf := coallesce(s.TLSConfig, DefaultTLSConfig)
	if tlsConf.ServerName == "" {
		// if the TLS ServerName is not explicitly supplied
		// then we will parse the dial address and use the hostname
		// defined on that instead
		url, err := url.Parse(addr)
		if err != nil {
			return nil, err
		}

		tlsConf.ServerName = url.Hostname()
	}

	return tlsConf, nil
}

// DialAndServe dials out to the provided address and attempts to register the
// server as the holder of its routing key on the remote tunl server.
func (s *Server) DialAndServe(ctx context.Context, addr string) (err error) {
	attrs := []slog.Attr{slog.String("addr", addr)}
	if host, port, err := net.SplitHostPort(addr); err == nil {
		attrs = []slog.Attr{slog.String("host", host), slog.String("port", port)}
	}

	log := slog.New(coallesce(s.Logger, slog.Default()).Handler().WithAttrs(attrs))
	log.Debug("Dialing address")

	tlsConf, err := s.getTLSConfig(addr)
	if err != nil {
		return err
	}

	quicConf := coallesce(s.QuicConfig, DefaultQuicConfig)

	var lastErr error
	err = wait.ExponentialBackoffWithContext(ctx, DefaultBackoff, func(context.Context) (done bool, err error) {
		err = s.dialAndServe(ctx, log, addr, tlsConf, quicConf)
		if err != nil {
			lastErr = err
			if errors.Is(err, context.Canceled) {
				return false, nil
			}

			// we log out the error under debug as this function will be repeated
			// and hopefully will eventually succeed
			// if not then the last observed error should be returned and logged
			// at a higher log level
			log.Debug("Error while attempting to dial and register", "error", err)

			return false, nil
		}

		return true, nil
	})

	// this signifies that the exponential backoff was exhausted or exceeded a deadline
	// in this situation we simply return the last observed error in the dial and serve attempts
	if wait.Interrupted(err) {
		err = lastErr
	}

	return err
}

func (s *Server) dialAndServe(
	ctx context.Context,
	log *slog.Logger,
	addr string,
	tlsConf *tls.Config,
	quicConf *quic.Config,
) error {
	conn, err := quic.DialAddr(ctx, addr, tlsConf, quicConf)
	if err != nil {
		return err
	}

	go func() {
		<-ctx.Done()

		_ = conn.CloseWithError(tunnel.ApplicationOK, "")
	}()

	log.Debug("Attempting to register")

	stream, err := conn.OpenStream()
	if err != nil {
		return fmt.Errorf("opening registration stream: %w", err)
	}

	resp, err := s.register(ctx, stream)
	if err != nil {
		conn.CloseWithError(tunnel.ApplicationClientError, err.Error())
		return err
	}

	sess := tunnel.New(stream, tunnel.Options{
		Key:             s.Key,
		Token:           resp.Token,
		Logger:          log,
		Handler:         newForwarder(log, s.LocalAddr),
		ExchangeTimeout: s.ExchangeTimeout,
		HealthInterval:  s.HealthInterval,
		HealthTimeout:   s.HealthTimeout,
		HealthGrace:     s.HealthGrace,
	})

	s.mu.Lock()
	s.session = sess
	s.mu.Unlock()

	if s.OnTunnelReady != nil {
		s.OnTunnelReady(resp)
	}

	log.Info("Tunnel established", "key", s.Key)

	return sess.Serve(ctx)
}

// register performs the Init/InitAck handshake on the freshly opened
// stream, which then becomes the session's frame stream.
func (s *Server) register(ctx context.Context, stream quic.Stream) (resp tunnel.RegisterTunnelResponse, _ error) {
	req := &tunnel.RegisterTunnelRequest{
		Version: tunnel.ProtocolVersion,
		Key:     s.Key,
	}

	auth := defaultAuthenticator
	if s.Authenticator != nil {
		auth = s.Authenticator
	}

	if err := auth.Authenticate(ctx, req); err != nil {
		return resp, fmt.Errorf("registering tunnel: %w", err)
	}

	payload, err := tunnel.MarshalPayload(req)
	if err != nil {
		return resp, fmt.Errorf("encoding register tunnel request: %w", err)
	}

	if err := wire.NewEncoder(stream).Encode(wire.Frame{Type: wire.TypeInit, Payload: payload}); err != nil {
		return resp, fmt.Errorf("writing init frame: %w", err)
	}

	frame, err := wire.NewDecoder(stream).Decode()
	if err != nil {
		return resp, fmt.Errorf("reading init ack frame: %w", err)
	}

	if frame.Type != wire.TypeInitAck {
		return resp, fmt.Errorf("expected init ack frame, got %s", frame.Type)
	}

	resp, err = tunnel.UnmarshalPayload[tunnel.RegisterTunnelResponse](frame.Payload)
	if err != nil {
		return resp, fmt.Errorf("decoding register tunnel response: %w", err)
	}

	if resp.Code != tunnel.CodeOK {
		return resp, fmt.Errorf("registration rejected (%s): %w", string(resp.Body), codeToError(resp.Code))
	}

	return resp, nil
}

// Suspend parks the current tunnel session: the connection stays up and
// health probing continues, but the server queues dispatches until
// Resume.
func (s *Server) Suspend(ctx context.Context) error {
	sess := s.currentSession()
	if sess == nil {
		return tunnel.ErrSessionClosed
	}

	return sess.Suspend(ctx)
}

// Resume unparks a suspended tunnel session.
func (s *Server) Resume(ctx context.Context) error {
	sess := s.currentSession()
	if sess == nil {
		return tunnel.ErrSessionClosed
	}

	return sess.Resume(ctx)
}

func (s *Server) currentSession() *tunnel.Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.session
}
