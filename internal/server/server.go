package server

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"net/http/pprof"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/quic-go/quic-go"
	"go.opentelemetry.io/otel/attribute"
	prom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"golang.org/x/sync/errgroup"

	"go.tunl.dev/tunl/internal/auth"
	"go.tunl.dev/tunl/internal/config"
	"go.tunl.dev/tunl/internal/registry"
	"go.tunl.dev/tunl/pkg/tunnel"
	"go.tunl.dev/tunl/pkg/wire"
)

// Config carries the already-validated settings for one tunl server
// process. Flag and file parsing happen in the command layer.
type Config struct {
	// TunnelAddress accepts tunnelling QUIC connections.
	TunnelAddress string
	// HTTPAddress serves public HTTP traffic.
	HTTPAddress string
	// ManagementAddress, when set, serves metrics and pprof.
	ManagementAddress string

	// Domain is the public apex; the routing key of a request to
	// api.<Domain> is "api". Requests for unrelated hosts fall back to
	// their first host label.
	Domain string

	// TunnelsPath locates the tunnels configuration file.
	TunnelsPath string
	// WatchTunnels enables hot reload of the tunnels file.
	WatchTunnels bool

	// ServerName identifies the tunnel endpoint via TLS.
	ServerName string
	// CertificatePath and PrivateKeyPath configure the TLS keypair.
	// Left empty the server generates an ephemeral self-signed pair.
	CertificatePath string
	PrivateKeyPath  string

	// RegistryCapacity bounds the connection registry.
	RegistryCapacity int

	MaxIdleTimeout  time.Duration
	KeepAlivePeriod time.Duration

	ExchangeTimeout time.Duration
	HealthInterval  time.Duration
	HealthTimeout   time.Duration
	HealthGrace     time.Duration
}

// Server accepts tunnel registrations over QUIC and proxies public
// HTTP requests onto the matching session by routing key.
type Server struct {
	conf     Config
	registry *registry.Registry

	// mu guards the tunnel definitions swapped in by the file watcher.
	mu       sync.RWMutex
	tunnels  map[string]config.Tunnel
	handlers map[string]auth.Authenticator

	registrationsTotal        metric.Int64Counter
	proxyRequestsHandledTotal metric.Int64Counter
	proxyRequestsLatency      metric.Float64Histogram
	activeSessionsCount       metric.Int64UpDownCounter
	evictionsTotal            metric.Int64Counter
}

// New constructs and configures a tunl Server.
func New(conf Config) (*Server, error) {
	s := &Server{
		conf:     conf,
		tunnels:  map[string]config.Tunnel{},
		handlers: map[string]auth.Authenticator{},
	}

	meter := noop.NewMeterProvider().Meter(meterName)
	if conf.ManagementAddress != "" {
		exporter, err := prom.New()
		if err != nil {
			log.Fatal(err)
		}

		provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
		meter = provider.Meter(meterName)
	}

	var err error
	s.registrationsTotal, err = meter.Int64Counter(
		prometheus.BuildFQName(namespace, tunnelSubsystem, "registrations_total"),
		metric.WithDescription("Total number of registration attempts handled by key and status code"),
	)
	if err != nil {
		return nil, err
	}

	s.proxyRequestsHandledTotal, err = meter.Int64Counter(
		prometheus.BuildFQName(namespace, proxySubsystem, "requests_total"),
		metric.WithDescription("Total number of requests handled by host and response code"),
	)
	if err != nil {
		return nil, err
	}

	s.proxyRequestsLatency, err = meter.Float64Histogram(
		prometheus.BuildFQName(namespace, proxySubsystem, "requests_latency"),
		metric.WithDescription("Latency of requests per host and response code"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	s.activeSessionsCount, err = meter.Int64UpDownCounter(
		prometheus.BuildFQName(namespace, tunnelSubsystem, "active_sessions"),
		metric.WithDescription("Number of sessions currently registered"),
	)
	if err != nil {
		return nil, err
	}

	s.evictionsTotal, err = meter.Int64Counter(
		prometheus.BuildFQName(namespace, tunnelSubsystem, "evictions_total"),
		metric.WithDescription("Total number of sessions evicted from the registry by key"),
	)
	if err != nil {
		return nil, err
	}

	s.registry, err = registry.New(conf.RegistryCapacity, registry.WithOnEvict(func(key string) {
		s.activeSessionsCount.Add(context.Background(), -1)
		s.evictionsTotal.Add(context.Background(), 1, metric.WithAttributes(keyKey.String(key)))
	}))
	if err != nil {
		return nil, err
	}

	return s, nil
}

// ListenAndServe runs the QUIC tunnel listener, the public HTTP
// listener and (optionally) the management listener until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ch := make(chan *config.Tunnels, 1)
	if err := config.WatchTunnels(ctx, ch, s.conf.TunnelsPath, s.conf.WatchTunnels); err != nil {
		return fmt.Errorf("initializing server: %w", err)
	}

	if err := s.applyTunnels(<-ch); err != nil {
		return fmt.Errorf("initializing server: %w", err)
	}

	go func() {
		for tunnels := range ch {
			if err := s.applyTunnels(tunnels); err != nil {
				slog.Error("Applying tunnels file update", "error", err)
			}
		}
	}()

	tlsConfig, err := s.tlsConfig()
	if err != nil {
		return err
	}

	listener, err := quic.ListenAddrEarly(s.conf.TunnelAddress, tlsConfig, &quic.Config{
		MaxIdleTimeout:  s.conf.MaxIdleTimeout,
		KeepAlivePeriod: s.conf.KeepAlivePeriod,
	})
	if err != nil {
		return err
	}
	defer listener.Close()

	slog.Info("QUIC tunnel listener starting...", "addr", s.conf.TunnelAddress)

	var group errgroup.Group
	group.Go(func() error {
		for {
			if err := ctx.Err(); err != nil {
				slog.Info("Stopping tunnel listener")
				return nil
			}

			conn, err := listener.Accept(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}

				slog.Error("Error accepting connection", "error", err)
				continue
			}

			slog.Debug("Accepted connection", "version", conn.ConnectionState().Version)

			go func() {
				if err := s.register(ctx, conn); err != nil {
					level := slog.LevelError
					if errors.Is(err, auth.ErrUnauthorized) {
						level = slog.LevelDebug
					}

					conn.CloseWithError(tunnel.ApplicationClientError, err.Error())

					slog.Log(ctx, level, "Registering connection", "error", err)
				}
			}()
		}
	})

	if s.conf.ManagementAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

		go http.ListenAndServe(s.conf.ManagementAddress, mux)
	}

	httpServer := &http.Server{
		Addr:    s.conf.HTTPAddress,
		Handler: s,
	}

	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		httpServer.Shutdown(shutdownCtx)
	}()

	slog.Info("HTTP listener starting...", "addr", httpServer.Addr)

	if err := httpServer.ListenAndServe(); err != nil {
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	}

	return group.Wait()
}

func (s *Server) applyTunnels(tunnels *config.Tunnels) error {
	handlers, err := tunnels.AuthenticationHandlers()
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.tunnels = tunnels.Tunnels
	s.handlers = handlers
	s.mu.Unlock()

	slog.Debug("Applied tunnels configuration", "tunnels", len(tunnels.Tunnels))

	return nil
}

func (s *Server) tunnelConfig(key string) (config.Tunnel, auth.Authenticator, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tun, ok := s.tunnels[key]
	if !ok {
		return config.Tunnel{}, nil, false
	}

	return tun, s.handlers[key], true
}

// register performs the Init/InitAck handshake on a newly accepted
// connection and, on success, hands the registration stream over to a
// session bound into the registry.
func (s *Server) register(ctx context.Context, conn quic.EarlyConnection) (err error) {
	stream, err := conn.AcceptStream(conn.Context())
	if err != nil {
		return fmt.Errorf("accepting stream: %w", err)
	}

	dec := wire.NewDecoder(stream)

	frame, err := dec.Decode()
	if err != nil {
		return fmt.Errorf("decoding registration frame: %w", err)
	}

	w := &registrationResponder{enc: wire.NewEncoder(stream)}
	defer func() {
		s.registrationsTotal.Add(
			context.Background(),
			1,
			metric.WithAttributes(
				keyKey.String(w.key),
				statusKey.String(w.code.String()),
			),
		)
	}()

	if frame.Type != wire.TypeInit {
		err := fmt.Errorf("expected init frame, got %s", frame.Type)
		_ = w.write(err, tunnel.CodeBadRequest, "")
		return err
	}

	req, err := tunnel.UnmarshalPayload[tunnel.RegisterTunnelRequest](frame.Payload)
	if err != nil {
		_ = w.write(err, tunnel.CodeBadRequest, "")
		return fmt.Errorf("decoding register tunnel request: %w", err)
	}

	w.key = req.Key

	if req.Version != tunnel.ProtocolVersion {
		err := fmt.Errorf("unsupported protocol version: %d", req.Version)
		_ = w.write(err, tunnel.CodeBadRequest, "")
		return err
	}

	tun, authenticator, ok := s.tunnelConfig(req.Key)
	if !ok {
		err := fmt.Errorf("%w: %q", tunnel.ErrNotFound, req.Key)
		_ = w.write(err, tunnel.CodeNotFound, "")
		return err
	}

	if err := authenticator.Authenticate(&req); err != nil {
		if errors.Is(err, auth.ErrUnauthorized) {
			_ = w.write(err, tunnel.CodeUnauthorized, "")
			return err
		}

		_ = w.write(err, tunnel.CodeServerError, "")
		return err
	}

	token := uuid.NewString()

	sess := tunnel.New(stream, tunnel.Options{
		Key:             req.Key,
		Token:           token,
		ExchangeTimeout: s.conf.ExchangeTimeout,
		HealthInterval:  s.conf.HealthInterval,
		HealthTimeout:   s.conf.HealthTimeout,
		HealthGrace:     s.conf.HealthGrace,
	})

	if err := s.registry.Register(req.Key, sess, tun.Exclusive); err != nil {
		code := tunnel.CodeServerError
		if errors.Is(err, tunnel.ErrKeyTaken) {
			code = tunnel.CodeKeyTaken
		}

		_ = w.write(err, code, "")
		return err
	}

	s.activeSessionsCount.Add(context.Background(), 1)

	if err := w.write(nil, tunnel.CodeOK, token); err != nil {
		s.registry.Release(req.Key, sess)
		sess.CloseWithError(tunnel.ErrSessionClosed)
		return fmt.Errorf("encoding register tunnel response: %w", err)
	}

	slog.Debug("Session registered", "key", req.Key)

	go func() {
		err := sess.Serve(conn.Context())

		s.registry.Release(req.Key, sess)

		code := tunnel.ApplicationOK
		if err != nil && !errors.Is(err, tunnel.ErrSessionClosed) {
			code = tunnel.ApplicationError
		}

		conn.CloseWithError(code, "session ended")
	}()

	return nil
}

type registrationResponder struct {
	enc  *wire.Encoder
	code tunnel.Code
	key  string
}

func (w *registrationResponder) write(err error, code tunnel.Code, token string) error {
	w.code = code

	resp := &tunnel.RegisterTunnelResponse{
		Version: tunnel.ProtocolVersion,
		Code:    code,
		Token:   token,
	}

	if err != nil {
		resp.Body = []byte(err.Error())
	}

	payload, merr := tunnel.MarshalPayload(resp)
	if merr != nil {
		return merr
	}

	return w.enc.Encode(wire.Frame{Type: wire.TypeInitAck, Payload: payload})
}

// routingKey derives the registry key from a public host. Hosts under
// the configured domain contribute their subdomain; anything else
// contributes its first label.
func (s *Server) routingKey(host string) string {
	host = strings.ToLower(strings.TrimSuffix(host, "."))

	if s.conf.Domain != "" {
		if key, ok := strings.CutSuffix(host, "."+strings.ToLower(s.conf.Domain)); ok {
			return key
		}
	}

	key, _, _ := strings.Cut(host, ".")

	return key
}

// ServeHTTP bridges public requests onto tunnel sessions. The request
// is relayed as an opaque payload over the matching session and the
// response streamed back to the public caller as it is produced.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now().UTC()

	logger := slog.With("method", r.Method, "path", r.URL.Path)
	logger.Debug("Handling request")

	var err error
	host, _, err := net.SplitHostPort(r.Host)
	if err != nil {
		host = r.Host
	}

	if forwarded := r.Header.Get("X-Forwarded-Host"); forwarded != "" {
		host = forwarded
	}

	wr := interceptStatus(w)
	w = wr

	defer func() {
		attrs := attribute.NewSet(
			hostKey.String(host),
			statusKey.String(statusCodeToLabel(wr.StatusCode())),
		)
		s.proxyRequestsHandledTotal.Add(r.Context(), 1, metric.WithAttributeSet(attrs))
		s.proxyRequestsLatency.Record(r.Context(), float64(time.Since(start))/1e6, metric.WithAttributeSet(attrs))
		logger.Debug("Finished handling request", "error", err)
	}()

	key := s.routingKey(host)

	sess, err := s.registry.Lookup(key)
	if err != nil {
		logger.Debug("No tunnel for requested host", "host", host, "key", key)
		http.Error(w, "no such tunnel", http.StatusNotFound)
		return
	}

	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(r.Write(pw))
	}()

	ex, err := sess.Dispatch(r.Context(), pr)
	if err != nil {
		logger.Error("Dispatching exchange", "error", err)
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}

	resp, err := http.ReadResponse(bufio.NewReader(ex.Body()), r)
	if err != nil {
		switch {
		case errors.Is(err, tunnel.ErrExchangeTimeout):
			http.Error(w, "gateway timeout", http.StatusGatewayTimeout)
		default:
			logger.Error("Reading tunnelled response", "error", err)
			http.Error(w, "bad gateway", http.StatusBadGateway)
		}

		return
	}
	defer resp.Body.Close()

	for k, v := range resp.Header {
		w.Header()[k] = v
	}

	// announce trailers before the header is flushed, then set them
	// with the trailer prefix once the body has been copied
	if len(resp.Trailer) > 0 {
		trailers := make([]string, 0, len(resp.Trailer))
		for k := range resp.Trailer {
			trailers = append(trailers, k)
		}

		w.Header().Add("Trailer", strings.Join(trailers, ", "))
	}

	w.WriteHeader(resp.StatusCode)

	_, err = io.Copy(w, resp.Body)

	for k, vv := range resp.Trailer {
		for _, v := range vv {
			w.Header().Add(http.TrailerPrefix+k, v)
		}
	}
}

func (s *Server) tlsConfig() (*tls.Config, error) {
	if s.conf.CertificatePath == "" {
		return generateTLSConfig(s.conf.ServerName)
	}

	tlsCert, err := tls.LoadX509KeyPair(s.conf.CertificatePath, s.conf.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("loading TLS keypair: %w", err)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{tlsCert},
		NextProtos:   []string{tunnel.ProtocolName},
		ServerName:   s.conf.ServerName,
	}, nil
}

// generateTLSConfig builds an ephemeral self-signed keypair for
// development use.
func generateTLSConfig(srvName string) (*tls.Config, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}

	template := x509.Certificate{SerialNumber: big.NewInt(1)}
	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}

	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})

	tlsCert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}

	return &tls.Config{
		Certificates: []tls.Certificate{tlsCert},
		NextProtos:   []string{tunnel.ProtocolName},
		ServerName:   srvName,
	}, nil
}

// statusCodeToLabel normalizes HTTP status codes into string labels
// 100s to 1XX
// 200s to 2XX
// and so on
func statusCodeToLabel(code int) string {
	if code == 0 {
		return "2XX"
	}

	if c := strconv.Itoa(code); len(c) > 0 {
		return c[:1] + "XX"
	}

	return "0XX"
}

type statusCodeResponseWriter interface {
	http.ResponseWriter
	StatusCode() int
}

func interceptStatus(w http.ResponseWriter) statusCodeResponseWriter {
	i := &statusInterceptResponseWriter{ResponseWriter: w}
	if _, ok := w.(io.ReaderFrom); !ok {
		return i
	}

	return readerFromDecorator{i}
}

type readerFromDecorator struct {
	*statusInterceptResponseWriter
}

func (d readerFromDecorator) ReadFrom(r io.Reader) (n int64, err error) {
	return d.ResponseWriter.(io.ReaderFrom).ReadFrom(r)
}

type statusInterceptResponseWriter struct {
	http.ResponseWriter

	code int
}

func (s *statusInterceptResponseWriter) WriteHeader(code int) {
	s.code = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusInterceptResponseWriter) StatusCode() int {
	return s.code
}
