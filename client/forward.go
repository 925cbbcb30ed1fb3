package client

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.tunl.dev/tunl/pkg/tunnel"
)

// forwarder relays exchanges arriving over the tunnel to the local
// HTTP server. Each exchange runs on its own goroutine, so a slow
// local response never blocks the session's frame processing or other
// exchanges. Local connections are pooled through a shared transport.
type forwarder struct {
	logger *slog.Logger
	addr   string
	client *http.Client
}

func newForwarder(logger *slog.Logger, addr string) *forwarder {
	return &forwarder{
		logger: logger.With("local_addr", addr),
		addr:   addr,
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        64,
				MaxIdleConnsPerHost: 64,
				IdleConnTimeout:     90 * time.Second,
			},
			// redirects are relayed to the public caller untouched
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// ServeExchange parses the opaque request payload, relays it to the
// local server and streams the response back over the session. Local
// connection failures resolve the exchange with a distinct error
// payload; they never tear the tunnel down.
func (f *forwarder) ServeExchange(ctx context.Context, in *tunnel.Inbound) {
	req, err := http.ReadRequest(bufio.NewReader(in.Body()))
	if err != nil {
		f.logger.Error("Parsing tunnelled request", "error", err)
		f.respondError(ctx, in, nil, http.StatusBadGateway, fmt.Sprintf("malformed tunnelled request: %v", err))
		return
	}

	req = req.WithContext(ctx)
	req.RequestURI = ""
	req.URL.Scheme = "http"
	req.URL.Host = f.addr

	resp, err := f.client.Do(req)
	if err != nil {
		f.logger.Error("Relaying to local server", "error", err)
		f.respondError(ctx, in, req, http.StatusBadGateway, tunnel.ErrLocalUnreachable.Error())
		return
	}
	defer resp.Body.Close()

	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(resp.Write(pw))
	}()

	if err := in.Respond(ctx, pr); err != nil {
		f.logger.Debug("Returning tunnelled response", "error", err)
	}
}

// respondError resolves the exchange with a synthesized HTTP error
// response so the public caller receives a distinct failure instead of
// a hang.
func (f *forwarder) respondError(ctx context.Context, in *tunnel.Inbound, req *http.Request, status int, msg string) {
	body := msg + "\n"

	resp := &http.Response{
		StatusCode:    status,
		ProtoMajor:    1,
		ProtoMinor:    1,
		Request:       req,
		Header:        http.Header{"X-Tunl-Error": []string{msg}, "Content-Type": []string{"text/plain; charset=utf-8"}},
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: int64(len(body)),
	}

	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(resp.Write(pw))
	}()

	if err := in.Respond(ctx, pr); err != nil {
		f.logger.Debug("Returning error response", "error", err)
	}
}
