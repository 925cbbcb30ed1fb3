package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"
	"github.com/quic-go/quic-go"

	"go.tunl.dev/tunl/client"
	"go.tunl.dev/tunl/internal/config"
	"go.tunl.dev/tunl/pkg/tunnel"
)

type conf struct {
	Level              config.Level `ff:" short=l | long=log           | default=info             | usage: 'debug, info, warn or error'                           "`
	TunnelAddress      string       `ff:" short=a | long=tunnel-address| default='127.0.0.1:7070' | usage: address of the tunl server quic listener               "`
	ServerName         string       `ff:" short=n | long=server-name   |                            usage: server name used to identify tunnel via TLS (required) "`
	Key                string       `ff:" short=k | long=key           |                            usage: routing key to claim (defaults to server name)         "`
	LocalAddress       string       `ff:" short=f | long=local-address | default='127.0.0.1:3000' | usage: host:port of the local server to expose                "`
	CACertificatePath  string       `ff:" short=c | long=cacert-path   |                            usage: path to TLS CA certificate PEM file                    "`
	InsecureSkipVerify bool         `ff:"         | long=insecure      | default=false            | usage: skip TLS certficate verification                       "`

	Username string `ff:" long=username | usage: username for basic authentication "`
	Password string `ff:" long=password | usage: password for basic authentication "`
	Token    string `ff:" long=token    | usage: token for bearer authentication "`

	MaxIdleTimeout  time.Duration `ff:" long=max-idle-timeout  | default=1m  | usage: maximum time a connection can be idle "`
	KeepAlivePeriod time.Duration `ff:" long=keep-alive-period | default=30s | usage: period between quic keep-alive events "`

	ExchangeTimeout time.Duration `ff:" long=exchange-timeout | default=30s | usage: deadline for each relayed exchange "`
	HealthInterval  time.Duration `ff:" long=health-interval  | default=10s | usage: period between tunnel liveness probes "`
}

func (c conf) validate() error {
	if c.ServerName == "" {
		return errors.New("server-name must be non-empty string")
	}

	return nil
}

func (c conf) tlsConfig() (*tls.Config, error) {
	tlsConf := &tls.Config{
		NextProtos:         []string{tunnel.ProtocolName},
		ServerName:         c.ServerName,
		InsecureSkipVerify: c.InsecureSkipVerify,
	}

	if c.CACertificatePath != "" {
		pem, err := os.ReadFile(c.CACertificatePath)
		if err != nil {
			return nil, fmt.Errorf("reading CA certificate: %w", err)
		}

		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.New("no certificates found in CA certificate file")
		}

		tlsConf.RootCAs = pool
	}

	return tlsConf, nil
}

func main() {
	flags := ff.NewFlagSet("tunl")

	var conf conf
	if err := flags.AddStruct(&conf); err != nil {
		panic(err)
	}

	cmd := &ff.Command{
		Name:  "tunl",
		Usage: "tunl [FLAGS]",
		Flags: flags,
		Exec: func(ctx context.Context, args []string) error {
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
				Level: slog.Level(conf.Level),
			})))

			if err := conf.validate(); err != nil {
				return err
			}

			tlsConf, err := conf.tlsConfig()
			if err != nil {
				return err
			}

			key := conf.Key
			if key == "" {
				key = conf.ServerName
			}

			server := &client.Server{
				Key:       key,
				LocalAddr: conf.LocalAddress,
				TLSConfig: tlsConf,
				QuicConfig: &quic.Config{
					MaxIdleTimeout:  conf.MaxIdleTimeout,
					KeepAlivePeriod: conf.KeepAlivePeriod,
				},
				ExchangeTimeout: conf.ExchangeTimeout,
				HealthInterval:  conf.HealthInterval,
				OnTunnelReady: func(resp tunnel.RegisterTunnelResponse) {
					slog.Info("Tunnel ready", "key", key)
				},
			}

			if conf.Username != "" {
				server.Authenticator = client.BasicAuthenticator(conf.Username, conf.Password)
			} else if conf.Token != "" {
				server.Authenticator = client.BearerAuthenticator(conf.Token)
			}

			ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
			defer stop()

			return server.DialAndServe(ctx, conf.TunnelAddress)
		},
	}

	if err := cmd.ParseAndRun(context.Background(), os.Args[1:],
		ff.WithEnvVarPrefix("TUNL"),
	); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Command(cmd))
		if !errors.Is(err, ff.ErrHelp) {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}

		os.Exit(1)
	}
}
