package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"

	"go.tunl.dev/tunl/internal/config"
	"go.tunl.dev/tunl/internal/server"
)

type conf struct {
	Level             config.Level `ff:" short=l | long=log                | default=info             | usage: 'debug, info, warn or error'                           "`
	ServerName        string       `ff:" short=n | long=server-name        |                            usage: server name used to identify tunnel via TLS (required) "`
	Domain            string       `ff:" short=d | long=domain             |                            usage: public apex domain requests are routed beneath         "`
	TunnelAddress     string       `ff:" short=a | long=tunnel-address     | default='127.0.0.1:7070' | usage: address for accepting tunnelling quic connections      "`
	HTTPAddress       string       `ff:" short=s | long=http-address       | default='127.0.0.1:8080' | usage: address for serving HTTP requests                      "`
	ManagementAddress string       `ff:"         | long=management-address |                            usage: address for serving metrics and pprof                  "`
	TunnelsPath       string       `ff:" short=t | long=tunnels            | default='tunnels.yml'    | usage: path to tunnels configuration file                     "`
	WatchTunnels      bool         `ff:" short=w | long=watch-tunnels      | default=false            | usage: watch tunnels configuration file for updates           "`
	CertificatePath   string       `ff:"         | long=cert-path          |                            usage: path to TLS certificate PEM file                       "`
	PrivateKeyPath    string       `ff:"         | long=key-path           |                            usage: path to TLS private key PEM file                       "`
	RegistryCapacity  int          `ff:"         | long=registry-capacity  | default=1024             | usage: maximum number of registered sessions                  "`

	MaxIdleTimeout  time.Duration `ff:" long=max-idle-timeout  | default=1m  | usage: maximum time a connection can be idle "`
	KeepAlivePeriod time.Duration `ff:" long=keep-alive-period | default=30s | usage: period between quic keep-alive events "`

	ExchangeTimeout time.Duration `ff:" long=exchange-timeout | default=30s | usage: deadline for each proxied exchange              "`
	HealthInterval  time.Duration `ff:" long=health-interval  | default=10s | usage: period between tunnel liveness probes           "`
	HealthTimeout   time.Duration `ff:" long=health-timeout   | default=5s  | usage: silence after which a session is unhealthy      "`
	HealthGrace     time.Duration `ff:" long=health-grace     | default=30s | usage: unhealthy period after which a session is closed "`
}

func (c conf) validate() error {
	if c.ServerName == "" {
		return errors.New("server-name must be non-empty string")
	}

	return nil
}

func (c conf) serverConfig() server.Config {
	return server.Config{
		TunnelAddress:     c.TunnelAddress,
		HTTPAddress:       c.HTTPAddress,
		ManagementAddress: c.ManagementAddress,
		Domain:            c.Domain,
		TunnelsPath:       c.TunnelsPath,
		WatchTunnels:      c.WatchTunnels,
		ServerName:        c.ServerName,
		CertificatePath:   c.CertificatePath,
		PrivateKeyPath:    c.PrivateKeyPath,
		RegistryCapacity:  c.RegistryCapacity,
		MaxIdleTimeout:    c.MaxIdleTimeout,
		KeepAlivePeriod:   c.KeepAlivePeriod,
		ExchangeTimeout:   c.ExchangeTimeout,
		HealthInterval:    c.HealthInterval,
		HealthTimeout:     c.HealthTimeout,
		HealthGrace:       c.HealthGrace,
	}
}

func main() {
	flags := ff.NewFlagSet("tunld")

	var conf conf
	if err := flags.AddStruct(&conf); err != nil {
		panic(err)
	}

	cmd := &ff.Command{
		Name:  "tunld",
		Usage: "tunld [FLAGS]",
		Flags: flags,
		Exec: func(ctx context.Context, args []string) error {
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
				Level: slog.Level(conf.Level),
			})))

			if err := conf.validate(); err != nil {
				return err
			}

			srv, err := server.New(conf.serverConfig())
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
			defer stop()

			return srv.ListenAndServe(ctx)
		},
	}

	if err := cmd.ParseAndRun(context.Background(), os.Args[1:],
		ff.WithEnvVarPrefix("TUNLD"),
	); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Command(cmd))
		if !errors.Is(err, ff.ErrHelp) {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}

		os.Exit(1)
	}
}
