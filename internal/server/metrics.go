package server

import "go.opentelemetry.io/otel/attribute"

const (
	meterName = "go.tunl.dev/tunl"

	namespace = "tunld"

	tunnelSubsystem = "tunnel"
	proxySubsystem  = "tunnel_proxy"
)

var (
	keyKey    = attribute.Key("key")
	hostKey   = attribute.Key("host")
	statusKey = attribute.Key("status")
)
