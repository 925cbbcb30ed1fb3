package client

import (
	"context"
	"crypto/tls"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.tunl.dev/tunl/pkg/tunnel"
)

func Test_codeToError(t *testing.T) {
	for _, test := range []struct {
		code     tunnel.Code
		expected error
	}{
		{code: tunnel.CodeBadRequest, expected: ErrBadRequest},
		{code: tunnel.CodeNotFound, expected: ErrNotFound},
		{code: tunnel.CodeUnauthorized, expected: ErrUnauthorized},
		{code: tunnel.CodeKeyTaken, expected: ErrKeyTaken},
		{code: tunnel.CodeServerError, expected: ErrServerError},
	} {
		t.Run(test.code.String(), func(t *testing.T) {
			require.ErrorIs(t, codeToError(test.code), test.expected)
		})
	}
}

func Test_getTLSConfig(t *testing.T) {
	t.Run("defaults derive server name from address", func(t *testing.T) {
		s := &Server{}

		conf, err := s.getTLSConfig("https://tunnel.example.local:7070")
		require.NoError(t, err)
		assert.Equal(t, "tunnel.example.local", conf.ServerName)
		assert.Contains(t, conf.NextProtos, tunnel.ProtocolName)
	})

	t.Run("explicit server name wins", func(t *testing.T) {
		s := &Server{TLSConfig: &tls.Config{
			ServerName: "configured.example.local",
			NextProtos: []string{tunnel.ProtocolName},
		}}

		conf, err := s.getTLSConfig("https://other.example.local:7070")
		require.NoError(t, err)
		assert.Equal(t, "configured.example.local", conf.ServerName)
	})
}

func Test_Authenticators(t *testing.T) {
	t.Run("basic", func(t *testing.T) {
		req := &tunnel.RegisterTunnelRequest{Key: "api"}

		require.NoError(t, BasicAuthenticator("admin", "hunter2").Authenticate(context.Background(), req))
		assert.Equal(t, "Basic YWRtaW46aHVudGVyMg==", req.Metadata["Authorization"])
	})

	t.Run("bearer", func(t *testing.T) {
		req := &tunnel.RegisterTunnelRequest{Key: "api"}

		require.NoError(t, BearerAuthenticator("tok-supersecret").Authenticate(context.Background(), req))
		assert.Equal(t, "Bearer tok-supersecret", req.Metadata["Authorization"])
	})
}

func Test_SuspendResume_WithoutSession(t *testing.T) {
	s := &Server{}

	require.ErrorIs(t, s.Suspend(context.Background()), tunnel.ErrSessionClosed)
	require.ErrorIs(t, s.Resume(context.Background()), tunnel.ErrSessionClosed)
}
