package config

import (
	"errors"
	"fmt"
	"log/slog"

	"go.tunl.dev/tunl/internal/auth"
)

type Level slog.Level

func (l Level) String() string {
	return slog.Level(l).String()
}

func (l *Level) Set(v string) error {
	level := slog.Level(*l)
	if err := level.UnmarshalText([]byte(v)); err != nil {
		return err
	}

	*l = Level(level)
	return nil
}

// Tunnels is the configuration file format declaring the routing keys
// an instance of the tunl server will accept registrations for.
type Tunnels struct {
	Tunnels map[string]Tunnel `json:"tunnels,omitempty" yaml:"tunnels,omitempty"`
}

type Tunnel struct {
	// Exclusive prevents a live session holding this key from being
	// superseded by a newer registration.
	Exclusive      bool            `json:"exclusive,omitempty" yaml:"exclusive,omitempty"`
	Authentication *Authentication `json:"authentication,omitempty" yaml:"authentication,omitempty"`
}

type Authentication struct {
	Basic    *BasicAuthentication    `json:"basic,omitempty" yaml:"basic,omitempty"`
	Bearer   *BearerAuthentication   `json:"bearer,omitempty" yaml:"bearer,omitempty"`
	External *ExternalAuthentication `json:"external,omitempty" yaml:"external,omitempty"`
}

type BasicAuthentication struct {
	Username string `json:"username,omitempty" yaml:"username,omitempty"`
	Password string `json:"password,omitempty" yaml:"password,omitempty"`
}

type BearerAuthentication struct {
	Token       string `json:"token,omitempty" yaml:"token,omitempty"`
	HashedToken string `json:"hashedToken,omitempty" yaml:"hashedToken,omitempty"`
}

type ExternalAuthentication struct {
	Endpoint string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
}

func (t Tunnels) Validate() error {
	if len(t.Tunnels) == 0 {
		return errors.New("no tunnels configured")
	}

	for key, tun := range t.Tunnels {
		if key == "" {
			return errors.New("tunnel key must be a non-empty string")
		}

		if err := tun.validate(); err != nil {
			return fmt.Errorf("tunnel %q: %w", key, err)
		}
	}

	return nil
}

func (t Tunnel) validate() error {
	a := t.Authentication
	if a == nil {
		return nil
	}

	if basic := a.Basic; basic != nil {
		if basic.Username == "" || basic.Password == "" {
			return errors.New("basic authentication requires both username and password")
		}
	}

	if bearer := a.Bearer; bearer != nil {
		if (bearer.Token == "") == (bearer.HashedToken == "") {
			return errors.New("bearer authentication requires exactly one of token or hashedToken")
		}
	}

	if external := a.External; external != nil {
		if external.Endpoint == "" {
			return errors.New("external authentication requires an endpoint")
		}
	}

	return nil
}

// AuthenticationHandlers builds one Authenticator per configured
// routing key from the declared credential sources.
func (t Tunnels) AuthenticationHandlers() (map[string]auth.Authenticator, error) {
	handlers := map[string]auth.Authenticator{}
	for key, tun := range t.Tunnels {
		authenticator, err := tun.authenticationHandler()
		if err != nil {
			return nil, fmt.Errorf("tunnel %q: %w", key, err)
		}

		handlers[key] = authenticator
	}

	return handlers, nil
}

func (t Tunnel) authenticationHandler() (auth.Authenticator, error) {
	authenticator := auth.Authenticator{}

	a := t.Authentication
	if a == nil {
		return authenticator, nil
	}

	if basic := a.Basic; basic != nil {
		authenticator["Basic"] = auth.HandleBasic(basic.Username, basic.Password)
	}

	if bearer := a.Bearer; bearer != nil {
		if bearer.Token != "" {
			authenticator["Bearer"] = auth.HandleBearer(bearer.Token)
		} else {
			handler, err := auth.HandleBearerHashed(bearer.HashedToken)
			if err != nil {
				return nil, err
			}

			authenticator["Bearer"] = handler
		}
	}

	if external := a.External; external != nil {
		handler, err := auth.HandleExternalAuthorizer(external.Endpoint)
		if err != nil {
			return nil, err
		}

		// external authorizers accept any scheme the endpoint recognises
		for _, scheme := range []string{"Basic", "Bearer"} {
			if _, ok := authenticator[scheme]; !ok {
				authenticator[scheme] = handler
			}
		}
	}

	return authenticator, nil
}
