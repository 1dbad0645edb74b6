package credentials

import (
	"fmt"

	"github.com/dvcrn/lightspeed-proxy/internal/config"
)

// TokenSource retrieves the bearer token presented to the backend. The proxy
// only forwards credentials it is handed; it implements no auth policy of
// its own.
type TokenSource interface {
	// Token returns the current bearer token, or "" when the backend is
	// unauthenticated.
	Token() (string, error)
}

// FromConfig builds the token source selected by backend.auth.source.
func FromConfig(cfg config.AuthConfig) (TokenSource, error) {
	switch cfg.Source {
	case "", "none":
		return NoneTokenSource{}, nil
	case "static":
		return StaticTokenSource{Value: cfg.Token}, nil
	case "env":
		return EnvTokenSource{}, nil
	case "file":
		return &FileTokenSource{Path: cfg.TokenFile}, nil
	default:
		return nil, fmt.Errorf("unknown credentials source %q", cfg.Source)
	}
}

// NoneTokenSource is used for unauthenticated backends.
type NoneTokenSource struct{}

func (NoneTokenSource) Token() (string, error) { return "", nil }

// StaticTokenSource serves a token fixed in configuration.
type StaticTokenSource struct {
	Value string
}

func (s StaticTokenSource) Token() (string, error) {
	if s.Value == "" {
		return "", fmt.Errorf("static credentials source has no token configured")
	}
	return s.Value, nil
}
