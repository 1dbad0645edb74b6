package credentials

import (
	"fmt"
	"os"
)

// EnvVarToken is read by EnvTokenSource on every call so the daemon picks up
// tokens injected by a supervisor without restarting.
const EnvVarToken = "LIGHTSPEED_BACKEND_TOKEN"

// EnvTokenSource retrieves the backend token from the environment.
type EnvTokenSource struct{}

func (EnvTokenSource) Token() (string, error) {
	token := os.Getenv(EnvVarToken)
	if token == "" {
		return "", fmt.Errorf("%s is not set", EnvVarToken)
	}
	return token, nil
}
