package credentials

import (
	"fmt"
	"os"
	"strings"
)

// FileTokenSource reads the backend token from a file on every call, so a
// rotated token is picked up without restarting the daemon.
type FileTokenSource struct {
	Path string
}

func (f *FileTokenSource) Token() (string, error) {
	b, err := os.ReadFile(f.Path)
	if err != nil {
		return "", fmt.Errorf("failed to read token file: %w", err)
	}
	token := strings.TrimSpace(string(b))
	if token == "" {
		return "", fmt.Errorf("token file %s is empty", f.Path)
	}
	return token, nil
}
