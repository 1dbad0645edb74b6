package credentials

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvcrn/lightspeed-proxy/internal/config"
)

func TestFromConfig(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.AuthConfig
		want    interface{}
		wantErr bool
	}{
		{name: "empty source means none", cfg: config.AuthConfig{}, want: NoneTokenSource{}},
		{name: "none", cfg: config.AuthConfig{Source: "none"}, want: NoneTokenSource{}},
		{name: "static", cfg: config.AuthConfig{Source: "static", Token: "tok"}, want: StaticTokenSource{Value: "tok"}},
		{name: "env", cfg: config.AuthConfig{Source: "env"}, want: EnvTokenSource{}},
		{name: "unknown source", cfg: config.AuthConfig{Source: "keychain"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src, err := FromConfig(tt.cfg)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, src)
		})
	}
}

func TestNoneTokenSource(t *testing.T) {
	token, err := NoneTokenSource{}.Token()
	require.NoError(t, err)
	assert.Empty(t, token)
}

func TestStaticTokenSource(t *testing.T) {
	token, err := StaticTokenSource{Value: "secret"}.Token()
	require.NoError(t, err)
	assert.Equal(t, "secret", token)

	_, err = StaticTokenSource{}.Token()
	assert.Error(t, err)
}

func TestEnvTokenSource(t *testing.T) {
	t.Setenv(EnvVarToken, "from-env")
	token, err := EnvTokenSource{}.Token()
	require.NoError(t, err)
	assert.Equal(t, "from-env", token)

	t.Setenv(EnvVarToken, "")
	_, err = EnvTokenSource{}.Token()
	assert.Error(t, err)
}

func TestFileTokenSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	require.NoError(t, os.WriteFile(path, []byte("  from-file\n"), 0o600))

	src := &FileTokenSource{Path: path}
	token, err := src.Token()
	require.NoError(t, err)
	assert.Equal(t, "from-file", token)

	// Rotation is picked up without restarting.
	require.NoError(t, os.WriteFile(path, []byte("rotated"), 0o600))
	token, err = src.Token()
	require.NoError(t, err)
	assert.Equal(t, "rotated", token)

	_, err = (&FileTokenSource{Path: filepath.Join(t.TempDir(), "missing")}).Token()
	assert.Error(t, err)
}
