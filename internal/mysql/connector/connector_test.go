package connector

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/philippevezina/hybrid-cdc/internal/config"
)

func TestTLSConfigModes(t *testing.T) {
	tests := []struct {
		mode         string
		wantNil      bool
		wantInsecure bool
		wantServer   string
		wantErr      bool
	}{
		{mode: config.SSLModeDisabled, wantNil: true},
		{mode: "", wantNil: true},
		{mode: config.SSLModePreferred, wantInsecure: true},
		{mode: config.SSLModeRequired, wantInsecure: true},
		{mode: config.SSLModeVerifyCA},
		{mode: config.SSLModeVerifyIdentity, wantServer: "db.internal"},
		{mode: "bogus", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.mode, func(t *testing.T) {
			c := New(&config.MySQLConfig{Host: "db.internal", Port: 3306, SSLMode: tt.mode}, zap.NewNop())
			tlsConfig, err := c.TLSConfig()
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			if tt.wantNil {
				assert.Nil(t, tlsConfig)
				return
			}
			require.NotNil(t, tlsConfig)
			assert.Equal(t, tt.wantInsecure, tlsConfig.InsecureSkipVerify)
			assert.Equal(t, tt.wantServer, tlsConfig.ServerName)
		})
	}
}

func TestTLSConfigRejectsBadCA(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ca.pem")
	require.NoError(t, os.WriteFile(path, []byte("not a certificate"), 0o600))

	c := New(&config.MySQLConfig{SSLMode: config.SSLModeVerifyCA, SSLCa: path}, zap.NewNop())
	_, err := c.TLSConfig()
	require.ErrorContains(t, err, "failed to parse CA certificate")

	c = New(&config.MySQLConfig{SSLMode: config.SSLModeVerifyCA, SSLCa: filepath.Join(t.TempDir(), "missing.pem")}, zap.NewNop())
	_, err = c.TLSConfig()
	require.ErrorContains(t, err, "failed to read CA certificate")
}

func TestConnectHonorsCancelledContext(t *testing.T) {
	c := New(&config.MySQLConfig{Host: "127.0.0.1", Port: 1, SSLMode: config.SSLModeDisabled}, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Connect(ctx, "")
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, "127.0.0.1:1", c.Addr())
}
