package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	testCases := []struct {
		name    string
		env     map[string]string
		wantErr bool
		wantCfg *Config
	}{
		{
			name: "defaults (no env set)",
			env:  map[string]string{},
			wantCfg: &Config{
				Port:                      19988,
				Host:                      "127.0.0.1",
				Token:                     "",
				AllowedExtensionIDs:       nil,
				AutoCreateTab:             false,
				ExtensionRequestTimeoutMS: 30000,
				LogCDPFrames:              false,
			},
		},
		{
			name: "custom valid env",
			env: map[string]string{
				"PORT":                      "19999",
				"HOST":                      "0.0.0.0",
				"RELAY_TOKEN":               "secret",
				"ALLOWED_EXTENSION_IDS":     "abcdefghijklmnopabcdefghijklmnop,bcdefghijklmnopabcdefghijklmnopa",
				"AUTO_CREATE_TAB":           "true",
				"EXTENSION_REQUEST_TIMEOUT_MS": "5000",
				"LOG_CDP_FRAMES":            "true",
			},
			wantCfg: &Config{
				Port:  19999,
				Host:  "0.0.0.0",
				Token: "secret",
				AllowedExtensionIDs: []string{
					"abcdefghijklmnopabcdefghijklmnop",
					"bcdefghijklmnopabcdefghijklmnopa",
				},
				AutoCreateTab:             true,
				ExtensionRequestTimeoutMS: 5000,
				LogCDPFrames:              true,
			},
		},
		{
			name: "invalid port",
			env:  map[string]string{"PORT": "0"},
			wantErr: true,
		},
		{
			name: "invalid timeout",
			env:  map[string]string{"EXTENSION_REQUEST_TIMEOUT_MS": "0"},
			wantErr: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			clearRelayEnv(t)
			for k, v := range tc.env {
				t.Setenv(k, v)
			}

			cfg, err := Load()
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.wantCfg, cfg)
		})
	}
}

func TestExtensionAllowed(t *testing.T) {
	cfg := &Config{AllowedExtensionIDs: []string{"abc", "def"}}
	require.True(t, cfg.ExtensionAllowed("abc"))
	require.False(t, cfg.ExtensionAllowed("xyz"))
}

func clearRelayEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"PORT", "HOST", "RELAY_TOKEN", "ALLOWED_EXTENSION_IDS",
		"AUTO_CREATE_TAB", "EXTENSION_REQUEST_TIMEOUT_MS", "LOG_CDP_FRAMES",
	} {
		require.NoError(t, os.Unsetenv(key))
	}
}
