package kiosk

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kiosk.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfigFile(t, `
license_key: lk_from_file
character_name: Poppy
voice: cedar
system_prompt: You are the hotel's front desk.
base_url: https://realtime.example.com/v1
vad_threshold: 0.7
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "lk_from_file", cfg.LicenseKey)
	assert.Equal(t, "Poppy", cfg.CharacterName)
	assert.Equal(t, "cedar", cfg.Voice)
	assert.Equal(t, 0.7, cfg.VADThreshold)
	// Unset fields keep their defaults.
	assert.Equal(t, "gpt-realtime", cfg.Model)
	assert.Equal(t, int64(800), cfg.SilenceDurationMs)
	assert.Equal(t, "kiosk-history.json", cfg.HistoryPath)
}

func TestLoadConfigEnvOverridesFile(t *testing.T) {
	path := writeConfigFile(t, "license_key: lk_from_file\n")
	t.Setenv(envKeyLicenseKey, "lk_from_env")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "lk_from_env", cfg.LicenseKey)
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = LoadConfig(writeConfigFile(t, "model: [broken"))
	assert.Error(t, err)

	_, err = LoadConfig(writeConfigFile(t, "vad_threshold: 1.5\n"))
	assert.Error(t, err)

	_, err = LoadConfig(writeConfigFile(t, "base_url: ftp://example.com\n"))
	assert.Error(t, err)
}

func TestConfigConfigured(t *testing.T) {
	cfg := DefaultConfig()
	assert.False(t, cfg.Configured())
	cfg.LicenseKey = "   "
	assert.False(t, cfg.Configured())
	cfg.LicenseKey = "lk_1"
	assert.True(t, cfg.Configured())
}

func TestConfigControlURL(t *testing.T) {
	tests := []struct {
		name      string
		baseURL   string
		character string
		expected  string
	}{
		{
			name:     "HTTPS upgrades to WSS",
			baseURL:  "https://realtime.example.com/v1",
			expected: "wss://realtime.example.com/v1/realtime?model=gpt-realtime",
		},
		{
			name:     "HTTP upgrades to WS",
			baseURL:  "http://localhost:8080",
			expected: "ws://localhost:8080/realtime?model=gpt-realtime",
		},
		{
			name:      "Character rides along",
			baseURL:   "wss://realtime.example.com",
			character: "Poppy",
			expected:  "wss://realtime.example.com/realtime?character=Poppy&model=gpt-realtime",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.BaseURL = tt.baseURL
			cfg.CharacterName = tt.character
			got, err := cfg.ControlURL()
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}
