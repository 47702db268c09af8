package kiosk

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/bt-bridge/kiosk-realtime/shared"
	"github.com/goccy/go-yaml"
	"github.com/openai/openai-go/v3/packages/param"
	"github.com/openai/openai-go/v3/realtime"
)

// Environment override for the credential, so deployments can keep it out of
// the config file.
const envKeyLicenseKey = "KIOSK_LICENSE_KEY"

// Config is the kiosk deployment configuration. The zero value is unusable;
// start from DefaultConfig or LoadConfig.
type Config struct {
	LicenseKey    string `yaml:"license_key" json:"license_key"`
	Model         string `yaml:"model" json:"model"`
	CharacterName string `yaml:"character_name" json:"character_name"`
	Voice         string `yaml:"voice" json:"voice"`
	SystemPrompt  string `yaml:"system_prompt" json:"system_prompt"`
	BaseURL       string `yaml:"base_url" json:"base_url"`

	// TicketPath, when set, enables the ephemeral session-token exchange
	// before dialing the control channel.
	TicketPath string `yaml:"ticket_path" json:"ticket_path"`

	// Turn-detection thresholds declared in the session.update handshake.
	VADThreshold      float64 `yaml:"vad_threshold" json:"vad_threshold"`
	SilenceDurationMs int64   `yaml:"silence_duration_ms" json:"silence_duration_ms"`
	PrefixPaddingMs   int64   `yaml:"prefix_padding_ms" json:"prefix_padding_ms"`

	// HistoryPath is where the transcript is persisted between runs.
	HistoryPath string `yaml:"history_path" json:"history_path"`
}

func DefaultConfig() *Config {
	return &Config{
		Model:             "gpt-realtime",
		Voice:             "marin",
		BaseURL:           "https://api.kiosk.example.com/v1",
		VADThreshold:      0.5,
		SilenceDurationMs: 800,
		PrefixPaddingMs:   300,
		HistoryPath:       "kiosk-history.json",
	}
}

// LoadConfig reads a YAML deployment file over the defaults. The license key
// may instead come from KIOSK_LICENSE_KEY, which wins over the file.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	key, err := shared.Getenv(shared.GetenvString, envKeyLicenseKey, false, "")
	if err != nil {
		return nil, err
	}
	if key != "" {
		cfg.LicenseKey = key
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Model == "" {
		return fmt.Errorf("model is required")
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return fmt.Errorf("parsing base URL: %w", err)
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return fmt.Errorf("unsupported base URL scheme %q", u.Scheme)
	}
	if c.VADThreshold < 0 || c.VADThreshold > 1 {
		return fmt.Errorf("vad_threshold must be within [0, 1]")
	}
	return nil
}

// Configured reports whether a non-empty access credential is present. The
// session refuses to connect without one.
func (c *Config) Configured() bool {
	return strings.TrimSpace(c.LicenseKey) != ""
}

// ControlURL derives the websocket endpoint for the control channel.
func (c *Config) ControlURL() (string, error) {
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return "", fmt.Errorf("parsing base URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	u = u.JoinPath("realtime")
	q := u.Query()
	q.Set("model", c.Model)
	if c.CharacterName != "" {
		q.Set("character", c.CharacterName)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// sessionParam builds the typed session configuration shipped in the
// session.update handshake reply.
func (c *Config) sessionParam() *realtime.RealtimeSessionCreateRequestParam {
	pcm := realtime.RealtimeAudioFormatsUnionParam{
		OfAudioPCM: &realtime.RealtimeAudioFormatsAudioPCMParam{
			Rate: captureSampleRate,
			Type: "audio/pcm",
		},
	}
	return &realtime.RealtimeSessionCreateRequestParam{
		Instructions: param.NewOpt(c.SystemPrompt),
		Model:        c.Model,
		Audio: realtime.RealtimeAudioConfigParam{
			Input: realtime.RealtimeAudioConfigInputParam{
				TurnDetection: realtime.RealtimeAudioInputTurnDetectionUnionParam{
					OfServerVad: &realtime.RealtimeAudioInputTurnDetectionServerVadParam{
						CreateResponse:    param.NewOpt(true),
						InterruptResponse: param.NewOpt(true),
						Threshold:         param.NewOpt(c.VADThreshold),
						PrefixPaddingMs:   param.NewOpt(c.PrefixPaddingMs),
						SilenceDurationMs: param.NewOpt(c.SilenceDurationMs),
					},
				},
				Format: pcm,
			},
			Output: realtime.RealtimeAudioConfigOutputParam{
				Format: pcm,
				Voice:  realtime.RealtimeAudioConfigOutputVoice(c.Voice),
			},
		},
	}
}
