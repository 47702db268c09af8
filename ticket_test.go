package kiosk

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/bt-bridge/kiosk-realtime/shared"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ticketConfig(baseURL string) *Config {
	cfg := DefaultConfig()
	cfg.LicenseKey = "lk_test"
	cfg.BaseURL = baseURL
	cfg.TicketPath = "tickets"
	return cfg
}

func TestFetchSessionTicket(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/tickets", r.URL.Path)
		assert.Equal(t, "Bearer lk_test", r.Header.Get("Authorization"))

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "lk_test", body["license_key"])
		assert.Equal(t, "gpt-realtime", body["model"])

		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"token":"tk_ephemeral"}`))
	}))
	defer srv.Close()

	token, err := FetchSessionTicket(context.Background(), shared.NewNopLogger(), ticketConfig(srv.URL))
	require.NoError(t, err)
	assert.Equal(t, "tk_ephemeral", token)
}

func TestFetchSessionTicketErrors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		errPart string
	}{
		{"Rejected request", http.StatusForbidden, `{"message":"bad key"}`, "unexpected status code: 403"},
		{"Malformed body", http.StatusOK, `not json`, "unmarshaling ticket response"},
		{"Missing token", http.StatusOK, `{"token":""}`, "no token"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := FetchSessionTicket(context.Background(), shared.NewNopLogger(), ticketConfig(srv.URL))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errPart)
		})
	}
}

func TestFetchSessionTicketContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := FetchSessionTicket(ctx, shared.NewNopLogger(), ticketConfig("http://127.0.0.1:1"))
	require.Error(t, err)
}
