package kiosk

import (
	"context"
	"fmt"
	"net/url"

	"github.com/bt-bridge/kiosk-realtime/shared"
	"github.com/bytedance/sonic"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

// FetchSessionTicket exchanges the deployment's license key for a short-lived
// session token at BaseURL+TicketPath. The token authenticates the control
// channel dial so the long-lived key never leaves the kiosk's config.
func FetchSessionTicket(ctx context.Context, logger shared.LoggerAdapter, cfg *Config) (string, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return "", fmt.Errorf("parsing base URL: %w", err)
	}

	payload, err := sonic.Marshal(map[string]string{
		"license_key": cfg.LicenseKey,
		"model":       cfg.Model,
	})
	if err != nil {
		return "", fmt.Errorf("marshaling ticket request: %w", err)
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()

	req.SetRequestURI(base.JoinPath(cfg.TicketPath).String())
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.Header.Set("Authorization", "Bearer "+cfg.LicenseKey)
	req.SetBody(payload)

	errC := make(chan error, 1)
	go func() {
		errC <- fasthttp.Do(req, resp)
	}()
	select {
	case <-ctx.Done():
		// The in-flight exchange still owns the buffers; return them once it
		// finishes in the background.
		go func() {
			<-errC
			fasthttp.ReleaseRequest(req)
			fasthttp.ReleaseResponse(resp)
		}()
		return "", ctx.Err()
	case err := <-errC:
		defer fasthttp.ReleaseRequest(req)
		defer fasthttp.ReleaseResponse(resp)
		if err != nil {
			return "", fmt.Errorf("performing HTTP request: %w", err)
		}
	}
	if resp.StatusCode() != fasthttp.StatusOK && resp.StatusCode() != fasthttp.StatusCreated {
		return "", fmt.Errorf("unexpected status code: %d, body: %s", resp.StatusCode(), string(resp.Body()))
	}

	var ticket struct {
		Token string `json:"token"`
	}
	if err := sonic.Unmarshal(resp.Body(), &ticket); err != nil {
		return "", fmt.Errorf("unmarshaling ticket response: %w", err)
	}
	if ticket.Token == "" {
		return "", fmt.Errorf("ticket response carried no token")
	}
	logger.Debug("session ticket issued", zap.Int("tokenLength", len(ticket.Token)))
	return ticket.Token, nil
}
