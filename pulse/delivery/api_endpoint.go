package delivery

import (
	"bytes"
	"context"
	"net/http"
	"strings"

	"github.com/teranos/reportd/errors"
	"github.com/teranos/reportd/internal/httpclient"
	"github.com/teranos/reportd/pulse/schedule"
	"github.com/teranos/reportd/version"
)

// APIEndpoint sends the raw report payload to an HTTP endpoint.
//
// Config keys: url (required), method (POST or PUT, default POST),
// headers (map of extra request headers).
type APIEndpoint struct {
	client *httpclient.Client
}

// NewAPIEndpoint creates the api_endpoint channel
func NewAPIEndpoint(client *httpclient.Client) *APIEndpoint {
	return &APIEndpoint{client: client}
}

func (a *APIEndpoint) Channel() schedule.Channel { return schedule.ChannelAPIEndpoint }

func (a *APIEndpoint) Validate(cfg Config) error {
	raw := cfg.String("url")
	if raw == "" {
		return invalidConfig("url is required")
	}
	if _, err := a.client.ValidateURL(raw); err != nil {
		return invalidConfig("url: %s", err.Error())
	}
	switch method(cfg) {
	case http.MethodPost, http.MethodPut:
	default:
		return invalidConfig("method must be POST or PUT")
	}
	return nil
}

func (a *APIEndpoint) Deliver(ctx context.Context, cfg Config, env Envelope) (*Receipt, error) {
	if err := a.Validate(cfg); err != nil {
		return nil, err
	}

	var body []byte
	contentType := "application/octet-stream"
	if env.Artifact != nil {
		body = env.Artifact.Data
		if env.Artifact.ContentType != "" {
			contentType = env.Artifact.ContentType
		}
	}

	req, err := http.NewRequestWithContext(ctx, method(cfg), cfg.String("url"), bytes.NewReader(body))
	if err != nil {
		return nil, invalidConfig("build request: %s", err.Error())
	}
	for k, v := range cfg.StringMap("headers") {
		req.Header.Set(k, v)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("User-Agent", version.UserAgent())
	if env.Execution != nil {
		req.Header.Set("X-Reportd-Schedule-ID", env.Execution.ScheduleID)
		req.Header.Set("X-Reportd-Execution-ID", env.Execution.ID)
		// Stable across retries so receivers can drop duplicates
		req.Header.Set("Idempotency-Key", env.Execution.ID)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, requestError(err, "api endpoint request failed")
	}
	defer drain(resp)

	if err := checkResponse(resp); err != nil {
		return nil, errors.Wrap(err, "api endpoint rejected report")
	}
	return &Receipt{Detail: resp.Status}, nil
}

func method(cfg Config) string {
	return strings.ToUpper(cfg.StringOr("method", http.MethodPost))
}
