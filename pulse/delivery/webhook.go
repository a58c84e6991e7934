package delivery

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/slack-go/slack"

	"github.com/teranos/reportd/errors"
	"github.com/teranos/reportd/internal/httpclient"
	"github.com/teranos/reportd/pulse/retry"
	"github.com/teranos/reportd/pulse/schedule"
	"github.com/teranos/reportd/version"
)

// Signature headers sent with json-format webhooks. The signature is
// hex(HMAC-SHA256(secret, timestamp + "." + body)).
const (
	SignatureHeader = "X-Reportd-Signature"
	TimestampHeader = "X-Reportd-Timestamp"
)

// Webhook notifies an HTTP receiver that a report is ready.
//
// Config keys: url (required), secret (enables signing), format (json or
// slack, default json), include_artifact (embed the payload base64-encoded).
type Webhook struct {
	client *httpclient.Client
	now    func() time.Time
}

// NewWebhook creates the webhook channel
func NewWebhook(client *httpclient.Client) *Webhook {
	return &Webhook{client: client, now: time.Now}
}

func (w *Webhook) Channel() schedule.Channel { return schedule.ChannelWebhook }

func (w *Webhook) Validate(cfg Config) error {
	raw := cfg.String("url")
	if raw == "" {
		return invalidConfig("url is required")
	}
	if _, err := w.client.ValidateURL(raw); err != nil {
		return invalidConfig("url: %s", err.Error())
	}
	switch f := cfg.StringOr("format", "json"); f {
	case "json", "slack":
	default:
		return invalidConfig("unknown format %q (use json or slack)", f)
	}
	return nil
}

func (w *Webhook) Deliver(ctx context.Context, cfg Config, env Envelope) (*Receipt, error) {
	if err := w.Validate(cfg); err != nil {
		return nil, err
	}
	if cfg.StringOr("format", "json") == "slack" {
		return w.deliverSlack(ctx, cfg, env)
	}
	return w.deliverJSON(ctx, cfg, env)
}

// WebhookPayload is the json-format request body
type WebhookPayload struct {
	Event             string           `json:"event"`
	ScheduleID        string           `json:"schedule_id"`
	ScheduleName      string           `json:"schedule_name"`
	ReportID          string           `json:"report_id"`
	ExecutionID       string           `json:"execution_id"`
	ReportExecutionID string           `json:"report_execution_id,omitempty"`
	Trigger           schedule.Trigger `json:"trigger"`
	ScheduledFor      time.Time        `json:"scheduled_for"`
	CompletedAt       *time.Time       `json:"completed_at,omitempty"`
	Artifact          *WebhookArtifact `json:"artifact,omitempty"`
}

// WebhookArtifact describes the report payload; Data is set only when
// include_artifact is enabled
type WebhookArtifact struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	SizeBytes   int    `json:"size_bytes"`
	Data        string `json:"data,omitempty"`
}

func buildPayload(cfg Config, env Envelope) WebhookPayload {
	p := WebhookPayload{Event: "report.completed"}
	if sch := env.Schedule; sch != nil {
		p.ScheduleID = sch.ID
		p.ScheduleName = sch.Name
		p.ReportID = sch.ReportID
	}
	if exec := env.Execution; exec != nil {
		p.ScheduleID = exec.ScheduleID
		p.ExecutionID = exec.ID
		p.ReportExecutionID = exec.ReportExecutionID
		p.Trigger = exec.Trigger
		p.ScheduledFor = exec.ScheduledFor
		p.CompletedAt = exec.CompletedAt
	}
	if art := env.Artifact; art != nil {
		p.Artifact = &WebhookArtifact{Filename: art.Filename, ContentType: art.ContentType, SizeBytes: art.Size()}
		if cfg.Bool("include_artifact") {
			p.Artifact.Data = base64.StdEncoding.EncodeToString(art.Data)
		}
	}
	return p
}

func (w *Webhook) deliverJSON(ctx context.Context, cfg Config, env Envelope) (*Receipt, error) {
	body, err := json.Marshal(buildPayload(cfg, env))
	if err != nil {
		return nil, retry.Permanent(errors.Wrap(err, "encode webhook payload"))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.String("url"), bytes.NewReader(body))
	if err != nil {
		return nil, invalidConfig("build request: %s", err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())
	if secret := cfg.String("secret"); secret != "" {
		ts := strconv.FormatInt(w.now().Unix(), 10)
		req.Header.Set(TimestampHeader, ts)
		req.Header.Set(SignatureHeader, "sha256="+Sign(secret, ts, body))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, requestError(err, "webhook request failed")
	}
	defer drain(resp)

	if err := checkResponse(resp); err != nil {
		return nil, errors.Wrap(err, "webhook rejected")
	}
	return &Receipt{Detail: resp.Status}, nil
}

func (w *Webhook) deliverSlack(ctx context.Context, cfg Config, env Envelope) (*Receipt, error) {
	p := buildPayload(cfg, env)
	fields := []slack.AttachmentField{
		{Title: "Report", Value: p.ReportID, Short: true},
		{Title: "Trigger", Value: string(p.Trigger), Short: true},
		{Title: "Scheduled for", Value: p.ScheduledFor.UTC().Format(time.RFC3339), Short: true},
	}
	if p.Artifact != nil {
		fields = append(fields, slack.AttachmentField{
			Title: "Artifact",
			Value: fmt.Sprintf("%s (%d bytes)", p.Artifact.Filename, p.Artifact.SizeBytes),
			Short: true,
		})
	}
	msg := &slack.WebhookMessage{
		Text: fmt.Sprintf("Report ready: *%s*", p.ScheduleName),
		Attachments: []slack.Attachment{{
			Color:  "#36a64f",
			Fields: fields,
			Footer: "reportd execution " + p.ExecutionID,
			Ts:     json.Number(strconv.FormatInt(w.now().Unix(), 10)),
		}},
	}

	// Check the destination first: slack-go posts with the embedded
	// http.Client, which only guards dialled addresses
	if _, err := w.client.ValidateURL(cfg.String("url")); err != nil {
		return nil, requestError(err, "slack webhook blocked")
	}
	if err := slack.PostWebhookCustomHTTPContext(ctx, cfg.String("url"), w.client.Client, msg); err != nil {
		return nil, classifySlack(err)
	}
	return &Receipt{Detail: "posted to slack"}, nil
}

func classifySlack(err error) error {
	wrapped := errors.Wrap(err, "slack webhook failed")
	var status slack.StatusCodeError
	if errors.As(err, &status) && permanentStatus(status.Code) {
		return retry.Permanent(wrapped)
	}
	return wrapped
}

// Sign computes the hex HMAC-SHA256 signature of a webhook body
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature header value produced by Sign, for receivers
func Verify(secret, timestamp string, body []byte, header string) bool {
	expected := "sha256=" + Sign(secret, timestamp, body)
	return hmac.Equal([]byte(expected), []byte(header))
}
