package delivery

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/reportd/internal/httpclient"
	"github.com/teranos/reportd/pulse/retry"
)

type captured struct {
	mu      sync.Mutex
	headers []http.Header
	bodies  [][]byte
	methods []string
}

func (c *captured) last() (http.Header, []byte, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.bodies) - 1
	return c.headers[n], c.bodies[n], c.methods[n]
}

func receiver(t *testing.T, status int) (*httptest.Server, *captured) {
	t.Helper()
	got := &captured{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got.mu.Lock()
		got.headers = append(got.headers, r.Header.Clone())
		got.bodies = append(got.bodies, body)
		got.methods = append(got.methods, r.Method)
		got.mu.Unlock()
		w.WriteHeader(status)
		_, _ = w.Write([]byte("receiver says hi"))
	}))
	t.Cleanup(srv.Close)
	return srv, got
}

func testClient() *httpclient.Client {
	return httpclient.New(5*time.Second, httpclient.Options{AllowPrivateIPs: true})
}

func TestWebhook_Validate(t *testing.T) {
	w := NewWebhook(testClient())
	assert.NoError(t, w.Validate(Config{"url": "https://hooks.example.com/r"}))
	assert.NoError(t, w.Validate(Config{"url": "https://hooks.slack.com/services/x", "format": "slack"}))
	assert.Error(t, w.Validate(Config{}))
	assert.Error(t, w.Validate(Config{"url": "ftp://example.com"}))
	assert.Error(t, w.Validate(Config{"url": "https://hooks.example.com/r", "format": "xml"}))

	strict := NewWebhook(httpclient.New(time.Second, httpclient.Options{}))
	err := strict.Validate(Config{"url": "http://169.254.169.254/latest"})
	require.Error(t, err)
	assert.True(t, retry.IsPermanent(err))
}

func TestWebhook_SignedJSON(t *testing.T) {
	srv, got := receiver(t, http.StatusAccepted)
	w := NewWebhook(testClient())
	w.now = func() time.Time { return time.Unix(1741597205, 0) }

	receipt, err := w.Deliver(context.Background(), Config{
		"url":              srv.URL,
		"secret":           "s3cret",
		"include_artifact": true,
	}, testEnvelope())
	require.NoError(t, err)
	assert.Equal(t, "202 Accepted", receipt.Detail)

	headers, body, method := got.last()
	assert.Equal(t, http.MethodPost, method)
	assert.Equal(t, "application/json", headers.Get("Content-Type"))
	assert.Equal(t, "1741597205", headers.Get(TimestampHeader))
	assert.True(t, Verify("s3cret", headers.Get(TimestampHeader), body, headers.Get(SignatureHeader)))
	assert.False(t, Verify("other", headers.Get(TimestampHeader), body, headers.Get(SignatureHeader)))

	var payload WebhookPayload
	require.NoError(t, json.Unmarshal(body, &payload))
	assert.Equal(t, "report.completed", payload.Event)
	assert.Equal(t, "sch-1", payload.ScheduleID)
	assert.Equal(t, "exe-1", payload.ExecutionID)
	assert.Equal(t, "Weekly sales", payload.ScheduleName)
	require.NotNil(t, payload.Artifact)
	assert.Equal(t, "sales.csv", payload.Artifact.Filename)
	data, err := base64.StdEncoding.DecodeString(payload.Artifact.Data)
	require.NoError(t, err)
	assert.Equal(t, testEnvelope().Artifact.Data, data)
}

func TestWebhook_UnsignedOmitsArtifactData(t *testing.T) {
	srv, got := receiver(t, http.StatusOK)
	w := NewWebhook(testClient())

	_, err := w.Deliver(context.Background(), Config{"url": srv.URL}, testEnvelope())
	require.NoError(t, err)

	headers, body, _ := got.last()
	assert.Empty(t, headers.Get(SignatureHeader))
	var payload WebhookPayload
	require.NoError(t, json.Unmarshal(body, &payload))
	require.NotNil(t, payload.Artifact)
	assert.Empty(t, payload.Artifact.Data)
	assert.Equal(t, len(testEnvelope().Artifact.Data), payload.Artifact.SizeBytes)
}

func TestWebhook_StatusClassification(t *testing.T) {
	tests := []struct {
		status    int
		permanent bool
	}{
		{http.StatusBadRequest, true},
		{http.StatusNotFound, true},
		{http.StatusRequestTimeout, false},
		{http.StatusTooManyRequests, false},
		{http.StatusInternalServerError, false},
		{http.StatusServiceUnavailable, false},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv, _ := receiver(t, tt.status)
			_, err := NewWebhook(testClient()).Deliver(context.Background(), Config{"url": srv.URL}, testEnvelope())
			require.Error(t, err)
			assert.Equal(t, tt.permanent, retry.IsPermanent(err))
		})
	}
}

func TestWebhook_Slack(t *testing.T) {
	srv, got := receiver(t, http.StatusOK)
	w := NewWebhook(testClient())

	receipt, err := w.Deliver(context.Background(), Config{"url": srv.URL, "format": "slack"}, testEnvelope())
	require.NoError(t, err)
	assert.Equal(t, "posted to slack", receipt.Detail)

	_, body, _ := got.last()
	var msg map[string]any
	require.NoError(t, json.Unmarshal(body, &msg))
	assert.Equal(t, "Report ready: *Weekly sales*", msg["text"])
	attachments, ok := msg["attachments"].([]any)
	require.True(t, ok)
	require.Len(t, attachments, 1)
}

func TestWebhook_SlackRejectionIsPermanent(t *testing.T) {
	srv, _ := receiver(t, http.StatusForbidden)
	_, err := NewWebhook(testClient()).Deliver(context.Background(), Config{"url": srv.URL, "format": "slack"}, testEnvelope())
	require.Error(t, err)
	assert.True(t, retry.IsPermanent(err))
}

func TestWebhook_UnreachableIsTransient(t *testing.T) {
	srv, _ := receiver(t, http.StatusOK)
	url := srv.URL
	srv.Close()

	_, err := NewWebhook(testClient()).Deliver(context.Background(), Config{"url": url}, testEnvelope())
	require.Error(t, err)
	assert.False(t, retry.IsPermanent(err))
}
