package delivery

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/reportd/pulse/retry"
)

func TestAPIEndpoint_Validate(t *testing.T) {
	a := NewAPIEndpoint(testClient())
	assert.NoError(t, a.Validate(Config{"url": "https://api.example.com/reports"}))
	assert.NoError(t, a.Validate(Config{"url": "https://api.example.com/reports", "method": "put"}))
	assert.Error(t, a.Validate(Config{}))
	assert.Error(t, a.Validate(Config{"url": "https://api.example.com/reports", "method": "DELETE"}))
}

func TestAPIEndpoint_Deliver(t *testing.T) {
	srv, got := receiver(t, http.StatusCreated)
	a := NewAPIEndpoint(testClient())
	env := testEnvelope()

	receipt, err := a.Deliver(context.Background(), Config{
		"url":     srv.URL + "/ingest",
		"method":  "PUT",
		"headers": map[string]any{"Authorization": "Bearer t0ken"},
	}, env)
	require.NoError(t, err)
	assert.Equal(t, "201 Created", receipt.Detail)

	headers, body, method := got.last()
	assert.Equal(t, http.MethodPut, method)
	assert.Equal(t, env.Artifact.Data, body)
	assert.Equal(t, "text/csv", headers.Get("Content-Type"))
	assert.Equal(t, "Bearer t0ken", headers.Get("Authorization"))
	assert.Equal(t, "exe-1", headers.Get("Idempotency-Key"))
	assert.Equal(t, "sch-1", headers.Get("X-Reportd-Schedule-ID"))
}

func TestAPIEndpoint_RejectionKeepsSnippet(t *testing.T) {
	srv, _ := receiver(t, http.StatusUnprocessableEntity)
	_, err := NewAPIEndpoint(testClient()).Deliver(context.Background(), Config{"url": srv.URL}, testEnvelope())
	require.Error(t, err)
	assert.True(t, retry.IsPermanent(err))
	assert.Contains(t, err.Error(), "422")
}
