package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/reportd/am"
	"github.com/teranos/reportd/auth"
	"github.com/teranos/reportd/errors"
	rdtest "github.com/teranos/reportd/internal/testing"
	"github.com/teranos/reportd/pulse/delivery"
	"github.com/teranos/reportd/pulse/engine"
	"github.com/teranos/reportd/pulse/report"
	"github.com/teranos/reportd/pulse/schedule"
)

// webhookStub accepts any URL and records nothing
type webhookStub struct{}

func (webhookStub) Channel() schedule.Channel { return schedule.ChannelWebhook }

func (webhookStub) Validate(cfg delivery.Config) error {
	if cfg.String("url") == "" {
		return errors.New("url is required")
	}
	return nil
}

func (webhookStub) Deliver(context.Context, delivery.Config, delivery.Envelope) (*delivery.Receipt, error) {
	return &delivery.Receipt{Detail: "ok"}, nil
}

type fixture struct {
	t      *testing.T
	engine *engine.Engine
	server *Server
	http   *httptest.Server
}

// newFixture builds a server over an engine that is never started, so
// triggered executions stay pending and assertions are deterministic
func newFixture(t *testing.T, cfg am.ServerConfig) *fixture {
	t.Helper()
	log := zaptest.NewLogger(t).Sugar()
	registry := delivery.NewRegistry()
	registry.Register(webhookStub{})

	hub := NewHub(log)
	eng := engine.New(engine.Config{TickInterval: time.Hour}, engine.Deps{
		DB: rdtest.CreateTestDB(t),
		Generator: report.Func(func(context.Context, report.Request) (*report.Artifact, error) {
			return &report.Artifact{Filename: "r.txt", Data: []byte("ok")}, nil
		}),
		Registry:    registry,
		Broadcaster: hub,
		Logger:      log,
	})
	srv := New(eng, hub, cfg, log)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		hub.Stop()
		ts.Close()
		eng.Stop()
	})
	return &fixture{t: t, engine: eng, server: srv, http: ts}
}

func (f *fixture) do(method, path string, body interface{}, headers ...string) (*http.Response, []byte) {
	f.t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(f.t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, f.http.URL+path, reader)
	require.NoError(f.t, err)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(f.t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(f.t, err)
	return resp, buf.Bytes()
}

func (f *fixture) createSchedule(body map[string]interface{}) *schedule.Schedule {
	f.t.Helper()
	resp, data := f.do(http.MethodPost, "/api/schedules", body)
	require.Equal(f.t, http.StatusCreated, resp.StatusCode, string(data))
	var sch schedule.Schedule
	require.NoError(f.t, json.Unmarshal(data, &sch))
	return &sch
}

func validSchedule(name string) map[string]interface{} {
	return map[string]interface{}{
		"name":            name,
		"report_id":       "sales-summary",
		"cron_expression": "0 9 * * 1-5",
		"timezone":        "Europe/Amsterdam",
		"parameters":      map[string]string{"region": "emea"},
		"delivery_methods": []map[string]interface{}{
			{"channel": "webhook", "config": map[string]interface{}{"url": "https://hooks.example.com/r"}},
		},
	}
}

func decodeError(t *testing.T, data []byte) ErrorResponse {
	t.Helper()
	var e ErrorResponse
	require.NoError(t, json.Unmarshal(data, &e), string(data))
	return e
}

func TestCreateSchedule(t *testing.T) {
	f := newFixture(t, am.ServerConfig{})
	sch := f.createSchedule(validSchedule("weekday sales"))

	assert.NotEmpty(t, sch.ID)
	assert.True(t, sch.Enabled, "enabled defaults to true")
	assert.Equal(t, "api", sch.CreatedBy)
	require.NotNil(t, sch.NextRunAt)
	assert.Equal(t, schedule.DefaultRetryPolicy(), sch.RetryPolicy)
}

func TestCreateSchedule_ValidationErrors(t *testing.T) {
	f := newFixture(t, am.ServerConfig{})

	tests := []struct {
		name   string
		mutate func(map[string]interface{})
		want   string
	}{
		{"bad cron", func(b map[string]interface{}) { b["cron_expression"] = "0 25 * * *" }, ""},
		{"bad timezone", func(b map[string]interface{}) { b["timezone"] = "Mars/Olympus" }, ""},
		{"no delivery", func(b map[string]interface{}) { b["delivery_methods"] = []interface{}{} }, "delivery method"},
		{"duplicate channel", func(b map[string]interface{}) {
			m := map[string]interface{}{"channel": "webhook", "config": map[string]interface{}{"url": "https://a.example.com"}}
			b["delivery_methods"] = []interface{}{m, m}
		}, "configured twice"},
		{"bad channel config", func(b map[string]interface{}) {
			b["delivery_methods"] = []interface{}{map[string]interface{}{"channel": "webhook", "config": map[string]interface{}{}}}
		}, "url is required"},
		{"unavailable channel", func(b map[string]interface{}) {
			b["delivery_methods"] = []interface{}{map[string]interface{}{"channel": "email", "config": map[string]interface{}{"to": "a@example.com"}}}
		}, "not available"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := validSchedule(tt.name)
			tt.mutate(body)
			resp, data := f.do(http.MethodPost, "/api/schedules", body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode, string(data))
			e := decodeError(t, data)
			assert.Equal(t, "invalid_request", e.Code)
			if tt.want != "" {
				assert.Contains(t, e.Error, tt.want)
			}
		})
	}

	resp, _ := f.do(http.MethodPost, "/api/schedules", map[string]interface{}{"nmae": "typo"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "unknown fields are rejected")
}

func TestListAndGetSchedules(t *testing.T) {
	f := newFixture(t, am.ServerConfig{})
	a := f.createSchedule(validSchedule("alpha"))
	off := validSchedule("beta")
	off["enabled"] = false
	f.createSchedule(off)

	resp, data := f.do(http.MethodGet, "/api/schedules?enabled=true", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list ListSchedulesResponse
	require.NoError(t, json.Unmarshal(data, &list))
	require.Equal(t, 1, list.Count)
	assert.Equal(t, a.ID, list.Schedules[0].ID)

	resp, _ = f.do(http.MethodGet, "/api/schedules?enabled=maybe", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, data = f.do(http.MethodGet, "/api/schedules/"+a.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var detail struct {
		ID               string                `json:"id"`
		UpcomingFires    []time.Time           `json:"upcoming_fires"`
		RecentExecutions []*schedule.Execution `json:"recent_executions"`
	}
	require.NoError(t, json.Unmarshal(data, &detail))
	assert.Equal(t, a.ID, detail.ID)
	assert.Len(t, detail.UpcomingFires, 5)
	assert.Empty(t, detail.RecentExecutions)

	resp, data = f.do(http.MethodGet, "/api/schedules/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not_found", decodeError(t, data).Code)
}

func TestUpdateSchedule(t *testing.T) {
	f := newFixture(t, am.ServerConfig{})
	sch := f.createSchedule(validSchedule("patch me"))

	resp, data := f.do(http.MethodPatch, "/api/schedules/"+sch.ID, map[string]interface{}{
		"cron_expression": "30 7 * * *",
		"version":         sch.Version,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	var updated schedule.Schedule
	require.NoError(t, json.Unmarshal(data, &updated))
	assert.Equal(t, "30 7 * * *", updated.CronExpression)
	assert.Equal(t, sch.Version+1, updated.Version)

	// The old version lost
	resp, data = f.do(http.MethodPatch, "/api/schedules/"+sch.ID, map[string]interface{}{
		"name":    "too late",
		"version": sch.Version,
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "conflict", decodeError(t, data).Code)

	resp, _ = f.do(http.MethodPatch, "/api/schedules/"+sch.ID, map[string]interface{}{"timezone": "Nowhere/Land"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestUpdateSchedule_AfterTrigger(t *testing.T) {
	f := newFixture(t, am.ServerConfig{})
	sch := f.createSchedule(validSchedule("busy edit"))

	resp, _ := f.do(http.MethodPost, "/api/schedules/"+sch.ID+"/trigger", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	// The trigger moved the version on; an edit pinned to the old one loses
	resp, data := f.do(http.MethodPatch, "/api/schedules/"+sch.ID, map[string]interface{}{
		"name":    "pinned",
		"version": sch.Version,
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode, string(data))

	resp, data = f.do(http.MethodPatch, "/api/schedules/"+sch.ID, map[string]interface{}{"name": "unpinned"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	var updated schedule.Schedule
	require.NoError(t, json.Unmarshal(data, &updated))
	assert.Equal(t, "unpinned", updated.Name)
	assert.Equal(t, sch.Version+2, updated.Version)
	assert.Equal(t, int64(1), updated.ExecutionCount)
}

func TestTriggerAndCancel(t *testing.T) {
	f := newFixture(t, am.ServerConfig{})
	sch := f.createSchedule(validSchedule("trigger me"))

	resp, data := f.do(http.MethodPost, "/api/schedules/"+sch.ID+"/trigger", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(data))
	var exec schedule.Execution
	require.NoError(t, json.Unmarshal(data, &exec))
	assert.Equal(t, schedule.StatusPending, exec.Status)
	assert.Equal(t, schedule.TriggerManual, exec.Trigger)

	resp, data = f.do(http.MethodPost, "/api/schedules/"+sch.ID+"/trigger", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "one active execution per schedule")
	assert.Contains(t, decodeError(t, data).Error, "active execution")

	resp, data = f.do(http.MethodGet, "/api/schedules/"+sch.ID+"/executions?status=pending", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list ListExecutionsResponse
	require.NoError(t, json.Unmarshal(data, &list))
	assert.Equal(t, 1, list.Count)

	resp, _ = f.do(http.MethodGet, "/api/schedules/"+sch.ID+"/executions?status=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, data = f.do(http.MethodPost, "/api/executions/"+exec.ID+"/cancel", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	require.NoError(t, json.Unmarshal(data, &exec))
	assert.Equal(t, schedule.StatusCancelled, exec.Status)

	resp, data = f.do(http.MethodPost, "/api/executions/"+exec.ID+"/cancel", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "unprocessable", decodeError(t, data).Code)

	resp, data = f.do(http.MethodGet, "/api/executions/"+exec.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(data), `"status":"cancelled"`)

	resp, _ = f.do(http.MethodGet, "/api/executions/"+exec.ID+"/artifact", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestTriggerDisabledSchedule(t *testing.T) {
	f := newFixture(t, am.ServerConfig{})
	body := validSchedule("disabled")
	body["enabled"] = false
	sch := f.createSchedule(body)

	resp, _ := f.do(http.MethodPost, "/api/schedules/"+sch.ID+"/trigger", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp, _ = f.do(http.MethodPost, "/api/schedules/missing/trigger", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDeleteSchedule(t *testing.T) {
	f := newFixture(t, am.ServerConfig{})
	sch := f.createSchedule(validSchedule("delete me"))

	resp, _ := f.do(http.MethodDelete, "/api/schedules/"+sch.ID, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = f.do(http.MethodDelete, "/api/schedules/"+sch.ID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRetryDelivery_Rejections(t *testing.T) {
	f := newFixture(t, am.ServerConfig{})

	resp, _ := f.do(http.MethodPost, "/api/executions/x/deliveries/pigeon/retry", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(http.MethodPost, "/api/executions/x/deliveries/webhook/retry?fresh=sometimes", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(http.MethodPost, "/api/delivery-logs/missing/retry", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = f.do(http.MethodGet, "/api/delivery-logs?channel=pigeon", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, data := f.do(http.MethodGet, "/api/delivery-logs?status=failed", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"logs":[],"count":0}`, string(data))
}

func TestAuthGuardsMutatingRoutes(t *testing.T) {
	cfg := am.ServerConfig{Auth: am.AuthConfig{JWTSecret: "s3cret", Issuer: "reportd"}}
	f := newFixture(t, cfg)

	resp, data := f.do(http.MethodPost, "/api/schedules", validSchedule("nope"))
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Contains(t, string(data), "unauthorized")

	resp, _ = f.do(http.MethodGet, "/api/schedules", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode, "reads stay open")

	token, err := auth.NewJWTManager(cfg.Auth).GenerateToken("alice", time.Hour)
	require.NoError(t, err)
	resp, data = f.do(http.MethodPost, "/api/schedules", validSchedule("yes"), "Authorization", "Bearer "+token)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(data))
	var sch schedule.Schedule
	require.NoError(t, json.Unmarshal(data, &sch))
	assert.Equal(t, "alice", sch.CreatedBy)
}

func TestDashboardAndHealth(t *testing.T) {
	f := newFixture(t, am.ServerConfig{})
	sch := f.createSchedule(validSchedule("dash"))
	_, _ = f.do(http.MethodPost, "/api/schedules/"+sch.ID+"/trigger", nil)

	resp, data := f.do(http.MethodGet, "/api/dashboard", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	var dash DashboardResponse
	require.NoError(t, json.Unmarshal(data, &dash))
	assert.Equal(t, 1, dash.Schedules.Total)
	assert.Equal(t, 1, dash.Schedules.Enabled)
	assert.Equal(t, 1, dash.ExecutionsToday[schedule.StatusPending])
	assert.Contains(t, dash.ExecutionsToday, schedule.StatusFailed)
	assert.Nil(t, dash.DeliverySuccessRate)
	require.Len(t, dash.Upcoming, 1)
	assert.Equal(t, sch.ID, dash.Upcoming[0].ScheduleID)

	resp, data = f.do(http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var health HealthResponse
	require.NoError(t, json.Unmarshal(data, &health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, "ok", health.Database)

	resp, _ = f.do(http.MethodGet, "/api/stats", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

func TestCORS(t *testing.T) {
	f := newFixture(t, am.ServerConfig{AllowedOrigins: []string{"http://localhost"}})

	resp, _ := f.do(http.MethodOptions, "/api/schedules", nil, "Origin", "http://localhost:5173")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "http://localhost:5173", resp.Header.Get("Access-Control-Allow-Origin"))

	resp, _ = f.do(http.MethodGet, "/api/schedules", nil, "Origin", "https://evil.example.com")
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestWebSocketStreamsExecutionEvents(t *testing.T) {
	f := newFixture(t, am.ServerConfig{})
	sch := f.createSchedule(validSchedule("streamed"))

	url := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var hello map[string]interface{}
	require.NoError(t, conn.ReadJSON(&hello))
	assert.Equal(t, "hello", hello["type"])
	require.Eventually(t, func() bool { return f.server.Hub().ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	resp, _ := f.do(http.MethodPost, "/api/schedules/"+sch.ID+"/trigger", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var ev Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, "execution", ev.Type)
	require.NotNil(t, ev.Execution)
	assert.Equal(t, sch.ID, ev.Execution.ScheduleID)
	assert.Equal(t, schedule.StatusPending, ev.Execution.Status)
}

func TestHub_DropsSlowClients(t *testing.T) {
	hub := NewHub(zaptest.NewLogger(t).Sugar())
	defer hub.Stop()

	conns := make(chan *websocket.Conn, 1)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := (&websocket.Upgrader{}).Upgrade(w, r, nil)
		require.NoError(t, err)
		conns <- conn
	}))
	defer ts.Close()

	peer, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	require.NoError(t, err)
	defer peer.Close()

	// No writePump drains this client, so its one-slot buffer fills up
	c := &Client{hub: hub, conn: <-conns, id: "slow", send: make(chan interface{}, 1)}
	hub.mu.Lock()
	hub.clients[c] = true
	hub.mu.Unlock()

	assert.Equal(t, 1, hub.broadcastMessage("first"))
	assert.Equal(t, 0, hub.broadcastMessage("second"))
	assert.Equal(t, 0, hub.ClientCount())
	assert.Equal(t, int64(1), hub.Drops())

	// Closed clients are not counted as slow again
	assert.Equal(t, 0, hub.broadcastMessage("third"))
	assert.Equal(t, int64(1), hub.Drops())
}

func TestHub_RejectsAfterStop(t *testing.T) {
	hub := NewHub(zaptest.NewLogger(t).Sugar())
	hub.Stop()
	assert.False(t, hub.register(&Client{hub: hub, id: "late", send: make(chan interface{}, 1)}))
}
