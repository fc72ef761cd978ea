package dashboard

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zulandar/teamyard/internal/config"
	"github.com/zulandar/teamyard/internal/db/dbtest"
	"github.com/zulandar/teamyard/internal/events"
	"github.com/zulandar/teamyard/internal/llm"
	"github.com/zulandar/teamyard/internal/metrics"
	"github.com/zulandar/teamyard/internal/orchestration"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type scriptedModels struct{}

func (scriptedModels) New(provider, model string) (llm.Model, error) {
	return llm.NewScripted(), nil
}

type fixture struct {
	router  *gin.Engine
	manager *orchestration.Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	collector := metrics.NewCollector("teamyard", nil)
	m, err := orchestration.NewManager(orchestration.Options{
		Config: config.OrchestrationConfig{
			PollInterval:   5 * time.Millisecond,
			NudgeInterval:  time.Hour,
			SessionTimeout: time.Hour,
		},
		DB:      dbtest.Open(t),
		Models:  scriptedModels{},
		Metrics: collector,
	})
	require.NoError(t, err)
	t.Cleanup(m.Close)

	router, err := NewRouter(Options{Manager: m, Metrics: collector, Heartbeat: 20 * time.Millisecond})
	require.NoError(t, err)
	return &fixture{router: router, manager: m}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func pair() config.Team {
	return config.Team{Agents: []config.AgentSpec{
		{Name: "lead", Role: "leader", Provider: "scripted", Model: "m"},
		{Name: "dev", Role: "teammate", Provider: "scripted", Model: "m", Connections: []string{"lead"}},
	}}
}

func (f *fixture) create(t *testing.T) string {
	t.Helper()
	w := f.do(t, http.MethodPost, "/api/sessions", pair())
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	out := decode(t, w)
	assert.Equal(t, "lead", out["top_leader"])
	return out["session_id"].(string)
}

func TestNewRouter_RequiresManager(t *testing.T) {
	_, err := NewRouter(Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "session manager is required")
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	f.create(t)

	w := f.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	out := decode(t, w)
	assert.Equal(t, "healthy", out["status"])
	assert.EqualValues(t, 1, out["active_sessions"])
}

func TestModels(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/api/models", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "anthropic")
	assert.Contains(t, w.Body.String(), "openai")
}

func TestCreateSession_Invalid(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/api/sessions", config.Team{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/sessions", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSessionLifecycle(t *testing.T) {
	f := newFixture(t)
	id := f.create(t)

	w := f.do(t, http.MethodGet, "/api/sessions", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), id)

	w = f.do(t, http.MethodGet, "/api/sessions/"+id, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "lead", decode(t, w)["top_leader"])

	w = f.do(t, http.MethodGet, "/api/sessions/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(t, http.MethodDelete, "/api/history/"+id, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code, "running sessions cannot be purged")

	w = f.do(t, http.MethodDelete, "/api/sessions/"+id, nil)
	require.Equal(t, http.StatusOK, w.Code)
	out := decode(t, w)
	assert.Equal(t, "stopped", out["status"])
	assert.Equal(t, orchestration.ReasonStopped, out["reason"])

	w = f.do(t, http.MethodPost, "/api/sessions/"+id+"/chat", chatRequest{Message: "hello"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = f.do(t, http.MethodGet, "/api/history?limit=5", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var hist struct {
		Sessions []RecordView `json:"sessions"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &hist))
	require.Len(t, hist.Sessions, 1)
	assert.Equal(t, "stopped", hist.Sessions[0].Status)
	assert.Equal(t, []string{"lead", "dev"}, hist.Sessions[0].Agents)

	w = f.do(t, http.MethodGet, "/api/history?limit=zero", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodDelete, "/api/history/"+id, nil)
	require.Equal(t, http.StatusOK, w.Code)
	w = f.do(t, http.MethodDelete, "/api/history/"+id, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestChatAndMailbox(t *testing.T) {
	f := newFixture(t)
	id := f.create(t)

	w := f.do(t, http.MethodPost, "/api/sessions/"+id+"/chat", chatRequest{Message: "ship it", TargetAgent: "dev"})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.Equal(t, "dev", decode(t, w)["to"])

	w = f.do(t, http.MethodPost, "/api/sessions/"+id+"/chat", chatRequest{Message: ""})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = f.do(t, http.MethodPost, "/api/sessions/"+id+"/chat", chatRequest{Message: "x", TargetAgent: "ghost"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodGet, "/api/sessions/"+id+"/agents/dev/mailbox", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var box struct {
		Messages []MessageView `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &box))
	require.NotEmpty(t, box.Messages)
	assert.Equal(t, orchestration.UserSender, box.Messages[0].From)
	assert.Equal(t, "ship it", box.Messages[0].Body)

	w = f.do(t, http.MethodGet, "/api/sessions/"+id+"/agents/ghost/mailbox", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestTasks(t *testing.T) {
	f := newFixture(t)
	id := f.create(t)

	w := f.do(t, http.MethodGet, "/api/sessions/"+id+"/tasks", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"tasks":[]}`, w.Body.String())

	w = f.do(t, http.MethodGet, "/api/sessions/"+id+"/tasks?status=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodGet, "/api/sessions/"+id+"/tasks/1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = f.do(t, http.MethodGet, "/api/sessions/"+id+"/tasks/abc", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	f.create(t)
	w := f.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "teamyard_active_sessions 1")
}

func TestStream(t *testing.T) {
	f := newFixture(t)
	id := f.create(t)
	srv := httptest.NewServer(f.router)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/sessions/" + id + "/stream")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var seen []string
	keepalive := false
	done := make(chan struct{})
	go func() {
		defer close(done)
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			line := sc.Text()
			if line == ": keepalive" {
				keepalive = true
			}
			if ev, ok := strings.CutPrefix(line, "event: "); ok {
				seen = append(seen, ev)
			}
		}
	}()

	time.Sleep(60 * time.Millisecond)
	require.NoError(t, f.manager.Stop(id, orchestration.ReasonStopped))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not end after session stopped")
	}
	require.NotEmpty(t, seen)
	assert.Equal(t, "connected", seen[0])
	assert.Equal(t, string(events.SessionStopped), seen[len(seen)-1])
	assert.True(t, keepalive)
}

func TestSocket(t *testing.T) {
	f := newFixture(t)
	id := f.create(t)
	srv := httptest.NewServer(f.router)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/sessions/" + id + "/ws"
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	time.Sleep(20 * time.Millisecond)
	s, _ := f.manager.Get(id)
	_, err = s.Inject(ctx, "lead", "status?")
	require.NoError(t, err)

	var ev events.Event
	require.NoError(t, wsjson.Read(ctx, conn, &ev))
	assert.Equal(t, id, ev.SessionID)

	go f.manager.Stop(id, orchestration.ReasonStopped)
	for {
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			assert.Equal(t, websocket.StatusNormalClosure, websocket.CloseStatus(err))
			return
		}
	}
}
