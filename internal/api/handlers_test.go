package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"researchgo/internal/agent"
	"researchgo/internal/config"
	"researchgo/internal/models"
	"researchgo/internal/runner"
	"researchgo/internal/session"
	"researchgo/internal/storage"
)

type scriptedGenerator struct {
	mu    sync.Mutex
	step  int
	gate  chan struct{}
	query string
}

func (g *scriptedGenerator) Generate(ctx context.Context, _ []*models.Message) (*models.Message, error) {
	if g.gate != nil {
		select {
		case <-g.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.step++
	if g.step == 1 && g.query != "" {
		return &models.Message{
			Role: models.RoleAssistant,
			ToolCall: &models.ToolCall{
				ID:        "call-1",
				Name:      agent.SearchToolName,
				Arguments: fmt.Sprintf(`{"query":%q}`, g.query),
			},
		}, nil
	}
	return &models.Message{Role: models.RoleAssistant, Content: "generated report"}, nil
}

type fixedSearcher struct{ result string }

func (s fixedSearcher) Search(context.Context, string) (string, error) { return s.result, nil }

func newTestServer(t *testing.T, gen agent.Generator) (*gin.Engine, *sql.DB, *runner.Runner) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{
		Databases: map[string]config.DatabaseConfig{
			"sqlite3": {DSN: ":memory:"},
		},
	}
	db, err := storage.Open("sqlite3", cfg)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate db: %v", err)
	}

	sessions := session.NewService(db, nil, time.Hour)
	r := runner.New(sessions, func(context.Context) *agent.Loop {
		return agent.NewLoop(gen, fixedSearcher{result: "search results"}, 8, 0)
	})
	handler := NewHandler(sessions, r)

	router := gin.New()
	handler.RegisterRoutes(router)
	return router, db, r
}

func doJSONRequest(t *testing.T, router *gin.Engine, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func assertStatus(t *testing.T, w *httptest.ResponseRecorder, want int) {
	t.Helper()
	if w.Code != want {
		t.Fatalf("status %d, want %d (body: %s)", w.Code, want, w.Body.String())
	}
}

func decodeJSON(t *testing.T, data []byte, out interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, out); err != nil {
		t.Fatalf("decode json: %v (raw: %s)", err, data)
	}
}

type sseEvent struct {
	name string
	data string
}

func parseSSE(t *testing.T, body string) []sseEvent {
	t.Helper()
	var events []sseEvent
	var current sseEvent
	for _, line := range strings.Split(body, "\n") {
		switch {
		case strings.HasPrefix(line, "event: "):
			current.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			current.data = strings.TrimPrefix(line, "data: ")
			events = append(events, current)
			current = sseEvent{}
		}
	}
	return events
}

func createTestSession(t *testing.T, router *gin.Engine) (int64, map[string]string) {
	t.Helper()
	resp := doJSONRequest(t, router, http.MethodPost, "/api/sessions", nil, nil)
	assertStatus(t, resp, http.StatusCreated)
	var body struct {
		Session struct {
			ID int64 `json:"id"`
		} `json:"session"`
		SessionToken string `json:"session_token"`
	}
	decodeJSON(t, resp.Body.Bytes(), &body)
	if body.Session.ID == 0 || body.SessionToken == "" {
		t.Fatalf("incomplete create response: %s", resp.Body.String())
	}
	return body.Session.ID, map[string]string{"Authorization": "Bearer " + body.SessionToken}
}

func TestResearchEndToEndFlow(t *testing.T) {
	router, db, _ := newTestServer(t, &scriptedGenerator{query: "ai in healthcare trends"})
	defer db.Close()

	sessionID, authHeader := createTestSession(t, router)

	resp := doJSONRequest(t, router, http.MethodPost,
		fmt.Sprintf("/api/sessions/%d/research", sessionID),
		map[string]string{"topic": "AI in Healthcare"}, authHeader)
	assertStatus(t, resp, http.StatusOK)

	events := parseSSE(t, resp.Body.String())
	if len(events) < 3 {
		t.Fatalf("expected ack, steps, and report events, got %#v", events)
	}
	if events[0].name != "ack" {
		t.Fatalf("first event should be ack: %#v", events[0])
	}
	last := events[len(events)-1]
	if last.name != "report" {
		t.Fatalf("last event should be report: %#v", last)
	}
	var report struct {
		Content string `json:"content"`
	}
	decodeJSON(t, []byte(last.data), &report)
	if report.Content != "generated report" {
		t.Fatalf("report content mismatch: %q", report.Content)
	}

	var sawSearchStep bool
	for _, ev := range events[1 : len(events)-1] {
		if ev.name != "step" {
			t.Fatalf("unexpected mid-stream event: %#v", ev)
		}
		if strings.Contains(ev.data, "Searching: ai in healthcare trends") {
			sawSearchStep = true
		}
	}
	if !sawSearchStep {
		t.Fatalf("expected a search progress step, got %#v", events)
	}

	// slot and transcript are re-displayable after the run
	getResp := doJSONRequest(t, router, http.MethodGet,
		fmt.Sprintf("/api/sessions/%d", sessionID), nil, authHeader)
	assertStatus(t, getResp, http.StatusOK)
	var slot struct {
		Session  models.Session    `json:"session"`
		Messages []*models.Message `json:"messages"`
	}
	decodeJSON(t, getResp.Body.Bytes(), &slot)
	if slot.Session.Status != models.StatusDone || slot.Session.Report != "generated report" {
		t.Fatalf("slot not updated: %#v", slot.Session)
	}
	if len(slot.Messages) != 4 { // user, tool call, tool result, report
		t.Fatalf("expected 4 transcript messages, got %d", len(slot.Messages))
	}

	// delete revokes the slot and its token
	delResp := doJSONRequest(t, router, http.MethodDelete,
		fmt.Sprintf("/api/sessions/%d", sessionID), nil, authHeader)
	assertStatus(t, delResp, http.StatusNoContent)
	afterResp := doJSONRequest(t, router, http.MethodGet,
		fmt.Sprintf("/api/sessions/%d", sessionID), nil, authHeader)
	assertStatus(t, afterResp, http.StatusUnauthorized)
}

func TestResearchRequiresAuth(t *testing.T) {
	router, db, _ := newTestServer(t, &scriptedGenerator{})
	defer db.Close()
	sessionID, _ := createTestSession(t, router)

	resp := doJSONRequest(t, router, http.MethodPost,
		fmt.Sprintf("/api/sessions/%d/research", sessionID),
		map[string]string{"topic": "x"}, nil)
	assertStatus(t, resp, http.StatusUnauthorized)
}

func TestResearchRejectsForeignSession(t *testing.T) {
	router, db, _ := newTestServer(t, &scriptedGenerator{})
	defer db.Close()
	_, authHeader := createTestSession(t, router)
	otherID, _ := createTestSession(t, router)

	resp := doJSONRequest(t, router, http.MethodPost,
		fmt.Sprintf("/api/sessions/%d/research", otherID),
		map[string]string{"topic": "x"}, authHeader)
	assertStatus(t, resp, http.StatusForbidden)
}

func TestResearchRejectsEmptyTopic(t *testing.T) {
	router, db, _ := newTestServer(t, &scriptedGenerator{})
	defer db.Close()
	sessionID, authHeader := createTestSession(t, router)

	resp := doJSONRequest(t, router, http.MethodPost,
		fmt.Sprintf("/api/sessions/%d/research", sessionID),
		map[string]string{"topic": "   "}, authHeader)
	assertStatus(t, resp, http.StatusBadRequest)
}

func TestResearchMissingCredentialStreamsError(t *testing.T) {
	router, db, _ := newTestServer(t, nil)
	defer db.Close()
	sessionID, authHeader := createTestSession(t, router)

	resp := doJSONRequest(t, router, http.MethodPost,
		fmt.Sprintf("/api/sessions/%d/research", sessionID),
		map[string]string{"topic": "anything"}, authHeader)
	assertStatus(t, resp, http.StatusOK)

	events := parseSSE(t, resp.Body.String())
	last := events[len(events)-1]
	if last.name != "error" {
		t.Fatalf("expected error event, got %#v", last)
	}
	if !strings.Contains(last.data, "not configured") {
		t.Fatalf("expected configuration error text, got %q", last.data)
	}
}

func TestResearchBusySessionConflicts(t *testing.T) {
	gate := make(chan struct{})
	router, db, r := newTestServer(t, &scriptedGenerator{gate: gate})
	defer db.Close()
	sessionID, authHeader := createTestSession(t, router)

	done := make(chan struct{})
	go func() {
		defer close(done)
		doJSONRequest(t, router, http.MethodPost,
			fmt.Sprintf("/api/sessions/%d/research", sessionID),
			map[string]string{"topic": "slow"}, authHeader)
	}()

	deadline := time.After(time.Second)
	for !r.Busy(sessionID) {
		select {
		case <-deadline:
			t.Fatalf("first run never claimed the session")
		case <-time.After(5 * time.Millisecond):
		}
	}

	resp := doJSONRequest(t, router, http.MethodPost,
		fmt.Sprintf("/api/sessions/%d/research", sessionID),
		map[string]string{"topic": "second"}, authHeader)
	assertStatus(t, resp, http.StatusConflict)

	close(gate)
	<-done
}
