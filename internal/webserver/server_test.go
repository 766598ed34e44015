package webserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/ichi0g0y/sensoji-fortune/internal/bot"
	"github.com/ichi0g0y/sensoji-fortune/internal/fortune"
	"github.com/ichi0g0y/sensoji-fortune/internal/llm"
	"github.com/ichi0g0y/sensoji-fortune/internal/localdb"
	"github.com/ichi0g0y/sensoji-fortune/internal/settings"
	"github.com/ichi0g0y/sensoji-fortune/internal/store"
	"github.com/ichi0g0y/sensoji-fortune/internal/types"
)

type stubGateway struct {
	chunks []llm.Chunk
	last   llm.Request
}

func (g *stubGateway) Stream(_ context.Context, req llm.Request) (<-chan llm.Chunk, error) {
	g.last = req
	out := make(chan llm.Chunk, len(g.chunks))
	for _, chunk := range g.chunks {
		out <- chunk
	}
	close(out)
	return out, nil
}

var testDefinition = types.FortuneDefinition{
	Title:            "第一签 大吉",
	Poetry:           "七宝浮图塔",
	Interpretation:   "解",
	Suggestion:       "建",
	HoroscopeDetails: "细",
}

func setupTestServer(t *testing.T, gateway llm.Gateway) (*Server, *WSHub) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	if localdb.DBClient != nil {
		_ = localdb.CloseDB()
	}
	if _, err := localdb.SetupDB(filepath.Join(t.TempDir(), "local.db")); err != nil {
		t.Fatalf("SetupDB failed: %v", err)
	}

	hub := NewWSHub()
	hub.Start()

	opts := fortune.Options{
		Location: time.UTC,
		OnDraw: func(e fortune.DrawEvent) {
			hub.BroadcastWSMessage("fortune_drawn", e)
		},
	}
	if gateway != nil {
		opts.Gateway = gateway
	}
	svc, err := fortune.NewService(
		store.NewFileStore(filepath.Join(t.TempDir(), "user_daily_results.json")),
		[]types.FortuneDefinition{testDefinition},
		opts,
	)
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}

	tools := bot.NewToolRegistry()
	tools.Register(bot.NewExplainFortuneTool(svc))

	t.Cleanup(func() {
		hub.Stop()
		_ = localdb.CloseDB()
	})
	return NewServer(svc, tools, hub, Options{StoreBackend: store.BackendFile, LLMBackend: llm.BackendOpenAI}), hub
}

func doJSON(t *testing.T, handler http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestFortuneRoutes_DrawRerollAndGet(t *testing.T) {
	server, _ := setupTestServer(t, nil)
	handler := server.Routes()

	rec := doJSON(t, handler, http.MethodGet, "/api/fortune/u1", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("GET before draw: got=%d want=%d", rec.Code, http.StatusNotFound)
	}

	rec = doJSON(t, handler, http.MethodPost, "/api/fortune/draw", `{"user_id":"u1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("draw status: got=%d want=%d body=%s", rec.Code, http.StatusOK, rec.Body.String())
	}
	var drawn fortuneResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &drawn); err != nil {
		t.Fatalf("decode draw: %v", err)
	}
	want := fortune.FormatMessage(testDefinition)
	if drawn.Result != want || drawn.UserID != "u1" || drawn.Date == "" {
		t.Fatalf("unexpected draw response: %+v", drawn)
	}

	rec = doJSON(t, handler, http.MethodPost, "/api/fortune/reroll", `{"user_id":"u1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("reroll status: got=%d want=%d", rec.Code, http.StatusOK)
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/fortune/u1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET after draw: got=%d want=%d", rec.Code, http.StatusOK)
	}
	var stored fortuneResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &stored); err != nil {
		t.Fatalf("decode get: %v", err)
	}
	if stored.Result != want {
		t.Fatalf("unexpected stored result: got=%q want=%q", stored.Result, want)
	}
}

func TestFortuneRoutes_RejectsMissingUserID(t *testing.T) {
	server, _ := setupTestServer(t, nil)
	handler := server.Routes()

	for _, body := range []string{`{}`, `{"user_id":"  "}`, `not json`} {
		rec := doJSON(t, handler, http.MethodPost, "/api/fortune/draw", body)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("body %q: got=%d want=%d", body, rec.Code, http.StatusBadRequest)
		}
	}
}

func TestExplainRoute_WithoutGateway(t *testing.T) {
	server, _ := setupTestServer(t, nil)

	rec := doJSON(t, server.Routes(), http.MethodPost, "/api/fortune/explain", `{"user_id":"u1"}`)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("explain status: got=%d want=%d", rec.Code, http.StatusServiceUnavailable)
	}
}

func TestExplainRoute_StreamsSSE(t *testing.T) {
	gateway := &stubGateway{chunks: []llm.Chunk{{Text: "此签"}, {Text: "大吉", Done: true}}}
	server, _ := setupTestServer(t, gateway)

	// c.Stream は CloseNotifier を要求するので実サーバーで叩く
	ts := httptest.NewServer(server.Routes())
	defer ts.Close()

	drawResp, err := http.Post(ts.URL+"/api/fortune/draw", "application/json", strings.NewReader(`{"user_id":"u1"}`))
	if err != nil {
		t.Fatalf("draw request failed: %v", err)
	}
	drawResp.Body.Close()

	resp, err := http.Post(ts.URL+"/api/fortune/explain", "application/json",
		strings.NewReader(`{"user_id":"u1","session_id":"s1"}`))
	if err != nil {
		t.Fatalf("explain request failed: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}

	text := string(body)
	if !strings.Contains(text, "event:message") || !strings.Contains(text, `"text":"此签"`) {
		t.Fatalf("missing message events: %s", text)
	}
	if !strings.Contains(text, "event:done") {
		t.Fatalf("missing done event: %s", text)
	}
	if !strings.Contains(gateway.last.Prompt, fortune.FormatMessage(testDefinition)) {
		t.Fatalf("prompt should carry the stored result: %q", gateway.last.Prompt)
	}
	if gateway.last.SessionID != "s1" {
		t.Fatalf("unexpected session: got=%q want=%q", gateway.last.SessionID, "s1")
	}
}

func TestToolRoutes(t *testing.T) {
	server, _ := setupTestServer(t, nil)
	handler := server.Routes()

	rec := doJSON(t, handler, http.MethodGet, "/api/tools", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), bot.ExplainFortuneToolName) {
		t.Fatalf("unexpected tool list: %d %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, handler, http.MethodPost, "/api/tools/unknown", `{}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown tool: got=%d want=%d", rec.Code, http.StatusNotFound)
	}

	rec = doJSON(t, handler, http.MethodPost, "/api/tools/explain_fortune", `{}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing user_id: got=%d want=%d", rec.Code, http.StatusBadRequest)
	}

	rec = doJSON(t, handler, http.MethodPost, "/api/tools/explain_fortune", `{"user_id":"u1"}`)
	var result struct {
		Result string `json:"result"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode tool result: %v", err)
	}
	if result.Result != fortune.NotDrawnToolResult {
		t.Fatalf("unexpected tool result: got=%q want=%q", result.Result, fortune.NotDrawnToolResult)
	}
}

func TestStatusRoute(t *testing.T) {
	server, _ := setupTestServer(t, nil)

	rec := doJSON(t, server.Routes(), http.MethodGet, "/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status code: got=%d want=%d", rec.Code, http.StatusOK)
	}
	var status map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status["store_backend"] != store.BackendFile || status["llm_enabled"] != false {
		t.Fatalf("unexpected status: %+v", status)
	}
	if status["twitch_error"] != "" {
		t.Fatalf("twitch_error should be empty before any connection: %+v", status)
	}
}

func TestStatusRoute_ReportsTwitchError(t *testing.T) {
	server, _ := setupTestServer(t, nil)

	original := twitchState
	twitchState = func() (bool, error) {
		return false, errors.New("websocket: close 4003")
	}
	t.Cleanup(func() {
		twitchState = original
	})

	rec := doJSON(t, server.Routes(), http.MethodGet, "/status", "")
	var status map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status["twitch_connected"] != false {
		t.Fatalf("unexpected twitch_connected: got=%v want=false", status["twitch_connected"])
	}
	if status["twitch_error"] != "websocket: close 4003" {
		t.Fatalf("unexpected twitch_error: got=%q want=%q", status["twitch_error"], "websocket: close 4003")
	}
}

func TestSettingsRoutes_MasksSecrets(t *testing.T) {
	server, _ := setupTestServer(t, nil)
	handler := server.Routes()

	rec := doJSON(t, handler, http.MethodPut, "/api/settings", `{"OPENAI_API_KEY":"sk-secret","CHAT_HISTORY_LIMIT":"10"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("PUT status: got=%d want=%d body=%s", rec.Code, http.StatusOK, rec.Body.String())
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/settings", "")
	if strings.Contains(rec.Body.String(), "sk-secret") {
		t.Fatalf("secret leaked: %s", rec.Body.String())
	}

	// マスク値を送り返しても上書きしない
	rec = doJSON(t, handler, http.MethodPut, "/api/settings", `{"OPENAI_API_KEY":"********"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("PUT masked status: got=%d want=%d", rec.Code, http.StatusOK)
	}
	manager := settings.NewSettingsManager(localdb.GetDB())
	if got, _ := manager.GetSetting("OPENAI_API_KEY"); got != "sk-secret" {
		t.Fatalf("secret should be kept: got=%q want=%q", got, "sk-secret")
	}
	if got, _ := manager.GetSetting("CHAT_HISTORY_LIMIT"); got != "10" {
		t.Fatalf("unexpected history limit: got=%q want=%q", got, "10")
	}

	for _, body := range []string{`{"UNKNOWN":"x"}`, `{"STORE_BACKEND":"mysql"}`} {
		rec = doJSON(t, handler, http.MethodPut, "/api/settings", body)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("body %s: got=%d want=%d", body, rec.Code, http.StatusBadRequest)
		}
	}
}

func TestUsageRoutes(t *testing.T) {
	server, _ := setupTestServer(t, nil)
	handler := server.Routes()

	if _, _, err := llm.AddOpenAIUsage("gpt-4o-mini", 100, 50); err != nil {
		t.Fatalf("AddOpenAIUsage failed: %v", err)
	}

	rec := doJSON(t, handler, http.MethodGet, "/api/llm/usage", "")
	var usage llm.OpenAIUsage
	if err := json.Unmarshal(rec.Body.Bytes(), &usage); err != nil {
		t.Fatalf("decode usage: %v", err)
	}
	if usage.InputTokens != 100 || usage.OutputTokens != 50 {
		t.Fatalf("unexpected usage: %+v", usage)
	}

	rec = doJSON(t, handler, http.MethodPost, "/api/llm/usage/reset", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("reset status: got=%d want=%d", rec.Code, http.StatusOK)
	}
	if got := llm.GetOpenAIUsage(); got.InputTokens != 0 || got.OutputTokens != 0 {
		t.Fatalf("usage should be reset: %+v", got)
	}
}

func TestWebSocket_BroadcastsDraws(t *testing.T) {
	server, hub := setupTestServer(t, nil)

	ts := httptest.NewServer(server.Routes())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?clientId=overlay"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var msg WSMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read connected: %v", err)
	}
	if msg.Type != "connected" || !strings.Contains(string(msg.Data), "overlay") {
		t.Fatalf("unexpected first message: %+v", msg)
	}
	if hub.ClientCount() != 1 {
		t.Fatalf("client count: got=%d want=%d", hub.ClientCount(), 1)
	}

	resp, err := http.Post(ts.URL+"/api/fortune/draw", "application/json", strings.NewReader(`{"user_id":"u1"}`))
	if err != nil {
		t.Fatalf("draw request failed: %v", err)
	}
	resp.Body.Close()

	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read broadcast: %v", err)
	}
	if msg.Type != "fortune_drawn" {
		t.Fatalf("unexpected message type: got=%q want=%q", msg.Type, "fortune_drawn")
	}
	var event fortune.DrawEvent
	if err := json.Unmarshal(msg.Data, &event); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if event.UserID != "u1" || event.Rerolled {
		t.Fatalf("unexpected event: %+v", event)
	}
}
