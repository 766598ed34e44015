package bot

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ichi0g0y/sensoji-fortune/internal/fortune"
	"github.com/ichi0g0y/sensoji-fortune/internal/llm"
	"github.com/ichi0g0y/sensoji-fortune/internal/localdb"
	"github.com/ichi0g0y/sensoji-fortune/internal/settings"
	"github.com/ichi0g0y/sensoji-fortune/internal/store"
	"github.com/ichi0g0y/sensoji-fortune/internal/types"
)

var singleCatalog = []types.FortuneDefinition{
	{Title: "第一签 大吉", Poetry: "诗", Interpretation: "解", Suggestion: "建", HoroscopeDetails: "细"},
}

type echoGateway struct {
	last llm.Request
}

func (g *echoGateway) Stream(_ context.Context, req llm.Request) (<-chan llm.Chunk, error) {
	g.last = req
	out := make(chan llm.Chunk, 2)
	out <- llm.Chunk{Text: "  吉兆"}
	out <- llm.Chunk{Text: "です  ", Done: true}
	close(out)
	return out, nil
}

func newTestService(t *testing.T, gateway llm.Gateway) *fortune.Service {
	t.Helper()
	s := store.NewFileStore(filepath.Join(t.TempDir(), "user_daily_results.json"))
	svc, err := fortune.NewService(s, singleCatalog, fortune.Options{
		Location: time.UTC,
		Gateway:  gateway,
	})
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}
	return svc
}

func setupTestDB(t *testing.T) {
	t.Helper()
	if localdb.DBClient != nil {
		_ = localdb.CloseDB()
	}
	if _, err := localdb.SetupDB(filepath.Join(t.TempDir(), "local.db")); err != nil {
		t.Fatalf("SetupDB failed: %v", err)
	}
	t.Cleanup(func() {
		_ = localdb.CloseDB()
	})
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		text string
		want string
		ok   bool
	}{
		{text: "抽签", want: CommandDraw, ok: true},
		{text: "!抽签", want: CommandDraw, ok: true},
		{text: "  转运 please", want: CommandReroll, ok: true},
		{text: "!EXPLAIN", want: CommandExplain, ok: true},
		{text: "！解签", want: CommandExplain, ok: true},
		{text: "!draw", want: CommandDraw, ok: true},
		{text: "draw", ok: false},
		{text: "我想抽签", ok: false},
		{text: "", ok: false},
	}

	for _, tt := range tests {
		got, ok := ParseCommand(tt.text)
		if ok != tt.ok || got != tt.want {
			t.Fatalf("ParseCommand(%q): got=%q,%v want=%q,%v", tt.text, got, ok, tt.want, tt.ok)
		}
	}
}

func TestDispatcher_DrawAndReroll(t *testing.T) {
	d := NewDispatcher(newTestService(t, nil))
	ctx := context.Background()
	want := fortune.FormatMessage(singleCatalog[0])

	reply, ok := d.Handle(ctx, Event{UserID: "u1", Text: "抽签"})
	if !ok {
		t.Fatalf("command should be handled")
	}
	if reply.Text != want {
		t.Fatalf("unexpected draw reply: got=%q want=%q", reply.Text, want)
	}

	reply, ok = d.Handle(ctx, Event{UserID: "u1", Text: "!reroll"})
	if !ok || reply.Command != CommandReroll || reply.Text != want {
		t.Fatalf("unexpected reroll reply: %+v", reply)
	}

	if _, ok := d.Handle(ctx, Event{UserID: "u1", Text: "hello"}); ok {
		t.Fatalf("plain chat should not be handled")
	}
}

func TestDispatcher_DrawFailure(t *testing.T) {
	d := NewDispatcher(newTestService(t, nil))
	reply, ok := d.Handle(context.Background(), Event{UserID: "", Text: "抽签"})
	if !ok || reply.Text != ReplyDrawFailed {
		t.Fatalf("unexpected reply: %+v", reply)
	}
}

func TestDispatcher_ExplainWithoutGateway(t *testing.T) {
	d := NewDispatcher(newTestService(t, nil))
	ctx := context.Background()

	reply, _ := d.Handle(ctx, Event{UserID: "u1", Text: "解签"})
	if reply.Text != ReplyExplainNotDrawn {
		t.Fatalf("unexpected reply: got=%q want=%q", reply.Text, ReplyExplainNotDrawn)
	}

	d.Handle(ctx, Event{UserID: "u1", Text: "抽签"})
	reply, _ = d.Handle(ctx, Event{UserID: "u1", Text: "解签"})
	if reply.Text != ReplyExplainDisabled {
		t.Fatalf("unexpected reply: got=%q want=%q", reply.Text, ReplyExplainDisabled)
	}
}

func TestDispatcher_ExplainStream(t *testing.T) {
	gateway := &echoGateway{}
	d := NewDispatcher(newTestService(t, gateway))
	ctx := context.Background()

	reply, ok := d.Handle(ctx, Event{UserID: "u1", SessionID: "room", Text: "!explain"})
	if !ok || reply.Stream == nil {
		t.Fatalf("explain should return a stream: %+v", reply)
	}
	if got := Resolve(ctx, reply); got != "吉兆です" {
		t.Fatalf("unexpected text: got=%q", got)
	}
	if !strings.HasSuffix(gateway.last.Prompt, fortune.NotDrawnPrompt) {
		t.Fatalf("unexpected prompt: %q", gateway.last.Prompt)
	}
	if gateway.last.SessionID != "room" {
		t.Fatalf("unexpected session: got=%q want=%q", gateway.last.SessionID, "room")
	}
}

func TestToolRegistry_ExplainFortune(t *testing.T) {
	svc := newTestService(t, nil)
	registry := NewToolRegistry()
	registry.Register(NewExplainFortuneTool(svc))
	ctx := context.Background()

	defs := registry.GetAllDefinitions()
	if len(defs) != 1 || defs[0].Name != ExplainFortuneToolName {
		t.Fatalf("unexpected definitions: %+v", defs)
	}

	got, err := registry.Execute(ctx, ExplainFortuneToolName, `{"user_id":"u1"}`)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if got != fortune.NotDrawnToolResult {
		t.Fatalf("unexpected result: got=%q want=%q", got, fortune.NotDrawnToolResult)
	}

	result, err := svc.Draw(ctx, "u1")
	if err != nil {
		t.Fatalf("Draw failed: %v", err)
	}
	got, err = registry.Execute(ctx, ExplainFortuneToolName, `{"user_id":"u1"}`)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if got != result {
		t.Fatalf("unexpected result: got=%q want=%q", got, result)
	}
}

func TestToolRegistry_Errors(t *testing.T) {
	registry := NewToolRegistry()
	registry.Register(NewExplainFortuneTool(newTestService(t, nil)))
	ctx := context.Background()

	var notFound *ToolNotFoundError
	if _, err := registry.Execute(ctx, "missing", "{}"); !errors.As(err, &notFound) {
		t.Fatalf("unexpected error: %v", err)
	}

	var invalid *InvalidArgsError
	if _, err := registry.Execute(ctx, ExplainFortuneToolName, "{"); !errors.As(err, &invalid) {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := registry.Execute(ctx, ExplainFortuneToolName, `{}`); !errors.As(err, &invalid) {
		t.Fatalf("missing user_id should be rejected: %v", err)
	}
}

func TestChatHistory(t *testing.T) {
	setupTestDB(t)

	rows := []localdb.ChatMessageRow{
		{MessageID: "1", SessionID: "room", Username: "alice", Message: "抽签", CreatedAt: 100},
		{MessageID: "2", SessionID: "room", Username: "bot", Role: localdb.ChatRoleAssistant, Message: "第一签", CreatedAt: 101},
		{MessageID: "3", SessionID: "other", Username: "bob", Message: "hi", CreatedAt: 102},
		{MessageID: "4", SessionID: "room", Username: "alice", Message: "解签", CreatedAt: 103},
	}
	for _, row := range rows {
		if _, err := localdb.AddChatMessage(row); err != nil {
			t.Fatalf("AddChatMessage failed: %v", err)
		}
	}

	got, err := ChatHistory{Limit: 2}.RecentMessages(context.Background(), "room", "")
	if err != nil {
		t.Fatalf("RecentMessages failed: %v", err)
	}
	want := []llm.Message{
		{Role: llm.RoleAssistant, Content: "第一签"},
		{Role: llm.RoleUser, Content: "alice: 解签"},
	}
	if len(got) != len(want) {
		t.Fatalf("unexpected history: %+v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("history[%d]: got=%+v want=%+v", i, got[i], want[i])
		}
	}
}

func TestChatHistory_SkipsTriggeringMessage(t *testing.T) {
	setupTestDB(t)

	rows := []localdb.ChatMessageRow{
		{MessageID: "1", SessionID: "room", Username: "alice", Message: "抽签", CreatedAt: 100},
		{MessageID: "2", SessionID: "room", Username: "bot", Role: localdb.ChatRoleAssistant, Message: "第一签", CreatedAt: 101},
		{MessageID: "3", SessionID: "room", Username: "alice", Message: "解签", CreatedAt: 102},
	}
	for _, row := range rows {
		if _, err := localdb.AddChatMessage(row); err != nil {
			t.Fatalf("AddChatMessage failed: %v", err)
		}
	}

	got, err := ChatHistory{Limit: 2}.RecentMessages(context.Background(), "room", "3")
	if err != nil {
		t.Fatalf("RecentMessages failed: %v", err)
	}
	want := []llm.Message{
		{Role: llm.RoleUser, Content: "alice: 抽签"},
		{Role: llm.RoleAssistant, Content: "第一签"},
	}
	if len(got) != len(want) {
		t.Fatalf("unexpected history: %+v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("history[%d]: got=%+v want=%+v", i, got[i], want[i])
		}
	}
}

func TestSettingsPersona(t *testing.T) {
	persona := SettingsPersona{Fallback: "默认人设"}
	ctx := context.Background()

	got, err := persona.SystemPrompt(ctx)
	if err != nil || got != "默认人设" {
		t.Fatalf("without db: got=%q err=%v", got, err)
	}

	setupTestDB(t)
	got, err = persona.SystemPrompt(ctx)
	if err != nil || got != "默认人设" {
		t.Fatalf("without stored value: got=%q err=%v", got, err)
	}

	if err := settings.NewSettingsManager(localdb.GetDB()).SetSetting("PERSONA_PROMPT", "你是巫女"); err != nil {
		t.Fatalf("SetSetting failed: %v", err)
	}
	got, err = persona.SystemPrompt(ctx)
	if err != nil || got != "你是巫女" {
		t.Fatalf("with stored value: got=%q err=%v", got, err)
	}
}
