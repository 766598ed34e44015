package twitcheventsub

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/ichi0g0y/sensoji-fortune/internal/bot"
	"github.com/ichi0g0y/sensoji-fortune/internal/env"
	"github.com/ichi0g0y/sensoji-fortune/internal/fortune"
	"github.com/ichi0g0y/sensoji-fortune/internal/llm"
	"github.com/ichi0g0y/sensoji-fortune/internal/localdb"
	"github.com/ichi0g0y/sensoji-fortune/internal/store"
	"github.com/ichi0g0y/sensoji-fortune/internal/types"
	"github.com/joeyak/go-twitch-eventsub/v3"
)

type sentReply struct {
	text    string
	replyTo string
}

type recordingGateway struct {
	requests []llm.Request
}

func (g *recordingGateway) Stream(_ context.Context, req llm.Request) (<-chan llm.Chunk, error) {
	g.requests = append(g.requests, req)
	out := make(chan llm.Chunk, 1)
	out <- llm.Chunk{Text: "上上签", Done: true}
	close(out)
	return out, nil
}

func setupTestChat(t *testing.T) *[]sentReply {
	t.Helper()

	if localdb.DBClient != nil {
		_ = localdb.CloseDB()
	}
	if _, err := localdb.SetupDB(filepath.Join(t.TempDir(), "local.db")); err != nil {
		t.Fatalf("SetupDB failed: %v", err)
	}

	svc, err := fortune.NewService(
		store.NewFileStore(filepath.Join(t.TempDir(), "user_daily_results.json")),
		[]types.FortuneDefinition{{Title: "第一签 大吉", Poetry: "诗", Interpretation: "解", Suggestion: "建", HoroscopeDetails: "细"}},
		fortune.Options{Location: time.UTC},
	)
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}

	originalEnv := env.Value
	originalSend := sendReply
	env.Value.TwitchUserID = "broadcaster"
	env.Value.TwitchBotUserID = "bot"
	SetDispatcher(bot.NewDispatcher(svc))

	sent := []sentReply{}
	sendReply = func(ctx context.Context, text, replyParentMessageID string) (bool, error) {
		sent = append(sent, sentReply{text: text, replyTo: replyParentMessageID})
		return true, nil
	}

	t.Cleanup(func() {
		_ = localdb.CloseDB()
		env.Value = originalEnv
		sendReply = originalSend
		SetDispatcher(nil)
		for len(commandQueue) > 0 {
			<-commandQueue
		}
	})
	return &sent
}

func chatEvent(t *testing.T, raw string) twitch.EventChannelChatMessage {
	t.Helper()
	var evt twitch.EventChannelChatMessage
	if err := json.Unmarshal([]byte(raw), &evt); err != nil {
		t.Fatalf("failed to decode event: %v", err)
	}
	return evt
}

func TestHandleChannelChatMessage_QueuesCommand(t *testing.T) {
	sent := setupTestChat(t)

	HandleChannelChatMessage(chatEvent(t, `{
		"chatter_user_id": "u1",
		"chatter_user_name": "Alice",
		"message_id": "m1",
		"message": {"text": "抽签 Kappa", "fragments": [
			{"type": "text", "text": "抽签 "},
			{"type": "emote", "text": "Kappa"}
		]}
	}`))

	if len(commandQueue) != 1 {
		t.Fatalf("queued commands: got=%d want=%d", len(commandQueue), 1)
	}
	event := <-commandQueue
	if event.Text != "抽签" || event.UserID != "u1" || event.SessionID != "broadcaster" {
		t.Fatalf("unexpected event: %+v", event)
	}

	processCommand(context.Background(), event)
	if len(*sent) != 1 {
		t.Fatalf("sent replies: got=%d want=%d", len(*sent), 1)
	}
	if (*sent)[0].replyTo != "m1" {
		t.Fatalf("reply should thread to the command: %+v", (*sent)[0])
	}

	history, err := localdb.GetRecentChatMessages("broadcaster", 10)
	if err != nil {
		t.Fatalf("GetRecentChatMessages failed: %v", err)
	}
	if len(history) != 2 || history[1].Role != localdb.ChatRoleAssistant {
		t.Fatalf("unexpected history: %+v", history)
	}
}

func TestHandleChannelChatMessage_IgnoresChatAndSelf(t *testing.T) {
	setupTestChat(t)

	HandleChannelChatMessage(chatEvent(t, `{
		"chatter_user_id": "u1", "chatter_user_name": "Alice", "message_id": "m1",
		"message": {"text": "hello", "fragments": [{"type": "text", "text": "hello"}]}
	}`))
	HandleChannelChatMessage(chatEvent(t, `{
		"chatter_user_id": "bot", "chatter_user_name": "Bot", "message_id": "m2",
		"message": {"text": "抽签", "fragments": [{"type": "text", "text": "抽签"}]}
	}`))
	// 同じメッセージIDの再送
	HandleChannelChatMessage(chatEvent(t, `{
		"chatter_user_id": "u1", "chatter_user_name": "Alice", "message_id": "m1",
		"message": {"text": "抽签", "fragments": [{"type": "text", "text": "抽签"}]}
	}`))

	if len(commandQueue) != 0 {
		t.Fatalf("nothing should be queued: got=%d", len(commandQueue))
	}
	history, err := localdb.GetRecentChatMessages("broadcaster", 10)
	if err != nil {
		t.Fatalf("GetRecentChatMessages failed: %v", err)
	}
	if len(history) != 1 || history[0].Message != "hello" {
		t.Fatalf("unexpected history: %+v", history)
	}
}

func TestProcessCommand_DroppedReplyIsNotRecorded(t *testing.T) {
	setupTestChat(t)
	sendReply = func(ctx context.Context, text, replyParentMessageID string) (bool, error) {
		return false, nil
	}

	HandleChannelChatMessage(chatEvent(t, `{
		"chatter_user_id": "u1", "chatter_user_name": "Alice", "message_id": "m1",
		"message": {"text": "抽签", "fragments": [{"type": "text", "text": "抽签"}]}
	}`))
	processCommand(context.Background(), <-commandQueue)

	history, err := localdb.GetRecentChatMessages("broadcaster", 10)
	if err != nil {
		t.Fatalf("GetRecentChatMessages failed: %v", err)
	}
	if len(history) != 1 || history[0].Role != localdb.ChatRoleUser {
		t.Fatalf("dropped reply should not be stored: %+v", history)
	}
}

func TestProcessCommand_ExplainDoesNotRepeatCommandInHistory(t *testing.T) {
	sent := setupTestChat(t)

	gateway := &recordingGateway{}
	svc, err := fortune.NewService(
		store.NewFileStore(filepath.Join(t.TempDir(), "user_daily_results.json")),
		[]types.FortuneDefinition{{Title: "第一签 大吉", Poetry: "诗", Interpretation: "解", Suggestion: "建", HoroscopeDetails: "细"}},
		fortune.Options{Location: time.UTC, Gateway: gateway, History: bot.ChatHistory{Limit: 10}},
	)
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}
	SetDispatcher(bot.NewDispatcher(svc))

	HandleChannelChatMessage(chatEvent(t, `{
		"chatter_user_id": "u1", "chatter_user_name": "Alice", "message_id": "m1",
		"message": {"text": "解签", "fragments": [{"type": "text", "text": "解签"}]}
	}`))
	processCommand(context.Background(), <-commandQueue)

	if len(gateway.requests) != 1 {
		t.Fatalf("gateway calls: got=%d want=%d", len(gateway.requests), 1)
	}
	for _, message := range gateway.requests[0].History {
		if message.Content == "Alice: 解签" {
			t.Fatalf("command line should only appear as the prompt: %+v", gateway.requests[0].History)
		}
	}
	if len(*sent) != 1 || (*sent)[0].text != "上上签" {
		t.Fatalf("unexpected replies: %+v", *sent)
	}
}
