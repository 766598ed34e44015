package twitcheventsub

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/ichi0g0y/sensoji-fortune/internal/bot"
	"github.com/ichi0g0y/sensoji-fortune/internal/env"
	"github.com/ichi0g0y/sensoji-fortune/internal/localdb"
	"github.com/ichi0g0y/sensoji-fortune/internal/shared/logger"
	"github.com/ichi0g0y/sensoji-fortune/internal/twitchapi"
	"github.com/joeyak/go-twitch-eventsub/v3"
	"go.uber.org/zap"
)

// 解签はLLMの応答待ちがあるので、チャット受信とは別ワーカーで順に処理する
var (
	commandQueue       = make(chan bot.Event, 100)
	commandQueueOnce   sync.Once
	commandQueueCancel context.CancelFunc

	dispatcherMu sync.RWMutex
	dispatcher   *bot.Dispatcher
)

const commandTimeout = 2 * time.Minute

// sendReply posts a reply into the broadcaster's chat as the bot account.
// sent is false when Twitch accepted the request but dropped the message.
var sendReply = func(ctx context.Context, text, replyParentMessageID string) (bool, error) {
	result, err := twitchapi.SendChatMessage(ctx, env.Value.TwitchUserID, env.Value.TwitchBotUserID, text, replyParentMessageID)
	if err != nil {
		return false, err
	}
	return result.IsSent, nil
}

func SetDispatcher(d *bot.Dispatcher) {
	dispatcherMu.Lock()
	dispatcher = d
	dispatcherMu.Unlock()
}

func getDispatcher() *bot.Dispatcher {
	dispatcherMu.RLock()
	defer dispatcherMu.RUnlock()
	return dispatcher
}

// StartCommandQueueWorker starts the command worker once.
func StartCommandQueueWorker() {
	commandQueueOnce.Do(func() {
		var ctx context.Context
		ctx, commandQueueCancel = context.WithCancel(context.Background())
		go processCommandQueue(ctx)
	})
}

func StopCommandQueueWorker() {
	if commandQueueCancel != nil {
		logger.Info("Stopping command queue worker")
		commandQueueCancel()
		commandQueueCancel = nil
		commandQueueOnce = sync.Once{}
	}
}

func processCommandQueue(ctx context.Context) {
	logger.Info("Command queue worker started")
	for {
		select {
		case <-ctx.Done():
			logger.Info("Command queue worker stopped")
			return
		case event := <-commandQueue:
			cmdCtx, cancel := context.WithTimeout(ctx, commandTimeout)
			processCommand(cmdCtx, event)
			cancel()
		}
	}
}

// plainMessageText joins the text fragments of a chat message, dropping emotes.
func plainMessageText(fragments []twitch.ChatMessageFragment, fallback string) string {
	if len(fragments) == 0 {
		return strings.TrimSpace(fallback)
	}
	var builder strings.Builder
	for _, fragment := range fragments {
		if fragment.Type == "emote" {
			continue
		}
		builder.WriteString(fragment.Text)
	}
	return strings.TrimSpace(builder.String())
}

// HandleChannelChatMessage records a chat line as LLM context and queues it when it is a command.
func HandleChannelChatMessage(message twitch.EventChannelChatMessage) {
	// チャンネルポイント経由のメッセージは対象外
	if message.ChannelPointsCustomRewardId != "" {
		return
	}
	// 自分の返信には反応しない
	if message.Chatter.ChatterUserId != "" && message.Chatter.ChatterUserId == env.Value.TwitchBotUserID {
		return
	}

	text := plainMessageText(message.Message.Fragments, message.Message.Text)
	if text == "" {
		return
	}

	inserted, err := localdb.AddChatMessage(localdb.ChatMessageRow{
		MessageID: message.MessageId,
		SessionID: env.Value.TwitchUserID,
		UserID:    message.Chatter.ChatterUserId,
		Username:  message.Chatter.ChatterUserName,
		Role:      localdb.ChatRoleUser,
		Message:   text,
		CreatedAt: time.Now().Unix(),
	})
	if err != nil {
		logger.Warn("Failed to store chat message", zap.Error(err))
	} else if message.MessageId != "" && !inserted {
		logger.Debug("Duplicate chat message detected, skipping", zap.String("message_id", message.MessageId))
		return
	}

	if _, ok := bot.ParseCommand(text); !ok {
		return
	}

	event := bot.Event{
		MessageID: message.MessageId,
		SessionID: env.Value.TwitchUserID,
		UserID:    message.Chatter.ChatterUserId,
		Username:  message.Chatter.ChatterUserName,
		Text:      text,
	}
	select {
	case commandQueue <- event:
	default:
		logger.Warn("Command queue is full, dropping command",
			zap.String("user", event.Username),
			zap.String("text", event.Text))
	}
}

func processCommand(ctx context.Context, event bot.Event) {
	d := getDispatcher()
	if d == nil {
		logger.Warn("Chat command received before dispatcher was set", zap.String("text", event.Text))
		return
	}

	reply, ok := d.Handle(ctx, event)
	if !ok {
		return
	}
	text := bot.Resolve(ctx, reply)
	if text == "" {
		return
	}

	sent, err := sendReply(ctx, text, event.MessageID)
	if err != nil {
		logger.Error("Failed to send chat reply",
			zap.String("command", reply.Command),
			zap.String("user_id", event.UserID),
			zap.Error(err))
		return
	}
	// 落とされた返信は視聴者に見えていないので履歴にも残さない
	if !sent {
		return
	}

	if _, err := localdb.AddChatMessage(localdb.ChatMessageRow{
		SessionID: event.SessionID,
		Username:  "bot",
		Role:      localdb.ChatRoleAssistant,
		Message:   text,
		CreatedAt: time.Now().Unix(),
	}); err != nil {
		logger.Warn("Failed to store bot reply", zap.Error(err))
	}
}
