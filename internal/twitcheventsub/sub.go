package twitcheventsub

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ichi0g0y/sensoji-fortune/internal/env"
	"github.com/ichi0g0y/sensoji-fortune/internal/shared/logger"
	"github.com/joeyak/go-twitch-eventsub/v3"
	"go.uber.org/zap"
)

var (
	client      *twitch.Client
	stateMu     sync.RWMutex
	isRunning   bool
	isConnected bool
	lastError   error
)

// Start connects to EventSub and subscribes to the broadcaster's chat.
func Start() error {
	stateMu.Lock()
	if isRunning {
		stateMu.Unlock()
		return nil
	}
	stateMu.Unlock()

	if !env.Value.TwitchConfigured() {
		return fmt.Errorf("twitch settings are incomplete")
	}

	SetupEventSub(env.Value.TwitchAccessToken)
	StartCommandQueueWorker()

	go func() {
		logger.Info("Connecting to EventSub...")
		if err := client.Connect(); err != nil {
			logger.Error("Failed to connect EventSub", zap.Error(err))
			setConnected(false, err)
		}
	}()

	stateMu.Lock()
	isRunning = true
	stateMu.Unlock()
	return nil
}

// Stop closes the connection and stops the command worker.
func Stop() {
	stateMu.Lock()
	running := isRunning
	isRunning = false
	isConnected = false
	stateMu.Unlock()

	// Close は OnError を同期的に呼ぶことがあるのでロック外で閉じる
	if client != nil && running {
		client.Close()
	}
	StopCommandQueueWorker()
}

func IsConnected() bool {
	stateMu.RLock()
	defer stateMu.RUnlock()
	return isConnected
}

func GetLastError() error {
	stateMu.RLock()
	defer stateMu.RUnlock()
	return lastError
}

func setConnected(connected bool, err error) {
	stateMu.Lock()
	isConnected = connected
	lastError = err
	stateMu.Unlock()
}

func SetupEventSub(accessToken string) {
	client = twitch.NewClient()

	client.OnError(func(err error) {
		logger.Error("EventSub error", zap.Error(err))
		setConnected(false, err)
	})
	client.OnWelcome(func(message twitch.WelcomeMessage) {
		logger.Info("EventSub connected successfully")
		setConnected(true, nil)

		// bot アカウントとして配信者のチャットを読む
		_, err := twitch.SubscribeEvent(twitch.SubscribeRequest{
			SessionID:   message.Payload.Session.ID,
			ClientID:    env.Value.ClientID,
			AccessToken: accessToken,
			Event:       twitch.SubChannelChatMessage,
			Condition: map[string]string{
				"broadcaster_user_id": env.Value.TwitchUserID,
				"user_id":             env.Value.TwitchBotUserID,
			},
		})
		if err != nil {
			logger.Error("Failed to subscribe to event",
				zap.String("event", string(twitch.SubChannelChatMessage)),
				zap.Error(err))
			setConnected(true, err)
			return
		}
		logger.Info("Successfully subscribed to event", zap.String("event", string(twitch.SubChannelChatMessage)))
	})
	client.OnNotification(func(message twitch.NotificationMessage) {
		logger.Debug("Received EventSub notification",
			zap.String("type", string(message.Payload.Subscription.Type)),
			zap.String("data", string(*message.Payload.Event)))

		switch message.Payload.Subscription.Type {
		case twitch.SubChannelChatMessage:
			var evt twitch.EventChannelChatMessage
			if err := json.Unmarshal(*message.Payload.Event, &evt); err != nil {
				logger.Error("Failed to parse channel chat message event", zap.Error(err))
			} else {
				HandleChannelChatMessage(evt)
			}

		default:
			logger.Debug("Unhandled EventSub notification",
				zap.String("type", string(message.Payload.Subscription.Type)))
		}
	})
	client.OnKeepAlive(func(message twitch.KeepAliveMessage) {
		stateMu.Lock()
		isConnected = true
		stateMu.Unlock()
	})
	client.OnRevoke(func(message twitch.RevokeMessage) {
		logger.Warn("EventSub subscription revoked",
			zap.String("type", string(message.Payload.Subscription.Type)),
			zap.String("status", message.Payload.Subscription.Status))
		setConnected(false, fmt.Errorf("subscription revoked: %s", message.Payload.Subscription.Status))
	})
}
