package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/zkoranges/goclaw-engine/internal/bus"
	"github.com/zkoranges/goclaw-engine/internal/store"
)

// TelegramChannel implements Channel for the Talk source type (spec §6)
// over Telegram's long-poll bot API.
type TelegramChannel struct {
	token      string
	allowedIDs map[int64]struct{}
	store      *store.Store
	eventBus   *bus.Bus
	logger     *slog.Logger
	bot        *tgbotapi.BotAPI

	taskChatMu sync.Mutex
	taskChat   map[int64]int64 // task id -> chat id, for routing delivery back

	streamMu sync.Mutex
	streams  map[int64]*streamState // task id -> progressive-edit state
}

// streamState tracks progressive message editing for one in-flight task
// (spec §4.4 progress streaming).
type streamState struct {
	chatID    int64
	messageID int
	text      strings.Builder
	lastEdit  time.Time
}

// NewTelegramChannel constructs a Telegram Talk adapter.
func NewTelegramChannel(token string, allowedIDs []int64, st *store.Store, eventBus *bus.Bus, logger *slog.Logger) *TelegramChannel {
	allowed := make(map[int64]struct{}, len(allowedIDs))
	for _, id := range allowedIDs {
		allowed[id] = struct{}{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TelegramChannel{
		token:      token,
		allowedIDs: allowed,
		store:      st,
		eventBus:   eventBus,
		logger:     logger,
		taskChat:   make(map[int64]int64),
		streams:    make(map[int64]*streamState),
	}
}

func (t *TelegramChannel) Name() string { return "talk" }

// Start begins long-polling Telegram, reconnecting with exponential
// backoff on stalls (spec §5 "Network pollers: long-poll HTTP").
func (t *TelegramChannel) Start(ctx context.Context) error {
	var err error
	t.bot, err = tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram init failed: %w", err)
	}
	t.logger.Info("telegram_bot_started", slog.String("username", t.bot.Self.UserName))

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if ctx.Err() != nil {
			return nil
		}

		u := tgbotapi.NewUpdate(0)
		u.Timeout = 30
		updates := t.bot.GetUpdatesChan(u)

		pollErr := t.pollUpdates(ctx, updates)
		t.bot.StopReceivingUpdates()

		if pollErr == nil {
			return nil
		}
		t.logger.Warn("telegram_poll_disconnected", slog.String("error", pollErr.Error()), slog.Duration("backoff", backoff))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// pollUpdates reads updates until ctx ends, the channel closes, or no
// update arrives for 2.5x the long-poll timeout (stall detection).
func (t *TelegramChannel) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	const stallTimeout = 75 * time.Second
	timer := time.NewTimer(stallTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("telegram update channel closed")
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(stallTimeout)

			if update.Message != nil {
				t.handleMessage(ctx, update.Message)
			}
		case <-timer.C:
			return fmt.Errorf("no updates received for %v", stallTimeout)
		}
	}
}

func (t *TelegramChannel) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if _, ok := t.allowedIDs[msg.From.ID]; !ok {
		t.logger.Warn("telegram_access_denied", slog.Int64("from_id", msg.From.ID))
		return
	}
	content := strings.TrimSpace(msg.Text)
	if content == "" {
		return
	}

	userID := fmt.Sprintf("telegram:%d", msg.From.ID)
	conversationToken := fmt.Sprintf("telegram:%d", msg.Chat.ID)
	sourceRef := fmt.Sprintf("%d", msg.MessageID)

	taskID, err := t.CreateTaskFromMessage(ctx, userID, content, "talk", sourceRef, conversationToken, nil)
	if err != nil {
		t.reply(msg.Chat.ID, fmt.Sprintf("Sorry, I couldn't schedule that: %v", err))
		return
	}
	if taskID == 0 {
		return // gated: a foreground task for this conversation is already in flight
	}

	t.taskChatMu.Lock()
	t.taskChat[taskID] = msg.Chat.ID
	t.taskChatMu.Unlock()
}

// CreateTaskFromMessage implements Channel. It gates a second foreground
// message for the same conversation behind the in-flight one (spec §5:
// "the adapter-level gate ensures at most one foreground task is in
// flight"), returning (0, nil) when held rather than creating a task.
func (t *TelegramChannel) CreateTaskFromMessage(ctx context.Context, userID, prompt, sourceType, sourceRef, conversationToken string, attachments []string) (int64, error) {
	held, err := t.store.HasActiveForegroundForChannel(ctx, conversationToken)
	if err != nil {
		return 0, fmt.Errorf("check channel gate: %w", err)
	}
	if held {
		if t.eventBus != nil {
			t.eventBus.Publish(bus.TopicChannelGateHeld, bus.ChannelGateEvent{ConversationToken: conversationToken})
		}
		return 0, nil
	}

	id, err := t.store.CreateTask(ctx, store.TaskFields{
		UserID:            userID,
		Prompt:            prompt,
		SourceType:        sourceType,
		SourceRef:         sourceRef,
		ConversationToken: conversationToken,
		Attachments:       attachments,
		OutputTarget:      "talk",
	})
	if err != nil {
		return 0, err
	}
	if t.eventBus != nil {
		t.eventBus.Publish(bus.TopicChannelGateReleased, bus.ChannelGateEvent{ConversationToken: conversationToken, TaskID: id})
	}
	return id, nil
}

// DeliverResult sends the final reply, editing the streaming message in
// place if one was started, otherwise sending a new message.
func (t *TelegramChannel) DeliverResult(ctx context.Context, taskID int64, resultText string, actionsTaken []string) error {
	chatID, ok := t.chatForTask(taskID)
	if !ok {
		return nil
	}

	t.streamMu.Lock()
	state, wasStreaming := t.streams[taskID]
	delete(t.streams, taskID)
	t.streamMu.Unlock()

	if wasStreaming && state.messageID != 0 {
		return t.editMessageText(chatID, state.messageID, resultText)
	}
	return t.sendMessage(chatID, resultText)
}

// DeliverProgress appends text to an in-progress streaming message,
// creating it on the first call and editing it on subsequent ones, rate
// limited by the executor's own progress limiter (so every call here is
// worth sending).
func (t *TelegramChannel) DeliverProgress(ctx context.Context, taskID int64, text string) error {
	chatID, ok := t.chatForTask(taskID)
	if !ok || strings.TrimSpace(text) == "" {
		return nil
	}

	t.streamMu.Lock()
	state, exists := t.streams[taskID]
	if !exists {
		state = &streamState{chatID: chatID}
		t.streams[taskID] = state
	}
	state.text.WriteString(text)
	state.text.WriteString("\n")
	snapshot := state.text.String()
	t.streamMu.Unlock()

	if !exists {
		msgID, err := t.sendMessageReturningID(chatID, snapshot)
		if err != nil {
			return err
		}
		t.streamMu.Lock()
		state.messageID = msgID
		state.lastEdit = time.Now()
		t.streamMu.Unlock()
		return nil
	}

	return t.editMessageText(chatID, state.messageID, snapshot)
}

// DeliverFailure reports a terminal error to the originating chat.
func (t *TelegramChannel) DeliverFailure(ctx context.Context, taskID int64, userFacingError string) error {
	chatID, ok := t.chatForTask(taskID)
	if !ok {
		return nil
	}
	return t.sendMessage(chatID, userFacingError)
}

func (t *TelegramChannel) chatForTask(taskID int64) (int64, bool) {
	t.taskChatMu.Lock()
	defer t.taskChatMu.Unlock()
	chatID, ok := t.taskChat[taskID]
	return chatID, ok
}

func (t *TelegramChannel) sendMessage(chatID int64, text string) error {
	_, err := t.sendMessageReturningID(chatID, text)
	return err
}

func (t *TelegramChannel) sendMessageReturningID(chatID int64, text string) (int, error) {
	sent, err := t.bot.Send(tgbotapi.NewMessage(chatID, text))
	if err != nil {
		t.logger.Error("telegram_send_failed", slog.Int64("chat_id", chatID), slog.String("error", err.Error()))
		return 0, err
	}
	return sent.MessageID, nil
}

func (t *TelegramChannel) editMessageText(chatID int64, messageID int, text string) error {
	_, err := t.bot.Send(tgbotapi.NewEditMessageText(chatID, messageID, text))
	if err != nil {
		t.logger.Error("telegram_edit_failed", slog.Int64("chat_id", chatID), slog.String("error", err.Error()))
	}
	return err
}

// reply is a best-effort fire-and-forget send used for pre-task rejections.
func (t *TelegramChannel) reply(chatID int64, text string) {
	if _, err := t.bot.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		t.logger.Error("telegram_reply_failed", slog.Int64("chat_id", chatID), slog.String("error", err.Error()))
	}
}
