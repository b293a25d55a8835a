package channels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/zkoranges/goclaw-engine/internal/store"
)

// ConsoleChannel is a local websocket adapter for the CLI's interactive
// mode and for driving the engine end-to-end in integration tests,
// without requiring Telegram credentials.
type ConsoleChannel struct {
	bindAddr string
	store    *store.Store
	logger   *slog.Logger
	srv      *http.Server

	mu    sync.Mutex
	conns map[int64]*websocket.Conn // task id -> the connection awaiting its result
}

type consoleInbound struct {
	UserID            string   `json:"user_id"`
	Prompt            string   `json:"prompt"`
	ConversationToken string   `json:"conversation_token"`
	Attachments       []string `json:"attachments"`
}

type consoleOutbound struct {
	Type   string `json:"type"` // "progress" | "result" | "error"
	TaskID int64  `json:"task_id"`
	Text   string `json:"text"`
}

// NewConsoleChannel constructs a console adapter bound to addr (e.g. ":8765").
func NewConsoleChannel(bindAddr string, st *store.Store, logger *slog.Logger) *ConsoleChannel {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConsoleChannel{bindAddr: bindAddr, store: st, logger: logger, conns: make(map[int64]*websocket.Conn)}
}

func (c *ConsoleChannel) Name() string { return "console" }

// Start serves one websocket endpoint; each connection is a single
// request/response session (one task, one reply), kept open only long
// enough to stream progress and deliver the final result.
func (c *ConsoleChannel) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", c.handleWS)
	c.srv = &http.Server{Addr: c.bindAddr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		errCh <- c.srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		_ = c.srv.Close()
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (c *ConsoleChannel) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		c.logger.Error("console_accept_failed", slog.String("error", err.Error()))
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()
	var in consoleInbound
	if err := wsjson.Read(ctx, conn, &in); err != nil {
		c.logger.Warn("console_read_failed", slog.String("error", err.Error()))
		return
	}
	if in.UserID == "" || in.Prompt == "" {
		_ = wsjson.Write(ctx, conn, consoleOutbound{Type: "error", Text: "user_id and prompt are required"})
		return
	}

	taskID, err := c.CreateTaskFromMessage(ctx, in.UserID, in.Prompt, "cli", "", in.ConversationToken, in.Attachments)
	if err != nil {
		_ = wsjson.Write(ctx, conn, consoleOutbound{Type: "error", Text: err.Error()})
		return
	}
	if taskID == 0 {
		_ = wsjson.Write(ctx, conn, consoleOutbound{Type: "error", Text: "a request is already in flight for this conversation"})
		return
	}

	c.mu.Lock()
	c.conns[taskID] = conn
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.conns, taskID)
		c.mu.Unlock()
	}()

	<-ctx.Done() // hold the connection open; DeliverResult/DeliverFailure close it
}

// CreateTaskFromMessage implements Channel.
func (c *ConsoleChannel) CreateTaskFromMessage(ctx context.Context, userID, prompt, sourceType, sourceRef, conversationToken string, attachments []string) (int64, error) {
	if conversationToken != "" {
		held, err := c.store.HasActiveForegroundForChannel(ctx, conversationToken)
		if err != nil {
			return 0, fmt.Errorf("check channel gate: %w", err)
		}
		if held {
			return 0, nil
		}
	}
	return c.store.CreateTask(ctx, store.TaskFields{
		UserID:            userID,
		Prompt:            prompt,
		SourceType:        sourceType,
		SourceRef:         sourceRef,
		ConversationToken: conversationToken,
		Attachments:       attachments,
		OutputTarget:      "talk",
	})
}

func (c *ConsoleChannel) DeliverResult(ctx context.Context, taskID int64, resultText string, actionsTaken []string) error {
	conn, ok := c.connFor(taskID)
	if !ok {
		return nil
	}
	return wsjson.Write(ctx, conn, consoleOutbound{Type: "result", TaskID: taskID, Text: resultText})
}

func (c *ConsoleChannel) DeliverProgress(ctx context.Context, taskID int64, text string) error {
	conn, ok := c.connFor(taskID)
	if !ok {
		return nil
	}
	return wsjson.Write(ctx, conn, consoleOutbound{Type: "progress", TaskID: taskID, Text: text})
}

func (c *ConsoleChannel) DeliverFailure(ctx context.Context, taskID int64, userFacingError string) error {
	conn, ok := c.connFor(taskID)
	if !ok {
		return nil
	}
	return wsjson.Write(ctx, conn, consoleOutbound{Type: "error", TaskID: taskID, Text: userFacingError})
}

func (c *ConsoleChannel) connFor(taskID int64) (*websocket.Conn, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	conn, ok := c.conns[taskID]
	return conn, ok
}
