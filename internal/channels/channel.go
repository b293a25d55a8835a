// Package channels defines the Channel Adapter collaborator interface
// (spec §6) and two concrete implementations: a Telegram-backed Talk
// channel and a local websocket console channel used for the CLI's
// interactive mode and for driving the engine in integration tests.
package channels

import (
	"context"
)

// Channel is the collaborator interface every input/output surface
// implements. The engine never knows about Telegram, email, or any other
// transport directly — only this interface.
type Channel interface {
	// Name returns the unique name of the channel (e.g. "telegram").
	Name() string

	// Start begins listening for messages. It blocks until the context is
	// canceled or a fatal error occurs.
	Start(ctx context.Context) error

	// CreateTaskFromMessage injects work into the task store on behalf of
	// an inbound message. attachments is a list of local file paths.
	CreateTaskFromMessage(ctx context.Context, userID, prompt, sourceType, sourceRef, conversationToken string, attachments []string) (int64, error)

	// DeliverResult is called by a worker after a task completes
	// successfully and the result has been persisted.
	DeliverResult(ctx context.Context, taskID int64, resultText string, actionsTaken []string) error

	// DeliverProgress is called zero or more times while a task is still
	// running, with a rate-limited intermediate text snippet (spec §4.4
	// progress streaming). Implementations that can't show progressive
	// updates may treat this as a no-op.
	DeliverProgress(ctx context.Context, taskID int64, text string) error

	// DeliverFailure is called for terminal failures (spec §7).
	DeliverFailure(ctx context.Context, taskID int64, userFacingError string) error
}
