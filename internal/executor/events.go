package executor

import (
	"encoding/json"
	"fmt"
	"strings"
)

// EventKind discriminates the three stream-JSON event shapes the child
// process emits (spec §4.4).
type EventKind string

const (
	EventToolUse EventKind = "tool_use"
	EventText    EventKind = "text"
	EventResult  EventKind = "result"
)

// rawEvent is the wire shape read off the child's stdout, one per line.
type rawEvent struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"` // tool_use
	Text        string `json:"text,omitempty"`         // text / result
	Success     *bool  `json:"success,omitempty"`       // result
	ErrorCode   string `json:"error_code,omitempty"`     // result, on failure
	ErrorDetail string `json:"error_detail,omitempty"`
	Confirmation *bool `json:"needs_confirmation,omitempty"` // result, when the model wants a human to confirm before acting further
}

// StreamEvent is the parsed form of one line of child output.
type StreamEvent struct {
	Kind              EventKind
	Description       string
	Text              string
	Success           bool
	ErrorCode         string
	ErrorDetail       string
	NeedsConfirmation bool
}

// parseLine parses one line of the child's stdout. Lines that are blank
// or fail to parse as any recognized event are skipped (returns ok=false)
// rather than aborting the stream — a stray log line from the child must
// not kill an otherwise-healthy run.
func parseLine(line string) (StreamEvent, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return StreamEvent{}, false
	}
	var raw rawEvent
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		return StreamEvent{}, false
	}
	switch raw.Type {
	case "tool_use":
		return StreamEvent{Kind: EventToolUse, Description: raw.Description}, true
	case "text":
		return StreamEvent{Kind: EventText, Text: raw.Text}, true
	case "result":
		ev := StreamEvent{Kind: EventResult, Text: raw.Text, ErrorCode: raw.ErrorCode, ErrorDetail: raw.ErrorDetail}
		if raw.Success != nil {
			ev.Success = *raw.Success
		}
		if raw.Confirmation != nil {
			ev.NeedsConfirmation = *raw.Confirmation
		}
		return ev, true
	default:
		return StreamEvent{}, false
	}
}

// ErrorClass is the §7 error taxonomy, narrowed to what the executor
// itself can distinguish (the worker layer adds Cancelled/Timeout from
// its own control flow).
type ErrorClass int

const (
	ErrClassNone ErrorClass = iota
	ErrClassTransientUpstream
	ErrClassTerminal
)

// transientErrorCodes are upstream failure codes the executor retries
// in-process before counting against the task's attempt_count (spec §4.4).
var transientErrorCodes = map[string]bool{
	"upstream_5xx":     true,
	"upstream_429":     true,
	"upstream_timeout": true,
	"rate_limited":     true,
}

// ClassifyResultError classifies a failed ResultEvent's error code.
func ClassifyResultError(errorCode string) ErrorClass {
	if transientErrorCodes[errorCode] {
		return ErrClassTransientUpstream
	}
	return ErrClassTerminal
}

// TerminalErrorMessage returns the fixed personality-mapped template for
// a terminal subprocess error (spec §7), logging the underlying detail
// is the caller's responsibility.
func TerminalErrorMessage(errorCode, detail string) string {
	switch errorCode {
	case "auth_error":
		return "I couldn't authenticate with one of my tools. An administrator needs to check the credentials."
	case "oom":
		return "That request needed more memory than I have available right now. Try breaking it into smaller steps."
	case "parse_error":
		return "Something in my response didn't come out right. Please try rephrasing the request."
	default:
		if detail == "" {
			return fmt.Sprintf("I ran into a problem I couldn't resolve (%s).", errorCode)
		}
		return fmt.Sprintf("I ran into a problem I couldn't resolve (%s).", errorCode)
	}
}
