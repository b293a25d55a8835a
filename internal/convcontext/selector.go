// Package convcontext implements the Context Selector (spec §4.7): a
// hybrid recent-plus-triage strategy for picking which prior messages in
// a conversation are worth including in the next prompt.
package convcontext

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/zkoranges/goclaw-engine/internal/executor"
	"github.com/zkoranges/goclaw-engine/internal/store"
)

var excludedSourceTypes = map[string]bool{
	"scheduled": true,
	"briefing":  true,
	"heartbeat": true,
}

// Config holds the selector's tunables, sourced from internal/config.
type Config struct {
	LookbackCount       int
	SkipSelectionThreshold int
	AlwaysIncludeRecent int
	TriageTimeout       time.Duration
	TriageModel         string
}

// DefaultConfig matches spec §4.7's stated defaults.
func DefaultConfig() Config {
	return Config{
		LookbackCount:          25,
		SkipSelectionThreshold: 3,
		AlwaysIncludeRecent:    5,
		TriageTimeout:          30 * time.Second,
	}
}

// TriageRunner is the subset of *executor.Executor the selector needs;
// narrowed to an interface so tests can fake the auxiliary LLM call
// without spawning a subprocess.
type TriageRunner interface {
	Run(ctx context.Context, req executor.Request, progress executor.ProgressFunc, cancelCheck executor.CancelChecker) (executor.Result, error)
}

// Selector picks the conversation history to include in a prompt.
type Selector struct {
	store  *store.Store
	triage TriageRunner
	cfg    Config
	logger *slog.Logger
}

// New constructs a Selector. triage may be nil, in which case selection
// always falls back to the guaranteed-recent set (never empty, per spec).
func New(st *store.Store, triage TriageRunner, cfg Config, logger *slog.Logger) *Selector {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.LookbackCount <= 0 {
		cfg.LookbackCount = 25
	}
	if cfg.SkipSelectionThreshold <= 0 {
		cfg.SkipSelectionThreshold = 3
	}
	if cfg.AlwaysIncludeRecent <= 0 {
		cfg.AlwaysIncludeRecent = 5
	}
	if cfg.TriageTimeout <= 0 {
		cfg.TriageTimeout = 30 * time.Second
	}
	return &Selector{store: st, triage: triage, cfg: cfg, logger: logger}
}

// Input parameterizes one selection pass.
type Input struct {
	ConversationToken string
	CurrentPrompt     string
	ReplyToTaskID     *int64
}

// Select returns the formatted conversation-context block for prompt
// assembler position 11 (spec §4.3), and the entries it chose.
func (s *Selector) Select(ctx context.Context, in Input) (string, []store.ConversationEntry, error) {
	if in.ConversationToken == "" {
		return "", nil, nil
	}

	window, err := s.store.ConversationWindow(ctx, in.ConversationToken, s.cfg.LookbackCount)
	if err != nil {
		return "", nil, fmt.Errorf("load conversation window: %w", err)
	}
	window = filterInteractive(window)
	if len(window) == 0 {
		return "", nil, nil
	}

	var chosen []store.ConversationEntry
	if len(window) <= s.cfg.SkipSelectionThreshold {
		chosen = window
	} else {
		chosen = s.selectHybrid(ctx, window, in)
	}

	return format(chosen), chosen, nil
}

func filterInteractive(entries []store.ConversationEntry) []store.ConversationEntry {
	out := entries[:0:0]
	for _, e := range entries {
		if excludedSourceTypes[e.SourceType] {
			continue
		}
		out = append(out, e)
	}
	return out
}

// selectHybrid applies the always-include-recent floor, then (if a triage
// runner is configured) asks it to pick additional relevant ids from the
// remainder, force-including any reply-to parent.
func (s *Selector) selectHybrid(ctx context.Context, window []store.ConversationEntry, in Input) []store.ConversationEntry {
	recentN := s.cfg.AlwaysIncludeRecent
	if recentN > len(window) {
		recentN = len(window)
	}
	splitAt := len(window) - recentN
	older, recent := window[:splitAt], window[splitAt:]

	included := make(map[int64]bool, len(recent))
	result := append([]store.ConversationEntry{}, recent...)
	for _, e := range recent {
		included[e.TaskID] = true
	}

	if in.ReplyToTaskID != nil {
		for _, e := range older {
			if e.TaskID == *in.ReplyToTaskID && !included[e.TaskID] {
				result = append(result, e)
				included[e.TaskID] = true
			}
		}
	}

	if s.triage != nil && len(older) > 0 {
		ids, err := s.runTriage(ctx, older, in.CurrentPrompt)
		if err != nil {
			s.logger.Warn("context_triage_fallback", slog.String("conversation_token", in.ConversationToken), slog.String("error", err.Error()))
		} else {
			for _, e := range older {
				if ids[e.TaskID] && !included[e.TaskID] {
					result = append(result, e)
					included[e.TaskID] = true
				}
			}
		}
	}

	sortByTimestamp(result)
	return result
}

func sortByTimestamp(entries []store.ConversationEntry) {
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && entries[j].Timestamp.Before(entries[j-1].Timestamp); j-- {
			entries[j], entries[j-1] = entries[j-1], entries[j]
		}
	}
}

// runTriage asks the auxiliary LLM which older message ids are relevant
// to the current prompt. Any parse failure or timeout is the caller's
// responsibility to treat as "no additional ids" (spec §4.7).
func (s *Selector) runTriage(ctx context.Context, older []store.ConversationEntry, currentPrompt string) (map[int64]bool, error) {
	triageCtx, cancel := context.WithTimeout(ctx, s.cfg.TriageTimeout)
	defer cancel()

	res, err := s.triage.Run(triageCtx, executor.Request{
		Prompt: buildTriagePrompt(older, currentPrompt),
		Model:  s.cfg.TriageModel,
	}, nil, nil)
	if err != nil {
		return nil, err
	}
	if !res.Success {
		return nil, fmt.Errorf("triage call did not succeed")
	}

	var ids []int64
	if err := json.Unmarshal([]byte(extractJSONArray(res.ResultText)), &ids); err != nil {
		return nil, fmt.Errorf("parse triage response: %w", err)
	}
	out := make(map[int64]bool, len(ids))
	for _, id := range ids {
		out[id] = true
	}
	return out, nil
}

func buildTriagePrompt(older []store.ConversationEntry, currentPrompt string) string {
	var b strings.Builder
	b.WriteString("You are selecting which earlier messages are relevant context for answering a new request.\n")
	b.WriteString("Respond with only a JSON array of message ids, nothing else.\n\n")
	fmt.Fprintf(&b, "New request:\n%s\n\nEarlier messages:\n", currentPrompt)
	for _, e := range older {
		fmt.Fprintf(&b, "[%d] %s\n", e.TaskID, truncate(e.Prompt, 200))
	}
	return b.String()
}

// extractJSONArray trims any leading/trailing prose a model might add
// around the requested JSON array.
func extractJSONArray(text string) string {
	start := strings.Index(text, "[")
	end := strings.LastIndex(text, "]")
	if start == -1 || end == -1 || end < start {
		return "[]"
	}
	return text[start : end+1]
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func format(entries []store.ConversationEntry) string {
	if len(entries) == 0 {
		return ""
	}
	var b strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&b, "[%s] %s\nuser: %s\nassistant: %s\n\n",
			e.Timestamp.Format(time.RFC3339), e.SourceType, e.Prompt, e.Result)
	}
	return strings.TrimRight(b.String(), "\n")
}
