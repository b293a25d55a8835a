// Package taskrunner wires the Prompt Assembler, Executor, Context
// Selector and Deferred Post-Processor into a single pool.Runner: the
// per-slot worker's view of "do this task."
package taskrunner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/zkoranges/goclaw-engine/internal/audit"
	"github.com/zkoranges/goclaw-engine/internal/channels"
	"github.com/zkoranges/goclaw-engine/internal/config"
	"github.com/zkoranges/goclaw-engine/internal/convcontext"
	"github.com/zkoranges/goclaw-engine/internal/deferred"
	"github.com/zkoranges/goclaw-engine/internal/executor"
	"github.com/zkoranges/goclaw-engine/internal/prompt"
	"github.com/zkoranges/goclaw-engine/internal/sandbox"
	"github.com/zkoranges/goclaw-engine/internal/store"
)

// Collaborators bundles the text/data providers the prompt assembler
// needs that don't have a dedicated store table (memory search, the
// emissaries roster, persona text, rules/guidelines docs). Every field
// is optional: a nil func simply yields an empty section.
type Collaborators struct {
	EmissariesText func(ctx context.Context, userID string) (string, error)
	PersonaText    func(ctx context.Context, userID string) (string, error)
	UserMemory     func(ctx context.Context, userID string) (string, error)
	ChannelMemory  func(ctx context.Context, conversationToken string) (string, error)
	DatedMemories  func(ctx context.Context, userID string) (string, error)
	RecalledMemory func(ctx context.Context, userID, prompt string) ([]prompt.RecalledMemory, error)
	ToolsText      func() string
	RulesText      func() string
	GuidelinesText func() string
}

// Runner implements pool.Runner: claim -> assemble -> execute -> finalize.
type Runner struct {
	store     *store.Store
	exec      *executor.Executor
	selector  *convcontext.Selector
	deferred  *deferred.Processor
	skillsAll []prompt.Skill
	collab    Collaborators
	channels  map[string]channels.Channel
	cfg       config.Config
	isAdmin   func(string) bool
	logger    *slog.Logger
}

// New constructs a Runner.
func New(
	st *store.Store,
	exec *executor.Executor,
	selector *convcontext.Selector,
	deferredProc *deferred.Processor,
	skillsAll []prompt.Skill,
	collab Collaborators,
	chans map[string]channels.Channel,
	cfg config.Config,
	isAdmin func(string) bool,
	logger *slog.Logger,
) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		store: st, exec: exec, selector: selector, deferred: deferredProc,
		skillsAll: skillsAll, collab: collab, channels: chans, cfg: cfg, isAdmin: isAdmin, logger: logger,
	}
}

// Run executes one claimed task to a terminal (or pending_confirmation)
// state. A returned error means "count this as a failed attempt" — the
// pool's worker routes it through RetryOrFail; terminal writes this
// function performs itself (CompleteTask/MarkCancelled/...) must not
// also return an error for the same task.
func (r *Runner) Run(ctx context.Context, task *store.Task) error {
	if task.Command.Valid && task.Command.String != "" {
		return r.runCommand(ctx, task)
	}
	return r.runPrompt(ctx, task)
}

// runCommand executes a scheduled shell command directly, bypassing the
// prompt assembler and LLM executor entirely (spec §3: command and
// free-form prompt are mutually exclusive discriminators).
func (r *Runner) runCommand(ctx context.Context, task *store.Task) error {
	timeout := time.Duration(r.cfg.ExecutionTimeoutMin) * time.Minute
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	cmdCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, "sh", "-c", task.Command.String)
	cmd.Env = commandEnviron()
	out, runErr := cmd.CombinedOutput()
	if runErr != nil {
		return fmt.Errorf("command failed: %w: %s", runErr, strings.TrimSpace(string(out)))
	}

	if err := r.store.CompleteTask(ctx, task.ID, string(out), nil); err != nil {
		return err
	}
	r.deliver(ctx, task, string(out), nil)
	r.applyDeferred(ctx, task)
	return nil
}

// commandEnviron builds the environment for a scheduled-job/heartbeat
// shell command: the full inherited environment minus the secret-name
// set (spec §4.3 applies to this path exactly as it does to the prompt
// path's heartbeat StripAllSecrets case).
func commandEnviron() []string {
	env := prompt.BuildEnvironment(prompt.EnvBuildInput{
		Mode:            prompt.EnvPermissive,
		StripAllSecrets: true,
	})
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

func (r *Runner) runPrompt(ctx context.Context, task *store.Task) error {
	variant := prompt.VariantForSourceType(task.SourceType)
	admin := r.isAdmin != nil && r.isAdmin(task.UserID)

	resources, err := r.store.ListResourcesForUser(ctx, task.UserID, "")
	if err != nil {
		return fmt.Errorf("load resources: %w", err)
	}

	selected := r.selectSkills(task, resources, admin)
	envInput := prompt.EnvBuildInput{
		Mode:            envMode(r.cfg, task),
		Skills:          selected,
		ResourcePaths:   resourcePaths(resources),
		ConfigValues:    map[string]string{},
		StripAllSecrets: task.SourceType == "heartbeat",
	}
	if r.cfg.DeferredDir != "" {
		dir, err := prompt.EnsureDeferredDir(r.cfg.DeferredDir, task.UserID)
		if err != nil {
			return fmt.Errorf("ensure deferred dir: %w", err)
		}
		envInput.DeferredDir = dir
	}
	env := prompt.BuildEnvironment(envInput)

	in := prompt.Input{
		Task:          task,
		IsAdmin:       admin,
		DataStorePath: r.cfg.DBPath,
		Resources:     resources,
		SelectedSkills: selected,
		ChangelogText: r.changelog(ctx, task.UserID, selected),
	}
	r.fillCollaboratorText(ctx, task, variant, &in)

	if r.selector != nil && !variant.IsBriefing() && task.ConversationToken.Valid {
		text, _, err := r.selector.Select(ctx, convcontext.Input{
			ConversationToken: task.ConversationToken.String,
			CurrentPrompt:     task.Prompt,
		})
		if err != nil {
			r.logger.Warn("context_selection_failed", slog.Int64("task_id", task.ID), slog.String("error", err.Error()))
		}
		in.ConversationContextText = text
	}

	assembled := prompt.Assemble(in)

	workDir := workspaceDir(r.cfg, task.UserID)
	req := executor.Request{
		Prompt:       assembled,
		Env:          env,
		WorkingDir:   workDir,
		Permissive:   envInput.Mode == prompt.EnvPermissive,
		SandboxCommand: sandboxCommand(r.cfg, task, workDir, admin),
		TaskID:       task.ID,
	}

	progress := func(text string) { r.deliverProgress(ctx, task, text) }
	cancelCheck := func(ctx context.Context) (bool, error) { return r.store.IsCancelRequested(ctx, task.ID) }

	res, runErr := r.exec.Run(ctx, req, progress, cancelCheck)
	if runErr != nil {
		var terminal *executor.TerminalError
		if errors.As(runErr, &terminal) {
			r.deliverFailure(ctx, task, terminal.UserMessage)
		}
		return runErr
	}
	if res.Cancelled {
		return r.store.MarkCancelled(ctx, task.ID, "cancelled during execution")
	}
	if res.NeedsConfirmation {
		return r.store.SetPendingConfirmation(ctx, task.ID)
	}

	if err := r.store.CompleteTask(ctx, task.ID, res.ResultText, res.ActionsTaken); err != nil {
		return err
	}

	if task.ConversationToken.Valid && isInteractive(variant) {
		if err := r.store.RecordConversationEntry(ctx, store.ConversationEntry{
			TaskID: task.ID, UserID: task.UserID, ConversationToken: task.ConversationToken.String,
			Prompt: task.Prompt, Result: res.ResultText, ActionsTaken: res.ActionsTaken, SourceType: task.SourceType,
		}); err != nil {
			r.logger.Error("record_conversation_entry_failed", slog.Int64("task_id", task.ID), slog.String("error", err.Error()))
		}
	}

	r.deliver(ctx, task, res.ResultText, res.ActionsTaken)
	r.applyDeferred(ctx, task)
	return nil
}

func isInteractive(v prompt.SourceVariant) bool {
	switch v {
	case prompt.VariantScheduled, prompt.VariantBriefing, prompt.VariantHeartbeat:
		return false
	default:
		return true
	}
}

func (r *Runner) selectSkills(task *store.Task, resources []store.UserResource, admin bool) []prompt.Skill {
	resourceTypes := make(map[string]bool, len(resources))
	for _, res := range resources {
		resourceTypes[res.Type] = true
	}
	attachmentExts := make(map[string]bool, len(task.Attachments))
	for _, a := range task.Attachments {
		attachmentExts[strings.ToLower(filepath.Ext(a))] = true
	}
	return prompt.SelectSkills(r.skillsAll, prompt.SelectionInput{
		SourceType:     task.SourceType,
		Prompt:         task.Prompt,
		ResourceTypes:  resourceTypes,
		AttachmentExts: attachmentExts,
		IsAdmin:        admin,
		UserID:         task.UserID,
	}, r.logger)
}

func (r *Runner) changelog(ctx context.Context, userID string, selected []prompt.Skill) string {
	current := prompt.Fingerprint(selected)
	previous, err := r.store.SkillFingerprint(ctx, userID)
	if err != nil {
		return ""
	}
	changelog := prompt.Changelog(previous, current, selected)
	if err := r.store.SetSkillFingerprint(ctx, userID, current); err != nil {
		r.logger.Error("set_skill_fingerprint_failed", slog.String("user_id", userID), slog.String("error", err.Error()))
	}
	return changelog
}

func (r *Runner) fillCollaboratorText(ctx context.Context, task *store.Task, variant prompt.SourceVariant, in *prompt.Input) {
	if r.collab.EmissariesText != nil {
		if v, err := r.collab.EmissariesText(ctx, task.UserID); err == nil {
			in.EmissariesText = v
		}
	}
	if r.collab.PersonaText != nil {
		if v, err := r.collab.PersonaText(ctx, task.UserID); err == nil {
			in.PersonaText = v
		}
	}
	if variant.IsBriefing() {
		return
	}
	if r.collab.UserMemory != nil {
		if v, err := r.collab.UserMemory(ctx, task.UserID); err == nil {
			in.UserMemoryText = v
		}
	}
	if r.collab.ChannelMemory != nil && task.ConversationToken.Valid {
		if v, err := r.collab.ChannelMemory(ctx, task.ConversationToken.String); err == nil {
			in.ChannelMemoryText = v
		}
	}
	if r.collab.DatedMemories != nil {
		if v, err := r.collab.DatedMemories(ctx, task.UserID); err == nil {
			in.DatedMemoriesText = v
		}
	}
	if r.collab.RecalledMemory != nil {
		if v, err := r.collab.RecalledMemory(ctx, task.UserID, task.Prompt); err == nil {
			in.RecalledMemories = v
		}
	}
	if r.collab.ToolsText != nil {
		in.ToolsText = r.collab.ToolsText()
	}
	if r.collab.RulesText != nil {
		in.RulesText = r.collab.RulesText()
	}
	if r.collab.GuidelinesText != nil {
		in.GuidelinesText = r.collab.GuidelinesText()
	}
}

func (r *Runner) applyDeferred(ctx context.Context, task *store.Task) {
	if r.deferred == nil {
		return
	}
	r.deferred.Apply(ctx, task)
}

// deliver routes a completed task's result to every channel named by its
// output_target (spec §3 output_target enum), best-effort: a target
// naming a channel that isn't registered is logged and skipped.
func (r *Runner) deliver(ctx context.Context, task *store.Task, resultText string, actionsTaken []string) {
	for _, name := range targetsFor(task.OutputTarget) {
		ch, ok := r.channels[name]
		if !ok {
			continue
		}
		if err := ch.DeliverResult(ctx, task.ID, resultText, actionsTaken); err != nil {
			r.logger.Error("deliver_result_failed", slog.Int64("task_id", task.ID), slog.String("channel", name), slog.String("error", err.Error()))
		}
	}
}

func (r *Runner) deliverProgress(ctx context.Context, task *store.Task, text string) {
	// Progress updates only make sense for interactive talk-style delivery.
	if ch, ok := r.channels["talk"]; ok {
		if err := ch.DeliverProgress(ctx, task.ID, text); err != nil {
			r.logger.Warn("deliver_progress_failed", slog.Int64("task_id", task.ID), slog.String("error", err.Error()))
		}
	}
}

// deliverFailure routes a terminal error's user-facing message to every
// channel named by output_target, same routing as deliver.
func (r *Runner) deliverFailure(ctx context.Context, task *store.Task, userFacingError string) {
	for _, name := range targetsFor(task.OutputTarget) {
		ch, ok := r.channels[name]
		if !ok {
			continue
		}
		if err := ch.DeliverFailure(ctx, task.ID, userFacingError); err != nil {
			r.logger.Error("deliver_failure_failed", slog.Int64("task_id", task.ID), slog.String("channel", name), slog.String("error", err.Error()))
		}
	}
}

func targetsFor(outputTarget string) []string {
	switch outputTarget {
	case "talk":
		return []string{"talk"}
	case "email":
		return []string{"email"}
	case "both":
		return []string{"talk", "email"}
	case "ntfy":
		return []string{"ntfy"}
	case "all":
		return []string{"talk", "email", "ntfy"}
	default:
		return nil
	}
}

func envMode(cfg config.Config, task *store.Task) prompt.EnvMode {
	if task.SourceType == "cli" {
		return prompt.EnvPermissive
	}
	return prompt.EnvRestricted
}

// workspaceDir returns the per-user directory the task's child process
// runs in and may write to, creating it if absent. Non-admin tasks are
// confined to their own subtree; workspaceRoot (the parent of every
// per-user subtree) is only exposed to admin tasks via sandboxCommand.
func workspaceDir(cfg config.Config, userID string) string {
	dir := filepath.Join(workspaceRoot(cfg), userID)
	_ = os.MkdirAll(dir, 0o755)
	return dir
}

func workspaceRoot(cfg config.Config) string {
	return filepath.Join(cfg.HomeDir, "workspace")
}

// sandboxCommand returns the optional wrapper argv the executor prefixes
// the LLM CLI child's command with. SandboxCommand == "auto" builds a
// bubblewrap invocation from the task's workspace and the data store and
// deferred directories (spec §4.4); any other non-empty value is used
// verbatim as a literal command prefix.
func sandboxCommand(cfg config.Config, task *store.Task, workDir string, admin bool) []string {
	if !cfg.Executor.SandboxEnabled || cfg.Executor.SandboxCommand == "" {
		return nil
	}
	if cfg.Executor.SandboxCommand != "auto" {
		return strings.Fields(cfg.Executor.SandboxCommand)
	}

	opts := sandbox.Options{
		BubblewrapPath: cfg.Executor.SandboxBubblewrapPath,
		WorkspaceDir:   workDir,
		WorkspaceRoot:  workspaceRoot(cfg),
		DataStorePath:  cfg.DBPath,
		IsAdmin:        admin,
	}
	if cfg.DeferredDir != "" {
		opts.DeferredDir = filepath.Join(cfg.DeferredDir, task.UserID)
	}
	if err := sandbox.Validate(opts); err != nil {
		audit.Record("deny", "sandbox.auto", err.Error(), "", task.UserID)
		return nil
	}
	return sandbox.BuildArgv(opts)
}

func resourcePaths(resources []store.UserResource) map[string]string {
	out := make(map[string]string, len(resources))
	for _, res := range resources {
		out[res.Name] = res.PathOrURL
	}
	return out
}
