package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/zkoranges/goclaw-engine/internal/audit"
	"github.com/zkoranges/goclaw-engine/internal/bus"
	"github.com/zkoranges/goclaw-engine/internal/channels"
	"github.com/zkoranges/goclaw-engine/internal/config"
	"github.com/zkoranges/goclaw-engine/internal/convcontext"
	"github.com/zkoranges/goclaw-engine/internal/deferred"
	"github.com/zkoranges/goclaw-engine/internal/executor"
	"github.com/zkoranges/goclaw-engine/internal/otelobs"
	"github.com/zkoranges/goclaw-engine/internal/pool"
	"github.com/zkoranges/goclaw-engine/internal/prompt"
	"github.com/zkoranges/goclaw-engine/internal/scheduler"
	"github.com/zkoranges/goclaw-engine/internal/store"
	"github.com/zkoranges/goclaw-engine/internal/taskrunner"
	"github.com/zkoranges/goclaw-engine/internal/telemetry"
)

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: %s <command> [flags]

COMMANDS:
  task "<text>" -u USER [-x] [-t TOKEN] [--dry-run] [--source-type TYPE]
                            Enqueue a task; -x executes it inline and waits
  run [--once] [--briefings]
                            Drive the scheduler loop in the foreground
  scheduler [-d] [-v] [--max-tasks N]
                            Run the scheduler as a daemon
  list [-s STATUS] [-u USER]
                            List tasks
  show <id>                 Show one task's full record
  resource add|list          Manage a user's registered resources
  user list|lookup|init|status
                            Manage per-user state
  kv get|set|list|delete    Read/write the namespaced key-value store
  tasks-file poll|status    Drive the tasks-file channel collaborator
  email poll|list|test       Drive the email channel collaborator
  status                    Report queue depth and worker headroom

ENVIRONMENT:
  GOCLAW_HOME             data directory (default: ~/.goclaw)
  GOCLAW_NAMESPACE        namespace (default: goclaw)
  NAMESPACE_ADMINS_FILE   overrides the configured admins file path
  NAMESPACE_DB_PATH       overrides the configured database path
  NAMESPACE_DEFERRED_DIR  overrides the configured deferred directory

FLAGS:
`, os.Args[0])
	flag.PrintDefaults()
}

func main() {
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}
	cmd := strings.ToLower(strings.TrimSpace(args[0]))
	if cmd == "help" || cmd == "-h" || cmd == "--help" {
		printUsage()
		os.Exit(0)
	}

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "config load", err)
	}
	if raw := os.Getenv(namespaceEnv(cfg, "ADMINS_FILE")); raw != "" {
		cfg.AdminsFile = raw
	}
	if raw := os.Getenv(namespaceEnv(cfg, "DB_PATH")); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv(namespaceEnv(cfg, "DEFERRED_DIR")); raw != "" {
		cfg.DeferredDir = raw
	}

	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "audit init", err)
	}
	defer func() { _ = audit.Close() }()

	// Daemon subcommands log to both stdout and the log file; one-shot
	// CLI commands stay quiet so their own stdout output (task results,
	// list/show JSON, etc) isn't interleaved with log lines.
	quiet := cmd != "run" && cmd != "scheduler"
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quiet)
	if err != nil {
		fatalStartup(nil, "logger init", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)

	eventBus := bus.New()

	otelProvider, err := otelobs.Init(ctx, cfg.Telemetry)
	if err != nil {
		fatalStartup(logger, "otel init", err)
	}
	defer otelProvider.Shutdown(context.Background())

	st, err := store.Open(cfg.DBPath, eventBus)
	if err != nil {
		fatalStartup(logger, "store open", err)
	}
	defer st.Close()
	audit.SetDB(st.DB())

	isAdmin := loadIsAdmin(cfg.AdminsFile)

	eng, err := buildEngine(ctx, cfg, st, eventBus, isAdmin, otelProvider, logger)
	if err != nil {
		fatalStartup(logger, "engine build", err)
	}

	var exitCode int
	switch cmd {
	case "task":
		exitCode = runTaskCommand(ctx, eng, args[1:])
	case "run":
		exitCode = runRunCommand(ctx, eng, args[1:])
	case "scheduler":
		exitCode = runSchedulerCommand(ctx, eng, args[1:])
	case "list":
		exitCode = runListCommand(ctx, eng, args[1:])
	case "show":
		exitCode = runShowCommand(ctx, eng, args[1:])
	case "resource":
		exitCode = runResourceCommand(ctx, eng, args[1:])
	case "user":
		exitCode = runUserCommand(ctx, eng, args[1:])
	case "kv":
		exitCode = runKVCommand(ctx, eng, args[1:])
	case "tasks-file":
		exitCode = runTasksFileCommand(ctx, eng, args[1:])
	case "email":
		exitCode = runEmailCommand(ctx, eng, args[1:])
	case "status":
		exitCode = runStatusCommand(ctx, eng, args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
		printUsage()
		exitCode = 1
	}
	os.Exit(exitCode)
}

// namespaceEnv builds the NAMESPACE_FOO env var name spec §8 documents
// (e.g. "GOCLAW_ADMINS_FILE" for namespace "goclaw").
func namespaceEnv(cfg config.Config, suffix string) string {
	ns := strings.ToUpper(strings.TrimSpace(cfg.Namespace))
	if ns == "" {
		ns = "GOCLAW"
	}
	return ns + "_" + suffix
}

func fatalStartup(logger *slog.Logger, reason string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record("fatal", "runtime.startup", reason, "", message)
	if logger != nil {
		logger.Error("startup failure", "reason", reason, "error", message)
	} else {
		fmt.Fprintf(os.Stderr, "startup failure: %s: %s\n", reason, message)
	}
	os.Exit(2)
}

// engine bundles every long-lived collaborator the composition root wires
// together, so subcommand functions take one argument instead of a dozen.
type engine struct {
	cfg      config.Config
	store    *store.Store
	bus      *bus.Bus
	pool     *pool.Pool
	runner   *taskrunner.Runner
	loop     *scheduler.Loop
	channels map[string]channels.Channel
	isAdmin  func(string) bool
	metrics  *otelobs.Metrics
	logger   *slog.Logger
}

func buildEngine(ctx context.Context, cfg config.Config, st *store.Store, eventBus *bus.Bus, isAdmin func(string) bool, otelProvider *otelobs.Provider, logger *slog.Logger) (*engine, error) {
	skillsAll, err := prompt.LoadManifests(cfg.Skills.ProjectDir, cfg.Skills.UserDir, cfg.Skills.InstalledDir)
	if err != nil {
		return nil, fmt.Errorf("load skill manifests: %w", err)
	}

	exec := executor.New(executor.Config{
		Binary:              cfg.Executor.Binary,
		ExecutionTimeout:    time.Duration(cfg.Executor.ExecutionTimeoutSec) * time.Second,
		ProgressMinInterval: time.Duration(cfg.Executor.ProgressMinIntervalSec) * time.Second,
		ProgressMaxMessages: cfg.Executor.ProgressMaxMessages,
		TransientRetries:    cfg.Executor.TransientRetries,
		TransientRetryDelay: time.Duration(cfg.Executor.TransientRetryDelaySec) * time.Second,
	}, logger)

	selector := convcontext.New(st, exec, convcontext.Config{
		LookbackCount:          cfg.ContextLookbackCount,
		SkipSelectionThreshold: cfg.ContextSkipSelectionMax,
		AlwaysIncludeRecent:    cfg.ContextAlwaysIncludeRecent,
		TriageTimeout:          time.Duration(cfg.ContextSelectionTimeoutSec) * time.Second,
	}, logger)

	deferredProc, err := deferred.New(st, cfg.DeferredDir, isAdmin, eventBus, logger)
	if err != nil {
		return nil, fmt.Errorf("init deferred processor: %w", err)
	}

	chans := map[string]channels.Channel{}
	if cfg.Channels.Console.Enabled {
		c := channels.NewConsoleChannel(cfg.Channels.Console.BindAddr, st, logger)
		chans[c.Name()] = c
	}
	if cfg.Channels.Telegram.Enabled && cfg.Channels.Telegram.Token != "" {
		c := channels.NewTelegramChannel(cfg.Channels.Telegram.Token, cfg.Channels.Telegram.AllowedIDs, st, eventBus, logger)
		chans[c.Name()] = c
	}

	runner := taskrunner.New(st, exec, selector, deferredProc, skillsAll, taskrunner.Collaborators{}, chans, cfg, isAdmin, logger)
	workerPool := pool.New(st, eventBus, cfg, runner, logger)

	// eng is filled in below; the tasks-file poller needs the store/config
	// it closes over but not the rest of the engine, so it's built as a
	// free function rather than a method so the Loop can be constructed
	// before the engine itself exists.
	schedulerCollab := scheduler.Collaborators{
		ListUsers:    st.DistinctUsers,
		CronFilePath: func(userID string) string { return cronFilePath(cfg, userID) },
	}
	if cfg.TasksFileDir != "" {
		pollEng := &engine{cfg: cfg, store: st, logger: logger}
		schedulerCollab.PollTasksFiles = func(ctx context.Context) error {
			created, err := pollTasksFiles(ctx, pollEng)
			if err != nil {
				return err
			}
			if created > 0 {
				logger.Info("scheduler: tasks-file poll created tasks", "count", created)
			}
			return nil
		}
	}
	loop := scheduler.New(st, workerPool, cfg, schedulerCollab, logger)

	for _, c := range chans {
		c := c
		go func() {
			if err := c.Start(ctx); err != nil && ctx.Err() == nil {
				logger.Error("channel exited with error", "channel", c.Name(), "error", err)
			}
		}()
	}

	metrics, err := otelobs.NewMetrics(otelProvider.Meter)
	if err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}
	if _, err := metrics.RegisterDispatchGauges(otelProvider.Meter,
		func() int64 {
			pending, _ := st.ListTasks(ctx, store.StatusPending, "", 0)
			return int64(len(pending))
		},
		func() int64 {
			active := workerPool.ActiveCount(store.QueueForeground, "") + workerPool.ActiveCount(store.QueueBackground, "")
			return int64(cfg.Foreground.InstanceMax+cfg.Background.InstanceMax-active)
		},
	); err != nil {
		return nil, fmt.Errorf("register dispatch gauges: %w", err)
	}
	go consumeTaskEvents(ctx, eventBus, metrics)

	eng := &engine{
		cfg: cfg, store: st, bus: eventBus, pool: workerPool, runner: runner,
		loop: loop, channels: chans, isAdmin: isAdmin, metrics: metrics, logger: logger,
	}
	startCronWatcher(ctx, eng)
	return eng, nil
}

// consumeTaskEvents increments the otel task-lifecycle counters off the
// same bus events the console channel and scheduler already consume,
// until ctx is canceled.
func consumeTaskEvents(ctx context.Context, eventBus *bus.Bus, metrics *otelobs.Metrics) {
	sub := eventBus.Subscribe("task.")
	defer eventBus.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-sub.Ch():
			switch ev.Topic {
			case bus.TopicTaskClaimed:
				metrics.TasksClaimed.Add(ctx, 1)
			case bus.TopicTaskCompleted:
				metrics.TasksCompleted.Add(ctx, 1)
			case bus.TopicTaskFailed, bus.TopicTaskDeadLetter:
				metrics.TasksFailed.Add(ctx, 1)
			}
		}
	}
}

// drain stops accepting new dispatches and waits for in-flight workers to
// finish, the same two-phase shutdown spec §4.2 worker-pool lifecycle
// describes (stop claiming, let running attempts complete).
func (e *engine) drain() {
	e.pool.Shutdown()
}

func workspaceDirFor(cfg config.Config, userID string) string {
	dir := filepath.Join(cfg.HomeDir, "workspace", userID)
	_ = os.MkdirAll(dir, 0o755)
	return dir
}
