package main

import (
	"context"
	"fmt"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	"github.com/zkoranges/goclaw-engine/internal/store"
)

// statusSnapshot is the data `status -tui` refreshes once a second.
type statusSnapshot struct {
	namespace    string
	fgPending    int
	bgPending    int
	running      int
	fgActive     int
	fgCap        int
	bgActive     int
	bgCap        int
	lastErr      string
}

func takeStatusSnapshot(ctx context.Context, eng *engine) statusSnapshot {
	snap := statusSnapshot{namespace: eng.cfg.Namespace}

	pending, err := eng.store.ListTasks(ctx, store.StatusPending, "", 0)
	if err != nil {
		snap.lastErr = err.Error()
		return snap
	}
	for _, t := range pending {
		if store.QueueTypeForSource(t.SourceType) == store.QueueBackground {
			snap.bgPending++
		} else {
			snap.fgPending++
		}
	}
	running, err := eng.store.ListTasks(ctx, store.StatusRunning, "", 0)
	if err != nil {
		snap.lastErr = err.Error()
		return snap
	}
	snap.running = len(running)
	snap.fgActive = eng.pool.ActiveCount(store.QueueForeground, "")
	snap.fgCap = eng.cfg.Foreground.InstanceMax
	snap.bgActive = eng.pool.ActiveCount(store.QueueBackground, "")
	snap.bgCap = eng.cfg.Background.InstanceMax
	return snap
}

var (
	tuiTitleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("42"))
	tuiLabelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	tuiErrStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)

type tuiModel struct {
	eng  *engine
	ctx  context.Context
	snap statusSnapshot
}

type tuiTickMsg time.Time

func tuiTickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg { return tuiTickMsg(t) })
}

func (m tuiModel) Init() tea.Cmd {
	return tuiTickCmd()
}

func (m tuiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
	case tuiTickMsg:
		m.snap = takeStatusSnapshot(m.ctx, m.eng)
		return m, tuiTickCmd()
	}
	return m, nil
}

func (m tuiModel) View() string {
	s := m.snap
	body := fmt.Sprintf(
		"%s %s\n\n%s %d\n%s %d\n%s %d\n%s %d/%d\n%s %d/%d\n",
		tuiLabelStyle.Render("namespace:"), s.namespace,
		tuiLabelStyle.Render("pending foreground:"), s.fgPending,
		tuiLabelStyle.Render("pending background:"), s.bgPending,
		tuiLabelStyle.Render("running:"), s.running,
		tuiLabelStyle.Render("foreground workers:"), s.fgActive, s.fgCap,
		tuiLabelStyle.Render("background workers:"), s.bgActive, s.bgCap,
	)
	if s.lastErr != "" {
		body += "\n" + tuiErrStyle.Render("error: "+s.lastErr) + "\n"
	}
	return tuiTitleStyle.Render("goclaw status") + "\n\n" + body + "\npress q to quit\n"
}

// runStatusTUI drives a live-refreshing terminal view of the same data
// `status` prints once, until ctx is canceled or the user quits. Only
// reachable when stdout is an actual terminal (spec's supplemented
// operator-ergonomics feature; `status` itself stays scriptable).
func runStatusTUI(ctx context.Context, eng *engine) int {
	if !isatty.IsTerminal(os.Stdout.Fd()) {
		fmt.Fprintln(os.Stderr, "status -tui requires an interactive terminal")
		return 1
	}
	m := tuiModel{eng: eng, ctx: ctx, snap: takeStatusSnapshot(ctx, eng)}
	p := tea.NewProgram(m)

	done := make(chan error, 1)
	go func() {
		_, err := p.Run()
		done <- err
	}()

	select {
	case <-ctx.Done():
		p.Quit()
		return 0
	case err := <-done:
		if err != nil {
			fmt.Fprintf(os.Stderr, "tui: %v\n", err)
			return 3
		}
		return 0
	}
}
