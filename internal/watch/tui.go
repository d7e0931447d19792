package watch

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"burns/internal/ledger"
	"burns/internal/models"
)

type tickMsg time.Time

type observedMsg struct {
	update *Update
	err    error
}

// Model is the interactive watch view: a header for the run, the
// engine's task list, and a tail of recent readings.
type Model struct {
	watcher  *Watcher
	runID    int64
	interval time.Duration

	update  *Update
	history []string
	track   tracker
	spin    spinner.Model
	err     error

	width  int
	height int
}

func NewModel(w *Watcher, runID int64, interval time.Duration) *Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = statusRunningStyle
	return &Model{
		watcher:  w,
		runID:    runID,
		interval: interval,
		spin:     sp,
	}
}

// RunTUI runs the interactive view until the operator quits.
func RunTUI(ctx context.Context, w *Watcher, runID int64, interval time.Duration) error {
	p := tea.NewProgram(NewModel(w, runID, interval), tea.WithContext(ctx))
	_, err := p.Run()
	return err
}

func (m *Model) Init() tea.Cmd {
	return tea.Batch(m.observe, m.spin.Tick, m.tickCmd())
}

func (m *Model) tickCmd() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m *Model) settled() bool {
	return m.update != nil && m.update.EffectiveStatus() != models.RunStatusRunning
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "r":
			return m, m.observe
		}
		return m, nil

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd

	case observedMsg:
		m.err = msg.err
		if msg.err != nil {
			return m, nil
		}
		m.update = msg.update
		m.history = append(m.history, RenderLine(msg.update))
		if len(m.history) > 10 {
			m.history = m.history[len(m.history)-10:]
		}
		for _, ev := range m.track.observe(msg.update) {
			m.watcher.send(context.Background(), ev)
		}
		return m, nil

	case tickMsg:
		if m.settled() {
			// Final state is on screen; stop polling, keep the UI up.
			return m, nil
		}
		return m, tea.Batch(m.observe, m.tickCmd())
	}

	return m, nil
}

func (m *Model) observe() tea.Msg {
	u, err := m.watcher.Observe(context.Background(), m.runID)
	return observedMsg{update: u, err: err}
}

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	statusRunningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	statusDoneStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("46"))
	statusFailedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	statusBlockedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("208"))
)

func (m *Model) View() string {
	s := titleStyle.Render("Burns Watch") + "\n\n"

	if m.err != nil {
		s += fmt.Sprintf("Error: %v\n\n", m.err)
	}
	if m.update == nil {
		s += m.spin.View() + " waiting for the first reading\n"
		s += "\n" + helpStyle.Render("[q] quit")
		return s
	}

	u := m.update
	run := u.Run

	header := fmt.Sprintf("Run #%d: %s on %s", run.ID, run.SpecID, run.Worker)
	s += titleStyle.Render(header) + "  " + m.formatStatus(u.EffectiveStatus()) + "\n\n"

	s += labelStyle.Render("Job:     ") + run.JobID +
		dimStyle.Render("  dispatched "+ledger.FormatTimeAgo(run.CreatedAt)) + "\n"
	s += labelStyle.Render("Workdir: ") + dimStyle.Render(run.Workdir) + "\n"
	s += labelStyle.Render("Branch:  ") + dimStyle.Render(run.Branch) + "\n\n"

	if len(u.Tasks) > 0 {
		s += "Tasks\n"
		s += "─────\n"
		for _, task := range u.Tasks {
			s += m.formatTask(task) + "\n"
		}
		s += "\n"
	}

	if u.Report != nil {
		s += statusBlockedStyle.Render(fmt.Sprintf("⚠ %s on %s", u.Report.Status, u.Report.TaskID)) + "\n"
		if u.Report.Issues != "" {
			s += "  " + u.Report.Issues + "\n"
		}
		if u.Report.Next != "" {
			s += dimStyle.Render("  next: "+u.Report.Next) + "\n"
		}
		s += "\n"
	}

	s += "Readings\n"
	s += "────────\n"
	if len(m.history) == 0 {
		s += dimStyle.Render("(none yet)") + "\n"
	}
	for _, line := range m.history {
		s += dimStyle.Render(line) + "\n"
	}

	if m.settled() {
		s += "\n" + helpStyle.Render("[q] quit")
	} else {
		s += "\n" + m.spin.View() + helpStyle.Render(" polling  [r] refresh  [q] quit")
	}

	return s
}

func (m *Model) formatStatus(status models.RunStatus) string {
	switch status {
	case models.RunStatusRunning:
		return statusRunningStyle.Render("● running")
	case models.RunStatusBlocked:
		return statusBlockedStyle.Render("⚠ blocked")
	case models.RunStatusDone:
		return statusDoneStyle.Render("✓ done")
	case models.RunStatusFailed:
		return statusFailedStyle.Render("✗ failed")
	default:
		return string(status)
	}
}

func (m *Model) formatTask(task models.TaskNode) string {
	switch task.State {
	case models.NodeFinished:
		return "  " + statusDoneStyle.Render("✓") + " " + task.ID
	case models.NodeInProgress:
		return "  " + m.spin.View() + " " + task.ID
	case models.NodeBlocked:
		return "  " + statusBlockedStyle.Render("⚠") + " " + task.ID
	case models.NodeFailed:
		return "  " + statusFailedStyle.Render("✗") + " " + task.ID
	default:
		return "  " + dimStyle.Render("○ "+task.ID)
	}
}
