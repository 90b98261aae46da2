// Package tui renders the transfer queue in the terminal, or logs its progress when
// there is no terminal.
package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/joe/transfer-queue/internal/engine"
	"github.com/joe/transfer-queue/internal/registry"
	"github.com/joe/transfer-queue/internal/task"
)

// Exported constants.
const (
	// RefreshInterval is how often the view re-reads the queue.
	RefreshInterval = 500 * time.Millisecond
	// KeyCtrlC is the key binding for cancellation
	KeyCtrlC = "ctrl+c"
)

const (
	maxActivity  = 5
	chromeHeight = 10
	indentWidth  = 2
)

// Queue is the part of the engine the view drives.
type Queue interface {
	Snapshot() []registry.NodeInfo
	Cancel(id task.ID) bool
}

type tickMsg time.Time

// DoneMsg tells the view that all work has finished.
type DoneMsg struct{}

func tickCmd() tea.Cmd {
	return tea.Tick(RefreshInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// Model is the bubbletea model of the queue view.
type Model struct {
	queue    Queue
	bridge   *EventBridge
	bar      progress.Model
	nodes    []registry.NodeInfo
	selected task.ID
	cursor   int
	width    int
	height   int
	activity []string
	finished int
	failed   int
	done     bool
	quitting bool
}

// NewModel creates a view over q. bridge may be nil.
func NewModel(q Queue, bridge *EventBridge) *Model {
	m := &Model{
		queue:  q,
		bridge: bridge,
		bar:    NewProgressModel(ProgressBarWidth),
		height: 24, //nolint:mnd // Until the first WindowSizeMsg
	}
	m.refresh()

	return m
}

// Init implements tea.Model.
func (m *Model) Init() tea.Cmd {
	cmds := []tea.Cmd{tickCmd()}
	if m.bridge != nil {
		cmds = append(cmds, m.bridge.ListenCmd())
	}

	return tea.Batch(cmds...)
}

// Update implements tea.Model.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		return m, nil
	case tickMsg:
		m.refresh()
		return m, tickCmd()
	case EngineEventMsg:
		m.record(msg.Event)

		if m.bridge != nil {
			return m, m.bridge.ListenCmd()
		}

		return m, nil
	case DoneMsg:
		m.done = true
		m.refresh()

		return m, tea.Quit
	}

	return m, nil
}

func (m *Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", KeyCtrlC:
		m.quitting = true
		return m, tea.Quit
	case "up", "k":
		m.move(-1)
	case "down", "j":
		m.move(1)
	case "x":
		if m.selected != 0 && m.queue.Cancel(m.selected) {
			m.push(fmt.Sprintf("cancelled #%d", m.selected))
			m.refresh()
		}
	}

	return m, nil
}

// Quitting reports that the user asked to leave.
func (m *Model) Quitting() bool {
	return m.quitting
}

// Selected returns the id under the cursor, or 0.
func (m *Model) Selected() task.ID {
	return m.selected
}

func (m *Model) move(delta int) {
	if len(m.nodes) == 0 {
		return
	}

	m.cursor = min(max(m.cursor+delta, 0), len(m.nodes)-1)
	m.selected = m.nodes[m.cursor].ID
}

// refresh re-reads the queue and keeps the cursor on the same node when it still exists.
func (m *Model) refresh() {
	m.nodes = m.queue.Snapshot()

	if len(m.nodes) == 0 {
		m.cursor, m.selected = 0, 0
		return
	}

	for i, n := range m.nodes {
		if n.ID == m.selected {
			m.cursor = i
			return
		}
	}

	m.cursor = min(m.cursor, len(m.nodes)-1)
	m.selected = m.nodes[m.cursor].ID
}

func (m *Model) record(event engine.Event) {
	switch e := event.(type) {
	case engine.TaskStateChanged:
		if e.State == registry.Failed {
			m.failed++
			m.push(fmt.Sprintf("failed %s: %v", e.Path, e.Err))
		}
	case engine.TaskRemoved:
		if e.State == registry.Done {
			m.finished++
		}
	case engine.SubmissionFinished:
		m.push(fmt.Sprintf("queued %d tasks", e.Inserted))

		for _, err := range e.Errors {
			m.push(err.Error())
		}
	}
}

func (m *Model) push(line string) {
	m.activity = append(m.activity, line)
	if len(m.activity) > maxActivity {
		m.activity = m.activity[len(m.activity)-maxActivity:]
	}
}

// View implements tea.Model.
func (m *Model) View() string {
	var b strings.Builder

	b.WriteString(TitleStyle().Render("Transfer queue"))
	b.WriteString("\n")
	b.WriteString(m.summary())
	b.WriteString("\n\n")

	if len(m.nodes) == 0 {
		b.WriteString(DimStyle().Render("Nothing queued."))
		b.WriteString("\n")
	}

	first, last := m.visibleRange()
	for i := first; i < last; i++ {
		b.WriteString(m.row(i))
		b.WriteString("\n")
	}

	if len(m.activity) > 0 {
		b.WriteString("\n")
		b.WriteString(BoxStyle().Render(strings.Join(m.activity, "\n")))
		b.WriteString("\n")
	}

	b.WriteString(DimStyle().Render("↑/↓ select · x cancel · q quit"))
	b.WriteString("\n")

	return b.String()
}

func (m *Model) summary() string {
	var (
		total, transferred int64
		speed              float64
		active             int
	)

	for _, n := range m.nodes {
		if n.State == registry.Processing {
			active++
		}

		if n.Depth != 0 {
			continue
		}

		total += n.Filesize
		transferred += n.Transferred
		speed += n.Speed
	}

	line := fmt.Sprintf("%d queued · %d running · %d done · %d failed · %s / %s · %s",
		len(m.nodes), active, m.finished, m.failed,
		FormatBytes(transferred), FormatBytes(total), FormatRate(speed))

	if m.done {
		line += " · finished"
	}

	return line
}

func (m *Model) visibleRange() (int, int) {
	rows := max(m.height-chromeHeight, 1)
	if len(m.nodes) <= rows {
		return 0, len(m.nodes)
	}

	first := min(max(m.cursor-rows/2, 0), len(m.nodes)-rows) //nolint:mnd // Center the cursor

	return first, first + rows
}

func (m *Model) row(i int) string {
	n := m.nodes[i]

	prefix := "  "
	if i == m.cursor {
		prefix = CursorArrow
	}

	label := prefix + strings.Repeat(" ", n.Depth*indentWidth) + stateGlyph(n.State) + " " + task.Describe(n.Task)

	var detail string

	switch {
	case n.State == registry.Failed && n.Err != nil:
		detail = ErrorStyle().Render(n.Err.Error())
	case n.Kind == task.KindFile || n.Kind == task.KindDirectory:
		eta, ok := n.ETA()
		detail = fmt.Sprintf("%s %s / %s %s %s",
			RenderProgress(m.bar, n.Progress()),
			FormatBytes(n.Transferred), FormatBytes(n.Filesize),
			FormatRate(n.Speed), FormatETA(eta, ok))
	}

	line := label
	if detail != "" {
		line += "  " + detail
	}

	switch {
	case i == m.cursor:
		return SelectedStyle().Render(line)
	case n.State == registry.Failed:
		return ErrorStyle().Render(line)
	case n.State == registry.Processing:
		return ActiveStyle().Render(line)
	case n.State == registry.Done:
		return DoneStyle().Render(line)
	default:
		return line
	}
}

func stateGlyph(s registry.State) string {
	switch s {
	case registry.Processing:
		return "»"
	case registry.Done:
		return "✓"
	case registry.Failed:
		return "✗"
	case registry.Ready:
	}

	return "·"
}
