// Package tui renders the download list in the terminal with Bubble Tea.
package tui

import (
	"fmt"
	"math"
	"strings"
	"time"

	progressbar "github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/lvcoi/reelgrab/internal/capture"
	"github.com/lvcoi/reelgrab/internal/manager"
)

// Actions are the manager operations bound to keys.
type Actions interface {
	CancelDownload(id string) error
	ClearCompleted()
}

type itemMsg struct{ item manager.DownloadItem }

type listMsg struct{ items []manager.DownloadItem }

type streamsMsg struct{ streams []capture.CapturedStream }

type logMsg struct {
	level string
	text  string
}

type stopMsg struct{}

var (
	titleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#0B0B0B")).
			Background(lipgloss.Color("#FFE66D")).
			Bold(true).
			Padding(0, 1)

	percentStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#00F5D4")).
			Bold(true)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#F8F8F2")).
			Bold(true)

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#0B0B0B")).
			Background(lipgloss.Color("#00F5D4")).
			Bold(true)

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#A6ADC8")).
			Faint(true)

	logInfoStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#7FDBFF")).Bold(true)
	logWarnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFD166")).Bold(true)
	logErrorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B")).Bold(true)

	statusStyles = map[manager.Status]lipgloss.Style{
		manager.StatusComplete:  lipgloss.NewStyle().Foreground(lipgloss.Color("#00D27A")).Bold(true),
		manager.StatusError:     lipgloss.NewStyle().Foreground(lipgloss.Color("#FF3B30")).Bold(true),
		manager.StatusCancelled: lipgloss.NewStyle().Foreground(lipgloss.Color("#C0C0C0")),
	}
	activeStatusStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFD166"))

	spinnerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#7FDBFF"))
)

type row struct {
	item manager.DownloadItem
	bar  progressbar.Model
	spin spinner.Model
}

type model struct {
	rows     map[string]*row
	order    []string
	streams  []capture.CapturedStream
	selected int
	width    int
	height   int
	log      string
	quit     bool
	vp       viewport.Model
	actions  Actions
	onQuit   func()
	now      func() time.Time
}

func newModel(actions Actions, onQuit func()) *model {
	vp := viewport.New(80, 20)
	vp.MouseWheelEnabled = true
	vp.Style = lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("#7FDBFF"))
	return &model{
		rows:    make(map[string]*row),
		width:   80,
		height:  24,
		vp:      vp,
		actions: actions,
		onQuit:  onQuit,
		now:     time.Now,
	}
}

func barWidth(total int) int {
	return max(total-10, 10)
}

func truncateLine(text string, width int) string {
	if width <= 0 || len(text) <= width {
		return text
	}
	if width <= 3 {
		return text[:width]
	}
	return text[:width-3] + "..."
}

func (m *model) Init() tea.Cmd {
	return nil
}

func (m *model) newRow(item manager.DownloadItem) (*row, tea.Cmd) {
	spin := spinner.New()
	spin.Spinner = spinner.MiniDot
	spin.Style = spinnerStyle
	r := &row{
		item: item,
		bar: progressbar.New(
			progressbar.WithGradient("#FF006E", "#00F5FF"),
			progressbar.WithWidth(barWidth(m.width)),
			progressbar.WithoutPercentage(),
		),
		spin: spin,
	}
	m.rows[item.ID] = r
	return r, tea.Batch(r.bar.SetPercent(percentOf(item)), r.spin.Tick)
}

func percentOf(item manager.DownloadItem) float64 {
	return math.Min(1, math.Max(0, float64(item.Progress)/100))
}

func (m *model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.vp.Width = msg.Width - 2
		m.vp.Height = max(msg.Height-6, 3)
		for _, r := range m.rows {
			r.bar.Width = barWidth(m.width)
		}
	case listMsg:
		var cmds []tea.Cmd
		seen := make(map[string]bool, len(msg.items))
		m.order = m.order[:0]
		for _, item := range msg.items {
			seen[item.ID] = true
			m.order = append(m.order, item.ID)
			if r, ok := m.rows[item.ID]; ok {
				r.item = item
				cmds = append(cmds, r.bar.SetPercent(percentOf(item)))
				continue
			}
			_, cmd := m.newRow(item)
			cmds = append(cmds, cmd)
		}
		for id := range m.rows {
			if !seen[id] {
				delete(m.rows, id)
			}
		}
		m.selected = min(m.selected, max(len(m.order)-1, 0))
		return m, tea.Batch(cmds...)
	case itemMsg:
		r, ok := m.rows[msg.item.ID]
		if !ok {
			// Progress can arrive before the list that introduces the item.
			m.order = append([]string{msg.item.ID}, m.order...)
			_, cmd := m.newRow(msg.item)
			return m, cmd
		}
		r.item = msg.item
		return m, r.bar.SetPercent(percentOf(msg.item))
	case streamsMsg:
		m.streams = msg.streams
	case logMsg:
		style := logInfoStyle
		switch msg.level {
		case "error":
			style = logErrorStyle
		case "warn":
			style = logWarnStyle
		}
		m.log = style.Render(truncateLine(msg.text, m.width))
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			if m.onQuit != nil {
				m.onQuit()
			}
			m.quit = true
			return m, tea.Quit
		case "up", "k":
			if m.selected > 0 {
				m.selected--
			}
		case "down", "j":
			if m.selected < len(m.order)-1 {
				m.selected++
			}
		case "c":
			if id := m.selectedID(); id != "" && m.actions != nil {
				if err := m.actions.CancelDownload(id); err != nil {
					m.log = logErrorStyle.Render(truncateLine(err.Error(), m.width))
				}
			}
		case "x":
			if m.actions != nil {
				m.actions.ClearCompleted()
			}
		case "pgup":
			m.vp.HalfViewUp()
		case "pgdown":
			m.vp.HalfViewDown()
		}
	case progressbar.FrameMsg:
		cmds := make([]tea.Cmd, 0, len(m.rows))
		for _, r := range m.rows {
			updated, cmd := r.bar.Update(msg)
			if bar, ok := updated.(progressbar.Model); ok {
				r.bar = bar
			}
			cmds = append(cmds, cmd)
		}
		return m, tea.Batch(cmds...)
	case spinner.TickMsg:
		var cmds []tea.Cmd
		for _, r := range m.rows {
			if !r.item.Status.IsActive() {
				continue
			}
			updated, cmd := r.spin.Update(msg)
			r.spin = updated
			cmds = append(cmds, cmd)
		}
		return m, tea.Batch(cmds...)
	case stopMsg:
		m.quit = true
		return m, tea.Quit
	}
	return m, nil
}

func (m *model) selectedID() string {
	if m.selected < 0 || m.selected >= len(m.order) {
		return ""
	}
	return m.order[m.selected]
}

func (m *model) View() string {
	if m.quit {
		return ""
	}
	var b strings.Builder
	if m.log != "" {
		b.WriteString(m.log)
		b.WriteString("\n")
	}

	if len(m.streams) > 0 {
		b.WriteString(titleStyle.Render(" Captured"))
		b.WriteString("\n")
		for _, s := range m.streams {
			b.WriteString(dimStyle.Render(truncateLine(fmt.Sprintf("%-4s %s", s.Type, s.URL), m.width)))
			b.WriteString("\n")
		}
	}

	if len(m.order) == 0 {
		b.WriteString(dimStyle.Render("waiting for downloads..."))
		return b.String()
	}

	var content strings.Builder
	for i, id := range m.order {
		r, ok := m.rows[id]
		if !ok {
			continue
		}
		content.WriteString(m.renderRow(r, i == m.selected))
	}
	m.vp.SetContent(content.String())

	b.WriteString(titleStyle.Render(" Downloads"))
	b.WriteString(" ")
	b.WriteString(dimStyle.Render(fmt.Sprintf("(%d items · ↑/↓ select · c cancel · x clear · q quit)", len(m.order))))
	b.WriteString("\n")
	b.WriteString(m.vp.View())
	return b.String()
}

func (m *model) renderRow(r *row, selected bool) string {
	item := r.item
	var b strings.Builder

	label := truncateLine(item.Filename, m.width-24)
	if selected {
		label = selectedStyle.Render(label)
	} else {
		label = labelStyle.Render(label)
	}
	spin := " "
	if item.Status.IsActive() {
		spin = r.spin.View()
	}
	style, ok := statusStyles[item.Status]
	if !ok {
		style = activeStatusStyle
	}
	fmt.Fprintf(&b, "%s %s %s %s\n", spin, percentStyle.Render(fmt.Sprintf("%3d%%", item.Progress)), style.Render(string(item.Status)), label)
	b.WriteString(r.bar.View())
	b.WriteString("\n")

	details := []string{humanize.Bytes(uint64(max(item.DownloadedBytes, 0)))}
	if item.Quality != "" {
		details = append(details, item.Quality)
	}
	details = append(details, m.elapsed(item))
	switch {
	case item.Error != "":
		details = append(details, item.Error)
	case item.FilePath != "":
		details = append(details, item.FilePath)
	}
	b.WriteString("        ")
	b.WriteString(dimStyle.Render(truncateLine(strings.Join(details, " · "), m.width-8)))
	b.WriteString("\n")
	return b.String()
}

func (m *model) elapsed(item manager.DownloadItem) string {
	if item.StartTime.IsZero() {
		return "--"
	}
	end := item.EndTime
	if end.IsZero() {
		end = m.now()
	}
	d := end.Sub(item.StartTime)
	if item.Status.IsTerminal() {
		return "took " + formatDurationShort(d)
	}
	return "elapsed " + formatDurationShort(d)
}

func formatDurationShort(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%.0fs", d.Seconds())
	case d < time.Hour:
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	default:
		return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
	}
}
