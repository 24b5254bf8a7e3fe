package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/burrowhq/burrow/internal/client"
)

const maxRows = 200

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	statusStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	timeStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	tcpStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	helpStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("241")).MarginTop(1)
)

type eventMsg client.Event

// Model is the live request feed shown while the tunnel client runs.
type Model struct {
	client  *client.Client
	spinner spinner.Model
	rows    []client.Event
	status  string
	width   int
	height  int
}

func NewModel(c *client.Client) Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))
	return Model{
		client:  c,
		spinner: sp,
		status:  "connecting",
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.waitForEvent())
}

func (m Model) waitForEvent() tea.Cmd {
	return func() tea.Msg {
		e, ok := <-m.client.Events()
		if !ok {
			return tea.Quit()
		}
		return eventMsg(e)
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case eventMsg:
		e := client.Event(msg)
		if e.Kind == "status" {
			m.status = e.Detail
		} else {
			m.rows = append(m.rows, e)
			if len(m.rows) > maxRows {
				m.rows = m.rows[len(m.rows)-maxRows:]
			}
		}
		return m, m.waitForEvent()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	return m, nil
}

func (m Model) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("burrow"))
	b.WriteString("  ")
	b.WriteString(m.spinner.View())
	b.WriteString(statusStyle.Render(m.status))
	b.WriteString("\n\n")

	visible := m.rows
	if limit := m.height - 5; limit > 0 && len(visible) > limit {
		visible = visible[len(visible)-limit:]
	}
	for _, e := range visible {
		b.WriteString(renderRow(e))
		b.WriteString("\n")
	}
	if len(m.rows) == 0 {
		b.WriteString(statusStyle.Render("waiting for requests..."))
		b.WriteString("\n")
	}

	b.WriteString(helpStyle.Render("q: quit"))
	return b.String()
}

func renderRow(e client.Event) string {
	ts := timeStyle.Render(e.Time.Format("15:04:05"))

	switch e.Kind {
	case "tcp":
		return fmt.Sprintf("%s %s %s", ts, tcpStyle.Render("TCP"), e.Detail)
	case "stream":
		return fmt.Sprintf("%s %s %-6s %s %s", ts, tcpStyle.Render("SSE"), e.Method, e.Path,
			timeStyle.Render(e.Duration.String()))
	default:
		status := fmt.Sprintf("%d", e.Status)
		style := okStyle
		switch {
		case e.Status >= 500:
			style = errStyle
		case e.Status >= 400:
			style = warnStyle
		}
		line := fmt.Sprintf("%s %s %-6s %s %s", ts, style.Render(status), e.Method, e.Path,
			timeStyle.Render(e.Duration.String()))
		if e.Detail != "" {
			line += " " + errStyle.Render(e.Detail)
		}
		return line
	}
}

// Run blocks on the TUI until the user quits.
func Run(c *client.Client) error {
	_, err := tea.NewProgram(NewModel(c), tea.WithAltScreen()).Run()
	return err
}
