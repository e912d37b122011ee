// Package ui provides the terminal components of the kin CLI.
package ui

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/mattn/go-isatty"

	"github.com/AshkanYarmoradi/go-kin/cli/styles"
)

// SpinnerModel shows a spinner until a SpinnerDoneMsg arrives.
type SpinnerModel struct {
	spinner  spinner.Model
	message  string
	quitting bool
	done     bool
	result   string
	err      error
}

// NewSpinner creates a spinner with message.
func NewSpinner(message string) SpinnerModel {
	s := spinner.New()
	s.Spinner = spinner.MiniDot
	s.Style = lipgloss.NewStyle().Foreground(styles.Primary)
	return SpinnerModel{spinner: s, message: message}
}

// SpinnerDoneMsg ends the spinner.
type SpinnerDoneMsg struct {
	Result string
	Err    error
}

func (m SpinnerModel) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m SpinnerModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		}
	case SpinnerDoneMsg:
		m.done = true
		m.result = msg.Result
		m.err = msg.Err
		return m, tea.Quit
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m SpinnerModel) View() string {
	switch {
	case m.done && m.err != nil:
		return styles.FormatError(m.result) + "\n"
	case m.done:
		return styles.FormatSuccess(m.result) + "\n"
	case m.quitting:
		return styles.FormatWarning("Cancelled") + "\n"
	}
	return m.spinner.View() + " " + styles.Normal.Render(m.message) + "\n"
}

// Err returns the error the spinner finished with.
func (m SpinnerModel) Err() error { return m.err }

// IsTerminal reports whether w is an interactive terminal.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && isatty.IsTerminal(f.Fd())
}

// RunSpinner runs fn behind a spinner program. done formats the final line.
func RunSpinner(message string, fn func() (string, error), opts ...tea.ProgramOption) error {
	p := tea.NewProgram(NewSpinner(message), opts...)
	var fnErr error
	go func() {
		result, err := fn()
		fnErr = err
		if err != nil {
			result = err.Error()
		}
		p.Send(SpinnerDoneMsg{Result: result, Err: err})
	}()
	if _, err := p.Run(); err != nil {
		return err
	}
	return fnErr
}

// ProgressModel is a progress bar fed by ProgressMsg.
type ProgressModel struct {
	progress progress.Model
	percent  float64
	message  string
	done     bool
}

// ProgressMsg updates the progress bar. Percent 1 finishes it.
type ProgressMsg struct {
	Percent float64
	Message string
}

// NewProgress creates a progress bar.
func NewProgress(message string) ProgressModel {
	return ProgressModel{
		progress: progress.New(progress.WithGradient("#0D9488", "#F59E0B"), progress.WithWidth(40), progress.WithoutPercentage()),
		message:  message,
	}
}

func (m ProgressModel) Init() tea.Cmd { return nil }

func (m ProgressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
	case ProgressMsg:
		m.percent = msg.Percent
		m.message = msg.Message
		if m.percent >= 1.0 {
			m.done = true
			return m, tea.Quit
		}
	case progress.FrameMsg:
		pm, cmd := m.progress.Update(msg)
		m.progress = pm.(progress.Model)
		return m, cmd
	}
	return m, nil
}

func (m ProgressModel) View() string {
	if m.done {
		return styles.FormatSuccess(m.message) + "\n"
	}
	return m.progress.ViewAs(m.percent) + " " + styles.Muted.Render(m.message) + "\n"
}

// Table collects rows and renders them with lipgloss/table.
type Table struct {
	headers []string
	rows    [][]string
}

// NewTable creates a table with headers.
func NewTable(headers ...string) *Table {
	return &Table{headers: headers}
}

// AddRow appends a row, padding or truncating it to the header count.
func (t *Table) AddRow(values ...string) {
	row := make([]string, len(t.headers))
	copy(row, values)
	t.rows = append(t.rows, row)
}

// Len returns the number of rows.
func (t *Table) Len() int { return len(t.rows) }

// Render returns the formatted table.
func (t *Table) Render() string {
	if len(t.headers) == 0 {
		return ""
	}
	header := lipgloss.NewStyle().Bold(true).Foreground(styles.Primary).Padding(0, 1)
	cell := lipgloss.NewStyle().Padding(0, 1)

	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(styles.Border)).
		Headers(t.headers...).
		Rows(t.rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return header
			}
			return cell
		}).
		Render()
}

// StatusBadge renders status as a colored badge.
func StatusBadge(status string) string {
	style := lipgloss.NewStyle().Padding(0, 1)
	switch strings.ToLower(status) {
	case "ok", "active", "applied", "has_snapshot", "up to date":
		style = style.Background(styles.Success).Foreground(lipgloss.Color("#000000"))
	case "pending", "skipped", "no_snapshot", "stale":
		style = style.Background(styles.Warning).Foreground(lipgloss.Color("#000000"))
	case "error", "failed", "dead_lettered":
		style = style.Background(styles.Error).Foreground(lipgloss.Color("#FFFFFF"))
	default:
		style = style.Background(styles.Surface).Foreground(styles.Text)
	}
	return style.Render(status)
}

// Banner renders the kin banner.
func Banner() string {
	art := `
   ██╗  ██╗██╗███╗   ██╗
   ██║ ██╔╝██║████╗  ██║
   █████╔╝ ██║██╔██╗ ██║
   ██╔═██╗ ██║██║╚██╗██║
   ██║  ██╗██║██║ ╚████║
   ╚═╝  ╚═╝╚═╝╚═╝  ╚═══╝
     family task engine
`
	return lipgloss.NewStyle().Foreground(styles.Primary).Bold(true).Render(art)
}

// SimpleBanner returns a one-line banner.
func SimpleBanner() string {
	return styles.IconDone + " " + styles.Highlight.Render("kin") + " " +
		styles.Muted.Render("- event-sourced family tasks")
}

// Divider returns a horizontal line.
func Divider(width int) string {
	return styles.Muted.Render(strings.Repeat("─", width))
}

// TimelineEntry is one line of a task history.
type TimelineEntry struct {
	Version   int64
	Kind      string
	ActorID   string
	EventID   string
	Timestamp time.Time
}

// Timeline renders entries oldest first.
func Timeline(entries []TimelineEntry) string {
	var sb strings.Builder
	for i, e := range entries {
		marker := "├─"
		if i == len(entries)-1 {
			marker = "└─"
		}
		fmt.Fprintf(&sb, "%s %s %s %s %s\n",
			styles.Muted.Render(marker),
			styles.Highlight.Render(fmt.Sprintf("v%d", e.Version)),
			styles.Normal.Render(e.Kind),
			styles.Muted.Render("by "+e.ActorID),
			styles.Muted.Render(e.Timestamp.UTC().Format(time.RFC3339)),
		)
	}
	return sb.String()
}

// Confirmation renders a yes/no answer.
func Confirmation(confirmed bool) string {
	if confirmed {
		return styles.SuccessStyle.Render("Yes")
	}
	return styles.ErrorStyle.Render("No")
}
