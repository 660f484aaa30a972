// Package progressui renders a job's progress record in the terminal.
package progressui

import (
	"context"
	"errors"
	"fmt"
	"strings"

	bar "github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/invoice-scraper/progress"
)

var ErrInterrupted = errors.New("interrupted")

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	mutedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("203")).Bold(true)
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
)

const maxBarWidth = 60

type recordMsg progress.Record

type closedMsg struct{}

// Model follows one job's record until it is done
type Model struct {
	title       string
	rec         progress.Record
	updates     <-chan progress.Record
	bar         bar.Model
	interrupted bool
}

func New(title string, first progress.Record, updates <-chan progress.Record) Model {
	b := bar.New(bar.WithDefaultGradient())
	b.Width = 40
	return Model{title: title, rec: first, updates: updates, bar: b}
}

// Record is the last snapshot the model saw
func (m Model) Record() progress.Record {
	return m.rec
}

func (m Model) Init() tea.Cmd {
	if m.rec.Done {
		return tea.Quit
	}
	return waitFor(m.updates)
}

func waitFor(ch <-chan progress.Record) tea.Cmd {
	return func() tea.Msg {
		r, ok := <-ch
		if !ok {
			return closedMsg{}
		}
		return recordMsg(r)
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.bar.Width = min(msg.Width-4, maxBarWidth)
		return m, nil
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			m.interrupted = true
			return m, tea.Quit
		}
		return m, nil
	case recordMsg:
		m.rec = progress.Record(msg)
		if m.rec.Done {
			return m, tea.Quit
		}
		return m, waitFor(m.updates)
	case closedMsg:
		return m, tea.Quit
	}
	return m, nil
}

func (m Model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(m.title))
	b.WriteString("\n\n")
	b.WriteString(m.bar.ViewAs(float64(m.rec.StageProgress) / 100))
	b.WriteString("\n")
	b.WriteString(mutedStyle.Render(fmt.Sprintf("%s · %s · %d/%d bookings", m.rec.Stage, m.rec.Status, m.rec.Current, m.rec.Total)))
	b.WriteString("\n")

	switch {
	case m.rec.Done && m.rec.Error != "":
		b.WriteString(errorStyle.Render("Error: " + m.rec.Error))
		b.WriteString("\n")
	case m.rec.Done:
		b.WriteString(okStyle.Render(summary(m.rec)))
		b.WriteString("\n")
	case m.interrupted:
		b.WriteString(mutedStyle.Render("Stopped watching"))
		b.WriteString("\n")
	}
	return b.String()
}

func summary(r progress.Record) string {
	if r.Report == nil {
		return "Done"
	}
	s := fmt.Sprintf("Done: %d invoice(s) from %d booking(s), %d failed",
		r.Report.SuccessfulDownloads, r.Report.TotalBookings, r.Report.FailedDownloads)
	if r.ZipPath != "" {
		s += "\nArchive: " + r.ZipPath
	}
	return s
}

// Run shows updates until the job is done, the channel closes or the user
// quits. It returns the last record seen.
func Run(ctx context.Context, title string, first progress.Record, updates <-chan progress.Record, opts ...tea.ProgramOption) (progress.Record, error) {
	opts = append([]tea.ProgramOption{tea.WithContext(ctx)}, opts...)
	final, err := tea.NewProgram(New(title, first, updates), opts...).Run()
	if err != nil {
		return first, fmt.Errorf("progress view: %w", err)
	}
	m := final.(Model)
	if m.interrupted {
		return m.rec, ErrInterrupted
	}
	return m.rec, nil
}
