// Command eternitytop is a terminal monitor over a running engine's
// storage backend: a scrollable, fuzzy-filterable list of workflow
// entities refreshed on an interval.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/redis/go-redis/v9"
	"github.com/sahilm/fuzzy"
	"github.com/spf13/pflag"

	"github.com/eternity-run/eternity"
	"github.com/eternity-run/eternity/storage/memory"
	"github.com/eternity-run/eternity/storage/redisstore"
	"github.com/eternity-run/eternity/storage/sqlite"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	stateStyles = map[eternity.State]lipgloss.Style{
		eternity.StateQueued:    lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
		eternity.StateRunning:   lipgloss.NewStyle().Foreground(lipgloss.Color("39")),
		eternity.StateSuspended: lipgloss.NewStyle().Foreground(lipgloss.Color("220")),
		eternity.StateCompleted: lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		eternity.StateFailed:    lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
	}
	selectedStyle = lipgloss.NewStyle().Background(lipgloss.Color("236"))
)

type refreshMsg []*eternity.WorkflowEntity

type model struct {
	storage  eternity.Storage
	all      []*eternity.WorkflowEntity
	filtered []*eternity.WorkflowEntity
	filter   string
	cursor   int
	err      error
}

func (m model) Init() tea.Cmd {
	return tea.Batch(refreshCmd(m.storage), tickCmd())
}

func refreshCmd(storage eternity.Storage) tea.Cmd {
	return func() tea.Msg {
		wfs, err := storage.ListWorkflows(context.Background(), 500)
		if err != nil {
			return refreshMsg(nil)
		}
		return refreshMsg(wfs)
	}
}

type tickMsg time.Time

func tickCmd() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		case "up", "k":
			if m.cursor > 0 {
				m.cursor--
			}
		case "down", "j":
			if m.cursor < len(m.filtered)-1 {
				m.cursor++
			}
		case "backspace":
			if len(m.filter) > 0 {
				m.filter = m.filter[:len(m.filter)-1]
				m.applyFilter()
			}
		default:
			if len(msg.String()) == 1 {
				m.filter += msg.String()
				m.applyFilter()
			}
		}
	case refreshMsg:
		m.all = msg
		m.applyFilter()
	case tickMsg:
		return m, tea.Batch(refreshCmd(m.storage), tickCmd())
	}
	return m, nil
}

func (m *model) applyFilter() {
	if m.filter == "" {
		m.filtered = m.all
		return
	}
	names := make([]string, len(m.all))
	for i, wf := range m.all {
		names[i] = string(wf.ID) + " " + wf.TypeName
	}
	matches := fuzzy.Find(m.filter, names)
	out := make([]*eternity.WorkflowEntity, len(matches))
	for i, match := range matches {
		out[i] = m.all[match.Index]
	}
	m.filtered = out
	if m.cursor >= len(m.filtered) {
		m.cursor = len(m.filtered) - 1
	}
}

func (m model) View() string {
	out := headerStyle.Render(fmt.Sprintf("eternitytop — %d workflows (filter: %s)", len(m.filtered), m.filter)) + "\n\n"
	for i, wf := range m.filtered {
		line := fmt.Sprintf("%-40s %-24s %s", wf.ID, wf.TypeName, wf.State)
		style := stateStyles[wf.State]
		if i == m.cursor {
			style = style.Copy().Inherit(selectedStyle)
		}
		out += style.Render(line) + "\n"
	}
	out += "\n(q to quit, type to filter, arrows to move)\n"
	return out
}

func buildStorage(backend, sqliteDSN, redisAddr string) (eternity.Storage, error) {
	switch backend {
	case "sqlite":
		return sqlite.Open(sqliteDSN)
	case "redis":
		return redisstore.New(redis.NewClient(&redis.Options{Addr: redisAddr})), nil
	default:
		return memory.New()
	}
}

func main() {
	backend := pflag.String("storage", "memory", "storage backend: memory|sqlite|redis")
	sqliteDSN := pflag.String("sqlite-dsn", "file:eternity.db", "sqlite DSN")
	redisAddr := pflag.String("redis-addr", "127.0.0.1:6379", "redis address")
	pflag.Parse()

	storage, err := buildStorage(*backend, *sqliteDSN, *redisAddr)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	p := tea.NewProgram(model{storage: storage})
	if _, err := p.Run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
