// Package tui provides the sentinel-top terminal dashboard.
package tui

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"gami-sentinel/internal/tui/api"
	"gami-sentinel/internal/tui/scenes"
	"gami-sentinel/internal/tui/styles"
)

// Scene identifies the active view.
type Scene int

const (
	SceneDashboard Scene = iota
	SceneAlerts
)

const sceneCount = 2

// Model is the root TUI model.
type Model struct {
	client *api.Client
	scene  Scene

	dashboard *scenes.DashboardScene
	alerts    *scenes.AlertsScene

	width    int
	height   int
	quitting bool
}

// New creates the root model polling the given sentinel base URL.
func New(baseURL, apiKey string) *Model {
	client := api.NewClient(baseURL)
	if apiKey != "" {
		client = client.WithAPIKey(apiKey)
	}

	return &Model{
		client:    client,
		scene:     SceneDashboard,
		dashboard: scenes.NewDashboardScene(client),
		alerts:    scenes.NewAlertsScene(client),
	}
}

// Init starts the initial fetch and the active scene's ticker.
func (m *Model) Init() tea.Cmd {
	return tea.Batch(
		m.dashboard.Init(),
		m.activeTickCmd(),
	)
}

// activeTickCmd returns the ticker for the active scene only, so
// inactive scenes stay idle.
func (m *Model) activeTickCmd() tea.Cmd {
	switch m.scene {
	case SceneDashboard:
		return m.dashboard.TickCmd()
	case SceneAlerts:
		return m.alerts.TickCmd()
	default:
		return nil
	}
}

// Update handles all messages.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit

		case "1":
			if m.scene != SceneDashboard {
				m.scene = SceneDashboard
				cmds = append(cmds, m.dashboard.Init(), m.dashboard.TickCmd())
			}
			return m, tea.Batch(cmds...)

		case "2":
			if m.scene != SceneAlerts {
				m.scene = SceneAlerts
				cmds = append(cmds, m.alerts.Init(), m.alerts.TickCmd())
			}
			return m, tea.Batch(cmds...)

		case "tab":
			m.scene = (m.scene + 1) % sceneCount
			cmds = append(cmds, m.activeTickCmd())
			return m, tea.Batch(cmds...)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.dashboard, _ = m.dashboard.Update(msg)
		m.alerts, _ = m.alerts.Update(msg)
		return m, nil

	case scenes.TickMsg:
		var cmd tea.Cmd
		switch m.scene {
		case SceneDashboard:
			m.dashboard, cmd = m.dashboard.Update(msg)
			if cmd != nil {
				cmds = append(cmds, cmd)
			}
			cmds = append(cmds, m.dashboard.TickCmd())
		case SceneAlerts:
			m.alerts, cmd = m.alerts.Update(msg)
			if cmd != nil {
				cmds = append(cmds, cmd)
			}
			cmds = append(cmds, m.alerts.TickCmd())
		}
		return m, tea.Batch(cmds...)
	}

	var cmd tea.Cmd
	switch m.scene {
	case SceneDashboard:
		m.dashboard, cmd = m.dashboard.Update(msg)
	case SceneAlerts:
		m.alerts, cmd = m.alerts.Update(msg)
	}
	if cmd != nil {
		cmds = append(cmds, cmd)
	}

	return m, tea.Batch(cmds...)
}

// View renders the active scene with the tab bar and help footer.
func (m *Model) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	b.WriteString(m.renderHeader())
	b.WriteString("\n")

	switch m.scene {
	case SceneDashboard:
		b.WriteString(m.dashboard.View())
	case SceneAlerts:
		b.WriteString(m.alerts.View())
	}

	b.WriteString("\n")
	b.WriteString(styles.Help.Render(" [1-2] Switch tabs  [Tab] Next tab  [↑↓/jk] Navigate  [q] Quit "))
	return b.String()
}

func (m *Model) renderHeader() string {
	tabs := []struct {
		name  string
		key   string
		scene Scene
	}{
		{"Dashboard", "1", SceneDashboard},
		{"Alerts", "2", SceneAlerts},
	}

	var tabViews []string
	for _, tab := range tabs {
		label := fmt.Sprintf(" %s %s ", tab.key, tab.name)
		if tab.scene == m.scene {
			tabViews = append(tabViews, styles.TabActive.Render(label))
		} else {
			tabViews = append(tabViews, styles.TabInactive.Render(label))
		}
	}

	tabBar := lipgloss.JoinHorizontal(lipgloss.Top, tabViews...)
	return lipgloss.NewStyle().
		BorderBottom(true).
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(styles.MutedColor).
		Width(m.width).
		Render(tabBar)
}

// Run starts the dashboard application.
func Run(baseURL, apiKey string) error {
	m := New(baseURL, apiKey)
	p := tea.NewProgram(m, tea.WithAltScreen())
	_, err := p.Run()
	return err
}
