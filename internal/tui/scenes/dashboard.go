// Package scenes provides the sentinel-top TUI scenes.
package scenes

import (
	"fmt"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"gami-sentinel/internal/tui/api"
	"gami-sentinel/internal/tui/styles"
)

// TickMsg drives periodic refresh. The parent model forwards it only to
// the active scene.
type TickMsg struct {
	Scene string
	Time  time.Time
}

// DashboardScene shows the engine health and counters.
type DashboardScene struct {
	client     *api.Client
	stats      *api.Stats
	width      int
	height     int
	loading    bool
	lastUpdate time.Time
}

type statsMsg struct {
	stats *api.Stats
}

// NewDashboardScene creates the dashboard scene.
func NewDashboardScene(client *api.Client) *DashboardScene {
	return &DashboardScene{
		client:  client,
		loading: true,
		stats:   &api.Stats{},
	}
}

// Init fetches the first snapshot.
func (d *DashboardScene) Init() tea.Cmd {
	return d.fetchStats()
}

func (d *DashboardScene) fetchStats() tea.Cmd {
	return func() tea.Msg {
		stats, _ := d.client.GetStats()
		return statsMsg{stats: stats}
	}
}

// TickCmd schedules the next refresh tick for this scene.
func (d *DashboardScene) TickCmd() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg {
		return TickMsg{Scene: "dashboard", Time: t}
	})
}

// Update handles messages for the dashboard.
func (d *DashboardScene) Update(msg tea.Msg) (*DashboardScene, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		d.width = msg.Width
		d.height = msg.Height
		return d, nil

	case statsMsg:
		d.loading = false
		d.stats = msg.stats
		d.lastUpdate = time.Now()
		return d, nil

	case TickMsg:
		if msg.Scene == "dashboard" {
			return d, d.fetchStats()
		}
		return d, nil
	}
	return d, nil
}

// View renders the dashboard.
func (d *DashboardScene) View() string {
	var b strings.Builder

	b.WriteString(styles.Title.Render("  Gami Sentinel"))
	b.WriteString("\n\n")

	if d.loading {
		b.WriteString(styles.Muted.Render("  Loading..."))
		return b.String()
	}

	if d.stats.Connected {
		b.WriteString(fmt.Sprintf("  Status: %s\n", styles.StatusOK.Render("● CONNECTED")))
	} else {
		b.WriteString(fmt.Sprintf("  Status: %s  %s\n",
			styles.StatusError.Render("● DISCONNECTED"),
			styles.Muted.Render(d.stats.StatusReason)))
	}

	model := styles.StatusWarning.Render("untrained")
	if d.stats.ModelTrained {
		model = styles.StatusOK.Render("trained")
	}
	b.WriteString(fmt.Sprintf("  Model:  %s\n\n", model))

	cards := []string{
		d.renderMetricCard("Buffered Events", formatNumber(int64(d.stats.BufferSize))),
		d.renderMetricCard("Tracked Users", formatNumber(int64(d.stats.TrackedUsers))),
		d.renderMetricCard("Users Locked", formatNumber(d.stats.UsersLocked)),
		d.renderMetricCard("Uptime", d.stats.Uptime),
	}
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, cards...))
	b.WriteString("\n\n")

	b.WriteString(styles.Subtitle.Render("  Throughput"))
	b.WriteString("\n")
	b.WriteString(fmt.Sprintf("  accepted %s   rejected %s   alerts %s\n\n",
		formatNumber(d.stats.EventsAccepted),
		formatNumber(d.stats.EventsRejected),
		formatNumber(d.stats.AlertsPublished)))

	if len(d.stats.UsersByStatus) > 0 {
		b.WriteString(styles.Subtitle.Render("  Users by status"))
		b.WriteString("\n")
		b.WriteString(d.renderStatusRows())
		b.WriteString("\n")
	}

	if !d.lastUpdate.IsZero() {
		b.WriteString(styles.Muted.Render(fmt.Sprintf("  Last updated: %s", d.lastUpdate.Format("15:04:05"))))
	}

	return b.String()
}

func (d *DashboardScene) renderStatusRows() string {
	names := make([]string, 0, len(d.stats.UsersByStatus))
	for name := range d.stats.UsersByStatus {
		names = append(names, name)
	}
	sort.Strings(names)

	var rows []string
	for _, name := range names {
		marker := styles.StatusOK.Render("●")
		if name == "LOCKED" {
			marker = styles.StatusError.Render("●")
		} else if name == "FLAGGED" || name == "MONITORED" {
			marker = styles.StatusWarning.Render("●")
		}
		rows = append(rows, fmt.Sprintf("  %s %-10s %d", marker, name, d.stats.UsersByStatus[name]))
	}
	return strings.Join(rows, "\n")
}

func (d *DashboardScene) renderMetricCard(label, value string) string {
	card := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(styles.MutedColor).
		Padding(0, 2).
		Width(18).
		Align(lipgloss.Center)

	content := fmt.Sprintf("%s\n%s",
		styles.MetricValue.Render(value),
		styles.MetricLabel.Render(label),
	)
	return card.Render(content)
}

func formatNumber(n int64) string {
	if n >= 1000000 {
		return fmt.Sprintf("%.1fM", float64(n)/1000000)
	}
	if n >= 1000 {
		return fmt.Sprintf("%.1fK", float64(n)/1000)
	}
	return fmt.Sprintf("%d", n)
}
