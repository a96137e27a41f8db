package scenes

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"gami-sentinel/internal/tui/api"
	"gami-sentinel/internal/tui/styles"
)

// AlertsScene lists recent fraud alerts, newest first.
type AlertsScene struct {
	client     *api.Client
	alerts     []api.Alert
	err        string
	width      int
	height     int
	cursor     int
	offset     int
	loading    bool
	maxRows    int
	lastUpdate time.Time
}

type alertsMsg struct {
	alerts []api.Alert
	err    string
}

// NewAlertsScene creates the alerts scene.
func NewAlertsScene(client *api.Client) *AlertsScene {
	return &AlertsScene{
		client:  client,
		loading: true,
		maxRows: 10,
	}
}

// Init fetches the first alert page.
func (a *AlertsScene) Init() tea.Cmd {
	return a.fetchAlerts()
}

func (a *AlertsScene) fetchAlerts() tea.Cmd {
	return func() tea.Msg {
		resp, err := a.client.GetAlerts(100)
		if err != nil {
			return alertsMsg{err: err.Error()}
		}
		return alertsMsg{alerts: resp.Alerts}
	}
}

// TickCmd schedules the next refresh tick for this scene.
func (a *AlertsScene) TickCmd() tea.Cmd {
	return tea.Tick(5*time.Second, func(t time.Time) tea.Msg {
		return TickMsg{Scene: "alerts", Time: t}
	})
}

// Update handles messages for the alerts scene.
func (a *AlertsScene) Update(msg tea.Msg) (*AlertsScene, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.maxRows = max(5, a.height-10)
		return a, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "up", "k":
			if a.cursor > 0 {
				a.cursor--
				if a.cursor < a.offset {
					a.offset = a.cursor
				}
			}
		case "down", "j":
			if a.cursor < len(a.alerts)-1 {
				a.cursor++
				if a.cursor >= a.offset+a.maxRows {
					a.offset = a.cursor - a.maxRows + 1
				}
			}
		case "r":
			a.loading = true
			return a, a.fetchAlerts()
		}
		return a, nil

	case alertsMsg:
		a.loading = false
		a.alerts = msg.alerts
		a.err = msg.err
		a.lastUpdate = time.Now()
		if a.cursor >= len(a.alerts) {
			a.cursor = max(0, len(a.alerts)-1)
		}
		return a, nil

	case TickMsg:
		if msg.Scene == "alerts" {
			return a, a.fetchAlerts()
		}
		return a, nil
	}
	return a, nil
}

// View renders the alert list.
func (a *AlertsScene) View() string {
	var b strings.Builder

	b.WriteString(styles.Title.Render("  Fraud Alerts"))
	b.WriteString("\n\n")

	if a.loading {
		b.WriteString(styles.Muted.Render("  Loading..."))
		return b.String()
	}

	if a.err != "" {
		b.WriteString(styles.StatusError.Render(fmt.Sprintf("  Error: %s", a.err)))
		b.WriteString("\n")
		return b.String()
	}

	if len(a.alerts) == 0 {
		b.WriteString(styles.Muted.Render("  No alerts."))
		return b.String()
	}

	header := fmt.Sprintf("  %-8s %-20s %-7s %-12s %s", "TIME", "USER", "SCORE", "ACTION", "REASON")
	b.WriteString(styles.TableHeader.Render(header))
	b.WriteString("\n")

	end := min(a.offset+a.maxRows, len(a.alerts))
	for i := a.offset; i < end; i++ {
		alert := a.alerts[i]
		reason := alert.Reason
		if len(reason) > 48 {
			reason = reason[:45] + "..."
		}
		row := fmt.Sprintf("  %-8s %-20s %-7.3f %-12s %s",
			alert.CreatedAt.Format("15:04:05"),
			truncate(alert.UserID, 20),
			alert.AnomalyScore,
			alert.ActionTaken,
			reason)
		if i == a.cursor {
			b.WriteString(styles.TableRowSelected.Render(row))
		} else {
			b.WriteString(styles.TableRow.Render(row))
		}
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(styles.Muted.Render(fmt.Sprintf("  %d alerts  [r] refresh", len(a.alerts))))
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
