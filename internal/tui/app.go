// Package tui provides the live terminal dashboard for courier.
package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/fentz26/courier/internal/models"
)

var (
	// Colors
	primaryColor = lipgloss.Color("#7C3AED")
	successColor = lipgloss.Color("#10B981")
	warningColor = lipgloss.Color("#F59E0B")
	errorColor   = lipgloss.Color("#EF4444")
	mutedColor   = lipgloss.Color("#6B7280")
	fgColor      = lipgloss.Color("#F9FAFB")
	cyanColor    = lipgloss.Color("#06B6D4")

	// Styles
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			Padding(0, 1)

	statusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("#374151")).
			Foreground(fgColor).
			Padding(0, 1)

	inputBoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor).
			Padding(0, 1)

	onlineStyle = lipgloss.NewStyle().
			Foreground(successColor).
			Bold(true)

	offlineStyle = lipgloss.NewStyle().
			Foreground(errorColor)

	tabStyle       = lipgloss.NewStyle().Foreground(mutedColor).Padding(0, 1)
	activeTabStyle = lipgloss.NewStyle().Foreground(cyanColor).Bold(true).Underline(true).Padding(0, 1)
)

// refreshInterval is how often the dashboard polls the daemon.
const refreshInterval = time.Second

// App is the main TUI application model.
type App struct {
	client       *Client
	input        textinput.Model
	table        table.Model
	suggestions  *Suggestions
	width        int
	height       int
	view         view
	pool         *PoolStatus
	partners     *PartnerStatus
	records      []models.PDREntry
	message      string
	daemonOnline bool
}

// New creates a new TUI application.
func New(apiAddr string) *App {
	ti := textinput.New()
	ti.Placeholder = "Type: submit <data> | high <data> | order <customer> | <address> | <items> | /help"
	ti.Focus()
	ti.CharLimit = 256
	ti.Width = 80

	t := table.New(table.WithFocused(true), table.WithHeight(12))
	s := table.DefaultStyles()
	s.Header = s.Header.Foreground(cyanColor).Bold(true)
	s.Selected = s.Selected.Foreground(fgColor).Background(primaryColor)
	t.SetStyles(s)

	a := &App{
		client:      NewClient(apiAddr),
		input:       ti,
		table:       t,
		suggestions: NewSuggestions(),
		view:        viewWorkers,
	}
	a.rebuildTable()
	return a
}

// Run starts the TUI application.
func (a *App) Run() error {
	p := tea.NewProgram(a, tea.WithAltScreen())
	_, err := p.Run()
	return err
}

// Init implements tea.Model
func (a *App) Init() tea.Cmd {
	return tea.Batch(
		textinput.Blink,
		a.refresh(),
		a.checkDaemon(),
		a.tickCmd(),
	)
}

// Update implements tea.Model
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			return a, tea.Quit

		case "up":
			if a.suggestions.IsVisible() {
				a.suggestions.Prev()
			} else {
				a.table.MoveUp(1)
			}
			return a, nil

		case "down":
			if a.suggestions.IsVisible() {
				a.suggestions.Next()
			} else {
				a.table.MoveDown(1)
			}
			return a, nil

		case "tab":
			if a.suggestions.IsVisible() {
				a.acceptSuggestion()
				return a, nil
			}
			a.view = a.view.next()
			a.rebuildTable()
			return a, a.refresh()

		case "enter":
			if a.suggestions.IsVisible() {
				a.acceptSuggestion()
				return a, nil
			}
			cmd := strings.TrimSpace(a.input.Value())
			if cmd != "" {
				a.input.SetValue("")
				a.suggestions.Update("")
				return a, a.executeCommand(cmd)
			}
			return a, nil
		}

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.input.Width = msg.Width - 4
		h := msg.Height - 10
		if h < 3 {
			h = 3
		}
		a.table.SetHeight(h)
		a.rebuildTable()

	case poolMsg:
		a.pool = msg.status
		a.daemonOnline = true
		if a.view == viewWorkers {
			a.table.SetRows(workerRows(a.pool))
		}

	case partnersMsg:
		a.partners = msg.status
		a.daemonOnline = true
		if a.view == viewPartners {
			a.table.SetRows(partnerRows(a.partners, time.Now()))
		}

	case recordsMsg:
		a.records = msg.entries
		a.daemonOnline = true
		if a.view == viewRecords {
			a.table.SetRows(recordRows(a.records))
		}

	case daemonStatusMsg:
		a.daemonOnline = msg.online

	case tickMsg:
		return a, tea.Batch(a.refresh(), a.tickCmd())

	case commandResultMsg:
		a.message = msg.message
		return a, a.refresh()

	case errMsg:
		a.message = "Error: " + msg.err.Error()
	}

	var cmd tea.Cmd
	a.input, cmd = a.input.Update(msg)
	cmds = append(cmds, cmd)
	a.suggestions.Update(a.input.Value())

	return a, tea.Batch(cmds...)
}

func (a *App) acceptSuggestion() {
	if selected := a.suggestions.Selected(); selected != nil {
		a.input.SetValue(selected.Text + " ")
		a.input.CursorEnd()
		a.suggestions.Update("")
	}
}

// rebuildTable swaps the columns for the current view.
func (a *App) rebuildTable() {
	width := a.width
	if width <= 0 {
		width = 100
	}

	a.table.SetRows(nil)
	switch a.view {
	case viewWorkers:
		a.table.SetColumns([]table.Column{
			{Title: "WORKER", Width: 16},
			{Title: "IN-FLIGHT", Width: 10},
			{Title: "STARTED", Width: 10},
			{Title: "FINISHED", Width: 10},
			{Title: "UP", Width: 10},
		})
		a.table.SetRows(workerRows(a.pool))
	case viewPartners:
		a.table.SetColumns([]table.Column{
			{Title: "ID", Width: 4},
			{Title: "PARTNER", Width: 24},
			{Title: "STATUS", Width: 10},
			{Title: "FREE IN", Width: 10},
		})
		a.table.SetRows(partnerRows(a.partners, time.Now()))
	case viewRecords:
		detail := width - 50
		if detail < 20 {
			detail = 20
		}
		a.table.SetColumns([]table.Column{
			{Title: "TIME", Width: 8},
			{Title: "ACTION", Width: 16},
			{Title: "OUTCOME", Width: 8},
			{Title: "DETAILS", Width: detail},
		})
		a.table.SetRows(recordRows(a.records))
	}
}

func workerRows(st *PoolStatus) []table.Row {
	if st == nil {
		return nil
	}
	rows := make([]table.Row, 0, len(st.Workers))
	for _, w := range st.Workers {
		rows = append(rows, table.Row{
			w.ID,
			fmt.Sprintf("%d", w.InFlight),
			fmt.Sprintf("%d", w.Started),
			fmt.Sprintf("%d", w.Finished),
			formatDuration(time.Since(w.SpawnedAt)),
		})
	}
	return rows
}

func partnerRows(st *PartnerStatus, now time.Time) []table.Row {
	if st == nil {
		return nil
	}
	rows := make([]table.Row, 0, len(st.Partners))
	for _, p := range st.Partners {
		free := "-"
		if p.BusyUntil != nil {
			free = formatDuration(p.BusyUntil.Sub(now))
		}
		rows = append(rows, table.Row{
			fmt.Sprintf("%d", p.ID),
			p.Name,
			string(p.State),
			free,
		})
	}
	return rows
}

func recordRows(entries []models.PDREntry) []table.Row {
	rows := make([]table.Row, 0, len(entries))
	for _, e := range entries {
		details := e.Details
		if details == "" {
			details = e.SubjectID
		}
		rows = append(rows, table.Row{
			e.Timestamp.Local().Format("15:04:05"),
			e.Action,
			e.Outcome,
			details,
		})
	}
	return rows
}

// View implements tea.Model
func (a *App) View() string {
	var b strings.Builder

	daemonStatus := onlineStyle.Render("● DAEMON")
	if !a.daemonOnline {
		daemonStatus = offlineStyle.Render("○ DAEMON")
	}

	header := titleStyle.Render("COURIER") + "  " + daemonStatus
	if a.pool != nil {
		queue := lipgloss.NewStyle().Foreground(mutedColor)
		if a.pool.QueueDepth > 0 {
			queue = lipgloss.NewStyle().Foreground(warningColor)
		}
		header += "  " + queue.Render(fmt.Sprintf("[queue %d]", a.pool.QueueDepth))
	}
	b.WriteString(header + "\n")

	var tabs []string
	for i, name := range viewNames {
		if view(i) == a.view {
			tabs = append(tabs, activeTabStyle.Render(name))
		} else {
			tabs = append(tabs, tabStyle.Render(name))
		}
	}
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, tabs...) + "\n")

	b.WriteString(a.table.View() + "\n")

	if a.message != "" {
		msgStyle := lipgloss.NewStyle().Foreground(successColor)
		if strings.HasPrefix(a.message, "Error") {
			msgStyle = lipgloss.NewStyle().Foreground(errorColor)
		}
		b.WriteString(msgStyle.Render(a.message))
	}
	b.WriteString("\n")

	b.WriteString(inputBoxStyle.Render(a.input.View()))
	if a.suggestions.IsVisible() {
		b.WriteString("\n")
		b.WriteString(a.suggestions.Render(a.width))
	}
	b.WriteString("\n")

	b.WriteString(statusBarStyle.Width(a.width).Render(a.statusLine()))
	return b.String()
}

func (a *App) statusLine() string {
	switch a.view {
	case viewWorkers:
		if a.pool == nil {
			return " Workers: - | Tab:view | ↑↓:nav | Ctrl+C:quit"
		}
		st := a.pool.Stats
		return fmt.Sprintf(" Workers: %d/%d (%s) | in-flight %d | restarts %d | lost %d | Tab:view | Ctrl+C:quit",
			st.Workers, st.Size, st.Spawner, st.InFlight, st.Restarts, st.LostInFlight)
	case viewPartners:
		if a.partners == nil {
			return " Partners: - | Tab:view | Ctrl+C:quit"
		}
		return fmt.Sprintf(" Partners: %d/%d available | Tab:view | Ctrl+C:quit", a.partners.Available, len(a.partners.Partners))
	default:
		return fmt.Sprintf(" Records: %d | Tab:view | Ctrl+C:quit", len(a.records))
	}
}

// executeCommand runs one command bar entry.
func (a *App) executeCommand(input string) tea.Cmd {
	input = strings.TrimLeft(input, "/!")
	name, rest, _ := strings.Cut(input, " ")
	rest = strings.TrimSpace(rest)

	switch strings.ToLower(name) {
	case "q", "quit", "exit":
		return tea.Quit

	case "workers":
		return a.switchView(viewWorkers)
	case "partners":
		return a.switchView(viewPartners)
	case "records":
		return a.switchView(viewRecords)

	case "help":
		return func() tea.Msg {
			return commandResultMsg{"Commands: submit, high, order, burst, rush, workers, partners, records, quit"}
		}
	}

	return func() tea.Msg {
		switch strings.ToLower(name) {
		case "submit", "high":
			r, err := a.client.Submit(name == "high", rest)
			if err != nil {
				return errMsg{err}
			}
			if r.Status == "queued" {
				return commandResultMsg{fmt.Sprintf("⏳ %s queued (no worker free)", shortID(r.ID))}
			}
			return commandResultMsg{fmt.Sprintf("✓ %s → %s", shortID(r.ID), r.Worker)}

		case "order":
			customer, address, items, err := parseOrder(rest)
			if err != nil {
				return errMsg{err}
			}
			msg, err := a.client.AssignOrder(customer, address, items)
			if err != nil {
				return errMsg{err}
			}
			return commandResultMsg{"✓ " + msg}

		case "burst":
			receipts, err := a.client.Burst(10)
			if err != nil {
				return errMsg{err}
			}
			return commandResultMsg{summarize(receipts)}

		case "rush":
			var granted, denied int
			for i := 0; i < 3; i++ {
				if _, err := a.client.AssignOrder(fmt.Sprintf("rush-%d", i+1), "", ""); err != nil {
					denied++
				} else {
					granted++
				}
			}
			return commandResultMsg{fmt.Sprintf("✓ Rush: %d assigned, %d denied", granted, denied)}

		default:
			return commandResultMsg{fmt.Sprintf("Unknown: %s (try /help)", name)}
		}
	}
}

func (a *App) switchView(v view) tea.Cmd {
	a.view = v
	a.rebuildTable()
	return a.refresh()
}

// parseOrder splits "customer | address | items".
func parseOrder(s string) (customer, address, items string, err error) {
	parts := strings.Split(s, "|")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	if len(parts) == 0 || parts[0] == "" {
		return "", "", "", fmt.Errorf("usage: order <customer> | <address> | <items>")
	}
	customer = parts[0]
	if len(parts) > 1 {
		address = parts[1]
	}
	if len(parts) > 2 {
		items = strings.Join(parts[2:], ", ")
	}
	return customer, address, items, nil
}

func summarize(receipts []Receipt) string {
	counts := make(map[string]int)
	for _, r := range receipts {
		counts[r.Status]++
	}
	return fmt.Sprintf("✓ Burst: %d dispatched, %d queued, %d failed",
		counts["dispatched"], counts["queued"], counts["failed"])
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func formatDuration(d time.Duration) string {
	if d < 0 {
		return "0s"
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
}

type commandResultMsg struct {
	message string
}

type errMsg struct {
	err error
}

type daemonStatusMsg struct {
	online bool
}

type poolMsg struct {
	status *PoolStatus
}

type partnersMsg struct {
	status *PartnerStatus
}

type recordsMsg struct {
	entries []models.PDREntry
}

type tickMsg time.Time

// refresh fetches the data behind the current view, plus the pool summary
// shown in the header.
func (a *App) refresh() tea.Cmd {
	cmds := []tea.Cmd{a.fetchWorkers()}
	switch a.view {
	case viewPartners:
		cmds = append(cmds, a.fetchPartners())
	case viewRecords:
		cmds = append(cmds, a.fetchRecords())
	}
	return tea.Batch(cmds...)
}

func (a *App) fetchWorkers() tea.Cmd {
	return func() tea.Msg {
		st, err := a.client.GetWorkers()
		if err != nil {
			return daemonStatusMsg{online: false}
		}
		return poolMsg{st}
	}
}

func (a *App) fetchPartners() tea.Cmd {
	return func() tea.Msg {
		st, err := a.client.GetPartners()
		if err != nil {
			return errMsg{err}
		}
		return partnersMsg{st}
	}
}

func (a *App) fetchRecords() tea.Cmd {
	return func() tea.Msg {
		entries, err := a.client.GetRecords("", 100)
		if err != nil {
			return errMsg{err}
		}
		return recordsMsg{entries}
	}
}

func (a *App) checkDaemon() tea.Cmd {
	return func() tea.Msg {
		ok, _ := a.client.CheckHealth()
		return daemonStatusMsg{online: ok}
	}
}

func (a *App) tickCmd() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}
