// internal/tui/app.go
//
// This is the approval queue TUI behind `employee review`.
// It uses bubbletea, which follows The Elm Architecture:
//
// 1. Model: the pending records and the current screen
// 2. Update: keys and async results become new state
// 3. View: renders state to a string
//
// Decisions go through the router, never straight to the store, so the
// activity log sees every approval and rejection made here.

package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/kingrea/employee/internal/plan"
	"github.com/kingrea/employee/internal/store"
)

// appState represents which "screen" we're on
type appState int

const (
	stateQueue  appState = iota // Pending approvals list
	stateDetail                 // Rendered record
	stateReject                 // Reason prompt before a rejection
)

const queueRefreshInterval = 5 * time.Second

// Queue lists records by partition. *store.Store satisfies it.
type Queue interface {
	List(p store.Partition) ([]plan.Plan, error)
}

// Decider records human decisions. *router.Router satisfies it.
type Decider interface {
	Approve(ctx context.Context, id, decidedBy, notes string) (plan.Plan, error)
	Reject(ctx context.Context, id, decidedBy, reason string) (plan.Plan, error)
}

// ActivityTail exposes the latest raw activity entries for the log panel.
type ActivityTail interface {
	Tail(maxLines int) ([]string, int)
}

// AppOption customizes App construction for tests and alternate runtimes.
type AppOption func(*App)

// WithActivity shows the tail of the activity log under the queue.
func WithActivity(tail ActivityTail) AppOption {
	return func(a *App) {
		a.activity = tail
	}
}

// WithOperator sets the name recorded as decided_by.
func WithOperator(name string) AppOption {
	return func(a *App) {
		if name = strings.TrimSpace(name); name != "" {
			a.operator = name
		}
	}
}

// WithRefreshInterval overrides how often the queue reloads. Zero disables
// the timer.
func WithRefreshInterval(d time.Duration) AppOption {
	return func(a *App) {
		a.refresh = d
	}
}

type queueLoadedMsg struct {
	records []plan.Plan
	err     error
}

type decisionMsg struct {
	id       string
	approved bool
	record   plan.Plan
	err      error
}

type refreshTickMsg struct{}

// recordItem implements list.Item for a pending record.
type recordItem struct {
	record plan.Plan
}

func (i recordItem) Title() string {
	title := i.record.Title
	if title == "" {
		title = plan.ApprovalTitle(i.record.Type)
	}
	return fmt.Sprintf("[%s] %s", strings.ToUpper(string(i.record.ApprovalLevel)), title)
}

func (i recordItem) Description() string {
	parts := []string{string(i.record.Type)}
	if i.record.Recipient != "" {
		parts = append(parts, i.record.Recipient)
	}
	if len(i.record.Flags) > 0 {
		names := make([]string, 0, len(i.record.Flags))
		for _, f := range i.record.Flags {
			names = append(names, string(f.Type))
		}
		parts = append(parts, strings.Join(names, ","))
	}
	parts = append(parts, i.record.ID)
	return strings.Join(parts, " · ")
}

func (i recordItem) FilterValue() string { return i.record.ID }

// App is the main application model. In bubbletea, this holds ALL your state.
type App struct {
	state    appState
	queue    Queue
	decider  Decider
	activity ActivityTail
	operator string
	refresh  time.Duration

	// UI components
	records   list.Model
	reason    textinput.Model
	detail    plan.Plan
	statusMsg string
	err       error

	// Window size (we get this from bubbletea)
	width  int
	height int
}

// NewApp creates a new App instance
func NewApp(queue Queue, decider Decider, opts ...AppOption) (*App, error) {
	if queue == nil || decider == nil {
		return nil, fmt.Errorf("tui: queue and decider are required")
	}
	records := list.New(nil, list.NewDefaultDelegate(), 0, 0)
	records.Title = "⬡ PENDING APPROVAL"
	records.SetShowStatusBar(false)
	records.SetFilteringEnabled(false)
	records.DisableQuitKeybindings()

	reason := textinput.New()
	reason.Placeholder = "why is this rejected?"
	reason.CharLimit = 280

	app := &App{
		state:    stateQueue,
		queue:    queue,
		decider:  decider,
		operator: "operator",
		refresh:  queueRefreshInterval,
		records:  records,
		reason:   reason,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(app)
		}
	}
	return app, nil
}

// Init is called once when the program starts.
func (a *App) Init() tea.Cmd {
	return tea.Batch(a.loadQueue(), a.scheduleRefresh())
}

func (a *App) loadQueue() tea.Cmd {
	return func() tea.Msg {
		records, err := a.queue.List(store.Pending)
		return queueLoadedMsg{records: records, err: err}
	}
}

func (a *App) scheduleRefresh() tea.Cmd {
	if a.refresh <= 0 {
		return nil
	}
	return tea.Tick(a.refresh, func(time.Time) tea.Msg { return refreshTickMsg{} })
}

// Update is called when a message is received.
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.records.SetSize(max(0, msg.Width-6), max(0, msg.Height-14))
		return a, nil

	case queueLoadedMsg:
		a.err = msg.err
		if msg.err != nil {
			a.statusMsg = fmt.Sprintf("Queue unavailable: %v", msg.err)
			return a, nil
		}
		items := make([]list.Item, len(msg.records))
		for i, rec := range msg.records {
			items[i] = recordItem{record: rec}
		}
		cmd := a.records.SetItems(items)
		if len(items) == 0 && a.statusMsg == "" {
			a.statusMsg = "Nothing waiting for approval"
		}
		return a, cmd

	case decisionMsg:
		a.err = msg.err
		if msg.err != nil {
			a.statusMsg = fmt.Sprintf("%s: %v", msg.id, msg.err)
		} else if msg.approved {
			a.statusMsg = fmt.Sprintf("Approved %s", msg.id)
		} else {
			a.statusMsg = fmt.Sprintf("Rejected %s", msg.id)
		}
		return a, a.loadQueue()

	case refreshTickMsg:
		return a, tea.Batch(a.loadQueue(), a.scheduleRefresh())

	case tea.KeyMsg:
		if msg.String() == "ctrl+c" {
			return a, tea.Quit
		}
		switch a.state {
		case stateReject:
			return a.updateReject(msg)
		case stateDetail:
			return a.updateDetail(msg)
		default:
			if model, cmd, handled := a.updateQueueKeys(msg); handled {
				return model, cmd
			}
		}
	}

	var cmd tea.Cmd
	switch a.state {
	case stateQueue:
		a.records, cmd = a.records.Update(msg)
	case stateReject:
		a.reason, cmd = a.reason.Update(msg)
	}
	return a, cmd
}

func (a *App) updateQueueKeys(msg tea.KeyMsg) (tea.Model, tea.Cmd, bool) {
	switch msg.String() {
	case "q", "esc":
		return a, tea.Quit, true
	case "R":
		a.statusMsg = "Refreshing queue..."
		return a, a.loadQueue(), true
	case "a":
		rec, ok := a.selected()
		if !ok {
			return a, nil, true
		}
		a.statusMsg = fmt.Sprintf("Approving %s...", rec.ID)
		return a, a.approve(rec.ID), true
	case "r":
		rec, ok := a.selected()
		if !ok {
			return a, nil, true
		}
		a.detail = rec
		a.state = stateReject
		a.reason.SetValue("")
		a.statusMsg = fmt.Sprintf("Reason for rejecting %s (enter to confirm, esc to cancel)", rec.ID)
		return a, a.reason.Focus(), true
	case "enter":
		rec, ok := a.selected()
		if !ok {
			return a, nil, true
		}
		a.detail = rec
		a.state = stateDetail
		return a, nil, true
	}
	return a, nil, false
}

func (a *App) updateDetail(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "esc", "q", "enter":
		a.state = stateQueue
	case "a":
		a.state = stateQueue
		a.statusMsg = fmt.Sprintf("Approving %s...", a.detail.ID)
		return a, a.approve(a.detail.ID)
	case "r":
		a.state = stateReject
		a.reason.SetValue("")
		a.statusMsg = fmt.Sprintf("Reason for rejecting %s (enter to confirm, esc to cancel)", a.detail.ID)
		return a, a.reason.Focus()
	}
	return a, nil
}

func (a *App) updateReject(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "esc":
		a.reason.Blur()
		a.state = stateQueue
		a.statusMsg = "Rejection cancelled"
		return a, nil
	case "enter":
		reason := strings.TrimSpace(a.reason.Value())
		if reason == "" {
			a.statusMsg = "A reason is required to reject"
			return a, nil
		}
		a.reason.Blur()
		a.state = stateQueue
		a.statusMsg = fmt.Sprintf("Rejecting %s...", a.detail.ID)
		return a, a.reject(a.detail.ID, reason)
	}
	var cmd tea.Cmd
	a.reason, cmd = a.reason.Update(msg)
	return a, cmd
}

func (a *App) selected() (plan.Plan, bool) {
	item, ok := a.records.SelectedItem().(recordItem)
	if !ok {
		return plan.Plan{}, false
	}
	return item.record, true
}

func (a *App) approve(id string) tea.Cmd {
	by := a.operator
	return func() tea.Msg {
		rec, err := a.decider.Approve(context.Background(), id, by, "approved from review queue")
		return decisionMsg{id: id, approved: true, record: rec, err: err}
	}
}

func (a *App) reject(id, reason string) tea.Cmd {
	by := a.operator
	return func() tea.Msg {
		rec, err := a.decider.Reject(context.Background(), id, by, reason)
		return decisionMsg{id: id, record: rec, err: err}
	}
}

// View renders the current state to a string.
func (a *App) View() string {
	width := a.width
	if width <= 0 {
		width = 100
	}
	var content string
	switch a.state {
	case stateDetail:
		content = a.renderDetail(width - 8)
	case stateReject:
		content = a.renderRejectPrompt()
	default:
		content = a.records.View()
	}
	header := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#FF6B6B")).
		MarginBottom(1).
		Render("⬡ EMPLOYEE")
	body := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("#444444")).
		Padding(0, 1).
		Width(max(20, width-4)).
		Render(content)
	sections := []string{header, body}
	if logPanel := a.renderLogPanel(); logPanel != "" {
		sections = append(sections, logPanel)
	}
	hints := lipgloss.NewStyle().
		Foreground(lipgloss.Color("#AAAAAA")).
		Render(a.keyHints())
	footer := lipgloss.NewStyle().
		Foreground(lipgloss.Color("#888888")).
		MarginTop(1).
		Render(a.statusMsg)
	sections = append(sections, hints, footer)
	return strings.Join(sections, "\n")
}

func (a *App) keyHints() string {
	switch a.state {
	case stateDetail:
		return "a approve · r reject · esc back"
	case stateReject:
		return "enter confirm · esc cancel"
	default:
		return "enter details · a approve · r reject · R refresh · q quit"
	}
}

func (a *App) renderDetail(width int) string {
	head := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#5B8DEF")).
		Render(a.detail.ID)
	body := lipgloss.NewStyle().
		Width(max(20, width)).
		Render(strings.TrimSpace(plan.Render(a.detail)))
	return fmt.Sprintf("%s\n\n%s", head, body)
}

func (a *App) renderRejectPrompt() string {
	head := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#5B8DEF")).
		Render(fmt.Sprintf("Reject %s", a.detail.ID))
	risk := lipgloss.NewStyle().
		Foreground(lipgloss.Color("#AAAAAA")).
		Render(a.detail.RiskNote)
	return fmt.Sprintf("%s\n%s\n\n%s", head, risk, a.reason.View())
}

func (a *App) renderLogPanel() string {
	if a.activity == nil {
		return ""
	}
	lines, total := a.activity.Tail(6)
	if len(lines) == 0 {
		return ""
	}
	for i, line := range lines {
		if len(line) > 120 {
			lines[i] = line[:117] + "..."
		}
	}
	head := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#5B8DEF")).
		Render(fmt.Sprintf("ACTIVITY · %d entries", total))
	body := lipgloss.NewStyle().
		Foreground(lipgloss.Color("#AAAAAA")).
		Render(strings.Join(lines, "\n"))
	return lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("#444444")).
		Padding(0, 1).
		Render(fmt.Sprintf("%s\n%s", head, body))
}
