// Package tui renders live terminal views of CoValues.
package tui

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/reflow/truncate"

	"github.com/gezibash/arc-sync/internal/cli"
	"github.com/gezibash/arc-sync/pkg/covalue"
)

// statusInterval is how often the connection status is polled.
const statusInterval = time.Second

// Snapshot is the state of a CoValue at one point in time.
type Snapshot struct {
	Content  map[string]any
	Keys     []string
	Sessions int
	Txs      int
	At       time.Time
}

// TakeSnapshot captures c's current content and session lengths.
func TakeSnapshot(c *covalue.Core) Snapshot {
	content := c.Content()
	known := c.KnownState()
	txs := 0
	for _, n := range known.Sessions {
		txs += n
	}
	return Snapshot{
		Content:  content.AsObject(),
		Keys:     content.Keys(),
		Sessions: len(known.Sessions),
		Txs:      txs,
		At:       time.Now(),
	}
}

// ChangedKeys returns the keys whose rendered value differs between prev
// and next, including keys only present in next, sorted.
func ChangedKeys(prev, next map[string]any) []string {
	var changed []string
	for k, v := range next {
		old, ok := prev[k]
		if !ok || cli.FormatValue(old) != cli.FormatValue(v) {
			changed = append(changed, k)
		}
	}
	slices.Sort(changed)
	return changed
}

// Subscribe forwards c's updates to a channel. Bursts coalesce into a
// single pending notification. The returned function unsubscribes.
func Subscribe(c *covalue.Core) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	stop := c.Subscribe(func(*covalue.Core) {
		select {
		case ch <- struct{}{}:
		default:
		}
	})
	return ch, stop
}

type updateMsg struct{}

type statusTickMsg struct{}

// WatchModel is a live view of one CoValue.
type WatchModel struct {
	core      *covalue.Core
	updates   <-chan struct{}
	connected func() bool

	layout  *Layout
	spinner spinner.Model
	snap    Snapshot
	changed map[string]bool
	offset  int
}

// NewWatchModel watches c. updates signals that c changed; connected
// reports whether the server connection is still up and may be nil.
func NewWatchModel(c *covalue.Core, updates <-chan struct{}, connected func() bool) WatchModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(AccentColor)

	return WatchModel{
		core:      c,
		updates:   updates,
		connected: connected,
		layout: &Layout{
			AppName:   "watch",
			Target:    shortID(c.ID()),
			Connected: connected == nil || connected(),
		},
		spinner: s,
		snap:    TakeSnapshot(c),
		changed: map[string]bool{},
	}
}

func (m WatchModel) waitForUpdate() tea.Cmd {
	ch := m.updates
	return func() tea.Msg {
		if _, ok := <-ch; !ok {
			return nil
		}
		return updateMsg{}
	}
}

func scheduleStatus() tea.Cmd {
	return tea.Tick(statusInterval, func(time.Time) tea.Msg { return statusTickMsg{} })
}

func (m WatchModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.waitForUpdate(), scheduleStatus())
}

func (m WatchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			return m, tea.Quit
		case "up", "k":
			m.offset = max(m.offset-1, 0)
		case "down", "j":
			m.offset = min(m.offset+1, max(len(m.snap.Keys)-1, 0))
		}
		return m, nil
	case tea.WindowSizeMsg:
		m.layout.Width = msg.Width
		m.layout.Height = msg.Height
		return m, nil
	case updateMsg:
		next := TakeSnapshot(m.core)
		m.changed = map[string]bool{}
		for _, k := range ChangedKeys(m.snap.Content, next.Content) {
			m.changed[k] = true
		}
		m.snap = next
		return m, m.waitForUpdate()
	case statusTickMsg:
		if m.connected != nil {
			m.layout.Connected = m.connected()
		}
		return m, scheduleStatus()
	case spinner.TickMsg:
		m.layout.Frame++
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m WatchModel) View() string {
	return m.layout.Render(m.body(), "↑/↓: scroll · q: quit")
}

func (m WatchModel) body() string {
	width, height := m.layout.BodySize()
	h := m.core.Header()

	var b strings.Builder
	b.WriteString(DimStyle.Render(fmt.Sprintf("%s · %s · %d sessions · %d tx · updated %s",
		h.Type, h.Ruleset.Kind, m.snap.Sessions, m.snap.Txs, m.snap.At.Format("15:04:05"))))
	b.WriteString("\n\n")

	if len(m.snap.Keys) == 0 {
		b.WriteString(m.spinner.View() + " waiting for content")
		return b.String()
	}

	keyWidth := 0
	for _, k := range m.snap.Keys {
		keyWidth = max(keyWidth, lipgloss.Width(k))
	}
	keyWidth = min(keyWidth, width/3)
	valueWidth := max(width-keyWidth-2, 4)

	rows := m.snap.Keys[min(m.offset, len(m.snap.Keys)):]
	if visible := height - 2; len(rows) > visible {
		rows = rows[:max(visible, 1)]
	}
	for _, k := range rows {
		key := clip(k, keyWidth)
		key += strings.Repeat(" ", keyWidth-lipgloss.Width(key))
		value := clip(cli.FormatValue(m.snap.Content[k]), valueWidth)
		if m.changed[k] {
			b.WriteString(ChangedStyle.Render(key) + "  " + ChangedStyle.Render(value) + "\n")
			continue
		}
		b.WriteString(KeyStyle.Render(key) + "  " + value + "\n")
	}
	return strings.TrimSuffix(b.String(), "\n")
}

// Run shows the model full screen until the user quits.
func Run(m WatchModel) error {
	_, err := tea.NewProgram(m, tea.WithAltScreen()).Run()
	return err
}

func shortID(id covalue.CoID) string {
	s := string(id)
	if len(s) > 12 {
		return s[:12] + "…"
	}
	return s
}

// clip shortens s to width cells, marking the cut with an ellipsis.
func clip(s string, width int) string {
	if lipgloss.Width(s) <= width {
		return s
	}
	return truncate.StringWithTail(s, uint(width), "…")
}
