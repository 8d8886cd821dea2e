package tui

import (
	"reflect"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/gezibash/arc-sync/pkg/covalue"
	"github.com/gezibash/arc-sync/pkg/logging"
)

func newMap(t *testing.T) *covalue.Core {
	t.Helper()
	n, _, err := covalue.NewNodeWithNewAccount(covalue.WithLogger(logging.Discard()))
	if err != nil {
		t.Fatal(err)
	}
	g, err := n.CreateGroup(nil)
	if err != nil {
		t.Fatal(err)
	}
	m, err := g.CreateMap(nil)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func set(t *testing.T, c *covalue.Core, key string, value any) {
	t.Helper()
	if err := c.MakeTransaction([]covalue.Change{covalue.Set(key, value)}, covalue.PrivacyTrusting); err != nil {
		t.Fatalf("set %s: %v", key, err)
	}
}

func TestChangedKeys(t *testing.T) {
	tests := []struct {
		name       string
		prev, next map[string]any
		want       []string
	}{
		{"empty", nil, nil, nil},
		{"added", map[string]any{}, map[string]any{"b": 1, "a": "x"}, []string{"a", "b"}},
		{"unchanged", map[string]any{"a": "x"}, map[string]any{"a": "x"}, nil},
		{"modified", map[string]any{"a": "x", "b": 1}, map[string]any{"a": "y", "b": 1}, []string{"a"}},
		{"same rendering", map[string]any{"n": int64(2)}, map[string]any{"n": 2}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ChangedKeys(tt.prev, tt.next); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ChangedKeys = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestClip(t *testing.T) {
	tests := []struct {
		in    string
		width int
		want  string
	}{
		{"title", 5, "title"},
		{"title", 8, "title"},
		{"greeting", 5, "gree…"},
		{"", 3, ""},
	}
	for _, tt := range tests {
		if got := clip(tt.in, tt.width); got != tt.want {
			t.Errorf("clip(%q, %d) = %q, want %q", tt.in, tt.width, got, tt.want)
		}
	}
}

func TestSubscribeCoalesces(t *testing.T) {
	m := newMap(t)
	updates, unsubscribe := Subscribe(m)

	set(t, m, "a", "1")
	set(t, m, "b", "2")
	set(t, m, "c", "3")

	select {
	case <-updates:
	default:
		t.Fatal("no update after writes")
	}
	select {
	case <-updates:
		t.Fatal("burst should coalesce into one notification")
	default:
	}

	unsubscribe()
	set(t, m, "d", "4")
	select {
	case <-updates:
		t.Fatal("update after unsubscribe")
	default:
	}
}

func TestTakeSnapshot(t *testing.T) {
	m := newMap(t)
	set(t, m, "b", "2")
	set(t, m, "a", "1")

	s := TakeSnapshot(m)
	if !reflect.DeepEqual(s.Keys, []string{"a", "b"}) {
		t.Errorf("keys = %v", s.Keys)
	}
	if s.Sessions != 1 || s.Txs != 2 {
		t.Errorf("sessions = %d, txs = %d", s.Sessions, s.Txs)
	}
}

func TestWatchModelUpdate(t *testing.T) {
	m := newMap(t)
	set(t, m, "title", "first")

	up := true
	model := NewWatchModel(m, make(chan struct{}), func() bool { return up })

	next, _ := model.Update(tea.WindowSizeMsg{Width: 80, Height: 24})
	model = next.(WatchModel)
	if model.layout.Width != 80 || model.layout.Height != 24 {
		t.Errorf("layout = %dx%d", model.layout.Width, model.layout.Height)
	}

	set(t, m, "title", "second")
	set(t, m, "extra", "x")
	next, cmd := model.Update(updateMsg{})
	model = next.(WatchModel)
	if cmd == nil {
		t.Error("update should wait for the next change")
	}
	if !model.changed["title"] || !model.changed["extra"] || len(model.changed) != 2 {
		t.Errorf("changed = %v", model.changed)
	}
	view := model.View()
	if !strings.Contains(view, "second") || !strings.Contains(view, "extra") || !strings.Contains(view, "title") {
		t.Errorf("view missing content:\n%s", view)
	}

	up = false
	next, _ = model.Update(statusTickMsg{})
	model = next.(WatchModel)
	if model.layout.Connected {
		t.Error("status tick should pick up the disconnect")
	}

	next, _ = model.Update(tea.KeyMsg{Type: tea.KeyDown})
	model = next.(WatchModel)
	if model.offset != 1 {
		t.Errorf("offset after down = %d", model.offset)
	}
	next, _ = model.Update(tea.KeyMsg{Type: tea.KeyUp})
	next, _ = next.(WatchModel).Update(tea.KeyMsg{Type: tea.KeyUp})
	if off := next.(WatchModel).offset; off != 0 {
		t.Errorf("offset should clamp at 0, got %d", off)
	}

	_, cmd = model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	if cmd == nil {
		t.Fatal("q should quit")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Error("q should return tea.Quit")
	}
}

func TestWatchModelEmpty(t *testing.T) {
	m := newMap(t)
	model := NewWatchModel(m, make(chan struct{}), nil)
	if !model.layout.Connected {
		t.Error("nil connected func should read as connected")
	}
	if view := model.View(); !strings.Contains(view, "waiting for content") {
		t.Errorf("view = %q", view)
	}
}

func TestLayoutRender(t *testing.T) {
	l := Layout{AppName: "watch", Target: "co_zabc", Width: 60, Height: 12}
	w, h := l.BodySize()
	if w != 56 || h != 6 {
		t.Errorf("BodySize = %d, %d", w, h)
	}

	out := l.Render("line one\nline two", "q: quit")
	for _, want := range []string{"arcsync", "watch", "co_zabc", "line one", "line two", "q: quit"} {
		if !strings.Contains(out, want) {
			t.Errorf("render missing %q:\n%s", want, out)
		}
	}

	small := Layout{Width: 1, Height: 1}
	if w, h := small.BodySize(); w != 10 || h != 3 {
		t.Errorf("minimum BodySize = %d, %d", w, h)
	}
}
