package cli

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"

	"github.com/gezibash/arc-sync/pkg/covalue"
)

// CoValueView renders a CoValue's header, per-session lengths and current
// content as one result.
type CoValueView struct {
	out      *Output
	meta     Meta
	id       covalue.CoID
	header   covalue.Header
	known    covalue.KnownState
	content  map[string]any
	keys     []string
	sessions []covalue.SessionID
}

// CoValue snapshots c for rendering.
func (o *Output) CoValue(c *covalue.Core) *CoValueView {
	content := c.Content()
	known := c.KnownState()
	sessions := make([]covalue.SessionID, 0, len(known.Sessions))
	for sid := range known.Sessions {
		sessions = append(sessions, sid)
	}
	slices.Sort(sessions)
	return &CoValueView{
		out:      o,
		meta:     NewMeta("covalue"),
		id:       c.ID(),
		header:   *c.Header(),
		known:    known,
		content:  content.AsObject(),
		keys:     content.Keys(),
		sessions: sessions,
	}
}

func (v *CoValueView) Meta() Meta    { return v.meta }
func (v *CoValueView) Render() error { return v.out.Render(v) }

func (v *CoValueView) RenderText(w io.Writer) error {
	if err := v.summary().RenderText(w); err != nil {
		return err
	}
	if len(v.keys) == 0 {
		_, err := fmt.Fprintln(w, "\n(empty)")
		return err
	}
	if _, err := fmt.Fprintln(w); err != nil {
		return err
	}
	return v.contentTable().RenderText(w)
}

func (v *CoValueView) RenderJSON() any {
	sessions := make(map[string]int, len(v.known.Sessions))
	for sid, n := range v.known.Sessions {
		sessions[string(sid)] = n
	}
	return map[string]any{
		"id":       v.id,
		"type":     v.header.Type,
		"ruleset":  v.header.Ruleset.Kind,
		"owner":    v.header.Ruleset.Owner(),
		"meta":     v.header.Meta,
		"sessions": sessions,
		"content":  v.content,
	}
}

func (v *CoValueView) RenderMarkdown(w io.Writer) error {
	if _, err := fmt.Fprintf(w, "# %s\n\n", formatMarkdownValue(v.id)); err != nil {
		return err
	}
	if err := v.summary().RenderMarkdown(w); err != nil {
		return err
	}
	if len(v.keys) == 0 {
		return nil
	}
	if _, err := fmt.Fprint(w, "## Content\n\n"); err != nil {
		return err
	}
	return v.contentTable().RenderMarkdown(w)
}

func (v *CoValueView) summary() *KV {
	kv := &KV{out: v.out, meta: v.meta}
	kv.Set("ID", v.id).
		Set("Type", v.header.Type).
		Set("Ruleset", v.header.Ruleset.Kind)
	if owner := v.header.Ruleset.Owner(); owner != "" {
		kv.Set("Owner", owner)
	}
	for _, k := range slices.Sorted(maps.Keys(v.header.Meta)) {
		kv.Set("Meta "+k, v.header.Meta[k])
	}
	for _, sid := range v.sessions {
		kv.Set("Session "+shortSession(sid), fmt.Sprintf("%d tx", v.known.Sessions[sid]))
	}
	return kv
}

func (v *CoValueView) contentTable() *Table {
	t := &Table{out: v.out, meta: v.meta, headers: []string{"Key", "Value"}}
	for _, k := range v.keys {
		t.AddRow(k, FormatValue(v.content[k]))
	}
	return t
}

// FormatValue renders a content value on one line.
func FormatValue(v any) string {
	switch v := v.(type) {
	case nil:
		return "null"
	case string:
		return v
	default:
		return strings.ReplaceAll(fmt.Sprintf("%v", v), "\n", " ")
	}
}

func shortSession(sid covalue.SessionID) string {
	s := string(sid)
	if i := strings.LastIndex(s, "_session_z"); i >= 0 && len(s)-i > 18 {
		return s[i+len("_session_z"):][:8]
	}
	return s
}
