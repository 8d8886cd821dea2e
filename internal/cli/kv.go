package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/gezibash/arc-sync/pkg/covalue"
	"github.com/gezibash/arc-sync/pkg/identity"
)

// KV renders ordered key/value pairs.
type KV struct {
	out   *Output
	meta  Meta
	pairs []kvPair
}

type kvPair struct {
	key   string
	value any
}

func (k *KV) Set(key string, value any) *KV {
	k.pairs = append(k.pairs, kvPair{key: key, value: value})
	return k
}

func (k *KV) Meta() Meta    { return k.meta }
func (k *KV) Render() error { return k.out.Render(k) }

// RenderText writes aligned "key: value" lines.
func (k *KV) RenderText(w io.Writer) error {
	width := 0
	for _, p := range k.pairs {
		width = max(width, len(p.key)+1)
	}
	for _, p := range k.pairs {
		label := keyStyle.Render(fmt.Sprintf("%-*s", width, p.key+":"))
		if _, err := fmt.Fprintf(w, "%s  %v\n", label, p.value); err != nil {
			return err
		}
	}
	return nil
}

func (k *KV) RenderJSON() any {
	result := make(map[string]any, len(k.pairs))
	for _, p := range k.pairs {
		result[toJSONKey(p.key)] = p.value
	}
	return result
}

func (k *KV) RenderMarkdown(w io.Writer) error {
	for _, p := range k.pairs {
		if _, err := fmt.Fprintf(w, "**%s:** %s\n\n", p.key, formatMarkdownValue(p.value)); err != nil {
			return err
		}
	}
	return nil
}

// formatMarkdownValue code-quotes identifiers and escapes table pipes.
func formatMarkdownValue(v any) string {
	s := fmt.Sprintf("%v", v)
	if looksLikeID(s) {
		return "`" + s + "`"
	}
	return strings.ReplaceAll(s, "|", "\\|")
}

// looksLikeID reports whether s is a CoValue, session or agent ID.
func looksLikeID(s string) bool {
	if covalue.IsCoID(s) || identity.IsAgentID(s) {
		return true
	}
	owner, _, ok := strings.Cut(s, "_session_z")
	return ok && (covalue.IsCoID(owner) || identity.IsAgentID(owner))
}
