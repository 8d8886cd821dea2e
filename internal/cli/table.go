package cli

import (
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	keyStyle    = lipgloss.NewStyle().Bold(true)
)

// Table renders rows under fixed headers.
type Table struct {
	out     *Output
	meta    Meta
	headers []string
	rows    [][]string
}

// AddRow appends a row. Missing trailing cells render empty.
func (t *Table) AddRow(values ...string) *Table {
	t.rows = append(t.rows, values)
	return t
}

func (t *Table) Len() int      { return len(t.rows) }
func (t *Table) Meta() Meta    { return t.meta }
func (t *Table) Render() error { return t.out.Render(t) }

func (t *Table) RenderText(w io.Writer) error {
	tbl := table.New().
		Border(lipgloss.NormalBorder()).
		Headers(t.headers...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
	for _, row := range t.rows {
		tbl.Row(t.pad(row)...)
	}
	_, err := io.WriteString(w, tbl.String()+"\n")
	return err
}

// RenderJSON returns one object per row keyed by header.
func (t *Table) RenderJSON() any {
	result := make([]map[string]string, 0, len(t.rows))
	for _, row := range t.rows {
		obj := make(map[string]string, len(t.headers))
		for i, h := range t.headers {
			if i < len(row) {
				obj[toJSONKey(h)] = row[i]
			}
		}
		result = append(result, obj)
	}
	return result
}

func (t *Table) RenderMarkdown(w io.Writer) error {
	var b strings.Builder
	writeMarkdownRow(&b, t.headers)
	sep := make([]string, len(t.headers))
	for i := range sep {
		sep[i] = "---"
	}
	writeMarkdownRow(&b, sep)
	for _, row := range t.rows {
		cells := t.pad(row)
		for i, c := range cells {
			cells[i] = formatMarkdownValue(c)
		}
		writeMarkdownRow(&b, cells)
	}
	_, err := io.WriteString(w, b.String())
	return err
}

func (t *Table) pad(row []string) []string {
	out := make([]string, len(t.headers))
	copy(out, row)
	return out
}

func writeMarkdownRow(b *strings.Builder, cells []string) {
	b.WriteString("| ")
	b.WriteString(strings.Join(cells, " | "))
	b.WriteString(" |\n")
}

// toJSONKey lowercases a header and replaces spaces with underscores.
func toJSONKey(s string) string {
	return strings.ToLower(strings.ReplaceAll(s, " ", "_"))
}
