// Package cli renders command results as text, JSON or markdown and wires
// the client side of the arcsync commands: keyring account, local node and
// the connection to the sync server.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Format is an output format.
type Format string

const (
	FormatText     Format = "text"
	FormatJSON     Format = "json"
	FormatMarkdown Format = "markdown"
)

// ParseFormat parses a format name, defaulting to text.
func ParseFormat(s string) Format {
	switch s {
	case "json":
		return FormatJSON
	case "markdown", "md":
		return FormatMarkdown
	default:
		return FormatText
	}
}

// Meta heads every JSON envelope and markdown frontmatter.
type Meta struct {
	Type      string    `json:"type" yaml:"type"`
	Version   string    `json:"version,omitempty" yaml:"version,omitempty"`
	Generated time.Time `json:"generated" yaml:"generated"`
	Account   string    `json:"account,omitempty" yaml:"account,omitempty"`
	Server    string    `json:"server,omitempty" yaml:"server,omitempty"`
}

// NewMeta returns metadata stamped with the current time.
func NewMeta(resultType string) Meta {
	return Meta{
		Type:      resultType,
		Version:   "v1",
		Generated: time.Now().UTC(),
	}
}

// Renderable can render itself in every Format.
type Renderable interface {
	Meta() Meta
	RenderText(w io.Writer) error
	RenderJSON() any
	RenderMarkdown(w io.Writer) error
}

// Output renders results in one format. Context set with WithAccount and
// WithServer is copied into the metadata of everything it renders.
type Output struct {
	format  Format
	w       io.Writer
	account string
	server  string
}

func NewOutput(format Format, w io.Writer) *Output {
	return &Output{format: format, w: w}
}

// ViperGetter is the subset of viper.Viper needed here.
type ViperGetter interface {
	GetString(key string) string
}

// NewOutputFromViper reads the "output" key and writes to stdout.
func NewOutputFromViper(v ViperGetter) *Output {
	return NewOutput(ParseFormat(v.GetString("output")), os.Stdout)
}

func (o *Output) Format() Format    { return o.format }
func (o *Output) Writer() io.Writer { return o.w }

// WithAccount records the acting account in rendered metadata.
func (o *Output) WithAccount(id string) *Output {
	o.account = id
	return o
}

// WithServer records the sync server in rendered metadata.
func (o *Output) WithServer(addr string) *Output {
	o.server = addr
	return o
}

func (o *Output) Table(resultType string, headers ...string) *Table {
	return &Table{out: o, meta: NewMeta(resultType), headers: headers}
}

func (o *Output) KV(resultType string) *KV {
	return &KV{out: o, meta: NewMeta(resultType)}
}

func (o *Output) Result(resultType, message string) *Result {
	return &Result{out: o, meta: NewMeta(resultType), message: message, details: make(map[string]any)}
}

func (o *Output) Error(resultType string, err error) *Error {
	return &Error{out: o, meta: NewMeta(resultType + "-error"), err: err, details: make(map[string]any)}
}

// Render writes r in the configured format.
func (o *Output) Render(r Renderable) error {
	switch o.format {
	case FormatJSON:
		return o.renderJSON(r)
	case FormatMarkdown:
		return o.renderMarkdown(r)
	default:
		return r.RenderText(o.w)
	}
}

func (o *Output) meta(r Renderable) Meta {
	m := r.Meta()
	if m.Account == "" {
		m.Account = o.account
	}
	if m.Server == "" {
		m.Server = o.server
	}
	return m
}

func (o *Output) renderJSON(r Renderable) error {
	envelope := struct {
		Meta Meta `json:"meta"`
		Data any  `json:"data"`
	}{
		Meta: o.meta(r),
		Data: r.RenderJSON(),
	}

	enc := json.NewEncoder(o.w)
	enc.SetIndent("", "  ")
	return enc.Encode(envelope)
}

func (o *Output) renderMarkdown(r Renderable) error {
	if _, err := fmt.Fprintln(o.w, "---"); err != nil {
		return err
	}

	enc := yaml.NewEncoder(o.w)
	enc.SetIndent(2)
	if err := enc.Encode(o.meta(r)); err != nil {
		return err
	}
	if err := enc.Close(); err != nil {
		return err
	}

	if _, err := fmt.Fprint(o.w, "---\n\n"); err != nil {
		return err
	}
	return r.RenderMarkdown(o.w)
}
