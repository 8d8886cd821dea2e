package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"

	arcerrors "github.com/gezibash/arc-sync/pkg/errors"
)

// Result is a one-line outcome with optional details.
type Result struct {
	out     *Output
	meta    Meta
	message string
	details map[string]any
}

func (r *Result) With(key string, value any) *Result {
	r.details[key] = value
	return r
}

func (r *Result) Meta() Meta    { return r.meta }
func (r *Result) Render() error { return r.out.Render(r) }

func (r *Result) RenderText(w io.Writer) error {
	if _, err := fmt.Fprintln(w, r.message); err != nil {
		return err
	}
	return writeDetails(w, r.details, "  %-*s  %v\n")
}

func (r *Result) RenderJSON() any {
	result := make(map[string]any, len(r.details)+1)
	result["message"] = r.message
	for k, v := range r.details {
		result[toJSONKey(k)] = v
	}
	return result
}

func (r *Result) RenderMarkdown(w io.Writer) error {
	if _, err := fmt.Fprintf(w, "**%s**\n\n", r.message); err != nil {
		return err
	}
	for _, k := range slices.Sorted(maps.Keys(r.details)) {
		if _, err := fmt.Fprintf(w, "- **%s:** %s\n", k, formatMarkdownValue(r.details[k])); err != nil {
			return err
		}
	}
	return nil
}

// Error is a failed command rendered in the configured format. The code
// defaults to the error's category.
type Error struct {
	out     *Output
	meta    Meta
	err     error
	code    string
	details map[string]any
}

func (e *Error) WithCode(code string) *Error {
	e.code = code
	return e
}

func (e *Error) With(key string, value any) *Error {
	e.details[key] = value
	return e
}

func (e *Error) Meta() Meta    { return e.meta }
func (e *Error) Render() error { return e.out.Render(e) }

func (e *Error) Code() string {
	if e.code != "" {
		return e.code
	}
	return ErrorCode(e.err)
}

func (e *Error) RenderText(w io.Writer) error {
	if _, err := fmt.Fprintf(w, "Error [%s]: %v\n", e.Code(), e.err); err != nil {
		return err
	}
	return writeDetails(w, e.details, "  %-*s  %v\n")
}

func (e *Error) RenderJSON() any {
	result := map[string]any{
		"error": e.err.Error(),
		"code":  e.Code(),
	}
	for k, v := range e.details {
		result[toJSONKey(k)] = v
	}
	return result
}

func (e *Error) RenderMarkdown(w io.Writer) error {
	if _, err := fmt.Fprintf(w, "> **Error [%s]:** %v\n", e.Code(), e.err); err != nil {
		return err
	}
	if len(e.details) == 0 {
		return nil
	}
	if _, err := fmt.Fprintln(w); err != nil {
		return err
	}
	for _, k := range slices.Sorted(maps.Keys(e.details)) {
		if _, err := fmt.Fprintf(w, "- %s: %v\n", k, e.details[k]); err != nil {
			return err
		}
	}
	return nil
}

// ErrorCode names the category of err for scripts reading JSON output.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, arcerrors.ErrNotFound):
		return "not_found"
	case errors.Is(err, arcerrors.ErrAlreadyExists):
		return "already_exists"
	case errors.Is(err, arcerrors.ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, arcerrors.ErrPermission):
		return "permission_denied"
	case errors.Is(err, arcerrors.ErrKeyUnavailable):
		return "key_unavailable"
	case errors.Is(err, arcerrors.ErrUnavailable), errors.Is(err, arcerrors.ErrNotConnected):
		return "unavailable"
	case errors.Is(err, arcerrors.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "error"
	}
}

func writeDetails(w io.Writer, details map[string]any, format string) error {
	width := 0
	for k := range details {
		width = max(width, len(k)+1)
	}
	for _, k := range slices.Sorted(maps.Keys(details)) {
		if _, err := fmt.Fprintf(w, format, width, k+":", details[k]); err != nil {
			return err
		}
	}
	return nil
}
