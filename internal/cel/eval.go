// Package cel compiles CEL expressions that decide which CoValues a peer is
// offered during sync.
package cel

import (
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"

	"github.com/gezibash/arc-sync/pkg/covalue"
	"github.com/gezibash/arc-sync/pkg/protocol"
)

// Variables visible to a filter expression. The header type is exposed
// as kind since type is a CEL builtin.
var variables = []string{"kind", "ruleset", "owner", "meta", "peer"}

// Filter is a compiled CEL expression over CoValue header attributes.
type Filter struct {
	expr    string
	program cel.Program
}

// Compile parses and type-checks expr. The expression must evaluate to a
// bool, for example:
//
//	kind == "comap" && meta.kind == "image"
//	ruleset == "group" || peer.role == "storage"
func Compile(expr string) (*Filter, error) {
	opts := make([]cel.EnvOption, 0, len(variables))
	for _, name := range variables {
		opts = append(opts, cel.Variable(name, cel.DynType))
	}

	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("cel env: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("cel compile: %w", issues.Err())
	}

	prog, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("cel program: %w", err)
	}

	return &Filter{expr: expr, program: prog}, nil
}

func (f *Filter) String() string { return f.expr }

// Match evaluates the filter against attrs. Missing keys, type mismatches and
// non-bool results count as false.
func (f *Filter) Match(attrs map[string]any) bool {
	out, _, err := f.program.Eval(attrs)
	if err != nil {
		return false
	}
	if out.Type() != types.BoolType {
		return false
	}
	b, ok := out.Value().(bool)
	return ok && b
}

// SyncFilter adapts f to a protocol filter. Storage peers are always
// offered everything. A nil Filter offers everything to every peer.
func (f *Filter) SyncFilter() protocol.Filter {
	if f == nil {
		return nil
	}
	return func(peer protocol.Peer, c *covalue.Core) bool {
		if peer != nil && peer.Role() == protocol.RoleStorage {
			return true
		}
		return f.Match(Attributes(peer, c.Header()))
	}
}

// Attributes flattens a header and the receiving peer into filter variables.
func Attributes(peer protocol.Peer, h *covalue.Header) map[string]any {
	meta := make(map[string]any, len(h.Meta))
	for k, v := range h.Meta {
		meta[k] = v
	}
	attrs := map[string]any{
		"kind":    h.Type,
		"ruleset": string(h.Ruleset.Kind),
		"owner":   h.Ruleset.Owner(),
		"meta":    meta,
		"peer":    map[string]any{},
	}
	if peer != nil {
		attrs["peer"] = map[string]any{
			"id":   peer.ID(),
			"role": string(peer.Role()),
		}
	}
	return attrs
}
