package covalue

import (
	"cmp"
	"slices"
)

// MapOp is one accepted write to a key.
type MapOp struct {
	TxID      TransactionID
	ChangeIdx int
	MadeAt    int64
	Author    string
	Value     any
}

// MapContent is the materialized last-writer-wins view of a CoValue.
// It keeps the full per-key history so values can be read as of a time.
type MapContent struct {
	id  CoID
	ops map[string][]MapOp
}

func newMapContent(id CoID) *MapContent {
	return &MapContent{id: id, ops: map[string][]MapOp{}}
}

// compareOps orders writes by (madeAt, sessionID, txIndex, changeIndex).
func compareOps(a, b MapOp) int {
	if c := cmp.Compare(a.MadeAt, b.MadeAt); c != 0 {
		return c
	}
	if c := cmp.Compare(a.TxID.SessionID, b.TxID.SessionID); c != 0 {
		return c
	}
	if c := cmp.Compare(a.TxID.TxIndex, b.TxID.TxIndex); c != 0 {
		return c
	}
	return cmp.Compare(a.ChangeIdx, b.ChangeIdx)
}

// apply records op. Callers apply in ascending order; out of order ops
// are inserted at their sorted position.
func (m *MapContent) apply(key string, op MapOp) {
	hist := m.ops[key]
	if n := len(hist); n == 0 || compareOps(hist[n-1], op) <= 0 {
		m.ops[key] = append(hist, op)
		return
	}
	i, _ := slices.BinarySearchFunc(hist, op, compareOps)
	m.ops[key] = slices.Insert(hist, i, op)
}

// ID returns the CoValue this content belongs to.
func (m *MapContent) ID() CoID { return m.id }

// Get returns the current value of key.
func (m *MapContent) Get(key string) (any, bool) {
	op, ok := m.LastOp(key)
	if !ok {
		return nil, false
	}
	return op.Value, true
}

// GetString returns the current value of key when it is a string.
func (m *MapContent) GetString(key string) (string, bool) {
	v, ok := m.Get(key)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Has reports whether key was ever written.
func (m *MapContent) Has(key string) bool {
	return len(m.ops[key]) > 0
}

// LastOp returns the winning write for key.
func (m *MapContent) LastOp(key string) (MapOp, bool) {
	hist := m.ops[key]
	if len(hist) == 0 {
		return MapOp{}, false
	}
	return hist[len(hist)-1], true
}

// GetAtTime returns the value of key as of t (inclusive).
func (m *MapContent) GetAtTime(key string, t int64) (any, bool) {
	hist := m.ops[key]
	for i := len(hist) - 1; i >= 0; i-- {
		if hist[i].MadeAt <= t {
			return hist[i].Value, true
		}
	}
	return nil, false
}

// Keys returns all written keys in sorted order.
func (m *MapContent) Keys() []string {
	keys := make([]string, 0, len(m.ops))
	for k := range m.ops {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// History returns every accepted write to key in order.
func (m *MapContent) History(key string) []MapOp {
	return slices.Clone(m.ops[key])
}

// AsObject returns the current key/value view.
func (m *MapContent) AsObject() map[string]any {
	out := make(map[string]any, len(m.ops))
	for k, hist := range m.ops {
		out[k] = hist[len(hist)-1].Value
	}
	return out
}
