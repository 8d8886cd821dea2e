package covalue

import "maps"

// KnownState summarizes how much of a CoValue a party holds.
type KnownState struct {
	ID       CoID              `cbor:"id"`
	Header   bool              `cbor:"header"`
	Sessions map[SessionID]int `cbor:"sessions"`
}

// EmptyKnownState is the known state of a CoValue that is not held at all.
func EmptyKnownState(id CoID) KnownState {
	return KnownState{ID: id, Sessions: map[SessionID]int{}}
}

// Clone returns a deep copy.
func (k KnownState) Clone() KnownState {
	out := KnownState{ID: k.ID, Header: k.Header, Sessions: make(map[SessionID]int, len(k.Sessions))}
	maps.Copy(out.Sessions, k.Sessions)
	return out
}

// Combine merges other into k, keeping the longer length per session.
func (k *KnownState) Combine(other KnownState) {
	if k.Sessions == nil {
		k.Sessions = map[SessionID]int{}
	}
	k.Header = k.Header || other.Header
	for sid, n := range other.Sessions {
		if n > k.Sessions[sid] {
			k.Sessions[sid] = n
		}
	}
}

// Covers reports whether k holds at least everything in other.
func (k KnownState) Covers(other KnownState) bool {
	if other.Header && !k.Header {
		return false
	}
	for sid, n := range other.Sessions {
		if k.Sessions[sid] < n {
			return false
		}
	}
	return true
}
