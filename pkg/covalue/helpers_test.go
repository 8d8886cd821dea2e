package covalue

import (
	"maps"
	"slices"
	"testing"
	"time"

	"github.com/gezibash/arc-sync/pkg/logging"
)

func testClock() *FakeClock {
	c := NewFakeClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	c.AutoAdvance(time.Millisecond)
	return c
}

func newTestNode(t *testing.T, clock Clock) (*Node, *ControlledAccount) {
	t.Helper()
	n, acct, err := NewNodeWithNewAccount(WithClock(clock), WithLogger(logging.Discard()))
	if err != nil {
		t.Fatalf("NewNodeWithNewAccount: %v", err)
	}
	return n, acct
}

// newAccountHandle creates another account in n's registry and returns
// a handle acting as it.
func newAccountHandle(t *testing.T, n *Node) (*Node, *ControlledAccount) {
	t.Helper()
	acct, err := n.CreateAccount(nil)
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	h, err := n.As(acct)
	if err != nil {
		t.Fatalf("As: %v", err)
	}
	return h, acct
}

func mustGroup(t *testing.T, n *Node) *Group {
	t.Helper()
	g, err := n.CreateGroup(nil)
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	return g
}

func groupAs(t *testing.T, n *Node, id CoID) *Group {
	t.Helper()
	g, err := n.Group(id)
	if err != nil {
		t.Fatalf("Group(%s): %v", id, err)
	}
	return g
}

func coreAs(t *testing.T, n *Node, id CoID) *Core {
	t.Helper()
	c, err := n.Expect(id)
	if err != nil {
		t.Fatalf("Expect(%s): %v", id, err)
	}
	return c
}

func mustSet(t *testing.T, c *Core, key string, value any, privacy Privacy) {
	t.Helper()
	if err := c.MakeTransaction([]Change{Set(key, value)}, privacy); err != nil {
		t.Fatalf("MakeTransaction(%s=%v): %v", key, value, err)
	}
}

func getString(c *Core, key string) (string, bool) {
	return c.Content().GetString(key)
}

// copyAll replays every CoValue held by from into to, agent-owned
// sessions first so account signers resolve.
func copyAll(t *testing.T, from, to *Node) {
	t.Helper()
	copySessions(t, from, to, false)
}

// copySessions is copyAll with a choice of session order within each
// CoValue.
func copySessions(t *testing.T, from, to *Node, reverse bool) {
	t.Helper()
	for _, id := range from.IDs() {
		c, _ := from.Get(id)
		if _, err := to.AddCoValue(id, c.Header()); err != nil {
			t.Fatalf("AddCoValue(%s): %v", id, err)
		}
	}
	for _, agentFirst := range []bool{true, false} {
		for _, id := range from.IDs() {
			src, _ := from.Get(id)
			dst, _ := to.Get(id)
			for _, piece := range src.NewContentSince(ptr(dst.KnownState())) {
				sids := slices.Sorted(maps.Keys(piece.New))
				if reverse {
					slices.Reverse(sids)
				}
				for _, sid := range sids {
					content := piece.New[sid]
					owner, _ := sid.Owner()
					if IsCoID(owner) == agentFirst {
						continue
					}
					if _, err := dst.TryAddTransactions(sid, content.NewTransactions, content.After, content.LastSignature); err != nil {
						t.Fatalf("TryAddTransactions(%s): %v", sid, err)
					}
				}
			}
		}
	}
}

func ptr[T any](v T) *T { return &v }
