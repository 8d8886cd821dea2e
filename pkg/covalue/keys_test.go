package covalue

import (
	"context"
	"errors"
	"testing"

	arcerrors "github.com/gezibash/arc-sync/pkg/errors"
)

func TestPrivateTransactionsReadableByMembers(t *testing.T) {
	n, _ := newTestNode(t, testClock())
	g := mustGroup(t, n)
	m, _ := g.CreateMap(nil)

	writerNode, writer := newAccountHandle(t, n)
	readerNode, reader := newAccountHandle(t, n)
	if err := g.AddMember(writer.ID(), RoleWriter); err != nil {
		t.Fatalf("AddMember(writer): %v", err)
	}
	mustSet(t, coreAs(t, writerNode, m.ID()), "foo", "bar", PrivacyPrivate)

	if v, _ := getString(m, "foo"); v != "bar" {
		t.Errorf("admin reads %q", v)
	}
	if _, ok := getString(coreAs(t, readerNode, m.ID()), "foo"); ok {
		t.Error("non-member read private content")
	}
	if err := g.AddMember(reader.ID(), RoleReader); err != nil {
		t.Fatalf("AddMember(reader): %v", err)
	}
	if v, _ := getString(coreAs(t, readerNode, m.ID()), "foo"); v != "bar" {
		t.Errorf("reader reads %q", v)
	}
}

func TestRotationKeepsOldContentReadable(t *testing.T) {
	n, _ := newTestNode(t, testClock())
	g := mustGroup(t, n)
	m, _ := g.CreateMap(nil)

	mustSet(t, m, "first", "one", PrivacyPrivate)
	before, _ := g.CurrentReadKey()
	if err := g.RotateReadKey(); err != nil {
		t.Fatalf("RotateReadKey: %v", err)
	}
	after, _ := g.CurrentReadKey()
	if before.ID == after.ID {
		t.Fatal("read key did not change")
	}
	mustSet(t, m, "second", "two", PrivacyPrivate)

	// A reader added after rotation only receives the new key and walks
	// back to the old one.
	readerNode, reader := newAccountHandle(t, n)
	if err := g.AddMember(reader.ID(), RoleReader); err != nil {
		t.Fatalf("AddMember: %v", err)
	}
	rm := coreAs(t, readerNode, m.ID())
	for key, want := range map[string]string{"first": "one", "second": "two"} {
		if v, _ := getString(rm, key); v != want {
			t.Errorf("reader %s = %q, want %q", key, v, want)
		}
	}
}

func TestRotationForwardSecrecy(t *testing.T) {
	n, _ := newTestNode(t, testClock())
	g := mustGroup(t, n)
	m, _ := g.CreateMap(nil)

	keepNode, keep := newAccountHandle(t, n)
	dropNode, drop := newAccountHandle(t, n)
	for _, acct := range []*ControlledAccount{keep, drop} {
		if err := g.AddMember(acct.ID(), RoleReader); err != nil {
			t.Fatalf("AddMember: %v", err)
		}
	}
	mustSet(t, m, "foo", "bar", PrivacyPrivate)
	if err := g.RotateReadKey(); err != nil {
		t.Fatalf("RotateReadKey: %v", err)
	}
	if err := g.RemoveMember(drop.ID()); err != nil {
		t.Fatalf("RemoveMember: %v", err)
	}
	mustSet(t, m, "foo", "baz", PrivacyPrivate)
	mustSet(t, m, "later", "secret", PrivacyPrivate)

	dm := coreAs(t, dropNode, m.ID())
	if v, _ := getString(dm, "foo"); v != "bar" {
		t.Errorf("removed reader sees foo = %q, want bar", v)
	}
	if _, ok := getString(dm, "later"); ok {
		t.Error("removed reader decrypted post-removal content")
	}
	current, _ := g.CurrentReadKey()
	if _, err := dm.ReadKey(current.ID); !errors.Is(err, arcerrors.ErrKeyUnavailable) {
		t.Errorf("ReadKey(current) err = %v, want ErrKeyUnavailable", err)
	}

	km := coreAs(t, keepNode, m.ID())
	if v, _ := getString(km, "foo"); v != "baz" {
		t.Errorf("remaining reader sees foo = %q, want baz", v)
	}
}

func TestRevealTo(t *testing.T) {
	n, _ := newTestNode(t, testClock())
	g := mustGroup(t, n)
	readerNode, reader := newAccountHandle(t, n)
	if err := g.AddMember(reader.ID(), RoleReader); err != nil {
		t.Fatalf("AddMember: %v", err)
	}

	key, err := g.NewReadKey()
	if err != nil {
		t.Fatalf("NewReadKey: %v", err)
	}
	rg := groupAs(t, readerNode, g.ID())
	if _, err := rg.Core().ReadKey(key.ID); !errors.Is(err, arcerrors.ErrKeyUnavailable) {
		t.Fatalf("unrevealed key: err = %v, want ErrKeyUnavailable", err)
	}

	if err := g.RevealTo(key.ID, key.Secret, []string{reader.ID()}); err != nil {
		t.Fatalf("RevealTo: %v", err)
	}
	got, err := rg.Core().ReadKey(key.ID)
	if err != nil {
		t.Fatalf("reader ReadKey: %v", err)
	}
	if got != key.Secret {
		t.Error("reader resolved a different secret")
	}

	revelation, _ := g.Get(revelationKey(key.ID, reader.ID()))
	if revelation == string(key.Secret) {
		t.Error("revelation to a member stored the secret in plaintext")
	}
	if err := g.RevealTo(key.ID, key.Secret, []string{reader.ID()}); err != nil {
		t.Fatalf("second RevealTo: %v", err)
	}
	if again, _ := g.Get(revelationKey(key.ID, reader.ID())); again != revelation {
		t.Error("revealing twice replaced the first revelation")
	}
}

func TestParentMembersReadAndWriteChildContent(t *testing.T) {
	n, _ := newTestNode(t, testClock())
	g := mustGroup(t, n)
	parent := mustGroup(t, n)
	if err := g.Extend(parent); err != nil {
		t.Fatalf("Extend: %v", err)
	}
	writerNode, writer := newAccountHandle(t, n)
	readerNode, reader := newAccountHandle(t, n)
	if err := parent.AddMember(writer.ID(), RoleWriter); err != nil {
		t.Fatalf("AddMember: %v", err)
	}
	if err := parent.AddMember(reader.ID(), RoleReader); err != nil {
		t.Fatalf("AddMember: %v", err)
	}

	m, _ := g.CreateMap(nil)
	mustSet(t, m, "foo", "bar", PrivacyPrivate)
	if v, _ := getString(coreAs(t, readerNode, m.ID()), "foo"); v != "bar" {
		t.Errorf("parent reader sees %q", v)
	}

	mustSet(t, coreAs(t, writerNode, m.ID()), "foo", "from-parent", PrivacyPrivate)
	if v, _ := getString(m, "foo"); v != "from-parent" {
		t.Errorf("parent writer's write not visible: %q", v)
	}
}

func TestChildRotationExposedToParent(t *testing.T) {
	n, _ := newTestNode(t, testClock())
	g := mustGroup(t, n)
	parent := mustGroup(t, n)
	if err := g.Extend(parent); err != nil {
		t.Fatalf("Extend: %v", err)
	}
	if err := g.RotateReadKey(); err != nil {
		t.Fatalf("RotateReadKey: %v", err)
	}
	childKey, _ := g.CurrentReadKey()
	parentKey, _ := parent.CurrentReadKey()
	if _, ok := g.Get(revelationKey(childKey.ID, string(parentKey.ID))); !ok {
		t.Error("new child key not exposed to parent key")
	}
}

func TestParentRotationRotatesChildren(t *testing.T) {
	n, _ := newTestNode(t, testClock())
	g := mustGroup(t, n)
	parent := mustGroup(t, n)
	grandParent := mustGroup(t, n)
	if err := g.Extend(parent); err != nil {
		t.Fatalf("Extend: %v", err)
	}
	if err := parent.Extend(grandParent); err != nil {
		t.Fatalf("Extend: %v", err)
	}
	childBefore, _ := g.CurrentReadKey()
	parentBefore, _ := parent.CurrentReadKey()

	if err := grandParent.RotateReadKey(); err != nil {
		t.Fatalf("RotateReadKey: %v", err)
	}
	childAfter, _ := g.CurrentReadKey()
	parentAfter, _ := parent.CurrentReadKey()
	if childAfter.ID == childBefore.ID {
		t.Error("grandchild key not rotated")
	}
	if parentAfter.ID == parentBefore.ID {
		t.Error("child key not rotated")
	}
}

func TestAcceptInvite(t *testing.T) {
	tests := []struct {
		role Role
	}{
		{RoleWriter},
		{RoleReader},
		{RoleAdmin},
	}
	for _, tt := range tests {
		t.Run(string(tt.role), func(t *testing.T) {
			n, _ := newTestNode(t, testClock())
			g := mustGroup(t, n)
			m, _ := g.CreateMap(nil)
			mustSet(t, m, "foo", "bar", PrivacyPrivate)

			secret, err := g.CreateInvite(tt.role)
			if err != nil {
				t.Fatalf("CreateInvite: %v", err)
			}
			guestNode, guest := newAccountHandle(t, n)
			if err := AcceptInvite(context.Background(), guestNode, g.ID(), secret); err != nil {
				t.Fatalf("AcceptInvite: %v", err)
			}
			if got := g.RoleOf(guest.ID()); got != tt.role {
				t.Errorf("role = %q, want %s", got, tt.role)
			}
			if v, _ := getString(coreAs(t, guestNode, m.ID()), "foo"); v != "bar" {
				t.Errorf("guest reads %q", v)
			}
		})
	}
}

func TestAcceptWriteOnlyInvite(t *testing.T) {
	n, _ := newTestNode(t, testClock())
	g := mustGroup(t, n)
	m, _ := g.CreateMap(nil)
	mustSet(t, m, "secret", "hidden", PrivacyPrivate)

	secret, err := g.CreateInvite(RoleWriteOnly)
	if err != nil {
		t.Fatalf("CreateInvite: %v", err)
	}
	guestNode, guest := newAccountHandle(t, n)
	if err := AcceptInvite(context.Background(), guestNode, g.ID(), secret); err != nil {
		t.Fatalf("AcceptInvite: %v", err)
	}
	if got := g.RoleOf(guest.ID()); got != RoleWriteOnly {
		t.Fatalf("role = %q", got)
	}
	gm := coreAs(t, guestNode, m.ID())
	if _, ok := getString(gm, "secret"); ok {
		t.Error("writeOnly member read group content")
	}
	mustSet(t, gm, "note", "drop", PrivacyPrivate)
	if _, ok := getString(gm, "note"); !ok {
		t.Error("writeOnly member cannot read its own write")
	}
}

func TestGroupWriteOnlyMemberUsesWriteKey(t *testing.T) {
	n, _ := newTestNode(t, testClock())
	g := mustGroup(t, n)
	m, _ := g.CreateMap(nil)
	woNode, wo := newAccountHandle(t, n)
	if err := g.AddMember(wo.ID(), RoleWriteOnly); err != nil {
		t.Fatalf("AddMember: %v", err)
	}
	mustSet(t, coreAs(t, woNode, m.ID()), "report", "filed", PrivacyPrivate)
	if v, _ := getString(m, "report"); v != "filed" {
		t.Errorf("admin reads report = %q", v)
	}
}
