package covalue

// Role is a member's capability within a group.
type Role string

const (
	RoleAdmin           Role = "admin"
	RoleWriter          Role = "writer"
	RoleReader          Role = "reader"
	RoleWriteOnly       Role = "writeOnly"
	RoleRevoked         Role = "revoked"
	RoleAdminInvite     Role = "adminInvite"
	RoleWriterInvite    Role = "writerInvite"
	RoleReaderInvite    Role = "readerInvite"
	RoleWriteOnlyInvite Role = "writeOnlyInvite"
)

// EveryoneKey is the pseudo-member granting a role floor to all.
const EveryoneKey = "everyone"

// ParseRole converts a materialized map value into a Role.
func ParseRole(v any) (Role, bool) {
	s, ok := v.(string)
	if !ok {
		return "", false
	}
	r := Role(s)
	return r, r.Valid()
}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleWriter, RoleReader, RoleWriteOnly, RoleRevoked,
		RoleAdminInvite, RoleWriterInvite, RoleReaderInvite, RoleWriteOnlyInvite:
		return true
	}
	return false
}

// IsInvite reports whether r is a one-time invite role.
func (r Role) IsInvite() bool {
	switch r {
	case RoleAdminInvite, RoleWriterInvite, RoleReaderInvite, RoleWriteOnlyInvite:
		return true
	}
	return false
}

// CanWrite reports whether transactions authored under r are accepted
// in CoValues owned by the group.
func (r Role) CanWrite() bool {
	return r == RoleAdmin || r == RoleWriter || r == RoleWriteOnly
}

// CanRead reports whether r is revealed the group's read key.
func (r Role) CanRead() bool {
	switch r {
	case RoleAdmin, RoleWriter, RoleReader, RoleAdminInvite, RoleWriterInvite, RoleReaderInvite:
		return true
	}
	return false
}

// InviteFor returns the invite role that grants r.
func InviteFor(r Role) (Role, bool) {
	switch r {
	case RoleAdmin:
		return RoleAdminInvite, true
	case RoleWriter:
		return RoleWriterInvite, true
	case RoleReader:
		return RoleReaderInvite, true
	case RoleWriteOnly:
		return RoleWriteOnlyInvite, true
	}
	return "", false
}

// inviteGrants reports whether an invite holder may assign target.
func inviteGrants(invite, target Role) bool {
	switch invite {
	case RoleAdminInvite:
		return target == RoleAdmin
	case RoleWriterInvite:
		return target == RoleWriter || target == RoleReader
	case RoleReaderInvite:
		return target == RoleReader
	case RoleWriteOnlyInvite:
		return target == RoleWriteOnly
	}
	return false
}

// privilege ranks ordinary roles for inheritance and the everyone floor.
// Invites and revoked rank zero.
func privilege(r Role) int {
	switch r {
	case RoleAdmin:
		return 4
	case RoleWriter:
		return 3
	case RoleWriteOnly:
		return 2
	case RoleReader:
		return 1
	}
	return 0
}
