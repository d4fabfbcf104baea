package types

import "strings"

// Role is one of the two claimable occupancy slots in a room.
type Role string

const (
	RoleBuyer  Role = "buyer"
	RoleSeller Role = "seller"
)

// Roles lists every role a token or session may carry.
var Roles = []Role{RoleBuyer, RoleSeller}

// ParseRole maps s onto a known role. Matching is case-insensitive so that
// links typed by hand still resolve.
func ParseRole(s string) (Role, bool) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	if !r.Valid() {
		return "", false
	}

	return r, true
}

func (r Role) Valid() bool {
	return r == RoleBuyer || r == RoleSeller
}

// Other returns the opposite role. It returns the empty role for invalid input.
func (r Role) Other() Role {
	switch r {
	case RoleBuyer:
		return RoleSeller
	case RoleSeller:
		return RoleBuyer
	default:
		return ""
	}
}

func (r Role) String() string {
	return string(r)
}
