package admission

import (
	"slices"

	"github.com/npezzotti/go-dealroom/internal/types"
)

type Action string

const (
	ActionJoin       Action = "join"
	ActionReconnect  Action = "reconnect"
	ActionSwitchRole Action = "switch_role"
)

// Occupancy is the read-only view of a room the policy decides on.
// HasBuyer and HasSeller count every active session, online or not.
type Occupancy struct {
	IsFree    bool
	HasBuyer  bool
	HasSeller bool
}

type Decision struct {
	CanJoin         bool
	Action          Action
	Reason          types.Reason
	AlternativeRole types.Role
}

// RoleAvailable reports whether role can be claimed in a room with the
// given occupancy. A role is not freed by its holder going offline.
func RoleAvailable(o Occupancy, role types.Role) bool {
	switch role {
	case types.RoleBuyer:
		return o.IsFree || !o.HasBuyer
	case types.RoleSeller:
		return o.HasBuyer && !o.HasSeller
	default:
		return false
	}
}

// Decide returns what an identity holding the roles in held may do when
// asking for role.
func Decide(o Occupancy, role types.Role, held []types.Role) Decision {
	if !role.Valid() {
		return Decision{Reason: types.ReasonUnknownRole}
	}

	if slices.Contains(held, role) {
		return Decision{CanJoin: true, Action: ActionReconnect}
	}

	if RoleAvailable(o, role) {
		if len(held) > 0 {
			return Decision{CanJoin: true, Action: ActionSwitchRole}
		}
		return Decision{CanJoin: true, Action: ActionJoin}
	}

	d := Decision{Reason: types.ReasonRoleUnavailable}
	if alt := role.Other(); RoleAvailable(o, alt) {
		d.AlternativeRole = alt
	}

	return d
}

// View converts d to its API representation.
func (d Decision) View() types.Decision {
	return types.Decision{
		CanJoin:         d.CanJoin,
		Action:          string(d.Action),
		Reason:          d.Reason,
		AlternativeRole: d.AlternativeRole,
	}
}

// Err returns the rejection for a negative decision, or nil.
func (d Decision) Err() error {
	if d.CanJoin {
		return nil
	}

	return &types.Rejection{Reason: d.Reason}
}
