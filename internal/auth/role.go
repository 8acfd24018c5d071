// Package auth models the authenticated caller. Identity-provider claims
// are resolved into a single Role once, at the HTTP boundary, and services
// only ever see an Identity.
package auth

import "strings"

// Role is the caller's effective capability level.
type Role string

const (
	RoleInvestor Role = "investor"
	RoleBroker   Role = "broker"
	RoleAdmin    Role = "admin"
)

// rank orders roles by privilege.
var rank = map[Role]int{
	RoleInvestor: 1,
	RoleBroker:   2,
	RoleAdmin:    3,
}

// ParseRole parses a single role name, case-insensitively.
func ParseRole(s string) (Role, bool) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	_, ok := rank[r]
	return r, ok
}

// ResolveRole picks the most privileged known role from a set of claims.
// Unknown claim values are ignored. ok is false when nothing matched.
func ResolveRole(claims ...string) (Role, bool) {
	var best Role
	for _, c := range claims {
		r, ok := ParseRole(c)
		if ok && rank[r] > rank[best] {
			best = r
		}
	}
	return best, best != ""
}

// Identity is an authenticated caller.
type Identity struct {
	ID   string
	Role Role
}

// IsAdmin reports whether the caller is an administrator.
func (i Identity) IsAdmin() bool { return i.Role == RoleAdmin }

// HasRole reports whether the caller holds one of the given roles.
func (i Identity) HasRole(roles ...Role) bool {
	for _, r := range roles {
		if i.Role == r {
			return true
		}
	}
	return false
}

// System is the identity used for actions taken by background workers.
var System = Identity{ID: "system", Role: RoleAdmin}
