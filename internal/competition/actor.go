package competition

import "strings"

// Role is a verified role claim supplied by the authorization layer.
type Role string

const (
	RoleAdmin   Role = "admin"
	RoleJudge   Role = "judge"
	RoleStudent Role = "student"
)

// Actor is the capability handed to the pipeline for one request. The pipeline
// trusts the role claims; verifying them is the caller's responsibility.
type Actor struct {
	ID    string
	Roles []Role
}

// NewActor builds an Actor from raw role claims, ignoring unknown roles.
func NewActor(id string, rawRoles []string) Actor {
	roles := make([]Role, 0, len(rawRoles))
	for _, raw := range rawRoles {
		switch role := Role(strings.ToLower(strings.TrimSpace(raw))); role {
		case RoleAdmin, RoleJudge, RoleStudent:
			roles = append(roles, role)
		}
	}
	return Actor{ID: strings.TrimSpace(id), Roles: roles}
}

// Has reports whether the actor carries the role.
func (a Actor) Has(role Role) bool {
	if a.ID == "" {
		return false
	}
	for _, held := range a.Roles {
		if held == role {
			return true
		}
	}
	return false
}

// HasAny reports whether the actor carries at least one of the roles.
func (a Actor) HasAny(roles ...Role) bool {
	for _, role := range roles {
		if a.Has(role) {
			return true
		}
	}
	return false
}

// Authenticated reports whether the actor has an identity.
func (a Actor) Authenticated() bool {
	return a.ID != ""
}
