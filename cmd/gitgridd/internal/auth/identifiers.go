package auth

import (
	"slices"
	"strings"
)

// Prefix constants for Casbin identifiers
const (
	PrefixUser = "user:"
	PrefixTeam = "team:"
	PrefixRole = "role:"
)

// Built-in roles as stored on principals and teams.
const (
	RoleAdmin  = "#admin"
	RoleCreate = "#create"
	RoleFork   = "#fork"
	// RoleNone explicitly clears every capability
	RoleNone = "#none"
)

// UserID creates a Casbin user identifier
// Example: UserID("Alice") → "user:alice"
func UserID(username string) string {
	return PrefixUser + strings.ToLower(username)
}

// TeamID creates a Casbin team identifier
// Example: TeamID("devs") → "team:devs"
func TeamID(name string) string {
	return PrefixTeam + strings.ToLower(name)
}

// RoleID creates a Casbin role identifier from a stored role
// Example: RoleID("#admin") → "role:admin"
func RoleID(role string) string {
	return PrefixRole + strings.TrimPrefix(strings.ToLower(strings.TrimSpace(role)), "#")
}

// NormalizeRole returns the stored form of a role, adding the leading '#'.
func NormalizeRole(role string) string {
	role = strings.ToLower(strings.TrimSpace(role))
	if role == "" || strings.HasPrefix(role, "#") {
		return role
	}
	return "#" + role
}

// IsNoneRole reports whether role is the explicit no-capability marker.
func IsNoneRole(role string) bool {
	return NormalizeRole(role) == RoleNone
}

// HasRole reports whether roles contains role, ignoring case.
func HasRole(roles []string, role string) bool {
	role = NormalizeRole(role)
	return slices.ContainsFunc(roles, func(r string) bool { return NormalizeRole(r) == role })
}
