package access

import (
	"fmt"
	"strings"
)

// Permission is an ordered repository access level.
type Permission int

const (
	PermissionNone Permission = iota
	// PermissionExclude is only meaningful on regex grants: a matching
	// exclusion ends resolution with no access.
	PermissionExclude
	PermissionView
	PermissionClone
	PermissionPush
	PermissionCreate
	PermissionDelete
	// PermissionFull allows everything including history rewrites.
	PermissionFull
)

var permissionCodes = [...]string{"N", "X", "V", "R", "RW", "RWC", "RWD", "RW+"}
var permissionNames = [...]string{"NONE", "EXCLUDE", "VIEW", "CLONE", "PUSH", "CREATE", "DELETE", "FULL"}

// Code returns the compact stored form (e.g. "RW+").
func (p Permission) Code() string {
	if p < PermissionNone || p > PermissionFull {
		return permissionCodes[PermissionNone]
	}
	return permissionCodes[p]
}

func (p Permission) String() string {
	if p < PermissionNone || p > PermissionFull {
		return fmt.Sprintf("Permission(%d)", int(p))
	}
	return permissionNames[p]
}

// AtLeast reports whether p grants everything o grants.
func (p Permission) AtLeast(o Permission) bool { return p >= o }

// Exceeds reports whether p is strictly stronger than o.
func (p Permission) Exceeds(o Permission) bool { return p > o }

// ParsePermission accepts either the stored code ("RW+") or the name ("FULL"),
// case-insensitively.
func ParsePermission(s string) (Permission, error) {
	s = strings.TrimSpace(s)
	for i, code := range permissionCodes {
		if strings.EqualFold(code, s) || strings.EqualFold(permissionNames[i], s) {
			return Permission(i), nil
		}
	}
	if strings.EqualFold(s, "REWIND") {
		return PermissionFull, nil
	}
	return PermissionNone, fmt.Errorf("unknown permission %q", s)
}

// MarshalText encodes the permission by name for JSON and yaml payloads.
func (p Permission) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// UnmarshalText accepts anything ParsePermission accepts.
func (p *Permission) UnmarshalText(b []byte) error {
	v, err := ParsePermission(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Restriction names the lowest action that requires authentication.
type Restriction int

const (
	// RestrictionNone lets anyone do anything.
	RestrictionNone Restriction = iota
	// RestrictionPush lets anonymous users view and clone.
	RestrictionPush
	// RestrictionClone lets anonymous users view.
	RestrictionClone
	// RestrictionView requires authentication for everything.
	RestrictionView
)

var restrictionNames = [...]string{"NONE", "PUSH", "CLONE", "VIEW"}

func (r Restriction) String() string {
	if r < RestrictionNone || r > RestrictionView {
		return fmt.Sprintf("Restriction(%d)", int(r))
	}
	return restrictionNames[r]
}

// Restricts reports whether action needs an authorized principal.
func (r Restriction) Restricts(action Permission) bool {
	switch r {
	case RestrictionPush:
		return action.AtLeast(PermissionPush)
	case RestrictionClone:
		return action.AtLeast(PermissionClone)
	case RestrictionView:
		return action.AtLeast(PermissionView)
	default:
		return false
	}
}

// ParseRestriction parses a restriction name, returning def for blank input.
func ParseRestriction(s string, def Restriction) (Restriction, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return def, nil
	}
	for i, name := range restrictionNames {
		if strings.EqualFold(name, s) {
			return Restriction(i), nil
		}
	}
	return def, fmt.Errorf("unknown access restriction %q", s)
}

func (r Restriction) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

func (r *Restriction) UnmarshalText(b []byte) error {
	v, err := ParseRestriction(string(b), RestrictionNone)
	if err != nil {
		return err
	}
	*r = v
	return nil
}

// AuthorizationControl selects how restricted actions are authorized.
type AuthorizationControl int

const (
	// ControlNamed requires a named grant (explicit, regex, team, owner, admin).
	ControlNamed AuthorizationControl = iota
	// ControlAuthenticated authorizes every authenticated principal fully.
	ControlAuthenticated
)

func (c AuthorizationControl) String() string {
	if c == ControlAuthenticated {
		return "AUTHENTICATED"
	}
	return "NAMED"
}

// ParseAuthorizationControl parses a control name, returning def for blank input.
func ParseAuthorizationControl(s string, def AuthorizationControl) (AuthorizationControl, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "":
		return def, nil
	case "NAMED":
		return ControlNamed, nil
	case "AUTHENTICATED":
		return ControlAuthenticated, nil
	default:
		return def, fmt.Errorf("unknown authorization control %q", s)
	}
}

func (c AuthorizationControl) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

func (c *AuthorizationControl) UnmarshalText(b []byte) error {
	v, err := ParseAuthorizationControl(string(b), ControlNamed)
	if err != nil {
		return err
	}
	*c = v
	return nil
}
