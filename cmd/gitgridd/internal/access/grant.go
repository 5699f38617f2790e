package access

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
	"sync"
)

// PermissionType classifies where a grant comes from.
type PermissionType int

const (
	TypeNone PermissionType = iota
	TypeAdmin
	TypeOwner
	TypeExplicit
	TypeRegex
	TypeTeam
	// TypeMissing marks a stored explicit grant whose repository no longer exists.
	TypeMissing
	// TypeAnonymous and TypeAuthenticated only appear in effective permissions.
	TypeAnonymous
	TypeAuthenticated
)

// classify is the one place that knows how each grant source sorts and reads.
// Lower ranks sort first.
func (t PermissionType) classify() (rank int, name, label string) {
	switch t {
	case TypeAdmin:
		return 0, "ADMIN", "administrator"
	case TypeOwner:
		return 0, "OWNER", "owner"
	case TypeExplicit:
		return 0, "EXPLICIT", "explicit grant"
	case TypeRegex:
		return 1, "REGEX", "pattern grant"
	case TypeTeam:
		return 2, "TEAM", "team grant"
	case TypeMissing:
		return 3, "MISSING", "repository missing"
	case TypeAnonymous:
		return 4, "ANONYMOUS", "anonymous access"
	case TypeAuthenticated:
		return 4, "AUTHENTICATED", "any authenticated user"
	case TypeNone:
		return 4, "NONE", "no access"
	default:
		return 5, fmt.Sprintf("PermissionType(%d)", int(t)), "unknown"
	}
}

// Rank orders grant sources: ADMIN, OWNER and EXPLICIT share the first bucket,
// then REGEX, TEAM, MISSING and the rest.
func (t PermissionType) Rank() int {
	r, _, _ := t.classify()
	return r
}

func (t PermissionType) String() string {
	_, n, _ := t.classify()
	return n
}

// Label is a human readable source description.
func (t PermissionType) Label() string {
	_, _, l := t.classify()
	return l
}

func (t PermissionType) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *PermissionType) UnmarshalText(b []byte) error {
	parsed, err := ParsePermissionType(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// ParsePermissionType reads the String form, ignoring case.
func ParsePermissionType(s string) (PermissionType, error) {
	for t := TypeNone; t <= TypeAuthenticated; t++ {
		if strings.EqualFold(t.String(), strings.TrimSpace(s)) {
			return t, nil
		}
	}
	return TypeNone, fmt.Errorf("unknown permission type %q", s)
}

// RegistrantType names what a grant is attached to.
type RegistrantType string

const (
	RegistrantUser       RegistrantType = "USER"
	RegistrantTeam       RegistrantType = "TEAM"
	RegistrantRepository RegistrantType = "REPOSITORY"
)

// Grant binds a registrant to a permission with a classified source.
type Grant struct {
	Registrant     string         `json:"registrant"`
	RegistrantType RegistrantType `json:"registrantType"`
	Permission     Permission     `json:"permission"`
	Type           PermissionType `json:"type"`
	Mutable        bool           `json:"mutable"`
	// Source names the team, pattern or account the grant was derived from.
	Source string `json:"source,omitempty"`
}

// Editable reports whether administrators may change this grant.
func (g Grant) Editable() bool {
	return g.Type == TypeExplicit && g.Mutable
}

func (g Grant) String() string {
	if g.Source != "" {
		return fmt.Sprintf("%s %s %s (%s: %s)", g.RegistrantType, g.Registrant, g.Permission, g.Type, g.Source)
	}
	return fmt.Sprintf("%s %s %s (%s)", g.RegistrantType, g.Registrant, g.Permission, g.Type)
}

// SortGrants orders grants by source rank, then by registrant using the
// repository name comparator. The sort is stable.
func SortGrants(grants []Grant) {
	slices.SortStableFunc(grants, func(a, b Grant) int {
		if ra, rb := a.Type.Rank(), b.Type.Rank(); ra != rb {
			return ra - rb
		}
		return CompareRepositoryNames(a.Registrant, b.Registrant)
	})
}

// RepositoryPermission is one entry of a user's or team's stored grant list.
// Repository is either a repository name or a regular expression.
type RepositoryPermission struct {
	Repository string     `json:"repository"`
	Permission Permission `json:"permission"`
}

// IsRegex reports whether the entry holds a pattern rather than a name.
func (rp RepositoryPermission) IsRegex() bool {
	return IsRegexPattern(rp.Repository)
}

// IsRegexPattern reports whether key contains characters that never appear in
// repository names.
func IsRegexPattern(key string) bool {
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case strings.ContainsRune("._/~@-", r):
		default:
			return true
		}
	}
	return false
}

var patternCache sync.Map // string -> *regexp.Regexp (nil for invalid patterns)

// MatchesPattern matches name against pattern case-insensitively. The whole
// name must match. Invalid patterns never match.
func MatchesPattern(pattern, name string) bool {
	if cached, ok := patternCache.Load(pattern); ok {
		re, _ := cached.(*regexp.Regexp)
		return re != nil && re.MatchString(name)
	}
	re, err := regexp.Compile("(?i)^(?:" + pattern + ")$")
	if err != nil {
		patternCache.Store(pattern, (*regexp.Regexp)(nil))
		return false
	}
	patternCache.Store(pattern, re)
	return re.MatchString(name)
}
