package access

import (
	"path"
	"strings"
	"sync"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"
)

var (
	collatorMu sync.Mutex
	collator   = collate.New(language.Und, collate.IgnoreCase, collate.Numeric)
)

// CompareRepositoryNames orders names naturally: case is ignored, digit runs
// compare by value and a trailing ".git" does not participate. Names equal
// under those rules fall back to byte order so the result is total.
func CompareRepositoryNames(a, b string) int {
	ka, kb := comparisonKey(a), comparisonKey(b)

	collatorMu.Lock()
	c := collator.CompareString(ka, kb)
	collatorMu.Unlock()

	if c != 0 {
		return c
	}
	return strings.Compare(a, b)
}

func comparisonKey(name string) string {
	return strings.TrimSuffix(strings.ToLower(name), ".git")
}

// NormalizeName converts a repository name to its canonical form: forward
// slashes, no leading or trailing slash, no "." or ".." elements.
func NormalizeName(name string) string {
	name = strings.ReplaceAll(strings.TrimSpace(name), `\`, "/")
	name = strings.Trim(name, "/")
	if name == "" {
		return ""
	}
	cleaned := path.Clean("/" + name)
	return strings.TrimPrefix(cleaned, "/")
}

// Key is the case-insensitive identity of a repository name.
func Key(name string) string {
	return strings.ToLower(NormalizeName(name))
}

// PersonalPrefix is the namespace holding a user's own repositories.
func PersonalPrefix(username string) string {
	return "~" + strings.ToLower(username) + "/"
}

// IsPersonal reports whether name lives in username's personal namespace.
func IsPersonal(name, username string) bool {
	if username == "" {
		return false
	}
	return strings.HasPrefix(Key(name), PersonalPrefix(username))
}

// MaximumPermission is the strongest permission a repository allows.
func MaximumPermission(frozen, bare, mirror bool) Permission {
	if frozen || !bare || mirror {
		return PermissionClone
	}
	return PermissionFull
}
