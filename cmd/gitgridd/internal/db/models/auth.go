package models

import (
	"time"

	"github.com/uptrace/bun"
)

// Account types recorded on users.
const (
	AccountLocal     = "LOCAL"
	AccountContainer = "CONTAINER"
	AccountExternal  = "EXTERNAL"
	AccountHtpasswd  = "HTPASSWD"
	AccountToken     = "TOKEN"
	AccountOIDC      = "OIDC"
)

// User is a stored account. Username is the lowercase key.
// Secret carries its scheme prefix (e.g. "BCRYPT:$2a$...") or the external
// account marker.
type User struct {
	bun.BaseModel `bun:"table:users,alias:u"`

	ID          string    `bun:"id,pk"`
	Username    string    `bun:"username,notnull,unique"`
	DisplayName string    `bun:"display_name"`
	Email       string    `bun:"email"`
	Secret      string    `bun:"secret"`
	CookieHash  *string   `bun:"cookie_hash,unique"` // SHA256 of the cookie secret
	AccountType string    `bun:"account_type,notnull,default:'LOCAL'"`
	Locale      string    `bun:"locale"`
	Disabled    bool      `bun:"disabled,notnull,default:false"`
	CreatedAt   time.Time `bun:"created_at,notnull,default:current_timestamp"`
	UpdatedAt   time.Time `bun:"updated_at,notnull,default:current_timestamp"`

	// Filled by the store on read, written through Update.
	Roles  []string      `bun:"-"`
	Grants []GrantRecord `bun:"-"`
}

// GrantRecord is one position in an ordered grant list.
type GrantRecord struct {
	Repository string
	Permission string // stored permission code
}

// UserRole attaches a capability role (#admin, #create, ...) to a user.
type UserRole struct {
	bun.BaseModel `bun:"table:user_roles,alias:ur"`

	ID     int64  `bun:"id,pk,autoincrement"`
	UserID string `bun:"user_id,notnull,unique:user_role"`
	Role   string `bun:"role,notnull,unique:user_role"`
}

// UserGrant is a stored repository permission. Position keeps the list order
// that regex grants are evaluated in.
type UserGrant struct {
	bun.BaseModel `bun:"table:user_grants,alias:ug"`

	ID         int64  `bun:"id,pk,autoincrement"`
	UserID     string `bun:"user_id,notnull"`
	Repository string `bun:"repository,notnull"`
	Permission string `bun:"permission,notnull"`
	Position   int    `bun:"position,notnull,default:0"`
}

// UserKey is an authorized SSH public key.
type UserKey struct {
	bun.BaseModel `bun:"table:user_keys,alias:uk"`

	ID          string    `bun:"id,pk"`
	UserID      string    `bun:"user_id,notnull"`
	Fingerprint string    `bun:"fingerprint,notnull,unique"` // SHA256 fingerprint
	PublicKey   string    `bun:"public_key,notnull"`         // authorized_keys line
	Comment     string    `bun:"comment"`
	Permission  string    `bun:"permission,notnull,default:'RW+'"`
	CreatedAt   time.Time `bun:"created_at,notnull,default:current_timestamp"`
}
