package auth

import (
	_ "embed"
	"fmt"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	stringadapter "github.com/casbin/casbin/v2/persist/string-adapter"
)

//go:embed model.conf
var casbinModelContent string

//go:embed policy.csv
var casbinPolicyContent string

// InitEnforcer creates a read-only enforcer for the built-in capability roles.
// Policies are embedded; nothing is loaded from or written to the database.
func InitEnforcer() (casbin.IEnforcer, error) {
	m, err := model.NewModelFromString(casbinModelContent)
	if err != nil {
		return nil, fmt.Errorf("parse casbin model: %w", err)
	}

	enforcer, err := casbin.NewSyncedEnforcer(m, stringadapter.NewAdapter(casbinPolicyContent))
	if err != nil {
		return nil, fmt.Errorf("create casbin enforcer: %w", err)
	}
	return enforcer, nil
}
