package iam

import (
	"fmt"
	"log/slog"

	"github.com/casbin/casbin/v2"

	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/auth"
)

// AuthorizeWithRoles checks if ANY of the given roles grants capability.
//
// This is a READ-ONLY check that never mutates Casbin state. Roles are
// translated to role principals (e.g. "#admin" → "role:admin") and queried
// against the static embedded policy, where admin implies create and fork.
//
// The "#none" marker grants nothing and is skipped. An empty role list is
// denied without consulting the enforcer.
//
// Returns:
//   - bool: true if at least one role grants the capability
//   - error: enforcer missing, invalid capability or enforcement failure
func AuthorizeWithRoles(enforcer casbin.IEnforcer, roles []string, capability auth.Capability) (bool, error) {
	if enforcer == nil {
		return false, fmt.Errorf("casbin enforcer not initialized")
	}
	if !capability.Valid() {
		return false, fmt.Errorf("unknown capability %q", capability)
	}
	if len(roles) == 0 {
		return false, nil
	}

	for _, role := range roles {
		if auth.IsNoneRole(role) || auth.NormalizeRole(role) == "" {
			continue
		}
		rolePrincipal := auth.RoleID(role)

		allowed, err := enforcer.Enforce(rolePrincipal, string(capability))
		if err != nil {
			return false, fmt.Errorf("casbin enforce error for role %s: %w", rolePrincipal, err)
		}
		if allowed {
			slog.Debug("capability granted", "role", rolePrincipal, "capability", string(capability))
			return true, nil
		}
	}
	return false, nil
}
