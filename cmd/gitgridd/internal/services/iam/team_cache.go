package iam

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/repository"
)

// TeamGrantCache provides lock-free access to team definitions.
//
// Uses atomic.Pointer for zero-contention reads. The cache stores immutable
// snapshots that are never modified after creation. Refresh builds a new
// snapshot from the team store and atomically swaps the pointer, so permission
// resolution never touches the database for team grants.
type TeamGrantCache struct {
	snapshot atomic.Pointer[TeamSnapshot]
	teams    repository.TeamStore
}

// TeamSnapshot is an immutable view of all teams.
type TeamSnapshot struct {
	// Teams is keyed by lowercased team name.
	Teams map[string]*Team
	// Membership maps a lowercased username to the keys of its teams.
	Membership map[string][]string
	// Order lists team keys in store order.
	Order     []string
	CreatedAt time.Time
	Version   int
}

// NewTeamGrantCache creates a cache and performs the initial load.
//
// Returns error if the initial load fails. The cache must be initialized
// before the server can start.
func NewTeamGrantCache(ctx context.Context, teams repository.TeamStore) (*TeamGrantCache, error) {
	cache := &TeamGrantCache{teams: teams}
	if err := cache.Refresh(ctx); err != nil {
		return nil, fmt.Errorf("initial team cache load: %w", err)
	}
	return cache, nil
}

// Get returns the current snapshot. It never blocks.
//
// Returns nil if the cache has never been loaded.
func (c *TeamGrantCache) Get() *TeamSnapshot {
	return c.snapshot.Load()
}

// Refresh rebuilds the snapshot from the store and swaps it in.
//
// Called by:
//   - Server startup (NewTeamGrantCache)
//   - The background refresh job
//   - After team or grant edits made through this process
//
// Readers see either the old or the new snapshot, never a partial update.
func (c *TeamGrantCache) Refresh(ctx context.Context) error {
	stored, err := c.teams.List(ctx)
	if err != nil {
		return fmt.Errorf("list teams: %w", err)
	}

	next := &TeamSnapshot{
		Teams:      make(map[string]*Team, len(stored)),
		Membership: make(map[string][]string),
		Order:      make([]string, 0, len(stored)),
		CreatedAt:  time.Now(),
	}
	for _, m := range stored {
		team := teamFromModel(m)
		key := strings.ToLower(team.Name)
		next.Teams[key] = team
		next.Order = append(next.Order, key)
		for _, member := range team.Members {
			next.Membership[member] = append(next.Membership[member], key)
		}
	}

	if prev := c.snapshot.Load(); prev != nil {
		next.Version = prev.Version + 1
	} else {
		next.Version = 1
	}
	c.snapshot.Store(next)
	return nil
}

// TeamsFor returns the teams username belongs to, in store order.
func (c *TeamGrantCache) TeamsFor(username string) []*Team {
	snap := c.Get()
	if snap == nil {
		return nil
	}
	keys := snap.Membership[strings.ToLower(username)]
	out := make([]*Team, 0, len(keys))
	for _, k := range keys {
		out = append(out, snap.Teams[k])
	}
	return out
}

// Team returns the named team or nil.
func (c *TeamGrantCache) Team(name string) *Team {
	snap := c.Get()
	if snap == nil {
		return nil
	}
	return snap.Teams[strings.ToLower(name)]
}

// All returns every team in store order.
func (c *TeamGrantCache) All() []*Team {
	snap := c.Get()
	if snap == nil {
		return nil
	}
	out := make([]*Team, 0, len(snap.Order))
	for _, k := range snap.Order {
		out = append(out, snap.Teams[k])
	}
	return out
}

// RolesFor computes the deduplicated union of roles granted by username's
// teams. Pure function over the current snapshot.
func (c *TeamGrantCache) RolesFor(username string) []string {
	seen := make(map[string]struct{})
	var roles []string
	for _, t := range c.TeamsFor(username) {
		for _, r := range t.Roles {
			if _, ok := seen[r]; ok {
				continue
			}
			seen[r] = struct{}{}
			roles = append(roles, r)
		}
	}
	return roles
}
