package registry

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/access"
	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/errs"
	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/graph"
	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/logfields"
)

// forkIndex holds both directions of the origin -> fork relation keyed by
// lowercased name. It is guarded by Registry.mu.
type forkIndex struct {
	parent   map[string]string
	children map[string]map[string]string
}

func newForkIndex() *forkIndex {
	return &forkIndex{
		parent:   make(map[string]string),
		children: make(map[string]map[string]string),
	}
}

// set records origin as the parent of name, replacing any previous parent.
func (fi *forkIndex) set(name, origin string) {
	key := strings.ToLower(name)
	if prev, ok := fi.parent[key]; ok {
		pkey := strings.ToLower(prev)
		delete(fi.children[pkey], key)
		if len(fi.children[pkey]) == 0 {
			delete(fi.children, pkey)
		}
		delete(fi.parent, key)
	}
	if origin == "" {
		return
	}
	okey := strings.ToLower(origin)
	fi.parent[key] = origin
	if fi.children[okey] == nil {
		fi.children[okey] = make(map[string]string)
	}
	fi.children[okey][key] = name
}

// remove drops name as a fork and detaches its children.
func (fi *forkIndex) remove(name string) []string {
	key := strings.ToLower(name)
	fi.set(name, "")
	orphans := fi.forksOf(key)
	for childKey := range fi.children[key] {
		delete(fi.parent, childKey)
	}
	delete(fi.children, key)
	return orphans
}

// rename moves every edge touching oldName to newName and returns the
// affected children.
func (fi *forkIndex) rename(oldName, newName string) []string {
	oldKey := strings.ToLower(oldName)
	origin := fi.parent[oldKey]
	children := fi.forksOf(oldKey)

	fi.remove(oldName)
	fi.set(newName, origin)
	for _, child := range children {
		fi.set(child, newName)
	}
	return children
}

func (fi *forkIndex) parentOf(key string) (string, bool) {
	p, ok := fi.parent[key]
	return p, ok
}

// forksOf returns the direct forks of key in natural name order.
func (fi *forkIndex) forksOf(key string) []string {
	kids := fi.children[strings.ToLower(key)]
	if len(kids) == 0 {
		return nil
	}
	out := make([]string, 0, len(kids))
	for _, name := range kids {
		out = append(out, name)
	}
	slices.SortFunc(out, access.CompareRepositoryNames)
	return out
}

func (fi *forkIndex) edges() []graph.ForkEdge {
	out := make([]graph.ForkEdge, 0, len(fi.parent))
	for _, kids := range fi.children {
		for childKey, child := range kids {
			out = append(out, graph.ForkEdge{Origin: fi.parent[childKey], Fork: child})
		}
	}
	return out
}

// ForkNetwork returns the tree of repositories sharing name's ancestry. The
// walk climbs origin references to the root, then expands forks downward.
// A vanished origin ends the climb; the last resolvable repository becomes
// the root. Missing forks appear as leaves.
func (r *Registry) ForkNetwork(ctx context.Context, name string) (*graph.Node, error) {
	if _, err := r.List(ctx); err != nil {
		return nil, err
	}
	d, err := r.Lookup(name)
	if err != nil {
		return nil, err
	}

	root := d
	seen := map[string]bool{root.Key(): true}
	for root.Origin != "" {
		okey := access.Key(root.Origin)
		if seen[okey] {
			r.logger.Error("Fork cycle detected", logfields.Repository(root.Name), slog.String("origin", root.Origin),
				logfields.Error(fmt.Errorf("fork cycle through %s: %w", root.Origin, errs.ErrInconsistent)))
			break
		}
		seen[okey] = true

		r.mu.RLock()
		pruned := r.pruned[okey]
		r.mu.RUnlock()
		if pruned {
			break
		}
		parent, err := r.Lookup(root.Origin)
		if err != nil {
			r.logger.Error("Fork origin unresolvable, treating repository as root", logfields.Repository(root.Name),
				slog.String("origin", root.Origin), logfields.Error(fmt.Errorf("origin %s: %w", root.Origin, errs.ErrInconsistent)))
			break
		}
		root = parent
	}

	forksOf := func(n string) []string {
		r.mu.RLock()
		defer r.mu.RUnlock()
		return r.forks.forksOf(access.Key(n))
	}
	return graph.BuildTree(root.Name, forksOf, r.Exists), nil
}

// Origin returns the recorded fork parent of name, if any.
func (r *Registry) Origin(name string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.forks.parentOf(access.Key(name))
}
