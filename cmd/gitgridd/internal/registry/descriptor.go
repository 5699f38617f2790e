package registry

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/access"
)

// FederationStrategy controls how a repository is offered to federated peers.
type FederationStrategy string

const (
	FederationExclude        FederationStrategy = "EXCLUDE"
	FederationFederateThis   FederationStrategy = "FEDERATE_THIS"
	FederationFederateOrigin FederationStrategy = "FEDERATE_ORIGIN"
)

// ParseFederationStrategy parses a strategy name, returning def for blank input.
func ParseFederationStrategy(s string, def FederationStrategy) (FederationStrategy, error) {
	switch v := FederationStrategy(strings.ToUpper(strings.TrimSpace(s))); v {
	case "":
		return def, nil
	case FederationExclude, FederationFederateThis, FederationFederateOrigin:
		return v, nil
	default:
		return def, fmt.Errorf("unknown federation strategy %q", s)
	}
}

// Descriptor is the registry's model of one repository: persisted settings
// plus facts read from the repository itself. Published descriptors are
// never modified; callers always receive a Clone.
type Descriptor struct {
	Name string `json:"name"`

	Description          string                      `json:"description,omitempty"`
	Owners               []string                    `json:"owners,omitempty"`
	AccessRestriction    access.Restriction          `json:"accessRestriction"`
	AuthorizationControl access.AuthorizationControl `json:"authorizationControl"`
	FederationStrategy   FederationStrategy          `json:"federationStrategy"`
	FederationSets       []string                    `json:"federationSets,omitempty"`
	Origin               string                      `json:"origin,omitempty"`
	Frozen               bool                        `json:"frozen,omitempty"`
	AllowForks           bool                        `json:"allowForks"`
	PreReceiveScripts    []string                    `json:"preReceiveScripts,omitempty"`
	PostReceiveScripts   []string                    `json:"postReceiveScripts,omitempty"`
	IndexedBranches      []string                    `json:"indexedBranches,omitempty"`
	GCThreshold          string                      `json:"gcThreshold"`
	GCPeriod             time.Duration               `json:"gcPeriod"`
	LastGC               time.Time                   `json:"lastGC,omitzero"`
	SkipSizeCalculation  bool                        `json:"skipSizeCalculation,omitempty"`
	CustomFields         map[string]string           `json:"customFields,omitempty"`

	Head             string    `json:"head,omitempty"`
	HasCommits       bool      `json:"hasCommits"`
	LastChange       time.Time `json:"lastChange,omitzero"`
	LastChangeAuthor string    `json:"lastChangeAuthor,omitempty"`
	Size             int64     `json:"size,omitempty"`
	Bare             bool      `json:"bare"`
	Mirror           bool      `json:"mirror,omitempty"`

	Forks []string `json:"forks,omitempty"`
	Busy  bool     `json:"busy,omitempty"`
}

// Clone returns a deep copy.
func (d *Descriptor) Clone() *Descriptor {
	if d == nil {
		return nil
	}
	c := *d
	c.Owners = slices.Clone(d.Owners)
	c.FederationSets = slices.Clone(d.FederationSets)
	c.PreReceiveScripts = slices.Clone(d.PreReceiveScripts)
	c.PostReceiveScripts = slices.Clone(d.PostReceiveScripts)
	c.IndexedBranches = slices.Clone(d.IndexedBranches)
	c.CustomFields = maps.Clone(d.CustomFields)
	c.Forks = slices.Clone(d.Forks)
	return &c
}

// Key is the case-insensitive cache key.
func (d *Descriptor) Key() string {
	return access.Key(d.Name)
}

// IsOwner reports whether username is listed as an owner.
func (d *Descriptor) IsOwner(username string) bool {
	username = strings.ToLower(username)
	return username != "" && slices.Contains(d.Owners, username)
}

// MaxPermission is the strongest permission this repository allows.
func (d *Descriptor) MaxPermission() access.Permission {
	return access.MaximumPermission(d.Frozen, d.Bare, d.Mirror)
}

// IsPersonal reports whether the repository lives in a personal namespace.
func (d *Descriptor) IsPersonal() bool {
	return strings.HasPrefix(d.Name, "~")
}

// filterFields exposes the fields list filters can reference.
func (d *Descriptor) filterFields() map[string]any {
	return map[string]any{
		"Name":              d.Name,
		"Description":       d.Description,
		"Owners":            slices.Clone(d.Owners),
		"AccessRestriction": d.AccessRestriction.String(),
		"Origin":            d.Origin,
		"HasCommits":        d.HasCommits,
		"Frozen":            d.Frozen,
		"Mirror":            d.Mirror,
		"Bare":              d.Bare,
		"Personal":          d.IsPersonal(),
	}
}
