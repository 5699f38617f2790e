package server

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/access"
	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/auth"
	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/logfields"
	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/middleware"
	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/registry"
	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/services/iam"
)

// RepositoryResponse is a descriptor plus the caller's effective access.
type RepositoryResponse struct {
	*registry.Descriptor
	Permission access.Grant `json:"permission"`
}

// CreateRepositoryRequest describes a repository to create. Unset fields
// take the server defaults.
type CreateRepositoryRequest struct {
	Name                 string                       `json:"name"`
	Description          string                       `json:"description,omitempty"`
	Owners               []string                     `json:"owners,omitempty"`
	AccessRestriction    *access.Restriction          `json:"accessRestriction,omitempty"`
	AuthorizationControl *access.AuthorizationControl `json:"authorizationControl,omitempty"`
	AllowForks           *bool                        `json:"allowForks,omitempty"`
	Frozen               bool                         `json:"frozen,omitempty"`
}

// RenameRepositoryRequest carries the new name.
type RenameRepositoryRequest struct {
	Name string `json:"name"`
}

// RepositoryGrantsResponse lists who can access a repository.
type RepositoryGrantsResponse struct {
	Users []access.Grant `json:"users"`
	Teams []access.Grant `json:"teams"`
}

// repoActions are the trailing path elements that select an operation on a
// repository. Names may contain "/", so the action is split off the end.
var repoActions = map[string]bool{"rename": true, "fork": true, "network": true, "grants": true}

// splitRepoPath separates "{name}/{action}" when the last element is an
// action valid for method.
func splitRepoPath(method, rest string) (name, action string) {
	rest = access.NormalizeName(rest)
	i := strings.LastIndex(rest, "/")
	if i < 0 {
		return rest, ""
	}
	last := rest[i+1:]
	if !repoActions[last] {
		return rest, ""
	}
	switch {
	case method == http.MethodPost && (last == "rename" || last == "fork"),
		method == http.MethodGet && (last == "network" || last == "grants"),
		method == http.MethodPut && last == "grants":
		return rest[:i], last
	}
	return rest, ""
}

func urlParam(r *http.Request, key string) string {
	return strings.ToLower(strings.TrimSpace(chi.URLParam(r, key)))
}

func grantsOrEmpty(grants []access.Grant) []access.Grant {
	if grants == nil {
		return []access.Grant{}
	}
	return grants
}

// RepositoryHandlers serves the repository API.
type RepositoryHandlers struct {
	repos  repositoryRegistry
	iam    iamAdminService
	logger *slog.Logger
}

// NewRepositoryHandlers creates a new handler set.
func NewRepositoryHandlers(repos repositoryRegistry, iamService iamAdminService, logger *slog.Logger) *RepositoryHandlers {
	return &RepositoryHandlers{repos: repos, iam: iamService, logger: logger}
}

// Mount registers the repository routes under /api/repos.
func (h *RepositoryHandlers) Mount(r chi.Router) {
	r.Get("/api/repos", h.List)
	r.Post("/api/repos", h.Create)
	r.Get("/api/repos/*", h.dispatch)
	r.Post("/api/repos/*", h.dispatch)
	r.Put("/api/repos/*", h.dispatch)
	r.Delete("/api/repos/*", h.dispatch)
}

func (h *RepositoryHandlers) dispatch(w http.ResponseWriter, r *http.Request) {
	name, action := splitRepoPath(r.Method, chi.URLParam(r, "*"))
	if name == "" {
		badRequest(w, ErrRepositoryNameRequired)
		return
	}
	switch {
	case r.Method == http.MethodGet && action == "":
		h.Get(w, r, name)
	case r.Method == http.MethodDelete && action == "":
		h.Delete(w, r, name)
	case action == "rename":
		h.Rename(w, r, name)
	case action == "fork":
		h.Fork(w, r, name)
	case action == "network":
		h.Network(w, r, name)
	case action == "grants" && r.Method == http.MethodGet:
		h.Grants(w, r, name)
	case action == "grants" && r.Method == http.MethodPut:
		h.SetGrants(w, r, name)
	default:
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	}
}

func (h *RepositoryHandlers) response(p *iam.Principal, d *registry.Descriptor) RepositoryResponse {
	return RepositoryResponse{Descriptor: d, Permission: h.iam.EffectivePermission(p, d)}
}

// canAdminister reports whether p may rename, delete or edit grants of d.
func (h *RepositoryHandlers) canAdminister(p *iam.Principal, d *registry.Descriptor) bool {
	if p.IsAnonymous() {
		return false
	}
	return d.IsOwner(p.Username) || access.IsPersonal(d.Name, p.Username) || h.iam.CanCapability(p, auth.CapabilityAdmin)
}

// canPlace reports whether p may put a repository at name.
func (h *RepositoryHandlers) canPlace(p *iam.Principal, name string) bool {
	if p.IsAnonymous() {
		return false
	}
	return access.IsPersonal(name, p.Username) || h.iam.CanCapability(p, auth.CapabilityCreate)
}

// lookupVisible resolves name and checks VIEW. Repositories the caller may
// not see answer like missing ones for anonymous callers.
func (h *RepositoryHandlers) lookupVisible(w http.ResponseWriter, r *http.Request, name string) (*iam.Principal, *registry.Descriptor, bool) {
	p := middleware.PrincipalFromContext(r.Context())
	d, err := h.repos.Lookup(name)
	if err != nil {
		writeError(w, r, h.logger, err)
		return nil, nil, false
	}
	if !h.iam.Authorize(p, d, access.PermissionView) {
		deny(w, r)
		return nil, nil, false
	}
	return p, d, true
}

// List handles GET /api/repos. The optional filter query is a boolean
// expression over descriptor fields. Only viewable repositories are listed.
func (h *RepositoryHandlers) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p := middleware.PrincipalFromContext(ctx)

	var descs []*registry.Descriptor
	if expr := strings.TrimSpace(r.URL.Query().Get("filter")); expr != "" {
		filtered, err := h.repos.Filter(ctx, expr)
		if err != nil {
			badRequest(w, err)
			return
		}
		descs = filtered
	} else {
		all, err := h.lookupAll(ctx)
		if err != nil {
			writeError(w, r, h.logger, err)
			return
		}
		descs = all
	}

	out := make([]RepositoryResponse, 0, len(descs))
	for _, d := range descs {
		if h.iam.Authorize(p, d, access.PermissionView) {
			out = append(out, h.response(p, d))
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *RepositoryHandlers) lookupAll(ctx context.Context) ([]*registry.Descriptor, error) {
	names, err := h.repos.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*registry.Descriptor, 0, len(names))
	for _, name := range names {
		d, err := h.repos.Lookup(name)
		if err != nil {
			h.logger.Debug("Skipping repository that vanished during listing", logfields.Repository(name), logfields.Error(err))
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

// Create handles POST /api/repos.
func (h *RepositoryHandlers) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p := middleware.PrincipalFromContext(ctx)

	var req CreateRepositoryRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, err)
		return
	}
	name := access.NormalizeName(req.Name)
	if name == "" {
		badRequest(w, ErrRepositoryNameRequired)
		return
	}
	if !h.canPlace(p, name) {
		deny(w, r)
		return
	}

	d := h.repos.NewDescriptor(name)
	d.Description = req.Description
	d.Owners = req.Owners
	if len(d.Owners) == 0 {
		d.Owners = []string{p.Username}
	}
	if req.AccessRestriction != nil {
		d.AccessRestriction = *req.AccessRestriction
	}
	if req.AuthorizationControl != nil {
		d.AuthorizationControl = *req.AuthorizationControl
	}
	if req.AllowForks != nil {
		d.AllowForks = *req.AllowForks
	}
	d.Frozen = req.Frozen

	created, err := h.repos.Create(ctx, d)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	h.logger.Info("Repository created via API", logfields.Repository(created.Name), logfields.Principal(p.Username))
	writeJSON(w, http.StatusCreated, h.response(p, created))
}

// Get handles GET /api/repos/{name}.
func (h *RepositoryHandlers) Get(w http.ResponseWriter, r *http.Request, name string) {
	p, d, ok := h.lookupVisible(w, r, name)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, h.response(p, d))
}

// Rename handles POST /api/repos/{name}/rename.
func (h *RepositoryHandlers) Rename(w http.ResponseWriter, r *http.Request, name string) {
	p, d, ok := h.lookupVisible(w, r, name)
	if !ok {
		return
	}
	var req RenameRepositoryRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, err)
		return
	}
	target := access.NormalizeName(req.Name)
	if target == "" {
		badRequest(w, ErrRepositoryNameRequired)
		return
	}
	if !h.canAdminister(p, d) || !h.canPlace(p, target) {
		deny(w, r)
		return
	}
	renamed, err := h.repos.Rename(r.Context(), d.Name, target)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, h.response(p, renamed))
}

// Fork handles POST /api/repos/{name}/fork. The fork lands in the caller's
// personal namespace.
func (h *RepositoryHandlers) Fork(w http.ResponseWriter, r *http.Request, name string) {
	p, d, ok := h.lookupVisible(w, r, name)
	if !ok {
		return
	}
	if !h.iam.CanCapability(p, auth.CapabilityFork) || !h.iam.Authorize(p, d, access.PermissionClone) {
		deny(w, r)
		return
	}
	fork, err := h.repos.Fork(r.Context(), d.Name, p.Username)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, h.response(p, fork))
}

// Delete handles DELETE /api/repos/{name}.
func (h *RepositoryHandlers) Delete(w http.ResponseWriter, r *http.Request, name string) {
	p, d, ok := h.lookupVisible(w, r, name)
	if !ok {
		return
	}
	if !h.canAdminister(p, d) {
		deny(w, r)
		return
	}
	if err := h.repos.Delete(r.Context(), d.Name); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	h.logger.Info("Repository deleted via API", logfields.Repository(d.Name), logfields.Principal(p.Username))
	w.WriteHeader(http.StatusNoContent)
}

// Network handles GET /api/repos/{name}/network.
func (h *RepositoryHandlers) Network(w http.ResponseWriter, r *http.Request, name string) {
	_, d, ok := h.lookupVisible(w, r, name)
	if !ok {
		return
	}
	tree, err := h.repos.ForkNetwork(r.Context(), d.Name)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, tree)
}

// Grants handles GET /api/repos/{name}/grants.
func (h *RepositoryHandlers) Grants(w http.ResponseWriter, r *http.Request, name string) {
	p, d, ok := h.lookupVisible(w, r, name)
	if !ok {
		return
	}
	if !h.canAdminister(p, d) {
		deny(w, r)
		return
	}
	h.writeGrants(w, r, d.Name)
}

func (h *RepositoryHandlers) writeGrants(w http.ResponseWriter, r *http.Request, name string) {
	users, err := h.iam.AllGrantsForRepository(r.Context(), name)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	teams, err := h.iam.TeamGrantsForRepository(r.Context(), name)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, RepositoryGrantsResponse{Users: grantsOrEmpty(users), Teams: grantsOrEmpty(teams)})
}

// SetGrants handles PUT /api/repos/{name}/grants. The body is a list of
// grants; any grant that is not editable rejects the whole request.
func (h *RepositoryHandlers) SetGrants(w http.ResponseWriter, r *http.Request, name string) {
	p, d, ok := h.lookupVisible(w, r, name)
	if !ok {
		return
	}
	if !h.canAdminister(p, d) {
		deny(w, r)
		return
	}
	var grants []access.Grant
	if err := decodeJSON(r, &grants); err != nil {
		badRequest(w, err)
		return
	}
	if err := h.iam.SetGrants(r.Context(), d.Name, grants); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	h.writeGrants(w, r, d.Name)
}
