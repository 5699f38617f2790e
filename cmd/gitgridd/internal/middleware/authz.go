package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/access"
	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/errs"
	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/logfields"
)

// RetryAfterBusy is the Retry-After value, in seconds, sent while a
// repository is being compacted.
const RetryAfterBusy = "30"

const (
	serviceUploadPack  = "git-upload-pack"
	serviceReceivePack = "git-receive-pack"
)

// gitSuffixes end a smart or dumb HTTP path; the repository name is what
// precedes them.
var gitSuffixes = []string{
	"/info/refs",
	"/" + serviceUploadPack,
	"/" + serviceReceivePack,
	"/HEAD",
}

// ClassifyGitRequest splits a path below the gate into the repository name
// and the action it needs. Pushes are recognised from the receive-pack
// service; everything else is a clone.
func ClassifyGitRequest(path string, query url.Values) (repository string, action access.Permission, ok bool) {
	path = "/" + strings.Trim(path, "/")
	cut := -1
	for _, suffix := range gitSuffixes {
		if strings.HasSuffix(path, suffix) {
			cut = len(path) - len(suffix)
			break
		}
	}
	if cut < 0 {
		cut = strings.Index(path, "/objects/")
	}
	if cut <= 0 {
		return "", access.PermissionNone, false
	}
	repository = access.NormalizeName(path[:cut])
	if repository == "" {
		return "", access.PermissionNone, false
	}
	rest := path[cut:]
	if rest == "/"+serviceReceivePack || (rest == "/info/refs" && query.Get("service") == serviceReceivePack) {
		return repository, access.PermissionPush, true
	}
	return repository, access.PermissionClone, true
}

// GitGateOptions configures the smart HTTP gate.
type GitGateOptions struct {
	Repositories Repositories
	Authorizer   Authorizer
	// Handler serves the git protocol. The borrowed repository is available
	// through HandleFromContext. Nil answers 501.
	Handler http.Handler
	// Prefix is stripped from the request path before classification.
	Prefix string
	Logger *slog.Logger
}

// NewGitGate authorizes git traffic before handing it to the git handler.
//
// Responses:
//   - 404: no repository in the path, or the repository does not exist
//   - 401: anonymous caller lacks access (with a challenge)
//   - 403: authenticated caller lacks access
//   - 423: repository is being compacted
//   - 501: no git handler configured
func NewGitGate(opts GitGateOptions) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name, action, ok := ClassifyGitRequest(strings.TrimPrefix(r.URL.Path, opts.Prefix), r.URL.Query())
		if !ok {
			http.NotFound(w, r)
			return
		}

		d, err := opts.Repositories.Lookup(name)
		if errors.Is(err, errs.ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		if err != nil {
			logger.Error("Repository lookup failed", logfields.Repository(name), logfields.Error(err))
			http.Error(w, "repository lookup failed", http.StatusInternalServerError)
			return
		}

		principal := PrincipalFromContext(r.Context())
		if !opts.Authorizer.Authorize(principal, d, action) {
			logger.Debug("Git access denied",
				logfields.Repository(d.Name),
				logfields.Principal(principal.Username),
				slog.String("action", action.String()))
			if principal.IsAnonymous() {
				Challenge(w)
				return
			}
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}

		if opts.Handler == nil {
			http.Error(w, "git transport not configured", http.StatusNotImplemented)
			return
		}

		h, err := opts.Repositories.Acquire(d.Name)
		if errors.Is(err, errs.ErrBusy) {
			w.Header().Set("Retry-After", RetryAfterBusy)
			http.Error(w, "repository is busy", http.StatusLocked)
			return
		}
		if err != nil {
			logger.Error("Failed to open repository", logfields.Repository(d.Name), logfields.Error(err))
			http.Error(w, "failed to open repository", http.StatusInternalServerError)
			return
		}
		defer h.Release()

		ctx := context.WithValue(r.Context(), handleContextKey{}, h)
		opts.Handler.ServeHTTP(w, r.WithContext(ctx))
	})
}
