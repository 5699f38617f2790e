package server

import (
	"log/slog"
	"mime"
	"net/http"

	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/auth"
	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/middleware"
	"github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/services/iam"
)

// LoginRequest represents credentials posted as JSON.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// UserResponse represents user data in API responses
type UserResponse struct {
	Username    string   `json:"username"`
	DisplayName string   `json:"displayName,omitempty"`
	Email       string   `json:"email,omitempty"`
	AccountType string   `json:"accountType"`
	Roles       []string `json:"roles"`
	Teams       []string `json:"teams,omitempty"`
}

// LoginResponse represents the response from POST /api/auth/login
type LoginResponse struct {
	User UserResponse `json:"user"`
	// Token is a bearer access token, present when tokens are enabled.
	Token string `json:"token,omitempty"`
}

// WhoamiResponse represents the response from GET /api/auth/whoami
type WhoamiResponse struct {
	User   UserResponse `json:"user"`
	Method string       `json:"method"`
}

func userResponse(p *iam.Principal) UserResponse {
	roles := p.Roles
	if roles == nil {
		roles = []string{}
	}
	return UserResponse{
		Username:    p.Username,
		DisplayName: p.DisplayName,
		Email:       p.Email,
		AccountType: p.AccountType,
		Roles:       roles,
		Teams:       p.Teams,
	}
}

// loginCredentials reads basic credentials, a JSON body or a form, in that
// order.
func loginCredentials(r *http.Request) (username, password string, err error) {
	if u, p, ok := auth.ParseBasicAuth(r.Header.Get("Authorization")); ok {
		return u, p, nil
	}
	if ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type")); ct == "application/json" {
		var req LoginRequest
		if err := decodeJSON(r, &req); err != nil {
			return "", "", err
		}
		return req.Username, req.Password, nil
	}
	if err := r.ParseForm(); err != nil {
		return "", "", ErrInvalidBody
	}
	return r.PostForm.Get("username"), r.PostForm.Get("password"), nil
}

// HandleLogin verifies credentials and issues a session cookie (local
// accounts only) and an access token (when enabled).
func HandleLogin(iamService iamAdminService, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		username, password, err := loginCredentials(r)
		if err != nil {
			badRequest(w, err)
			return
		}
		res, err := iamService.Login(r.Context(), username, password, r.RemoteAddr)
		if err != nil {
			writeError(w, r, logger, err)
			return
		}
		if res.Cookie != nil {
			res.Cookie.Secure = r.TLS != nil
			http.SetCookie(w, res.Cookie)
		}
		writeJSON(w, http.StatusOK, LoginResponse{User: userResponse(res.Principal), Token: res.Token})
	}
}

// HandleLogout ends the caller's cookie session.
func HandleLogout(iamService iamAdminService, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p := middleware.PrincipalFromContext(r.Context())
		cookie, err := iamService.Logout(r.Context(), p.Username)
		if err != nil {
			writeError(w, r, logger, err)
			return
		}
		if cookie != nil {
			http.SetCookie(w, cookie)
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// HandleWhoAmI returns the authenticated principal.
func HandleWhoAmI() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p := middleware.PrincipalFromContext(r.Context())
		resolved, _ := auth.GetUserFromContext(r.Context())
		writeJSON(w, http.StatusOK, WhoamiResponse{User: userResponse(p), Method: resolved.Method})
	}
}

// HandleUserGrants lists every grant held by a user. Callers see their own
// grants; administrators see anyone's.
func HandleUserGrants(iamService iamAdminService, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p := middleware.PrincipalFromContext(r.Context())
		username := urlParam(r, "name")
		if p.Username != username && !iamService.CanCapability(p, auth.CapabilityAdmin) {
			deny(w, r)
			return
		}
		grants, err := iamService.AllGrantsForPrincipal(r.Context(), username)
		if err != nil {
			writeError(w, r, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, grantsOrEmpty(grants))
	}
}
