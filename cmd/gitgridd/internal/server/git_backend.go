package server

import (
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	gitmiddleware "github.com/terraconstructs/gitgrid/cmd/gitgridd/internal/middleware"
)

// GitUserHeader tells the git backend who was authorized.
const GitUserHeader = "X-Gitgrid-User"

// NewGitBackendProxy forwards authorized git traffic to an upstream smart
// HTTP backend (for example git-http-backend behind a CGI server). The gate
// prefix is stripped and the principal's name travels in GitUserHeader.
func NewGitBackendProxy(target *url.URL) http.Handler {
	proxy := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.Out.URL.Path = strings.TrimSuffix(target.Path, "/") + strings.TrimPrefix(pr.In.URL.Path, GitPrefix)
			pr.Out.URL.RawPath = ""
			pr.Out.Header.Del(GitUserHeader)
			if p := gitmiddleware.PrincipalFromContext(pr.In.Context()); !p.IsAnonymous() {
				pr.Out.Header.Set(GitUserHeader, p.Username)
			}
		},
	}
	return proxy
}
