package tenant

import (
	"net"
	"net/http"
	"strings"

	"github.com/medibill/discounts/internal/common"
)

// Resolver finds the hospital of an HTTP request from a header or the request subdomain.
type Resolver struct {
	HeaderName    string
	RootDomain    string
	DefaultTenant string
}

// NewResolver returns a resolver reading headerName, "X-Tenant-ID" when empty.
func NewResolver(headerName, rootDomain, defaultTenant string) *Resolver {
	if headerName == "" {
		headerName = "X-Tenant-ID"
	}
	return &Resolver{
		HeaderName:    headerName,
		RootDomain:    strings.ToLower(strings.TrimSpace(rootDomain)),
		DefaultTenant: strings.TrimSpace(defaultTenant),
	}
}

// Middleware stores the resolved hospital in the request context. Requests without one
// pass through unchanged; use Require on routes that cannot work without it.
func (r *Resolver) Middleware(next http.Handler) http.Handler {
	if r == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		id := r.Resolve(req)
		if id == "" {
			id = r.DefaultTenant
		}
		if id != "" {
			req = req.WithContext(With(req.Context(), id))
		}
		next.ServeHTTP(w, req)
	})
}

// Require rejects requests that reached it without a hospital.
func Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if _, ok := From(req.Context()); !ok {
			common.JSONError(w, http.StatusBadRequest, "TENANT_REQUIRED", "hospital could not be resolved", nil)
			return
		}
		next.ServeHTTP(w, req)
	})
}

// Resolve returns the hospital named by the header, else the first subdomain label below
// RootDomain.
func (r *Resolver) Resolve(req *http.Request) string {
	if r == nil || req == nil {
		return ""
	}
	if id := strings.TrimSpace(req.Header.Get(r.HeaderName)); id != "" {
		return id
	}
	host := strings.ToLower(hostOnly(req.Host))
	if host == "" || host == r.RootDomain {
		return ""
	}
	if r.RootDomain != "" {
		if !strings.HasSuffix(host, "."+r.RootDomain) {
			return ""
		}
		host = strings.TrimSuffix(host, "."+r.RootDomain)
	} else if net.ParseIP(host) != nil || !strings.Contains(host, ".") {
		return ""
	}
	label, _, _ := strings.Cut(host, ".")
	return label
}

func hostOnly(hostport string) string {
	hostport = strings.TrimSpace(hostport)
	if h, _, err := net.SplitHostPort(hostport); err == nil {
		return strings.Trim(h, "[]")
	}
	return strings.Trim(hostport, "[]")
}
