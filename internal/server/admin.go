package server

import (
	"net"
	"net/http"
	"net/netip"
	"path"
	"strings"

	"redink/internal/config"
	"redink/internal/logger"
)

// newAdminGuard limits the admin endpoints to loopback callers. TrustPrivate
// also admits private-range addresses; TrustXFF takes the caller address from
// the last X-Forwarded-For hop; AllowRemote disables the check.
func newAdminGuard(basePath string, cfg config.AdminConfig, log *logger.Logger) func(http.Handler) http.Handler {
	adminPrefix := path.Join("/", basePath, "admin") + "/"
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if !strings.HasPrefix(req.URL.Path, adminPrefix) || adminAllowed(req, cfg) {
				next.ServeHTTP(w, req)
				return
			}
			log.Warn("admin request refused", "remote_addr", req.RemoteAddr, "path", req.URL.Path)
			respondStatusError(w, newAPIError(http.StatusForbidden, "admin_forbidden",
				"admin endpoints only accept local callers; set admin.trust_private, admin.trust_xff or admin.allow_remote to widen access", nil))
		})
	}
}

func adminAllowed(req *http.Request, cfg config.AdminConfig) bool {
	if cfg.AllowRemote {
		return true
	}
	remote := req.RemoteAddr
	if host, _, err := net.SplitHostPort(remote); err == nil {
		remote = host
	}
	if cfg.TrustXFF {
		if xff := req.Header.Get("X-Forwarded-For"); xff != "" {
			hops := strings.Split(xff, ",")
			if last := strings.TrimSpace(hops[len(hops)-1]); last != "" {
				remote = last
			}
		}
	}
	addr, err := netip.ParseAddr(strings.Trim(remote, "[]"))
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	if addr.IsLoopback() {
		return true
	}
	return cfg.TrustPrivate && addr.IsPrivate()
}
