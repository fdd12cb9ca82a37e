package rbac

import (
	"net"
	"net/http"

	"log/slog"

	"github.com/warden-sec/warden/internal/shared"
)

// Requirement names one resource/operation pair a route needs.
type Requirement struct {
	Resource  ResourceType
	Operation Operation
}

// Middleware wires resolver-backed authorization helpers for HTTP handlers.
type Middleware struct {
	Resolver *Resolver
	Logger   *slog.Logger
}

// RequireAny admits the request when the principal is granted at least one
// of the requirements.
func (m Middleware) RequireAny(reqs ...Requirement) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(reqs) == 0 {
				next.ServeHTTP(w, r)
				return
			}
			principal, ok := shared.PrincipalFromContext(r.Context())
			if !ok {
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
				return
			}
			access := accessFromRequest(r)
			for _, req := range reqs {
				result, err := m.Resolver.Check(r.Context(), principal.UserID, req.Resource, "", req.Operation, access)
				if err != nil {
					if m.Logger != nil {
						m.Logger.Error("rbac require any", slog.Any("error", err))
					}
					http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
					return
				}
				if result.Granted {
					next.ServeHTTP(w, r)
					return
				}
			}
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		})
	}
}

// RequireAll admits the request only when every requirement is granted.
func (m Middleware) RequireAll(reqs ...Requirement) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(reqs) == 0 {
				next.ServeHTTP(w, r)
				return
			}
			principal, ok := shared.PrincipalFromContext(r.Context())
			if !ok {
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
				return
			}
			access := accessFromRequest(r)
			for _, req := range reqs {
				result, err := m.Resolver.Check(r.Context(), principal.UserID, req.Resource, "", req.Operation, access)
				if err != nil {
					if m.Logger != nil {
						m.Logger.Error("rbac require all", slog.Any("error", err))
					}
					http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
					return
				}
				if !result.Granted {
					http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

func accessFromRequest(r *http.Request) AccessContext {
	return AccessContext{
		ClientIP:  clientIP(r),
		UserAgent: r.UserAgent(),
	}
}

// clientIP strips the port from RemoteAddr; chi's RealIP middleware has
// already rewritten it from forwarding headers where configured.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
