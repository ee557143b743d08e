package app

import (
	"context"
	"log"
	"net/http"
	"strings"

	"meridian/api/internal/tenancy"
)

type postOnboardingKey struct{}

// PostOnboardingMarker marks requests under the given path prefix as
// post-onboarding surfaces. The interceptor itself never inspects URLs; the
// routing-to-capability translation happens here, at wiring time.
func PostOnboardingMarker(prefix string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if prefix != "" && strings.HasPrefix(r.URL.Path, prefix) {
				r = r.WithContext(MarkPostOnboarding(r.Context()))
			}
			next.ServeHTTP(w, r)
		})
	}
}

// MarkPostOnboarding flags the request as one where the tenant has reached a
// surface that requires real tenant storage, so a missing namespace is
// provisioned inline rather than deferred.
func MarkPostOnboarding(ctx context.Context) context.Context {
	return context.WithValue(ctx, postOnboardingKey{}, true)
}

func isPostOnboarding(ctx context.Context) bool {
	marked, _ := ctx.Value(postOnboardingKey{}).(bool)
	return marked
}

type tenantConnKey struct{}

func withTenantConn(ctx context.Context, conn tenancy.Conn) context.Context {
	return context.WithValue(ctx, tenantConnKey{}, conn)
}

// TenantConn returns the request's tenant-bound connection, if the
// interceptor bound one. Business handlers use this for tenant-scoped
// queries; requests on the shared namespace have none.
func TenantConn(ctx context.Context) (tenancy.Conn, bool) {
	conn, ok := ctx.Value(tenantConnKey{}).(tenancy.Conn)
	return conn, ok
}

// withTenancy is the per-request interceptor: bypass, resolve, probe,
// provision-or-defer, bind, execute, unbind. A failure anywhere before the
// handler runs degrades the request to the shared namespace instead of
// failing it; the error is logged with the request id.
func (s *HTTPServer) withTenancy(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		// The binding holder is per request; nothing survives into the next
		// request on a reused connection or goroutine.
		ctx := tenancy.WithBindingHolder(r.Context())
		r = r.WithContext(ctx)

		principal := s.principalFrom(r)
		resolution, err := s.service.resolver.Resolve(ctx, r.Header.Get(s.service.cfg.TenantHeader), principal)
		if err != nil {
			s.fallbackToShared(r, "resolve", err)
			next.ServeHTTP(w, r)
			return
		}
		if resolution.Shared {
			next.ServeHTTP(w, r)
			return
		}

		probe, err := s.service.provisioner.Probe(ctx, resolution.TenantID)
		if err != nil {
			s.fallbackToShared(r, "probe", err)
			next.ServeHTTP(w, r)
			return
		}

		if !probe.NamespaceExists {
			if !s.shouldProvisionInline(ctx, principal) {
				s.metrics.SharedFallbacks.WithLabelValues("deferred").Inc()
				next.ServeHTTP(w, r)
				return
			}
			if _, err := s.service.provisioner.EnsureMinimal(ctx, resolution.TenantID); err != nil {
				s.fallbackToShared(r, "provision", err)
				next.ServeHTTP(w, r)
				return
			}
			s.metrics.InlineProvisions.Inc()
		}

		err = s.service.binder.WithTenant(ctx, resolution.TenantID, func(ctx context.Context, conn tenancy.Conn) error {
			next.ServeHTTP(w, r.WithContext(withTenantConn(ctx, conn)))
			return nil
		})
		if err != nil {
			// Binding failed before the handler ran; serve the request
			// against the shared namespace instead of failing it.
			s.fallbackToShared(r, "bind", err)
			next.ServeHTTP(w, r)
		}
	})
}

// shouldProvisionInline decides provision-vs-defer for a tenant with no
// namespace: provision when the request is a post-onboarding surface or the
// user's profile cleared the deferral flag; otherwise defer.
func (s *HTTPServer) shouldProvisionInline(ctx context.Context, principal *tenancy.Principal) bool {
	if isPostOnboarding(ctx) {
		return true
	}
	if principal == nil {
		return false
	}
	p, err := s.service.profiles.Get(ctx, principal.UserID)
	if err != nil {
		log.Printf("tenancy: read profile for %s: %v", principal.UserID, err)
		return false
	}
	return !p.Deferred
}

func (s *HTTPServer) isPublicPath(path string) bool {
	for _, prefix := range s.service.cfg.PublicPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func (s *HTTPServer) fallbackToShared(r *http.Request, stage string, err error) {
	s.metrics.SharedFallbacks.WithLabelValues(stage).Inc()
	log.Printf(`{"request_id":"%s","component":"tenancy","stage":"%s","fallback":"shared","error":"%s"}`,
		requestIDFrom(r.Context()), stage, err)
}
