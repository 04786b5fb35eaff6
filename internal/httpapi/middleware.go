package httpapi

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/avery-chen/ticketflow/internal/readiness"
)

// bearerAuth gates every /v1/-prefixed route behind a shared-secret bearer
// token, grounded on the teacher's csrfProtect middleware-wrapping-mux
// pattern (same shape, different check). Disabled entirely when token is
// empty, matching REQUIRE_AUTH=false.
func bearerAuth(next http.Handler, token string) http.Handler {
	if token == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/v1/") {
			next.ServeHTTP(w, r)
			return
		}
		const prefix = "Bearer "
		hdr := r.Header.Get("Authorization")
		if !strings.HasPrefix(hdr, prefix) {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
			return
		}
		got := strings.TrimPrefix(hdr, prefix)
		if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireReady wraps a handler with the readiness admission gate for path,
// per spec.md 4.D: any dep the endpoint needs (its static EndpointDeps plus
// the universal required set) that isn't ready yields the canonical 503.
func requireReady(eval *readiness.Evaluator, m interface{ IncRequiredUnavailable(string) }, path string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		now := time.Now().UTC()
		snap := eval.Evaluate(now)

		needed := append([]string(nil), eval.EndpointDeps(path)...)
		for k := range snap.Required {
			needed = append(needed, k)
		}
		missing := eval.MissingRequired(dedupeStrings(needed))
		if len(missing) > 0 {
			for _, dep := range missing {
				if m != nil {
					m.IncRequiredUnavailable(dep)
				}
			}
			writeReadinessReject(w, missing, snap.Degraded, now)
			return
		}
		next(w, r)
	}
}

func dedupeStrings(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
