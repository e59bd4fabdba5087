package httpapi

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/shelfworks/authcore/internal/logctx"
	"github.com/shelfworks/authcore/oidcrp"
	"github.com/shelfworks/authcore/ratelimit"
)

// withRequestID tags each request with an id and enriches the logging
// context.
func (h *Handler) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-Id")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
			RequestID:  reqID,
			Method:     r.Method,
			Path:       r.URL.Path,
			UserAgent:  r.UserAgent(),
			RemoteAddr: r.RemoteAddr,
		})
		w.Header().Set("X-Request-Id", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// withRateLimit runs the sliding-window admission check before dispatch.
// The identity is "user:{uid}" when a resolvable session cookie is present,
// "ip:{address}" otherwise.
func (h *Handler) withRateLimit(next http.Handler) http.Handler {
	if h.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rc := oidcrp.StdRequest{R: r, W: w}
		identity := ratelimit.IPIdentity(oidcrp.ClientIP(rc))
		if cookie, err := r.Cookie(SessionCookieName); err == nil && cookie.Value != "" {
			if us, err := h.svc.LookupUserSession(r.Context(), cookie.Value); err == nil {
				identity = ratelimit.UserIdentity(us.UserID)
				r = r.WithContext(logctx.WithPrincipalData(r.Context(), &logctx.PrincipalData{
					UserID:   us.UserID,
					Provider: us.ProviderID,
				}))
			}
		}

		key := ratelimit.Key(identity, r.Method, r.URL.Path)
		dec, err := h.limiter.Allow(r.Context(), key)
		if err != nil {
			// Admission control degrades open: a broken limiter backend
			// must not take authentication down with it.
			next.ServeHTTP(w, r)
			return
		}
		if !dec.Allowed {
			w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(dec.RetryAfter)))
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func retryAfterSeconds(d time.Duration) int {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}
