package middleware

import (
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/qcom/jwtauth/internal/ratelimit"
	"github.com/sirupsen/logrus"
)

// RateLimitObserver is told about every rejected request.
type RateLimitObserver interface {
	RateLimited(scope string)
}

type RateLimitOptions struct {
	// Scope names the limiter in logs and metrics.
	Scope string
	// Message is the body of the 429 response.
	Message string
	// ExposeHeaders adds X-RateLimit-* headers to allowed responses too.
	ExposeHeaders bool
	Observer      RateLimitObserver
}

// RateLimit rejects requests once the client's budget in limiter is spent.
// Limiter failures fail open.
func RateLimit(limiter ratelimit.Limiter, opts RateLimitOptions, logger *logrus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			client := ClientIP(r)

			decision, err := limiter.Allow(r.Context(), client)
			if err != nil {
				logger.WithError(err).WithField("scope", opts.Scope).Warn("Rate limiter unavailable")
				next.ServeHTTP(w, r)
				return
			}

			if decision.Allowed {
				if opts.ExposeHeaders {
					setRateLimitHeaders(w, decision)
				}
				next.ServeHTTP(w, r)
				return
			}

			logger.WithFields(logrus.Fields{
				"scope":  opts.Scope,
				"client": client,
			}).Warn("Rate limit exceeded")
			if opts.Observer != nil {
				opts.Observer.RateLimited(opts.Scope)
			}

			setRateLimitHeaders(w, decision)
			retryAfter := decision.RetryAfter(time.Now())
			w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter/time.Second)))
			respondWithMessage(w, http.StatusTooManyRequests, opts.Message)
		})
	}
}

func setRateLimitHeaders(w http.ResponseWriter, d ratelimit.Decision) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	w.Header().Set("X-RateLimit-Reset", d.ResetAt.UTC().Format(time.RFC3339))
}

// ClientIP is the remote host without its port. Forwarding headers are not
// trusted.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
