package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/warp/economy-engine/economy"
)

// =============================================================================
// PRINCIPAL RESOLUTION
// =============================================================================

// PrincipalHeader carries the caller identity set by the upstream gateway.
const PrincipalHeader = "X-Principal-ID"

// PrincipalResolver turns an authenticated request into a principal.
type PrincipalResolver func(r *http.Request) (economy.Principal, error)

var errNoPrincipal = errors.New("missing " + PrincipalHeader + " header")

// HeaderPrincipal trusts PrincipalHeader.
func HeaderPrincipal(r *http.Request) (economy.Principal, error) {
	v := strings.TrimSpace(r.Header.Get(PrincipalHeader))
	if v == "" {
		return "", errNoPrincipal
	}
	p := economy.Principal(v)
	if err := p.Validate(); err != nil {
		return "", err
	}
	return p, nil
}

type principalKey struct{}

// RequirePrincipal rejects requests the resolver cannot identify.
func RequirePrincipal(resolve PrincipalResolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, err := resolve(r)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "Unknown principal", err)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, p)))
		})
	}
}

// principalFrom returns the principal stored by RequirePrincipal.
func principalFrom(ctx context.Context) economy.Principal {
	p, _ := ctx.Value(principalKey{}).(economy.Principal)
	return p
}

// =============================================================================
// RATE LIMITING - per principal token bucket on mutating routes
// =============================================================================

// RateLimiter hands out one limiter per principal. Idle limiters are swept.
type RateLimiter struct {
	limit rate.Limit
	burst int
	idle  time.Duration
	now   func() time.Time

	mu        sync.Mutex
	visitors  map[economy.Principal]*visitor
	lastSweep time.Time
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter allows perSecond requests with the given burst. A
// non-positive perSecond disables limiting.
func NewRateLimiter(perSecond float64, burst int) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	return &RateLimiter{
		limit:    limit,
		burst:    burst,
		idle:     5 * time.Minute,
		now:      time.Now,
		visitors: make(map[economy.Principal]*visitor),
	}
}

// Allow reports whether p may make another mutating request now.
func (rl *RateLimiter) Allow(p economy.Principal) bool {
	rl.mu.Lock()
	now := rl.now()
	if now.Sub(rl.lastSweep) > rl.idle {
		for id, v := range rl.visitors {
			if now.Sub(v.lastSeen) > rl.idle {
				delete(rl.visitors, id)
			}
		}
		rl.lastSweep = now
	}
	v, ok := rl.visitors[p]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.visitors[p] = v
	}
	v.lastSeen = now
	rl.mu.Unlock()

	return v.limiter.AllowN(now, 1)
}

// Middleware must run after RequirePrincipal.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(principalFrom(r.Context())) {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "Too many requests", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// =============================================================================
// REQUEST LOGGING
// =============================================================================

// RequestLogger logs one structured line per request.
func RequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				fields := []zap.Field{
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.Status()),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("duration", time.Since(start)),
					zap.String("request_id", middleware.GetReqID(r.Context())),
				}
				if p := r.Header.Get(PrincipalHeader); p != "" {
					fields = append(fields, zap.String("principal", p))
				}
				switch {
				case ww.Status() >= 500:
					logger.Error("request", fields...)
				case ww.Status() >= 400:
					logger.Warn("request", fields...)
				default:
					logger.Info("request", fields...)
				}
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
