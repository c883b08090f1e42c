package api

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/org/authcore/internal/core"
	"github.com/org/authcore/internal/guard"
	"github.com/org/authcore/internal/ids"
)

// requestIDMiddleware attaches a UUID request ID to each request.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = ids.NewUUID()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(withRequestID(r.Context(), id)))
	})
}

// authMiddleware verifies the bearer credential and attaches its claims to
// the request context.
func authMiddleware(g *guard.Guard) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				writeError(w, http.StatusUnauthorized, "missing bearer credential")
				return
			}
			claims, err := g.Verify(r.Context(), token)
			if err != nil {
				writeCoreError(w, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(withClaims(r.Context(), claims)))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", false
	}
	return strings.TrimSpace(token), true
}

// requirePermission rejects requests whose claims do not grant perm.
func requirePermission(g *guard.Guard, perm string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !g.HasPermission(r.Context(), claimsFromCtx(r.Context()), perm) {
				writeCoreError(w, core.E(core.KindPermissionDenied, "", "missing "+perm))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type responseRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rr *responseRecorder) WriteHeader(code int) {
	rr.statusCode = code
	rr.ResponseWriter.WriteHeader(code)
}

// accessLogMiddleware writes one structured line per request.
func accessLogMiddleware(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rr := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rr, r)

			subject := ""
			if c := claimsFromCtx(r.Context()); c != nil {
				subject = c.Subject
			}
			log.Debug().
				Str("request_id", requestIDFromCtx(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", rr.statusCode).
				Dur("took", time.Since(start)).
				Str("ip", clientIP(r)).
				Str("subject", subject).
				Msg("request")
		})
	}
}

// rateLimiter is a per-IP token bucket limiter.
type rateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	limit   rate.Limit
	burst   int
}

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// newRateLimiter returns a limiter admitting rps requests per second per IP
// with the given burst. rps <= 0 disables limiting.
func newRateLimiter(rps float64, burst int) *rateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &rateLimiter{
		buckets: make(map[string]*bucket),
		limit:   rate.Limit(rps),
		burst:   burst,
	}
}

func (rl *rateLimiter) allow(ip string) bool {
	if rl.limit <= 0 {
		return true
	}
	now := time.Now()
	rl.mu.Lock()
	defer rl.mu.Unlock()
	b, ok := rl.buckets[ip]
	if !ok {
		if len(rl.buckets) > 10000 {
			rl.evictLocked(now)
		}
		b = &bucket{lim: rate.NewLimiter(rl.limit, rl.burst)}
		rl.buckets[ip] = b
	}
	b.lastSeen = now
	return b.lim.AllowN(now, 1)
}

// evictLocked drops buckets idle for over a minute.
func (rl *rateLimiter) evictLocked(now time.Time) {
	for ip, b := range rl.buckets {
		if now.Sub(b.lastSeen) > time.Minute {
			delete(rl.buckets, ip)
		}
	}
}

func (rl *rateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !rl.allow(ip) {
			writeCoreError(w, core.E(core.KindRateLimited, "", "rate limit exceeded").With("ip", ip))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// proxyResolver decides which address a request comes from. X-Forwarded-For
// is only read when the connection itself is from a trusted proxy.
type proxyResolver struct {
	trusted []netip.Prefix
}

func (p proxyResolver) isTrusted(a netip.Addr) bool {
	for _, pfx := range p.trusted {
		if pfx.Contains(a) {
			return true
		}
	}
	return false
}

// resolve walks X-Forwarded-For from the right, skipping trusted proxies, and
// returns the first untrusted hop. A malformed hop ends the walk at the last
// address known to be good.
func (p proxyResolver) resolve(r *http.Request) string {
	client := remoteHost(r)
	addr, err := netip.ParseAddr(client)
	if err != nil || !p.isTrusted(addr.Unmap()) {
		return client
	}
	hops := strings.Split(r.Header.Get("X-Forwarded-For"), ",")
	for i := len(hops) - 1; i >= 0; i-- {
		hop, err := netip.ParseAddr(strings.TrimSpace(hops[i]))
		if err != nil {
			break
		}
		hop = hop.Unmap()
		client = hop.String()
		if !p.isTrusted(hop) {
			break
		}
	}
	return client
}

func (p proxyResolver) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r.WithContext(withClientIP(r.Context(), p.resolve(r))))
	})
}

// clientIP is the address resolved by proxyResolver, else the connection's host.
func clientIP(r *http.Request) string {
	if ip, ok := r.Context().Value(ctxKeyClientIP).(string); ok && ip != "" {
		return ip
	}
	return remoteHost(r)
}

func remoteHost(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
