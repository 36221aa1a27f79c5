package httpapi

import (
	"net"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/Lokeessshhh/rag-everything/internal/db"
	"github.com/Lokeessshhh/rag-everything/internal/domain"
)

// IPRateLimiter caps requests per client IP over a fixed window, backed by
// the key-value store so all replicas share one count. It fails open: if the
// store is down, requests pass. Protecting availability of the API matters
// more than strictly enforcing the cap during an outage.
type IPRateLimiter struct {
	kv       db.KVStore
	requests int
	window   time.Duration
	logger   *zap.Logger
}

// NewIPRateLimiter creates a per-IP request limiter.
func NewIPRateLimiter(kv db.KVStore, requests int, window time.Duration, logger *zap.Logger) *IPRateLimiter {
	return &IPRateLimiter{
		kv:       kv,
		requests: requests,
		window:   window,
		logger:   logger,
	}
}

// Middleware rejects requests from IPs that exceeded the window cap.
func (l *IPRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		key := domain.KeyPrefix + "iplimit:" + ip

		count, err := l.kv.Incr(r.Context(), key)
		if err != nil {
			l.logger.Warn("IP rate limit check failed, allowing request",
				zap.String("ip", ip), zap.Error(err))
			next.ServeHTTP(w, r)
			return
		}
		if count == 1 {
			if err := l.kv.Expire(r.Context(), key, l.window, true); err != nil {
				l.logger.Warn("Failed to arm IP limit window",
					zap.String("ip", ip), zap.Error(err))
			}
		}

		if count > int64(l.requests) {
			w.Header().Set("Retry-After", strconv.Itoa(int(l.window.Seconds())))
			writeError(w, http.StatusTooManyRequests, domain.ErrRateLimited.Error())
			return
		}

		next.ServeHTTP(w, r)
	})
}

// clientIP strips the port from RemoteAddr. The RealIP middleware has
// already resolved proxy headers by the time this runs.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
