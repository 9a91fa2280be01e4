package abuse

import (
	"encoding/json"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/web-extractor/internal/extract"
	"github.com/JakeFAU/web-extractor/internal/metrics"
)

// APIKeyHeader carries the caller's API key.
const APIKeyHeader = "X-API-Key"

// APIKey returns the key presented in X-API-Key or an Authorization bearer
// token.
func APIKey(r *http.Request) string {
	if key := strings.TrimSpace(r.Header.Get(APIKeyHeader)); key != "" {
		return key
	}
	auth := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}

// Identifier derives a stable client id from a request.
type Identifier struct {
	hasher extract.Hasher
	useKey bool
}

// NewIdentifier returns an Identifier. When useKey is set, callers presenting
// an API key are identified by a digest of it; everyone else by remote IP.
func NewIdentifier(hasher extract.Hasher, useKey bool) *Identifier {
	return &Identifier{hasher: hasher, useKey: useKey}
}

// ClientID identifies the caller of r. Proxy headers are applied upstream
// when trusted, so RemoteAddr is authoritative here.
func (id *Identifier) ClientID(r *http.Request) string {
	if id.useKey && id.hasher != nil {
		if key := APIKey(r); key != "" {
			if digest, err := id.hasher.Hash([]byte(key)); err == nil && len(digest) >= 16 {
				return "key:" + digest[:16]
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Middleware refuses requests beyond the guard's budget with 429. Guard
// errors let the request through.
func Middleware(guard Guard, identify func(*http.Request) string, logger *zap.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientID := identify(r)
			decision, err := guard.Allow(r.Context(), clientID)
			if err != nil {
				logger.Warn("abuse guard unavailable", zap.String("client_id", clientID), zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
			if decision.Allowed {
				next.ServeHTTP(w, r)
				return
			}

			metrics.ObserveAbuseRejection()
			retryAfter := int(math.Ceil(decision.RetryAfter.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			logger.Info("client rate limited", zap.String("client_id", clientID), zap.Int("retry_after_s", retryAfter))
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"error":             "rate limited",
				"retryAfterSeconds": retryAfter,
			})
		})
	}
}
