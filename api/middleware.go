package api

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"github.com/warp/commission-engine/ledger"
)

// SignatureHeader carries "sha256=<hex HMAC of the raw body>".
const SignatureHeader = "X-Signature"

const maxWebhookBody = 1 << 20

// Sign returns the signature header value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature authenticates webhook bodies with the workspace signing
// secret named by the {workspaceID} route parameter. Workspaces without a
// secret are accepted unsigned (local development only).
func VerifySignature(dir ledger.DirectoryStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			wsID := ledger.WorkspaceID(chi.URLParam(r, "workspaceID"))
			ws, err := dir.GetWorkspace(r.Context(), wsID)
			if err != nil {
				if ledger.IsNotFound(err) {
					writeError(w, http.StatusUnprocessableEntity, "Unknown workspace", nil)
					return
				}
				writeError(w, http.StatusInternalServerError, "Failed to load workspace", err)
				return
			}

			if !verifyBody(w, r, ws.SigningSecret) {
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// VerifyCallbackSignature authenticates payment-rail and merchant payment
// callbacks with the platform callback secret. Unlike workspace webhooks
// there is no unsigned mode: with no secret configured every callback is
// refused.
func VerifyCallbackSignature(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				writeError(w, http.StatusUnauthorized, "Callbacks are not configured", nil)
				return
			}
			if !verifyBody(w, r, secret) {
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// verifyBody buffers the body for the next handler and checks its signature
// when secret is set. It writes the error response itself.
func verifyBody(w http.ResponseWriter, r *http.Request, secret string) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read body", err)
		return false
	}
	r.Body = io.NopCloser(bytes.NewReader(body))

	if secret == "" {
		return true
	}
	got := strings.TrimSpace(r.Header.Get(SignatureHeader))
	if !hmac.Equal([]byte(got), []byte(Sign(secret, body))) {
		writeError(w, http.StatusUnauthorized, "Invalid signature", nil)
		return false
	}
	return true
}

// maxLimiters bounds the limiter set. Keys come from the URL before the
// workspace is authenticated, so the least recently used bucket is evicted.
const maxLimiters = 4096

// RateLimiter keeps one token bucket per workspace (or per client address
// on routes without a workspace).
type RateLimiter struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters *lru.Cache[string, *rate.Limiter]
}

func NewRateLimiter(rps float64, burst int) *RateLimiter {
	return newRateLimiter(rps, burst, maxLimiters)
}

func newRateLimiter(rps float64, burst, size int) *RateLimiter {
	limiters, _ := lru.New[string, *rate.Limiter](size)
	return &RateLimiter{
		limit:    rate.Limit(rps),
		burst:    burst,
		limiters: limiters,
	}
}

func (rl *RateLimiter) get(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	l, ok := rl.limiters.Get(key)
	if !ok {
		l = rate.NewLimiter(rl.limit, rl.burst)
		rl.limiters.Add(key, l)
	}
	return l
}

func (rl *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := chi.URLParam(r, "workspaceID")
		if key == "" {
			key = r.RemoteAddr
		}
		if !rl.get(key).Allow() {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "Too many requests", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}
