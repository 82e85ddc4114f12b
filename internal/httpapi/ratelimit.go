package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"sync"

	"golang.org/x/time/rate"
)

// perUserLimiter enforces a token-bucket rate limit per user_id on
// /api/chat/send, so a single caller cannot flood the orchestrator with
// subprocess spawns. Each user gets an independent *rate.Limiter, created
// lazily on first use.
type perUserLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

// newPerUserLimiter builds a limiter allowing rps sends per second per user,
// with burst capacity for short spikes.
func newPerUserLimiter(rps float64, burst int) *perUserLimiter {
	return &perUserLimiter{
		limiters: make(map[string]*rate.Limiter),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
}

func (l *perUserLimiter) allow(userID string) bool {
	l.mu.Lock()
	lim, ok := l.limiters[userID]
	if !ok {
		lim = rate.NewLimiter(l.rps, l.burst)
		l.limiters[userID] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}

// rateLimitSend wraps handleSend so it returns 429 once the request's
// user_id exceeds its budget. It peeks user_id out of the body, then
// restores the body so handleSend's own decode sees the full payload.
func (s *Server) rateLimitSend(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "failed to read body", http.StatusBadRequest)
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		var probe struct {
			UserID string `json:"user_id"`
		}
		_ = json.Unmarshal(body, &probe)

		if probe.UserID != "" && !s.sendLimiter.allow(probe.UserID) {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next(w, r)
	}
}
