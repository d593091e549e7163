package shield

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Window is one fixed-window limit: at most Max requests per Period.
type Window struct {
	Max    int
	Period time.Duration
}

// Rule binds a set of windows to a path prefix. An empty prefix matches
// every path (the global rule). All matching rules must pass.
type Rule struct {
	PathPrefix string
	Windows    []Window
}

type bucket struct {
	count   int
	resetAt time.Time
}

// RateLimiter enforces per-IP fixed windows held in memory. State resets on
// restart, which the login limits accept as a documented trade-off.
type RateLimiter struct {
	rules   []Rule
	buckets sync.Map // "ip|prefix|period" -> *bucket
	mu      sync.Mutex
	now     func() time.Time
}

// NewRateLimiter creates a limiter over the given rules. Call StartGC to
// collect expired buckets in the background.
func NewRateLimiter(rules ...Rule) *RateLimiter {
	return &RateLimiter{rules: rules, now: time.Now}
}

// LoginRules returns the standard limits for a credential endpoint plus the
// service-wide ceilings: loginPerMin/min on the login path, and global
// perHour/hour and perDay/day per source IP.
func LoginRules(loginPath string, loginPerMin, perHour, perDay int) []Rule {
	return []Rule{
		{PathPrefix: loginPath, Windows: []Window{{Max: loginPerMin, Period: time.Minute}}},
		{PathPrefix: "", Windows: []Window{
			{Max: perHour, Period: time.Hour},
			{Max: perDay, Period: 24 * time.Hour},
		}},
	}
}

// StartGC collects expired buckets every interval until done is closed.
func (rl *RateLimiter) StartGC(done <-chan struct{}, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				now := rl.now()
				rl.buckets.Range(func(key, value any) bool {
					if now.After(value.(*bucket).resetAt) {
						rl.buckets.Delete(key)
					}
					return true
				})
			}
		}
	}()
}

// Allow consumes one request from every window matching path. When denied
// it returns the seconds until the earliest offending window resets.
func (rl *RateLimiter) Allow(ip, path string) (bool, int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	allowed := true
	retryAfter := 0
	for _, rule := range rl.rules {
		if rule.PathPrefix != "" && !strings.HasPrefix(path, rule.PathPrefix) {
			continue
		}
		for _, w := range rule.Windows {
			key := ip + "|" + rule.PathPrefix + "|" + w.Period.String()
			val, _ := rl.buckets.LoadOrStore(key, &bucket{resetAt: now.Add(w.Period)})
			b := val.(*bucket)
			if now.After(b.resetAt) {
				b.count = 0
				b.resetAt = now.Add(w.Period)
			}
			b.count++
			if b.count > w.Max {
				allowed = false
				secs := int(b.resetAt.Sub(now).Seconds()) + 1
				if retryAfter == 0 || secs < retryAfter {
					retryAfter = secs
				}
			}
		}
	}
	return allowed, retryAfter
}

// Middleware enforces the limits and answers 429 with Retry-After.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := ExtractIP(r)
		ok, retryAfter := rl.Allow(ip, r.URL.Path)
		if ok {
			next.ServeHTTP(w, r)
			return
		}

		slog.Warn("ratelimit: request blocked", "ip", ip, "path", r.URL.Path)
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]string{
			"error": "rate limit exceeded",
			"code":  "rate_limited",
		})
	})
}

// ExtractIP returns the client IP from X-Forwarded-For or RemoteAddr.
func ExtractIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		for i := 0; i < len(xff); i++ {
			if xff[i] == ',' {
				return strings.TrimSpace(xff[:i])
			}
		}
		return strings.TrimSpace(xff)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
