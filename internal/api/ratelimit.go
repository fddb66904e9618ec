package api

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// ──────────────────────────────────────────────────────────────────────
// Cost-Weighted Per-IP Rate Limiter
//
// Endpoints are not equal here: a run submission fans out CPU-bound
// aggregation and synthesis across every core, while a progress poll is a
// map read. Each IP holds one credit balance; cheap reads spend
// CostQuery, run submissions spend CostRunSubmit. When the balance is
// empty the request receives HTTP 429 with a Retry-After header.
//
// Idle balances are garbage-collected to keep memory bounded under
// transient scanner traffic.
// ──────────────────────────────────────────────────────────────────────

// Credit costs per request class.
const (
	CostQuery     = 1.0 // run listings, progress, aggregate pages
	CostRunSubmit = 5.0 // launches a full pipeline run
)

const balanceIdleExpiry = 10 * time.Minute

// balance tracks one IP's remaining credits.
type balance struct {
	credits float64
	touched time.Time
}

// RateLimiter refills each IP's credits at creditsPerMin and caps the
// balance at maxCredits.
type RateLimiter struct {
	creditsPerSec float64
	maxCredits    float64

	mu       sync.Mutex
	balances map[string]*balance
}

// NewRateLimiter creates a limiter granting `creditsPerMin` credits per
// minute per IP with a starting balance of `maxCredits`. At the default
// costs this allows creditsPerMin plain queries or creditsPerMin /
// CostRunSubmit run submissions per minute.
func NewRateLimiter(creditsPerMin int, maxCredits int) *RateLimiter {
	rl := &RateLimiter{
		creditsPerSec: float64(creditsPerMin) / 60.0,
		maxCredits:    float64(maxCredits),
		balances:      make(map[string]*balance),
	}
	go rl.expireLoop()
	return rl
}

// spend attempts to deduct cost from the IP's balance, refilling for the
// time elapsed since the last request first.
func (rl *RateLimiter) spend(ip string, cost float64) (bool, time.Duration) {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, ok := rl.balances[ip]
	if !ok {
		b = &balance{credits: rl.maxCredits, touched: now}
		rl.balances[ip] = b
	}

	b.credits += now.Sub(b.touched).Seconds() * rl.creditsPerSec
	if b.credits > rl.maxCredits {
		b.credits = rl.maxCredits
	}
	b.touched = now

	if b.credits >= cost {
		b.credits -= cost
		return true, 0
	}
	wait := time.Duration((cost-b.credits)/rl.creditsPerSec*1000) * time.Millisecond
	return false, wait
}

// Middleware enforces the default query cost on every request.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return rl.CostMiddleware(CostQuery)
}

// CostMiddleware enforces a specific credit cost; attach to expensive
// routes such as run submission.
func (rl *RateLimiter) CostMiddleware(cost float64) gin.HandlerFunc {
	return func(c *gin.Context) {
		allowed, retryAfter := rl.spend(c.ClientIP(), cost)
		if !allowed {
			c.Header("Retry-After", retryAfter.String())
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":      "Rate limit exceeded",
				"retryAfter": retryAfter.String(),
				"hint":       fmt.Sprintf("This endpoint costs %.0f credits; run submissions are the most expensive", cost),
			})
			c.Abort()
			return
		}
		c.Next()
	}
}

// expireLoop drops balances idle longer than balanceIdleExpiry.
func (rl *RateLimiter) expireLoop() {
	ticker := time.NewTicker(balanceIdleExpiry)
	defer ticker.Stop()
	for range ticker.C {
		cutoff := time.Now().Add(-balanceIdleExpiry)
		rl.mu.Lock()
		for ip, b := range rl.balances {
			if b.touched.Before(cutoff) {
				delete(rl.balances, ip)
			}
		}
		rl.mu.Unlock()
	}
}
