// Package lim throttles requests per client and endpoint class. With Redis
// configured the window is shared by every instance; otherwise each
// instance keeps token buckets in memory.
package lim

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"ciphertoken/cfg"
	"ciphertoken/svc/util"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

type Class string

const (
	ClassAuth    Class = "auth"
	ClassEncrypt Class = "encrypt"
	ClassDecrypt Class = "decrypt"
	ClassRead    Class = "read"
)

const (
	maxLimiters     = 10000
	sweepInterval   = 5 * time.Minute
	limiterTTL      = 30 * time.Minute
	adaptiveFor     = time.Minute
	globalTimeout   = 100 * time.Millisecond
	maxForwardedIPs = 50
	window          = time.Minute
)

// WindowCounter is a shared fixed-window counter. It returns the number of
// hits in the current window including this one.
type WindowCounter interface {
	RateLimit(ctx context.Context, key string, limit int, window time.Duration) (int, error)
}

type Policy struct {
	PerMinute int
	Burst     int
}

type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	Reset     time.Time
}

type Limiter struct {
	global        WindowCounter
	policies      map[Class]Policy
	proxies       []*net.IPNet
	detector      *AnomalyDetector
	adaptiveUntil atomic.Int64

	mu    sync.Mutex
	local map[string]*limiterEntry
}

type limiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// New builds a limiter. Pass a nil global counter to keep all state local.
func New(c cfg.RateLimitCfg, global WindowCounter, trustedProxies []string) (*Limiter, error) {
	proxies, err := parseProxies(trustedProxies)
	if err != nil {
		return nil, err
	}
	burst := c.Burst
	if burst <= 0 {
		burst = 1
	}
	authBurst := burst
	if authBurst > c.ConservativeLimit {
		authBurst = c.ConservativeLimit
	}
	l := &Limiter{
		global: global,
		policies: map[Class]Policy{
			ClassAuth:    {PerMinute: c.ConservativeLimit, Burst: authBurst},
			ClassEncrypt: {PerMinute: c.RPM, Burst: burst},
			ClassDecrypt: {PerMinute: c.RPM, Burst: burst},
			ClassRead:    {PerMinute: c.RPM, Burst: burst},
		},
		proxies: proxies,
		local:   make(map[string]*limiterEntry),
	}
	l.detector = NewAnomalyDetector(l.TriggerAdaptiveMode)
	return l, nil
}

// Run sweeps idle buckets and drives the anomaly detector until ctx is done.
func (l *Limiter) Run(ctx context.Context) {
	go l.detector.Run(ctx)
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := l.sweep(time.Now()); n > 0 {
				util.Debug().Int("evicted", n).Msg("rate limiter sweep")
			}
		case <-ctx.Done():
			return
		}
	}
}

func (l *Limiter) Detector() *AnomalyDetector {
	return l.detector
}

func (l *Limiter) TriggerAdaptiveMode() {
	l.adaptiveUntil.Store(time.Now().Add(adaptiveFor).UnixNano())
}

func (l *Limiter) adaptive() bool {
	return time.Now().UnixNano() < l.adaptiveUntil.Load()
}

func (l *Limiter) policy(class Class) Policy {
	p, ok := l.policies[class]
	if !ok {
		p = l.policies[ClassAuth]
	}
	if l.adaptive() {
		p.PerMinute = max(p.PerMinute/2, 1)
		p.Burst = max(p.Burst/2, 1)
	}
	return p
}

// Allow charges one request for key against the class budget.
func (l *Limiter) Allow(ctx context.Context, class Class, key string) Decision {
	p := l.policy(class)
	now := time.Now()
	if l.global != nil {
		gctx, cancel := context.WithTimeout(ctx, globalTimeout)
		used, err := l.global.RateLimit(gctx, string(class)+":"+key, p.PerMinute, window)
		cancel()
		if err == nil {
			return Decision{
				Allowed:   used <= p.PerMinute,
				Limit:     p.PerMinute,
				Remaining: max(p.PerMinute-used, 0),
				Reset:     now.Add(window),
			}
		}
		util.Warn().Err(err).Msg("shared rate limit unavailable, using local buckets")
	}
	return l.allowLocal(class, key, p, now)
}

func (l *Limiter) allowLocal(class Class, key string, p Policy, now time.Time) Decision {
	id := string(class) + ":" + key
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.local[id]
	if !ok {
		if len(l.local) >= maxLimiters {
			l.sweepLocked(now)
		}
		if len(l.local) >= maxLimiters {
			util.Warn().Int("limiters", len(l.local)).Msg("rate limiter at capacity, rejecting request")
			return Decision{Allowed: false, Limit: p.PerMinute, Reset: now.Add(window)}
		}
		e = &limiterEntry{limiter: rate.NewLimiter(rate.Limit(float64(p.PerMinute)/60), p.Burst)}
		l.local[id] = e
	}
	e.lastAccess = now
	if e.limiter.Limit() != rate.Limit(float64(p.PerMinute)/60) {
		e.limiter.SetLimitAt(now, rate.Limit(float64(p.PerMinute)/60))
		e.limiter.SetBurstAt(now, p.Burst)
	}
	allowed := e.limiter.AllowN(now, 1)
	return Decision{
		Allowed:   allowed,
		Limit:     p.PerMinute,
		Remaining: max(int(e.limiter.TokensAt(now)), 0),
		Reset:     now.Add(window),
	}
}

func (l *Limiter) sweep(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sweepLocked(now)
}

func (l *Limiter) sweepLocked(now time.Time) int {
	n := 0
	for k, e := range l.local {
		if now.Sub(e.lastAccess) > limiterTTL {
			delete(l.local, k)
			n++
		}
	}
	return n
}

// ClientIP returns the address of the first hop not in the trusted proxy
// list, walking X-Forwarded-For from the right. Without trusted proxies the
// header is ignored.
func (l *Limiter) ClientIP(r *http.Request) string {
	remote := stripPort(r.RemoteAddr)
	if len(l.proxies) == 0 || !l.trusted(remote) {
		return remote
	}
	hops := strings.Split(r.Header.Get("X-Forwarded-For"), ",")
	if len(hops) > maxForwardedIPs {
		hops = hops[len(hops)-maxForwardedIPs:]
	}
	for i := len(hops) - 1; i >= 0; i-- {
		hop := strings.TrimSpace(hops[i])
		if net.ParseIP(hop) == nil {
			continue
		}
		if !l.trusted(hop) {
			return hop
		}
	}
	return remote
}

func (l *Limiter) trusted(ip string) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	for _, n := range l.proxies {
		if n.Contains(parsed) {
			return true
		}
	}
	return false
}

func parseProxies(in []string) ([]*net.IPNet, error) {
	out := make([]*net.IPNet, 0, len(in))
	for _, p := range in {
		if !strings.Contains(p, "/") {
			ip := net.ParseIP(p)
			if ip == nil {
				return nil, errors.Errorf("invalid IP in trusted proxies: %s", p)
			}
			bits := 32
			if ip.To4() == nil {
				bits = 128
			}
			p = ip.String() + "/" + strconv.Itoa(bits)
		}
		_, n, err := net.ParseCIDR(p)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid CIDR in trusted proxies: %s", p)
		}
		out = append(out, n)
	}
	return out, nil
}

func stripPort(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
