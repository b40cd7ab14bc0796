// Package guard is an in-memory abuse filter in front of the HTTP API.
// It tracks three things per source address: a request-rate window, a
// probe (scanner / 404) window, and an active ban. Counters live in
// process memory; the gateway runs as a single instance.
package guard

import (
	"net"
	"regexp"
	"sync"
	"time"

	"github.com/c-robinson/iplib"
	"go.uber.org/zap"
)

const (
	RequestLimit  = 100
	RequestWindow = 60 * time.Second

	ProbeLimit  = 10
	ProbeWindow = 5 * time.Minute

	BanDuration   = 30 * time.Minute
	SweepInterval = 10 * time.Minute
)

// scannerRe matches vulnerability-probe paths that legitimate clients
// never request. Hits are answered 404 without consuming the request
// budget and count toward the probe ban.
var scannerRe = regexp.MustCompile(`(?i)(\.php|\.aspx?|phpmyadmin|/admin/|/wp-admin|/wp-login|/nacos|/cwbase|/weboffice|/wcm/|/env$|\.env|/v1/models|/v2/logging|/ofbiz|/actuator|/console|/manager/|/solr/|/jenkins/|/config\.json)`)

// Decision is the guard verdict for one request.
type Decision struct {
	Allow      bool
	Status     int
	RetryAfter int // seconds, set for rate limits
	Scanner    bool
}

var allowed = Decision{Allow: true}

// reqWindow is a fixed request-budget window: the count resets when the
// window boundary passes, so state per address is one counter.
type reqWindow struct {
	count   int
	resetAt time.Time
}

// probeWindow counts suspicious requests in a rolling span anchored at
// the first offence.
type probeWindow struct {
	count int
	start time.Time
}

type Guard struct {
	mu       sync.Mutex
	requests map[string]*reqWindow
	probes   map[string]*probeWindow
	bans     map[string]time.Time
	trusted  []iplib.Net

	now  func() time.Time
	stop chan struct{}
	once sync.Once
}

func NewGuard(trustedCidrs []string) *Guard {
	g := &Guard{
		requests: make(map[string]*reqWindow),
		probes:   make(map[string]*probeWindow),
		bans:     make(map[string]time.Time),
		now:      time.Now,
		stop:     make(chan struct{}),
	}
	for _, cidr := range trustedCidrs {
		_, n, err := iplib.ParseCIDR(cidr)
		if err != nil {
			zap.L().Warn("guard: bad trusted cidr, skipped", zap.String("cidr", cidr), zap.Error(err))
			continue
		}
		g.trusted = append(g.trusted, n)
	}
	return g
}

// SourceAddr strips the port from a remote address.
func SourceAddr(remote string) string {
	if host, _, err := net.SplitHostPort(remote); err == nil {
		return host
	}
	return remote
}

func (g *Guard) isTrusted(addr string) bool {
	if len(g.trusted) == 0 {
		return false
	}
	ip := net.ParseIP(addr)
	if ip == nil {
		return false
	}
	for _, n := range g.trusted {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// Check evaluates one incoming request. Order matters: active bans win,
// then the scanner short-circuit, then the rate window.
func (g *Guard) Check(addr, path string) Decision {
	if g.isTrusted(addr) {
		return allowed
	}
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()

	if until, ok := g.bans[addr]; ok {
		if now.Before(until) {
			return Decision{Status: 403}
		}
		delete(g.bans, addr)
	}

	if scannerRe.MatchString(path) {
		g.recordProbeLocked(addr, now)
		return Decision{Status: 404, Scanner: true}
	}

	w := g.requests[addr]
	if w == nil || !now.Before(w.resetAt) {
		w = &reqWindow{resetAt: now.Add(RequestWindow)}
		g.requests[addr] = w
	}
	if w.count >= RequestLimit {
		retry := int(w.resetAt.Sub(now) / time.Second)
		if retry < 1 {
			retry = 1
		}
		return Decision{Status: 429, RetryAfter: retry}
	}
	w.count++
	return allowed
}

// RecordNotFound feeds a genuine routing 404 into the probe window.
func (g *Guard) RecordNotFound(addr string) {
	if g.isTrusted(addr) {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.recordProbeLocked(addr, g.now())
}

func (g *Guard) recordProbeLocked(addr string, now time.Time) {
	w := g.probes[addr]
	if w == nil || now.Sub(w.start) > ProbeWindow {
		w = &probeWindow{start: now}
		g.probes[addr] = w
	}
	w.count++
	if w.count >= ProbeLimit {
		g.bans[addr] = now.Add(BanDuration)
		delete(g.probes, addr)
		zap.L().Warn("guard: source banned", zap.String("addr", addr), zap.Duration("duration", BanDuration))
	}
}

// Start launches the periodic sweep of idle windows and expired bans.
func (g *Guard) Start() {
	go func() {
		ticker := time.NewTicker(SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-g.stop:
				return
			case <-ticker.C:
				g.sweep()
			}
		}
	}()
}

func (g *Guard) Stop() {
	g.once.Do(func() { close(g.stop) })
}

func (g *Guard) sweep() {
	now := g.now()
	g.mu.Lock()
	defer g.mu.Unlock()
	for addr, w := range g.requests {
		if !now.Before(w.resetAt) {
			delete(g.requests, addr)
		}
	}
	for addr, w := range g.probes {
		if now.Sub(w.start) > ProbeWindow {
			delete(g.probes, addr)
		}
	}
	for addr, until := range g.bans {
		if now.After(until) {
			delete(g.bans, addr)
		}
	}
}
