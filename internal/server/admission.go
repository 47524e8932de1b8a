package server

import (
	"net"
	"sync"

	"golang.org/x/time/rate"
)

// admission gates new connections before any per-connection work starts:
// a global token bucket on the accept rate and a cap on concurrent
// connections per remote IP.
type admission struct {
	rate *rate.Limiter
	ips  *ipLimiter
}

func newAdmission(perSecond float64, burst, maxConnsPerIP int) *admission {
	a := &admission{ips: newIPLimiter(maxConnsPerIP)}
	if perSecond > 0 {
		if burst <= 0 {
			burst = 1
		}
		a.rate = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
	return a
}

// admit reports whether a connection from ip may proceed and, if so, the
// release to call when it ends.
func (a *admission) admit(ip string) (func(), bool) {
	if a.rate != nil && !a.rate.Allow() {
		return nil, false
	}
	if !a.ips.acquire(ip) {
		return nil, false
	}
	var once sync.Once
	return func() { once.Do(func() { a.ips.release(ip) }) }, true
}

type ipLimiter struct {
	mu     sync.Mutex
	max    int
	counts map[string]int
}

func newIPLimiter(max int) *ipLimiter {
	return &ipLimiter{max: max, counts: make(map[string]int)}
}

func (l *ipLimiter) acquire(ip string) bool {
	if l.max <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.counts[ip] >= l.max {
		return false
	}
	l.counts[ip]++
	return true
}

func (l *ipLimiter) release(ip string) {
	if l.max <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.counts[ip] <= 1 {
		delete(l.counts, ip)
		return
	}
	l.counts[ip]--
}

func hostOf(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	s := addr.String()
	if host, _, err := net.SplitHostPort(s); err == nil {
		return host
	}
	return s
}
