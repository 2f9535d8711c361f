package query

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"sync"
)

// dnsPoolExhaustedError is raised by getRandom when every resolved address
// has already been marked used for this logical query.
type dnsPoolExhaustedError struct {
	hostname string
}

func (e *dnsPoolExhaustedError) Error() string {
	return fmt.Sprintf("DNS records exhausted for %s", e.hostname)
}

// dnsPool resolves a hostname to a set of addresses and hands out a fresh,
// unused one per attempt. The pool is created per logical query and
// discarded afterward, so records are never refreshed within one query.
type dnsPool struct {
	mu       sync.Mutex
	hostname string
	used     map[string]bool
	order    []string // resolution order, for deterministic iteration
	resolved bool
}

func newDNSPool(hostname string) *dnsPool {
	return &dnsPool{
		hostname: hostname,
		used:     make(map[string]bool),
	}
}

// resolve performs one hostname resolution, populating the pool. A
// definitive not-found answer is terminal (the hostname will not appear on
// retry); transient resolver failures map to a retriable connection error.
func (p *dnsPool) resolve(ctx context.Context) error {
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, p.hostname)
	if err != nil {
		code := "DNS_TEMPORARY_FAILURE"
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
			code = "DNS_NOT_FOUND"
		}
		return &connectionError{
			code:      code,
			retriable: code != "DNS_NOT_FOUND",
			message:   fmt.Sprintf("DNS lookup failed for %s: %v", p.hostname, err),
			cause:     err,
		}
	}
	if len(addrs) == 0 {
		return &connectionError{
			code:      "DNS_TEMPORARY_FAILURE",
			retriable: true,
			message:   fmt.Sprintf("DNS lookup for %s returned no addresses", p.hostname),
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, a := range addrs {
		addr := a.IP.String()
		if _, ok := p.used[addr]; !ok {
			p.used[addr] = false
			p.order = append(p.order, addr)
		}
	}
	p.resolved = true
	return nil
}

// maybeUpdateAndGet resolves lazily on the first call, then picks a fresh
// address; subsequent calls reuse the cached records.
func (p *dnsPool) maybeUpdateAndGet(ctx context.Context) (string, error) {
	p.mu.Lock()
	needsResolve := !p.resolved
	p.mu.Unlock()

	if needsResolve {
		if err := p.resolve(ctx); err != nil {
			return "", err
		}
	}
	return p.getRandom()
}

// availableRecords returns all entries with used == false.
func (p *dnsPool) availableRecords() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var avail []string
	for _, addr := range p.order {
		if !p.used[addr] {
			avail = append(avail, addr)
		}
	}
	return avail
}

// getRandom picks uniformly at random from unused entries and marks it
// used. It never returns an address already marked used within the same
// logical query; used is monotonic and never cleared.
func (p *dnsPool) getRandom() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var avail []string
	for _, addr := range p.order {
		if !p.used[addr] {
			avail = append(avail, addr)
		}
	}
	if len(avail) == 0 {
		return "", &dnsPoolExhaustedError{hostname: p.hostname}
	}

	addr := avail[rand.N(len(avail))]
	p.used[addr] = true
	return addr, nil
}

// markUsed marks an entry used. Marking an unknown address is a no-op
// the caller may log.
func (p *dnsPool) markUsed(addr string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.used[addr]; ok {
		p.used[addr] = true
	}
}
