// Package proxy manages the egress proxies and client identities a session rotates through.
package proxy

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"net/url"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// ErrPoolExhausted is returned by Next when no proxies remain.
var ErrPoolExhausted = errors.New("proxy: pool exhausted")

// Option configures a Pool or Rotator.
type Option func(*options)

type options struct {
	rnd *rand.Rand
}

// WithRand sets the random source used for selection.
func WithRand(r *rand.Rand) Option {
	return func(o *options) {
		o.rnd = r
	}
}

func buildOptions(opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (o options) intN(n int) int {
	if o.rnd != nil {
		return o.rnd.IntN(n)
	}
	return rand.IntN(n)
}

// Pool is a depletable set of candidate proxies. Next removes the proxy it
// returns, so the pool shrinks by one per successful call. Proxies reported
// through Burn are remembered for the life of the pool and never re-admitted
// by Add; the burn cache grows instead of evicting.
type Pool struct {
	mu        sync.Mutex
	proxies   []string
	members   map[string]struct{}
	burned    *lru.Cache[string, struct{}]
	burnedCap int
	opts      options
}

// NewPool builds a pool from raw proxy addresses. Invalid or duplicate
// entries are skipped; burnCacheSize is the initial failed-proxy capacity.
func NewPool(proxies []string, burnCacheSize int, opts ...Option) (*Pool, error) {
	burned, err := lru.New[string, struct{}](burnCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create burn cache: %w", err)
	}
	p := &Pool{
		members:   make(map[string]struct{}),
		burned:    burned,
		burnedCap: burnCacheSize,
		opts:      buildOptions(opts),
	}
	p.Add(proxies...)
	return p, nil
}

// Next removes and returns an arbitrary proxy. The check and the removal
// happen under one lock, so concurrent callers never receive the same proxy.
func (p *Pool) Next() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.proxies) == 0 {
		return "", ErrPoolExhausted
	}
	i := p.opts.intN(len(p.proxies))
	last := len(p.proxies) - 1
	chosen := p.proxies[i]
	p.proxies[i] = p.proxies[last]
	p.proxies = p.proxies[:last]
	delete(p.members, chosen)
	return chosen, nil
}

// Add replenishes the pool and reports how many proxies were admitted.
func (p *Pool) Add(proxies ...string) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	added := 0
	for _, raw := range proxies {
		addr, err := Normalize(raw)
		if err != nil {
			continue
		}
		if _, ok := p.members[addr]; ok {
			continue
		}
		if p.burned.Contains(addr) {
			continue
		}
		p.members[addr] = struct{}{}
		p.proxies = append(p.proxies, addr)
		added++
	}
	return added
}

// Burn records a proxy as failed.
func (p *Pool) Burn(proxy string) {
	if proxy == "" {
		return
	}
	addr, err := Normalize(proxy)
	if err != nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.burned.Contains(addr) && p.burned.Len() >= p.burnedCap {
		p.burnedCap *= 2
		p.burned.Resize(p.burnedCap)
	}
	p.burned.Add(addr, struct{}{})
	if _, ok := p.members[addr]; !ok {
		return
	}
	delete(p.members, addr)
	for i, candidate := range p.proxies {
		if candidate == addr {
			p.proxies = append(p.proxies[:i], p.proxies[i+1:]...)
			break
		}
	}
}

// Burned reports whether proxy failed earlier in this run.
func (p *Pool) Burned(proxy string) bool {
	addr, err := Normalize(proxy)
	if err != nil {
		return false
	}
	return p.burned.Contains(addr)
}

// Len returns the number of proxies left.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.proxies)
}

// Normalize converts host:port entries into proxy URLs.
func Normalize(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("empty proxy address")
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse proxy %q: %w", raw, err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("proxy %q has no host", raw)
	}
	switch u.Scheme {
	case "http", "https", "socks5":
	default:
		return "", fmt.Errorf("proxy %q: unsupported scheme %q", raw, u.Scheme)
	}
	return u.String(), nil
}
