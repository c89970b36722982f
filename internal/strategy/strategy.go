// Package strategy holds the retrieval strategies and the URL classifier.
package strategy

import (
	"fmt"
	"strings"
	"time"

	"goflare.io/tiercache/internal/models"
	"goflare.io/tiercache/internal/tier"
)

// Name identifies a retrieval strategy.
type Name string

const (
	CacheFirst           Name = "cache-first"
	NetworkFirst         Name = "network-first"
	StaleWhileRevalidate Name = "stale-while-revalidate"
	CacheOnly            Name = "cache-only"
	NetworkOnly          Name = "network-only"
)

// Names lists every strategy in registration order.
var Names = []Name{CacheFirst, NetworkFirst, StaleWhileRevalidate, CacheOnly, NetworkOnly}

// Default is applied to URLs no rule matches.
const Default = StaleWhileRevalidate

// DefaultTTLs are the entry lifetimes each strategy stores with.
var DefaultTTLs = map[Name]time.Duration{
	CacheFirst:           7 * 24 * time.Hour,
	NetworkFirst:         5 * time.Minute,
	StaleWhileRevalidate: 30 * time.Minute,
	CacheOnly:            30 * 24 * time.Hour,
}

// Base priorities; higher survives eviction longer.
var basePriority = map[Name]int{
	CacheOnly:            4,
	CacheFirst:           3,
	StaleWhileRevalidate: 2,
	NetworkFirst:         1,
}

var defaultTiers = map[Name][]tier.Name{
	CacheFirst:           {tier.Volatile, tier.Persistent, tier.Shared},
	NetworkFirst:         {tier.Volatile, tier.Persistent},
	StaleWhileRevalidate: {tier.Volatile, tier.Persistent, tier.Shared},
	CacheOnly:            {tier.Persistent, tier.Shared},
	NetworkOnly:          nil,
}

// ParseName validates a strategy name.
func ParseName(s string) (Name, error) {
	for _, n := range Names {
		if string(n) == s {
			return n, nil
		}
	}
	return "", fmt.Errorf("unknown strategy %q", s)
}

// Strategy describes how one class of resources is retrieved and stored.
type Strategy struct {
	Name     Name
	TTL      time.Duration
	Tiers    []tier.Name
	Priority int
}

// UsesCache reports whether the strategy reads or writes any tier.
func (s Strategy) UsesCache() bool { return len(s.Tiers) > 0 }

// Rules are the classifier inputs, checked in the order of the fields.
type Rules struct {
	NetworkOnlyPrefixes []string
	CacheOnlyPaths      []string
	StaticSuffixes      []string
	APIPrefix           string
}

// DefaultRules returns the built-in classification rules.
func DefaultRules() Rules {
	return Rules{
		NetworkOnlyPrefixes: []string{"/api/auth", "/api/chat", "/api/stream"},
		CacheOnlyPaths:      []string{"/offline", "/manifest.json", "/config/critical"},
		StaticSuffixes: []string{
			".png", ".jpg", ".jpeg", ".gif", ".webp", ".avif", ".svg", ".ico",
			".css", ".js", ".mjs", ".woff", ".woff2", ".ttf", ".otf", ".wasm",
			".mp3", ".mp4",
		},
		APIPrefix: "/api/",
	}
}

type matcher struct {
	name  Name
	match func(path string) bool
}

// Registry is the immutable set of strategies plus the classifier.
type Registry struct {
	strategies map[Name]Strategy
	matchers   []matcher
}

// NewRegistry builds the registry. ttls overrides DefaultTTLs per strategy.
func NewRegistry(rules Rules, ttls map[Name]time.Duration) (*Registry, error) {
	r := &Registry{strategies: make(map[Name]Strategy, len(Names))}
	for _, n := range Names {
		ttl := DefaultTTLs[n]
		if override, ok := ttls[n]; ok {
			if override <= 0 {
				return nil, fmt.Errorf("ttl for %s must be positive", n)
			}
			ttl = override
		}
		r.strategies[n] = Strategy{
			Name:     n,
			TTL:      ttl,
			Tiers:    append([]tier.Name(nil), defaultTiers[n]...),
			Priority: basePriority[n],
		}
	}

	networkOnly := lower(rules.NetworkOnlyPrefixes)
	cacheOnly := lower(rules.CacheOnlyPaths)
	static := lower(rules.StaticSuffixes)
	api := strings.ToLower(rules.APIPrefix)

	r.matchers = []matcher{
		{NetworkOnly, func(p string) bool { return hasAnyPrefix(p, networkOnly) }},
		{CacheOnly, func(p string) bool { return matchesPath(p, cacheOnly) }},
		{CacheFirst, func(p string) bool { return hasAnySuffix(p, static) }},
		{NetworkFirst, func(p string) bool { return api != "" && strings.HasPrefix(p, api) }},
	}
	return r, nil
}

// Get returns the registered strategy.
func (r *Registry) Get(n Name) (Strategy, bool) {
	s, ok := r.strategies[n]
	return s, ok
}

// Classify picks the strategy for key. The first matching rule wins.
func (r *Registry) Classify(key models.Key) Strategy {
	path := strings.ToLower(key.Path())
	for _, m := range r.matchers {
		if m.match(path) {
			return r.strategies[m.name]
		}
	}
	return r.strategies[Default]
}

func lower(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, strings.ToLower(s))
		}
	}
	return out
}

func hasAnyPrefix(p string, prefixes []string) bool {
	for _, pre := range prefixes {
		if strings.HasPrefix(p, pre) {
			return true
		}
	}
	return false
}

func hasAnySuffix(p string, suffixes []string) bool {
	for _, suf := range suffixes {
		if strings.HasSuffix(p, suf) {
			return true
		}
	}
	return false
}

// matchesPath matches a path exactly or as a parent segment.
func matchesPath(p string, paths []string) bool {
	for _, c := range paths {
		if p == c || strings.HasPrefix(p, strings.TrimSuffix(c, "/")+"/") {
			return true
		}
	}
	return false
}
