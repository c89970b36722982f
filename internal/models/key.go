package models

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// Key is the canonical identifier of a resource.
type Key string

func (k Key) String() string { return string(k) }

// Path returns the path component of the key, used for classification.
func (k Key) Path() string {
	u, err := url.Parse(string(k))
	if err != nil {
		return string(k)
	}
	if u.Path == "" {
		return "/"
	}
	return u.Path
}

// DefaultVolatileParams are query parameters that never change the resource
// a URL names: cache busters, timestamps and campaign tracking.
var DefaultVolatileParams = []string{
	"_", "_t", "t", "ts", "timestamp", "cb", "cachebust", "cachebuster", "nocache", "rand", "utm_*",
}

// Canonicalizer turns request URLs into keys.
type Canonicalizer struct {
	exact    map[string]struct{}
	prefixes []string
}

// NewCanonicalizer builds a Canonicalizer that drops the given parameters.
// A trailing '*' drops every parameter with that prefix.
func NewCanonicalizer(dropParams []string) *Canonicalizer {
	c := &Canonicalizer{exact: make(map[string]struct{}, len(dropParams))}
	for _, p := range dropParams {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		if strings.HasSuffix(p, "*") {
			c.prefixes = append(c.prefixes, strings.TrimSuffix(p, "*"))
			continue
		}
		c.exact[p] = struct{}{}
	}
	return c
}

func (c *Canonicalizer) drop(name string) bool {
	name = strings.ToLower(name)
	if _, ok := c.exact[name]; ok {
		return true
	}
	for _, p := range c.prefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

// Key canonicalizes raw. Scheme and host are lower-cased, the fragment is
// removed, dropped parameters are stripped and the rest are sorted.
func (c *Canonicalizer) Key(raw string) (Key, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("empty url")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse url %q: %w", raw, err)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.RawFragment = ""

	query := u.Query()
	names := make([]string, 0, len(query))
	for name := range query {
		if c.drop(name) {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for i, name := range names {
		values := append([]string(nil), query[name]...)
		sort.Strings(values)
		for j, v := range values {
			if i > 0 || j > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(name))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(v))
		}
	}
	u.RawQuery = b.String()
	u.ForceQuery = false
	return Key(u.String()), nil
}
