package models

import (
	"time"
)

// entryOverhead approximates the fixed bookkeeping cost of one entry
// (timestamps, counters, status, priority) so that tiny payloads still carry weight.
const entryOverhead = 64

// Payload is the opaque response a resource resolves to.
type Payload struct {
	Status      int                 `json:"status"`
	Header      map[string][]string `json:"header,omitempty"`
	ContentType string              `json:"content_type,omitempty"`
	Body        []byte              `json:"body"`
}

// Clone returns a deep copy so callers can never alias stored bytes.
func (p Payload) Clone() Payload {
	out := Payload{
		Status:      p.Status,
		ContentType: p.ContentType,
	}
	if p.Body != nil {
		out.Body = append([]byte(nil), p.Body...)
	}
	if p.Header != nil {
		out.Header = make(map[string][]string, len(p.Header))
		for k, v := range p.Header {
			out.Header[k] = append([]string(nil), v...)
		}
	}
	return out
}

// Entry represents a cache entry.
//
// Entries are immutable once built: a refresh produces a new Entry for the same
// key. LastAccessedAt and AccessCount are filled in by the tier that served the
// read; the tier keeps the authoritative values in its own index.
type Entry struct {
	Key            Key       `json:"key"`
	Payload        Payload   `json:"payload"`
	StoredAt       time.Time `json:"stored_at"`
	ExpiresAt      time.Time `json:"expires_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
	AccessCount    int64     `json:"access_count"`
	SizeBytes      int64     `json:"size_bytes"`
	Priority       int       `json:"priority"`
	Strategy       string    `json:"strategy,omitempty"`
}

// NewEntry creates a new Entry stored at storedAt and expiring ttl later.
func NewEntry(key Key, payload Payload, storedAt time.Time, ttl time.Duration, priority int) *Entry {
	payload = payload.Clone()
	e := &Entry{
		Key:            key,
		Payload:        payload,
		StoredAt:       storedAt,
		ExpiresAt:      storedAt.Add(ttl),
		LastAccessedAt: storedAt,
		Priority:       priority,
	}
	e.SizeBytes = computeSize(key, payload)
	return e
}

func computeSize(key Key, p Payload) int64 {
	size := int64(entryOverhead + len(key) + len(p.ContentType) + len(p.Body))
	for k, values := range p.Header {
		size += int64(len(k))
		for _, v := range values {
			size += int64(len(v))
		}
	}
	return size
}

// IsExpired reports whether the entry is logically absent at now.
func (e *Entry) IsExpired(now time.Time) bool {
	return e.ExpiresAt.Before(now)
}

// TTL returns the lifetime the entry was created with.
func (e *Entry) TTL() time.Duration {
	return e.ExpiresAt.Sub(e.StoredAt)
}

// Meta returns the index record of the entry.
func (e *Entry) Meta() Meta {
	return Meta{
		Key:            e.Key,
		SizeBytes:      e.SizeBytes,
		StoredAt:       e.StoredAt,
		ExpiresAt:      e.ExpiresAt,
		LastAccessedAt: e.LastAccessedAt,
		AccessCount:    e.AccessCount,
		Priority:       e.Priority,
	}
}

// WithAccess returns a copy of the entry carrying the given access bookkeeping.
func (e *Entry) WithAccess(lastAccessed time.Time, count int64) *Entry {
	cp := *e
	cp.Payload = e.Payload.Clone()
	cp.LastAccessedAt = lastAccessed
	cp.AccessCount = count
	return &cp
}

// Meta is the per-entry record a tier keeps for eviction decisions.
type Meta struct {
	Key            Key
	SizeBytes      int64
	StoredAt       time.Time
	ExpiresAt      time.Time
	LastAccessedAt time.Time
	AccessCount    int64
	Priority       int
}

// IsExpired reports whether the indexed entry is logically absent at now.
func (m Meta) IsExpired(now time.Time) bool {
	return m.ExpiresAt.Before(now)
}
