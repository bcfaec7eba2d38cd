// Package credentials resolves the vendor bearer token an instance uses to
// call its SaaS API, caching it in memory and refreshing it when it expires.
package credentials

import (
	"sync"
	"time"
)

// Entry is a cached vendor credential.
type Entry struct {
	BearerToken  string
	RefreshToken string
	ExpiresAt    int64 // epoch milliseconds, 0 when the token does not expire
	UserID       string
}

// Expired reports whether the entry expires before now+skew.
func (e Entry) Expired(now time.Time, skew time.Duration) bool {
	if e.ExpiresAt == 0 {
		return false
	}
	return now.Add(skew).UnixMilli() >= e.ExpiresAt
}

// Cache holds one Entry per instance id. It returns whatever was stored;
// checking expiry is up to the caller.
type Cache struct {
	entries sync.Map
}

// NewCache returns an empty cache.
func NewCache() *Cache {
	return &Cache{}
}

// Get returns the entry stored for instanceID, expired or not.
func (c *Cache) Get(instanceID string) (Entry, bool) {
	v, ok := c.entries.Load(instanceID)
	if !ok {
		return Entry{}, false
	}
	return v.(Entry), true
}

// Set replaces the entry for instanceID.
func (c *Cache) Set(instanceID string, e Entry) {
	c.entries.Store(instanceID, e)
}

// Invalidate drops the entry for instanceID. The next Resolve reads the
// store again.
func (c *Cache) Invalidate(instanceID string) {
	c.entries.Delete(instanceID)
}
