package cache

import "time"

// entry is a single cached value. It never leaves the Store.
type entry struct {
	key      string
	value    any
	storedAt time.Time
	ttl      time.Duration
}

// expiresAt returns the instant the entry stops being served.
func (e *entry) expiresAt() time.Time {
	return e.storedAt.Add(e.ttl)
}

// expired reports whether the entry is past its TTL at now.
func (e *entry) expired(now time.Time) bool {
	return !now.Before(e.expiresAt())
}
