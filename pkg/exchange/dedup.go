package exchange

import "time"

type midKey struct {
	peer string
	mid  uint16
}

// dedupEntry remembers one inbound message ID and the reply sent for it.
// reply stays nil while the message is being processed, and for messages
// that were never answered.
type dedupEntry struct {
	key     midKey
	expires time.Time
	reply   []byte
}

// dedupCache detects repeated inbound message IDs (RFC 7252 Section 4.5).
// CON entries live for EXCHANGE_LIFETIME and NON entries for NON_LIFETIME.
// Each lifetime has its own FIFO, so entries expire in insertion order and
// expiry is applied lazily on access.
//
// dedupCache is not safe for concurrent use; the Engine lock guards it.
type dedupCache struct {
	entries     map[midKey]*dedupEntry
	con         []*dedupEntry
	non         []*dedupEntry
	conLifetime time.Duration
	nonLifetime time.Duration
}

func newDedupCache(conLifetime, nonLifetime time.Duration) *dedupCache {
	return &dedupCache{
		entries:     make(map[midKey]*dedupEntry),
		conLifetime: conLifetime,
		nonLifetime: nonLifetime,
	}
}

// lookup returns the live entry for key.
func (c *dedupCache) lookup(key midKey, now time.Time) (*dedupEntry, bool) {
	c.expire(now)
	e, ok := c.entries[key]
	return e, ok
}

// insert records key as seen at now.
func (c *dedupCache) insert(key midKey, confirmable bool, now time.Time) *dedupEntry {
	c.expire(now)
	e := &dedupEntry{key: key}
	if confirmable {
		e.expires = now.Add(c.conLifetime)
		c.con = append(c.con, e)
	} else {
		e.expires = now.Add(c.nonLifetime)
		c.non = append(c.non, e)
	}
	c.entries[key] = e
	return e
}

// remove forgets e so its message ID is processed again. The queue slot
// is reclaimed when it expires.
func (c *dedupCache) remove(e *dedupEntry) {
	if c.entries[e.key] == e {
		delete(c.entries, e.key)
	}
}

func (c *dedupCache) expire(now time.Time) {
	c.con = c.expireQueue(c.con, now)
	c.non = c.expireQueue(c.non, now)
}

func (c *dedupCache) expireQueue(q []*dedupEntry, now time.Time) []*dedupEntry {
	n := 0
	for n < len(q) && !now.Before(q[n].expires) {
		if c.entries[q[n].key] == q[n] {
			delete(c.entries, q[n].key)
		}
		q[n] = nil
		n++
	}
	return q[n:]
}

func (c *dedupCache) len() int {
	return len(c.entries)
}
