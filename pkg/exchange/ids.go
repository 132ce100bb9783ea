package exchange

import (
	"crypto/rand"
	"encoding/binary"
	"time"

	"github.com/backkem/coap/pkg/message"
)

type midUse struct {
	key     midKey
	expires time.Time
}

// midAllocator hands out message IDs sequentially from a random start and
// skips IDs used with the same peer within EXCHANGE_LIFETIME
// (RFC 7252 Section 4.4).
type midAllocator struct {
	next     uint16
	lifetime time.Duration
	used     map[midKey]struct{}
	fifo     []midUse
}

func newMIDAllocator(lifetime time.Duration) *midAllocator {
	var b [2]byte
	_, _ = rand.Read(b[:])
	return &midAllocator{
		next:     binary.BigEndian.Uint16(b[:]),
		lifetime: lifetime,
		used:     make(map[midKey]struct{}),
	}
}

func (a *midAllocator) allocate(peer string, now time.Time) (uint16, error) {
	n := 0
	for n < len(a.fifo) && !now.Before(a.fifo[n].expires) {
		delete(a.used, a.fifo[n].key)
		n++
	}
	a.fifo = a.fifo[n:]

	for i := 0; i < 1<<16; i++ {
		mid := a.next
		a.next++
		key := midKey{peer: peer, mid: mid}
		if _, busy := a.used[key]; busy {
			continue
		}
		a.used[key] = struct{}{}
		a.fifo = append(a.fifo, midUse{key: key, expires: now.Add(a.lifetime)})
		return mid, nil
	}
	return 0, ErrMessageIDsExhausted
}

// newToken returns n random bytes.
func newToken(n int) message.Token {
	if n <= 0 {
		return nil
	}
	t := make(message.Token, n)
	_, _ = rand.Read(t)
	return t
}
