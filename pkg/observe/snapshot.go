package observe

import (
	"encoding/binary"
	"fmt"

	"github.com/backkem/coap/pkg/message"
)

// SnapshotVersion is the layout version written by Persist.
const SnapshotVersion = 1

// Snapshot layout:
//
//	version(1) count(4, BE)
//	per observation: tokenLen(1) token resLen(2, BE) resource seq(3, BE) flags(1)
const (
	snapshotHeaderSize = 5

	flagCancelOnTimeout = 1 << 0
	flagServer          = 1 << 1
	flagsKnown          = flagCancelOnTimeout | flagServer
)

// restoredPeer keys restored server observations, whose peer is unknown.
const restoredPeer = "-"

// Persist serializes every observation into an opaque snapshot.
// Peers are not persisted.
func (m *Manager) Persist() ([]byte, error) {
	if !m.config.Persistence {
		return nil, ErrPersistenceDisabled
	}
	obs := m.List()
	buf := make([]byte, snapshotHeaderSize, snapshotHeaderSize+len(obs)*16)
	buf[0] = SnapshotVersion
	binary.BigEndian.PutUint32(buf[1:], uint32(len(obs)))
	for _, o := range obs {
		buf = appendRecord(buf, o)
	}
	if m.log != nil {
		m.log.Debugf("persisted %d observations (%d bytes)", len(obs), len(buf))
	}
	return buf, nil
}

func appendRecord(buf []byte, o Observation) []byte {
	buf = append(buf, byte(len(o.Token)))
	buf = append(buf, o.Token...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(o.Resource)))
	buf = append(buf, o.Resource...)
	seq := o.Seq & message.ObserveSeqMask
	buf = append(buf, byte(seq>>16), byte(seq>>8), byte(seq))
	var flags byte
	if o.CancelOnTimeout {
		flags |= flagCancelOnTimeout
	}
	if o.Role == RoleServer {
		flags |= flagServer
	}
	return append(buf, flags)
}

// DecodeSnapshot parses a snapshot without touching any manager state.
func DecodeSnapshot(data []byte) ([]Observation, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("%w: empty snapshot", ErrCorruptState)
	}
	if data[0] != SnapshotVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedPersistenceVersion, data[0])
	}
	if len(data) < snapshotHeaderSize {
		return nil, fmt.Errorf("%w: truncated header", ErrCorruptState)
	}
	count := binary.BigEndian.Uint32(data[1:])
	rest := data[snapshotHeaderSize:]

	// Each record takes at least 7 bytes, which bounds count before
	// allocating.
	if uint64(count)*7 > uint64(len(rest)) {
		return nil, fmt.Errorf("%w: %d records in %d bytes", ErrCorruptState, count, len(rest))
	}

	out := make([]Observation, 0, count)
	seen := make(map[key]struct{}, count)
	for i := uint32(0); i < count; i++ {
		o, n, err := decodeRecord(rest)
		if err != nil {
			return nil, fmt.Errorf("%w: record %d: %v", ErrCorruptState, i, err)
		}
		k := restoredKey(o)
		if _, dup := seen[k]; dup {
			return nil, fmt.Errorf("%w: duplicate token %s", ErrCorruptState, o.Token)
		}
		seen[k] = struct{}{}
		out = append(out, o)
		rest = rest[n:]
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrCorruptState, len(rest))
	}
	return out, nil
}

func decodeRecord(b []byte) (Observation, int, error) {
	var o Observation
	if len(b) < 1 {
		return o, 0, fmt.Errorf("truncated token length")
	}
	tkl := int(b[0])
	if tkl > message.MaxTokenLength {
		return o, 0, fmt.Errorf("token length %d", tkl)
	}
	p := 1
	if len(b) < p+tkl+2 {
		return o, 0, fmt.Errorf("truncated token")
	}
	o.Token = append(message.Token(nil), b[p:p+tkl]...)
	p += tkl
	rl := int(binary.BigEndian.Uint16(b[p:]))
	p += 2
	if len(b) < p+rl+4 {
		return o, 0, fmt.Errorf("truncated resource")
	}
	o.Resource = string(b[p : p+rl])
	p += rl
	o.Seq = uint32(b[p])<<16 | uint32(b[p+1])<<8 | uint32(b[p+2])
	flags := b[p+3]
	p += 4
	if flags&^flagsKnown != 0 {
		return o, 0, fmt.Errorf("unknown flags 0x%02x", flags)
	}
	o.CancelOnTimeout = flags&flagCancelOnTimeout != 0
	if flags&flagServer != 0 {
		o.Role = RoleServer
	}
	o.Restored = true
	return o, p, nil
}

func restoredKey(o Observation) key {
	if o.Role == RoleServer {
		return key{peer: restoredPeer, token: o.Token.Key()}
	}
	return clientKey(o.Token)
}

// Restore rebuilds observations from a snapshot and adds them to the
// manager, replacing any with the same key. The snapshot is validated in
// full before any state changes. Restored observations are not checked
// against the remote side; keeping them alive is up to the caller.
func (m *Manager) Restore(data []byte) ([]Observation, error) {
	if !m.config.Persistence {
		return nil, ErrPersistenceDisabled
	}
	obs, err := DecodeSnapshot(data)
	if err != nil {
		return nil, err
	}

	now := m.now()
	var replaced []*entry
	m.lock.Lock()
	for i := range obs {
		obs[i].RegisteredAt = now
		k := restoredKey(obs[i])
		if old, ok := m.entries[k]; ok {
			replaced = append(replaced, old)
		}
		o := obs[i]
		o.Token = append(message.Token(nil), obs[i].Token...)
		m.entries[k] = &entry{obs: o}
	}
	m.lock.Unlock()

	for _, e := range replaced {
		if e.expiry != nil {
			e.expiry.Stop()
		}
	}
	for _, o := range obs {
		m.config.Metrics.ObservationRegistered(o.Role)
	}
	if m.log != nil {
		m.log.Infof("restored %d observations", len(obs))
	}
	return obs, nil
}
