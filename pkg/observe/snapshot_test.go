package observe

import (
	"bytes"
	"errors"
	"testing"

	"github.com/backkem/coap/pkg/message"
)

func persistentManager() *Manager {
	m, _, _ := newTestManager(func(c *Config) { c.Persistence = true })
	return m
}

func TestPersistRestore(t *testing.T) {
	src := persistentManager()
	src.Register(Registration{Token: message.Token{0x01, 0x02}, Resource: "/sensors/temp", Peer: peerA, Seq: 0x123456})
	src.Register(Registration{Token: message.Token{0x03}, Resource: "/lights", Peer: peerA, Seq: 7})

	snap, err := src.Persist()
	if err != nil {
		t.Fatalf("Persist() error = %v", err)
	}

	dst := persistentManager()
	restored, err := dst.Restore(snap)
	if err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	if len(restored) != 2 {
		t.Fatalf("Restore() returned %d observations, want 2", len(restored))
	}

	for _, want := range src.List() {
		got, ok := dst.Get(want.Token)
		if !ok {
			t.Errorf("observation %s missing after restore", want.Token)
			continue
		}
		if !got.Token.Equal(want.Token) || got.Resource != want.Resource || got.Seq != want.Seq {
			t.Errorf("restored %+v, want token/resource/seq of %+v", got, want)
		}
		if !got.Restored {
			t.Errorf("observation %s not marked restored", got.Token)
		}
		if got.Peer.IsValid() {
			t.Errorf("restored peer = %v, want none", got.Peer)
		}
	}

	// Restored observations keep accepting notifications.
	if ok, _ := dst.Accept(message.Token{0x03}, 8); !ok {
		t.Error("Accept() on restored observation = false")
	}
}

func TestPersistLayout(t *testing.T) {
	m, _, _ := newTestManager(func(c *Config) {
		c.Persistence = true
		c.CancelOnTimeout = true
	})
	m.Register(Registration{Token: message.Token{0xAB}, Resource: "/r", Seq: 0x010203})
	m.Register(Registration{Token: message.Token{0xCD}, Resource: "", Role: RoleServer, Peer: peerA, Seq: 0xFFFFFF})

	got, err := m.Persist()
	if err != nil {
		t.Fatalf("Persist() error = %v", err)
	}
	want := []byte{
		// version and count
		0x01, 0x00, 0x00, 0x00, 0x02,
		// client record: token, resource, seq, cancel-on-timeout
		0x01, 0xAB, 0x00, 0x02, '/', 'r', 0x01, 0x02, 0x03, 0x01,
		// server record: token, empty resource, seq, cancel-on-timeout|server
		0x01, 0xCD, 0x00, 0x00, 0xFF, 0xFF, 0xFF, 0x03,
	}
	if !bytes.Equal(got, want) {
		t.Errorf("Persist() = % x\nwant        % x", got, want)
	}
}

func TestPersistEmpty(t *testing.T) {
	m := persistentManager()
	snap, err := m.Persist()
	if err != nil {
		t.Fatalf("Persist() error = %v", err)
	}
	if !bytes.Equal(snap, []byte{SnapshotVersion, 0, 0, 0, 0}) {
		t.Errorf("Persist() = % x", snap)
	}
	obs, err := persistentManager().Restore(snap)
	if err != nil || len(obs) != 0 {
		t.Errorf("Restore(empty) = %v, %v", obs, err)
	}
}

func TestRestoreErrors(t *testing.T) {
	valid := []byte{0x01, 0, 0, 0, 1, 0x01, 0xAA, 0x00, 0x01, 'x', 0, 0, 1, 0}

	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"empty", nil, ErrCorruptState},
		{"version", []byte{0x02, 0, 0, 0, 0}, ErrUnsupportedPersistenceVersion},
		{"truncated header", []byte{0x01, 0, 0}, ErrCorruptState},
		{"count too large", []byte{0x01, 0xFF, 0xFF, 0xFF, 0xFF}, ErrCorruptState},
		{"truncated record", valid[:len(valid)-1], ErrCorruptState},
		{"trailing bytes", append(append([]byte(nil), valid...), 0x00), ErrCorruptState},
		{"token too long", []byte{0x01, 0, 0, 0, 1, 0x09, 1, 2, 3, 4, 5, 6, 7, 8, 9, 0, 0, 0, 0, 0, 0}, ErrCorruptState},
		{"unknown flags", []byte{0x01, 0, 0, 0, 1, 0x00, 0x00, 0x00, 0, 0, 0, 0x80}, ErrCorruptState},
		{"duplicate token", []byte{0x01, 0, 0, 0, 2, 0x01, 0xAA, 0, 0, 0, 0, 1, 0, 0x01, 0xAA, 0, 0, 0, 0, 2, 0}, ErrCorruptState},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := persistentManager()
			m.Register(Registration{Token: message.Token{0x77}, Resource: "/keep"})

			obs, err := m.Restore(tt.data)
			if !errors.Is(err, tt.want) {
				t.Errorf("Restore() error = %v, want %v", err, tt.want)
			}
			if obs != nil {
				t.Errorf("Restore() returned %d observations on error", len(obs))
			}
			if m.Len() != 1 {
				t.Errorf("Len() = %d after failed restore, want 1", m.Len())
			}
		})
	}

	if _, err := persistentManager().Restore(valid); err != nil {
		t.Errorf("Restore(valid) error = %v", err)
	}
}

func TestPersistenceDisabled(t *testing.T) {
	m, _, _ := newTestManager(nil)
	if m.PersistenceEnabled() {
		t.Error("PersistenceEnabled() = true")
	}
	if _, err := m.Persist(); !errors.Is(err, ErrPersistenceDisabled) {
		t.Errorf("Persist() error = %v, want ErrPersistenceDisabled", err)
	}
	if _, err := m.Restore([]byte{1, 0, 0, 0, 0}); !errors.Is(err, ErrPersistenceDisabled) {
		t.Errorf("Restore() error = %v, want ErrPersistenceDisabled", err)
	}
}

func TestRestoredObserverRebinds(t *testing.T) {
	src := persistentManager()
	src.Register(Registration{Token: message.Token{0x05}, Resource: "/s", Role: RoleServer, Peer: peerA, Seq: 3})
	snap, _ := src.Persist()

	dst := persistentManager()
	if _, err := dst.Restore(snap); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	// Without a peer the restored observer cannot be notified.
	if got := dst.Observers("/s"); len(got) != 0 {
		t.Errorf("Observers() = %d before re-registration, want 0", len(got))
	}

	dst.Register(Registration{Token: message.Token{0x05}, Resource: "/s", Role: RoleServer, Peer: peerA, Seq: 4})
	if dst.Len() != 1 {
		t.Errorf("Len() = %d, want the restored entry replaced", dst.Len())
	}
	if got := dst.Observers("/s"); len(got) != 1 || got[0].Restored {
		t.Errorf("Observers() = %+v", got)
	}
}
