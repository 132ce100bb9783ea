package storage

import (
	"bytes"
	"errors"
	"sort"
	"testing"
)

var (
	_ Storage = (*MemoryStorage)(nil)
	_ Storage = (*BadgerStorage)(nil)
)

func backends(t *testing.T) map[string]func() Storage {
	return map[string]func() Storage{
		"memory": func() Storage { return NewMemoryStorage() },
		"badger": func() Storage {
			s, err := NewBadgerMemoryStorage()
			if err != nil {
				t.Fatalf("NewBadgerMemoryStorage: %v", err)
			}
			return s
		},
	}
}

func TestStorage(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open()
			defer s.Close()

			if _, err := s.Load(KeyObservations); !errors.Is(err, ErrNotFound) {
				t.Fatalf("Load(missing) error = %v, want ErrNotFound", err)
			}

			value := []byte{0x01, 0x00, 0x00, 0x00, 0x00}
			if err := s.Save(KeyObservations, value); err != nil {
				t.Fatalf("Save: %v", err)
			}
			value[0] = 0xFF

			got, err := s.Load(KeyObservations)
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if !bytes.Equal(got, []byte{0x01, 0x00, 0x00, 0x00, 0x00}) {
				t.Errorf("Load = %x, stored value was aliased", got)
			}

			if err := s.Save(KeyObservations, []byte{0x02}); err != nil {
				t.Fatalf("Save (replace): %v", err)
			}
			if got, _ := s.Load(KeyObservations); !bytes.Equal(got, []byte{0x02}) {
				t.Errorf("Load after replace = %x", got)
			}

			if err := s.Delete(KeyObservations); err != nil {
				t.Fatalf("Delete: %v", err)
			}
			if err := s.Delete(KeyObservations); err != nil {
				t.Errorf("Delete(missing) = %v", err)
			}
			if _, err := s.Load(KeyObservations); !errors.Is(err, ErrNotFound) {
				t.Errorf("Load after delete error = %v", err)
			}
		})
	}
}

func TestStorageClosed(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open()
			if err := s.Close(); err != nil {
				t.Fatalf("Close: %v", err)
			}
			if err := s.Close(); err != nil {
				t.Errorf("second Close: %v", err)
			}
			if _, err := s.Load("k"); !errors.Is(err, ErrClosed) {
				t.Errorf("Load error = %v, want ErrClosed", err)
			}
			if err := s.Save("k", nil); !errors.Is(err, ErrClosed) {
				t.Errorf("Save error = %v, want ErrClosed", err)
			}
			if err := s.Delete("k"); !errors.Is(err, ErrClosed) {
				t.Errorf("Delete error = %v, want ErrClosed", err)
			}
		})
	}
}

func TestMemoryStorageKeys(t *testing.T) {
	s := NewMemoryStorage()
	_ = s.Save(KeyObservations, []byte{1})
	_ = s.Save(KeySequencePrefix+"01", []byte{2})

	keys := s.Keys()
	sort.Strings(keys)
	if len(keys) != 2 || keys[0] != KeyObservations || keys[1] != KeySequencePrefix+"01" {
		t.Errorf("Keys = %v", keys)
	}
}

func TestBadgerStorageReopen(t *testing.T) {
	dir := t.TempDir()

	s, err := NewBadgerStorage(dir)
	if err != nil {
		t.Fatalf("NewBadgerStorage: %v", err)
	}
	if err := s.Save(KeySequencePrefix+"01", []byte{0x00, 0x2a}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s, err = NewBadgerStorage(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()

	got, err := s.Load(KeySequencePrefix + "01")
	if err != nil {
		t.Fatalf("Load after reopen: %v", err)
	}
	if !bytes.Equal(got, []byte{0x00, 0x2a}) {
		t.Errorf("Load = %x", got)
	}
}
