package coap

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/backkem/coap/pkg/storage"
)

// SaveState writes the observation snapshot (when persistence is on) and
// the sender sequence number of every security context to
// Config.Storage.
func (e *Endpoint) SaveState() error {
	st := e.config.Storage
	if st == nil {
		return nil
	}
	if e.observe.PersistenceEnabled() {
		data, err := e.observe.Persist()
		if err != nil {
			return err
		}
		if err := st.Save(storage.KeyObservations, data); err != nil {
			return fmt.Errorf("save observations: %w", err)
		}
	}

	e.lock.Lock()
	contexts := append(e.contexts[:0:0], e.contexts...)
	e.lock.Unlock()

	for _, ctx := range contexts {
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], ctx.SenderSequence())
		if err := st.Save(sequenceKey(ctx.RecipientID()), buf[:]); err != nil {
			return fmt.Errorf("save sequence: %w", err)
		}
	}
	return nil
}

// restoreState loads the observation snapshot saved by an earlier run.
func (e *Endpoint) restoreState() error {
	st := e.config.Storage
	if st == nil || !e.observe.PersistenceEnabled() {
		return nil
	}
	data, err := st.Load(storage.KeyObservations)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load observations: %w", err)
	}
	restored, err := e.observe.Restore(data)
	if err != nil {
		return err
	}
	if e.log != nil {
		e.log.Infof("restored %d observations", len(restored))
	}
	return nil
}

func (e *Endpoint) loadSequence(recipientID []byte) (uint64, bool, error) {
	st := e.config.Storage
	if st == nil {
		return 0, false, nil
	}
	data, err := st.Load(sequenceKey(recipientID))
	if errors.Is(err, storage.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("load sequence: %w", err)
	}
	if len(data) != 8 {
		return 0, false, fmt.Errorf("load sequence: %d-byte value", len(data))
	}
	return binary.BigEndian.Uint64(data), true, nil
}

func sequenceKey(recipientID []byte) string {
	return storage.KeySequencePrefix + hex.EncodeToString(recipientID)
}
