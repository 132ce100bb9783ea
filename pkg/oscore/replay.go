package oscore

// DefaultReplayWindow is the number of sequence numbers below the highest
// received one that are still accepted once.
const DefaultReplayWindow = 32

// replayWindow is a sliding bitmap anchored at the highest sequence number
// received (RFC 8613 Section 7.4). Bit i of seen marks top-i.
type replayWindow struct {
	size    uint64
	top     uint64
	seen    uint64
	started bool
}

func newReplayWindow(size int) *replayWindow {
	if size <= 0 || size > 64 {
		size = DefaultReplayWindow
	}
	return &replayWindow{size: uint64(size)}
}

// check reports ErrReplayDetected for a seen or too-old seq without
// changing state.
func (w *replayWindow) check(seq uint64) error {
	if !w.started || seq > w.top {
		return nil
	}
	diff := w.top - seq
	if diff >= w.size || w.seen&(1<<diff) != 0 {
		return ErrReplayDetected
	}
	return nil
}

// accept marks seq as received. It must follow a successful check and
// successful decryption.
func (w *replayWindow) accept(seq uint64) {
	switch {
	case !w.started:
		w.started = true
		w.top = seq
		w.seen = 1
	case seq > w.top:
		shift := seq - w.top
		if shift >= 64 {
			w.seen = 0
		} else {
			w.seen <<= shift
		}
		w.seen |= 1
		w.top = seq
	default:
		w.seen |= 1 << (w.top - seq)
	}
}
