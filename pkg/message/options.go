package message

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
)

// Option is a single CoAP option instance.
// Repeatable options (Uri-Path, Uri-Query, ...) appear as several entries
// with the same ID.
type Option struct {
	ID    OptionID
	Value []byte
}

// Options is an ordered option list. Encoding sorts by option number;
// repeated options keep their relative order.
type Options []Option

// Get returns the value of the first option with the given ID.
func (o Options) Get(id OptionID) ([]byte, bool) {
	for _, opt := range o {
		if opt.ID == id {
			return opt.Value, true
		}
	}
	return nil, false
}

// GetAll returns every value of a repeatable option, in order.
func (o Options) GetAll(id OptionID) [][]byte {
	var values [][]byte
	for _, opt := range o {
		if opt.ID == id {
			values = append(values, opt.Value)
		}
	}
	return values
}

// Has returns true if at least one option with the ID is present.
func (o Options) Has(id OptionID) bool {
	_, ok := o.Get(id)
	return ok
}

// Add appends an option instance.
func (o Options) Add(id OptionID, value []byte) Options {
	return append(o, Option{ID: id, Value: value})
}

// Set replaces every instance of the option with a single value.
func (o Options) Set(id OptionID, value []byte) Options {
	return o.Remove(id).Add(id, value)
}

// Remove drops every instance of the option.
func (o Options) Remove(id OptionID) Options {
	out := o[:0:0]
	for _, opt := range o {
		if opt.ID != id {
			out = append(out, opt)
		}
	}
	return out
}

// GetUint decodes the first instance of a uint option.
func (o Options) GetUint(id OptionID) (uint32, bool, error) {
	v, ok := o.Get(id)
	if !ok {
		return 0, false, nil
	}
	n, err := DecodeUint(v)
	if err != nil {
		return 0, true, err
	}
	return n, true, nil
}

// SetUint replaces the option with a minimal-length uint value.
func (o Options) SetUint(id OptionID, v uint32) Options {
	return o.Set(id, EncodeUint(v))
}

// Path joins the Uri-Path segments with "/".
func (o Options) Path() string {
	segs := o.GetAll(URIPath)
	parts := make([]string, len(segs))
	for i, s := range segs {
		parts[i] = string(s)
	}
	return "/" + strings.Join(parts, "/")
}

// SetPath replaces the Uri-Path options with the segments of p.
func (o Options) SetPath(p string) Options {
	o = o.Remove(URIPath)
	for _, seg := range strings.Split(strings.Trim(p, "/"), "/") {
		if seg == "" {
			continue
		}
		o = o.Add(URIPath, []byte(seg))
	}
	return o
}

// Queries returns the Uri-Query values as strings.
func (o Options) Queries() []string {
	vals := o.GetAll(URIQuery)
	out := make([]string, len(vals))
	for i, v := range vals {
		out[i] = string(v)
	}
	return out
}

// Clone returns a deep copy of the option list.
func (o Options) Clone() Options {
	if o == nil {
		return nil
	}
	out := make(Options, len(o))
	for i, opt := range o {
		out[i] = Option{ID: opt.ID, Value: append([]byte(nil), opt.Value...)}
	}
	return out
}

// Equal compares two option lists after sorting.
func (o Options) Equal(other Options) bool {
	a, b := o.sorted(), other.sorted()
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].ID != b[i].ID || !bytes.Equal(a[i].Value, b[i].Value) {
			return false
		}
	}
	return true
}

func (o Options) sorted() Options {
	out := make(Options, len(o))
	copy(out, o)
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// EncodeOptions serializes the option list in ascending option order using
// delta encoding (RFC 7252 Section 3.1). No payload marker is written.
func EncodeOptions(opts Options) ([]byte, error) {
	return appendOptions(nil, opts)
}

func appendOptions(buf []byte, opts Options) ([]byte, error) {
	var prev OptionID
	for _, opt := range opts.sorted() {
		if len(opt.Value) > MaxOptionValueLength {
			return nil, fmt.Errorf("%w: %s has %d bytes", ErrOptionTooLong, opt.ID, len(opt.Value))
		}
		delta := int(opt.ID - prev)
		length := len(opt.Value)

		dn, dext := nibble(delta)
		ln, lext := nibble(length)

		buf = append(buf, byte(dn<<4|ln))
		buf = append(buf, dext...)
		buf = append(buf, lext...)
		buf = append(buf, opt.Value...)
		prev = opt.ID
	}
	return buf, nil
}

// nibble returns the 4-bit field and any extended bytes for v.
func nibble(v int) (uint8, []byte) {
	switch {
	case v < ext8Base:
		return uint8(v), nil
	case v < ext16Base:
		return nibbleExt8, []byte{byte(v - ext8Base)}
	default:
		e := v - ext16Base
		return nibbleExt16, []byte{byte(e >> 8), byte(e)}
	}
}

// DecodeOptions parses an option sequence and returns the options and the
// payload following the marker (nil when absent).
// Any structural error wraps ErrMalformedMessage.
func DecodeOptions(data []byte) (Options, []byte, error) {
	var opts Options
	var prev int
	offset := 0

	for offset < len(data) {
		b := data[offset]
		if b == PayloadMarker {
			payload := data[offset+1:]
			if len(payload) == 0 {
				return nil, nil, malformed(ErrEmptyPayloadMarker)
			}
			return opts, payload, nil
		}
		offset++

		delta, n, err := readExtended(data[offset:], int(b>>4))
		if err != nil {
			return nil, nil, err
		}
		offset += n

		length, n, err := readExtended(data[offset:], int(b&0x0F))
		if err != nil {
			return nil, nil, err
		}
		offset += n

		if length > len(data)-offset {
			return nil, nil, malformed(ErrTruncatedOption)
		}
		id := prev + delta
		if id > 0xFFFF {
			return nil, nil, malformed(ErrOptionOutOfRange)
		}

		value := make([]byte, length)
		copy(value, data[offset:offset+length])
		opts = append(opts, Option{ID: OptionID(id), Value: value})
		offset += length
		prev = id
	}

	return opts, nil, nil
}

// readExtended resolves a delta/length nibble and its extension bytes.
func readExtended(data []byte, v int) (int, int, error) {
	switch v {
	case nibbleExt8:
		if len(data) < 1 {
			return 0, 0, malformed(ErrTruncatedOption)
		}
		return int(data[0]) + ext8Base, 1, nil
	case nibbleExt16:
		if len(data) < 2 {
			return 0, 0, malformed(ErrTruncatedOption)
		}
		return (int(data[0])<<8 | int(data[1])) + ext16Base, 2, nil
	case nibbleRsvd:
		return 0, 0, malformed(ErrReservedOptionNibble)
	default:
		return v, 0, nil
	}
}

func malformed(err error) error {
	return fmt.Errorf("%w: %w", ErrMalformedMessage, err)
}
