package discovery

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// TXT record keys. Keys are compared case-insensitively (RFC 6763
// Section 6.4).
const (
	// TXTKeyVersion is the TXT layout version.
	TXTKeyVersion = "txtvers"

	// TXTKeyResourceType lists the resource types served, space separated
	// as in the CoRE Link Format "rt" attribute.
	TXTKeyResourceType = "rt"

	// TXTKeyInterface is the interface description ("if").
	TXTKeyInterface = "if"

	// TXTKeyPath is the path of the main resource.
	TXTKeyPath = "path"

	// TXTKeyBlockSize is the preferred block size; absent when block-wise
	// transfer is off.
	TXTKeyBlockSize = "sz"

	// TXTKeyObserve is present when resources can be observed.
	TXTKeyObserve = "obs"

	// TXTKeyOSCORE is present when requests may be protected with OSCORE.
	TXTKeyOSCORE = "osc"
)

// TXTVersion is the layout written by Encode.
const TXTVersion = 1

// maxTXTRecordLength is the longest single TXT string (RFC 6763 Section 6.1).
const maxTXTRecordLength = 255

// ServiceTXT describes a CoAP endpoint in its DNS-SD TXT record.
type ServiceTXT struct {
	// ResourceTypes are the "rt" values of the advertised resources.
	ResourceTypes []string

	// Interface is the "if" value (optional).
	Interface string

	// Path is the main resource path (optional).
	Path string

	// BlockSize is the preferred block size, or 0 when block-wise
	// transfer is disabled.
	BlockSize int

	// Observe reports RFC 7641 support.
	Observe bool

	// OSCORE reports RFC 8613 support.
	OSCORE bool
}

// Encode converts the TXT record to DNS-SD format strings. The version
// comes first (RFC 6763 Section 6.7).
func (s *ServiceTXT) Encode() []string {
	txt := []string{fmt.Sprintf("%s=%d", TXTKeyVersion, TXTVersion)}

	if len(s.ResourceTypes) > 0 {
		rts := append([]string(nil), s.ResourceTypes...)
		sort.Strings(rts)
		txt = append(txt, TXTKeyResourceType+"="+strings.Join(rts, " "))
	}
	if s.Interface != "" {
		txt = append(txt, TXTKeyInterface+"="+s.Interface)
	}
	if s.Path != "" {
		txt = append(txt, TXTKeyPath+"="+s.Path)
	}
	if s.BlockSize > 0 {
		txt = append(txt, fmt.Sprintf("%s=%d", TXTKeyBlockSize, s.BlockSize))
	}
	// Boolean attributes are keys without a value.
	if s.Observe {
		txt = append(txt, TXTKeyObserve)
	}
	if s.OSCORE {
		txt = append(txt, TXTKeyOSCORE)
	}
	return txt
}

// Validate checks that the record can be encoded.
func (s *ServiceTXT) Validate() error {
	for _, rt := range s.ResourceTypes {
		if rt == "" || strings.ContainsAny(rt, " \t") {
			return fmt.Errorf("%w: resource type %q", ErrInvalidTXTRecord, rt)
		}
	}
	if s.BlockSize != 0 && (s.BlockSize < 16 || s.BlockSize > 1024 || s.BlockSize&(s.BlockSize-1) != 0) {
		return fmt.Errorf("%w: block size %d", ErrInvalidTXTRecord, s.BlockSize)
	}
	for _, rec := range s.Encode() {
		if len(rec) > maxTXTRecordLength {
			return fmt.Errorf("%w: %q exceeds %d bytes", ErrInvalidTXTRecord, rec[:16], maxTXTRecordLength)
		}
	}
	return nil
}

// ParseTXT parses raw TXT record strings into a map with lower-case keys.
// A key without '=' maps to the empty string. The first occurrence of a
// key wins (RFC 6763 Section 6.4).
func ParseTXT(records []string) map[string]string {
	result := make(map[string]string)
	for _, record := range records {
		key, value, _ := strings.Cut(record, "=")
		if key == "" {
			continue
		}
		key = strings.ToLower(key)
		if _, dup := result[key]; !dup {
			result[key] = value
		}
	}
	return result
}

// ParseServiceTXT parses raw TXT records into a ServiceTXT. Unknown keys
// are ignored.
func ParseServiceTXT(records []string) (*ServiceTXT, error) {
	m := ParseTXT(records)
	txt := &ServiceTXT{}

	if v, ok := m[TXTKeyVersion]; ok {
		ver, err := strconv.Atoi(v)
		if err != nil || ver < 1 {
			return nil, fmt.Errorf("%w: txtvers %q", ErrInvalidTXTRecord, v)
		}
	}
	if v, ok := m[TXTKeyResourceType]; ok {
		txt.ResourceTypes = strings.Fields(v)
	}
	txt.Interface = m[TXTKeyInterface]
	txt.Path = m[TXTKeyPath]
	if v, ok := m[TXTKeyBlockSize]; ok {
		sz, err := strconv.Atoi(v)
		if err != nil || sz < 0 {
			return nil, fmt.Errorf("%w: sz %q", ErrInvalidTXTRecord, v)
		}
		txt.BlockSize = sz
	}
	_, txt.Observe = m[TXTKeyObserve]
	_, txt.OSCORE = m[TXTKeyOSCORE]
	return txt, nil
}

// HasResourceType reports whether rt is among the advertised types.
func (s *ServiceTXT) HasResourceType(rt string) bool {
	for _, v := range s.ResourceTypes {
		if v == rt {
			return true
		}
	}
	return false
}
