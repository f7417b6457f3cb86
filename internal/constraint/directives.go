package constraint

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// Directives maps constraint names (clock_period_ns, utilization, ...) to
// their values.
type Directives map[string]string

// Normalize returns a copy with names in Unicode NFC and surrounding space
// trimmed. Two spellings of the same name that differ only in normalization
// form would otherwise be distinct directives.
func Normalize(d Directives) (Directives, error) {
	out := make(Directives, len(d))
	for k, v := range d {
		name := norm.NFC.String(strings.TrimSpace(k))
		if name == "" {
			return nil, fmt.Errorf("constraint directive with empty name")
		}
		if strings.IndexFunc(name, unicode.IsControl) >= 0 {
			return nil, fmt.Errorf("constraint directive %q contains control characters", name)
		}
		if prev, dup := out[name]; dup && prev != v {
			return nil, fmt.Errorf("constraint directive %q given twice with different values", name)
		}
		out[name] = norm.NFC.String(v)
	}
	return out, nil
}

// Clone returns an independent copy.
func (d Directives) Clone() Directives {
	if d == nil {
		return nil
	}
	out := make(Directives, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// Names returns the directive names sorted.
func (d Directives) Names() []string {
	names := make([]string, 0, len(d))
	for k := range d {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Equal reports whether both sets hold the same directives.
func (d Directives) Equal(other Directives) bool {
	if len(d) != len(other) {
		return false
	}
	for k, v := range d {
		if ov, ok := other[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

// Hash is a stable content hash over the sorted directives.
func (d Directives) Hash() string {
	h := sha256.New()
	field := func(s string) {
		var n [8]byte
		binary.BigEndian.PutUint64(n[:], uint64(len(s)))
		h.Write(n[:])
		h.Write([]byte(s))
	}
	names := d.Names()
	field(fmt.Sprint(len(names)))
	for _, k := range names {
		field(k)
		field(d[k])
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Conflicts returns the names that refined sets differently from what other
// publishers put into the ledger in the given publications, sorted.
func Conflicts(published []Version, publisher string, refined Directives) []string {
	var names []string
	seen := make(map[string]struct{})
	for _, v := range published {
		if v.Publisher == publisher || v.Publisher == BasePublisher {
			continue
		}
		for k, val := range v.Directives {
			mine, ok := refined[k]
			if !ok || mine == val {
				continue
			}
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			names = append(names, k)
		}
	}
	sort.Strings(names)
	return names
}
