// Package si implements the storage index identifier: a 16-byte value
// naming one erasure-coded file's worth of shares across the grid, along
// with the base32 text encoding used on the wire and on disk, and the
// two-character prefix sharding scheme the crawler and bucket layout rely
// on.
package si

import (
	"encoding/base32"
	"fmt"
)

// Length is the size in bytes of a storage index.
const Length = 16

// encoding is RFC4648 base32 without padding, lowercased, matching the
// textual storage-index form used in share filenames and wire requests.
var encoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// SI is a storage index: the 16-byte identifier shared by every share of
// one erasure-coded file.
type SI [Length]byte

// String returns the lowercase base32 text form of si.
func (s SI) String() string {
	return toLower(encoding.EncodeToString(s[:]))
}

// Prefix returns the first two characters of the base32 text form, used
// to shard shares across 1,024 subdirectories (32^2).
func (s SI) Prefix() string {
	str := s.String()
	if len(str) < 2 {
		return str
	}
	return str[:2]
}

// Parse decodes the base32 text form of a storage index. Accepts both
// upper and lower case input.
func Parse(text string) (SI, error) {
	var out SI
	raw, err := encoding.DecodeString(toUpper(text))
	if err != nil {
		return out, fmt.Errorf("si: invalid storage index %q: %w", text, err)
	}
	if len(raw) != Length {
		return out, fmt.Errorf("si: invalid storage index %q: decoded length %d, want %d", text, len(raw), Length)
	}
	copy(out[:], raw)
	return out, nil
}

// FromBytes copies a 16-byte slice into an SI.
func FromBytes(b []byte) (SI, error) {
	var out SI
	if len(b) != Length {
		return out, fmt.Errorf("si: invalid storage index length %d, want %d", len(b), Length)
	}
	copy(out[:], b)
	return out, nil
}

func toLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

func toUpper(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'a' && c <= 'z' {
			b[i] = c - ('a' - 'A')
		}
	}
	return string(b)
}

// AllPrefixes returns the 1,024 two-character base32 prefixes in a fixed
// permutation order, used by the crawler to visit subdirectories in a
// stable but non-lexicographic sequence across restarts (§4.G).
func AllPrefixes() []string {
	const alphabet = "abcdefghijklmnopqrstuvwxyz234567"
	prefixes := make([]string, 0, len(alphabet)*len(alphabet))
	for _, a := range alphabet {
		for _, b := range alphabet {
			prefixes = append(prefixes, string(a)+string(b))
		}
	}
	return permute(prefixes)
}

// permute applies a fixed, deterministic shuffle (not dependent on
// run-time randomness) so that crawl order is stable across process
// restarts but does not bias early cycles toward lexicographically early
// storage indices.
func permute(prefixes []string) []string {
	out := make([]string, len(prefixes))
	copy(out, prefixes)
	n := len(out)
	// A fixed-stride permutation: stride coprime with n=1024 (1024=2^10),
	// so any odd stride visits every element exactly once.
	const stride = 701 // odd, coprime with 1024
	result := make([]string, n)
	idx := 0
	for i := 0; i < n; i++ {
		result[i] = out[idx]
		idx = (idx + stride) % n
	}
	return result
}
