package scope

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// normalize returns a sorted, deduplicated copy of a string list.
// Empty entries are dropped. A nil or empty input yields an empty,
// non-nil slice so JSON encodes [] rather than null.
func normalize(items []string) []string {
	seen := make(map[string]struct{}, len(items))
	out := make([]string, 0, len(items))
	for _, item := range items {
		if item == "" {
			continue
		}
		if _, ok := seen[item]; ok {
			continue
		}
		seen[item] = struct{}{}
		out = append(out, item)
	}
	sort.Strings(out)
	return out
}

// Checksum computes a stable fingerprint over a capability and role
// set. Order and duplicates do not affect the result, so two snapshots
// with the same effective scope always produce the same checksum.
func Checksum(capabilities, roles []string) string {
	var b strings.Builder
	b.WriteString("caps:")
	b.WriteString(strings.Join(normalize(capabilities), ","))
	b.WriteString("|roles:")
	b.WriteString(strings.Join(normalize(roles), ","))

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
