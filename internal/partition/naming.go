package partition

import (
	"strings"
	"unicode"
)

// Prefix namespaces every tenant partition so tenant collections never collide
// with the registry's own collections and can be enumerated by the sweep.
const Prefix = "org_"

// Sanitize derives the storage-safe partition id for an organization name.
//
// Only letters, digits, spaces, underscores and hyphens survive; the result is
// trimmed, spaces become underscores and everything is lowercased before the
// Prefix is prepended. The function is total: any input, including the empty
// string, yields an id. Distinct names can sanitize to the same id, so callers
// must check partition ids for uniqueness, not just names.
func Sanitize(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == ' ' || r == '_' || r == '-' {
			b.WriteRune(r)
		}
	}
	kept := strings.TrimSpace(b.String())
	return Prefix + strings.ToLower(strings.ReplaceAll(kept, " ", "_"))
}

// IsTenantPartition reports whether id carries the tenant Prefix.
func IsTenantPartition(id string) bool {
	return strings.HasPrefix(id, Prefix)
}
