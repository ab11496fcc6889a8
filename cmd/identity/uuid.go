package identity

import (
	"regexp"
	"strings"
)

// Canonical account and profile ids are RFC 4122 UUIDs (versions 1-5).
var uuidRe = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[1-5][0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}$`)

// IsCanonicalID reports whether s (after trimming) is a canonical UUID.
// Matching is case-insensitive.
func IsCanonicalID(s string) bool {
	return uuidRe.MatchString(strings.ToLower(strings.TrimSpace(s)))
}
