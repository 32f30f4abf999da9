package relay

import "strings"

// linkMarkers are matched case-insensitively anywhere in a text body. The
// match is crude: "http" alone is enough.
var linkMarkers = []string{"http", "www.", ".com", ".org", ".net"}

// ContainsLink reports whether text looks like it carries a link.
func ContainsLink(text string) bool {
	lower := strings.ToLower(text)
	for _, m := range linkMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}
