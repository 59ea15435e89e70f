package mimexop

import (
	"net/url"
	"strings"
)

// NormalizeContentID is the single join key between MIME parts and XML
// Include/@href references: URL-decode, strip a leading "cid:", strip
// surrounding angle brackets, strip a "cid:" that sat inside the brackets,
// then truncate at the first "@". Must be
// applied identically to every Content-ID and href seen anywhere in this
// package.
func NormalizeContentID(raw string) string {
	s := strings.TrimSpace(raw)

	if decoded, err := url.PathUnescape(s); err == nil {
		s = decoded
	}

	s = strings.TrimPrefix(s, "cid:")
	s = strings.TrimPrefix(s, "<")
	s = strings.TrimSuffix(s, ">")
	s = strings.TrimPrefix(s, "cid:")

	if idx := strings.IndexByte(s, '@'); idx != -1 {
		s = s[:idx]
	}

	return s
}
