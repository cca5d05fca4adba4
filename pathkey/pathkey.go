/*
Package pathkey derives canonical storage keys from request and
registration paths and enumerates their ancestor keys.

Canonical keys make equivalent spellings of the same path (missing
leading slash, dot segments, lower case percent escapes, trailing
slash, a full URL instead of a bare path) map to one key, so that a
route registered once is found regardless of how the path arrives.
*/
package pathkey

import (
	"net/url"
	"strings"

	"github.com/dimfeld/httppath"
)

// Root is the canonical key of the root path.
const Root = "/"

// Normalize maps a raw path to its canonical storage key. Empty input
// maps to the root key. Normalize is idempotent.
func Normalize(raw string) string {
	if raw == "" || raw == Root {
		return Root
	}

	// accept full URLs by reducing them to their path component
	if strings.Contains(raw, "://") {
		if u, err := url.Parse(raw); err == nil && u.Host != "" {
			raw = u.EscapedPath()
			if raw == "" {
				return Root
			}
		}
	}

	if raw[0] != '/' {
		raw = "/" + raw
	}

	p := httppath.Clean(upperPercent(raw))
	if len(p) > 1 {
		p = strings.TrimSuffix(p, "/")
	}

	return p
}

// Ancestors returns every ancestor key of the given path, starting
// with its own canonical key and ending at the root key, most specific
// first. The root path yields a single element sequence.
func Ancestors(path string) []string {
	key := Normalize(path)
	if key == Root {
		return []string{Root}
	}

	segments := strings.Split(key[1:], "/")
	keys := make([]string, 0, len(segments)+1)
	for i := len(segments); i > 0; i-- {
		keys = append(keys, "/"+strings.Join(segments[:i], "/"))
	}

	return append(keys, Root)
}

// upperPercent normalizes the hex digit casing of percent escapes, see
// RFC 3986 section 6.2.2.1.
func upperPercent(p string) string {
	if !strings.Contains(p, "%") {
		return p
	}

	b := []byte(p)
	for i := 0; i+2 < len(b); i++ {
		if b[i] == '%' {
			b[i+1] = upperHex(b[i+1])
			b[i+2] = upperHex(b[i+2])
		}
	}

	return string(b)
}

func upperHex(c byte) byte {
	if 'a' <= c && c <= 'f' {
		return c - ('a' - 'A')
	}

	return c
}
