package vpath

import (
	"net/url"
	"strings"
)

// safeChars are kept as-is by EncodeSafe in addition to ASCII letters and
// digits. The separator is retained so encoded paths keep their directory
// structure. Spaces are escaped.
const safeChars = "/-_."

const upperHex = "0123456789ABCDEF"

// EncodeSafe converts a virtual path string into a string that is a valid
// relative path on every supported OS, while staying unique among all
// inputs. Every byte outside the safe set is percent-encoded, and so are
// the dots of a part that is exactly "." or "..", since a filesystem would
// otherwise collapse them.
func EncodeSafe(path string) string {
	var b strings.Builder
	b.Grow(len(path))
	for i, part := range strings.Split(path, "/") {
		if i > 0 {
			b.WriteByte('/')
		}
		if part == "." || part == ".." {
			for range len(part) {
				writeEscaped(&b, '.')
			}
			continue
		}
		for j := 0; j < len(part); j++ {
			if c := part[j]; isSafe(c) {
				b.WriteByte(c)
			} else {
				writeEscaped(&b, c)
			}
		}
	}
	return b.String()
}

func writeEscaped(b *strings.Builder, c byte) {
	b.WriteByte('%')
	b.WriteByte(upperHex[c>>4])
	b.WriteByte(upperHex[c&0x0f])
}

// DecodeSafe undoes EncodeSafe.
func DecodeSafe(path string) (string, error) {
	return url.PathUnescape(path)
}

func isSafe(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	}
	return strings.IndexByte(safeChars, c) >= 0
}
