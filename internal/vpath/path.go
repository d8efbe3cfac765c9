// Package vpath implements virtual paths: slash-delimited, Unix-style logical
// paths that are independent of the path syntax of whatever storage ends up
// holding the data. A chunk is always addressed by a virtual path; targets map
// virtual paths onto their own namespace (see EncodeSafe).
//
// A Path is an immutable value. The empty path ("") and the root path ("/")
// are each represented by a single empty part, relative and absolute
// respectively. Parts never contain a separator or a control character.
package vpath

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"unicode"
)

// Separator is the virtual path separator.
const Separator = "/"

var (
	// ErrEmptyPart is returned when a path has an empty segment anywhere
	// other than as its only segment (e.g. "a//b" or "a/").
	ErrEmptyPart = errors.New("vpath: a path part may only be empty if it is the only part")

	// ErrInvalidCharacter is returned when a path part contains a control
	// character.
	ErrInvalidCharacter = errors.New("vpath: invalid character in path part")
)

// Path is a parsed virtual path. The zero value is the empty relative path.
//
// Paths are not comparable with ==; use Equal, or Key when a map key is
// needed.
type Path struct {
	absolute bool
	parts    []string
}

var (
	// Empty is the empty relative path "".
	Empty = Path{parts: []string{""}}
	// Root is the absolute root path "/".
	Root = Path{absolute: true, parts: []string{""}}
)

// Parse parses a slash-delimited path string. A leading slash makes the path
// absolute.
func Parse(s string) (Path, error) {
	return FromParts(s)
}

// MustParse is like Parse but panics on error. It is meant for constants and
// tests.
func MustParse(s string) Path {
	p, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return p
}

// FromParts builds a path from one or more segments. Each segment may itself
// contain separators and is split accordingly; a leading separator on the
// first segment makes the path absolute.
func FromParts(segments ...string) (Path, error) {
	if len(segments) == 0 {
		return Empty, nil
	}

	absolute := strings.HasPrefix(segments[0], Separator)
	var parts []string
	for i, segment := range segments {
		if i == 0 && absolute {
			segment = segment[len(Separator):]
		}
		parts = append(parts, strings.Split(segment, Separator)...)
	}

	for _, part := range parts {
		if part == "" && len(parts) > 1 {
			return Path{}, fmt.Errorf("%w: %q", ErrEmptyPart, strings.Join(segments, Separator))
		}
		if strings.IndexFunc(part, unicode.IsControl) >= 0 {
			return Path{}, fmt.Errorf("%w: %q", ErrInvalidCharacter, part)
		}
	}
	return Path{absolute: absolute, parts: parts}, nil
}

// FromFilePath converts a real filesystem path of the host OS into a virtual
// path, keeping it absolute if it was absolute.
func FromFilePath(path string) (Path, error) {
	clean := filepath.ToSlash(filepath.Clean(path))
	if vol := filepath.VolumeName(path); vol != "" {
		// C:/foo -> /C:/foo
		clean = Separator + clean
	}
	return Parse(clean)
}

func (p Path) partList() []string {
	if len(p.parts) == 0 {
		return Empty.parts
	}
	return p.parts
}

// IsAbsolute reports whether the path starts at the root.
func (p Path) IsAbsolute() bool {
	return p.absolute
}

// IsEmpty reports whether p is the empty relative path.
func (p Path) IsEmpty() bool {
	parts := p.partList()
	return !p.absolute && len(parts) == 1 && parts[0] == ""
}

// isRoot reports whether p is the root path "/".
func (p Path) isRoot() bool {
	parts := p.partList()
	return p.absolute && len(parts) == 1 && parts[0] == ""
}

// Parts returns a copy of the path segments.
func (p Path) Parts() []string {
	parts := p.partList()
	out := make([]string, len(parts))
	copy(out, parts)
	return out
}

// Len returns the number of segments.
func (p Path) Len() int {
	return len(p.partList())
}

// Part returns the segment at index i.
func (p Path) Part(i int) (string, error) {
	parts := p.partList()
	if i < 0 || i >= len(parts) {
		return "", fmt.Errorf("vpath: index must be between 0 and %d, got %d", len(parts)-1, i)
	}
	return parts[i], nil
}

// Base returns the last segment of the path.
func (p Path) Base() string {
	parts := p.partList()
	return parts[len(parts)-1]
}

// Parent returns the path without its last segment. The parent of a single
// segment path is the empty path (or the root, if absolute).
func (p Path) Parent() Path {
	parts := p.partList()
	if len(parts) <= 1 {
		if p.absolute {
			return Root
		}
		return Empty
	}
	return Path{absolute: p.absolute, parts: cloneParts(parts[:len(parts)-1])}
}

// WithBaseSuffix returns a copy of p with suffix appended to its last
// segment. The suffix must not contain a separator.
func (p Path) WithBaseSuffix(suffix string) (Path, error) {
	if strings.Contains(suffix, Separator) {
		return Path{}, fmt.Errorf("vpath: suffix %q contains a separator", suffix)
	}
	if strings.IndexFunc(suffix, unicode.IsControl) >= 0 {
		return Path{}, fmt.Errorf("%w: %q", ErrInvalidCharacter, suffix)
	}
	parts := cloneParts(p.partList())
	parts[len(parts)-1] += suffix
	return Path{absolute: p.absolute, parts: parts}, nil
}

// Resolve joins other onto p using filesystem semantics: an absolute other
// replaces p entirely, an empty other yields p, and an empty p yields other.
func (p Path) Resolve(other Path) Path {
	switch {
	case other.absolute:
		return other
	case other.IsEmpty():
		return p
	case p.IsEmpty():
		return other
	case p.isRoot():
		return Path{absolute: true, parts: cloneParts(other.partList())}
	}
	base := p.partList()
	parts := make([]string, 0, len(base)+other.Len())
	parts = append(parts, base...)
	parts = append(parts, other.partList()...)
	return Path{absolute: p.absolute, parts: parts}
}

// ResolveString parses s and resolves it against p.
func (p Path) ResolveString(s string) (Path, error) {
	other, err := Parse(s)
	if err != nil {
		return Path{}, err
	}
	return p.Resolve(other), nil
}

// ToAbsolutePath returns the absolute, normalized form of p. "." segments
// are dropped and each ".." cancels the nearest preceding real segment.
// Excess ".." segments stop at the root, as they do on Unix.
func (p Path) ToAbsolutePath() Path {
	parts := p.partList()
	kept := make([]string, 0, len(parts))
	doubleDots := 0
	for i := len(parts) - 1; i >= 0; i-- {
		switch part := parts[i]; part {
		case "..":
			doubleDots++
		case ".", "":
		default:
			if doubleDots > 0 {
				doubleDots--
				continue
			}
			kept = append(kept, part)
		}
	}
	if len(kept) == 0 {
		return Root
	}
	for i, j := 0, len(kept)-1; i < j; i, j = i+1, j-1 {
		kept[i], kept[j] = kept[j], kept[i]
	}
	return Path{absolute: true, parts: kept}
}

// ClimbsAboveRoot reports whether walking p's parts from the root would
// reach a ".." with nothing left to cancel.
func (p Path) ClimbsAboveRoot() bool {
	depth := 0
	for _, part := range p.partList() {
		switch part {
		case "..":
			if depth == 0 {
				return true
			}
			depth--
		case ".", "":
		default:
			depth++
		}
	}
	return false
}

// Equal reports whether p and other have the same absoluteness and parts.
func (p Path) Equal(other Path) bool {
	if p.absolute != other.absolute {
		return false
	}
	a, b := p.partList(), other.partList()
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Key returns a comparable representation of p, suitable as a map key.
// Two paths have the same key if and only if they are Equal.
func (p Path) Key() string {
	return p.String()
}

// String renders the path with a leading separator when absolute.
func (p Path) String() string {
	joined := strings.Join(p.partList(), Separator)
	if p.absolute {
		return Separator + joined
	}
	return joined
}

// MarshalText implements encoding.TextMarshaler.
func (p Path) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Path) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

func cloneParts(parts []string) []string {
	out := make([]string, len(parts))
	copy(out, parts)
	return out
}
