// Package config implements the hierarchical key/value tree that setups and
// plugins read their settings from. A tree is usually loaded from a YAML
// document; each plugin only ever sees the subtree scoped to it.
package config

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"
)

var (
	// ErrMissingKey is returned when a required key is absent.
	ErrMissingKey = errors.New("config: missing required key")

	// ErrWrongType is returned when a key holds a value of an unexpected type.
	ErrWrongType = errors.New("config: value has wrong type")
)

// Node is one level of a configuration tree. Children returned by Child are
// views into the same tree: values set on a child become visible in (and
// saved with) the parent. A child that has never been written to does not
// materialise in the parent.
//
// A Node is not safe for concurrent mutation.
type Node struct {
	parent *Node
	name   string
	values map[string]any
}

// New returns an empty root node.
func New() *Node {
	return &Node{values: make(map[string]any)}
}

// FromMap wraps an already decoded map. The map is used directly, not copied.
func FromMap(values map[string]any) *Node {
	if values == nil {
		values = make(map[string]any)
	}
	return &Node{values: values}
}

// Path returns the dotted path of key below the root, for messages.
func (n *Node) Path(key string) string {
	var segments []string
	for cur := n; cur != nil && cur.parent != nil; cur = cur.parent {
		segments = append(segments, cur.name)
	}
	slices.Reverse(segments)
	if key != "" {
		segments = append(segments, key)
	}
	return strings.Join(segments, ".")
}

// Has reports whether key is present.
func (n *Node) Has(key string) bool {
	_, ok := n.values[key]
	return ok
}

// Keys returns the keys of this node in sorted order.
func (n *Node) Keys() []string {
	return slices.Sorted(maps.Keys(n.values))
}

// String returns the string stored under key.
func (n *Node) String(key string) (string, bool, error) {
	raw, ok := n.values[key]
	if !ok || raw == nil {
		return "", false, nil
	}
	switch v := raw.(type) {
	case string:
		return v, true, nil
	case int, int64, uint64, float64, bool:
		return fmt.Sprint(v), true, nil
	case time.Time:
		return v.Format(time.RFC3339Nano), true, nil
	default:
		return "", false, fmt.Errorf("%w: %s is %T, want string", ErrWrongType, n.Path(key), raw)
	}
}

// RequireString is String but fails with ErrMissingKey when the key is
// absent.
func (n *Node) RequireString(key string) (string, error) {
	v, ok, err := n.String(key)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrMissingKey, n.Path(key))
	}
	return v, nil
}

// StringOr returns the string under key, or def when it is absent.
func (n *Node) StringOr(key, def string) (string, error) {
	v, ok, err := n.String(key)
	if err != nil {
		return "", err
	}
	if !ok {
		return def, nil
	}
	return v, nil
}

// Strings returns the list of strings stored under key. A scalar string is
// treated as a single element list. An absent key yields nil.
func (n *Node) Strings(key string) ([]string, error) {
	raw, ok := n.values[key]
	if !ok || raw == nil {
		return nil, nil
	}
	switch v := raw.(type) {
	case string:
		return []string{v}, nil
	case []string:
		return slices.Clone(v), nil
	case []any:
		out := make([]string, 0, len(v))
		for i, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("%w: %s[%d] is %T, want string", ErrWrongType, n.Path(key), i, item)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %s is %T, want list of strings", ErrWrongType, n.Path(key), raw)
	}
}

// Time returns the instant stored under key, encoded as RFC 3339.
func (n *Node) Time(key string) (time.Time, bool, error) {
	raw, ok := n.values[key]
	if !ok || raw == nil {
		return time.Time{}, false, nil
	}
	switch v := raw.(type) {
	case time.Time:
		return v, true, nil
	case string:
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return time.Time{}, false, fmt.Errorf("config: %s: %w", n.Path(key), err)
		}
		return t, true, nil
	default:
		return time.Time{}, false, fmt.Errorf("%w: %s is %T, want timestamp", ErrWrongType, n.Path(key), raw)
	}
}

// RequireTime is Time but fails with ErrMissingKey when the key is absent.
func (n *Node) RequireTime(key string) (time.Time, error) {
	t, ok, err := n.Time(key)
	if err != nil {
		return time.Time{}, err
	}
	if !ok {
		return time.Time{}, fmt.Errorf("%w: %s", ErrMissingKey, n.Path(key))
	}
	return t, nil
}

// TimeOfDay returns the wall clock time stored under key.
func (n *Node) TimeOfDay(key string) (TimeOfDay, bool, error) {
	s, ok, err := n.String(key)
	if err != nil || !ok {
		return TimeOfDay{}, false, err
	}
	tod, err := ParseTimeOfDay(s)
	if err != nil {
		return TimeOfDay{}, false, fmt.Errorf("config: %s: %w", n.Path(key), err)
	}
	return tod, true, nil
}

// Child returns the subtree under key. If key holds a non-map value the
// returned child is empty and writes to it replace that value.
func (n *Node) Child(key string) *Node {
	if m, ok := n.values[key].(map[string]any); ok {
		return &Node{parent: n, name: key, values: m}
	}
	return &Node{parent: n, name: key}
}

// Set stores value under key. Times and times of day are stored in their
// text form so that saved documents stay human readable.
func (n *Node) Set(key string, value any) {
	n.materialize()
	switch v := value.(type) {
	case time.Time:
		n.values[key] = v.Format(time.RFC3339Nano)
	case TimeOfDay:
		n.values[key] = v.String()
	case []string:
		items := make([]any, len(v))
		for i, s := range v {
			items[i] = s
		}
		n.values[key] = items
	default:
		n.values[key] = value
	}
}

// Delete removes key. Deleting an absent key is a no-op.
func (n *Node) Delete(key string) {
	delete(n.values, key)
}

// Map returns the underlying map of this node, materialising it if needed.
func (n *Node) Map() map[string]any {
	n.materialize()
	return n.values
}

func (n *Node) materialize() {
	if n.values != nil {
		return
	}
	n.values = make(map[string]any)
	if n.parent != nil {
		n.parent.materialize()
		n.parent.values[n.name] = n.values
	}
}
