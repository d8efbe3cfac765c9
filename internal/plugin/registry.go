package plugin

import (
	"fmt"
	"slices"
	"strings"

	"github.com/octylFractal/backup-secretary/internal/config"
)

// Registry indexes the ids declared by a fixed set of providers. It is built
// once at startup and is read-only afterwards, so it is safe for concurrent
// use.
type Registry struct {
	byCapability map[Capability][]ID
	byID         map[ID]Provider
}

// NewRegistry collects the ids of every provider. Two providers claiming the
// same id is a fatal configuration error.
func NewRegistry(providers ...Provider) (*Registry, error) {
	r := &Registry{
		byCapability: make(map[Capability][]ID),
		byID:         make(map[ID]Provider),
	}
	for _, p := range providers {
		for _, id := range p.ProvidedIDs() {
			if _, exists := r.byID[id]; exists {
				return nil, fmt.Errorf("%w: %s", ErrDuplicatePlugin, id)
			}
			r.byID[id] = p
			r.byCapability[id.Capability] = append(r.byCapability[id.Capability], id)
		}
	}
	for c := range r.byCapability {
		slices.SortFunc(r.byCapability[c], func(a, b ID) int {
			return strings.Compare(a.Key, b.Key)
		})
	}
	return r, nil
}

// Capabilities lists every capability with at least one plugin.
func (r *Registry) Capabilities() []Capability {
	out := make([]Capability, 0, len(r.byCapability))
	for c := range r.byCapability {
		out = append(out, c)
	}
	slices.Sort(out)
	return out
}

// IDs lists the plugins of one capability, sorted by key.
func (r *Registry) IDs(c Capability) []ID {
	return slices.Clone(r.byCapability[c])
}

// Resolve instantiates the plugin for id and, if it is Configurable, loads
// its configuration from node. A nil node skips configuration.
func (r *Registry) Resolve(id ID, node *config.Node) (Plugin, error) {
	p, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchPlugin, id)
	}
	instance, err := p.Provide(id)
	if err != nil {
		return nil, fmt.Errorf("plugin: provide %s: %w", id, err)
	}
	if c, ok := instance.(Configurable); ok && node != nil {
		if err := c.LoadConfiguration(node); err != nil {
			return nil, fmt.Errorf("plugin: configure %s: %w", id, err)
		}
	}
	return instance, nil
}

// ResolveAs reads the plugin key for capability c from node[key], resolves
// it with the subtree plugins.<key>, and asserts the result to T.
func ResolveAs[T any](r *Registry, c Capability, node *config.Node, key string) (T, error) {
	var zero T
	pluginKey, err := node.RequireString(key)
	if err != nil {
		return zero, err
	}
	instance, err := r.Resolve(ID{Capability: c, Key: pluginKey}, node.Child("plugins").Child(key))
	if err != nil {
		return zero, err
	}
	typed, ok := instance.(T)
	if !ok {
		return zero, fmt.Errorf("%w: %s is %T", ErrWrongCapability, instance.PluginID(), instance)
	}
	return typed, nil
}
