// Package plugin resolves capability-keyed plugin ids to fresh plugin
// instances. Providers are registered explicitly when the Registry is built;
// there is no global discovery.
package plugin

import (
	"errors"
	"fmt"

	"github.com/octylFractal/backup-secretary/internal/config"
)

// Capability names one kind of plugin.
type Capability string

const (
	CapabilitySource  Capability = "source"
	CapabilityChunker Capability = "chunker"
	CapabilityTarget  Capability = "target"
)

// ID identifies one plugin implementation within one capability.
type ID struct {
	Capability Capability
	Key        string
}

func (id ID) String() string {
	return string(id.Capability) + "/" + id.Key
}

// Plugin is implemented by every plugin instance.
type Plugin interface {
	PluginID() ID
}

// Configurable is implemented by plugins that read settings from a
// configuration subtree.
type Configurable interface {
	LoadConfiguration(node *config.Node) error
	SaveConfiguration(node *config.Node) error
}

// Provider declares a set of plugin ids and instantiates them on demand.
// Provide must return a new, unaliased instance on every call.
type Provider interface {
	ProvidedIDs() []ID
	Provide(id ID) (Plugin, error)
}

var (
	// ErrDuplicatePlugin is returned by NewRegistry when two providers claim
	// the same id.
	ErrDuplicatePlugin = errors.New("plugin: duplicate plugin id")

	// ErrNoSuchPlugin is returned when resolving an id no provider claims.
	ErrNoSuchPlugin = errors.New("plugin: no such plugin")

	// ErrWrongCapability is returned by ResolveAs when the instance does not
	// implement the requested capability interface.
	ErrWrongCapability = errors.New("plugin: instance does not implement capability")
)

// FactoryFunc creates one plugin instance.
type FactoryFunc func() Plugin

type singleProvider struct {
	id      ID
	factory FactoryFunc
}

// Single returns a Provider for exactly one id.
func Single(id ID, factory FactoryFunc) Provider {
	return singleProvider{id: id, factory: factory}
}

func (p singleProvider) ProvidedIDs() []ID {
	return []ID{p.id}
}

func (p singleProvider) Provide(id ID) (Plugin, error) {
	if id != p.id {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchPlugin, id)
	}
	return p.factory(), nil
}
