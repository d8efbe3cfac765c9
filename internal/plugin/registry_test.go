package plugin

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/octylFractal/backup-secretary/internal/config"
)

type greeter interface {
	Greet() string
}

type fakePlugin struct {
	id       ID
	greeting string
	loaded   *config.Node
}

func (f *fakePlugin) PluginID() ID { return f.id }

func (f *fakePlugin) Greet() string { return f.greeting }

func (f *fakePlugin) LoadConfiguration(node *config.Node) error {
	f.loaded = node
	g, err := node.RequireString("greeting")
	if err != nil {
		return err
	}
	f.greeting = g
	return nil
}

func (f *fakePlugin) SaveConfiguration(node *config.Node) error {
	node.Set("greeting", f.greeting)
	return nil
}

type bare struct{ id ID }

func (b bare) PluginID() ID { return b.id }

var (
	helloID = ID{Capability: CapabilitySource, Key: "hello"}
	bareID  = ID{Capability: CapabilityTarget, Key: "bare"}
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := NewRegistry(
		Single(helloID, func() Plugin { return &fakePlugin{id: helloID} }),
		Single(bareID, func() Plugin { return bare{id: bareID} }),
	)
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func TestNewRegistryDuplicate(t *testing.T) {
	_, err := NewRegistry(
		Single(helloID, func() Plugin { return bare{id: helloID} }),
		Single(helloID, func() Plugin { return bare{id: helloID} }),
	)
	if !errors.Is(err, ErrDuplicatePlugin) {
		t.Fatalf("err = %v, want ErrDuplicatePlugin", err)
	}
}

func TestSameKeyDifferentCapability(t *testing.T) {
	_, err := NewRegistry(
		Single(ID{CapabilitySource, "local"}, func() Plugin { return bare{} }),
		Single(ID{CapabilityTarget, "local"}, func() Plugin { return bare{} }),
	)
	if err != nil {
		t.Fatalf("same key under different capabilities should be allowed: %v", err)
	}
}

func TestResolveUnknown(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Resolve(ID{Capability: CapabilityChunker, Key: "nope"}, config.New())
	if !errors.Is(err, ErrNoSuchPlugin) {
		t.Fatalf("err = %v, want ErrNoSuchPlugin", err)
	}
}

func TestResolveFreshInstances(t *testing.T) {
	r := newTestRegistry(t)
	node := config.New()
	node.Set("greeting", "hi")

	a, err := r.Resolve(helloID, node)
	if err != nil {
		t.Fatal(err)
	}
	b, err := r.Resolve(helloID, node)
	if err != nil {
		t.Fatal(err)
	}
	if a == b {
		t.Error("Resolve returned the same instance twice")
	}
	if got := a.(greeter).Greet(); got != "hi" {
		t.Errorf("Greet() = %q", got)
	}
}

func TestResolveConfigurationError(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Resolve(helloID, config.New())
	if !errors.Is(err, config.ErrMissingKey) {
		t.Fatalf("err = %v, want ErrMissingKey", err)
	}
}

func TestResolveAs(t *testing.T) {
	r := newTestRegistry(t)
	node := config.New()
	node.Set("source", "hello")
	node.Child("plugins").Child("source").Set("greeting", "scoped")

	g, err := ResolveAs[greeter](r, CapabilitySource, node, "source")
	if err != nil {
		t.Fatal(err)
	}
	if got := g.Greet(); got != "scoped" {
		t.Errorf("Greet() = %q, want configuration from plugins.source", got)
	}

	node.Set("target", "bare")
	if _, err := ResolveAs[greeter](r, CapabilityTarget, node, "target"); !errors.Is(err, ErrWrongCapability) {
		t.Errorf("err = %v, want ErrWrongCapability", err)
	}

	if _, err := ResolveAs[greeter](r, CapabilityChunker, node, "chunker"); !errors.Is(err, config.ErrMissingKey) {
		t.Errorf("err = %v, want ErrMissingKey", err)
	}
}

func TestListing(t *testing.T) {
	r := newTestRegistry(t)
	if diff := cmp.Diff([]Capability{CapabilitySource, CapabilityTarget}, r.Capabilities()); diff != "" {
		t.Errorf("Capabilities mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]ID{helloID}, r.IDs(CapabilitySource)); diff != "" {
		t.Errorf("IDs mismatch (-want +got):\n%s", diff)
	}
	if ids := r.IDs(CapabilityChunker); len(ids) != 0 {
		t.Errorf("IDs(chunker) = %v", ids)
	}
}
