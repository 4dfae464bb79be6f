// Package catalog defines the read-only plugin-catalog collaborator the
// engine queries to discover and instantiate plugins (spec.md §9 "dynamic
// dispatch over heterogeneous plugins": the host side need not know the
// plugin's internal types, so lookup returns a plain descriptor plus a
// factory).
package catalog

import (
	"fmt"

	"audiorack/internal/module"
	"audiorack/internal/port"
)

// PortDeclaration describes one port a plugin declares, before
// instantiation allocates its buffer (spec.md §4.4 "instantiation walks
// all ports").
type PortDeclaration struct {
	Symbol    string
	Direction port.Direction
	Type      port.Type
	Control   port.ControlSpec
}

// Descriptor is a plugin's catalog entry: its identity plus the port
// layout and feature requirements the engine needs before instantiating.
type Descriptor struct {
	URI              string
	Name             string
	Ports            []PortDeclaration
	RequiredFeatures []string
	HasWorker        bool
	HasState         bool
	NeedsBypassing   bool
}

// Factory builds a fresh module.Instance bound to the given port slices.
// sampleRate/maxBlock let the plugin precompute anything block-size- or
// rate-dependent (e.g. phase increments).
type Factory func(sampleRate float64, maxBlock int, ports []*port.Port) (module.Instance, error)

// Entry pairs a Descriptor with its Factory.
type Entry struct {
	Descriptor Descriptor
	Factory    Factory
}

// Catalog is the read-only collaborator interface the engine depends on
// for plugin discovery (spec.md §7 Unsupported: "plugin declares a
// required feature the engine does not provide").
type Catalog interface {
	Lookup(uri string) (Descriptor, bool)
	Instantiate(uri string, sampleRate float64, maxBlock int, ports []*port.Port) (module.Instance, error)
	URIs() []string
}

// StaticCatalog is a Catalog backed by a fixed, in-memory registry — the
// engine's default, matching the teacher's in-process service pattern
// rather than a filesystem bundle scanner (spec.md's external LV2 bundle
// discovery is out of this port's scope; see SPEC_FULL.md).
type StaticCatalog struct {
	entries          map[string]Entry
	providedFeatures map[string]bool
}

// NewStaticCatalog creates an empty catalog. providedFeatures lists the
// feature URIs this host declares support for; Instantiate refuses a
// plugin requiring anything outside that set (spec.md §7 Unsupported).
func NewStaticCatalog(providedFeatures []string) *StaticCatalog {
	pf := make(map[string]bool, len(providedFeatures))
	for _, f := range providedFeatures {
		pf[f] = true
	}
	return &StaticCatalog{entries: make(map[string]Entry), providedFeatures: pf}
}

// Register adds a plugin entry to the catalog.
func (c *StaticCatalog) Register(e Entry) {
	c.entries[e.Descriptor.URI] = e
}

// Lookup returns the descriptor for uri, if registered.
func (c *StaticCatalog) Lookup(uri string) (Descriptor, bool) {
	e, ok := c.entries[uri]
	return e.Descriptor, ok
}

// URIs lists every registered plugin URI.
func (c *StaticCatalog) URIs() []string {
	out := make([]string, 0, len(c.entries))
	for uri := range c.entries {
		out = append(out, uri)
	}
	return out
}

// Instantiate builds a fresh instance of uri, refusing plugins that
// require a feature this catalog wasn't configured to provide (spec.md §7
// Unsupported: "module instantiation returns null").
func (c *StaticCatalog) Instantiate(uri string, sampleRate float64, maxBlock int, ports []*port.Port) (module.Instance, error) {
	e, ok := c.entries[uri]
	if !ok {
		return nil, fmt.Errorf("catalog: unknown plugin %q", uri)
	}
	for _, f := range e.Descriptor.RequiredFeatures {
		if !c.providedFeatures[f] {
			return nil, fmt.Errorf("catalog: plugin %q requires unsupported feature %q", uri, f)
		}
	}
	return e.Factory(sampleRate, maxBlock, ports)
}
