// Package driver defines the backend driver contract and callback surface
// of spec.md §6, modelled on the Backend/Service facade pattern the
// teacher uses to keep frontends UI-agnostic.
package driver

import "audiorack/internal/atom"

// SystemPortType is the typed buffer kind a backend exposes at its audio
// I/O boundary (spec.md §6 "get_system_sources/get_system_sinks").
type SystemPortType int

const (
	SystemAudio SystemPortType = iota
	SystemCV
)

// SystemPortDescriptor describes one backend-owned buffer the engine reads
// from or writes into each block (spec.md §6).
type SystemPortDescriptor struct {
	Type    SystemPortType
	Buf     []float32
	SysPort uintptr // opaque backend port handle
}

// Options carries a runtime block-size/sample-rate change (spec.md §6
// "options_set(engine, options[]): propagate block-size / sample-rate
// changes").
type Options struct {
	SampleRate   float64
	MaxBlockSize int
	MinBlockSize int
}

// Engine is the contract a backend drives the core engine through (spec.md
// §6 "Backend driver contract").
type Engine interface {
	RunPre(nsamples int)
	RunPost(nsamples int)
	GetSystemSources() []SystemPortDescriptor
	GetSystemSinks() []SystemPortDescriptor
	OptionsSet(opts Options)
	NominalBlockLength(n int)
	BundleLoad(path string, onComplete func(err error))
	BundleSave(path string, onComplete func(err error))
	Free()
}

// Callbacks is the configuration and service surface a backend supplies to
// the core at construction time (spec.md §6 "Driver callbacks"), modelled
// on the teacher's config-struct-plus-service-methods split.
type Callbacks struct {
	SampleRate    float64
	MaxBlockSize  int
	MinBlockSize  int
	SeqSize       int
	NumPeriods    int
	UpdateRate    float64
	AudioPriority int
	NumSlaves     int
	CPUAffinity   []int
	BadPlugins    []string

	// SystemPortAdd/SystemPortDel let the engine ask the backend to expose
	// a system-source/sink port (spec.md §6).
	SystemPortAdd func(portType SystemPortType, shortName, prettyName, designation string, isInput bool, order int) uintptr
	SystemPortDel func(handle uintptr)

	// OSCSched is an optional two-way timestamp<->frame converter (spec.md
	// §6 "osc_sched optional two-way timestamp-frame converter").
	OSCSched func(frameToTime func(frame int64) float64, timeToFrame func(t float64) int64)

	// NewUUID generates the UUIDs the engine uses for plugin interactions
	// (spec.md §6 "xmap.new_uuid UUID generator"); wired to
	// github.com/google/uuid in internal/engine.
	NewUUID func() string

	// Map/Unmap are the URID services (spec.md §6); backed by
	// internal/urid.Map in practice, exposed here as plain functions so a
	// backend can supply an alternate implementation.
	Map   func(uri string) uint32
	Unmap func(id uint32) string
}

// BundleOp is an async state operation funnelled through the message plane
// (spec.md §6 "bundle_load/bundle_save: async state ops funnelled through
// the message plane").
type BundleOp struct {
	Path     string
	IsSave   bool
	RequestCB func() *atom.Atom
	AdvanceCB func(*atom.Atom)
}
