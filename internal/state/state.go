// Package state implements the logical save/restore protocol of spec.md
// §4.11: Save captures the engine's modules, positions, flags, per-module
// opaque preset state, automation descriptors and connections as a
// Snapshot struct, and Restore rebuilds a graph from one. Port
// subscriptions are not captured. Snapshot is a plain Go value: this
// package does not encode it as an atom Object or to bytes; on-disk
// encoding is the external collaborator's responsibility.
package state

import (
	"fmt"

	"audiorack/internal/atom"
	"audiorack/internal/graph"
	"audiorack/internal/module"
)

// ModulePositionalState is one module's portion of the persisted tree
// (spec.md §6 "Persisted state").
type ModulePositionalState struct {
	URN        module.URN
	PluginURI  string
	X, Y       float64
	Selected   bool
	Visible    bool
	Disabled   bool
	Embedded   bool
	Automation []AutomationDescriptor
	// PresetState is the plugin's own opaque save blob (spec.md §4.4/§4.11
	// "per-module opaque preset state"); the engine hands it to
	// StateInstance.SaveState/RestoreState verbatim.
	PresetState map[string]*atom.Atom
}

// AutomationDescriptor mirrors module.AutomationSlot in persisted form.
type AutomationDescriptor struct {
	PortIndex int
	Min, Max  float32
	Bound     bool
}

// ConnectionState is one persisted edge (spec.md §6: "source_module,
// source_symbol, sink_module, sink_symbol").
type ConnectionState struct {
	SourceModule module.URN
	SourceSymbol string
	SinkModule   module.URN
	SinkSymbol   string
	Gain         float32
}

// Snapshot is the full logical state tree (spec.md §4.11).
type Snapshot struct {
	Modules     []ModulePositionalState
	Connections []ConnectionState
	GridCols    int
	GridRows    int
	PaneLeft    float64
}

// Save walks g and produces a Snapshot. instances maps a module URN to its
// StateInstance, when the plugin supports one (spec.md §4.4 StateInstance);
// modules without one simply carry no PresetState.
func Save(g *graph.Graph, auto map[module.URN][]AutomationDescriptor, instances map[module.URN]module.StateInstance) Snapshot {
	snap := Snapshot{}
	bySymbol := make(map[module.URN]map[int]string)
	for _, m := range g.Modules {
		symbols := make(map[int]string, len(m.Ports))
		for i, p := range m.Ports {
			symbols[i] = p.Symbol
		}
		bySymbol[m.URN] = symbols

		ms := ModulePositionalState{
			URN:        m.URN,
			PluginURI:  m.PluginURI,
			X:          m.X,
			Y:          m.Y,
			Selected:   m.Flags.Selected,
			Visible:    m.Flags.Visible,
			Disabled:   m.Flags.Disabled,
			Embedded:   m.Flags.Embedded,
			Automation: auto[m.URN],
		}
		if inst, ok := instances[m.URN]; ok && inst != nil {
			ms.PresetState = inst.SaveState()
		}
		snap.Modules = append(snap.Modules, ms)
	}
	for _, e := range g.Edges {
		if e.SrcModule >= len(g.Modules) || e.SnkModule >= len(g.Modules) {
			continue
		}
		src := g.Modules[e.SrcModule]
		snk := g.Modules[e.SnkModule]
		gain := float32(1.0)
		if p := snk.PortByIndex(e.SnkPort); p != nil {
			for _, s := range p.Sources {
				if s.Src == src.PortByIndex(e.SrcPort) {
					gain = s.Gain
					break
				}
			}
		}
		snap.Connections = append(snap.Connections, ConnectionState{
			SourceModule: src.URN,
			SourceSymbol: bySymbol[src.URN][e.SrcPort],
			SinkModule:   snk.URN,
			SinkSymbol:   bySymbol[snk.URN][e.SnkPort],
			Gain:         gain,
		})
	}
	return snap
}

// RestoreWarning records a non-fatal problem encountered during Restore
// (spec.md §4.11 "a missing child state yields a warning and a module
// instantiated at defaults, never a crash").
type RestoreWarning struct {
	ModuleURN module.URN
	Message   string
}

func (w RestoreWarning) Error() string {
	return fmt.Sprintf("module %d: %s", w.ModuleURN, w.Message)
}

// Restorer is implemented by the engine to provide the instantiation
// primitive Restore needs but doesn't itself own (plugin lookup, pool
// allocation, graph insertion).
type Restorer interface {
	Instantiate(pluginURI string, urn module.URN) (*module.Module, error)
}

// Restore rebuilds a graph from snap using r to instantiate each module.
// Per-module failures are collected as warnings rather than aborting the
// whole restore.
func Restore(snap Snapshot, r Restorer) (*graph.Graph, []RestoreWarning) {
	g := graph.New()
	var warnings []RestoreWarning
	bySymbolIdx := make(map[module.URN]map[string]int)

	for _, ms := range snap.Modules {
		m, err := r.Instantiate(ms.PluginURI, ms.URN)
		if err != nil {
			warnings = append(warnings, RestoreWarning{ModuleURN: ms.URN, Message: "instantiate failed: " + err.Error() + "; module omitted"})
			continue
		}
		m.X, m.Y = ms.X, ms.Y
		m.Flags.Selected = ms.Selected
		m.Flags.Visible = ms.Visible
		m.Flags.Disabled = ms.Disabled
		m.Flags.Embedded = ms.Embedded
		for i, d := range ms.Automation {
			if i >= len(m.Automation) {
				break
			}
			m.Automation[i] = module.AutomationSlot{PortIndex: d.PortIndex, Min: d.Min, Max: d.Max, Bound: d.Bound}
		}
		if ms.PresetState != nil {
			if si, ok := m.Instance.(module.StateInstance); ok {
				si.RestoreState(ms.PresetState)
			} else {
				warnings = append(warnings, RestoreWarning{ModuleURN: ms.URN, Message: "preset state present but plugin does not support restore; defaults used"})
			}
		}
		g.AddModule(m)
		symbols := make(map[string]int, len(m.Ports))
		for i, p := range m.Ports {
			symbols[p.Symbol] = i
		}
		bySymbolIdx[ms.URN] = symbols
	}

	urnToIdx := make(map[module.URN]int, len(g.Modules))
	for i, m := range g.Modules {
		urnToIdx[m.URN] = i
	}

	for _, cs := range snap.Connections {
		srcIdx, srcOK := urnToIdx[cs.SourceModule]
		snkIdx, snkOK := urnToIdx[cs.SinkModule]
		if !srcOK || !snkOK {
			warnings = append(warnings, RestoreWarning{ModuleURN: cs.SinkModule, Message: "connection references missing module; skipped"})
			continue
		}
		srcPortIdx, ok1 := bySymbolIdx[cs.SourceModule][cs.SourceSymbol]
		snkPortIdx, ok2 := bySymbolIdx[cs.SinkModule][cs.SinkSymbol]
		if !ok1 || !ok2 {
			warnings = append(warnings, RestoreWarning{ModuleURN: cs.SinkModule, Message: "connection references missing port; skipped"})
			continue
		}
		srcPort := g.Modules[srcIdx].PortByIndex(srcPortIdx)
		snkPort := g.Modules[snkIdx].PortByIndex(snkPortIdx)
		if srcPort == nil || snkPort == nil {
			continue
		}
		if err := snkPort.Connect(srcPort, cs.Gain, 0); err != nil {
			warnings = append(warnings, RestoreWarning{ModuleURN: cs.SinkModule, Message: "connect failed: " + err.Error()})
			continue
		}
		g.AddEdge(graph.Edge{SrcModule: srcIdx, SrcPort: srcPortIdx, SnkModule: snkIdx, SnkPort: snkPortIdx})
	}

	return g, warnings
}
