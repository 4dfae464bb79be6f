// Package module implements the plugin-instance wrapper of spec.md §4.4:
// port array, per-type pooled buffers, flags, and the two synthesised
// automation ports every module carries.
package module

import (
	"audiorack/internal/atom"
	"audiorack/internal/port"
	"audiorack/internal/urid"
)

// URN is the process-unique handle a module is known by, minted once at
// creation (spec.md §4.4: "a process-unique URID generated at creation").
type URN = urid.URID

// Instance is the plugin-side object a module wraps — instantiated and
// owned by the module, never reached into directly by the graph/runner
// (spec.md §4.4: "instance handle owned by the module").
type Instance interface {
	// Run processes nsamples of audio using the port slices already wired
	// during instantiation/port binding.
	Run(nsamples int)
	// Activate/Deactivate bracket a run of Run calls (plugin lifecycle).
	Activate()
	Deactivate()
	// Cleanup releases any resources the instance holds.
	Cleanup()
}

// WorkerInstance is implemented by plugins that declare a worker interface
// (spec.md §4.12): work scheduled off the audio thread, with a response
// delivered back on the audio thread via WorkResponse.
type WorkerInstance interface {
	Instance
	Work(data []byte) []byte
	WorkResponse(data []byte)
}

// StateInstance is implemented by plugins that support save/restore
// (spec.md §4.11).
type StateInstance interface {
	Instance
	SaveState() map[string]*atom.Atom
	RestoreState(state map[string]*atom.Atom)
	// ThreadSafeRestore reports whether RestoreState may run concurrently
	// with Run (spec.md §4.4: NeedsBypassing is the negation of this).
	ThreadSafeRestore() bool
}

// Preset is one named parameter snapshot offered by a plugin (spec.md §4.4
// "presets list").
type Preset struct {
	URI   string
	Label string
}

// AutomationSlot binds one control port to an external controller input
// (spec.md §4.10); up to K slots per module.
type AutomationSlot struct {
	PortIndex int
	Min, Max  float32
	Bound     bool
}

// MaxAutomationSlots is K from spec.md §4.4 ("up to K automation slots").
const MaxAutomationSlots = 8

// Flags holds the module's boolean lifecycle/display state (spec.md §4.4).
type Flags struct {
	Selected       bool
	Visible        bool
	Disabled       bool
	Embedded       bool
	Bypassed       bool
	NeedsBypassing bool // true if the plugin lacks thread-safe restore
	Dead           bool // mark-for-delete
}

// Module is one instantiated plugin in the graph.
type Module struct {
	URN       URN
	PluginURI string
	Instance  Instance

	X, Y float64 // 2-D position, used solely for ordering and UI layout

	Ports []*port.Port

	// AutomationIn/AutomationOut are the two synthesised Atom ports every
	// module carries in addition to its plugin-declared ports (spec.md
	// §4.4: "a private Atom input carrying automation events and a private
	// Atom output carrying the module's outbound automation").
	AutomationIn  *port.Port
	AutomationOut *port.Port

	Presets    []Preset
	Automation [MaxAutomationSlots]AutomationSlot

	Flags Flags

	// Worker is non-nil iff the plugin declared a worker interface
	// (spec.md §4.4 "optional per-module worker thread").
	Worker WorkerInstance

	// InlineDisplay renders a compact visual summary of the module's state
	// for the UI, if the plugin supports it (spec.md §4.4 "optional inline-
	// display rendering callback").
	InlineDisplay func(w, h int) []byte

	// RefCount is the parallel runner's dependency gate (spec.md §4.7):
	// armed to the module's source count each block, claimed via CAS, then
	// decremented by upstream completions. Owned exclusively by
	// internal/parallel; the serial runner never touches it.
	RefCount int32

	// Timing holds this block's min/avg/max/sum run-time stats for the
	// current reporting window (spec.md §4.6 step 3).
	Timing Timing
}

// Timing is the per-module runtime statistic window from spec.md §4.6.
type Timing struct {
	Min, Avg, Max, Sum float64
	Count              int
}

// Observe folds one block's elapsed run duration (in seconds) into the
// timing window.
func (t *Timing) Observe(elapsedSeconds float64) {
	if t.Count == 0 || elapsedSeconds < t.Min {
		t.Min = elapsedSeconds
	}
	if elapsedSeconds > t.Max {
		t.Max = elapsedSeconds
	}
	t.Sum += elapsedSeconds
	t.Count++
	t.Avg = t.Sum / float64(t.Count)
}

// Reset clears the timing window for a new reporting period.
func (t *Timing) Reset() { *t = Timing{} }

// New creates a module with its plugin-declared ports plus the two
// synthesised automation ports, all appended last (spec.md §4.4).
func New(urn URN, pluginURI string, inst Instance, declaredPorts []*port.Port, maxBlock, automationSeqCap int) *Module {
	m := &Module{
		URN:       urn,
		PluginURI: pluginURI,
		Instance:  inst,
		Ports:     append([]*port.Port(nil), declaredPorts...),
	}
	autoInIdx := len(m.Ports)
	m.AutomationIn = port.New(autoInIdx, "__automation_in", port.Input, port.AtomPort, maxBlock, automationSeqCap)
	m.Ports = append(m.Ports, m.AutomationIn)
	autoOutIdx := len(m.Ports)
	m.AutomationOut = port.New(autoOutIdx, "__automation_out", port.Output, port.AtomPort, maxBlock, automationSeqCap)
	m.Ports = append(m.Ports, m.AutomationOut)
	return m
}

// PortByIndex returns the port at i, or nil if out of range — the
// (module_idx, port_idx) addressing scheme of spec.md §9.
func (m *Module) PortByIndex(i int) *port.Port {
	if i < 0 || i >= len(m.Ports) {
		return nil
	}
	return m.Ports[i]
}

// PortBySymbol finds a port by its declared symbol name.
func (m *Module) PortBySymbol(sym string) *port.Port {
	for _, p := range m.Ports {
		if p.Symbol == sym {
			return p
		}
	}
	return nil
}

// ReinstantiateForBlockSize rebuilds only the Audio/CV pools to a new block
// size, preserving Control/Atom port identity and slicing (spec.md §4.4:
// "preserves pool identity by freeing and reallocating only Audio/CV pools
// ... without moving Control/Atom ports").
func (m *Module) ReinstantiateForBlockSize(maxBlock int) {
	for _, p := range m.Ports {
		if p.Type == port.Audio || p.Type == port.CV {
			p.Buf = make([]float32, maxBlock)
			p.EffectiveBuf = p.Buf
		}
	}
}

// Bypassable reports whether this module's plugin requires the
// down-ramp → BLOCK → restore → up-ramp sequence before a state change can
// be safely applied (spec.md §4.9).
func (m *Module) Bypassable() bool {
	return m.Flags.NeedsBypassing
}
