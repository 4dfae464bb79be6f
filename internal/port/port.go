// Package port implements the per-port typed buffer and many-to-one
// multiplexer described in spec.md §3/§4.3.
package port

import (
	"audiorack/internal/ramp"
	"audiorack/internal/urid"
)

// Direction is input or output.
type Direction int

const (
	Input Direction = iota
	Output
)

// Type is the port's signal class.
type Type int

const (
	Audio Type = iota
	CV
	Control
	AtomPort
	EventPort
)

// Protocol names a transfer encoding the UI expects on a subscribed output
// port (spec.md §3: "protocol encoding the UI expects").
type Protocol int

const (
	ProtocolNone Protocol = iota
	ProtocolFloat
	ProtocolPeak
	ProtocolAtom
)

// EventVocab is one of the vocabularies an Event port may declare support
// for (spec.md §3).
type EventVocab int

const (
	VocabMIDI EventVocab = iota
	VocabOSC
	VocabTime
	VocabPatch
	VocabVoice
)

// ControlSpec holds the Control-port-only attributes of spec.md §3.
type ControlSpec struct {
	Min         float32
	Max         float32
	Default     float32
	Integer     bool
	Toggled     bool
	Logarithmic bool
	IsBitmask   bool
}

// Source is one inbound connection into an input port's fan-in list
// (spec.md §3: "sources ... ordered list of {src_port, gain, ramp_state}").
type Source struct {
	Src  *Port
	Gain float32
	Ramp *ramp.Ramp
}

// Port is one module port, identified externally by (module, index); the
// module/index pair itself is tracked by the owning module, not here (see
// internal/module), matching the "never raw pointers, (module_idx, port_idx)
// pairs" guidance in spec.md §9.
type Port struct {
	Index     int
	Symbol    string
	Direction Direction
	Type      Type

	Control ControlSpec
	Vocabs  []EventVocab
	ScalePoints map[float32]string

	// Buf is this port's own storage: Audio/CV hold nsamples float32s,
	// Control holds exactly one float32 at Buf[0], AtomPort/EventPort hold
	// raw encoded atom bytes sized to the plugin's declared sequence
	// capacity (spec.md §3 invariant: "a port's buf size equals
	// max_block×sizeof(sample) for Audio/CV, the plugin's declared sequence
	// size for Atom, one scalar for Control").
	Buf []float32
	AtomBuf []byte

	// EffectiveBuf is what the plugin is actually handed for this block: for
	// an input with a single, unit-gain, non-ramping source it may alias the
	// source's own Buf instead of Buf above (spec.md §4.3 "pointer-
	// aliasing" optimisation); callers read/write through EffectiveBuf, not
	// Buf, during run().
	EffectiveBuf []float32

	Subscriptions int32
	Protocol      Protocol
	Last          float32 // last scalar value sent upward, for change detection

	Ramp *ramp.Ramp // output-side ramp for *this* port's own signal; nothing sets or reads it (bypass fades ramp the incident Sources instead)

	// Sources is only ever populated on input ports (spec.md §3 invariant).
	Sources []*Source
}

// New creates a port with buffers sized for maxBlock samples (Audio/CV) or
// seqCap bytes (Atom/Event). Control ports ignore both size arguments.
func New(index int, symbol string, dir Direction, typ Type, maxBlock, seqCap int) *Port {
	p := &Port{
		Index:     index,
		Symbol:    symbol,
		Direction: dir,
		Type:      typ,
	}
	switch typ {
	case Audio, CV:
		p.Buf = make([]float32, maxBlock)
	case Control:
		p.Buf = make([]float32, 1)
	case AtomPort, EventPort:
		p.AtomBuf = make([]byte, seqCap)
	}
	p.EffectiveBuf = p.Buf
	return p
}

// ControlSet writes a scalar value directly to a Control input port,
// clamped to [Min,Max] and floored if Integer (spec.md §4.3).
func (p *Port) ControlSet(v float32) {
	if p.Type != Control {
		return
	}
	if p.Control.Integer {
		v = float32(int32(v))
	}
	if v < p.Control.Min {
		v = p.Control.Min
	}
	if v > p.Control.Max {
		v = p.Control.Max
	}
	p.Buf[0] = v
}

// ControlGet reads the current scalar value of a Control port.
func (p *Port) ControlGet() float32 {
	if p.Type != Control || len(p.Buf) == 0 {
		return 0
	}
	return p.Buf[0]
}

// Connect adds src as a source of this (necessarily input) port with the
// given gain, starting its connection ramp at Up (spec.md §3/§4.9). At most
// one link per (source,sink) pair is permitted (spec.md §3 invariant); a
// second Connect of the same src updates its gain in place instead of
// duplicating the edge.
func (p *Port) Connect(src *Port, gain float32, rampDurationSamples uint64) error {
	if p.Direction != Input {
		return ErrNotInput
	}
	if src == p {
		return ErrSelfConnect
	}
	for _, s := range p.Sources {
		if s.Src == src {
			s.Gain = gain
			return nil
		}
	}
	r := ramp.New(rampDurationSamples)
	r.StartUp()
	p.Sources = append(p.Sources, &Source{Src: src, Gain: gain, Ramp: r})
	return nil
}

// Disconnect begins the down-ramp for the (src,this) edge; the edge is only
// actually removed once the ramp completes (spec.md §4.9). Returns false if
// no such source exists.
func (p *Port) Disconnect(src *Port) bool {
	for _, s := range p.Sources {
		if s.Src == src {
			s.Ramp.StartDownDel()
			return true
		}
	}
	return false
}

// PruneCompletedDownRamps removes any source whose down-ramp has finished,
// returning the removed sources (for the runner/worker to route free jobs
// against, per spec.md §3 "Lifecycles"). Called once per block at a block
// boundary by internal/engine's pruneCompletedDisconnects, never mid-block.
// DownDrain sources are left
// alone here even once they reach the floor: that ramp exists for the
// preset-load bypass dance (spec.md §4.9/§4.13), which parks a drained
// source in ramp.Block and brings it back with an up-ramp rather than
// deleting the connection — internal/engine owns that transition.
func (p *Port) PruneCompletedDownRamps() []*Source {
	var removed []*Source
	kept := p.Sources[:0]
	for _, s := range p.Sources {
		st := s.Ramp.State()
		if st == ramp.DownDel && s.Ramp.AtFloor() {
			removed = append(removed, s)
			continue
		}
		kept = append(kept, s)
	}
	p.Sources = kept
	return removed
}

// Subscribe increments the UI subscriber count for this output port and
// records the protocol it expects (spec.md §3: "subscription counts, not
// booleans: nested subscribers are supported").
func (p *Port) Subscribe(proto Protocol) {
	p.Subscriptions++
	p.Protocol = proto
}

// Unsubscribe decrements the subscriber count, floored at zero.
func (p *Port) Unsubscribe() {
	if p.Subscriptions > 0 {
		p.Subscriptions--
	}
}

var (
	ErrNotInput    = portError("connect/disconnect target must be an input port")
	ErrSelfConnect = portError("a port cannot source itself")
)

type portError string

func (e portError) Error() string { return string(e) }

// SilenceAudio zeroes an Audio/CV port's own buffer — used when a port has
// no sources (spec.md §8 invariant 3).
func (p *Port) SilenceAudio() {
	for i := range p.Buf {
		p.Buf[i] = 0
	}
}

// SilenceAtom zeroes an Atom port's whole buffer; it does not write a
// Sequence header.
func (p *Port) SilenceAtom(m *urid.Map) {
	for i := range p.AtomBuf {
		p.AtomBuf[i] = 0
	}
}
