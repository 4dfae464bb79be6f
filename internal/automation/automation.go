// Package automation implements the automation mapper of spec.md §4.10:
// recognised controller events on a module's private automation-in
// sequence are mapped onto control-port or property targets each block.
package automation

import (
	"audiorack/internal/atom"
	"audiorack/internal/module"
	"audiorack/internal/urid"
)

// SourceKind distinguishes the two controller event shapes spec.md §4.10
// names: MIDI-style {channel, controller} and OSC-style path wildcards.
type SourceKind int

const (
	SourceMIDI SourceKind = iota
	SourceOSC
)

// ControllerEvent is one recognised event read off a module's
// automation-in sequence.
type ControllerEvent struct {
	Kind       SourceKind
	Channel    int // -1 is a MIDI wildcard
	Controller int
	Path       string // OSC path, when Kind == SourceOSC
	Value      float32
}

// TargetKind is what an automation slot ultimately drives.
type TargetKind int

const (
	TargetControlPort TargetKind = iota
	TargetProperty
)

// Mapping is one binding from a recognised controller event to a target,
// extending module.AutomationSlot with the transform/clamp coefficients
// and target addressing spec.md §4.10 requires ("target_value = clamp(value
// * mul + add, c, d)").
type Mapping struct {
	Kind       SourceKind
	Channel    int // -1 matches any channel (MIDI wildcard)
	Controller int
	Path       string // OSC path pattern, "*" matches any

	Target    TargetKind
	PortIndex int       // valid when Target == TargetControlPort
	Property  urid.URID // valid when Target == TargetProperty

	Mul, Add           float32
	ClampMin, ClampMax float32
	Integer            bool
}

func (m *Mapping) matches(ev ControllerEvent) bool {
	if m.Kind != ev.Kind {
		return false
	}
	if m.Kind == SourceMIDI {
		if m.Controller != ev.Controller {
			return false
		}
		return m.Channel == -1 || m.Channel == ev.Channel
	}
	return m.Path == "*" || m.Path == ev.Path
}

func (m *Mapping) targetValue(v float32) float32 {
	out := v*m.Mul + m.Add
	if out < m.ClampMin {
		out = m.ClampMin
	}
	if out > m.ClampMax {
		out = m.ClampMax
	}
	if m.Integer {
		out = float32(int32(out))
	}
	return out
}

// Mapper owns the per-module mapping tables, keyed by module URN, and
// applies them against one block's automation-in sequence (spec.md §4.10).
type Mapper struct {
	mappings map[module.URN][]*Mapping
	u        *urid.Map
}

// New creates a Mapper; u is used to decode automation-in atom sequences
// and to encode outbound patch:Set events onto the automation-out port.
func New(u *urid.Map) *Mapper {
	return &Mapper{mappings: make(map[module.URN][]*Mapping), u: u}
}

// Bind adds a mapping for the given module.
func (mp *Mapper) Bind(urn module.URN, m *Mapping) {
	mp.mappings[urn] = append(mp.mappings[urn], m)
}

// Unbind removes all mappings for the given module (used on module
// delete).
func (mp *Mapper) Unbind(urn module.URN) {
	delete(mp.mappings, urn)
}

// Apply reads m's automation-in sequence, and for each recognised event
// that matches a bound mapping, either writes the target control port
// directly or appends a patch:Set event to the automation-out port's
// buffer at time = nsamples-1 (spec.md §4.10).
func (mp *Mapper) Apply(m *module.Module, nsamples int) {
	mappings := mp.mappings[m.URN]
	if len(mappings) == 0 {
		return
	}
	events := mp.decodeEvents(m.AutomationIn.AtomBuf)
	if len(events) == 0 {
		return
	}
	var propertyAppends []atom.Event
	for _, ev := range events {
		for _, bind := range mappings {
			if !bind.matches(ev) {
				continue
			}
			tv := bind.targetValue(ev.Value)
			switch bind.Target {
			case TargetControlPort:
				if p := m.PortByIndex(bind.PortIndex); p != nil {
					p.ControlSet(tv)
				}
			case TargetProperty:
				set := atom.ObjectValue(0, mp.u.Map(urid.URIPatchSet),
					atom.Property{Key: mp.u.Map(urid.URIPatchProperty), Value: atom.URIDValue(bind.Property)},
					atom.Property{Key: mp.u.Map(urid.URIPatchValue), Value: atom.Float32(tv)},
				)
				propertyAppends = append(propertyAppends, atom.Event{Time: int64(nsamples - 1), Body: set})
			}
		}
	}
	if len(propertyAppends) > 0 {
		mp.appendToSequence(m.AutomationOut.AtomBuf, propertyAppends)
	}
}

// decodeEvents recognises the subset of a Sequence's events that carry a
// MIDI- or OSC-shaped controller Object, translating each into a
// ControllerEvent; unrecognised events are skipped rather than erroring
// (spec.md §7 graceful-unknown-type handling).
func (mp *Mapper) decodeEvents(buf []byte) []ControllerEvent {
	a, _, err := atom.Decode(buf, mp.u)
	if err != nil || a == nil || a.Kind != atom.KindSequence {
		return nil
	}
	var out []ControllerEvent
	for _, ev := range a.Sequence {
		if ev.Body == nil || ev.Body.Kind != atom.KindObject {
			continue
		}
		ce, ok := mp.objectToControllerEvent(ev.Body)
		if ok {
			out = append(out, ce)
		}
	}
	return out
}

func (mp *Mapper) objectToControllerEvent(o *atom.Atom) (ControllerEvent, bool) {
	pathKey := mp.u.Map("spod:oscPath")
	chanKey := mp.u.Map("spod:midiChannel")
	ctrlKey := mp.u.Map("spod:midiController")
	valKey := mp.u.Map("spod:value")

	val := o.Get(valKey)
	if val == nil {
		return ControllerEvent{}, false
	}
	var fv float32
	switch val.Kind {
	case atom.KindFloat:
		fv = val.Float
	case atom.KindInt:
		fv = float32(val.Int)
	default:
		return ControllerEvent{}, false
	}

	if p := o.Get(pathKey); p != nil && p.Kind == atom.KindString {
		return ControllerEvent{Kind: SourceOSC, Path: p.Str, Value: fv}, true
	}
	if c := o.Get(ctrlKey); c != nil && c.Kind == atom.KindInt {
		channel := -1
		if ch := o.Get(chanKey); ch != nil && ch.Kind == atom.KindInt {
			channel = int(ch.Int)
		}
		return ControllerEvent{Kind: SourceMIDI, Channel: channel, Controller: int(c.Int), Value: fv}, true
	}
	return ControllerEvent{}, false
}

// appendToSequence re-encodes buf's existing sequence with events appended,
// preserving non-decreasing time order (callers already supply
// non-decreasing times, so a plain append is sufficient here — unlike
// internal/port's cross-source merge, which must re-sort).
func (mp *Mapper) appendToSequence(buf []byte, events []atom.Event) {
	existing, _, err := atom.Decode(buf, mp.u)
	var all []atom.Event
	if err == nil && existing != nil && existing.Kind == atom.KindSequence {
		all = append(all, existing.Sequence...)
	}
	all = append(all, events...)
	seq := &atom.Atom{Kind: atom.KindSequence, Sequence: all}
	n, ok := atom.Encode(buf, seq, mp.u)
	if !ok {
		return
	}
	for i := n; i < len(buf); i++ {
		buf[i] = 0
	}
}
