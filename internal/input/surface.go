// Package input adapts a physical control surface (knobs, pads, a MIDI
// controller) into the MIDI-CC-shaped automation events a module's
// automation-in port expects. Generalized from the teacher's latched
// shift-register controller read: that code captured button state into a
// register on a rising edge and left it there until the next latch: Surface
// keeps the same "only report what actually changed" discipline, but
// applies it per-control instead of per-whole-register.
package input

import (
	"audiorack/internal/atom"
	"audiorack/internal/urid"
)

// Control addresses one physical control line the same way
// automation.Mapping binds a MIDI-style source: a channel and a CC number.
type Control struct {
	Channel    int
	Controller int
}

// Surface holds the live value of every control that's been touched since
// construction, plus the value last emitted by Latch.
type Surface struct {
	live    map[Control]float32
	latched map[Control]float32
}

// NewSurface builds an empty control surface.
func NewSurface() *Surface {
	return &Surface{
		live:    make(map[Control]float32),
		latched: make(map[Control]float32),
	}
}

// Set records a control's current value; called from whatever polls the
// physical device (a MIDI input callback, a GUI knob, a test).
func (s *Surface) Set(c Control, value float32) {
	s.live[c] = value
}

// Latch diffs live values against the last-emitted snapshot and returns one
// atom.Event per changed control, timestamped at the end of the block the
// same way automation.Mapper timestamps its own outbound patch:Set events.
// Controls whose value hasn't changed since the last Latch emit nothing.
func (s *Surface) Latch(u *urid.Map, nsamples int) []atom.Event {
	chanKey := u.Map("spod:midiChannel")
	ctrlKey := u.Map("spod:midiController")
	valKey := u.Map("spod:value")

	var events []atom.Event
	for c, v := range s.live {
		if prev, ok := s.latched[c]; ok && prev == v {
			continue
		}
		s.latched[c] = v
		obj := atom.ObjectValue(0, 0,
			atom.Property{Key: chanKey, Value: atom.Int32(int32(c.Channel))},
			atom.Property{Key: ctrlKey, Value: atom.Int32(int32(c.Controller))},
			atom.Property{Key: valKey, Value: atom.Float32(v)},
		)
		events = append(events, atom.Event{Time: int64(nsamples - 1), Body: obj})
	}
	return events
}

// WriteTo encodes events as a Sequence directly into a module's
// automation-in atom buffer, replacing whatever it held — the automation-in
// contents are produced fresh each block (spec.md §4.10), so stale events
// from a prior block must never linger.
func WriteTo(buf []byte, events []atom.Event, u *urid.Map) {
	for i := range buf {
		buf[i] = 0
	}
	if len(events) == 0 {
		return
	}
	seq := atom.SequenceValue(events...)
	atom.Encode(buf, seq, u)
}
