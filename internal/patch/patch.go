// Package patch implements the object-message protocol and the blocking
// state machine of spec.md §4.13: patch:Get/Set/Put/Copy/Patch dispatch,
// plus the RUN/DRAIN/BLOCK/WAIT transitions driven by preset loads and
// bundle save/restore.
package patch

import (
	"fmt"

	"audiorack/internal/atom"
	"audiorack/internal/graph"
	"audiorack/internal/module"
	"audiorack/internal/urid"
)

// BlockState is the engine's coarse execution state (spec.md §4.13).
type BlockState int

const (
	Run BlockState = iota
	Drain
	Block
	Wait
)

func (s BlockState) String() string {
	switch s {
	case Run:
		return "run"
	case Drain:
		return "drain"
	case Block:
		return "block"
	case Wait:
		return "wait"
	default:
		return "unknown"
	}
}

// MessageKind is the patch vocabulary's top-level message type.
type MessageKind int

const (
	MsgGet MessageKind = iota
	MsgSet
	MsgPut
	MsgCopy
	MsgObjPatch
)

// Message is one decoded patch protocol message (spec.md §6 "Patch message
// vocabulary").
type Message struct {
	Kind MessageKind

	Subject     urid.URID
	Seq         int64
	Property    urid.URID
	Value       *atom.Atom
	Body        *atom.Atom // Put's Object of properties
	Destination urid.URID  // Copy's destination (save) vs absent (load)
	Add         *atom.Atom // Patch's add Object
	Remove      *atom.Atom // Patch's remove Object
}

// DecodeMessage translates one decoded ui->app Object atom into a Message,
// recognising the patch:Get/Set/Put/Copy/Patch object types of spec.md §6.
// ok is false for any atom that isn't one of those five shapes, so the
// caller (internal/engine) can trace-log it as a dropped atom instead of
// silently discarding it (spec.md §8 invariant 6).
func DecodeMessage(a *atom.Atom, u *urid.Map) (Message, bool) {
	if a == nil || a.Kind != atom.KindObject {
		return Message{}, false
	}

	var kind MessageKind
	switch a.ObjectType {
	case u.Map(urid.URIPatchGet):
		kind = MsgGet
	case u.Map(urid.URIPatchSet):
		kind = MsgSet
	case u.Map(urid.URIPatchPut):
		kind = MsgPut
	case u.Map(urid.URIPatchCopy):
		kind = MsgCopy
	case u.Map(urid.URIPatchPatch):
		kind = MsgObjPatch
	default:
		return Message{}, false
	}

	msg := Message{Kind: kind}
	if subj := a.Get(u.Map(urid.URIPatchSubject)); subj != nil {
		msg.Subject = decodeSubject(subj, u)
	}
	if seq := a.Get(u.Map(urid.URIPatchSequenceNumber)); seq != nil {
		msg.Seq = seq.Long
	}
	if prop := a.Get(u.Map(urid.URIPatchProperty)); prop != nil {
		msg.Property = decodeURIDish(prop, u)
	}
	msg.Value = a.Get(u.Map(urid.URIPatchValue))
	msg.Body = a.Get(u.Map(urid.URIPatchBody))
	if dest := a.Get(u.Map(urid.URIPatchDestination)); dest != nil {
		msg.Destination = decodeURIDish(dest, u)
	}
	msg.Add = a.Get(u.Map(urid.URIPatchAdd))
	msg.Remove = a.Get(u.Map(urid.URIPatchRemove))
	return msg, true
}

// decodeSubject resolves a patch:subject value to the module.URN it names.
// A subject travels as a URI string "urn:audiorack:module:<urn>" rather
// than a pre-interned URID, since the URN is only known once a module has
// actually been created (internal/engine mints it from a UUID, not from
// this package's fixed vocabulary); any other URI is interned as-is.
func decodeSubject(v *atom.Atom, u *urid.Map) urid.URID {
	if v.Kind == atom.KindURID {
		return v.URID
	}
	var urn uint32
	if _, err := fmt.Sscanf(v.Str, "urn:audiorack:module:%d", &urn); err == nil {
		return urid.URID(urn)
	}
	return u.Map(v.Str)
}

// decodeURIDish resolves either a URID atom or a URI/String atom to a URID.
func decodeURIDish(v *atom.Atom, u *urid.Map) urid.URID {
	if v.Kind == atom.KindURID {
		return v.URID
	}
	return u.Map(v.Str)
}

// Dispatcher applies decoded Messages against the engine's graph and state,
// transitioning BlockState as spec.md §4.13 requires. It does not itself
// decode atoms off the message plane — callers (internal/engine) decode
// and hand Messages in.
type Dispatcher struct {
	g     *graph.Graph
	u     *urid.Map
	state BlockState

	// OnPresetLoad is invoked for a patch:Set pset:preset message (spec.md
	// §4.9/§4.13): the dispatcher transitions RUN→DRAIN immediately, whatever
	// the target module, and calls this once the caller confirms
	// drain-complete via NotifyDrainComplete. Whether the module needs
	// bypassing is left to internal/engine.
	OnPresetLoad func(moduleURN module.URN, presetURI string)

	// OnBundleSave is invoked for patch:Copy with a destination (its URI is
	// the path); OnBundleLoad for patch:Copy without one, with the subject's
	// URI as the path (spec.md §4.13).
	OnBundleSave func(path string)
	OnBundleLoad func(path string)

	// ModulePatch receives the remove-then-add property pairs of a
	// patch:Patch message addressed to module/connection CRUD (spec.md §6
	// "Module CRUD uses patch:Patch on the null subject"); set by
	// internal/engine, which owns instantiation and teardown.
	ModulePatch func(remove, add []atom.Property)

	pendingDrainModule module.URN
	pendingPresetURI   string
}

// New creates a Dispatcher bound to g and u, starting in RUN state.
func New(g *graph.Graph, u *urid.Map) *Dispatcher {
	return &Dispatcher{g: g, u: u, state: Run}
}

// State returns the current block state.
func (d *Dispatcher) State() BlockState { return d.state }

// Apply processes one Message. patch:Get returns a reply Message
// (patch:Set) rather than mutating anything. patch:Set (and each property
// of a patch:Put) of pset:preset starts the preset-load dance; a Set of any
// other property, positions and flags included, is not applied. No message
// kind is gated on BlockState: every message is handled in whichever state
// the dispatcher is in.
func (d *Dispatcher) Apply(msg Message) (reply *Message) {
	switch msg.Kind {
	case MsgGet:
		return &Message{Kind: MsgSet, Subject: msg.Subject, Seq: msg.Seq, Property: msg.Property, Value: d.resolveProperty(msg.Subject, msg.Property)}
	case MsgSet:
		d.applySet(msg)
	case MsgPut:
		d.applyPut(msg)
	case MsgCopy:
		d.applyCopy(msg)
	case MsgObjPatch:
		d.applyObjPatch(msg)
	}
	return nil
}

func (d *Dispatcher) resolveProperty(subject, property urid.URID) *atom.Atom {
	// The Dispatcher resolves no property values (module list, connection
	// list, CPU stats, etc.): every Get reply carries a nil Value.
	// internal/engine discards the reply Apply returns and exposes values
	// such as XrunCount through its own accessors instead.
	return nil
}

func (d *Dispatcher) applySet(msg Message) {
	if msg.Property == d.u.Map(urid.URIPsetPreset) {
		d.beginPresetLoad(msg.Subject, msg.Value)
		return
	}
	// Any other property, including position and the selected/visible/
	// disabled/embedded flags, is not applied here.
}

func (d *Dispatcher) beginPresetLoad(subject module.URN, value *atom.Atom) {
	d.state = Drain
	d.pendingDrainModule = subject
	if value != nil && value.Kind == atom.KindURI {
		d.pendingPresetURI = value.Str
	}
}

// NotifyDrainComplete is called by internal/engine once every incident
// connection's down-ramp (or down-drain) on the pending module has
// reached silence (spec.md §4.9: "on drain-complete the runner enters
// BLOCK state"). It transitions DRAIN→BLOCK and invokes OnPresetLoad.
func (d *Dispatcher) NotifyDrainComplete() {
	if d.state != Drain {
		return
	}
	d.state = Block
	if d.OnPresetLoad != nil {
		d.OnPresetLoad(d.pendingDrainModule, d.pendingPresetURI)
	}
	d.state = Wait
}

// Reset forces the dispatcher back to RUN with no pending drain/restore,
// for callers that replace the underlying graph wholesale (internal/engine's
// RestoreSnapshot) and so can't rely on the normal DRAIN->BLOCK->WAIT->RUN
// notifications to ever arrive for whatever dance was in flight.
func (d *Dispatcher) Reset() {
	d.state = Run
	d.pendingDrainModule = 0
	d.pendingPresetURI = ""
}

// NotifyRestoreComplete is called once the worker has finished the
// restore job for the pending preset load, re-engaging the module via an
// up-ramp and returning the dispatcher to RUN (spec.md §4.9 "an UP-ramp
// response re-engages").
func (d *Dispatcher) NotifyRestoreComplete() {
	if d.state != Wait {
		return
	}
	d.state = Run
}

func (d *Dispatcher) applyPut(msg Message) {
	// Put sets many properties from msg.Body's Object properties in one
	// shot; individual property semantics mirror applySet.
	if msg.Body == nil {
		return
	}
	for _, p := range msg.Body.Properties {
		d.applySet(Message{Kind: MsgSet, Subject: msg.Subject, Property: p.Key, Value: p.Value})
	}
}

func (d *Dispatcher) applyCopy(msg Message) {
	if msg.Destination != 0 {
		if d.OnBundleSave != nil {
			d.OnBundleSave(d.u.Unmap(msg.Destination))
		}
		return
	}
	if d.OnBundleLoad != nil {
		d.OnBundleLoad(d.u.Unmap(msg.Subject))
	}
}

// applyObjPatch applies remove before add, atomically per message (spec.md
// §6/§4.13): "remove must be applied before add". The graph/module CRUD
// itself is performed by internal/engine via the ModulePatch callback,
// since it owns instantiation and teardown.
func (d *Dispatcher) applyObjPatch(msg Message) {
	if d.ModulePatch == nil {
		return
	}
	var removeProps, addProps []atom.Property
	if msg.Remove != nil {
		removeProps = msg.Remove.Properties
	}
	if msg.Add != nil {
		addProps = msg.Add.Properties
	}
	d.ModulePatch(removeProps, addProps)
}
