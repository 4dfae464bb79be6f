// Package atom implements the tagged, length-prefixed tree value described
// in spec.md §3: a header {size uint32, type URID} followed by size payload
// bytes, padded to 8-byte alignment. Every message on the message plane
// (internal/msgplane) is an atom.
//
// The in-memory representation here is a decoded tree (Atom/Value), not the
// wire bytes themselves; internal/atom/forge.go is the encoder that writes
// that tree into a flat byte buffer the way the real LV2 atom forge does,
// and Decode is the matching reader. Keeping the tree decoded in memory
// lets internal/patch and internal/state work with plain Go values while
// internal/msgplane only ever moves encoded bytes across a varchunk.
package atom

import "audiorack/internal/urid"

// Kind discriminates an Atom's payload shape. It mirrors the LV2-derived
// atom type vocabulary named in spec.md §3.
type Kind int

const (
	KindInt Kind = iota
	KindLong
	KindFloat
	KindDouble
	KindBool
	KindString
	KindURI
	KindURID
	KindPath
	KindChunk
	KindTuple
	KindVector
	KindObject
	KindSequence
)

// Event is one timestamped entry in a Sequence atom (spec.md §3: "time-
// stamped event stream").
type Event struct {
	Time int64 // frame offset within the block the sequence covers
	Body *Atom
}

// Property is one key/value pair inside an Object atom.
type Property struct {
	Key   urid.URID
	Value *Atom
}

// Atom is a decoded tree node. Exactly one of the typed fields is
// meaningful, selected by Kind; this mirrors the tagged-union payload the
// wire format encodes, without requiring a type switch on an interface{}
// for the hot paths that only care about one Kind (e.g. Control ports only
// ever touch Float).
type Atom struct {
	Kind Kind
	Type urid.URID // the URID naming this atom's concrete type, for Object/other typed payloads

	Int    int32
	Long   int64
	Float  float32
	Double float64
	Bool   bool
	Str    string // String, URI and Path atoms all use this field
	URID   urid.URID

	Bytes []byte // Chunk payload

	Items []*Atom // Tuple / Vector elements

	ObjectID    urid.URID // optional rdf:subject-like id, 0 if unset
	ObjectType  urid.URID // optional otype, 0 if unset
	Properties  []Property

	Sequence []Event
}

// Int32 builds a scalar Int atom.
func Int32(v int32) *Atom { return &Atom{Kind: KindInt, Int: v} }

// Int64Value builds a scalar Long atom.
func Int64Value(v int64) *Atom { return &Atom{Kind: KindLong, Long: v} }

// Float32 builds a scalar Float atom — the type Control ports exchange.
func Float32(v float32) *Atom { return &Atom{Kind: KindFloat, Float: v} }

// Float64 builds a scalar Double atom.
func Float64(v float64) *Atom { return &Atom{Kind: KindDouble, Double: v} }

// BoolValue builds a scalar Bool atom.
func BoolValue(v bool) *Atom { return &Atom{Kind: KindBool, Bool: v} }

// StringValue builds a String atom.
func StringValue(v string) *Atom { return &Atom{Kind: KindString, Str: v} }

// URIValue builds a URI atom (a string carrying a URI literal).
func URIValue(v string) *Atom { return &Atom{Kind: KindURI, Str: v} }

// URIDValue builds a URID atom (a reference to an interned URI).
func URIDValue(v urid.URID) *Atom { return &Atom{Kind: KindURID, URID: v} }

// PathValue builds a Path atom.
func PathValue(v string) *Atom { return &Atom{Kind: KindPath, Str: v} }

// ChunkValue builds an opaque Chunk atom.
func ChunkValue(b []byte) *Atom { return &Atom{Kind: KindChunk, Bytes: append([]byte(nil), b...)} }

// TupleValue builds an ordered Tuple atom.
func TupleValue(items ...*Atom) *Atom { return &Atom{Kind: KindTuple, Items: items} }

// VectorValue builds a Vector atom of uniformly-typed elements.
func VectorValue(elemType urid.URID, items ...*Atom) *Atom {
	return &Atom{Kind: KindVector, Type: elemType, Items: items}
}

// ObjectValue builds an Object atom (a key -> atom map with optional id/otype).
func ObjectValue(id, otype urid.URID, props ...Property) *Atom {
	return &Atom{Kind: KindObject, ObjectID: id, ObjectType: otype, Properties: props}
}

// SequenceValue builds a Sequence atom from events that must already be in
// non-decreasing time order (invariant 2, spec.md §8).
func SequenceValue(events ...Event) *Atom {
	return &Atom{Kind: KindSequence, Sequence: events}
}

// Get returns the value for key in an Object atom, or nil if absent or if
// the receiver is not an Object.
func (a *Atom) Get(key urid.URID) *Atom {
	if a == nil || a.Kind != KindObject {
		return nil
	}
	for _, p := range a.Properties {
		if p.Key == key {
			return p.Value
		}
	}
	return nil
}

// SequenceOrdered reports whether a Sequence atom's events are in
// non-decreasing time order, per invariant 2 in spec.md §8.
func (a *Atom) SequenceOrdered() bool {
	if a == nil || a.Kind != KindSequence {
		return true
	}
	last := int64(-1 << 62)
	for _, e := range a.Sequence {
		if e.Time < last {
			return false
		}
		last = e.Time
	}
	return true
}
