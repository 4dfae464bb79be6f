package atom

import (
	"encoding/binary"
	"math"

	"audiorack/internal/urid"
)

// Forge writes atoms into a caller-owned []byte, LV2-forge style: every
// write method returns ok=false on overflow instead of panicking or
// reallocating, so the RT thread can use one with zero allocation per
// spec.md §4.2. A failed write inside an open container (Object/Tuple/
// Sequence frame) leaves the forge "stuck" (latched) until the frame that
// failed is popped, so the caller never observes a half-written container —
// matching "a failed allocation inside a container unwinds the container
// without committing partial data".
type Forge struct {
	buf    []byte
	pos    int
	frames []frame
	stuck  bool
}

type frame struct {
	sizePos int // offset of this frame's header.size field, patched on Pop
	start   int // offset of the first payload byte of this frame
}

// NewForge wraps buf for writing starting at offset 0.
func NewForge(buf []byte) *Forge {
	return &Forge{buf: buf}
}

// Reset rewinds the forge to write into the same buffer from the start.
func (f *Forge) Reset() {
	f.pos = 0
	f.frames = f.frames[:0]
	f.stuck = false
}

// Written returns the number of bytes written so far (top level only valid
// once all frames are popped).
func (f *Forge) Written() int { return f.pos }

func pad8(n int) int { return (n + 7) &^ 7 }

func (f *Forge) remaining() int { return len(f.buf) - f.pos }

// reserve returns a sub-slice of n bytes at the current position and
// advances pos, or reports ok=false (and latches stuck) if there isn't room.
func (f *Forge) reserve(n int) (sub []byte, ok bool) {
	if f.stuck || n > f.remaining() {
		f.stuck = true
		return nil, false
	}
	sub = f.buf[f.pos : f.pos+n]
	f.pos += n
	return sub, true
}

func (f *Forge) writeHeader(size int, typ urid.URID) bool {
	h, ok := f.reserve(8)
	if !ok {
		return false
	}
	binary.LittleEndian.PutUint32(h[0:4], uint32(size))
	binary.LittleEndian.PutUint32(h[4:8], uint32(typ))
	return true
}

// writeScalar writes a complete header+payload+padding atom for a fixed-size
// payload (everything except containers).
func (f *Forge) writeScalar(typ urid.URID, payload []byte) bool {
	start := f.pos
	if !f.writeHeader(len(payload), typ) {
		return false
	}
	body, ok := f.reserve(pad8(len(payload)))
	if !ok {
		f.pos = start
		f.stuck = true
		return false
	}
	copy(body, payload)
	for i := len(payload); i < len(body); i++ {
		body[i] = 0
	}
	return true
}

// Int writes an Int32 atom.
func (f *Forge) Int(m *urid.Map, v int32) bool {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(v))
	return f.writeScalar(m.Map(urid.URIAtomInt), b[:])
}

// Long writes an Int64 atom.
func (f *Forge) Long(m *urid.Map, v int64) bool {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(v))
	return f.writeScalar(m.Map(urid.URIAtomLong), b[:])
}

// Float writes a Float32 atom.
func (f *Forge) Float(m *urid.Map, v float32) bool {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], float32bits(v))
	return f.writeScalar(m.Map(urid.URIAtomFloat), b[:])
}

// Double writes a Float64 atom.
func (f *Forge) Double(m *urid.Map, v float64) bool {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], float64bits(v))
	return f.writeScalar(m.Map(urid.URIAtomDouble), b[:])
}

// Bool writes a Bool atom (encoded as a 4-byte int, 0 or 1).
func (f *Forge) Bool(m *urid.Map, v bool) bool {
	var iv int32
	if v {
		iv = 1
	}
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(iv))
	return f.writeScalar(m.Map(urid.URIAtomBool), b[:])
}

// String writes a String atom (UTF-8 bytes, NUL-terminated like LV2's).
func (f *Forge) String(m *urid.Map, v string) bool {
	return f.writeScalar(m.Map(urid.URIAtomString), append([]byte(v), 0))
}

// URI writes a URI atom.
func (f *Forge) URI(m *urid.Map, v string) bool {
	return f.writeScalar(m.Map(urid.URIAtomURI), append([]byte(v), 0))
}

// Path writes a Path atom.
func (f *Forge) Path(m *urid.Map, v string) bool {
	return f.writeScalar(m.Map(urid.URIAtomPath), append([]byte(v), 0))
}

// URIDAtom writes a URID atom (a reference, distinct from interning one).
func (f *Forge) URIDAtom(m *urid.Map, v urid.URID) bool {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(v))
	return f.writeScalar(m.Map(urid.URIAtomURID), b[:])
}

// Chunk writes an opaque Chunk atom.
func (f *Forge) Chunk(m *urid.Map, b []byte) bool {
	return f.writeScalar(m.Map(urid.URIAtomChunk), b)
}

// --- container frames ---

// ObjectFrame is a handle returned by OpenObject; pass it to Pop to close
// the frame and patch its header size.
type ObjectFrame struct{ idx int }

// OpenObject begins an Object atom with the given id/otype (0 for unset).
// Each subsequent Key+value pair must be written with WriteKey followed by
// one atom-writing call, ended by Pop.
func (f *Forge) OpenObject(m *urid.Map, id, otype urid.URID) (ObjectFrame, bool) {
	sizePos := f.pos
	if !f.writeHeader(0, m.Map(urid.URIAtomObject)) {
		return ObjectFrame{}, false
	}
	start := f.pos
	var idb [4]byte
	binary.LittleEndian.PutUint32(idb[:], uint32(id))
	if _, ok := f.reserve(4); !ok {
		f.pos = sizePos
		return ObjectFrame{}, false
	}
	copy(f.buf[start:start+4], idb[:])
	var otb [4]byte
	binary.LittleEndian.PutUint32(otb[:], uint32(otype))
	otStart := f.pos
	if _, ok := f.reserve(4); !ok {
		f.pos = sizePos
		return ObjectFrame{}, false
	}
	copy(f.buf[otStart:otStart+4], otb[:])

	f.frames = append(f.frames, frame{sizePos: sizePos, start: start})
	return ObjectFrame{idx: len(f.frames) - 1}, true
}

// WriteKey writes the URID key preceding an Object property's value atom.
func (f *Forge) WriteKey(key urid.URID) bool {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(key))
	body, ok := f.reserve(4)
	if !ok {
		return false
	}
	copy(body, b[:])
	return true
}

// PopObject closes an Object frame, patching its header.size to the actual
// payload length. On stuck forge, it rolls the position back to the frame's
// header so the caller can detect the failure via ok=false and the caller's
// outer frame remains uncommitted too.
func (f *Forge) PopObject(of ObjectFrame) bool {
	return f.popFrame(of.idx)
}

// TupleFrame / SequenceFrame mirror ObjectFrame for the other two
// container kinds that carry a plain concatenation of child atoms.
type TupleFrame struct{ idx int }
type SequenceFrame struct{ idx int }

// OpenTuple begins a Tuple atom (ordered list of heterogeneous atoms).
func (f *Forge) OpenTuple(m *urid.Map) (TupleFrame, bool) {
	sizePos := f.pos
	if !f.writeHeader(0, m.Map(urid.URIAtomTuple)) {
		return TupleFrame{}, false
	}
	f.frames = append(f.frames, frame{sizePos: sizePos, start: f.pos})
	return TupleFrame{idx: len(f.frames) - 1}, true
}

// PopTuple closes a Tuple frame.
func (f *Forge) PopTuple(tf TupleFrame) bool { return f.popFrame(tf.idx) }

// OpenSequence begins a Sequence atom. Events must be appended via
// WriteEventTime followed by one atom-writing call per event, in
// non-decreasing Time order (invariant 2, spec.md §8).
func (f *Forge) OpenSequence(m *urid.Map) (SequenceFrame, bool) {
	sizePos := f.pos
	if !f.writeHeader(0, m.Map(urid.URIAtomSeq)) {
		return SequenceFrame{}, false
	}
	f.frames = append(f.frames, frame{sizePos: sizePos, start: f.pos})
	return SequenceFrame{idx: len(f.frames) - 1}, true
}

// WriteEventTime writes the frame-offset time field preceding a Sequence
// event's body atom.
func (f *Forge) WriteEventTime(t int64) bool {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(t))
	body, ok := f.reserve(8)
	if !ok {
		return false
	}
	copy(body, b[:])
	return true
}

// PopSequence closes a Sequence frame.
func (f *Forge) PopSequence(sf SequenceFrame) bool { return f.popFrame(sf.idx) }

func (f *Forge) popFrame(idx int) bool {
	if idx != len(f.frames)-1 {
		// frames must be popped in LIFO order
		f.stuck = true
		return false
	}
	fr := f.frames[idx]
	f.frames = f.frames[:idx]
	if f.stuck {
		// unwind: the whole container is discarded, rewind to before its header
		f.pos = fr.sizePos
		if len(f.frames) == 0 {
			f.stuck = false
		}
		return false
	}
	size := f.pos - fr.start
	binary.LittleEndian.PutUint32(f.buf[fr.sizePos:fr.sizePos+4], uint32(size))
	// pad the container payload to 8 bytes, consistent with scalar atoms
	padded := pad8(size)
	if padded > size {
		if _, ok := f.reserve(padded - size); !ok {
			f.stuck = true
			f.pos = fr.sizePos
			return false
		}
	}
	return true
}

func float32bits(f float32) uint32 { return math.Float32bits(f) }

func float64bits(f float64) uint64 { return math.Float64bits(f) }
