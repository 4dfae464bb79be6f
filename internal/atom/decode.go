package atom

import (
	"encoding/binary"
	"errors"
	"math"

	"audiorack/internal/urid"
)

// ErrTruncated is returned by Decode when buf ends before a declared atom
// size is satisfied — the BadType/BadFlags class of error in spec.md §7.
var ErrTruncated = errors.New("atom: truncated buffer")

// Decode reads one atom (and, recursively, its whole subtree) from the
// front of buf, returning the number of bytes consumed.
func Decode(buf []byte, m *urid.Map) (*Atom, int, error) {
	if len(buf) < 8 {
		return nil, 0, ErrTruncated
	}
	size := int(binary.LittleEndian.Uint32(buf[0:4]))
	typ := urid.URID(binary.LittleEndian.Uint32(buf[4:8]))
	total := 8 + pad8(size)
	if len(buf) < total {
		return nil, 0, ErrTruncated
	}
	payload := buf[8 : 8+size]

	switch m.Unmap(typ) {
	case urid.URIAtomInt:
		return &Atom{Kind: KindInt, Int: int32(binary.LittleEndian.Uint32(payload))}, total, nil
	case urid.URIAtomLong:
		return &Atom{Kind: KindLong, Long: int64(binary.LittleEndian.Uint64(payload))}, total, nil
	case urid.URIAtomFloat:
		return &Atom{Kind: KindFloat, Float: math.Float32frombits(binary.LittleEndian.Uint32(payload))}, total, nil
	case urid.URIAtomDouble:
		return &Atom{Kind: KindDouble, Double: math.Float64frombits(binary.LittleEndian.Uint64(payload))}, total, nil
	case urid.URIAtomBool:
		return &Atom{Kind: KindBool, Bool: binary.LittleEndian.Uint32(payload) != 0}, total, nil
	case urid.URIAtomString:
		return &Atom{Kind: KindString, Str: trimNul(payload)}, total, nil
	case urid.URIAtomURI:
		return &Atom{Kind: KindURI, Str: trimNul(payload)}, total, nil
	case urid.URIAtomPath:
		return &Atom{Kind: KindPath, Str: trimNul(payload)}, total, nil
	case urid.URIAtomURID:
		return &Atom{Kind: KindURID, URID: urid.URID(binary.LittleEndian.Uint32(payload))}, total, nil
	case urid.URIAtomChunk:
		return &Atom{Kind: KindChunk, Bytes: append([]byte(nil), payload...)}, total, nil
	case urid.URIAtomTuple:
		items, err := decodeItems(payload, m)
		if err != nil {
			return nil, 0, err
		}
		return &Atom{Kind: KindTuple, Items: items}, total, nil
	case urid.URIAtomObject:
		if len(payload) < 8 {
			return nil, 0, ErrTruncated
		}
		id := urid.URID(binary.LittleEndian.Uint32(payload[0:4]))
		otype := urid.URID(binary.LittleEndian.Uint32(payload[4:8]))
		props, err := decodeProperties(payload[8:], m)
		if err != nil {
			return nil, 0, err
		}
		return &Atom{Kind: KindObject, ObjectID: id, ObjectType: otype, Properties: props}, total, nil
	case urid.URIAtomSeq:
		events, err := decodeEvents(payload, m)
		if err != nil {
			return nil, 0, err
		}
		return &Atom{Kind: KindSequence, Sequence: events}, total, nil
	default:
		// Unknown/unsupported type URID: surface as an opaque chunk rather
		// than failing the whole decode (BadType handling, spec.md §7).
		return &Atom{Kind: KindChunk, Type: typ, Bytes: append([]byte(nil), payload...)}, total, nil
	}
}

func trimNul(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

func decodeItems(buf []byte, m *urid.Map) ([]*Atom, error) {
	var items []*Atom
	off := 0
	for off < len(buf) {
		a, n, err := Decode(buf[off:], m)
		if err != nil {
			return nil, err
		}
		items = append(items, a)
		off += n
	}
	return items, nil
}

func decodeProperties(buf []byte, m *urid.Map) ([]Property, error) {
	var props []Property
	off := 0
	for off < len(buf) {
		if off+4 > len(buf) {
			return nil, ErrTruncated
		}
		key := urid.URID(binary.LittleEndian.Uint32(buf[off : off+4]))
		off += 4
		a, n, err := Decode(buf[off:], m)
		if err != nil {
			return nil, err
		}
		props = append(props, Property{Key: key, Value: a})
		off += n
	}
	return props, nil
}

func decodeEvents(buf []byte, m *urid.Map) ([]Event, error) {
	var events []Event
	off := 0
	for off < len(buf) {
		if off+8 > len(buf) {
			return nil, ErrTruncated
		}
		t := int64(binary.LittleEndian.Uint64(buf[off : off+8]))
		off += 8
		a, n, err := Decode(buf[off:], m)
		if err != nil {
			return nil, err
		}
		events = append(events, Event{Time: t, Body: a})
		off += n
	}
	return events, nil
}
