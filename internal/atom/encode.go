package atom

import "audiorack/internal/urid"

// Encode writes a's full tree into buf via a Forge, returning the number of
// bytes written and whether it fit. This is the convenience path
// internal/msgplane and internal/patch use; the RT dispatch loop itself
// calls the lower-level Forge methods directly where it needs to interleave
// writes with other per-block work.
func Encode(buf []byte, a *Atom, m *urid.Map) (int, bool) {
	f := NewForge(buf)
	if !writeAtom(f, a, m) {
		return 0, false
	}
	return f.Written(), true
}

func writeAtom(f *Forge, a *Atom, m *urid.Map) bool {
	switch a.Kind {
	case KindInt:
		return f.Int(m, a.Int)
	case KindLong:
		return f.Long(m, a.Long)
	case KindFloat:
		return f.Float(m, a.Float)
	case KindDouble:
		return f.Double(m, a.Double)
	case KindBool:
		return f.Bool(m, a.Bool)
	case KindString:
		return f.String(m, a.Str)
	case KindURI:
		return f.URI(m, a.Str)
	case KindPath:
		return f.Path(m, a.Str)
	case KindURID:
		return f.URIDAtom(m, a.URID)
	case KindChunk:
		return f.Chunk(m, a.Bytes)
	case KindTuple:
		tf, ok := f.OpenTuple(m)
		if !ok {
			return false
		}
		for _, item := range a.Items {
			if !writeAtom(f, item, m) {
				f.PopTuple(tf)
				return false
			}
		}
		return f.PopTuple(tf)
	case KindVector:
		tf, ok := f.OpenTuple(m) // encoded structurally like a Tuple; Type carries the element URID
		if !ok {
			return false
		}
		for _, item := range a.Items {
			if !writeAtom(f, item, m) {
				f.PopTuple(tf)
				return false
			}
		}
		return f.PopTuple(tf)
	case KindObject:
		of, ok := f.OpenObject(m, a.ObjectID, a.ObjectType)
		if !ok {
			return false
		}
		for _, p := range a.Properties {
			if !f.WriteKey(p.Key) {
				f.stuck = true
				f.PopObject(of)
				return false
			}
			if !writeAtom(f, p.Value, m) {
				f.PopObject(of)
				return false
			}
		}
		return f.PopObject(of)
	case KindSequence:
		sf, ok := f.OpenSequence(m)
		if !ok {
			return false
		}
		for _, e := range a.Sequence {
			if !f.WriteEventTime(e.Time) {
				f.stuck = true
				f.PopSequence(sf)
				return false
			}
			if !writeAtom(f, e.Body, m) {
				f.PopSequence(sf)
				return false
			}
		}
		return f.PopSequence(sf)
	default:
		return false
	}
}
