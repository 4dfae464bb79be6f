package port

import (
	"testing"

	"audiorack/internal/atom"
	"audiorack/internal/ramp"
	"audiorack/internal/urid"
)

func newOffRamp() *ramp.Ramp {
	return ramp.New(1)
}

func writeSeq(t *testing.T, p *Port, m *urid.Map, times []int64) {
	t.Helper()
	events := make([]atom.Event, 0, len(times))
	for _, tm := range times {
		events = append(events, atom.Event{Time: tm, Body: atom.Int32(1)})
	}
	seq := &atom.Atom{Kind: atom.KindSequence, Sequence: events}
	n, ok := atom.Encode(p.AtomBuf, seq, m)
	if !ok {
		t.Fatalf("failed to encode fixture sequence")
	}
	for i := n; i < len(p.AtomBuf); i++ {
		p.AtomBuf[i] = 0
	}
}

func decodeSeqHelper(buf []byte, m *urid.Map) ([]int64, int, error) {
	a, n, err := atom.Decode(buf, m)
	if err != nil {
		return nil, 0, err
	}
	times := make([]int64, 0, len(a.Sequence))
	for _, e := range a.Sequence {
		times = append(times, e.Time)
	}
	return times, n, nil
}
