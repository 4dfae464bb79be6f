package port

import (
	"audiorack/internal/atom"
	"audiorack/internal/ramp"
	"audiorack/internal/urid"
)

// Multiplex fills the input port's EffectiveBuf from its Sources for one
// block of n samples, implementing the per-type combine rule of spec.md
// §4.3: Audio/CV sum per-sample with each source's own ramp envelope and
// static gain applied; Control is last-write-wins across sources (the most
// recently added source wins, matching original_source's "last control
// writer wins" semantics); Atom/Event sequences are concatenated and
// re-sorted by event time. m is only needed to decode/encode Atom ports;
// pass nil for Audio/CV/Control ports.
func (p *Port) Multiplex(n int, m *urid.Map) {
	switch p.Type {
	case Audio, CV:
		p.multiplexAudio(n)
	case Control:
		p.multiplexControl()
	case AtomPort, EventPort:
		p.multiplexAtom(m)
	}
}

func (p *Port) multiplexAudio(n int) {
	if len(p.Sources) == 0 {
		p.SilenceAudio()
		p.EffectiveBuf = p.Buf
		return
	}
	if len(p.Sources) == 1 {
		s := p.Sources[0]
		if s.Gain == 1.0 && s.Ramp.State() == ramp.Off {
			// Pointer-aliasing fast path: a single, unit-gain, non-ramping
			// source can be handed to the plugin directly without a copy
			// (spec.md §4.3).
			p.EffectiveBuf = s.Src.Buf[:n]
			return
		}
	}
	for i := 0; i < n && i < len(p.Buf); i++ {
		p.Buf[i] = 0
	}
	for _, s := range p.Sources {
		src := s.Src.Buf
		isOff := s.Ramp.State() == ramp.Off
		for i := 0; i < n && i < len(src) && i < len(p.Buf); i++ {
			env := float32(1.0)
			if !isOff {
				env = s.Ramp.EnvelopeAt(uint64(i))
			}
			p.Buf[i] += src[i] * s.Gain * env
		}
		s.Ramp.Advance(uint64(n))
	}
	p.EffectiveBuf = p.Buf
}

func (p *Port) multiplexControl() {
	if len(p.Sources) == 0 {
		return
	}
	winner := p.Sources[len(p.Sources)-1]
	p.Buf[0] = winner.Src.Buf[0] * winner.Gain
}

func (p *Port) multiplexAtom(m *urid.Map) {
	var all []atom.Event
	for _, s := range p.Sources {
		seq, _, err := atom.Decode(s.Src.AtomBuf, m)
		if err != nil || seq == nil || seq.Kind != atom.KindSequence {
			continue
		}
		all = append(all, seq.Sequence...)
	}
	// Stable insertion sort by time: event counts per block are small, and
	// stability preserves arrival order for same-timestamp events (spec.md
	// §8 invariant 2: non-decreasing time, ties keep original order).
	for i := 1; i < len(all); i++ {
		for j := i; j > 0 && all[j].Time < all[j-1].Time; j-- {
			all[j], all[j-1] = all[j-1], all[j]
		}
	}
	merged := &atom.Atom{Kind: atom.KindSequence, Sequence: all}
	n, ok := atom.Encode(p.AtomBuf, merged, m)
	if !ok {
		// Not enough room for the merged sequence: zero the whole buffer
		// (no Sequence header is written) rather than leave a partial
		// encoding in it (overflow handling, spec.md §7).
		for i := range p.AtomBuf {
			p.AtomBuf[i] = 0
		}
		return
	}
	for i := n; i < len(p.AtomBuf); i++ {
		p.AtomBuf[i] = 0
	}
}
