// Package runner implements the serial per-block scheduler of spec.md
// §4.6: for each module in graph order, multiplex inputs, run the plugin,
// update timing, and emit subscribed-output transfers.
package runner

import (
	"time"

	"audiorack/internal/atom"
	"audiorack/internal/automation"
	"audiorack/internal/graph"
	"audiorack/internal/module"
	"audiorack/internal/port"
	"audiorack/internal/urid"
)

// DefaultSparseUpdateHz is the default rate, in transfers per second, of
// the rate-limited output transfers for non-Control ports (one every 1/25 s,
// spec.md §4.6); the runner is block-count driven rather than wall-clock
// driven, converting the rate to a block interval from sample_rate and the
// block's nsamples.
const DefaultSparseUpdateHz = 25.0

// Transfer is one upward output-port update the runner hands to its
// caller for posting on worker→app (spec.md §4.6 step 4).
type Transfer struct {
	ModuleIdx, PortIdx int
	Protocol           port.Protocol
	Scalar             float32 // valid when Protocol == ProtocolFloat
	Peak               float32 // valid when Protocol == ProtocolPeak
	Atom               *atom.Atom
}

// Runner drives one block through the whole graph in order.
type Runner struct {
	g    *graph.Graph
	auto *automation.Mapper
	u    *urid.Map

	blocksSinceEmit map[int]int // per (moduleIdx<<16|portIdx) block counter for sparse updates
	sampleRate      float64
}

// New creates a Runner bound to g, auto, and u.
func New(g *graph.Graph, auto *automation.Mapper, u *urid.Map, sampleRate float64) *Runner {
	return &Runner{
		g:               g,
		auto:            auto,
		u:               u,
		blocksSinceEmit: make(map[int]int),
		sampleRate:      sampleRate,
	}
}

// RunBlock processes nsamples through every module in graph order, calling
// observeElapsed (if non-nil) after each module's Run with its wall-clock
// duration in seconds, and returns the list of upward transfers due this
// block.
func (r *Runner) RunBlock(nsamples int, observeElapsed func(m *module.Module, elapsed float64)) []Transfer {
	var out []Transfer
	for idx, m := range r.g.Modules {
		r.multiplexInputs(m, nsamples)

		if !m.Flags.Disabled && !m.Flags.Bypassed {
			r.auto.Apply(m, nsamples)
			start := time.Now()
			m.Instance.Run(nsamples)
			elapsed := time.Since(start).Seconds()
			m.Timing.Observe(elapsed)
			if observeElapsed != nil {
				observeElapsed(m, elapsed)
			}
		}

		out = append(out, r.emitSubscribedOutputs(idx, m, nsamples)...)
	}
	return out
}

// multiplexInputs runs the per-port multiplex op on every input port of m.
// Completed down-ramps are reaped by internal/engine's
// pruneCompletedDisconnects (which also drops the corresponding graph Edge),
// not here — the runner only fills buffers.
func (r *Runner) multiplexInputs(m *module.Module, nsamples int) {
	for _, p := range m.Ports {
		if p.Direction == port.Input {
			p.Multiplex(nsamples, r.u)
		}
	}
}

func (r *Runner) emitSubscribedOutputs(modIdx int, m *module.Module, nsamples int) []Transfer {
	var out []Transfer
	for pIdx, p := range m.Ports {
		if p.Direction != port.Output || p.Subscriptions == 0 {
			continue
		}
		key := modIdx<<16 | pIdx
		switch p.Type {
		case port.Control:
			v := p.ControlGet()
			if v != p.Last {
				p.Last = v
				out = append(out, Transfer{ModuleIdx: modIdx, PortIdx: pIdx, Protocol: port.ProtocolFloat, Scalar: v})
			}
		case port.Audio, port.CV:
			if !r.dueThisBlock(key, nsamples) {
				continue
			}
			out = append(out, Transfer{ModuleIdx: modIdx, PortIdx: pIdx, Protocol: port.ProtocolPeak, Peak: peakMagnitude(p.Buf[:nsamples])})
		case port.AtomPort, port.EventPort:
			if !r.dueThisBlock(key, nsamples) {
				continue
			}
			a, _, err := atom.Decode(p.AtomBuf, r.u)
			if err == nil {
				out = append(out, Transfer{ModuleIdx: modIdx, PortIdx: pIdx, Protocol: port.ProtocolAtom, Atom: a})
			}
		}
	}
	return out
}

func (r *Runner) dueThisBlock(key, nsamples int) bool {
	interval := 1
	if nsamples > 0 {
		interval = int(r.sampleRate / (DefaultSparseUpdateHz * float64(nsamples)))
	}
	if interval < 1 {
		interval = 1
	}
	r.blocksSinceEmit[key]++
	if r.blocksSinceEmit[key] >= interval {
		r.blocksSinceEmit[key] = 0
		return true
	}
	return false
}

func peakMagnitude(samples []float32) float32 {
	var peak float32
	for _, s := range samples {
		if s < 0 {
			s = -s
		}
		if s > peak {
			peak = s
		}
	}
	return peak
}
