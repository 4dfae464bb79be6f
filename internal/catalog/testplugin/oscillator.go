// Package testplugin provides a small in-memory tone generator used as a
// catalog entry for tests and the engine's smoke-test graph: a fixed-point
// phase-accumulator oscillator adapted from the teacher's APU channel
// model, generalised from four fixed hardware channels into one
// Control-port-addressed LV2-style plugin instance.
package testplugin

import (
	"math"

	"audiorack/internal/catalog"
	"audiorack/internal/module"
	"audiorack/internal/port"
)

// phaseMax64 mirrors the teacher's 32-bit phase wraparound constant: phase 0
// represents 0 radians, 2^32 represents 2π.
const phaseMax64 = 0x100000000

// Waveform selects the oscillator's output shape.
type Waveform int32

const (
	WaveSine Waveform = iota
	WaveSquare
	WaveSaw
)

// OscillatorURI is this plugin's catalog URI.
const OscillatorURI = "urn:audiorack:testplugin:oscillator"

// Oscillator is a single-channel tone generator: frequency and volume are
// Control ports, output is an Audio port. Phase arithmetic stays in
// fixed-point per-sample exactly as the teacher's APU channel did; only the
// final sample is converted to float32 for the port buffer.
type Oscillator struct {
	sampleRate   float64
	freqPort     *port.Port
	volPort      *port.Port
	wavePort     *port.Port
	out          *port.Port

	phase          uint32
	phaseIncrement uint32
	lastFreq       float32
}

// NewOscillatorFactory returns a catalog.Factory binding declared ports by
// symbol to the oscillator's frequency/volume/waveform/output roles.
func NewOscillatorFactory() catalog.Factory {
	return func(sampleRate float64, maxBlock int, ports []*port.Port) (module.Instance, error) {
		o := &Oscillator{sampleRate: sampleRate}
		for _, p := range ports {
			switch p.Symbol {
			case "frequency":
				o.freqPort = p
			case "volume":
				o.volPort = p
			case "waveform":
				o.wavePort = p
			case "output":
				o.out = p
			}
		}
		return o, nil
	}
}

// Descriptor returns this plugin's catalog.Descriptor.
func Descriptor() catalog.Descriptor {
	return catalog.Descriptor{
		URI:  OscillatorURI,
		Name: "Test Oscillator",
		Ports: []catalog.PortDeclaration{
			{Symbol: "frequency", Direction: port.Input, Type: port.Control, Control: port.ControlSpec{Min: 20, Max: 20000, Default: 440}},
			{Symbol: "volume", Direction: port.Input, Type: port.Control, Control: port.ControlSpec{Min: 0, Max: 1, Default: 0.5}},
			{Symbol: "waveform", Direction: port.Input, Type: port.Control, Control: port.ControlSpec{Min: 0, Max: 2, Default: 0, Integer: true}},
			{Symbol: "output", Direction: port.Output, Type: port.Audio},
		},
	}
}

func (o *Oscillator) Activate() { o.phase = 0 }

func (o *Oscillator) Deactivate() {}

func (o *Oscillator) Cleanup() {}

func (o *Oscillator) updatePhaseIncrement(freq float32) {
	if o.sampleRate == 0 || freq == o.lastFreq {
		return
	}
	o.lastFreq = freq
	o.phaseIncrement = uint32((uint64(freq*65536) * phaseMax64) / (uint64(o.sampleRate) * 65536))
}

// Run fills out.Buf with nsamples of the selected waveform at the current
// frequency/volume/waveform control values, exactly mirroring the teacher's
// per-sample phase-accumulator update ordering: compute one sample, then
// advance phase (wrapping on uint32 overflow), then repeat.
func (o *Oscillator) Run(nsamples int) {
	if o.out == nil {
		return
	}
	freq := float32(440)
	if o.freqPort != nil {
		freq = o.freqPort.ControlGet()
	}
	vol := float32(0.5)
	if o.volPort != nil {
		vol = o.volPort.ControlGet()
	}
	wave := WaveSine
	if o.wavePort != nil {
		wave = Waveform(int32(o.wavePort.ControlGet()))
	}
	o.updatePhaseIncrement(freq)

	for i := 0; i < nsamples && i < len(o.out.Buf); i++ {
		var sample float32
		switch wave {
		case WaveSine:
			sample = sineApprox(o.phase)
		case WaveSquare:
			if o.phase < 0x80000000 {
				sample = 1.0
			} else {
				sample = -1.0
			}
		case WaveSaw:
			sample = float32(int64(o.phase)-0x80000000) / float32(0x80000000)
		}
		o.out.Buf[i] = sample * vol
		o.phase += o.phaseIncrement
	}
}

// sineApprox mirrors the teacher's polynomial sine approximation
// (sin(x) ≈ x - x^3/6 near the origin, folded across the half-cycle),
// generalised from 16-bit fixed point to a float32 in [-1, 1].
func sineApprox(phase uint32) float32 {
	// Read the phase as signed so one cycle spans x in [-π, π), then fold
	// x into [-π/2, π/2], where the cubic stays within 0.08 of sin(x).
	x := float32(int32(phase)) / float32(0x80000000) * math.Pi
	if x > math.Pi/2 {
		x = math.Pi - x
	} else if x < -math.Pi/2 {
		x = -math.Pi - x
	}
	return x - x*x*x/6.0
}
