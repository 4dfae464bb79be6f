package runner

import (
	"testing"

	"audiorack/internal/automation"
	"audiorack/internal/graph"
	"audiorack/internal/module"
	"audiorack/internal/port"
	"audiorack/internal/urid"
)

type gainInstance struct {
	in, out *port.Port
	gain    float32
}

func (g *gainInstance) Run(n int) {
	for i := 0; i < n; i++ {
		g.out.Buf[i] = g.in.EffectiveBuf[i] * g.gain
	}
}
func (g *gainInstance) Activate()   {}
func (g *gainInstance) Deactivate() {}
func (g *gainInstance) Cleanup()    {}

func newGainModule(urn module.URN, gain float32) *module.Module {
	in := port.New(0, "in", port.Input, port.Audio, 64, 0)
	out := port.New(1, "out", port.Output, port.Audio, 64, 0)
	inst := &gainInstance{in: in, out: out, gain: gain}
	m := module.New(urn, "urn:example:gain", inst, []*port.Port{in, out}, 64, 256)
	return m
}

type constInstance struct {
	out   *port.Port
	value float32
}

func (c *constInstance) Run(n int) {
	for i := 0; i < n; i++ {
		c.out.Buf[i] = c.value
	}
}
func (c *constInstance) Activate()   {}
func (c *constInstance) Deactivate() {}
func (c *constInstance) Cleanup()    {}

func newConstModule(urn module.URN, value float32) *module.Module {
	out := port.New(0, "out", port.Output, port.Audio, 64, 0)
	inst := &constInstance{out: out, value: value}
	m := module.New(urn, "urn:example:const", inst, []*port.Port{out}, 64, 256)
	return m
}

func TestRunBlockMultiplexesThenRunsInGraphOrder(t *testing.T) {
	u := urid.NewMap()
	g := graph.New()
	src := newConstModule(1, 2.0)
	snk := newGainModule(2, 0.5)
	srcIdx := g.AddModule(src)
	snkIdx := g.AddModule(snk)
	g.AddEdge(graph.Edge{SrcModule: srcIdx, SrcPort: 0, SnkModule: snkIdx, SnkPort: 0})
	if err := snk.Ports[0].Connect(src.Ports[0], 1.0, 1); err != nil {
		t.Fatalf("connect: %v", err)
	}

	auto := automation.New(u)
	r := New(g, auto, u, 48000)

	r.RunBlock(64, nil)
	r.RunBlock(64, nil)

	if got := snk.Ports[1].Buf[0]; got != 1.0 {
		t.Fatalf("expected sink output 2.0*0.5=1.0 once ramp settles, got %f", got)
	}
}

func TestRunBlockSkipsDisabledModule(t *testing.T) {
	u := urid.NewMap()
	g := graph.New()
	m := newGainModule(1, 1.0)
	m.Flags.Disabled = true
	m.Ports[1].Buf[0] = 99
	g.AddModule(m)
	auto := automation.New(u)
	r := New(g, auto, u, 48000)

	r.RunBlock(64, nil)

	if m.Ports[1].Buf[0] != 99 {
		t.Fatalf("expected disabled module's Run to be skipped, output buffer should be untouched")
	}
}

func TestEmitSubscribedOutputsOnlyOnControlChange(t *testing.T) {
	u := urid.NewMap()
	g := graph.New()
	m := newGainModule(1, 1.0)
	ctrlIdx := len(m.Ports)
	ctrl := port.New(ctrlIdx, "level", port.Output, port.Control, 0, 0)
	ctrl.Subscribe(port.ProtocolFloat)
	m.Ports = append(m.Ports, ctrl)
	g.AddModule(m)
	auto := automation.New(u)
	r := New(g, auto, u, 48000)

	ctrl.Buf[0] = 5
	transfers1 := r.RunBlock(64, nil)
	found := false
	for _, tr := range transfers1 {
		if tr.PortIdx == ctrlIdx {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a transfer on first changed-value block")
	}

	transfers2 := r.RunBlock(64, nil)
	for _, tr := range transfers2 {
		if tr.PortIdx == ctrlIdx {
			t.Fatalf("expected no transfer when control value unchanged")
		}
	}
}
