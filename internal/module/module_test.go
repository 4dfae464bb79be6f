package module

import (
	"testing"

	"audiorack/internal/port"
)

type stubInstance struct{ ran int }

func (s *stubInstance) Run(n int)  { s.ran += n }
func (s *stubInstance) Activate()  {}
func (s *stubInstance) Deactivate() {}
func (s *stubInstance) Cleanup()   {}

func TestNewAppendsSynthesisedAutomationPortsLast(t *testing.T) {
	inPort := port.New(0, "in", port.Input, port.Audio, 64, 0)
	outPort := port.New(1, "out", port.Output, port.Audio, 64, 0)
	inst := &stubInstance{}

	m := New(1, "urn:example:plugin", inst, []*port.Port{inPort, outPort}, 64, 512)

	if len(m.Ports) != 4 {
		t.Fatalf("expected 4 ports (2 declared + 2 synthesised), got %d", len(m.Ports))
	}
	if m.Ports[2] != m.AutomationIn || m.Ports[3] != m.AutomationOut {
		t.Fatalf("expected automation ports appended last in declared order")
	}
	if m.AutomationIn.Direction != port.Input || m.AutomationIn.Type != port.AtomPort {
		t.Fatalf("automation-in port has wrong direction/type: %+v", m.AutomationIn)
	}
	if m.AutomationOut.Direction != port.Output || m.AutomationOut.Type != port.AtomPort {
		t.Fatalf("automation-out port has wrong direction/type: %+v", m.AutomationOut)
	}
}

func TestPortByIndexAndSymbol(t *testing.T) {
	inPort := port.New(0, "in", port.Input, port.Audio, 64, 0)
	m := New(1, "urn:example:plugin", &stubInstance{}, []*port.Port{inPort}, 64, 512)

	if m.PortByIndex(0) != inPort {
		t.Fatalf("expected PortByIndex(0) to return the declared input port")
	}
	if m.PortByIndex(99) != nil {
		t.Fatalf("expected nil for out-of-range index")
	}
	if m.PortBySymbol("in") != inPort {
		t.Fatalf("expected PortBySymbol to find the declared port")
	}
	if m.PortBySymbol("missing") != nil {
		t.Fatalf("expected nil for unknown symbol")
	}
}

func TestReinstantiateForBlockSizePreservesControlIdentity(t *testing.T) {
	audioPort := port.New(0, "audio", port.Input, port.Audio, 64, 0)
	ctrlPort := port.New(1, "ctrl", port.Input, port.Control, 64, 0)
	ctrlPort.Buf[0] = 0.75
	m := New(1, "urn:example:plugin", &stubInstance{}, []*port.Port{audioPort, ctrlPort}, 64, 512)

	m.ReinstantiateForBlockSize(128)

	if len(m.Ports[0].Buf) != 128 {
		t.Fatalf("expected audio pool resized to 128, got %d", len(m.Ports[0].Buf))
	}
	if m.Ports[1].Buf[0] != 0.75 {
		t.Fatalf("expected control port value preserved across reinstantiation, got %f", m.Ports[1].Buf[0])
	}
}

func TestTimingObserveTracksMinAvgMax(t *testing.T) {
	var tm Timing
	tm.Observe(0.002)
	tm.Observe(0.005)
	tm.Observe(0.001)

	if tm.Min != 0.001 {
		t.Fatalf("expected min 0.001, got %f", tm.Min)
	}
	if tm.Max != 0.005 {
		t.Fatalf("expected max 0.005, got %f", tm.Max)
	}
	want := (0.002 + 0.005 + 0.001) / 3
	if tm.Avg != want {
		t.Fatalf("expected avg %f, got %f", want, tm.Avg)
	}
}

func TestBypassableReflectsNeedsBypassingFlag(t *testing.T) {
	m := New(1, "urn:example:plugin", &stubInstance{}, nil, 64, 512)
	if m.Bypassable() {
		t.Fatalf("expected Bypassable false by default")
	}
	m.Flags.NeedsBypassing = true
	if !m.Bypassable() {
		t.Fatalf("expected Bypassable true once NeedsBypassing is set")
	}
}
