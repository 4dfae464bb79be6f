package port

import (
	"testing"

	"audiorack/internal/urid"
)

func TestMultiplexAudioSumsSources(t *testing.T) {
	out1 := New(0, "out1", Output, Audio, 4, 0)
	out2 := New(1, "out2", Output, Audio, 4, 0)
	for i := range out1.Buf {
		out1.Buf[i] = 1.0
		out2.Buf[i] = 2.0
	}
	in := New(0, "in", Input, Audio, 4, 0)
	if err := in.Connect(out1, 1.0, 1); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := in.Connect(out2, 0.5, 1); err != nil {
		t.Fatalf("connect: %v", err)
	}
	// Run the 1-sample up-ramp to completion so both sources are at unity
	// envelope before asserting the summed value.
	in.Multiplex(4, nil)
	in.Multiplex(4, nil)
	want := float32(1.0*1.0 + 2.0*0.5)
	if in.EffectiveBuf[0] != want {
		t.Fatalf("expected summed sample %f, got %f", want, in.EffectiveBuf[0])
	}
}

func TestMultiplexAudioAliasesSingleUnityGainSource(t *testing.T) {
	out := New(0, "out", Output, Audio, 4, 0)
	out.Buf[0] = 9.0
	in := New(0, "in", Input, Audio, 4, 0)
	in.Sources = append(in.Sources, &Source{Src: out, Gain: 1.0, Ramp: newOffRamp()})
	in.Multiplex(4, nil)
	if &in.EffectiveBuf[0] != &out.Buf[0] {
		t.Fatalf("expected EffectiveBuf to alias source buffer")
	}
}

func TestMultiplexAudioSilentWithNoSources(t *testing.T) {
	in := New(0, "in", Input, Audio, 4, 0)
	in.Buf[0] = 5.0
	in.Multiplex(4, nil)
	if in.EffectiveBuf[0] != 0 {
		t.Fatalf("expected silence with no sources, got %f", in.EffectiveBuf[0])
	}
}

func TestMultiplexControlIsLastWriterWins(t *testing.T) {
	a := New(0, "a", Output, Control, 0, 0)
	a.Buf[0] = 1.0
	b := New(1, "b", Output, Control, 0, 0)
	b.Buf[0] = 2.0
	in := New(0, "in", Input, Control, 0, 0)
	in.Sources = append(in.Sources,
		&Source{Src: a, Gain: 1.0, Ramp: newOffRamp()},
		&Source{Src: b, Gain: 1.0, Ramp: newOffRamp()},
	)
	in.Multiplex(1, nil)
	if in.Buf[0] != 2.0 {
		t.Fatalf("expected last writer (b) to win, got %f", in.Buf[0])
	}
}

func TestConnectUpdatesGainInPlaceNotDuplicate(t *testing.T) {
	out := New(0, "out", Output, Audio, 4, 0)
	in := New(0, "in", Input, Audio, 4, 0)
	if err := in.Connect(out, 1.0, 10); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := in.Connect(out, 0.25, 10); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if len(in.Sources) != 1 {
		t.Fatalf("expected a single source entry, got %d", len(in.Sources))
	}
	if in.Sources[0].Gain != 0.25 {
		t.Fatalf("expected updated gain 0.25, got %f", in.Sources[0].Gain)
	}
}

func TestConnectRejectsOutputTarget(t *testing.T) {
	out := New(0, "out", Output, Audio, 4, 0)
	other := New(1, "other", Output, Audio, 4, 0)
	if err := out.Connect(other, 1.0, 10); err != ErrNotInput {
		t.Fatalf("expected ErrNotInput, got %v", err)
	}
}

func TestDisconnectThenPruneRemovesSourceOnlyAfterRampCompletes(t *testing.T) {
	out := New(0, "out", Output, Audio, 4, 0)
	in := New(0, "in", Input, Audio, 4, 0)
	if err := in.Connect(out, 1.0, 4); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if !in.Disconnect(out) {
		t.Fatalf("expected disconnect to find the source")
	}
	if removed := in.PruneCompletedDownRamps(); len(removed) != 0 {
		t.Fatalf("expected no removal before ramp completes")
	}
	in.Sources[0].Ramp.Advance(4)
	removed := in.PruneCompletedDownRamps()
	if len(removed) != 1 {
		t.Fatalf("expected exactly one removed source, got %d", len(removed))
	}
	if len(in.Sources) != 0 {
		t.Fatalf("expected source list empty after prune, got %d", len(in.Sources))
	}
}

func TestSubscribeUnsubscribeAreCounters(t *testing.T) {
	p := New(0, "out", Output, Audio, 4, 0)
	p.Subscribe(ProtocolFloat)
	p.Subscribe(ProtocolFloat)
	if p.Subscriptions != 2 {
		t.Fatalf("expected 2 subscriptions, got %d", p.Subscriptions)
	}
	p.Unsubscribe()
	if p.Subscriptions != 1 {
		t.Fatalf("expected 1 subscription after single unsubscribe, got %d", p.Subscriptions)
	}
}

func TestControlSetClampsAndFloors(t *testing.T) {
	p := New(0, "gain", Input, Control, 0, 0)
	p.Control = ControlSpec{Min: 0, Max: 10, Integer: true}
	p.ControlSet(7.8)
	if p.ControlGet() != 7 {
		t.Fatalf("expected floored 7, got %f", p.ControlGet())
	}
	p.ControlSet(100)
	if p.ControlGet() != 10 {
		t.Fatalf("expected clamped to max 10, got %f", p.ControlGet())
	}
}

func TestMultiplexAtomMergesAndOrdersByTime(t *testing.T) {
	m := urid.NewMap()
	out1 := New(0, "out1", Output, AtomPort, 0, 256)
	out2 := New(1, "out2", Output, AtomPort, 0, 256)

	writeSeq(t, out1, m, []int64{0, 20})
	writeSeq(t, out2, m, []int64{10})

	in := New(0, "in", Input, AtomPort, 0, 256)
	in.Sources = append(in.Sources,
		&Source{Src: out1, Gain: 1.0, Ramp: newOffRamp()},
		&Source{Src: out2, Gain: 1.0, Ramp: newOffRamp()},
	)
	in.Multiplex(0, m)

	got, _, err := decodeSeqHelper(in.AtomBuf, m)
	if err != nil {
		t.Fatalf("decode merged sequence: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 merged events, got %d", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i] < got[i-1] {
			t.Fatalf("merged sequence not ordered: %v", got)
		}
	}
}
