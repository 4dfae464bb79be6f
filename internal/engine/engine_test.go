package engine

import (
	"errors"
	"testing"
	"time"

	"audiorack/internal/atom"
	"audiorack/internal/automation"
	"audiorack/internal/catalog"
	"audiorack/internal/catalog/testplugin"
	"audiorack/internal/errs"
	"audiorack/internal/input"
	"audiorack/internal/module"
	"audiorack/internal/patch"
	"audiorack/internal/port"
	"audiorack/internal/ramp"
	"audiorack/internal/telemetry"
	"audiorack/internal/urid"
)

func newTestCatalog() *catalog.StaticCatalog {
	c := catalog.NewStaticCatalog(nil)
	c.Register(catalog.Entry{Descriptor: testplugin.Descriptor(), Factory: testplugin.NewOscillatorFactory()})
	return c
}

// bypassingWorkerInstance is a minimal module.WorkerInstance that also
// needs_bypassing (catalog.Descriptor.NeedsBypassing), used to exercise the
// RUN->DRAIN->BLOCK->WAIT->RUN preset-load dance end to end (spec.md
// §4.9/§4.13), since testplugin.Oscillator implements neither.
type bypassingWorkerInstance struct {
	restored chan string
}

func (b *bypassingWorkerInstance) Run(int)     {}
func (b *bypassingWorkerInstance) Activate()   {}
func (b *bypassingWorkerInstance) Deactivate() {}
func (b *bypassingWorkerInstance) Cleanup()    {}

func (b *bypassingWorkerInstance) Work(data []byte) []byte {
	return data
}

func (b *bypassingWorkerInstance) WorkResponse(data []byte) {
	if b.restored != nil {
		b.restored <- string(data)
	}
}

const bypassingWorkerURI = "urn:audiorack:testplugin:bypassing-worker"

func newBypassingWorkerCatalog() (*catalog.StaticCatalog, chan string) {
	restored := make(chan string, 4)
	c := catalog.NewStaticCatalog(nil)
	c.Register(catalog.Entry{Descriptor: testplugin.Descriptor(), Factory: testplugin.NewOscillatorFactory()})
	c.Register(catalog.Entry{
		Descriptor: catalog.Descriptor{
			URI:       bypassingWorkerURI,
			Name:      "Bypassing Worker Test Plugin",
			HasWorker: true,
			NeedsBypassing: true,
			Ports: []catalog.PortDeclaration{
				{Symbol: "in", Direction: port.Input, Type: port.Audio},
			},
		},
		Factory: func(sampleRate float64, maxBlock int, ports []*port.Port) (module.Instance, error) {
			return &bypassingWorkerInstance{restored: restored}, nil
		},
	})
	return c, restored
}

// postPatchObject posts a patch:Patch-shaped object onto the ui->app ring,
// the only primitive for module/connection CRUD over the wire (spec.md §6).
func postPatchObject(svc *Service, add, remove *atom.Atom) {
	props := []atom.Property{}
	if add != nil {
		props = append(props, atom.Property{Key: svc.u.Map(urid.URIPatchAdd), Value: add})
	}
	if remove != nil {
		props = append(props, atom.Property{Key: svc.u.Map(urid.URIPatchRemove), Value: remove})
	}
	msg := atom.ObjectValue(0, svc.u.Map(urid.URIPatchPatch), props...)
	svc.PostUIEvent(msg)
}

func TestAddModuleInstantiatesAndOrdersGraph(t *testing.T) {
	svc := NewService(Config{SampleRate: 48000, MaxBlockSize: 64, SeqSize: 256, RingCapacity: 64}, newTestCatalog())

	urn, err := svc.AddModule(testplugin.OscillatorURI)
	if err != nil {
		t.Fatalf("AddModule failed: %v", err)
	}
	if len(svc.g.Modules) != 1 {
		t.Fatalf("expected 1 module in graph, got %d", len(svc.g.Modules))
	}
	if svc.g.Modules[0].URN != urn {
		t.Fatalf("expected graph module to carry the returned URN")
	}
}

func TestConnectThenRunBlockCompletesWithoutXrun(t *testing.T) {
	svc := NewService(Config{SampleRate: 48000, MaxBlockSize: 64, SeqSize: 256, RingCapacity: 64}, newTestCatalog())

	srcURN, err := svc.AddModule(testplugin.OscillatorURI)
	if err != nil {
		t.Fatalf("AddModule(src) failed: %v", err)
	}
	snkURN, err := svc.AddModule(testplugin.OscillatorURI)
	if err != nil {
		t.Fatalf("AddModule(snk) failed: %v", err)
	}

	if err := svc.Connect(srcURN, "output", snkURN, "frequency", 1.0, 0); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	svc.RunBlock(64)
	// Exercising RunBlock end-to-end is the assertion here: a panic or a
	// hung graph order would fail the test before reaching this line.
	if svc.XrunCount() != 0 {
		t.Fatalf("expected no xruns for a single in-process block, got %d", svc.XrunCount())
	}
}

func TestAddModuleWithUnknownPluginReturnsUnsupportedKind(t *testing.T) {
	svc := NewService(Config{SampleRate: 48000, MaxBlockSize: 64, SeqSize: 256, RingCapacity: 64}, newTestCatalog())

	_, err := svc.AddModule("urn:audiorack:testplugin:does-not-exist")
	if err == nil {
		t.Fatalf("expected an error for an unknown plugin URI")
	}
	var kindErr *errs.Error
	if !errors.As(err, &kindErr) {
		t.Fatalf("expected an *errs.Error, got %T: %v", err, err)
	}
	if kindErr.Kind != errs.Unsupported {
		t.Fatalf("expected Unsupported kind, got %v", kindErr.Kind)
	}
}

func TestSetControlDrivesPortThroughAutomation(t *testing.T) {
	svc := NewService(Config{SampleRate: 48000, MaxBlockSize: 64, SeqSize: 256, RingCapacity: 64}, newTestCatalog())

	urn, err := svc.AddModule(testplugin.OscillatorURI)
	if err != nil {
		t.Fatalf("AddModule failed: %v", err)
	}
	svc.BindAutomation(urn, &automation.Mapping{
		Kind:       automation.SourceMIDI,
		Channel:    -1,
		Controller: 1,
		Target:     automation.TargetControlPort,
		PortIndex:  0, // "frequency"
		Mul:        1, ClampMin: 20, ClampMax: 20000,
	})

	svc.SetControl(urn, input.Control{Channel: 0, Controller: 1}, 880)
	svc.RunBlock(64)

	idx := svc.findModuleIndex(urn)
	freqPort := svc.g.Modules[idx].PortByIndex(0)
	if got := freqPort.ControlGet(); got != 880 {
		t.Fatalf("expected automation to drive frequency to 880, got %v", got)
	}
}

func TestSaveThenRestoreSnapshotRoundTrips(t *testing.T) {
	svc := NewService(Config{SampleRate: 48000, MaxBlockSize: 64, SeqSize: 256, RingCapacity: 64}, newTestCatalog())

	urn, err := svc.AddModule(testplugin.OscillatorURI)
	if err != nil {
		t.Fatalf("AddModule failed: %v", err)
	}
	svc.g.Modules[0].X, svc.g.Modules[0].Y = 7, 9

	snap := svc.SaveSnapshot()
	if len(snap.Modules) != 1 {
		t.Fatalf("expected 1 module in snapshot, got %d", len(snap.Modules))
	}

	warnings := svc.RestoreSnapshot(snap)
	if len(warnings) != 0 {
		t.Fatalf("expected no restore warnings, got %v", warnings)
	}
	if len(svc.g.Modules) != 1 {
		t.Fatalf("expected 1 module after restore, got %d", len(svc.g.Modules))
	}
	if svc.g.Modules[0].X != 7 || svc.g.Modules[0].Y != 9 {
		t.Fatalf("expected restored module to keep its position, got (%d,%d)", svc.g.Modules[0].X, svc.g.Modules[0].Y)
	}
	if svc.g.Modules[0].URN != urn {
		t.Fatalf("expected restore to preserve the original URN")
	}
}

func TestPatchPatchAddModuleListCreatesModuleThroughUIRing(t *testing.T) {
	svc := NewService(Config{SampleRate: 48000, MaxBlockSize: 64, SeqSize: 256, RingCapacity: 64}, newTestCatalog())

	add := atom.ObjectValue(0, 0, atom.Property{
		Key:   svc.u.Map(urid.URISpodModuleList),
		Value: atom.URIValue(testplugin.OscillatorURI),
	})
	postPatchObject(svc, add, nil)
	svc.RunBlock(64)

	if len(svc.g.Modules) != 1 {
		t.Fatalf("expected patch:Patch to create 1 module, got %d", len(svc.g.Modules))
	}
	if svc.g.Modules[0].PluginURI != testplugin.OscillatorURI {
		t.Fatalf("expected the created module's plugin URI to match, got %q", svc.g.Modules[0].PluginURI)
	}
}

func TestPatchPatchConnectionListConnectsAndDisconnectsThroughUIRing(t *testing.T) {
	svc := NewService(Config{SampleRate: 48000, MaxBlockSize: 64, SeqSize: 256, RingCapacity: 64}, newTestCatalog())

	srcURN, err := svc.AddModule(testplugin.OscillatorURI)
	if err != nil {
		t.Fatalf("AddModule(src) failed: %v", err)
	}
	snkURN, err := svc.AddModule(testplugin.OscillatorURI)
	if err != nil {
		t.Fatalf("AddModule(snk) failed: %v", err)
	}

	connObj := func() *atom.Atom {
		return atom.ObjectValue(0, 0,
			atom.Property{Key: svc.u.Map(urid.URISpodSourceModule), Value: atom.URIDValue(srcURN)},
			atom.Property{Key: svc.u.Map(urid.URISpodSourceSymbol), Value: atom.StringValue("output")},
			atom.Property{Key: svc.u.Map(urid.URISpodSinkModule), Value: atom.URIDValue(snkURN)},
			atom.Property{Key: svc.u.Map(urid.URISpodSinkSymbol), Value: atom.StringValue("frequency")},
		)
	}

	add := atom.ObjectValue(0, 0, atom.Property{Key: svc.u.Map(urid.URISpodConnectionList), Value: connObj()})
	postPatchObject(svc, add, nil)
	svc.RunBlock(64)

	snkIdx := svc.findModuleIndex(snkURN)
	freqPort := svc.g.Modules[snkIdx].PortByIndex(0)
	if len(freqPort.Sources) != 1 {
		t.Fatalf("expected patch:Patch to create 1 connection, got %d", len(freqPort.Sources))
	}

	remove := atom.ObjectValue(0, 0, atom.Property{Key: svc.u.Map(urid.URISpodConnectionList), Value: connObj()})
	postPatchObject(svc, nil, remove)
	svc.RunBlock(64)

	if freqPort.Sources[0].Ramp.State() != ramp.DownDel {
		t.Fatalf("expected patch:Patch remove to start a down-del ramp, got %v", freqPort.Sources[0].Ramp.State())
	}
}

func TestPresetLoadOnBypassingModuleDrainsThenRestores(t *testing.T) {
	cat, restored := newBypassingWorkerCatalog()
	svc := NewService(Config{SampleRate: 48000, MaxBlockSize: 64, SeqSize: 256, RingCapacity: 64}, cat)

	srcURN, err := svc.AddModule(testplugin.OscillatorURI)
	if err != nil {
		t.Fatalf("AddModule(src) failed: %v", err)
	}
	snkURN, err := svc.AddModule(bypassingWorkerURI)
	if err != nil {
		t.Fatalf("AddModule(bypassing) failed: %v", err)
	}
	snkIdx := svc.findModuleIndex(snkURN)
	if !svc.g.Modules[snkIdx].Bypassable() {
		t.Fatalf("expected the bypassing-worker test plugin to be Bypassable")
	}

	if err := svc.Connect(srcURN, "output", snkURN, "in", 1.0, 16); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	inPort := svc.g.Modules[snkIdx].PortByIndex(0)
	if len(inPort.Sources) != 1 {
		t.Fatalf("expected 1 source on in, got %d", len(inPort.Sources))
	}

	presetSet := atom.ObjectValue(0, svc.u.Map(urid.URIPatchSet),
		atom.Property{Key: svc.u.Map(urid.URIPatchSubject), Value: atom.URIDValue(snkURN)},
		atom.Property{Key: svc.u.Map(urid.URIPatchProperty), Value: atom.URIDValue(svc.u.Map(urid.URIPsetPreset))},
		atom.Property{Key: svc.u.Map(urid.URIPatchValue), Value: atom.URIValue("urn:audiorack:preset:test")},
	)
	svc.PostUIEvent(presetSet)

	// Run blocks until the 16-sample down-drain ramp reaches silence,
	// checkDrainComplete hands off to the worker goroutine, and a drained
	// response brings the dispatcher back to RUN (spec.md §4.9/§4.13); the
	// worker goroutine runs concurrently with RunBlock, so poll rather than
	// assume a fixed number of blocks suffices.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		svc.RunBlock(64)
		if svc.Dispatcher().State() == patch.Run {
			break
		}
		time.Sleep(time.Millisecond)
	}

	select {
	case got := <-restored:
		if got != "urn:audiorack:preset:test" {
			t.Fatalf("expected worker to receive the preset URI as its job, got %q", got)
		}
	default:
		t.Fatalf("expected the worker to have produced a restore response by now")
	}

	if svc.Dispatcher().State() != patch.Run {
		t.Fatalf("expected the dispatcher back in RUN after restore completes, got %v", svc.Dispatcher().State())
	}
	if inPort.Sources[0].Ramp.State() != ramp.Up {
		t.Fatalf("expected the paused connection to be re-engaged with an up-ramp, got %v", inPort.Sources[0].Ramp.State())
	}
}

func TestMalformedUIAtomIsTraceLoggedNotDropped(t *testing.T) {
	svc := NewService(Config{SampleRate: 48000, MaxBlockSize: 64, SeqSize: 256, RingCapacity: 64}, newTestCatalog())
	svc.log.SetComponentEnabled(telemetry.ComponentUIProtocol, true)
	svc.log.SetMinLevel(telemetry.LevelTrace)

	// An Object atom whose ObjectType matches none of patch:Get/Set/Put/
	// Copy/Patch — patch.DecodeMessage reports ok=false for this shape.
	bogus := atom.ObjectValue(0, svc.u.Map("urn:audiorack:test:not-a-patch-message"))
	svc.PostUIEvent(bogus)

	svc.RunBlock(64)

	deadline := time.Now().Add(200 * time.Millisecond)
	for len(svc.log.Entries()) < 1 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	entries := svc.log.Entries()
	if len(entries) == 0 {
		t.Fatalf("expected the malformed atom to produce a trace log entry")
	}
	found := false
	for _, e := range entries {
		if e.Component == telemetry.ComponentUIProtocol && e.Level == telemetry.LevelTrace {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a ui-protocol trace entry, got %+v", entries)
	}
}
