// Package engine wires every collaborator package into the single
// UI-agnostic facade a driver (internal/driver) or CLI (cmd/engine-host)
// actually talks to, modelled on the teacher's Backend-interface /
// Service-struct split: frontends target the interface, never the
// concrete type, and Service owns the graph under a single RWMutex the
// way devkit.Service owns its embedded emulator session.
package engine

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"audiorack/internal/atom"
	"audiorack/internal/automation"
	"audiorack/internal/catalog"
	"audiorack/internal/clock"
	"audiorack/internal/errs"
	"audiorack/internal/graph"
	"audiorack/internal/input"
	"audiorack/internal/module"
	"audiorack/internal/msgplane"
	"audiorack/internal/parallel"
	"audiorack/internal/patch"
	"audiorack/internal/port"
	"audiorack/internal/ramp"
	"audiorack/internal/runner"
	"audiorack/internal/state"
	"audiorack/internal/telemetry"
	"audiorack/internal/urid"
	"audiorack/internal/worker"
)

// Backend is the UI-agnostic engine contract: every frontend (CLI, SDL2
// monitor, plugin UI) is rewritten freely as long as it targets this
// interface and preserves graph/port semantics (spec.md §1/§9).
type Backend interface {
	AddModule(pluginURI string) (module.URN, error)
	RemoveModule(urn module.URN) error
	Connect(srcURN module.URN, srcSymbol string, snkURN module.URN, snkSymbol string, gain float32, rampSamples uint64) error
	Disconnect(srcURN module.URN, srcSymbol string, snkURN module.URN, snkSymbol string) error
	RunBlock(nsamples int) []runner.Transfer
	PostUIEvent(a *atom.Atom) bool
	SetControl(urn module.URN, c input.Control, value float32)
	SaveSnapshot() state.Snapshot
	RestoreSnapshot(snap state.Snapshot) []state.RestoreWarning
	XrunCount() uint32
	Shutdown()
}

// Config carries the construction-time parameters a driver supplies
// (spec.md §6 Callbacks, narrowed to what internal/engine itself needs).
type Config struct {
	SampleRate   float64
	MaxBlockSize int
	SeqSize      int
	NumSlaves    int
	RingCapacity int
}

// Service is the concrete Backend: it owns the graph, both runners (serial
// and parallel, switching per spec.md §4.6), the message plane, one worker
// driver per worker-declaring module, the patch dispatcher, and the
// catalog used to instantiate new modules.
type Service struct {
	mu sync.RWMutex

	cfg Config
	u   *urid.Map
	log *telemetry.Logger
	cat catalog.Catalog

	g        *graph.Graph
	auto     *automation.Mapper
	plane    *msgplane.Plane
	serial   *runner.Runner
	parallel *parallel.Runner
	patchD   *patch.Dispatcher

	workers  map[module.URN]*worker.Driver
	clk      *clock.BlockClock
	surfaces map[module.URN]*input.Surface

	// drainingModule/presetRestoreReady track the RUN->DRAIN->BLOCK->WAIT->
	// RUN dance a patch:Set pset:preset message drives on a needs-bypassing
	// module (spec.md §4.9/§4.13): drainingModule is the module currently
	// being drained or restored, 0 when the dance is idle; presetRestoreReady
	// is set once the pending restore work (off-thread, or inline when the
	// module has no worker) is known complete and just needs the state
	// machine to be in WAIT to finalize.
	drainingModule     module.URN
	presetRestoreReady bool

	// bundleSave/bundleLoad are the driver hooks dispatchBundleSave/
	// dispatchBundleLoad call into for a patch:Copy message (spec.md
	// §4.13); nil until a driver registers them via SetBundleHooks.
	bundleSave func(path string, snap state.Snapshot)
	bundleLoad func(path string)

	// pluginURIByURN and automationByURN let SaveSnapshot/RestoreSnapshot
	// round-trip without re-deriving state the graph itself doesn't keep
	// (spec.md §4.11).
	pluginURIByURN  map[module.URN]string
	automationByURN map[module.URN][]state.AutomationDescriptor
}

var _ Backend = (*Service)(nil)

// NewService builds an idle engine with no modules. Start must be called
// before RunBlock if numSlaves > 0 so the slave pool is running.
func NewService(cfg Config, cat catalog.Catalog) *Service {
	u := urid.NewMap()
	log := telemetry.NewLogger(256)
	g := graph.New()
	auto := automation.New(u)

	s := &Service{
		cfg:             cfg,
		u:               u,
		log:             log,
		cat:             cat,
		g:               g,
		auto:            auto,
		plane:           msgplane.New(cfg.RingCapacity, u, log),
		serial:          runner.New(g, auto, u, cfg.SampleRate),
		parallel:        parallel.New(g, auto, u, cfg.NumSlaves),
		patchD:          patch.New(g, u),
		workers:         make(map[module.URN]*worker.Driver),
		clk:             clock.NewBlockClock(cfg.SampleRate, cfg.MaxBlockSize),
		surfaces:        make(map[module.URN]*input.Surface),
		pluginURIByURN:  make(map[module.URN]string),
		automationByURN: make(map[module.URN][]state.AutomationDescriptor),
	}
	s.patchD.ModulePatch = s.applyModulePatch
	s.patchD.OnPresetLoad = s.dispatchPresetRestore
	s.patchD.OnBundleSave = s.dispatchBundleSave
	s.patchD.OnBundleLoad = s.dispatchBundleLoad
	return s
}

// Start launches the parallel runner's slave pool (spec.md §4.7); a no-op
// when NumSlaves is 0.
func (s *Service) Start() {
	s.parallel.Start()
}

// Shutdown stops every worker driver and the slave pool.
func (s *Service) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.workers {
		d.Shutdown()
	}
	s.parallel.Stop()
}

// AddModule instantiates pluginURI via the catalog, allocates a fresh URN
// (spec.md §6 "xmap.new_uuid"), and appends the resulting module to the
// graph. A worker driver is started automatically when the plugin declares
// one (spec.md §4.12).
func (s *Service) AddModule(pluginURI string) (module.URN, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addModuleLocked(pluginURI)
}

// addModuleLocked is AddModule's body, callable by code that already holds
// s.mu (internal/patch's ModulePatch callback runs inside RunBlock's lock,
// spec.md §6 "patch:Patch ... the only primitive for creating/destroying
// modules and connections").
func (s *Service) addModuleLocked(pluginURI string) (module.URN, error) {
	desc, ok := s.cat.Lookup(pluginURI)
	if !ok {
		return 0, errs.New(errs.Unsupported, pluginURI)
	}

	urn := module.URN(s.u.Map(uuid.NewString()))

	ports := make([]*port.Port, 0, len(desc.Ports))
	for i, pd := range desc.Ports {
		p := port.New(i, pd.Symbol, pd.Direction, pd.Type, s.cfg.MaxBlockSize, s.cfg.SeqSize)
		p.Control = pd.Control
		ports = append(ports, p)
	}

	inst, err := s.cat.Instantiate(pluginURI, s.cfg.SampleRate, s.cfg.MaxBlockSize, ports)
	if err != nil {
		return 0, errs.Wrap(errs.FatalAlloc, pluginURI, err)
	}

	m := module.New(urn, pluginURI, inst, ports, s.cfg.MaxBlockSize, s.cfg.SeqSize)
	m.Flags.NeedsBypassing = desc.NeedsBypassing
	s.g.AddModule(m)
	s.pluginURIByURN[urn] = pluginURI

	if wi, ok := inst.(module.WorkerInstance); ok && desc.HasWorker {
		m.Worker = wi
		s.workers[urn] = worker.NewDriver(m, s.cfg.RingCapacity, s.u, s.log)
	}

	s.g.Reorder()
	return urn, nil
}

// RemoveModule deletes a module from the graph immediately; callers are
// responsible for having already down-ramped its connections via
// Disconnect and waited for PruneCompletedDownRamps, matching the
// "lifecycle" invariant in spec.md §3 — this call itself does not ramp.
func (s *Service) RemoveModule(urn module.URN) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeModuleLocked(urn)
}

func (s *Service) removeModuleLocked(urn module.URN) error {
	idx := s.findModuleIndex(urn)
	if idx < 0 {
		return fmt.Errorf("engine: unknown module %d", urn)
	}
	if d, ok := s.workers[urn]; ok {
		d.Shutdown()
		delete(s.workers, urn)
	}
	delete(s.pluginURIByURN, urn)
	delete(s.automationByURN, urn)
	delete(s.surfaces, urn)
	s.g.RemoveModule(idx)
	s.g.Reorder()
	return nil
}

func (s *Service) findModuleIndex(urn module.URN) int {
	for i, m := range s.g.Modules {
		if m.URN == urn {
			return i
		}
	}
	return -1
}

func (s *Service) findPort(urn module.URN, symbol string) *port.Port {
	idx := s.findModuleIndex(urn)
	if idx < 0 {
		return nil
	}
	return s.g.Modules[idx].PortBySymbol(symbol)
}

// Connect links srcURN:srcSymbol into snkURN:snkSymbol's fan-in list and
// records the edge for graph ordering (spec.md §3/§4.9).
func (s *Service) Connect(srcURN module.URN, srcSymbol string, snkURN module.URN, snkSymbol string, gain float32, rampSamples uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectLocked(srcURN, srcSymbol, snkURN, snkSymbol, gain, rampSamples)
}

func (s *Service) connectLocked(srcURN module.URN, srcSymbol string, snkURN module.URN, snkSymbol string, gain float32, rampSamples uint64) error {
	srcIdx, snkIdx := s.findModuleIndex(srcURN), s.findModuleIndex(snkURN)
	if srcIdx < 0 || snkIdx < 0 {
		return fmt.Errorf("engine: connect references unknown module")
	}
	srcPort := s.g.Modules[srcIdx].PortBySymbol(srcSymbol)
	snkPort := s.g.Modules[snkIdx].PortBySymbol(snkSymbol)
	if srcPort == nil || snkPort == nil {
		return fmt.Errorf("engine: connect references unknown port")
	}
	if err := snkPort.Connect(srcPort, gain, rampSamples); err != nil {
		if err == port.ErrSelfConnect {
			return errs.Wrap(errs.Unsupported, srcSymbol, err)
		}
		return err
	}
	s.g.AddEdge(graph.Edge{SrcModule: srcIdx, SrcPort: srcPort.Index, SnkModule: snkIdx, SnkPort: snkPort.Index})
	s.g.Reorder()
	return nil
}

// Disconnect starts the down-ramp for an existing connection; the edge
// itself is dropped from the graph once RunBlock observes the ramp has
// completed (spec.md §4.9).
func (s *Service) Disconnect(srcURN module.URN, srcSymbol string, snkURN module.URN, snkSymbol string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disconnectLocked(srcURN, srcSymbol, snkURN, snkSymbol)
}

func (s *Service) disconnectLocked(srcURN module.URN, srcSymbol string, snkURN module.URN, snkSymbol string) error {
	srcPort := s.findPort(srcURN, srcSymbol)
	snkPort := s.findPort(snkURN, snkSymbol)
	if srcPort == nil || snkPort == nil {
		return fmt.Errorf("engine: disconnect references unknown port")
	}
	if !snkPort.Disconnect(srcPort) {
		return fmt.Errorf("engine: no such connection")
	}
	return nil
}

// RunBlock advances the graph by nsamples, choosing the parallel runner
// when the switchover rule is met (spec.md §4.6) and the serial runner
// otherwise; worker responses are drained once per block before running,
// matching "drain ring at block start" in spec.md §4.12.
func (s *Service) RunBlock(nsamples int) []runner.Transfer {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.clk.Begin()
	defer s.clk.End()

	for urn, d := range s.workers {
		n := d.DrainResponses(msgplane.DefaultDrainLimit)
		if n > 0 && urn == s.drainingModule {
			s.presetRestoreReady = true
		}
	}
	s.plane.DrainUIEvents(s.applyUIEvent)
	s.latchControlSurfaces(nsamples)

	var transfers []runner.Transfer
	observe := func(m *module.Module, elapsed float64) {}

	if s.parallel.ShouldRunParallel() {
		s.parallel.RunBlock(nsamples, observe)
	} else {
		transfers = s.serial.RunBlock(nsamples, observe)
	}

	for _, d := range s.workers {
		d.EndRun()
	}
	s.pruneCompletedDisconnects()

	if s.drainingModule != 0 {
		if s.patchD.State() == patch.Drain {
			s.checkDrainComplete()
		}
		if s.presetRestoreReady && s.patchD.State() == patch.Wait {
			s.finishPresetRestore()
		}
	}
	return transfers
}

// SetControl records a physical control-surface value for urn (a MIDI CC
// message, a hardware knob, a test) to be latched onto that module's
// automation-in sequence on the next RunBlock (spec.md §4.10).
func (s *Service) SetControl(urn module.URN, c input.Control, value float32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	surf, ok := s.surfaces[urn]
	if !ok {
		surf = input.NewSurface()
		s.surfaces[urn] = surf
	}
	surf.Set(c, value)
}

// latchControlSurfaces writes each bound control surface's changed values
// onto its module's automation-in buffer before automation.Mapper.Apply
// runs for that module this block.
func (s *Service) latchControlSurfaces(nsamples int) {
	for urn, surf := range s.surfaces {
		idx := s.findModuleIndex(urn)
		if idx < 0 {
			continue
		}
		events := surf.Latch(s.u, nsamples)
		input.WriteTo(s.g.Modules[idx].AutomationIn.AtomBuf, events, s.u)
	}
}

// XrunCount reports the number of blocks whose processing overran its
// realtime deadline, surfaced as spod:xrunCount in the module-list
// properties a UI reads.
func (s *Service) XrunCount() uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clk.XrunCount()
}

// pruneCompletedDisconnects removes edges whose down-ramp has finished
// (spec.md §4.9: a disconnect only actually drops the edge once its ramp
// reaches silence, checked once per block at the block boundary).
func (s *Service) pruneCompletedDisconnects() {
	for modIdx, m := range s.g.Modules {
		for _, p := range m.Ports {
			if p.Direction != port.Input {
				continue
			}
			removed := p.PruneCompletedDownRamps()
			for _, r := range removed {
				if srcIdx := s.findModulePortOwner(r.Src); srcIdx >= 0 {
					s.g.RemoveEdge(graph.Edge{SrcModule: srcIdx, SrcPort: r.Src.Index, SnkModule: modIdx, SnkPort: p.Index})
				}
			}
		}
	}
}

// findModulePortOwner returns the index of the module that owns p, or -1.
func (s *Service) findModulePortOwner(p *port.Port) int {
	for i, m := range s.g.Modules {
		for _, mp := range m.Ports {
			if mp == p {
				return i
			}
		}
	}
	return -1
}

// PostUIEvent forwards a UI-originated atom (control edits, patch
// messages) onto the ui->app ring.
func (s *Service) PostUIEvent(a *atom.Atom) bool {
	return s.plane.PostUIEvent(a)
}

// applyUIEvent handles one decoded ui->app atom: a patch:Set object naming
// a module/port subject (the shape internal/pluginui posts) writes directly
// to that Control port; everything else is decoded as a patch.Message and
// routed through the dispatcher's state machine (spec.md §4.13). An atom
// that matches neither shape is trace-logged rather than silently dropped
// (spec.md §8 invariant 6).
func (s *Service) applyUIEvent(a *atom.Atom) {
	if a == nil || a.Kind != atom.KindObject {
		return
	}
	if s.applyControlPortSet(a) {
		return
	}
	msg, ok := patch.DecodeMessage(a, s.u)
	if !ok {
		s.log.Log(telemetry.ComponentUIProtocol, telemetry.LevelTrace, 0, "dropped unrecognised ui->app atom", nil)
		return
	}
	s.patchD.Apply(msg)
	if s.patchD.State() == patch.Drain {
		s.beginModuleDrain(msg.Subject)
	}
}

// applyControlPortSet recognises the composite module:port subject shape
// internal/pluginui posts for a slider edit (spec.md §4.10) and writes the
// Control port directly, bypassing the patch dispatcher's state machine
// since a raw control write is valid regardless of BlockState. Reports
// whether a matched this shape at all.
func (s *Service) applyControlPortSet(a *atom.Atom) bool {
	if a.ObjectType != s.u.Map(urid.URIPatchSet) {
		return false
	}
	subj := a.Get(s.u.Map(urid.URIPatchSubject))
	val := a.Get(s.u.Map(urid.URIPatchValue))
	if subj == nil || val == nil || subj.Kind != atom.KindURI {
		return false
	}
	var modURN uint32
	var portIdx int
	if _, err := fmt.Sscanf(subj.Str, "urn:audiorack:module:%d:port:%d", &modURN, &portIdx); err != nil {
		return false
	}
	if idx := s.findModuleIndex(module.URN(modURN)); idx >= 0 {
		if p := s.g.Modules[idx].PortByIndex(portIdx); p != nil {
			p.ControlSet(val.Float)
		}
	}
	return true
}

// applyModulePatch is patch.Dispatcher.ModulePatch: it performs the
// module/connection CRUD a patch:Patch message on the null subject
// describes (spec.md §6 "Module CRUD uses patch:Patch ... properties
// spod:moduleList and spod:connectionList"), removing every property
// before adding any, matching the ordering patch.Dispatcher already
// guarantees at the message level.
func (s *Service) applyModulePatch(remove, add []atom.Property) {
	for _, p := range remove {
		s.applyModuleRemoveProperty(p)
	}
	for _, p := range add {
		s.applyModuleAddProperty(p)
	}
}

func (s *Service) applyModuleRemoveProperty(p atom.Property) {
	switch p.Key {
	case s.u.Map(urid.URISpodModuleList):
		urn := module.URN(atomToUint32(p.Value))
		if err := s.removeModuleLocked(urn); err != nil {
			s.log.Log(telemetry.ComponentUIProtocol, telemetry.LevelWarn, uint32(urn), "patch:Patch remove moduleList failed", map[string]interface{}{"err": err.Error()})
		}
	case s.u.Map(urid.URISpodConnectionList):
		conn, ok := decodeConnectionObject(p.Value, s.u)
		if !ok {
			s.log.Log(telemetry.ComponentUIProtocol, telemetry.LevelTrace, 0, "dropped malformed connectionList remove atom", nil)
			return
		}
		if err := s.disconnectLocked(conn.SourceModule, conn.SourceSymbol, conn.SinkModule, conn.SinkSymbol); err != nil {
			s.log.Log(telemetry.ComponentUIProtocol, telemetry.LevelWarn, uint32(conn.SinkModule), "patch:Patch remove connectionList failed", map[string]interface{}{"err": err.Error()})
		}
	}
}

func (s *Service) applyModuleAddProperty(p atom.Property) {
	switch p.Key {
	case s.u.Map(urid.URISpodModuleList):
		if p.Value == nil || (p.Value.Kind != atom.KindURI && p.Value.Kind != atom.KindString) {
			s.log.Log(telemetry.ComponentUIProtocol, telemetry.LevelTrace, 0, "dropped malformed moduleList add atom", nil)
			return
		}
		if _, err := s.addModuleLocked(p.Value.Str); err != nil {
			s.log.Log(telemetry.ComponentUIProtocol, telemetry.LevelWarn, 0, "patch:Patch add moduleList failed", map[string]interface{}{"err": err.Error(), "plugin": p.Value.Str})
		}
	case s.u.Map(urid.URISpodConnectionList):
		conn, ok := decodeConnectionObject(p.Value, s.u)
		if !ok {
			s.log.Log(telemetry.ComponentUIProtocol, telemetry.LevelTrace, 0, "dropped malformed connectionList add atom", nil)
			return
		}
		if err := s.connectLocked(conn.SourceModule, conn.SourceSymbol, conn.SinkModule, conn.SinkSymbol, conn.Gain, 0); err != nil {
			s.log.Log(telemetry.ComponentUIProtocol, telemetry.LevelWarn, uint32(conn.SinkModule), "patch:Patch add connectionList failed", map[string]interface{}{"err": err.Error()})
		}
	}
}

// atomToUint32 extracts a small unsigned integer from an atom that may
// arrive as either a URID or a plain Int — spec.md §6 names the
// moduleList remove-value only as "module URN" without fixing its atom
// kind.
func atomToUint32(a *atom.Atom) uint32 {
	if a == nil {
		return 0
	}
	switch a.Kind {
	case atom.KindURID:
		return uint32(a.URID)
	case atom.KindInt:
		return uint32(a.Int)
	default:
		return 0
	}
}

// decodeConnectionObject extracts a state.ConnectionState from a
// spod:connectionList Object atom (spec.md §6 "Object with source_module,
// source_symbol, sink_module, sink_symbol, param:gain").
func decodeConnectionObject(a *atom.Atom, u *urid.Map) (state.ConnectionState, bool) {
	if a == nil || a.Kind != atom.KindObject {
		return state.ConnectionState{}, false
	}
	srcMod := a.Get(u.Map(urid.URISpodSourceModule))
	srcSym := a.Get(u.Map(urid.URISpodSourceSymbol))
	snkMod := a.Get(u.Map(urid.URISpodSinkModule))
	snkSym := a.Get(u.Map(urid.URISpodSinkSymbol))
	if srcMod == nil || srcSym == nil || snkMod == nil || snkSym == nil {
		return state.ConnectionState{}, false
	}
	gain := float32(1)
	if g := a.Get(u.Map(urid.URIParamGain)); g != nil {
		gain = g.Float
	}
	return state.ConnectionState{
		SourceModule: module.URN(atomToUint32(srcMod)),
		SourceSymbol: srcSym.Str,
		SinkModule:   module.URN(atomToUint32(snkMod)),
		SinkSymbol:   snkSym.Str,
		Gain:         gain,
	}, true
}

// beginModuleDrain starts the RUN->DRAIN dance's ramp side: every source
// feeding one of urn's input ports gets a down-drain ramp rather than the
// outright removal Disconnect uses (spec.md §4.9 "preset load on a
// needs_bypassing module starts a down-ramp on every incident connection").
// A module that doesn't need bypassing has nothing unsafe to race against,
// so the dance resolves immediately without ever silencing anything.
func (s *Service) beginModuleDrain(urn module.URN) {
	s.drainingModule = urn
	s.presetRestoreReady = false

	idx := s.findModuleIndex(urn)
	if idx < 0 || !s.g.Modules[idx].Bypassable() {
		s.patchD.NotifyDrainComplete()
		return
	}
	for _, p := range s.g.Modules[idx].Ports {
		if p.Direction != port.Input {
			continue
		}
		for _, src := range p.Sources {
			src.Ramp.StartDownDrain()
		}
	}
}

// checkDrainComplete is polled once per block while the dispatcher is in
// DRAIN: once every down-drain ramp parked by beginModuleDrain has reached
// silence it parks them in ramp.Block and notifies the dispatcher, which
// synchronously invokes OnPresetLoad (spec.md §4.9 "on drain-complete the
// runner enters BLOCK state").
func (s *Service) checkDrainComplete() {
	idx := s.findModuleIndex(s.drainingModule)
	if idx < 0 {
		s.patchD.NotifyDrainComplete()
		return
	}
	for _, p := range s.g.Modules[idx].Ports {
		if p.Direction != port.Input {
			continue
		}
		for _, src := range p.Sources {
			if src.Ramp.State() == ramp.DownDrain && !src.Ramp.AtFloor() {
				return
			}
		}
	}
	for _, p := range s.g.Modules[idx].Ports {
		if p.Direction != port.Input {
			continue
		}
		for _, src := range p.Sources {
			if src.Ramp.State() == ramp.DownDrain {
				src.Ramp.EnterBlock()
			}
		}
	}
	s.patchD.NotifyDrainComplete()
}

// dispatchPresetRestore is patch.Dispatcher.OnPresetLoad: invoked
// synchronously from NotifyDrainComplete while the dispatcher is still in
// BLOCK state (spec.md §4.13), so it must never finalize the dance itself —
// it only schedules the restore work and leaves presetRestoreReady for
// RunBlock to notice once that work is done, off-thread via the module's
// worker when it has one (spec.md §4.12), inline otherwise.
func (s *Service) dispatchPresetRestore(urn module.URN, presetURI string) {
	if d, ok := s.workers[urn]; ok {
		if !d.ScheduleWork([]byte(presetURI)) {
			s.log.Log(telemetry.ComponentWorker, telemetry.LevelWarn, uint32(urn), "preset restore work not scheduled", nil)
			s.presetRestoreReady = true
		}
		return
	}
	// No worker to hand the restore to off-thread: nothing more can be done
	// for this module while BLOCK is held, so the dance resolves at once.
	s.presetRestoreReady = true
}

// finishPresetRestore completes the bypass dance once the scheduled restore
// work is known done: every ramp parked in BLOCK gets an up-ramp back to
// unity gain and the dispatcher returns to RUN (spec.md §4.9 "an UP-ramp
// response re-engages").
func (s *Service) finishPresetRestore() {
	if idx := s.findModuleIndex(s.drainingModule); idx >= 0 {
		for _, p := range s.g.Modules[idx].Ports {
			if p.Direction != port.Input {
				continue
			}
			for _, src := range p.Sources {
				if src.Ramp.State() == ramp.Block {
					src.Ramp.StartUp()
				}
			}
		}
	}
	s.patchD.NotifyRestoreComplete()
	s.drainingModule = 0
	s.presetRestoreReady = false
}

// dispatchBundleSave is patch.Dispatcher.OnBundleSave: invoked for a
// patch:Copy message with a destination set (spec.md §4.13). The actual
// encode-to-disk step belongs to the driver, per spec.md's Non-goals
// delegating on-disk format choice away from this package; bundleSave is
// nil until a driver registers one via SetBundleHooks.
func (s *Service) dispatchBundleSave(path string) {
	if s.bundleSave == nil {
		s.log.Log(telemetry.ComponentUIProtocol, telemetry.LevelWarn, 0, "patch:Copy bundle save requested with no driver hook registered", map[string]interface{}{"path": path})
		return
	}
	s.bundleSave(path, s.saveSnapshotLocked())
}

// dispatchBundleLoad is patch.Dispatcher.OnBundleLoad: invoked for a
// patch:Copy message with no destination (spec.md §4.13 "load" direction).
func (s *Service) dispatchBundleLoad(path string) {
	if s.bundleLoad == nil {
		s.log.Log(telemetry.ComponentUIProtocol, telemetry.LevelWarn, 0, "patch:Copy bundle load requested with no driver hook registered", map[string]interface{}{"path": path})
		return
	}
	s.bundleLoad(path)
}

// SetBundleHooks registers the driver callbacks patch:Copy bundle save/load
// dispatch to (spec.md §4.13); a driver not interested in bundles simply
// never calls this, leaving both hooks nil.
func (s *Service) SetBundleHooks(save func(path string, snap state.Snapshot), load func(path string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bundleSave = save
	s.bundleLoad = load
}

// SaveSnapshot captures the graph's current positional/connection/preset
// state (spec.md §4.11).
func (s *Service) SaveSnapshot() state.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.saveSnapshotLocked()
}

// saveSnapshotLocked is SaveSnapshot's body, callable by code that already
// holds s.mu — dispatchBundleSave runs inside RunBlock's write lock via the
// patch dispatcher's synchronous OnBundleSave callback.
func (s *Service) saveSnapshotLocked() state.Snapshot {
	instances := make(map[module.URN]module.StateInstance)
	for _, m := range s.g.Modules {
		if si, ok := m.Instance.(module.StateInstance); ok {
			instances[m.URN] = si
		}
	}
	return state.Save(s.g, s.automationByURN, instances)
}

// RestoreSnapshot rebuilds the graph from snap, instantiating each module
// through the catalog via the Instantiate method below; per-module and
// per-connection failures degrade to a warning rather than aborting the
// whole restore (spec.md §4.11).
func (s *Service) RestoreSnapshot(snap state.Snapshot) []state.RestoreWarning {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, d := range s.workers {
		d.Shutdown()
	}
	s.workers = make(map[module.URN]*worker.Driver)
	s.pluginURIByURN = make(map[module.URN]string)
	s.drainingModule = 0
	s.presetRestoreReady = false
	s.patchD.Reset()

	g, warnings := state.Restore(snap, s)
	s.g.Modules = g.Modules
	s.g.Edges = g.Edges
	s.g.Reorder()

	for _, m := range s.g.Modules {
		s.pluginURIByURN[m.URN] = m.PluginURI
		if desc, ok := s.cat.Lookup(m.PluginURI); ok && desc.HasWorker {
			if wi, ok := m.Instance.(module.WorkerInstance); ok {
				m.Worker = wi
				s.workers[m.URN] = worker.NewDriver(m, s.cfg.RingCapacity, s.u, s.log)
			}
		}
	}
	return warnings
}

// Instantiate implements state.Restorer, routing restore-time module
// creation back through the same catalog AddModule uses.
func (s *Service) Instantiate(pluginURI string, urn module.URN) (*module.Module, error) {
	desc, ok := s.cat.Lookup(pluginURI)
	if !ok {
		return nil, errs.New(errs.Unsupported, pluginURI)
	}
	ports := make([]*port.Port, 0, len(desc.Ports))
	for i, pd := range desc.Ports {
		p := port.New(i, pd.Symbol, pd.Direction, pd.Type, s.cfg.MaxBlockSize, s.cfg.SeqSize)
		p.Control = pd.Control
		ports = append(ports, p)
	}
	inst, err := s.cat.Instantiate(pluginURI, s.cfg.SampleRate, s.cfg.MaxBlockSize, ports)
	if err != nil {
		return nil, errs.Wrap(errs.FatalAlloc, pluginURI, err)
	}
	return module.New(urn, pluginURI, inst, ports, s.cfg.MaxBlockSize, s.cfg.SeqSize), nil
}

// BindAutomation registers an automation mapping for a module, delegating
// to the automation mapper (spec.md §4.10).
func (s *Service) BindAutomation(urn module.URN, m *automation.Mapping) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.auto.Bind(urn, m)
}

// Dispatcher exposes the patch-protocol state machine for a driver's
// message-plane handler to call into directly (spec.md §4.13).
func (s *Service) Dispatcher() *patch.Dispatcher {
	return s.patchD
}
