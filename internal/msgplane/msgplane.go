// Package msgplane implements the three-ring message plane of spec.md §4.8:
// ui→app, app→worker, and worker→app, each a varchunk carrying atoms, with
// bounded per-block draining on the audio thread and a blocking drain loop
// on the worker thread.
package msgplane

import (
	"sync"

	"audiorack/internal/atom"
	"audiorack/internal/telemetry"
	"audiorack/internal/urid"
	"audiorack/internal/varchunk"
)

// DefaultDrainLimit is M from spec.md §4.8: "drains up to M response atoms
// (default 10) to bound worst-case latency".
const DefaultDrainLimit = 10

// Plane owns the three rings connecting the UI, the audio (RT) thread, and
// the worker pool.
type Plane struct {
	UIToApp     *varchunk.Varchunk
	AppToWorker *varchunk.Varchunk
	WorkerToApp *varchunk.Varchunk

	DrainLimit int

	u   *urid.Map
	log *telemetry.Logger

	// workerWake is the counting semaphore of spec.md §4.8 ("a blocking
	// wait on a counting semaphore wakes the worker when any side has
	// posted work"); modelled as a buffered channel of tokens.
	workerWake chan struct{}
	wakeOnce   sync.Once
}

// New creates a Plane with the given per-ring byte capacity.
func New(ringCapacity int, u *urid.Map, log *telemetry.Logger) *Plane {
	return &Plane{
		UIToApp:     varchunk.New(ringCapacity),
		AppToWorker: varchunk.New(ringCapacity),
		WorkerToApp: varchunk.New(ringCapacity),
		DrainLimit:  DefaultDrainLimit,
		u:           u,
		log:         log,
		workerWake:  make(chan struct{}, 1),
	}
}

// PostUIEvent encodes and writes one atom onto ui→app; called from the UI
// side (never the RT thread).
func (p *Plane) PostUIEvent(a *atom.Atom) bool {
	return writeAtom(p.UIToApp, a, p.u)
}

// PostWorkerJob encodes and writes one atom onto app→worker, and wakes the
// worker (spec.md §4.12: "schedule_work ... is satisfied by
// write(app→worker) plus sem_post").
func (p *Plane) PostWorkerJob(a *atom.Atom) bool {
	ok := writeAtom(p.AppToWorker, a, p.u)
	if ok {
		p.wake()
	}
	return ok
}

// PostWorkerResponse encodes and writes one atom onto worker→app; called
// from a worker thread.
func (p *Plane) PostWorkerResponse(a *atom.Atom) bool {
	return writeAtom(p.WorkerToApp, a, p.u)
}

func (p *Plane) wake() {
	select {
	case p.workerWake <- struct{}{}:
	default:
	}
}

func writeAtom(v *varchunk.Varchunk, a *atom.Atom, u *urid.Map) bool {
	scratch := make([]byte, estimateSize(a))
	n, ok := atom.Encode(scratch, a, u)
	if !ok {
		return false
	}
	buf := v.WriteRequest(n)
	if buf == nil {
		return false
	}
	copy(buf, scratch[:n])
	v.WriteAdvance(n)
	return true
}

// estimateSize picks a scratch buffer large enough for any atom this plane
// carries; oversized rather than exact since the forge itself enforces the
// real bound and simply fails to overflow (spec.md §4.2).
func estimateSize(a *atom.Atom) int {
	return 4096
}

// DrainResponses pulls up to DrainLimit atoms off worker→app, decoding and
// handing each to apply. Called at the top of run_pre on the RT thread
// (spec.md §4.8).
func (p *Plane) DrainResponses(apply func(a *atom.Atom)) int {
	return drain(p.WorkerToApp, p.DrainLimit, p.u, apply)
}

// DrainUIEvents pulls up to DrainLimit atoms off ui→app. Called immediately
// after DrainResponses on the RT thread (spec.md §4.8).
func (p *Plane) DrainUIEvents(dispatch func(a *atom.Atom)) int {
	return drain(p.UIToApp, p.DrainLimit, p.u, dispatch)
}

// DrainWorkerJobsBlocking is the worker thread's loop body: it blocks until
// woken, then fully drains both inboxes it owns (app→worker for jobs,
// worker→app is not read here — that ring is worker-owned only for
// writing) before re-blocking (spec.md §4.8: "the thread drains both
// inboxes fully then re-blocks" — "both" from the worker's perspective
// means app→worker plus any other workers' completion pings are not
// applicable to a single worker; a single worker here only drains
// app→worker).
func (p *Plane) DrainWorkerJobsBlocking(handle func(a *atom.Atom)) {
	<-p.workerWake
	for {
		buf := p.AppToWorker.ReadRequest()
		if buf == nil {
			return
		}
		a, _, err := atom.Decode(buf, p.u)
		p.AppToWorker.ReadAdvance()
		if err != nil {
			if p.log != nil {
				p.log.Log(telemetry.ComponentWorker, telemetry.LevelWarn, 0, "decode error draining app->worker ring", nil)
			}
			continue
		}
		handle(a)
	}
}

func drain(v *varchunk.Varchunk, limit int, u *urid.Map, f func(a *atom.Atom)) int {
	n := 0
	for n < limit {
		buf := v.ReadRequest()
		if buf == nil {
			break
		}
		a, _, err := atom.Decode(buf, u)
		v.ReadAdvance()
		if err != nil {
			continue
		}
		f(a)
		n++
	}
	return n
}
