// Package parallel implements the work-stealing dsp_master runner of
// spec.md §4.7: structured fork-join over the module graph using atomic
// per-module reference counts as a dependency gate, with a parked slave
// pool woken once per block.
package parallel

import (
	"sync"
	"sync/atomic"

	"audiorack/internal/automation"
	"audiorack/internal/graph"
	"audiorack/internal/module"
	"audiorack/internal/port"
	"audiorack/internal/urid"
)

// claimed is the sentinel RefCount value marking a module as claimed by a
// thread (spec.md §4.7 step 3: "CAS each ref_count from 0 to -1").
const claimed = -1

// downstream precomputes, per module index, the list of modules that
// depend on it — rebuilt whenever the graph topology changes.
type downstream = [][]int

// Runner drives blocks across N slave goroutines plus the calling
// (master) goroutine, switching to serial execution per spec.md §4.6's
// switchover rule when concurrency doesn't justify the coordination cost.
type Runner struct {
	g    *graph.Graph
	auto *automation.Mapper
	u    *urid.Map

	numSlaves int
	wake      []chan struct{} // one per slave, posted each block
	slaveDone sync.WaitGroup
	kill      int32 // atomic

	refMasterCount int32 // atomic: slaves remaining + 1, decremented to 0 to finalize

	// lastDown/lastNsamples/lastObserve let a parked slave, woken by
	// RunBlock, recover the parameters of the in-flight block without a
	// dedicated channel payload: both are written by the master before a
	// wake and read by slaves only after that same wake, so the channel
	// send/receive in RunBlock/slaveLoop establishes the happens-before
	// relation.
	lastDown      downstream
	lastNsamples  int
	lastObserve   func(m *module.Module, elapsed float64)
}

// New creates a Runner with numSlaves background goroutines parked on
// their own semaphores (spec.md §4.7: "no spinning when the graph is
// idle").
func New(g *graph.Graph, auto *automation.Mapper, u *urid.Map, numSlaves int) *Runner {
	r := &Runner{g: g, auto: auto, u: u, numSlaves: numSlaves}
	r.wake = make([]chan struct{}, numSlaves)
	for i := range r.wake {
		r.wake[i] = make(chan struct{}, 1)
	}
	return r
}

// Start launches the slave goroutines. Call once at engine init.
func (r *Runner) Start() {
	for i := 0; i < r.numSlaves; i++ {
		r.slaveDone.Add(1)
		go r.slaveLoop(i)
	}
}

// Stop sets kill and wakes every slave once so they can exit (spec.md §4.7
// "on teardown, kill is set and one final wake posts release them").
func (r *Runner) Stop() {
	atomic.StoreInt32(&r.kill, 1)
	for _, ch := range r.wake {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	r.slaveDone.Wait()
}

// ShouldRunParallel implements the switchover rule of spec.md §4.6: "run
// serial iff (concurrency estimate ≤ 1) OR (num_slaves = 0); otherwise
// parallel."
func (r *Runner) ShouldRunParallel() bool {
	return r.numSlaves > 0 && r.g.ConcurrencyEstimate > 1
}

func (r *Runner) slaveLoop(idx int) {
	defer r.slaveDone.Done()
	for {
		<-r.wake[idx]
		if atomic.LoadInt32(&r.kill) != 0 {
			return
		}
		r.spin()
		atomic.AddInt32(&r.refMasterCount, -1)
	}
}

// RunBlock arms every module's RefCount, wakes the slaves, spins alongside
// them, and returns once every module has completed (spec.md §4.7 steps
// 1-4). It runs no post-phase: unlike the serial runner, it emits no
// subscribed-output transfers.
func (r *Runner) RunBlock(nsamples int, observeElapsed func(m *module.Module, elapsed float64)) {
	down := r.buildDownstream()
	r.arm(down)

	r.lastDown = down
	r.lastNsamples = nsamples
	r.lastObserve = observeElapsed

	atomic.StoreInt32(&r.refMasterCount, int32(r.numSlaves)+1)
	for _, ch := range r.wake {
		select {
		case ch <- struct{}{}:
		default:
		}
	}

	r.runModules(down, nsamples, observeElapsed)
	atomic.AddInt32(&r.refMasterCount, -1)

	for atomic.LoadInt32(&r.refMasterCount) > 0 {
		// Busy-wait per spec.md §4.7 step 4: "master busy-waits on
		// ref_count_master == 0". Go provides no native spin-wait
		// primitive, so a runtime.Gosched-free tight loop mirrors the
		// same real-time-thread expectation (never descheduled onto a
		// blocking syscall).
	}
}

func (r *Runner) buildDownstream() downstream {
	n := len(r.g.Modules)
	down := make(downstream, n)
	for _, e := range r.g.Edges {
		if e.SrcModule == e.SnkModule {
			continue
		}
		down[e.SrcModule] = append(down[e.SrcModule], e.SnkModule)
	}
	return down
}

func (r *Runner) arm(down downstream) {
	for i := range r.g.Modules {
		count := int32(len(r.g.SourceModules(i)))
		atomic.StoreInt32(&r.g.Modules[i].RefCount, count)
	}
}

// runModules is the spin body shared by the master and every slave: each
// participant repeatedly sweeps the module list, claims any module whose
// RefCount has reached 0 via CAS, runs it, and releases its downstream
// dependents (spec.md §4.7 step 3).
func (r *Runner) runModules(down downstream, nsamples int, observeElapsed func(m *module.Module, elapsed float64)) {
	r.spinModules(down, nsamples, observeElapsed)
}

func (r *Runner) spin() {
	r.runModules(r.lastDown, r.lastNsamples, r.lastObserve)
}

func (r *Runner) spinModules(down downstream, nsamples int, observeElapsed func(m *module.Module, elapsed float64)) {
	n := len(r.g.Modules)
	for {
		progressed := false
		pending := false
		for i := 0; i < n; i++ {
			m := r.g.Modules[i]
			if !atomic.CompareAndSwapInt32(&m.RefCount, 0, claimed) {
				if atomic.LoadInt32(&m.RefCount) >= 0 {
					pending = true
				}
				continue
			}
			progressed = true
			runOneModule(m, r.auto, r.u, nsamples, observeElapsed)
			for _, dst := range down[i] {
				atomic.AddInt32(&r.g.Modules[dst].RefCount, -1)
			}
		}
		if !progressed && !pending {
			return
		}
	}
}

func runOneModule(m *module.Module, auto *automation.Mapper, u *urid.Map, nsamples int, observeElapsed func(m *module.Module, elapsed float64)) {
	for _, p := range m.Ports {
		if p.Direction == port.Input {
			p.Multiplex(nsamples, u)
		}
	}
	if m.Flags.Disabled || m.Flags.Bypassed {
		return
	}
	auto.Apply(m, nsamples)
	m.Instance.Run(nsamples)
	if observeElapsed != nil {
		observeElapsed(m, 0)
	}
}
