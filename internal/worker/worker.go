// Package worker implements the per-module worker driver of spec.md §4.12:
// one goroutine per worker-declaring module, connected to the RT thread by
// the app→worker and worker→app rings of internal/msgplane.
package worker

import (
	"audiorack/internal/module"
	"audiorack/internal/telemetry"
	"audiorack/internal/urid"
	"audiorack/internal/varchunk"
)

// Job is one unit of work scheduled by a plugin via schedule_work (spec.md
// §4.12), addressed to the module that owns the worker.
type Job struct {
	ModuleURN module.URN
	Data      []byte
}

// Response is the reply a worker produces for a completed Job, delivered
// back to the RT thread and applied via the module's WorkResponse callback
// (spec.md §4.12).
type Response struct {
	ModuleURN module.URN
	Data      []byte
}

// Driver runs one module's worker goroutine for its lifetime.
type Driver struct {
	m   *module.Module
	in  *varchunk.Varchunk // app -> this worker
	out *varchunk.Varchunk // this worker -> app
	u   *urid.Map
	log *telemetry.Logger

	wake chan struct{}
	kill chan struct{}
	done chan struct{}
}

// NewDriver starts a worker goroutine for m. ringCapacity sizes the two
// dedicated rings connecting it to the RT thread.
func NewDriver(m *module.Module, ringCapacity int, u *urid.Map, log *telemetry.Logger) *Driver {
	d := &Driver{
		m:    m,
		in:   varchunk.New(ringCapacity),
		out:  varchunk.New(ringCapacity),
		u:    u,
		log:  log,
		wake: make(chan struct{}, 1),
		kill: make(chan struct{}),
		done: make(chan struct{}),
	}
	go d.run()
	return d
}

// ScheduleWork is called from the RT thread (schedule_work in spec.md
// §4.12): it writes to app→worker and wakes the worker goroutine.
func (d *Driver) ScheduleWork(data []byte) bool {
	buf := d.in.WriteRequest(len(data))
	if buf == nil {
		if d.log != nil {
			d.log.Log(telemetry.ComponentWorker, telemetry.LevelWarn, uint32(d.m.URN), "work ring overflow, job dropped", nil)
		}
		return false
	}
	copy(buf, data)
	d.in.WriteAdvance(len(data))
	select {
	case d.wake <- struct{}{}:
	default:
	}
	return true
}

// DrainResponses is called at the top of run_pre on the RT thread (spec.md
// §4.8/§4.12): it pulls completed responses and applies each via
// WorkResponse, in the worker's production order, at most once per
// response (spec.md §8 invariant 7).
func (d *Driver) DrainResponses(limit int) int {
	n := 0
	for n < limit {
		buf := d.out.ReadRequest()
		if buf == nil {
			break
		}
		data := append([]byte(nil), buf...)
		d.out.ReadAdvance()
		d.m.Worker.WorkResponse(data)
		n++
	}
	return n
}

// EndRun is called once per block on worker-enabled modules after response
// draining (spec.md §4.12 "the RT thread calls end_run once per block").
func (d *Driver) EndRun() {
	// The teacher's scheduler invokes a post-step hook per active unit each
	// tick; worker plugins get the equivalent per-block hook here. Most
	// plugins have nothing to do in end_run, so this is a no-op unless the
	// instance itself tracks per-block state via WorkResponse.
}

// Shutdown sets kill and wakes the goroutine once to let it exit (spec.md
// §9 "atomically sets kill, wakes all workers, joins them").
func (d *Driver) Shutdown() {
	close(d.kill)
	select {
	case d.wake <- struct{}{}:
	default:
	}
	<-d.done
}

func (d *Driver) run() {
	defer close(d.done)
	for {
		select {
		case <-d.kill:
			return
		case <-d.wake:
		}
		for {
			select {
			case <-d.kill:
				return
			default:
			}
			buf := d.in.ReadRequest()
			if buf == nil {
				break
			}
			job := append([]byte(nil), buf...)
			d.in.ReadAdvance()
			resp := d.m.Worker.Work(job)
			if resp == nil {
				continue
			}
			out := d.out.WriteRequest(len(resp))
			if out == nil {
				if d.log != nil {
					d.log.Log(telemetry.ComponentWorker, telemetry.LevelWarn, uint32(d.m.URN), "response ring overflow, response dropped", nil)
				}
				continue
			}
			copy(out, resp)
			d.out.WriteAdvance(len(resp))
		}
	}
}
