// Package ramp implements the per-connection linear fade engine described in
// spec.md §4.9: connect/disconnect/preset-load/bypass are all staged through
// ramps rather than taking effect instantly, so audio never clicks.
//
// Per design note in spec.md §9 ("Ramp arithmetic"): envelopes are linear
// functions of a sample counter, never exponential smoothing, because the
// invariant "ramp completes in exactly N samples" is load-bearing for the
// block-boundary connection-removal logic in internal/engine
// (pruneCompletedDisconnects).
package ramp

// State is a connection's position in the ramp state machine (spec.md
// §4.9/§4.13): off/up/down/down-del/down-drain, plus the BLOCK terminal
// state used by preset-load-with-bypass (resolved from original_source's
// synthpod_app.c _bypass path, see SPEC_FULL.md §4).
type State int

const (
	Off State = iota
	Up
	Down
	DownDel
	DownDrain
	Block
)

func (s State) String() string {
	switch s {
	case Off:
		return "off"
	case Up:
		return "up"
	case Down:
		return "down"
	case DownDel:
		return "down-del"
	case DownDrain:
		return "down-drain"
	case Block:
		return "block"
	default:
		return "unknown"
	}
}

// DefaultDurationAt48k is the default ramp length in samples at a 48 kHz
// rate: sample_rate / 10, i.e. 100 ms, per spec.md §4.9 and original_source's
// hard-coded default.
const DefaultDurationAt48k = 48000 / 10

// Ramp tracks one connection's (or module's) fade envelope.
type Ramp struct {
	state    State
	elapsed  uint64 // samples advanced into the current ramp
	duration uint64 // ramp length in samples, as passed to New
}

// New creates a Ramp with the given duration in samples. A duration of 0
// selects DefaultDurationAt48k (4800 samples), which is 100 ms only at
// 48 kHz; New does not scale it to the actual sample rate.
func New(durationSamples uint64) *Ramp {
	if durationSamples == 0 {
		durationSamples = DefaultDurationAt48k
	}
	return &Ramp{state: Off, duration: durationSamples}
}

// State returns the current ramp state.
func (r *Ramp) State() State { return r.state }

// Done reports whether the ramp has reached a terminal, non-transitional
// state for its current direction (Off after a completed down-ramp removal,
// or full unity gain after an up-ramp).
func (r *Ramp) Done() bool {
	switch r.state {
	case Off:
		return true
	case Up:
		return r.elapsed >= r.duration
	default:
		return false
	}
}

// AtFloor reports whether a down-direction ramp (Down/DownDel/DownDrain) has
// reached silence — the counterpart to Done() for the down direction, used
// by callers that need to know when a down-ramp has finished without
// mutating it via Advance (spec.md §4.9: completed down-ramps drive
// connection removal / BLOCK entry at the next block boundary).
func (r *Ramp) AtFloor() bool {
	switch r.state {
	case Down, DownDel, DownDrain:
		return r.elapsed >= r.duration
	default:
		return false
	}
}

// StartUp begins (or restarts) an up-ramp from silence to unity gain —
// issued on connect.
func (r *Ramp) StartUp() {
	r.state = Up
	r.elapsed = 0
}

// StartDown begins a down-ramp to silence — issued on disconnect.
func (r *Ramp) StartDown() {
	r.state = Down
	r.elapsed = 0
}

// StartDownDel begins a down-ramp whose completion should additionally
// request removal of the owning connection (a disconnect that also tears
// down the connection once silent).
func (r *Ramp) StartDownDel() {
	r.state = DownDel
	r.elapsed = 0
}

// StartDownDrain begins a down-ramp after which the caller must additionally
// wait for a drain-complete response before entering BLOCK (used by
// preset-load on a needs_bypassing module, spec.md §4.9).
func (r *Ramp) StartDownDrain() {
	r.state = DownDrain
	r.elapsed = 0
}

// EnterBlock transitions to the terminal BLOCK state once a drain has been
// observed complete.
func (r *Ramp) EnterBlock() { r.state = Block }

// Reset clears the ramp back to Off (used once an up-ramp or drain sequence
// has fully resolved).
func (r *Ramp) Reset() {
	r.state = Off
	r.elapsed = 0
}

// Advance moves the ramp forward n samples and returns:
//   - gain: the envelope value to apply to the *last* sample in [0,n) (for
//     whole-block scalar use by the Control multiplexer)
//   - completed: whether the ramp's terminal sample was reached within this
//     block (the runner uses this to schedule connection removal or
//     BLOCK-state entry at the next block boundary, per spec.md §4.9)
func (r *Ramp) Advance(n uint64) (gain float32, completed bool) {
	switch r.state {
	case Off:
		return 0, false
	case Block:
		return 0, false
	case Up:
		r.elapsed += n
		if r.elapsed >= r.duration {
			r.elapsed = r.duration
			return 1.0, true
		}
		return float32(r.elapsed) / float32(r.duration), false
	case Down, DownDel, DownDrain:
		r.elapsed += n
		if r.elapsed >= r.duration {
			r.elapsed = r.duration
			return 0, true
		}
		return 1.0 - float32(r.elapsed)/float32(r.duration), false
	default:
		return 0, false
	}
}

// EnvelopeAt returns the instantaneous linear gain for sample index i
// (0-based) within the current ramp, without mutating ramp state — used by
// the multiplexer to apply a per-sample envelope across a block rather than
// one flat gain for the whole block (spec.md §8 scenario 4: sample[0] and
// sample[n] must both follow env(i) exactly).
func (r *Ramp) EnvelopeAt(i uint64) float32 {
	pos := r.elapsed + i
	switch r.state {
	case Up:
		if pos >= r.duration {
			return 1.0
		}
		return float32(pos) / float32(r.duration)
	case Down, DownDel, DownDrain:
		if pos >= r.duration {
			return 0
		}
		return 1.0 - float32(pos)/float32(r.duration)
	case Block, Off:
		return 0
	default:
		return 0
	}
}
