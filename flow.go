package duplex

import "sync/atomic"

// FlowController tracks whether the consumer is ready for more messages.
//
// The decoder pauses it when the consumer rejects a message; Resume clears
// the flag and posts a wake-up on Wake. The wake-up is serviced by the
// connection goroutine on its next turn, so Resume never runs the decode
// loop on the caller's stack.
type FlowController struct {
	paused  atomic.Bool
	halted  atomic.Bool
	resumes atomic.Uint64
	wake    chan struct{}
}

// NewFlowController returns a running (not paused) controller.
func NewFlowController() *FlowController {
	return &FlowController{wake: make(chan struct{}, 1)}
}

// Paused reports whether decoding is paused or halted.
func (f *FlowController) Paused() bool {
	return f.paused.Load() || f.halted.Load()
}

// Pause stops further decoding until Resume is called.
func (f *FlowController) Pause() {
	f.paused.Store(true)
}

// Resume clears the paused flag and schedules decoding to continue.
// It is safe to call at any time from any goroutine; calling it when not
// paused does nothing.
func (f *FlowController) Resume() {
	f.resumes.Add(1)
	if f.halted.Load() || !f.paused.CompareAndSwap(true, false) {
		return
	}
	select {
	case f.wake <- struct{}{}:
	default:
		// a wake-up is already pending
	}
}

// mark returns a token for pauseUnlessResumed.
func (f *FlowController) mark() uint64 {
	return f.resumes.Load()
}

// pauseUnlessResumed pauses unless Resume was called after mark was taken,
// so a Resume racing the consumer's rejection is not lost.
func (f *FlowController) pauseUnlessResumed(mark uint64) {
	f.paused.Store(true)
	if f.resumes.Load() != mark {
		f.paused.CompareAndSwap(true, false)
	}
}

// Wake delivers one value per effective Resume.
func (f *FlowController) Wake() <-chan struct{} {
	return f.wake
}

// Halt stops decoding for good. Resume has no effect afterwards.
// Anyone waiting on Wake is woken so it can observe the halt.
func (f *FlowController) Halt() {
	if f.halted.Swap(true) {
		return
	}
	select {
	case f.wake <- struct{}{}:
	default:
	}
}
