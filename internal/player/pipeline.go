package player

import "time"

// Pipeline is the decoder binding. Methods must not block; outcomes are
// reported through the emit function the pipeline was built with. Only the
// controller loop calls these methods.
type Pipeline interface {
	LoadManifest(url string)
	// StartLoad (re)starts fragment loading for level at position.
	StartLoad(level int, position float64)
	// SetNextLevel switches level at the next fragment boundary; an
	// in-flight fragment is never discarded.
	SetNextLevel(level int)
	RecoverMediaError()
	Play() error
	Pause()
	// BandwidthEstimate returns the pipeline's smoothed throughput in bits/s.
	BandwidthEstimate() (bps float64, ok bool)
	Destroy()
}

// FrameCounter is implemented by pipelines that count decoded frames.
type FrameCounter interface {
	Frames() (dropped, total int64)
}

// BufferInfo is implemented by pipelines that know their forward buffer.
type BufferInfo interface {
	BufferedAhead() float64
}

// PipelineFactory builds a pipeline bound to one emit function.
type PipelineFactory func(emit func(Event)) Pipeline

// Scheduler runs f after d. The returned function cancels a pending call.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) (cancel func())
}

// RealScheduler uses wall-clock timers.
type RealScheduler struct{}

// AfterFunc implements Scheduler.
func (RealScheduler) AfterFunc(d time.Duration, f func()) func() {
	t := time.AfterFunc(d, f)
	return func() { t.Stop() }
}
