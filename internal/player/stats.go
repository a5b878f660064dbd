package player

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultStatsInterval is the sampling cadence of an Aggregator.
const DefaultStatsInterval = time.Second

// StatsSnapshot is one diagnostic sample of a playback session.
type StatsSnapshot struct {
	At            time.Time     `json:"at"`
	SessionID     uint64        `json:"session_id"`
	Mode          string        `json:"mode"`
	Tier          string        `json:"tier"`
	Level         string        `json:"level"`
	BitrateBps    int           `json:"bitrate_bps"`
	BandwidthBps  float64       `json:"bandwidth_bps"`
	Position      float64       `json:"position"`
	BufferAhead   float64       `json:"buffer_ahead"`
	LoadLatency   time.Duration `json:"load_latency_ns"`
	DroppedFrames int64         `json:"dropped_frames"`
	TotalFrames   int64         `json:"total_frames"`
	DropRate      float64       `json:"drop_rate"`
	RetryCount    int           `json:"retry_count"`
	LastError     string        `json:"last_error,omitempty"`
	Network       NetworkSample `json:"network"`
}

// SessionSource is satisfied by *Controller.
type SessionSource interface {
	Snapshot() SessionSnapshot
}

// NetworkSource is satisfied by *Monitor.
type NetworkSource interface {
	Latest() NetworkSample
}

// Aggregator samples a session on a fixed interval. It only reads.
type Aggregator struct {
	session  SessionSource
	network  NetworkSource
	interval time.Duration
	log      *slog.Logger

	mu     sync.RWMutex
	latest StatsSnapshot
	subs   map[int]func(StatsSnapshot)
	nextID int
}

// NewAggregator returns an aggregator. network may be nil.
func NewAggregator(session SessionSource, network NetworkSource, interval time.Duration, log *slog.Logger) *Aggregator {
	if interval <= 0 {
		interval = DefaultStatsInterval
	}
	if log == nil {
		log = slog.Default()
	}
	return &Aggregator{
		session:  session,
		network:  network,
		interval: interval,
		log:      log,
		subs:     make(map[int]func(StatsSnapshot)),
	}
}

// Subscribe registers fn for every sample and returns its cancel function.
func (a *Aggregator) Subscribe(fn func(StatsSnapshot)) func() {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := a.nextID
	a.nextID++
	a.subs[id] = fn
	return func() {
		a.mu.Lock()
		delete(a.subs, id)
		a.mu.Unlock()
	}
}

// Latest returns the last sample taken.
func (a *Aggregator) Latest() StatsSnapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.latest
}

// Run samples until ctx ends.
func (a *Aggregator) Run(ctx context.Context) error {
	t := time.NewTicker(a.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			a.Sample()
		}
	}
}

// Sample takes one sample, stores it and hands it to subscribers.
func (a *Aggregator) Sample() StatsSnapshot {
	s := a.session.Snapshot()
	st := StatsSnapshot{
		At:            time.Now(),
		SessionID:     s.SessionID,
		Mode:          s.ModeName,
		Tier:          s.Tier,
		Level:         s.Level,
		BitrateBps:    s.BitrateBps,
		BandwidthBps:  s.BandwidthBps,
		Position:      s.Position,
		BufferAhead:   max(s.Buffered, 0),
		LoadLatency:   s.LoadLatency,
		DroppedFrames: s.DroppedFrames,
		TotalFrames:   s.TotalFrames,
		RetryCount:    s.RetryCount,
		LastError:     s.LastError,
		Network:       UnknownSample(),
	}
	if s.TotalFrames > 0 {
		st.DropRate = float64(s.DroppedFrames) / float64(s.TotalFrames)
	}
	if a.network != nil {
		st.Network = a.network.Latest()
	}

	a.mu.Lock()
	a.latest = st
	subs := make([]func(StatsSnapshot), 0, len(a.subs))
	for _, fn := range a.subs {
		subs = append(subs, fn)
	}
	a.mu.Unlock()

	a.log.Debug("playback stats",
		slog.String("mode", st.Mode),
		slog.String("level", st.Level),
		slog.Float64("buffer_ahead", st.BufferAhead),
		slog.Duration("load_latency", st.LoadLatency),
		slog.Int64("dropped_frames", st.DroppedFrames),
		slog.Float64("bandwidth_bps", st.BandwidthBps))
	for _, fn := range subs {
		fn(st)
	}
	return st
}
