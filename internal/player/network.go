package player

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Effective connection types, as reported by the Network Information API.
const (
	EffectiveUnknown = "unknown"
	EffectiveSlow2G  = "slow-2g"
	Effective2G      = "2g"
	Effective3G      = "3g"
	Effective4G      = "4g"
)

// NetworkSample is one observation of link quality.
type NetworkSample struct {
	DownlinkMbps  float64   `json:"downlink_mbps"`
	EffectiveType string    `json:"effective_type"`
	RTTMs         float64   `json:"rtt_ms"`
	Timestamp     time.Time `json:"timestamp"`
}

// Known reports whether the sample carries a bandwidth figure.
func (s NetworkSample) Known() bool {
	return s.EffectiveType != EffectiveUnknown && s.DownlinkMbps > 0
}

// BandwidthBps converts the downlink estimate to bits/s.
func (s NetworkSample) BandwidthBps() float64 {
	return s.DownlinkMbps * 1_000_000
}

// UnknownSample is reported when the platform has no network-quality source.
func UnknownSample() NetworkSample {
	return NetworkSample{EffectiveType: EffectiveUnknown, Timestamp: time.Now()}
}

// EffectiveType classifies a link the way browsers do. A downlink <= 0 is
// unmeasured and only the RTT is used.
func EffectiveType(rttMs, downlinkMbps float64) string {
	measured := downlinkMbps > 0
	switch {
	case rttMs >= 2000 || (measured && downlinkMbps < 0.05):
		return EffectiveSlow2G
	case rttMs >= 1400 || (measured && downlinkMbps < 0.07):
		return Effective2G
	case rttMs >= 270 || (measured && downlinkMbps < 0.7):
		return Effective3G
	}
	return Effective4G
}

// ConnectionInfo is the host's optional network-quality capability.
type ConnectionInfo interface {
	Supported() bool
	Current() NetworkSample
	// Changes delivers a sample whenever the link changes materially.
	Changes() <-chan NetworkSample
}

// NoConnectionInfo is a ConnectionInfo for hosts without one.
type NoConnectionInfo struct{}

func (NoConnectionInfo) Supported() bool                { return false }
func (NoConnectionInfo) Current() NetworkSample         { return UnknownSample() }
func (NoConnectionInfo) Changes() <-chan NetworkSample { return nil }

// Monitor turns a ConnectionInfo into a stream of samples. Run may be called
// again after it returns, e.g. for a new session.
type Monitor struct {
	info ConnectionInfo
	log  *slog.Logger

	mu     sync.RWMutex
	latest NetworkSample
}

// NewMonitor returns a monitor over info. A nil info behaves as unsupported.
func NewMonitor(info ConnectionInfo, log *slog.Logger) *Monitor {
	if info == nil {
		info = NoConnectionInfo{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Monitor{info: info, log: log, latest: UnknownSample()}
}

// Latest returns the most recent sample.
func (m *Monitor) Latest() NetworkSample {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.latest
}

// Run delivers the current sample and then every change to out until ctx
// ends. An unsupported capability yields a single unknown sample.
func (m *Monitor) Run(ctx context.Context, out func(NetworkSample)) {
	if !m.info.Supported() {
		m.log.Debug("network information unavailable")
		m.deliver(UnknownSample(), out)
		<-ctx.Done()
		return
	}

	m.deliver(m.info.Current(), out)
	changes := m.info.Changes()
	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-changes:
			if !ok {
				<-ctx.Done()
				return
			}
			m.deliver(s, out)
		}
	}
}

func (m *Monitor) deliver(s NetworkSample, out func(NetworkSample)) {
	if s.Timestamp.IsZero() {
		s.Timestamp = time.Now()
	}
	m.mu.Lock()
	m.latest = s
	m.mu.Unlock()
	m.log.Debug("network sample",
		slog.String("effective_type", s.EffectiveType),
		slog.Float64("downlink_mbps", s.DownlinkMbps),
		slog.Float64("rtt_ms", s.RTTMs))
	if out != nil {
		out(s)
	}
}
