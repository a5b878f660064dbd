package player

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"sync"
	"time"
)

// Probe transfer sizes. A body shorter than MinProbeBytes is dominated by
// request overhead, so only its RTT is reported.
const (
	DefaultProbeBytes = 256 << 10
	MinProbeBytes     = 32 << 10
)

// ProbeOptions configures a ProbeConnection.
type ProbeOptions struct {
	// URL is probed when Target is nil or returns "".
	URL string
	// Target returns a preferred probe URL, typically the last media segment
	// fetched, which is large enough to time.
	Target   func() string
	Interval time.Duration
	Client   *http.Client
	Log      *slog.Logger
	// Bytes is the ranged transfer size per probe.
	Bytes int64
	// ChangeRatio is the relative downlink change reported as a change.
	ChangeRatio float64
}

// ProbeConnection measures the link to the origin by timing HTTP requests.
// It stands in for a browser's Network Information API.
type ProbeConnection struct {
	opts    ProbeOptions
	changes chan NetworkSample

	mu      sync.RWMutex
	current NetworkSample
}

var _ ConnectionInfo = (*ProbeConnection)(nil)

// NewProbeConnection returns a probe. Call Run to start measuring.
func NewProbeConnection(opts ProbeOptions) *ProbeConnection {
	if opts.Interval <= 0 {
		opts.Interval = 10 * time.Second
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: 15 * time.Second}
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if opts.ChangeRatio <= 0 {
		opts.ChangeRatio = 0.25
	}
	if opts.Bytes <= 0 {
		opts.Bytes = DefaultProbeBytes
	}
	return &ProbeConnection{opts: opts, changes: make(chan NetworkSample, 1), current: UnknownSample()}
}

// Supported implements ConnectionInfo.
func (p *ProbeConnection) Supported() bool { return p.opts.URL != "" }

// Current implements ConnectionInfo.
func (p *ProbeConnection) Current() NetworkSample {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current
}

// Changes implements ConnectionInfo.
func (p *ProbeConnection) Changes() <-chan NetworkSample { return p.changes }

// Run probes immediately and then every Interval until ctx ends.
func (p *ProbeConnection) Run(ctx context.Context) {
	if !p.Supported() {
		return
	}
	t := time.NewTicker(p.opts.Interval)
	defer t.Stop()
	for {
		p.probeOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

func (p *ProbeConnection) probeOnce(ctx context.Context) {
	s, err := p.Measure(ctx)
	if err != nil {
		if ctx.Err() == nil {
			p.opts.Log.Debug("connection probe failed", slog.String("error", err.Error()))
		}
		return
	}

	p.mu.Lock()
	prev := p.current
	p.current = s
	p.mu.Unlock()

	if materialChange(prev, s, p.opts.ChangeRatio) {
		// Keep only the newest pending change.
		select {
		case <-p.changes:
		default:
		}
		p.changes <- s
	}
}

// Measure performs one probe: a ranged GET of up to Bytes. RTT is the time
// to response headers. Downlink is the bytes received over the whole request
// and is left unknown when the body is under MinProbeBytes.
func (p *ProbeConnection) Measure(ctx context.Context) (NetworkSample, error) {
	url := p.opts.URL
	if p.opts.Target != nil {
		if t := p.opts.Target(); t != "" {
			url = t
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return NetworkSample{}, err
	}
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Range", fmt.Sprintf("bytes=0-%d", p.opts.Bytes-1))

	start := time.Now()
	resp, err := p.opts.Client.Do(req)
	if err != nil {
		return NetworkSample{}, err
	}
	defer resp.Body.Close()
	headers := time.Now()
	if resp.StatusCode >= 400 {
		return NetworkSample{}, fmt.Errorf("probe %s: status %d", url, resp.StatusCode)
	}
	n, err := io.Copy(io.Discard, io.LimitReader(resp.Body, p.opts.Bytes))
	if err != nil {
		return NetworkSample{}, err
	}
	end := time.Now()

	rttMs := float64(headers.Sub(start).Milliseconds())
	var downlink float64
	if n >= MinProbeBytes {
		downlink = roundTo(float64(n)*8/end.Sub(start).Seconds()/1_000_000, 3)
	}
	return NetworkSample{
		DownlinkMbps:  downlink,
		RTTMs:         rttMs,
		EffectiveType: EffectiveType(rttMs, downlink),
		Timestamp:     end,
	}, nil
}

func materialChange(prev, next NetworkSample, ratio float64) bool {
	if prev.EffectiveType != next.EffectiveType {
		return true
	}
	if prev.DownlinkMbps <= 0 {
		return next.DownlinkMbps > 0
	}
	return math.Abs(next.DownlinkMbps-prev.DownlinkMbps)/prev.DownlinkMbps >= ratio
}

func roundTo(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
