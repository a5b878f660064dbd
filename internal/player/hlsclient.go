package player

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/grafov/m3u8"
)

// tsSyncByte starts every MPEG-TS packet.
const tsSyncByte = 0x47

// HTTPOptions configures pipelines built by NewHTTPPipelineFactory.
type HTTPOptions struct {
	Client *http.Client
	// MaxBuffer is the forward buffer target in seconds of media.
	MaxBuffer float64
	// TickInterval is the playhead clock resolution.
	TickInterval time.Duration
	// FPS converts segment durations to frame counts.
	FPS float64
	// OnSegment, when set, is called with the URL of every segment fetched.
	OnSegment func(uri string)
	Log       *slog.Logger
}

// NewHTTPPipelineFactory returns a factory of pipelines that fetch HLS over
// HTTP. Pipelines built by one factory share a bandwidth estimator so a
// rebuild keeps its throughput history.
func NewHTTPPipelineFactory(opts HTTPOptions) PipelineFactory {
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.MaxBuffer <= 0 {
		opts.MaxBuffer = 30
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = 250 * time.Millisecond
	}
	if opts.FPS <= 0 {
		opts.FPS = 30
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	est := NewBandwidthEstimator()
	return func(emit func(Event)) Pipeline {
		return newHTTPPipeline(opts, est, emit)
	}
}

type segment struct {
	uri      string
	start    float64
	duration float64
}

// HTTPPipeline downloads and validates MPEG-TS segments and runs a playhead
// clock over the buffered range. It does not decode video.
type HTTPPipeline struct {
	opts HTTPOptions
	est  *BandwidthEstimator
	log  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	emitMu sync.Mutex
	emit   func(Event)
	closed bool

	clock     sync.Once
	recoverCh chan struct{}

	mu          sync.Mutex
	manifest    *Manifest
	loadCancel  context.CancelFunc
	level       int
	nextLevel   int
	playing     bool
	stalled     bool
	ended       bool
	mediaDone   bool
	playhead    float64
	bufferedEnd float64
	readySent   bool
	dropped     int64
	total       int64
}

var (
	_ Pipeline     = (*HTTPPipeline)(nil)
	_ FrameCounter = (*HTTPPipeline)(nil)
	_ BufferInfo   = (*HTTPPipeline)(nil)
)

func newHTTPPipeline(opts HTTPOptions, est *BandwidthEstimator, emit func(Event)) *HTTPPipeline {
	ctx, cancel := context.WithCancel(context.Background())
	return &HTTPPipeline{
		opts:      opts,
		est:       est,
		log:       opts.Log,
		ctx:       ctx,
		cancel:    cancel,
		emit:      emit,
		recoverCh: make(chan struct{}, 1),
	}
}

func (p *HTTPPipeline) send(events ...Event) {
	p.emitMu.Lock()
	defer p.emitMu.Unlock()
	if p.closed {
		return
	}
	for _, ev := range events {
		p.emit(ev)
	}
}

// sendFrom drops events of a load that has been superseded.
func (p *HTTPPipeline) sendFrom(ctx context.Context, events ...Event) {
	if ctx.Err() != nil {
		return
	}
	p.send(events...)
}

// LoadManifest implements Pipeline.
func (p *HTTPPipeline) LoadManifest(rawURL string) {
	go func() {
		m, perr := p.fetchManifest(p.ctx, rawURL)
		if perr != nil {
			p.sendFrom(p.ctx, Event{Kind: EventError, Err: perr})
			return
		}
		p.mu.Lock()
		p.manifest = m
		p.mu.Unlock()
		cp := *m
		cp.Levels = append([]Level(nil), m.Levels...)
		p.sendFrom(p.ctx, Event{Kind: EventManifestParsed, Manifest: &cp})
	}()
}

func (p *HTTPPipeline) fetchManifest(ctx context.Context, rawURL string) (*Manifest, *PlaybackError) {
	body, _, perr := p.get(ctx, rawURL)
	if perr != nil {
		return nil, perr
	}
	pl, kind, err := m3u8.DecodeFrom(bytes.NewReader(body), false)
	if err != nil {
		return nil, UnrecoverableError(fmt.Errorf("parse manifest %s: %w", rawURL, err))
	}

	m := &Manifest{URL: rawURL}
	switch kind {
	case m3u8.MEDIA:
		if media := pl.(*m3u8.MediaPlaylist); media.Count() > 0 {
			m.Levels = []Level{{Name: "source", URI: rawURL}}
		}
	case m3u8.MASTER:
		master := pl.(*m3u8.MasterPlaylist)
		for _, v := range master.Variants {
			if v == nil || v.Iframe {
				continue
			}
			uri, err := resolveURI(rawURL, v.URI)
			if err != nil {
				return nil, UnrecoverableError(err)
			}
			l := Level{BitrateBps: int(v.Bandwidth), URI: uri}
			fmt.Sscanf(v.Resolution, "%dx%d", &l.Width, &l.Height)
			l.Name = levelName(l, v.URI)
			m.Levels = append(m.Levels, l)
		}
	}
	if len(m.Levels) == 0 {
		return nil, UnrecoverableError(fmt.Errorf("manifest %s has no variants", rawURL))
	}
	sort.SliceStable(m.Levels, func(i, j int) bool { return m.Levels[i].BitrateBps < m.Levels[j].BitrateBps })
	for i := range m.Levels {
		m.Levels[i].Index = i
	}
	return m, nil
}

// levelName prefers "<height>p", then the rendition directory name.
func levelName(l Level, uri string) string {
	if l.Height > 0 {
		return fmt.Sprintf("%dp", l.Height)
	}
	if dir := path.Base(path.Dir(uri)); dir != "." && dir != "/" {
		return dir
	}
	return fmt.Sprintf("%dk", l.BitrateBps/1000)
}

func resolveURI(base, ref string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse %s: %w", base, err)
	}
	r, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("parse %s: %w", ref, err)
	}
	return b.ResolveReference(r).String(), nil
}

func (p *HTTPPipeline) get(ctx context.Context, rawURL string) ([]byte, time.Duration, *PlaybackError) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, 0, UnrecoverableError(err)
	}
	start := time.Now()
	resp, err := p.opts.Client.Do(req)
	if err != nil {
		return nil, 0, NetworkError(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		io.Copy(io.Discard, resp.Body)
		return nil, 0, NetworkError(fmt.Errorf("GET %s: status %d", rawURL, resp.StatusCode))
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, NetworkError(fmt.Errorf("read %s: %w", rawURL, err))
	}
	return body, time.Since(start), nil
}

func (p *HTTPPipeline) fetchSegments(ctx context.Context, rawURL string) ([]segment, *PlaybackError) {
	body, _, perr := p.get(ctx, rawURL)
	if perr != nil {
		return nil, perr
	}
	pl, kind, err := m3u8.DecodeFrom(bytes.NewReader(body), false)
	if err != nil {
		return nil, UnrecoverableError(fmt.Errorf("parse playlist %s: %w", rawURL, err))
	}
	if kind != m3u8.MEDIA {
		return nil, UnrecoverableError(fmt.Errorf("%s is not a media playlist", rawURL))
	}
	var segs []segment
	var at float64
	for _, s := range pl.(*m3u8.MediaPlaylist).Segments {
		if s == nil {
			break
		}
		uri, err := resolveURI(rawURL, s.URI)
		if err != nil {
			return nil, UnrecoverableError(err)
		}
		segs = append(segs, segment{uri: uri, start: at, duration: s.Duration})
		at += s.Duration
	}
	if len(segs) == 0 {
		return nil, UnrecoverableError(fmt.Errorf("playlist %s has no segments", rawURL))
	}
	return segs, nil
}

// segmentAt returns the index of the segment containing t.
func segmentAt(segs []segment, t float64) int {
	for i, s := range segs {
		if s.start+s.duration > t+1e-3 {
			return i
		}
	}
	return len(segs)
}

// StartLoad implements Pipeline.
func (p *HTTPPipeline) StartLoad(level int, position float64) {
	p.mu.Lock()
	if p.loadCancel != nil {
		p.loadCancel()
	}
	if p.manifest == nil || level < 0 || level >= len(p.manifest.Levels) {
		p.mu.Unlock()
		p.send(Event{Kind: EventError, Err: UnrecoverableError(fmt.Errorf("level %d not in manifest", level))})
		return
	}
	ctx, cancel := context.WithCancel(p.ctx)
	p.loadCancel = cancel
	p.level = level
	p.nextLevel = level
	p.playhead = position
	p.bufferedEnd = position
	p.ended = false
	p.mediaDone = false
	p.stalled = false
	p.mu.Unlock()

	// A stale recovery request must not skip a segment of the new load.
	select {
	case <-p.recoverCh:
	default:
	}
	p.clock.Do(func() { go p.runClock() })
	go p.load(ctx, level, position)
}

func (p *HTTPPipeline) levelURI(level int) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.manifest.Levels[level].URI
}

func (p *HTTPPipeline) load(ctx context.Context, level int, position float64) {
	segs, perr := p.fetchSegments(ctx, p.levelURI(level))
	if perr != nil {
		p.sendFrom(ctx, Event{Kind: EventError, Err: perr})
		return
	}
	i := segmentAt(segs, position)
	if i < len(segs) {
		p.mu.Lock()
		p.bufferedEnd = segs[i].start
		p.mu.Unlock()
	}
	announce := true

	for i < len(segs) {
		if !p.waitForRoom(ctx) {
			return
		}

		p.mu.Lock()
		next, at := p.nextLevel, p.bufferedEnd
		p.mu.Unlock()
		if next != level {
			nsegs, perr := p.fetchSegments(ctx, p.levelURI(next))
			if perr != nil {
				p.sendFrom(ctx, Event{Kind: EventError, Err: perr})
				return
			}
			segs, level, i = nsegs, next, segmentAt(nsegs, at)
			p.mu.Lock()
			p.level = level
			p.mu.Unlock()
			p.sendFrom(ctx, Event{Kind: EventLevelSwitched, Level: level})
			continue
		}

		seg := segs[i]
		body, took, perr := p.get(ctx, seg.uri)
		if ctx.Err() != nil {
			return
		}
		if perr == nil && (len(body) == 0 || body[0] != tsSyncByte) {
			perr = MediaError(fmt.Errorf("segment %s is not MPEG-TS", seg.uri))
		}
		if perr != nil {
			p.sendFrom(ctx, Event{Kind: EventError, Err: perr})
			if perr.Class != ClassMedia {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-p.recoverCh:
			}
			p.log.Debug("skipping undecodable segment", slog.String("uri", seg.uri))
			frames := p.frames(seg.duration)
			p.mu.Lock()
			p.bufferedEnd = seg.start + seg.duration
			p.dropped += frames
			p.total += frames
			p.mu.Unlock()
			announce = true
			i++
			continue
		}

		p.est.Sample(took, int64(len(body)))
		if p.opts.OnSegment != nil {
			p.opts.OnSegment(seg.uri)
		}
		p.mu.Lock()
		p.bufferedEnd = seg.start + seg.duration
		p.total += p.frames(seg.duration)
		ahead := p.bufferedEnd - p.playhead
		playhead := p.playhead
		first := !p.readySent
		p.readySent = true
		p.mu.Unlock()

		events := []Event{{Kind: EventFragLoaded, Level: level, LoadLatency: took, Bytes: int64(len(body)), Buffered: max(ahead, 0)}}
		switch {
		case first:
			events = append(events, Event{Kind: EventReady, Position: playhead})
		case announce:
			events = append(events, Event{Kind: EventPlaying})
		}
		announce = false
		p.sendFrom(ctx, events...)
		i++
	}

	p.mu.Lock()
	p.mediaDone = true
	p.mu.Unlock()
}

// waitForRoom blocks while the forward buffer is full.
func (p *HTTPPipeline) waitForRoom(ctx context.Context) bool {
	for {
		p.mu.Lock()
		full := p.bufferedEnd-p.playhead >= p.opts.MaxBuffer
		p.mu.Unlock()
		if !full {
			return ctx.Err() == nil
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(p.opts.TickInterval):
		}
	}
}

func (p *HTTPPipeline) frames(seconds float64) int64 {
	return int64(math.Round(seconds * p.opts.FPS))
}

func (p *HTTPPipeline) runClock() {
	t := time.NewTicker(p.opts.TickInterval)
	defer t.Stop()
	last := time.Now()
	for {
		select {
		case <-p.ctx.Done():
			return
		case now := <-t.C:
			p.advance(now.Sub(last).Seconds())
			last = now
		}
	}
}

// advance moves the playhead by elapsed seconds of buffered media.
func (p *HTTPPipeline) advance(elapsed float64) {
	var events []Event
	p.mu.Lock()
	if p.playing && p.manifest != nil {
		ahead := p.bufferedEnd - p.playhead
		switch {
		case ahead <= 0 && p.mediaDone:
			p.playing = false
			p.ended = true
			events = append(events, Event{Kind: EventEnded})
		case ahead <= 0:
			if !p.stalled {
				p.stalled = true
				events = append(events, Event{Kind: EventBuffering})
			}
		default:
			if p.stalled {
				p.stalled = false
				events = append(events, Event{Kind: EventPlaying})
			}
			if elapsed >= ahead {
				p.playhead = p.bufferedEnd
			} else {
				p.playhead += elapsed
			}
			events = append(events, Event{Kind: EventTimeUpdate, Position: p.playhead, Buffered: p.bufferedEnd - p.playhead})
		}
	}
	p.mu.Unlock()
	p.send(events...)
}

// SetNextLevel implements Pipeline.
func (p *HTTPPipeline) SetNextLevel(level int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.manifest != nil && level >= 0 && level < len(p.manifest.Levels) {
		p.nextLevel = level
	}
}

// RecoverMediaError skips the segment that failed validation.
func (p *HTTPPipeline) RecoverMediaError() {
	select {
	case p.recoverCh <- struct{}{}:
	default:
	}
}

var errDestroyed = errors.New("pipeline destroyed")

// Play implements Pipeline.
func (p *HTTPPipeline) Play() error {
	if p.ctx.Err() != nil {
		return errDestroyed
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ended {
		return nil
	}
	p.playing = true
	return nil
}

// Pause implements Pipeline.
func (p *HTTPPipeline) Pause() {
	p.mu.Lock()
	p.playing = false
	p.mu.Unlock()
}

// BandwidthEstimate implements Pipeline.
func (p *HTTPPipeline) BandwidthEstimate() (float64, bool) { return p.est.Estimate() }

// Frames implements FrameCounter.
func (p *HTTPPipeline) Frames() (dropped, total int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dropped, p.total
}

// BufferedAhead implements BufferInfo.
func (p *HTTPPipeline) BufferedAhead() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return max(p.bufferedEnd-p.playhead, 0)
}

// Destroy stops all loading. No event is emitted once it returns.
func (p *HTTPPipeline) Destroy() {
	p.emitMu.Lock()
	p.closed = true
	p.emitMu.Unlock()
	p.cancel()
}
