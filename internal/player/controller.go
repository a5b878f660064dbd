package player

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultRetryDelay is the pause before a pipeline rebuild.
	DefaultRetryDelay = 2 * time.Second
	// DefaultMaxRetries bounds pipeline rebuilds per session.
	DefaultMaxRetries = 3
)

// Listener receives lifecycle callbacks on the controller goroutine.
type Listener interface {
	OnReady(SessionSnapshot)
	OnPlay()
	OnPause()
	OnTimeUpdate(position, buffered float64)
	OnError(err error, fatal bool)
	OnModeChange(from, to Mode)
	OnEnded()
}

// ListenerFuncs adapts optional functions to a Listener.
type ListenerFuncs struct {
	Ready      func(SessionSnapshot)
	Play       func()
	Pause      func()
	TimeUpdate func(position, buffered float64)
	Error      func(err error, fatal bool)
	ModeChange func(from, to Mode)
	Ended      func()
}

func (l ListenerFuncs) OnReady(s SessionSnapshot) {
	if l.Ready != nil {
		l.Ready(s)
	}
}

func (l ListenerFuncs) OnPlay() {
	if l.Play != nil {
		l.Play()
	}
}

func (l ListenerFuncs) OnPause() {
	if l.Pause != nil {
		l.Pause()
	}
}

func (l ListenerFuncs) OnTimeUpdate(position, buffered float64) {
	if l.TimeUpdate != nil {
		l.TimeUpdate(position, buffered)
	}
}

func (l ListenerFuncs) OnError(err error, fatal bool) {
	if l.Error != nil {
		l.Error(err, fatal)
	}
}

func (l ListenerFuncs) OnModeChange(from, to Mode) {
	if l.ModeChange != nil {
		l.ModeChange(from, to)
	}
}

func (l ListenerFuncs) OnEnded() {
	if l.Ended != nil {
		l.Ended()
	}
}

// LoadOptions apply to one source.
type LoadOptions struct {
	Autoplay      bool
	StartPosition float64
	// Quality is AutoTier (default), a level name, or a kbps ceiling.
	Quality string
}

// ControllerOptions configures a Controller.
type ControllerOptions struct {
	Factory    PipelineFactory
	Scheduler  Scheduler
	RetryDelay time.Duration
	MaxRetries int
	Listener   Listener
	Log        *slog.Logger
}

// Controller owns the pipeline and the current Session. Every input
// (pipeline events, network samples, host commands, retry timers) goes
// through one queue drained by a single goroutine, so no two transitions
// run concurrently.
type Controller struct {
	factory    PipelineFactory
	sched      Scheduler
	retryDelay time.Duration
	maxRetries int
	listener   Listener
	log        *slog.Logger

	qmu     sync.Mutex
	pending []any
	notify  chan struct{}

	// Owned by the loop goroutine.
	session  *Session
	pipeline Pipeline
	nextID   uint64
	network  NetworkSample

	snapMu sync.RWMutex
	snap   SessionSnapshot
}

type (
	loadCmd struct {
		url  string
		opts LoadOptions
	}
	playCmd   struct{}
	pauseCmd  struct{}
	selectCmd struct{ quality string }
	retryFire struct {
		session uint64
		attempt int
	}
)

// NewController returns a controller. Call Run to start processing.
func NewController(opts ControllerOptions) *Controller {
	c := &Controller{
		factory:    opts.Factory,
		sched:      opts.Scheduler,
		retryDelay: opts.RetryDelay,
		maxRetries: opts.MaxRetries,
		listener:   opts.Listener,
		log:        opts.Log,
		notify:     make(chan struct{}, 1),
		network:    UnknownSample(),
	}
	if c.sched == nil {
		c.sched = RealScheduler{}
	}
	if c.retryDelay <= 0 {
		c.retryDelay = DefaultRetryDelay
	}
	if c.maxRetries <= 0 {
		c.maxRetries = DefaultMaxRetries
	}
	if c.listener == nil {
		c.listener = ListenerFuncs{}
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	c.snap = SessionSnapshot{Mode: ModeStartup, ModeName: ModeStartup.String(), LevelIndex: -1}
	return c
}

// Run processes queued input until ctx ends, then tears the session down.
func (c *Controller) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			c.teardown()
			c.publish()
			return nil
		case <-c.notify:
			c.drain()
		}
	}
}

// Load replaces the current source.
func (c *Controller) Load(url string, opts LoadOptions) { c.post(loadCmd{url: url, opts: opts}) }

// Play resumes playback. Before the first frame it records the intent.
func (c *Controller) Play() { c.post(playCmd{}) }

// Pause pauses playback.
func (c *Controller) Pause() { c.post(pauseCmd{}) }

// SelectTier pins a level ("480p" or "3000" kbps) or returns to AutoTier.
func (c *Controller) SelectTier(quality string) error {
	if quality == "" {
		return ErrUnknownTier
	}
	c.post(selectCmd{quality: quality})
	return nil
}

// NetworkSample feeds a Network Monitor sample to auto-selection.
func (c *Controller) NetworkSample(s NetworkSample) { c.post(s) }

// Snapshot returns the state as of the last processed input.
func (c *Controller) Snapshot() SessionSnapshot {
	c.snapMu.RLock()
	defer c.snapMu.RUnlock()
	s := c.snap
	s.Levels = append([]Level(nil), c.snap.Levels...)
	return s
}

func (c *Controller) post(msg any) {
	c.qmu.Lock()
	c.pending = append(c.pending, msg)
	c.qmu.Unlock()
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// drain handles queued input in arrival order, including input queued
// while draining.
func (c *Controller) drain() {
	for {
		c.qmu.Lock()
		if len(c.pending) == 0 {
			c.qmu.Unlock()
			return
		}
		msg := c.pending[0]
		c.pending[0] = nil
		c.pending = c.pending[1:]
		c.qmu.Unlock()

		c.handle(msg)
		c.publish()
	}
}

func (c *Controller) handle(msg any) {
	switch m := msg.(type) {
	case loadCmd:
		c.load(m.url, m.opts)
	case playCmd:
		c.play()
	case pauseCmd:
		c.pause()
	case selectCmd:
		c.selectTier(m.quality)
	case NetworkSample:
		c.network = m
		c.reselect()
	case retryFire:
		c.retry(m)
	case Event:
		c.handleEvent(m)
	}
}

func (c *Controller) load(url string, opts LoadOptions) {
	c.teardown()
	c.nextID++
	c.session = newSession(c.nextID, url, opts)
	c.log.Info("loading source", slog.Uint64("session", c.session.ID), slog.String("url", url), slog.String("quality", c.session.CurrentTier))
	c.buildPipeline()
	c.pipeline.LoadManifest(url)
}

// teardown releases the pipeline and any pending retry of the current
// session. Late events carry the old session id and are dropped.
func (c *Controller) teardown() {
	if c.session != nil && c.session.cancelRetry != nil {
		c.session.cancelRetry()
		c.session.cancelRetry = nil
	}
	if c.pipeline != nil {
		c.pipeline.Destroy()
		c.pipeline = nil
	}
}

func (c *Controller) buildPipeline() {
	s := c.session
	s.pipelineGen++
	id, gen := s.ID, s.pipelineGen
	c.pipeline = c.factory(func(ev Event) {
		ev.session = id
		ev.gen = gen
		c.post(ev)
	})
}

func (c *Controller) handleEvent(ev Event) {
	s := c.session
	if s == nil || ev.session != s.ID || ev.gen != s.pipelineGen || c.pipeline == nil {
		c.log.Debug("dropped stale event", slog.String("event", ev.Kind.String()), slog.Uint64("session", ev.session))
		return
	}

	switch ev.Kind {
	case EventManifestParsed:
		c.onManifest(ev.Manifest)
	case EventReady:
		if ev.Position > 0 {
			s.Position = ev.Position
		}
		c.onReady()
	case EventPlay:
		if s.Mode == ModePaused {
			c.setMode(ModePlaying)
			c.listener.OnPlay()
		}
	case EventPause:
		if s.Mode == ModePlaying || s.Mode == ModeBuffering {
			s.wantPlay = false
			c.setMode(ModePaused)
			c.listener.OnPause()
		}
	case EventTimeUpdate:
		s.Position = ev.Position
		s.BufferedSeconds = ev.Buffered
		c.listener.OnTimeUpdate(ev.Position, ev.Buffered)
	case EventBuffering:
		if s.Mode == ModePlaying {
			c.setMode(ModeBuffering)
		}
	case EventPlaying:
		switch s.Mode {
		case ModeBuffering:
			c.setMode(ModePlaying)
		case ModeRecovering:
			c.resume()
		}
	case EventFragLoaded:
		s.LoadLatency = ev.LoadLatency
		s.BufferedSeconds = ev.Buffered
		c.reselect()
	case EventLevelSwitched:
		if _, ok := s.level(ev.Level); ok {
			s.CurrentLevel = ev.Level
		}
	case EventEnded:
		s.wantPlay = false
		c.setMode(ModePaused)
		c.listener.OnEnded()
	case EventError:
		if ev.Err == nil {
			return
		}
		c.handleError(ev.Err)
	}
}

func (c *Controller) onManifest(m *Manifest) {
	s := c.session
	if m == nil || len(m.Levels) == 0 {
		c.handleError(UnrecoverableError(errors.New("manifest has no levels")))
		return
	}
	s.Manifest = m
	lvl := c.chooseLevel()
	s.CurrentLevel = lvl
	s.NextLevel = lvl
	l, _ := s.level(lvl)
	c.log.Info("manifest parsed",
		slog.Uint64("session", s.ID),
		slog.Int("levels", len(m.Levels)),
		slog.String("level", l.Name),
		slog.Float64("bandwidth_bps", c.bandwidth()))
	c.pipeline.StartLoad(lvl, s.Position)
}

func (c *Controller) onReady() {
	s := c.session
	switch s.Mode {
	case ModeStartup:
		c.listener.OnReady(c.snapshot())
		if s.wantPlay {
			err := c.pipeline.Play()
			if err == nil {
				c.setMode(ModePlaying)
				c.listener.OnPlay()
				return
			}
			c.log.Info("autoplay refused", slog.String("error", err.Error()))
			s.wantPlay = false
		}
		c.setMode(ModePaused)
	case ModeRecovering:
		c.resume()
	}
}

// resume leaves Recovering once data flows again. retryCount is kept.
func (c *Controller) resume() {
	s := c.session
	c.log.Info("recovered", slog.Uint64("session", s.ID), slog.String("from", s.recovering.String()), slog.Int("retry_count", s.RetryCount))
	s.recovering = classNone
	if err := c.pipeline.Play(); err != nil {
		c.log.Warn("resume play failed", slog.String("error", err.Error()))
	}
	s.wantPlay = true
	c.setMode(ModePlaying)
	c.listener.OnPlay()
}

func (c *Controller) play() {
	s := c.session
	if s == nil {
		return
	}
	s.wantPlay = true
	if s.Mode != ModePaused || c.pipeline == nil {
		return
	}
	if err := c.pipeline.Play(); err != nil {
		c.log.Warn("play failed", slog.String("error", err.Error()))
		return
	}
	c.setMode(ModePlaying)
	c.listener.OnPlay()
}

func (c *Controller) pause() {
	s := c.session
	if s == nil {
		return
	}
	s.wantPlay = false
	if s.Mode != ModePlaying && s.Mode != ModeBuffering {
		return
	}
	c.pipeline.Pause()
	c.setMode(ModePaused)
	c.listener.OnPause()
}

func (c *Controller) selectTier(quality string) {
	s := c.session
	if s == nil {
		return
	}
	if quality == AutoTier {
		s.CurrentTier = AutoTier
		c.reselect()
		return
	}
	if s.Manifest == nil {
		s.CurrentTier = quality
		return
	}
	lvl, err := ManualLevel(s.Manifest.Levels, quality)
	if err != nil {
		c.log.Warn("ignoring tier selection", slog.String("quality", quality), slog.String("error", err.Error()))
		return
	}
	s.CurrentTier = quality
	c.switchTo(lvl)
}

// chooseLevel returns the level for the current selection mode.
func (c *Controller) chooseLevel() int {
	s := c.session
	if s.CurrentTier != AutoTier {
		lvl, err := ManualLevel(s.Manifest.Levels, s.CurrentTier)
		if err == nil {
			return lvl
		}
		c.log.Warn("selected tier not in manifest, using auto", slog.String("quality", s.CurrentTier))
		s.CurrentTier = AutoTier
	}
	return SelectLevel(s.Manifest.Levels, c.bandwidth())
}

// reselect runs auto-selection and schedules a switch when it changes.
func (c *Controller) reselect() {
	s := c.session
	if s == nil || s.Manifest == nil || c.pipeline == nil || s.CurrentTier != AutoTier || s.Mode == ModeFatal {
		return
	}
	c.switchTo(SelectLevel(s.Manifest.Levels, c.bandwidth()))
}

func (c *Controller) switchTo(lvl int) {
	s := c.session
	if lvl < 0 || lvl == s.NextLevel || c.pipeline == nil {
		return
	}
	from, _ := s.level(s.NextLevel)
	to, _ := s.level(lvl)
	c.log.Info("switching level", slog.Uint64("session", s.ID), slog.String("from", from.Name), slog.String("to", to.Name))
	s.NextLevel = lvl
	c.pipeline.SetNextLevel(lvl)
}

// bandwidth prefers the pipeline's own throughput measurement.
func (c *Controller) bandwidth() float64 {
	if c.pipeline != nil {
		if bps, ok := c.pipeline.BandwidthEstimate(); ok && bps > 0 {
			return bps
		}
	}
	if c.network.Known() {
		return c.network.BandwidthBps()
	}
	return 0
}

func (c *Controller) handleError(perr *PlaybackError) {
	s := c.session
	s.LastError = perr
	if s.Mode == ModeFatal || s.retryScheduled {
		return
	}

	class := perr.Class
	if s.Mode == ModeRecovering && s.recovering == class && class != ClassUnrecoverable {
		c.log.Warn("repeated error while recovering, escalating", slog.String("class", class.String()))
		class = ClassUnrecoverable
	}
	c.log.Warn("playback error",
		slog.Uint64("session", s.ID),
		slog.String("class", class.String()),
		slog.String("error", perr.Error()),
		slog.Int("retry_count", s.RetryCount))

	switch class {
	case ClassNetwork:
		c.enterRecovering(ClassNetwork)
		if s.Manifest == nil {
			c.pipeline.LoadManifest(s.URL)
		} else {
			// StartLoad drops any switch the pipeline had pending.
			c.pipeline.StartLoad(s.CurrentLevel, s.Position)
			s.NextLevel = s.CurrentLevel
			c.switchTo(c.chooseLevel())
		}
		c.listener.OnError(perr, false)
	case ClassMedia:
		c.enterRecovering(ClassMedia)
		c.pipeline.RecoverMediaError()
		c.listener.OnError(perr, false)
	default:
		c.rebuild(perr)
	}
}

// rebuild destroys the pipeline and schedules a new one from the same
// manifest and position, within the retry budget.
func (c *Controller) rebuild(perr *PlaybackError) {
	s := c.session
	if c.pipeline != nil {
		c.pipeline.Destroy()
		c.pipeline = nil
	}
	s.pipelineGen++

	if s.RetryCount >= c.maxRetries {
		c.fatal(perr)
		return
	}
	s.RetryCount++
	c.enterRecovering(ClassUnrecoverable)
	s.retryScheduled = true
	id, attempt := s.ID, s.RetryCount
	s.cancelRetry = c.sched.AfterFunc(c.retryDelay, func() {
		c.post(retryFire{session: id, attempt: attempt})
	})
	c.log.Info("pipeline rebuild scheduled", slog.Uint64("session", s.ID), slog.Int("attempt", attempt), slog.Duration("delay", c.retryDelay))
	c.listener.OnError(perr, false)
}

func (c *Controller) retry(m retryFire) {
	s := c.session
	if s == nil || s.ID != m.session || !s.retryScheduled || m.attempt != s.RetryCount {
		return
	}
	s.retryScheduled = false
	s.cancelRetry = nil
	c.buildPipeline()
	c.pipeline.LoadManifest(s.URL)
}

func (c *Controller) fatal(last error) {
	s := c.session
	s.recovering = classNone
	c.setMode(ModeFatal)
	err := &FatalError{Retries: s.RetryCount, Last: last}
	s.LastError = err
	c.log.Error("playback failed", slog.Uint64("session", s.ID), slog.Int("retry_count", s.RetryCount), slog.String("error", last.Error()))
	c.listener.OnError(err, true)
}

func (c *Controller) enterRecovering(class ErrorClass) {
	c.session.recovering = class
	c.setMode(ModeRecovering)
}

func (c *Controller) setMode(m Mode) {
	s := c.session
	if s.Mode == m {
		return
	}
	from := s.Mode
	s.Mode = m
	c.log.Debug("mode change", slog.Uint64("session", s.ID), slog.String("from", from.String()), slog.String("to", m.String()))
	c.listener.OnModeChange(from, m)
}

func (c *Controller) snapshot() SessionSnapshot {
	s := c.session
	if s == nil {
		return SessionSnapshot{Mode: ModeStartup, ModeName: ModeStartup.String(), LevelIndex: -1}
	}
	snap := SessionSnapshot{
		SessionID:   s.ID,
		URL:         s.URL,
		Mode:        s.Mode,
		ModeName:    s.Mode.String(),
		Tier:        s.CurrentTier,
		LevelIndex:  s.CurrentLevel,
		Position:    s.Position,
		Buffered:    s.BufferedSeconds,
		LoadLatency: s.LoadLatency,
		RetryCount:  s.RetryCount,
	}
	if l, ok := s.level(s.CurrentLevel); ok {
		snap.Level = l.Name
		snap.BitrateBps = l.BitrateBps
	}
	if s.Manifest != nil {
		snap.Levels = append([]Level(nil), s.Manifest.Levels...)
	}
	if s.LastError != nil {
		snap.LastError = s.LastError.Error()
	}
	snap.BandwidthBps = c.bandwidth()
	if fc, ok := c.pipeline.(FrameCounter); ok {
		snap.DroppedFrames, snap.TotalFrames = fc.Frames()
	}
	if bi, ok := c.pipeline.(BufferInfo); ok {
		snap.Buffered = bi.BufferedAhead()
	}
	return snap
}

func (c *Controller) publish() {
	snap := c.snapshot()
	c.snapMu.Lock()
	c.snap = snap
	c.snapMu.Unlock()
}
