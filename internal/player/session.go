// Package player is a headless adaptive HLS player: rendition selection, an
// error-recovery state machine, network monitoring and playback stats.
package player

import (
	"fmt"
	"time"
)

// Mode is the playback state of a session.
type Mode int

const (
	ModeStartup Mode = iota
	ModePlaying
	ModePaused
	ModeBuffering
	ModeRecovering
	ModeFatal
)

func (m Mode) String() string {
	switch m {
	case ModeStartup:
		return "startup"
	case ModePlaying:
		return "playing"
	case ModePaused:
		return "paused"
	case ModeBuffering:
		return "buffering"
	case ModeRecovering:
		return "recovering"
	case ModeFatal:
		return "fatal"
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// AutoTier selects renditions from measured bandwidth.
const AutoTier = "auto"

// Level is one variant of a loaded master manifest.
type Level struct {
	Index      int    `json:"index"`
	Name       string `json:"name"`
	BitrateBps int    `json:"bitrate_bps"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
	URI        string `json:"uri"`
}

// Manifest is a parsed master manifest. Levels ascend by bitrate and Index
// matches the slice position.
type Manifest struct {
	URL    string
	Levels []Level
}

// Session is the state of one loaded source. Only the controller loop
// touches it; a new source gets a new Session.
type Session struct {
	ID       uint64
	URL      string
	Manifest *Manifest

	// CurrentTier is AutoTier or the operator's selection.
	CurrentTier  string
	CurrentLevel int
	NextLevel    int

	Position        float64
	BufferedSeconds float64
	LoadLatency     time.Duration
	LastError       error
	RetryCount      int
	Mode            Mode

	// wantPlay is the host's last play/pause intent.
	wantPlay bool
	// recovering is the class being recovered from while Mode is Recovering.
	recovering     ErrorClass
	retryScheduled bool
	cancelRetry    func()
	// pipelineGen increments on every rebuild; events of older pipelines are dropped.
	pipelineGen uint64
}

func newSession(id uint64, url string, opts LoadOptions) *Session {
	tier := opts.Quality
	if tier == "" {
		tier = AutoTier
	}
	return &Session{
		ID:           id,
		URL:          url,
		CurrentTier:  tier,
		CurrentLevel: -1,
		NextLevel:    -1,
		Position:     opts.StartPosition,
		Mode:         ModeStartup,
		wantPlay:     opts.Autoplay,
		recovering:   classNone,
	}
}

func (s *Session) level(i int) (Level, bool) {
	if s.Manifest == nil || i < 0 || i >= len(s.Manifest.Levels) {
		return Level{}, false
	}
	return s.Manifest.Levels[i], true
}

// SessionSnapshot is a read-only copy of the session for hosts and stats.
type SessionSnapshot struct {
	SessionID     uint64        `json:"session_id"`
	URL           string        `json:"url"`
	Mode          Mode          `json:"-"`
	ModeName      string        `json:"mode"`
	Tier          string        `json:"tier"`
	LevelIndex    int           `json:"level_index"`
	Level         string        `json:"level"`
	BitrateBps    int           `json:"bitrate_bps"`
	Levels        []Level       `json:"levels,omitempty"`
	Position      float64       `json:"position"`
	Buffered      float64       `json:"buffered"`
	LoadLatency   time.Duration `json:"load_latency"`
	BandwidthBps  float64       `json:"bandwidth_bps"`
	DroppedFrames int64         `json:"dropped_frames"`
	TotalFrames   int64         `json:"total_frames"`
	RetryCount    int           `json:"retry_count"`
	LastError     string        `json:"last_error,omitempty"`
}
