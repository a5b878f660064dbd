package player

import (
	"errors"
	"fmt"
	"time"
)

// EventKind is the closed set of pipeline notifications.
type EventKind int

const (
	EventManifestParsed EventKind = iota
	EventReady
	EventPlay
	EventPause
	EventTimeUpdate
	EventBuffering
	EventPlaying
	EventFragLoaded
	EventLevelSwitched
	EventEnded
	EventError
)

var eventNames = [...]string{
	"manifest_parsed", "ready", "play", "pause", "time_update",
	"buffering", "playing", "frag_loaded", "level_switched", "ended", "error",
}

func (k EventKind) String() string {
	if int(k) < len(eventNames) {
		return eventNames[k]
	}
	return fmt.Sprintf("event(%d)", int(k))
}

// Event is emitted by a Pipeline. The controller stamps the owning session
// and pipeline generation before queueing it.
type Event struct {
	Kind EventKind

	Manifest    *Manifest     // ManifestParsed
	Position    float64       // TimeUpdate, Ready
	Buffered    float64       // TimeUpdate, FragLoaded
	Level       int           // FragLoaded, LevelSwitched
	LoadLatency time.Duration // FragLoaded
	Bytes       int64         // FragLoaded
	Err         *PlaybackError

	session uint64
	gen     uint64
}

// ErrorClass decides the recovery action for a playback error.
type ErrorClass int

const (
	classNone ErrorClass = iota
	ClassNetwork
	ClassMedia
	ClassUnrecoverable
)

func (c ErrorClass) String() string {
	switch c {
	case ClassNetwork:
		return "network"
	case ClassMedia:
		return "media"
	case ClassUnrecoverable:
		return "unrecoverable"
	}
	return "none"
}

// PlaybackError is an error reported by a pipeline.
type PlaybackError struct {
	Class ErrorClass
	Err   error
}

func (e *PlaybackError) Error() string {
	return fmt.Sprintf("%s error: %v", e.Class, e.Err)
}

func (e *PlaybackError) Unwrap() error { return e.Err }

// NetworkError wraps err as a transient network failure.
func NetworkError(err error) *PlaybackError { return &PlaybackError{Class: ClassNetwork, Err: err} }

// MediaError wraps err as a recoverable decode failure.
func MediaError(err error) *PlaybackError { return &PlaybackError{Class: ClassMedia, Err: err} }

// UnrecoverableError wraps err as a failure that needs a pipeline rebuild.
func UnrecoverableError(err error) *PlaybackError {
	return &PlaybackError{Class: ClassUnrecoverable, Err: err}
}

// FatalMessage is shown to the user once recovery gives up.
const FatalMessage = "Unable to play this video. Please try again later."

// ErrFatal is reported to the host when the retry budget is exhausted.
var ErrFatal = errors.New(FatalMessage)

// FatalError carries the error that exhausted the retry budget.
type FatalError struct {
	Retries int
	Last    error
}

func (e *FatalError) Error() string { return FatalMessage }

func (e *FatalError) Unwrap() []error { return []error{ErrFatal, e.Last} }
