package transcode

import "time"

// JobID identifies one transcode run. It also names the run's output directory.
type JobID string

// JobStatus is the lifecycle state of a TranscodeJob.
type JobStatus string

const (
	StatusPending         JobStatus = "Pending"
	StatusRunning         JobStatus = "Running"
	StatusPartiallyFailed JobStatus = "PartiallyFailed"
	StatusFailed          JobStatus = "Failed"
	StatusComplete        JobStatus = "Complete"
)

// Terminal reports whether no further transitions happen.
func (s JobStatus) Terminal() bool {
	switch s {
	case StatusComplete, StatusPartiallyFailed, StatusFailed:
		return true
	}
	return false
}

// SegmentRef is one media segment of a rendition. Path is relative to the
// rendition directory, exactly as written in the rendition playlist.
type SegmentRef struct {
	Index    int     `json:"index"`
	Path     string  `json:"path"`
	Duration float64 `json:"duration"`
}

// RenditionOutput is the result of a successful tier encode. It is written
// once and replaced wholesale by a later run, never edited.
type RenditionOutput struct {
	Tier                   RenditionTier `json:"tier"`
	SegmentDurationSeconds int           `json:"segment_duration_seconds"`
	Segments               []SegmentRef  `json:"segments"`
	Dir                    string        `json:"dir"`
	PlaylistPath           string        `json:"playlist_path"`
}

// TranscodeJob tracks one source through every tier of the ladder.
// Each tier name appears in exactly one of Outputs or Failures once resolved.
// Seq orders the jobs of one source by submission; a later job supersedes an
// earlier one.
type TranscodeJob struct {
	ID           JobID                       `json:"id"`
	SourceID     string                      `json:"source_id"`
	SourcePath   string                      `json:"source_path"`
	Seq          uint64                      `json:"seq"`
	Ladder       Ladder                      `json:"ladder"`
	Status       JobStatus                   `json:"status"`
	Outputs      map[string]*RenditionOutput `json:"outputs"`
	Failures     map[string]string           `json:"failures"`
	PublishError string                      `json:"publish_error,omitempty"`
	MirrorError  string                      `json:"mirror_error,omitempty"`
	ManifestPath string                      `json:"manifest_path,omitempty"`
	CreatedAt    time.Time                   `json:"created_at"`
	StartedAt    *time.Time                  `json:"started_at,omitempty"`
	FinishedAt   *time.Time                  `json:"finished_at,omitempty"`
}

// Resolved returns how many tiers have an outcome.
func (j *TranscodeJob) Resolved() int {
	return len(j.Outputs) + len(j.Failures)
}

// AllResolved reports whether every ladder tier has an outcome.
func (j *TranscodeJob) AllResolved() bool {
	return j.Resolved() >= len(j.Ladder)
}

// OutcomeStatus derives the terminal status from the full tier-result set.
// It is Running while any tier is unresolved.
func (j *TranscodeJob) OutcomeStatus() JobStatus {
	if !j.AllResolved() {
		return StatusRunning
	}
	switch {
	case len(j.Outputs) == 0:
		return StatusFailed
	case len(j.Failures) == 0:
		return StatusComplete
	default:
		return StatusPartiallyFailed
	}
}

// Clone returns a deep copy safe to hand to callers.
func (j *TranscodeJob) Clone() *TranscodeJob {
	if j == nil {
		return nil
	}
	c := *j
	c.Ladder = append(Ladder(nil), j.Ladder...)
	c.Outputs = make(map[string]*RenditionOutput, len(j.Outputs))
	for name, out := range j.Outputs {
		o := *out
		o.Segments = append([]SegmentRef(nil), out.Segments...)
		c.Outputs[name] = &o
	}
	c.Failures = make(map[string]string, len(j.Failures))
	for name, reason := range j.Failures {
		c.Failures[name] = reason
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		c.FinishedAt = &t
	}
	return &c
}
