package transcode

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// Repository defines the concurrency-safe contract for job state. All tier
// completions of a job funnel through it, so status is always recomputed
// from the complete tier-result set.
type Repository interface {
	// CreateJob stores a new Pending job.
	CreateJob(job *TranscodeJob) error

	// MarkRunning moves a Pending job to Running.
	MarkRunning(id JobID) error

	// RecordTierResult stores the outcome of one tier. A nil encErr records
	// out as the tier's output; otherwise the error text is recorded as the
	// failure reason. Later results for the same tier replace earlier ones.
	// The returned snapshot reflects the job after the write.
	RecordTierResult(id JobID, tier string, out *RenditionOutput, encErr error) (*TranscodeJob, error)

	// RecordMirrorError notes that copying a published run elsewhere failed.
	// It does not change the status: the primary manifest is live.
	RecordMirrorError(id JobID, err error) error

	// Finalize sets the terminal status once every tier is resolved and the
	// manifest (if any) has been published. A publish error means the run was
	// discarded: the job is Failed and its outputs move to Failures.
	Finalize(id JobID, manifestPath string, publishErr error) (*TranscodeJob, error)

	// GetJob returns a copy of the job or ErrJobNotFound.
	GetJob(id JobID) (*TranscodeJob, error)

	// ActiveJobCount returns the number of jobs that are not terminal.
	ActiveJobCount() int
}

var (
	// ErrJobNotFound is returned for an unknown job id.
	ErrJobNotFound = errors.New("job not found")

	// ErrJobFinished is returned when mutating a terminal job.
	ErrJobFinished = errors.New("job already finished")

	// ErrJobUnresolved is returned by Finalize while tiers are still encoding.
	ErrJobUnresolved = errors.New("job has unresolved tiers")
)

// JobRepository is a concurrency-safe Repository on top of a Store.
type JobRepository struct {
	mu    sync.RWMutex
	store Store
	now   func() time.Time
}

// NewInMemoryRepository constructs a repository with a default in-memory store.
func NewInMemoryRepository() *JobRepository {
	return NewRepository(NewInMemoryStore())
}

// NewRepository constructs a repository that uses the given Store.
func NewRepository(store Store) *JobRepository {
	return &JobRepository{store: store, now: func() time.Time { return time.Now().UTC() }}
}

// CreateJob implements Repository.CreateJob.
func (r *JobRepository) CreateJob(job *TranscodeJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	j := job.Clone()
	j.Status = StatusPending
	if j.CreatedAt.IsZero() {
		j.CreatedAt = r.now()
	}
	return r.store.SetJob(j)
}

// MarkRunning implements Repository.MarkRunning.
func (r *JobRepository) MarkRunning(id JobID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, err := r.getLocked(id)
	if err != nil {
		return err
	}
	if j.Status.Terminal() {
		return ErrJobFinished
	}
	if j.Status == StatusPending {
		now := r.now()
		j.Status = StatusRunning
		j.StartedAt = &now
	}
	return r.store.SetJob(j)
}

// RecordTierResult implements Repository.RecordTierResult.
func (r *JobRepository) RecordTierResult(id JobID, tier string, out *RenditionOutput, encErr error) (*TranscodeJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, err := r.getLocked(id)
	if err != nil {
		return nil, err
	}
	if j.Status.Terminal() {
		return nil, ErrJobFinished
	}
	if _, ok := j.Ladder.Tier(tier); !ok {
		return nil, fmt.Errorf("%w: %q not in job ladder", ErrInvalidTier, tier)
	}

	delete(j.Outputs, tier)
	delete(j.Failures, tier)
	switch {
	case encErr != nil:
		j.Failures[tier] = encErr.Error()
	case out == nil:
		j.Failures[tier] = "encoder returned no output"
	default:
		j.Outputs[tier] = out
	}
	if j.Status == StatusPending {
		now := r.now()
		j.Status = StatusRunning
		j.StartedAt = &now
	}

	if err := r.store.SetJob(j); err != nil {
		return nil, err
	}
	return j.Clone(), nil
}

// Finalize implements Repository.Finalize.
func (r *JobRepository) Finalize(id JobID, manifestPath string, publishErr error) (*TranscodeJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, err := r.getLocked(id)
	if err != nil {
		return nil, err
	}
	if j.Status.Terminal() {
		return nil, ErrJobFinished
	}
	if !j.AllResolved() {
		return nil, ErrJobUnresolved
	}

	if publishErr != nil {
		j.PublishError = publishErr.Error()
		for name := range j.Outputs {
			j.Failures[name] = "discarded: " + j.PublishError
		}
		j.Outputs = make(map[string]*RenditionOutput)
	} else {
		j.ManifestPath = manifestPath
	}
	j.Status = j.OutcomeStatus()
	now := r.now()
	j.FinishedAt = &now

	if err := r.store.SetJob(j); err != nil {
		return nil, err
	}
	return j.Clone(), nil
}

// RecordMirrorError implements Repository.RecordMirrorError.
func (r *JobRepository) RecordMirrorError(id JobID, mirrorErr error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, err := r.getLocked(id)
	if err != nil {
		return err
	}
	if j.Status.Terminal() {
		return ErrJobFinished
	}
	j.MirrorError = mirrorErr.Error()
	return r.store.SetJob(j)
}

// GetJob implements Repository.GetJob.
func (r *JobRepository) GetJob(id JobID) (*TranscodeJob, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	j, err := r.getLocked(id)
	if err != nil {
		return nil, err
	}
	return j.Clone(), nil
}

// ActiveJobCount implements Repository.ActiveJobCount.
func (r *JobRepository) ActiveJobCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids, err := r.store.ListJobIDs()
	if err != nil {
		return 0
	}
	n := 0
	for _, id := range ids {
		if j, ok, err := r.store.GetJob(id); err == nil && ok && !j.Status.Terminal() {
			n++
		}
	}
	return n
}

// getLocked loads a job and guarantees its maps are allocated.
// Caller must hold r.mu.
func (r *JobRepository) getLocked(id JobID) (*TranscodeJob, error) {
	j, ok, err := r.store.GetJob(id)
	if err != nil {
		return nil, fmt.Errorf("load job %s: %w", id, err)
	}
	if !ok {
		return nil, ErrJobNotFound
	}
	if j.Outputs == nil {
		j.Outputs = make(map[string]*RenditionOutput)
	}
	if j.Failures == nil {
		j.Failures = make(map[string]string)
	}
	return j, nil
}
