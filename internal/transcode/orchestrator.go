package transcode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

// ErrInvalidSourceID is returned for source ids that cannot name a directory.
var ErrInvalidSourceID = errors.New("invalid source id")

var sourceIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// Config is the explicit pipeline configuration handed to an Orchestrator.
type Config struct {
	Ladder         Ladder
	OutputRoot     string
	SegmentSeconds int
	// MaxConcurrent caps running encodes across all jobs.
	MaxConcurrent int
	KeepRuns      int
}

// DefaultMaxConcurrent is NumCPU capped at 4.
func DefaultMaxConcurrent() int {
	return min(runtime.NumCPU(), 4)
}

// Observer receives pipeline measurements. *metrics.Metrics satisfies it.
type Observer interface {
	ObserveJob(status string)
	ObserveEncode(tier string, ok bool, d time.Duration)
	IncManifestsPublished()
	EncodeStarted()
	EncodeFinished()
}

type nopObserver struct{}

func (nopObserver) ObserveJob(string)                          {}
func (nopObserver) ObserveEncode(string, bool, time.Duration) {}
func (nopObserver) IncManifestsPublished()                     {}
func (nopObserver) EncodeStarted()                             {}
func (nopObserver) EncodeFinished()                            {}

// Deps are the collaborators of an Orchestrator. The first publisher is the
// primary: its location is recorded on the job and its failure fails the job.
// The rest mirror a run only after the primary published it, and their
// failures are recorded without changing the job status.
type Deps struct {
	Encoder    Encoder
	Repo       Repository
	Publishers []Publisher
	Observer   Observer
	Log        *slog.Logger
}

// Orchestrator fans a source out over every ladder tier and publishes the
// master manifest once all tiers are resolved.
type Orchestrator struct {
	cfg        Config
	enc        Encoder
	repo       Repository
	publishers []Publisher
	obs        Observer
	log        *slog.Logger
	sem        *semaphore.Weighted

	mu      sync.Mutex
	sources map[string]*sourceRuns

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewOrchestrator validates cfg and applies defaults.
func NewOrchestrator(cfg Config, deps Deps) (*Orchestrator, error) {
	if len(cfg.Ladder) == 0 {
		cfg.Ladder = DefaultLadder()
	}
	if err := cfg.Ladder.Validate(); err != nil {
		return nil, err
	}
	cfg.Ladder = cfg.Ladder.Sorted()
	if cfg.OutputRoot == "" {
		return nil, errors.New("output root is required")
	}
	if cfg.SegmentSeconds <= 0 {
		cfg.SegmentSeconds = DefaultSegmentSeconds
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent()
	}
	if cfg.KeepRuns <= 0 {
		cfg.KeepRuns = DefaultKeepRuns
	}
	if deps.Encoder == nil {
		return nil, errors.New("encoder is required")
	}
	if len(deps.Publishers) == 0 {
		return nil, errors.New("at least one publisher is required")
	}
	if deps.Repo == nil {
		deps.Repo = NewInMemoryRepository()
	}
	if deps.Observer == nil {
		deps.Observer = nopObserver{}
	}
	if deps.Log == nil {
		deps.Log = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		cfg:        cfg,
		enc:        deps.Encoder,
		repo:       deps.Repo,
		publishers: deps.Publishers,
		obs:        deps.Observer,
		log:        deps.Log,
		sem:        semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		sources:    make(map[string]*sourceRuns),
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// Config returns the effective configuration.
func (o *Orchestrator) Config() Config { return o.cfg }

// Repo returns the job repository.
func (o *Orchestrator) Repo() Repository { return o.repo }

// Transcode runs a job to completion and returns its terminal snapshot.
func (o *Orchestrator) Transcode(ctx context.Context, sourceID, sourcePath string) (*TranscodeJob, error) {
	job, err := o.createJob(sourceID, sourcePath)
	if err != nil {
		return nil, err
	}
	o.run(ctx, job)
	return o.repo.GetJob(job.ID)
}

// Submit accepts a job and runs it in the background. The returned snapshot
// is Pending. Cancelling ctx does not stop the job; Close does.
func (o *Orchestrator) Submit(ctx context.Context, sourceID, sourcePath string) (*TranscodeJob, error) {
	if err := o.ctx.Err(); err != nil {
		return nil, fmt.Errorf("orchestrator closed: %w", err)
	}
	job, err := o.createJob(sourceID, sourcePath)
	if err != nil {
		return nil, err
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.run(o.ctx, job)
	}()
	return job.Clone(), nil
}

// Wait blocks until every submitted job has finished.
func (o *Orchestrator) Wait() { o.wg.Wait() }

// Close cancels running encodes and waits for background jobs to finalize.
func (o *Orchestrator) Close() {
	o.cancel()
	o.wg.Wait()
}

func (o *Orchestrator) createJob(sourceID, sourcePath string) (*TranscodeJob, error) {
	if !sourceIDPattern.MatchString(sourceID) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSourceID, sourceID)
	}
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	job := &TranscodeJob{
		ID:         JobID(id.String()),
		SourceID:   sourceID,
		SourcePath: sourcePath,
		Seq:        o.source(sourceID).next(),
		Ladder:     append(Ladder(nil), o.cfg.Ladder...),
		Status:     StatusPending,
		Outputs:    make(map[string]*RenditionOutput),
		Failures:   make(map[string]string),
		CreatedAt:  time.Now().UTC(),
	}
	if err := o.repo.CreateJob(job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	return job, nil
}

// RunDir is where a job's renditions are written.
func (o *Orchestrator) RunDir(job *TranscodeJob) string {
	return filepath.Join(o.cfg.OutputRoot, job.SourceID, filepath.FromSlash(RunPrefix(job.ID)))
}

func (o *Orchestrator) run(ctx context.Context, job *TranscodeJob) {
	log := o.log.With("job_id", job.ID, "source_id", job.SourceID)
	log.Info("transcode started", "source", job.SourcePath, "tiers", len(job.Ladder))

	if err := o.repo.MarkRunning(job.ID); err != nil {
		log.Error("mark running failed", "error", err)
	}

	runDir := o.RunDir(job)
	var wg sync.WaitGroup
	for _, tier := range job.Ladder {
		wg.Add(1)
		go func(tier RenditionTier) {
			defer wg.Done()
			out, err := o.encodeTier(ctx, job.SourcePath, tier, runDir)
			if err != nil {
				log.Warn("tier failed", "tier", tier.Name, "error", err)
			}
			snap, rerr := o.repo.RecordTierResult(job.ID, tier.Name, out, err)
			if rerr != nil {
				log.Error("record tier result failed", "tier", tier.Name, "error", rerr)
				return
			}
			log.Debug("tier resolved", "tier", tier.Name, "resolved", snap.Resolved(), "of", len(snap.Ladder))
		}(tier)
	}
	wg.Wait()

	snap, err := o.repo.GetJob(job.ID)
	if err != nil {
		log.Error("load job failed", "error", err)
		return
	}

	var location string
	var publishErr error
	if len(snap.Outputs) > 0 {
		var mirrorErr error
		location, mirrorErr, publishErr = o.publish(ctx, snap)
		switch {
		case errors.Is(publishErr, ErrSuperseded):
			log.Info("newer run already published, discarding this run")
		case publishErr != nil:
			log.Error("publish failed, discarding this run", "error", publishErr)
		}
		if publishErr != nil {
			o.removeRun(log, runDir)
		}
		if mirrorErr != nil {
			log.Warn("mirror failed", "error", mirrorErr)
			if err := o.repo.RecordMirrorError(job.ID, mirrorErr); err != nil {
				log.Error("record mirror error failed", "error", err)
			}
		}
	} else {
		o.removeRun(log, runDir)
	}

	final, err := o.repo.Finalize(job.ID, location, publishErr)
	if err != nil {
		log.Error("finalize failed", "error", err)
		return
	}
	o.obs.ObserveJob(string(final.Status))

	attrs := []any{"status", final.Status, "succeeded", len(final.Outputs), "failed", len(final.Failures)}
	if final.ManifestPath != "" {
		attrs = append(attrs, "manifest", final.ManifestPath)
	}
	if final.PublishError != "" {
		attrs = append(attrs, "publish_error", final.PublishError)
	}
	if final.MirrorError != "" {
		attrs = append(attrs, "mirror_error", final.MirrorError)
	}
	log.Info("transcode finished", attrs...)
}

// encodeTier holds a pool slot only while the encoder runs.
func (o *Orchestrator) encodeTier(ctx context.Context, src string, tier RenditionTier, runDir string) (*RenditionOutput, error) {
	if err := o.sem.Acquire(ctx, 1); err != nil {
		return nil, &EncodeError{Tier: tier.Name, Kind: KindCanceled, Err: err}
	}
	o.obs.EncodeStarted()
	start := time.Now()
	out, err := o.enc.Encode(ctx, src, tier, runDir)
	o.sem.Release(1)
	o.obs.EncodeFinished()
	o.obs.ObserveEncode(tier.Name, err == nil, time.Since(start))
	return out, err
}

// publish runs the primary publisher and then the mirrors. Publishing is
// serialized per source so mirrors see runs in the order the primary did.
func (o *Orchestrator) publish(ctx context.Context, job *TranscodeJob) (location string, mirrorErr, err error) {
	m, err := BuildMasterManifest(job)
	if err != nil {
		return "", nil, err
	}
	src := o.source(job.SourceID)
	src.publish.Lock()
	defer src.publish.Unlock()

	location, err = o.publishers[0].Publish(ctx, job, m)
	if err != nil {
		return "", nil, err
	}
	o.obs.IncManifestsPublished()

	var errs []error
	for _, p := range o.publishers[1:] {
		if _, err := p.Publish(ctx, job, m); err != nil {
			errs = append(errs, err)
		}
	}
	return location, errors.Join(errs...), nil
}

// sourceRuns is per-source bookkeeping shared by every job of a source.
type sourceRuns struct {
	seq     atomic.Uint64
	publish sync.Mutex
}

func (r *sourceRuns) next() uint64 { return r.seq.Add(1) }

func (o *Orchestrator) source(sourceID string) *sourceRuns {
	o.mu.Lock()
	defer o.mu.Unlock()
	r, ok := o.sources[sourceID]
	if !ok {
		r = &sourceRuns{}
		o.sources[sourceID] = r
	}
	return r
}

func (o *Orchestrator) removeRun(log *slog.Logger, runDir string) {
	if err := os.RemoveAll(runDir); err != nil {
		log.Warn("remove run dir failed", "dir", runDir, "error", err)
	}
}
