package transcode

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"hls-ladder/internal/platform/logger"
)

// fakeEncoder writes a one-segment rendition unless the tier is set to fail.
type fakeEncoder struct {
	fail  map[string]bool
	delay time.Duration
	// slow adds a per-source-path delay on top of delay.
	slow map[string]time.Duration

	mu         sync.Mutex
	running    int
	maxRunning int
	calls      int
}

func (e *fakeEncoder) Encode(ctx context.Context, src string, tier RenditionTier, outputDir string) (*RenditionOutput, error) {
	e.mu.Lock()
	e.calls++
	e.running++
	if e.running > e.maxRunning {
		e.maxRunning = e.running
	}
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.running--
		e.mu.Unlock()
	}()

	if d := e.delay + e.slow[src]; d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return nil, &EncodeError{Tier: tier.Name, Kind: KindCanceled, Err: ctx.Err()}
		}
	}
	if e.fail[tier.Name] {
		return nil, &EncodeError{Tier: tier.Name, Kind: KindExit, Err: errors.New("exit status 1")}
	}

	dir := filepath.Join(outputDir, tier.Name)
	if err := os.MkdirAll(filepath.Join(dir, segmentDir), 0o755); err != nil {
		return nil, err
	}
	segs := []SegmentRef{{Index: 0, Path: "segments/segment_000.ts", Duration: 10}}
	if err := os.WriteFile(filepath.Join(dir, segmentDir, "segment_000.ts"), []byte{0x47}, 0o644); err != nil {
		return nil, err
	}
	pl := filepath.Join(dir, playlistFile)
	if err := os.WriteFile(pl, []byte(BuildRenditionPlaylist(segs, 10)), 0o644); err != nil {
		return nil, err
	}
	return &RenditionOutput{Tier: tier, SegmentDurationSeconds: 10, Segments: segs, Dir: dir, PlaylistPath: pl}, nil
}

type failingPublisher struct{ err error }

func (p failingPublisher) Publish(context.Context, *TranscodeJob, MasterManifest) (string, error) {
	return "", p.err
}

// recordingMirror notes each published job and whether the primary master
// already listed it at that moment.
type recordingMirror struct {
	root string

	mu   sync.Mutex
	jobs []JobID
	live []bool
}

func (m *recordingMirror) Publish(_ context.Context, job *TranscodeJob, _ MasterManifest) (string, error) {
	run, ok := publishedRun(filepath.Join(m.root, job.SourceID, masterFile))
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs = append(m.jobs, job.ID)
	m.live = append(m.live, ok && run == job.ID)
	return "mirror://" + string(job.ID), nil
}

func newTestOrchestrator(t *testing.T, enc Encoder, maxConcurrent int, extra ...Publisher) (*Orchestrator, string) {
	t.Helper()
	root := t.TempDir()
	log := logger.Discard()
	pubs := append([]Publisher{NewFSPublisher(root, 2, log)}, extra...)
	o, err := NewOrchestrator(Config{OutputRoot: root, MaxConcurrent: maxConcurrent}, Deps{
		Encoder:    enc,
		Publishers: pubs,
		Log:        log,
	})
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}
	t.Cleanup(o.Close)
	return o, root
}

func readMaster(t *testing.T, root, sourceID string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(root, sourceID, masterFile))
	if err != nil {
		t.Fatalf("read master: %v", err)
	}
	return string(data)
}

func TestOrchestrator_partialFailure(t *testing.T) {
	enc := &fakeEncoder{fail: map[string]bool{"480p": true}}
	o, root := newTestOrchestrator(t, enc, 2)

	job, err := o.Transcode(context.Background(), "movie", "/videos/movie.mp4")
	if err != nil {
		t.Fatalf("Transcode: %v", err)
	}
	if job.Status != StatusPartiallyFailed {
		t.Fatalf("status = %s, want PartiallyFailed", job.Status)
	}
	if _, ok := job.Failures["480p"]; !ok {
		t.Errorf("480p failure not recorded: %v", job.Failures)
	}
	if len(job.Outputs) != 3 {
		t.Errorf("outputs = %d, want 3", len(job.Outputs))
	}

	prefix := "runs/" + string(job.ID) + "/"
	want := "#EXTM3U\n#EXT-X-VERSION:3\n" +
		"#EXT-X-STREAM-INF:BANDWIDTH=400000,RESOLUTION=426x240\n" + prefix + "240p/playlist.m3u8\n" +
		"#EXT-X-STREAM-INF:BANDWIDTH=3000000,RESOLUTION=1280x720\n" + prefix + "720p/playlist.m3u8\n" +
		"#EXT-X-STREAM-INF:BANDWIDTH=5000000,RESOLUTION=1920x1080\n" + prefix + "1080p/playlist.m3u8\n"
	if got := readMaster(t, root, "movie"); got != want {
		t.Errorf("master =\n%s\nwant\n%s", got, want)
	}
	if job.ManifestPath != filepath.Join(root, "movie", masterFile) {
		t.Errorf("ManifestPath = %q", job.ManifestPath)
	}
}

func TestOrchestrator_outcomes(t *testing.T) {
	t.Run("all succeed", func(t *testing.T) {
		o, _ := newTestOrchestrator(t, &fakeEncoder{}, 4)
		job, err := o.Transcode(context.Background(), "a", "/a.mp4")
		if err != nil {
			t.Fatal(err)
		}
		if job.Status != StatusComplete || len(job.Failures) != 0 {
			t.Errorf("status = %s failures = %v", job.Status, job.Failures)
		}
	})

	t.Run("all fail", func(t *testing.T) {
		enc := &fakeEncoder{fail: map[string]bool{"240p": true, "480p": true, "720p": true, "1080p": true}}
		o, root := newTestOrchestrator(t, enc, 4)
		job, err := o.Transcode(context.Background(), "b", "/b.mp4")
		if err != nil {
			t.Fatal(err)
		}
		if job.Status != StatusFailed || job.ManifestPath != "" {
			t.Errorf("status = %s manifest = %q", job.Status, job.ManifestPath)
		}
		if _, err := os.Stat(filepath.Join(root, "b", masterFile)); !os.IsNotExist(err) {
			t.Errorf("master published for failed job")
		}
		if _, err := os.Stat(o.RunDir(job)); !os.IsNotExist(err) {
			t.Errorf("run dir left for failed job")
		}
	})

	t.Run("mirror failure keeps published job", func(t *testing.T) {
		o, root := newTestOrchestrator(t, &fakeEncoder{}, 4, failingPublisher{err: errors.New("bucket unavailable")})
		job, err := o.Transcode(context.Background(), "c", "/c.mp4")
		if err != nil {
			t.Fatal(err)
		}
		if job.Status != StatusComplete || job.PublishError != "" {
			t.Errorf("status = %s publish_error = %q", job.Status, job.PublishError)
		}
		if !strings.Contains(job.MirrorError, "bucket unavailable") {
			t.Errorf("mirror_error = %q", job.MirrorError)
		}
		if job.ManifestPath != filepath.Join(root, "c", masterFile) {
			t.Errorf("manifest = %q", job.ManifestPath)
		}
		if !strings.Contains(readMaster(t, root, "c"), "runs/"+string(job.ID)+"/") {
			t.Error("served master does not point at the job's run")
		}
	})

	t.Run("primary publish failure discards run", func(t *testing.T) {
		root := t.TempDir()
		mirror := &recordingMirror{root: root}
		o, err := NewOrchestrator(Config{OutputRoot: root, MaxConcurrent: 4}, Deps{
			Encoder:    &fakeEncoder{},
			Publishers: []Publisher{failingPublisher{err: errors.New("disk full")}, mirror},
			Log:        logger.Discard(),
		})
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(o.Close)

		job, err := o.Transcode(context.Background(), "d", "/d.mp4")
		if err != nil {
			t.Fatal(err)
		}
		if job.Status != StatusFailed || job.PublishError != "disk full" || job.ManifestPath != "" {
			t.Errorf("status = %s publish_error = %q manifest = %q", job.Status, job.PublishError, job.ManifestPath)
		}
		if len(job.Outputs) != 0 || len(job.Failures) != 4 || !strings.HasPrefix(job.Failures["720p"], "discarded") {
			t.Errorf("outputs = %d failures = %v", len(job.Outputs), job.Failures)
		}
		if _, err := os.Stat(o.RunDir(job)); !os.IsNotExist(err) {
			t.Error("run dir left after failed publish")
		}
		if len(mirror.jobs) != 0 {
			t.Errorf("mirror ran for an unpublished run: %v", mirror.jobs)
		}
	})
}

func TestOrchestrator_requiresPublisher(t *testing.T) {
	if _, err := NewOrchestrator(Config{OutputRoot: t.TempDir()}, Deps{Encoder: &fakeEncoder{}}); err == nil {
		t.Error("orchestrator built without a publisher")
	}
}

func TestOrchestrator_olderJobFinishingLastIsSuperseded(t *testing.T) {
	enc := &fakeEncoder{slow: map[string]time.Duration{"/show-v1.mp4": 200 * time.Millisecond}}
	o, root := newTestOrchestrator(t, enc, 8)
	mirror := &recordingMirror{root: root}
	o.publishers = append(o.publishers, mirror)
	ctx := context.Background()

	older, err := o.Submit(ctx, "show", "/show-v1.mp4")
	if err != nil {
		t.Fatal(err)
	}
	newer, err := o.Submit(ctx, "show", "/show-v2.mp4")
	if err != nil {
		t.Fatal(err)
	}
	if older.Seq >= newer.Seq {
		t.Fatalf("seq older = %d newer = %d", older.Seq, newer.Seq)
	}
	o.Wait()

	gotNewer, _ := o.Repo().GetJob(newer.ID)
	if gotNewer.Status != StatusComplete || gotNewer.ManifestPath == "" {
		t.Errorf("newer: status = %s manifest = %q", gotNewer.Status, gotNewer.ManifestPath)
	}

	gotOlder, _ := o.Repo().GetJob(older.ID)
	if gotOlder.Status != StatusFailed || gotOlder.ManifestPath != "" {
		t.Errorf("older: status = %s manifest = %q", gotOlder.Status, gotOlder.ManifestPath)
	}
	if !strings.Contains(gotOlder.PublishError, ErrSuperseded.Error()) {
		t.Errorf("older publish_error = %q", gotOlder.PublishError)
	}
	if len(gotOlder.Outputs) != 0 || len(gotOlder.Failures) != len(gotOlder.Ladder) {
		t.Errorf("older outputs = %d failures = %d", len(gotOlder.Outputs), len(gotOlder.Failures))
	}
	if _, err := os.Stat(o.RunDir(gotOlder)); !os.IsNotExist(err) {
		t.Error("superseded run dir left behind")
	}
	if !strings.Contains(readMaster(t, root, "show"), "runs/"+string(newer.ID)+"/") {
		t.Error("master does not point at the newer run")
	}

	mirror.mu.Lock()
	defer mirror.mu.Unlock()
	if len(mirror.jobs) != 1 || mirror.jobs[0] != newer.ID || !mirror.live[0] {
		t.Errorf("mirrored = %v live = %v, want only the newer run after its swap", mirror.jobs, mirror.live)
	}
}

func TestOrchestrator_concurrencyCap(t *testing.T) {
	enc := &fakeEncoder{delay: 20 * time.Millisecond}
	o, _ := newTestOrchestrator(t, enc, 2)

	for _, id := range []string{"one", "two"} {
		if _, err := o.Submit(context.Background(), id, "/"+id+".mp4"); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	o.Wait()

	enc.mu.Lock()
	defer enc.mu.Unlock()
	if enc.calls != 8 {
		t.Errorf("calls = %d, want 8", enc.calls)
	}
	if enc.maxRunning > 2 {
		t.Errorf("max concurrent encodes = %d, want <= 2", enc.maxRunning)
	}
}

func TestOrchestrator_retranscodeSwapsAtomically(t *testing.T) {
	o, root := newTestOrchestrator(t, &fakeEncoder{}, 4)
	ctx := context.Background()

	var jobs []*TranscodeJob
	for i := 0; i < 3; i++ {
		job, err := o.Transcode(ctx, "show", "/show.mp4")
		if err != nil {
			t.Fatalf("Transcode %d: %v", i, err)
		}
		jobs = append(jobs, job)

		master := readMaster(t, root, "show")
		for _, line := range strings.Split(strings.TrimSpace(master), "\n") {
			if strings.HasPrefix(line, "#") {
				continue
			}
			if !strings.HasPrefix(line, "runs/"+string(job.ID)+"/") {
				t.Errorf("run %d: master entry %q not from job %s", i, line, job.ID)
			}
			if _, err := os.Stat(filepath.Join(root, "show", filepath.FromSlash(line))); err != nil {
				t.Errorf("run %d: entry %q missing: %v", i, line, err)
			}
		}
	}

	if _, err := os.Stat(o.RunDir(jobs[0])); !os.IsNotExist(err) {
		t.Errorf("oldest run not pruned")
	}
	if _, err := os.Stat(o.RunDir(jobs[1])); err != nil {
		t.Errorf("previous run pruned too early: %v", err)
	}
}

func TestOrchestrator_failedRetranscodeKeepsPreviousManifest(t *testing.T) {
	enc := &fakeEncoder{}
	o, root := newTestOrchestrator(t, enc, 4)
	ctx := context.Background()

	if _, err := o.Transcode(ctx, "clip", "/clip.mp4"); err != nil {
		t.Fatal(err)
	}
	before := readMaster(t, root, "clip")

	enc.fail = map[string]bool{"240p": true, "480p": true, "720p": true, "1080p": true}
	job, err := o.Transcode(ctx, "clip", "/clip.mp4")
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != StatusFailed {
		t.Fatalf("status = %s", job.Status)
	}
	if after := readMaster(t, root, "clip"); after != before {
		t.Errorf("manifest changed after failed re-transcode")
	}
}

func TestOrchestrator_submit(t *testing.T) {
	o, _ := newTestOrchestrator(t, &fakeEncoder{delay: 5 * time.Millisecond}, 2)

	job, err := o.Submit(context.Background(), "async", "/async.mp4")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if job.Status != StatusPending {
		t.Errorf("accepted status = %s, want Pending", job.Status)
	}
	o.Wait()

	got, err := o.Repo().GetJob(job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusComplete {
		t.Errorf("final status = %s", got.Status)
	}
}

func TestOrchestrator_invalidSourceID(t *testing.T) {
	o, _ := newTestOrchestrator(t, &fakeEncoder{}, 1)
	for _, id := range []string{"", "../etc", "a/b", ".hidden"} {
		if _, err := o.Transcode(context.Background(), id, "/x.mp4"); !errors.Is(err, ErrInvalidSourceID) {
			t.Errorf("Transcode(%q) err = %v, want ErrInvalidSourceID", id, err)
		}
	}
}

func TestOrchestrator_closeCancelsQueuedTiers(t *testing.T) {
	enc := &fakeEncoder{delay: time.Second}
	o, _ := newTestOrchestrator(t, enc, 1)

	job, err := o.Submit(context.Background(), "long", "/long.mp4")
	if err != nil {
		t.Fatal(err)
	}
	o.Close()

	got, err := o.Repo().GetJob(job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusFailed {
		t.Errorf("status = %s, want Failed", got.Status)
	}
	if _, err := o.Submit(context.Background(), "late", "/late.mp4"); err == nil {
		t.Error("Submit after Close succeeded")
	}
}
