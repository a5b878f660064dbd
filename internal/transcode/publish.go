package transcode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/grafov/m3u8"
)

// DefaultKeepRuns keeps the published run and the one before it, so players
// that fetched the previous master can finish.
const DefaultKeepRuns = 2

// ErrSuperseded is returned when a newer job for the same source has already
// published its manifest.
var ErrSuperseded = errors.New("superseded by a newer job")

// Publisher makes a job's master manifest visible to players. Publish returns
// the location of the published manifest.
type Publisher interface {
	Publish(ctx context.Context, job *TranscodeJob, m MasterManifest) (string, error)
}

// FSPublisher swaps <root>/<source>/master.m3u8 with a single rename, so a
// reader sees either the old ladder or the new one and never a mix.
type FSPublisher struct {
	root     string
	keepRuns int
	log      *slog.Logger

	mu      sync.Mutex
	sources map[string]*sourceState
}

type sourceState struct {
	mu      sync.Mutex
	seq     uint64  // Seq of the published job, 0 before the first publish
	history []JobID // newest last
}

var _ Publisher = (*FSPublisher)(nil)

// NewFSPublisher returns a publisher rooted at root. keepRuns <= 0 means DefaultKeepRuns.
func NewFSPublisher(root string, keepRuns int, log *slog.Logger) *FSPublisher {
	if keepRuns <= 0 {
		keepRuns = DefaultKeepRuns
	}
	if log == nil {
		log = slog.Default()
	}
	return &FSPublisher{root: root, keepRuns: keepRuns, log: log, sources: make(map[string]*sourceState)}
}

// MasterPath returns where the master manifest of sourceID lives.
func (p *FSPublisher) MasterPath(sourceID string) string {
	return filepath.Join(p.root, sourceID, masterFile)
}

// Publish implements Publisher.
func (p *FSPublisher) Publish(ctx context.Context, job *TranscodeJob, m MasterManifest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(m.Renditions) == 0 {
		return "", ErrNothingToPublish
	}

	st := p.state(job.SourceID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if job.Seq < st.seq {
		return "", ErrSuperseded
	}

	dst := p.MasterPath(job.SourceID)
	if st.history == nil {
		if prev, ok := publishedRun(dst); ok {
			st.history = append(st.history, prev)
		}
	}

	if err := writeFileAtomic(dst, []byte(m.Encode())); err != nil {
		// Past the rename the swap is done and only durability is in doubt.
		if run, ok := publishedRun(dst); !ok || run != job.ID {
			return "", fmt.Errorf("publish master for %s: %w", job.SourceID, err)
		}
		p.log.Warn("master published but not synced", "source_id", job.SourceID, "job_id", job.ID, "error", err)
	}
	st.seq = job.Seq
	if len(st.history) == 0 || st.history[len(st.history)-1] != job.ID {
		st.history = append(st.history, job.ID)
	}
	st.history = p.prune(job.SourceID, st.history)
	return dst, nil
}

// prune removes published runs beyond keepRuns and returns the kept history.
func (p *FSPublisher) prune(sourceID string, history []JobID) []JobID {
	if len(history) <= p.keepRuns {
		return history
	}
	drop := history[:len(history)-p.keepRuns]
	for _, id := range drop {
		dir := filepath.Join(p.root, sourceID, filepath.FromSlash(RunPrefix(id)))
		if err := os.RemoveAll(dir); err != nil {
			p.log.Warn("prune run failed", "source_id", sourceID, "job_id", id, "error", err)
			continue
		}
		p.log.Debug("pruned run", "source_id", sourceID, "job_id", id)
	}
	return append([]JobID(nil), history[len(history)-p.keepRuns:]...)
}

func (p *FSPublisher) state(sourceID string) *sourceState {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.sources[sourceID]
	if !ok {
		st = &sourceState{}
		p.sources[sourceID] = st
	}
	return st
}

// publishedRun reads an existing master manifest and returns the run its
// first variant points into.
func publishedRun(masterPath string) (JobID, bool) {
	f, err := os.Open(masterPath)
	if err != nil {
		return "", false
	}
	defer f.Close()

	pl, listType, err := m3u8.DecodeFrom(f, false)
	if err != nil || listType != m3u8.MASTER {
		return "", false
	}
	master := pl.(*m3u8.MasterPlaylist)
	for _, v := range master.Variants {
		if v == nil {
			continue
		}
		parts := strings.Split(path.Clean(v.URI), "/")
		if len(parts) >= 2 && parts[0] == runsDir {
			return JobID(parts[1]), true
		}
	}
	return "", false
}

// writeFileAtomic writes data to a temp file next to dst, syncs it, and
// renames it over dst.
func writeFileAtomic(dst string, data []byte) error {
	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(dst)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, dst); err != nil {
		return err
	}
	return syncPath(dir)
}
