package transcode

import "sync"

// Store is the persistence abstraction for job state.
// Implementations can be in-memory or remote (see RedisStore).
// The Repository serializes all access; a Store only has to be safe for that.
type Store interface {
	GetJob(id JobID) (*TranscodeJob, bool, error)
	SetJob(j *TranscodeJob) error
	ListJobIDs() ([]JobID, error)
}

// InMemoryStore is an in-memory implementation of Store.
type InMemoryStore struct {
	mu   sync.RWMutex
	jobs map[JobID]*TranscodeJob
}

// NewInMemoryStore returns a new empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{jobs: make(map[JobID]*TranscodeJob)}
}

// GetJob implements Store.GetJob.
func (s *InMemoryStore) GetJob(id JobID) (*TranscodeJob, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	return j, ok, nil
}

// SetJob implements Store.SetJob.
func (s *InMemoryStore) SetJob(j *TranscodeJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[j.ID] = j
	return nil
}

// ListJobIDs implements Store.ListJobIDs.
func (s *InMemoryStore) ListJobIDs() ([]JobID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]JobID, 0, len(s.jobs))
	for id := range s.jobs {
		ids = append(ids, id)
	}
	return ids, nil
}
