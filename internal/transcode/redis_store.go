package transcode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisOpTimeout = 5 * time.Second

// RedisStore keeps jobs as JSON documents in Redis so job status survives an
// origin restart and can be read by several origin replicas.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore returns a store using keys "<prefix>job:<id>" and the set
// "<prefix>jobs". A ttl of zero keeps jobs forever.
func NewRedisStore(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

// Ping verifies connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	return nil
}

// GetJob implements Store.GetJob.
func (s *RedisStore) GetJob(id JobID) (*TranscodeJob, bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	data, err := s.client.Get(ctx, s.jobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	j, err := decodeJob(data)
	if err != nil {
		return nil, false, err
	}
	return j, true, nil
}

// SetJob implements Store.SetJob.
func (s *RedisStore) SetJob(j *TranscodeJob) error {
	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("encode job %s: %w", j.ID, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, s.jobKey(j.ID), data, s.ttl)
		p.SAdd(ctx, s.indexKey(), string(j.ID))
		return nil
	})
	return err
}

// ListJobIDs implements Store.ListJobIDs. Ids whose documents expired are
// dropped from the index lazily.
func (s *RedisStore) ListJobIDs() ([]JobID, error) {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	members, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, err
	}
	ids := make([]JobID, 0, len(members))
	for _, m := range members {
		n, err := s.client.Exists(ctx, s.jobKey(JobID(m))).Result()
		if err != nil {
			return nil, err
		}
		if n == 0 {
			s.client.SRem(ctx, s.indexKey(), m)
			continue
		}
		ids = append(ids, JobID(m))
	}
	return ids, nil
}

func (s *RedisStore) jobKey(id JobID) string { return s.prefix + "job:" + string(id) }

func (s *RedisStore) indexKey() string { return s.prefix + "jobs" }

func decodeJob(data []byte) (*TranscodeJob, error) {
	var j TranscodeJob
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	if j.Outputs == nil {
		j.Outputs = make(map[string]*RenditionOutput)
	}
	if j.Failures == nil {
		j.Failures = make(map[string]string)
	}
	return &j, nil
}
