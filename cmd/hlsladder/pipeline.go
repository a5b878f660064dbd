package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"hls-ladder/internal/platform/config"
	"hls-ladder/internal/platform/metrics"
	"hls-ladder/internal/transcode"
)

// buildOrchestrator wires the transcode pipeline from the environment. The
// returned cleanup releases external clients after the orchestrator closed.
func buildOrchestrator(ctx context.Context, log *slog.Logger, met *metrics.Metrics) (*transcode.Orchestrator, func(), error) {
	cleanup := func() {}

	cfg := transcode.Config{
		OutputRoot:     config.GetEnv("OUTPUT_ROOT", "./videos/transcoded"),
		SegmentSeconds: config.GetEnvInt("SEGMENT_SECONDS", transcode.DefaultSegmentSeconds),
		MaxConcurrent:  config.GetEnvInt("MAX_CONCURRENT_ENCODES", transcode.DefaultMaxConcurrent()),
		KeepRuns:       config.GetEnvInt("KEEP_RUNS", transcode.DefaultKeepRuns),
	}
	if spec := config.GetEnv("LADDER", ""); spec != "" {
		ladder, err := transcode.ParseLadder(spec)
		if err != nil {
			return nil, cleanup, fmt.Errorf("LADDER: %w", err)
		}
		cfg.Ladder = ladder
	}

	encOpts := transcode.EncoderOptions{
		Binary:         config.GetEnv("FFMPEG_PATH", "ffmpeg"),
		SegmentSeconds: cfg.SegmentSeconds,
		Log:            log,
	}
	deps := transcode.Deps{Log: log}
	if met != nil {
		encOpts.OnSegment = func(tier, _ string) { met.IncSegmentsEncoded(tier) }
		deps.Observer = met
	}
	deps.Encoder = transcode.NewFFmpegEncoder(encOpts)

	if addr := config.GetEnv("REDIS_ADDR", ""); addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: config.GetEnv("REDIS_PASSWORD", ""),
			DB:       config.GetEnvInt("REDIS_DB", 0),
		})
		store := transcode.NewRedisStore(client, config.GetEnv("REDIS_PREFIX", "hlsladder:"), config.GetEnvDuration("REDIS_JOB_TTL", 0))
		if err := store.Ping(ctx); err != nil {
			client.Close()
			return nil, cleanup, err
		}
		cleanup = func() { client.Close() }
		deps.Repo = transcode.NewRepository(store)
		log.Info("job store: redis", slog.String("addr", addr))
	}

	deps.Publishers = []transcode.Publisher{transcode.NewFSPublisher(cfg.OutputRoot, cfg.KeepRuns, log)}
	if endpoint := config.GetEnv("MINIO_ENDPOINT", ""); endpoint != "" {
		mcfg := transcode.MinioConfig{
			Endpoint:  endpoint,
			AccessKey: config.GetEnv("MINIO_ACCESS_KEY", ""),
			SecretKey: config.GetEnv("MINIO_SECRET_KEY", ""),
			Bucket:    config.GetEnv("MINIO_BUCKET", "hls"),
			Region:    config.GetEnv("MINIO_REGION", ""),
			UseSSL:    config.GetEnvBool("MINIO_USE_SSL", false),
			Prefix:    config.GetEnv("MINIO_PREFIX", "hls"),
		}
		client, err := transcode.NewMinioClient(ctx, mcfg)
		if err != nil {
			cleanup()
			return nil, func() {}, err
		}
		deps.Publishers = append(deps.Publishers, transcode.NewObjectMirror(client, mcfg.Bucket, mcfg.Prefix, log))
		log.Info("mirroring renditions", slog.String("endpoint", endpoint), slog.String("bucket", mcfg.Bucket))
	}

	orch, err := transcode.NewOrchestrator(cfg, deps)
	if err != nil {
		cleanup()
		return nil, func() {}, err
	}
	return orch, cleanup, nil
}
