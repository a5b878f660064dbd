package transcode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/grafov/m3u8"
)

// DefaultSegmentSeconds is the fixed segment length of every rendition.
const DefaultSegmentSeconds = 10

const encoderPlaylist = "encoder.m3u8"

// Encoder turns one source into one rendition. Implementations must be safe
// to call concurrently for different tiers of the same source.
type Encoder interface {
	Encode(ctx context.Context, sourcePath string, tier RenditionTier, outputDir string) (*RenditionOutput, error)
}

// EncodeKind classifies why an encode failed.
type EncodeKind string

const (
	KindInvalidInput     EncodeKind = "invalid_input"
	KindDecode           EncodeKind = "decode"
	KindUnsupportedCodec EncodeKind = "unsupported_codec"
	KindIO               EncodeKind = "io"
	KindExit             EncodeKind = "exit"
	KindCanceled         EncodeKind = "canceled"
)

// EncodeError is returned by Encode. Nothing the failed encode wrote is left
// visible under the output directory.
type EncodeError struct {
	Tier   string
	Kind   EncodeKind
	Err    error
	Detail string // tail of encoder stderr, if any
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("encode %s: %s: %v", e.Tier, e.Kind, e.Err)
}

func (e *EncodeError) Unwrap() error { return e.Err }

// EncoderOptions configures an FFmpegEncoder.
type EncoderOptions struct {
	Binary         string
	SegmentSeconds int
	Runner         Runner
	Log            *slog.Logger
	// OnSegment, when set, is called for every segment file the encoder
	// creates while it runs.
	OnSegment func(tier, file string)
}

// FFmpegEncoder encodes with an ffmpeg binary into fixed-length MPEG-TS segments.
type FFmpegEncoder struct {
	binary         string
	segmentSeconds int
	runner         Runner
	log            *slog.Logger
	onSegment      func(tier, file string)
}

var _ Encoder = (*FFmpegEncoder)(nil)

// NewFFmpegEncoder applies defaults: "ffmpeg" from PATH, 10 second segments,
// and an exec-based runner.
func NewFFmpegEncoder(opts EncoderOptions) *FFmpegEncoder {
	e := &FFmpegEncoder{
		binary:         opts.Binary,
		segmentSeconds: opts.SegmentSeconds,
		runner:         opts.Runner,
		log:            opts.Log,
		onSegment:      opts.OnSegment,
	}
	if e.binary == "" {
		e.binary = "ffmpeg"
	}
	if e.segmentSeconds <= 0 {
		e.segmentSeconds = DefaultSegmentSeconds
	}
	if e.runner == nil {
		e.runner = ExecRunner{}
	}
	if e.log == nil {
		e.log = slog.Default()
	}
	return e
}

// Args builds the encoder command line writing into stageDir.
func (e *FFmpegEncoder) Args(sourcePath string, tier RenditionTier, stageDir string) []string {
	kbps := tier.BitrateBps / 1000
	seg := strconv.Itoa(e.segmentSeconds)
	return []string{
		"-y", "-hide_banner", "-nostats", "-loglevel", "error",
		"-i", sourcePath,
		"-c:v", "libx264",
		"-c:a", "aac",
		"-b:v", fmt.Sprintf("%dk", kbps),
		"-maxrate", fmt.Sprintf("%dk", kbps),
		"-bufsize", fmt.Sprintf("%dk", 2*kbps),
		"-s", tier.Resolution(),
		"-force_key_frames", "expr:gte(t,n_forced*" + seg + ")",
		"-hls_time", seg,
		"-hls_playlist_type", "vod",
		"-hls_list_size", "0",
		"-hls_segment_filename", filepath.Join(stageDir, segmentDir, "segment_%03d.ts"),
		"-f", "hls",
		filepath.Join(stageDir, encoderPlaylist),
	}
}

// Encode implements Encoder. The rendition is built in a hidden staging
// directory and renamed to outputDir/<tier> only after every segment and the
// playlist are synced, so readers never see a partial rendition.
func (e *FFmpegEncoder) Encode(ctx context.Context, sourcePath string, tier RenditionTier, outputDir string) (*RenditionOutput, error) {
	fail := func(kind EncodeKind, err error, detail string) (*RenditionOutput, error) {
		return nil, &EncodeError{Tier: tier.Name, Kind: kind, Err: err, Detail: detail}
	}

	if err := tier.Validate(); err != nil {
		return fail(KindInvalidInput, err, "")
	}
	if err := checkReadable(sourcePath); err != nil {
		return fail(KindInvalidInput, err, "")
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return fail(KindIO, err, "")
	}

	stage, err := os.MkdirTemp(outputDir, "."+tier.Name+"-")
	if err != nil {
		return fail(KindIO, err, "")
	}
	committed := false
	defer func() {
		if !committed {
			os.RemoveAll(stage)
		}
	}()
	if err := os.Mkdir(filepath.Join(stage, segmentDir), 0o755); err != nil {
		return fail(KindIO, err, "")
	}

	log := e.log.With("tier", tier.Name, "source", sourcePath)
	if e.onSegment != nil {
		w, err := watchSegments(filepath.Join(stage, segmentDir), func(name string) {
			e.onSegment(tier.Name, name)
		})
		if err != nil {
			log.Warn("segment watcher unavailable", "error", err)
		} else {
			defer w.Close()
		}
	}

	args := e.Args(sourcePath, tier, stage)
	log.Debug("running encoder", "binary", e.binary, "args", strings.Join(args, " "))
	stderr, err := e.runner.Run(ctx, e.binary, args)
	if ctx.Err() != nil {
		return fail(KindCanceled, ctx.Err(), "")
	}
	if err != nil {
		detail := strings.TrimSpace(string(stderr))
		return fail(classifyEncoderFailure(detail), err, detail)
	}

	segments, err := collectSegments(stage)
	if err != nil {
		return fail(KindExit, err, strings.TrimSpace(string(stderr)))
	}

	playlist := BuildRenditionPlaylist(segments, e.segmentSeconds)
	if err := writeFileSync(filepath.Join(stage, playlistFile), []byte(playlist)); err != nil {
		return fail(KindIO, err, "")
	}
	if err := os.Remove(filepath.Join(stage, encoderPlaylist)); err != nil {
		return fail(KindIO, err, "")
	}
	for _, s := range segments {
		if err := syncPath(filepath.Join(stage, filepath.FromSlash(s.Path))); err != nil {
			return fail(KindIO, err, "")
		}
	}
	if err := syncPath(filepath.Join(stage, segmentDir)); err != nil {
		return fail(KindIO, err, "")
	}

	final := filepath.Join(outputDir, tier.Name)
	if err := os.RemoveAll(final); err != nil {
		return fail(KindIO, err, "")
	}
	if err := os.Rename(stage, final); err != nil {
		return fail(KindIO, err, "")
	}
	committed = true
	if err := syncPath(outputDir); err != nil {
		log.Warn("sync output dir", "error", err)
	}

	log.Info("rendition encoded", "segments", len(segments), "dir", final)
	return &RenditionOutput{
		Tier:                   tier,
		SegmentDurationSeconds: e.segmentSeconds,
		Segments:               segments,
		Dir:                    final,
		PlaylistPath:           filepath.Join(final, playlistFile),
	}, nil
}

var segmentName = regexp.MustCompile(`^segment_(\d+)\.ts$`)

// collectSegments cross-checks the encoder's playlist against the files on
// disk: numbering must be contiguous from zero and the playlist must list
// exactly those files in order.
func collectSegments(stage string) ([]SegmentRef, error) {
	f, err := os.Open(filepath.Join(stage, encoderPlaylist))
	if err != nil {
		return nil, fmt.Errorf("encoder playlist: %w", err)
	}
	defer f.Close()

	pl, listType, err := m3u8.DecodeFrom(f, false)
	if err != nil {
		return nil, fmt.Errorf("parse encoder playlist: %w", err)
	}
	media, ok := pl.(*m3u8.MediaPlaylist)
	if !ok || listType != m3u8.MEDIA {
		return nil, errors.New("encoder playlist is not a media playlist")
	}

	var listed []*m3u8.MediaSegment
	for _, s := range media.Segments {
		if s != nil {
			listed = append(listed, s)
		}
	}

	entries, err := os.ReadDir(filepath.Join(stage, segmentDir))
	if err != nil {
		return nil, fmt.Errorf("list segments: %w", err)
	}
	var indices []int
	for _, ent := range entries {
		m := segmentName.FindStringSubmatch(ent.Name())
		if m == nil || ent.IsDir() {
			continue
		}
		n, _ := strconv.Atoi(m[1])
		indices = append(indices, n)
	}
	sort.Ints(indices)

	if len(indices) == 0 {
		return nil, errors.New("encoder produced no segments")
	}
	if len(indices) != len(listed) {
		return nil, fmt.Errorf("encoder wrote %d segments but listed %d", len(indices), len(listed))
	}

	out := make([]SegmentRef, 0, len(indices))
	for i, n := range indices {
		if n != i {
			return nil, fmt.Errorf("segment numbering gap at %d", i)
		}
		name := fmt.Sprintf("segment_%03d.ts", i)
		if got := path.Base(filepath.ToSlash(listed[i].URI)); got != name {
			return nil, fmt.Errorf("playlist entry %d is %q, want %q", i, got, name)
		}
		out = append(out, SegmentRef{
			Index:    i,
			Path:     path.Join(segmentDir, name),
			Duration: listed[i].Duration,
		})
	}
	return out, nil
}

// classifyEncoderFailure maps ffmpeg diagnostics onto an EncodeKind.
func classifyEncoderFailure(stderr string) EncodeKind {
	s := strings.ToLower(stderr)
	switch {
	case strings.Contains(s, "unknown encoder"),
		strings.Contains(s, "decoder not found"),
		strings.Contains(s, "codec not currently supported"),
		strings.Contains(s, "not supported"):
		return KindUnsupportedCodec
	case strings.Contains(s, "invalid data found"),
		strings.Contains(s, "could not find codec parameters"),
		strings.Contains(s, "error while decoding"),
		strings.Contains(s, "moov atom not found"):
		return KindDecode
	case strings.Contains(s, "no space left"),
		strings.Contains(s, "permission denied"),
		strings.Contains(s, "input/output error"),
		strings.Contains(s, "no such file or directory"):
		return KindIO
	}
	return KindExit
}

func checkReadable(p string) error {
	f, err := os.Open(p)
	if err != nil {
		return err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return err
	}
	if st.IsDir() {
		return fmt.Errorf("%s is a directory", p)
	}
	return nil
}

func writeFileSync(p string, data []byte) error {
	f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// syncPath fsyncs a file or directory.
func syncPath(p string) error {
	f, err := os.Open(p)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}
