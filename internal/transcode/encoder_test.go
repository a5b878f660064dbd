package transcode

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"hls-ladder/internal/platform/logger"
)

// fakeRunner imitates ffmpeg's HLS muxer: it writes segments named after the
// -hls_segment_filename pattern and an encoder playlist at the last argument.
type fakeRunner struct {
	segments int
	duration float64
	stderr   string
	err      error
	// skipPlaylist leaves out the encoder playlist.
	skipPlaylist bool
	// gapAt drops the segment with this index when >= 0.
	gapAt int

	mu    sync.Mutex
	calls [][]string
}

func newFakeRunner(segments int) *fakeRunner {
	return &fakeRunner{segments: segments, duration: 10, gapAt: -1}
}

func (r *fakeRunner) Run(ctx context.Context, name string, args []string) ([]byte, error) {
	r.mu.Lock()
	r.calls = append(r.calls, append([]string(nil), args...))
	r.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	pattern := argAfter(args, "-hls_segment_filename")
	playlist := args[len(args)-1]

	var b strings.Builder
	b.WriteString("#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:10\n#EXT-X-MEDIA-SEQUENCE:0\n#EXT-X-PLAYLIST-TYPE:VOD\n")
	for i := 0; i < r.segments; i++ {
		if i == r.gapAt {
			continue
		}
		seg := fmt.Sprintf(pattern, i)
		if err := os.WriteFile(seg, []byte{0x47, 0x00, 0x00, 0x10}, 0o644); err != nil {
			return nil, err
		}
		fmt.Fprintf(&b, "#EXTINF:%.6f,\n%s\n", r.duration, filepath.Base(seg))
	}
	b.WriteString("#EXT-X-ENDLIST\n")

	if r.err != nil {
		return []byte(r.stderr), r.err
	}
	if !r.skipPlaylist {
		if err := os.WriteFile(playlist, []byte(b.String()), 0o644); err != nil {
			return nil, err
		}
	}
	return []byte(r.stderr), nil
}

func argAfter(args []string, flag string) string {
	for i, a := range args {
		if a == flag && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

func writeSource(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "source.mp4")
	if err := os.WriteFile(p, []byte("not really a video"), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}
	return p
}

func tier480() RenditionTier {
	return RenditionTier{Name: "480p", BitrateBps: 1000000, Width: 854, Height: 480}
}

func TestFFmpegEncoderArgs(t *testing.T) {
	e := NewFFmpegEncoder(EncoderOptions{})
	args := e.Args("/in.mp4", tier480(), "/stage")
	joined := strings.Join(args, " ")

	for _, want := range []string{
		"-i /in.mp4",
		"-b:v 1000k",
		"-s 854x480",
		"-hls_time 10",
		"-hls_playlist_type vod",
		"-hls_list_size 0",
		"-force_key_frames expr:gte(t,n_forced*10)",
		"-hls_segment_filename " + filepath.Join("/stage", "segments", "segment_%03d.ts"),
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("args missing %q:\n%s", want, joined)
		}
	}
	if args[len(args)-1] != filepath.Join("/stage", encoderPlaylist) {
		t.Errorf("last arg = %q", args[len(args)-1])
	}
}

func TestFFmpegEncoderEncode(t *testing.T) {
	t.Run("success writes canonical playlist", func(t *testing.T) {
		out := t.TempDir()
		r := newFakeRunner(3)
		r.duration = 9.5
		e := NewFFmpegEncoder(EncoderOptions{Runner: r, Log: logger.Discard()})

		res, err := e.Encode(context.Background(), writeSource(t), tier480(), out)
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}
		if res.Dir != filepath.Join(out, "480p") {
			t.Errorf("Dir = %q", res.Dir)
		}
		if len(res.Segments) != 3 {
			t.Fatalf("segments = %d, want 3", len(res.Segments))
		}
		for i, s := range res.Segments {
			if s.Index != i || s.Path != fmt.Sprintf("segments/segment_%03d.ts", i) {
				t.Errorf("segment %d = %+v", i, s)
			}
			if _, err := os.Stat(filepath.Join(res.Dir, filepath.FromSlash(s.Path))); err != nil {
				t.Errorf("segment %d missing: %v", i, err)
			}
		}

		data, err := os.ReadFile(res.PlaylistPath)
		if err != nil {
			t.Fatalf("read playlist: %v", err)
		}
		if got, want := string(data), BuildRenditionPlaylist(res.Segments, 10); got != want {
			t.Errorf("playlist = %q, want %q", got, want)
		}
		if _, err := os.Stat(filepath.Join(res.Dir, encoderPlaylist)); !os.IsNotExist(err) {
			t.Errorf("encoder playlist left behind: %v", err)
		}
		assertNoStaging(t, out)
	})

	t.Run("nonzero exit leaves nothing visible", func(t *testing.T) {
		out := t.TempDir()
		r := newFakeRunner(2)
		r.err = errors.New("exit status 1")
		r.stderr = "Unknown encoder 'libx264'"
		e := NewFFmpegEncoder(EncoderOptions{Runner: r, Log: logger.Discard()})

		_, err := e.Encode(context.Background(), writeSource(t), tier480(), out)
		var encErr *EncodeError
		if !errors.As(err, &encErr) {
			t.Fatalf("err = %v, want *EncodeError", err)
		}
		if encErr.Kind != KindUnsupportedCodec || encErr.Tier != "480p" {
			t.Errorf("got kind=%s tier=%s", encErr.Kind, encErr.Tier)
		}
		if _, err := os.Stat(filepath.Join(out, "480p")); !os.IsNotExist(err) {
			t.Errorf("rendition dir exists after failure")
		}
		assertNoStaging(t, out)
	})

	t.Run("segment gap rejected", func(t *testing.T) {
		out := t.TempDir()
		r := newFakeRunner(3)
		r.gapAt = 1
		e := NewFFmpegEncoder(EncoderOptions{Runner: r, Log: logger.Discard()})

		_, err := e.Encode(context.Background(), writeSource(t), tier480(), out)
		var encErr *EncodeError
		if !errors.As(err, &encErr) || encErr.Kind != KindExit {
			t.Fatalf("err = %v, want exit EncodeError", err)
		}
		assertNoStaging(t, out)
	})

	t.Run("missing encoder playlist rejected", func(t *testing.T) {
		out := t.TempDir()
		r := newFakeRunner(2)
		r.skipPlaylist = true
		e := NewFFmpegEncoder(EncoderOptions{Runner: r, Log: logger.Discard()})

		if _, err := e.Encode(context.Background(), writeSource(t), tier480(), out); err == nil {
			t.Fatal("expected error")
		}
		assertNoStaging(t, out)
	})

	t.Run("unreadable source", func(t *testing.T) {
		r := newFakeRunner(1)
		e := NewFFmpegEncoder(EncoderOptions{Runner: r, Log: logger.Discard()})

		_, err := e.Encode(context.Background(), filepath.Join(t.TempDir(), "missing.mp4"), tier480(), t.TempDir())
		var encErr *EncodeError
		if !errors.As(err, &encErr) || encErr.Kind != KindInvalidInput {
			t.Fatalf("err = %v, want invalid_input", err)
		}
		if len(r.calls) != 0 {
			t.Errorf("runner called %d times", len(r.calls))
		}
	})

	t.Run("invalid tier", func(t *testing.T) {
		e := NewFFmpegEncoder(EncoderOptions{Runner: newFakeRunner(1), Log: logger.Discard()})
		bad := RenditionTier{Name: "bad", BitrateBps: 0, Width: 10, Height: 10}

		_, err := e.Encode(context.Background(), writeSource(t), bad, t.TempDir())
		var encErr *EncodeError
		if !errors.As(err, &encErr) || encErr.Kind != KindInvalidInput {
			t.Fatalf("err = %v, want invalid_input", err)
		}
	})

	t.Run("canceled context", func(t *testing.T) {
		out := t.TempDir()
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		e := NewFFmpegEncoder(EncoderOptions{Runner: newFakeRunner(1), Log: logger.Discard()})

		_, err := e.Encode(ctx, writeSource(t), tier480(), out)
		var encErr *EncodeError
		if !errors.As(err, &encErr) || encErr.Kind != KindCanceled {
			t.Fatalf("err = %v, want canceled", err)
		}
		if !errors.Is(err, context.Canceled) {
			t.Errorf("err does not wrap context.Canceled")
		}
		assertNoStaging(t, out)
	})

	t.Run("re-encode replaces previous rendition", func(t *testing.T) {
		out := t.TempDir()
		e := NewFFmpegEncoder(EncoderOptions{Runner: newFakeRunner(3), Log: logger.Discard()})
		if _, err := e.Encode(context.Background(), writeSource(t), tier480(), out); err != nil {
			t.Fatalf("first Encode: %v", err)
		}

		e = NewFFmpegEncoder(EncoderOptions{Runner: newFakeRunner(1), Log: logger.Discard()})
		res, err := e.Encode(context.Background(), writeSource(t), tier480(), out)
		if err != nil {
			t.Fatalf("second Encode: %v", err)
		}
		entries, _ := os.ReadDir(filepath.Join(res.Dir, "segments"))
		if len(entries) != 1 {
			t.Errorf("segments on disk = %d, want 1", len(entries))
		}
	})
}

func TestClassifyEncoderFailure(t *testing.T) {
	tests := []struct {
		stderr string
		want   EncodeKind
	}{
		{"in.mp4: Invalid data found when processing input", KindDecode},
		{"Decoder not found for stream", KindUnsupportedCodec},
		{"av_interleaved_write_frame(): No space left on device", KindIO},
		{"Conversion failed!", KindExit},
		{"", KindExit},
	}
	for _, tt := range tests {
		if got := classifyEncoderFailure(tt.stderr); got != tt.want {
			t.Errorf("classifyEncoderFailure(%q) = %s, want %s", tt.stderr, got, tt.want)
		}
	}
}

func TestTailBufferKeepsEnd(t *testing.T) {
	b := &tailBuffer{limit: 4}
	b.Write([]byte("abc"))
	b.Write([]byte("defg"))
	if got := string(b.Bytes()); got != "defg" {
		t.Errorf("tail = %q, want defg", got)
	}
}

func assertNoStaging(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") {
			t.Errorf("staging dir left behind: %s", e.Name())
		}
	}
}
