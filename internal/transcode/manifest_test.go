package transcode

import (
	"errors"
	"strings"
	"testing"

	"github.com/grafov/m3u8"
)

func jobWithOutputs(tiers ...RenditionTier) *TranscodeJob {
	j := &TranscodeJob{
		ID:       "job-1",
		SourceID: "movie",
		Ladder:   DefaultLadder(),
		Outputs:  make(map[string]*RenditionOutput),
		Failures: make(map[string]string),
	}
	for _, t := range tiers {
		j.Outputs[t.Name] = &RenditionOutput{Tier: t}
	}
	return j
}

func TestBuildMasterManifest(t *testing.T) {
	l := DefaultLadder()

	t.Run("lists_only_successes_ascending", func(t *testing.T) {
		j := jobWithOutputs(l[3], l[0], l[2])
		j.Failures["480p"] = "exit status 1"

		m, err := BuildMasterManifest(j)
		if err != nil {
			t.Fatalf("BuildMasterManifest: %v", err)
		}
		var names []string
		for _, e := range m.Renditions {
			names = append(names, e.Tier.Name)
		}
		if got := strings.Join(names, ","); got != "240p,720p,1080p" {
			t.Errorf("renditions = %s", got)
		}
		if m.Renditions[0].PlaylistPath != "runs/job-1/240p/playlist.m3u8" {
			t.Errorf("path = %q", m.Renditions[0].PlaylistPath)
		}
	})

	t.Run("nothing_to_publish", func(t *testing.T) {
		_, err := BuildMasterManifest(jobWithOutputs())
		if !errors.Is(err, ErrNothingToPublish) {
			t.Errorf("err = %v", err)
		}
	})

	t.Run("deterministic", func(t *testing.T) {
		a, _ := BuildMasterManifest(jobWithOutputs(l[0], l[1], l[2]))
		b, _ := BuildMasterManifest(jobWithOutputs(l[2], l[0], l[1]))
		if a.Encode() != b.Encode() {
			t.Error("same tier set encoded differently")
		}
	})
}

func TestMasterManifestEncode_parses(t *testing.T) {
	m, err := BuildMasterManifest(jobWithOutputs(DefaultLadder()...))
	if err != nil {
		t.Fatal(err)
	}
	pl, listType, err := m3u8.DecodeFrom(strings.NewReader(m.Encode()), true)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if listType != m3u8.MASTER {
		t.Fatalf("list type = %v", listType)
	}
	master := pl.(*m3u8.MasterPlaylist)
	if len(master.Variants) != 4 {
		t.Fatalf("variants = %d", len(master.Variants))
	}
	if v := master.Variants[1]; v.Bandwidth != 1000000 || v.Resolution != "854x480" {
		t.Errorf("variant 1 = bandwidth %d resolution %s", v.Bandwidth, v.Resolution)
	}
}

func TestBuildRenditionPlaylist(t *testing.T) {
	segs := []SegmentRef{
		{Index: 0, Path: "segments/segment_000.ts", Duration: 10},
		{Index: 1, Path: "segments/segment_001.ts", Duration: 4.2},
	}
	want := "#EXTM3U\n" +
		"#EXT-X-VERSION:3\n" +
		"#EXT-X-TARGETDURATION:10\n" +
		"#EXT-X-MEDIA-SEQUENCE:0\n" +
		"#EXT-X-PLAYLIST-TYPE:VOD\n" +
		"#EXTINF:10.000,\nsegments/segment_000.ts\n" +
		"#EXTINF:4.200,\nsegments/segment_001.ts\n" +
		"#EXT-X-ENDLIST\n"
	if got := BuildRenditionPlaylist(segs, 10); got != want {
		t.Errorf("got\n%s\nwant\n%s", got, want)
	}

	t.Run("target_raised_for_long_segment", func(t *testing.T) {
		got := BuildRenditionPlaylist([]SegmentRef{{Path: "s.ts", Duration: 11.6}}, 10)
		if !strings.Contains(got, "#EXT-X-TARGETDURATION:12\n") {
			t.Errorf("got %q", got)
		}
	})

	t.Run("parses_as_closed_vod", func(t *testing.T) {
		pl, listType, err := m3u8.DecodeFrom(strings.NewReader(BuildRenditionPlaylist(segs, 10)), true)
		if err != nil || listType != m3u8.MEDIA {
			t.Fatalf("decode: %v type %v", err, listType)
		}
		media := pl.(*m3u8.MediaPlaylist)
		if !media.Closed || media.MediaType != m3u8.VOD {
			t.Errorf("closed=%v type=%v", media.Closed, media.MediaType)
		}
		if media.Count() != 2 {
			t.Errorf("count = %d", media.Count())
		}
	})
}
