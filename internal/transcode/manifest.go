package transcode

import (
	"errors"
	"fmt"
	"math"
	"path"
	"sort"
	"strings"
)

const (
	playlistFile = "playlist.m3u8"
	masterFile   = "master.m3u8"
	segmentDir   = "segments"
	runsDir      = "runs"
)

// ErrNothingToPublish is returned when a job has no successful tier.
var ErrNothingToPublish = errors.New("no successful renditions to publish")

// ManifestEntry is one variant line pair of the master playlist.
type ManifestEntry struct {
	Tier         RenditionTier `json:"tier"`
	PlaylistPath string        `json:"playlist_path"`
}

// MasterManifest lists the successful renditions of one job, ascending by bitrate.
type MasterManifest struct {
	SourceID   string          `json:"source_id"`
	JobID      JobID           `json:"job_id"`
	Renditions []ManifestEntry `json:"renditions"`
}

// RunPrefix is the master-relative directory holding a job's renditions.
func RunPrefix(id JobID) string {
	return path.Join(runsDir, string(id))
}

// BuildMasterManifest derives the master manifest from a job. Only tiers with
// a recorded RenditionOutput are listed, so a failed tier can never be referenced.
func BuildMasterManifest(job *TranscodeJob) (MasterManifest, error) {
	m := MasterManifest{SourceID: job.SourceID, JobID: job.ID}
	if len(job.Outputs) == 0 {
		return m, ErrNothingToPublish
	}

	tiers := make(Ladder, 0, len(job.Outputs))
	for _, out := range job.Outputs {
		tiers = append(tiers, out.Tier)
	}
	sort.SliceStable(tiers, func(i, j int) bool { return tierLess(tiers[i], tiers[j]) })

	for _, t := range tiers {
		m.Renditions = append(m.Renditions, ManifestEntry{
			Tier:         t,
			PlaylistPath: path.Join(RunPrefix(job.ID), t.Name, playlistFile),
		})
	}
	return m, nil
}

// Encode renders the master playlist. Identical entries give identical bytes.
func (m MasterManifest) Encode() string {
	var b strings.Builder

	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")
	for _, e := range m.Renditions {
		fmt.Fprintf(&b, "#EXT-X-STREAM-INF:BANDWIDTH=%d,RESOLUTION=%s\n", e.Tier.BitrateBps, e.Tier.Resolution())
		b.WriteString(e.PlaylistPath)
		b.WriteString("\n")
	}
	return b.String()
}

// BuildRenditionPlaylist renders a closed VOD playlist listing segments in
// order. segmentSeconds is the nominal encoder segment length; the target
// duration is raised if a segment rounds above it.
func BuildRenditionPlaylist(segments []SegmentRef, segmentSeconds int) string {
	var b strings.Builder

	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")
	fmt.Fprintf(&b, "#EXT-X-TARGETDURATION:%d\n", targetDuration(segments, segmentSeconds))
	b.WriteString("#EXT-X-MEDIA-SEQUENCE:0\n")
	b.WriteString("#EXT-X-PLAYLIST-TYPE:VOD\n")

	for _, seg := range segments {
		fmt.Fprintf(&b, "#EXTINF:%.3f,\n", seg.Duration)
		b.WriteString(seg.Path)
		b.WriteString("\n")
	}

	b.WriteString("#EXT-X-ENDLIST\n")
	return b.String()
}

// targetDuration returns the larger of the nominal segment length and the
// longest segment rounded to the nearest second.
func targetDuration(segments []SegmentRef, nominal int) int {
	td := nominal
	for _, seg := range segments {
		if r := int(math.Round(seg.Duration)); r > td {
			td = r
		}
	}
	if td <= 0 {
		return 1
	}
	return td
}
