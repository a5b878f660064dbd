package transcode

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"hls-ladder/internal/platform/metrics"

	"github.com/go-chi/chi/v5"
)

// ErrSourceNotFound is returned when a source id maps to no readable file.
var ErrSourceNotFound = errors.New("source not found")

// SourceResolver maps a source id to a media file. The catalog behind it is
// somebody else's concern.
type SourceResolver interface {
	Resolve(sourceID, relPath string) (string, error)
}

// videoExts are tried, in order, when a source id has no extension.
var videoExts = []string{".mp4", ".mov", ".mkv", ".webm", ".m4v", ".avi"}

// DirResolver finds sources in a single directory.
type DirResolver struct {
	Dir string
}

// Resolve implements SourceResolver. A non-empty relPath is taken relative to
// Dir; otherwise <Dir>/<id> and then <Dir>/<id>.<ext> are tried.
func (d DirResolver) Resolve(sourceID, relPath string) (string, error) {
	var candidates []string
	if relPath != "" {
		candidates = append(candidates, filepath.Join(d.Dir, filepath.FromSlash(path.Clean("/"+relPath))))
	} else {
		candidates = append(candidates, filepath.Join(d.Dir, sourceID))
		for _, ext := range videoExts {
			candidates = append(candidates, filepath.Join(d.Dir, sourceID+ext))
		}
	}
	for _, c := range candidates {
		if st, err := os.Stat(c); err == nil && st.Mode().IsRegular() {
			return c, nil
		}
	}
	return "", ErrSourceNotFound
}

// Handler exposes the transcode trigger, job status and HLS retrieval using go-chi.
type Handler struct {
	orch     *Orchestrator
	sources  SourceResolver
	root     string
	log      *slog.Logger
	metrics  *metrics.Metrics
	hlsRoute string
}

// NewHandler returns a Handler. Metrics may be nil (e.g. in tests).
func NewHandler(orch *Orchestrator, sources SourceResolver, log *slog.Logger, m *metrics.Metrics) *Handler {
	return &Handler{
		orch:     orch,
		sources:  sources,
		root:     orch.Config().OutputRoot,
		log:      log,
		metrics:  m,
		hlsRoute: "/hls",
	}
}

// Routes mounts the endpoints. triggerMW wraps only the transcode trigger.
func (h *Handler) Routes(r chi.Router, triggerMW ...func(http.Handler) http.Handler) {
	r.Get("/healthz", h.Healthz)
	r.With(triggerMW...).Post("/sources/{source_id}/transcode", h.TriggerTranscode)
	r.Get("/jobs/{job_id}", h.GetJob)
	r.Get(h.hlsRoute+"/*", h.ServeHLS)
	r.Head(h.hlsRoute+"/*", h.ServeHLS)
}

// ManifestURL is where players fetch the master manifest of sourceID.
func (h *Handler) ManifestURL(sourceID string) string {
	return path.Join(h.hlsRoute, sourceID, masterFile)
}

type triggerRequest struct {
	Path string `json:"path"`
}

type triggerResponse struct {
	JobID       JobID     `json:"job_id"`
	SourceID    string    `json:"source_id"`
	Status      JobStatus `json:"status"`
	ManifestURL string    `json:"manifest_url"`
}

// TriggerTranscode handles POST /sources/{source_id}/transcode.
// Body (optional): { "path": "relative/to/source/dir.mp4" }.
func (h *Handler) TriggerTranscode(w http.ResponseWriter, r *http.Request) {
	sourceID := chi.URLParam(r, "source_id")
	if !sourceIDPattern.MatchString(sourceID) {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	var req triggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.log.Debug("invalid transcode body", slog.String("error", err.Error()))
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	src, err := h.sources.Resolve(sourceID, req.Path)
	if err != nil {
		h.log.Info("transcode source not found", slog.String("source_id", sourceID), slog.String("path", req.Path))
		w.WriteHeader(http.StatusNotFound)
		return
	}

	job, err := h.orch.Submit(r.Context(), sourceID, src)
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidSourceID):
			w.WriteHeader(http.StatusBadRequest)
		default:
			h.log.Error("submit transcode failed", slog.String("source_id", sourceID), slog.String("error", err.Error()))
			h.incErrors()
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		return
	}

	h.log.Info("transcode accepted",
		slog.String("job_id", string(job.ID)),
		slog.String("source_id", sourceID),
		slog.String("source", src))
	writeJSON(w, http.StatusAccepted, triggerResponse{
		JobID:       job.ID,
		SourceID:    sourceID,
		Status:      job.Status,
		ManifestURL: h.ManifestURL(sourceID),
	})
}

type tierView struct {
	Name       string `json:"name"`
	BitrateBps int    `json:"bitrate_bps"`
	Resolution string `json:"resolution"`
	State      string `json:"state"`
	Error      string `json:"error,omitempty"`
	Segments   int    `json:"segments,omitempty"`
}

type jobView struct {
	JobID        JobID      `json:"job_id"`
	SourceID     string     `json:"source_id"`
	Status       JobStatus  `json:"status"`
	Tiers        []tierView `json:"tiers"`
	ManifestURL  string     `json:"manifest_url,omitempty"`
	PublishError string     `json:"publish_error,omitempty"`
	MirrorError  string     `json:"mirror_error,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

// GetJob handles GET /jobs/{job_id}.
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	id := JobID(chi.URLParam(r, "job_id"))
	job, err := h.orch.Repo().GetJob(id)
	if err != nil {
		if errors.Is(err, ErrJobNotFound) {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		h.log.Error("get job failed", slog.String("job_id", string(id)), slog.String("error", err.Error()))
		h.incErrors()
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, h.view(job))
}

func (h *Handler) view(job *TranscodeJob) jobView {
	v := jobView{
		JobID:        job.ID,
		SourceID:     job.SourceID,
		Status:       job.Status,
		PublishError: job.PublishError,
		MirrorError:  job.MirrorError,
		CreatedAt:    job.CreatedAt,
	}
	if job.ManifestPath != "" {
		v.ManifestURL = h.ManifestURL(job.SourceID)
	}
	v.FinishedAt = job.FinishedAt
	for _, t := range job.Ladder {
		tv := tierView{Name: t.Name, BitrateBps: t.BitrateBps, Resolution: t.Resolution(), State: "pending"}
		if out, ok := job.Outputs[t.Name]; ok {
			tv.State = "ok"
			tv.Segments = len(out.Segments)
		} else if reason, ok := job.Failures[t.Name]; ok {
			tv.State = "failed"
			tv.Error = reason
		}
		v.Tiers = append(v.Tiers, tv)
	}
	return v
}

// ServeHLS handles GET /hls/{source_id}/... with byte-range support.
func (h *Handler) ServeHLS(w http.ResponseWriter, r *http.Request) {
	rel, ok := cleanAssetPath(chi.URLParam(r, "*"))
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	ct, ok := ContentType(rel)
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	f, err := os.Open(filepath.Join(h.root, filepath.FromSlash(rel)))
	if err != nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil || !st.Mode().IsRegular() {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", ct)
	if path.Base(rel) == masterFile {
		w.Header().Set("Cache-Control", "no-cache")
	} else {
		// Everything under runs/<job_id>/ is written once.
		w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	}
	http.ServeContent(w, r, path.Base(rel), st.ModTime(), f)
}

// cleanAssetPath rejects traversal and hidden (staging) components.
func cleanAssetPath(p string) (string, bool) {
	if p == "" || strings.Contains(p, "\\") {
		return "", false
	}
	for _, part := range strings.Split(p, "/") {
		if part == "" || part == "." || part == ".." || strings.HasPrefix(part, ".") {
			return "", false
		}
	}
	return path.Clean(p), true
}

// Healthz handles GET /healthz.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"active_jobs": h.orch.Repo().ActiveJobCount(),
	})
}

func (h *Handler) incErrors() {
	if h.metrics != nil {
		h.metrics.IncErrors()
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
