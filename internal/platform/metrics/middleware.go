package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"path"
	"strings"
	"time"
)

// Asset kinds used as the serve-duration label.
const (
	KindPlaylist = "playlist"
	KindSegment  = "segment"
	KindAPI      = "api"
)

// AssetKind classifies a request path for the serve-duration histogram.
func AssetKind(p string) string {
	switch strings.ToLower(path.Ext(p)) {
	case ".m3u8":
		return KindPlaylist
	case ".ts":
		return KindSegment
	}
	return KindAPI
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("metrics: %T does not support hijacking", w.ResponseWriter)
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// RequestMiddleware counts requests, counts error responses (status >= 400)
// and times each response by asset kind. A nil Metrics disables it.
func RequestMiddleware(m *Metrics) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if m == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrap := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(wrap, r)
			m.IncRequests()
			if wrap.status >= 400 {
				m.IncErrors()
			}
			m.ObserveServe(AssetKind(r.URL.Path), time.Since(start))
		})
	}
}
