package transcode

import (
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// segmentWatcher reports segment files as the encoder creates them, so long
// encodes show progress before the process exits.
type segmentWatcher struct {
	w    *fsnotify.Watcher
	done chan struct{}
}

func watchSegments(dir string, onSegment func(name string)) (*segmentWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, err
	}

	sw := &segmentWatcher{w: w, done: make(chan struct{})}
	go func() {
		defer close(sw.done)
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Has(fsnotify.Create) && strings.HasSuffix(ev.Name, ".ts") {
					onSegment(filepath.Base(ev.Name))
				}
			case _, ok := <-w.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return sw, nil
}

// Close stops watching and waits for the event loop to exit.
func (s *segmentWatcher) Close() {
	s.w.Close()
	<-s.done
}
