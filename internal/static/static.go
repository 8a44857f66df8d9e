package static

import (
	"context"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/matst80/tn3270gw/internal/obs"
	"github.com/pkg/errors"
)

// Server serves the browser bundle from a directory and reports, on
// /mtime, when it last changed so that a page can reload itself.
type Server struct {
	root  string
	files http.Handler
	mtime atomic.Int64 // epoch milliseconds
}

func New(root string) (*Server, error) {
	fi, err := os.Stat(root)
	if err != nil {
		return nil, errors.Wrap(err, "static root")
	}
	if !fi.IsDir() {
		return nil, errors.Errorf("static root %s is not a directory", root)
	}
	s := &Server{root: root, files: http.FileServer(http.Dir(root))}
	s.mtime.Store(fi.ModTime().UnixMilli())
	return s, nil
}

// MTime is the latest modification seen under the root, in epoch milliseconds.
func (s *Server) MTime() int64 { return s.mtime.Load() }

func (s *Server) bump(t time.Time) {
	ms := t.UnixMilli()
	for {
		cur := s.mtime.Load()
		if ms <= cur || s.mtime.CompareAndSwap(cur, ms) {
			return
		}
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/mtime" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		_, _ = w.Write([]byte(strconv.FormatInt(s.MTime(), 10)))
		return
	}
	for _, part := range strings.Split(r.URL.Path, "/") {
		if strings.HasPrefix(part, ".") {
			http.NotFound(w, r)
			return
		}
	}
	s.files.ServeHTTP(w, r)
}

// Watch follows changes under the root until ctx is done.
func (s *Server) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "fsnotify")
	}
	defer w.Close()
	err = filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.Add(path)
		}
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "watch static root")
	}
	obs.Info("static.watch", obs.Fields{"root": s.root})
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			s.onEvent(w, ev)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			obs.Error("static.watch", obs.Fields{"err": err.Error()})
		}
	}
}

func (s *Server) onEvent(w *fsnotify.Watcher, ev fsnotify.Event) {
	obs.Debug("static.change", obs.Fields{"path": ev.Name, "op": ev.Op.String()})
	fi, err := os.Stat(ev.Name)
	if err != nil {
		// removed or renamed away
		s.bump(time.Now())
		return
	}
	if ev.Op&fsnotify.Create == fsnotify.Create && fi.IsDir() {
		_ = w.Add(ev.Name)
	}
	s.bump(fi.ModTime())
}
