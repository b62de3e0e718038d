package service

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/webitel/wlog"
	"go.uber.org/atomic"

	"github.com/webitel/ffmpeg_batch/config"
	"github.com/webitel/ffmpeg_batch/internal/model"
	"github.com/webitel/ffmpeg_batch/internal/telemetry"
)

const (
	pendingPrefix = "_"
	readyPrefix   = "-"
	unpackPrefix  = "_UNPACK_"

	defaultWatchScript = "scale.sh"
)

var defaultWatchExtensions = []string{"mp4", "mov", "m4v", "mkv"}

type JobQueue interface {
	QueueJob(in model.JobInput) (*model.Job, error)
}

// Promotion is a watch directory renamed from "_name" to "-name".
type Promotion struct {
	OldPath string
	NewPath string
}

// Watcher turns media dropped into the watch directory into jobs. Every
// file lives in its own subdirectory: "_name" while it is being written,
// "-name" once it holds exactly one media file and is ready.
type Watcher struct {
	dir           string
	defaultScript string
	outputExt     string
	extensions    map[string]struct{}
	queue         JobQueue
	log           *wlog.Logger

	mu      sync.Mutex
	running atomic.Bool
	stop    chan struct{}
	done    chan struct{}
}

func NewWatcher(cfg *config.Config, log *wlog.Logger, queue JobQueue) *Watcher {
	w := &Watcher{
		dir:           cfg.Watch.Dir,
		defaultScript: cfg.Watch.DefaultScript,
		outputExt:     cfg.Scripts.OutputExt,
		extensions:    make(map[string]struct{}),
		queue:         queue,
		log:           log.With(wlog.String("service", "watcher"), wlog.String("watch_dir", cfg.Watch.Dir)),
	}

	if w.defaultScript == "" {
		w.defaultScript = defaultWatchScript
	}

	if w.outputExt == "" {
		w.outputExt = defaultOutputExt
	}

	exts := cfg.Watch.Extensions.Value()
	if len(exts) == 0 {
		exts = defaultWatchExtensions
	}

	for _, e := range exts {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		w.extensions[e] = struct{}{}
	}

	return w
}

// soleMedia returns the only media file in dir, if there is exactly one.
func (w *Watcher) soleMedia(dir string) (string, bool) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", false
	}

	found := ""
	for _, e := range entries {
		if e.IsDir() {
			continue
		}

		if _, ok := w.extensions[strings.ToLower(filepath.Ext(e.Name()))]; !ok {
			continue
		}

		if found != "" {
			return "", false
		}
		found = filepath.Join(dir, e.Name())
	}

	return found, found != ""
}

// Transform marks ready every "_name" directory holding exactly one media
// file by renaming it to "-name". "_UNPACK_*" directories are never touched.
func (w *Watcher) Transform(dir string) ([]Promotion, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrap(err, "read watch directory")
	}

	res := make([]Promotion, 0)
	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() || !strings.HasPrefix(name, pendingPrefix) || strings.HasPrefix(name, unpackPrefix) {
			continue
		}

		oldPath := filepath.Join(dir, name)
		if _, ok := w.soleMedia(oldPath); !ok {
			continue
		}

		newPath := filepath.Join(dir, readyPrefix+strings.TrimPrefix(name, pendingPrefix))
		if err = os.Rename(oldPath, newPath); err != nil {
			w.log.Error(fmt.Sprintf("can't mark %s ready: %s", name, err.Error()), wlog.Err(err))
			continue
		}

		w.log.Debug(fmt.Sprintf("marked ready %s -> %s", oldPath, newPath))
		telemetry.WatchPromotions.Inc()
		res = append(res, Promotion{OldPath: oldPath, NewPath: newPath})
	}

	return res, nil
}

// Scan lists the media file of every ready directory, oldest directory first.
func (w *Watcher) Scan(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrap(err, "read watch directory")
	}

	type candidate struct {
		file  string
		name  string
		mtime time.Time
	}

	found := make([]candidate, 0)
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), readyPrefix) {
			continue
		}

		sub := filepath.Join(dir, e.Name())
		file, ok := w.soleMedia(sub)
		if !ok {
			continue
		}

		st, err := os.Stat(sub)
		if err != nil {
			continue
		}

		found = append(found, candidate{file: file, name: e.Name(), mtime: st.ModTime()})
	}

	sort.SliceStable(found, func(i, j int) bool {
		if found[i].mtime.Equal(found[j].mtime) {
			return found[i].name < found[j].name
		}
		return found[i].mtime.Before(found[j].mtime)
	})

	files := make([]string, 0, len(found))
	for _, c := range found {
		files = append(files, c.file)
	}

	return files, nil
}

// Process runs one watch cycle: promote, scan, then queue every ready file
// with the default script. Duplicates are filtered by the queue.
func (w *Watcher) Process(ctx context.Context) error {
	w.log.Debug("scanning for pending files")

	if _, err := w.Transform(w.dir); err != nil {
		return err
	}

	files, err := w.Scan(w.dir)
	if err != nil {
		return err
	}

	for _, file := range files {
		if err = ctx.Err(); err != nil {
			return err
		}

		_, err = w.queue.QueueJob(model.JobInput{
			InputFilePath: file,
			OutFilePath:   model.DefaultOutputPath(file, w.outputExt),
			ScriptName:    w.defaultScript,
		})
		if err != nil {
			w.log.Error(fmt.Sprintf("can't queue %s: %s", file, err.Error()), wlog.Err(err))
		}
	}

	return nil
}

// Start runs Process every interval until Stop or until ctx is done.
// Calling Start on a running watcher does nothing; a watcher whose ctx is
// done can be started again.
func (w *Watcher) Start(ctx context.Context, interval time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.alive() {
		return
	}

	w.running.Store(true)
	w.stop = make(chan struct{})
	w.done = make(chan struct{})

	w.log.Info(fmt.Sprintf("start watching directory, every %s", interval))

	go w.loop(ctx, interval, w.stop, w.done)
}

func (w *Watcher) loop(ctx context.Context, interval time.Duration, stop, done chan struct{}) {
	defer close(done)

	for {
		if err := w.Process(ctx); err != nil && ctx.Err() == nil {
			w.log.Error(err.Error(), wlog.Err(err))
		}

		select {
		case <-ctx.Done():
			w.running.Store(false)
			return
		case <-stop:
			return
		case <-time.After(interval):
		}
	}
}

// Stop prevents new cycles and waits for the running one to finish.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.alive() {
		w.running.Store(false)
		return
	}

	close(w.stop)
	<-w.done

	w.running.Store(false)
	w.log.Info("stop watching directory")
}

// alive must be called with mu held.
func (w *Watcher) alive() bool {
	if !w.running.Load() || w.done == nil {
		return false
	}

	select {
	case <-w.done:
		return false
	default:
		return true
	}
}

func (w *Watcher) Running() bool {
	return w.running.Load()
}
