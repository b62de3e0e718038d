package service

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"

	"github.com/webitel/ffmpeg_batch/config"
	"github.com/webitel/ffmpeg_batch/internal/model"
)

type fakeQueue struct {
	mu     sync.Mutex
	inputs []model.JobInput
	fail   bool
}

func (q *fakeQueue) QueueJob(in model.JobInput) (*model.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.inputs = append(q.inputs, in)
	if q.fail {
		return nil, errors.New("queue failure")
	}

	return &model.Job{ID: model.NewJobID(time.Now(), in.InputFilePath)}, nil
}

func (q *fakeQueue) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.inputs)
}

func watchConfig(dir string) *config.Config {
	return &config.Config{
		Watch: config.WatchSettings{
			Dir:           dir,
			DefaultScript: "scale.sh",
			Extensions:    *cli.NewStringSlice("mp4", ".MOV", "m4v", "mkv"),
		},
		Scripts: config.ScriptsSettings{OutputExt: ".mp4"},
	}
}

// dropDir creates dir/name holding files, then sets the directory mtime.
func dropDir(t *testing.T, dir, name string, mtime time.Time, files ...string) string {
	t.Helper()

	sub := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(sub, 0o755))
	for _, f := range files {
		require.NoError(t, os.WriteFile(filepath.Join(sub, f), []byte("media"), 0o644))
	}
	require.NoError(t, os.Chtimes(sub, mtime, mtime))

	return sub
}

func TestWatcher_Transform(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()

	dropDir(t, dir, "_ready", now, "movie.mp4", "cover.jpg")
	dropDir(t, dir, "_upper", now, "movie.MOV")
	dropDir(t, dir, "_two", now, "a.mp4", "b.mkv")
	dropDir(t, dir, "_none", now, "notes.txt")
	dropDir(t, dir, "_UNPACK_movie", now, "movie.mp4")
	dropDir(t, dir, "plain", now, "movie.mp4")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "_file.mp4"), []byte("x"), 0o644))

	w := NewWatcher(watchConfig(dir), testLogger(), &fakeQueue{})

	res, err := w.Transform(dir)

	require.NoError(t, err)
	assert.Equal(t, []Promotion{
		{OldPath: filepath.Join(dir, "_ready"), NewPath: filepath.Join(dir, "-ready")},
		{OldPath: filepath.Join(dir, "_upper"), NewPath: filepath.Join(dir, "-upper")},
	}, res)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.ElementsMatch(t, []string{"-ready", "-upper", "_two", "_none", "_UNPACK_movie", "plain", "_file.mp4"}, names)

	t.Run("Missing directory", func(t *testing.T) {
		_, err := w.Transform(filepath.Join(dir, "missing"))
		assert.Error(t, err)
	})
}

func TestWatcher_Scan(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()

	dropDir(t, dir, "-newest", now, "c.mp4")
	dropDir(t, dir, "-oldest", now.Add(-2*time.Hour), "a.m4v")
	dropDir(t, dir, "-middle", now.Add(-time.Hour), "b.mkv", "subs.srt")
	dropDir(t, dir, "-two", now.Add(-3*time.Hour), "a.mp4", "b.mp4")
	dropDir(t, dir, "_pending", now.Add(-4*time.Hour), "a.mp4")
	dropDir(t, dir, "other", now.Add(-4*time.Hour), "a.mp4")

	w := NewWatcher(watchConfig(dir), testLogger(), &fakeQueue{})

	files, err := w.Scan(dir)

	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(dir, "-oldest", "a.m4v"),
		filepath.Join(dir, "-middle", "b.mkv"),
		filepath.Join(dir, "-newest", "c.mp4"),
	}, files)
}

func TestWatcher_Process(t *testing.T) {
	t.Run("Queues ready files with the default script", func(t *testing.T) {
		dir := t.TempDir()
		now := time.Now()
		dropDir(t, dir, "_incoming", now, "movie.mov")
		dropDir(t, dir, "-old", now.Add(-time.Hour), "clip.mp4")

		q := &fakeQueue{}
		w := NewWatcher(watchConfig(dir), testLogger(), q)

		require.NoError(t, w.Process(context.Background()))

		assert.Equal(t, []model.JobInput{
			{
				InputFilePath: filepath.Join(dir, "-old", "clip.mp4"),
				OutFilePath:   filepath.Join(dir, "-old", "_clip.mp4"),
				ScriptName:    "scale.sh",
			},
			{
				InputFilePath: filepath.Join(dir, "-incoming", "movie.mov"),
				OutFilePath:   filepath.Join(dir, "-incoming", "_movie.mp4"),
				ScriptName:    "scale.sh",
			},
		}, q.inputs)
	})

	t.Run("Queue failures do not stop the cycle", func(t *testing.T) {
		dir := t.TempDir()
		dropDir(t, dir, "-a", time.Now(), "a.mp4")
		dropDir(t, dir, "-b", time.Now(), "b.mp4")

		q := &fakeQueue{fail: true}
		w := NewWatcher(watchConfig(dir), testLogger(), q)

		require.NoError(t, w.Process(context.Background()))
		assert.Equal(t, 2, q.count())
	})

	t.Run("Drop directory becomes exactly one job", func(t *testing.T) {
		// Arrange
		env := newRunnerEnv(t, time.Hour)
		watchDir := t.TempDir()
		dropDir(t, watchDir, "_incoming", time.Now(), "in.mp4")

		cfg := watchConfig(watchDir)
		cfg.Watch.DefaultScript = "test.sh"
		w := NewWatcher(cfg, testLogger(), env.runner)

		// Act
		require.NoError(t, w.Process(context.Background()))
		require.NoError(t, w.Process(context.Background()))

		// Assert
		_, err := os.Stat(filepath.Join(watchDir, "-incoming"))
		require.NoError(t, err)
		_, err = os.Stat(filepath.Join(watchDir, "_incoming"))
		assert.True(t, os.IsNotExist(err))

		jobs, err := env.store.Incomplete()
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		assert.Equal(t, filepath.Join(watchDir, "-incoming", "in.mp4"), jobs[0].InputFilePath)
		assert.Equal(t, filepath.Join(watchDir, "-incoming", "_in.mp4"), jobs[0].OutFilePath)
		assert.Equal(t, "test.sh", jobs[0].ScriptName)
	})

	t.Run("Cancelled context stops submissions", func(t *testing.T) {
		dir := t.TempDir()
		dropDir(t, dir, "-a", time.Now(), "a.mp4")

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		q := &fakeQueue{}
		w := NewWatcher(watchConfig(dir), testLogger(), q)

		assert.ErrorIs(t, w.Process(ctx), context.Canceled)
		assert.Equal(t, 0, q.count())
	})
}

func TestWatcher_StartStop(t *testing.T) {
	dir := t.TempDir()
	q := &fakeQueue{}
	w := NewWatcher(watchConfig(dir), testLogger(), q)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w.Stop()
	assert.False(t, w.Running())

	w.Start(ctx, 20*time.Millisecond)
	w.Start(ctx, 20*time.Millisecond)
	assert.True(t, w.Running())

	dropDir(t, dir, "_late", time.Now(), "late.mp4")

	assert.Eventually(t, func() bool {
		return q.count() > 0
	}, 2*time.Second, 10*time.Millisecond)

	w.Stop()
	w.Stop()
	assert.False(t, w.Running())

	seen := q.count()
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, seen, q.count())
}

func TestWatcher_RestartAfterContextDone(t *testing.T) {
	dir := t.TempDir()
	q := &fakeQueue{}
	w := NewWatcher(watchConfig(dir), testLogger(), q)

	ctx, cancel := context.WithCancel(context.Background())
	w.Start(ctx, 20*time.Millisecond)
	require.True(t, w.Running())

	cancel()
	assert.Eventually(t, func() bool {
		return !w.Running()
	}, 2*time.Second, 10*time.Millisecond)

	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()

	w.Start(ctx2, 20*time.Millisecond)
	assert.True(t, w.Running())

	dropDir(t, dir, "_again", time.Now(), "again.mp4")
	assert.Eventually(t, func() bool {
		return q.count() > 0
	}, 2*time.Second, 10*time.Millisecond)

	w.Stop()
	assert.False(t, w.Running())
}
