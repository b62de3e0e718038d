package store

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/webitel/wlog"

	"github.com/webitel/ffmpeg_batch/internal/model"
)

func newTestStore(t *testing.T) *JobStore {
	t.Helper()

	s, err := NewJobStore(t.TempDir(), DefaultStaleAfter, wlog.NewLogger(&wlog.LoggerConfiguration{EnableConsole: false}))
	require.NoError(t, err)

	return s
}

// writeJob places a raw job file and sets its modification time.
func writeJob(t *testing.T, s *JobStore, id model.JobID, data model.JobData, mtime time.Time) {
	t.Helper()

	name := s.Path(id)
	require.NoError(t, os.WriteFile(name, append(data.JSON(), '\n'), 0o644))
	require.NoError(t, os.Chtimes(name, mtime, mtime))
}

func readLines(t *testing.T, name string) []string {
	t.Helper()

	raw, err := os.ReadFile(name)
	require.NoError(t, err)

	return strings.Split(strings.TrimSuffix(string(raw), "\n"), "\n")
}

func testData(name string) model.JobData {
	return model.JobData{
		InputFilePath: filepath.Join("media", name, "in.mp4"),
		OutFilePath:   filepath.Join("media", name, "_in.mp4"),
		ScriptName:    "test.sh",
	}
}

func TestNewJobStore(t *testing.T) {
	dir := t.TempDir()
	log := wlog.NewLogger(&wlog.LoggerConfiguration{EnableConsole: false})

	require.NoError(t, os.WriteFile(filepath.Join(dir, ".leftover.tmp"), []byte("{"), 0o644))

	_, err := NewJobStore(dir, 0, log)
	require.NoError(t, err)

	s, err := NewJobStore(dir, 0, log)
	require.NoError(t, err)
	assert.Equal(t, DefaultStaleAfter, s.staleAfter)

	for _, sub := range []string{"todo", "done", "error"} {
		st, err := os.Stat(filepath.Join(dir, sub))
		require.NoError(t, err)
		assert.True(t, st.IsDir())
	}

	_, err = os.Stat(filepath.Join(dir, ".leftover.tmp"))
	assert.True(t, os.IsNotExist(err))
}

func TestJobStore_Add(t *testing.T) {
	s := newTestStore(t)
	data := testData("parent")

	job, err := s.Add(data)
	require.NoError(t, err)

	assert.Equal(t, model.StatusTodo, job.Status())
	assert.True(t, strings.HasSuffix(job.ID.String(), "_parent.job"))
	assert.Equal(t, &model.Job{ID: job.ID, JobData: data}, s.Get(job.ID))

	lines := readLines(t, s.Path(job.ID))
	assert.Len(t, lines, 1)

	t.Run("Same parent in the same millisecond gets a new id", func(t *testing.T) {
		s.now = func() time.Time { return time.UnixMilli(1700000000000) }
		defer func() { s.now = time.Now }()

		first, err := s.Add(data)
		require.NoError(t, err)
		second, err := s.Add(data)
		require.NoError(t, err)

		assert.NotEqual(t, first.ID, second.ID)
		assert.Less(t, first.ID.String(), second.ID.String())
	})

	t.Run("No temp files left", func(t *testing.T) {
		entries, err := os.ReadDir(s.Dir())
		require.NoError(t, err)
		for _, e := range entries {
			assert.False(t, strings.HasSuffix(e.Name(), tempSuffix), e.Name())
		}
	})
}

func TestJobStore_Get(t *testing.T) {
	s := newTestStore(t)

	assert.Nil(t, s.Get("todo/missing.job"))

	require.NoError(t, os.WriteFile(s.Path("todo/corrupt.job"), []byte("{not json\n"), 0o644))
	assert.Nil(t, s.Get("todo/corrupt.job"))

	require.NoError(t, os.WriteFile(s.Path("todo/empty.job"), nil, 0o644))
	assert.Nil(t, s.Get("todo/empty.job"))

	data := testData("x")
	raw := string(data.JSON()) + "\n\nscript output\n{\"startedAt\":\"2024-01-01T00:00:00Z\",\"durationMs\":1}\n"
	require.NoError(t, os.WriteFile(s.Path("done/x.job"), []byte(raw), 0o644))

	job := s.Get("done/x.job")
	require.NotNil(t, job)
	assert.Equal(t, data, job.JobData)
}

func TestJobStore_Next(t *testing.T) {
	now := time.Now()

	t.Run("Empty store", func(t *testing.T) {
		s := newTestStore(t)

		job, err := s.Next()
		require.NoError(t, err)
		assert.Nil(t, job)
	})

	t.Run("First queued job", func(t *testing.T) {
		s := newTestStore(t)
		writeJob(t, s, "todo/1700000000002_b.job", testData("b"), now)
		writeJob(t, s, "todo/1700000000001_a.job", testData("a"), now)

		job, err := s.Next()
		require.NoError(t, err)
		require.NotNil(t, job)
		assert.Equal(t, model.JobID("todo/1700000000001_a.job"), job.ID)
	})

	t.Run("Stale claimed job wins over older queued job", func(t *testing.T) {
		s := newTestStore(t)
		writeJob(t, s, "todo/1600000000000_old.job", testData("old"), now)
		writeJob(t, s, "1700000000000_fresh.job", testData("fresh"), now)
		writeJob(t, s, "1700000000002_stale.job", testData("stale"), now.Add(-61*time.Second))
		writeJob(t, s, "1700000000001_stale.job", testData("stale"), now.Add(-90*time.Second))

		job, err := s.Next()
		require.NoError(t, err)
		require.NotNil(t, job)
		assert.Equal(t, model.JobID("1700000000001_stale.job"), job.ID)
		assert.Equal(t, model.StatusClaimed, job.Status())
	})

	t.Run("Fresh claimed job is not resumed", func(t *testing.T) {
		s := newTestStore(t)
		writeJob(t, s, "1700000000000_running.job", testData("running"), now)

		job, err := s.Next()
		require.NoError(t, err)
		assert.Nil(t, job)
	})

	t.Run("Configured staleness", func(t *testing.T) {
		dir := t.TempDir()
		s, err := NewJobStore(dir, 10*time.Second, wlog.NewLogger(&wlog.LoggerConfiguration{EnableConsole: false}))
		require.NoError(t, err)
		writeJob(t, s, "1700000000000_x.job", testData("x"), now.Add(-11*time.Second))

		job, err := s.Next()
		require.NoError(t, err)
		require.NotNil(t, job)
		assert.Equal(t, model.JobID("1700000000000_x.job"), job.ID)
	})

	t.Run("Corrupt head is skipped", func(t *testing.T) {
		s := newTestStore(t)
		require.NoError(t, os.WriteFile(s.Path("todo/1700000000000_bad.job"), []byte("garbage\n"), 0o644))
		writeJob(t, s, "todo/1700000000001_good.job", testData("good"), now)

		job, err := s.Next()
		require.NoError(t, err)
		require.NotNil(t, job)
		assert.Equal(t, model.JobID("todo/1700000000001_good.job"), job.ID)
	})
}

func TestJobStore_Start(t *testing.T) {
	t.Run("Claims a queued job", func(t *testing.T) {
		s := newTestStore(t)
		queued, err := s.Add(testData("a"))
		require.NoError(t, err)

		job, err := s.Start(queued.ID)
		require.NoError(t, err)
		require.NotNil(t, job)

		assert.Equal(t, queued.ID.WithStatus(model.StatusClaimed), job.ID)
		assert.Equal(t, queued.JobData, job.JobData)

		_, err = os.Stat(s.Path(queued.ID))
		assert.True(t, os.IsNotExist(err))
		assert.Equal(t, []string{string(queued.JSON()), ""}, readLines(t, s.Path(job.ID)))
	})

	t.Run("Vanished job yields nothing and creates no file", func(t *testing.T) {
		s := newTestStore(t)

		job, err := s.Start("todo/1700000000000_gone.job")
		require.NoError(t, err)
		assert.Nil(t, job)

		_, err = os.Stat(s.Path("1700000000000_gone.job"))
		assert.True(t, os.IsNotExist(err))
		_, err = os.Stat(s.Path("todo/1700000000000_gone.job"))
		assert.True(t, os.IsNotExist(err))
	})

	t.Run("Resumes a stale claimed job in place", func(t *testing.T) {
		s := newTestStore(t)
		id := model.JobID("1700000000000_stale.job")
		old := time.Now().Add(-61 * time.Second)
		writeJob(t, s, id, testData("stale"), old)

		job, err := s.Start(id)
		require.NoError(t, err)
		require.NotNil(t, job)
		assert.Equal(t, id, job.ID)

		st, err := os.Stat(s.Path(id))
		require.NoError(t, err)
		assert.GreaterOrEqual(t, st.ModTime().Sub(old), 61*time.Second)
	})

	t.Run("Terminal jobs can not be claimed", func(t *testing.T) {
		s := newTestStore(t)
		writeJob(t, s, "done/1700000000000_x.job", testData("x"), time.Now())

		job, err := s.Start("done/1700000000000_x.job")
		assert.True(t, errors.Is(err, ErrInvalidTransition))
		assert.Nil(t, job)

		_, err = os.Stat(s.Path("done/1700000000000_x.job"))
		assert.NoError(t, err)
	})
}

func TestJobStore_Complete(t *testing.T) {
	startedAt := time.Now().Add(-1500 * time.Millisecond)

	claim := func(t *testing.T, s *JobStore) *model.Job {
		queued, err := s.Add(testData("a"))
		require.NoError(t, err)
		job, err := s.Start(queued.ID)
		require.NoError(t, err)
		require.NotNil(t, job)

		return job
	}

	resultOf := func(t *testing.T, name string) map[string]json.RawMessage {
		lines := readLines(t, name)
		res := map[string]json.RawMessage{}
		require.NoError(t, json.Unmarshal([]byte(lines[len(lines)-1]), &res))

		return res
	}

	t.Run("Success", func(t *testing.T) {
		s := newTestStore(t)
		job := claim(t, s)

		f, err := os.OpenFile(s.Path(job.ID), os.O_WRONLY|os.O_APPEND, 0)
		require.NoError(t, err)
		_, err = f.WriteString("partial output without newline")
		require.NoError(t, err)
		require.NoError(t, f.Close())

		id, err := s.Complete(job, startedAt, model.Outcome{Output: &model.FileInfo{Size: 42, VideoInfo: model.VideoInfo{Width: 320}}})
		require.NoError(t, err)

		assert.Equal(t, job.ID.WithStatus(model.StatusDone), id)
		_, err = os.Stat(s.Path(job.ID))
		assert.True(t, os.IsNotExist(err))

		res := resultOf(t, s.Path(id))
		assert.Len(t, res, 3)
		assert.Contains(t, res, "startedAt")
		assert.Contains(t, res, "durationMs")
		assert.JSONEq(t, `{"size":42,"width":320}`, string(res["outputFileInfo"]))

		lines := readLines(t, s.Path(id))
		assert.Equal(t, "partial output without newline", lines[len(lines)-2])

		details := s.Details(id)
		require.NotNil(t, details)
		require.NotNil(t, details.Result)
		assert.GreaterOrEqual(t, details.Result.DurationMs, int64(1500))
		assert.Equal(t, int64(42), details.Result.OutputFileInfo.Size)
	})

	t.Run("Success stats the output size", func(t *testing.T) {
		s := newTestStore(t)
		job := claim(t, s)
		job.OutFilePath = filepath.Join(t.TempDir(), "out.mp4")
		require.NoError(t, os.WriteFile(job.OutFilePath, []byte("12345"), 0o644))

		id, err := s.Complete(job, startedAt, model.Outcome{})
		require.NoError(t, err)

		details := s.Details(id)
		require.NotNil(t, details.Result)
		require.NotNil(t, details.Result.OutputFileInfo)
		assert.Equal(t, int64(5), details.Result.OutputFileInfo.Size)
	})

	t.Run("Failure", func(t *testing.T) {
		s := newTestStore(t)
		job := claim(t, s)

		id, err := s.Complete(job, startedAt, model.Outcome{
			Err:    errors.New("exit status 1"),
			Output: &model.FileInfo{Size: 1},
		})
		require.NoError(t, err)

		assert.Equal(t, job.ID.WithStatus(model.StatusError), id)
		_, err = os.Stat(s.Path(job.ID))
		assert.True(t, os.IsNotExist(err))

		res := resultOf(t, s.Path(id))
		assert.Len(t, res, 2)
		assert.Contains(t, res, "startedAt")
		assert.Contains(t, res, "durationMs")

		lines := readLines(t, s.Path(id))
		assert.Len(t, lines, 3)
	})
}

func TestJobStore_Enumeration(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()

	writeJob(t, s, "todo/1700000000004_t2.job", testData("t2"), now)
	writeJob(t, s, "todo/1700000000003_t1.job", testData("t1"), now)
	writeJob(t, s, "1700000000002_c.job", testData("c"), now)
	writeJob(t, s, "done/1700000000001_d.job", testData("d"), now)
	writeJob(t, s, "error/1700000000000_e.job", testData("e"), now)
	require.NoError(t, os.WriteFile(s.Path("todo/1700000000005_bad.job"), []byte("x\n"), 0o644))
	require.NoError(t, os.WriteFile(s.Path("todo/readme.txt"), []byte("x\n"), 0o644))
	require.NoError(t, os.Mkdir(s.Path("todo/sub.job"), 0o755))

	ids, err := s.AllIDs()
	require.NoError(t, err)
	assert.Equal(t, []model.JobID{
		"1700000000002_c.job",
		"todo/1700000000003_t1.job",
		"todo/1700000000004_t2.job",
		"todo/1700000000005_bad.job",
		"done/1700000000001_d.job",
		"error/1700000000000_e.job",
	}, ids)

	jobs, err := s.Incomplete()
	require.NoError(t, err)
	got := make([]model.JobID, 0, len(jobs))
	for _, j := range jobs {
		got = append(got, j.ID)
	}
	assert.Equal(t, []model.JobID{
		"1700000000002_c.job",
		"todo/1700000000003_t1.job",
		"todo/1700000000004_t2.job",
	}, got)
}

func TestJobStore_Details(t *testing.T) {
	s := newTestStore(t)
	queued, err := s.Add(testData("a"))
	require.NoError(t, err)

	d := s.Details(queued.ID)
	require.NotNil(t, d)
	require.NotNil(t, d.CreatedAt)
	require.NotNil(t, d.UpdatedAt)
	assert.Nil(t, d.Result)

	writeJob(t, s, "done/job99.job", testData("x"), time.Now())
	d = s.Details("done/job99.job")
	require.NotNil(t, d)
	assert.Nil(t, d.CreatedAt)
	assert.Nil(t, d.Result)

	assert.Nil(t, s.Details("done/missing.job"))

	rc, err := s.OpenLog(queued.ID)
	require.NoError(t, err)
	raw, err := io.ReadAll(rc)
	require.NoError(t, rc.Close())
	require.NoError(t, err)
	assert.Equal(t, string(queued.JSON())+"\n", string(raw))
}

func TestJobStore_Cleanup(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()
	day := 24 * time.Hour

	writeJob(t, s, "done/1700000000000_old1.job", testData("old1"), now.Add(-3*day))
	writeJob(t, s, "done/1700000000001_old2.job", testData("old2"), now.Add(-2*day))
	writeJob(t, s, "done/1700000000002_new.job", testData("new"), now.Add(-time.Hour))
	writeJob(t, s, "error/1700000000003_err.job", testData("err"), now.Add(-30*day))
	writeJob(t, s, "todo/1700000000004_todo.job", testData("todo"), now.Add(-30*day))

	count, err := s.Cleanup(day)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	ids, err := s.AllIDs()
	require.NoError(t, err)
	assert.Equal(t, []model.JobID{
		"todo/1700000000004_todo.job",
		"done/1700000000002_new.job",
		"error/1700000000003_err.job",
	}, ids)

	count, err = s.Cleanup(day)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestJobStore_CleanupKeepsGoingAfterFailure(t *testing.T) {
	orig := removeFile
	t.Cleanup(func() {
		removeFile = orig
	})

	s := newTestStore(t)
	old := time.Now().Add(-48 * time.Hour)

	writeJob(t, s, "done/1700000000000_a.job", testData("a"), old)
	writeJob(t, s, "done/1700000000001_b.job", testData("b"), old)
	writeJob(t, s, "done/1700000000002_c.job", testData("c"), old)

	locked := s.Path("done/1700000000001_b.job")
	removeFile = func(name string) error {
		if name == locked {
			return os.ErrPermission
		}

		return os.Remove(name)
	}

	count, err := s.Cleanup(24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	ids, err := s.AllIDs()
	require.NoError(t, err)
	assert.Equal(t, []model.JobID{"done/1700000000001_b.job"}, ids)
}

func TestJobStore_Healthy(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Healthy())

	require.NoError(t, os.RemoveAll(filepath.Join(s.Dir(), "done")))
	assert.Error(t, s.Healthy())

	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), "done"), nil, 0o644))
	assert.Error(t, s.Healthy())
}
