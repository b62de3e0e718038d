package store

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/webitel/wlog"

	"github.com/webitel/ffmpeg_batch/internal/model"
)

const (
	DefaultStaleAfter = 60 * time.Second

	tempSuffix = ".tmp"
)

var ErrInvalidTransition = errors.New("invalid job transition")

var removeFile = os.Remove

// JobStore keeps every job as a single file under the jobs root. The
// directory holding the file is the job status and a rename is the only
// way a job changes status:
//
//	todo/<id>.job   queued
//	<id>.job        claimed by a runner
//	done/<id>.job   finished successfully
//	error/<id>.job  failed
//
// Nothing is cached in memory, every call reads the directory tree again.
type JobStore struct {
	mu         sync.Mutex
	dir        string
	staleAfter time.Duration
	log        *wlog.Logger
	now        func() time.Time
}

func NewJobStore(dir string, staleAfter time.Duration, log *wlog.Logger) (*JobStore, error) {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}

	s := &JobStore{
		dir:        dir,
		staleAfter: staleAfter,
		log:        log.With(wlog.String("store", "jobs")),
		now:        time.Now,
	}

	for _, st := range []model.Status{model.StatusTodo, model.StatusDone, model.StatusError} {
		if err := os.MkdirAll(filepath.Join(dir, string(st)), 0o755); err != nil {
			return nil, errors.Wrapf(err, "create %s directory", st)
		}
	}

	s.removeTempFiles()

	return s, nil
}

func (s *JobStore) Dir() string {
	return s.dir
}

func (s *JobStore) Path(id model.JobID) string {
	return filepath.Join(s.dir, filepath.FromSlash(string(id)))
}

// Get reads the job definition from the first line of its file. A missing
// or unreadable job is reported as nil.
func (s *JobStore) Get(id model.JobID) *model.Job {
	line, err := readFirstLine(s.Path(id))
	if err != nil {
		s.log.Debug(fmt.Sprintf("can't read job %s: %s", id, err.Error()))
		return nil
	}

	var data model.JobData
	if err = json.Unmarshal(line, &data); err != nil {
		s.log.Debug(fmt.Sprintf("can't parse job %s: %s", id, err.Error()))
		return nil
	}

	return &model.Job{ID: id, JobData: data}
}

// Details adds timestamps and, for terminal jobs, the result line.
func (s *JobStore) Details(id model.JobID) *model.JobDetails {
	job := s.Get(id)
	if job == nil {
		return nil
	}

	d := &model.JobDetails{Job: *job}

	if createdAt, ok := id.CreatedAt(); ok {
		d.CreatedAt = &createdAt
	}

	if st, err := os.Stat(s.Path(id)); err == nil {
		updatedAt := st.ModTime()
		d.UpdatedAt = &updatedAt
	}

	if id.Status().IsTerminal() {
		d.Result = s.result(id)
	}

	return d
}

func (s *JobStore) result(id model.JobID) *model.JobResult {
	line, err := readLastLine(s.Path(id))
	if err != nil {
		return nil
	}

	var res model.JobResult
	if err = json.Unmarshal(line, &res); err != nil || res.StartedAt.IsZero() {
		return nil
	}

	return &res
}

// OpenLog opens the whole job file: definition, markers, script output and result.
func (s *JobStore) OpenLog(id model.JobID) (io.ReadCloser, error) {
	return os.Open(s.Path(id))
}

// Add writes a new queued job. The file is written aside and renamed into
// todo/ so that readers never see a partial definition.
func (s *JobStore) Add(data model.JobData) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	id := model.NewJobID(now, data.InputFilePath)
	for s.exists(id) {
		now = now.Add(time.Millisecond)
		id = model.NewJobID(now, data.InputFilePath)
	}

	tmp := filepath.Join(s.dir, "."+model.NewID()+tempSuffix)
	if err := os.WriteFile(tmp, append(data.JSON(), '\n'), 0o644); err != nil {
		return nil, errors.Wrap(err, "write job")
	}

	if err := os.Rename(tmp, s.Path(id)); err != nil {
		_ = os.Remove(tmp)
		return nil, errors.Wrap(err, "queue job")
	}

	s.log.Debug("job queued", wlog.String("job_id", id.String()))

	return &model.Job{ID: id, JobData: data}, nil
}

// Start claims a queued job, or resumes a stalled claimed one. The blank
// marker line is appended before the rename so the modification time is
// fresh once the file lands in the claimed location. A job whose file is
// gone (claimed elsewhere, removed) yields nil without side effects.
func (s *JobStore) Start(id model.JobID) (*model.Job, error) {
	if !id.Status().CanTransition(model.StatusClaimed) {
		return nil, errors.Wrapf(ErrInvalidTransition, "%s -> %s", id.Status(), model.StatusClaimed)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	job := s.Get(id)
	if job == nil {
		s.log.Debug("start job - not found", wlog.String("job_id", id.String()))
		return nil, nil
	}

	src := s.Path(id)
	claimed := id.WithStatus(model.StatusClaimed)
	dst := s.Path(claimed)

	f, err := os.OpenFile(src, os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, errors.Wrap(err, "touch job")
	}

	_, err = f.Write([]byte{'\n'})
	if cerr := f.Close(); err == nil {
		err = cerr
	}

	if err != nil {
		return nil, errors.Wrap(err, "touch job")
	}

	if src != dst {
		s.log.Debug(fmt.Sprintf("start job - move %s -> %s", id, claimed))
		if err = os.Rename(src, dst); err != nil {
			if os.IsNotExist(err) {
				return nil, nil
			}

			return nil, errors.Wrap(err, "claim job")
		}
	}

	return &model.Job{ID: claimed, JobData: job.JobData}, nil
}

// Complete appends the result line to a claimed job and moves it to done/
// or error/ depending on outcome.Err. It returns the new id.
func (s *JobStore) Complete(job *model.Job, startedAt time.Time, outcome model.Outcome) (model.JobID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	claimed := job.ID.WithStatus(model.StatusClaimed)
	next := model.StatusDone
	if outcome.Err != nil {
		next = model.StatusError
	}

	result := model.JobResult{
		StartedAt:  startedAt,
		DurationMs: s.now().Sub(startedAt).Milliseconds(),
	}

	if outcome.Err == nil {
		info := model.FileInfo{}
		if outcome.Output != nil {
			info = *outcome.Output
		}

		if info.Size == 0 {
			if st, err := os.Stat(job.OutFilePath); err == nil && st.Mode().IsRegular() {
				info.Size = st.Size()
			}
		}

		result.OutputFileInfo = &info
	}

	src := s.Path(claimed)
	if err := appendLine(src, result.JSON()); err != nil {
		return "", errors.Wrap(err, "write job result")
	}

	done := claimed.WithStatus(next)
	if err := os.Rename(src, s.Path(done)); err != nil {
		return "", errors.Wrapf(err, "move job to %s", next)
	}

	duration := time.Duration(result.DurationMs) * time.Millisecond
	if outcome.Err != nil {
		s.log.Error(fmt.Sprintf("job failure (%s) %s: %s", duration, claimed.Name(), outcome.Err.Error()),
			wlog.String("job_id", done.String()), wlog.Err(outcome.Err))
	} else {
		s.log.Debug(fmt.Sprintf("job completed (%s) %s", duration, claimed.Name()),
			wlog.String("job_id", done.String()))
	}

	return done, nil
}

// AllIDs lists claimed, todo, done and error jobs, each group in file name order.
func (s *JobStore) AllIDs() ([]model.JobID, error) {
	ids, err := s.claimedIDs()
	if err != nil {
		return nil, err
	}

	for _, st := range []model.Status{model.StatusTodo, model.StatusDone, model.StatusError} {
		list, err := s.idsByStatus(st)
		if err != nil {
			return nil, err
		}

		ids = append(ids, list...)
	}

	return ids, nil
}

// Next picks the job to run: the first stalled claimed job when there is
// one, otherwise the first queued job. Unreadable jobs are skipped.
func (s *JobStore) Next() (*model.Job, error) {
	claimed, err := s.claimedIDs()
	if err != nil {
		return nil, err
	}

	now := s.now()
	for _, id := range claimed {
		st, err := os.Stat(s.Path(id))
		if err != nil || now.Sub(st.ModTime()) <= s.staleAfter {
			continue
		}

		if job := s.Get(id); job != nil {
			s.log.Debug("found stalled job to resume", wlog.String("job_id", id.String()))
			return job, nil
		}

		s.log.Error("skip unreadable stalled job", wlog.String("job_id", id.String()))
	}

	todo, err := s.idsByStatus(model.StatusTodo)
	if err != nil {
		return nil, err
	}

	for _, id := range todo {
		if job := s.Get(id); job != nil {
			s.log.Debug("found job to run", wlog.String("job_id", id.String()))
			return job, nil
		}

		s.log.Error("skip unreadable queued job", wlog.String("job_id", id.String()))
	}

	return nil, nil
}

// Incomplete lists claimed jobs then queued jobs, skipping unreadable ones.
func (s *JobStore) Incomplete() ([]*model.Job, error) {
	claimed, err := s.claimedIDs()
	if err != nil {
		return nil, err
	}

	todo, err := s.idsByStatus(model.StatusTodo)
	if err != nil {
		return nil, err
	}

	jobs := make([]*model.Job, 0, len(claimed)+len(todo))
	for _, id := range append(claimed, todo...) {
		if job := s.Get(id); job != nil {
			jobs = append(jobs, job)
		}
	}

	return jobs, nil
}

// Cleanup removes done jobs not modified for longer than maxAge and returns
// how many were removed. Failed jobs are never removed.
func (s *JobStore) Cleanup(maxAge time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.log.Debug(fmt.Sprintf("cleaning up completed jobs older than %s", maxAge))

	ids, err := s.idsByStatus(model.StatusDone)
	if err != nil {
		return 0, err
	}

	now := s.now()
	count := 0

	for _, id := range ids {
		name := s.Path(id)

		st, err := os.Stat(name)
		if err != nil {
			continue
		}

		if now.Sub(st.ModTime()) <= maxAge {
			continue
		}

		if err = removeFile(name); err != nil {
			s.log.Error(fmt.Sprintf("error cleaning up job %s: %s", id, err.Error()), wlog.Err(err))
			continue
		}

		count++
	}

	s.log.Debug(fmt.Sprintf("removed %d completed jobs", count))

	return count, nil
}

// Healthy fails when any status directory is missing or is not a directory.
func (s *JobStore) Healthy() error {
	for _, st := range []model.Status{model.StatusClaimed, model.StatusTodo, model.StatusDone, model.StatusError} {
		name := filepath.Join(s.dir, string(st))
		if st == model.StatusClaimed {
			name = s.dir
		}

		fi, err := os.Stat(name)
		if err != nil {
			return errors.Wrapf(err, "%s directory", st)
		}

		if !fi.IsDir() {
			return errors.Errorf("%s is not a directory", name)
		}
	}

	return nil
}

// exists reports whether a job file with the same name is present in any status.
func (s *JobStore) exists(id model.JobID) bool {
	for _, st := range []model.Status{model.StatusTodo, model.StatusClaimed, model.StatusDone, model.StatusError} {
		if _, err := os.Stat(s.Path(id.WithStatus(st))); err == nil {
			return true
		}
	}

	return false
}

func (s *JobStore) claimedIDs() ([]model.JobID, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, errors.Wrap(err, "list claimed jobs")
	}

	ids := make([]model.JobID, 0)
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), model.JobExt) {
			ids = append(ids, model.JobID(e.Name()))
		}
	}

	return ids, nil
}

func (s *JobStore) idsByStatus(st model.Status) ([]model.JobID, error) {
	entries, err := os.ReadDir(filepath.Join(s.dir, string(st)))
	if err != nil {
		return nil, errors.Wrapf(err, "list %s jobs", st)
	}

	ids := make([]model.JobID, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), model.JobExt) {
			ids = append(ids, model.JobID(path.Join(string(st), e.Name())))
		}
	}

	return ids, nil
}

// removeTempFiles drops definitions left behind by an interrupted Add.
func (s *JobStore) removeTempFiles() {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return
	}

	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), ".") && strings.HasSuffix(e.Name(), tempSuffix) {
			if err = os.Remove(filepath.Join(s.dir, e.Name())); err != nil {
				s.log.Error(err.Error(), wlog.Err(err))
			}
		}
	}
}

// appendLine writes line on its own line at the end of the file.
func appendLine(name string, line []byte) error {
	f, err := os.OpenFile(name, os.O_RDWR|os.O_APPEND, 0)
	if err != nil {
		return err
	}
	defer f.Close()

	buf := make([]byte, 0, len(line)+2)

	st, err := f.Stat()
	if err != nil {
		return err
	}

	if st.Size() > 0 {
		last := make([]byte, 1)
		if _, err = f.ReadAt(last, st.Size()-1); err != nil {
			return err
		}

		if last[0] != '\n' {
			buf = append(buf, '\n')
		}
	}

	buf = append(buf, line...)
	buf = append(buf, '\n')

	_, err = f.Write(buf)

	return err
}
