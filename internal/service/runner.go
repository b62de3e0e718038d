package service

import (
	"context"
	"fmt"
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
	defaultPollInterval = time.Minute
	defaultOutputExt    = ".mp4"
)

type JobStore interface {
	Path(id model.JobID) string
	Add(data model.JobData) (*model.Job, error)
	Start(id model.JobID) (*model.Job, error)
	Complete(job *model.Job, startedAt time.Time, outcome model.Outcome) (model.JobID, error)
	Next() (*model.Job, error)
	Incomplete() ([]*model.Job, error)
}

type ScriptRunner interface {
	Allowed() []string
	Run(name, input, output, logPath string) error
}

type MediaProber interface {
	Probe(name string) (*model.FileInfo, error)
}

// Runner claims queued jobs one at a time and runs their script.
type Runner struct {
	store        JobStore
	script       ScriptRunner
	prober       MediaProber
	log          *wlog.Logger
	pollInterval time.Duration
	outputExt    string

	queueMu sync.Mutex
	wake    chan struct{}
	gate    *pauseGate
	busy    atomic.Bool
}

func NewRunner(cfg *config.Config, log *wlog.Logger, store JobStore, script ScriptRunner, prober MediaProber) *Runner {
	r := &Runner{
		store:        store,
		script:       script,
		prober:       prober,
		log:          log.With(wlog.String("service", "runner")),
		pollInterval: cfg.Jobs.PollInterval,
		outputExt:    cfg.Scripts.OutputExt,
		wake:         make(chan struct{}, 1),
		gate:         newPauseGate(),
	}

	if r.pollInterval <= 0 {
		r.pollInterval = defaultPollInterval
	}

	if r.outputExt == "" {
		r.outputExt = defaultOutputExt
	}

	return r
}

// QueueJob validates a submission and queues it. An outstanding job with
// the same input, output and script is returned as is.
func (r *Runner) QueueJob(in model.JobInput) (*model.Job, error) {
	if err := in.Validate(r.script.Allowed()); err != nil {
		return nil, err
	}

	data := model.JobData{
		InputFilePath: in.InputFilePath,
		OutFilePath:   in.OutFilePath,
		ScriptName:    in.ScriptName,
	}

	if data.OutFilePath == "" {
		data.OutFilePath = model.DefaultOutputPath(data.InputFilePath, r.outputExt)
	}

	r.queueMu.Lock()
	defer r.queueMu.Unlock()

	pending, err := r.store.Incomplete()
	if err != nil {
		return nil, err
	}

	for _, j := range pending {
		if j.SameTarget(data) {
			r.log.Debug("job already queued", wlog.String("job_id", j.ID.String()))
			telemetry.JobsDuplicated.Inc()

			return j, nil
		}
	}

	info, err := r.prober.Probe(data.InputFilePath)
	if err != nil {
		return nil, errors.Wrapf(model.ErrInputNotFound, "%s: %s", data.InputFilePath, err.Error())
	}

	data.InputFileInfo = info

	job, err := r.store.Add(data)
	if err != nil {
		return nil, err
	}

	telemetry.JobsQueued.Inc()
	r.log.Info(fmt.Sprintf("queued job %s", job.ID), wlog.String("job_id", job.ID.String()),
		wlog.String("input", data.InputFilePath), wlog.String("script", data.ScriptName))

	select {
	case r.wake <- struct{}{}:
	default:
	}

	return job, nil
}

// ExecuteJob claims job and runs its script to completion. It returns an
// empty id, without running anything, when the job could not be claimed.
// A script failure is recorded as the job result, not returned.
func (r *Runner) ExecuteJob(job *model.Job) (model.JobID, error) {
	claimed, err := r.store.Start(job.ID)
	if err != nil {
		return "", err
	}

	if claimed == nil {
		r.log.Debug("can't execute job, not found", wlog.String("job_id", job.ID.String()))
		return "", nil
	}

	log := r.log.With(wlog.String("job_id", claimed.ID.String()), wlog.String("script", claimed.ScriptName))
	log.Debug("execute")

	r.busy.Store(true)
	defer r.busy.Store(false)

	telemetry.JobsRunning.Inc()
	startedAt := time.Now()

	runErr := r.script.Run(claimed.ScriptName, claimed.InputFilePath, claimed.OutFilePath, r.store.Path(claimed.ID))

	telemetry.JobsRunning.Dec()
	telemetry.JobDuration.Observe(time.Since(startedAt).Seconds())

	outcome := model.Outcome{Err: runErr}
	if runErr == nil {
		if outcome.Output, err = r.prober.Probe(claimed.OutFilePath); err != nil {
			log.Debug(fmt.Sprintf("can't probe output: %s", err.Error()))
		}
	}

	id, err := r.store.Complete(claimed, startedAt, outcome)
	if err != nil {
		return "", err
	}

	telemetry.JobsCompleted.WithLabelValues(string(id.Status())).Inc()

	return id, nil
}

// NextJob returns the next job to execute, waiting until there is one.
// Between checks it sleeps for the poll interval unless QueueJob signals
// new work first. While paused it neither reads the queue nor returns.
func (r *Runner) NextJob(ctx context.Context) (*model.Job, error) {
	return r.nextJob(ctx, false)
}

// nextJob with hold keeps the caller registered at the gate after a job is
// returned; the caller must call gate.leave once the job is executed.
func (r *Runner) nextJob(ctx context.Context, hold bool) (*model.Job, error) {
	r.gate.enter()

	for {
		if err := r.gate.checkpoint(ctx); err != nil {
			r.gate.leave()
			return nil, err
		}

		job, err := r.store.Next()
		if err != nil {
			r.gate.leave()
			return nil, err
		}

		if job != nil {
			if hold && r.gate.holdUnlessPaused() {
				return job, nil
			}

			if !hold && r.gate.leaveUnlessPaused() {
				return job, nil
			}

			continue
		}

		r.log.Debug("polling for next available job")

		timer := time.NewTimer(r.pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			r.gate.leave()
			return nil, ctx.Err()
		case <-r.wake:
		case <-r.gate.requested():
		case <-timer.C:
		}
		timer.Stop()
	}
}

// Pause stops the job loop before its next claim. It returns once the loop
// is parked, after the job it is executing has completed, or at once when no
// loop is running.
func (r *Runner) Pause(ctx context.Context) error {
	if err := r.gate.pause(ctx); err != nil {
		return err
	}

	r.log.Debug("paused")

	return nil
}

func (r *Runner) Resume() {
	r.log.Debug("resuming")
	r.gate.resume()
}

func (r *Runner) Paused() bool {
	return r.gate.isPaused()
}

// Busy reports whether a script is running.
func (r *Runner) Busy() bool {
	return r.busy.Load()
}

// Run executes jobs one after another until ctx is done. Store errors are
// retried after the poll interval. The running job always finishes before
// Run returns.
func (r *Runner) Run(ctx context.Context) error {
	r.log.Info("listening for jobs")
	defer r.log.Info("job listener closed")

	for {
		job, err := r.nextJob(ctx, true)
		if err == nil {
			_, err = r.ExecuteJob(job)
			r.gate.leave()
		}

		if ctx.Err() != nil {
			return nil
		}

		if err == nil {
			continue
		}

		r.log.Error(fmt.Sprintf("job loop: %s, retry in %s", err.Error(), r.pollInterval), wlog.Err(err))

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(r.pollInterval):
		}
	}
}
