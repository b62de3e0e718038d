package model

import (
	"encoding/json"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
)

var (
	ErrInvalidJob    = errors.New("invalid job")
	ErrInputNotFound = errors.New("input file not found")
)

// Status is the lifecycle state of a job. On disk it is encoded by the
// directory holding the job file, see JobID.
type Status string

const (
	StatusUnknown Status = ""
	StatusTodo    Status = "todo"
	StatusClaimed Status = "claimed"
	StatusDone    Status = "done"
	StatusError   Status = "error"
)

func ParseStatus(s string) Status {
	switch Status(s) {
	case StatusTodo, StatusClaimed, StatusDone, StatusError:
		return Status(s)
	default:
		return StatusUnknown
	}
}

func (s Status) IsTerminal() bool {
	return s == StatusDone || s == StatusError
}

func (s Status) IsIncomplete() bool {
	return s == StatusTodo || s == StatusClaimed
}

// CanTransition reports whether the state machine has an edge from s to next.
// claimed -> claimed is the resume of a stalled job.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusTodo:
		return next == StatusClaimed
	case StatusClaimed:
		return next == StatusClaimed || next == StatusDone || next == StatusError
	default:
		return false
	}
}

// JobInput is a submission request. OutFilePath is optional.
type JobInput struct {
	InputFilePath string `json:"inputFilePath"`
	OutFilePath   string `json:"outFilePath,omitempty"`
	ScriptName    string `json:"scriptName"`
}

// Validate checks required fields and the script allow-list.
func (in JobInput) Validate(allowedScripts []string) error {
	if strings.TrimSpace(in.InputFilePath) == "" {
		return errors.Wrap(ErrInvalidJob, "inputFilePath is required")
	}

	for _, s := range allowedScripts {
		if s == in.ScriptName {
			return nil
		}
	}

	return errors.Wrapf(ErrInvalidJob, "unknown scriptName %q", in.ScriptName)
}

// JobData is the first line of a job file.
type JobData struct {
	InputFilePath string    `json:"inputFilePath"`
	OutFilePath   string    `json:"outFilePath"`
	ScriptName    string    `json:"scriptName"`
	InputFileInfo *FileInfo `json:"inputFileInfo,omitempty"`
}

// SameTarget is the duplicate-submission key.
func (d JobData) SameTarget(o JobData) bool {
	return d.InputFilePath == o.InputFilePath &&
		d.OutFilePath == o.OutFilePath &&
		d.ScriptName == o.ScriptName
}

func (d *JobData) JSON() []byte {
	js, _ := json.Marshal(d)

	return js
}

type Job struct {
	ID JobID `json:"id"`
	JobData
}

func (j *Job) Status() Status {
	return j.ID.Status()
}

// JobResult is the last line of a terminal job file.
type JobResult struct {
	StartedAt      time.Time `json:"startedAt"`
	DurationMs     int64     `json:"durationMs"`
	OutputFileInfo *FileInfo `json:"outputFileInfo,omitempty"`
}

func (r *JobResult) JSON() []byte {
	js, _ := json.Marshal(r)

	return js
}

type JobDetails struct {
	Job
	CreatedAt *time.Time `json:"createdAt,omitempty"`
	UpdatedAt *time.Time `json:"updatedAt,omitempty"`
	Result    *JobResult `json:"result,omitempty"`
}

// Outcome is what an execution hands over to the store. A non-nil Err marks
// the job as failed; Output is ignored in that case.
type Outcome struct {
	Err    error
	Output *FileInfo
}

// DefaultOutputPath places the output next to the input, prefixed with "_"
// and with the extension replaced by ext.
func DefaultOutputPath(inputFilePath, ext string) string {
	base := filepath.Base(inputFilePath)
	name := strings.TrimSuffix(base, filepath.Ext(base))

	return filepath.Join(filepath.Dir(inputFilePath), "_"+name+ext)
}
