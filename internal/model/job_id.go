package model

import (
	"fmt"
	"path"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const JobExt = ".job"

var createdAtPrefix = regexp.MustCompile(`^1[0-9]{12}$`)

// JobID is a job file path relative to the jobs root, always slash separated:
// "todo/<name>.job", "<name>.job" (claimed), "done/<name>.job", "error/<name>.job".
type JobID string

// NewJobID builds a queued id from the creation time and the name of the
// directory holding the input file.
func NewJobID(now time.Time, inputFilePath string) JobID {
	parent := filepath.Base(filepath.Dir(inputFilePath))

	return JobID(path.Join(string(StatusTodo), fmt.Sprintf("%d_%s%s", now.UnixMilli(), parent, JobExt)))
}

// ParseJobID validates a raw id coming from outside the process.
func ParseJobID(raw string) (JobID, error) {
	raw = strings.TrimPrefix(raw, "./")
	if !strings.HasSuffix(raw, JobExt) || strings.HasPrefix(raw, "/") || strings.Contains(raw, "\\") {
		return "", errors.Errorf("invalid job id %q", raw)
	}

	if path.Clean(raw) != raw {
		return "", errors.Errorf("invalid job id %q", raw)
	}

	for _, part := range strings.Split(raw, "/") {
		if part == ".." || part == "." {
			return "", errors.Errorf("invalid job id %q", raw)
		}
	}

	id := JobID(raw)
	if id.Status() == StatusUnknown {
		return "", errors.Errorf("invalid job id %q", raw)
	}

	return id, nil
}

func (id JobID) String() string {
	return string(id)
}

// Status decodes the state from the directory prefix.
func (id JobID) Status() Status {
	dir := path.Dir(string(id))
	if dir == "." {
		return StatusClaimed
	}

	switch s := Status(dir); s {
	case StatusTodo, StatusDone, StatusError:
		return s
	default:
		return StatusUnknown
	}
}

// Name is the file name without directory.
func (id JobID) Name() string {
	return path.Base(string(id))
}

// DisplayName is the file name without the .job extension.
func (id JobID) DisplayName() string {
	return strings.TrimSuffix(id.Name(), JobExt)
}

// WithStatus returns the id of the same job file placed for status s.
func (id JobID) WithStatus(s Status) JobID {
	if s == StatusClaimed {
		return JobID(id.Name())
	}

	return JobID(path.Join(string(s), id.Name()))
}

// CreatedAt is derived from a 13 digit epoch-millis prefix, when present.
func (id JobID) CreatedAt() (time.Time, bool) {
	prefix, _, _ := strings.Cut(id.Name(), "_")
	if !createdAtPrefix.MatchString(prefix) {
		return time.Time{}, false
	}

	ms, err := strconv.ParseInt(prefix, 10, 64)
	if err != nil {
		return time.Time{}, false
	}

	return time.UnixMilli(ms), true
}
