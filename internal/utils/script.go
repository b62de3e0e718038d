package utils

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/webitel/wlog"
)

var ErrUnknownScript = errors.New("unknown script")

// Script runs the external conversion scripts kept in one directory. Only
// names from the allow-list can be executed.
type Script struct {
	dir     string
	allowed []string
	log     *wlog.Logger
}

func NewScript(dir string, allowed []string, log *wlog.Logger) *Script {
	return &Script{
		dir:     dir,
		allowed: allowed,
		log:     log.With(wlog.String("scripts_dir", dir)),
	}
}

func (s *Script) Allowed() []string {
	return s.allowed
}

func (s *Script) path(name string) (string, error) {
	if strings.ContainsRune(name, filepath.Separator) || strings.Contains(name, "/") {
		return "", errors.Wrap(ErrUnknownScript, name)
	}

	for _, a := range s.allowed {
		if a == name {
			return filepath.Join(s.dir, name), nil
		}
	}

	return "", errors.Wrap(ErrUnknownScript, name)
}

// Run executes <dir>/<name> "<input>" "<output>" and waits for it. Standard
// output and error are appended to logPath. The process is not bound to any
// context: once started it always runs to completion.
func (s *Script) Run(name, input, output, logPath string) error {
	script, err := s.path(name)
	if err != nil {
		return err
	}

	f, err := os.OpenFile(logPath, os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		return errors.Wrap(err, "open job log")
	}
	defer f.Close()

	cmd := exec.Command(script, input, output)
	cmd.Stdout = f
	cmd.Stderr = f

	s.log.Debug("run script", wlog.String("script", name), wlog.String("input", input), wlog.String("output", output))

	if err = cmd.Start(); err != nil {
		return errors.Wrapf(err, "start %s", name)
	}

	if err = cmd.Wait(); err != nil {
		return errors.Wrapf(err, "run %s", name)
	}

	return nil
}
