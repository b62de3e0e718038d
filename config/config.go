package config

import (
	"time"

	"github.com/urfave/cli/v2"
)

type Config struct {
	Service Service
	Log     LogSettings
	Jobs    JobsSettings
	Scripts ScriptsSettings
	Watch   WatchSettings
	Probe   ProbeSettings
}

type Service struct {
	ID          string
	Address     string
	Consul      string
	DetailsList bool
}

type JobsSettings struct {
	Enabled         bool
	Dir             string
	PollInterval    time.Duration
	StaleAfter      time.Duration
	Retention       time.Duration
	CleanupInterval time.Duration
}

type ScriptsSettings struct {
	Dir       string
	Allowed   cli.StringSlice
	OutputExt string
}

type WatchSettings struct {
	Enabled       bool
	Dir           string
	PollInterval  time.Duration
	DefaultScript string
	Extensions    cli.StringSlice
}

type ProbeSettings struct {
	FFProbePath string
	CacheSize   int
	CacheTTL    time.Duration
}

type LogSettings struct {
	Lvl     string
	JSON    bool
	File    string
	Console bool
}
