package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"github.com/webitel/wlog"
	"golang.org/x/sync/errgroup"

	"github.com/webitel/ffmpeg_batch/config"
)

type App struct {
	log *wlog.Logger
	cfg *config.Config
	ctx context.Context
	eg  errgroup.Group
}

func NewApp(cfg *config.Config, ctx context.Context) *App {
	return &App{
		cfg: cfg,
		log: wlog.GlobalLogger(),
		ctx: ctx,
	}
}

func (a *App) Run() (func(), error) {
	r, shutdown, err := initAppResources(a.ctx, a.cfg)
	if err != nil {
		return nil, err
	}

	a.log = r.log

	h, err := initAppHandlers(a.ctx, r)
	if err != nil {
		return shutdown, err
	}

	a.eg.Go(func() error {
		a.log.Info(fmt.Sprintf("listen http %s:%d", r.httpSrv.Host(), r.httpSrv.Port()))
		return r.httpSrv.Listen()
	})

	a.log.Debug(fmt.Sprintf("watch enabled: %t", a.cfg.Watch.Enabled))
	if a.cfg.Watch.Enabled {
		if err = os.MkdirAll(a.cfg.Watch.Dir, 0o755); err != nil {
			return shutdown, err
		}

		if err = h.watcher.Process(a.ctx); err != nil {
			a.log.Error(err.Error(), wlog.Err(err))
		}
		h.watcher.Start(a.ctx, a.cfg.Watch.PollInterval)
	}

	a.log.Debug(fmt.Sprintf("jobs enabled: %t", a.cfg.Jobs.Enabled))
	if a.cfg.Jobs.Enabled {
		a.eg.Go(func() error {
			return h.runner.Run(a.ctx)
		})
	}

	a.eg.Go(func() error {
		return h.cleaner.Run(a.ctx)
	})

	return func() {
		h.watcher.Stop()
		shutdown()

		if err := a.eg.Wait(); err != nil {
			a.log.Error(err.Error(), wlog.Err(err))
		}
	}, nil
}

func apiCmd(cfg *config.Config) *cli.Command {
	return &cli.Command{
		Name:    "server",
		Aliases: []string{"a"},
		Usage:   "Start ffmpeg batch server",
		Flags:   apiFlags(cfg),
		Action: func(c *cli.Context) error {
			interruptChan := make(chan os.Signal, 1)

			ctx, cancel := context.WithCancel(c.Context)

			app := NewApp(cfg, ctx)
			shutdown, err := app.Run()
			defer func() {
				cancel()
				if shutdown != nil {
					shutdown()
				}
			}()
			if err != nil {
				wlog.Error(err.Error(), wlog.Err(err))
				return err
			}
			signal.Notify(interruptChan, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
			<-interruptChan
			return nil
		},
	}
}

func apiFlags(cfg *config.Config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "service-id",
			Category:    "server",
			Usage:       "service instance id",
			Value:       "1",
			Destination: &cfg.Service.ID,
			Aliases:     []string{"i"},
			EnvVars:     []string{"ID"},
		},
		&cli.StringFlag{
			Name:        "bind-address",
			Category:    "server",
			Usage:       "address of the HTTP API",
			Value:       ":3000",
			Destination: &cfg.Service.Address,
			Aliases:     []string{"b"},
			EnvVars:     []string{"BIND_ADDRESS"},
		},
		&cli.StringFlag{
			Name:        "consul-discovery",
			Category:    "server",
			Usage:       "consul agent address, empty disables service discovery",
			Value:       "",
			Destination: &cfg.Service.Consul,
			Aliases:     []string{"c"},
			EnvVars:     []string{"CONSUL"},
		},
		&cli.BoolFlag{
			Name:        "details-list",
			Category:    "server",
			Usage:       "list jobs with details by default",
			Value:       false,
			Destination: &cfg.Service.DetailsList,
			EnvVars:     []string{"JOBS_DETAILS_LIST"},
		},

		&cli.StringFlag{
			Name:        "jobs-dir",
			Category:    "jobs",
			Usage:       "jobs root directory",
			Value:       "/config/jobs",
			EnvVars:     []string{"JOBS_DIR"},
			Destination: &cfg.Jobs.Dir,
		},
		&cli.BoolFlag{
			Name:        "jobs-enabled",
			Category:    "jobs",
			Usage:       "execute queued jobs",
			Value:       true,
			EnvVars:     []string{"JOBS_ENABLED"},
			Destination: &cfg.Jobs.Enabled,
		},
		&cli.DurationFlag{
			Name:        "jobs-poll-interval",
			Category:    "jobs",
			Usage:       "queue poll interval",
			Value:       time.Minute,
			EnvVars:     []string{"JOBS_POLL_INTERVAL"},
			Destination: &cfg.Jobs.PollInterval,
		},
		&cli.DurationFlag{
			Name:        "jobs-stale-after",
			Category:    "jobs",
			Usage:       "a claimed job not modified for this long is resumed",
			Value:       60 * time.Second,
			EnvVars:     []string{"JOBS_STALE_AFTER"},
			Destination: &cfg.Jobs.StaleAfter,
		},
		&cli.DurationFlag{
			Name:        "jobs-retention",
			Category:    "jobs",
			Usage:       "remove done jobs older than this, 0 keeps them",
			Value:       30 * 24 * time.Hour,
			EnvVars:     []string{"JOBS_RETENTION"},
			Destination: &cfg.Jobs.Retention,
		},
		&cli.DurationFlag{
			Name:        "jobs-cleanup-interval",
			Category:    "jobs",
			Usage:       "retention check interval",
			Value:       time.Hour,
			EnvVars:     []string{"JOBS_CLEANUP_INTERVAL"},
			Destination: &cfg.Jobs.CleanupInterval,
		},

		&cli.StringFlag{
			Name:        "scripts-dir",
			Category:    "scripts",
			Usage:       "conversion scripts directory",
			Value:       "./scripts",
			EnvVars:     []string{"SCRIPTS_DIR"},
			Destination: &cfg.Scripts.Dir,
		},
		&cli.StringSliceFlag{
			Name:        "scripts",
			Category:    "scripts",
			Usage:       "allowed script names",
			Value:       cli.NewStringSlice("resize.sh", "scale.sh", "test.sh"),
			EnvVars:     []string{"SCRIPTS"},
			Destination: &cfg.Scripts.Allowed,
		},
		&cli.StringFlag{
			Name:        "output-ext",
			Category:    "scripts",
			Usage:       "extension of the default output file",
			Value:       ".mp4",
			EnvVars:     []string{"OUTPUT_EXT"},
			Destination: &cfg.Scripts.OutputExt,
		},

		&cli.BoolFlag{
			Name:        "watch-enabled",
			Category:    "watch",
			Usage:       "queue media dropped into the watch directory",
			Value:       true,
			EnvVars:     []string{"WATCH_ENABLED"},
			Destination: &cfg.Watch.Enabled,
		},
		&cli.StringFlag{
			Name:        "watch-dir",
			Category:    "watch",
			Usage:       "watch directory",
			Value:       "/config/watch",
			EnvVars:     []string{"WATCH_DIR"},
			Destination: &cfg.Watch.Dir,
		},
		&cli.DurationFlag{
			Name:        "watch-poll-interval",
			Category:    "watch",
			Usage:       "watch directory scan interval",
			Value:       2 * time.Minute,
			EnvVars:     []string{"WATCH_POLL_INTERVAL"},
			Destination: &cfg.Watch.PollInterval,
		},
		&cli.StringFlag{
			Name:        "watch-default-script",
			Category:    "watch",
			Usage:       "script for watched files",
			Value:       "scale.sh",
			EnvVars:     []string{"WATCH_DEFAULT_SCRIPT"},
			Destination: &cfg.Watch.DefaultScript,
		},
		&cli.StringSliceFlag{
			Name:        "watch-extensions",
			Category:    "watch",
			Usage:       "media file extensions",
			Value:       cli.NewStringSlice("mp4", "mov", "m4v", "mkv"),
			EnvVars:     []string{"WATCH_EXTENSIONS"},
			Destination: &cfg.Watch.Extensions,
		},

		&cli.StringFlag{
			Name:        "ffprobe-path",
			Category:    "probe",
			Usage:       "ffprobe binary",
			Value:       "ffprobe",
			EnvVars:     []string{"FFPROBE_PATH"},
			Destination: &cfg.Probe.FFProbePath,
		},
		&cli.IntFlag{
			Name:        "probe-cache-size",
			Category:    "probe",
			Usage:       "media metadata cache size",
			Value:       512,
			EnvVars:     []string{"PROBE_CACHE_SIZE"},
			Destination: &cfg.Probe.CacheSize,
		},
		&cli.DurationFlag{
			Name:        "probe-cache-ttl",
			Category:    "probe",
			Usage:       "media metadata cache ttl",
			Value:       10 * time.Minute,
			EnvVars:     []string{"PROBE_CACHE_TTL"},
			Destination: &cfg.Probe.CacheTTL,
		},
	}
}
