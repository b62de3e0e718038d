package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/webitel/wlog"

	"github.com/webitel/ffmpeg_batch/config"
	"github.com/webitel/ffmpeg_batch/infra/consul"
	"github.com/webitel/ffmpeg_batch/infra/http_srv"
	"github.com/webitel/ffmpeg_batch/internal/handler"
	"github.com/webitel/ffmpeg_batch/internal/model"
	"github.com/webitel/ffmpeg_batch/internal/service"
	"github.com/webitel/ffmpeg_batch/internal/store"
	"github.com/webitel/ffmpeg_batch/internal/utils"
)

type handlers struct {
	jobs    *handler.Jobs
	runner  *service.Runner
	watcher *service.Watcher
	cleaner *service.Cleaner
}

type resources struct {
	log      *wlog.Logger
	httpSrv  *http_srv.Server
	cluster  *consul.Cluster
	jobStore *store.JobStore
	script   *utils.Script
	prober   *utils.Prober
	cfg      *config.Config
}

func httpSrv(cfg *config.Config, l *wlog.Logger) (*http_srv.Server, func(), error) {
	s, err := http_srv.New(cfg.Service.Address, l)
	if err != nil {
		return nil, nil, err
	}

	return s, func() {
		if err := s.Shutdown(); err != nil {
			l.Error(err.Error(), wlog.Err(err))
		}
	}, nil
}

func log(cfg *config.Config) (*wlog.Logger, func(), error) {
	logSettings := cfg.Log

	if !logSettings.Console && len(logSettings.File) == 0 {
		logSettings.Console = true
	}

	logConfig := &wlog.LoggerConfiguration{
		EnableConsole: logSettings.Console,
		ConsoleJson:   logSettings.JSON,
		ConsoleLevel:  logSettings.Lvl,
	}

	if logSettings.File != "" {
		logConfig.FileLocation = logSettings.File
		logConfig.EnableFile = true
		logConfig.FileJson = true
		logConfig.FileLevel = logSettings.Lvl
	}

	l := wlog.NewLogger(logConfig)
	wlog.RedirectStdLog(l)
	wlog.InitGlobalLogger(l)

	exit := func() {
	}

	return l, exit, nil
}

func setupJobStore(cfg *config.Config, l *wlog.Logger) (*store.JobStore, func(), error) {
	s, err := store.NewJobStore(cfg.Jobs.Dir, cfg.Jobs.StaleAfter, l)
	if err != nil {
		return nil, nil, err
	}

	l.Info(fmt.Sprintf("jobs directory %s, stale after %s", cfg.Jobs.Dir, cfg.Jobs.StaleAfter))

	return s, func() {}, nil
}

func setupScript(cfg *config.Config, l *wlog.Logger) (*utils.Script, func(), error) {
	allowed := cfg.Scripts.Allowed.Value()
	if len(allowed) == 0 {
		return nil, nil, errors.New("scripts allow-list is empty")
	}

	for _, name := range allowed {
		if _, err := os.Stat(filepath.Join(cfg.Scripts.Dir, name)); err != nil {
			l.Error(fmt.Sprintf("script %s is not available: %s", name, err.Error()), wlog.Err(err))
		}
	}

	return utils.NewScript(cfg.Scripts.Dir, allowed, l), func() {}, nil
}

func setupProber(cfg *config.Config, l *wlog.Logger) (*utils.Prober, func(), error) {
	return utils.NewProber(cfg.Probe.FFProbePath, cfg.Probe.CacheSize, cfg.Probe.CacheTTL, l), func() {}, nil
}

func setupCluster(ctx context.Context, cfg *config.Config, srv *http_srv.Server, js *store.JobStore, l *wlog.Logger) (*consul.Cluster, func(), error) {
	c := consul.NewCluster(model.ServiceName, cfg.Service.Consul, js.Healthy, l)

	if err := c.Start(ctx, cfg.Service.ID, srv.Host(), srv.Port()); err != nil {
		return nil, nil, err
	}

	return c, func() {
		c.Stop()
	}, nil
}
