//go:build wireinject
// +build wireinject

package cmd

import (
	"context"

	"github.com/google/wire"

	"github.com/webitel/ffmpeg_batch/config"
	"github.com/webitel/ffmpeg_batch/internal/handler"
	"github.com/webitel/ffmpeg_batch/internal/service"
	"github.com/webitel/ffmpeg_batch/internal/store"
	"github.com/webitel/ffmpeg_batch/internal/utils"
)

var wireAppResourceSet = wire.NewSet(
	log, httpSrv, setupJobStore, setupCluster, setupScript, setupProber,
)

var wireAppHandlersSet = wire.NewSet(
	service.NewRunner,
	wire.Bind(new(service.JobStore), new(*store.JobStore)),
	wire.Bind(new(service.ScriptRunner), new(*utils.Script)),
	wire.Bind(new(service.MediaProber), new(*utils.Prober)),

	service.NewWatcher, wire.Bind(new(service.JobQueue), new(*service.Runner)),
	service.NewCleaner, wire.Bind(new(service.JobCleaner), new(*store.JobStore)),

	handler.NewJobs,
	wire.Bind(new(handler.JobService), new(*service.Runner)),
	wire.Bind(new(handler.JobRepository), new(*store.JobStore)),
)

func initAppResources(context.Context, *config.Config) (*resources, func(), error) {
	wire.Build(wireAppResourceSet, wire.Struct(new(resources),
		"log", "httpSrv", "cluster", "jobStore", "script", "prober", "cfg"))

	return &resources{}, nil, nil
}

func initAppHandlers(context.Context, *resources) (*handlers, error) {
	wire.Build(wireAppHandlersSet,
		wire.FieldsOf(new(*resources), "log", "httpSrv", "jobStore", "script", "prober", "cfg"),
		wire.Struct(new(handlers), "jobs", "runner", "watcher", "cleaner"),
	)

	return &handlers{}, nil
}
