package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/hashicorp/go-hclog"

	"github.com/caseflowio/caseflow/internal/config"
	"github.com/caseflowio/caseflow/internal/otel"
	"github.com/caseflowio/caseflow/internal/rest"
	"github.com/caseflowio/caseflow/pkg/engine"
	"github.com/caseflowio/caseflow/pkg/projector"
	"github.com/caseflowio/caseflow/pkg/storage/sqlite"
)

func main() {
	appContext, ctxCancel := context.WithCancel(context.Background())

	conf := config.InitConfig()

	logger := hclog.New(&hclog.LoggerOptions{
		Name:  conf.Name,
		Level: hclog.LevelFromString(conf.Log.Level),
	})
	hclog.SetDefault(logger)

	telemetry, err := otel.Setup(conf.Name, conf.Tracing)
	if err != nil {
		logger.Error("failed to set up tracing", "error", err)
		os.Exit(1)
	}

	store, err := sqlite.Open(conf.Storage.Dsn)
	if err != nil {
		logger.Error("failed to open storage", "dsn", conf.Storage.Dsn, "error", err)
		os.Exit(1)
	}

	eng := engine.NewEngine(store,
		engine.EngineWithName(conf.Name),
		engine.EngineWithLogger(logger.Named("engine")),
		engine.EngineWithMaxDispatchSteps(conf.Engine.MaxDispatchSteps),
	)
	proj := projector.New(store, store.DB(), logger.Named("projector"))

	svr := rest.NewServer(eng, proj, conf)
	svr.Start()

	appStop := make(chan os.Signal, 2)
	signal.Notify(appStop, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	sig := <-appStop
	logger.Info("received signal, shutting down", "signal", sig.String())

	ctxCancel()
	svr.Stop(appContext)
	if err := store.Close(); err != nil {
		logger.Error("failed to close storage", "error", err)
	}
	telemetry.Stop(appContext)
}
