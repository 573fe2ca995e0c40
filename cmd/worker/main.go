package main

import (
	"context"
	"time"

	"castplane/pkg/config"
	"castplane/pkg/db"
	"castplane/pkg/gen"
	"castplane/pkg/logger"
	"castplane/pkg/minio"
	"castplane/pkg/otelcol"
	rediscli "castplane/pkg/redis"
	"castplane/pkg/sequence"
	"castplane/pkg/task"
	"castplane/services/episode"
	"castplane/services/ledger"
	"castplane/services/publish"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

func main() {
	app := fx.New(
		logger.Module,
		config.Module,
		otelcol.Module,
		db.Module,
		rediscli.Module,
		gen.Module,
		minio.Client,
		task.Client,
		task.Server,
		sequence.Module,

		ledger.Module,
		episode.Module,
		publish.Module,

		fx.Invoke(
			publish.RegisterHandlers,
			runSweep,
		),

		fxLogger,
	)

	app.Run()
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	return fxevent.NopLogger
})

// runSweep periodically flips episodes whose schedule elapsed without a read
// triggering the transition.
func runSweep(lc fx.Lifecycle, cfg *config.Config, svc *publish.Service) {
	if !cfg.Sweep.Enable {
		return
	}

	done := make(chan struct{})
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ticker := time.NewTicker(cfg.Sweep.Interval)
			go func() {
				defer ticker.Stop()
				for {
					select {
					case <-ticker.C:
						if err := svc.Sweep(context.Background()); err != nil {
							zap.L().Error("publish sweep failed", zap.Error(err))
						}
					case <-done:
						return
					}
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			close(done)
			return nil
		},
	})
}
