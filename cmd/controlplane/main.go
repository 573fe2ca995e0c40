package main

import (
	"castplane/internal/httpapi"
	"castplane/pkg/config"
	"castplane/pkg/db"
	"castplane/pkg/gen"
	"castplane/pkg/health"
	"castplane/pkg/logger"
	"castplane/pkg/minio"
	"castplane/pkg/otelcol"
	rediscli "castplane/pkg/redis"
	"castplane/pkg/sequence"
	"castplane/pkg/server"
	"castplane/pkg/task"
	"castplane/services/episode"
	"castplane/services/ledger"
	"castplane/services/publish"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"gorm.io/gorm"
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
		sequence.Module,
		health.Module,

		ledger.Module,
		episode.Module,
		publish.Module,

		fx.Invoke(migrate),

		httpapi.Module,
		server.ProvideHTTPServer,

		fxLogger,
	)

	app.Run()
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	return fxevent.NopLogger
})

func migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&episode.Show{},
		&episode.Episode{},
		&ledger.Entry{},
	)
}
