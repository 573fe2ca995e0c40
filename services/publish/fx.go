package publish

import (
	"github.com/hibiken/asynq"
	"go.uber.org/fx"
)

var Module = fx.Module("publish.service",
	fx.Provide(
		NewHTTPRemoteClient,
		NewMinioPresigner,
		func(c *asynq.Client) Enqueuer { return c },
		NewService,
	),
)
