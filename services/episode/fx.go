package episode

import "go.uber.org/fx"

var Module = fx.Module("episode.service",
	fx.Provide(NewService),
)
