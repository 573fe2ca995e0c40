package gen

import (
	"go.uber.org/fx"

	"github.com/bwmarrin/snowflake"
)

var Module = fx.Module("snowflake",
	fx.Provide(NewNode),
)

func NewNode() (*snowflake.Node, error) {
	return snowflake.NewNode(1)
}
