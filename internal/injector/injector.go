//go:build wireinject
// +build wireinject

// The build tag makes sure the stub is not built in the final build.

package injector

import (
	"github.com/google/wire"

	"github.com/zeusync/rediscore/sdk/go/client"
)

func InitializeClient(config client.Config) (*client.Client, error) {
	wire.Build(ProvideLogger, client.ProvideClient)
	return nil, nil
}
