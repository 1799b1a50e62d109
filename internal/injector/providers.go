package injector

import (
	"github.com/zeusync/rediscore/internal/core/observability/log"
	"github.com/zeusync/rediscore/sdk/go/client"
)

// ProvideLogger builds a fresh logger at the configured level.
func ProvideLogger(config client.Config) *log.Logger {
	return log.New(config.LogLevel)
}
