package observability

import (
	"strings"

	"go.uber.org/zap"
)

// NewLogger returns a development logger for local environments and a JSON
// production logger otherwise.
func NewLogger(env string) (*zap.Logger, error) {
	switch strings.ToLower(env) {
	case "", "dev", "development", "local", "test":
		return zap.NewDevelopment()
	default:
		return zap.NewProduction()
	}
}
