package observability

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/opencanvas/placed/internal/logging"
)

// InitLogger builds the node-wide logger: console output through the shared
// logging writer (so the PLACED_LOG_* overrides apply) stamped with the node
// name every metric in this package also carries.
func InitLogger(node string) zerolog.Logger {
	logger := zerolog.New(logging.Writer()).With().
		Timestamp().
		Str("node", node).
		Logger()
	log.Logger = logger
	return logger
}
