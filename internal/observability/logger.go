package observability

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ComponentLogger derives a logger for one component of a node from the
// global logger, so level and output follow logging.Configure.
func ComponentLogger(node, component string) zerolog.Logger {
	return log.With().Str("node", node).Str("component", component).Logger()
}
