package observability

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// Context keys a handler sets so the request line names the remote node it
// queried and the link that carried the query.
const (
	ctxTargetNode = "cspnet.target_node"
	ctxInterface  = "cspnet.iface"
)

// TagQuery marks an admin request as a query to dst over iface. iface is
// empty when no route exists.
func TagQuery(c *gin.Context, dst uint8, iface string) {
	c.Set(ctxTargetNode, dst)
	c.Set(ctxInterface, iface)
}

// RequestLogger logs one line per admin request. Introspection polls log at
// debug; node queries log at info with their target, and failures carry the
// error the handler attached.
func RequestLogger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		dst, isQuery := c.Get(ctxTargetNode)

		var event *zerolog.Event
		switch {
		case status >= 500:
			event = logger.Error()
		case status >= 400:
			event = logger.Warn()
		case isQuery:
			event = logger.Info()
		default:
			event = logger.Debug()
		}
		if isQuery {
			event = event.Interface("dst", dst).Str("iface", c.GetString(ctxInterface))
		}
		if last := c.Errors.Last(); last != nil {
			event = event.Err(last.Err)
		}
		event.
			Str("method", c.Request.Method).
			Str("path", routePath(c)).
			Int("status", status).
			Dur("duration", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Msg("admin.request")
	}
}

// RequestMetricsMiddleware records request counts and latency per route.
func RequestMetricsMiddleware(node string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		RecordHTTPRequest(node, c.Request.Method, routePath(c), c.Writer.Status(), time.Since(start))
	}
}

// routePath is the registered pattern, so /nodes/3/ping and /nodes/4/ping
// share one label.
func routePath(c *gin.Context) string {
	if p := c.FullPath(); p != "" {
		return p
	}
	return "unmatched"
}
