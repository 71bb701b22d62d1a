package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/org-partitions/org-service/internal/telemetry"
)

// NoRoutePath is the path label recorded for requests that match no route.
const NoRoutePath = "<no-route>"

// MetricsMiddleware records http_requests_total and http_request_duration_seconds
// for every request. The path label is the matched route template from
// c.FullPath(), so query strings such as ?organization_name= never reach a label.
//
// Register after gin.Recovery() and RequestIDMiddleware so the final status is
// observed.
func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = NoRoutePath
		}
		method := c.Request.Method

		telemetry.HTTPRequestsTotal.WithLabelValues(method, path, strconv.Itoa(c.Writer.Status())).Inc()
		telemetry.HTTPRequestDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	}
}
