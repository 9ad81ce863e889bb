package logx

import (
	"net"
	"time"

	"github.com/gin-gonic/gin"
)

// anonymizeIP zeroes the last IPv4 octet or the lower half of an IPv6 address.
func anonymizeIP(ipStr string) string {
	if host, _, err := net.SplitHostPort(ipStr); err == nil {
		ipStr = host
	}

	ip := net.ParseIP(ipStr)
	if ip == nil {
		return "unknown_ip"
	}
	if ip.IsLoopback() {
		return "127.0.0.1"
	}
	if v4 := ip.To4(); v4 != nil {
		return net.IPv4(v4[0], v4[1], v4[2], 0).String()
	}
	v6 := make(net.IP, net.IPv6len)
	copy(v6, ip.To16()[:8])
	return v6.String()
}

// GinLogger returns middleware that logs one line per completed request.
// A request-scoped logger is attached to the request context.
func GinLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := Logger().With().
			Str("component", "http").
			Str("remote_ip", anonymizeIP(c.ClientIP())).
			Str("request_method", c.Request.Method).
			Str("request_uri", c.Request.RequestURI).
			Logger()
		c.Request = c.Request.WithContext(logger.WithContext(c.Request.Context()))

		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		event := logger.Info()
		if status >= 500 {
			event = logger.Error()
		} else if status >= 400 {
			event = logger.Warn()
		}
		event.
			Int("status", status).
			Int("bytes", c.Writer.Size()).
			Dur("latency", time.Since(start)).
			Msg("Request completed")
	}
}
