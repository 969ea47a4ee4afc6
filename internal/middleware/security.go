package middleware

import (
	"github.com/labstack/echo/v4"
)

// hopByHopHeaders are headers that should not be forwarded by proxies.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// SecurityHeaders returns an Echo middleware that strips hop-by-hop headers
// from the inbound request and adds security headers to the response.
// Response headers are set before the handler runs: once a handler has
// written the status line, later Header().Set calls are lost.
func SecurityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			for _, h := range hopByHopHeaders {
				c.Request().Header.Del(h)
			}

			rh := c.Response().Header()
			rh.Set(echo.HeaderXContentTypeOptions, "nosniff")
			rh.Set(echo.HeaderXFrameOptions, "DENY")
			rh.Set("Referrer-Policy", "no-referrer")

			return next(c)
		}
	}
}
