package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// corsHeaders are attached to every response, including errors and preflights.
var corsHeaders = map[string]string{
	echo.HeaderAccessControlAllowOrigin:  "*",
	echo.HeaderAccessControlAllowMethods: "GET, HEAD, POST, OPTIONS",
	echo.HeaderAccessControlAllowHeaders: "Content-Type",
}

// CORS returns an Echo middleware that applies a fixed permissive CORS policy.
// OPTIONS requests on any path are answered here with 200 and an empty body;
// nothing behind the middleware runs for them.
func CORS() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()
			for k, v := range corsHeaders {
				h.Set(k, v)
			}

			if c.Request().Method == http.MethodOptions {
				return c.NoContent(http.StatusOK)
			}

			return next(c)
		}
	}
}
