package httpserver

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"github.com/tphakala/audiobridge/internal/errors"
	"github.com/tphakala/audiobridge/internal/logger"
	"github.com/tphakala/audiobridge/internal/observability/metrics"
)

// newRequestLogger logs every request through l.
func newRequestLogger(l logger.Logger) echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:   true,
		LogURI:      true,
		LogMethod:   true,
		LogLatency:  true,
		LogRemoteIP: true,
		LogError:    true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			fields := []logger.Field{
				logger.String("method", v.Method),
				logger.String("uri", v.URI),
				logger.Int("status", v.Status),
				logger.String("ip", v.RemoteIP),
				logger.Duration("latency", v.Latency),
			}
			if v.Error != nil {
				fields = append(fields, logger.Error(v.Error))
			}
			l.Debug("request", fields...)
			return nil
		},
	})
}

// newMetricsMiddleware records request counts, latency and response sizes
// keyed by the route template.
func newMetricsMiddleware(m *metrics.HTTPMetrics) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			req := c.Request()
			path := c.Path()
			if path == "" {
				path = "unmatched"
			}
			status := c.Response().Status
			if err != nil {
				var he *echo.HTTPError
				if errors.As(err, &he) {
					status = he.Code
				}
				m.RecordHTTPRequestError(req.Method, path, string(errors.CategoryOf(err)))
			} else if errorType, ok := c.Get(errorTypeKey).(string); ok {
				m.RecordHTTPRequestError(req.Method, path, errorType)
			}
			m.RecordHTTPRequest(req.Method, path, status, time.Since(start).Seconds())
			m.RecordHTTPResponseSize(req.Method, path, c.Response().Size)
			return err
		}
	}
}

// newControlRateLimiter limits state-changing requests per client IP.
func newControlRateLimiter(limit rate.Limit, burst int) echo.MiddlewareFunc {
	return middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		Store: middleware.NewRateLimiterMemoryStoreWithConfig(
			middleware.RateLimiterMemoryStoreConfig{
				Rate:      limit,
				Burst:     burst,
				ExpiresIn: controlRateWindow,
			},
		),
		IdentifierExtractor: middleware.DefaultRateLimiterConfig.IdentifierExtractor,
		ErrorHandler: func(c echo.Context, err error) error {
			return c.JSON(http.StatusForbidden, map[string]string{
				"error": "could not identify client",
			})
		},
		DenyHandler: func(c echo.Context, identifier string, err error) error {
			c.Set(errorTypeKey, "rate-limit")
			return c.JSON(http.StatusTooManyRequests, map[string]string{
				"error": "Too many control requests, please slow down",
			})
		},
	})
}
