// Package httpapi holds the gin plumbing shared by meshflow services: the
// failure envelope, correlation and request logging middleware, and the
// gateway handler that forwards calls through the resilient invoker.
package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	errspkg "github.com/drblury/meshflow/internal/runtime/errors"
	"github.com/drblury/meshflow/internal/runtime/ids"
	"github.com/drblury/meshflow/internal/runtime/logging"
	"github.com/drblury/meshflow/internal/runtime/metadata"
)

// HeaderCorrelationID is read from and echoed on every request.
const HeaderCorrelationID = "X-Correlation-ID"

const correlationKey = "correlation_id"

// Abort stops the chain and renders {success:false, message, error} with the
// status mapped from err.
func Abort(c *gin.Context, err error) {
	_ = c.Error(err)
	c.AbortWithStatusJSON(errspkg.HTTPStatus(err), errspkg.NewResponse(err))
}

// Errors renders the last error a handler attached with c.Error when the
// handler wrote nothing itself.
func Errors() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}
		err := c.Errors.Last().Err
		c.JSON(errspkg.HTTPStatus(err), errspkg.NewResponse(err))
	}
}

// CorrelationID continues the caller's correlation chain or starts one, and
// stores it on the request context so outbound calls and publishes inherit it.
func CorrelationID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(HeaderCorrelationID)
		if id == "" {
			id = ids.NewCorrelationID()
		}
		c.Set(correlationKey, id)
		c.Request = c.Request.WithContext(metadata.WithCorrelationID(c.Request.Context(), id))
		c.Header(HeaderCorrelationID, id)
		c.Next()
	}
}

// CorrelationIDFrom returns the id set by CorrelationID.
func CorrelationIDFrom(c *gin.Context) string {
	return c.GetString(correlationKey)
}

// RequestLogger logs one line per request.
func RequestLogger(logger logging.ServiceLogger) gin.HandlerFunc {
	logger = logging.OrNop(logger)
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := logging.LogFields{
			"method":         c.Request.Method,
			"path":           c.Request.URL.Path,
			"status":         c.Writer.Status(),
			"duration_ms":    time.Since(start).Milliseconds(),
			"client_ip":      c.ClientIP(),
			"correlation_id": CorrelationIDFrom(c),
		}
		switch {
		case len(c.Errors) > 0:
			logger.Error("Request failed", c.Errors.Last().Err, fields)
		case c.Writer.Status() >= http.StatusInternalServerError:
			logger.Warn("Request completed with server error", fields)
		default:
			logger.Debug("Request completed", fields)
		}
	}
}

// Recovery turns a panic into a 500 envelope.
func Recovery(logger logging.ServiceLogger) gin.HandlerFunc {
	logger = logging.OrNop(logger)
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logger.Error("Panic while serving request", nil, logging.LogFields{
			"path":  c.Request.URL.Path,
			"panic": recovered,
		})
		c.AbortWithStatusJSON(http.StatusInternalServerError, errspkg.Response{
			Success: false,
			Message: http.StatusText(http.StatusInternalServerError),
			Error:   "internal error",
		})
	})
}

// NewEngine returns a gin engine with Recovery, CorrelationID, RequestLogger
// and Errors installed.
func NewEngine(logger logging.ServiceLogger) *gin.Engine {
	r := gin.New()
	r.Use(Recovery(logger), CorrelationID(), RequestLogger(logger), Errors())
	return r
}
