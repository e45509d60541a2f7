package httpapi

import (
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/drblury/meshflow/internal/runtime/resilience"
)

// Caller is satisfied by *resilience.Invoker.
type Caller interface {
	Call(ctx context.Context, service string, req resilience.Request, opts ...resilience.CallOption) (*resilience.Response, error)
}

var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
	"Content-Length",
}

// Gateway forwards ANY /<prefix>/:service/*path to the named service through
// caller. Failures are rendered with Abort.
func Gateway(caller Caller, opts ...resilience.CallOption) gin.HandlerFunc {
	return func(c *gin.Context) {
		service := c.Param("service")
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			Abort(c, err)
			return
		}

		path := c.Param("path")
		if !strings.HasPrefix(path, "/") {
			path = "/" + path
		}
		req := resilience.Request{
			Method: c.Request.Method,
			Path:   path,
			Header: stripHop(c.Request.Header),
			Query:  c.Request.URL.Query(),
			Body:   body,
		}
		if len(body) == 0 {
			req.Body = nil
		}
		// The correlation id travels on the context; the invoker writes the header.
		req.Header.Del(HeaderCorrelationID)

		resp, err := caller.Call(c.Request.Context(), service, req, opts...)
		if err != nil {
			Abort(c, err)
			return
		}
		header := stripHop(resp.Header)
		header.Del(HeaderCorrelationID)
		for key, values := range header {
			for _, v := range values {
				c.Writer.Header().Add(key, v)
			}
		}
		c.Status(resp.StatusCode)
		_, _ = c.Writer.Write(resp.Body)
	}
}

func stripHop(h http.Header) http.Header {
	out := h.Clone()
	if out == nil {
		out = http.Header{}
	}
	for _, key := range hopHeaders {
		out.Del(key)
	}
	return out
}
