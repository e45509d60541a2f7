package errors

import (
	sterrors "errors"
	"net/http"
)

// Response is the body rendered at the HTTP edge for failed operations.
type Response struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Error   string `json:"error"`
}

// HTTPStatus maps an error onto the status code surfaced to HTTP callers.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case sterrors.Is(err, ErrTimeout):
		return http.StatusGatewayTimeout
	case sterrors.Is(err, ErrEventValidation), sterrors.Is(err, ErrTaskValidation):
		return http.StatusUnprocessableEntity
	case sterrors.Is(err, ErrServiceNotFound),
		sterrors.Is(err, ErrNoHealthyInstance),
		sterrors.Is(err, ErrCatalogUnavailable),
		sterrors.Is(err, ErrCircuitOpen),
		sterrors.Is(err, ErrBulkheadRejected),
		sterrors.Is(err, ErrNotConnected):
		return http.StatusServiceUnavailable
	case sterrors.Is(err, ErrUpstream):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// NewResponse builds the failure envelope for err.
func NewResponse(err error) Response {
	resp := Response{Success: false, Message: http.StatusText(HTTPStatus(err))}
	if err != nil {
		resp.Error = err.Error()
	}
	switch {
	case sterrors.Is(err, ErrCircuitOpen):
		resp.Message = "dependency temporarily unavailable"
	case sterrors.Is(err, ErrBulkheadRejected):
		resp.Message = "dependency is at capacity"
	case sterrors.Is(err, ErrServiceNotFound), sterrors.Is(err, ErrNoHealthyInstance), sterrors.Is(err, ErrCatalogUnavailable):
		resp.Message = "dependency could not be located"
	case sterrors.Is(err, ErrTimeout):
		resp.Message = "dependency did not answer in time"
	case sterrors.Is(err, ErrEventValidation), sterrors.Is(err, ErrTaskValidation):
		resp.Message = "payload failed validation"
	}
	return resp
}
