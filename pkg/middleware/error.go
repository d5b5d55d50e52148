package middleware

import (
	"errors"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/clover/pkg/attributes"
	"github.com/Ramsey-B/clover/pkg/context"
	"github.com/Ramsey-B/clover/pkg/identity"
	"github.com/Ramsey-B/clover/pkg/merging"
	"github.com/Ramsey-B/clover/pkg/records"
	"github.com/Ramsey-B/clover/pkg/resolution"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

type ErrorResponse struct {
	Message   string         `json:"message"`
	RequestID string         `json:"request_id"`
	TraceID   string         `json:"trace_id"`
	Meta      map[string]any `json:"meta"`
}

// domainStatus maps domain sentinels to response codes.
var domainStatus = []struct {
	err  error
	code int
}{
	{records.ErrMalformedPayload, http.StatusBadRequest},
	{resolution.ErrInvalidReview, http.StatusBadRequest},
	{attributes.ErrRejected, http.StatusBadRequest},
	{merging.ErrSelfMerge, http.StatusBadRequest},
	{resolution.ErrAlreadyReviewed, http.StatusConflict},
	{merging.ErrMergeCycle, http.StatusConflict},
	{merging.ErrNotCanonical, http.StatusConflict},
	{merging.ErrAlreadyMerged, http.StatusConflict},
	{identity.ErrIdentifierOwned, http.StatusConflict},
	{attributes.ErrNoValue, http.StatusNotFound},
	{resolution.ErrTransient, http.StatusServiceUnavailable},
}

// StatusCode returns the response code for err.
func StatusCode(err error) int {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code
	}
	for _, d := range domainStatus {
		if errors.Is(err, d.err) {
			return d.code
		}
	}
	if httperror.IsHTTPError(err) {
		return httperror.GetStatusCode(err)
	}
	return http.StatusInternalServerError
}

func Error(logger ectologger.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		ctx := c.Request().Context()
		if c.Response().Committed {
			return
		}

		code := StatusCode(err)
		message := err.Error()
		meta := map[string]any{}

		log := logger.WithContext(ctx).WithError(err).WithField("status", code)
		if code >= http.StatusInternalServerError {
			log.Error("api is returning an error")
		} else {
			log.Warn("api is returning a client error")
		}

		var he *echo.HTTPError
		switch {
		case errors.As(err, &he):
			if msg, ok := he.Message.(string); ok {
				message = msg
			}
		case httperror.IsHTTPError(err):
			httperr := httperror.ToHTTPError(err)
			message = httperr.Error()
			if httperr.Meta != nil {
				meta = httperr.Meta
			}
		}
		if code == http.StatusInternalServerError {
			message = "Internal Server Error"
		}

		_ = c.JSON(code, ErrorResponse{
			Message:   message,
			RequestID: context.GetRequestID(ctx),
			TraceID:   tracing.GetTraceID(ctx),
			Meta:      meta,
		})
	}
}
