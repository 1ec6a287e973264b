package main

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lychee-technology/celldb"
	"go.uber.org/zap"
)

// APIResponse is the error body every endpoint returns on failure.
type APIResponse struct {
	Success bool             `json:"success"`
	Error   string           `json:"error,omitempty"`
	Kind    celldb.ErrorKind `json:"kind,omitempty"`
	Code    string           `json:"code,omitempty"`
	CellID  string           `json:"cellId,omitempty"`
	Details map[string]any   `json:"details,omitempty"`
}

// statusFor maps an aggregator error to its HTTP status.
func statusFor(err error) int {
	var qe *celldb.QueryError
	if !errors.As(err, &qe) {
		return http.StatusInternalServerError
	}
	switch qe.Kind {
	case celldb.ErrorKindInvalidQuery, celldb.ErrorKindRegistrationFailed:
		return http.StatusBadRequest
	case celldb.ErrorKindPermissionDenied:
		return http.StatusForbidden
	case celldb.ErrorKindCellUnavailable:
		if qe.Code == celldb.ErrCodeUnknownCell {
			return http.StatusNotFound
		}
		return http.StatusServiceUnavailable
	case celldb.ErrorKindTimeoutExceeded:
		if qe.Code == celldb.ErrCodeStreamExpired {
			return http.StatusGone
		}
		return http.StatusGatewayTimeout
	case celldb.ErrorKindResourceExhausted:
		return http.StatusTooManyRequests
	case celldb.ErrorKindStreamingFailed:
		switch qe.Code {
		case celldb.ErrCodeStreamNotFound:
			return http.StatusNotFound
		case celldb.ErrCodeStreamBusy:
			return http.StatusConflict
		case celldb.ErrCodeStreamClosed, celldb.ErrCodeStreamExhausted, celldb.ErrCodeStreamExpired:
			return http.StatusGone
		}
		return http.StatusInternalServerError
	case celldb.ErrorKindOptimizationFailed:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, err error) {
	status := statusFor(err)
	resp := APIResponse{Error: err.Error()}
	var qe *celldb.QueryError
	if errors.As(err, &qe) {
		resp.Error = qe.Message
		resp.Kind = qe.Kind
		resp.Code = qe.Code
		resp.CellID = qe.CellID
		resp.Details = qe.Details
	}
	if status >= http.StatusInternalServerError {
		zap.S().Warnw("request failed", "path", c.FullPath(), "status", status, "error", err)
	}
	c.AbortWithStatusJSON(status, resp)
}

func badRequest(c *gin.Context, format string, args ...any) {
	c.AbortWithStatusJSON(http.StatusBadRequest, APIResponse{
		Error: fmt.Sprintf(format, args...),
		Kind:  celldb.ErrorKindInvalidQuery,
	})
}

// parseBatchSize reads ?batch_size=; zero means the stream's configured size.
func parseBatchSize(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("batch_size must be a positive integer")
	}
	return n, nil
}

// parseWindow reads ?window= as a Go duration or a number of seconds. Empty means one hour.
func parseWindow(raw string) (time.Duration, error) {
	if raw == "" {
		return time.Hour, nil
	}
	if secs, err := strconv.ParseUint(raw, 10, 32); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("window must be a positive duration")
	}
	return d, nil
}
