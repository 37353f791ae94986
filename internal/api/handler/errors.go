package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/timmy/catalogsync/internal/domain"
	"github.com/timmy/catalogsync/internal/logger"
	"github.com/timmy/catalogsync/internal/repository"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
}

// statusFor maps an error to its HTTP status.
func statusFor(err error) int {
	var apiErr *repository.APIError
	switch {
	case errors.Is(err, domain.ErrUnknownEntity),
		errors.Is(err, domain.ErrUnknownStore),
		errors.Is(err, domain.ErrUnknownHandler),
		errors.Is(err, domain.ErrInvalidExtraSettings),
		errors.Is(err, domain.ErrInvalidCredentials):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrReplicaLimitExceeded):
		return http.StatusConflict
	case errors.Is(err, domain.ErrReplicaStateCorrupted),
		errors.Is(err, domain.ErrExceededRetries),
		errors.As(err, &apiErr):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// respondError logs err and writes it with the mapped status.
func respondError(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger.CtxError(c.Request.Context(), "Request failed: status=%d, error=%v", status, err)
	} else {
		logger.CtxWarn(c.Request.Context(), "Request rejected: status=%d, error=%v", status, err)
	}
	c.JSON(status, ErrorResponse{Error: err.Error()})
}
