package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"provisiond/pkg/model"
)

// statusFor maps a service error to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrBackendUnavailable):
		return http.StatusBadGateway
	case errors.Is(err, model.ErrNodeNotEligible),
		errors.Is(err, model.ErrInvalidRequest),
		errors.Is(err, model.ErrUnknownAccess),
		errors.Is(err, model.ErrBackendConfig):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrPoolExhausted),
		errors.Is(err, model.ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func respondError(c *gin.Context, err error) {
	status := statusFor(err)
	_ = c.Error(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	c.AbortWithStatusJSON(status, gin.H{"error": msg})
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": msg})
}
