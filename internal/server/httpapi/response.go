package httpapi

import (
	"errors"
	"net/http"

	"github.com/dmitrijs2005/opsportal/internal/common"
	"github.com/dmitrijs2005/opsportal/internal/logging"
	"github.com/gin-gonic/gin"
)

// APIResponse is the envelope every JSON endpoint answers with.
type APIResponse struct {
	Success      bool   `json:"success"`
	Message      string `json:"message,omitempty"`
	Data         any    `json:"data,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

func respSuccess(c *gin.Context, status int, data any) {
	c.JSON(status, APIResponse{Success: true, Data: data})
}

func respMessage(c *gin.Context, msg string) {
	c.JSON(http.StatusOK, APIResponse{Success: true, Message: msg})
}

func respErrorStr(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, APIResponse{Success: false, Message: msg})
}

// errorStatus maps service errors to HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, common.ErrorValidation):
		return http.StatusBadRequest
	case errors.Is(err, common.ErrInvalidToken), errors.Is(err, common.ErrTokenExpired):
		return http.StatusUnauthorized
	case errors.Is(err, common.ErrorForbidden):
		return http.StatusForbidden
	case errors.Is(err, common.ErrorNotFound):
		return http.StatusNotFound
	case errors.Is(err, common.ErrBatchConflict), errors.Is(err, common.ErrRevisionTaken), errors.Is(err, common.ErrorAlreadyExists):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// respError writes err with its mapped status. Unexpected failures carry
// the underlying message in errorMessage and are logged.
func respError(c *gin.Context, logger logging.Logger, err error) {
	status := errorStatus(err)
	if status != http.StatusInternalServerError {
		respErrorStr(c, status, err.Error())
		return
	}

	logger.Error(c.Request.Context(), "request failed", "path", c.FullPath(), "error", err)
	c.AbortWithStatusJSON(status, APIResponse{
		Success:      false,
		Message:      "internal error",
		ErrorMessage: err.Error(),
	})
}
