package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/pluginhub-dev/pluginhub/internal/application/apperrors"
)

// errorBody is the standard error envelope.
type errorBody struct {
	Code          string         `json:"code"`
	Message       string         `json:"message"`
	Details       map[string]any `json:"details,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
	Path          string         `json:"path"`
	Method        string         `json:"method"`
	CorrelationID string         `json:"correlationId"`
}

type errorEnvelope struct {
	Success bool      `json:"success"`
	Error   errorBody `json:"error"`
}

// writeError maps an application error onto the envelope and aborts the
// request. Unclassified errors become INTERNAL_SERVER_ERROR.
func writeError(c *gin.Context, err error) {
	status, code, message, details := classify(err)
	c.AbortWithStatusJSON(status, errorEnvelope{
		Success: false,
		Error: errorBody{
			Code:          code,
			Message:       message,
			Details:       details,
			Timestamp:     time.Now().UTC(),
			Path:          c.Request.URL.Path,
			Method:        c.Request.Method,
			CorrelationID: correlationID(c),
		},
	})
}

func classify(err error) (status int, code, message string, details map[string]any) {
	var (
		validation *apperrors.ValidationError
		security   *apperrors.SecurityError
		trustErr   *apperrors.TrustError
		conflict   *apperrors.ConflictError
		notFound   *apperrors.NotFoundError
		storage    *apperrors.StorageError
		timeout    *apperrors.TimeoutError
		configErr  *apperrors.ConfigurationError
	)
	switch {
	case errors.As(err, &validation):
		status = http.StatusBadRequest
		if validation.Code() == apperrors.CodePluginUploadFailed {
			status = http.StatusRequestEntityTooLarge
		}
		return status, validation.Code(), validation.Message, validation.Details()
	case errors.As(err, &security):
		return http.StatusForbidden, security.Code(), security.Message, security.Details()
	case errors.As(err, &trustErr):
		return http.StatusForbidden, trustErr.Code(), trustErr.Message, trustErr.Details()
	case errors.As(err, &conflict):
		return http.StatusConflict, conflict.Code(), conflict.Message, conflict.Details()
	case errors.As(err, &notFound):
		return http.StatusNotFound, notFound.Code(), notFound.Error(), notFound.Details()
	case errors.As(err, &timeout):
		return http.StatusRequestTimeout, timeout.Code(), timeout.Message, timeout.Details()
	case errors.As(err, &storage):
		return http.StatusInternalServerError, storage.Code(), storage.Message, storage.Details()
	case errors.As(err, &configErr):
		return http.StatusInternalServerError, configErr.Code(), configErr.Message, configErr.Details()
	default:
		return http.StatusInternalServerError, apperrors.CodeInternalServerError,
			"an unexpected error occurred", nil
	}
}
