package errors

import (
	stderrors "errors"
	"log"
	"net/http"
	"strings"

	sentryecho "github.com/getsentry/sentry-go/echo"
	"github.com/labstack/echo/v4"
	"github.com/partnerhub/api/pkg/domain"
	"github.com/partnerhub/api/pkg/models"
)

// ValidationError returns a generic validation error without exposing internal details
func ValidationError(c echo.Context, err error) error {
	// Log the actual error for debugging
	log.Printf("[VALIDATION ERROR] Path: %s, Error: %v", c.Request().URL.Path, err)

	return c.JSON(http.StatusBadRequest, models.ErrorResponse{
		Error:   "validation_error",
		Message: "Invalid request data. Please check your input and try again.",
	})
}

// DatabaseError returns a generic database error without exposing internal details
func DatabaseError(c echo.Context, err error) error {
	log.Printf("[DATABASE ERROR] Path: %s, Error: %v", c.Request().URL.Path, err)
	capture(c, err)

	return c.JSON(http.StatusInternalServerError, models.ErrorResponse{
		Error:   "database_error",
		Message: "A database error occurred. Please try again later.",
	})
}

// InternalError returns a generic internal server error
func InternalError(c echo.Context, err error) error {
	log.Printf("[INTERNAL ERROR] Path: %s, Error: %v", c.Request().URL.Path, err)
	capture(c, err)

	return c.JSON(http.StatusInternalServerError, models.ErrorResponse{
		Error:   "internal_error",
		Message: "An internal error occurred. Please try again later.",
	})
}

// UpstreamError returns a generic error for a failed payment provider call
func UpstreamError(c echo.Context, err error) error {
	log.Printf("[UPSTREAM ERROR] Path: %s, Error: %v", c.Request().URL.Path, err)
	capture(c, err)

	return c.JSON(http.StatusBadGateway, models.ErrorResponse{
		Error:   strings.ToLower(string(domain.GetKind(err))),
		Message: "The payment provider could not complete the request. Please try again later.",
	})
}

// NotFoundError returns a generic not found error
func NotFoundError(c echo.Context, resource string) error {
	return c.JSON(http.StatusNotFound, models.ErrorResponse{
		Error:   "not_found",
		Message: "The requested resource was not found.",
	})
}

// ConflictError returns a generic conflict error
func ConflictError(c echo.Context, message string) error {
	return c.JSON(http.StatusConflict, models.ErrorResponse{
		Error:   "conflict",
		Message: message, // Message is safe to expose (e.g., "code already taken")
	})
}

// FromDomain writes the response for an error returned by a service.
// Domain messages are safe to expose; storage and unknown errors are not.
func FromDomain(c echo.Context, err error) error {
	var de *domain.DomainError
	if !stderrors.As(err, &de) {
		return InternalError(c, err)
	}

	switch de.Code {
	case domain.ErrCodeValidation:
		return c.JSON(http.StatusBadRequest, domainBody(de))
	case domain.ErrCodeNotFound:
		return c.JSON(http.StatusNotFound, domainBody(de))
	case domain.ErrCodeConflict:
		return c.JSON(http.StatusConflict, domainBody(de))
	case domain.ErrCodeExternal:
		return UpstreamError(c, err)
	}
	if de.Kind == domain.KindStorage {
		return DatabaseError(c, err)
	}
	return InternalError(c, err)
}

// StatusFor maps an error to the status FromDomain would write.
func StatusFor(err error) int {
	switch domain.GetErrorCode(err) {
	case domain.ErrCodeValidation:
		return http.StatusBadRequest
	case domain.ErrCodeNotFound:
		return http.StatusNotFound
	case domain.ErrCodeConflict:
		return http.StatusConflict
	case domain.ErrCodeExternal:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func domainBody(de *domain.DomainError) models.ErrorResponse {
	code := strings.ToLower(string(de.Kind))
	if code == "" {
		code = strings.ToLower(de.Code)
	}
	return models.ErrorResponse{Error: code, Message: de.Message}
}

func capture(c echo.Context, err error) {
	if hub := sentryecho.GetHubFromContext(c); hub != nil {
		hub.CaptureException(err)
	}
}
