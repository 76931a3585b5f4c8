package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"github.com/Pr0fe5s0r/gitybara/internal/store"
)

// Envelope is the wrapper of every response.
type Envelope struct {
	Data  any       `json:"data,omitempty"`
	Error *APIError `json:"error,omitempty"`
}

// APIError describes a failed request.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

var errInvalidInput = errors.New("invalid input")

func jsonOK(c echo.Context, data any) error {
	return c.JSON(http.StatusOK, Envelope{Data: data})
}

// requestValidator adapts go-playground/validator to echo.
type requestValidator struct {
	validate *validator.Validate
}

func (v *requestValidator) Validate(i any) error {
	if err := v.validate.Struct(i); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%w: %s failed on '%s'", errInvalidInput, fe.Field(), fe.Tag())
		}
		return fmt.Errorf("%w: %v", errInvalidInput, err)
	}
	return nil
}

func errorHandler(logger *slog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		status, apiErr := mapError(err)
		if status == http.StatusInternalServerError {
			logger.Error("request failed", "path", c.Request().URL.Path, "error", err)
		}
		if jsonErr := c.JSON(status, Envelope{Error: &apiErr}); jsonErr != nil {
			logger.Error("failed to send error response", "error", jsonErr)
		}
	}
}

func mapError(err error) (int, APIError) {
	var bindErr *echo.BindingError
	if errors.As(err, &bindErr) {
		return http.StatusBadRequest, APIError{Code: "invalid_input", Message: "invalid " + bindErr.Field}
	}
	var echoErr *echo.HTTPError
	if errors.As(err, &echoErr) {
		msg, _ := echoErr.Message.(string)
		if msg == "" {
			msg = http.StatusText(echoErr.Code)
		}
		return echoErr.Code, APIError{Code: http.StatusText(echoErr.Code), Message: msg}
	}

	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, APIError{Code: "not_found", Message: "no such job"}
	case errors.Is(err, store.ErrTransitionConflict), errors.Is(err, store.ErrInvalidTransition):
		return http.StatusConflict, APIError{Code: "conflict", Message: err.Error()}
	case errors.Is(err, errInvalidInput):
		return http.StatusBadRequest, APIError{Code: "invalid_input", Message: err.Error()}
	default:
		return http.StatusInternalServerError, APIError{Code: "internal_error", Message: err.Error()}
	}
}
