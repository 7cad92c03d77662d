package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v5"

	"github.com/samcharles93/qat/internal/tensor"
	"github.com/samcharles93/qat/pkg/nn"
	"github.com/samcharles93/qat/pkg/quant"
)

var (
	ErrInvalidRequest = errors.New("invalid_request")
	ErrNoModel        = errors.New("model not loaded")
)

type invalidRequestError struct {
	msg string
}

func (e invalidRequestError) Error() string {
	return e.msg
}

func (e invalidRequestError) Unwrap() error {
	return ErrInvalidRequest
}

func newInvalidRequest(msg string) error {
	return invalidRequestError{msg: msg}
}

// IsInvalidRequest reports whether err came from a malformed request.
func IsInvalidRequest(err error) bool {
	return errors.Is(err, ErrInvalidRequest)
}

// writeModelError maps errors raised while running the model to a status.
// Shape mismatches are the caller's fault; placeholders and a missing model
// are not.
func writeModelError(c *echo.Context, err error) error {
	switch {
	case IsInvalidRequest(err), errors.Is(err, quant.ErrShape), errors.Is(err, nn.ErrShape):
		return writeBadRequest(c, err.Error())
	case errors.Is(err, tensor.ErrPlaceholder):
		return writeError(c, http.StatusConflict, "model_error", err.Error(), "", "placeholder")
	case errors.Is(err, ErrNoModel):
		return writeError(c, http.StatusServiceUnavailable, "server_error", err.Error(), "", "")
	default:
		return writeError(c, http.StatusInternalServerError, "server_error", err.Error(), "", "")
	}
}
