package rest

import (
	"errors"
	"net/http"

	"github.com/evalgo/approvalflow/pkg/approval"
	"github.com/evalgo/approvalflow/pkg/step"
	"github.com/evalgo/approvalflow/pkg/workflow"
	"github.com/labstack/echo/v4"
)

// httpError maps the domain error taxonomy (spec section 7) onto the HTTP
// statuses spec section 6 fixes for the callback endpoint, and reasonable
// defaults elsewhere. ConcurrentModification never reaches here: it is
// recovered locally by the component that raised it.
func httpError(err error) error {
	switch {
	case errors.Is(err, approval.ErrTokenInvalid), errors.Is(err, approval.ErrSigningKeyMissing):
		return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	case errors.Is(err, approval.ErrAlreadyDecided):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, approval.ErrApprovalExpired):
		return echo.NewHTTPError(http.StatusGone, err.Error())
	case errors.Is(err, approval.ErrNotFound), errors.Is(err, workflow.ErrNotFound), errors.Is(err, step.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, workflow.ErrInvalidTransition), errors.Is(err, workflow.ErrRetryNotAllowed),
		errors.Is(err, approval.ErrNotRollbackable), errors.Is(err, step.ErrHandlerNotRegistered):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
