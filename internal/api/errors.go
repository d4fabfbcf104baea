package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/npezzotti/go-dealroom/internal/admission"
	"github.com/npezzotti/go-dealroom/internal/types"
)

const deadLinkMessage = "this link no longer works"

type ApiError struct {
	StatusCode      int          `json:"status_code"`
	Message         string       `json:"message"`
	Reason          types.Reason `json:"reason,omitempty"`
	UnlockAt        *time.Time   `json:"unlock_at,omitempty"`
	AlternativeRole types.Role   `json:"alternative_role,omitempty"`
	Err             error        `json:"-"`
}

func (e *ApiError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s", e.Message, e.Err.Error())
	}

	return e.Message
}

func (e *ApiError) Unwrap() error {
	return e.Err
}

func lower(s string) string {
	return strings.ToLower(s)
}

func NewBadRequestError() *ApiError {
	return &ApiError{
		StatusCode: http.StatusBadRequest,
		Message:    lower(http.StatusText(http.StatusBadRequest)),
	}
}

func NewNotFoundError() *ApiError {
	return &ApiError{
		StatusCode: http.StatusNotFound,
		Message:    lower(http.StatusText(http.StatusNotFound)),
	}
}

func NewInternalServerError(err error) *ApiError {
	return &ApiError{
		StatusCode: http.StatusInternalServerError,
		Message:    lower(http.StatusText(http.StatusInternalServerError)),
		Err:        err,
	}
}

func NewUnauthorizedError() *ApiError {
	return &ApiError{
		StatusCode: http.StatusUnauthorized,
		Message:    lower(http.StatusText(http.StatusUnauthorized)),
	}
}

func NewForbiddenError() *ApiError {
	return &ApiError{
		StatusCode: http.StatusForbidden,
		Message:    lower(http.StatusText(http.StatusForbidden)),
	}
}

func NewServiceUnavailableError(err error) *ApiError {
	return &ApiError{
		StatusCode: http.StatusServiceUnavailable,
		Message:    lower(http.StatusText(http.StatusServiceUnavailable)),
		Err:        err,
	}
}

// NewDeadLinkError hides which token check failed.
func NewDeadLinkError() *ApiError {
	return &ApiError{
		StatusCode: http.StatusNotFound,
		Message:    deadLinkMessage,
	}
}

func NewPinLockedError(until time.Time) *ApiError {
	until = until.UTC()
	return &ApiError{
		StatusCode: http.StatusTooManyRequests,
		Message:    "too many attempts, try again later",
		Reason:     types.ReasonPinLocked,
		UnlockAt:   &until,
	}
}

func NewRoleUnavailableError(d admission.Decision) *ApiError {
	return &ApiError{
		StatusCode:      http.StatusConflict,
		Message:         "role is not available",
		Reason:          types.ReasonRoleUnavailable,
		AlternativeRole: d.AlternativeRole,
	}
}

// rejectionError maps err to a response. Token failures collapse into the
// dead-link response; on an explicit join an unavailable role is reported
// as a conflict carrying the alternative.
func rejectionError(err error, d admission.Decision, explicitJoin bool) *ApiError {
	var rej *types.Rejection
	if !errors.As(err, &rej) {
		return NewInternalServerError(err)
	}

	if explicitJoin && rej.Reason == types.ReasonRoleUnavailable {
		return NewRoleUnavailableError(d)
	}
	if types.IsLinkFailure(rej) {
		return NewDeadLinkError()
	}

	switch rej.Reason {
	case types.ReasonPinRequired, types.ReasonPinInvalid:
		e := NewForbiddenError()
		e.Reason = rej.Reason
		return e
	case types.ReasonPinLocked:
		return NewPinLockedError(rej.LockedUntil)
	case types.ReasonSessionNotFound:
		e := NewUnauthorizedError()
		e.Reason = rej.Reason
		return e
	case types.ReasonAlreadyMigrated:
		return &ApiError{
			StatusCode: http.StatusOK,
			Message:    "already migrated",
			Reason:     rej.Reason,
		}
	}

	return NewInternalServerError(err)
}
