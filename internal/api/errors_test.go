package api

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/npezzotti/go-dealroom/internal/admission"
	"github.com/npezzotti/go-dealroom/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRejectionError(t *testing.T) {
	alt := admission.Decision{Reason: types.ReasonRoleUnavailable, AlternativeRole: types.RoleSeller}

	tests := []struct {
		name         string
		err          error
		explicitJoin bool
		wantStatus   int
		wantMessage  string
		wantReason   types.Reason
		wantAlt      types.Role
	}{
		{"malformed", types.ErrMalformedToken, true, http.StatusNotFound, deadLinkMessage, "", ""},
		{"tampered", types.ErrTamperedToken, true, http.StatusNotFound, deadLinkMessage, "", ""},
		{"expired", fmt.Errorf("decode: %w", types.ErrExpiredToken), true, http.StatusNotFound, deadLinkMessage, "", ""},
		{"unknown role", types.ErrUnknownRole, false, http.StatusNotFound, deadLinkMessage, "", ""},
		{"role unavailable on join", types.ErrRoleUnavailable, true, http.StatusConflict, "role is not available", types.ReasonRoleUnavailable, types.RoleSeller},
		{"role unavailable elsewhere", types.ErrRoleUnavailable, false, http.StatusNotFound, deadLinkMessage, "", ""},
		{"pin required", types.ErrPinRequired, true, http.StatusForbidden, "forbidden", types.ReasonPinRequired, ""},
		{"pin invalid", types.ErrPinInvalid, true, http.StatusForbidden, "forbidden", types.ReasonPinInvalid, ""},
		{"session not found", types.ErrSessionNotFound, false, http.StatusUnauthorized, "unauthorized", types.ReasonSessionNotFound, ""},
		{"already migrated", types.ErrAlreadyMigrated, false, http.StatusOK, "already migrated", types.ReasonAlreadyMigrated, ""},
		{"storage fault", errors.New("connection refused"), true, http.StatusInternalServerError, "internal server error", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := rejectionError(tt.err, alt, tt.explicitJoin)
			require.NotNil(t, e)
			assert.Equal(t, tt.wantStatus, e.StatusCode)
			assert.Equal(t, tt.wantMessage, e.Message)
			assert.Equal(t, tt.wantReason, e.Reason)
			assert.Equal(t, tt.wantAlt, e.AlternativeRole)
		})
	}
}

func TestRejectionError_PinLocked(t *testing.T) {
	until := time.Date(2026, 3, 1, 12, 30, 0, 0, time.FixedZone("CET", 3600))

	e := rejectionError(types.NewPinLocked(until), admission.Decision{}, true)
	assert.Equal(t, http.StatusTooManyRequests, e.StatusCode)
	assert.Equal(t, types.ReasonPinLocked, e.Reason)
	require.NotNil(t, e.UnlockAt)
	assert.Equal(t, until.UTC(), *e.UnlockAt)
}
