package errors_test

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/koopa0/match-arena/pkg/errors"
)

// TestAppError 測試錯誤的格式與比對
func TestAppError(t *testing.T) {
	cause := fmt.Errorf("connection refused")
	err := apperrors.Wrap(cause, apperrors.ErrCodeUnavailable, "database ping failed")

	assert.Equal(t, "[SERVICE_UNAVAILABLE] database ping failed: connection refused", err.Error())
	assert.Equal(t, cause, stderrors.Unwrap(err))

	// Is 按錯誤碼比對，Message 不參與
	assert.ErrorIs(t, err, apperrors.New(apperrors.ErrCodeUnavailable, "anything"))
	assert.NotErrorIs(t, err, apperrors.ErrUserNotFound)

	// 沒有底層錯誤時的格式
	assert.Equal(t, "[USER_NOT_FOUND] User not found", apperrors.ErrUserNotFound.Error())
}

// TestWithDetails 測試附加詳細資訊
func TestWithDetails(t *testing.T) {
	err := apperrors.New(apperrors.ErrCodeInternal, "something broke").WithDetails("stack here")
	assert.Equal(t, "stack here", err.Details)
}

// TestErrorPredicates 測試錯誤分類
func TestErrorPredicates(t *testing.T) {
	tests := []struct {
		name         string
		err          error
		userNotFound bool
		inviteError  bool
		roomNotFound bool
	}{
		{
			name:         "user not found",
			err:          apperrors.ErrUserNotFound,
			userNotFound: true,
		},
		{
			name:         "wrapped user not found",
			err:          fmt.Errorf("resolve: %w", apperrors.ErrUserNotFound),
			userNotFound: true,
		},
		{
			name:        "invalid target",
			err:         apperrors.ErrInvalidTarget,
			inviteError: true,
		},
		{
			name:        "target offline",
			err:         apperrors.ErrTargetOffline,
			inviteError: true,
		},
		{
			name:        "invite pending",
			err:         apperrors.ErrInvitePending,
			inviteError: true,
		},
		{
			name:        "no pending invite",
			err:         apperrors.ErrNoPendingInvite,
			inviteError: true,
		},
		{
			name:         "room not found",
			err:          apperrors.ErrRoomNotFound,
			roomNotFound: true,
		},
		{
			name: "plain error matches nothing",
			err:  fmt.Errorf("boom"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Error(t, tt.err)
			assert.Equal(t, tt.userNotFound, apperrors.IsUserNotFound(tt.err))
			assert.Equal(t, tt.inviteError, apperrors.IsInviteError(tt.err))
			assert.Equal(t, tt.roomNotFound, apperrors.IsRoomNotFound(tt.err))
		})
	}
}
