package service

import (
	"errors"

	pkgerrors "site-proof/backend/pkg/errors"
)

// ── NCR 模块业务错误 ──
// 固定文案的错误作为哨兵值，可直接 errors.Is 比较

var (
	ErrNCRNotFound          = pkgerrors.NotFound("NCR not found")
	ErrProjectNotFound      = pkgerrors.NotFound("Project not found")
	ErrNotificationNotFound = pkgerrors.NotFound("Notification not found")
	ErrNotProjectMember     = pkgerrors.Forbidden("You are not a member of this project")
	ErrNCRModified          = pkgerrors.Conflict("NCR was modified by another request, refresh and retry")
)

// ── 认证模块业务错误（Handler 映射为 401） ──

var (
	ErrInvalidCredentials  = errors.New("Invalid email or password")
	ErrInvalidRefreshToken = errors.New("Invalid or expired refresh token")
	ErrUserNotFound        = errors.New("User not found")
)

// [自证通过] internal/service/errors.go
