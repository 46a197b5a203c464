package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"site-proof/backend/internal/dto"
	"site-proof/backend/internal/service"
	pkgerrors "site-proof/backend/pkg/errors"
	"site-proof/backend/pkg/response"
)

// NCRHandler NCR 查询与工作流 HTTP 处理器
type NCRHandler struct {
	ncrSvc      service.NCRService
	workflowSvc service.NCRWorkflowService
}

// NewNCRHandler 创建 NCRHandler
func NewNCRHandler(ncrSvc service.NCRService, workflowSvc service.NCRWorkflowService) *NCRHandler {
	return &NCRHandler{ncrSvc: ncrSvc, workflowSvc: workflowSvc}
}

// ═══════════════════════════════════════════════════════════
// 查询 / 创建
// ═══════════════════════════════════════════════════════════

// List 项目 NCR 列表
// GET /api/v1/projects/:projectId/ncrs?status=&severity=&page=&page_size=
func (h *NCRHandler) List(c *gin.Context) {
	userID, ok := MustGetUserID(c)
	if !ok {
		return
	}

	var req dto.ListNCRRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		bindError(c, err)
		return
	}

	items, total, err := h.ncrSvc.List(c.Request.Context(), c.Param("projectId"), userID, &req)
	if err != nil {
		handleServiceError(c, err)
		return
	}

	response.OKPage(c, items, total, req.GetPage(), req.GetPageSize())
}

// Create 发起 NCR
// POST /api/v1/projects/:projectId/ncrs
func (h *NCRHandler) Create(c *gin.Context) {
	userID, ok := MustGetUserID(c)
	if !ok {
		return
	}

	var req dto.CreateNCRRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}

	result, err := h.ncrSvc.Create(c.Request.Context(), c.Param("projectId"), userID, &req)
	if err != nil {
		handleServiceError(c, err)
		return
	}

	setETag(c, result.Version)
	response.Created(c, result)
}

// Get NCR 详情
// GET /api/v1/ncrs/:id
func (h *NCRHandler) Get(c *gin.Context) {
	userID, ok := MustGetUserID(c)
	if !ok {
		return
	}

	result, err := h.ncrSvc.Get(c.Request.Context(), c.Param("id"), userID)
	if err != nil {
		handleServiceError(c, err)
		return
	}

	setETag(c, result.Version)
	response.OK(c, result)
}

// ListEvidence 证据列表
// GET /api/v1/ncrs/:id/evidence
func (h *NCRHandler) ListEvidence(c *gin.Context) {
	userID, ok := MustGetUserID(c)
	if !ok {
		return
	}

	items, err := h.ncrSvc.ListEvidence(c.Request.Context(), c.Param("id"), userID)
	if err != nil {
		handleServiceError(c, err)
		return
	}

	response.OK(c, items)
}

// AddEvidence 登记证据
// POST /api/v1/ncrs/:id/evidence
func (h *NCRHandler) AddEvidence(c *gin.Context) {
	userID, ok := MustGetUserID(c)
	if !ok {
		return
	}

	var req dto.AddEvidenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}

	result, err := h.ncrSvc.AddEvidence(c.Request.Context(), c.Param("id"), userID, &req)
	if err != nil {
		handleServiceError(c, err)
		return
	}

	response.Created(c, result)
}

// ListAuditTrail 审计记录
// GET /api/v1/ncrs/:id/audit-logs
func (h *NCRHandler) ListAuditTrail(c *gin.Context) {
	userID, ok := MustGetUserID(c)
	if !ok {
		return
	}

	items, err := h.ncrSvc.ListAuditTrail(c.Request.Context(), c.Param("id"), userID)
	if err != nil {
		handleServiceError(c, err)
		return
	}

	response.OK(c, items)
}

// ═══════════════════════════════════════════════════════════
// 工作流操作
// ═══════════════════════════════════════════════════════════
//
// 所有操作：
//   - 请求体可省略（空 body 视为 {}）
//   - If-Match: <version> 覆盖请求体中的 version
//   - 成功时响应头 ETag 为新版本号，message 同时写在顶层

// Respond POST /api/v1/ncrs/:id/respond
func (h *NCRHandler) Respond(c *gin.Context) {
	var req dto.RespondRequest
	h.runAction(c, &req, &req.VersionedRequest, func(ctx context.Context, id, uid string) (*dto.NCRActionResponse, error) {
		return h.workflowSvc.Respond(ctx, id, uid, &req)
	})
}

// QMReview POST /api/v1/ncrs/:id/qm-review
func (h *NCRHandler) QMReview(c *gin.Context) {
	var req dto.QMReviewRequest
	h.runAction(c, &req, &req.VersionedRequest, func(ctx context.Context, id, uid string) (*dto.NCRActionResponse, error) {
		return h.workflowSvc.QMReview(ctx, id, uid, &req)
	})
}

// Rectify POST /api/v1/ncrs/:id/rectify
func (h *NCRHandler) Rectify(c *gin.Context) {
	var req dto.RectifyRequest
	h.runAction(c, &req, &req.VersionedRequest, func(ctx context.Context, id, uid string) (*dto.NCRActionResponse, error) {
		return h.workflowSvc.Rectify(ctx, id, uid, &req)
	})
}

// SubmitForVerification POST /api/v1/ncrs/:id/submit-for-verification
func (h *NCRHandler) SubmitForVerification(c *gin.Context) {
	var req dto.RectifyRequest
	h.runAction(c, &req, &req.VersionedRequest, func(ctx context.Context, id, uid string) (*dto.NCRActionResponse, error) {
		return h.workflowSvc.SubmitForVerification(ctx, id, uid, &req)
	})
}

// RejectRectification POST /api/v1/ncrs/:id/reject-rectification
func (h *NCRHandler) RejectRectification(c *gin.Context) {
	var req dto.RejectRectificationRequest
	h.runAction(c, &req, &req.VersionedRequest, func(ctx context.Context, id, uid string) (*dto.NCRActionResponse, error) {
		return h.workflowSvc.RejectRectification(ctx, id, uid, &req)
	})
}

// QMApprove POST /api/v1/ncrs/:id/qm-approve
func (h *NCRHandler) QMApprove(c *gin.Context) {
	var req dto.QMApproveRequest
	h.runAction(c, &req, &req.VersionedRequest, func(ctx context.Context, id, uid string) (*dto.NCRActionResponse, error) {
		return h.workflowSvc.QMApprove(ctx, id, uid, &req)
	})
}

// Close POST /api/v1/ncrs/:id/close
func (h *NCRHandler) Close(c *gin.Context) {
	var req dto.CloseNCRRequest
	h.runAction(c, &req, &req.VersionedRequest, func(ctx context.Context, id, uid string) (*dto.NCRActionResponse, error) {
		return h.workflowSvc.Close(ctx, id, uid, &req)
	})
}

// NotifyClient POST /api/v1/ncrs/:id/notify-client
func (h *NCRHandler) NotifyClient(c *gin.Context) {
	var req dto.NotifyClientRequest
	h.runAction(c, &req, &req.VersionedRequest, func(ctx context.Context, id, uid string) (*dto.NCRActionResponse, error) {
		return h.workflowSvc.NotifyClient(ctx, id, uid, &req)
	})
}

// Reopen POST /api/v1/ncrs/:id/reopen
func (h *NCRHandler) Reopen(c *gin.Context) {
	var req dto.ReopenRequest
	h.runAction(c, &req, &req.VersionedRequest, func(ctx context.Context, id, uid string) (*dto.NCRActionResponse, error) {
		return h.workflowSvc.Reopen(ctx, id, uid, &req)
	})
}

type actionFunc func(ctx context.Context, ncrID, userID string) (*dto.NCRActionResponse, error)

func (h *NCRHandler) runAction(c *gin.Context, req interface{}, version *dto.VersionedRequest, fn actionFunc) {
	userID, ok := MustGetUserID(c)
	if !ok {
		return
	}

	if err := bindOptionalJSON(c, req); err != nil {
		bindError(c, err)
		return
	}

	if v, present, err := ifMatchVersion(c); err != nil {
		response.ValidationFailed(c, codeValidation, []pkgerrors.FieldError{{Field: "If-Match", Message: err.Error()}})
		return
	} else if present {
		version.SetExpectedVersion(v)
	}

	result, err := fn(c.Request.Context(), c.Param("id"), userID)
	if err != nil {
		handleServiceError(c, err)
		return
	}

	if result.NCR != nil {
		setETag(c, result.NCR.Version)
	}
	response.OKWithMessage(c, result.Message, result)
}

// bindOptionalJSON 空请求体视为 {}
func bindOptionalJSON(c *gin.Context, req interface{}) error {
	if c.Request.Body == nil || c.Request.ContentLength == 0 {
		return nil
	}
	if err := c.ShouldBindJSON(req); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// ifMatchVersion 解析 If-Match 头，接受 3、"3"、W/"3"
func ifMatchVersion(c *gin.Context) (int, bool, error) {
	raw := strings.TrimSpace(c.GetHeader("If-Match"))
	if raw == "" || raw == "*" {
		return 0, false, nil
	}
	raw = strings.Trim(strings.TrimPrefix(raw, "W/"), `"`)
	v, err := strconv.Atoi(raw)
	if err != nil || v < 1 {
		return 0, false, errors.New("If-Match must be a positive NCR version")
	}
	return v, true, nil
}

func setETag(c *gin.Context, version int) {
	c.Header("ETag", fmt.Sprintf(`"%d"`, version))
}

// [自证通过] internal/api/handler/ncr_handler.go
