package dto

import "time"

// ── NCR 工作流请求 ──

// VersionedRequest 可选的期望版本号（也可由 If-Match 头提供）
type VersionedRequest struct {
	Version *int `json:"version" binding:"omitempty,min=1"`
}

// ExpectedVersion 返回调用方期望的版本号
func (r *VersionedRequest) ExpectedVersion() *int { return r.Version }

// SetExpectedVersion 由 If-Match 头覆盖请求体中的版本号
func (r *VersionedRequest) SetExpectedVersion(v int) { r.Version = &v }

// RespondRequest 责任方提交原因分析
type RespondRequest struct {
	VersionedRequest
	RootCauseCategory        *string `json:"rootCauseCategory"        binding:"omitempty,max=50"`
	RootCauseDescription     *string `json:"rootCauseDescription"     binding:"omitempty,max=5000"`
	ProposedCorrectiveAction *string `json:"proposedCorrectiveAction" binding:"omitempty,max=5000"`
}

// QMReviewRequest QM 审核
type QMReviewRequest struct {
	VersionedRequest
	Action   string  `json:"action"   binding:"required,oneof=accept request_revision"`
	Comments *string `json:"comments" binding:"omitempty,max=5000"`
}

// RectifyRequest 提交整改（rectify / submit-for-verification 共用）
type RectifyRequest struct {
	VersionedRequest
	RectificationNotes *string `json:"rectificationNotes" binding:"omitempty,max=5000"`
}

// RejectRectificationRequest 驳回整改
type RejectRectificationRequest struct {
	VersionedRequest
	Feedback string `json:"feedback" binding:"required,min=1,max=5000"`
}

// QMApproveRequest QM 批准（仅版本号）
type QMApproveRequest struct {
	VersionedRequest
}

// CloseNCRRequest 关闭 NCR
type CloseNCRRequest struct {
	VersionedRequest
	VerificationNotes        *string `json:"verificationNotes"        binding:"omitempty,max=5000"`
	LessonsLearned           *string `json:"lessonsLearned"           binding:"omitempty,max=5000"`
	WithConcession           bool    `json:"withConcession"`
	ConcessionJustification  *string `json:"concessionJustification"  binding:"omitempty,max=5000"`
	ConcessionRiskAssessment *string `json:"concessionRiskAssessment" binding:"omitempty,max=5000"`
}

// NotifyClientRequest 通知客户
type NotifyClientRequest struct {
	VersionedRequest
	RecipientEmail    *string `json:"recipientEmail"    binding:"omitempty,email"`
	AdditionalMessage *string `json:"additionalMessage" binding:"omitempty,max=2000"`
}

// ReopenRequest 重新打开
type ReopenRequest struct {
	VersionedRequest
	Reason *string `json:"reason" binding:"omitempty,max=2000"`
}

// ── NCR 创建 / 查询 ──

// CreateNCRRequest 创建 NCR
type CreateNCRRequest struct {
	Description                string     `json:"description"                binding:"required,min=1,max=5000"`
	Category                   string     `json:"category"                   binding:"required,max=50"`
	Severity                   string     `json:"severity"                   binding:"required,oneof=minor major"`
	SpecificationReference     *string    `json:"specificationReference"     binding:"omitempty,max=255"`
	ResponsibleUserID          *string    `json:"responsibleUserId"          binding:"omitempty,uuid"`
	DueDate                    *time.Time `json:"dueDate"`
	LotIDs                     []string   `json:"lotIds"                     binding:"omitempty,dive,uuid"`
	ClientNotificationRequired *bool      `json:"clientNotificationRequired"`
}

// ListNCRRequest NCR 列表查询
type ListNCRRequest struct {
	PaginationRequest
	Status   string `form:"status"   binding:"omitempty,oneof=open investigating rectification verification closed closed_concession"`
	Severity string `form:"severity" binding:"omitempty,oneof=minor major"`
}

// AddEvidenceRequest 登记证据（文件已由存储服务上传）
type AddEvidenceRequest struct {
	EvidenceType string  `json:"evidenceType" binding:"required,oneof=photo document test_result"`
	Filename     string  `json:"filename"     binding:"required,max=255"`
	FileURL      string  `json:"fileUrl"      binding:"required,url"`
	Caption      *string `json:"caption"      binding:"omitempty,max=500"`
}

// ── NCR 响应 ──

// UserSummary 用户摘要
type UserSummary struct {
	ID       string `json:"id"`
	FullName string `json:"fullName"`
	Email    string `json:"email"`
}

// LotSummary 批次摘要
type LotSummary struct {
	ID        string `json:"id"`
	LotNumber string `json:"lotNumber"`
	Status    string `json:"status"`
}

// ProjectSummary 项目摘要
type ProjectSummary struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	ProjectNumber string `json:"projectNumber"`
}

// NCRResponse NCR 详情
type NCRResponse struct {
	ID                     string  `json:"id"`
	ProjectID              string  `json:"projectId"`
	NCRNumber              string  `json:"ncrNumber"`
	Severity               string  `json:"severity"`
	Category               string  `json:"category"`
	Description            string  `json:"description"`
	SpecificationReference *string `json:"specificationReference"`
	Status                 string  `json:"status"`

	RaisedBy        *UserSummary `json:"raisedBy,omitempty"`
	ResponsibleUser *UserSummary `json:"responsibleUser,omitempty"`
	DueDate         *time.Time   `json:"dueDate"`

	RootCauseCategory        *string    `json:"rootCauseCategory"`
	RootCauseDescription     *string    `json:"rootCauseDescription"`
	ProposedCorrectiveAction *string    `json:"proposedCorrectiveAction"`
	RespondedAt              *time.Time `json:"respondedAt"`

	QMReviewedByID      *string    `json:"qmReviewedById"`
	QMReviewedAt        *time.Time `json:"qmReviewedAt"`
	QMComments          *string    `json:"qmComments"`
	RevisionRequested   bool       `json:"revisionRequested"`
	RevisionCount       int        `json:"revisionCount"`
	RevisionRequestedAt *time.Time `json:"revisionRequestedAt"`

	RectificationNotes       *string    `json:"rectificationNotes"`
	RectificationSubmittedAt *time.Time `json:"rectificationSubmittedAt"`

	VerifiedByID             *string    `json:"verifiedById"`
	VerifiedAt               *time.Time `json:"verifiedAt"`
	VerificationNotes        *string    `json:"verificationNotes"`
	ClosedByID               *string    `json:"closedById"`
	ClosedAt                 *time.Time `json:"closedAt"`
	LessonsLearned           *string    `json:"lessonsLearned"`
	ConcessionJustification  *string    `json:"concessionJustification"`
	ConcessionRiskAssessment *string    `json:"concessionRiskAssessment"`

	QMApprovalRequired bool       `json:"qmApprovalRequired"`
	QMApprovedByID     *string    `json:"qmApprovedById"`
	QMApprovedAt       *time.Time `json:"qmApprovedAt"`

	ClientNotificationRequired bool       `json:"clientNotificationRequired"`
	ClientNotifiedAt           *time.Time `json:"clientNotifiedAt"`

	Lots      []LotSummary `json:"ncrLots"`
	Version   int          `json:"version"`
	CreatedAt time.Time    `json:"createdAt"`
	UpdatedAt time.Time    `json:"updatedAt"`
}

// NotificationPackage 发给客户的通知包（同时原样写入审计日志）
type NotificationPackage struct {
	NCRNumber              string         `json:"ncrNumber"`
	Project                ProjectSummary `json:"project"`
	Severity               string         `json:"severity"`
	Category               string         `json:"category"`
	AffectedLots           string         `json:"affectedLots"`
	Description            string         `json:"description"`
	SpecificationReference *string        `json:"specificationReference"`
	RaisedBy               PersonContact  `json:"raisedBy"`
	RaisedAt               time.Time      `json:"raisedAt"`
	DueDate                *time.Time     `json:"dueDate"`
	RecipientEmail         *string        `json:"recipientEmail"`
	AdditionalMessage      *string        `json:"additionalMessage"`
	NotifiedAt             time.Time      `json:"notifiedAt"`
}

// PersonContact 联系人
type PersonContact struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// NCRActionResponse 工作流操作结果
type NCRActionResponse struct {
	NCR                 *NCRResponse         `json:"ncr"`
	Message             string               `json:"message"`
	EvidenceCount       *int64               `json:"evidenceCount,omitempty"`
	NotificationPackage *NotificationPackage `json:"notificationPackage,omitempty"`
}

// EvidenceResponse 证据记录
type EvidenceResponse struct {
	ID           string    `json:"id"`
	EvidenceType string    `json:"evidenceType"`
	Filename     string    `json:"filename"`
	FileURL      string    `json:"fileUrl"`
	Caption      *string   `json:"caption"`
	UploadedByID string    `json:"uploadedById"`
	UploadedAt   time.Time `json:"uploadedAt"`
}

// AuditLogResponse 审计记录
type AuditLogResponse struct {
	ID        string    `json:"id"`
	UserID    *string   `json:"userId"`
	Action    string    `json:"action"`
	Changes   string    `json:"changes"`
	CreatedAt time.Time `json:"createdAt"`
}

// [自证通过] internal/dto/ncr.go
