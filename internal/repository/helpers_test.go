package repository_test

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"site-proof/backend/internal/model"
)

// newSQLiteDB 每个测试独立的 sqlite 文件库
func newSQLiteDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "repo.db") + "?_pragma=busy_timeout(5000)"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                                   logger.Default.LogMode(logger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		t.Fatalf("打开 sqlite 失败: %v", err)
	}
	if err := db.AutoMigrate(
		&model.User{},
		&model.Project{},
		&model.ProjectUser{},
		&model.Lot{},
		&model.NCR{},
		&model.NCRLot{},
		&model.NCREvidence{},
		&model.Notification{},
		&model.AuditLog{},
		&model.OutboxEvent{},
	); err != nil {
		t.Fatalf("AutoMigrate 失败: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return db
}

type fixture struct {
	project *model.Project
	raiser  *model.User
	lots    []*model.Lot
}

// seed 创建项目、用户与若干批次
func seed(t *testing.T, db *gorm.DB, lotCount int) *fixture {
	t.Helper()
	ctx := context.Background()

	f := &fixture{}
	f.project = &model.Project{Name: "Pacific Highway Upgrade", ProjectNumber: "PH-001"}
	if err := db.WithContext(ctx).Create(f.project).Error; err != nil {
		t.Fatalf("创建项目失败: %v", err)
	}
	f.raiser = &model.User{Email: "qa@example.com", FullName: "QA Engineer", PasswordHash: "x"}
	if err := db.WithContext(ctx).Create(f.raiser).Error; err != nil {
		t.Fatalf("创建用户失败: %v", err)
	}
	for i := 0; i < lotCount; i++ {
		lot := &model.Lot{ProjectID: f.project.ProjectID, LotNumber: fmt.Sprintf("LOT-%03d", i+1), Status: model.LotStatusInProgress}
		if err := db.WithContext(ctx).Create(lot).Error; err != nil {
			t.Fatalf("创建批次失败: %v", err)
		}
		f.lots = append(f.lots, lot)
	}
	return f
}

func (f *fixture) newNCR(severity string) *model.NCR {
	return &model.NCR{
		ProjectID:   f.project.ProjectID,
		Severity:    severity,
		Category:    "workmanship",
		Description: "Concrete honeycombing on pier cap",
		RaisedByID:  f.raiser.UserID,
	}
}
