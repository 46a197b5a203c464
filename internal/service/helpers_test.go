package service

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"site-proof/backend/config"
	"site-proof/backend/internal/dto"
	"site-proof/backend/internal/model"
	"site-proof/backend/internal/repository"
	"site-proof/backend/internal/workflow"
	"site-proof/backend/pkg/events"
	pkgerrors "site-proof/backend/pkg/errors"
	"site-proof/backend/pkg/jwt"
)

const testPassword = "correct-horse-battery"

// ── Fake Publisher ──

type fakePublisher struct {
	mu        sync.Mutex
	fail      bool
	published []string
}

func (p *fakePublisher) Publish(_ context.Context, eventType string, _ []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return errors.New("nats unavailable")
	}
	p.published = append(p.published, eventType)
	return nil
}

func (p *fakePublisher) setFail(fail bool) {
	p.mu.Lock()
	p.fail = fail
	p.mu.Unlock()
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.published)
}

// ── Fake Token Blacklist ──

type fakeBlacklist struct {
	mu   sync.Mutex
	jtis map[string]time.Duration
}

func newFakeBlacklist() *fakeBlacklist {
	return &fakeBlacklist{jtis: make(map[string]time.Duration)}
}

func (b *fakeBlacklist) BlacklistToken(_ context.Context, jti string, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.jtis[jti] = ttl
	return nil
}

func (b *fakeBlacklist) IsBlacklisted(_ context.Context, jti string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.jtis[jti]
	return ok, nil
}

// ── 测试环境 ──

type testEnv struct {
	t         *testing.T
	db        *gorm.DB
	cfg       *config.Config
	repo      *repository.Repository
	publisher *fakePublisher
	blacklist *fakeBlacklist
	jwtMgr    *jwt.Manager

	ncr        NCRService
	workflow   NCRWorkflowService
	dispatcher NotificationDispatcher
	relay      *OutboxRelay
	auth       AuthService
	notify     NotificationService
	export     ExportService

	project      *model.Project
	otherProject *model.Project
	lots         []*model.Lot

	raiser      *model.User // foreman
	responsible *model.User // foreman
	qm          *model.User // quality_manager
	siteManager *model.User // site_manager
	owner       *model.User // owner
	outsider    *model.User // 非项目成员
}

func newTestConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{Port: 8080, FrontendURL: "https://app.example.com"},
		Auth: config.AuthConfig{
			JWTSecret:       "test-secret-at-least-16",
			AccessTokenTTL:  15 * time.Minute,
			RefreshTokenTTL: 24 * time.Hour,
		},
		Outbox: config.OutboxConfig{
			PollInterval: 10 * time.Millisecond,
			BatchSize:    20,
			MaxAttempts:  3,
			BaseBackoff:  time.Second,
			MaxBackoff:   4 * time.Second,

			DispatchTimeout: 2 * time.Second,
		},
		Workflow: config.WorkflowConfig{LockTTL: time.Second},
	}
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "service.db") + "?_pragma=busy_timeout(5000)"
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
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("获取连接池失败: %v", err)
	}
	// 单连接：后台投递与事务串行，避免 sqlite 锁升级冲突
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	return db
}

// newTestEnv 真实仓储 + sqlite；Redis 锁关闭，NATS 用 fakePublisher
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db := newTestDB(t)
	cfg := newTestConfig()
	repo := repository.NewRepository(db)
	nop := zap.NewNop()

	env := &testEnv{
		t:         t,
		db:        db,
		cfg:       cfg,
		repo:      repo,
		publisher: &fakePublisher{},
		blacklist: newFakeBlacklist(),
		jwtMgr:    jwt.NewManager(&cfg.Auth),
	}

	var pub events.Publisher = env.publisher
	env.dispatcher = NewNotificationDispatcher(&cfg.Outbox, repo, pub, nop)
	env.ncr = NewNCRService(cfg, repo, env.dispatcher, nop)
	env.workflow = NewNCRWorkflowService(cfg, repo, nil, env.dispatcher, nop)
	env.relay = NewOutboxRelay(&cfg.Outbox, repo, env.dispatcher, nop)
	env.auth = NewAuthService(cfg, repo, env.jwtMgr, env.blacklist, nop)
	env.notify = NewNotificationService(repo, nop)
	env.export = NewExportService(cfg, repo, nop)

	// 先于关库执行
	t.Cleanup(func() { env.dispatcher.Wait() })

	env.seed()
	return env
}

func (e *testEnv) seed() {
	ctx := context.Background()
	e.project = &model.Project{Name: "Pacific Highway Upgrade", ProjectNumber: "PH-001"}
	e.otherProject = &model.Project{Name: "Airport Link", ProjectNumber: "AL-002"}
	for _, p := range []*model.Project{e.project, e.otherProject} {
		if err := e.repo.Project.Create(ctx, p); err != nil {
			e.t.Fatalf("创建项目失败: %v", err)
		}
	}

	e.raiser = e.addUser("raiser@example.com", "Rhea Raiser", "foreman")
	e.responsible = e.addUser("sub@example.com", "Sam Subbie", "foreman")
	e.qm = e.addUser("qm@example.com", "Quinn Quality", workflow.RoleQualityManager)
	e.siteManager = e.addUser("site@example.com", "Sid Site", workflow.RoleSiteManager)
	e.owner = e.addUser("owner@example.com", "Olive Owner", workflow.RoleOwner)
	e.outsider = e.addUser("outsider@example.com", "Oscar Outsider", "")

	for i := 0; i < 3; i++ {
		lot := &model.Lot{ProjectID: e.project.ProjectID, LotNumber: fmt.Sprintf("LOT-%03d", i+1), Status: model.LotStatusInProgress}
		if err := e.repo.Lot.Create(ctx, lot); err != nil {
			e.t.Fatalf("创建批次失败: %v", err)
		}
		e.lots = append(e.lots, lot)
	}
}

// addUser 创建用户；role 非空时加入 e.project
func (e *testEnv) addUser(email, name, role string) *model.User {
	e.t.Helper()
	ctx := context.Background()
	hash, err := bcrypt.GenerateFromPassword([]byte(testPassword), bcrypt.MinCost)
	if err != nil {
		e.t.Fatalf("生成密码哈希失败: %v", err)
	}
	u := &model.User{Email: email, FullName: name, PasswordHash: string(hash)}
	if err := e.repo.User.Create(ctx, u); err != nil {
		e.t.Fatalf("创建用户失败: %v", err)
	}
	if role != "" {
		if err := e.repo.Project.AddMember(ctx, &model.ProjectUser{ProjectID: e.project.ProjectID, UserID: u.UserID, Role: role}); err != nil {
			e.t.Fatalf("添加项目成员失败: %v", err)
		}
	}
	return u
}

// createNCR 以 raiser 身份创建 NCR，责任人为 responsible
func (e *testEnv) createNCR(severity string, lots ...*model.Lot) *dto.NCRResponse {
	e.t.Helper()
	ids := make([]string, 0, len(lots))
	for _, l := range lots {
		ids = append(ids, l.LotID)
	}
	due := time.Now().Add(72 * time.Hour).Truncate(time.Second)
	resp, err := e.ncr.Create(context.Background(), e.project.ProjectID, e.raiser.UserID, &dto.CreateNCRRequest{
		Description:       "Concrete honeycombing on pier cap",
		Category:          "workmanship",
		Severity:          severity,
		ResponsibleUserID: &e.responsible.UserID,
		DueDate:           &due,
		LotIDs:            ids,
	})
	if err != nil {
		e.t.Fatalf("创建 NCR 失败: %v", err)
	}
	return resp
}

func (e *testEnv) addEvidence(ncrID string) {
	e.t.Helper()
	_, err := e.ncr.AddEvidence(context.Background(), ncrID, e.responsible.UserID, &dto.AddEvidenceRequest{
		EvidenceType: "photo",
		Filename:     "after.jpg",
		FileURL:      "https://files.example.com/after.jpg",
	})
	if err != nil {
		e.t.Fatalf("登记证据失败: %v", err)
	}
}

func (e *testEnv) lotStatus(lotID string) string {
	e.t.Helper()
	lot, err := e.repo.Lot.GetByID(context.Background(), lotID)
	if err != nil {
		e.t.Fatalf("查询批次失败: %v", err)
	}
	return lot.Status
}

func (e *testEnv) notificationsFor(userID string) []dto.NotificationResponse {
	e.t.Helper()
	e.dispatcher.Wait()
	items, _, err := e.notify.List(context.Background(), userID, &dto.ListNotificationRequest{})
	if err != nil {
		e.t.Fatalf("查询通知失败: %v", err)
	}
	return items
}

func (e *testEnv) outboxEvents(aggregateID string) []model.OutboxEvent {
	e.t.Helper()
	e.dispatcher.Wait()
	var items []model.OutboxEvent
	if err := e.db.Where("aggregate_id = ?", aggregateID).Order("created_at ASC, rowid ASC").Find(&items).Error; err != nil {
		e.t.Fatalf("查询外发箱失败: %v", err)
	}
	return items
}

// toRectification 走 respond → accept，停在 rectification
func (e *testEnv) toRectification(ncrID string) {
	e.t.Helper()
	ctx := context.Background()
	if _, err := e.workflow.Respond(ctx, ncrID, e.responsible.UserID, &dto.RespondRequest{
		RootCauseCategory:        strPtr("workmanship"),
		RootCauseDescription:     strPtr("Insufficient vibration"),
		ProposedCorrectiveAction: strPtr("Patch and re-inspect"),
	}); err != nil {
		e.t.Fatalf("respond 失败: %v", err)
	}
	if _, err := e.workflow.QMReview(ctx, ncrID, e.qm.UserID, &dto.QMReviewRequest{Action: "accept"}); err != nil {
		e.t.Fatalf("qm-review accept 失败: %v", err)
	}
}

// toVerification 走到 verification
func (e *testEnv) toVerification(ncrID string) {
	e.t.Helper()
	e.toRectification(ncrID)
	if _, err := e.workflow.Rectify(context.Background(), ncrID, e.responsible.UserID, &dto.RectifyRequest{
		RectificationNotes: strPtr("Patched with repair mortar"),
	}); err != nil {
		e.t.Fatalf("rectify 失败: %v", err)
	}
}

func expectKind(t *testing.T, err, kind error) *pkgerrors.Error {
	t.Helper()
	if !errors.Is(err, kind) {
		t.Fatalf("期望错误类别 %v，实际 %v", kind, err)
	}
	e := pkgerrors.As(err)
	if e == nil {
		t.Fatalf("期望 *pkgerrors.Error，实际 %T", err)
	}
	return e
}
