package service

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"site-proof/backend/internal/dto"
	"site-proof/backend/internal/model"
	"site-proof/backend/internal/workflow"
	pkgerrors "site-proof/backend/pkg/errors"
)

// ── 完整流程 ──

func TestWorkflow_MajorNCR_RequiresQMApprovalBeforeClose(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	ncr := env.createNCR("major", env.lots[0], env.lots[1])

	if !ncr.QMApprovalRequired || !ncr.ClientNotificationRequired {
		t.Fatal("重大 NCR 应默认需要 QM 批准与客户通知")
	}
	if got := env.lotStatus(env.lots[0].LotID); got != model.LotStatusNCRRaised {
		t.Fatalf("创建后批次状态期望 ncr_raised，实际 %s", got)
	}

	resp, err := env.workflow.Respond(ctx, ncr.ID, env.responsible.UserID, &dto.RespondRequest{
		RootCauseCategory: strPtr("  materials  "),
	})
	if err != nil {
		t.Fatalf("respond 失败: %v", err)
	}
	if resp.NCR.Status != "investigating" || *resp.NCR.RootCauseCategory != "materials" {
		t.Fatalf("期望 investigating 且原因已去空白，实际 %s / %q", resp.NCR.Status, *resp.NCR.RootCauseCategory)
	}

	resp, err = env.workflow.QMReview(ctx, ncr.ID, env.qm.UserID, &dto.QMReviewRequest{Action: "accept"})
	if err != nil {
		t.Fatalf("qm-review 失败: %v", err)
	}
	if resp.NCR.Status != "rectification" || resp.NCR.RevisionRequested {
		t.Fatalf("期望 rectification 且 revisionRequested=false，实际 %s/%v", resp.NCR.Status, resp.NCR.RevisionRequested)
	}

	resp, err = env.workflow.Rectify(ctx, ncr.ID, env.responsible.UserID, &dto.RectifyRequest{})
	if err != nil {
		t.Fatalf("rectify 失败: %v", err)
	}
	if resp.NCR.Status != "verification" || resp.NCR.RectificationSubmittedAt == nil {
		t.Fatalf("期望 verification，实际 %s", resp.NCR.Status)
	}

	_, err = env.workflow.Close(ctx, ncr.ID, env.qm.UserID, &dto.CloseNCRRequest{})
	e := expectKind(t, err, pkgerrors.ErrIllegalTransition)
	if e.Meta["requiresQmApproval"] != true {
		t.Errorf("期望 requiresQmApproval=true，实际 %v", e.Meta)
	}

	resp, err = env.workflow.QMApprove(ctx, ncr.ID, env.qm.UserID, &dto.QMApproveRequest{})
	if err != nil {
		t.Fatalf("qm-approve 失败: %v", err)
	}
	if resp.NCR.QMApprovedAt == nil || resp.NCR.Status != "verification" {
		t.Fatalf("qm-approve 应设置批准时间且不改变状态，实际 %s", resp.NCR.Status)
	}
	if resp.Message != "NCR approved by Quality Manager" {
		t.Errorf("消息不符: %s", resp.Message)
	}

	resp, err = env.workflow.Close(ctx, ncr.ID, env.responsible.UserID, &dto.CloseNCRRequest{
		VerificationNotes: strPtr("Re-inspected OK"),
		LessonsLearned:    strPtr("Check vibration records"),
	})
	if err != nil {
		t.Fatalf("close 失败: %v", err)
	}
	if resp.NCR.Status != "closed" {
		t.Fatalf("期望 closed，实际 %s", resp.NCR.Status)
	}
	if resp.Message != "Major NCR closed successfully with QM approval" {
		t.Errorf("消息不符: %s", resp.Message)
	}
	if resp.NCR.ClosedByID == nil || *resp.NCR.ClosedByID != env.responsible.UserID || resp.NCR.VerifiedAt == nil {
		t.Error("期望记录关闭人与验证时间")
	}
	for _, lot := range env.lots[:2] {
		if got := env.lotStatus(lot.LotID); got != model.LotStatusInProgress {
			t.Errorf("关闭后批次 %s 期望 in_progress，实际 %s", lot.LotNumber, got)
		}
	}
	if got := env.lotStatus(env.lots[2].LotID); got != model.LotStatusInProgress {
		t.Errorf("未关联批次不应变化，实际 %s", got)
	}
}

// ── respond / qm-review ──

func TestWorkflow_RequestRevision_CountsAndClears(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	ncr := env.createNCR("minor")

	for i := 1; i <= 2; i++ {
		if _, err := env.workflow.Respond(ctx, ncr.ID, env.responsible.UserID, &dto.RespondRequest{
			RootCauseDescription: strPtr("attempt"),
		}); err != nil {
			t.Fatalf("第 %d 次 respond 失败: %v", i, err)
		}
		resp, err := env.workflow.QMReview(ctx, ncr.ID, env.qm.UserID, &dto.QMReviewRequest{
			Action:   "request_revision",
			Comments: strPtr("Need more detail"),
		})
		if err != nil {
			t.Fatalf("第 %d 次 request_revision 失败: %v", i, err)
		}
		n := resp.NCR
		if n.Status != "open" || !n.RevisionRequested || n.RevisionCount != i {
			t.Fatalf("第 %d 次: 期望 open/true/%d，实际 %s/%v/%d", i, i, n.Status, n.RevisionRequested, n.RevisionCount)
		}
		if n.RootCauseDescription != nil || n.RespondedAt != nil {
			t.Fatal("request_revision 应清空原因分析与回复时间")
		}
		if n.RevisionRequestedAt == nil || n.QMReviewedByID == nil || *n.QMReviewedByID != env.qm.UserID {
			t.Fatal("期望记录审核人与修订请求时间")
		}
	}

	notes := env.notificationsFor(env.responsible.UserID)
	revisions := 0
	for _, n := range notes {
		if n.Title == "NCR response requires revision" {
			revisions++
			if !strings.Contains(n.Message, "Need more detail") {
				t.Errorf("通知应包含审核意见，实际 %q", n.Message)
			}
		}
	}
	if revisions != 2 {
		t.Errorf("期望 2 条修订通知，实际 %d", revisions)
	}
}

func TestWorkflow_QMReviewAccept_NotifiesWithDeepLink(t *testing.T) {
	env := newTestEnv(t)
	ncr := env.createNCR("minor")
	env.toRectification(ncr.ID)

	var accepted *dto.NotificationResponse
	for _, n := range env.notificationsFor(env.responsible.UserID) {
		if n.Title == "NCR response accepted" {
			n := n
			accepted = &n
		}
	}
	if accepted == nil {
		t.Fatal("期望责任人收到接受通知")
	}
	want := "https://app.example.com/projects/" + env.project.ProjectID + "/ncr?ncr=" + ncr.ID
	if accepted.LinkURL == nil || *accepted.LinkURL != want {
		t.Errorf("深链接期望 %s，实际 %v", want, accepted.LinkURL)
	}

	for _, ev := range env.outboxEvents(ncr.ID) {
		if ev.Status != model.OutboxStatusSent {
			t.Errorf("事件 %s 期望 SENT，实际 %s", ev.EventType, ev.Status)
		}
	}
	if env.publisher.count() != len(env.outboxEvents(ncr.ID)) {
		t.Errorf("期望每个事件发布一次，实际发布 %d 次", env.publisher.count())
	}
}

// ── 状态与角色闸门 ──

func TestWorkflow_IllegalSourceState(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	ncr := env.createNCR("minor")

	tests := []struct {
		name string
		call func() error
	}{
		{"qm-review on open", func() error {
			_, err := env.workflow.QMReview(ctx, ncr.ID, env.qm.UserID, &dto.QMReviewRequest{Action: "accept"})
			return err
		}},
		{"rectify on open", func() error {
			_, err := env.workflow.Rectify(ctx, ncr.ID, env.responsible.UserID, &dto.RectifyRequest{})
			return err
		}},
		{"reject on open", func() error {
			_, err := env.workflow.RejectRectification(ctx, ncr.ID, env.qm.UserID, &dto.RejectRectificationRequest{Feedback: "no"})
			return err
		}},
		{"close on open", func() error {
			_, err := env.workflow.Close(ctx, ncr.ID, env.qm.UserID, &dto.CloseNCRRequest{})
			return err
		}},
		{"reopen on open", func() error {
			_, err := env.workflow.Reopen(ctx, ncr.ID, env.qm.UserID, &dto.ReopenRequest{})
			return err
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := expectKind(t, tt.call(), pkgerrors.ErrIllegalTransition)
			if e.CurrentStatus != "open" {
				t.Errorf("期望 CurrentStatus=open，实际 %s", e.CurrentStatus)
			}
		})
	}

	// 重复提交被源状态拦截
	if _, err := env.workflow.Respond(ctx, ncr.ID, env.responsible.UserID, &dto.RespondRequest{}); err != nil {
		t.Fatalf("respond 失败: %v", err)
	}
	_, err := env.workflow.Respond(ctx, ncr.ID, env.responsible.UserID, &dto.RespondRequest{})
	expectKind(t, err, pkgerrors.ErrIllegalTransition)
}

func TestWorkflow_RoleGate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	ncr := env.createNCR("minor")
	if _, err := env.workflow.Respond(ctx, ncr.ID, env.responsible.UserID, &dto.RespondRequest{}); err != nil {
		t.Fatalf("respond 失败: %v", err)
	}

	_, err := env.workflow.QMReview(ctx, ncr.ID, env.responsible.UserID, &dto.QMReviewRequest{Action: "accept"})
	e := expectKind(t, err, pkgerrors.ErrForbidden)
	if len(e.RequiresRole) == 0 || e.RequiresRole[0] != workflow.RoleQualityManager {
		t.Errorf("期望 requiresRole 含 quality_manager，实际 %v", e.RequiresRole)
	}

	_, err = env.workflow.QMReview(ctx, ncr.ID, env.outsider.UserID, &dto.QMReviewRequest{Action: "accept"})
	if err != ErrNotProjectMember {
		t.Errorf("期望 ErrNotProjectMember，实际 %v", err)
	}

	got, _ := env.ncr.Get(ctx, ncr.ID, env.qm.UserID)
	if got.Status != "investigating" {
		t.Errorf("被拒绝的操作不应改变状态，实际 %s", got.Status)
	}

	// site_manager 可驳回整改，但不能 QM 审核
	if _, err := env.workflow.QMReview(ctx, ncr.ID, env.siteManager.UserID, &dto.QMReviewRequest{Action: "accept"}); err == nil {
		t.Error("site_manager 不应能 QM 审核")
	}
}

func TestWorkflow_NotFound(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.workflow.Respond(context.Background(), "00000000-0000-0000-0000-000000000000", env.qm.UserID, &dto.RespondRequest{})
	if err != ErrNCRNotFound {
		t.Errorf("期望 ErrNCRNotFound，实际 %v", err)
	}
}

func TestWorkflow_VersionConflict(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	ncr := env.createNCR("minor")

	stale := ncr.Version + 5
	req := &dto.RespondRequest{}
	req.Version = &stale
	_, err := env.workflow.Respond(ctx, ncr.ID, env.responsible.UserID, req)
	e := expectKind(t, err, pkgerrors.ErrConflict)
	if e.Meta["currentVersion"] != ncr.Version {
		t.Errorf("期望 currentVersion=%d，实际 %v", ncr.Version, e.Meta["currentVersion"])
	}

	current := ncr.Version
	req.Version = &current
	resp, err := env.workflow.Respond(ctx, ncr.ID, env.responsible.UserID, req)
	if err != nil {
		t.Fatalf("版本一致时应成功: %v", err)
	}
	if resp.NCR.Version != current+1 {
		t.Errorf("期望版本号递增为 %d，实际 %d", current+1, resp.NCR.Version)
	}
}

// ── submit-for-verification ──

func TestWorkflow_SubmitForVerification_RequiresEvidence(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	ncr := env.createNCR("minor")
	env.toRectification(ncr.ID)

	_, err := env.workflow.SubmitForVerification(ctx, ncr.ID, env.responsible.UserID, &dto.RectifyRequest{})
	e := expectKind(t, err, pkgerrors.ErrIllegalTransition)
	if e.Meta["evidenceCount"] != 0 {
		t.Errorf("期望 evidenceCount=0，实际 %v", e.Meta["evidenceCount"])
	}

	env.addEvidence(ncr.ID)
	env.addEvidence(ncr.ID)

	resp, err := env.workflow.SubmitForVerification(ctx, ncr.ID, env.responsible.UserID, &dto.RectifyRequest{
		RectificationNotes: strPtr("Done"),
	})
	if err != nil {
		t.Fatalf("有证据时应成功: %v", err)
	}
	if resp.NCR.Status != "verification" {
		t.Errorf("期望 verification，实际 %s", resp.NCR.Status)
	}
	if resp.EvidenceCount == nil || *resp.EvidenceCount != 2 {
		t.Errorf("期望 evidenceCount=2，实际 %v", resp.EvidenceCount)
	}
}

func TestWorkflow_SubmitForVerification_FromInvestigating(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	ncr := env.createNCR("minor")
	if _, err := env.workflow.Respond(ctx, ncr.ID, env.responsible.UserID, &dto.RespondRequest{}); err != nil {
		t.Fatalf("respond 失败: %v", err)
	}
	env.addEvidence(ncr.ID)

	resp, err := env.workflow.SubmitForVerification(ctx, ncr.ID, env.responsible.UserID, &dto.RectifyRequest{})
	if err != nil {
		t.Fatalf("investigating 也应允许提交验证: %v", err)
	}
	if resp.NCR.Status != "verification" {
		t.Errorf("期望 verification，实际 %s", resp.NCR.Status)
	}
}

// ── reject-rectification ──

func TestWorkflow_RejectRectification(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	ncr := env.createNCR("minor")
	env.toVerification(ncr.ID)

	_, err := env.workflow.RejectRectification(ctx, ncr.ID, env.siteManager.UserID, &dto.RejectRectificationRequest{Feedback: "   "})
	e := expectKind(t, err, pkgerrors.ErrValidation)
	if len(e.Fields) != 1 || e.Fields[0].Field != "feedback" {
		t.Errorf("期望 feedback 字段错误，实际 %v", e.Fields)
	}

	_, err = env.workflow.RejectRectification(ctx, ncr.ID, env.responsible.UserID, &dto.RejectRectificationRequest{Feedback: "Still cracked"})
	expectKind(t, err, pkgerrors.ErrForbidden)

	resp, err := env.workflow.RejectRectification(ctx, ncr.ID, env.siteManager.UserID, &dto.RejectRectificationRequest{Feedback: " Still cracked "})
	if err != nil {
		t.Fatalf("site_manager 驳回失败: %v", err)
	}
	n := resp.NCR
	if n.Status != "rectification" || n.RevisionCount != 1 || !n.RevisionRequested {
		t.Fatalf("期望 rectification/1/true，实际 %s/%d/%v", n.Status, n.RevisionCount, n.RevisionRequested)
	}
	if n.VerificationNotes == nil || *n.VerificationNotes != "Still cracked" {
		t.Errorf("期望 verificationNotes=Still cracked，实际 %v", n.VerificationNotes)
	}
	if n.VerifiedAt != nil || n.VerifiedByID != nil {
		t.Error("驳回应清空验证人")
	}

	found := false
	for _, note := range env.notificationsFor(env.responsible.UserID) {
		if note.Title == "NCR rectification rejected" {
			found = true
		}
	}
	if !found {
		t.Error("期望责任人收到驳回通知")
	}
}

// ── qm-approve ──

func TestWorkflow_QMApprove_Preconditions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	minor := env.createNCR("minor")
	_, err := env.workflow.QMApprove(ctx, minor.ID, env.qm.UserID, &dto.QMApproveRequest{})
	e := expectKind(t, err, pkgerrors.ErrIllegalTransition)
	if e.Message != "NCR does not require QM approval" {
		t.Errorf("消息不符: %s", e.Message)
	}

	major := env.createNCR("major")
	_, err = env.workflow.QMApprove(ctx, major.ID, env.responsible.UserID, &dto.QMApproveRequest{})
	expectKind(t, err, pkgerrors.ErrForbidden)

	// 任意状态均可批准
	resp, err := env.workflow.QMApprove(ctx, major.ID, env.qm.UserID, &dto.QMApproveRequest{})
	if err != nil {
		t.Fatalf("open 状态下批准失败: %v", err)
	}
	if resp.NCR.Status != "open" || resp.NCR.QMApprovedByID == nil {
		t.Errorf("期望状态不变且记录批准人，实际 %s", resp.NCR.Status)
	}

	_, err = env.workflow.QMApprove(ctx, major.ID, env.qm.UserID, &dto.QMApproveRequest{})
	e = expectKind(t, err, pkgerrors.ErrIllegalTransition)
	if e.Message != "NCR has already been approved by QM" {
		t.Errorf("消息不符: %s", e.Message)
	}
}

// ── close ──

func TestWorkflow_Close_WithConcession(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	ncr := env.createNCR("minor", env.lots[0])
	env.toRectification(ncr.ID)

	_, err := env.workflow.Close(ctx, ncr.ID, env.qm.UserID, &dto.CloseNCRRequest{
		WithConcession:          true,
		ConcessionJustification: strPtr("Structurally adequate"),
	})
	e := expectKind(t, err, pkgerrors.ErrValidation)
	if len(e.Fields) != 1 || e.Fields[0].Field != "concessionRiskAssessment" {
		t.Errorf("期望缺少 concessionRiskAssessment，实际 %v", e.Fields)
	}

	resp, err := env.workflow.Close(ctx, ncr.ID, env.qm.UserID, &dto.CloseNCRRequest{
		WithConcession:           true,
		ConcessionJustification:  strPtr("Structurally adequate"),
		ConcessionRiskAssessment: strPtr("Low"),
	})
	if err != nil {
		t.Fatalf("让步关闭失败: %v", err)
	}
	if resp.NCR.Status != "closed_concession" || resp.Message != "NCR closed with concession" {
		t.Errorf("期望 closed_concession / NCR closed with concession，实际 %s / %s", resp.NCR.Status, resp.Message)
	}
	if resp.NCR.ConcessionJustification == nil || *resp.NCR.ConcessionJustification != "Structurally adequate" {
		t.Error("让步理由应被保存")
	}
	if got := env.lotStatus(env.lots[0].LotID); got != model.LotStatusInProgress {
		t.Errorf("期望批次恢复 in_progress，实际 %s", got)
	}
}

func TestWorkflow_Close_IgnoresConcessionFieldsWithoutFlag(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	ncr := env.createNCR("minor")
	env.toVerification(ncr.ID)

	resp, err := env.workflow.Close(ctx, ncr.ID, env.responsible.UserID, &dto.CloseNCRRequest{
		ConcessionJustification: strPtr("should be dropped"),
	})
	if err != nil {
		t.Fatalf("close 失败: %v", err)
	}
	if resp.NCR.Status != "closed" || resp.Message != "NCR closed successfully" {
		t.Errorf("期望 closed / NCR closed successfully，实际 %s / %s", resp.NCR.Status, resp.Message)
	}
	if resp.NCR.ConcessionJustification != nil {
		t.Error("非让步关闭不应保存让步字段")
	}
}

func TestWorkflow_Close_KeepsLotRaisedWhileOtherNCROpen(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	shared := env.lots[0]
	first := env.createNCR("minor", shared, env.lots[1])
	second := env.createNCR("minor", shared)

	env.toVerification(first.ID)
	if _, err := env.workflow.Close(ctx, first.ID, env.qm.UserID, &dto.CloseNCRRequest{}); err != nil {
		t.Fatalf("关闭第一个 NCR 失败: %v", err)
	}
	if got := env.lotStatus(shared.LotID); got != model.LotStatusNCRRaised {
		t.Errorf("仍有未关闭 NCR 时共享批次应保持 ncr_raised，实际 %s", got)
	}
	if got := env.lotStatus(env.lots[1].LotID); got != model.LotStatusInProgress {
		t.Errorf("独占批次应恢复 in_progress，实际 %s", got)
	}

	env.toVerification(second.ID)
	if _, err := env.workflow.Close(ctx, second.ID, env.qm.UserID, &dto.CloseNCRRequest{}); err != nil {
		t.Fatalf("关闭第二个 NCR 失败: %v", err)
	}
	if got := env.lotStatus(shared.LotID); got != model.LotStatusInProgress {
		t.Errorf("全部关闭后共享批次应恢复 in_progress，实际 %s", got)
	}
}

// ── notify-client ──

func TestWorkflow_NotifyClient(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	ncr := env.createNCR("major", env.lots[1], env.lots[0])

	_, err := env.workflow.NotifyClient(ctx, ncr.ID, env.responsible.UserID, &dto.NotifyClientRequest{})
	expectKind(t, err, pkgerrors.ErrForbidden)

	resp, err := env.workflow.NotifyClient(ctx, ncr.ID, env.owner.UserID, &dto.NotifyClientRequest{
		RecipientEmail:    strPtr("client@example.com"),
		AdditionalMessage: strPtr("Please review"),
	})
	if err != nil {
		t.Fatalf("owner 通知客户失败: %v", err)
	}
	pkg := resp.NotificationPackage
	if pkg == nil {
		t.Fatal("期望返回通知包")
	}
	if pkg.AffectedLots != "LOT-001, LOT-002" {
		t.Errorf("受影响批次期望 LOT-001, LOT-002，实际 %q", pkg.AffectedLots)
	}
	if pkg.NCRNumber != ncr.NCRNumber || pkg.Project.Name != "Pacific Highway Upgrade" || pkg.RaisedBy.Email != "raiser@example.com" {
		t.Errorf("通知包内容不符: %+v", pkg)
	}
	if resp.NCR.ClientNotifiedAt == nil || resp.NCR.Status != "open" {
		t.Error("期望记录通知时间且状态不变")
	}

	trail, err := env.ncr.ListAuditTrail(ctx, ncr.ID, env.owner.UserID)
	if err != nil {
		t.Fatalf("查询审计失败: %v", err)
	}
	var audit *dto.AuditLogResponse
	for i := range trail {
		if trail[i].Action == "ncr_client_notified" {
			audit = &trail[i]
		}
	}
	if audit == nil {
		t.Fatal("期望写入 ncr_client_notified 审计")
	}
	var stored dto.NotificationPackage
	if err := json.Unmarshal([]byte(audit.Changes), &stored); err != nil {
		t.Fatalf("审计内容应为通知包 JSON: %v", err)
	}
	if stored.AffectedLots != pkg.AffectedLots || stored.RecipientEmail == nil || *stored.RecipientEmail != "client@example.com" {
		t.Errorf("审计通知包不符: %+v", stored)
	}

	_, err = env.workflow.NotifyClient(ctx, ncr.ID, env.qm.UserID, &dto.NotifyClientRequest{})
	e := expectKind(t, err, pkgerrors.ErrIllegalTransition)
	if !strings.Contains(e.Message, "already been notified") || e.Meta["clientNotifiedAt"] == nil {
		t.Errorf("重复通知应说明原通知时间，实际 %s / %v", e.Message, e.Meta)
	}

	var published int
	for _, ev := range env.outboxEvents(ncr.ID) {
		if ev.EventType == "ncr.client_notification" {
			published++
		}
	}
	if published != 1 {
		t.Errorf("期望 1 条 ncr.client_notification 事件，实际 %d", published)
	}
}

func TestWorkflow_NotifyClient_NotRequired(t *testing.T) {
	env := newTestEnv(t)
	ncr := env.createNCR("minor")
	_, err := env.workflow.NotifyClient(context.Background(), ncr.ID, env.qm.UserID, &dto.NotifyClientRequest{})
	expectKind(t, err, pkgerrors.ErrIllegalTransition)
}

// ── reopen ──

func TestWorkflow_Reopen(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	ncr := env.createNCR("major", env.lots[0])
	env.toRectification(ncr.ID)
	if _, err := env.workflow.QMApprove(ctx, ncr.ID, env.qm.UserID, &dto.QMApproveRequest{}); err != nil {
		t.Fatalf("qm-approve 失败: %v", err)
	}
	if _, err := env.workflow.Close(ctx, ncr.ID, env.qm.UserID, &dto.CloseNCRRequest{
		LessonsLearned:           strPtr("Original lesson"),
		WithConcession:           true,
		ConcessionJustification:  strPtr("Adequate"),
		ConcessionRiskAssessment: strPtr("Low"),
	}); err != nil {
		t.Fatalf("close 失败: %v", err)
	}

	_, err := env.workflow.Reopen(ctx, ncr.ID, env.responsible.UserID, &dto.ReopenRequest{})
	expectKind(t, err, pkgerrors.ErrForbidden)

	resp, err := env.workflow.Reopen(ctx, ncr.ID, env.qm.UserID, &dto.ReopenRequest{Reason: strPtr("Cracks reappeared")})
	if err != nil {
		t.Fatalf("reopen 失败: %v", err)
	}
	n := resp.NCR
	if n.Status != "rectification" {
		t.Fatalf("期望 rectification，实际 %s", n.Status)
	}
	if n.ClosedAt != nil || n.ClosedByID != nil || n.VerifiedByID != nil || n.VerificationNotes != nil {
		t.Error("reopen 应清空关闭与验证字段")
	}
	if n.ConcessionJustification != nil || n.ConcessionRiskAssessment != nil {
		t.Error("reopen 应清空让步字段")
	}
	if n.QMApprovedAt != nil || n.QMApprovedByID != nil {
		t.Error("reopen 应清空 QM 批准")
	}
	if n.LessonsLearned == nil ||
		!strings.HasPrefix(*n.LessonsLearned, "[Reopened ") ||
		!strings.Contains(*n.LessonsLearned, ": Cracks reappeared]\n\nOriginal lesson") {
		t.Errorf("lessonsLearned 应保留重开痕迹，实际 %v", n.LessonsLearned)
	}
	if got := env.lotStatus(env.lots[0].LotID); got != model.LotStatusNCRRaised {
		t.Errorf("重开后批次应恢复 ncr_raised，实际 %s", got)
	}

	_, err = env.workflow.Reopen(ctx, ncr.ID, env.qm.UserID, &dto.ReopenRequest{})
	expectKind(t, err, pkgerrors.ErrIllegalTransition)

	// 重开后必须重新批准才能关闭
	_, err = env.workflow.Close(ctx, ncr.ID, env.qm.UserID, &dto.CloseNCRRequest{})
	expectKind(t, err, pkgerrors.ErrIllegalTransition)
}

func TestWorkflow_Reopen_DefaultReason(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	ncr := env.createNCR("minor")
	env.toVerification(ncr.ID)
	if _, err := env.workflow.Close(ctx, ncr.ID, env.qm.UserID, &dto.CloseNCRRequest{}); err != nil {
		t.Fatalf("close 失败: %v", err)
	}

	resp, err := env.workflow.Reopen(ctx, ncr.ID, env.qm.UserID, &dto.ReopenRequest{Reason: strPtr("  ")})
	if err != nil {
		t.Fatalf("reopen 失败: %v", err)
	}
	l := *resp.NCR.LessonsLearned
	if !strings.HasSuffix(l, ": No reason provided]") {
		t.Errorf("无原因时应使用默认文案，实际 %q", l)
	}
	if _, err := time.Parse(time.RFC3339, strings.TrimSuffix(strings.TrimPrefix(l, "[Reopened "), ": No reason provided]")); err != nil {
		t.Errorf("重开时间应为 RFC3339: %v", err)
	}
}

// ── 审计与外发箱 ──

func TestWorkflow_WritesAuditForEveryTransition(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	ncr := env.createNCR("minor")
	env.toVerification(ncr.ID)

	trail, err := env.ncr.ListAuditTrail(ctx, ncr.ID, env.qm.UserID)
	if err != nil {
		t.Fatalf("查询审计失败: %v", err)
	}
	want := []string{"ncr_created", "ncr_responded", "ncr_response_accepted", "ncr_rectified"}
	if len(trail) != len(want) {
		t.Fatalf("期望 %d 条审计，实际 %d", len(want), len(trail))
	}
	for i, a := range want {
		if trail[i].Action != a {
			t.Errorf("第 %d 条审计期望 %s，实际 %s", i, a, trail[i].Action)
		}
	}

	var changes map[string]interface{}
	if err := json.Unmarshal([]byte(trail[3].Changes), &changes); err != nil {
		t.Fatalf("审计内容应为 JSON: %v", err)
	}
	if changes["fromStatus"] != "rectification" || changes["toStatus"] != "verification" {
		t.Errorf("审计应记录状态迁移，实际 %v", changes)
	}
}

func TestWorkflow_PublishFailureDoesNotRollback(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	ncr := env.createNCR("minor")
	if _, err := env.workflow.Respond(ctx, ncr.ID, env.responsible.UserID, &dto.RespondRequest{}); err != nil {
		t.Fatalf("respond 失败: %v", err)
	}

	env.publisher.setFail(true)
	resp, err := env.workflow.QMReview(ctx, ncr.ID, env.qm.UserID, &dto.QMReviewRequest{Action: "accept"})
	if err != nil {
		t.Fatalf("投递失败不应影响状态迁移: %v", err)
	}
	if resp.NCR.Status != "rectification" {
		t.Fatalf("期望 rectification，实际 %s", resp.NCR.Status)
	}

	var failed *model.OutboxEvent
	for _, ev := range env.outboxEvents(ncr.ID) {
		if ev.EventType == "ncr.response_accepted" {
			ev := ev
			failed = &ev
		}
	}
	if failed == nil || failed.Status != model.OutboxStatusFailed || failed.Attempts != 1 || failed.NextAttemptAt == nil {
		t.Fatalf("期望事件 FAILED 且已安排重试，实际 %+v", failed)
	}

	// 恢复后由 relay 重投；站内通知不重复
	env.publisher.setFail(false)
	past := time.Now().Add(-time.Minute)
	if err := env.db.Model(&model.OutboxEvent{}).Where("outbox_event_id = ?", failed.OutboxEventID).
		Update("next_attempt_at", past).Error; err != nil {
		t.Fatalf("调整重试时间失败: %v", err)
	}
	n, err := env.relay.RunOnce(ctx)
	if err != nil || n != 1 {
		t.Fatalf("relay 期望认领 1 条，实际 %d (%v)", n, err)
	}
	got, _ := env.repo.Outbox.GetByID(ctx, failed.OutboxEventID)
	if got.Status != model.OutboxStatusSent || got.Attempts != 2 {
		t.Errorf("期望 SENT/2，实际 %s/%d", got.Status, got.Attempts)
	}

	accepted := 0
	for _, note := range env.notificationsFor(env.responsible.UserID) {
		if note.Title == "NCR response accepted" {
			accepted++
		}
	}
	if accepted != 1 {
		t.Errorf("重投不应重复创建通知，实际 %d 条", accepted)
	}
}
