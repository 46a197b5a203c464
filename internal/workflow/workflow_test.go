package workflow

import (
	"testing"
	"time"
)

var allStatuses = []Status{
	StatusOpen, StatusInvestigating, StatusRectification,
	StatusVerification, StatusClosed, StatusClosedConcession,
}

func TestCanApply_Edges(t *testing.T) {
	// 迁移表之外的边一律拒绝
	allowed := map[Operation]map[Status]bool{
		OpRespond:                 {StatusOpen: true},
		OpQMReviewAccept:          {StatusInvestigating: true},
		OpQMReviewRequestRevision: {StatusInvestigating: true},
		OpRectify:                 {StatusInvestigating: true, StatusRectification: true},
		OpSubmitForVerification:   {StatusInvestigating: true, StatusRectification: true},
		OpRejectRectification:     {StatusVerification: true},
		OpClose:                   {StatusVerification: true, StatusRectification: true},
		OpReopen:                  {StatusClosed: true, StatusClosedConcession: true},
	}
	for op, from := range allowed {
		for _, s := range allStatuses {
			if got := CanApply(op, s); got != from[s] {
				t.Errorf("CanApply(%s, %s) 期望 %v，实际 %v", op, s, from[s], got)
			}
		}
	}
}

func TestCanApply_AnyState(t *testing.T) {
	for _, op := range []Operation{OpQMApprove, OpNotifyClient} {
		for _, s := range allStatuses {
			if !CanApply(op, s) {
				t.Errorf("%s 应允许任意状态，%s 被拒绝", op, s)
			}
		}
	}
	if CanApply(Operation("teleport"), StatusOpen) {
		t.Error("未知操作应被拒绝")
	}
}

func TestTarget(t *testing.T) {
	tests := []struct {
		op         Operation
		current    Status
		concession bool
		want       Status
	}{
		{OpRespond, StatusOpen, false, StatusInvestigating},
		{OpQMReviewAccept, StatusInvestigating, false, StatusRectification},
		{OpQMReviewRequestRevision, StatusInvestigating, false, StatusOpen},
		{OpRectify, StatusInvestigating, false, StatusVerification},
		{OpSubmitForVerification, StatusRectification, false, StatusVerification},
		{OpRejectRectification, StatusVerification, false, StatusRectification},
		{OpClose, StatusVerification, false, StatusClosed},
		{OpClose, StatusRectification, true, StatusClosedConcession},
		{OpReopen, StatusClosedConcession, false, StatusRectification},
		{OpQMApprove, StatusVerification, false, StatusVerification},
		{OpNotifyClient, StatusClosed, false, StatusClosed},
	}
	for _, tt := range tests {
		if got := Target(tt.op, tt.current, tt.concession); got != tt.want {
			t.Errorf("Target(%s, %s, %v) 期望 %s，实际 %s", tt.op, tt.current, tt.concession, tt.want, got)
		}
	}
}

func TestRoleAllows_Matrix(t *testing.T) {
	roles := []string{RoleOwner, RoleAdmin, RoleProjectManager, RoleQualityManager, RoleSiteManager, "foreman"}
	want := map[Operation][]string{
		OpQMReviewAccept:      {RoleAdmin, RoleProjectManager, RoleQualityManager},
		OpRejectRectification: {RoleAdmin, RoleProjectManager, RoleQualityManager, RoleSiteManager},
		OpQMApprove:           {RoleAdmin, RoleProjectManager, RoleQualityManager},
		OpNotifyClient:        {RoleOwner, RoleAdmin, RoleProjectManager, RoleQualityManager},
		OpReopen:              {RoleAdmin, RoleProjectManager, RoleQualityManager},
		OpRespond:             roles,
		OpRectify:             roles,
		OpClose:               roles,
	}
	for op, allowedRoles := range want {
		set := make(map[string]bool)
		for _, r := range allowedRoles {
			set[r] = true
		}
		for _, r := range roles {
			if got := RoleAllows(r, op); got != set[r] {
				t.Errorf("RoleAllows(%s, %s) 期望 %v，实际 %v", r, op, set[r], got)
			}
		}
	}
}

func TestRoleAllows_NonMember(t *testing.T) {
	if RoleAllows("", OpRespond) {
		t.Error("非项目成员不应被允许")
	}
}

func TestRequiredRoles_Copy(t *testing.T) {
	roles := RequiredRoles(OpQMApprove)
	roles[0] = "hacked"
	if Capabilities[OpQMApprove][0] == "hacked" {
		t.Error("RequiredRoles 应返回副本")
	}
	if RequiredRoles(OpRespond) != nil {
		t.Error("任意成员操作应返回 nil")
	}
}

func TestNeedsQMApproval(t *testing.T) {
	now := time.Now()
	if !NeedsQMApproval(SeverityMajor, true, nil) {
		t.Error("重大且未批准应需要 QM 批准")
	}
	if NeedsQMApproval(SeverityMajor, true, &now) {
		t.Error("已批准不应再需要")
	}
	if NeedsQMApproval(SeverityMinor, true, nil) {
		t.Error("轻微 NCR 不受该闸门约束")
	}
	if NeedsQMApproval(SeverityMajor, false, nil) {
		t.Error("未标记需要批准时不应拦截")
	}
}

func TestIsClosed(t *testing.T) {
	for _, s := range allStatuses {
		want := s == StatusClosed || s == StatusClosedConcession
		if IsClosed(s) != want || IsTerminal(s) != want {
			t.Errorf("IsClosed(%s) 期望 %v", s, want)
		}
	}
}
