package spreadsheet

import (
	"fmt"
	"io"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/oculab/fundus-assistant/internal/core/domain"
)

// Accepted header conventions. Uploads come from both the Chinese template
// and exports of older tooling, so two names per concept are recognized.
var (
	patientHeaders  = []string{"patientid", "患者id"}
	leftEyeHeaders  = []string{"lefteyepath", "左眼图像"}
	rightEyeHeaders = []string{"righteyepath", "右眼图像"}
)

const DefaultPreviewRows = 5

// Ingestor parses uploaded workbooks into validated row records. Parsing is
// pure: the caller decides whether the rows are previewed or submitted.
type Ingestor struct{}

func NewIngestor() *Ingestor {
	return &Ingestor{}
}

func (in *Ingestor) Parse(r io.Reader) ([]domain.RowRecord, error) {
	_, rows, err := in.decode(r)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// Preview parses sheet metadata plus the first limit rows for display,
// without committing to ingesting the full set.
func (in *Ingestor) Preview(r io.Reader, limit int) (*domain.BatchPreview, error) {
	if limit <= 0 {
		limit = DefaultPreviewRows
	}
	sheet, rows, err := in.decode(r)
	if err != nil {
		return nil, err
	}
	preview := &domain.BatchPreview{
		SheetName: sheet,
		TotalRows: len(rows),
		Rows:      rows,
	}
	if len(preview.Rows) > limit {
		preview.Rows = preview.Rows[:limit]
	}
	return preview, nil
}

func (in *Ingestor) decode(r io.Reader) (string, []domain.RowRecord, error) {
	file, err := excelize.OpenReader(r)
	if err != nil {
		return "", nil, domain.WrapError(domain.ErrMalformedFile, "decode workbook", err)
	}
	defer file.Close()

	sheet := file.GetSheetName(0)
	if sheet == "" {
		return "", nil, domain.WrapError(domain.ErrMalformedFile, "decode workbook", fmt.Errorf("workbook has no sheets"))
	}

	raw, err := file.GetRows(sheet)
	if err != nil {
		return "", nil, domain.WrapError(domain.ErrMalformedFile, "read sheet rows", err)
	}
	if len(raw) <= 1 {
		return "", nil, domain.WrapError(domain.ErrEmptyData, "read sheet rows", fmt.Errorf("sheet %q has no data rows", sheet))
	}

	layout, err := resolveLayout(raw[0])
	if err != nil {
		return "", nil, err
	}

	records := make([]domain.RowRecord, 0, len(raw)-1)
	for i, cells := range raw[1:] {
		if emptyRow(cells) {
			continue
		}
		record, err := layout.toRecord(cells)
		if err != nil {
			return "", nil, domain.WrapError(domain.ErrMissingField, fmt.Sprintf("row %d", i+2), err)
		}
		records = append(records, record)
	}
	if len(records) == 0 {
		return "", nil, domain.WrapError(domain.ErrEmptyData, "read sheet rows", fmt.Errorf("sheet %q has no data rows", sheet))
	}
	return sheet, records, nil
}

// sheetLayout maps column indexes resolved from the header row.
type sheetLayout struct {
	headers  []string
	patient  int
	leftEye  int
	rightEye int
}

func resolveLayout(header []string) (*sheetLayout, error) {
	layout := &sheetLayout{
		headers:  header,
		patient:  -1,
		leftEye:  -1,
		rightEye: -1,
	}
	for idx, name := range header {
		normalized := normalizeHeader(name)
		switch {
		case layout.patient < 0 && matchesAny(normalized, patientHeaders):
			layout.patient = idx
		case layout.leftEye < 0 && matchesAny(normalized, leftEyeHeaders):
			layout.leftEye = idx
		case layout.rightEye < 0 && matchesAny(normalized, rightEyeHeaders):
			layout.rightEye = idx
		}
	}
	if layout.patient < 0 {
		return nil, domain.WrapError(domain.ErrMissingField, "resolve header", fmt.Errorf("no patient id column (accepted: patientId, 患者ID)"))
	}
	if layout.leftEye < 0 && layout.rightEye < 0 {
		return nil, domain.WrapError(domain.ErrMissingField, "resolve header", fmt.Errorf("no eye image column (accepted: leftEyePath, rightEyePath, 左眼图像, 右眼图像)"))
	}
	return layout, nil
}

func (l *sheetLayout) toRecord(cells []string) (domain.RowRecord, error) {
	record := domain.RowRecord{
		PatientID:    cellAt(cells, l.patient),
		LeftEyePath:  cellAt(cells, l.leftEye),
		RightEyePath: cellAt(cells, l.rightEye),
	}
	if record.PatientID == "" {
		return domain.RowRecord{}, fmt.Errorf("patient id is empty")
	}
	if record.LeftEyePath == "" && record.RightEyePath == "" {
		return domain.RowRecord{}, fmt.Errorf("patient %s has no eye image path", record.PatientID)
	}

	for idx, value := range cells {
		if idx == l.patient || idx == l.leftEye || idx == l.rightEye {
			continue
		}
		value = strings.TrimSpace(value)
		if value == "" || idx >= len(l.headers) {
			continue
		}
		name := strings.TrimSpace(l.headers[idx])
		if name == "" {
			continue
		}
		if record.Extra == nil {
			record.Extra = make(map[string]string)
		}
		record.Extra[name] = value
	}
	return record, nil
}

func cellAt(cells []string, idx int) string {
	if idx < 0 || idx >= len(cells) {
		return ""
	}
	return strings.TrimSpace(cells[idx])
}

func normalizeHeader(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func matchesAny(normalized string, candidates []string) bool {
	for _, candidate := range candidates {
		if normalized == candidate {
			return true
		}
	}
	return false
}

func emptyRow(cells []string) bool {
	for _, cell := range cells {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}
