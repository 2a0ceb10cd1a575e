package spreadsheet

import (
	"fmt"
	"strconv"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/oculab/fundus-assistant/internal/core/domain"
)

const exportSheet = "分析结果 Results"

// exportHeaders is the fixed bilingual column layout. Order matters: the
// download is consumed by the same template the upload came from.
var exportHeaders = []interface{}{
	"患者ID Patient ID",
	"状态 Status",
	"诊断 Diagnosis",
	"诊断置信度 Confidence",
	"分级 Grade",
	"左眼严重度 Left Severity",
	"左眼置信度 Left Confidence",
	"右眼严重度 Right Severity",
	"右眼置信度 Right Confidence",
	"处理时间 Processed At",
}

// Exporter serializes a completed task's results into a workbook. It is pure
// with respect to the results; writing the bytes anywhere is the caller's job.
type Exporter struct{}

func NewExporter() *Exporter {
	return &Exporter{}
}

func (ex *Exporter) Export(results []domain.ResultRecord) ([]byte, error) {
	file := excelize.NewFile()
	defer file.Close()

	if err := file.SetSheetName(file.GetSheetName(0), exportSheet); err != nil {
		return nil, domain.WrapError(domain.ErrExport, "rename sheet", err)
	}
	if err := file.SetSheetRow(exportSheet, "A1", &exportHeaders); err != nil {
		return nil, domain.WrapError(domain.ErrExport, "write header row", err)
	}

	for i, result := range results {
		row := []interface{}{
			result.PatientID,
			string(result.Status),
			result.Label,
			formatConfidence(result.LabelConfidence),
			result.Grade,
			string(result.LeftSeverity),
			formatConfidence(result.LeftConfidence),
			string(result.RightSeverity),
			formatConfidence(result.RightConfidence),
			result.ProcessedAt.Format("2006-01-02 15:04:05"),
		}
		cell := fmt.Sprintf("A%d", i+2)
		if err := file.SetSheetRow(exportSheet, cell, &row); err != nil {
			return nil, domain.WrapError(domain.ErrExport, fmt.Sprintf("write result row %d", i+1), err)
		}
	}

	buf, err := file.WriteToBuffer()
	if err != nil {
		return nil, domain.WrapError(domain.ErrExport, "serialize workbook", err)
	}
	return buf.Bytes(), nil
}

// ExportFilename builds the download artifact name: fixed prefix plus a
// YYYYMMDDHHmmss timestamp.
func ExportFilename(prefix string, at time.Time) string {
	return prefix + at.Format("20060102150405") + ".xlsx"
}

func formatConfidence(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}
