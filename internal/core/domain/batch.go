package domain

import "time"

type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskProcessing TaskStatus = "processing"
	TaskSuccess    TaskStatus = "success"
	TaskError      TaskStatus = "error"
)

// RowRecord is one validated input entry from an uploaded workbook. Every
// record carries a patient identifier and at least one eye-image path; rows
// that fail this are rejected at ingest, never at processing time.
type RowRecord struct {
	PatientID    string            `json:"patient_id"`
	LeftEyePath  string            `json:"left_eye_path,omitempty"`
	RightEyePath string            `json:"right_eye_path,omitempty"`
	Extra        map[string]string `json:"extra,omitempty"`
}

// BatchPreview is a non-committing look at an uploaded workbook.
type BatchPreview struct {
	SheetName string      `json:"sheet_name"`
	TotalRows int         `json:"total_rows"`
	Rows      []RowRecord `json:"rows"`
}

type Severity string

const (
	SeverityNormal   Severity = "normal"
	SeverityMild     Severity = "mild"
	SeverityModerate Severity = "moderate"
	SeveritySevere   Severity = "severe"
)

// Severities lists severity levels in ascending order of concern.
var Severities = []Severity{SeverityNormal, SeverityMild, SeverityModerate, SeveritySevere}

type RowStatus string

const (
	RowSuccess RowStatus = "success"
	RowError   RowStatus = "error"
)

// DiagnosisClass is one entry in the fixed main-class grading table.
type DiagnosisClass struct {
	Label string `json:"label"`
	Grade int    `json:"grade"`
}

// DiagnosisClasses is the fixed main-class table (international DR grading).
var DiagnosisClasses = []DiagnosisClass{
	{Label: "无明显视网膜病变 No apparent retinopathy", Grade: 0},
	{Label: "轻度非增殖期 Mild NPDR", Grade: 1},
	{Label: "中度非增殖期 Moderate NPDR", Grade: 2},
	{Label: "重度非增殖期 Severe NPDR", Grade: 3},
	{Label: "增殖期 PDR", Grade: 4},
}

// ResultRecord is the synthesized per-row diagnostic outcome. Status is the
// row's own success/failure flag and is independent of the owning task's
// terminal state: a task can finish success while individual rows report error.
type ResultRecord struct {
	PatientID       string    `json:"patient_id"`
	Status          RowStatus `json:"status"`
	Label           string    `json:"label"`
	LabelConfidence float64   `json:"label_confidence"`
	Grade           int       `json:"grade"`
	LeftSeverity    Severity  `json:"left_severity,omitempty"`
	LeftConfidence  float64   `json:"left_confidence,omitempty"`
	RightSeverity   Severity  `json:"right_severity,omitempty"`
	RightConfidence float64   `json:"right_confidence,omitempty"`
	ProcessedAt     time.Time `json:"processed_at"`
}

// BatchTask is one submitted batch job. The processing engine is its only
// writer while a run is in flight; all reads go through the task registry.
type BatchTask struct {
	ID             string         `json:"id"`
	Status         TaskStatus     `json:"status"`
	Progress       int            `json:"progress"`
	TotalItems     int            `json:"total_items"`
	ProcessedItems int            `json:"processed_items"`
	SourceKey      string         `json:"source_key,omitempty"`
	StartedAt      time.Time      `json:"started_at"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
	Results        []ResultRecord `json:"results,omitempty"`
	Error          string         `json:"error,omitempty"`
}

// TaskPatch carries a partial task update. Nil fields are left untouched;
// Results is only applied when non-nil.
type TaskPatch struct {
	Status         *TaskStatus
	Progress       *int
	ProcessedItems *int
	CompletedAt    *time.Time
	Results        []ResultRecord
	Error          *string
}

// Apply merges the patch into the task in place.
func (p TaskPatch) Apply(task *BatchTask) {
	if p.Status != nil {
		task.Status = *p.Status
	}
	if p.Progress != nil {
		task.Progress = *p.Progress
	}
	if p.ProcessedItems != nil {
		task.ProcessedItems = *p.ProcessedItems
	}
	if p.CompletedAt != nil {
		task.CompletedAt = p.CompletedAt
	}
	if p.Results != nil {
		task.Results = p.Results
	}
	if p.Error != nil {
		task.Error = *p.Error
	}
}
