package domain

import "time"

type Sender string

const (
	SenderUser      Sender = "user"
	SenderAssistant Sender = "assistant"
)

// AnalysisPayload is a structured diagnostic attachment on a chat message,
// produced when a consultation turn includes fundus images.
type AnalysisPayload struct {
	Label           string   `json:"label"`
	LabelConfidence float64  `json:"label_confidence"`
	Grade           int      `json:"grade"`
	LeftSeverity    Severity `json:"left_severity,omitempty"`
	RightSeverity   Severity `json:"right_severity,omitempty"`
}

type ChatMessage struct {
	ID        string           `json:"id"`
	Sender    Sender           `json:"sender"`
	Content   string           `json:"content"`
	Images    []string         `json:"images,omitempty"`
	Analysis  *AnalysisPayload `json:"analysis,omitempty"`
	Fallback  bool             `json:"fallback,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
}

// ArchivedSession is a snapshot moved out of the active store when the user
// clears history. Clearing relocates, never discards: after a successful
// clear every message lives in exactly one of {active, some archive}.
type ArchivedSession struct {
	ID          string        `json:"id"`
	Messages    []ChatMessage `json:"messages"`
	HasAnalysis bool          `json:"has_analysis"`
	ArchivedAt  time.Time     `json:"archived_at"`
}

// ConversationGroup is a partition of the flat message log: a new group
// starts when the calendar date changes or when a user message arrives with
// image attachments (a fresh diagnostic session).
type ConversationGroup struct {
	Date        string        `json:"date"`
	StartedAt   time.Time     `json:"started_at"`
	HasAnalysis bool          `json:"has_analysis"`
	Messages    []ChatMessage `json:"messages"`
}

// PromptMessage is one turn in the chat-variant inference request body.
type PromptMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
