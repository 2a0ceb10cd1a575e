package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/oculab/fundus-assistant/internal/core/domain"
	"github.com/oculab/fundus-assistant/internal/core/ports"
)

// Persistence keys. Two history keys plus one boolean flag, all JSON string
// values in the key-value store.
const (
	activeHistoryKey    = "chat:history:active"
	archivedSessionsKey = "chat:history:archived"
	keepContextKey      = "chat:keep_context"
)

// FallbackReply is the single assistant message shown when the inference
// endpoint is unreachable or returns a non-2xx status.
const FallbackReply = "抱歉，咨询服务暂时不可用，请稍后重试。Sorry, the consultation service is temporarily unavailable, please retry."

const (
	InferenceModeSimple = "simple"
	InferenceModeChat   = "chat"
)

type ChatConfig struct {
	// InferenceMode selects the endpoint variant: "simple" posts
	// {content}, "chat" posts {messages:[{role,content}]}.
	InferenceMode      string
	ContextMessages    int
	ContextMaxChars    int
	KeepContextDefault bool
}

// ChatEngine owns the append-only message log and its archive lifecycle.
// In-memory state is authoritative; the key-value store is a best-effort
// mirror whose write failures are logged, never surfaced to the user.
type ChatEngine struct {
	store  ports.KeyValueStore
	client ports.AssistantClient
	cfg    ChatConfig
	logger *slog.Logger

	mu       sync.Mutex
	messages []domain.ChatMessage
	archives []domain.ArchivedSession

	nowFunc func() time.Time
	idFunc  func() string
}

func NewChatEngine(store ports.KeyValueStore, client ports.AssistantClient, cfg ChatConfig, logger *slog.Logger) *ChatEngine {
	if cfg.ContextMessages <= 0 {
		cfg.ContextMessages = 10
	}
	if cfg.ContextMaxChars <= 0 {
		cfg.ContextMaxChars = 2000
	}
	if cfg.InferenceMode == "" {
		cfg.InferenceMode = InferenceModeSimple
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ChatEngine{
		store:   store,
		client:  client,
		cfg:     cfg,
		logger:  logger,
		nowFunc: func() time.Time { return time.Now().UTC() },
		idFunc:  uuid.NewString,
	}
}

// Hydrate loads persisted state. A read failure leaves the engine empty and
// usable: storage is a mirror, not the source of truth.
func (e *ChatEngine) Hydrate(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if raw, ok, err := e.store.Get(ctx, activeHistoryKey); err != nil {
		e.logger.Warn("chat_hydrate_failed", "key", activeHistoryKey, "error", err)
	} else if ok {
		if err := json.Unmarshal([]byte(raw), &e.messages); err != nil {
			e.logger.Warn("chat_hydrate_corrupt", "key", activeHistoryKey, "error", err)
			e.messages = nil
		}
	}

	if raw, ok, err := e.store.Get(ctx, archivedSessionsKey); err != nil {
		e.logger.Warn("chat_hydrate_failed", "key", archivedSessionsKey, "error", err)
	} else if ok {
		if err := json.Unmarshal([]byte(raw), &e.archives); err != nil {
			e.logger.Warn("chat_hydrate_corrupt", "key", archivedSessionsKey, "error", err)
			e.archives = nil
		}
	}
}

// Append pushes a message to the active sequence and mirrors the full
// sequence to storage. Fire-and-forget: a persistence failure never rolls
// back the in-memory append.
func (e *ChatEngine) Append(ctx context.Context, msg domain.ChatMessage) {
	e.mu.Lock()
	if msg.ID == "" {
		msg.ID = e.idFunc()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = e.nowFunc()
	}
	e.messages = append(e.messages, msg)
	e.persistActiveLocked(ctx)
	e.mu.Unlock()
}

// Send appends the user's message, consults the inference endpoint and
// appends the reply. An endpoint failure becomes a single fallback assistant
// message rather than an error: the caller never crashes on inference
// trouble.
func (e *ChatEngine) Send(ctx context.Context, content string, images []string, analysis *domain.AnalysisPayload) (domain.ChatMessage, error) {
	content = strings.TrimSpace(content)
	if content == "" && len(images) == 0 {
		return domain.ChatMessage{}, domain.WrapError(domain.ErrInvalidInput, "chat send", fmt.Errorf("message content is required"))
	}

	e.Append(ctx, domain.ChatMessage{
		Sender:   domain.SenderUser,
		Content:  content,
		Images:   images,
		Analysis: analysis,
	})

	reply, fallback := e.consult(ctx, content)
	assistant := domain.ChatMessage{
		Sender:   domain.SenderAssistant,
		Content:  reply,
		Fallback: fallback,
	}
	e.mu.Lock()
	assistant.ID = e.idFunc()
	assistant.CreatedAt = e.nowFunc()
	e.messages = append(e.messages, assistant)
	e.persistActiveLocked(ctx)
	e.mu.Unlock()
	return assistant, nil
}

func (e *ChatEngine) consult(ctx context.Context, content string) (reply string, fallback bool) {
	var err error
	if e.cfg.InferenceMode == InferenceModeChat {
		reply, err = e.client.ChatComplete(ctx, e.promptMessages(ctx))
	} else {
		prompt := content
		if e.KeepContext(ctx) {
			prompt = e.BuildContext(e.cfg.ContextMessages, e.cfg.ContextMaxChars)
		}
		reply, err = e.client.Generate(ctx, prompt)
	}
	if err != nil {
		e.logger.Warn("inference_failed", "mode", e.cfg.InferenceMode, "error", err)
		return FallbackReply, true
	}
	if strings.TrimSpace(reply) == "" {
		return FallbackReply, true
	}
	return reply, false
}

// promptMessages builds the chat-variant request body: the recent context
// window, or just the newest message when the keep-context flag is off.
func (e *ChatEngine) promptMessages(ctx context.Context) []domain.PromptMessage {
	e.mu.Lock()
	defer e.mu.Unlock()

	start := len(e.messages) - e.cfg.ContextMessages
	if start < 0 {
		start = 0
	}
	if !e.keepContextLocked(ctx) && len(e.messages) > 0 {
		start = len(e.messages) - 1
	}
	out := make([]domain.PromptMessage, 0, len(e.messages)-start)
	for _, msg := range e.messages[start:] {
		role := "user"
		if msg.Sender == domain.SenderAssistant {
			role = "assistant"
		}
		out = append(out, domain.PromptMessage{Role: role, Content: msg.Content})
	}
	return out
}

// BuildContext concatenates the most recent maxMessages messages as
// "[sender] content" lines. When the result exceeds maxChars it is truncated
// from the front and re-trimmed to the next '[' marker, so the newest tail
// survives and no partial sender tag remains.
func (e *ChatEngine) BuildContext(maxMessages, maxChars int) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return buildContext(e.messages, maxMessages, maxChars)
}

func buildContext(messages []domain.ChatMessage, maxMessages, maxChars int) string {
	if maxMessages <= 0 || len(messages) == 0 {
		return ""
	}
	start := len(messages) - maxMessages
	if start < 0 {
		start = 0
	}

	parts := make([]string, 0, len(messages)-start)
	for _, msg := range messages[start:] {
		parts = append(parts, "["+string(msg.Sender)+"] "+msg.Content)
	}
	out := strings.Join(parts, "\n")

	runes := []rune(out)
	if maxChars <= 0 || len(runes) <= maxChars {
		return out
	}
	runes = runes[len(runes)-maxChars:]
	for i, r := range runes {
		if r == '[' {
			return string(runes[i:])
		}
	}
	return ""
}

// Clear relocates the whole active sequence into a new archive snapshot.
// Memory is mutated first (cannot fail), then both keys are persisted as one
// atomic write.
func (e *ChatEngine) Clear(ctx context.Context) *domain.ArchivedSession {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.messages) == 0 {
		return nil
	}

	snapshot := domain.ArchivedSession{
		ID:          e.idFunc(),
		Messages:    e.messages,
		HasAnalysis: hasAnalysis(e.messages),
		ArchivedAt:  e.nowFunc(),
	}
	e.archives = append([]domain.ArchivedSession{snapshot}, e.archives...)
	e.messages = nil
	e.persistAllLocked(ctx)
	return &snapshot
}

// Restore appends an archived snapshot's messages back onto the active
// sequence and removes the snapshot, with the same atomicity as Clear.
func (e *ChatEngine) Restore(ctx context.Context, archiveID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	idx := -1
	for i, archive := range e.archives {
		if archive.ID == archiveID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return domain.WrapError(domain.ErrArchiveNotFound, "restore archive", fmt.Errorf("id=%s", archiveID))
	}

	e.messages = append(e.messages, e.archives[idx].Messages...)
	e.archives = append(e.archives[:idx], e.archives[idx+1:]...)
	e.persistAllLocked(ctx)
	return nil
}

func (e *ChatEngine) Messages() []domain.ChatMessage {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]domain.ChatMessage, len(e.messages))
	copy(out, e.messages)
	return out
}

func (e *ChatEngine) Archives() []domain.ArchivedSession {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]domain.ArchivedSession, len(e.archives))
	copy(out, e.archives)
	return out
}

func (e *ChatEngine) KeepContext(ctx context.Context) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.keepContextLocked(ctx)
}

func (e *ChatEngine) keepContextLocked(ctx context.Context) bool {
	raw, ok, err := e.store.Get(ctx, keepContextKey)
	if err != nil {
		e.logger.Warn("chat_setting_read_failed", "key", keepContextKey, "error", err)
		return e.cfg.KeepContextDefault
	}
	if !ok {
		return e.cfg.KeepContextDefault
	}
	keep, err := strconv.ParseBool(raw)
	if err != nil {
		return e.cfg.KeepContextDefault
	}
	return keep
}

func (e *ChatEngine) SetKeepContext(ctx context.Context, keep bool) {
	if err := e.store.Set(ctx, keepContextKey, strconv.FormatBool(keep)); err != nil {
		e.logger.Warn("chat_setting_write_failed", "key", keepContextKey, "error", err)
	}
}

func (e *ChatEngine) persistActiveLocked(ctx context.Context) {
	raw, err := json.Marshal(e.messages)
	if err != nil {
		e.logger.Warn("chat_persist_marshal_failed", "key", activeHistoryKey, "error", err)
		return
	}
	if err := e.store.Set(ctx, activeHistoryKey, string(raw)); err != nil {
		e.logger.Warn("chat_persist_failed", "key", activeHistoryKey, "error", err)
	}
}

func (e *ChatEngine) persistAllLocked(ctx context.Context) {
	active, err := json.Marshal(e.messages)
	if err != nil {
		e.logger.Warn("chat_persist_marshal_failed", "key", activeHistoryKey, "error", err)
		return
	}
	archived, err := json.Marshal(e.archives)
	if err != nil {
		e.logger.Warn("chat_persist_marshal_failed", "key", archivedSessionsKey, "error", err)
		return
	}
	err = e.store.SetMany(ctx, map[string]string{
		activeHistoryKey:    string(active),
		archivedSessionsKey: string(archived),
	})
	if err != nil {
		e.logger.Warn("chat_persist_failed", "key", "active+archived", "error", err)
	}
}

// GroupByConversation partitions a chronological message list into
// conversation groups: a new group starts on a date change or on a
// user-authored message carrying image attachments. Groups come back newest
// first by their first message's timestamp.
func GroupByConversation(messages []domain.ChatMessage) []domain.ConversationGroup {
	groups := make([]domain.ConversationGroup, 0)
	for _, msg := range messages {
		date := msg.CreatedAt.Format("2006-01-02")
		startsSession := msg.Sender == domain.SenderUser && len(msg.Images) > 0
		if len(groups) == 0 || groups[len(groups)-1].Date != date || startsSession {
			groups = append(groups, domain.ConversationGroup{
				Date:      date,
				StartedAt: msg.CreatedAt,
			})
		}
		group := &groups[len(groups)-1]
		group.Messages = append(group.Messages, msg)
		if msg.Analysis != nil {
			group.HasAnalysis = true
		}
	}

	for i, j := 0, len(groups)-1; i < j; i, j = i+1, j-1 {
		groups[i], groups[j] = groups[j], groups[i]
	}
	return groups
}

func hasAnalysis(messages []domain.ChatMessage) bool {
	for _, msg := range messages {
		if msg.Analysis != nil {
			return true
		}
	}
	return false
}
