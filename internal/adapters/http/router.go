package httpadapter

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/oculab/fundus-assistant/internal/config"
	"github.com/oculab/fundus-assistant/internal/core/domain"
	"github.com/oculab/fundus-assistant/internal/core/ports"
	"github.com/oculab/fundus-assistant/internal/core/usecase"
	"github.com/oculab/fundus-assistant/internal/infrastructure/markdown"
	"github.com/oculab/fundus-assistant/internal/infrastructure/spreadsheet"
	"github.com/oculab/fundus-assistant/internal/observability/metrics"
)

const serviceName = "api"

// Dependencies collects everything the HTTP surface needs. Metrics may be
// left nil; the router then builds its own registry.
type Dependencies struct {
	Submit   *usecase.SubmitBatchUseCase
	Registry ports.TaskRegistry
	Parser   ports.WorkbookParser
	Exporter ports.ResultExporter
	Chat     *usecase.ChatEngine
	Metrics  *metrics.HTTPServerMetrics
}

type Router struct {
	submitUC *usecase.SubmitBatchUseCase
	registry ports.TaskRegistry
	parser   ports.WorkbookParser
	exporter ports.ResultExporter
	chat     *usecase.ChatEngine
	metrics  *metrics.HTTPServerMetrics
	cfg      config.Config

	nowFunc func() time.Time
}

func NewRouter(deps Dependencies, cfg config.Config) *Router {
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewHTTPServerMetrics(serviceName)
	}
	return &Router{
		submitUC: deps.Submit,
		registry: deps.Registry,
		parser:   deps.Parser,
		exporter: deps.Exporter,
		chat:     deps.Chat,
		metrics:  deps.Metrics,
		cfg:      cfg,
		nowFunc:  func() time.Time { return time.Now().UTC() },
	}
}

func (rt *Router) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", rt.healthz)
	mux.Handle("/metrics", rt.metrics.Handler())
	mux.HandleFunc("/v1/batches", rt.batches)
	mux.HandleFunc("/v1/batches/preview", rt.previewBatch)
	mux.HandleFunc("/v1/batches/", rt.batchByID)
	mux.HandleFunc("/v1/chat/messages", rt.chatMessages)
	mux.HandleFunc("/v1/chat/clear", rt.clearChat)
	mux.HandleFunc("/v1/chat/archives", rt.listArchives)
	mux.HandleFunc("/v1/chat/archives/", rt.restoreArchive)
	mux.HandleFunc("/v1/chat/settings/keep-context", rt.keepContext)

	var handler http.Handler = mux
	handler = backpressureMiddleware(handler, rt.cfg.APIMaxConcurrent, time.Duration(rt.cfg.APIQueueWaitMS)*time.Millisecond)
	handler = rateLimitMiddleware(handler, rt.cfg.APIRateLimitRPS, rt.cfg.APIRateLimitBurst)
	handler = rt.metrics.Middleware(serviceName, handler)
	handler = accessLogMiddleware(handler)
	handler = requestIDMiddleware(handler)
	return handler
}

func (rt *Router) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (rt *Router) batches(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		rt.submitBatch(w, r)
	case http.MethodGet:
		rt.listBatches(w, r)
	default:
		writeMethodNotAllowed(w)
	}
}

func (rt *Router) submitBatch(w http.ResponseWriter, r *http.Request) {
	file, fileHeader, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "multipart field 'file' is required"})
		return
	}
	defer file.Close()

	task, err := rt.submitUC.Submit(r.Context(), fileHeader.Filename, file)
	if err != nil {
		rt.metrics.RecordSubmission(serviceName, false)
		writeError(w, err)
		return
	}

	rt.metrics.RecordSubmission(serviceName, true)
	writeJSON(w, http.StatusAccepted, task)
}

func (rt *Router) previewBatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "multipart field 'file' is required"})
		return
	}
	defer file.Close()

	preview, err := rt.parser.Preview(file, rt.cfg.BatchPreviewRows)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, preview)
}

func (rt *Router) listBatches(w http.ResponseWriter, r *http.Request) {
	live, _ := rt.registry.Live(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"live":    live,
		"history": rt.registry.History(r.Context()),
	})
}

func (rt *Router) batchByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/v1/batches/")
	if id, ok := strings.CutSuffix(rest, "/export"); ok {
		rt.exportBatch(w, r, id)
		return
	}
	if rest == "" || strings.Contains(rest, "/") {
		writeError(w, domain.ErrTaskNotFound)
		return
	}

	task, ok := rt.registry.Get(r.Context(), rest)
	if !ok {
		writeError(w, domain.ErrTaskNotFound)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (rt *Router) exportBatch(w http.ResponseWriter, r *http.Request, taskID string) {
	task, ok := rt.registry.Get(r.Context(), taskID)
	if !ok {
		writeError(w, domain.ErrTaskNotFound)
		return
	}
	if task.Status != domain.TaskSuccess {
		writeError(w, domain.WrapError(domain.ErrInvalidInput, "export batch",
			fmt.Errorf("task %s is %s, only successful tasks export", task.ID, task.Status)))
		return
	}

	data, err := rt.exporter.Export(task.Results)
	if err != nil {
		writeError(w, err)
		return
	}

	rt.metrics.RecordExport(serviceName)
	filename := spreadsheet.ExportFilename(rt.cfg.ExportFilePrefix, rt.nowFunc())
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (rt *Router) chatMessages(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		rt.sendChatMessage(w, r)
	case http.MethodGet:
		rt.listChatMessages(w, r)
	default:
		writeMethodNotAllowed(w)
	}
}

type sendMessageRequest struct {
	Content  string                  `json:"content"`
	Images   []string                `json:"images,omitempty"`
	Analysis *domain.AnalysisPayload `json:"analysis,omitempty"`
	Stream   bool                    `json:"stream,omitempty"`
}

func (rt *Router) sendChatMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}

	reply, err := rt.chat.Send(r.Context(), req.Content, req.Images, req.Analysis)
	if err != nil {
		writeError(w, err)
		return
	}
	rt.metrics.RecordChatTurn(serviceName, reply.Fallback)
	rt.metrics.ObserveContextChars(serviceName, len(rt.chat.BuildContext(rt.cfg.ChatContextMessages, rt.cfg.ChatContextMaxChars)))

	if req.Stream {
		if err := writeSSEReply(w, reply, rt.cfg.ChatStreamChunkChars); err != nil {
			writeError(w, err)
		}
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

// renderedMessage decorates a chat message with its markdown rendering when
// the client asks for HTML.
type renderedMessage struct {
	domain.ChatMessage
	HTML string `json:"html,omitempty"`
}

func (rt *Router) listChatMessages(w http.ResponseWriter, r *http.Request) {
	grouped := r.URL.Query().Get("grouped") == "true"
	renderHTML := r.URL.Query().Get("render") == "html"

	if grouped {
		writeJSON(w, http.StatusOK, usecase.GroupByConversation(rt.chat.Messages()))
		return
	}

	messages := rt.chat.Messages()
	if !renderHTML {
		writeJSON(w, http.StatusOK, messages)
		return
	}

	rendered := make([]renderedMessage, 0, len(messages))
	for _, msg := range messages {
		item := renderedMessage{ChatMessage: msg}
		if msg.Sender == domain.SenderAssistant {
			item.HTML = markdown.ToHTML(msg.Content)
		}
		rendered = append(rendered, item)
	}
	writeJSON(w, http.StatusOK, rendered)
}

func (rt *Router) clearChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"archived": rt.chat.Clear(r.Context()),
	})
}

func (rt *Router) listArchives(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, rt.chat.Archives())
}

func (rt *Router) restoreArchive(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/v1/chat/archives/")
	id, ok := strings.CutSuffix(rest, "/restore")
	if !ok || id == "" || strings.Contains(id, "/") {
		writeError(w, domain.ErrArchiveNotFound)
		return
	}

	if err := rt.chat.Restore(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"messages": rt.chat.Messages(),
	})
}

type keepContextPayload struct {
	KeepContext bool `json:"keep_context"`
}

func (rt *Router) keepContext(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, keepContextPayload{
			KeepContext: rt.chat.KeepContext(r.Context()),
		})
	case http.MethodPut:
		var req keepContextPayload
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
			return
		}
		rt.chat.SetKeepContext(r.Context(), req.KeepContext)
		writeJSON(w, http.StatusOK, req)
	default:
		writeMethodNotAllowed(w)
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, mapErrorToHTTPStatus(err), map[string]string{"error": err.Error()})
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
