package httpadapter

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/oculab/fundus-assistant/internal/core/domain"
)

type streamChunk struct {
	ID       string `json:"id"`
	Content  string `json:"content,omitempty"`
	Fallback bool   `json:"fallback,omitempty"`
}

// writeSSEReply streams the assistant reply as server-sent events, one
// rune-bounded slice of the content per event, terminated by a [DONE] marker.
func writeSSEReply(w http.ResponseWriter, msg domain.ChatMessage, chunkChars int) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return fmt.Errorf("streaming is not supported by response writer")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	for _, part := range splitByRunes(msg.Content, chunkChars) {
		payload, err := json.Marshal(streamChunk{
			ID:       msg.ID,
			Content:  part,
			Fallback: msg.Fallback,
		})
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
			return err
		}
		flusher.Flush()
	}

	if _, err := io.WriteString(w, "data: [DONE]\n\n"); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

func splitByRunes(text string, chunkChars int) []string {
	if strings.TrimSpace(text) == "" {
		return []string{""}
	}
	if chunkChars <= 0 || utf8.RuneCountInString(text) <= chunkChars {
		return []string{text}
	}

	parts := make([]string, 0, utf8.RuneCountInString(text)/chunkChars+1)
	runes := []rune(text)
	for start := 0; start < len(runes); start += chunkChars {
		end := start + chunkChars
		if end > len(runes) {
			end = len(runes)
		}
		parts = append(parts, string(runes[start:end]))
	}
	return parts
}
