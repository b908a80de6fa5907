package session

import (
	"strings"
	"sync"

	"github.com/vango-go/vai-interview/pkg/core"
)

// historyManager keeps the last exchanges of the conversation for generator context.
// limit counts exchanges (candidate line + interviewer reply); zero disables history.
type historyManager struct {
	mu       sync.Mutex
	limit    int
	messages []core.Message
}

func newHistoryManager(limit int) *historyManager {
	if limit < 0 {
		limit = 0
	}
	return &historyManager{
		limit:    limit,
		messages: make([]core.Message, 0, 2*min(limit, 16)),
	}
}

func (h *historyManager) appendCandidate(text string) {
	h.append(core.RoleCandidate, text)
}

func (h *historyManager) appendInterviewer(text string) {
	h.append(core.RoleInterviewer, text)
}

func (h *historyManager) append(role core.Role, text string) {
	text = strings.TrimSpace(text)
	if h == nil || h.limit == 0 || text == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, core.Message{Role: role, Text: text})
	if over := len(h.messages) - 2*h.limit; over > 0 {
		h.messages = append(h.messages[:0], h.messages[over:]...)
	}
}

func (h *historyManager) snapshot() []core.Message {
	if h == nil {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.messages) == 0 {
		return nil
	}
	out := make([]core.Message, len(h.messages))
	copy(out, h.messages)
	return out
}
