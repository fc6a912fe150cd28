package agent

import (
	"context"
	"sync"

	"github.com/lakecraft/lakeagent/pkg/models"
)

// History loads and records session messages.
type History interface {
	GetHistory(ctx context.Context, sessionID string, limit int) ([]*models.Message, error)
	Append(ctx context.Context, msg *models.Message) error
}

// MemoryHistory keeps per-session message lists in memory. The durable chat
// record lives upstream; this is the working copy a turn reads and extends.
type MemoryHistory struct {
	mu       sync.RWMutex
	sessions map[string][]*models.Message
}

func NewMemoryHistory() *MemoryHistory {
	return &MemoryHistory{sessions: make(map[string][]*models.Message)}
}

func (h *MemoryHistory) GetHistory(_ context.Context, sessionID string, limit int) ([]*models.Message, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	msgs := h.sessions[sessionID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]*models.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (h *MemoryHistory) Append(_ context.Context, msg *models.Message) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessions[msg.SessionID] = append(h.sessions[msg.SessionID], msg)
	return nil
}

// repairHistory enforces the shape the model providers require: every
// message carries content, and the conversation starts with a user message.
// Offending entries are dropped, not rewritten.
func repairHistory(msgs []*models.Message) []*models.Message {
	repaired := make([]*models.Message, 0, len(msgs))
	for _, msg := range msgs {
		if msg == nil || !msg.HasContent() {
			continue
		}
		if msg.Role == models.RoleSystem {
			continue
		}
		repaired = append(repaired, msg)
	}
	for len(repaired) > 0 && repaired[0].Role != models.RoleUser {
		repaired = repaired[1:]
	}
	return repaired
}
