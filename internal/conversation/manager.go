package conversation

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/borderdesk/borderdesk/internal/embeddings"
	"github.com/borderdesk/borderdesk/internal/llm"
	ometrics "github.com/borderdesk/borderdesk/internal/metrics"
	"github.com/borderdesk/borderdesk/internal/vectordb"
)

// Turn is one persisted user/assistant exchange.
type Turn struct {
	TurnID            string
	ParentTurnID      string // "" for the first turn of a session
	SessionID         string
	UserQuery         string
	AssistantResponse string
	Timestamp         time.Time
	ContextDocs       []string
	TokenCount        int
}

// ApproxTokens estimates token count as runes/2. An approximation, explicitly.
func ApproxTokens(s string) int {
	return len([]rune(s)) / 2
}

// Config tunes the conversation manager.
type Config struct {
	Collection     string
	ExpireDays     int
	MaxRecent      int
	MaxRelevant    int
	RecentCacheTTL time.Duration
	ScrollCap      int
}

// Manager persists turns in a vector store collection and assembles chat
// message lists from them. Writes are best-effort: a failed write never fails
// the user response.
type Manager struct {
	cfg      Config
	vdb      *vectordb.Client
	embedder *embeddings.Service
	logger   *zap.Logger

	mu     sync.Mutex
	recent map[string]recentEntry
}

type recentEntry struct {
	turns     []Turn
	fetchedAt time.Time
}

func NewManager(cfg Config, vdb *vectordb.Client, embedder *embeddings.Service, logger *zap.Logger) *Manager {
	if cfg.Collection == "" {
		cfg.Collection = "conversations"
	}
	if cfg.RecentCacheTTL <= 0 {
		cfg.RecentCacheTTL = 5 * time.Minute
	}
	if cfg.ScrollCap <= 0 {
		cfg.ScrollCap = 100
	}
	return &Manager{
		cfg:      cfg,
		vdb:      vdb,
		embedder: embedder,
		logger:   logger,
		recent:   make(map[string]recentEntry),
	}
}

// AddTurn persists a new turn. The parent is the most recent turn of the
// session unless parentID overrides it; an explicit parent must belong to the
// same session. The turn UUID doubles as the point id, making retries
// idempotent.
func (m *Manager) AddTurn(ctx context.Context, sessionID, userQuery, assistantResponse string, contextDocs []string, parentID string) (string, error) {
	prior, err := m.Recent(ctx, sessionID, m.cfg.ScrollCap)
	if err != nil {
		m.logger.Warn("Reading prior turns failed, writing without parent",
			zap.String("session_id", sessionID), zap.Error(err))
		prior = nil
	}

	if parentID != "" {
		found := false
		for _, t := range prior {
			if t.TurnID == parentID {
				found = true
				break
			}
		}
		if !found {
			return "", fmt.Errorf("conversation: parent turn %s not in session %s", parentID, sessionID)
		}
	} else if len(prior) > 0 {
		parentID = prior[len(prior)-1].TurnID
	}

	turnID := uuid.New().String()
	now := time.Now().UTC()

	vec, err := m.embedder.Embed(ctx, "user: "+userQuery+"\nassistant: "+assistantResponse)
	if err != nil {
		ometrics.ConversationWriteFailures.Inc()
		return "", fmt.Errorf("conversation: embed turn: %w", err)
	}

	payload := map[string]interface{}{
		"session_id":         sessionID,
		"user_query":         userQuery,
		"assistant_response": assistantResponse,
		"timestamp":          now.Format(time.RFC3339),
		"timestamp_unix":     float64(now.Unix()),
		"context_docs":       contextDocs,
		"token_count":        ApproxTokens(userQuery + assistantResponse),
		"turn_id":            turnID,
		"parent_turn_id":     parentID,
	}
	if _, err := m.vdb.Upsert(ctx, m.cfg.Collection, []vectordb.UpsertItem{{
		ID:      turnID,
		Vector:  vec,
		Payload: payload,
	}}); err != nil {
		ometrics.ConversationWriteFailures.Inc()
		return "", fmt.Errorf("conversation: upsert turn: %w", err)
	}
	ometrics.ConversationTurnsWritten.Inc()

	m.mu.Lock()
	delete(m.recent, sessionID)
	m.mu.Unlock()

	return turnID, nil
}

// Recent returns the last n turns of a session in chronological order. A
// short-lived per-session cache absorbs repeated reads within a request burst.
func (m *Manager) Recent(ctx context.Context, sessionID string, n int) ([]Turn, error) {
	m.mu.Lock()
	if e, ok := m.recent[sessionID]; ok && time.Since(e.fetchedAt) < m.cfg.RecentCacheTTL {
		m.mu.Unlock()
		ometrics.RecentCacheHits.Inc()
		return tail(e.turns, n), nil
	}
	m.mu.Unlock()
	ometrics.RecentCacheMisses.Inc()

	// ScrollCap is a hard ceiling so a very long session cannot pull its
	// entire history on every read.
	filter := vectordb.MustMatch(map[string]interface{}{"session_id": sessionID})
	points, err := m.vdb.Scroll(ctx, m.cfg.Collection, filter, m.cfg.ScrollCap)
	if err != nil {
		return nil, fmt.Errorf("conversation: scroll session: %w", err)
	}
	turns := make([]Turn, 0, len(points))
	for _, p := range points {
		turns = append(turns, turnFromPayload(p.Payload))
	}
	sort.Slice(turns, func(a, b int) bool {
		return turns[a].Timestamp.Before(turns[b].Timestamp)
	})

	m.mu.Lock()
	m.recent[sessionID] = recentEntry{turns: turns, fetchedAt: time.Now()}
	m.mu.Unlock()

	return tail(turns, n), nil
}

// Relevant returns up to k turns of the session most similar to the query.
func (m *Manager) Relevant(ctx context.Context, sessionID, query string, k int) ([]Turn, error) {
	vec, err := m.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("conversation: embed query: %w", err)
	}
	filter := vectordb.MustMatch(map[string]interface{}{"session_id": sessionID})
	points, err := m.vdb.Search(ctx, m.cfg.Collection, vec, k, 0, filter)
	if err != nil {
		return nil, fmt.Errorf("conversation: search session: %w", err)
	}
	turns := make([]Turn, 0, len(points))
	for _, p := range points {
		turns = append(turns, turnFromPayload(p.Payload))
	}
	return turns, nil
}

// GC deletes every turn older than expiryDays and flushes the recent cache.
func (m *Manager) GC(ctx context.Context, expiryDays int) (int, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -expiryDays)
	filter := vectordb.Filter{}.RangeLT("timestamp_unix", float64(cutoff.Unix()))

	// Count first so the caller can log it; deletion itself is by filter.
	points, err := m.vdb.Scroll(ctx, m.cfg.Collection, filter, 0)
	if err != nil {
		return 0, fmt.Errorf("conversation: gc scroll: %w", err)
	}
	if len(points) == 0 {
		return 0, nil
	}
	if err := m.vdb.DeleteByFilter(ctx, m.cfg.Collection, filter); err != nil {
		return 0, fmt.Errorf("conversation: gc delete: %w", err)
	}
	ometrics.ConversationTurnsExpired.Add(float64(len(points)))

	m.mu.Lock()
	m.recent = make(map[string]recentEntry)
	m.mu.Unlock()

	return len(points), nil
}

func tail(turns []Turn, n int) []Turn {
	if n > 0 && len(turns) > n {
		return turns[len(turns)-n:]
	}
	return turns
}

func turnFromPayload(p map[string]interface{}) Turn {
	t := Turn{
		TurnID:            str(p["turn_id"]),
		ParentTurnID:      str(p["parent_turn_id"]),
		SessionID:         str(p["session_id"]),
		UserQuery:         str(p["user_query"]),
		AssistantResponse: str(p["assistant_response"]),
	}
	if ts, err := time.Parse(time.RFC3339, str(p["timestamp"])); err == nil {
		t.Timestamp = ts
	}
	if docs, ok := p["context_docs"].([]interface{}); ok {
		for _, d := range docs {
			if s, ok := d.(string); ok {
				t.ContextDocs = append(t.ContextDocs, s)
			}
		}
	}
	if tc, ok := p["token_count"].(float64); ok {
		t.TokenCount = int(tc)
	}
	return t
}

func str(v interface{}) string {
	s, _ := v.(string)
	return s
}

// System prompts used by the message assembler.
const (
	sysWithContext = "你是边检出入境政策咨询助手。请依据提供的法规资料，准确、简洁地回答用户问题；资料未覆盖的内容请明确说明。"
	sysNoContext   = "你是边检出入境政策咨询助手。当前没有检索到相关法规资料，请基于通用常识谨慎回答，并提醒用户以官方规定为准。"
	sysRelevant    = "以下是本会话中与当前问题相关的历史对话："
	sysRecent      = "以下是本会话最近的对话："
	sysKnowledge   = "以下是检索到的法规资料："
	sysSynthesis   = "以下是对该问题各子问题的综合解答，可作为回答参考："
)

// BuildMessages assembles the chat messages in the fixed order: system prompt,
// relevant history, recent history, knowledge context, synthesized sub-answers,
// current user message. Relevant turns whose query also appears in recent are
// dropped so the later occurrence wins.
func (m *Manager) BuildMessages(ctx context.Context, sessionID, query, knowledgeContext, synthesizedAnswer string) []llm.Message {
	var msgs []llm.Message
	if strings.TrimSpace(knowledgeContext) != "" {
		msgs = append(msgs, llm.Message{Role: "system", Content: sysWithContext})
	} else {
		msgs = append(msgs, llm.Message{Role: "system", Content: sysNoContext})
	}

	var recent, relevant []Turn
	if sessionID != "" {
		var err error
		recent, err = m.Recent(ctx, sessionID, m.cfg.MaxRecent)
		if err != nil {
			m.logger.Warn("Recent history unavailable", zap.String("session_id", sessionID), zap.Error(err))
		}
		relevant, err = m.Relevant(ctx, sessionID, query, m.cfg.MaxRelevant)
		if err != nil {
			m.logger.Warn("Relevant history unavailable", zap.String("session_id", sessionID), zap.Error(err))
		}
	}

	recentQueries := make(map[string]struct{}, len(recent))
	for _, t := range recent {
		recentQueries[t.UserQuery] = struct{}{}
	}
	var dedupedRelevant []Turn
	for _, t := range relevant {
		if _, dup := recentQueries[t.UserQuery]; dup {
			continue
		}
		dedupedRelevant = append(dedupedRelevant, t)
	}

	if len(dedupedRelevant) > 0 {
		msgs = append(msgs, llm.Message{Role: "system", Content: sysRelevant})
		for _, t := range dedupedRelevant {
			msgs = append(msgs,
				llm.Message{Role: "user", Content: t.UserQuery},
				llm.Message{Role: "assistant", Content: t.AssistantResponse})
		}
	}
	if len(recent) > 0 {
		msgs = append(msgs, llm.Message{Role: "system", Content: sysRecent})
		for _, t := range recent {
			msgs = append(msgs,
				llm.Message{Role: "user", Content: t.UserQuery},
				llm.Message{Role: "assistant", Content: t.AssistantResponse})
		}
	}
	if strings.TrimSpace(knowledgeContext) != "" {
		msgs = append(msgs, llm.Message{Role: "system", Content: sysKnowledge + "\n" + knowledgeContext})
	}
	if strings.TrimSpace(synthesizedAnswer) != "" {
		msgs = append(msgs, llm.Message{Role: "system", Content: sysSynthesis + "\n" + synthesizedAnswer})
	}
	msgs = append(msgs, llm.Message{Role: "user", Content: query})
	return msgs
}
