package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/borderdesk/borderdesk/internal/auth"
	"github.com/borderdesk/borderdesk/internal/config"
	"github.com/borderdesk/borderdesk/internal/conversation"
	"github.com/borderdesk/borderdesk/internal/decompose"
	"github.com/borderdesk/borderdesk/internal/insertblock"
	"github.com/borderdesk/borderdesk/internal/intent"
	"github.com/borderdesk/borderdesk/internal/llm"
	ometrics "github.com/borderdesk/borderdesk/internal/metrics"
	"github.com/borderdesk/borderdesk/internal/retrieval"
	"github.com/borderdesk/borderdesk/internal/tracing"
	"github.com/borderdesk/borderdesk/internal/transcript"
)

// ChatRequest is the body of both chat endpoints.
type ChatRequest struct {
	Question         string `json:"question"`
	SessionID        string `json:"session_id"`
	Thinking         bool   `json:"thinking"`
	EnableThinking   *bool  `json:"enable_thinking"`
	ModelID          string `json:"model_id"`
	RerankTopN       int    `json:"rerank_top_n"`
	UseInsertBlock   bool   `json:"use_insert_block"`
	InsertBlockLLMID string `json:"insert_block_llm_id"`
}

func (r *ChatRequest) thinkingOn() bool {
	if r.EnableThinking != nil {
		return *r.EnableThinking
	}
	return r.Thinking
}

// Handler serves the chat endpoints. All collaborators are injected; nothing
// here is process-global. Cfg is called once per request so tunables picked up
// by a config reload take effect without a restart.
type Handler struct {
	Cfg           func() *config.Settings
	Auth          *auth.Service
	Router        *intent.Router
	Multi         *retrieval.MultiKB
	Decomposer    *decompose.Decomposer
	Reranker      *retrieval.Reranker
	Rules         *retrieval.RuleInjector
	Hidden        retrieval.Retriever
	Filter        *insertblock.Filter
	Conversations *conversation.Manager
	LLM           *llm.Client
	Transcripts   *transcript.Store
	Logger        *zap.Logger
}

// KnowledgeChat handles POST /api/knowledge_chat (single-turn).
func (h *Handler) KnowledgeChat(w http.ResponseWriter, r *http.Request) {
	h.serveChat(w, r, false, "/api/knowledge_chat")
}

// KnowledgeChatConversation handles POST /api/knowledge_chat_conversation
// (multi-turn, with session history).
func (h *Handler) KnowledgeChatConversation(w http.ResponseWriter, r *http.Request) {
	h.serveChat(w, r, true, "/api/knowledge_chat_conversation")
}

func (h *Handler) serveChat(w http.ResponseWriter, r *http.Request, multiTurn bool, endpoint string) {
	start := time.Now()
	defer func() {
		ometrics.ChatRequestDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	cfg := h.Cfg()

	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		ometrics.ChatRequests.WithLabelValues(endpoint, "bad_request").Inc()
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Question) == "" {
		ometrics.ChatRequests.WithLabelValues(endpoint, "bad_request").Inc()
		http.Error(w, "question is required", http.StatusBadRequest)
		return
	}
	if req.RerankTopN <= 0 {
		req.RerankTopN = cfg.RerankTopN
	}

	identity, err := h.Auth.Validate(r.Context(), bearerToken(r))
	if err != nil {
		ometrics.ChatRequests.WithLabelValues(endpoint, "unauthorized").Inc()
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = auth.MintSessionID(identity, uuid.New().String())
	} else if err := h.Auth.CheckSessionOwnership(sessionID, identity); err != nil {
		ometrics.ChatRequests.WithLabelValues(endpoint, "forbidden").Inc()
		http.Error(w, "session does not belong to caller", http.StatusForbidden)
		return
	}

	requestID := uuid.New().String()
	ctx, cancel := context.WithTimeout(r.Context(), cfg.RequestDeadline)
	defer cancel()
	ctx, span := tracing.StartStageSpan(ctx, "chat", requestID)
	defer span.End()

	ew, err := NewEventWriter(w)
	if err != nil {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	log := h.Logger.With(
		zap.String("request_id", requestID),
		zap.String("session_id", sessionID),
		zap.String("endpoint", endpoint))

	if err := h.runPipeline(ctx, ew, &req, sessionID, identity, multiTurn, cfg, log); err != nil {
		if !errors.Is(err, context.Canceled) {
			_ = ew.Send(TagError, err.Error())
			log.Error("Chat pipeline failed", zap.Error(err))
			ometrics.ChatRequests.WithLabelValues(endpoint, "error").Inc()
		} else {
			log.Info("Client disconnected mid-stream")
			ometrics.ChatRequests.WithLabelValues(endpoint, "disconnected").Inc()
		}
	} else {
		ometrics.ChatRequests.WithLabelValues(endpoint, "ok").Inc()
	}
	_ = ew.Send(TagDone, "")
}

func (h *Handler) runPipeline(ctx context.Context, ew EventSink, req *ChatRequest, sessionID string, identity auth.Identity, multiTurn bool, cfg *config.Settings, log *zap.Logger) error {
	if err := ew.Send(TagSession, sessionID); err != nil {
		return err
	}

	// Routing.
	strategy := h.Router.Classify(ctx, req.Question)
	retriever := h.Multi.ForStrategy(strategy, req.RerankTopN)
	log.Info("Strategy selected", zap.String("strategy", string(strategy)))

	// History for decomposition context (multi-turn only).
	var history []decompose.HistoryTurn
	if multiTurn {
		if turns, err := h.Conversations.Recent(ctx, sessionID, cfg.MaxRecentTurns); err == nil {
			for _, t := range turns {
				history = append(history, decompose.HistoryTurn{
					UserQuery:         t.UserQuery,
					AssistantResponse: t.AssistantResponse,
				})
			}
		}
	}

	// Retrieval, decomposed or standard.
	var nodes []*retrieval.ScoredNode
	var meta *decompose.Metadata
	nodes, meta, err := h.Decomposer.Retrieve(ctx, req.Question, req.RerankTopN, history, retriever)
	if err != nil {
		log.Warn("Retrieval failed, continuing without context", zap.Error(err))
		_ = ew.Send(TagContent, "（检索知识库时出现问题，以下回答未参考法规资料。）")
		nodes = nil
		meta = &decompose.Metadata{}
	}
	if len(nodes) == 0 && err == nil {
		_ = ew.Send(TagContent, "（未检索到相关法规资料。）")
	}

	// Rerank.
	if len(nodes) > 0 {
		reranked, err := h.Reranker.Rerank(ctx, req.Question, nodes, req.RerankTopN)
		if err != nil {
			log.Warn("Rerank failed, continuing without context", zap.Error(err))
			_ = ew.Send(TagContent, "（资料排序服务不可用，以下回答未参考法规资料。）")
			nodes = nil
		} else {
			nodes = reranked
		}
	}

	// InsertBlock filter.
	if req.UseInsertBlock && len(nodes) > 0 {
		filtered, err := h.Filter.Run(ctx, req.Question, nodes, req.InsertBlockLLMID)
		switch {
		case err != nil:
			log.Warn("InsertBlock filter failed, using unfiltered candidates", zap.Error(err))
			_ = ew.Send(TagContent, "（资料精筛超时，已使用未筛选的资料回答。）")
		default:
			nodes = filtered
		}
	}

	knowledgeContext := h.buildKnowledgeContext(ctx, req.Question, nodes)

	// Message assembly; single-turn requests carry no history.
	historySession := ""
	if multiTurn {
		historySession = sessionID
	}
	messages := h.Conversations.BuildMessages(ctx, historySession, req.Question, knowledgeContext, meta.SynthesizedAnswer)

	// Stream the answer, splitting thinking from content. Thinking mode answers
	// conversationally; with thinking off generation is deterministic.
	temperature := llm.TempDeterministic()
	if req.thinkingOn() {
		temperature = llm.TempConversational()
	}
	dm := newDemux(req.thinkingOn(), ew.Send)
	answer, err := h.LLM.Stream(ctx, req.ModelID, messages, llm.Options{
		Temperature: temperature,
		MaxTokens:   cfg.LLMMaxTokens,
	}, func(d llm.Delta) error {
		if d.Reasoning != "" {
			if err := dm.FeedReasoning(d.Reasoning); err != nil {
				return err
			}
		}
		return dm.FeedContent(d.Content)
	})
	if err != nil {
		return fmt.Errorf("answer generation failed: %w", err)
	}
	if err := dm.Finish(); err != nil {
		return err
	}

	// Sources after the final answer bytes.
	contextDocs := make([]string, 0, len(nodes))
	for _, sn := range nodes {
		if err := ew.Send(TagSource, sourceJSON(sn)); err != nil {
			return err
		}
		if fn := sn.Node.FileName(); fn != "" {
			contextDocs = append(contextDocs, fn)
		}
	}

	// Persist the turn; failures are logged, never surfaced.
	turnID, err := h.Conversations.AddTurn(ctx, sessionID, req.Question, answer, contextDocs, "")
	if err != nil {
		log.Warn("Conversation write failed", zap.Error(err))
	} else if h.Transcripts != nil {
		if err := h.Transcripts.Save(ctx, transcript.Record{
			SessionID:   sessionID,
			TurnID:      turnID,
			UserID:      identity.UserID,
			Question:    req.Question,
			Answer:      answer,
			Strategy:    string(strategy),
			SourceFiles: contextDocs,
		}); err != nil {
			log.Warn("Transcript write failed", zap.Error(err))
		}
	}
	return nil
}

// buildKnowledgeContext renders accepted nodes as numbered blocks, with rules
// KB matches prepended and hidden KB context appended silently.
func (h *Handler) buildKnowledgeContext(ctx context.Context, query string, nodes []*retrieval.ScoredNode) string {
	var b strings.Builder

	for i, sn := range h.Rules.Inject(ctx, query) {
		fmt.Fprintf(&b, "【规则%d】%s\n\n", i+1, sn.Node.Text)
	}

	for i, sn := range nodes {
		label := sn.Node.FileName()
		if label == "" {
			label = sn.KBName
		}
		text := sn.Node.Text
		if sn.KeyPassage != "" {
			text = sn.KeyPassage
		}
		fmt.Fprintf(&b, "【资料%d】(来源: %s)\n%s\n\n", i+1, label, text)
	}

	if h.Hidden != nil {
		if extra, err := h.Hidden.Retrieve(ctx, query); err == nil {
			for i, sn := range extra {
				if i >= 3 {
					break
				}
				fmt.Fprintf(&b, "【补充】%s\n\n", sn.Node.Text)
			}
		}
	}
	return strings.TrimSpace(b.String())
}

// sourcePayload is the SOURCE event body.
type sourcePayload struct {
	ID               string   `json:"id"`
	FileName         string   `json:"fileName"`
	InitialScore     float64  `json:"initialScore"`
	RerankedScore    *float64 `json:"rerankedScore"`
	Content          string   `json:"content"`
	RetrievalSources []string `json:"retrievalSources"`
	VectorScore      float64  `json:"vectorScore"`
	BM25Score        float64  `json:"bm25Score"`
	VectorRank       *int     `json:"vectorRank,omitempty"`
	BM25Rank         *int     `json:"bm25Rank,omitempty"`
	MatchedKeywords  []string `json:"matchedKeywords,omitempty"`
	CanAnswer        *bool    `json:"canAnswer,omitempty"`
	KeyPassage       string   `json:"keyPassage,omitempty"`
	Reasoning        string   `json:"reasoning,omitempty"`
}

func sourceJSON(sn *retrieval.ScoredNode) string {
	p := sourcePayload{
		ID:               sn.Node.ID,
		FileName:         sn.Node.FileName(),
		InitialScore:     sn.InitialScore,
		RerankedScore:    sn.RerankScore,
		Content:          sn.Node.Text,
		RetrievalSources: sn.SourceTags,
		VectorScore:      sn.VectorScore,
		BM25Score:        sn.BM25Score,
		MatchedKeywords:  sn.MatchedKeywords,
		CanAnswer:        sn.CanAnswer,
		KeyPassage:       sn.KeyPassage,
		Reasoning:        sn.Reasoning,
	}
	if sn.VectorRank > 0 {
		v := sn.VectorRank
		p.VectorRank = &v
	}
	if sn.BM25Rank > 0 {
		v := sn.BM25Rank
		p.BM25Rank = &v
	}
	b, _ := json.Marshal(p)
	return string(b)
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return h
}
