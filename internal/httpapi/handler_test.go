package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/borderdesk/borderdesk/internal/auth"
	"github.com/borderdesk/borderdesk/internal/config"
	"github.com/borderdesk/borderdesk/internal/conversation"
	"github.com/borderdesk/borderdesk/internal/decompose"
	"github.com/borderdesk/borderdesk/internal/embeddings"
	"github.com/borderdesk/borderdesk/internal/insertblock"
	"github.com/borderdesk/borderdesk/internal/intent"
	"github.com/borderdesk/borderdesk/internal/kb"
	"github.com/borderdesk/borderdesk/internal/llm"
	"github.com/borderdesk/borderdesk/internal/retrieval"
	"github.com/borderdesk/borderdesk/internal/vectordb"
)

const devSecret = "test-secret"

type fixedRetriever []*retrieval.ScoredNode

func (f fixedRetriever) Retrieve(context.Context, string) ([]*retrieval.ScoredNode, error) {
	return f, nil
}

// modelServer stubs the embedding and rerank endpoints.
func modelServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/embeddings/":
			var req struct {
				Texts []string `json:"texts"`
			}
			json.NewDecoder(r.Body).Decode(&req)
			vecs := make([][]float64, len(req.Texts))
			for i := range vecs {
				vecs[i] = []float64{0.1, 0.2, 0.3}
			}
			json.NewEncoder(w).Encode(map[string]interface{}{"embeddings": vecs})
		case "/rerank/":
			var req struct {
				Passages []string `json:"passages"`
			}
			json.NewDecoder(r.Body).Decode(&req)
			scores := make([]float64, len(req.Passages))
			for i := range scores {
				scores[i] = 0.9 - float64(i)*0.1
			}
			json.NewEncoder(w).Encode(map[string]interface{}{"scores": scores})
		default:
			http.NotFound(w, r)
		}
	}))
}

// chatStreamServer answers every chat completion as an SSE stream of the given
// deltas.
func chatStreamServer(t *testing.T, deltas ...string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fl := w.(http.Flusher)
		for _, d := range deltas {
			chunk := map[string]interface{}{
				"choices": []map[string]interface{}{
					{"delta": map[string]string{"content": d}},
				},
			}
			b, _ := json.Marshal(chunk)
			fmt.Fprintf(w, "data: %s\n\n", b)
			fl.Flush()
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
		fl.Flush()
	}))
}

// quietQdrant accepts writes and returns empty reads; the conversation write
// path needs it but the single-turn assertions do not.
func quietQdrant(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/points/scroll"):
			json.NewEncoder(w).Encode(map[string]interface{}{
				"result": map[string]interface{}{"points": []interface{}{}, "next_page_offset": nil},
				"status": "ok",
			})
		case strings.HasSuffix(r.URL.Path, "/points/query"):
			json.NewEncoder(w).Encode(map[string]interface{}{
				"result": map[string]interface{}{"points": []interface{}{}},
				"status": "ok",
			})
		default:
			json.NewEncoder(w).Encode(map[string]interface{}{"status": "ok"})
		}
	}))
}

func candidateNodes() []*retrieval.ScoredNode {
	mk := func(id, text, file string, score float64) *retrieval.ScoredNode {
		return &retrieval.ScoredNode{
			Node: &kb.Node{
				ID:       id,
				Text:     text,
				Metadata: map[string]interface{}{"file_name": file},
			},
			Score:        score,
			InitialScore: score,
			SourceTags:   []string{retrieval.SourceVector},
			VectorScore:  score,
			VectorRank:   1,
			KBName:       "general",
		}
	}
	return []*retrieval.ScoredNode{
		mk("n1", "过境免签停留不超过240小时。", "visa_free.txt", 0.08),
		mk("n2", "机组人员凭勤务证件入境。", "airline.txt", 0.07),
	}
}

func newTestHandler(t *testing.T, general retrieval.Retriever, llmURL string) *Handler {
	t.Helper()
	msrv := modelServer(t)
	t.Cleanup(msrv.Close)
	qsrv := quietQdrant(t)
	t.Cleanup(qsrv.Close)

	embeddings.Initialize(embeddings.Config{BaseURL: msrv.URL}, nil)
	u, err := url.Parse(qsrv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	vdb := vectordb.Initialize(vectordb.Config{Host: u.Hostname(), Port: port}, zap.NewNop())

	client := llm.Initialize(llm.Config{
		Endpoints: map[string]llm.Endpoint{"answer": {BaseURL: llmURL, ModelName: "answer-model"}},
		DefaultID: "answer",
	}, zap.NewNop())

	cfg := &config.Settings{
		RerankTopN:      15,
		MaxRecentTurns:  5,
		LLMMaxTokens:    1024,
		RequestDeadline: 30 * time.Second,
	}
	return &Handler{
		Cfg:    func() *config.Settings { return cfg },
		Auth:   auth.NewService("", devSecret, time.Minute, zap.NewNop()),
		Router: intent.NewRouter(false, nil, "", time.Second, 10, zap.NewNop()),
		Multi:  &retrieval.MultiKB{General: general, Logger: zap.NewNop()},
		Decomposer: &decompose.Decomposer{
			Cfg:    decompose.Config{Enabled: false},
			LLM:    client,
			Logger: zap.NewNop(),
		},
		Reranker: &retrieval.Reranker{Svc: embeddings.Get(), InputTopN: 30, Threshold: 0.3, Logger: zap.NewNop()},
		Filter:   insertblock.New(client, "answer", 5, time.Second, 5*time.Second, zap.NewNop()),
		Conversations: conversation.NewManager(conversation.Config{
			MaxRecent:   5,
			MaxRelevant: 5,
		}, vdb, embeddings.Get(), zap.NewNop()),
		LLM:    client,
		Logger: zap.NewNop(),
	}
}

func signToken(t *testing.T, userID int64) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"username": "tester",
		"userid":   userID,
		"exp":      time.Now().Add(time.Hour).Unix(),
	})
	signed, err := tok.SignedString([]byte(devSecret))
	require.NoError(t, err)
	return signed
}

func parseSSE(t *testing.T, body string) []event {
	t.Helper()
	var out []event
	for _, line := range strings.Split(body, "\n") {
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		tag, payload, found := strings.Cut(strings.TrimPrefix(line, "data: "), ":")
		require.True(t, found, "unframed event line: %q", line)
		out = append(out, event{tag, payload})
	}
	return out
}

func postChat(t *testing.T, h *Handler, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/knowledge_chat", strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.KnowledgeChat(rec, req)
	return rec
}

func TestKnowledgeChatStream(t *testing.T) {
	lsrv := chatStreamServer(t, "根据规定，", "停留不超过240小时。")
	defer lsrv.Close()
	h := newTestHandler(t, fixedRetriever(candidateNodes()), lsrv.URL)

	rec := postChat(t, h, `{"question": "过境免签可以停留多久？"}`, signToken(t, 42))
	require.Equal(t, http.StatusOK, rec.Code)
	events := parseSSE(t, rec.Body.String())
	require.NotEmpty(t, events)

	// Session id comes first and carries the caller's user prefix.
	assert.Equal(t, TagSession, events[0].tag)
	assert.True(t, strings.HasPrefix(events[0].payload, "42_"))

	// The stream ends with exactly one DONE.
	assert.Equal(t, TagDone, events[len(events)-1].tag)
	done := 0
	for _, e := range events {
		if e.tag == TagDone {
			done++
		}
	}
	assert.Equal(t, 1, done)

	var content strings.Builder
	sources := 0
	for _, e := range events {
		switch e.tag {
		case TagContent:
			content.WriteString(e.payload)
		case TagSource:
			sources++
			var sp sourcePayload
			require.NoError(t, json.Unmarshal([]byte(e.payload), &sp))
			assert.NotEmpty(t, sp.ID)
			assert.NotEmpty(t, sp.FileName)
			assert.NotNil(t, sp.RerankedScore)
		}
	}
	assert.Equal(t, "根据规定，停留不超过240小时。", content.String())
	assert.Equal(t, 2, sources)
}

func TestKnowledgeChatEmptyRetrieval(t *testing.T) {
	lsrv := chatStreamServer(t, "无资料回答。")
	defer lsrv.Close()
	h := newTestHandler(t, fixedRetriever(nil), lsrv.URL)

	rec := postChat(t, h, `{"question": "问题"}`, signToken(t, 42))
	events := parseSSE(t, rec.Body.String())

	var content strings.Builder
	for _, e := range events {
		if e.tag == TagContent {
			content.WriteString(e.payload)
		}
	}
	assert.Contains(t, content.String(), "未检索到相关法规资料")
	assert.Equal(t, TagDone, events[len(events)-1].tag)
}

func TestKnowledgeChatMethodNotAllowed(t *testing.T) {
	h := newTestHandler(t, fixedRetriever(nil), "http://unused.invalid")
	req := httptest.NewRequest(http.MethodGet, "/api/knowledge_chat", nil)
	rec := httptest.NewRecorder()
	h.KnowledgeChat(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestKnowledgeChatBadRequest(t *testing.T) {
	h := newTestHandler(t, fixedRetriever(nil), "http://unused.invalid")
	assert.Equal(t, http.StatusBadRequest, postChat(t, h, "{not json", signToken(t, 42)).Code)
	assert.Equal(t, http.StatusBadRequest, postChat(t, h, `{"question": "  "}`, signToken(t, 42)).Code)
}

func TestKnowledgeChatUnauthorized(t *testing.T) {
	h := newTestHandler(t, fixedRetriever(nil), "http://unused.invalid")
	assert.Equal(t, http.StatusUnauthorized, postChat(t, h, `{"question": "q"}`, "").Code)
	assert.Equal(t, http.StatusUnauthorized, postChat(t, h, `{"question": "q"}`, "garbage").Code)
}

func TestKnowledgeChatForeignSessionForbidden(t *testing.T) {
	h := newTestHandler(t, fixedRetriever(nil), "http://unused.invalid")
	body := `{"question": "q", "session_id": "7_someone-elses-session"}`
	rec := postChat(t, h, body, signToken(t, 42))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestKnowledgeChatLegacySessionAllowed(t *testing.T) {
	lsrv := chatStreamServer(t, "回答")
	defer lsrv.Close()
	h := newTestHandler(t, fixedRetriever(nil), lsrv.URL)

	body := `{"question": "q", "session_id": "legacy-session"}`
	rec := postChat(t, h, body, signToken(t, 42))
	require.Equal(t, http.StatusOK, rec.Code)
	events := parseSSE(t, rec.Body.String())
	require.NotEmpty(t, events)
	assert.Equal(t, TagSession, events[0].tag)
	assert.Equal(t, "legacy-session", events[0].payload)
}

func TestSettingsReadPerRequest(t *testing.T) {
	lsrv := chatStreamServer(t, "回答")
	defer lsrv.Close()
	h := newTestHandler(t, fixedRetriever(candidateNodes()), lsrv.URL)

	live := &config.Settings{
		RerankTopN:      15,
		MaxRecentTurns:  5,
		LLMMaxTokens:    1024,
		RequestDeadline: 30 * time.Second,
	}
	h.Cfg = func() *config.Settings { return live }

	countSources := func(rec *httptest.ResponseRecorder) int {
		n := 0
		for _, e := range parseSSE(t, rec.Body.String()) {
			if e.tag == TagSource {
				n++
			}
		}
		return n
	}

	rec := postChat(t, h, `{"question": "问题"}`, signToken(t, 42))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, countSources(rec))

	// A reloaded rerank_top_n must take effect on the next request.
	next := *live
	next.RerankTopN = 1
	live = &next

	rec = postChat(t, h, `{"question": "问题"}`, signToken(t, 42))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, countSources(rec))
}

func TestAnswerTemperatureFollowsThinking(t *testing.T) {
	var lastTemp atomic.Value
	lsrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Temperature *float64 `json:"temperature"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.NotNil(t, req.Temperature)
		lastTemp.Store(*req.Temperature)

		fl := w.(http.Flusher)
		chunk := map[string]interface{}{
			"choices": []map[string]interface{}{{"delta": map[string]string{"content": "回答"}}},
		}
		b, _ := json.Marshal(chunk)
		fmt.Fprintf(w, "data: %s\n\n", b)
		fmt.Fprint(w, "data: [DONE]\n\n")
		fl.Flush()
	}))
	defer lsrv.Close()
	h := newTestHandler(t, fixedRetriever(candidateNodes()), lsrv.URL)

	rec := postChat(t, h, `{"question": "问题", "thinking": true}`, signToken(t, 42))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0.5, lastTemp.Load())

	rec = postChat(t, h, `{"question": "问题"}`, signToken(t, 42))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0.0, lastTemp.Load())
}

func TestSourceJSONShape(t *testing.T) {
	rs := 0.83
	can := true
	sn := candidateNodes()[0]
	sn.RerankScore = &rs
	sn.CanAnswer = &can
	sn.KeyPassage = "停留不超过240小时"
	sn.BM25Rank = 2
	sn.BM25Score = 12.5
	sn.MatchedKeywords = []string{"免签"}

	var sp sourcePayload
	require.NoError(t, json.Unmarshal([]byte(sourceJSON(sn)), &sp))
	assert.Equal(t, "n1", sp.ID)
	assert.Equal(t, "visa_free.txt", sp.FileName)
	assert.Equal(t, 0.83, *sp.RerankedScore)
	assert.Equal(t, 2, *sp.BM25Rank)
	assert.Equal(t, 1, *sp.VectorRank)
	assert.True(t, *sp.CanAnswer)
	assert.Equal(t, []string{"免签"}, sp.MatchedKeywords)
}
