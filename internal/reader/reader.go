// Package reader orchestrates the read path: route the message by
// search_switch, classify intent, decompose into sub-queries, retrieve, and
// summarize the evidence into one answer.
package reader

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"memsci/internal/graph"
	"memsci/internal/llm"
	"memsci/internal/logging"
	"memsci/internal/relational"
	"memsci/internal/retrieval"
	"memsci/internal/types"
)

// SearchSwitch selects the read-path branch.
type SearchSwitch string

const (
	// SwitchClassify routes through intent classification first.
	SwitchClassify SearchSwitch = "0"
	// SwitchRetrieve skips classification and always retrieves.
	SwitchRetrieve SearchSwitch = "1"
	// SwitchDirect answers from context only; no retrieval, no short-term
	// memory write.
	SwitchDirect SearchSwitch = "2"
)

// Intent is the classified purpose of a message.
type Intent string

const (
	IntentRead     Intent = "read"
	IntentWrite    Intent = "write"
	IntentChitChat Intent = "chit-chat"
)

// Request is one read-path invocation.
type Request struct {
	EndUserID    string          `json:"end_user_id"`
	Message      string          `json:"message"`
	History      []types.Message `json:"history,omitempty"`
	SearchSwitch SearchSwitch    `json:"search_switch,omitempty"`
	Limit        int             `json:"limit,omitempty"`
	Config       types.MemoryConfig
}

// Result is the read-path outcome.
type Result struct {
	Answer       string   `json:"answer"`
	Intent       Intent   `json:"intent,omitempty"`
	SubQueries   []string `json:"sub_queries,omitempty"`
	Insufficient bool     `json:"insufficient"`
	Retrieved    int      `json:"retrieved"`
}

// shortTermStore is the slice of the relational store the reader writes
// conversation continuity rows through.
type shortTermStore interface {
	InsertShortTerm(ctx context.Context, m relational.ShortTermMemory) error
	RecentShortTerm(ctx context.Context, endUserID string, limit int) ([]relational.ShortTermMemory, error)
}

// memoryRetriever is the retrieval capability the reader consumes.
type memoryRetriever interface {
	Search(ctx context.Context, req retrieval.SearchRequest) (*retrieval.SearchResponse, error)
	Temporal(ctx context.Context, endUserID string, from, to time.Time, limit int) ([]graph.NodeHit, error)
}

// Reader runs the read path.
type Reader struct {
	retriever memoryRetriever
	client    llm.Client
	model     string
	shortTerm shortTermStore
}

// New creates a Reader. shortTerm may be nil; continuity rows are then
// skipped.
func New(retriever memoryRetriever, client llm.Client, model string, shortTerm shortTermStore) *Reader {
	return &Reader{retriever: retriever, client: client, model: model, shortTerm: shortTerm}
}

// Answer handles one message per the search_switch contract.
func (r *Reader) Answer(ctx context.Context, req Request) (*Result, error) {
	timer := logging.StartTimer(logging.CategoryReader, "Answer")
	defer timer.Stop()

	if strings.TrimSpace(req.Message) == "" {
		return nil, types.Kindf(types.ErrInvalidInput, "message is required")
	}
	sw := req.SearchSwitch
	if sw == "" {
		sw = SwitchClassify
	}

	switch sw {
	case SwitchDirect:
		answer, err := r.answerDirect(ctx, req)
		if err != nil {
			return nil, err
		}
		return &Result{Answer: answer}, nil

	case SwitchRetrieve:
		return r.retrieveAndSummarize(ctx, req, "")

	case SwitchClassify:
		intent, err := r.classify(ctx, req.Message)
		if err != nil {
			return nil, err
		}
		logging.Reader("Classified message: user=%s intent=%s", req.EndUserID, intent)
		if intent != IntentRead {
			answer, err := r.answerDirect(ctx, req)
			if err != nil {
				return nil, err
			}
			result := &Result{Answer: answer, Intent: intent}
			r.persistShortTerm(ctx, req, result, nil)
			return result, nil
		}
		return r.retrieveAndSummarize(ctx, req, intent)

	default:
		return nil, types.Kindf(types.ErrInvalidInput, "unknown search_switch %q", sw)
	}
}

// answerDirect calls the LLM with history and the message, no retrieval.
// When the caller sends no history, recent short-term exchanges stand in so
// follow-up messages keep their context.
func (r *Reader) answerDirect(ctx context.Context, req Request) (string, error) {
	messages := []llm.ChatMessage{{Role: "system", Content: directSystemPrompt}}
	history := req.History
	if len(history) == 0 {
		history = r.recentHistory(ctx, req.EndUserID)
	}
	for _, m := range history {
		messages = append(messages, llm.ChatMessage{Role: m.Role, Content: m.Content})
	}
	messages = append(messages, llm.ChatMessage{Role: "user", Content: req.Message})

	result, err := r.client.Chat(ctx, r.model, messages, llm.ChatOptions{})
	if err != nil {
		return "", err
	}
	return result.Text, nil
}

// recentHistory rebuilds conversation context from the short-term store,
// oldest exchange first. Failures degrade to no history.
func (r *Reader) recentHistory(ctx context.Context, endUserID string) []types.Message {
	if r.shortTerm == nil {
		return nil
	}
	rows, err := r.shortTerm.RecentShortTerm(ctx, endUserID, 5)
	if err != nil {
		logging.Get(logging.CategoryReader).Warn("Short-term memory read failed: %v", err)
		return nil
	}
	// Rows arrive newest first.
	var history []types.Message
	for i := len(rows) - 1; i >= 0; i-- {
		history = append(history,
			types.Message{Role: "user", Content: rows[i].Message},
			types.Message{Role: "assistant", Content: rows[i].Answer},
		)
	}
	return history
}

// classify routes the message into read, write, or chit-chat.
func (r *Reader) classify(ctx context.Context, message string) (Intent, error) {
	result, err := r.client.Chat(ctx, r.model, []llm.ChatMessage{
		{Role: "system", Content: classifySystemPrompt},
		{Role: "user", Content: message},
	}, llm.ChatOptions{Schema: classifySchema})
	if err != nil {
		return "", err
	}
	var out struct {
		Intent string `json:"intent"`
	}
	if err := json.Unmarshal(result.Structured, &out); err != nil {
		return "", types.Kindf(types.ErrLLMParseError, "decoding classification: %w", err)
	}
	switch Intent(out.Intent) {
	case IntentRead, IntentWrite, IntentChitChat:
		return Intent(out.Intent), nil
	}
	return "", types.Kindf(types.ErrLLMParseError, "unknown intent %q", out.Intent)
}

type decomposition struct {
	SubQueries []string `json:"sub_queries"`
	TimeRange  *struct {
		From string `json:"from"`
		To   string `json:"to"`
	} `json:"time_range,omitempty"`
}

// decompose splits the message into sub-queries. On any failure the message
// itself is the single sub-query.
func (r *Reader) decompose(ctx context.Context, message string) decomposition {
	result, err := r.client.Chat(ctx, r.model, []llm.ChatMessage{
		{Role: "system", Content: decomposeSystemPrompt},
		{Role: "user", Content: message},
	}, llm.ChatOptions{Schema: decomposeSchema})
	if err != nil {
		logging.Get(logging.CategoryReader).Warn("Decomposition failed, using raw message: %v", err)
		return decomposition{SubQueries: []string{message}}
	}
	var out decomposition
	if err := json.Unmarshal(result.Structured, &out); err != nil || len(out.SubQueries) == 0 {
		return decomposition{SubQueries: []string{message}}
	}
	if len(out.SubQueries) > 3 {
		out.SubQueries = out.SubQueries[:3]
	}
	return out
}

// evidence is one sub-query's retrieved support.
type evidence struct {
	SubQuery   string   `json:"sub_query"`
	Statements []string `json:"statements"`
	Summaries  []string `json:"summaries"`
}

// retrieveAndSummarize runs sub-query retrieval and the retrieve-summary
// prompt.
func (r *Reader) retrieveAndSummarize(ctx context.Context, req Request, intent Intent) (*Result, error) {
	dec := r.decompose(ctx, req.Message)

	var all []evidence
	retrieved := 0
	for _, sub := range dec.SubQueries {
		resp, err := r.retriever.Search(ctx, retrieval.SearchRequest{
			EndUserID:       req.EndUserID,
			Query:           sub,
			Limit:           req.Limit,
			ApplyForgetting: req.Config.UseForgettingRerank,
		})
		if err != nil {
			return nil, err
		}
		ev := evidence{SubQuery: sub}
		for _, item := range resp.Results[types.CategoryStatement] {
			ev.Statements = append(ev.Statements, item.Node.Content)
		}
		for _, item := range resp.Results[types.CategorySummary] {
			ev.Summaries = append(ev.Summaries, item.Node.Content)
		}
		retrieved += len(ev.Statements) + len(ev.Summaries)
		all = append(all, ev)
	}

	if dec.TimeRange != nil {
		r.addTemporalEvidence(ctx, req, dec, &all, &retrieved)
	}

	answer, err := r.summarize(ctx, req.Message, all)
	if err != nil {
		return nil, err
	}

	result := &Result{
		Answer:       answer,
		Intent:       intent,
		SubQueries:   dec.SubQueries,
		Insufficient: answer == InsufficientEvidence,
		Retrieved:    retrieved,
	}
	r.persistShortTerm(ctx, req, result, all)
	return result, nil
}

// addTemporalEvidence enriches the evidence with statements valid in the
// question's time range. Errors degrade to the non-temporal evidence.
func (r *Reader) addTemporalEvidence(ctx context.Context, req Request, dec decomposition, all *[]evidence, retrieved *int) {
	from, errF := time.Parse(time.RFC3339, dec.TimeRange.From)
	to, errT := time.Parse(time.RFC3339, dec.TimeRange.To)
	if errF != nil || errT != nil {
		return
	}
	hits, err := r.retriever.Temporal(ctx, req.EndUserID, from, to, req.Limit)
	if err != nil {
		logging.Get(logging.CategoryReader).Warn("Temporal search failed: %v", err)
		return
	}
	if len(hits) == 0 {
		return
	}
	ev := evidence{SubQuery: fmt.Sprintf("between %s and %s", dec.TimeRange.From, dec.TimeRange.To)}
	for _, h := range hits {
		ev.Statements = append(ev.Statements, h.Content)
	}
	*retrieved += len(ev.Statements)
	*all = append(*all, ev)
}

// summarize feeds the evidence to the retrieve-summary prompt.
func (r *Reader) summarize(ctx context.Context, message string, all []evidence) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\n\n", message)
	for _, ev := range all {
		fmt.Fprintf(&b, "Sub-query: %s\n", ev.SubQuery)
		for _, s := range ev.Statements {
			fmt.Fprintf(&b, "- statement: %s\n", s)
		}
		for _, s := range ev.Summaries {
			fmt.Fprintf(&b, "- summary: %s\n", s)
		}
		b.WriteString("\n")
	}

	result, err := r.client.Chat(ctx, r.model, []llm.ChatMessage{
		{Role: "system", Content: summarizeSystemPrompt},
		{Role: "user", Content: b.String()},
	}, llm.ChatOptions{})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(result.Text), nil
}

// persistShortTerm writes the continuity row. Skipped for the direct branch
// and for insufficient-evidence answers; failures are logged, not returned.
func (r *Reader) persistShortTerm(ctx context.Context, req Request, result *Result, all []evidence) {
	if r.shortTerm == nil || req.SearchSwitch == SwitchDirect || result.Insufficient {
		return
	}
	content, err := json.Marshal(all)
	if err != nil {
		content = json.RawMessage("[]")
	}
	row := relational.ShortTermMemory{
		EndUserID:        req.EndUserID,
		Message:          req.Message,
		Answer:           result.Answer,
		RetrievedContent: content,
	}
	if err := r.shortTerm.InsertShortTerm(ctx, row); err != nil {
		logging.Get(logging.CategoryReader).Error("Short-term memory write failed: %v", err)
	}
}
