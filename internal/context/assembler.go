// Package context implements the Context Assembler: a token-budgeted
// composer that turns system instructions, facts, retrieved memories,
// and recent history into a single prompt-ready context window.
package context

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ThreeFish-AI/agentic-ai-cognizes/internal/core"
	"github.com/ThreeFish-AI/agentic-ai-cognizes/internal/memory"
	"github.com/ThreeFish-AI/agentic-ai-cognizes/internal/retrieval"
	"github.com/ThreeFish-AI/agentic-ai-cognizes/internal/session"
)

// Config governs the overall token budget and per-section apportionment.
type Config struct {
	MaxTokens        int
	SystemRatio      float64
	FactsRatio       float64
	MemoriesRatio    float64
	HistoryRatio     float64
	MaxMemories      int
	MaxHistoryEvents int
	MaxFacts         int
}

// DefaultConfig carries the documented budget and apportionment defaults.
var DefaultConfig = Config{
	MaxTokens:   8000,
	SystemRatio: 0.1, FactsRatio: 0.2, MemoriesRatio: 0.3, HistoryRatio: 0.4,
	MaxMemories: 10, MaxHistoryEvents: 30, MaxFacts: 10,
}

const (
	factsHeader    = "## 用户偏好"
	memoriesHeader = "## 相关记忆"
	historyHeader  = "## 对话历史"
)

// Item is one included unit of context (a fact, a memory, or a history
// event) with its estimated token cost.
type Item struct {
	Text   string
	Tokens int
}

// Section is one ordered block of the assembled window.
type Section struct {
	Header string // empty for the system section
	Items  []Item
}

// Window is the assembled, ready-to-render context.
type Window struct {
	Sections       []Section
	TotalTokens    int
	BudgetTokens   int
	BudgetUtilized float64 // TotalTokens / BudgetTokens
}

// Assembler builds Windows from the retrieval pipeline, fact store, and
// session event log.
type Assembler struct {
	memories memory.Store
	sessions session.Store
	pipeline *retrieval.Pipeline
	cfg      Config
}

// New builds an Assembler.
func New(memories memory.Store, sessions session.Store, pipeline *retrieval.Pipeline, cfg Config) *Assembler {
	if cfg.MaxTokens <= 0 {
		cfg = DefaultConfig
	}
	if cfg.MaxMemories <= 0 {
		cfg.MaxMemories = DefaultConfig.MaxMemories
	}
	if cfg.MaxHistoryEvents <= 0 {
		cfg.MaxHistoryEvents = DefaultConfig.MaxHistoryEvents
	}
	if cfg.MaxFacts <= 0 {
		cfg.MaxFacts = DefaultConfig.MaxFacts
	}
	return &Assembler{memories: memories, sessions: sessions, pipeline: pipeline, cfg: cfg}
}

func (a *Assembler) Descriptor() core.Descriptor {
	return core.Descriptor{Name: "context-assembler", Domain: "cognizes", Layer: core.LayerEngine}
}

// estimateTokens approximates a text's token cost as ceil(len/4)+1.
func estimateTokens(text string) int {
	return (len(text)+3)/4 + 1
}

// Assemble produces a Window for sessionID scoped to (userID, appName),
// retrieving facts, memories relevant to queryText, and recent history,
// each bounded by its own sub-budget and never exceeding the global
// MaxTokens budget.
func (a *Assembler) Assemble(ctx context.Context, sessionID, userID, appName, systemPrompt, queryText string, queryEmbedding []float32) (Window, error) {
	budget := a.cfg.MaxTokens
	win := Window{BudgetTokens: budget}

	systemBudget := int(float64(budget) * a.cfg.SystemRatio)
	systemItem := Item{Text: systemPrompt, Tokens: estimateTokens(systemPrompt)}
	if systemItem.Tokens > systemBudget && systemBudget > 0 {
		systemItem.Text = truncateToTokens(systemItem.Text, systemBudget)
		systemItem.Tokens = estimateTokens(systemItem.Text)
	}
	win.Sections = append(win.Sections, Section{Items: []Item{systemItem}})
	win.TotalTokens += systemItem.Tokens

	factsBudget := int(float64(budget) * a.cfg.FactsRatio)
	factItems, err := a.retrieveFacts(ctx, userID, appName, factsBudget)
	if err != nil {
		return Window{}, fmt.Errorf("retrieve facts: %w", err)
	}
	win.Sections = append(win.Sections, Section{Header: factsHeader, Items: factItems})
	win.TotalTokens += sumTokens(factItems)

	memoriesBudget := int(float64(budget) * a.cfg.MemoriesRatio)
	memItems, err := a.retrieveMemories(ctx, userID, appName, queryText, queryEmbedding, memoriesBudget)
	if err != nil {
		return Window{}, fmt.Errorf("retrieve memories: %w", err)
	}
	win.Sections = append(win.Sections, Section{Header: memoriesHeader, Items: memItems})
	win.TotalTokens += sumTokens(memItems)

	historyBudget := int(float64(budget) * a.cfg.HistoryRatio)
	historyItems, err := a.retrieveHistory(ctx, sessionID, historyBudget)
	if err != nil {
		return Window{}, fmt.Errorf("retrieve history: %w", err)
	}
	win.Sections = append(win.Sections, Section{Header: historyHeader, Items: historyItems})
	win.TotalTokens += sumTokens(historyItems)

	if budget > 0 {
		win.BudgetUtilized = float64(win.TotalTokens) / float64(budget)
	}
	return win, nil
}

func (a *Assembler) retrieveFacts(ctx context.Context, userID, appName string, subBudget int) ([]Item, error) {
	facts, err := a.memories.ListFacts(ctx, userID, appName)
	if err != nil {
		return nil, err
	}
	var items []Item
	spent := 0
	now := time.Now().UTC()
	for _, f := range facts {
		// An expired fact is logically absent, whatever the backing
		// store returned.
		if f.Expired(now) {
			continue
		}
		if len(items) >= a.cfg.MaxFacts {
			break
		}
		text := fmt.Sprintf("%s.%s = %s", f.FactType, f.Key, factValueText(f))
		tokens := estimateTokens(text)
		if spent+tokens > subBudget {
			break
		}
		items = append(items, Item{Text: text, Tokens: tokens})
		spent += tokens
	}
	return items, nil
}

func (a *Assembler) retrieveMemories(ctx context.Context, userID, appName, queryText string, queryEmbedding []float32, subBudget int) ([]Item, error) {
	if a.pipeline == nil || queryText == "" {
		return nil, nil
	}
	results, err := a.pipeline.Search(ctx, userID, appName, queryText, queryEmbedding)
	if err != nil {
		return nil, err
	}
	if len(results) > a.cfg.MaxMemories {
		results = results[:a.cfg.MaxMemories]
	}
	var items []Item
	spent := 0
	for _, r := range results {
		tokens := estimateTokens(r.Content)
		if spent+tokens > subBudget {
			break
		}
		items = append(items, Item{Text: r.Content, Tokens: tokens})
		spent += tokens
	}
	return items, nil
}

func (a *Assembler) retrieveHistory(ctx context.Context, sessionID string, subBudget int) ([]Item, error) {
	events, err := a.sessions.RecentEvents(ctx, sessionID, a.cfg.MaxHistoryEvents)
	if err != nil {
		return nil, err
	}
	var items []Item
	spent := 0
	// Most-recent-first greedy inclusion, then restore chronological
	// order for presentation.
	for i := len(events) - 1; i >= 0; i-- {
		ev := events[i]
		text := fmt.Sprintf("%s: %s", ev.Author, contentText(ev))
		tokens := estimateTokens(text)
		if spent+tokens > subBudget {
			break
		}
		items = append(items, Item{Text: text, Tokens: tokens})
		spent += tokens
	}
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
	return items, nil
}

// factValueText flattens a fact value object for the prompt: a single
// "value" key renders as its bare value, anything richer renders as the
// stored JSON.
func factValueText(f memory.Fact) string {
	obj, err := f.DecodeValue()
	if err != nil {
		return string(f.Value)
	}
	if len(obj) == 1 {
		if v, ok := obj["value"]; ok {
			return fmt.Sprintf("%v", v)
		}
	}
	return string(f.Value)
}

func contentText(ev session.Event) string {
	if len(ev.Content) == 0 {
		return ""
	}
	return string(ev.Content)
}

func sumTokens(items []Item) int {
	total := 0
	for _, it := range items {
		total += it.Tokens
	}
	return total
}

func truncateToTokens(text string, maxTokens int) string {
	if maxTokens <= 0 {
		return ""
	}
	maxChars := (maxTokens - 1) * 4
	if maxChars >= len(text) {
		return text
	}
	if maxChars < 0 {
		maxChars = 0
	}
	return text[:maxChars]
}

// Format renders a Window as the fixed-order, blank-line-separated text
// the LM prompt expects: system section unlabeled, then facts, then
// memories, then history, each under its Chinese header.
func Format(win Window) string {
	var parts []string
	for _, sec := range win.Sections {
		var body strings.Builder
		if sec.Header != "" {
			body.WriteString(sec.Header)
			body.WriteString("\n")
		}
		for i, item := range sec.Items {
			if i > 0 {
				body.WriteString("\n")
			}
			body.WriteString(item.Text)
		}
		text := body.String()
		if strings.TrimSpace(text) == "" {
			continue
		}
		parts = append(parts, text)
	}
	return strings.Join(parts, "\n\n")
}
