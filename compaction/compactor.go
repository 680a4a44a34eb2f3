package compaction

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/youssefsiam38/hivepg/llm"
	"github.com/youssefsiam38/hivepg/storage"
)

// Store is the slice of the storage layer the compactor needs.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
	GetThreadMessages(ctx context.Context, threadID int64) ([]*storage.Message, error)
	ReplaceMessageContent(ctx context.Context, messageID int64, content string, metadata map[string]any) error
	DeleteMessages(ctx context.Context, messageIDs []int64) error
}

// Config controls when and how aggressively the compactor acts.
type Config struct {
	// TriggerTokens is the estimated thread size that triggers compaction.
	// Default: 150000.
	TriggerTokens int

	// PreserveRecent is the number of most recent messages never pruned or
	// summarized. Default: 20.
	PreserveRecent int

	// PruneThresholdChars is the tool-reply size above which old tool
	// outputs are pruned. Default: 2000.
	PruneThresholdChars int

	// SummaryModel is the model used for prefix summarization (required for
	// the summarize phase).
	SummaryModel string

	// SummaryMaxTokens caps the summary generation. Default: 2048.
	SummaryMaxTokens int64
}

func (c Config) withDefaults() Config {
	if c.TriggerTokens <= 0 {
		c.TriggerTokens = 150000
	}
	if c.PreserveRecent <= 0 {
		c.PreserveRecent = 20
	}
	if c.PruneThresholdChars <= 0 {
		c.PruneThresholdChars = 2000
	}
	if c.SummaryMaxTokens <= 0 {
		c.SummaryMaxTokens = 2048
	}
	return c
}

// Result reports what one compaction pass did.
type Result struct {
	Compacted          bool
	PrunedToolOutputs  int
	SummarizedMessages int
	TokensBefore       int
	TokensAfter        int
}

// summaryPrefix heads the collapsed-prefix message so later passes and
// renderers can recognize it.
const summaryPrefix = "[CONVERSATION SUMMARY]\n"

// prunedNote replaces the truncated body of a pruned tool output.
const prunedNote = "\n\n[Earlier tool output pruned to reclaim context.]"

const summarySystemPrompt = `You condense agent conversation history. Summarize the transcript into a compact brief that preserves: the user's goals, decisions made, worker tasks delegated and their outcomes, important tool results, and any unresolved items. Write plain prose, no preamble.`

// transcriptCapChars bounds the transcript handed to the summary model.
const transcriptCapChars = 60000

// Compactor applies the hybrid prune/summarize strategy to one thread at a
// time. It is stateless between calls.
type Compactor struct {
	store   Store
	adapter llm.Adapter
	config  Config
	logger  *slog.Logger
}

// NewCompactor creates a compactor. The adapter may be nil, which disables
// the summarize phase (pruning still runs).
func NewCompactor(store Store, adapter llm.Adapter, cfg Config, logger *slog.Logger) *Compactor {
	return &Compactor{
		store:   store,
		adapter: adapter,
		config:  cfg.withDefaults(),
		logger:  logger,
	}
}

// CompactIfNeeded compacts the thread when its estimated token count exceeds
// the trigger. A nil-error result with Compacted=false means nothing needed
// doing.
func (c *Compactor) CompactIfNeeded(ctx context.Context, threadID int64) (*Result, error) {
	msgs, err := c.store.GetThreadMessages(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to load thread for compaction: %w", err)
	}

	res := &Result{TokensBefore: EstimateThreadTokens(msgs)}
	res.TokensAfter = res.TokensBefore
	if res.TokensBefore < c.config.TriggerTokens {
		return res, nil
	}

	c.log().Info("hivepg: compacting supervisor thread",
		"thread_id", threadID,
		"estimated_tokens", res.TokensBefore,
		"messages", len(msgs))

	pruned, err := c.pruneToolOutputs(ctx, msgs)
	if err != nil {
		return nil, err
	}
	res.PrunedToolOutputs = pruned
	res.Compacted = pruned > 0

	msgs, err = c.store.GetThreadMessages(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to reload thread after pruning: %w", err)
	}
	res.TokensAfter = EstimateThreadTokens(msgs)
	if res.TokensAfter < c.config.TriggerTokens {
		return res, nil
	}

	summarized, err := c.summarizePrefix(ctx, msgs)
	if err != nil {
		// Pruning already landed; a summarization failure degrades to a
		// partial pass rather than failing the supervisor turn.
		c.log().Warn("hivepg: prefix summarization failed",
			"thread_id", threadID,
			"error", err)
		return res, nil
	}
	if summarized > 0 {
		res.SummarizedMessages = summarized
		res.Compacted = true
		msgs, err = c.store.GetThreadMessages(ctx, threadID)
		if err != nil {
			return nil, fmt.Errorf("failed to reload thread after summarization: %w", err)
		}
		res.TokensAfter = EstimateThreadTokens(msgs)
	}
	return res, nil
}

// pruneToolOutputs truncates bulky tool replies outside the preserved tail.
// Already-pruned and summary messages are skipped.
func (c *Compactor) pruneToolOutputs(ctx context.Context, msgs []*storage.Message) (int, error) {
	cut := len(msgs) - c.config.PreserveRecent
	if cut <= 0 {
		return 0, nil
	}

	pruned := 0
	for _, msg := range msgs[:cut] {
		if msg.Role != storage.MessageRoleTool {
			continue
		}
		if len(msg.Content) <= c.config.PruneThresholdChars {
			continue
		}
		if msg.Metadata != nil {
			if v, ok := msg.Metadata["compaction_pruned"].(bool); ok && v {
				continue
			}
		}
		keep := c.config.PruneThresholdChars / 4
		replacement := msg.Content[:keep] + prunedNote
		err := c.store.ReplaceMessageContent(ctx, msg.ID, replacement, map[string]any{
			"compaction_pruned": true,
		})
		if err != nil {
			return pruned, fmt.Errorf("failed to prune tool output %d: %w", msg.ID, err)
		}
		pruned++
	}
	return pruned, nil
}

// summarizePrefix collapses the old prefix of the thread into one summary
// written over the first prefix message; the rest of the prefix is deleted.
// The cut never lands on a tool reply, so no assistant message loses its
// replies to the preserved side.
func (c *Compactor) summarizePrefix(ctx context.Context, msgs []*storage.Message) (int, error) {
	if c.adapter == nil || c.config.SummaryModel == "" {
		return 0, fmt.Errorf("no summary model configured")
	}

	cut := len(msgs) - c.config.PreserveRecent
	// Move the cut earlier until the first preserved message is not a tool
	// reply (keeping assistant/tool groups whole).
	for cut > 0 && msgs[cut].Role == storage.MessageRoleTool {
		cut--
	}
	// A tiny prefix is not worth an LLM call.
	if cut < 4 {
		return 0, nil
	}
	prefix := msgs[:cut]

	summary, err := c.summarize(ctx, prefix)
	if err != nil {
		return 0, err
	}

	first := prefix[0]
	var deleteIDs []int64
	for _, msg := range prefix[1:] {
		deleteIDs = append(deleteIDs, msg.ID)
	}

	err = c.store.WithTx(ctx, func(ctx context.Context) error {
		if err := c.store.ReplaceMessageContent(ctx, first.ID, summaryPrefix+summary, map[string]any{
			"compaction_summary": true,
		}); err != nil {
			return err
		}
		return c.store.DeleteMessages(ctx, deleteIDs)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to apply summarization: %w", err)
	}
	return len(prefix), nil
}

func (c *Compactor) summarize(ctx context.Context, msgs []*storage.Message) (string, error) {
	transcript := renderTranscript(msgs)

	resp, err := c.adapter.Invoke(ctx, &llm.Request{
		Model:  c.config.SummaryModel,
		System: summarySystemPrompt,
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: transcript},
		},
		MaxTokens: c.config.SummaryMaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("summary model invocation failed: %w", err)
	}
	summary := strings.TrimSpace(resp.Content)
	if summary == "" {
		return "", fmt.Errorf("summary model returned no text")
	}
	return summary, nil
}

// renderTranscript flattens messages into a plain-text transcript, newest
// last, capped from the front so recent context survives.
func renderTranscript(msgs []*storage.Message) string {
	var sb strings.Builder
	for _, msg := range msgs {
		sb.WriteString(string(msg.Role))
		sb.WriteString(": ")
		sb.WriteString(msg.Content)
		for _, tc := range msg.ToolCalls {
			sb.WriteString(fmt.Sprintf("\n  [called %s]", tc.Name))
		}
		sb.WriteString("\n")
	}
	s := sb.String()
	if len(s) > transcriptCapChars {
		s = s[len(s)-transcriptCapChars:]
	}
	return s
}

func (c *Compactor) log() *slog.Logger {
	if c.logger != nil {
		return c.logger
	}
	return slog.Default()
}
