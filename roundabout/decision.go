package roundabout

import (
	"context"
	"fmt"
	"strings"

	"github.com/youssefsiam38/hivepg/llm"
)

// Decision is the monitor's verdict for one tick.
type Decision string

const (
	// DecisionWait keeps polling.
	DecisionWait Decision = "wait"

	// DecisionExit stops watching. The worker is never touched; on a
	// final-answer exit it keeps running unobserved.
	DecisionExit Decision = "exit"

	// DecisionCancel and DecisionPeek are parsed from deciders but dormant:
	// the monitor records them and keeps waiting.
	DecisionCancel Decision = "cancel"
	DecisionPeek   Decision = "peek"
)

// Mode selects how decisions are made on non-obvious ticks.
type Mode string

const (
	ModeLLM       Mode = "llm"
	ModeHeuristic Mode = "heuristic"
	ModeHybrid    Mode = "hybrid"
)

// DefaultFinalAnswerPatterns mark a tool output preview as a completed
// answer. The match is a case-insensitive substring check. Other locales can
// override the list through Config.FinalAnswerPatterns.
var DefaultFinalAnswerPatterns = []string{
	"Result:",
	"Summary:",
	"Completed successfully",
	"Task complete",
	"Done.",
}

// Activity is one observed worker event kept in the monitor's bounded log.
type Activity struct {
	Type     string
	ToolName string
	Preview  string
	Elapsed  int
}

// DecisionContext is everything a decider sees for one tick.
type DecisionContext struct {
	Status               string
	ElapsedSeconds       int
	Activities           []Activity
	CurrentOperation     string
	Stuck                bool
	StuckSeconds         int
	PollsWithoutProgress int
	LastToolOutputPreview string
}

// Decider evaluates one tick. Implementations must be side-effect free: the
// monitor owns all writes.
type Decider interface {
	Decide(ctx context.Context, dc DecisionContext) (Decision, error)
}

// hasFinalAnswer reports whether the preview matches a completion pattern.
func hasFinalAnswer(preview string, patterns []string) bool {
	if preview == "" {
		return false
	}
	if len(patterns) == 0 {
		patterns = DefaultFinalAnswerPatterns
	}
	lower := strings.ToLower(preview)
	for _, p := range patterns {
		if strings.Contains(lower, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

// heuristicDecider is the rule-based fallback: exit on final answers, wait
// otherwise. Terminal job status is handled before deciders run.
type heuristicDecider struct {
	patterns []string
}

func (d heuristicDecider) Decide(_ context.Context, dc DecisionContext) (Decision, error) {
	if hasFinalAnswer(dc.LastToolOutputPreview, d.patterns) {
		return DecisionExit, nil
	}
	return DecisionWait, nil
}

// llmDecider asks a small model for a one-word verdict, falling back to the
// heuristic on any provider failure or unparseable reply.
type llmDecider struct {
	adapter  llm.Adapter
	model    string
	fallback heuristicDecider
}

func (d *llmDecider) Decide(ctx context.Context, dc DecisionContext) (Decision, error) {
	resp, err := d.adapter.Invoke(ctx, &llm.Request{
		Model:     d.model,
		System:    decisionSystemPrompt,
		MaxTokens: 16,
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: renderDecisionContext(dc)},
		},
	})
	if err != nil {
		return d.fallback.Decide(ctx, dc)
	}
	decision, ok := parseDecision(resp.Content)
	if !ok {
		return d.fallback.Decide(ctx, dc)
	}
	return decision, nil
}

// hybridDecider runs the heuristic first and consults the model only when
// the worker looks stuck and the rules have no opinion.
type hybridDecider struct {
	heuristic heuristicDecider
	llm       *llmDecider
}

func (d *hybridDecider) Decide(ctx context.Context, dc DecisionContext) (Decision, error) {
	decision, err := d.heuristic.Decide(ctx, dc)
	if err != nil || decision != DecisionWait {
		return decision, err
	}
	if dc.Stuck && d.llm != nil {
		return d.llm.Decide(ctx, dc)
	}
	return decision, nil
}

const decisionSystemPrompt = `You monitor a background worker. Based on its recent activity, reply with exactly one word:
wait - the worker is making progress, keep watching
exit - the worker has effectively produced its answer, stop watching
cancel - the worker is hopelessly stuck and should be abandoned
peek - you need to inspect the latest output before deciding
Reply with the single word only.`

func renderDecisionContext(dc DecisionContext) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "status: %s\nelapsed: %ds\n", dc.Status, dc.ElapsedSeconds)
	if dc.CurrentOperation != "" {
		fmt.Fprintf(&sb, "current operation: %s\n", dc.CurrentOperation)
	}
	if dc.Stuck {
		fmt.Fprintf(&sb, "stuck for: %ds\n", dc.StuckSeconds)
	}
	if dc.PollsWithoutProgress > 0 {
		fmt.Fprintf(&sb, "polls without progress: %d\n", dc.PollsWithoutProgress)
	}
	if dc.LastToolOutputPreview != "" {
		fmt.Fprintf(&sb, "last output: %s\n", dc.LastToolOutputPreview)
	}
	if len(dc.Activities) > 0 {
		sb.WriteString("recent activity:\n")
		for _, a := range dc.Activities {
			if a.ToolName != "" {
				fmt.Fprintf(&sb, "- [%ds] %s %s\n", a.Elapsed, a.Type, a.ToolName)
				continue
			}
			fmt.Fprintf(&sb, "- [%ds] %s\n", a.Elapsed, a.Type)
		}
	}
	return sb.String()
}

func parseDecision(reply string) (Decision, bool) {
	word := strings.ToLower(strings.TrimSpace(reply))
	if idx := strings.IndexAny(word, " \n\t.,"); idx > 0 {
		word = word[:idx]
	}
	switch Decision(word) {
	case DecisionWait, DecisionExit, DecisionCancel, DecisionPeek:
		return Decision(word), true
	}
	return "", false
}
