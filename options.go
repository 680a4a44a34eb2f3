package hivepg

import (
	"time"

	"github.com/youssefsiam38/hivepg/roundabout"
	"github.com/youssefsiam38/hivepg/tool"
)

// Option is a functional option for configuring a client.
type Option func(*internalConfig) error

// WithMaxTokens sets the maximum number of tokens to generate per LLM call.
func WithMaxTokens(n int64) Option {
	return func(c *internalConfig) error {
		c.maxTokens = n
		return nil
	}
}

// WithTools registers tools with the client.
func WithTools(tools ...tool.Tool) Option {
	return func(c *internalConfig) error {
		for _, t := range tools {
			schema := t.InputSchema()
			if schema.Type != "object" {
				return NewOrchestratorError("WithTools", ErrInvalidConfig).
					WithContext("tool", t.Name()).
					WithContext("reason", "schema type must be 'object'")
			}
			c.tools = append(c.tools, t)
		}
		return nil
	}
}

// WithMaxReactIterations sets the ReAct loop cap (default 50).
func WithMaxReactIterations(n int) Option {
	return func(c *internalConfig) error {
		if n <= 0 {
			return NewOrchestratorError("WithMaxReactIterations", ErrInvalidConfig).
				WithContext("n", n).
				WithContext("reason", "must be positive")
		}
		c.maxReactIterations = n
		return nil
	}
}

// WithToolOutputLimits sets the externalization threshold and the inline
// preview size (defaults 50000 / 500).
func WithToolOutputLimits(maxChars, previewChars int) Option {
	return func(c *internalConfig) error {
		if maxChars <= 0 || previewChars <= 0 || previewChars > maxChars {
			return NewOrchestratorError("WithToolOutputLimits", ErrInvalidConfig).
				WithContext("max_chars", maxChars).
				WithContext("preview_chars", previewChars)
		}
		c.toolOutputMaxChars = maxChars
		c.toolOutputPreviewChars = previewChars
		return nil
	}
}

// WithReactHeartbeatInterval sets how often heartbeat events are emitted
// while an LLM call is in flight (default 10s).
func WithReactHeartbeatInterval(d time.Duration) Option {
	return func(c *internalConfig) error {
		if d <= 0 {
			return NewOrchestratorError("WithReactHeartbeatInterval", ErrInvalidConfig).
				WithContext("interval", d)
		}
		c.reactHeartbeatInterval = d
		return nil
	}
}

// WithReasoningEffort sets the reasoning effort hint passed to the provider.
func WithReasoningEffort(effort string) Option {
	return func(c *internalConfig) error {
		c.reasoningEffort = effort
		return nil
	}
}

// WithSupervisorSoftTimeout sets how long StartRun waits before returning a
// deferred run (default 60s). The engine keeps working past it.
func WithSupervisorSoftTimeout(d time.Duration) Option {
	return func(c *internalConfig) error {
		if d <= 0 {
			return NewOrchestratorError("WithSupervisorSoftTimeout", ErrInvalidConfig).
				WithContext("timeout", d)
		}
		c.supervisorSoftTimeout = d
		return nil
	}
}

// WithBarrierDeadline sets the barrier deadline after which the reaper
// resumes with partial results (default 10m).
func WithBarrierDeadline(d time.Duration) Option {
	return func(c *internalConfig) error {
		if d <= 0 {
			return NewOrchestratorError("WithBarrierDeadline", ErrInvalidConfig).
				WithContext("deadline", d)
		}
		c.barrierDeadline = d
		return nil
	}
}

// WithAttachURLTemplate sets the attach_url template included in
// supervisor_deferred events. %d is replaced by the run id.
func WithAttachURLTemplate(template string) Option {
	return func(c *internalConfig) error {
		c.attachURLTemplate = template
		return nil
	}
}

// WithWorkerModel sets the default model for worker runs (defaults to the
// supervisor model).
func WithWorkerModel(model string) Option {
	return func(c *internalConfig) error {
		c.workerModel = model
		return nil
	}
}

// WithWorkerRunTimeout bounds each worker's engine execution (default 10m).
func WithWorkerRunTimeout(d time.Duration) Option {
	return func(c *internalConfig) error {
		if d <= 0 {
			return NewOrchestratorError("WithWorkerRunTimeout", ErrInvalidConfig).
				WithContext("timeout", d)
		}
		c.workerRunTimeout = d
		return nil
	}
}

// WithJobConcurrency sets the global and per-owner worker concurrency caps
// (defaults 5 / 3).
func WithJobConcurrency(global, perOwner int) Option {
	return func(c *internalConfig) error {
		if global <= 0 || perOwner <= 0 || perOwner > global {
			return NewOrchestratorError("WithJobConcurrency", ErrInvalidConfig).
				WithContext("global", global).
				WithContext("per_owner", perOwner)
		}
		c.maxConcurrentJobs = global
		c.perOwnerWorkerConcurrency = perOwner
		return nil
	}
}

// WithJobPollInterval sets the processor poll interval (default 1s).
func WithJobPollInterval(d time.Duration) Option {
	return func(c *internalConfig) error {
		if d <= 0 {
			return NewOrchestratorError("WithJobPollInterval", ErrInvalidConfig).
				WithContext("interval", d)
		}
		c.jobPollInterval = d
		return nil
	}
}

// WithStaleJobThreshold sets when the rescuer reclaims a running job whose
// heartbeat stopped (default 60s).
func WithStaleJobThreshold(d time.Duration) Option {
	return func(c *internalConfig) error {
		if d <= 0 {
			return NewOrchestratorError("WithStaleJobThreshold", ErrInvalidConfig).
				WithContext("threshold", d)
		}
		c.staleJobThreshold = d
		return nil
	}
}

// WithMaxJobAttempts caps rescue attempts before a job fails (default 3).
func WithMaxJobAttempts(n int) Option {
	return func(c *internalConfig) error {
		if n <= 0 {
			return NewOrchestratorError("WithMaxJobAttempts", ErrInvalidConfig).
				WithContext("n", n)
		}
		c.maxJobAttempts = n
		return nil
	}
}

// WithSummaryModel sets the model for worker summary extraction.
func WithSummaryModel(model string) Option {
	return func(c *internalConfig) error {
		c.summaryModel = model
		return nil
	}
}

// WithRoundabout configures the worker monitor.
func WithRoundabout(cfg roundabout.Config) Option {
	return func(c *internalConfig) error {
		c.roundabout = cfg
		return nil
	}
}

// WithFinalAnswerPatterns overrides the monitor's final-answer patterns, e.g.
// for other locales.
func WithFinalAnswerPatterns(patterns ...string) Option {
	return func(c *internalConfig) error {
		c.roundabout.FinalAnswerPatterns = patterns
		return nil
	}
}

// WithAutoCompaction enables or disables supervisor thread compaction
// (default on).
func WithAutoCompaction(enabled bool) Option {
	return func(c *internalConfig) error {
		c.autoCompaction = enabled
		return nil
	}
}

// WithCompactionTrigger sets the estimated token count that triggers
// supervisor thread compaction.
func WithCompactionTrigger(tokens int) Option {
	return func(c *internalConfig) error {
		if tokens <= 0 {
			return NewOrchestratorError("WithCompactionTrigger", ErrInvalidConfig).
				WithContext("tokens", tokens)
		}
		c.compactionTrigger = tokens
		return nil
	}
}

// WithTestMode enables test-only facilities (tool stubbing). Never enable in
// production.
func WithTestMode(enabled bool) Option {
	return func(c *internalConfig) error {
		c.testMode = enabled
		return nil
	}
}

// RunOption is a functional option applied to a single run.
type RunOption func(*runOptions)

// runOptions carries per-run overrides.
type runOptions struct {
	model           string
	reasoningEffort string
	traceID         string
	tokenStream     bool
}

// WithRunModel overrides the model for one run.
func WithRunModel(model string) RunOption {
	return func(o *runOptions) {
		o.model = model
	}
}

// WithRunReasoningEffort overrides the reasoning effort for one run.
func WithRunReasoningEffort(effort string) RunOption {
	return func(o *runOptions) {
		o.reasoningEffort = effort
	}
}

// WithTraceID propagates an external trace id into the run.
func WithTraceID(traceID string) RunOption {
	return func(o *runOptions) {
		o.traceID = traceID
	}
}

// WithTokenStream enables per-token streaming on the broker for this run.
func WithTokenStream(enabled bool) RunOption {
	return func(o *runOptions) {
		o.tokenStream = enabled
	}
}
