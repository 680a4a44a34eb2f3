package hivepg

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/youssefsiam38/hivepg/hooks"
	"github.com/youssefsiam38/hivepg/llm"
	"github.com/youssefsiam38/hivepg/roundabout"
	"github.com/youssefsiam38/hivepg/tool"
)

// ModelInfo contains model-specific parameters.
type ModelInfo struct {
	MaxContextTokens int
	DefaultMaxTokens int
}

// KnownModels maps model IDs to their capabilities.
var KnownModels = map[string]ModelInfo{
	"claude-sonnet-4-5-20250929": {MaxContextTokens: 200000, DefaultMaxTokens: 16384},
	"claude-opus-4-5-20251101":   {MaxContextTokens: 200000, DefaultMaxTokens: 16384},
	"claude-3-5-sonnet-20241022": {MaxContextTokens: 200000, DefaultMaxTokens: 8192},
	"claude-3-5-haiku-20241022":  {MaxContextTokens: 200000, DefaultMaxTokens: 8192},
}

// GetModelInfo returns model info, using sensible defaults for unknown models.
func GetModelInfo(model string) ModelInfo {
	if info, ok := KnownModels[model]; ok {
		return info
	}
	return ModelInfo{MaxContextTokens: 200000, DefaultMaxTokens: 8192}
}

// Config holds the required configuration for a client.
// The database driver is passed separately to NewClient() to enable type
// inference.
//
// Example:
//
//	drv := pgxv5.New(pool)
//	client, _ := hivepg.NewClient(drv, hivepg.Config{
//	    Client:                 &api,
//	    Model:                  "claude-sonnet-4-5-20250929",
//	    SupervisorSystemPrompt: "You are a task orchestrator...",
//	    WorkerSystemPrompt:     "You are a focused worker...",
//	    ArtifactDir:            "/var/lib/hivepg/artifacts",
//	})
type Config struct {
	// Client is the Anthropic API client. Either Client or Adapter is
	// required; Adapter wins when both are set (tests use the scripted one).
	Client *anthropic.Client

	// Adapter overrides the LLM provider. When nil, an Anthropic adapter is
	// built from Client.
	Adapter llm.Adapter

	// Model is the model ID for supervisor runs (required).
	Model string

	// SupervisorSystemPrompt is the system prompt for supervisor runs
	// (required).
	SupervisorSystemPrompt string

	// WorkerSystemPrompt is the system prompt for worker runs (required).
	WorkerSystemPrompt string

	// ArtifactDir is the base directory for worker bundles and externalized
	// tool outputs (required).
	ArtifactDir string

	// Logger is used for all client logging. Defaults to slog.Default().
	Logger *slog.Logger
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Client == nil && c.Adapter == nil {
		return fmt.Errorf("%w: Anthropic client or adapter is required", ErrInvalidConfig)
	}
	if c.Model == "" {
		return fmt.Errorf("%w: Model is required", ErrInvalidConfig)
	}
	if c.SupervisorSystemPrompt == "" {
		return fmt.Errorf("%w: SupervisorSystemPrompt is required", ErrInvalidConfig)
	}
	if c.WorkerSystemPrompt == "" {
		return fmt.Errorf("%w: WorkerSystemPrompt is required", ErrInvalidConfig)
	}
	if c.ArtifactDir == "" {
		return fmt.Errorf("%w: ArtifactDir is required", ErrInvalidConfig)
	}
	return nil
}

// internalConfig holds the full client configuration including optional
// parameters.
type internalConfig struct {
	// Required from Config
	adapter                llm.Adapter
	model                  string
	supervisorSystemPrompt string
	workerSystemPrompt     string
	artifactDir            string
	logger                 *slog.Logger

	// Engine
	maxTokens              int64
	maxReactIterations     int
	toolOutputMaxChars     int
	toolOutputPreviewChars int
	reactHeartbeatInterval time.Duration
	reasoningEffort        string
	enableTokenStream      bool

	// Supervisor
	supervisorSoftTimeout time.Duration
	barrierDeadline       time.Duration
	orphanedJobCutoff     time.Duration
	attachURLTemplate     string

	// Workers
	workerModel               string
	workerRunTimeout          time.Duration
	maxConcurrentJobs         int
	perOwnerWorkerConcurrency int
	jobPollInterval           time.Duration
	jobHeartbeatInterval      time.Duration
	staleJobThreshold         time.Duration
	maxJobAttempts            int
	reaperInterval            time.Duration
	rescueInterval            time.Duration
	summaryTimeout            time.Duration
	summaryMaxChars           int
	summaryModel              string

	// Roundabout
	roundabout roundabout.Config

	// Compaction
	autoCompaction    bool
	compactionTrigger int

	// Test mode gates tool stubbing.
	testMode bool

	tools []tool.Tool
	hooks *hooks.Registry
}

// defaultInternalConfig builds the compiled defaults for a public Config.
func defaultInternalConfig(cfg Config) *internalConfig {
	modelInfo := GetModelInfo(cfg.Model)

	return &internalConfig{
		adapter:                cfg.Adapter,
		model:                  cfg.Model,
		supervisorSystemPrompt: cfg.SupervisorSystemPrompt,
		workerSystemPrompt:     cfg.WorkerSystemPrompt,
		artifactDir:            cfg.ArtifactDir,
		logger:                 cfg.Logger,

		maxTokens:              int64(modelInfo.DefaultMaxTokens),
		maxReactIterations:     50,
		toolOutputMaxChars:     50000,
		toolOutputPreviewChars: 500,
		reactHeartbeatInterval: 10 * time.Second,

		supervisorSoftTimeout: 60 * time.Second,
		barrierDeadline:       10 * time.Minute,
		orphanedJobCutoff:     5 * time.Minute,

		workerModel:               cfg.Model,
		workerRunTimeout:          10 * time.Minute,
		maxConcurrentJobs:         5,
		perOwnerWorkerConcurrency: 3,
		jobPollInterval:           time.Second,
		jobHeartbeatInterval:      15 * time.Second,
		staleJobThreshold:         60 * time.Second,
		maxJobAttempts:            3,
		reaperInterval:            30 * time.Second,
		rescueInterval:            time.Minute,
		summaryTimeout:            5 * time.Second,
		summaryMaxChars:           150,
		summaryModel:              "claude-3-5-haiku-20241022",

		roundabout: roundabout.Config{
			Mode: roundabout.ModeLLM,
		},

		autoCompaction:    true,
		compactionTrigger: 150000,

		tools: []tool.Tool{},
		hooks: hooks.NewRegistry(),
	}
}

func (c *internalConfig) log() *slog.Logger {
	if c.logger != nil {
		return c.logger
	}
	return slog.Default()
}
