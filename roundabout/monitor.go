// Package roundabout watches running worker jobs without ever touching them:
// a bounded poll loop that tails the job row, the worker's event stream, and
// its artifact bundle, and decides each tick whether to keep waiting or step
// away. The name comes from the traffic pattern: the monitor circles the
// worker until there is an exit.
package roundabout

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/youssefsiam38/hivepg/artifact"
	"github.com/youssefsiam38/hivepg/event"
	"github.com/youssefsiam38/hivepg/llm"
	"github.com/youssefsiam38/hivepg/runstate"
	"github.com/youssefsiam38/hivepg/storage"
)

// Defaults for the monitor loop.
const (
	DefaultPollInterval    = time.Second
	DefaultHardTimeout     = 300 * time.Second
	DefaultStuckThreshold  = 30 * time.Second
	DefaultNoProgressPolls = 6

	// stuckWarnThreshold is when a stuck worker is worth a warning event.
	// Warnings never cancel; the hard timeout is the only bound.
	stuckWarnThreshold = 60 * time.Second

	// activityLogCap bounds the in-memory activity log.
	activityLogCap = 20
)

// JobStore is the slice of storage the monitor reads jobs through.
type JobStore interface {
	GetWorkerJob(ctx context.Context, jobID int64) (*storage.WorkerJob, error)
}

// Config tunes one monitor. Zero values take the package defaults.
type Config struct {
	PollInterval    time.Duration
	HardTimeout     time.Duration
	StuckThreshold  time.Duration
	NoProgressPolls int

	// Mode selects the decision engine. ModeLLM is the default but
	// degrades to the heuristic when no DeciderModel is configured.
	Mode         Mode
	DeciderModel string

	// FinalAnswerPatterns overrides DefaultFinalAnswerPatterns.
	FinalAnswerPatterns []string
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.PollInterval <= 0 {
		out.PollInterval = DefaultPollInterval
	}
	if out.HardTimeout <= 0 {
		out.HardTimeout = DefaultHardTimeout
	}
	if out.StuckThreshold <= 0 {
		out.StuckThreshold = DefaultStuckThreshold
	}
	if out.NoProgressPolls <= 0 {
		out.NoProgressPolls = DefaultNoProgressPolls
	}
	if out.Mode == "" {
		out.Mode = ModeLLM
	}
	return out
}

// Monitor watches worker jobs. It is read-only with respect to the worker:
// its only writes are monitoring snapshots in the worker's bundle and warning
// events on the supervisor run.
type Monitor struct {
	store     JobStore
	bus       *event.Bus
	artifacts *artifact.Store
	emitter   *event.Emitter
	decider   Decider
	config    Config
	logger    *slog.Logger
}

// MonitorParams wires a monitor. Bus, Artifacts, Emitter, Adapter, and Logger
// are all optional; the monitor degrades to plain job polling without them.
type MonitorParams struct {
	Store     JobStore
	Bus       *event.Bus
	Artifacts *artifact.Store
	Emitter   *event.Emitter
	Adapter   llm.Adapter
	Config    Config
	Logger    *slog.Logger
}

// NewMonitor builds a monitor from params.
func NewMonitor(params MonitorParams) (*Monitor, error) {
	if params.Store == nil {
		return nil, fmt.Errorf("roundabout: job store is required")
	}
	cfg := params.Config.withDefaults()

	heuristic := heuristicDecider{patterns: cfg.FinalAnswerPatterns}
	var decider Decider = heuristic
	if cfg.DeciderModel != "" && params.Adapter != nil {
		ld := &llmDecider{adapter: params.Adapter, model: cfg.DeciderModel, fallback: heuristic}
		switch cfg.Mode {
		case ModeHeuristic:
			decider = heuristic
		case ModeHybrid:
			decider = &hybridDecider{heuristic: heuristic, llm: ld}
		default:
			decider = ld
		}
	} else if cfg.Mode == ModeLLM {
		if params.Logger != nil {
			params.Logger.Warn("hivepg: roundabout decision mode llm requires a decider model, using heuristic")
		}
	}

	return &Monitor{
		store:     params.Store,
		bus:       params.Bus,
		artifacts: params.Artifacts,
		emitter:   params.Emitter,
		decider:   decider,
		config:    cfg,
		logger:    params.Logger,
	}, nil
}

// Watch polls one job until it terminates, the decider exits, or the hard
// timeout elapses. The returned Result always describes what was observed;
// the error is reserved for infrastructure failures (the job row vanishing,
// the context being cancelled).
func (m *Monitor) Watch(ctx context.Context, jobID int64) (*Result, error) {
	job, err := m.store.GetWorkerJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("roundabout: failed to load job %d: %w", jobID, err)
	}

	w := &watch{
		monitor: m,
		jobID:   jobID,
		started: time.Now(),
	}
	defer w.close()

	if job.Status.IsTerminal() {
		return w.terminalResult(job), nil
	}

	w.subscribe(job)
	w.lastProgress = w.started

	ticker := time.NewTicker(m.config.PollInterval)
	defer ticker.Stop()
	deadline := w.started.Add(m.config.HardTimeout)

	for {
		select {
		case <-ctx.Done():
			return w.timeoutResult(ctx, job, fmt.Sprintf("monitor cancelled: %v", ctx.Err())), nil
		case <-ticker.C:
		}

		w.drainEvents()

		job, err = m.store.GetWorkerJob(ctx, jobID)
		if err != nil {
			return nil, fmt.Errorf("roundabout: failed to refresh job %d: %w", jobID, err)
		}

		elapsed := time.Since(w.started)
		w.writeSnapshot(job, elapsed)

		if job.Status.IsTerminal() {
			return w.terminalResult(job), nil
		}
		if time.Now().After(deadline) {
			return w.timeoutResult(ctx, job, ""), nil
		}

		dc := w.decisionContext(job, elapsed)
		w.warnIfNeeded(ctx, dc)

		decision, derr := m.decider.Decide(ctx, dc)
		if derr != nil {
			m.log().Warn("hivepg: roundabout decider failed, waiting",
				"job_id", jobID, "error", derr)
			continue
		}
		w.lastDecision = decision
		if decision == DecisionExit {
			return w.earlyExitResult(job, dc), nil
		}
		// cancel and peek are recorded but dormant.
	}
}

func (m *Monitor) log() *slog.Logger {
	if m.logger != nil {
		return m.logger
	}
	return slog.Default()
}

// watch is the per-Watch loop state.
type watch struct {
	monitor *Monitor
	jobID   int64
	started time.Time

	events      <-chan *storage.Event
	unsubscribe func()

	activities   []Activity
	lastPreview  string
	currentOp    string
	currentOpAt  time.Time
	lastProgress time.Time
	noProgress   int
	checkNum     int
	warnedStuck  bool
	warnedIdle   bool
	lastDecision Decision

	bundle *artifact.Bundle
}

func (w *watch) close() {
	if w.unsubscribe != nil {
		w.unsubscribe()
	}
}

// subscribe tails the supervisor run's event stream, if the job has one and
// a bus is wired. Events for other jobs on the same run are filtered out.
func (w *watch) subscribe(job *storage.WorkerJob) {
	if w.monitor.bus == nil || job.SupervisorRunID == nil {
		return
	}
	w.events, w.unsubscribe = w.monitor.bus.SubscribeRun(*job.SupervisorRunID)
}

func (w *watch) drainEvents() {
	if w.events == nil {
		return
	}
	progressed := false
	for {
		select {
		case ev, ok := <-w.events:
			if !ok {
				w.events = nil
				return
			}
			if !w.eventForJob(ev) {
				continue
			}
			w.record(ev)
			progressed = true
		default:
			if progressed {
				w.noProgress = 0
				w.lastProgress = time.Now()
			} else {
				w.noProgress++
			}
			return
		}
	}
}

func (w *watch) eventForJob(ev *storage.Event) bool {
	raw, ok := ev.Payload["job_id"]
	if !ok {
		return false
	}
	switch v := raw.(type) {
	case int64:
		return v == w.jobID
	case float64:
		return int64(v) == w.jobID
	default:
		return false
	}
}

// record folds one worker event into the activity log.
func (w *watch) record(ev *storage.Event) {
	switch ev.EventType {
	case "worker_tool_started", "worker_tool_completed", "worker_tool_failed", "worker_heartbeat":
	default:
		return
	}

	a := Activity{
		Type:    ev.EventType,
		Elapsed: int(time.Since(w.started).Seconds()),
	}
	if name, ok := ev.Payload["tool_name"].(string); ok {
		a.ToolName = name
	}
	if preview, ok := ev.Payload["result_preview"].(string); ok {
		a.Preview = preview
		w.lastPreview = preview
	}

	switch ev.EventType {
	case "worker_tool_started":
		w.currentOp = a.ToolName
		w.currentOpAt = time.Now()
	case "worker_tool_completed", "worker_tool_failed":
		w.currentOp = ""
	}

	w.activities = append(w.activities, a)
	if len(w.activities) > activityLogCap {
		w.activities = w.activities[len(w.activities)-activityLogCap:]
	}
}

func (w *watch) decisionContext(job *storage.WorkerJob, elapsed time.Duration) DecisionContext {
	stuckFor := time.Duration(0)
	if w.currentOp != "" {
		stuckFor = time.Since(w.currentOpAt)
	} else if job.Status == runstate.JobStateRunning {
		stuckFor = time.Since(w.lastProgress)
	}
	stuck := stuckFor > w.monitor.config.StuckThreshold

	return DecisionContext{
		Status:                job.Status.String(),
		ElapsedSeconds:        int(elapsed.Seconds()),
		Activities:            w.activities,
		CurrentOperation:      w.currentOp,
		Stuck:                 stuck,
		StuckSeconds:          int(stuckFor.Seconds()),
		PollsWithoutProgress:  w.noProgress,
		LastToolOutputPreview: w.lastPreview,
	}
}

// warnIfNeeded emits at most one stuck warning and one no-progress warning
// per watch. Warnings are informational; they never change the loop.
func (w *watch) warnIfNeeded(ctx context.Context, dc DecisionContext) {
	if w.monitor.emitter == nil {
		return
	}
	if !w.warnedStuck && dc.StuckSeconds > int(stuckWarnThreshold.Seconds()) {
		w.warnedStuck = true
		w.monitor.emitter.EmitError(ctx, fmt.Sprintf(
			"worker job %d appears stuck on %q for %ds",
			w.jobID, dc.CurrentOperation, dc.StuckSeconds))
	}
	if !w.warnedIdle && dc.PollsWithoutProgress > w.monitor.config.NoProgressPolls {
		w.warnedIdle = true
		w.monitor.emitter.EmitError(ctx, fmt.Sprintf(
			"worker job %d has shown no progress for %d polls",
			w.jobID, dc.PollsWithoutProgress))
	}
}

// writeSnapshot drops one monitoring check file into the worker's bundle.
func (w *watch) writeSnapshot(job *storage.WorkerJob, elapsed time.Duration) {
	bundle := w.openBundle(job)
	if bundle == nil {
		return
	}
	w.checkNum++

	var lastTools []string
	for i := len(w.activities) - 1; i >= 0 && len(lastTools) < 5; i-- {
		if w.activities[i].ToolName != "" && w.activities[i].Type == "worker_tool_started" {
			lastTools = append([]string{w.activities[i].ToolName}, lastTools...)
		}
	}
	toolCount := 0
	if files, err := bundle.ListToolCalls(); err == nil {
		toolCount = len(files)
	}

	snapshot := map[string]any{
		"check":           w.checkNum,
		"elapsed_seconds": int(elapsed.Seconds()),
		"job_status":      job.Status.String(),
		"tool_count":      toolCount,
		"last_tools":      lastTools,
	}
	if err := bundle.WriteMonitoringCheck(int(elapsed.Seconds()), snapshot); err != nil {
		w.monitor.log().Debug("hivepg: failed to write monitoring check",
			"job_id", w.jobID, "error", err)
	}
}

func (w *watch) openBundle(job *storage.WorkerJob) *artifact.Bundle {
	if w.bundle != nil {
		return w.bundle
	}
	if w.monitor.artifacts == nil || job.WorkerID == nil {
		return nil
	}
	b, err := w.monitor.artifacts.OpenBundle(job.OwnerID, *job.WorkerID)
	if err != nil {
		return nil
	}
	w.bundle = b
	return b
}

func (w *watch) terminalResult(job *storage.WorkerJob) *Result {
	res := w.baseResult(job)
	res.Status = job.Status.String()
	if job.Result != nil {
		res.Result = *job.Result
	}
	if job.Error != nil {
		res.Error = *job.Error
	}
	if b := w.openBundle(job); b != nil {
		if sum, err := b.ReadSummary(); err == nil {
			res.Summary = sum.Summary
		}
	}
	if job.Status == runstate.JobStateSuccess {
		runID := int64(0)
		if job.SupervisorRunID != nil {
			runID = *job.SupervisorRunID
		}
		res.Evidence = artifact.EvidenceMarker(runID, job.ID, res.WorkerID)
	}
	return res
}

func (w *watch) earlyExitResult(job *storage.WorkerJob, dc DecisionContext) *Result {
	res := w.baseResult(job)
	res.Status = StatusEarlyExit
	res.WorkerStillRunning = true
	res.Result = dc.LastToolOutputPreview
	res.Decision = DecisionExit
	return res
}

func (w *watch) timeoutResult(ctx context.Context, job *storage.WorkerJob, reason string) *Result {
	_ = ctx
	res := w.baseResult(job)
	res.Status = StatusMonitorTimeout
	res.WorkerStillRunning = true
	if reason == "" {
		reason = fmt.Sprintf("monitor timed out after %s; worker may still be running",
			w.monitor.config.HardTimeout)
	}
	res.Error = reason
	return res
}

// baseResult fills the fields common to every terminal shape, including the
// tool index read back from the bundle.
func (w *watch) baseResult(job *storage.WorkerJob) *Result {
	res := &Result{
		JobID:           job.ID,
		Duration:        time.Since(w.started),
		Decision:        w.lastDecision,
		ActivitySummary: summarizeActivities(w.activities),
	}
	if job.WorkerID != nil {
		res.WorkerID = *job.WorkerID
	}
	if b := w.openBundle(job); b != nil {
		res.ToolIndex = buildToolIndex(b)
	}
	return res
}

func summarizeActivities(activities []Activity) string {
	if len(activities) == 0 {
		return ""
	}
	parts := make([]string, 0, len(activities))
	for _, a := range activities {
		if a.ToolName != "" {
			parts = append(parts, fmt.Sprintf("%s(%s)", a.Type, a.ToolName))
			continue
		}
		parts = append(parts, a.Type)
	}
	return strings.Join(parts, ", ")
}
