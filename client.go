package hivepg

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/youssefsiam38/hivepg/artifact"
	"github.com/youssefsiam38/hivepg/compaction"
	"github.com/youssefsiam38/hivepg/driver"
	"github.com/youssefsiam38/hivepg/event"
	"github.com/youssefsiam38/hivepg/hooks"
	"github.com/youssefsiam38/hivepg/leadership"
	"github.com/youssefsiam38/hivepg/llm"
	"github.com/youssefsiam38/hivepg/maintenance"
	"github.com/youssefsiam38/hivepg/notifier"
	"github.com/youssefsiam38/hivepg/roundabout"
	"github.com/youssefsiam38/hivepg/runstate"
	"github.com/youssefsiam38/hivepg/storage"
	"github.com/youssefsiam38/hivepg/streaming"
	"github.com/youssefsiam38/hivepg/tool"
	"github.com/youssefsiam38/hivepg/tool/builtin"
)

// Version is the current hivepg version.
const Version = "1.0.0"

// waitPollInterval is the fallback poll period for WaitForRun when no event
// arrives on the bus.
const waitPollInterval = 500 * time.Millisecond

// Client is the entry point to the orchestrator. It owns the engine services
// (supervisor turns, the worker job processor, the reaper and the rescuer),
// instance registration and leader election.
//
// TTx is the native transaction type from the driver (e.g. pgx.Tx, *sql.Tx).
type Client[TTx any] struct {
	driver     driver.Driver[TTx]
	config     *internalConfig
	instanceID string

	store    storage.Store
	services *services

	// Background services. Processor, heartbeat, elector and notifier run on
	// every instance; reaper, rescuer and cleanup only on the leader.
	processor *jobProcessor
	reaper    *reaper
	rescuer   *rescuer
	heartbeat *maintenance.Heartbeat
	cleanup   *maintenance.Cleanup
	elector   *leadership.Elector
	notif     *notifier.Notifier

	started  atomic.Bool
	isLeader atomic.Bool
	cancel   context.CancelFunc
}

// NewClient assembles a client from a driver and configuration. The
// transaction type TTx is inferred from the driver argument.
//
// Example:
//
//	drv := pgxv5.New(pool)
//	client, err := hivepg.NewClient(drv, hivepg.Config{
//	    Client:                 &api,
//	    Model:                  "claude-sonnet-4-5-20250929",
//	    SupervisorSystemPrompt: supervisorPrompt,
//	    WorkerSystemPrompt:     workerPrompt,
//	    ArtifactDir:            "/var/lib/hivepg/artifacts",
//	})
func NewClient[TTx any](drv driver.Driver[TTx], cfg Config, opts ...Option) (*Client[TTx], error) {
	if drv == nil {
		return nil, fmt.Errorf("%w: driver is required", ErrInvalidConfig)
	}
	if !drv.PoolIsSet() {
		return nil, fmt.Errorf("%w: driver pool is not set", ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	internal := defaultInternalConfig(cfg)
	for _, opt := range opts {
		if err := opt(internal); err != nil {
			return nil, err
		}
	}

	adapter := internal.adapter
	if adapter == nil {
		adapter = llm.NewAnthropicAdapter(cfg.Client)
		internal.adapter = adapter
	}

	store := storage.NewPostgresStore(drv)

	artifacts, err := artifact.NewStore(internal.artifactDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open artifact store: %w", err)
	}

	bus := event.NewBus()

	monitor, err := roundabout.NewMonitor(roundabout.MonitorParams{
		Store:     store,
		Bus:       bus,
		Artifacts: artifacts,
		Adapter:   adapter,
		Config:    internal.roundabout,
		Logger:    internal.log(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build roundabout monitor: %w", err)
	}

	builtins := []tool.Tool{
		builtin.NewSpawnWorkerDecl(),
		builtin.NewCurrentTime(),
		builtin.NewGetToolOutput(artifacts),
		builtin.NewWebFetch(nil),
		builtin.NewShellExec(""),
		builtin.NewNotifyUser(),
		builtin.NewWatchWorker(monitor),
	}
	registry, err := tool.NewRegistry(append(builtins, internal.tools...)...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	resolver := tool.NewResolver(registry, internal.testMode)

	var compactor *compaction.Compactor
	if internal.autoCompaction {
		compactor = compaction.NewCompactor(store, adapter, compaction.Config{
			TriggerTokens: internal.compactionTrigger,
			SummaryModel:  internal.summaryModel,
		}, internal.log())
	}

	var notif *notifier.Notifier
	if drv.SupportsListener() || drv.SupportsNotify() {
		var getListener func(context.Context) (driver.Listener, error)
		if drv.SupportsListener() {
			getListener = drv.GetListener
		}
		notif = notifier.NewNotifier(getListener, drv.GetNotifier(), nil)
	}

	instanceID := uuid.New().String()

	svc := &services{
		store:      store,
		bus:        bus,
		notif:      notif,
		artifacts:  artifacts,
		resolver:   resolver,
		adapter:    adapter,
		compactor:  compactor,
		broker:     streaming.NewBroker(),
		monitor:    monitor,
		hooks:      internal.hooks,
		config:     internal,
		instanceID: instanceID,
	}

	c := &Client[TTx]{
		driver:     drv,
		config:     internal,
		instanceID: instanceID,
		store:      store,
		services:   svc,
		processor:  newJobProcessor(svc),
		notif:      notif,
	}
	c.reaper = newReaper(svc)
	c.rescuer = newRescuer(svc, c.processor.Wake)

	return c, nil
}

// Start registers the instance and launches the background services:
// heartbeat, leader election, the notifier and the job processor. The
// leader-only services start from the election callbacks.
func (c *Client[TTx]) Start(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	ctx, c.cancel = context.WithCancel(ctx)

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	if err := c.store.RegisterInstance(ctx, &storage.RegisterInstanceParams{
		ID:       c.instanceID,
		Hostname: hostname,
	}); err != nil {
		c.started.Store(false)
		return fmt.Errorf("failed to register instance: %w", err)
	}

	c.heartbeat = maintenance.NewHeartbeat(c.store, c.instanceID, nil)
	if err := c.heartbeat.Start(ctx); err != nil {
		c.started.Store(false)
		return fmt.Errorf("failed to start heartbeat: %w", err)
	}

	electorCfg := leadership.DefaultConfig()
	electorCfg.Logger = c.config.log()
	c.elector = leadership.NewElector(c.store, c.instanceID, electorCfg, leadership.Callbacks{
		OnBecameLeader:   c.onBecameLeader,
		OnLostLeadership: c.onLostLeadership,
	})
	if err := c.elector.Start(ctx); err != nil {
		_ = c.heartbeat.Stop(ctx)
		c.started.Store(false)
		return fmt.Errorf("failed to start leader election: %w", err)
	}

	if c.notif != nil {
		if err := c.notif.Start(ctx); err != nil {
			_ = c.elector.Stop(ctx)
			_ = c.heartbeat.Stop(ctx)
			c.started.Store(false)
			return fmt.Errorf("failed to start notifier: %w", err)
		}
	}

	if err := c.processor.Start(ctx); err != nil {
		if c.notif != nil {
			_ = c.notif.Stop(ctx)
		}
		_ = c.elector.Stop(ctx)
		_ = c.heartbeat.Stop(ctx)
		c.started.Store(false)
		return fmt.Errorf("failed to start job processor: %w", err)
	}

	return nil
}

// Stop shuts the client down. In-flight supervisor turns and worker runs
// finish on their own contexts; only claiming and maintenance stop here.
func (c *Client[TTx]) Stop(ctx context.Context) error {
	if !c.started.Load() {
		return ErrNotStarted
	}

	if c.cancel != nil {
		c.cancel()
	}

	_ = c.processor.Stop(ctx)
	if err := c.reaper.Stop(ctx); err != nil && !errors.Is(err, ErrNotStarted) {
		c.config.log().Warn("hivepg: failed to stop reaper", "error", err)
	}
	if err := c.rescuer.Stop(ctx); err != nil && !errors.Is(err, ErrNotStarted) {
		c.config.log().Warn("hivepg: failed to stop rescuer", "error", err)
	}
	if c.cleanup != nil && c.cleanup.IsRunning() {
		_ = c.cleanup.Stop(ctx)
	}
	if c.notif != nil && c.notif.IsRunning() {
		_ = c.notif.Stop(ctx)
	}
	if c.elector != nil {
		_ = c.elector.Stop(ctx)
	}
	if c.heartbeat != nil {
		_ = c.heartbeat.Stop(ctx)
	}

	// Best effort; a crashed instance is swept by the leader's cleanup.
	_ = c.store.DeregisterInstance(ctx, c.instanceID)

	c.started.Store(false)
	return nil
}

// =============================================================================
// Runs
// =============================================================================

// StartRun starts a supervisor run for the owner's task and blocks until the
// run finishes or the soft timeout elapses. Past the soft timeout the run is
// returned in deferred state and the engine keeps working in the background;
// WaitForRun or the event stream pick it up from there.
func (c *Client[TTx]) StartRun(ctx context.Context, ownerID int64, task string, opts ...RunOption) (*storage.Run, error) {
	if !c.started.Load() {
		return nil, ErrNotStarted
	}
	return c.services.startSupervisorRun(ctx, ownerID, task, buildRunOptions(opts))
}

// ContinueRun starts a continuation of a finished or deferred run with the
// full conversation history behind it. Concurrent continuation attempts
// against the same parent converge on a single run.
func (c *Client[TTx]) ContinueRun(ctx context.Context, parentRunID int64, task string, opts ...RunOption) (*storage.Run, error) {
	if !c.started.Load() {
		return nil, ErrNotStarted
	}
	return c.services.continueSupervisorRun(ctx, parentRunID, task, buildRunOptions(opts))
}

// GetRun returns the current state of a run.
func (c *Client[TTx]) GetRun(ctx context.Context, runID int64) (*storage.Run, error) {
	run, err := c.store.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: run %d", ErrRunNotFound, runID)
		}
		return nil, err
	}
	return run, nil
}

// WaitForRun blocks until the run reaches a terminal state. Deferred and
// waiting runs are still in flight; only success, failed and cancelled
// return. Wakes on bus events and falls back to polling, so it also works
// when the run is driven by another instance.
func (c *Client[TTx]) WaitForRun(ctx context.Context, runID int64) (*storage.Run, error) {
	events, unsubscribe := c.services.bus.SubscribeRun(runID)
	defer unsubscribe()

	ticker := time.NewTicker(waitPollInterval)
	defer ticker.Stop()

	for {
		run, err := c.GetRun(ctx, runID)
		if err != nil {
			return nil, err
		}
		if run.Status.IsTerminal() {
			return run, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-events:
		case <-ticker.C:
		}
	}
}

// CancelRun cancels a run that has not finished. Outstanding worker jobs of
// the run are cancelled with it; barrier completions arriving afterwards see
// the run off waiting state and drop out.
func (c *Client[TTx]) CancelRun(ctx context.Context, runID int64) error {
	run, err := c.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.IsTerminal() {
		return fmt.Errorf("%w: run %d is %s", ErrRunAlreadyFinalized, runID, run.Status)
	}

	cancelled := false
	for _, from := range []runstate.RunState{runstate.RunStateRunning, runstate.RunStateWaiting, runstate.RunStateDeferred} {
		required := from
		err := c.store.UpdateRunState(ctx, runID, &storage.UpdateRunStateParams{
			State:         runstate.RunStateCancelled,
			RequiredState: &required,
		})
		if err == nil {
			cancelled = true
			break
		}
		if !errors.Is(err, storage.ErrStateTransitionFailed) {
			return fmt.Errorf("failed to cancel run: %w", err)
		}
	}
	if !cancelled {
		// Every conditional flip lost; the run finalized concurrently.
		return fmt.Errorf("%w: run %d", ErrRunAlreadyFinalized, runID)
	}

	jobs, err := c.store.GetWorkerJobsByRun(ctx, runID)
	if err != nil {
		c.config.log().Warn("hivepg: failed to list jobs for cancelled run",
			"run_id", runID, "error", err)
	}
	for _, job := range jobs {
		if job.Status.IsTerminal() {
			continue
		}
		if err := c.store.CancelWorkerJob(ctx, job.ID); err != nil &&
			!errors.Is(err, storage.ErrStateTransitionFailed) {
			c.config.log().Warn("hivepg: failed to cancel worker job",
				"job_id", job.ID, "run_id", runID, "error", err)
		}
	}

	emitter := c.services.supervisorEmitter(run)
	if err := emitter.Emit(ctx, event.TypeRunUpdated, map[string]any{
		"status": string(runstate.RunStateCancelled),
	}); err != nil {
		c.config.log().Warn("hivepg: failed to emit cancellation event",
			"run_id", runID, "error", err)
	}
	c.services.hooks.FireRunFinished(ctx, runID, runstate.RunStateCancelled, context.Canceled)
	return nil
}

// CancelWorkerJob cancels a single worker job that has not finished. The
// supervisor's barrier observes the cancellation like any terminal outcome.
func (c *Client[TTx]) CancelWorkerJob(ctx context.Context, jobID int64) error {
	return c.store.CancelWorkerJob(ctx, jobID)
}

// =============================================================================
// Events, tokens, watching
// =============================================================================

// SubscribeRunEvents subscribes to one run's live events. The durable log is
// the source of truth; a lagging subscriber drops deliveries and should
// reconcile via Store().GetRunEvents.
func (c *Client[TTx]) SubscribeRunEvents(runID int64) (<-chan *storage.Event, func()) {
	return c.services.bus.SubscribeRun(runID)
}

// SubscribeEvents subscribes to every run's live events.
func (c *Client[TTx]) SubscribeEvents() (<-chan *storage.Event, func()) {
	return c.services.bus.SubscribeAll()
}

// SubscribeTokens subscribes to a run's token stream. Tokens flow only for
// runs started with WithTokenStream.
func (c *Client[TTx]) SubscribeTokens(runID int64) (<-chan streaming.Token, func()) {
	return c.services.broker.Subscribe(runID)
}

// WatchWorker blocks on the roundabout monitor for a worker job and returns
// what it observed. The monitor never mutates the worker.
func (c *Client[TTx]) WatchWorker(ctx context.Context, jobID int64) (*roundabout.Result, error) {
	return c.services.monitor.Watch(ctx, jobID)
}

// Hooks returns the hook registry. Hooks registered here fire on every
// instance-local run and worker.
func (c *Client[TTx]) Hooks() *hooks.Registry {
	return c.config.hooks
}

// Tools returns every registered tool, builtins included.
func (c *Client[TTx]) Tools() []tool.Tool {
	return c.services.resolver.Registry().All()
}

// =============================================================================
// Introspection
// =============================================================================

// InstanceID returns the unique identifier for this client instance.
func (c *Client[TTx]) InstanceID() string {
	return c.instanceID
}

// IsLeader returns true if this instance currently holds the leader lease.
func (c *Client[TTx]) IsLeader() bool {
	return c.isLeader.Load()
}

// IsRunning returns true if the client is started.
func (c *Client[TTx]) IsRunning() bool {
	return c.started.Load()
}

// Store returns the storage interface for direct access.
func (c *Client[TTx]) Store() storage.Store {
	return c.store
}

// Driver returns the database driver.
func (c *Client[TTx]) Driver() driver.Driver[TTx] {
	return c.driver
}

// =============================================================================
// Leadership
// =============================================================================

func (c *Client[TTx]) onBecameLeader(ctx context.Context) {
	c.isLeader.Store(true)

	c.cleanup = maintenance.NewCleanup(c.store, nil)
	if err := c.cleanup.Start(ctx); err != nil && !errors.Is(err, maintenance.ErrAlreadyStarted) {
		c.config.log().Error("hivepg: failed to start cleanup service", "error", err)
	}
	if err := c.reaper.Start(ctx); err != nil && !errors.Is(err, ErrAlreadyStarted) {
		c.config.log().Error("hivepg: failed to start reaper", "error", err)
	}
	if err := c.rescuer.Start(ctx); err != nil && !errors.Is(err, ErrAlreadyStarted) {
		c.config.log().Error("hivepg: failed to start rescuer", "error", err)
	}

	c.config.log().Info("hivepg: became leader", "instance_id", c.instanceID)
}

func (c *Client[TTx]) onLostLeadership(ctx context.Context) {
	c.isLeader.Store(false)

	if err := c.reaper.Stop(ctx); err != nil && !errors.Is(err, ErrNotStarted) {
		c.config.log().Warn("hivepg: failed to stop reaper", "error", err)
	}
	if err := c.rescuer.Stop(ctx); err != nil && !errors.Is(err, ErrNotStarted) {
		c.config.log().Warn("hivepg: failed to stop rescuer", "error", err)
	}
	if c.cleanup != nil && c.cleanup.IsRunning() {
		if err := c.cleanup.Stop(ctx); err != nil {
			c.config.log().Warn("hivepg: failed to stop cleanup service", "error", err)
		}
	}

	c.config.log().Info("hivepg: lost leadership", "instance_id", c.instanceID)
}

func buildRunOptions(opts []RunOption) *runOptions {
	o := &runOptions{}
	for _, opt := range opts {
		opt(o)
	}
	return o
}
