// Package hivepg provides a PostgreSQL-backed two-tier agent orchestrator:
// a durable supervisor conversation that delegates work to disposable
// background workers.
//
// HivePG is opinionated (Anthropic + PostgreSQL + pgx). One supervisor thread
// per owner carries the long-lived conversation; the supervisor spawns worker
// jobs through a two-phase commit, parks behind a barrier while they run in
// parallel, and resumes atomically when the last worker finishes. All state
// transitions are conditional database updates, so any number of instances
// can run against the same database.
//
// # Key Features
//
//   - Durable supervisor runs with a ReAct loop and per-run event log
//   - Disposable workers with filesystem artifact bundles
//   - Parallel worker spawning with atomic batch resume
//   - Soft-timeout deferral: callers stop waiting, the engine keeps going
//   - Roundabout monitoring of running workers without mutating them
//   - Leader-elected reaper and rescuer for crash recovery
//   - Automatic context compaction on the supervisor thread
//
// # Quick Start
//
//	pool, _ := pgxpool.New(ctx, connString)
//	drv := pgxv5.New(pool)
//	api := anthropic.NewClient()
//
//	client, err := hivepg.NewClient(drv, hivepg.Config{
//	    Client:                 &api,
//	    Model:                  "claude-sonnet-4-5-20250929",
//	    SupervisorSystemPrompt: supervisorPrompt,
//	    WorkerSystemPrompt:     workerPrompt,
//	    ArtifactDir:            "/var/lib/hivepg/artifacts",
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := client.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Stop(ctx)
//
//	run, _ := client.StartRun(ctx, ownerID, "Summarize the open incidents")
//	run, _ = client.WaitForRun(ctx, run.ID)
//
// StartRun blocks up to the soft timeout. A run that outlives it comes back
// in deferred state while the engine keeps working; WaitForRun or the event
// stream observe the final outcome.
//
// # Workers
//
// The supervisor delegates by calling the spawn_worker tool. Multiple spawn
// calls in one assistant turn run workers in parallel; the run parks in
// waiting state until every worker lands, then resumes with all results
// delivered as tool replies in one batch. Each worker gets a fresh transient
// thread and an artifact bundle on disk (config, transcript, tool calls,
// result, summary, metrics).
//
// # Custom Tools
//
// Implement the tool.Tool interface and register with WithTools:
//
//	client, _ := hivepg.NewClient(drv, cfg, hivepg.WithTools(myTool))
//
// # Events
//
// Every significant transition is appended to a durable per-run event log
// (supervisor_started, supervisor_waiting, worker_spawned, worker_complete,
// supervisor_resumed, ...) and fanned out live:
//
//	events, cancel := client.SubscribeRunEvents(run.ID)
//	defer cancel()
//	for ev := range events {
//	    fmt.Println(ev.Type)
//	}
package hivepg
