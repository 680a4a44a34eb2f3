package hivepg

import (
	"log/slog"

	"github.com/youssefsiam38/hivepg/artifact"
	"github.com/youssefsiam38/hivepg/compaction"
	"github.com/youssefsiam38/hivepg/event"
	"github.com/youssefsiam38/hivepg/hooks"
	"github.com/youssefsiam38/hivepg/llm"
	"github.com/youssefsiam38/hivepg/notifier"
	"github.com/youssefsiam38/hivepg/roundabout"
	"github.com/youssefsiam38/hivepg/storage"
	"github.com/youssefsiam38/hivepg/streaming"
	"github.com/youssefsiam38/hivepg/tool"
)

// services bundles everything the engine paths share: supervisor turns,
// worker runs, the job processor, the reaper and the rescuer all run against
// one services value owned by the client. It is not generic; the driver's
// transaction type never crosses this seam.
type services struct {
	store     storage.Store
	bus       *event.Bus
	notif     *notifier.Notifier
	artifacts *artifact.Store
	resolver  *tool.Resolver
	adapter   llm.Adapter
	compactor *compaction.Compactor
	broker    *streaming.Broker
	monitor   *roundabout.Monitor
	hooks     *hooks.Registry
	config    *internalConfig

	instanceID string
}

func (s *services) log() *slog.Logger {
	return s.config.log()
}

// supervisorEmitter builds an emitter speaking for the supervisor tier of
// one run. Every event of the run carries the run's stable assistant
// message id, not whatever id the provider assigned to the latest response.
func (s *services) supervisorEmitter(run *storage.Run) *event.Emitter {
	em := event.NewEmitter(s.store, s.bus, event.EmitterParams{
		Kind:    event.KindSupervisor,
		RunID:   run.ID,
		OwnerID: run.OwnerID,
		TraceID: run.TraceID,
		Logger:  s.log(),
	})
	em.SetMessageID(run.AssistantMessageID)
	return em
}

// workerEmitter builds an emitter speaking for one worker job. Worker events
// land on the supervisor run's event log when the job has one, so watchers
// of the run see the whole hierarchy.
func (s *services) workerEmitter(job *storage.WorkerJob, workerID string) *event.Emitter {
	runID := int64(0)
	if job.SupervisorRunID != nil {
		runID = *job.SupervisorRunID
	}
	jobID := job.ID
	return event.NewEmitter(s.store, s.bus, event.EmitterParams{
		Kind:     event.KindWorker,
		RunID:    runID,
		OwnerID:  job.OwnerID,
		JobID:    &jobID,
		WorkerID: workerID,
		TraceID:  job.TraceID,
		Logger:   s.log(),
	})
}

// toolDefs renders the registry's tools for the provider. The allowlist
// filters by name; nil means all tools.
func (s *services) toolDefs(allowlist []string) []llm.ToolDef {
	var tools []tool.Tool
	if allowlist == nil {
		tools = s.resolver.Registry().All()
	} else {
		tools = s.resolver.Filter(allowlist)
	}
	defs := make([]llm.ToolDef, len(tools))
	for i, t := range tools {
		defs[i] = llm.ToolDef{
			Name:        t.Name(),
			Description: t.Description(),
			InputSchema: t.InputSchema().ToMap(),
		}
	}
	return defs
}
