package hivepg

import "github.com/youssefsiam38/hivepg/storage"

// Run trigger kinds recorded on hivepg_runs.trigger.
const (
	TriggerAPI          = "api"
	TriggerContinuation = "continuation"
	TriggerResume       = "resume"
	TriggerReaper       = "reaper"
)

// Tool-reply prefixes for worker outcomes. The resume path renders each
// barrier result into a tool message with one of these shapes; the wording is
// fixed because supervisors and tests match on it.
const (
	// WorkerCompletedPrefix heads a successful worker's tool reply.
	WorkerCompletedPrefix = "Worker completed:\n\n"

	// WorkerFailedFormat renders a failed worker's tool reply:
	// error first, then whatever partial result survived.
	WorkerFailedFormat = "Worker failed:\n\nError: %s\n\nPartial result: %s"
)

// spawnAckFormat is the tool reply synthesized for a spawn call at phase one.
const spawnAckFormat = "Worker job %d spawned successfully. Results will be delivered when the worker finishes."

// emptyResponseFallback is the assistant message synthesized when the LLM
// returned an empty response twice in a row, once before and once after the
// corrective retry.
const emptyResponseFallback = "LLM returned an empty response twice; no further output was produced for this request."

// recentWorkerMarker tags the injected supervisor context message listing
// recent workers, so stale copies can be found and deleted between runs.
const recentWorkerMarker = "[RECENT_WORKERS]"

// LISTEN/NOTIFY channel names, re-exported from storage for applications
// that listen directly.
const (
	ChannelJobQueued  = storage.NotifyChannelJobQueued
	ChannelRunEvents  = storage.NotifyChannelRunEvents
	ChannelLeadership = storage.NotifyChannelLeadership
)
