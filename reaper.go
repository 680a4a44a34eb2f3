package hivepg

import (
	"context"
	"time"
)

// reaper resumes supervisors whose barrier deadline passed and fails jobs
// orphaned by a phase-two commit that never landed. It runs only on the
// leader instance; the client starts and stops it on leadership changes.
type reaper struct {
	services *services

	cancel context.CancelFunc
	done   chan struct{}
}

func newReaper(svc *services) *reaper {
	return &reaper{services: svc}
}

func (r *reaper) Start(ctx context.Context) error {
	if r.done != nil {
		return ErrAlreadyStarted
	}
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})
	go r.loop(ctx)
	return nil
}

func (r *reaper) Stop(ctx context.Context) error {
	if r.done == nil {
		return ErrNotStarted
	}
	r.cancel()
	select {
	case <-r.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	r.done = nil
	return nil
}

func (r *reaper) loop(ctx context.Context) {
	defer close(r.done)

	ticker := time.NewTicker(r.services.config.reaperInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reapExpiredBarriers(ctx)
			r.sweepOrphanedJobs(ctx)
		}
	}
}

// reapExpiredBarriers claims each waiting barrier past its deadline and
// batch-resumes the parked supervisor with whatever results landed. Children
// still outstanding are marked timeout inside the claim, so the supervisor
// sees a complete (if partial) result set.
func (r *reaper) reapExpiredBarriers(ctx context.Context) {
	svc := r.services

	runIDs, err := svc.store.GetExpiredBarriers(ctx, time.Now())
	if err != nil {
		svc.log().Error("hivepg: failed to list expired barriers", "error", err)
		return
	}

	for _, runID := range runIDs {
		completion, err := svc.store.ClaimExpiredBarrier(ctx, runID)
		if err != nil {
			svc.log().Error("hivepg: failed to claim expired barrier",
				"run_id", runID, "error", err)
			continue
		}
		if completion == nil || !completion.Claimed {
			// Locked by a live completion or no longer waiting.
			continue
		}

		svc.log().Warn("hivepg: barrier deadline exceeded, resuming with partial results",
			"run_id", runID, "job_count", len(completion.Results))

		if err := svc.resumeSupervisor(ctx, runID, completion.Results, TriggerReaper); err != nil {
			svc.log().Error("hivepg: reaper resume failed",
				"run_id", runID, "error", err)
		}
	}
}

// sweepOrphanedJobs fails jobs stuck in created state past the cutoff. These
// are phase-one rows whose phase-two barrier commit never happened; nothing
// will ever queue them.
func (r *reaper) sweepOrphanedJobs(ctx context.Context) {
	svc := r.services

	cutoff := time.Now().Add(-svc.config.orphanedJobCutoff)
	jobs, err := svc.store.GetOrphanedCreatedJobs(ctx, cutoff)
	if err != nil {
		svc.log().Error("hivepg: failed to list orphaned jobs", "error", err)
		return
	}

	for _, job := range jobs {
		failed, err := svc.store.FailOrphanedJob(ctx, job.ID, "orphaned job: barrier creation failed")
		if err != nil {
			svc.log().Error("hivepg: failed to fail orphaned job",
				"job_id", job.ID, "error", err)
			continue
		}
		if failed {
			svc.log().Warn("hivepg: failed orphaned worker job",
				"job_id", job.ID, "owner_id", job.OwnerID, "created_at", job.CreatedAt)
		}
	}
}
