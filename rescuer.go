package hivepg

import (
	"context"
	"fmt"
	"time"

	"github.com/youssefsiam38/hivepg/runstate"
	"github.com/youssefsiam38/hivepg/storage"
)

// rescuer returns worker jobs whose holder stopped heartbeating to the queue,
// and fails jobs that have exhausted their attempts. It runs only on the
// leader instance; the client starts and stops it on leadership changes.
type rescuer struct {
	services *services

	// wake nudges the local job processor after a requeue. Other instances
	// wake through the job-queued notification the requeue emits.
	wake func()

	cancel context.CancelFunc
	done   chan struct{}
}

func newRescuer(svc *services, wake func()) *rescuer {
	return &rescuer{services: svc, wake: wake}
}

func (r *rescuer) Start(ctx context.Context) error {
	if r.done != nil {
		return ErrAlreadyStarted
	}
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})
	go r.loop(ctx)
	return nil
}

func (r *rescuer) Stop(ctx context.Context) error {
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

func (r *rescuer) loop(ctx context.Context) {
	defer close(r.done)

	ticker := time.NewTicker(r.services.config.rescueInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.rescueStaleJobs(ctx)
		}
	}
}

// rescueStaleJobs requeues running jobs whose heartbeat is older than the
// stale threshold. Claiming increments the attempt counter, so a job that
// keeps dying runs out of attempts here and fails for good; its supervisor's
// barrier settles through the normal completion path.
func (r *rescuer) rescueStaleJobs(ctx context.Context) {
	svc := r.services

	horizon := time.Now().Add(-svc.config.staleJobThreshold)
	jobs, err := svc.store.GetStaleRunningJobs(ctx, horizon, 100)
	if err != nil {
		svc.log().Error("hivepg: failed to list stale jobs", "error", err)
		return
	}
	if len(jobs) == 0 {
		return
	}

	svc.log().Info("hivepg: found stale worker jobs", "count", len(jobs))

	requeued := false
	for _, job := range jobs {
		if job.Attempt >= svc.config.maxJobAttempts {
			r.failExhaustedJob(ctx, job)
			continue
		}

		ok, err := svc.store.RequeueJob(ctx, job.ID)
		if err != nil {
			svc.log().Error("hivepg: failed to requeue stale job",
				"job_id", job.ID, "error", err)
			continue
		}
		if ok {
			requeued = true
			svc.log().Warn("hivepg: requeued stale worker job",
				"job_id", job.ID, "attempt", job.Attempt, "attempted_by", job.AttemptedBy)
		}
	}

	if requeued && r.wake != nil {
		r.wake()
	}
}

// failExhaustedJob terminally fails a stale job that has no attempts left and
// feeds the outcome into its supervisor's barrier.
func (r *rescuer) failExhaustedJob(ctx context.Context, job *storage.WorkerJob) {
	svc := r.services

	errMsg := fmt.Sprintf("worker lost after %d attempts: heartbeat expired", job.Attempt)
	applied, err := svc.store.CompleteWorkerJob(ctx, &storage.CompleteJobParams{
		JobID:  job.ID,
		Status: runstate.JobStateFailed,
		Error:  &errMsg,
	})
	if err != nil {
		svc.log().Error("hivepg: failed to fail exhausted job",
			"job_id", job.ID, "error", err)
		return
	}
	if !applied {
		return
	}

	svc.log().Warn("hivepg: worker job exhausted its attempts",
		"job_id", job.ID, "attempt", job.Attempt)

	partial := ""
	if job.Result != nil {
		partial = *job.Result
	}
	if err := svc.handleWorkerCompletion(ctx, job, runstate.BarrierJobStateFailed, partial, errMsg); err != nil {
		svc.log().Error("hivepg: failed to settle barrier for exhausted job",
			"job_id", job.ID, "error", err)
	}
}
