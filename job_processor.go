package hivepg

import (
	"context"
	"sync"
	"time"

	"github.com/youssefsiam38/hivepg/notifier"
	"github.com/youssefsiam38/hivepg/storage"
)

// jobProcessor claims queued worker jobs and runs them through the worker
// runner under a global cap and a per-owner semaphore. One processor runs
// per client instance; claiming uses FOR UPDATE SKIP LOCKED so instances
// never fight over rows.
type jobProcessor struct {
	services *services

	trigger chan struct{}
	cancel  context.CancelFunc
	done    chan struct{}

	mu          sync.Mutex
	inFlight    int
	ownerSlots  map[int64]int
	unsubscribe func()
}

func newJobProcessor(svc *services) *jobProcessor {
	return &jobProcessor{
		services:   svc,
		trigger:    make(chan struct{}, 1),
		ownerSlots: make(map[int64]int),
	}
}

// Start launches the claim loop. Wakes on hivepg_job_queued notifications
// when the notifier is available, and on the poll ticker always.
func (p *jobProcessor) Start(ctx context.Context) error {
	if p.done != nil {
		return ErrAlreadyStarted
	}
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})

	if p.services.notif != nil {
		p.unsubscribe = p.services.notif.Subscribe(notifier.EventJobQueued, func(ev *notifier.Event) {
			p.Wake()
		})
	}

	go p.loop(ctx)
	return nil
}

// Stop halts claiming. Jobs already running finish on their own contexts.
func (p *jobProcessor) Stop(ctx context.Context) error {
	if p.done == nil {
		return ErrNotStarted
	}
	if p.unsubscribe != nil {
		p.unsubscribe()
		p.unsubscribe = nil
	}
	p.cancel()
	select {
	case <-p.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	p.done = nil
	return nil
}

// Wake nudges the claim loop without waiting for the poll tick.
func (p *jobProcessor) Wake() {
	select {
	case p.trigger <- struct{}{}:
	default:
	}
}

func (p *jobProcessor) loop(ctx context.Context) {
	defer close(p.done)

	ticker := time.NewTicker(p.services.config.jobPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-p.trigger:
		}
		p.claimAndRun(ctx)
	}
}

// claimAndRun claims up to the free global capacity and dispatches each job.
// Jobs whose owner is at the per-owner cap are requeued untouched.
func (p *jobProcessor) claimAndRun(ctx context.Context) {
	free := p.freeSlots()
	if free <= 0 {
		return
	}

	jobs, err := p.services.store.ClaimQueuedJobs(ctx, &storage.ClaimJobsParams{
		Max:         free,
		AttemptedBy: p.services.instanceID,
	})
	if err != nil {
		p.services.log().Error("hivepg: failed to claim jobs", "error", err)
		return
	}

	for _, job := range jobs {
		job := job
		if !p.acquire(job.OwnerID) {
			// Owner at capacity: hand the job back to the queue for a
			// later tick (here or on another instance).
			if _, err := p.services.store.RequeueJob(ctx, job.ID); err != nil {
				p.services.log().Error("hivepg: failed to requeue job at owner capacity",
					"job_id", job.ID, "owner_id", job.OwnerID, "error", err)
			}
			continue
		}

		go func() {
			defer p.release(job.OwnerID)

			hbCtx, hbCancel := context.WithCancel(ctx)
			hbDone := make(chan struct{})
			go p.heartbeatLoop(hbCtx, hbDone, job.ID, hbCancel)

			// The run shares the heartbeat context: losing the claim
			// cancels the execution, not just the heartbeat.
			p.services.runWorkerJob(hbCtx, job)

			hbCancel()
			<-hbDone
		}()
	}
}

// heartbeatLoop refreshes the job's heartbeat while it runs. It stops
// itself, via cancel, when the row was reclaimed out from under us.
func (p *jobProcessor) heartbeatLoop(ctx context.Context, done chan struct{}, jobID int64, cancel context.CancelFunc) {
	defer close(done)

	ticker := time.NewTicker(p.services.config.jobHeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			alive, err := p.services.store.UpdateJobHeartbeat(ctx, jobID, p.services.instanceID)
			if err != nil {
				p.services.log().Warn("hivepg: job heartbeat failed",
					"job_id", jobID, "error", err)
				continue
			}
			if !alive {
				p.services.log().Warn("hivepg: job reclaimed, stopping heartbeat",
					"job_id", jobID)
				cancel()
				return
			}
		}
	}
}

func (p *jobProcessor) freeSlots() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.services.config.maxConcurrentJobs - p.inFlight
}

func (p *jobProcessor) acquire(ownerID int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inFlight >= p.services.config.maxConcurrentJobs {
		return false
	}
	if p.ownerSlots[ownerID] >= p.services.config.perOwnerWorkerConcurrency {
		return false
	}
	p.inFlight++
	p.ownerSlots[ownerID]++
	return true
}

func (p *jobProcessor) release(ownerID int64) {
	p.mu.Lock()
	p.inFlight--
	p.ownerSlots[ownerID]--
	if p.ownerSlots[ownerID] <= 0 {
		delete(p.ownerSlots, ownerID)
	}
	p.mu.Unlock()

	// A slot opened; there may be queued work we skipped.
	p.Wake()
}
