// Package leadership elects one hivepg instance to run the singleton
// maintenance services (reaper, rescuer, artifact pruning). The lease is a
// TTL row in hivepg_leadership; holders renew it ahead of expiry and any
// instance may take over a lapsed lease.
package leadership

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/youssefsiam38/hivepg/storage"
)

// Default lease timings. ReelectionDelay must stay well under LeaderTTL so a
// healthy leader renews several times before the lease can lapse.
const (
	DefaultLeaderTTL       = 30 * time.Second
	DefaultElectionPeriod  = 10 * time.Second
	DefaultReelectionDelay = 5 * time.Second
)

// Config holds the election timings.
type Config struct {
	// LeaderTTL is how long a held lease stays valid without renewal.
	LeaderTTL time.Duration

	// ElectionPeriod is how often a non-leader retries the election.
	ElectionPeriod time.Duration

	// ReelectionDelay is how often the current leader renews its lease.
	ReelectionDelay time.Duration

	// Logger receives election warnings; nil falls back to slog.Default.
	Logger *slog.Logger
}

// DefaultConfig returns the default election timings.
func DefaultConfig() *Config {
	return &Config{
		LeaderTTL:       DefaultLeaderTTL,
		ElectionPeriod:  DefaultElectionPeriod,
		ReelectionDelay: DefaultReelectionDelay,
	}
}

// Callbacks fire on leadership transitions. The client uses them to start and
// stop the leader-only services.
type Callbacks struct {
	// OnBecameLeader fires when this instance wins the lease.
	OnBecameLeader func(ctx context.Context)

	// OnLostLeadership fires when the lease is lost: a failed renewal, an
	// explicit Resign, or Stop while leading.
	OnLostLeadership func(ctx context.Context)
}

// Elector runs the election loop for one instance.
type Elector struct {
	store      storage.Store
	instanceID string
	config     *Config
	callbacks  Callbacks

	mu       sync.RWMutex
	isLeader bool

	started atomic.Bool
	done    chan struct{}
	cancel  context.CancelFunc
}

// NewElector creates an elector for the given instance. A nil config uses the
// defaults.
func NewElector(store storage.Store, instanceID string, config *Config, callbacks Callbacks) *Elector {
	if config == nil {
		config = DefaultConfig()
	}

	return &Elector{
		store:      store,
		instanceID: instanceID,
		config:     config,
		callbacks:  callbacks,
		done:       make(chan struct{}),
	}
}

// Start launches the election loop and returns immediately.
func (e *Elector) Start(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	ctx, e.cancel = context.WithCancel(ctx)
	go e.runElectionLoop(ctx)

	return nil
}

// Stop halts the loop and, when this instance holds the lease, resigns it so
// another instance can take over without waiting out the TTL.
func (e *Elector) Stop(ctx context.Context) error {
	if !e.started.Load() {
		return ErrNotStarted
	}

	e.cancel()
	<-e.done

	e.mu.Lock()
	wasLeader := e.isLeader
	e.isLeader = false
	e.mu.Unlock()

	if wasLeader {
		// Best effort; a lost resignation just means the TTL runs out.
		resignCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		_ = e.store.LeaderResign(resignCtx, e.instanceID)

		if e.callbacks.OnLostLeadership != nil {
			e.callbacks.OnLostLeadership(ctx)
		}
	}

	e.started.Store(false)
	return nil
}

// IsLeader reports whether this instance currently holds the lease.
func (e *Elector) IsLeader() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.isLeader
}

// IsRunning reports whether the election loop is active.
func (e *Elector) IsRunning() bool {
	return e.started.Load()
}

// Resign gives up the lease without stopping the loop; the instance may win
// it back on a later election tick.
func (e *Elector) Resign(ctx context.Context) error {
	e.mu.Lock()
	wasLeader := e.isLeader
	e.isLeader = false
	e.mu.Unlock()

	if !wasLeader {
		return nil
	}

	if err := e.store.LeaderResign(ctx, e.instanceID); err != nil {
		return err
	}

	if e.callbacks.OnLostLeadership != nil {
		e.callbacks.OnLostLeadership(ctx)
	}

	return nil
}

func (e *Elector) runElectionLoop(ctx context.Context) {
	defer close(e.done)

	e.attemptElection(ctx)

	for {
		var delay time.Duration
		if e.IsLeader() {
			delay = e.config.ReelectionDelay
		} else {
			delay = e.config.ElectionPeriod
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
			if e.IsLeader() {
				e.attemptReelection(ctx)
			} else {
				e.attemptElection(ctx)
			}
		}
	}
}

// attemptElection tries to win a free or lapsed lease.
func (e *Elector) attemptElection(ctx context.Context) {
	elected, err := e.store.LeaderAttemptElect(ctx, &storage.LeaderElectParams{
		LeaderID: e.instanceID,
		TTL:      e.config.LeaderTTL,
	})
	if err != nil {
		e.log().Warn("hivepg: leader election attempt failed",
			"instance_id", e.instanceID, "error", err)
		return
	}

	if elected {
		e.mu.Lock()
		wasLeader := e.isLeader
		e.isLeader = true
		e.mu.Unlock()

		if !wasLeader && e.callbacks.OnBecameLeader != nil {
			e.callbacks.OnBecameLeader(ctx)
		}
	}
}

// attemptReelection renews the held lease; any failure means the lease is
// gone and the leader-only services must stop.
func (e *Elector) attemptReelection(ctx context.Context) {
	reelected, err := e.store.LeaderAttemptReelect(ctx, &storage.LeaderElectParams{
		LeaderID: e.instanceID,
		TTL:      e.config.LeaderTTL,
	})
	if err != nil || !reelected {
		if err != nil {
			e.log().Warn("hivepg: leader lease renewal failed",
				"instance_id", e.instanceID, "error", err)
		}

		e.mu.Lock()
		e.isLeader = false
		e.mu.Unlock()

		if e.callbacks.OnLostLeadership != nil {
			e.callbacks.OnLostLeadership(ctx)
		}
	}
}

func (e *Elector) log() *slog.Logger {
	if e.config.Logger != nil {
		return e.config.Logger
	}
	return slog.Default()
}
