package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// ---------------------------------------------------------------------------
// Event log
// ---------------------------------------------------------------------------

// AppendRunEvent inserts an event with the next per-run sequence number and
// notifies live subscribers. Sequence assignment races with concurrent
// appenders on the (run_id, seq) unique constraint; the insert retries a few
// times before giving up.
func (s *PostgresStore) AppendRunEvent(ctx context.Context, runID int64, eventType string, payload map[string]any) (*Event, error) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event payload: %w", err)
	}

	query := `
		INSERT INTO hivepg_events (run_id, seq, event_type, payload, created_at)
		VALUES ($1, (SELECT COALESCE(MAX(seq), 0) + 1 FROM hivepg_events WHERE run_id = $1), $2, $3, NOW())
		RETURNING id, seq, created_at`

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		event := &Event{RunID: runID, EventType: eventType, Payload: payload}

		err := s.WithTx(ctx, func(ctx context.Context) error {
			exec := s.getExecutor(ctx)
			if err := exec.QueryRow(ctx, query, runID, eventType, string(payloadJSON)).Scan(&event.ID, &event.Seq, &event.CreatedAt); err != nil {
				return err
			}
			notification, err := json.Marshal(map[string]any{"run_id": runID, "seq": event.Seq})
			if err != nil {
				return fmt.Errorf("failed to marshal event notification: %w", err)
			}
			if _, err := exec.Exec(ctx, `SELECT pg_notify($1, $2)`, NotifyChannelRunEvents, string(notification)); err != nil {
				return fmt.Errorf("failed to notify event: %w", err)
			}
			return nil
		})
		if err == nil {
			return event, nil
		}
		if sqlState(err) != sqlstateUniqueViolation {
			return nil, fmt.Errorf("failed to append run event: %w", err)
		}
		lastErr = err
	}
	return nil, fmt.Errorf("failed to append run event after seq contention: %w", lastErr)
}

// GetRunEvents retrieves events with seq greater than afterSeq, in sequence
// order. A limit of 0 means no limit.
func (s *PostgresStore) GetRunEvents(ctx context.Context, runID int64, afterSeq int, limit int) ([]*Event, error) {
	query := `
		SELECT id, run_id, seq, event_type, payload, created_at
		FROM hivepg_events
		WHERE run_id = $1 AND seq > $2
		ORDER BY seq`
	args := []any{runID, afterSeq}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}

	rows, err := s.getExecutor(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query run events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		var e Event
		var payloadJSON []byte
		if err := rows.Scan(&e.ID, &e.RunID, &e.Seq, &e.EventType, &payloadJSON, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan run event: %w", err)
		}
		if len(payloadJSON) > 0 {
			if err := json.Unmarshal(payloadJSON, &e.Payload); err != nil {
				return nil, fmt.Errorf("failed to unmarshal event payload: %w", err)
			}
		}
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating run events: %w", err)
	}
	return events, nil
}

// GetLatestEventSeq returns the highest sequence number recorded for a run,
// or 0 when the run has no events.
func (s *PostgresStore) GetLatestEventSeq(ctx context.Context, runID int64) (int, error) {
	var seq int
	err := s.getExecutor(ctx).QueryRow(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM hivepg_events WHERE run_id = $1`, runID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("failed to get latest event seq: %w", err)
	}
	return seq, nil
}

// GetRunEventCount returns the number of events recorded for a run.
func (s *PostgresStore) GetRunEventCount(ctx context.Context, runID int64) (int, error) {
	var count int
	err := s.getExecutor(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM hivepg_events WHERE run_id = $1`, runID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count run events: %w", err)
	}
	return count, nil
}

// DeleteRunEvents deletes all events of a run and returns how many were
// removed.
func (s *PostgresStore) DeleteRunEvents(ctx context.Context, runID int64) (int, error) {
	affected, err := s.getExecutor(ctx).Exec(ctx, `DELETE FROM hivepg_events WHERE run_id = $1`, runID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete run events: %w", err)
	}
	return int(affected), nil
}

// ---------------------------------------------------------------------------
// Instances
// ---------------------------------------------------------------------------

// RegisterInstance registers an orchestrator process, reviving the row when
// the same instance id restarts.
func (s *PostgresStore) RegisterInstance(ctx context.Context, params *RegisterInstanceParams) error {
	if params.ID == "" {
		return fmt.Errorf("%w: instance id is required", ErrInvalidParams)
	}

	metadataJSON, err := marshalMetadata(params.Metadata)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO hivepg_instances (id, hostname, metadata, started_at, last_heartbeat_at)
		VALUES ($1, $2, COALESCE($3, '{}'::jsonb), NOW(), NOW())
		ON CONFLICT (id) DO UPDATE SET
			hostname = EXCLUDED.hostname,
			metadata = EXCLUDED.metadata,
			started_at = NOW(),
			last_heartbeat_at = NOW()`

	if _, err := s.getExecutor(ctx).Exec(ctx, query, params.ID, params.Hostname, metadataJSON); err != nil {
		return fmt.Errorf("failed to register instance: %w", err)
	}
	return nil
}

// UpdateInstanceHeartbeat refreshes the liveness timestamp of an instance.
func (s *PostgresStore) UpdateInstanceHeartbeat(ctx context.Context, instanceID string) error {
	query := `UPDATE hivepg_instances SET last_heartbeat_at = NOW() WHERE id = $1`

	affected, err := s.getExecutor(ctx).Exec(ctx, query, instanceID)
	if err != nil {
		return fmt.Errorf("failed to update instance heartbeat: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: instance %s", ErrNotFound, instanceID)
	}
	return nil
}

// DeregisterInstance removes an instance row on clean shutdown.
func (s *PostgresStore) DeregisterInstance(ctx context.Context, instanceID string) error {
	if _, err := s.getExecutor(ctx).Exec(ctx, `DELETE FROM hivepg_instances WHERE id = $1`, instanceID); err != nil {
		return fmt.Errorf("failed to deregister instance: %w", err)
	}
	return nil
}

// GetStaleInstances returns ids of instances that stopped heartbeating
// before the horizon.
func (s *PostgresStore) GetStaleInstances(ctx context.Context, olderThan time.Time) ([]string, error) {
	query := `SELECT id FROM hivepg_instances WHERE last_heartbeat_at < $1 ORDER BY last_heartbeat_at`

	rows, err := s.getExecutor(ctx).Query(ctx, query, olderThan)
	if err != nil {
		return nil, fmt.Errorf("failed to query stale instances: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan instance id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating instances: %w", err)
	}
	return ids, nil
}

// ---------------------------------------------------------------------------
// Leadership
// ---------------------------------------------------------------------------

const leaderName = "default"

// LeaderAttemptElect tries to acquire the leader lease. It succeeds when the
// slot is empty, expired, or already held by this candidate.
func (s *PostgresStore) LeaderAttemptElect(ctx context.Context, params *LeaderElectParams) (bool, error) {
	query := `
		INSERT INTO hivepg_leader (name, leader_id, elected_at, expires_at)
		VALUES ($1, $2, NOW(), NOW() + make_interval(secs => $3))
		ON CONFLICT (name) DO UPDATE SET
			leader_id = EXCLUDED.leader_id,
			elected_at = NOW(),
			expires_at = EXCLUDED.expires_at
		WHERE hivepg_leader.expires_at < NOW() OR hivepg_leader.leader_id = EXCLUDED.leader_id`

	affected, err := s.getExecutor(ctx).Exec(ctx, query, leaderName, params.LeaderID, params.TTL.Seconds())
	if err != nil {
		return false, fmt.Errorf("failed to attempt election: %w", err)
	}
	return affected > 0, nil
}

// LeaderAttemptReelect extends the lease of the current leader. A false
// return means leadership was lost.
func (s *PostgresStore) LeaderAttemptReelect(ctx context.Context, params *LeaderElectParams) (bool, error) {
	query := `
		UPDATE hivepg_leader SET expires_at = NOW() + make_interval(secs => $3)
		WHERE name = $1 AND leader_id = $2`

	affected, err := s.getExecutor(ctx).Exec(ctx, query, leaderName, params.LeaderID, params.TTL.Seconds())
	if err != nil {
		return false, fmt.Errorf("failed to attempt reelection: %w", err)
	}
	return affected > 0, nil
}

// LeaderResign gives up the lease and notifies standbys so the next election
// does not wait out the TTL.
func (s *PostgresStore) LeaderResign(ctx context.Context, leaderID string) error {
	return s.WithTx(ctx, func(ctx context.Context) error {
		exec := s.getExecutor(ctx)
		affected, err := exec.Exec(ctx,
			`DELETE FROM hivepg_leader WHERE name = $1 AND leader_id = $2`, leaderName, leaderID)
		if err != nil {
			return fmt.Errorf("failed to resign leadership: %w", err)
		}
		if affected == 0 {
			return nil
		}
		if _, err := exec.Exec(ctx, `SELECT pg_notify($1, $2)`, NotifyChannelLeadership, leaderID); err != nil {
			return fmt.Errorf("failed to notify resignation: %w", err)
		}
		return nil
	})
}

// LeaderDeleteExpired removes expired leases so a fresh election can insert.
func (s *PostgresStore) LeaderDeleteExpired(ctx context.Context) (int, error) {
	affected, err := s.getExecutor(ctx).Exec(ctx, `DELETE FROM hivepg_leader WHERE expires_at < NOW()`)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired leases: %w", err)
	}
	return int(affected), nil
}
