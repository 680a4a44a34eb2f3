// Package testutil provides test utilities for hivepg
package testutil

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// TestDB wraps a PostgreSQL connection pool for testing
type TestDB struct {
	Pool *pgxpool.Pool
}

// NewTestDB creates a test database connection from DATABASE_URL env var
// Returns nil if DATABASE_URL is not set (for unit tests)
func NewTestDB(t *testing.T) *TestDB {
	t.Helper()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Skip("DATABASE_URL not set, skipping integration test")
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		t.Fatalf("Failed to connect to database: %v", err)
	}

	// Verify connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		t.Fatalf("Failed to ping database: %v", err)
	}

	return &TestDB{Pool: pool}
}

// Close closes the database connection
func (db *TestDB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
	}
}

// CleanTables truncates all tables for test isolation
func (db *TestDB) CleanTables(ctx context.Context) error {
	tables := []string{
		"hivepg_events",
		"hivepg_barrier_jobs",
		"hivepg_worker_barriers",
		"hivepg_worker_jobs",
		"hivepg_runs",
		"hivepg_messages",
		"hivepg_threads",
		"hivepg_instances",
		"hivepg_leader",
	}

	for _, table := range tables {
		_, err := db.Pool.Exec(ctx, fmt.Sprintf("TRUNCATE TABLE %s CASCADE", table))
		if err != nil {
			return fmt.Errorf("failed to truncate %s: %w", table, err)
		}
	}

	return nil
}

// SetupSupervisorThread creates a supervisor thread for an owner and returns
// its ID
func (db *TestDB) SetupSupervisorThread(ctx context.Context, t *testing.T, ownerID int64) int64 {
	t.Helper()

	var threadID int64
	err := db.Pool.QueryRow(ctx, `
		INSERT INTO hivepg_threads (owner_id, kind, created_at, updated_at)
		VALUES ($1, 'super', NOW(), NOW())
		RETURNING id
	`, ownerID).Scan(&threadID)

	if err != nil {
		t.Fatalf("Failed to create test thread: %v", err)
	}

	return threadID
}

// RequireIntegration skips the test if not running integration tests
func RequireIntegration(t *testing.T) {
	t.Helper()
	if os.Getenv("DATABASE_URL") == "" {
		t.Skip("Skipping integration test: DATABASE_URL not set")
	}
}
