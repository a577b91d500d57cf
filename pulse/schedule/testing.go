package schedule

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/teranos/batchwatch/db"
	bwtest "github.com/teranos/batchwatch/internal/testing"
)

// createTestDB creates a migrated test database with two secrets
// ("sec-openai", "sec-keboola") that jobs can reference.
func createTestDB(t *testing.T) *sql.DB {
	t.Helper()
	conn := bwtest.CreateTestDB(t)
	SeedTestSecrets(t, conn)
	return conn
}

// SeedTestSecrets inserts placeholder secrets "sec-openai" and "sec-keboola"
func SeedTestSecrets(t *testing.T, conn *sql.DB) {
	t.Helper()
	now := db.FormatTime(time.Now())
	for _, s := range [][2]string{{"sec-openai", "openai"}, {"sec-keboola", "keboola"}} {
		_, err := conn.Exec(`INSERT INTO secrets (id, name, type, value, created_at) VALUES (?, ?, ?, 'x', ?)`,
			s[0], s[0], s[1], now)
		if err != nil {
			t.Fatalf("Failed to seed secret %s: %v", s[0], err)
		}
	}
}

// TestClock is a manually advanced clock for scheduler tests
type TestClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewTestClock starts a clock at t
func NewTestClock(t time.Time) *TestClock {
	return &TestClock{now: t.UTC()}
}

// Now returns the current fake time
func (c *TestClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward
func (c *TestClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// TestJobRequest returns a valid request monitoring the given batch ids
func TestJobRequest(name string, batchIDs ...string) NewJobRequest {
	return NewJobRequest{
		Name:            name,
		BatchIDs:        batchIDs,
		StatusSecretID:  "sec-openai",
		TriggerSecretID: "sec-keboola",
		Trigger: Trigger{
			StackURL:        "https://connection.keboola.com",
			ComponentID:     "keboola.ex-openai-results",
			ConfigurationID: "12345",
		},
	}
}

// MustCreateJob creates a job or fails the test
func MustCreateJob(t *testing.T, s *Scheduler, req NewJobRequest) *Job {
	t.Helper()
	job, err := s.CreateJob(context.Background(), req)
	if err != nil {
		t.Fatalf("Failed to create job %s: %v", req.Name, err)
	}
	return job
}
