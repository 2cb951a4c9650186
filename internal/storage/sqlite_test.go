package storage

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// TestMigrationsIdempotent runs Open twice on the same database and verifies
// the schema_version count stays correct (migration not re-applied).
func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}

	v1, err := s1.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	v2, err := s2.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}

	if len(v1) != len(v2) {
		t.Errorf("migration count changed: %d -> %d", len(v1), len(v2))
	}
}

func TestIndexesExist(t *testing.T) {
	s := openTestStore(t)

	for _, idx := range []string{"idx_usage_created", "idx_usage_provider"} {
		var count int
		err := s.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name=?", idx).Scan(&count)
		if err != nil {
			t.Fatalf("querying index %s: %v", idx, err)
		}
		if count != 1 {
			t.Errorf("index %s not found", idx)
		}
	}
}

func TestSaveAndGetUsage(t *testing.T) {
	s := openTestStore(t)

	now := time.Now().UTC().Truncate(time.Second)
	u := UsageRecord{
		ID:          "u1",
		CreatedAt:   now,
		RequestID:   "req-1",
		PersonaID:   1,
		PersonaName: "The Comforter",
		Provider:    "openai",
		Model:       "gpt-3.5-turbo",
		Status:      200,
		Latency:     420 * time.Millisecond,
		ClientHash:  "abc",
	}
	if err := s.SaveUsage(u); err != nil {
		t.Fatalf("SaveUsage: %v", err)
	}

	got, err := s.GetUsage("u1")
	if err != nil {
		t.Fatalf("GetUsage: %v", err)
	}
	if got.Code != CodeOK {
		t.Errorf("Code = %q, want %q", got.Code, CodeOK)
	}
	if got.PersonaName != "The Comforter" || got.Provider != "openai" {
		t.Errorf("got %+v", got)
	}
	if got.Latency != 420*time.Millisecond {
		t.Errorf("Latency = %v, want 420ms", got.Latency)
	}
	if !got.CreatedAt.Equal(now) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, now)
	}
}

func TestGetUsageNotFound(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.GetUsage("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestRecentUsage(t *testing.T) {
	s := openTestStore(t)

	base := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)
	for i := range 5 {
		err := s.SaveUsage(UsageRecord{
			ID:        fmt.Sprintf("u%d", i),
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
			RequestID: fmt.Sprintf("r%d", i),
			Provider:  "openai",
			Status:    200,
		})
		if err != nil {
			t.Fatalf("SaveUsage: %v", err)
		}
	}

	got, err := s.RecentUsage(3)
	if err != nil {
		t.Fatalf("RecentUsage: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	if got[0].ID != "u4" || got[2].ID != "u2" {
		t.Errorf("order = %s,%s,%s, want u4,u3,u2", got[0].ID, got[1].ID, got[2].ID)
	}
}

func TestSummaryByProvider(t *testing.T) {
	s := openTestStore(t)

	now := time.Now().UTC()
	records := []UsageRecord{
		{ID: "1", Provider: "openai", Code: CodeOK, Status: 200, Latency: 100 * time.Millisecond},
		{ID: "2", Provider: "openai", Code: "rate_limited", Status: 429, Latency: 300 * time.Millisecond},
		{ID: "3", Provider: "gemini", Code: CodeOK, Status: 200, Latency: 50 * time.Millisecond},
	}
	for _, r := range records {
		r.CreatedAt = now
		r.RequestID = "r" + r.ID
		if err := s.SaveUsage(r); err != nil {
			t.Fatalf("SaveUsage: %v", err)
		}
	}
	old := UsageRecord{ID: "old", CreatedAt: now.Add(-48 * time.Hour), RequestID: "r-old", Provider: "anthropic", Status: 200}
	if err := s.SaveUsage(old); err != nil {
		t.Fatalf("SaveUsage: %v", err)
	}

	sum, err := s.SummaryByProvider(now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("SummaryByProvider: %v", err)
	}
	if len(sum) != 2 {
		t.Fatalf("len = %d, want 2: %+v", len(sum), sum)
	}
	if sum[0].Provider != "gemini" || sum[0].Requests != 1 || sum[0].Failures != 0 {
		t.Errorf("gemini = %+v", sum[0])
	}
	if sum[1].Provider != "openai" || sum[1].Requests != 2 || sum[1].Failures != 1 {
		t.Errorf("openai = %+v", sum[1])
	}
	if sum[1].AvgLatency != 200*time.Millisecond {
		t.Errorf("openai AvgLatency = %v, want 200ms", sum[1].AvgLatency)
	}
}

func TestPruneUsage(t *testing.T) {
	s := openTestStore(t)

	now := time.Now().UTC()
	for i, age := range []time.Duration{0, 24 * time.Hour, 40 * 24 * time.Hour} {
		err := s.SaveUsage(UsageRecord{
			ID:        fmt.Sprintf("u%d", i),
			CreatedAt: now.Add(-age),
			RequestID: "r",
			Provider:  "openai",
			Status:    200,
		})
		if err != nil {
			t.Fatalf("SaveUsage: %v", err)
		}
	}

	n, err := s.PruneUsage(now.Add(-30 * 24 * time.Hour))
	if err != nil {
		t.Fatalf("PruneUsage: %v", err)
	}
	if n != 1 {
		t.Errorf("pruned = %d, want 1", n)
	}
	if _, err := s.GetUsage("u2"); !errors.Is(err, ErrNotFound) {
		t.Errorf("u2 still present: %v", err)
	}
}
