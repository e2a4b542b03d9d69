package store

import (
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenMigrates(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	// A fresh store answers queries on every table without errors.
	if _, err := s.ActivePositions("x1"); err != nil {
		t.Errorf("ActivePositions on empty store: %v", err)
	}
	if _, err := s.SuccessStats("x1"); err != nil {
		t.Errorf("SuccessStats on empty store: %v", err)
	}
	if _, err := s.KCStats("x1"); err != nil {
		t.Errorf("KCStats on empty store: %v", err)
	}
}

func TestReplicateInstance(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	src := Position{
		Instance: "x1", UpstreamID: "up-1", TraderID: "t1",
		Symbol: "SOL-USDT", Side: "long", UserAmount: 93.8,
		IsActive: true, IsCopied: true, UTime: 1000,
	}
	if _, err := s.InsertPositionIfAbsent(&src); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.RecomputeKC("x1", time.Now()); err != nil {
		t.Fatalf("RecomputeKC: %v", err)
	}

	if err := s.ReplicateInstance("x1", "x2"); err != nil {
		t.Fatalf("ReplicateInstance: %v", err)
	}

	got, err := s.ActivePositions("x2")
	if err != nil {
		t.Fatalf("ActivePositions: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("replicated positions = %d, want 1", len(got))
	}
	if got[0].UpstreamID != "up-1" || got[0].UserAmount != 93.8 {
		t.Errorf("replicated row = %+v", got[0])
	}

	// Source untouched.
	orig, _ := s.ActivePositions("x1")
	if len(orig) != 1 {
		t.Errorf("source positions = %d, want 1", len(orig))
	}
}

func TestReplicateInstanceRefusesNonEmpty(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	for _, inst := range []string{"x1", "x2"} {
		p := Position{Instance: inst, UpstreamID: "up-" + inst, TraderID: "t1",
			Symbol: "BTC-USDT", Side: "long", IsActive: true, UTime: 1}
		if _, err := s.InsertPositionIfAbsent(&p); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	if err := s.ReplicateInstance("x1", "x2"); err == nil {
		t.Error("ReplicateInstance into a non-empty instance did not fail")
	}
}
