package checkpoint

import "testing"

func TestStoreCheckpointNewestFirst(t *testing.T) {
	s := New(3)
	s.StoreCheckpoint("a1", []byte("s1"), SerializedByPause, "", 0)
	s.StoreCheckpoint("a1", []byte("s2"), SerializedByIdleCompletion, "", 0)

	recs := s.GetCheckpoints("a1")
	if len(recs) != 2 {
		t.Fatalf("len(recs) = %d, want 2", len(recs))
	}
	if string(recs[0].State) != "s2" {
		t.Fatalf("recs[0].State = %q, want s2 (newest first)", recs[0].State)
	}
	if string(recs[1].State) != "s1" {
		t.Fatalf("recs[1].State = %q, want s1", recs[1].State)
	}
}

func TestStoreCheckpointEvictsOldest(t *testing.T) {
	s := New(2)
	s.StoreCheckpoint("a1", []byte("s1"), SerializedByPause, "", 0)
	s.StoreCheckpoint("a1", []byte("s2"), SerializedByPause, "", 0)
	s.StoreCheckpoint("a1", []byte("s3"), SerializedByPause, "", 0)

	recs := s.GetCheckpoints("a1")
	if len(recs) != 2 {
		t.Fatalf("len(recs) = %d, want 2 (bounded)", len(recs))
	}
	if string(recs[0].State) != "s3" || string(recs[1].State) != "s2" {
		t.Fatalf("recs = %+v, want [s3, s2]", recs)
	}
}

func TestStoreCheckpointPerCallOverride(t *testing.T) {
	s := New(3)
	s.StoreCheckpoint("a1", []byte("s1"), SerializedByPause, "", 1)
	s.StoreCheckpoint("a1", []byte("s2"), SerializedByPause, "", 1)

	recs := s.GetCheckpoints("a1")
	if len(recs) != 1 {
		t.Fatalf("len(recs) = %d, want 1 (per-call bound override)", len(recs))
	}
	if string(recs[0].State) != "s2" {
		t.Fatalf("recs[0].State = %q, want s2", recs[0].State)
	}
}

func TestGetLatestCheckpointEmpty(t *testing.T) {
	s := New(3)
	if _, ok := s.GetLatestCheckpoint("nope"); ok {
		t.Fatal("GetLatestCheckpoint() ok = true for unknown agent")
	}
}

func TestGetLatestCheckpoint(t *testing.T) {
	s := New(3)
	s.StoreCheckpoint("a1", []byte("s1"), SerializedByPause, "", 0)
	s.StoreCheckpoint("a1", []byte("s2"), SerializedByKillGrace, "d1", 0)

	rec, ok := s.GetLatestCheckpoint("a1")
	if !ok {
		t.Fatal("GetLatestCheckpoint() ok = false")
	}
	if string(rec.State) != "s2" || rec.SerializedBy != SerializedByKillGrace || rec.DecisionID != "d1" {
		t.Fatalf("rec = %+v, unexpected", rec)
	}
}

func TestGetCheckpointCount(t *testing.T) {
	s := New(3)
	if s.GetCheckpointCount("a1") != 0 {
		t.Fatal("GetCheckpointCount() != 0 for unknown agent")
	}
	s.StoreCheckpoint("a1", []byte("s1"), SerializedByPause, "", 0)
	if s.GetCheckpointCount("a1") != 1 {
		t.Fatalf("GetCheckpointCount() = %d, want 1", s.GetCheckpointCount("a1"))
	}
}

func TestDeleteCheckpoints(t *testing.T) {
	s := New(3)
	s.StoreCheckpoint("a1", []byte("s1"), SerializedByPause, "", 0)
	s.DeleteCheckpoints("a1")
	if s.GetCheckpointCount("a1") != 0 {
		t.Fatal("checkpoints remain after DeleteCheckpoints")
	}
}

func TestNewDefaultsBoundWhenNonPositive(t *testing.T) {
	s := New(0)
	for i := 0; i < defaultMaxPerAgent+2; i++ {
		s.StoreCheckpoint("a1", []byte("x"), SerializedByPause, "", 0)
	}
	if got := s.GetCheckpointCount("a1"); got != defaultMaxPerAgent {
		t.Fatalf("GetCheckpointCount() = %d, want default bound %d", got, defaultMaxPerAgent)
	}
}

func TestCheckpointsAreIndependentPerAgent(t *testing.T) {
	s := New(3)
	s.StoreCheckpoint("a1", []byte("s1"), SerializedByPause, "", 0)
	s.StoreCheckpoint("a2", []byte("s2"), SerializedByPause, "", 0)

	if s.GetCheckpointCount("a1") != 1 || s.GetCheckpointCount("a2") != 1 {
		t.Fatal("per-agent checkpoint counts bled into each other")
	}
}
