package knowledge

import (
	"testing"

	"ensemble/events"
)

func TestGetSnapshotAssemblesAllSections(t *testing.T) {
	s := newTestStore(t)
	s.RegisterAgent(events.AgentHandle{ID: "a1", Status: events.StatusRunning})
	s.StoreArtifact("a1", events.ArtifactPayload{ArtifactID: "art-1", Name: "doc", Kind: events.ArtifactDocument, Workstream: "ws1", Status: events.ArtifactDraft})
	s.StoreCoherenceIssue(events.CoherencePayload{IssueID: "dup:1", Category: events.CoherenceDuplication, Severity: events.SeverityHigh, Title: "dup"})

	pending := []events.AgentEvent{{AgentID: "a1", Kind: events.KindDecision, Decision: &events.DecisionPayload{DecisionID: "d1"}}}
	snap, err := s.GetSnapshot(pending)
	if err != nil {
		t.Fatalf("GetSnapshot() error = %v", err)
	}
	if len(snap.ActiveAgents) != 1 {
		t.Fatalf("ActiveAgents = %v, want 1", snap.ActiveAgents)
	}
	if len(snap.ArtifactIndex) != 1 {
		t.Fatalf("ArtifactIndex = %v, want 1", snap.ArtifactIndex)
	}
	if len(snap.RecentCoherenceIssues) != 1 {
		t.Fatalf("RecentCoherenceIssues = %v, want 1", snap.RecentCoherenceIssues)
	}
	if len(snap.PendingDecisions) != 1 {
		t.Fatalf("PendingDecisions = %v, want 1", snap.PendingDecisions)
	}
	if len(snap.Workstreams) != 1 || snap.Workstreams[0] != "ws1" {
		t.Fatalf("Workstreams = %v, want [ws1]", snap.Workstreams)
	}
	if snap.EstimatedTokens == 0 {
		t.Fatal("EstimatedTokens = 0, want > 0 with one artifact present")
	}
}

func TestGetSnapshotCapsCoherenceIssuesAtTwenty(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < 25; i++ {
		s.StoreCoherenceIssue(events.CoherencePayload{
			IssueID:  string(rune('a' + i%26)),
			Category: events.CoherenceGap,
			Severity: events.SeverityLow,
			Title:    "issue",
		})
	}
	snap, err := s.GetSnapshot(nil)
	if err != nil {
		t.Fatalf("GetSnapshot() error = %v", err)
	}
	if len(snap.RecentCoherenceIssues) != 20 {
		t.Fatalf("len(RecentCoherenceIssues) = %d, want capped at 20", len(snap.RecentCoherenceIssues))
	}
}
