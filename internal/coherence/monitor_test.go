package coherence

import (
	"testing"

	"ensemble/events"
)

func artifact(id, sourcePath, workstream string) events.ArtifactPayload {
	return events.ArtifactPayload{
		ArtifactID: id,
		Kind:       events.ArtifactCode,
		Workstream: workstream,
		Status:     events.ArtifactDraft,
		Provenance: events.ArtifactProvenance{SourcePath: sourcePath},
	}
}

func TestProcessArtifactNoSourcePathNeverConflicts(t *testing.T) {
	m := New(Config{})
	issue := m.ProcessArtifact("a1", artifact("art-1", "", "ws1"))
	if issue != nil {
		t.Fatalf("issue = %+v, want nil for empty sourcePath", issue)
	}
}

func TestProcessArtifactSameAgentNoConflict(t *testing.T) {
	m := New(Config{})
	m.ProcessArtifact("a1", artifact("art-1", "src/foo.go", "ws1"))
	issue := m.ProcessArtifact("a1", artifact("art-2", "src/foo.go", "ws1"))
	if issue != nil {
		t.Fatalf("issue = %+v, want nil when the same agent rewrites its own path", issue)
	}
}

func TestProcessArtifactDifferentAgentSamePathConflicts(t *testing.T) {
	m := New(Config{})
	m.ProcessArtifact("a1", artifact("art-1", "src/foo.go", "ws1"))
	issue := m.ProcessArtifact("a2", artifact("art-2", "src/foo.go", "ws1"))

	if issue == nil {
		t.Fatal("expected a duplication issue for two agents sharing a sourcePath")
	}
	if issue.Category != events.CoherenceDuplication {
		t.Fatalf("Category = %q, want duplication", issue.Category)
	}
	if issue.Severity != events.SeverityHigh {
		t.Fatalf("Severity = %q, want high", issue.Severity)
	}
	if len(issue.AffectedArtifactIDs) != 2 {
		t.Fatalf("AffectedArtifactIDs = %v, want 2 entries", issue.AffectedArtifactIDs)
	}
}

func TestProcessArtifactAccumulatesAffectedIDsOnRepeatConflict(t *testing.T) {
	m := New(Config{})
	m.ProcessArtifact("a1", artifact("art-1", "src/foo.go", "ws1"))
	m.ProcessArtifact("a2", artifact("art-2", "src/foo.go", "ws1"))
	issue := m.ProcessArtifact("a3", artifact("art-3", "src/foo.go", "ws1"))

	if issue == nil {
		t.Fatal("expected a duplication issue for a third writer")
	}
	if len(issue.AffectedArtifactIDs) != 3 {
		t.Fatalf("AffectedArtifactIDs = %v, want 3 entries accumulated across repeats", issue.AffectedArtifactIDs)
	}

	all := m.GetDetectedIssues()
	if len(all) != 1 {
		t.Fatalf("len(all) = %d, want 1 (same issueId reused, not duplicated)", len(all))
	}
}

func TestShouldRunLayer1Scan(t *testing.T) {
	m := New(Config{Layer1ScanEveryTicks: 10})
	if !m.ShouldRunLayer1Scan(0) {
		t.Fatal("ShouldRunLayer1Scan(0) = false, want true before any scan has run")
	}
	m.RunLayer1Scan(0, func() []ArtifactWithOwner { return nil }, nil)
	if m.ShouldRunLayer1Scan(5) {
		t.Fatal("ShouldRunLayer1Scan(5) = true, want false (only 5 ticks elapsed)")
	}
	if !m.ShouldRunLayer1Scan(10) {
		t.Fatal("ShouldRunLayer1Scan(10) = false, want true (10 ticks elapsed)")
	}
}

func TestRunLayer1ScanDetectsCrossAgentDuplicationOutOfOrder(t *testing.T) {
	m := New(Config{})
	list := func() []ArtifactWithOwner {
		return []ArtifactWithOwner{
			{AgentID: "a1", Artifact: artifact("art-1", "src/shared.go", "ws1")},
			{AgentID: "a2", Artifact: artifact("art-2", "src/shared.go", "ws1")},
		}
	}
	found := m.RunLayer1Scan(1, list, nil)
	if len(found) != 1 {
		t.Fatalf("len(found) = %d, want 1", len(found))
	}
}

func TestRunLayer1ScanNilListerIsNoop(t *testing.T) {
	m := New(Config{})
	found := m.RunLayer1Scan(1, nil, nil)
	if found != nil {
		t.Fatalf("found = %v, want nil", found)
	}
}

func TestRunLayer2ReviewDisabledIsNoop(t *testing.T) {
	m := New(Config{EnableLayer2: false})
	issues, err := m.RunLayer2Review(nil)
	if err != nil || issues != nil {
		t.Fatalf("RunLayer2Review() = %v, %v, want nil, nil when disabled", issues, err)
	}
}

func TestGetConfigDefaults(t *testing.T) {
	m := New(Config{})
	cfg := m.GetConfig()
	if cfg.Layer1ScanEveryTicks != 50 {
		t.Fatalf("Layer1ScanEveryTicks = %d, want default 50", cfg.Layer1ScanEveryTicks)
	}
	if cfg.Layer1cSweepEveryTicks != 200 {
		t.Fatalf("Layer1cSweepEveryTicks = %d, want default 200", cfg.Layer1cSweepEveryTicks)
	}
}
