package handlers

import (
	"context"
	"sync"
	"testing"
	"time"

	"ensemble/events"
	"ensemble/internal/bus"
	"ensemble/internal/checkpoint"
	"ensemble/internal/coherence"
	"ensemble/internal/decision"
	"ensemble/internal/knowledge"
	"ensemble/internal/plugin"
	"ensemble/internal/tick"
	"ensemble/internal/trust"
	"ensemble/internal/wshub"
)

type fakePlugin struct {
	mu      sync.Mutex
	killed  []string
	checked []string
}

func (f *fakePlugin) Name() string                           { return "fake" }
func (f *fakePlugin) Version() string                        { return "test" }
func (f *fakePlugin) Capabilities() plugin.Capabilities       { return plugin.Capabilities{} }
func (f *fakePlugin) Spawn(context.Context, string) (plugin.Handle, error) {
	return plugin.Handle{}, nil
}
func (f *fakePlugin) Kill(ctx context.Context, h plugin.Handle, opts plugin.KillOptions) (plugin.KillResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = append(f.killed, h.AgentID)
	return plugin.KillResult{}, nil
}
func (f *fakePlugin) Pause(context.Context, plugin.Handle) (plugin.CheckpointState, error) {
	return plugin.CheckpointState{}, nil
}
func (f *fakePlugin) Resume(context.Context, plugin.CheckpointState) (plugin.Handle, error) {
	return plugin.Handle{}, nil
}
func (f *fakePlugin) ResolveDecision(context.Context, plugin.Handle, string, plugin.Resolution) error {
	return nil
}
func (f *fakePlugin) InjectContext(context.Context, plugin.Handle, plugin.ContextInjection) error {
	return nil
}
func (f *fakePlugin) UpdateBrief(context.Context, plugin.Handle, plugin.BriefChanges) error {
	return nil
}
func (f *fakePlugin) RequestCheckpoint(ctx context.Context, h plugin.Handle, decisionID string) (plugin.CheckpointState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checked = append(f.checked, decisionID)
	return plugin.CheckpointState{}, nil
}

func newTestGraph(t *testing.T, idleTimeout int64) (*Graph, *bus.Bus, *knowledge.Store, *tick.Service, *fakePlugin) {
	t.Helper()
	kstore, err := knowledge.Open(":memory:")
	if err != nil {
		t.Fatalf("knowledge.Open() error = %v", err)
	}
	t.Cleanup(func() { kstore.Close() })

	b := bus.New(bus.Config{})
	decisions := decision.New(decision.Policy{})
	trustEng := trust.New(trust.Config{})
	coherenceMon := coherence.New(coherence.Config{})
	checkpoints := checkpoint.New(3)
	hub := wshub.New(wshub.Config{})
	t.Cleanup(hub.Close)
	ticks := tick.New(tick.Config{Mode: tick.ModeManual})
	plug := &fakePlugin{}

	g := New(Config{
		Bus:              b,
		Knowledge:        kstore,
		Decisions:        decisions,
		Trust:            trustEng,
		Coherence:        coherenceMon,
		Checkpoints:      checkpoints,
		Hub:              hub,
		Plugin:           plug,
		Ticks:            ticks,
		IdleTimeoutTicks: idleTimeout,
	})
	g.Install()
	return g, b, kstore, ticks, plug
}

func decisionEvent(agentID, decisionID string) events.EventEnvelope {
	return events.EventEnvelope{
		SourceEventID: "src-" + decisionID,
		RunID:         "run-1",
		Event: events.AgentEvent{
			AgentID: agentID,
			Kind:    events.KindDecision,
			Decision: &events.DecisionPayload{
				DecisionID: decisionID,
				Subtype:    events.DecisionSubtypeOption,
				Severity:   events.SeverityMedium,
				Options:    []events.DecisionOption{{ID: "opt-a"}},
			},
		},
	}
}

func TestOnDecisionEnqueuesAndMarksWaitingOnHuman(t *testing.T) {
	g, b, kstore, _, plug := newTestGraph(t, 0)

	kstore.RegisterAgent(events.AgentHandle{ID: "a1", Status: events.StatusRunning})
	b.Publish(decisionEvent("a1", "d1"))

	pending := g.PendingDecisionEvents()
	if len(pending) != 1 || pending[0].Decision.DecisionID != "d1" {
		t.Fatalf("PendingDecisionEvents() = %+v, want one decision d1", pending)
	}

	active, _ := kstore.ListActiveAgents()
	if len(active) != 1 || active[0].Status != events.StatusWaitingOnHuman {
		t.Fatalf("active = %+v, want waiting_on_human", active)
	}

	g.Drain(context.Background())
	plug.mu.Lock()
	defer plug.mu.Unlock()
	if len(plug.checked) != 1 || plug.checked[0] != "d1" {
		t.Fatalf("plug.checked = %v, want [d1]", plug.checked)
	}
}

func TestOnLifecycleRegistersAndRemovesAgent(t *testing.T) {
	_, b, kstore, _, _ := newTestGraph(t, 0)

	b.Publish(events.EventEnvelope{
		SourceEventID: "lc-1",
		RunID:         "run-1",
		Event: events.AgentEvent{
			AgentID:   "a1",
			Kind:      events.KindLifecycle,
			Lifecycle: &events.LifecyclePayload{Action: events.LifecycleStarted},
		},
	})
	active, _ := kstore.ListActiveAgents()
	if len(active) != 1 || active[0].Status != events.StatusRunning {
		t.Fatalf("active = %+v, want one running agent", active)
	}

	b.Publish(events.EventEnvelope{
		SourceEventID: "lc-2",
		RunID:         "run-1",
		Event: events.AgentEvent{
			AgentID:   "a1",
			Kind:      events.KindLifecycle,
			Lifecycle: &events.LifecyclePayload{Action: events.LifecycleKilled},
		},
	})
	active, _ = kstore.ListActiveAgents()
	if len(active) != 0 {
		t.Fatalf("active = %+v, want empty after killed lifecycle event", active)
	}
}

func TestOnArtifactStoresAndDetectsDuplication(t *testing.T) {
	g, b, kstore, _, _ := newTestGraph(t, 0)

	var mu sync.Mutex
	var coherenceIssues []events.EventEnvelope
	b.Subscribe(bus.Filter{EventType: events.KindCoherence}, func(env events.EventEnvelope) {
		mu.Lock()
		coherenceIssues = append(coherenceIssues, env)
		mu.Unlock()
	})

	art1 := events.ArtifactPayload{
		ArtifactID: "art-1", Name: "foo.go", Kind: events.ArtifactCode, Workstream: "ws1", Status: events.ArtifactDraft,
		Provenance: events.ArtifactProvenance{SourcePath: "src/foo.go"},
	}
	art2 := art1
	art2.ArtifactID = "art-2"

	b.Publish(events.EventEnvelope{SourceEventID: "art-ev-1", RunID: "r1", Event: events.AgentEvent{AgentID: "a1", Kind: events.KindArtifact, Artifact: &art1}})
	b.Publish(events.EventEnvelope{SourceEventID: "art-ev-2", RunID: "r1", Event: events.AgentEvent{AgentID: "a2", Kind: events.KindArtifact, Artifact: &art2}})

	g.Drain(context.Background())

	stored, err := kstore.ListArtifacts()
	if err != nil {
		t.Fatalf("ListArtifacts() error = %v", err)
	}
	if len(stored) != 2 {
		t.Fatalf("len(stored) = %d, want 2", len(stored))
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(coherenceIssues)
		mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(coherenceIssues) == 0 {
		t.Fatal("expected a coherence issue to be published for the duplicated sourcePath")
	}
}

func TestOnCompletionAppliesTrustAndStoresIdleCheckpoint(t *testing.T) {
	g, b, _, _, _ := newTestGraph(t, 0)

	before := g.trustEng.GetScore("a1")
	b.Publish(events.EventEnvelope{
		SourceEventID: "comp-1",
		RunID:         "r1",
		Event: events.AgentEvent{
			AgentID: "a1",
			Kind:    events.KindCompletion,
			Completion: &events.CompletionPayload{
				Summary: "done",
				Outcome: events.OutcomeSuccess,
			},
		},
	})
	after := g.trustEng.GetScore("a1")
	if after <= before {
		t.Fatalf("score did not increase on success: before=%d after=%d", before, after)
	}
	if g.checkpoints.GetCheckpointCount("a1") != 1 {
		t.Fatalf("GetCheckpointCount() = %d, want 1 on idle completion", g.checkpoints.GetCheckpointCount("a1"))
	}
}

func TestOnErrorAppliesTrustPenaltyForNonWarning(t *testing.T) {
	g, b, _, _, _ := newTestGraph(t, 0)
	before := g.trustEng.GetScore("a1")

	b.Publish(events.EventEnvelope{
		SourceEventID: "err-1",
		RunID:         "r1",
		Event: events.AgentEvent{
			AgentID: "a1",
			Kind:    events.KindError,
			Error:   &events.ErrorPayload{Severity: events.SeverityHigh, Message: "boom"},
		},
	})
	after := g.trustEng.GetScore("a1")
	if after >= before {
		t.Fatalf("score did not decrease on a non-warning error: before=%d after=%d", before, after)
	}
}

func TestOnErrorIgnoresWarnings(t *testing.T) {
	g, b, _, _, _ := newTestGraph(t, 0)
	before := g.trustEng.GetScore("a1")

	b.Publish(events.EventEnvelope{
		SourceEventID: "err-1",
		RunID:         "r1",
		Event: events.AgentEvent{
			AgentID: "a1",
			Kind:    events.KindError,
			Error:   &events.ErrorPayload{Severity: events.SeverityWarning, Message: "minor"},
		},
	})
	after := g.trustEng.GetScore("a1")
	if after != before {
		t.Fatalf("score changed on a warning-level error: before=%d after=%d", before, after)
	}
}

func TestSweepIdleAgentsKillsPastTimeout(t *testing.T) {
	g, b, kstore, ticks, plug := newTestGraph(t, 2)

	kstore.RegisterAgent(events.AgentHandle{ID: "a1", Status: events.StatusRunning})
	b.Publish(events.EventEnvelope{
		SourceEventID: "comp-1",
		RunID:         "r1",
		Event: events.AgentEvent{
			AgentID:    "a1",
			Kind:       events.KindCompletion,
			Completion: &events.CompletionPayload{Outcome: events.OutcomeSuccess},
		},
	})

	ticks.OnTick(g.OnTick)
	ticks.Advance(3)

	plug.mu.Lock()
	defer plug.mu.Unlock()
	if len(plug.killed) != 1 || plug.killed[0] != "a1" {
		t.Fatalf("plug.killed = %v, want [a1] after idle timeout elapsed", plug.killed)
	}
}

func TestCurrentTickReturnsZeroWithoutTickService(t *testing.T) {
	g := New(Config{})
	if got := g.currentTick(); got != 0 {
		t.Fatalf("currentTick() = %d, want 0 without a configured tick service", got)
	}
}
