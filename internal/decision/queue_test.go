package decision

import (
	"testing"

	"ensemble/events"
)

func optionDecision(agentID, decisionID string, severity events.Severity) events.AgentEvent {
	return events.AgentEvent{
		AgentID: agentID,
		Kind:    events.KindDecision,
		Decision: &events.DecisionPayload{
			DecisionID: decisionID,
			Subtype:    events.DecisionSubtypeOption,
			Severity:   severity,
			Options: []events.DecisionOption{
				{ID: "opt-a", Label: "A"},
				{ID: "opt-b", Label: "B"},
			},
			RecommendedOptionID: "opt-b",
		},
	}
}

func toolApprovalDecision(agentID, decisionID string) events.AgentEvent {
	return events.AgentEvent{
		AgentID: agentID,
		Kind:    events.KindDecision,
		Decision: &events.DecisionPayload{
			DecisionID: decisionID,
			Subtype:    events.DecisionToolApproval,
			ToolName:   "run_tests",
		},
	}
}

func TestEnqueueIsIdempotentByDecisionID(t *testing.T) {
	q := New(Policy{})
	ev := optionDecision("a1", "d1", events.SeverityHigh)
	first := q.Enqueue(ev, 1)
	second := q.Enqueue(ev, 5)
	if first != second {
		t.Fatal("re-enqueueing an existing decisionId returned a different record")
	}
	if second.EnqueuedAtTick != 1 {
		t.Fatalf("EnqueuedAtTick = %d, want 1 (first enqueue wins)", second.EnqueuedAtTick)
	}
}

func TestListPendingOrdersByPriorityDesc(t *testing.T) {
	q := New(Policy{})
	q.Enqueue(optionDecision("a1", "low", events.SeverityLow), 1)
	q.Enqueue(optionDecision("a1", "crit", events.SeverityCritical), 1)
	q.Enqueue(optionDecision("a1", "med", events.SeverityMedium), 1)

	pending := q.ListPending("")
	if len(pending) != 3 {
		t.Fatalf("len(pending) = %d, want 3", len(pending))
	}
	if pending[0].decisionID() != "crit" || pending[1].decisionID() != "med" || pending[2].decisionID() != "low" {
		ids := []string{pending[0].decisionID(), pending[1].decisionID(), pending[2].decisionID()}
		t.Fatalf("order = %v, want [crit med low]", ids)
	}
}

func TestListPendingFiltersByAgent(t *testing.T) {
	q := New(Policy{})
	q.Enqueue(optionDecision("a1", "d1", events.SeverityHigh), 1)
	q.Enqueue(optionDecision("a2", "d2", events.SeverityHigh), 1)

	pending := q.ListPending("a1")
	if len(pending) != 1 || pending[0].decisionID() != "d1" {
		t.Fatalf("ListPending(a1) = %+v, want only d1", pending)
	}
}

func TestResolveOnlyFromPending(t *testing.T) {
	q := New(Policy{})
	q.Enqueue(optionDecision("a1", "d1", events.SeverityHigh), 1)

	ok := q.Resolve("d1", events.Resolution{Type: events.ResolutionOption, ChosenOptionID: "opt-a"}, 5)
	if !ok {
		t.Fatal("Resolve() = false for a pending decision")
	}

	again := q.Resolve("d1", events.Resolution{Type: events.ResolutionOption, ChosenOptionID: "opt-b"}, 6)
	if again {
		t.Fatal("Resolve() = true for an already-resolved decision")
	}

	qd, _ := q.Get("d1")
	if qd.Status != StatusResolved {
		t.Fatalf("Status = %q, want resolved", qd.Status)
	}
	if qd.Resolution.ChosenOptionID != "opt-a" {
		t.Fatalf("Resolution.ChosenOptionID = %q, want opt-a (second Resolve must not overwrite)", qd.Resolution.ChosenOptionID)
	}
}

func TestResolveUnknownIDIsNoop(t *testing.T) {
	q := New(Policy{})
	if q.Resolve("nope", events.Resolution{}, 1) {
		t.Fatal("Resolve() = true for an unknown decisionId")
	}
}

func TestWaitForResolutionBlocksThenDelivers(t *testing.T) {
	q := New(Policy{})
	q.Enqueue(optionDecision("a1", "d1", events.SeverityHigh), 1)

	ch := q.WaitForResolution("d1")
	select {
	case <-ch:
		t.Fatal("WaitForResolution channel delivered before Resolve")
	default:
	}

	q.Resolve("d1", events.Resolution{Type: events.ResolutionOption, ChosenOptionID: "opt-a"}, 2)

	res := <-ch
	if res.ChosenOptionID != "opt-a" {
		t.Fatalf("res.ChosenOptionID = %q, want opt-a", res.ChosenOptionID)
	}
}

func TestWaitForResolutionLateSubscriberReturnsImmediately(t *testing.T) {
	q := New(Policy{})
	q.Enqueue(optionDecision("a1", "d1", events.SeverityHigh), 1)
	q.Resolve("d1", events.Resolution{Type: events.ResolutionOption, ChosenOptionID: "opt-a"}, 2)

	ch := q.WaitForResolution("d1")
	res, ok := <-ch
	if !ok {
		t.Fatal("channel closed without delivering a value")
	}
	if res.ChosenOptionID != "opt-a" {
		t.Fatalf("res.ChosenOptionID = %q, want opt-a", res.ChosenOptionID)
	}
}

func TestHandleAgentKilledMovesToTriageAndBumpsPriority(t *testing.T) {
	q := New(Policy{})
	q.Enqueue(optionDecision("a1", "d1", events.SeverityLow), 1)
	before, _ := q.Get("d1")

	q.HandleAgentKilled("a1")

	after, _ := q.Get("d1")
	if after.Status != StatusTriage {
		t.Fatalf("Status = %q, want triage", after.Status)
	}
	if after.Badge != "agent killed" {
		t.Fatalf("Badge = %q, want %q", after.Badge, "agent killed")
	}
	if after.Priority != before.Priority+100 {
		t.Fatalf("Priority = %d, want %d", after.Priority, before.Priority+100)
	}
}

func TestScheduleOrphanTriageThenTickMovesToTriage(t *testing.T) {
	q := New(Policy{OrphanGracePeriodTicks: 10})
	q.Enqueue(optionDecision("a1", "d1", events.SeverityMedium), 1)

	q.ScheduleOrphanTriage("a1", 5)
	qd, _ := q.Get("d1")
	if qd.Badge != "grace period" {
		t.Fatalf("Badge = %q, want grace period", qd.Badge)
	}
	if qd.GraceDeadlineTick == nil || *qd.GraceDeadlineTick != 15 {
		t.Fatalf("GraceDeadlineTick = %v, want 15", qd.GraceDeadlineTick)
	}

	q.OnTick(14)
	stillPending, _ := q.Get("d1")
	if stillPending.Status != StatusPending {
		t.Fatalf("Status at tick 14 = %q, want pending (grace not yet elapsed)", stillPending.Status)
	}

	q.OnTick(15)
	triaged, _ := q.Get("d1")
	if triaged.Status != StatusTriage {
		t.Fatalf("Status at tick 15 = %q, want triage", triaged.Status)
	}
}

func TestSuspendAndResumeAgentDecisions(t *testing.T) {
	q := New(Policy{})
	q.Enqueue(optionDecision("a1", "d1", events.SeverityMedium), 1)

	q.SuspendAgentDecisions("a1")
	suspended, _ := q.Get("d1")
	if suspended.Status != StatusSuspended {
		t.Fatalf("Status = %q, want suspended", suspended.Status)
	}

	q.ResumeAgentDecisions("a1")
	resumed, _ := q.Get("d1")
	if resumed.Status != StatusPending {
		t.Fatalf("Status = %q, want pending", resumed.Status)
	}
	if resumed.Badge != "" {
		t.Fatalf("Badge = %q, want empty after resume", resumed.Badge)
	}
}

func TestOnTickTimeoutAutoRecommendsOptionDecision(t *testing.T) {
	timeout := int64(5)
	q := New(Policy{TimeoutTicks: &timeout})
	q.Enqueue(optionDecision("a1", "d1", events.SeverityMedium), 1)

	q.OnTick(5)
	qd, _ := q.Get("d1")
	if qd.Status != StatusPending {
		t.Fatalf("Status at tick 5 (not yet timed out) = %q, want pending", qd.Status)
	}

	q.OnTick(6)
	qd, _ = q.Get("d1")
	if qd.Status != StatusTimedOut {
		t.Fatalf("Status = %q, want timed_out", qd.Status)
	}
	if qd.Resolution == nil || qd.Resolution.ChosenOptionID != "opt-b" {
		t.Fatalf("Resolution = %+v, want chosen opt-b (the recommended option)", qd.Resolution)
	}
}

func TestOnTickTimeoutAutoApprovesToolApproval(t *testing.T) {
	timeout := int64(1)
	q := New(Policy{TimeoutTicks: &timeout})
	q.Enqueue(toolApprovalDecision("a1", "d1"), 0)

	q.OnTick(1)
	qd, _ := q.Get("d1")
	if qd.Status != StatusTimedOut {
		t.Fatalf("Status = %q, want timed_out", qd.Status)
	}
	if qd.Resolution == nil || qd.Resolution.Action != events.ApprovalApprove {
		t.Fatalf("Resolution = %+v, want auto-approve", qd.Resolution)
	}
}

func TestOnTickDueByTickTriggersEarlyTimeout(t *testing.T) {
	q := New(Policy{})
	due := int64(3)
	ev := optionDecision("a1", "d1", events.SeverityMedium)
	ev.Decision.DueByTick = &due
	q.Enqueue(ev, 0)

	q.OnTick(3)
	qd, _ := q.Get("d1")
	if qd.Status != StatusTimedOut {
		t.Fatalf("Status = %q, want timed_out (dueByTick reached well before the default timeout)", qd.Status)
	}
}

func TestListAllIncludesResolvedAndPending(t *testing.T) {
	q := New(Policy{})
	q.Enqueue(optionDecision("a1", "d1", events.SeverityMedium), 1)
	q.Enqueue(optionDecision("a1", "d2", events.SeverityMedium), 1)
	q.Resolve("d1", events.Resolution{Type: events.ResolutionOption, ChosenOptionID: "opt-a"}, 2)

	all := q.ListAll()
	if len(all) != 2 {
		t.Fatalf("len(all) = %d, want 2", len(all))
	}
}
