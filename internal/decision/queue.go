// Package decision implements the decision queue: priority-ordered
// blocking decisions with tick-driven timeout/auto-recommend, orphan
// triage, and suspend/resume on agent brake.
//
// The CheckpointFilter/expiry-processor shape in gomind's HITL
// interfaces (other_examples/9208b8fd_...hitl_interfaces.go) grounds
// the timeout-sweep design; the orphan-vs-grace-period split and the
// tick-driven sweep itself follow background.go's stalled-run
// detection (runPMBackground), generalised from "stuck ticket" to
// "orphaned decision".
package decision

import (
	"sync"

	"ensemble/events"
)

// Status is a queued decision's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusResolved  Status = "resolved"
	StatusTimedOut  Status = "timed_out"
	StatusTriage    Status = "triage"
	StatusSuspended Status = "suspended"
)

// Priority table, per spec §4.5.
const (
	PriorityCritical = 50
	PriorityHigh     = 40
	PriorityMedium   = 30
	PriorityLow      = 20
	PriorityWarning  = 10
)

var severityPriority = map[events.Severity]int{
	events.SeverityCritical: PriorityCritical,
	events.SeverityHigh:     PriorityHigh,
	events.SeverityMedium:   PriorityMedium,
	events.SeverityLow:      PriorityLow,
	events.SeverityWarning:  PriorityWarning,
}

// Queued is one pending (or resolved/triaged/suspended) decision.
type Queued struct {
	Event            events.AgentEvent
	Status           Status
	EnqueuedAtTick   int64
	Priority         int
	Badge            string
	GraceDeadlineTick *int64
	ResolvedAt       *int64
	Resolution       *events.Resolution
}

func (q Queued) decisionID() string {
	if q.Event.Decision == nil {
		return ""
	}
	return q.Event.Decision.DecisionID
}

// Policy configures timeout and orphan-grace behaviour.
type Policy struct {
	TimeoutTicks          *int64
	OrphanGracePeriodTicks int64
}

const defaultOrphanGraceTicks = 30

// defaultTimeoutTicks is the spec's default decision timeout.
var defaultTimeoutTicks int64 = 300

// Queue is the process-singleton decision queue.
type Queue struct {
	mu     sync.Mutex
	policy Policy

	byID map[string]*Queued
	order []string // insertion order, for stable priority ties

	waiters map[string][]chan events.Resolution
}

// New constructs a Queue.
func New(policy Policy) *Queue {
	if policy.TimeoutTicks == nil {
		policy.TimeoutTicks = &defaultTimeoutTicks
	}
	if policy.OrphanGracePeriodTicks <= 0 {
		policy.OrphanGracePeriodTicks = defaultOrphanGraceTicks
	}
	return &Queue{
		policy:  policy,
		byID:    make(map[string]*Queued),
		waiters: make(map[string][]chan events.Resolution),
	}
}

func priorityFor(ev events.AgentEvent) int {
	if ev.Decision == nil {
		return PriorityMedium
	}
	if ev.Decision.Severity == "" {
		if ev.Decision.Subtype == events.DecisionToolApproval {
			return PriorityMedium
		}
		return PriorityMedium
	}
	if p, ok := severityPriority[ev.Decision.Severity]; ok {
		return p
	}
	return PriorityMedium
}

// Enqueue adds ev to the queue at tick. Re-enqueuing an existing
// decisionId is a no-op.
func (q *Queue) Enqueue(ev events.AgentEvent, tick int64) *Queued {
	q.mu.Lock()
	defer q.mu.Unlock()

	id := ""
	if ev.Decision != nil {
		id = ev.Decision.DecisionID
	}
	if existing, ok := q.byID[id]; ok {
		return existing
	}

	qd := &Queued{
		Event:          ev,
		Status:         StatusPending,
		EnqueuedAtTick: tick,
		Priority:       priorityFor(ev),
	}
	q.byID[id] = qd
	q.order = append(q.order, id)
	return qd
}

// Get returns the queued decision for id.
func (q *Queue) Get(id string) (Queued, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	qd, ok := q.byID[id]
	if !ok {
		return Queued{}, false
	}
	return *qd, true
}

// ListPending returns pending decisions, optionally filtered by
// agentId, ordered by descending priority; ties preserve insertion
// order (an accident of a stable sort, not a spec guarantee).
func (q *Queue) ListPending(agentID string) []Queued {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []Queued
	for _, id := range q.order {
		qd := q.byID[id]
		if qd.Status != StatusPending {
			continue
		}
		if agentID != "" && qd.Event.AgentID != agentID {
			continue
		}
		out = append(out, *qd)
	}
	stableSortByPriorityDesc(out)
	return out
}

// ListAll returns every decision the queue has ever seen, insertion order.
func (q *Queue) ListAll() []Queued {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Queued, 0, len(q.order))
	for _, id := range q.order {
		out = append(out, *q.byID[id])
	}
	return out
}

func stableSortByPriorityDesc(items []Queued) {
	for i := 1; i < len(items); i++ {
		j := i
		for j > 0 && items[j-1].Priority < items[j].Priority {
			items[j-1], items[j] = items[j], items[j-1]
			j--
		}
	}
}

// Resolve attempts to resolve id with resolution. It succeeds only
// when the decision exists and is pending; otherwise it is a no-op
// returning false (never an error, per spec §7).
func (q *Queue) Resolve(id string, resolution events.Resolution, tick int64) bool {
	q.mu.Lock()
	qd, ok := q.byID[id]
	if !ok || qd.Status != StatusPending {
		q.mu.Unlock()
		return false
	}
	qd.Status = StatusResolved
	qd.Resolution = &resolution
	t := tick
	qd.ResolvedAt = &t
	waiters := q.waiters[id]
	delete(q.waiters, id)
	q.mu.Unlock()

	for _, ch := range waiters {
		ch <- resolution
		close(ch)
	}
	return true
}

// WaitForResolution returns a channel that receives id's resolution
// once it resolves (by human action or timeout). If id is already
// resolved, the returned channel already holds the stored resolution
// (late subscribers to an already-resolved decision receive it without
// waiting).
func (q *Queue) WaitForResolution(id string) <-chan events.Resolution {
	q.mu.Lock()
	defer q.mu.Unlock()

	ch := make(chan events.Resolution, 1)
	if qd, ok := q.byID[id]; ok && qd.Resolution != nil {
		ch <- *qd.Resolution
		close(ch)
		return ch
	}
	q.waiters[id] = append(q.waiters[id], ch)
	return ch
}

// HandleAgentKilled immediately transitions agentID's pending
// decisions to triage, badged "agent killed", with a +100 priority
// bump.
func (q *Queue) HandleAgentKilled(agentID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, id := range q.order {
		qd := q.byID[id]
		if qd.Event.AgentID != agentID || qd.Status != StatusPending {
			continue
		}
		qd.Status = StatusTriage
		qd.Badge = "agent killed"
		qd.Priority += 100
	}
}

// ScheduleOrphanTriage marks agentID's pending decisions with a grace
// deadline; triage is deferred to the tick sweep, and the human can
// still resolve them during the grace window.
func (q *Queue) ScheduleOrphanTriage(agentID string, tick int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	deadline := tick + q.policy.OrphanGracePeriodTicks
	for _, id := range q.order {
		qd := q.byID[id]
		if qd.Event.AgentID != agentID || qd.Status != StatusPending {
			continue
		}
		qd.Badge = "grace period"
		d := deadline
		qd.GraceDeadlineTick = &d
	}
}

// SuspendAgentDecisions marks agentID's pending decisions suspended;
// no further timeouts apply until resumed.
func (q *Queue) SuspendAgentDecisions(agentID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, id := range q.order {
		qd := q.byID[id]
		if qd.Event.AgentID != agentID || qd.Status != StatusPending {
			continue
		}
		qd.Status = StatusSuspended
		qd.Badge = "source agent braked"
	}
}

// ResumeAgentDecisions returns agentID's suspended decisions to pending.
func (q *Queue) ResumeAgentDecisions(agentID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, id := range q.order {
		qd := q.byID[id]
		if qd.Event.AgentID != agentID || qd.Status != StatusSuspended {
			continue
		}
		qd.Status = StatusPending
		qd.Badge = ""
	}
}

// autoRecommend fills in the resolution for a timed-out decision.
func autoRecommend(ev events.AgentEvent) events.Resolution {
	if ev.Decision == nil {
		return events.Resolution{Type: events.ResolutionOption, Rationale: "Auto-recommended due to timeout"}
	}
	switch ev.Decision.Subtype {
	case events.DecisionToolApproval:
		return events.Resolution{
			Type:       events.ResolutionToolApproval,
			Action:     events.ApprovalApprove,
			Rationale:  "Auto-approved due to timeout",
			ActionKind: events.ActionReview,
		}
	default:
		chosen := ev.Decision.RecommendedOptionID
		if chosen == "" && len(ev.Decision.Options) > 0 {
			chosen = ev.Decision.Options[0].ID
		}
		return events.Resolution{
			Type:           events.ResolutionOption,
			ChosenOptionID: chosen,
			Rationale:      "Auto-recommended due to timeout",
			ActionKind:     events.ActionReview,
		}
	}
}

// OnTick runs the timeout/orphan sweep for the given tick: (1)
// decisions whose grace deadline has been reached move to triage; (2)
// decisions whose dueByTick or timeoutTicks deadline has been reached
// are auto-recommended/auto-approved and marked timed_out.
func (q *Queue) OnTick(tick int64) {
	q.mu.Lock()
	var toResolve []string
	for _, id := range q.order {
		qd := q.byID[id]
		if qd.Status == StatusPending && qd.GraceDeadlineTick != nil && tick >= *qd.GraceDeadlineTick {
			qd.Status = StatusTriage
			qd.Badge = "agent killed"
			qd.Priority += 100
			qd.GraceDeadlineTick = nil
			continue
		}
		if qd.Status != StatusPending {
			continue
		}
		dueByTick := qd.Event.Decision != nil && qd.Event.Decision.DueByTick != nil && tick >= *qd.Event.Decision.DueByTick
		timeoutReached := q.policy.TimeoutTicks != nil && tick-qd.EnqueuedAtTick >= *q.policy.TimeoutTicks
		if dueByTick || timeoutReached {
			toResolve = append(toResolve, id)
		}
	}
	q.mu.Unlock()

	for _, id := range toResolve {
		q.mu.Lock()
		qd, ok := q.byID[id]
		if !ok || qd.Status != StatusPending {
			q.mu.Unlock()
			continue
		}
		resolution := autoRecommend(qd.Event)
		qd.Status = StatusTimedOut
		qd.Resolution = &resolution
		t := tick
		qd.ResolvedAt = &t
		waiters := q.waiters[id]
		delete(q.waiters, id)
		q.mu.Unlock()

		for _, ch := range waiters {
			ch <- resolution
			close(ch)
		}
	}
}
