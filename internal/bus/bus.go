// Package bus implements the control plane's event bus: ordered,
// deduplicated publish/subscribe with per-agent backpressure and
// sequence-gap detection.
//
// The Subscribe/Unsubscribe surface follows the nugget-thane internal
// event bus; here subscribers are handler functions kept in a slice and
// fan-out is synchronous. The
// bounded dedup window and per-agent queue accounting generalise the
// teacher's bounded-slice-with-accessor pattern (kanban/types.go) to
// two FIFOs instead of one.
package bus

import (
	"log/slog"
	"sync"
	"time"

	"ensemble/events"
)

const (
	// DefaultDedupCapacity is the default size of the bounded
	// sourceEventId FIFO.
	DefaultDedupCapacity = 10_000
	// DefaultMaxQueuePerAgent is the default per-agent backpressure
	// threshold.
	DefaultMaxQueuePerAgent = 500
)

// Filter selects which published envelopes a subscription receives.
// A zero-value Filter matches everything.
type Filter struct {
	AgentID   string
	EventType events.Kind
}

func (f Filter) matches(env events.EventEnvelope) bool {
	if f.AgentID != "" && f.AgentID != env.Event.AgentID {
		return false
	}
	if f.EventType != "" && f.EventType != env.Event.Kind {
		return false
	}
	return true
}

// Handler is invoked synchronously for every envelope matching its
// subscription's filter. Handlers must not panic across goroutine
// boundaries the bus does not control; any panic recovered by the bus
// is treated as a subscriber failure (logged, isolated).
type Handler func(events.EventEnvelope)

// SequenceGapWarning records an out-of-order sourceSequence observed
// for a given (agentId, runId).
type SequenceGapWarning struct {
	AgentID          string
	RunID            string
	PreviousSequence int64
	CurrentSequence  int64
}

// Metrics is a point-in-time snapshot of bus counters.
type Metrics struct {
	TotalPublished   uint64
	TotalDelivered   uint64
	TotalDeduplicated uint64
	TotalDropped     uint64
}

// QuarantinedEnvelope is a schema-rejected inbound payload kept for
// operator review. The bus itself never produces these; callers that
// reject a payload before it reaches Publish may record it here via
// Quarantine so operators have one place to look.
type QuarantinedEnvelope struct {
	Payload any
	Err     error
	At      time.Time
}

type subscription struct {
	id      uint64
	filter  Filter
	handler Handler
}

type seqKey struct {
	agentID string
	runID   string
}

// priorityClass classes event kinds for backpressure purposes.
type priorityClass int

const (
	classLow priorityClass = iota
	classMiddle
	classHigh
)

func classify(k events.Kind) priorityClass {
	switch k {
	case events.KindToolCall, events.KindProgress, events.KindStatus:
		return classLow
	case events.KindDecision, events.KindArtifact, events.KindError, events.KindCompletion:
		return classHigh
	default:
		return classMiddle
	}
}

// agentQueue tracks recently-published envelopes for one agent, for
// backpressure accounting only — it does not buffer delivery.
type agentQueue struct {
	entries []queuedEntry
}

type queuedEntry struct {
	id    string
	class priorityClass
}

// Bus is the process-singleton event bus.
type Bus struct {
	mu sync.Mutex

	logger *slog.Logger

	dedupCapacity        int
	maxQueuePerAgent     int
	maxHighPriorityPerAgent int

	dedupFIFO []string
	dedupSet  map[string]struct{}

	seqHighWater map[seqKey]int64
	seqWarnings  []SequenceGapWarning

	subs      []subscription
	nextSubID uint64

	queues map[string]*agentQueue

	metrics Metrics

	quarantine []QuarantinedEnvelope
}

// Config configures a new Bus. Zero values fall back to spec defaults.
type Config struct {
	DedupCapacity           int
	MaxQueuePerAgent        int
	MaxHighPriorityPerAgent int
	Logger                  *slog.Logger
}

// New constructs a Bus.
func New(cfg Config) *Bus {
	if cfg.DedupCapacity <= 0 {
		cfg.DedupCapacity = DefaultDedupCapacity
	}
	if cfg.MaxQueuePerAgent <= 0 {
		cfg.MaxQueuePerAgent = DefaultMaxQueuePerAgent
	}
	if cfg.MaxHighPriorityPerAgent <= 0 {
		cfg.MaxHighPriorityPerAgent = cfg.MaxQueuePerAgent * 2
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Bus{
		logger:                  cfg.Logger,
		dedupCapacity:           cfg.DedupCapacity,
		maxQueuePerAgent:        cfg.MaxQueuePerAgent,
		maxHighPriorityPerAgent: cfg.MaxHighPriorityPerAgent,
		dedupSet:                make(map[string]struct{}),
		seqHighWater:            make(map[seqKey]int64),
		queues:                  make(map[string]*agentQueue),
	}
}

// Publish delivers env to every matching subscriber, after dedup,
// sequence-gap, and backpressure accounting. It returns true if the
// envelope was accepted (not a duplicate).
func (b *Bus) Publish(env events.EventEnvelope) bool {
	b.mu.Lock()

	b.metrics.TotalPublished++

	if _, dup := b.dedupSet[env.SourceEventID]; dup {
		b.metrics.TotalDeduplicated++
		b.mu.Unlock()
		return false
	}
	b.recordDedup(env.SourceEventID)

	if !env.Synthetic() {
		b.checkSequence(env)
	}

	warningEnv, hadDrop := b.accountBackpressure(env)

	subsSnapshot := make([]subscription, len(b.subs))
	copy(subsSnapshot, b.subs)
	b.mu.Unlock()

	b.deliver(env, subsSnapshot)

	if hadDrop {
		b.mu.Lock()
		subsSnapshot2 := make([]subscription, len(b.subs))
		copy(subsSnapshot2, b.subs)
		b.mu.Unlock()
		b.deliver(warningEnv, subsSnapshot2)
	}

	return true
}

func (b *Bus) deliver(env events.EventEnvelope, subs []subscription) {
	delivered := uint64(0)
	for _, s := range subs {
		if !s.filter.matches(env) {
			continue
		}
		b.invoke(s, env)
		delivered++
	}
	b.mu.Lock()
	b.metrics.TotalDelivered += delivered
	b.mu.Unlock()
}

// invoke calls a subscriber's handler, isolating panics so one failing
// subscriber never prevents others from observing the event.
func (b *Bus) invoke(s subscription, env events.EventEnvelope) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("subscriber panicked", "subscriptionId", s.id, "recover", r)
		}
	}()
	s.handler(env)
}

func (b *Bus) recordDedup(id string) {
	b.dedupSet[id] = struct{}{}
	b.dedupFIFO = append(b.dedupFIFO, id)
	if len(b.dedupFIFO) > b.dedupCapacity {
		evict := b.dedupFIFO[0]
		b.dedupFIFO = b.dedupFIFO[1:]
		delete(b.dedupSet, evict)
	}
}

func (b *Bus) checkSequence(env events.EventEnvelope) {
	key := seqKey{agentID: env.Event.AgentID, runID: env.RunID}
	prev, ok := b.seqHighWater[key]
	if ok && env.SourceSequence > prev+1 {
		warn := SequenceGapWarning{
			AgentID:          key.agentID,
			RunID:            key.runID,
			PreviousSequence: prev,
			CurrentSequence:  env.SourceSequence,
		}
		b.seqWarnings = append(b.seqWarnings, warn)
		b.logger.Warn("sequence gap detected",
			"agentId", warn.AgentID, "runId", warn.RunID,
			"previousSequence", warn.PreviousSequence, "currentSequence", warn.CurrentSequence)
	}
	if !ok || env.SourceSequence > prev {
		b.seqHighWater[key] = env.SourceSequence
	}
}

// accountBackpressure tracks env in its agent's queue and, on
// overflow, drops entries oldest-low-priority-first until back within
// bounds, returning a synthetic warning envelope to deliver if any
// drop occurred.
func (b *Bus) accountBackpressure(env events.EventEnvelope) (events.EventEnvelope, bool) {
	agentID := env.Event.AgentID
	q, ok := b.queues[agentID]
	if !ok {
		q = &agentQueue{}
		b.queues[agentID] = q
	}
	q.entries = append(q.entries, queuedEntry{id: env.SourceEventID, class: classify(env.Event.Kind)})

	dropped := 0
	for b.overLowCap(q) {
		if !b.dropOldest(q, classLow) {
			break
		}
		dropped++
	}
	for b.overMiddleCap(q) {
		if !b.dropOldest(q, classMiddle) {
			break
		}
		dropped++
	}
	for b.overHighCap(q) {
		if !b.dropOldest(q, classHigh) {
			break
		}
		dropped++
	}

	if dropped == 0 {
		return events.EventEnvelope{}, false
	}
	b.metrics.TotalDropped += uint64(dropped)

	warning := events.EventEnvelope{
		SourceEventID:    "backpressure-" + agentID + "-" + time.Now().UTC().Format(time.RFC3339Nano),
		SourceSequence:   -1,
		SourceOccurredAt: time.Now().UTC(),
		RunID:            env.RunID,
		IngestedAt:       time.Now().UTC(),
		Event: events.AgentEvent{
			AgentID: agentID,
			Kind:    events.KindError,
			Error: &events.ErrorPayload{
				Severity:    events.SeverityWarning,
				Recoverable: true,
				Category:    "internal",
				Message:     "backpressure: events dropped",
			},
		},
	}
	return warning, true
}

func (b *Bus) totalLen(q *agentQueue) int { return len(q.entries) }

func (b *Bus) overLowCap(q *agentQueue) bool {
	return b.totalLen(q) > b.maxQueuePerAgent
}

func (b *Bus) overMiddleCap(q *agentQueue) bool {
	return b.totalLen(q) > b.maxQueuePerAgent
}

func (b *Bus) overHighCap(q *agentQueue) bool {
	return b.totalLen(q) > b.maxHighPriorityPerAgent
}

// dropOldest removes the oldest entry of the given class (or lower,
// when dropping at the high-priority cap) from q. Returns false if no
// eligible entry exists, meaning the caller should stop trying this
// class.
func (b *Bus) dropOldest(q *agentQueue, atMost priorityClass) bool {
	for i, e := range q.entries {
		if e.class <= atMost {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return true
		}
	}
	return false
}

// Subscribe registers handler for envelopes matching filter, returning
// an opaque subscription id.
func (b *Bus) Subscribe(filter Filter, handler Handler) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextSubID++
	id := b.nextSubID
	b.subs = append(b.subs, subscription{id: id, filter: filter, handler: handler})
	return id
}

// Unsubscribe removes a subscription. Unknown ids are a no-op.
func (b *Bus) Unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// GetMetrics returns a snapshot of bus counters.
func (b *Bus) GetMetrics() Metrics {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.metrics
}

// GetAgentQueueSize returns the number of entries currently tracked
// for an agent's backpressure accounting.
func (b *Bus) GetAgentQueueSize(agentID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[agentID]
	if !ok {
		return 0
	}
	return len(q.entries)
}

// GetSequenceGapWarnings returns all sequence-gap warnings observed so far.
func (b *Bus) GetSequenceGapWarnings() []SequenceGapWarning {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]SequenceGapWarning, len(b.seqWarnings))
	copy(out, b.seqWarnings)
	return out
}

// Quarantine records a schema-rejected inbound payload for later
// operator retrieval. The bus's own Publish path never calls this —
// it is here for callers sitting in front of Publish that reject a
// payload before it becomes a typed envelope.
func (b *Bus) Quarantine(payload any, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.quarantine = append(b.quarantine, QuarantinedEnvelope{Payload: payload, Err: err, At: time.Now().UTC()})
}

// ListQuarantine returns all quarantined payloads.
func (b *Bus) ListQuarantine() []QuarantinedEnvelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]QuarantinedEnvelope, len(b.quarantine))
	copy(out, b.quarantine)
	return out
}

// ClearQuarantine discards all quarantined payloads.
func (b *Bus) ClearQuarantine() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.quarantine = nil
}
