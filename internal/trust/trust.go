// Package trust implements the per-agent trust engine: a clamped
// [0,100] score moved by outcome-keyed deltas, plus a domain-outcome
// log that flushes into the audit trail.
//
// Grounded on background.go's checkin/audit accumulation pattern
// (outcomes recorded as they're observed, drained periodically into
// kanban.AuditEntry rows) — no third-party scoring library exists
// anywhere in the corpus, so this is deliberately stdlib-only.
package trust

import (
	"strings"
	"sync"
)

// Outcome names the discrete events that shift an agent's score.
type Outcome string

const (
	OutcomeTaskCompletedClean    Outcome = "task_completed_clean"
	OutcomeTaskCompletedPartial  Outcome = "task_completed_partial"
	OutcomeTaskAbandonedOrMax    Outcome = "task_abandoned_or_max_turns"
	OutcomeHumanApprovesRecommendation Outcome = "human_approves_recommendation"
	OutcomeHumanApprovesAlways   Outcome = "human_approves_always"
	OutcomeHumanRejectsToolCall  Outcome = "human_rejects_tool_call"
	OutcomeErrorEvent            Outcome = "error_event"
)

// ToolCategory classes a tool name for error-outcome delta selection.
type ToolCategory string

const (
	ToolRead    ToolCategory = "read"
	ToolWrite   ToolCategory = "write"
	ToolExecute ToolCategory = "execute"
	ToolUnknown ToolCategory = "unknown"
)

// Context carries the data an outcome application needs beyond the
// outcome name itself.
type Context struct {
	ArtifactKinds []string
	Workstreams   []string
	ToolCategory  ToolCategory
}

// DomainLogEntry is one recorded outcome, awaiting flush to the audit
// log.
type DomainLogEntry struct {
	Outcome       Outcome
	ArtifactKinds []string
	Workstreams   []string
	ToolCategory  ToolCategory
	Tick          int64
}

const (
	defaultInitialScore = 50
	minScore             = 0
	maxScore             = 100
)

// deltaTable gives the representative (midpoint, for deterministic
// testing) delta per outcome. The spec documents these as
// configuration input with a range; this repo fixes one value per
// outcome so applications are deterministic; callers cannot pick
// another value within the range.
var deltaTable = map[Outcome]int{
	OutcomeTaskCompletedClean:          3,
	OutcomeTaskCompletedPartial:        1,
	OutcomeTaskAbandonedOrMax:          -2,
	OutcomeHumanApprovesRecommendation: 2,
	OutcomeHumanApprovesAlways:         3,
	OutcomeHumanRejectsToolCall:        -2,
	OutcomeErrorEvent:                  -2,
}

var toolCategoryDelta = map[ToolCategory]int{
	ToolRead:    -1,
	ToolWrite:   -2,
	ToolExecute: -3,
	ToolUnknown: -1,
}

type agentState struct {
	score         int
	lastUpdatedTick int64
	domainLog     []DomainLogEntry
}

// Engine is the process-singleton trust engine.
type Engine struct {
	mu           sync.Mutex
	initialScore int
	agents       map[string]*agentState
}

// Config configures a new Engine.
type Config struct {
	InitialScore int
}

// New constructs an Engine.
func New(cfg Config) *Engine {
	initial := cfg.InitialScore
	if initial <= 0 {
		initial = defaultInitialScore
	}
	return &Engine{
		initialScore: initial,
		agents:       make(map[string]*agentState),
	}
}

// RegisterAgent creates a trust profile for id at initialScore+delta,
// clamped. Re-registering an existing agent is a no-op.
func (e *Engine) RegisterAgent(id string, initialDelta int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.agents[id]; ok {
		return
	}
	e.agents[id] = &agentState{score: clamp(e.initialScore + initialDelta)}
}

// GetScore returns id's current score, registering it at the default
// if unknown.
func (e *Engine) GetScore(id string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	a := e.getOrCreate(id)
	return a.score
}

func (e *Engine) getOrCreate(id string) *agentState {
	a, ok := e.agents[id]
	if !ok {
		a = &agentState{score: e.initialScore}
		e.agents[id] = a
	}
	return a
}

// ApplyOutcome applies outcome's configured delta to id's score,
// clamping to [0,100], and records a domain-log entry. It returns the
// previous score, new score, and delta actually applied.
func (e *Engine) ApplyOutcome(id string, outcome Outcome, tick int64, ctx Context) (previous, current, delta int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	a := e.getOrCreate(id)
	previous = a.score

	delta = deltaTable[outcome]
	if outcome == OutcomeErrorEvent {
		if d, ok := toolCategoryDelta[ctx.ToolCategory]; ok {
			delta = d
		}
	}

	a.score = clamp(a.score + delta)
	a.lastUpdatedTick = tick
	a.domainLog = append(a.domainLog, DomainLogEntry{
		Outcome:       outcome,
		ArtifactKinds: ctx.ArtifactKinds,
		Workstreams:   ctx.Workstreams,
		ToolCategory:  ctx.ToolCategory,
		Tick:          tick,
	})
	current = a.score
	return previous, current, delta
}

// FlushDomainLog drains and returns the accumulated outcome entries
// for id, for the caller to append to the audit log.
func (e *Engine) FlushDomainLog(id string) []DomainLogEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	a, ok := e.agents[id]
	if !ok {
		return nil
	}
	out := a.domainLog
	a.domainLog = nil
	return out
}

// ClassifyTool returns the ToolCategory heuristically derived from a
// tool's name, matching the common read/write/execute verb prefixes
// agent tool names use in practice.
func ClassifyTool(toolName string) ToolCategory {
	switch {
	case hasAnyPrefix(toolName, "read", "get", "list", "search", "view"):
		return ToolRead
	case hasAnyPrefix(toolName, "write", "edit", "create", "update", "delete", "save"):
		return ToolWrite
	case hasAnyPrefix(toolName, "run", "exec", "shell", "bash", "deploy"):
		return ToolExecute
	default:
		return ToolUnknown
	}
}

func hasAnyPrefix(s string, prefixes ...string) bool {
	low := strings.ToLower(s)
	for _, p := range prefixes {
		if strings.HasPrefix(low, p) {
			return true
		}
	}
	return false
}

func clamp(v int) int {
	if v < minScore {
		return minScore
	}
	if v > maxScore {
		return maxScore
	}
	return v
}
