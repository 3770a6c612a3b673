// Package handlers wires the event bus to every consumer: the fixed
// subscriber graph the coordinator installs at startup, plus the
// coherence pipeline and idle-agent sweep driven by the tick service.
//
// Grounded on orchestrator.go's stage-dispatch (runCycle's switch over
// kanban status, one handler function per stage) and background.go's
// sweep-manager composition (one ticker-driven function per concern).
package handlers

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

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

// DefaultIdleTimeoutTicks is the spec's default idle-agent auto-kill
// threshold.
const DefaultIdleTimeoutTicks = 500

// Graph owns the fixed subscriber wiring and the tick-driven sweeps.
type Graph struct {
	logger *slog.Logger

	bus        *bus.Bus
	knowledge  *knowledge.Store
	decisions  *decision.Queue
	trustEng   *trust.Engine
	coherence  *coherence.Monitor
	checkpoints *checkpoint.Store
	hub        *wshub.Hub
	plug       plugin.Plugin
	ticks      *tick.Service

	idleTimeoutTicks int64

	mu         sync.Mutex
	idleSince  map[string]int64 // agentID -> tick it went idle
	registry   map[string]events.AgentHandle

	pipelineMu      sync.Mutex
	pipelineRunning bool

	bgWG sync.WaitGroup
}

// Config configures a new Graph.
type Config struct {
	Logger           *slog.Logger
	Bus              *bus.Bus
	Knowledge        *knowledge.Store
	Decisions        *decision.Queue
	Trust            *trust.Engine
	Coherence        *coherence.Monitor
	Checkpoints      *checkpoint.Store
	Hub              *wshub.Hub
	Plugin           plugin.Plugin
	Ticks            *tick.Service
	IdleTimeoutTicks int64
}

// New constructs a Graph. Call Install to wire its subscribers onto
// the bus.
func New(cfg Config) *Graph {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	idle := cfg.IdleTimeoutTicks
	if idle <= 0 {
		idle = DefaultIdleTimeoutTicks
	}
	return &Graph{
		logger:           cfg.Logger,
		bus:              cfg.Bus,
		knowledge:        cfg.Knowledge,
		decisions:        cfg.Decisions,
		trustEng:         cfg.Trust,
		coherence:        cfg.Coherence,
		checkpoints:      cfg.Checkpoints,
		hub:              cfg.Hub,
		plug:             cfg.Plugin,
		ticks:            cfg.Ticks,
		idleTimeoutTicks: idle,
		idleSince:        make(map[string]int64),
		registry:         make(map[string]events.AgentHandle),
	}
}

// Install subscribes every fixed handler onto the bus, per spec §4.3.
func (g *Graph) Install() {
	g.bus.Subscribe(bus.Filter{}, g.onAllEvents)
	g.bus.Subscribe(bus.Filter{EventType: events.KindDecision}, g.onDecision)
	g.bus.Subscribe(bus.Filter{EventType: events.KindArtifact}, g.onArtifact)
	g.bus.Subscribe(bus.Filter{EventType: events.KindLifecycle}, g.onLifecycle)
	g.bus.Subscribe(bus.Filter{EventType: events.KindCompletion}, g.onCompletion)
	g.bus.Subscribe(bus.Filter{EventType: events.KindError}, g.onError)
}

// onAllEvents appends to the knowledge store, classifies, and
// publishes to the WebSocket hub, attaching a rendered preview for
// document-artifact events.
func (g *Graph) onAllEvents(env events.EventEnvelope) {
	if err := g.knowledge.AppendEvent(env); err != nil {
		g.logger.Error("append event failed", "error", err)
	}
	classified := wshub.Classify(env.Event)

	var preview string
	if env.Event.Kind == events.KindArtifact && env.Event.Artifact != nil && env.Event.Artifact.Kind == events.ArtifactDocument {
		html, ok, err := g.knowledge.GetArtifactPreview(env.Event.AgentID, env.Event.Artifact.ArtifactID)
		if err != nil {
			g.logger.Warn("artifact preview render failed", "artifactId", env.Event.Artifact.ArtifactID, "error", err)
		} else if ok {
			preview = html
		}
	}

	g.hub.PublishClassifiedEvent(env, classified, preview)
}

// onDecision enqueues the decision, marks the originating agent
// waiting_on_human, and best-effort requests a checkpoint.
func (g *Graph) onDecision(env events.EventEnvelope) {
	g.decisions.Enqueue(env.Event, g.currentTick())

	g.setAgentStatus(env.Event.AgentID, events.StatusWaitingOnHuman)

	if g.plug == nil || env.Event.Decision == nil {
		return
	}
	g.bgWG.Add(1)
	go func() {
		defer g.bgWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		h := plugin.Handle{AgentID: env.Event.AgentID}
		if _, err := g.plug.RequestCheckpoint(ctx, h, env.Event.Decision.DecisionID); err != nil {
			g.logger.Warn("best-effort checkpoint request failed", "agentId", env.Event.AgentID, "error", err)
			return
		}
	}()
}

// onArtifact stores the artifact, runs the synchronous coherence
// check, and — if an issue is produced — emits a synthetic coherence
// envelope back into the fan-out path, then schedules a coherence
// pipeline run.
func (g *Graph) onArtifact(env events.EventEnvelope) {
	if env.Event.Artifact == nil {
		return
	}
	if err := g.knowledge.StoreArtifact(env.Event.AgentID, *env.Event.Artifact); err != nil {
		g.logger.Error("store artifact failed", "error", err)
	}

	issue := g.coherence.ProcessArtifact(env.Event.AgentID, *env.Event.Artifact)
	if issue != nil {
		g.emitCoherenceIssue(*issue)
	}

	g.bgWG.Add(1)
	go func() {
		defer g.bgWG.Done()
		g.RunCoherencePipeline(context.Background(), "system", 0)
	}()
}

// Drain waits for in-flight background tasks (checkpoint requests,
// triggered coherence pipeline runs) to finish, up to ctx's deadline.
// Best-effort per spec §5: it never returns an error, it simply stops
// waiting once ctx is done.
func (g *Graph) Drain(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		g.bgWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (g *Graph) emitCoherenceIssue(issue events.CoherencePayload) {
	if err := g.knowledge.StoreCoherenceIssue(issue); err != nil {
		g.logger.Error("store coherence issue failed", "error", err)
	}
	synthetic := events.EventEnvelope{
		SourceEventID:    "coherence-" + issue.IssueID,
		SourceSequence:   -1,
		SourceOccurredAt: time.Now().UTC(),
		RunID:            "system",
		IngestedAt:       time.Now().UTC(),
		Event: events.AgentEvent{
			AgentID:   "system",
			Kind:      events.KindCoherence,
			Coherence: &issue,
		},
	}
	g.bus.Publish(synthetic)
}

// onLifecycle updates the agent registry per the lifecycle-to-status
// table in spec §3.
func (g *Graph) onLifecycle(env events.EventEnvelope) {
	if env.Event.Lifecycle == nil {
		return
	}
	agentID := env.Event.AgentID
	switch env.Event.Lifecycle.Action {
	case events.LifecycleStarted, events.LifecycleSessionStart:
		g.registerAgent(events.AgentHandle{ID: agentID, Status: events.StatusRunning})
	case events.LifecyclePaused:
		g.setAgentStatus(agentID, events.StatusPaused)
	case events.LifecycleResumed:
		g.setAgentStatus(agentID, events.StatusRunning)
	case events.LifecycleKilled, events.LifecycleCrashed:
		g.removeAgent(agentID)
	}
}

// onCompletion computes the trust outcome, transitions the agent
// handle, and requests/clears idle tracking.
func (g *Graph) onCompletion(env events.EventEnvelope) {
	if env.Event.Completion == nil {
		return
	}
	agentID := env.Event.AgentID
	comp := env.Event.Completion

	var outcome trust.Outcome
	switch comp.Outcome {
	case events.OutcomeSuccess:
		outcome = trust.OutcomeTaskCompletedClean
	case events.OutcomePartial:
		outcome = trust.OutcomeTaskCompletedPartial
	default:
		outcome = trust.OutcomeTaskAbandonedOrMax
	}

	var artifactKinds, workstreams []string
	for _, a := range comp.ArtifactsProduced {
		artifactKinds = appendUnique(artifactKinds, string(a.Kind))
		workstreams = appendUnique(workstreams, a.Workstream)
	}

	prev, cur, delta := g.trustEng.ApplyOutcome(agentID, outcome, g.currentTick(), trust.Context{ArtifactKinds: artifactKinds, Workstreams: workstreams})
	if cur != prev {
		g.hub.Broadcast(map[string]any{
			"type":          "trust_update",
			"agentId":       agentID,
			"previousScore": prev,
			"newScore":      cur,
			"delta":         delta,
			"reason":        string(outcome),
		})
	}

	switch comp.Outcome {
	case events.OutcomeSuccess, events.OutcomePartial:
		g.setAgentStatus(agentID, events.StatusIdle)
		g.checkpoints.StoreCheckpoint(agentID, nil, checkpoint.SerializedByIdleCompletion, "", 0)
		g.mu.Lock()
		g.idleSince[agentID] = g.currentTick()
		g.mu.Unlock()
	default:
		g.setAgentStatus(agentID, events.StatusCompleted)
		g.mu.Lock()
		delete(g.idleSince, agentID)
		g.mu.Unlock()
	}

	g.flushTrustAudit(agentID)
}

// flushTrustAudit drains the trust engine's accumulated domain-log
// entries for agentID and records each as an audit-log row.
func (g *Graph) flushTrustAudit(agentID string) {
	for _, entry := range g.trustEng.FlushDomainLog(agentID) {
		if err := g.knowledge.AppendAuditLog("trust", agentID, knowledge.Humanize(string(entry.Outcome)), agentID, entry); err != nil {
			g.logger.Error("append trust audit log failed", "agentId", agentID, "error", err)
		}
	}
}

func appendUnique(ss []string, s string) []string {
	if s == "" {
		return ss
	}
	for _, existing := range ss {
		if existing == s {
			return ss
		}
	}
	return append(ss, s)
}

// onError applies the error_event trust outcome for non-warning errors.
func (g *Graph) onError(env events.EventEnvelope) {
	if env.Event.Error == nil || env.Event.Error.Severity == events.SeverityWarning {
		return
	}
	toolName := ""
	if env.Event.Error.Context != nil {
		toolName = env.Event.Error.Context.ToolName
	}
	prev, cur, delta := g.trustEng.ApplyOutcome(env.Event.AgentID, trust.OutcomeErrorEvent, g.currentTick(), trust.Context{ToolCategory: trust.ClassifyTool(toolName)})
	if cur != prev {
		g.hub.Broadcast(map[string]any{
			"type":          "trust_update",
			"agentId":       env.Event.AgentID,
			"previousScore": prev,
			"newScore":      cur,
			"delta":         delta,
			"reason":        string(trust.OutcomeErrorEvent),
		})
	}
	g.flushTrustAudit(env.Event.AgentID)
}

func (g *Graph) registerAgent(h events.AgentHandle) {
	g.mu.Lock()
	g.registry[h.ID] = h
	g.mu.Unlock()
	if err := g.knowledge.RegisterAgent(h); err != nil {
		g.logger.Error("register agent failed", "agentId", h.ID, "error", err)
	}
}

func (g *Graph) setAgentStatus(agentID string, status events.AgentStatus) {
	g.mu.Lock()
	h, ok := g.registry[agentID]
	if !ok {
		h = events.AgentHandle{ID: agentID}
	}
	h.Status = status
	g.registry[agentID] = h
	g.mu.Unlock()

	if err := g.knowledge.UpdateAgentStatus(agentID, status); err != nil && err != knowledge.ErrNotFound {
		g.logger.Error("update agent status failed", "agentId", agentID, "error", err)
	}
}

func (g *Graph) removeAgent(agentID string) {
	g.mu.Lock()
	delete(g.registry, agentID)
	delete(g.idleSince, agentID)
	g.mu.Unlock()
	if err := g.knowledge.RemoveAgent(agentID); err != nil {
		g.logger.Error("remove agent failed", "agentId", agentID, "error", err)
	}
}

// OnTick runs the coherence pipeline for the system run, then sweeps
// idle agents past the configured timeout.
func (g *Graph) OnTick(tick int64) {
	g.RunCoherencePipeline(context.Background(), "system", tick)
	g.decisions.OnTick(tick)
	g.sweepIdleAgents(tick)
}

// RunCoherencePipeline runs the monitor's periodic layers, guarded by
// an in-flight flag so overlapping invocations collapse to a single
// active run (spec §4.3).
func (g *Graph) RunCoherencePipeline(ctx context.Context, runID string, tick int64) {
	g.pipelineMu.Lock()
	if g.pipelineRunning {
		g.pipelineMu.Unlock()
		return
	}
	g.pipelineRunning = true
	g.pipelineMu.Unlock()
	defer func() {
		g.pipelineMu.Lock()
		g.pipelineRunning = false
		g.pipelineMu.Unlock()
	}()

	listArtifacts := func() []coherence.ArtifactWithOwner {
		aws, err := g.knowledge.ListArtifacts()
		if err != nil {
			g.logger.Error("list artifacts for coherence scan failed", "error", err)
			return nil
		}
		out := make([]coherence.ArtifactWithOwner, len(aws))
		for i, a := range aws {
			out[i] = coherence.ArtifactWithOwner{Artifact: a.Artifact, AgentID: a.AgentID}
		}
		return out
	}
	contentProvider := func(agentID, artifactID string) ([]byte, bool) {
		content, _, err := g.knowledge.GetArtifactContent(agentID, artifactID)
		if err != nil {
			return nil, false
		}
		return content, true
	}

	eg, _ := errgroup.WithContext(ctx)
	if g.coherence.ShouldRunLayer1Scan(tick) {
		eg.Go(func() error {
			for _, issue := range g.coherence.RunLayer1Scan(tick, listArtifacts, contentProvider) {
				g.emitCoherenceIssue(issue)
			}
			return nil
		})
	}
	if g.coherence.ShouldRunLayer1cSweep(tick) {
		eg.Go(func() error {
			for _, issue := range g.coherence.RunLayer1cSweep(tick, listArtifacts, contentProvider) {
				g.emitCoherenceIssue(issue)
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		g.logger.Error("coherence pipeline run failed", "error", err)
	}

	if issues, err := g.coherence.RunLayer2Review(contentProvider); err != nil {
		g.logger.Error("layer2 review failed", "error", err)
	} else {
		for _, issue := range issues {
			g.emitCoherenceIssue(issue)
		}
	}
}

// sweepIdleAgents auto-kills (best-effort) any agent idle for at least
// idleTimeoutTicks, removing its registry entry and idle record.
func (g *Graph) sweepIdleAgents(tick int64) {
	g.mu.Lock()
	var toKill []string
	for agentID, since := range g.idleSince {
		if tick-since >= g.idleTimeoutTicks {
			toKill = append(toKill, agentID)
		}
	}
	g.mu.Unlock()

	for _, agentID := range toKill {
		if g.plug != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			_, err := g.plug.Kill(ctx, plugin.Handle{AgentID: agentID}, plugin.KillOptions{Grace: true})
			cancel()
			if err != nil {
				g.logger.Warn("idle auto-kill failed", "agentId", agentID, "error", err)
			}
		}
		g.removeAgent(agentID)
	}
}

// currentTick reads the tick service's current tick, or 0 if this
// Graph was built without one (e.g. a unit test exercising a single
// handler in isolation).
func (g *Graph) currentTick() int64 {
	if g.ticks == nil {
		return 0
	}
	return g.ticks.CurrentTick()
}

// PendingDecisionEvents returns the AgentEvent payloads of every
// currently pending decision, for state-sync snapshots.
func (g *Graph) PendingDecisionEvents() []events.AgentEvent {
	pending := g.decisions.ListPending("")
	out := make([]events.AgentEvent, len(pending))
	for i, p := range pending {
		out[i] = p.Event
	}
	return out
}
