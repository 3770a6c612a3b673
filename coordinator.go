// Package ensemble is the control plane of a multi-agent orchestration
// server: it wires the event bus, the fixed handler graph, the
// decision queue, the trust engine, the coherence monitor, the
// checkpoint store and the WebSocket hub into one Coordinator, and
// exposes the high-level operations (spawn, kill, brake, resolve) a
// thin REST layer would call.
//
// Grounded on orchestrator.go's Orchestrator struct (component
// composition, NewOrchestrator constructor, config layering) and
// cmd/factory/main.go's signal-driven shutdown sequence, generalised
// from a kanban-ticket pipeline to the event-driven coordinator this
// spec describes.
package ensemble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"ensemble/events"
	"ensemble/internal/bus"
	"ensemble/internal/checkpoint"
	"ensemble/internal/coherence"
	"ensemble/internal/config"
	"ensemble/internal/decision"
	"ensemble/internal/handlers"
	"ensemble/internal/knowledge"
	"ensemble/internal/plugin"
	"ensemble/internal/tick"
	"ensemble/internal/trust"
	"ensemble/internal/wshub"
)

// ErrDecisionRequired is returned by Assign and Resume when the target
// agent has no stored checkpoint to resume from (spec §8 scenario
// 4: "without it, the assignment fails with a conflict").
var ErrDecisionRequired = errors.New("assignment requires a checkpoint, none stored for agent")

// ErrUnknownAgent is the not-found sentinel for operations on an agent
// the registry does not know about.
var ErrUnknownAgent = errors.New("unknown agent")

// Coordinator is the process-singleton control plane. It owns no
// business logic of its own beyond wiring and serialised mutation of
// the agent registry — the actual state transitions live in the
// packages it composes.
type Coordinator struct {
	logger *slog.Logger
	cfg    config.Config

	Bus         *bus.Bus
	Knowledge   *knowledge.Store
	Decisions   *decision.Queue
	Trust       *trust.Engine
	Coherence   *coherence.Monitor
	Checkpoints *checkpoint.Store
	Hub         *wshub.Hub
	Ticks       *tick.Service
	Graph       *handlers.Graph

	plug plugin.Plugin

	// locks serialises read-modify-write operations against a
	// single agent's registry entry (spawn/kill/pause/resume racing
	// against the lifecycle/completion subscribers), per spec §5's
	// "per-key serialisation primitive" requirement. Keyed by agentID.
	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	brakeMu sync.Mutex
	braked  map[string]bool // agentID -> currently braked

	bgWG sync.WaitGroup
}

// New constructs a Coordinator from cfg and plug (the agent-runtime
// collaborator; may be nil for a core that only ingests externally
// driven events). Callers must call Shutdown when done.
func New(cfg config.Config, plug plugin.Plugin, logger *slog.Logger) (*Coordinator, error) {
	if logger == nil {
		logger = slog.Default()
	}

	kstore, err := knowledge.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open knowledge store: %w", err)
	}

	b := bus.New(bus.Config{
		DedupCapacity:           cfg.BusDedupCapacity,
		MaxQueuePerAgent:        cfg.BusMaxQueuePerAgent,
		MaxHighPriorityPerAgent: cfg.BusMaxHighPriorityPerAgent,
		Logger:                  logger,
	})

	decisions := decision.New(decision.Policy{
		TimeoutTicks:           cfg.DecisionTimeoutTicks,
		OrphanGracePeriodTicks: cfg.DecisionOrphanGracePeriodTicks,
	})

	trustEng := trust.New(trust.Config{InitialScore: cfg.TrustInitialScore})
	coherenceMon := coherence.New(coherence.Config{})
	checkpoints := checkpoint.New(cfg.CheckpointsMaxPerAgent)
	ticks := tick.New(tick.Config{Mode: tick.Mode(cfg.TickMode), IntervalMs: cfg.TickIntervalMs, Logger: logger})

	c := &Coordinator{
		logger:      logger,
		cfg:         cfg,
		Bus:         b,
		Knowledge:   kstore,
		Decisions:   decisions,
		Trust:       trustEng,
		Coherence:   coherenceMon,
		Checkpoints: checkpoints,
		Ticks:       ticks,
		plug:        plug,
		locks:       make(map[string]*sync.Mutex),
		braked:      make(map[string]bool),
	}

	hub := wshub.New(wshub.Config{Logger: logger, StateProvider: c.stateSyncPayload, HeartbeatMs: cfg.WSHeartbeatMs})
	c.Hub = hub

	graph := handlers.New(handlers.Config{
		Logger:           logger,
		Bus:              b,
		Knowledge:        kstore,
		Decisions:        decisions,
		Trust:            trustEng,
		Coherence:        coherenceMon,
		Checkpoints:      checkpoints,
		Hub:              hub,
		Plugin:           plug,
		Ticks:            ticks,
		IdleTimeoutTicks: cfg.AgentsIdleTimeoutTicks,
	})
	graph.Install()
	c.Graph = graph

	ticks.OnTick(graph.OnTick)
	ticks.Start(context.Background())

	return c, nil
}

// stateSyncPayload assembles the connect-time state_sync message body,
// per spec §8 scenario 6.
func (c *Coordinator) stateSyncPayload() map[string]any {
	snapshot, err := c.Knowledge.GetSnapshot(c.Graph.PendingDecisionEvents())
	if err != nil {
		c.logger.Error("snapshot for state_sync failed", "error", err)
		snapshot = knowledge.Snapshot{Version: c.Knowledge.Version(), GeneratedAt: time.Now().UTC()}
	}
	active, _ := c.Knowledge.ListActiveAgents()
	trustScores := make(map[string]int, len(active))
	for _, a := range active {
		trustScores[a.ID] = c.Trust.GetScore(a.ID)
	}
	return map[string]any{
		"snapshot":     snapshot,
		"activeAgents": active,
		"trustScores":  trustScores,
		"controlMode":  "normal",
	}
}

// Publish hands an externally validated envelope to the bus. It is the
// single ingestion point: everything downstream (knowledge store,
// decision queue, trust, coherence, WebSocket fan-out) reacts via the
// handler graph installed at construction.
func (c *Coordinator) Publish(env events.EventEnvelope) bool {
	return c.Bus.Publish(env)
}

func (c *Coordinator) lockFor(agentID string) *sync.Mutex {
	c.locksMu.Lock()
	defer c.locksMu.Unlock()
	l, ok := c.locks[agentID]
	if !ok {
		l = &sync.Mutex{}
		c.locks[agentID] = l
	}
	return l
}

// Spawn asks the plugin to start a new agent session and registers its
// handle, serialised per-agent so a racing kill/pause cannot observe a
// half-registered agent.
func (c *Coordinator) Spawn(ctx context.Context, brief string) (events.AgentHandle, error) {
	if c.plug == nil {
		return events.AgentHandle{}, errors.New("no plugin configured")
	}
	h, err := c.plug.Spawn(ctx, brief)
	if err != nil {
		return events.AgentHandle{}, fmt.Errorf("spawn: %w", err)
	}
	if h.SessionID == "" {
		h.SessionID = uuid.NewString()
	}

	lock := c.lockFor(h.AgentID)
	lock.Lock()
	defer lock.Unlock()

	handle := events.AgentHandle{ID: h.AgentID, PluginName: c.plug.Name(), Status: events.StatusRunning, SessionID: h.SessionID}
	if err := c.Knowledge.RegisterAgent(handle); err != nil {
		return events.AgentHandle{}, fmt.Errorf("register spawned agent: %w", err)
	}
	c.Trust.RegisterAgent(h.AgentID, 0)

	c.Publish(events.EventEnvelope{
		SourceEventID:    "lifecycle-started-" + uuid.NewString(),
		SourceSequence:   0,
		SourceOccurredAt: time.Now().UTC(),
		RunID:            h.SessionID,
		IngestedAt:       time.Now().UTC(),
		Event: events.AgentEvent{
			AgentID:   h.AgentID,
			Kind:      events.KindLifecycle,
			Lifecycle: &events.LifecyclePayload{Action: events.LifecycleStarted},
		},
	})
	return handle, nil
}

// Kill stops an agent through the plugin (best-effort) and, regardless
// of plugin outcome, removes it from the registry and triages its
// pending decisions.
func (c *Coordinator) Kill(ctx context.Context, agentID string, grace bool) error {
	lock := c.lockFor(agentID)
	lock.Lock()
	defer lock.Unlock()

	if c.plug != nil {
		if _, err := c.plug.Kill(ctx, plugin.Handle{AgentID: agentID}, plugin.KillOptions{Grace: grace}); err != nil {
			c.logger.Warn("plugin kill failed, proceeding with registry cleanup", "agentId", agentID, "error", err)
		}
	}
	c.Decisions.HandleAgentKilled(agentID)
	if err := c.Knowledge.RemoveAgent(agentID); err != nil && !errors.Is(err, knowledge.ErrNotFound) {
		return fmt.Errorf("remove killed agent: %w", err)
	}
	return nil
}

// Pause requests a checkpoint from the plugin and marks the agent
// paused, tagging the checkpoint "pause".
func (c *Coordinator) Pause(ctx context.Context, agentID string) error {
	lock := c.lockFor(agentID)
	lock.Lock()
	defer lock.Unlock()

	if c.plug != nil {
		state, err := c.plug.Pause(ctx, plugin.Handle{AgentID: agentID})
		if err != nil {
			return fmt.Errorf("plugin pause: %w", err)
		}
		c.Checkpoints.StoreCheckpoint(agentID, state.Blob, checkpoint.SerializedByPause, "", 0)
	}
	if err := c.Knowledge.UpdateAgentStatus(agentID, events.StatusPaused); err != nil && !errors.Is(err, knowledge.ErrNotFound) {
		return fmt.Errorf("update status to paused: %w", err)
	}
	return nil
}

// Resume resumes a paused agent from its latest checkpoint via the
// plugin.
func (c *Coordinator) Resume(ctx context.Context, agentID string) error {
	lock := c.lockFor(agentID)
	lock.Lock()
	defer lock.Unlock()

	rec, ok := c.Checkpoints.GetLatestCheckpoint(agentID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrDecisionRequired, agentID)
	}
	if c.plug != nil {
		if _, err := c.plug.Resume(ctx, plugin.CheckpointState{AgentID: agentID, Blob: rec.State}); err != nil {
			return fmt.Errorf("plugin resume: %w", err)
		}
	}
	if err := c.Knowledge.UpdateAgentStatus(agentID, events.StatusRunning); err != nil && !errors.Is(err, knowledge.ErrNotFound) {
		return fmt.Errorf("update status to running: %w", err)
	}
	return nil
}

// Assign hands new work to an idle agent. Per spec §8 scenario 4, an
// idle agent with no stored checkpoint cannot be assigned — the
// successful completion that made it idle must have produced one.
func (c *Coordinator) Assign(ctx context.Context, agentID string, brief string) error {
	if c.Checkpoints.GetCheckpointCount(agentID) == 0 {
		return fmt.Errorf("%w: %s", ErrDecisionRequired, agentID)
	}
	if c.plug != nil {
		if err := c.plug.UpdateBrief(ctx, plugin.Handle{AgentID: agentID}, plugin.BriefChanges{Fields: map[string]any{"brief": brief}}); err != nil {
			return fmt.Errorf("assign brief: %w", err)
		}
	}
	return c.Knowledge.UpdateAgentStatus(agentID, events.StatusRunning)
}

// BrakeScope selects what a brake operation targets.
type BrakeScope struct {
	Type       string // "all" | "agent" | "workstream"
	AgentID    string
	Workstream string
}

// BrakeBehavior is the action a brake applies: pause or kill.
type BrakeBehavior string

const (
	BrakePause BrakeBehavior = "pause"
	BrakeKill  BrakeBehavior = "kill"
)

// Brake engages an operator-initiated pause/kill across the given
// scope. Affected agents' pending decisions move to suspended (spec
// §4.5, §8 scenario 5); running agents transition to paused (or are
// killed) via the plugin, best-effort.
func (c *Coordinator) Brake(ctx context.Context, scope BrakeScope, behavior BrakeBehavior, reason string) error {
	active, err := c.Knowledge.ListActiveAgents()
	if err != nil {
		return fmt.Errorf("list active agents for brake: %w", err)
	}

	var workstreamAgents map[string]bool
	if scope.Type == "workstream" {
		artifacts, err := c.Knowledge.ListArtifacts()
		if err != nil {
			return fmt.Errorf("list artifacts for workstream brake: %w", err)
		}
		workstreamAgents = make(map[string]bool)
		for _, a := range artifacts {
			if a.Artifact.Workstream == scope.Workstream {
				workstreamAgents[a.AgentID] = true
			}
		}
	}

	var targets []events.AgentHandle
	for _, a := range active {
		switch scope.Type {
		case "all":
			targets = append(targets, a)
		case "agent":
			if a.ID == scope.AgentID {
				targets = append(targets, a)
			}
		case "workstream":
			if workstreamAgents[a.ID] {
				targets = append(targets, a)
			}
		}
	}

	eg, egCtx := errgroup.WithContext(ctx)
	for _, a := range targets {
		a := a
		eg.Go(func() error {
			c.Decisions.SuspendAgentDecisions(a.ID)
			c.brakeMu.Lock()
			c.braked[a.ID] = true
			c.brakeMu.Unlock()
			switch behavior {
			case BrakeKill:
				return c.Kill(egCtx, a.ID, true)
			default:
				return c.Pause(egCtx, a.ID)
			}
		})
	}
	if err := eg.Wait(); err != nil {
		c.logger.Warn("brake encountered errors", "scope", scope.Type, "error", err)
	}
	c.logger.Info("brake engaged", "scope", scope.Type, "behavior", behavior, "reason", reason)
	return nil
}

// ReleaseBrake resumes agents braked under scope: agents with a
// checkpoint are resumed via the plugin, agents without one are simply
// marked running (metadata-only), per spec §8 scenario 5.
func (c *Coordinator) ReleaseBrake(ctx context.Context, scope BrakeScope) error {
	c.brakeMu.Lock()
	var ids []string
	for id, on := range c.braked {
		if !on {
			continue
		}
		if scope.Type == "all" || (scope.Type == "agent" && id == scope.AgentID) {
			ids = append(ids, id)
		}
	}
	for _, id := range ids {
		delete(c.braked, id)
	}
	c.brakeMu.Unlock()

	for _, id := range ids {
		c.Decisions.ResumeAgentDecisions(id)
		if c.Checkpoints.GetCheckpointCount(id) > 0 {
			if err := c.Resume(ctx, id); err != nil {
				c.logger.Warn("release-brake resume failed", "agentId", id, "error", err)
			}
			continue
		}
		if err := c.Knowledge.UpdateAgentStatus(id, events.StatusRunning); err != nil && !errors.Is(err, knowledge.ErrNotFound) {
			c.logger.Warn("release-brake status update failed", "agentId", id, "error", err)
		}
	}
	return nil
}

// flushTrustAudit drains the trust engine's accumulated domain-log
// entries for agentID and records each as an audit-log row.
func (c *Coordinator) flushTrustAudit(agentID string) {
	for _, entry := range c.Trust.FlushDomainLog(agentID) {
		if err := c.Knowledge.AppendAuditLog("trust", agentID, knowledge.Humanize(string(entry.Outcome)), agentID, entry); err != nil {
			c.logger.Error("append trust audit log failed", "agentId", agentID, "error", err)
		}
	}
}

// ResolveDecision resolves a pending decision and, on success, relays
// the resolution to the originating agent's plugin (best-effort) and
// broadcasts decision_resolved.
func (c *Coordinator) ResolveDecision(ctx context.Context, decisionID string, resolution events.Resolution) error {
	qd, ok := c.Decisions.Get(decisionID)
	if !ok {
		return fmt.Errorf("%w: decision %s", ErrUnknownAgent, decisionID)
	}
	if !c.Decisions.Resolve(decisionID, resolution, c.Ticks.CurrentTick()) {
		return nil // no-op: already resolved, per spec §7 — never an error
	}

	outcome := trust.OutcomeHumanApprovesRecommendation
	if resolution.Type == events.ResolutionToolApproval {
		switch resolution.Action {
		case events.ApprovalApprove:
			if resolution.AlwaysApprove {
				outcome = trust.OutcomeHumanApprovesAlways
			}
		case events.ApprovalReject:
			outcome = trust.OutcomeHumanRejectsToolCall
		}
	}
	prev, cur, delta := c.Trust.ApplyOutcome(qd.Event.AgentID, outcome, c.Ticks.CurrentTick(), trust.Context{})
	if cur != prev {
		c.Hub.Broadcast(map[string]any{
			"type": "trust_update", "agentId": qd.Event.AgentID,
			"previousScore": prev, "newScore": cur, "delta": delta, "reason": string(outcome),
		})
	}
	c.flushTrustAudit(qd.Event.AgentID)

	if c.plug != nil {
		c.bgWG.Add(1)
		go func() {
			defer c.bgWG.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			pr := plugin.Resolution{
				Type: string(resolution.Type), ChosenOptionID: resolution.ChosenOptionID,
				Action: string(resolution.Action), Rationale: resolution.Rationale, ModifiedArgs: resolution.ModifiedArgs,
			}
			if err := c.plug.ResolveDecision(ctx, plugin.Handle{AgentID: qd.Event.AgentID}, decisionID, pr); err != nil {
				c.logger.Warn("relay resolved decision to plugin failed", "decisionId", decisionID, "error", err)
			}
		}()
	}

	c.Hub.Broadcast(map[string]any{"type": "decision_resolved", "decisionId": decisionID, "resolution": resolution})
	return nil
}

// Shutdown performs the four-step cancellation sequence from spec §5:
// stop the tick service, close the WebSocket hub, drain in-flight
// background tasks (best-effort, bounded), release the knowledge
// store.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.Ticks.Stop()
	c.Hub.Close()

	drainCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	c.Graph.Drain(drainCtx)
	drained := make(chan struct{})
	go func() {
		c.bgWG.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-drainCtx.Done():
	}

	if err := c.Knowledge.Close(); err != nil {
		return fmt.Errorf("close knowledge store: %w", err)
	}
	return nil
}
