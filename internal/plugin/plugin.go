// Package plugin defines the agent runtime boundary the coordinator
// calls through: spawning, pausing, resuming and killing actual agent
// sessions is out of scope for this repository (spec §1 lists it as
// an external collaborator) — this package is the interface only,
// narrowed from agents/spawner.go's Spawner/AgentResult shape, with no
// LLM-calling implementation behind it beyond a test fake.
package plugin

import "context"

// Capabilities advertises what a plugin implementation supports.
type Capabilities struct {
	SupportsPause          bool
	SupportsResume         bool
	SupportsKill           bool
	SupportsHotBriefUpdate bool
}

// Handle is an opaque reference to a running agent session, owned by
// the plugin that created it.
type Handle struct {
	AgentID   string
	SessionID string
}

// KillOptions configures a kill call.
type KillOptions struct {
	Grace          bool
	GraceTimeoutMs int
}

// KillResult reports what happened during a kill.
type KillResult struct {
	CleanShutdown      bool
	ArtifactsExtracted []string
}

// CheckpointState is an opaque, plugin-specific serialisation of an
// agent session.
type CheckpointState struct {
	AgentID string
	Blob    []byte
}

// ContextInjection is additional context pushed into a running agent
// without restarting it.
type ContextInjection struct {
	Message string
	Data    map[string]any
}

// BriefChanges is a partial update to an agent's operating brief.
type BriefChanges struct {
	Fields map[string]any
}

// Resolution mirrors events.Resolution without importing the events
// package, keeping the plugin boundary free of a dependency on the
// core's internal event model.
type Resolution struct {
	Type           string
	ChosenOptionID string
	Action         string
	Rationale      string
	ModifiedArgs   map[string]any
}

// Plugin is the agent-runtime collaborator interface, per spec §6's
// "Agent plugin interface (consumed)".
type Plugin interface {
	Name() string
	Version() string
	Capabilities() Capabilities

	Spawn(ctx context.Context, brief string) (Handle, error)
	Kill(ctx context.Context, h Handle, opts KillOptions) (KillResult, error)
	Pause(ctx context.Context, h Handle) (CheckpointState, error)
	Resume(ctx context.Context, state CheckpointState) (Handle, error)
	ResolveDecision(ctx context.Context, h Handle, decisionID string, resolution Resolution) error
	InjectContext(ctx context.Context, h Handle, injection ContextInjection) error
	UpdateBrief(ctx context.Context, h Handle, changes BriefChanges) error
	RequestCheckpoint(ctx context.Context, h Handle, decisionID string) (CheckpointState, error)
}
