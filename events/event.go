// Package events defines the agent event model that flows through the
// control plane: the tagged AgentEvent union, its envelope, and the
// handful of supporting types (agent handles, resolutions) that every
// other package discriminates on.
package events

import "time"

// Kind discriminates the thirteen AgentEvent cases. Consumers must
// switch exhaustively on Kind rather than sniff which payload field is
// non-nil.
type Kind string

const (
	KindStatus      Kind = "status"
	KindDecision    Kind = "decision"
	KindArtifact    Kind = "artifact"
	KindCoherence   Kind = "coherence"
	KindToolCall    Kind = "tool_call"
	KindCompletion  Kind = "completion"
	KindError       Kind = "error"
	KindDelegation  Kind = "delegation"
	KindGuardrail   Kind = "guardrail"
	KindLifecycle   Kind = "lifecycle"
	KindProgress    Kind = "progress"
	KindRawProvider Kind = "raw_provider"
)

// DecisionSubtype discriminates the two decision payload shapes.
type DecisionSubtype string

const (
	DecisionSubtypeOption DecisionSubtype = "option"
	DecisionToolApproval  DecisionSubtype = "tool_approval"
)

// ArtifactKind enumerates the recognised artifact kinds.
type ArtifactKind string

const (
	ArtifactCode     ArtifactKind = "code"
	ArtifactDocument ArtifactKind = "document"
	ArtifactDesign   ArtifactKind = "design"
	ArtifactConfig   ArtifactKind = "config"
	ArtifactTest     ArtifactKind = "test"
	ArtifactOther    ArtifactKind = "other"
)

// ArtifactStatus enumerates artifact review state.
type ArtifactStatus string

const (
	ArtifactDraft    ArtifactStatus = "draft"
	ArtifactInReview ArtifactStatus = "in_review"
	ArtifactApproved ArtifactStatus = "approved"
	ArtifactRejected ArtifactStatus = "rejected"
)

// CoherenceCategory enumerates the kinds of conflict the coherence
// monitor can raise.
type CoherenceCategory string

const (
	CoherenceContradiction       CoherenceCategory = "contradiction"
	CoherenceDuplication         CoherenceCategory = "duplication"
	CoherenceGap                 CoherenceCategory = "gap"
	CoherenceDependencyViolation CoherenceCategory = "dependency_violation"
)

// CompletionOutcome enumerates how an agent run ended.
type CompletionOutcome string

const (
	OutcomeSuccess   CompletionOutcome = "success"
	OutcomePartial   CompletionOutcome = "partial"
	OutcomeAbandoned CompletionOutcome = "abandoned"
	OutcomeMaxTurns  CompletionOutcome = "max_turns"
)

// LifecycleAction enumerates the agent lifecycle transitions.
type LifecycleAction string

const (
	LifecycleStarted      LifecycleAction = "started"
	LifecyclePaused       LifecycleAction = "paused"
	LifecycleResumed      LifecycleAction = "resumed"
	LifecycleKilled       LifecycleAction = "killed"
	LifecycleCrashed      LifecycleAction = "crashed"
	LifecycleSessionStart LifecycleAction = "session_start"
	LifecycleSessionEnd   LifecycleAction = "session_end"
)

// AgentStatus enumerates the handle statuses the registry tracks.
type AgentStatus string

const (
	StatusRunning        AgentStatus = "running"
	StatusPaused         AgentStatus = "paused"
	StatusWaitingOnHuman AgentStatus = "waiting_on_human"
	StatusIdle           AgentStatus = "idle"
	StatusCompleted      AgentStatus = "completed"
	StatusError          AgentStatus = "error"
)

// Severity is shared by decisions, errors and coherence issues.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityWarning  Severity = "warning"
)

// DecisionOption is one choice offered by an "option" decision.
type DecisionOption struct {
	ID      string `json:"id"`
	Label   string `json:"label"`
	Summary string `json:"summary,omitempty"`
}

// DecisionPayload carries both decision subtypes; exactly one of the
// subtype-specific fields is meaningful, selected by Subtype.
type DecisionPayload struct {
	DecisionID           string           `json:"decisionId"`
	Subtype              DecisionSubtype  `json:"subtype"`
	Title                string           `json:"title,omitempty"`
	Summary              string           `json:"summary,omitempty"`
	Severity             Severity         `json:"severity,omitempty"`
	Confidence           float64          `json:"confidence,omitempty"`
	BlastRadius          string           `json:"blastRadius,omitempty"`
	Options              []DecisionOption `json:"options,omitempty"`
	RecommendedOptionID  string           `json:"recommendedOptionId,omitempty"`
	AffectedArtifactIDs  []string         `json:"affectedArtifactIds,omitempty"`
	RequiresRationale    bool             `json:"requiresRationale,omitempty"`
	DueByTick            *int64           `json:"dueByTick,omitempty"`
	ToolName             string           `json:"toolName,omitempty"`
	ToolArgs             map[string]any   `json:"toolArgs,omitempty"`
}

// ArtifactProvenance records where an artifact came from.
type ArtifactProvenance struct {
	CreatedBy         string   `json:"createdBy"`
	CreatedAt         time.Time `json:"createdAt"`
	SourcePath        string   `json:"sourcePath,omitempty"`
	SourceArtifactIDs []string `json:"sourceArtifactIds,omitempty"`
}

// ArtifactPayload is the artifact event case.
type ArtifactPayload struct {
	ArtifactID   string             `json:"artifactId"`
	Name         string             `json:"name"`
	Kind         ArtifactKind       `json:"kind"`
	Workstream   string             `json:"workstream"`
	Status       ArtifactStatus     `json:"status"`
	QualityScore float64            `json:"qualityScore"`
	Provenance   ArtifactProvenance `json:"provenance"`
}

// CoherencePayload is always synthetic, emitted by the coherence monitor.
type CoherencePayload struct {
	IssueID             string            `json:"issueId"`
	Category            CoherenceCategory `json:"category"`
	Severity            Severity          `json:"severity"`
	Title               string            `json:"title"`
	Description         string            `json:"description"`
	AffectedWorkstreams []string          `json:"affectedWorkstreams,omitempty"`
	AffectedArtifactIDs []string          `json:"affectedArtifactIds"`
}

// CompletionPayload is the completion event case.
type CompletionPayload struct {
	Summary          string            `json:"summary"`
	ArtifactsProduced []ArtifactPayload `json:"artifactsProduced,omitempty"`
	DecisionsNeeded  []string          `json:"decisionsNeeded,omitempty"`
	Outcome          CompletionOutcome `json:"outcome"`
}

// ErrorContext carries optional extra diagnostics for an error event.
type ErrorContext struct {
	ToolName string `json:"toolName,omitempty"`
}

// ErrorPayload is the error event case.
type ErrorPayload struct {
	Severity    Severity      `json:"severity"`
	Message     string        `json:"message"`
	Recoverable bool          `json:"recoverable"`
	Category    string        `json:"category"`
	Context     *ErrorContext `json:"context,omitempty"`
}

// LifecyclePayload is the lifecycle event case.
type LifecyclePayload struct {
	Action LifecycleAction `json:"action"`
}

// StatusPayload is the informational status event case.
type StatusPayload struct {
	Message string `json:"message"`
	Tick    *int64 `json:"tick,omitempty"`
}

// AgentEvent is the tagged union of everything an agent can emit.
// Exactly one payload matching Kind is populated; downstream code must
// switch on Kind rather than check payload nilness (several kinds,
// such as tool_call/delegation/guardrail/progress/raw_provider, are
// carried opaquely via Raw since the core does not interpret them).
type AgentEvent struct {
	AgentID    string `json:"agentId"`
	Kind       Kind   `json:"type"`

	Status     *StatusPayload     `json:"status,omitempty"`
	Decision   *DecisionPayload   `json:"decision,omitempty"`
	Artifact   *ArtifactPayload   `json:"artifact,omitempty"`
	Coherence  *CoherencePayload  `json:"coherence,omitempty"`
	Completion *CompletionPayload `json:"completion,omitempty"`
	Error      *ErrorPayload      `json:"error,omitempty"`
	Lifecycle  *LifecyclePayload  `json:"lifecycle,omitempty"`

	// Raw carries tool_call/delegation/guardrail/progress/raw_provider
	// payloads untouched; the core routes and classifies these without
	// interpreting their shape.
	Raw map[string]any `json:"raw,omitempty"`
}

// EventEnvelope wraps an AgentEvent with ingestion metadata. It is the
// unit of publication on the event bus.
type EventEnvelope struct {
	SourceEventID    string     `json:"sourceEventId"`
	SourceSequence   int64      `json:"sourceSequence"`
	SourceOccurredAt time.Time  `json:"sourceOccurredAt"`
	RunID            string     `json:"runId"`
	IngestedAt       time.Time  `json:"ingestedAt"`
	Event            AgentEvent `json:"event"`
}

// Synthetic reports whether this envelope was generated internally
// (e.g. by the coherence monitor) rather than received from an agent.
// Spec: synthetic envelopes carry SourceSequence = -1 and are not part
// of any agent's sequence tracking.
func (e EventEnvelope) Synthetic() bool {
	return e.SourceSequence < 0
}

// AgentHandle is the registry's record of a known agent. It is owned
// by the registry and only ever referenced elsewhere.
type AgentHandle struct {
	ID         string      `json:"id"`
	PluginName string      `json:"pluginName"`
	Status     AgentStatus `json:"status"`
	SessionID  string      `json:"sessionId"`
}

// ResolutionType discriminates the two decision-resolution shapes.
type ResolutionType string

const (
	ResolutionOption       ResolutionType = "option"
	ResolutionToolApproval ResolutionType = "tool_approval"
)

// ActionKind enumerates the action categories a resolution can carry.
type ActionKind string

const (
	ActionCreate ActionKind = "create"
	ActionUpdate ActionKind = "update"
	ActionDelete ActionKind = "delete"
	ActionReview ActionKind = "review"
	ActionDeploy ActionKind = "deploy"
)

// ToolApprovalAction enumerates the outcomes of a tool-approval decision.
type ToolApprovalAction string

const (
	ApprovalApprove ToolApprovalAction = "approve"
	ApprovalReject  ToolApprovalAction = "reject"
	ApprovalModify  ToolApprovalAction = "modify"
)

// Resolution is the tagged union attached to a decision once resolved.
type Resolution struct {
	Type            ResolutionType     `json:"type"`
	ChosenOptionID  string             `json:"chosenOptionId,omitempty"`
	Rationale       string             `json:"rationale,omitempty"`
	ActionKind      ActionKind         `json:"actionKind,omitempty"`
	Action          ToolApprovalAction `json:"action,omitempty"`
	ModifiedArgs    map[string]any     `json:"modifiedArgs,omitempty"`
	AlwaysApprove   bool               `json:"alwaysApprove,omitempty"`
}
