// Package knowledge implements the knowledge store: the control
// plane's authoritative server-side state (event log, artifacts,
// content blobs, coherence issues, agent registry, audit log) backed
// by SQLite.
//
// Grounded on internal/db/sqlite.go (WAL + foreign-keys open sequence,
// numbered-migration constants) and internal/db/store.go (manual
// database/sql scanning, no ORM) — the reference shape spec §6 calls
// for ("the reference shape is SQLite-style").
package knowledge

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/yuin/goldmark"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"ensemble/events"
)

// Store is the process-local knowledge store.
type Store struct {
	db *sql.DB

	mu      sync.Mutex
	version uint64
}

// Open opens (or creates) a knowledge store at path. Use ":memory:"
// for an ephemeral, test-only store.
func Open(path string) (*Store, error) {
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) bumpVersion() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.version++
	return s.version
}

// Version returns the store's current snapshot version without
// bumping it.
func (s *Store) Version() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// AppendEvent appends env to the event log. Callers are expected to
// have already deduplicated via the bus; AppendEvent uses INSERT OR
// IGNORE so a duplicate sourceEventId is silently absorbed rather than
// erroring.
func (s *Store) AppendEvent(env events.EventEnvelope) error {
	payload, err := json.Marshal(env.Event)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT OR IGNORE INTO events
			(source_event_id, source_sequence, source_occurred_at, run_id, ingested_at, agent_id, kind, payload_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, env.SourceEventID, env.SourceSequence, env.SourceOccurredAt, env.RunID, env.IngestedAt, env.Event.AgentID, string(env.Event.Kind), string(payload))
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	s.bumpVersion()
	return nil
}

// EventFilter bounds a GetEvents query.
type EventFilter struct {
	AgentID string
	Kinds   []events.Kind
	Since   *time.Time
	RunID   string
	Limit   int
}

const (
	defaultEventLimit = 100
	maxEventLimit     = 1000
)

// GetEvents returns events matching filter, newest-first, with a
// parameterised query — never string-concatenated — so SQL-injection-
// shaped inputs are bound as plain values by construction.
func (s *Store) GetEvents(filter EventFilter) ([]events.EventEnvelope, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultEventLimit
	}
	if limit > maxEventLimit {
		limit = maxEventLimit
	}

	query := `SELECT source_event_id, source_sequence, source_occurred_at, run_id, ingested_at, agent_id, kind, payload_json FROM events WHERE 1=1`
	var args []any

	if filter.AgentID != "" {
		query += " AND agent_id = ?"
		args = append(args, filter.AgentID)
	}
	if filter.RunID != "" {
		query += " AND run_id = ?"
		args = append(args, filter.RunID)
	}
	if filter.Since != nil {
		query += " AND source_occurred_at >= ?"
		args = append(args, *filter.Since)
	}
	if len(filter.Kinds) > 0 {
		query += " AND kind IN (" + placeholders(len(filter.Kinds)) + ")"
		for _, k := range filter.Kinds {
			args = append(args, string(k))
		}
	}
	query += " ORDER BY ingested_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []events.EventEnvelope
	for rows.Next() {
		var env events.EventEnvelope
		var payload string
		var agentID, kind string
		if err := rows.Scan(&env.SourceEventID, &env.SourceSequence, &env.SourceOccurredAt, &env.RunID, &env.IngestedAt, &agentID, &kind, &payload); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &env.Event); err != nil {
			return nil, fmt.Errorf("unmarshal event payload: %w", err)
		}
		out = append(out, env)
	}
	return out, rows.Err()
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	out := "?"
	for i := 1; i < n; i++ {
		out += ",?"
	}
	return out
}

// StoreArtifact upserts artifact by artifactId.
func (s *Store) StoreArtifact(agentID string, artifact events.ArtifactPayload) error {
	prov, err := json.Marshal(artifact.Provenance)
	if err != nil {
		return fmt.Errorf("marshal provenance: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO artifacts (artifact_id, agent_id, name, kind, workstream, status, quality_score, provenance_json, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(artifact_id) DO UPDATE SET
			agent_id=excluded.agent_id, name=excluded.name, kind=excluded.kind,
			workstream=excluded.workstream, status=excluded.status,
			quality_score=excluded.quality_score, provenance_json=excluded.provenance_json,
			updated_at=excluded.updated_at
	`, artifact.ArtifactID, agentID, artifact.Name, string(artifact.Kind), artifact.Workstream, string(artifact.Status), artifact.QualityScore, string(prov), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("store artifact: %w", err)
	}
	s.bumpVersion()
	return nil
}

// ErrNotFound is the not-found sentinel for read operations on unknown
// agents/artifacts (spec §7).
var ErrNotFound = fmt.Errorf("not found")

// GetArtifact returns the artifact for id, plus its owning agent id.
func (s *Store) GetArtifact(id string) (events.ArtifactPayload, string, error) {
	row := s.db.QueryRow(`SELECT agent_id, name, kind, workstream, status, quality_score, provenance_json FROM artifacts WHERE artifact_id = ?`, id)
	var a events.ArtifactPayload
	var agentID, kind, status, prov string
	a.ArtifactID = id
	if err := row.Scan(&agentID, &a.Name, &kind, &a.Workstream, &status, &a.QualityScore, &prov); err != nil {
		if err == sql.ErrNoRows {
			return events.ArtifactPayload{}, "", ErrNotFound
		}
		return events.ArtifactPayload{}, "", fmt.Errorf("get artifact: %w", err)
	}
	a.Kind = events.ArtifactKind(kind)
	a.Status = events.ArtifactStatus(status)
	if err := json.Unmarshal([]byte(prov), &a.Provenance); err != nil {
		return events.ArtifactPayload{}, "", fmt.Errorf("unmarshal provenance: %w", err)
	}
	return a, agentID, nil
}

// ArtifactWithOwner pairs an artifact with its owning agent, as
// returned by ListArtifacts.
type ArtifactWithOwner struct {
	Artifact events.ArtifactPayload
	AgentID  string
}

// ListArtifacts returns all artifacts, grouped implicitly by
// workstream via the ordering (stable identity per artifactId).
func (s *Store) ListArtifacts() ([]ArtifactWithOwner, error) {
	rows, err := s.db.Query(`SELECT artifact_id, agent_id, name, kind, workstream, status, quality_score, provenance_json FROM artifacts ORDER BY workstream, artifact_id`)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()

	var out []ArtifactWithOwner
	for rows.Next() {
		var aw ArtifactWithOwner
		var kind, status, prov string
		if err := rows.Scan(&aw.Artifact.ArtifactID, &aw.AgentID, &aw.Artifact.Name, &kind, &aw.Artifact.Workstream, &status, &aw.Artifact.QualityScore, &prov); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		aw.Artifact.Kind = events.ArtifactKind(kind)
		aw.Artifact.Status = events.ArtifactStatus(status)
		if err := json.Unmarshal([]byte(prov), &aw.Artifact.Provenance); err != nil {
			return nil, fmt.Errorf("unmarshal provenance: %w", err)
		}
		out = append(out, aw)
	}
	return out, rows.Err()
}

// StoreArtifactContent stores content under (agentId, artifactId),
// idempotently overwriting any prior blob.
func (s *Store) StoreArtifactContent(agentID, artifactID string, content []byte, mimeType string) error {
	_, err := s.db.Exec(`
		INSERT INTO artifact_content (agent_id, artifact_id, content, mime_type, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(agent_id, artifact_id) DO UPDATE SET content=excluded.content, mime_type=excluded.mime_type, updated_at=excluded.updated_at
	`, agentID, artifactID, content, mimeType, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("store artifact content: %w", err)
	}
	s.bumpVersion()
	return nil
}

// GetArtifactContent retrieves the content blob for (agentId, artifactId).
func (s *Store) GetArtifactContent(agentID, artifactID string) ([]byte, string, error) {
	row := s.db.QueryRow(`SELECT content, mime_type FROM artifact_content WHERE agent_id = ? AND artifact_id = ?`, agentID, artifactID)
	var content []byte
	var mimeType sql.NullString
	if err := row.Scan(&content, &mimeType); err != nil {
		if err == sql.ErrNoRows {
			return nil, "", ErrNotFound
		}
		return nil, "", fmt.Errorf("get artifact content: %w", err)
	}
	return content, mimeType.String, nil
}

// RenderDocumentPreview renders a document-kind artifact's markdown
// content to HTML, for the WebSocket hub's optional preview payload.
// Adapted from internal/web/server.go's goldmark-based ticket-notes
// rendering.
func RenderDocumentPreview(markdown []byte) (string, error) {
	var buf bytes.Buffer
	if err := goldmark.Convert(markdown, &buf); err != nil {
		return "", fmt.Errorf("render document preview: %w", err)
	}
	return buf.String(), nil
}

// GetArtifactPreview renders the stored content of a document-kind
// artifact to HTML, for the hub's event preview payload and
// the HTTP status page. ok is false (no error) when the artifact isn't
// a document or has no content stored yet.
func (s *Store) GetArtifactPreview(agentID, artifactID string) (html string, ok bool, err error) {
	artifact, _, err := s.GetArtifact(artifactID)
	if err != nil {
		if err == ErrNotFound {
			return "", false, nil
		}
		return "", false, err
	}
	if artifact.Kind != events.ArtifactDocument {
		return "", false, nil
	}
	content, _, err := s.GetArtifactContent(agentID, artifactID)
	if err != nil {
		if err == ErrNotFound {
			return "", false, nil
		}
		return "", false, err
	}
	html, err = RenderDocumentPreview(content)
	if err != nil {
		return "", false, err
	}
	return html, true, nil
}

// StoreCoherenceIssue upserts a coherence issue by issueId.
func (s *Store) StoreCoherenceIssue(issue events.CoherencePayload) error {
	workstreams, err := json.Marshal(issue.AffectedWorkstreams)
	if err != nil {
		return err
	}
	artifactIDs, err := json.Marshal(issue.AffectedArtifactIDs)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO coherence_issues (issue_id, category, severity, title, description, affected_workstreams_json, affected_artifact_ids_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(issue_id) DO UPDATE SET
			category=excluded.category, severity=excluded.severity, title=excluded.title,
			description=excluded.description, affected_workstreams_json=excluded.affected_workstreams_json,
			affected_artifact_ids_json=excluded.affected_artifact_ids_json
	`, issue.IssueID, string(issue.Category), string(issue.Severity), issue.Title, issue.Description, string(workstreams), string(artifactIDs), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("store coherence issue: %w", err)
	}
	s.bumpVersion()
	return nil
}

// ListCoherenceIssues returns every coherence issue raised so far.
func (s *Store) ListCoherenceIssues() ([]events.CoherencePayload, error) {
	rows, err := s.db.Query(`SELECT issue_id, category, severity, title, description, affected_workstreams_json, affected_artifact_ids_json FROM coherence_issues ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list coherence issues: %w", err)
	}
	defer rows.Close()

	var out []events.CoherencePayload
	for rows.Next() {
		var c events.CoherencePayload
		var category, severity, workstreams, artifactIDs string
		if err := rows.Scan(&c.IssueID, &category, &severity, &c.Title, &c.Description, &workstreams, &artifactIDs); err != nil {
			return nil, fmt.Errorf("scan coherence issue: %w", err)
		}
		c.Category = events.CoherenceCategory(category)
		c.Severity = events.Severity(severity)
		_ = json.Unmarshal([]byte(workstreams), &c.AffectedWorkstreams)
		_ = json.Unmarshal([]byte(artifactIDs), &c.AffectedArtifactIDs)
		out = append(out, c)
	}
	return out, rows.Err()
}

// RegisterAgent inserts or updates an agent's registry record.
func (s *Store) RegisterAgent(handle events.AgentHandle) error {
	_, err := s.db.Exec(`
		INSERT INTO agents (id, plugin_name, status, session_id, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET plugin_name=excluded.plugin_name, status=excluded.status, session_id=excluded.session_id, updated_at=excluded.updated_at
	`, handle.ID, handle.PluginName, string(handle.Status), handle.SessionID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("register agent: %w", err)
	}
	s.bumpVersion()
	return nil
}

// UpdateAgentStatus moves an agent's registry status. Unknown agents
// return ErrNotFound.
func (s *Store) UpdateAgentStatus(id string, status events.AgentStatus) error {
	res, err := s.db.Exec(`UPDATE agents SET status = ?, updated_at = ? WHERE id = ?`, string(status), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update agent status: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	s.bumpVersion()
	return nil
}

// RemoveAgent deletes an agent's registry record.
func (s *Store) RemoveAgent(id string) error {
	_, err := s.db.Exec(`DELETE FROM agents WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("remove agent: %w", err)
	}
	s.bumpVersion()
	return nil
}

// ListActiveAgents returns every agent currently in the registry.
func (s *Store) ListActiveAgents() ([]events.AgentHandle, error) {
	rows, err := s.db.Query(`SELECT id, plugin_name, status, session_id FROM agents ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var out []events.AgentHandle
	for rows.Next() {
		var h events.AgentHandle
		var pluginName, sessionID sql.NullString
		var status string
		if err := rows.Scan(&h.ID, &pluginName, &status, &sessionID); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		h.PluginName = pluginName.String
		h.SessionID = sessionID.String
		h.Status = events.AgentStatus(status)
		out = append(out, h)
	}
	return out, rows.Err()
}

// AppendAuditLog records an audit entry.
func (s *Store) AppendAuditLog(kind, subject, action, target string, payload any) error {
	var payloadJSON []byte
	if payload != nil {
		var err error
		payloadJSON, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal audit payload: %w", err)
		}
	}
	_, err := s.db.Exec(`
		INSERT INTO audit_log (kind, subject, action, target, payload_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, kind, subject, action, target, string(payloadJSON), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("append audit log: %w", err)
	}
	s.bumpVersion()
	return nil
}

// Humanize title-cases a snake_case label for display — e.g.
// "task_completed_clean" -> "Task Completed Clean". Kept from
// agents/spawner.go's template FuncMap ("title": cases.Title(...)).
func Humanize(label string) string {
	spaced := bytes.ReplaceAll([]byte(label), []byte("_"), []byte(" "))
	return cases.Title(language.English).String(string(spaced))
}
