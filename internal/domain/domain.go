package domain

// Session is the long-lived orchestration context for an org, optionally
// pinned to an external chat thread. Director and safety state are stored as
// opaque JSON documents owned by their worker classes.
type Session struct {
	ID                string  `json:"id"`
	OrgID             string  `json:"org_id"`
	ThreadID          *string `json:"thread_id,omitempty"`
	Status            string  `json:"status" enum:"active,suspended,closed"`
	DirectorStateJSON *string `json:"director_state_json,omitempty"`
	SafetyStateJSON   *string `json:"safety_state_json,omitempty"`
	MetadataJSON      *string `json:"metadata_json,omitempty"`
	CurrentObjective  string  `json:"current_objective,omitempty"`
	LastDirectorJobID *string `json:"last_director_job_id,omitempty"`
	LastSafetyJobID   *string `json:"last_safety_job_id,omitempty"`
	Version           int64   `json:"version"`
	CreatedAt         string  `json:"created_at" format:"date-time"`
	UpdatedAt         string  `json:"updated_at" format:"date-time"`
	ClosedAt          *string `json:"closed_at,omitempty" format:"date-time"`
}

// Command is a single unit of requested work. Commands are append-only;
// terminal rows are never deleted.
type Command struct {
	ID           string  `json:"id"`
	OrgID        string  `json:"org_id"`
	SessionID    string  `json:"session_id"`
	CommandType  string  `json:"command_type"`
	PayloadJSON  string  `json:"payload_json"`
	Status       string  `json:"status" enum:"queued,in_progress,completed,failed,cancelled,needs_review"`
	Priority     int     `json:"priority"`
	ScheduledFor string  `json:"scheduled_for" format:"date-time"`
	IssuedBy     string  `json:"issued_by"`
	ResultJSON   *string `json:"result_json,omitempty"`
	LastError    *string `json:"last_error,omitempty"`
	MetadataJSON *string `json:"metadata_json,omitempty"`
	StartedAt    *string `json:"started_at,omitempty" format:"date-time"`
	CompletedAt  *string `json:"completed_at,omitempty" format:"date-time"`
	FailedAt     *string `json:"failed_at,omitempty" format:"date-time"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
	UpdatedAt    string  `json:"updated_at" format:"date-time"`
}

// Job is the schedulable record a worker claims, correlated 1:1 with its
// Command. Attempts increments on every claim, not only on failure.
type Job struct {
	ID           string  `json:"id"`
	OrgID        string  `json:"org_id"`
	CommandID    string  `json:"command_id"`
	WorkerClass  string  `json:"worker_class" enum:"director,safety,domain"`
	DomainKey    *string `json:"domain_key,omitempty"`
	Status       string  `json:"status" enum:"pending,running,completed,failed,cancelled,needs_review"`
	Attempts     int     `json:"attempts"`
	ScheduledAt  string  `json:"scheduled_at" format:"date-time"`
	StartedAt    *string `json:"started_at,omitempty" format:"date-time"`
	CompletedAt  *string `json:"completed_at,omitempty" format:"date-time"`
	FailedAt     *string `json:"failed_at,omitempty" format:"date-time"`
	LastError    *string `json:"last_error,omitempty"`
	MetadataJSON *string `json:"metadata_json,omitempty"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
	UpdatedAt    string  `json:"updated_at" format:"date-time"`
}

// Connector is a per-org external-system registration. (org, type, name) is
// the registration key; re-registration upserts.
type Connector struct {
	ID           string  `json:"id"`
	OrgID        string  `json:"org_id"`
	Type         string  `json:"type" enum:"erp,tax,accounting,compliance,analytics"`
	Name         string  `json:"name"`
	Status       string  `json:"status" enum:"inactive,pending,active,error"`
	ConfigJSON   *string `json:"config_json,omitempty"`
	MetadataJSON *string `json:"metadata_json,omitempty"`
	LastSyncedAt *string `json:"last_synced_at,omitempty" format:"date-time"`
	LastError    *string `json:"last_error,omitempty"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
	UpdatedAt    string  `json:"updated_at" format:"date-time"`
}

// Webhook is an org-scoped outbound notification target for terminal command
// transitions.
type Webhook struct {
	ID             string `json:"id"`
	OrgID          string `json:"org_id"`
	URL            string `json:"url"`
	Secret         string `json:"secret,omitempty"`
	EventTypesJSON string `json:"event_types_json,omitempty"`
	CreatedAt      string `json:"created_at" format:"date-time"`
}

// Envelope is the read-time composite handed to a worker on claim: everything
// needed to act without a second round trip. Not persisted.
type Envelope struct {
	Session Session `json:"session"`
	Command Command `json:"command"`
	Job     Job     `json:"job"`
}

// FollowUp is a new command payload produced by a worker result; it re-enters
// intake and is gated independently of its parent.
type FollowUp struct {
	CommandType  string         `json:"command_type"`
	Payload      map[string]any `json:"payload,omitempty"`
	Priority     *int           `json:"priority,omitempty"`
	WorkerClass  string         `json:"worker_class,omitempty" enum:"director,safety,domain"`
	DomainKey    string         `json:"domain_key,omitempty"`
	ScheduledFor *string        `json:"scheduled_for,omitempty" format:"date-time"`
}

// CommandResult is the structured result a worker submits on completion.
// Director results carry their plan under Output["plan"]; safety results
// carry their review under Output["review"].
type CommandResult struct {
	Status     string         `json:"status" enum:"completed,failed,cancelled"`
	Output     map[string]any `json:"output,omitempty"`
	Notices    []string       `json:"notices,omitempty"`
	FollowUps  []FollowUp     `json:"follow_ups,omitempty"`
	Telemetry  map[string]any `json:"telemetry,omitempty"`
	ErrorCode  string         `json:"error_code,omitempty"`
	HITLReason string         `json:"hitl_reason,omitempty"`
}

// Event is one append-only audit log row.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	OrgID      string `json:"org_id,omitempty"`
	SessionID  string `json:"session_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// APIKey authenticates a non-interactive caller (worker process or agent).
type APIKey struct {
	ID        string `json:"id"`
	OrgID     string `json:"org_id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
