package server

import (
	"encoding/json"

	"caseflow/internal/domain"
	"caseflow/internal/engine"
	"caseflow/internal/engine/gate"
)

// Request payloads

type CreateCommandRequest struct {
	SessionID    *string        `json:"session_id,omitempty"`
	ThreadID     *string        `json:"thread_id,omitempty"`
	Objective    *string        `json:"objective,omitempty"`
	CommandType  string         `json:"command_type"`
	Payload      map[string]any `json:"payload,omitempty"`
	Priority     *int           `json:"priority,omitempty"`
	ScheduledFor *string        `json:"scheduled_for,omitempty" format:"date-time"`
	WorkerClass  string         `json:"worker_class,omitempty" enum:"director,safety,domain"`
	DomainKey    *string        `json:"domain_key,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

type ClaimJobsRequest struct {
	WorkerClass string `json:"worker_class" enum:"director,safety,domain"`
	Limit       int    `json:"limit,omitempty"`
}

type CompleteJobRequest struct {
	Result domain.CommandResult `json:"result"`
}

type UpdateSessionRequest struct {
	Status           *string        `json:"status,omitempty" enum:"active,suspended,closed"`
	DirectorState    map[string]any `json:"director_state,omitempty"`
	SafetyState      map[string]any `json:"safety_state,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	CurrentObjective *string        `json:"current_objective,omitempty"`
	ExpectedVersion  *int64         `json:"expected_version,omitempty"`
}

type RegisterConnectorRequest struct {
	Type     string         `json:"type" enum:"erp,tax,accounting,compliance,analytics"`
	Name     string         `json:"name"`
	Status   string         `json:"status,omitempty" enum:"inactive,pending,active,error"`
	Config   map[string]any `json:"config,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type RegisterWebhookRequest struct {
	URL        string   `json:"url"`
	Secret     string   `json:"secret,omitempty"`
	EventTypes []string `json:"event_types,omitempty"`
}

type ReapJobsRequest struct {
	OlderThanMinutes int `json:"older_than_minutes,omitempty"`
	MaxAttempts      int `json:"max_attempts,omitempty"`
}

type CreateAPIKeyRequest struct {
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
}

// Response payloads

type SessionResponse struct {
	ID                string         `json:"id"`
	OrgID             string         `json:"org_id"`
	ThreadID          *string        `json:"thread_id,omitempty"`
	Status            string         `json:"status" enum:"active,suspended,closed"`
	DirectorState     map[string]any `json:"director_state,omitempty"`
	SafetyState       map[string]any `json:"safety_state,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"`
	CurrentObjective  string         `json:"current_objective,omitempty"`
	LastDirectorJobID *string        `json:"last_director_job_id,omitempty"`
	LastSafetyJobID   *string        `json:"last_safety_job_id,omitempty"`
	Version           int64          `json:"version"`
	CreatedAt         string         `json:"created_at" format:"date-time"`
	UpdatedAt         string         `json:"updated_at" format:"date-time"`
	ClosedAt          *string        `json:"closed_at,omitempty" format:"date-time"`
}

type CommandResponse struct {
	ID           string         `json:"id"`
	OrgID        string         `json:"org_id"`
	SessionID    string         `json:"session_id"`
	CommandType  string         `json:"command_type"`
	Payload      map[string]any `json:"payload,omitempty"`
	Status       string         `json:"status" enum:"queued,in_progress,completed,failed,cancelled,needs_review"`
	Priority     int            `json:"priority"`
	ScheduledFor string         `json:"scheduled_for" format:"date-time"`
	IssuedBy     string         `json:"issued_by"`
	Result       map[string]any `json:"result,omitempty"`
	LastError    *string        `json:"last_error,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	StartedAt    *string        `json:"started_at,omitempty" format:"date-time"`
	CompletedAt  *string        `json:"completed_at,omitempty" format:"date-time"`
	FailedAt     *string        `json:"failed_at,omitempty" format:"date-time"`
	CreatedAt    string         `json:"created_at" format:"date-time"`
}

type JobResponse struct {
	ID          string  `json:"id"`
	OrgID       string  `json:"org_id"`
	CommandID   string  `json:"command_id"`
	WorkerClass string  `json:"worker_class" enum:"director,safety,domain"`
	DomainKey   *string `json:"domain_key,omitempty"`
	Status      string  `json:"status" enum:"pending,running,completed,failed,cancelled,needs_review"`
	Attempts    int     `json:"attempts"`
	ScheduledAt string  `json:"scheduled_at" format:"date-time"`
	StartedAt   *string `json:"started_at,omitempty" format:"date-time"`
	LastError   *string `json:"last_error,omitempty"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
}

type EnvelopeResponse struct {
	Session SessionResponse `json:"session"`
	Command CommandResponse `json:"command"`
	Job     JobResponse     `json:"job"`
}

type CreateCommandResponse struct {
	Outcome string           `json:"outcome" enum:"accepted,rejected"`
	Safety  gate.Decision    `json:"safety"`
	Session *SessionResponse `json:"session,omitempty"`
	Command *CommandResponse `json:"command,omitempty"`
	Job     *JobResponse     `json:"job,omitempty"`
}

type CompleteJobResponse struct {
	Outcome     string                  `json:"outcome" enum:"completed,command_not_found,invalid_finance_result,not_running"`
	Message     string                  `json:"message,omitempty"`
	FinalStatus string                  `json:"final_status,omitempty"`
	Command     *CommandResponse        `json:"command,omitempty"`
	FollowUps   []engine.FollowUpResult `json:"follow_ups,omitempty"`
}

type ConnectorResponse struct {
	ID           string         `json:"id"`
	OrgID        string         `json:"org_id"`
	Type         string         `json:"type" enum:"erp,tax,accounting,compliance,analytics"`
	Name         string         `json:"name"`
	Status       string         `json:"status" enum:"inactive,pending,active,error"`
	Config       map[string]any `json:"config,omitempty"`
	LastSyncedAt *string        `json:"last_synced_at,omitempty" format:"date-time"`
	LastError    *string        `json:"last_error,omitempty"`
	CreatedAt    string         `json:"created_at" format:"date-time"`
}

type WebhookResponse struct {
	ID         string   `json:"id"`
	OrgID      string   `json:"org_id"`
	URL        string   `json:"url"`
	EventTypes []string `json:"event_types"`
	CreatedAt  string   `json:"created_at" format:"date-time"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	SessionID  string         `json:"session_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload,omitempty"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	OrgID     string `json:"org_id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	Key       string `json:"key,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type paginatedCommands struct {
	Items      []CommandResponse `json:"items"`
	NextCursor string            `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Mapping helpers

func decodeMap(raw *string) map[string]any {
	if raw == nil || *raw == "" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(*raw), &m); err != nil {
		return nil
	}
	return m
}

func decodeMapString(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil
	}
	return m
}

func sessionResponse(s domain.Session) SessionResponse {
	return SessionResponse{
		ID:                s.ID,
		OrgID:             s.OrgID,
		ThreadID:          s.ThreadID,
		Status:            s.Status,
		DirectorState:     decodeMap(s.DirectorStateJSON),
		SafetyState:       decodeMap(s.SafetyStateJSON),
		Metadata:          decodeMap(s.MetadataJSON),
		CurrentObjective:  s.CurrentObjective,
		LastDirectorJobID: s.LastDirectorJobID,
		LastSafetyJobID:   s.LastSafetyJobID,
		Version:           s.Version,
		CreatedAt:         s.CreatedAt,
		UpdatedAt:         s.UpdatedAt,
		ClosedAt:          s.ClosedAt,
	}
}

func commandResponse(c domain.Command) CommandResponse {
	return CommandResponse{
		ID:           c.ID,
		OrgID:        c.OrgID,
		SessionID:    c.SessionID,
		CommandType:  c.CommandType,
		Payload:      decodeMapString(c.PayloadJSON),
		Status:       c.Status,
		Priority:     c.Priority,
		ScheduledFor: c.ScheduledFor,
		IssuedBy:     c.IssuedBy,
		Result:       decodeMap(c.ResultJSON),
		LastError:    c.LastError,
		Metadata:     decodeMap(c.MetadataJSON),
		StartedAt:    c.StartedAt,
		CompletedAt:  c.CompletedAt,
		FailedAt:     c.FailedAt,
		CreatedAt:    c.CreatedAt,
	}
}

func jobResponse(j domain.Job) JobResponse {
	return JobResponse{
		ID:          j.ID,
		OrgID:       j.OrgID,
		CommandID:   j.CommandID,
		WorkerClass: j.WorkerClass,
		DomainKey:   j.DomainKey,
		Status:      j.Status,
		Attempts:    j.Attempts,
		ScheduledAt: j.ScheduledAt,
		StartedAt:   j.StartedAt,
		LastError:   j.LastError,
		CreatedAt:   j.CreatedAt,
	}
}

func envelopeResponse(env domain.Envelope) EnvelopeResponse {
	return EnvelopeResponse{
		Session: sessionResponse(env.Session),
		Command: commandResponse(env.Command),
		Job:     jobResponse(env.Job),
	}
}

func connectorResponse(c domain.Connector) ConnectorResponse {
	return ConnectorResponse{
		ID:           c.ID,
		OrgID:        c.OrgID,
		Type:         c.Type,
		Name:         c.Name,
		Status:       c.Status,
		Config:       decodeMap(c.ConfigJSON),
		LastSyncedAt: c.LastSyncedAt,
		LastError:    c.LastError,
		CreatedAt:    c.CreatedAt,
	}
}

func webhookResponse(w domain.Webhook) WebhookResponse {
	var types []string
	if w.EventTypesJSON != "" {
		_ = json.Unmarshal([]byte(w.EventTypesJSON), &types)
	}
	if types == nil {
		types = []string{}
	}
	return WebhookResponse{
		ID:         w.ID,
		OrgID:      w.OrgID,
		URL:        w.URL,
		EventTypes: types,
		CreatedAt:  w.CreatedAt,
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		SessionID:  e.SessionID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeMapString(e.Payload),
	}
}

func mapCommands(items []domain.Command) []CommandResponse {
	res := make([]CommandResponse, 0, len(items))
	for _, c := range items {
		res = append(res, commandResponse(c))
	}
	return res
}

func mapConnectors(items []domain.Connector) []ConnectorResponse {
	res := make([]ConnectorResponse, 0, len(items))
	for _, c := range items {
		res = append(res, connectorResponse(c))
	}
	return res
}

func createCommandResponse(out engine.CreateCommandOutcome) CreateCommandResponse {
	resp := CreateCommandResponse{Outcome: out.Outcome, Safety: out.Safety}
	if out.Session != nil {
		s := sessionResponse(*out.Session)
		resp.Session = &s
	}
	if out.Command != nil {
		c := commandResponse(*out.Command)
		resp.Command = &c
	}
	if out.Job != nil {
		j := jobResponse(*out.Job)
		resp.Job = &j
	}
	return resp
}

func completeJobResponse(out engine.CompleteJobOutcome) CompleteJobResponse {
	resp := CompleteJobResponse{
		Outcome:     out.Outcome,
		Message:     out.Message,
		FinalStatus: out.FinalStatus,
		FollowUps:   out.FollowUps,
	}
	if out.Command != nil {
		c := commandResponse(*out.Command)
		resp.Command = &c
	}
	return resp
}
