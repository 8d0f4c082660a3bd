// Package engine implements the orchestration core: gated command intake,
// atomic job claiming per worker class, result reconciliation with follow-up
// chaining, session lifecycle, connector registry, and capability reporting.
// Every state change runs in one SQLite transaction with its audit event.
package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"caseflow/internal/config"
	"caseflow/internal/domain"
	"caseflow/internal/engine/gate"
	"caseflow/internal/events"
	"caseflow/internal/intent"
	"caseflow/internal/manifest"
	"caseflow/internal/repo"
)

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Config   *config.Config
	Manifest *manifest.Manifest
	Gate     gate.Gate
	Now      func() time.Time
}

func New(db *sql.DB, cfg *config.Config, m *manifest.Manifest, g gate.Gate) Engine {
	now := time.Now
	return Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Events:   events.Writer{DB: db, Now: now},
		Config:   cfg,
		Manifest: m,
		Gate:     g,
		Now:      now,
	}
}

func (e Engine) now() time.Time {
	if e.Now == nil {
		return time.Now().UTC()
	}
	return e.Now().UTC()
}

func (e Engine) nowString() string {
	return e.now().Format(time.RFC3339)
}

func validWorkerClass(wc string) bool {
	switch wc {
	case "director", "safety", "domain":
		return true
	}
	return false
}

func validConnectorType(t string) bool {
	switch t {
	case "erp", "tax", "accounting", "compliance", "analytics":
		return true
	}
	return false
}

func marshalMap(m map[string]any) (string, error) {
	if m == nil {
		m = map[string]any{}
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func strPtr(s string) *string { return &s }

// --- command intake ---

type CreateCommandOptions struct {
	OrgID        string
	SessionID    string
	ThreadID     string
	Objective    string
	IssuedBy     string
	CommandType  string
	Payload      map[string]any
	Priority     *int
	ScheduledFor string
	WorkerClass  string
	DomainKey    string
	Metadata     map[string]any
}

// CreateCommandOutcome reports intake with an explicit discriminant: accepted
// commands carry the persisted rows, rejected ones carry only the decision.
type CreateCommandOutcome struct {
	Outcome string        `json:"outcome" enum:"accepted,rejected"`
	Safety  gate.Decision `json:"safety"`
	Session *domain.Session `json:"session,omitempty"`
	Command *domain.Command `json:"command,omitempty"`
	Job     *domain.Job     `json:"job,omitempty"`
}

// CreateCommand validates and safety-gates a proposed command, then persists
// the command, its job, and (when needed) a fresh session in one transaction.
// A rejected decision persists nothing beyond the audit event. A gate error
// is returned as-is so callers can retry.
func (e Engine) CreateCommand(ctx context.Context, opts CreateCommandOptions) (CreateCommandOutcome, error) {
	if opts.OrgID == "" {
		return CreateCommandOutcome{}, fmt.Errorf("org_id is required")
	}
	if opts.IssuedBy == "" {
		return CreateCommandOutcome{}, fmt.Errorf("issued_by is required")
	}
	if opts.CommandType == "" {
		return CreateCommandOutcome{}, fmt.Errorf("command_type is required")
	}
	workerClass := opts.WorkerClass
	if workerClass == "" {
		workerClass = "domain"
	}
	if !validWorkerClass(workerClass) {
		return CreateCommandOutcome{}, fmt.Errorf("unknown worker class %s", workerClass)
	}
	domainKey := opts.DomainKey
	if workerClass == "domain" && domainKey == "" {
		domainKey = deriveDomainKey(opts.CommandType)
	}
	if workerClass == "domain" && domainKey == "" {
		return CreateCommandOutcome{}, fmt.Errorf("domain commands require a domain key")
	}
	if err := intent.Validate(opts.CommandType, opts.Payload); err != nil {
		return CreateCommandOutcome{}, err
	}

	now := e.now()
	nowStr := now.Format(time.RFC3339)
	scheduledFor := nowStr
	if opts.ScheduledFor != "" {
		t, err := time.Parse(time.RFC3339, opts.ScheduledFor)
		if err != nil {
			return CreateCommandOutcome{}, fmt.Errorf("invalid scheduled_for: %w", err)
		}
		// A schedule in the past means eligible now.
		if t.After(now) {
			scheduledFor = t.UTC().Format(time.RFC3339)
		}
	}

	connectors, err := e.Repo.ListConnectors(ctx, repo.ConnectorFilters{OrgID: opts.OrgID})
	if err != nil {
		return CreateCommandOutcome{}, fmt.Errorf("list connectors: %w", err)
	}
	activeTypes := map[string]bool{}
	for _, c := range connectors {
		if c.Status == "active" {
			activeTypes[c.Type] = true
		}
	}
	decision, err := e.Gate.Assess(ctx, gate.Input{
		OrgID:                opts.OrgID,
		CommandType:          opts.CommandType,
		WorkerClass:          workerClass,
		DomainKey:            domainKey,
		Payload:              opts.Payload,
		ActiveConnectorTypes: activeTypes,
	})
	if err != nil {
		return CreateCommandOutcome{}, fmt.Errorf("safety assessment: %w", err)
	}
	if decision.Status == "rejected" {
		if err := e.recordRejection(ctx, opts, decision, nowStr); err != nil {
			return CreateCommandOutcome{}, err
		}
		return CreateCommandOutcome{Outcome: "rejected", Safety: decision}, nil
	}

	var reused *domain.Session
	if opts.SessionID == "" && opts.ThreadID != "" {
		s, err := e.Repo.FindActiveSessionByThread(ctx, opts.OrgID, opts.ThreadID)
		if err == nil {
			reused = &s
		} else if !errors.Is(err, repo.ErrNotFound) {
			return CreateCommandOutcome{}, err
		}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return CreateCommandOutcome{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.EnsureOrg(ctx, tx, opts.OrgID, opts.OrgID, nowStr); err != nil {
		return CreateCommandOutcome{}, err
	}

	var session domain.Session
	sessionCreated := false
	switch {
	case opts.SessionID != "":
		session, err = e.Repo.GetSessionTx(ctx, tx, opts.SessionID)
		if err != nil {
			return CreateCommandOutcome{}, fmt.Errorf("session %s: %w", opts.SessionID, err)
		}
		if session.OrgID != opts.OrgID {
			return CreateCommandOutcome{}, fmt.Errorf("session %s: %w", opts.SessionID, repo.ErrNotFound)
		}
		if session.Status != "active" {
			return CreateCommandOutcome{}, fmt.Errorf("session %s is %s, not active", session.ID, session.Status)
		}
	case reused != nil:
		session = *reused
	default:
		session = domain.Session{
			ID:               uuid.NewString(),
			OrgID:            opts.OrgID,
			Status:           "active",
			CurrentObjective: opts.Objective,
			CreatedAt:        nowStr,
			UpdatedAt:        nowStr,
		}
		if opts.ThreadID != "" {
			session.ThreadID = strPtr(opts.ThreadID)
		}
		if err := e.Repo.InsertSession(ctx, tx, session); err != nil {
			return CreateCommandOutcome{}, err
		}
		sessionCreated = true
	}

	payloadJSON, err := marshalMap(opts.Payload)
	if err != nil {
		return CreateCommandOutcome{}, fmt.Errorf("marshal payload: %w", err)
	}
	meta := map[string]any{"safety_status": decision.Status}
	if len(decision.Reasons) > 0 {
		meta["safety_reasons"] = decision.Reasons
	}
	for k, v := range opts.Metadata {
		meta[k] = v
	}
	metaJSON, err := marshalMap(meta)
	if err != nil {
		return CreateCommandOutcome{}, fmt.Errorf("marshal metadata: %w", err)
	}

	priority := e.Config.Scheduling.DefaultPriority
	if opts.Priority != nil {
		priority = *opts.Priority
	}
	cmd := domain.Command{
		ID:           uuid.NewString(),
		OrgID:        opts.OrgID,
		SessionID:    session.ID,
		CommandType:  opts.CommandType,
		PayloadJSON:  payloadJSON,
		Status:       "queued",
		Priority:     priority,
		ScheduledFor: scheduledFor,
		IssuedBy:     opts.IssuedBy,
		MetadataJSON: strPtr(metaJSON),
		CreatedAt:    nowStr,
		UpdatedAt:    nowStr,
	}
	if err := e.Repo.InsertCommand(ctx, tx, cmd); err != nil {
		return CreateCommandOutcome{}, err
	}

	job := domain.Job{
		ID:          uuid.NewString(),
		OrgID:       opts.OrgID,
		CommandID:   cmd.ID,
		WorkerClass: workerClass,
		Status:      "pending",
		ScheduledAt: scheduledFor,
		CreatedAt:   nowStr,
		UpdatedAt:   nowStr,
	}
	if workerClass == "domain" {
		job.DomainKey = strPtr(domainKey)
	}
	if decision.Status == "needs_hitl" {
		job.MetadataJSON = strPtr(metaJSON)
	}
	if err := e.Repo.InsertJob(ctx, tx, job); err != nil {
		return CreateCommandOutcome{}, err
	}

	if sessionCreated {
		if err := e.Events.Append(ctx, tx, "session.created", opts.OrgID, session.ID, "session", session.ID, opts.IssuedBy, events.EventPayload{"thread_id": opts.ThreadID}); err != nil {
			return CreateCommandOutcome{}, err
		}
	}
	if err := e.Events.Append(ctx, tx, "command.created", opts.OrgID, session.ID, "command", cmd.ID, opts.IssuedBy, events.EventPayload{
		"command_type":  cmd.CommandType,
		"worker_class":  workerClass,
		"safety_status": decision.Status,
	}); err != nil {
		return CreateCommandOutcome{}, err
	}
	if err := e.Events.Append(ctx, tx, "job.enqueued", opts.OrgID, session.ID, "job", job.ID, opts.IssuedBy, events.EventPayload{
		"worker_class": workerClass,
		"scheduled_at": job.ScheduledAt,
	}); err != nil {
		return CreateCommandOutcome{}, err
	}
	if err := tx.Commit(); err != nil {
		return CreateCommandOutcome{}, err
	}
	return CreateCommandOutcome{Outcome: "accepted", Safety: decision, Session: &session, Command: &cmd, Job: &job}, nil
}

func (e Engine) recordRejection(ctx context.Context, opts CreateCommandOptions, decision gate.Decision, nowStr string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.EnsureOrg(ctx, tx, opts.OrgID, opts.OrgID, nowStr); err != nil {
		return err
	}
	err = e.Events.Append(ctx, tx, "command.rejected", opts.OrgID, opts.SessionID, "command", "", opts.IssuedBy, events.EventPayload{
		"command_type": opts.CommandType,
		"reasons":      decision.Reasons,
	})
	if err != nil {
		return err
	}
	return tx.Commit()
}

// deriveDomainKey falls back to the command type prefix, so tax.prepare_filing
// routes to the tax agent without an explicit key.
func deriveDomainKey(commandType string) string {
	for i := 0; i < len(commandType); i++ {
		if commandType[i] == '.' {
			return commandType[:i]
		}
	}
	return ""
}

// --- claiming ---

type ClaimOptions struct {
	OrgID       string
	WorkerClass string
	ActorID     string
	Limit       int
}

// ClaimJobs atomically hands out up to Limit eligible jobs for one worker
// class, moving each job to running and its command to in_progress, and
// returns full envelopes so the worker needs no second read.
func (e Engine) ClaimJobs(ctx context.Context, opts ClaimOptions) ([]domain.Envelope, error) {
	if opts.OrgID == "" {
		return nil, fmt.Errorf("org_id is required")
	}
	if !validWorkerClass(opts.WorkerClass) {
		return nil, fmt.Errorf("unknown worker class %s", opts.WorkerClass)
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = e.Config.Scheduling.ClaimLimit
	}
	nowStr := e.nowString()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	jobs, err := e.Repo.ClaimJobs(ctx, tx, opts.OrgID, opts.WorkerClass, nowStr, limit)
	if err != nil {
		return nil, err
	}
	envelopes := make([]domain.Envelope, 0, len(jobs))
	for _, j := range jobs {
		if err := e.Repo.MarkCommandInProgress(ctx, tx, j.CommandID, nowStr); err != nil {
			return nil, err
		}
		cmd, err := e.Repo.GetCommandTx(ctx, tx, j.CommandID)
		if err != nil {
			return nil, err
		}
		session, err := e.Repo.GetSessionTx(ctx, tx, cmd.SessionID)
		if err != nil {
			return nil, err
		}
		if err := e.Events.Append(ctx, tx, "job.claimed", j.OrgID, session.ID, "job", j.ID, opts.ActorID, events.EventPayload{
			"worker_class": j.WorkerClass,
			"attempts":     j.Attempts,
		}); err != nil {
			return nil, err
		}
		envelopes = append(envelopes, domain.Envelope{Session: session, Command: cmd, Job: j})
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return envelopes, nil
}

// --- completion ---

type CompleteJobOptions struct {
	JobID   string
	ActorID string
	Result  domain.CommandResult
}

// FollowUpResult records the intake outcome of one follow-up command.
type FollowUpResult struct {
	CommandType string `json:"command_type"`
	Accepted    bool   `json:"accepted"`
	CommandID   string `json:"command_id,omitempty"`
	Detail      string `json:"detail,omitempty"`
}

// CompleteJobOutcome is a tagged union over the ways completion can land.
type CompleteJobOutcome struct {
	Outcome     string           `json:"outcome" enum:"completed,command_not_found,invalid_finance_result,not_running"`
	Message     string           `json:"message,omitempty"`
	FinalStatus string           `json:"final_status,omitempty"`
	Command     *domain.Command  `json:"command,omitempty"`
	Job         *domain.Job      `json:"job,omitempty"`
	FollowUps   []FollowUpResult `json:"follow_ups,omitempty"`
}

// CompleteJob reconciles a worker result onto its job, command, and session.
// An invalid result mutates nothing; completing a job that is not running
// mutates nothing and reports not_running. Follow-ups re-enter intake after
// commit, each gated on its own.
func (e Engine) CompleteJob(ctx context.Context, opts CompleteJobOptions) (CompleteJobOutcome, error) {
	job, err := e.Repo.GetJob(ctx, opts.JobID)
	if errors.Is(err, repo.ErrNotFound) {
		return CompleteJobOutcome{Outcome: "command_not_found", Message: fmt.Sprintf("job %s not found", opts.JobID)}, nil
	}
	if err != nil {
		return CompleteJobOutcome{}, err
	}
	if job.Status != "running" {
		return CompleteJobOutcome{
			Outcome: "not_running",
			Message: fmt.Sprintf("job %s is %s; only running jobs can be completed", job.ID, job.Status),
		}, nil
	}
	if msg := validateResult(job.WorkerClass, opts.Result); msg != "" {
		return CompleteJobOutcome{Outcome: "invalid_finance_result", Message: msg}, nil
	}

	finalStatus := opts.Result.Status
	if opts.Result.HITLReason != "" {
		finalStatus = "needs_review"
	}
	resultData, err := json.Marshal(opts.Result)
	if err != nil {
		return CompleteJobOutcome{}, fmt.Errorf("marshal result: %w", err)
	}
	resultJSON := string(resultData)
	var lastError *string
	if opts.Result.ErrorCode != "" {
		lastError = strPtr(opts.Result.ErrorCode)
	}
	nowStr := e.nowString()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return CompleteJobOutcome{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.FinalizeJob(ctx, tx, job.ID, finalStatus, lastError, nowStr); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return CompleteJobOutcome{
				Outcome: "not_running",
				Message: fmt.Sprintf("job %s was completed concurrently", job.ID),
			}, nil
		}
		return CompleteJobOutcome{}, err
	}
	if err := e.Repo.FinalizeCommand(ctx, tx, job.CommandID, finalStatus, &resultJSON, lastError, nowStr); err != nil {
		return CompleteJobOutcome{}, err
	}
	cmd, err := e.Repo.GetCommandTx(ctx, tx, job.CommandID)
	if err != nil {
		return CompleteJobOutcome{}, err
	}
	if err := e.applySessionResult(ctx, tx, cmd.SessionID, job, opts.Result, nowStr); err != nil {
		return CompleteJobOutcome{}, err
	}
	if err := e.Events.Append(ctx, tx, "job.completed", job.OrgID, cmd.SessionID, "job", job.ID, opts.ActorID, events.EventPayload{
		"final_status": finalStatus,
		"error_code":   opts.Result.ErrorCode,
	}); err != nil {
		return CompleteJobOutcome{}, err
	}
	if err := e.Events.Append(ctx, tx, "command."+finalStatus, job.OrgID, cmd.SessionID, "command", cmd.ID, opts.ActorID, events.EventPayload{
		"command_type": cmd.CommandType,
	}); err != nil {
		return CompleteJobOutcome{}, err
	}
	if err := tx.Commit(); err != nil {
		return CompleteJobOutcome{}, err
	}

	outcome := CompleteJobOutcome{Outcome: "completed", FinalStatus: finalStatus, Command: &cmd, Job: &job}
	if finalStatus == "completed" {
		for _, fu := range opts.Result.FollowUps {
			created, err := e.CreateCommand(ctx, CreateCommandOptions{
				OrgID:        cmd.OrgID,
				SessionID:    cmd.SessionID,
				IssuedBy:     opts.ActorID,
				CommandType:  fu.CommandType,
				Payload:      fu.Payload,
				Priority:     fu.Priority,
				WorkerClass:  fu.WorkerClass,
				DomainKey:    fu.DomainKey,
				ScheduledFor: derefOr(fu.ScheduledFor, ""),
			})
			if err != nil {
				outcome.FollowUps = append(outcome.FollowUps, FollowUpResult{CommandType: fu.CommandType, Detail: err.Error()})
				continue
			}
			res := FollowUpResult{CommandType: fu.CommandType, Accepted: created.Outcome == "accepted"}
			if created.Command != nil {
				res.CommandID = created.Command.ID
			}
			if created.Outcome == "rejected" && len(created.Safety.Reasons) > 0 {
				res.Detail = created.Safety.Reasons[0]
			}
			outcome.FollowUps = append(outcome.FollowUps, res)
		}
	}
	return outcome, nil
}

// applySessionResult folds a worker result into the session document the
// worker class owns; last-writer-wins, no version condition.
func (e Engine) applySessionResult(ctx context.Context, tx *sql.Tx, sessionID string, job domain.Job, result domain.CommandResult, nowStr string) error {
	session, err := e.Repo.GetSessionTx(ctx, tx, sessionID)
	if err != nil {
		return err
	}
	changed := false
	switch job.WorkerClass {
	case "director":
		if plan, ok := result.Output["plan"]; ok {
			data, err := json.Marshal(plan)
			if err != nil {
				return fmt.Errorf("marshal director plan: %w", err)
			}
			session.DirectorStateJSON = strPtr(string(data))
		}
		session.LastDirectorJobID = strPtr(job.ID)
		changed = true
	case "safety":
		if review, ok := result.Output["review"]; ok {
			data, err := json.Marshal(review)
			if err != nil {
				return fmt.Errorf("marshal safety review: %w", err)
			}
			session.SafetyStateJSON = strPtr(string(data))
		}
		session.LastSafetyJobID = strPtr(job.ID)
		changed = true
	}
	if objective, ok := result.Output["objective"].(string); ok && objective != "" {
		session.CurrentObjective = objective
		changed = true
	}
	if !changed {
		return nil
	}
	session.UpdatedAt = nowStr
	return e.Repo.UpdateSession(ctx, tx, session, -1)
}

func validateResult(workerClass string, result domain.CommandResult) string {
	switch result.Status {
	case "completed", "failed", "cancelled":
	default:
		return fmt.Sprintf("result status %q must be completed, failed, or cancelled", result.Status)
	}
	if result.Status == "completed" {
		switch workerClass {
		case "director":
			if _, ok := result.Output["plan"]; !ok {
				return "director results must include output.plan"
			}
		case "safety":
			if _, ok := result.Output["review"]; !ok {
				return "safety results must include output.review"
			}
		}
	}
	for i, fu := range result.FollowUps {
		if fu.CommandType == "" {
			return fmt.Sprintf("follow_ups[%d] missing command_type", i)
		}
		if fu.WorkerClass != "" && !validWorkerClass(fu.WorkerClass) {
			return fmt.Sprintf("follow_ups[%d] has unknown worker class %s", i, fu.WorkerClass)
		}
	}
	return ""
}

func derefOr(s *string, def string) string {
	if s == nil {
		return def
	}
	return *s
}

// --- sessions ---

type UpdateSessionOptions struct {
	SessionID        string
	ActorID          string
	Status           *string
	DirectorState    map[string]any
	SafetyState      map[string]any
	Metadata         map[string]any
	CurrentObjective *string
	// ExpectedVersion, when set, makes the update conditional; a stale value
	// returns repo.ErrStaleVersion.
	ExpectedVersion *int64
}

var sessionTransitions = map[string][]string{
	"active":    {"suspended", "closed"},
	"suspended": {"active", "closed"},
	"closed":    {},
}

// UpdateSession applies a partial update to a session, enforcing the status
// state machine. closed is terminal.
func (e Engine) UpdateSession(ctx context.Context, opts UpdateSessionOptions) (domain.Session, error) {
	session, err := e.Repo.GetSession(ctx, opts.SessionID)
	if err != nil {
		return domain.Session{}, err
	}
	nowStr := e.nowString()

	if opts.Status != nil && *opts.Status != session.Status {
		allowed := false
		for _, next := range sessionTransitions[session.Status] {
			if next == *opts.Status {
				allowed = true
				break
			}
		}
		if !allowed {
			return domain.Session{}, fmt.Errorf("session %s cannot move from %s to %s", session.ID, session.Status, *opts.Status)
		}
		session.Status = *opts.Status
		if session.Status == "closed" {
			session.ClosedAt = strPtr(nowStr)
		}
	}
	if opts.DirectorState != nil {
		data, err := marshalMap(opts.DirectorState)
		if err != nil {
			return domain.Session{}, err
		}
		session.DirectorStateJSON = strPtr(data)
	}
	if opts.SafetyState != nil {
		data, err := marshalMap(opts.SafetyState)
		if err != nil {
			return domain.Session{}, err
		}
		session.SafetyStateJSON = strPtr(data)
	}
	if opts.Metadata != nil {
		data, err := marshalMap(opts.Metadata)
		if err != nil {
			return domain.Session{}, err
		}
		session.MetadataJSON = strPtr(data)
	}
	if opts.CurrentObjective != nil {
		session.CurrentObjective = *opts.CurrentObjective
	}
	session.UpdatedAt = nowStr

	expected := int64(-1)
	if opts.ExpectedVersion != nil {
		expected = *opts.ExpectedVersion
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Session{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateSession(ctx, tx, session, expected); err != nil {
		return domain.Session{}, err
	}
	if err := e.Events.Append(ctx, tx, "session.updated", session.OrgID, session.ID, "session", session.ID, opts.ActorID, events.EventPayload{
		"status": session.Status,
	}); err != nil {
		return domain.Session{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Session{}, err
	}
	return e.Repo.GetSession(ctx, session.ID)
}

// --- cancellation ---

// CancelCommand cancels a queued command and its pending job. Commands already
// in progress or terminal are not coerced.
func (e Engine) CancelCommand(ctx context.Context, orgID, commandID, actorID string) (domain.Command, error) {
	cmd, err := e.Repo.GetCommand(ctx, commandID)
	if err != nil {
		return domain.Command{}, err
	}
	if cmd.OrgID != orgID {
		return domain.Command{}, repo.ErrNotFound
	}
	if cmd.Status != "queued" {
		return domain.Command{}, fmt.Errorf("command %s is %s; only queued commands can be cancelled", cmd.ID, cmd.Status)
	}
	job, err := e.Repo.GetJobByCommand(ctx, cmd.ID)
	if err != nil {
		return domain.Command{}, err
	}
	nowStr := e.nowString()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Command{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.CancelJob(ctx, tx, job.ID, nowStr); err != nil {
		return domain.Command{}, err
	}
	if err := e.Repo.FinalizeCommand(ctx, tx, cmd.ID, "cancelled", nil, nil, nowStr); err != nil {
		return domain.Command{}, err
	}
	if err := e.Events.Append(ctx, tx, "command.cancelled", cmd.OrgID, cmd.SessionID, "command", cmd.ID, actorID, nil); err != nil {
		return domain.Command{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Command{}, err
	}
	return e.Repo.GetCommand(ctx, cmd.ID)
}

// --- connectors and capabilities ---

type RegisterConnectorOptions struct {
	OrgID    string
	Type     string
	Name     string
	Status   string
	Config   map[string]any
	Metadata map[string]any
	ActorID  string
}

// RegisterConnector upserts a connector registration keyed by (org, type,
// name). Registration defaults to pending until activation.
func (e Engine) RegisterConnector(ctx context.Context, opts RegisterConnectorOptions) (domain.Connector, error) {
	if opts.OrgID == "" {
		return domain.Connector{}, fmt.Errorf("org_id is required")
	}
	if !validConnectorType(opts.Type) {
		return domain.Connector{}, fmt.Errorf("unknown connector type %s", opts.Type)
	}
	if opts.Name == "" {
		return domain.Connector{}, fmt.Errorf("connector name is required")
	}
	status := opts.Status
	if status == "" {
		status = "pending"
	}
	switch status {
	case "inactive", "pending", "active", "error":
	default:
		return domain.Connector{}, fmt.Errorf("unknown connector status %s", status)
	}
	nowStr := e.nowString()
	conn := domain.Connector{
		ID:        uuid.NewString(),
		OrgID:     opts.OrgID,
		Type:      opts.Type,
		Name:      opts.Name,
		Status:    status,
		CreatedAt: nowStr,
		UpdatedAt: nowStr,
	}
	if opts.Config != nil {
		data, err := marshalMap(opts.Config)
		if err != nil {
			return domain.Connector{}, err
		}
		conn.ConfigJSON = strPtr(data)
	}
	if opts.Metadata != nil {
		data, err := marshalMap(opts.Metadata)
		if err != nil {
			return domain.Connector{}, err
		}
		conn.MetadataJSON = strPtr(data)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Connector{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.EnsureOrg(ctx, tx, opts.OrgID, opts.OrgID, nowStr); err != nil {
		return domain.Connector{}, err
	}
	if err := e.Repo.UpsertConnector(ctx, tx, conn); err != nil {
		return domain.Connector{}, err
	}
	if err := e.Events.Append(ctx, tx, "connector.registered", opts.OrgID, "", "connector", conn.ID, opts.ActorID, events.EventPayload{
		"type":   conn.Type,
		"name":   conn.Name,
		"status": conn.Status,
	}); err != nil {
		return domain.Connector{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Connector{}, err
	}
	// Upsert keeps an existing row's id; re-read by key for the canonical row.
	return e.Repo.GetConnectorByKey(ctx, opts.OrgID, opts.Type, opts.Name)
}

// CapabilitiesView is the read-model handed to planners: the static manifest
// plus the tenant's connectors and computed coverage.
type CapabilitiesView struct {
	Manifest   *manifest.Manifest        `json:"manifest"`
	Connectors []domain.Connector        `json:"connectors"`
	Coverage   []manifest.DomainCoverage `json:"coverage"`
}

func (e Engine) Capabilities(ctx context.Context, orgID string) (CapabilitiesView, error) {
	connectors, err := e.Repo.ListConnectors(ctx, repo.ConnectorFilters{OrgID: orgID})
	if err != nil {
		return CapabilitiesView{}, err
	}
	if connectors == nil {
		connectors = []domain.Connector{}
	}
	return CapabilitiesView{
		Manifest:   e.Manifest,
		Connectors: connectors,
		Coverage:   e.Manifest.Coverage(connectors),
	}, nil
}

// --- reaper ---

type ReapOptions struct {
	OrgID       string
	ActorID     string
	OlderThan   time.Duration
	MaxAttempts int
}

type ReapSummary struct {
	Requeued []string `json:"requeued"`
	Failed   []string `json:"failed"`
}

// ReapStaleJobs requeues running jobs whose claim outlived the timeout and
// fails out jobs that already burned their attempt budget, failing their
// commands with them.
func (e Engine) ReapStaleJobs(ctx context.Context, opts ReapOptions) (ReapSummary, error) {
	olderThan := opts.OlderThan
	if olderThan <= 0 {
		olderThan = time.Duration(e.Config.Reaper.RunningTimeoutMinutes) * time.Minute
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = e.Config.Reaper.MaxAttempts
	}
	now := e.now()
	nowStr := now.Format(time.RFC3339)
	cutoff := now.Add(-olderThan).Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return ReapSummary{}, err
	}
	defer tx.Rollback()

	stale, err := e.Repo.ListStaleRunningJobs(ctx, tx, opts.OrgID, cutoff)
	if err != nil {
		return ReapSummary{}, err
	}
	summary := ReapSummary{Requeued: []string{}, Failed: []string{}}
	for _, j := range stale {
		if j.Attempts >= maxAttempts {
			reason := strPtr(fmt.Sprintf("stale after %d attempts", j.Attempts))
			if err := e.Repo.FinalizeJob(ctx, tx, j.ID, "failed", reason, nowStr); err != nil {
				return ReapSummary{}, err
			}
			if err := e.Repo.FinalizeCommand(ctx, tx, j.CommandID, "failed", nil, reason, nowStr); err != nil {
				return ReapSummary{}, err
			}
			if err := e.Events.Append(ctx, tx, "job.failed", j.OrgID, "", "job", j.ID, opts.ActorID, events.EventPayload{
				"reason":   "reaped",
				"attempts": j.Attempts,
			}); err != nil {
				return ReapSummary{}, err
			}
			summary.Failed = append(summary.Failed, j.ID)
			continue
		}
		if err := e.Repo.RequeueJob(ctx, tx, j.ID, nowStr); err != nil {
			return ReapSummary{}, err
		}
		if err := e.Events.Append(ctx, tx, "job.requeued", j.OrgID, "", "job", j.ID, opts.ActorID, events.EventPayload{
			"attempts": j.Attempts,
		}); err != nil {
			return ReapSummary{}, err
		}
		summary.Requeued = append(summary.Requeued, j.ID)
	}
	if err := tx.Commit(); err != nil {
		return ReapSummary{}, err
	}
	return summary, nil
}

// --- webhooks ---

type RegisterWebhookOptions struct {
	OrgID      string
	URL        string
	Secret     string
	EventTypes []string
	ActorID    string
}

func (e Engine) RegisterWebhook(ctx context.Context, opts RegisterWebhookOptions) (domain.Webhook, error) {
	if opts.OrgID == "" || opts.URL == "" {
		return domain.Webhook{}, fmt.Errorf("org_id and url are required")
	}
	types := opts.EventTypes
	if types == nil {
		types = []string{}
	}
	data, err := json.Marshal(types)
	if err != nil {
		return domain.Webhook{}, err
	}
	w := domain.Webhook{
		ID:             uuid.NewString(),
		OrgID:          opts.OrgID,
		URL:            opts.URL,
		Secret:         opts.Secret,
		EventTypesJSON: string(data),
		CreatedAt:      e.nowString(),
	}
	if err := e.Repo.InsertWebhook(ctx, w); err != nil {
		return domain.Webhook{}, err
	}
	return w, nil
}
