package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"caseflow/internal/domain"
	"caseflow/internal/engine"
)

// Runner polls the engine for domain jobs and drives them through registered
// executors. Director and safety workers are separate processes speaking the
// same claim/complete API; this runner only serves the domain class.
type Runner struct {
	Engine   engine.Engine
	Registry *Registry
	OrgID    string
	ActorID  string
	Interval time.Duration
	Limit    int
}

// Run polls until the context is cancelled. Poll errors are logged and
// retried on the next tick rather than stopping the runner.
func (r Runner) Run(ctx context.Context) error {
	interval := r.Interval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil {
				log.Printf("worker %s: poll: %v", r.ActorID, err)
			}
		}
	}
}

// RunOnce claims one batch of domain jobs and completes each. It returns the
// number of jobs processed.
func (r Runner) RunOnce(ctx context.Context) (int, error) {
	envelopes, err := r.Engine.ClaimJobs(ctx, engine.ClaimOptions{
		OrgID:       r.OrgID,
		WorkerClass: "domain",
		ActorID:     r.ActorID,
		Limit:       r.Limit,
	})
	if err != nil {
		return 0, err
	}
	for _, env := range envelopes {
		result := r.execute(ctx, env)
		outcome, err := r.Engine.CompleteJob(ctx, engine.CompleteJobOptions{
			JobID:   env.Job.ID,
			ActorID: r.ActorID,
			Result:  result,
		})
		if err != nil {
			return 0, fmt.Errorf("complete job %s: %w", env.Job.ID, err)
		}
		if outcome.Outcome != "completed" {
			log.Printf("worker %s: job %s completion returned %s: %s", r.ActorID, env.Job.ID, outcome.Outcome, outcome.Message)
		}
	}
	return len(envelopes), nil
}

func (r Runner) execute(ctx context.Context, env domain.Envelope) domain.CommandResult {
	// Commands the gate flagged for review are claimed but never executed;
	// they land in needs_review for a human to pick up.
	if reason := hitlFlag(env.Command); reason != "" {
		return domain.CommandResult{Status: "completed", HITLReason: reason}
	}
	domainKey := ""
	if env.Job.DomainKey != nil {
		domainKey = *env.Job.DomainKey
	}
	fn, ok := r.Registry.Get(domainKey)
	if !ok {
		return domain.CommandResult{
			Status:    "failed",
			ErrorCode: "unregistered_domain",
			Notices:   []string{fmt.Sprintf("no executor registered for domain %s", domainKey)},
		}
	}
	result, err := fn(ctx, env)
	if err != nil {
		return domain.CommandResult{
			Status:    "failed",
			ErrorCode: "executor_error",
			Notices:   []string{err.Error()},
		}
	}
	return result
}

func hitlFlag(cmd domain.Command) string {
	if cmd.MetadataJSON == nil {
		return ""
	}
	var meta map[string]any
	if err := json.Unmarshal([]byte(*cmd.MetadataJSON), &meta); err != nil {
		return ""
	}
	if status, _ := meta["safety_status"].(string); status != "needs_hitl" {
		return ""
	}
	if reasons, ok := meta["safety_reasons"].([]any); ok && len(reasons) > 0 {
		if first, ok := reasons[0].(string); ok {
			return first
		}
	}
	return "safety gate requires human review"
}
