package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"caseflow/internal/config"
	"caseflow/internal/db"
	"caseflow/internal/domain"
	"caseflow/internal/engine"
	"caseflow/internal/engine/gate"
	"caseflow/internal/manifest"
	"caseflow/internal/migrate"
	"caseflow/internal/repo"
)

const testOrg = "org-1"

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("svc-test")
	m := manifest.Default()
	eng := engine.New(conn, cfg, m, gate.PolicyGate{Config: cfg, Manifest: m})
	eng.Now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return &testEnv{Engine: eng, Ctx: context.Background()}
}

// activateConnectors registers active connectors so domain commands pass the
// coverage check.
func (env *testEnv) activateConnectors(t *testing.T, types ...string) {
	t.Helper()
	for _, typ := range types {
		_, err := env.Engine.RegisterConnector(env.Ctx, engine.RegisterConnectorOptions{
			OrgID:   testOrg,
			Type:    typ,
			Name:    "test-" + typ,
			Status:  "active",
			ActorID: "tester",
		})
		if err != nil {
			t.Fatalf("register %s connector: %v", typ, err)
		}
	}
}

func (env *testEnv) submit(t *testing.T, opts engine.CreateCommandOptions) engine.CreateCommandOutcome {
	t.Helper()
	if opts.OrgID == "" {
		opts.OrgID = testOrg
	}
	if opts.IssuedBy == "" {
		opts.IssuedBy = "tester"
	}
	out, err := env.Engine.CreateCommand(env.Ctx, opts)
	if err != nil {
		t.Fatalf("create command: %v", err)
	}
	return out
}

func analyticsCommand() engine.CreateCommandOptions {
	return engine.CreateCommandOptions{
		CommandType: "analytics.run_report",
		Payload:     map[string]any{"report": "cashflow"},
	}
}

func TestCreateCommandPersistsSessionCommandJob(t *testing.T) {
	env := newTestEnv(t)
	env.activateConnectors(t, "analytics")

	out := env.submit(t, analyticsCommand())
	if out.Outcome != "accepted" {
		t.Fatalf("expected accepted, got %s: %v", out.Outcome, out.Safety.Reasons)
	}
	if out.Safety.Status != "approved" {
		t.Fatalf("expected approved decision, got %s", out.Safety.Status)
	}
	if out.Session == nil || out.Session.Status != "active" {
		t.Fatalf("expected active session, got %+v", out.Session)
	}
	if out.Command == nil || out.Command.Status != "queued" {
		t.Fatalf("expected queued command, got %+v", out.Command)
	}
	if out.Job == nil || out.Job.Status != "pending" {
		t.Fatalf("expected pending job, got %+v", out.Job)
	}
	if out.Job.DomainKey == nil || *out.Job.DomainKey != "analytics" {
		t.Fatalf("expected derived domain key analytics, got %v", out.Job.DomainKey)
	}
}

func TestBlockedCommandTypeRejectedWithoutPersisting(t *testing.T) {
	env := newTestEnv(t)
	env.activateConnectors(t, "analytics")
	env.Engine.Config.Safety.BlockedCommandTypes = []string{"analytics.run_report"}

	out := env.submit(t, analyticsCommand())
	if out.Outcome != "rejected" {
		t.Fatalf("expected rejected, got %s", out.Outcome)
	}
	if out.Command != nil || out.Job != nil || out.Session != nil {
		t.Fatalf("rejected intake must not persist rows: %+v", out)
	}
	envelopes, err := env.Engine.ClaimJobs(env.Ctx, engine.ClaimOptions{OrgID: testOrg, WorkerClass: "domain", ActorID: "w1"})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(envelopes) != 0 {
		t.Fatalf("expected no claimable jobs, got %d", len(envelopes))
	}
	events, err := env.Engine.Repo.LatestEvents(env.Ctx, 10, 0, testOrg, "command.rejected", "", "")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected one command.rejected event, got %d", len(events))
	}
}

func TestMissingCoverageRejected(t *testing.T) {
	env := newTestEnv(t)
	// tax requires active tax and accounting connectors; only tax is live.
	env.activateConnectors(t, "tax")

	out := env.submit(t, engine.CreateCommandOptions{
		CommandType: "tax.prepare_filing",
		Payload:     map[string]any{"jurisdiction": "US-CA", "period": "2026-Q1"},
	})
	if out.Outcome != "rejected" {
		t.Fatalf("expected rejected for missing coverage, got %s", out.Outcome)
	}
	if len(out.Safety.Mitigations) == 0 {
		t.Fatalf("expected mitigations on coverage rejection")
	}
}

func TestIntentValidationRejectsBadPayload(t *testing.T) {
	env := newTestEnv(t)
	env.activateConnectors(t, "analytics")

	_, err := env.Engine.CreateCommand(env.Ctx, engine.CreateCommandOptions{
		OrgID:       testOrg,
		IssuedBy:    "tester",
		CommandType: "analytics.run_report",
		Payload:     map[string]any{},
	})
	if err == nil {
		t.Fatalf("expected payload validation error")
	}
}

func TestClaimOrderingByPriority(t *testing.T) {
	env := newTestEnv(t)
	env.activateConnectors(t, "analytics")

	priorities := []int{2, 1, 3}
	ids := make(map[int]string, 3)
	for _, p := range priorities {
		p := p
		opts := analyticsCommand()
		opts.Priority = &p
		out := env.submit(t, opts)
		ids[p] = out.Job.ID
	}
	envelopes, err := env.Engine.ClaimJobs(env.Ctx, engine.ClaimOptions{OrgID: testOrg, WorkerClass: "domain", ActorID: "w1"})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(envelopes) != 3 {
		t.Fatalf("expected 3 claims, got %d", len(envelopes))
	}
	for i, want := range []int{1, 2, 3} {
		if envelopes[i].Job.ID != ids[want] {
			t.Fatalf("claim %d: expected priority %d job", i, want)
		}
	}
}

func TestClaimIsExclusive(t *testing.T) {
	env := newTestEnv(t)
	env.activateConnectors(t, "analytics")
	env.submit(t, analyticsCommand())

	first, err := env.Engine.ClaimJobs(env.Ctx, engine.ClaimOptions{OrgID: testOrg, WorkerClass: "domain", ActorID: "w1"})
	if err != nil || len(first) != 1 {
		t.Fatalf("first claim: %v (%d)", err, len(first))
	}
	if first[0].Job.Status != "running" || first[0].Job.Attempts != 1 {
		t.Fatalf("expected running job with 1 attempt, got %+v", first[0].Job)
	}
	if first[0].Command.Status != "in_progress" {
		t.Fatalf("expected in_progress command, got %s", first[0].Command.Status)
	}
	second, err := env.Engine.ClaimJobs(env.Ctx, engine.ClaimOptions{OrgID: testOrg, WorkerClass: "domain", ActorID: "w2"})
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if len(second) != 0 {
		t.Fatalf("expected empty second claim, got %d", len(second))
	}
}

func TestFutureScheduleNotClaimable(t *testing.T) {
	env := newTestEnv(t)
	env.activateConnectors(t, "analytics")

	opts := analyticsCommand()
	opts.ScheduledFor = env.Engine.Now().Add(time.Hour).Format(time.RFC3339)
	out := env.submit(t, opts)
	if out.Outcome != "accepted" {
		t.Fatalf("expected accepted, got %s", out.Outcome)
	}
	envelopes, err := env.Engine.ClaimJobs(env.Ctx, engine.ClaimOptions{OrgID: testOrg, WorkerClass: "domain", ActorID: "w1"})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(envelopes) != 0 {
		t.Fatalf("future job must not be claimable")
	}
}

func TestPastScheduleClampedToNow(t *testing.T) {
	env := newTestEnv(t)
	env.activateConnectors(t, "analytics")

	opts := analyticsCommand()
	opts.ScheduledFor = env.Engine.Now().Add(-time.Hour).Format(time.RFC3339)
	out := env.submit(t, opts)
	want := env.Engine.Now().UTC().Format(time.RFC3339)
	if out.Command.ScheduledFor != want {
		t.Fatalf("expected schedule clamped to %s, got %s", want, out.Command.ScheduledFor)
	}
	envelopes, err := env.Engine.ClaimJobs(env.Ctx, engine.ClaimOptions{OrgID: testOrg, WorkerClass: "domain", ActorID: "w1"})
	if err != nil || len(envelopes) != 1 {
		t.Fatalf("expected immediate claim: %v (%d)", err, len(envelopes))
	}
}

func claimOne(t *testing.T, env *testEnv, workerClass string) domain.Envelope {
	t.Helper()
	envelopes, err := env.Engine.ClaimJobs(env.Ctx, engine.ClaimOptions{OrgID: testOrg, WorkerClass: workerClass, ActorID: "w1"})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(envelopes) != 1 {
		t.Fatalf("expected one claim, got %d", len(envelopes))
	}
	return envelopes[0]
}

func TestCompleteJobLifecycle(t *testing.T) {
	env := newTestEnv(t)
	env.activateConnectors(t, "analytics")
	env.submit(t, analyticsCommand())
	claimed := claimOne(t, env, "domain")

	out, err := env.Engine.CompleteJob(env.Ctx, engine.CompleteJobOptions{
		JobID:   claimed.Job.ID,
		ActorID: "w1",
		Result:  domain.CommandResult{Status: "completed", Output: map[string]any{"rows": float64(12)}},
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if out.Outcome != "completed" || out.FinalStatus != "completed" {
		t.Fatalf("unexpected outcome %+v", out)
	}
	cmd, err := env.Engine.Repo.GetCommand(env.Ctx, claimed.Command.ID)
	if err != nil {
		t.Fatalf("get command: %v", err)
	}
	if cmd.Status != "completed" || cmd.ResultJSON == nil {
		t.Fatalf("expected completed command with result, got %+v", cmd)
	}

	// A second completion must not mutate anything.
	again, err := env.Engine.CompleteJob(env.Ctx, engine.CompleteJobOptions{
		JobID:   claimed.Job.ID,
		ActorID: "w1",
		Result:  domain.CommandResult{Status: "failed", ErrorCode: "late"},
	})
	if err != nil {
		t.Fatalf("second complete: %v", err)
	}
	if again.Outcome != "not_running" {
		t.Fatalf("expected not_running, got %s", again.Outcome)
	}
	cmd, _ = env.Engine.Repo.GetCommand(env.Ctx, claimed.Command.ID)
	if cmd.Status != "completed" {
		t.Fatalf("second completion mutated command to %s", cmd.Status)
	}
}

func TestCompleteUnknownJob(t *testing.T) {
	env := newTestEnv(t)
	out, err := env.Engine.CompleteJob(env.Ctx, engine.CompleteJobOptions{
		JobID:  "missing",
		Result: domain.CommandResult{Status: "completed"},
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if out.Outcome != "command_not_found" {
		t.Fatalf("expected command_not_found, got %s", out.Outcome)
	}
}

func TestInvalidResultMutatesNothing(t *testing.T) {
	env := newTestEnv(t)
	env.activateConnectors(t, "analytics")
	env.submit(t, analyticsCommand())
	claimed := claimOne(t, env, "domain")

	out, err := env.Engine.CompleteJob(env.Ctx, engine.CompleteJobOptions{
		JobID:  claimed.Job.ID,
		Result: domain.CommandResult{Status: "done"},
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if out.Outcome != "invalid_finance_result" {
		t.Fatalf("expected invalid_finance_result, got %s", out.Outcome)
	}
	job, err := env.Engine.Repo.GetJob(env.Ctx, claimed.Job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.Status != "running" {
		t.Fatalf("invalid result mutated job to %s", job.Status)
	}
}

func TestDirectorResultAppliesPlanToSession(t *testing.T) {
	env := newTestEnv(t)
	env.submit(t, engine.CreateCommandOptions{
		CommandType: "director.plan",
		WorkerClass: "director",
		Objective:   "close the quarter",
		Payload:     map[string]any{"objective": "close the quarter"},
	})
	claimed := claimOne(t, env, "director")

	// A completed director result without a plan is invalid.
	out, err := env.Engine.CompleteJob(env.Ctx, engine.CompleteJobOptions{
		JobID:  claimed.Job.ID,
		Result: domain.CommandResult{Status: "completed"},
	})
	if err != nil || out.Outcome != "invalid_finance_result" {
		t.Fatalf("expected invalid result without plan, got %+v (%v)", out, err)
	}

	out, err = env.Engine.CompleteJob(env.Ctx, engine.CompleteJobOptions{
		JobID: claimed.Job.ID,
		Result: domain.CommandResult{
			Status: "completed",
			Output: map[string]any{
				"plan":      []any{map[string]any{"step": 1, "command_type": "ledger.reconcile"}},
				"objective": "reconcile Q1 ledger",
			},
		},
	})
	if err != nil || out.Outcome != "completed" {
		t.Fatalf("complete director: %+v (%v)", out, err)
	}
	session, err := env.Engine.Repo.GetSession(env.Ctx, claimed.Session.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if session.DirectorStateJSON == nil {
		t.Fatalf("expected director state on session")
	}
	if session.LastDirectorJobID == nil || *session.LastDirectorJobID != claimed.Job.ID {
		t.Fatalf("expected last director job %s, got %v", claimed.Job.ID, session.LastDirectorJobID)
	}
	if session.CurrentObjective != "reconcile Q1 ledger" {
		t.Fatalf("expected objective update, got %q", session.CurrentObjective)
	}
}

func TestFollowUpsGatedIndependently(t *testing.T) {
	env := newTestEnv(t)
	env.activateConnectors(t, "analytics")
	env.Engine.Config.Safety.BlockedCommandTypes = []string{"ledger.close"}
	env.submit(t, analyticsCommand())
	claimed := claimOne(t, env, "domain")

	out, err := env.Engine.CompleteJob(env.Ctx, engine.CompleteJobOptions{
		JobID:   claimed.Job.ID,
		ActorID: "w1",
		Result: domain.CommandResult{
			Status: "completed",
			Output: map[string]any{"ok": true},
			FollowUps: []domain.FollowUp{
				{CommandType: "analytics.run_report", Payload: map[string]any{"report": "aging"}},
				{CommandType: "ledger.close"},
			},
		},
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if out.Outcome != "completed" {
		t.Fatalf("expected completed, got %s", out.Outcome)
	}
	if len(out.FollowUps) != 2 {
		t.Fatalf("expected 2 follow-up results, got %d", len(out.FollowUps))
	}
	if !out.FollowUps[0].Accepted || out.FollowUps[0].CommandID == "" {
		t.Fatalf("expected first follow-up accepted: %+v", out.FollowUps[0])
	}
	if out.FollowUps[1].Accepted {
		t.Fatalf("expected blocked follow-up rejected: %+v", out.FollowUps[1])
	}
	// The rejected follow-up must not undo the parent completion.
	cmd, _ := env.Engine.Repo.GetCommand(env.Ctx, claimed.Command.ID)
	if cmd.Status != "completed" {
		t.Fatalf("parent command status %s", cmd.Status)
	}
	// The accepted follow-up stays in the same session and is claimable.
	fu, err := env.Engine.Repo.GetCommand(env.Ctx, out.FollowUps[0].CommandID)
	if err != nil {
		t.Fatalf("get follow-up: %v", err)
	}
	if fu.SessionID != claimed.Session.ID {
		t.Fatalf("follow-up landed in session %s, want %s", fu.SessionID, claimed.Session.ID)
	}
}

func TestHITLCommandEndsInNeedsReview(t *testing.T) {
	env := newTestEnv(t)
	env.activateConnectors(t, "tax", "accounting")

	out := env.submit(t, engine.CreateCommandOptions{
		CommandType: "tax.prepare_filing",
		Payload:     map[string]any{"jurisdiction": "US-CA", "period": "2026-Q1", "amount": float64(900000)},
	})
	if out.Outcome != "accepted" {
		t.Fatalf("expected conditional admission, got %s: %v", out.Outcome, out.Safety.Reasons)
	}
	if out.Safety.Status != "needs_hitl" {
		t.Fatalf("expected needs_hitl decision, got %s", out.Safety.Status)
	}

	claimed := claimOne(t, env, "domain")
	done, err := env.Engine.CompleteJob(env.Ctx, engine.CompleteJobOptions{
		JobID:   claimed.Job.ID,
		ActorID: "w1",
		Result:  domain.CommandResult{Status: "completed", HITLReason: "amount over threshold"},
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.FinalStatus != "needs_review" {
		t.Fatalf("expected needs_review, got %s", done.FinalStatus)
	}
	cmd, _ := env.Engine.Repo.GetCommand(env.Ctx, claimed.Command.ID)
	if cmd.Status != "needs_review" {
		t.Fatalf("expected needs_review command, got %s", cmd.Status)
	}
}

func TestReaperRequeuesThenFailsOut(t *testing.T) {
	env := newTestEnv(t)
	env.activateConnectors(t, "analytics")
	env.submit(t, analyticsCommand())

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	env.Engine.Now = func() time.Time { return base }
	claimed := claimOne(t, env, "domain")

	// Not yet stale.
	summary, err := env.Engine.ReapStaleJobs(env.Ctx, engine.ReapOptions{OrgID: testOrg, ActorID: "reaper"})
	if err != nil {
		t.Fatalf("reap: %v", err)
	}
	if len(summary.Requeued)+len(summary.Failed) != 0 {
		t.Fatalf("fresh claim must not be reaped: %+v", summary)
	}

	env.Engine.Now = func() time.Time { return base.Add(time.Hour) }
	summary, err = env.Engine.ReapStaleJobs(env.Ctx, engine.ReapOptions{OrgID: testOrg, ActorID: "reaper"})
	if err != nil {
		t.Fatalf("reap: %v", err)
	}
	if len(summary.Requeued) != 1 || summary.Requeued[0] != claimed.Job.ID {
		t.Fatalf("expected requeue of %s, got %+v", claimed.Job.ID, summary)
	}
	job, _ := env.Engine.Repo.GetJob(env.Ctx, claimed.Job.ID)
	if job.Status != "pending" || job.Attempts != 1 {
		t.Fatalf("expected pending job keeping attempts, got %+v", job)
	}

	// Second claim burns the attempt budget; next reap fails the job and its
	// command together.
	reclaimed := claimOne(t, env, "domain")
	if reclaimed.Job.Attempts != 2 {
		t.Fatalf("expected 2 attempts after reclaim, got %d", reclaimed.Job.Attempts)
	}
	env.Engine.Now = func() time.Time { return base.Add(2 * time.Hour) }
	summary, err = env.Engine.ReapStaleJobs(env.Ctx, engine.ReapOptions{OrgID: testOrg, ActorID: "reaper", MaxAttempts: 2})
	if err != nil {
		t.Fatalf("reap: %v", err)
	}
	if len(summary.Failed) != 1 {
		t.Fatalf("expected job failed out, got %+v", summary)
	}
	cmd, _ := env.Engine.Repo.GetCommand(env.Ctx, claimed.Command.ID)
	if cmd.Status != "failed" {
		t.Fatalf("expected failed command, got %s", cmd.Status)
	}
}

func TestSessionReuseByThread(t *testing.T) {
	env := newTestEnv(t)
	env.activateConnectors(t, "analytics")

	opts := analyticsCommand()
	opts.ThreadID = "thread-42"
	first := env.submit(t, opts)
	second := env.submit(t, opts)
	if first.Session.ID != second.Session.ID {
		t.Fatalf("expected thread reuse, got %s vs %s", first.Session.ID, second.Session.ID)
	}
}

func TestSessionLifecycle(t *testing.T) {
	env := newTestEnv(t)
	env.activateConnectors(t, "analytics")
	out := env.submit(t, analyticsCommand())
	sessionID := out.Session.ID

	suspended := "suspended"
	s, err := env.Engine.UpdateSession(env.Ctx, engine.UpdateSessionOptions{SessionID: sessionID, ActorID: "tester", Status: &suspended})
	if err != nil || s.Status != "suspended" {
		t.Fatalf("suspend: %v (%+v)", err, s)
	}
	// Suspended sessions refuse new commands.
	opts := analyticsCommand()
	opts.OrgID = testOrg
	opts.IssuedBy = "tester"
	opts.SessionID = sessionID
	if _, err := env.Engine.CreateCommand(env.Ctx, opts); err == nil {
		t.Fatalf("expected error submitting to suspended session")
	}

	closed := "closed"
	s, err = env.Engine.UpdateSession(env.Ctx, engine.UpdateSessionOptions{SessionID: sessionID, ActorID: "tester", Status: &closed})
	if err != nil || s.Status != "closed" || s.ClosedAt == nil {
		t.Fatalf("close: %v (%+v)", err, s)
	}
	active := "active"
	if _, err := env.Engine.UpdateSession(env.Ctx, engine.UpdateSessionOptions{SessionID: sessionID, ActorID: "tester", Status: &active}); err == nil {
		t.Fatalf("closed must be terminal")
	}
}

func TestSessionVersionConflict(t *testing.T) {
	env := newTestEnv(t)
	env.activateConnectors(t, "analytics")
	out := env.submit(t, analyticsCommand())
	session := *out.Session

	stale := session.Version + 5
	objective := "new objective"
	_, err := env.Engine.UpdateSession(env.Ctx, engine.UpdateSessionOptions{
		SessionID:        session.ID,
		ActorID:          "tester",
		CurrentObjective: &objective,
		ExpectedVersion:  &stale,
	})
	if !errors.Is(err, repo.ErrStaleVersion) {
		t.Fatalf("expected ErrStaleVersion, got %v", err)
	}

	current := session.Version
	updated, err := env.Engine.UpdateSession(env.Ctx, engine.UpdateSessionOptions{
		SessionID:        session.ID,
		ActorID:          "tester",
		CurrentObjective: &objective,
		ExpectedVersion:  &current,
	})
	if err != nil {
		t.Fatalf("conditional update: %v", err)
	}
	if updated.Version != current+1 {
		t.Fatalf("expected version bump to %d, got %d", current+1, updated.Version)
	}
}

func TestCancelCommand(t *testing.T) {
	env := newTestEnv(t)
	env.activateConnectors(t, "analytics")
	out := env.submit(t, analyticsCommand())

	cmd, err := env.Engine.CancelCommand(env.Ctx, testOrg, out.Command.ID, "tester")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cmd.Status != "cancelled" {
		t.Fatalf("expected cancelled, got %s", cmd.Status)
	}
	job, _ := env.Engine.Repo.GetJob(env.Ctx, out.Job.ID)
	if job.Status != "cancelled" {
		t.Fatalf("expected cancelled job, got %s", job.Status)
	}

	// Claimed commands cannot be cancelled.
	env.submit(t, analyticsCommand())
	claimed := claimOne(t, env, "domain")
	if _, err := env.Engine.CancelCommand(env.Ctx, testOrg, claimed.Command.ID, "tester"); err == nil {
		t.Fatalf("expected cancel of in_progress command to fail")
	}
}

func TestCapabilitiesCoverage(t *testing.T) {
	env := newTestEnv(t)
	env.activateConnectors(t, "accounting")

	view, err := env.Engine.Capabilities(env.Ctx, testOrg)
	if err != nil {
		t.Fatalf("capabilities: %v", err)
	}
	byDomain := map[string]bool{}
	for _, cov := range view.Coverage {
		byDomain[cov.DomainKey] = cov.Satisfied
	}
	if !byDomain["ledger"] {
		t.Fatalf("ledger should be satisfied by an active accounting connector")
	}
	if byDomain["tax"] {
		t.Fatalf("tax should be missing its tax connector")
	}
}

func TestOrgIsolation(t *testing.T) {
	env := newTestEnv(t)
	env.activateConnectors(t, "analytics")
	env.submit(t, analyticsCommand())

	envelopes, err := env.Engine.ClaimJobs(env.Ctx, engine.ClaimOptions{OrgID: "other-org", WorkerClass: "domain", ActorID: "w1"})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(envelopes) != 0 {
		t.Fatalf("claims must be org scoped")
	}
}
