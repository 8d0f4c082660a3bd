package worker_test

import (
	"context"
	"testing"
	"time"

	"caseflow/internal/config"
	"caseflow/internal/db"
	"caseflow/internal/domain"
	"caseflow/internal/engine"
	"caseflow/internal/engine/gate"
	"caseflow/internal/manifest"
	"caseflow/internal/migrate"
	"caseflow/internal/worker"
)

const testOrg = "org-1"

func newTestEngine(t *testing.T) engine.Engine {
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
	return engine.New(conn, cfg, m, gate.PolicyGate{Config: cfg, Manifest: m})
}

func submitAnalytics(t *testing.T, eng engine.Engine, payload map[string]any) engine.CreateCommandOutcome {
	t.Helper()
	ctx := context.Background()
	_, err := eng.RegisterConnector(ctx, engine.RegisterConnectorOptions{
		OrgID: testOrg, Type: "analytics", Name: "warehouse", Status: "active", ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("register connector: %v", err)
	}
	out, err := eng.CreateCommand(ctx, engine.CreateCommandOptions{
		OrgID:       testOrg,
		IssuedBy:    "tester",
		CommandType: "analytics.run_report",
		Payload:     payload,
	})
	if err != nil {
		t.Fatalf("create command: %v", err)
	}
	if out.Outcome != "accepted" {
		t.Fatalf("expected accepted, got %s: %v", out.Outcome, out.Safety.Reasons)
	}
	return out
}

func TestRegistryRejectsBadRegistrations(t *testing.T) {
	r := worker.NewRegistry()
	if err := r.Register("", func(context.Context, domain.Envelope) (domain.CommandResult, error) {
		return domain.CommandResult{}, nil
	}); err == nil {
		t.Fatalf("expected error for empty domain key")
	}
	if err := r.Register("tax", nil); err == nil {
		t.Fatalf("expected error for nil executor")
	}
	if _, ok := r.Get("tax"); ok {
		t.Fatalf("failed registration must not be stored")
	}
}

func TestRunOnceExecutesAndCompletes(t *testing.T) {
	eng := newTestEngine(t)
	out := submitAnalytics(t, eng, map[string]any{"report": "cashflow"})

	registry := worker.NewRegistry()
	var got domain.Envelope
	_ = registry.Register("analytics", func(_ context.Context, env domain.Envelope) (domain.CommandResult, error) {
		got = env
		return domain.CommandResult{Status: "completed", Output: map[string]any{"rows": float64(3)}}, nil
	})
	runner := worker.Runner{Engine: eng, Registry: registry, OrgID: testOrg, ActorID: "worker-1"}

	n, err := runner.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 job processed, got %d", n)
	}
	if got.Command.ID != out.Command.ID {
		t.Fatalf("executor saw command %s, want %s", got.Command.ID, out.Command.ID)
	}
	cmd, err := eng.Repo.GetCommand(context.Background(), out.Command.ID)
	if err != nil {
		t.Fatalf("get command: %v", err)
	}
	if cmd.Status != "completed" {
		t.Fatalf("expected completed command, got %s", cmd.Status)
	}
}

func TestRunOnceFailsUnregisteredDomain(t *testing.T) {
	eng := newTestEngine(t)
	out := submitAnalytics(t, eng, map[string]any{"report": "cashflow"})

	runner := worker.Runner{Engine: eng, Registry: worker.NewRegistry(), OrgID: testOrg, ActorID: "worker-1"}
	if _, err := runner.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}
	cmd, err := eng.Repo.GetCommand(context.Background(), out.Command.ID)
	if err != nil {
		t.Fatalf("get command: %v", err)
	}
	if cmd.Status != "failed" {
		t.Fatalf("expected failed command, got %s", cmd.Status)
	}
	if cmd.LastError == nil || *cmd.LastError != "unregistered_domain" {
		t.Fatalf("expected unregistered_domain error, got %v", cmd.LastError)
	}
}

func TestRunOnceShortCircuitsHITLCommands(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	for _, typ := range []string{"tax", "accounting"} {
		if _, err := eng.RegisterConnector(ctx, engine.RegisterConnectorOptions{
			OrgID: testOrg, Type: typ, Name: "test-" + typ, Status: "active", ActorID: "tester",
		}); err != nil {
			t.Fatalf("register connector: %v", err)
		}
	}
	out, err := eng.CreateCommand(ctx, engine.CreateCommandOptions{
		OrgID:       testOrg,
		IssuedBy:    "tester",
		CommandType: "tax.prepare_filing",
		Payload:     map[string]any{"jurisdiction": "US-CA", "period": "2026-Q1", "amount": float64(500000)},
	})
	if err != nil {
		t.Fatalf("create command: %v", err)
	}
	if out.Safety.Status != "needs_hitl" {
		t.Fatalf("expected needs_hitl admission, got %s", out.Safety.Status)
	}

	executed := false
	registry := worker.NewRegistry()
	_ = registry.Register("tax", func(context.Context, domain.Envelope) (domain.CommandResult, error) {
		executed = true
		return domain.CommandResult{Status: "completed"}, nil
	})
	runner := worker.Runner{Engine: eng, Registry: registry, OrgID: testOrg, ActorID: "worker-1"}
	if _, err := runner.RunOnce(ctx); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if executed {
		t.Fatalf("flagged command must not be executed")
	}
	cmd, _ := eng.Repo.GetCommand(ctx, out.Command.ID)
	if cmd.Status != "needs_review" {
		t.Fatalf("expected needs_review, got %s", cmd.Status)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	eng := newTestEngine(t)
	runner := worker.Runner{
		Engine:   eng,
		Registry: worker.NewRegistry(),
		OrgID:    testOrg,
		ActorID:  "worker-1",
		Interval: 10 * time.Millisecond,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := runner.Run(ctx); err != context.DeadlineExceeded {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}
