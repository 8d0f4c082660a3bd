package gate_test

import (
	"context"
	"strings"
	"testing"

	"caseflow/internal/config"
	"caseflow/internal/engine/gate"
	"caseflow/internal/manifest"
)

func newGate() gate.PolicyGate {
	cfg := config.Default("svc-test")
	return gate.PolicyGate{Config: cfg, Manifest: manifest.Default()}
}

func allConnectors() map[string]bool {
	return map[string]bool{"erp": true, "tax": true, "accounting": true, "compliance": true, "analytics": true}
}

func TestApprovesCoveredDomainCommand(t *testing.T) {
	g := newGate()
	d, err := g.Assess(context.Background(), gate.Input{
		OrgID:                "org-1",
		CommandType:          "analytics.run_report",
		WorkerClass:          "domain",
		DomainKey:            "analytics",
		ActiveConnectorTypes: allConnectors(),
	})
	if err != nil {
		t.Fatalf("assess: %v", err)
	}
	if d.Status != "approved" {
		t.Fatalf("expected approved, got %s: %v", d.Status, d.Reasons)
	}
}

func TestBlockedTypeWinsOverEverything(t *testing.T) {
	g := newGate()
	g.Config.Safety.BlockedCommandTypes = []string{"analytics.run_report"}
	d, err := g.Assess(context.Background(), gate.Input{
		CommandType:          "analytics.run_report",
		WorkerClass:          "domain",
		DomainKey:            "analytics",
		ActiveConnectorTypes: allConnectors(),
	})
	if err != nil {
		t.Fatalf("assess: %v", err)
	}
	if d.Status != "rejected" {
		t.Fatalf("expected rejected, got %s", d.Status)
	}
}

func TestUnknownDomainRejected(t *testing.T) {
	g := newGate()
	d, err := g.Assess(context.Background(), gate.Input{
		CommandType: "payroll.run",
		WorkerClass: "domain",
		DomainKey:   "payroll",
	})
	if err != nil {
		t.Fatalf("assess: %v", err)
	}
	if d.Status != "rejected" {
		t.Fatalf("expected rejected, got %s", d.Status)
	}
}

func TestMissingCoverageRejectedWithMitigations(t *testing.T) {
	g := newGate()
	d, err := g.Assess(context.Background(), gate.Input{
		CommandType:          "tax.prepare_filing",
		WorkerClass:          "domain",
		DomainKey:            "tax",
		ActiveConnectorTypes: map[string]bool{"tax": true},
	})
	if err != nil {
		t.Fatalf("assess: %v", err)
	}
	if d.Status != "rejected" {
		t.Fatalf("expected rejected, got %s", d.Status)
	}
	found := false
	for _, m := range d.Mitigations {
		if strings.Contains(m, "accounting") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected accounting mitigation, got %v", d.Mitigations)
	}
}

func TestOptionalConnectorNeverBlocks(t *testing.T) {
	g := newGate()
	// ledger requires accounting; erp is optional.
	d, err := g.Assess(context.Background(), gate.Input{
		CommandType:          "ledger.reconcile",
		WorkerClass:          "domain",
		DomainKey:            "ledger",
		ActiveConnectorTypes: map[string]bool{"accounting": true},
	})
	if err != nil {
		t.Fatalf("assess: %v", err)
	}
	if d.Status != "approved" {
		t.Fatalf("expected approved without optional erp, got %s: %v", d.Status, d.Reasons)
	}
}

func TestCoverageCheckDisabled(t *testing.T) {
	g := newGate()
	g.Config.Safety.RequireCoverage = false
	d, err := g.Assess(context.Background(), gate.Input{
		CommandType: "tax.prepare_filing",
		WorkerClass: "domain",
		DomainKey:   "tax",
	})
	if err != nil {
		t.Fatalf("assess: %v", err)
	}
	if d.Status != "approved" {
		t.Fatalf("expected approved with coverage disabled, got %s: %v", d.Status, d.Reasons)
	}
}

func TestManifestHITLPolicy(t *testing.T) {
	g := newGate()
	d, err := g.Assess(context.Background(), gate.Input{
		CommandType:          "filing.submit",
		WorkerClass:          "domain",
		DomainKey:            "tax",
		ActiveConnectorTypes: allConnectors(),
	})
	if err != nil {
		t.Fatalf("assess: %v", err)
	}
	if d.Status != "needs_hitl" {
		t.Fatalf("expected needs_hitl for manifest policy, got %s", d.Status)
	}
}

func TestAmountThreshold(t *testing.T) {
	g := newGate()
	in := gate.Input{
		CommandType:          "analytics.run_report",
		WorkerClass:          "domain",
		DomainKey:            "analytics",
		ActiveConnectorTypes: allConnectors(),
	}

	in.Payload = map[string]any{"amount": float64(250000)}
	d, _ := g.Assess(context.Background(), in)
	if d.Status != "approved" {
		t.Fatalf("amount at threshold must pass, got %s", d.Status)
	}

	in.Payload = map[string]any{"amount": float64(250001)}
	d, _ = g.Assess(context.Background(), in)
	if d.Status != "needs_hitl" {
		t.Fatalf("amount over threshold must need review, got %s", d.Status)
	}
}

func TestDirectorCommandsSkipDomainChecks(t *testing.T) {
	g := newGate()
	d, err := g.Assess(context.Background(), gate.Input{
		CommandType: "director.plan",
		WorkerClass: "director",
	})
	if err != nil {
		t.Fatalf("assess: %v", err)
	}
	if d.Status != "approved" {
		t.Fatalf("expected approved director command, got %s: %v", d.Status, d.Reasons)
	}
}

func TestUnconfiguredGateErrors(t *testing.T) {
	var g gate.PolicyGate
	if _, err := g.Assess(context.Background(), gate.Input{CommandType: "x"}); err == nil {
		t.Fatalf("expected configuration error")
	}
}
