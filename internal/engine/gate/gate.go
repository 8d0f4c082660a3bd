package gate

import (
	"context"
	"fmt"

	"caseflow/internal/config"
	"caseflow/internal/manifest"
)

// Decision is the admission outcome for one proposed command. rejected and
// needs_hitl are business outcomes, not errors.
type Decision struct {
	Status      string   `json:"status" enum:"approved,rejected,needs_hitl"`
	Reasons     []string `json:"reasons"`
	Mitigations []string `json:"mitigations,omitempty"`
}

// Input is everything the gate may inspect about a proposed command.
type Input struct {
	OrgID       string
	CommandType string
	WorkerClass string
	DomainKey   string
	Payload     map[string]any
	// ActiveConnectorTypes holds connector types with status active for the
	// org at assessment time.
	ActiveConnectorTypes map[string]bool
}

// Gate assesses a proposed command before any job becomes claimable. An error
// return means the assessment itself failed and the command must NOT be
// admitted; intake surfaces it as retryable.
type Gate interface {
	Assess(ctx context.Context, in Input) (Decision, error)
}

// PolicyGate is the default gate: it evaluates the capability manifest's
// guardrails and the service safety config. It never calls out to the
// network, so it cannot fail transiently.
type PolicyGate struct {
	Config   *config.Config
	Manifest *manifest.Manifest
}

func (g PolicyGate) Assess(_ context.Context, in Input) (Decision, error) {
	if g.Config == nil || g.Manifest == nil {
		return Decision{}, fmt.Errorf("policy gate not configured")
	}

	var reasons, mitigations []string
	needsHITL := false

	for _, blocked := range g.Config.Safety.BlockedCommandTypes {
		if in.CommandType == blocked {
			return Decision{
				Status:      "rejected",
				Reasons:     []string{fmt.Sprintf("command type %s is blocked by org policy", in.CommandType)},
				Mitigations: []string{"contact an administrator to unblock this command type"},
			}, nil
		}
	}

	if in.WorkerClass == "domain" {
		agent, ok := g.Manifest.Agent(in.DomainKey)
		if !ok {
			return Decision{
				Status:      "rejected",
				Reasons:     []string{fmt.Sprintf("domain %s is not in the capability manifest", in.DomainKey)},
				Mitigations: []string{"use a registered domain key or extend the manifest"},
			}, nil
		}
		if g.Config.Safety.RequireCoverage {
			for _, req := range agent.Connectors {
				if req.Optional || in.ActiveConnectorTypes[req.Type] {
					continue
				}
				reasons = append(reasons, fmt.Sprintf("domain %s requires an active %s connector", in.DomainKey, req.Type))
				mitigations = append(mitigations, fmt.Sprintf("register and activate a %s connector", req.Type))
			}
			if len(reasons) > 0 {
				return Decision{Status: "rejected", Reasons: reasons, Mitigations: mitigations}, nil
			}
		}
		for _, hitlType := range agent.HITLPolicies {
			if in.CommandType == hitlType {
				needsHITL = true
				reasons = append(reasons, fmt.Sprintf("command type %s requires human review per manifest policy", in.CommandType))
			}
		}
	}

	if threshold := g.Config.Safety.HITLAmountThreshold; threshold > 0 {
		if amount, ok := payloadAmount(in.Payload); ok && amount > threshold {
			needsHITL = true
			reasons = append(reasons, fmt.Sprintf("amount %.2f exceeds review threshold %.2f", amount, threshold))
		}
	}

	if needsHITL {
		return Decision{
			Status:      "needs_hitl",
			Reasons:     reasons,
			Mitigations: []string{"a human reviewer must approve before execution"},
		}, nil
	}
	return Decision{Status: "approved", Reasons: []string{}}, nil
}

func payloadAmount(payload map[string]any) (float64, bool) {
	if payload == nil {
		return 0, false
	}
	switch v := payload["amount"].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}
