package manifest

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"caseflow/internal/domain"
)

// ConnectorRequirement names a connector type an agent depends on. Optional
// requirements are reported but never block coverage.
type ConnectorRequirement struct {
	Type     string `yaml:"type" json:"type"`
	Optional bool   `yaml:"optional,omitempty" json:"optional,omitempty"`
}

// AgentProfile describes one domain agent: what it does, what it may touch,
// and what has to be in place before it can act for a tenant.
type AgentProfile struct {
	Key           string                 `yaml:"key" json:"key"`
	DisplayName   string                 `yaml:"display_name" json:"display_name"`
	Description   string                 `yaml:"description" json:"description"`
	Instructions  string                 `yaml:"instructions" json:"instructions"`
	Tools         []string               `yaml:"tools" json:"tools"`
	Datasets      []string               `yaml:"datasets,omitempty" json:"datasets,omitempty"`
	Connectors    []ConnectorRequirement `yaml:"connectors,omitempty" json:"connectors,omitempty"`
	Guardrails    []string               `yaml:"guardrails,omitempty" json:"guardrails,omitempty"`
	TelemetryTags []string               `yaml:"telemetry_tags,omitempty" json:"telemetry_tags,omitempty"`
	HITLPolicies  []string               `yaml:"hitl_policies,omitempty" json:"hitl_policies,omitempty"`
}

// DirectorProfile configures the planning worker class.
type DirectorProfile struct {
	Instructions     string `yaml:"instructions" json:"instructions"`
	EscalationPolicy string `yaml:"escalation_policy" json:"escalation_policy"`
}

// Manifest is the static capability registry consumed by admission and
// planning.
type Manifest struct {
	Director DirectorProfile         `yaml:"director" json:"director"`
	Agents   map[string]AgentProfile `yaml:"agents" json:"agents"`
}

// Agent returns the profile for a domain key.
func (m *Manifest) Agent(key string) (AgentProfile, bool) {
	a, ok := m.Agents[key]
	return a, ok
}

// AgentKeys returns registered domain keys in stable order.
func (m *Manifest) AgentKeys() []string {
	keys := make([]string, 0, len(m.Agents))
	for k := range m.Agents {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Validate checks structural integrity of the manifest.
func (m *Manifest) Validate() error {
	if len(m.Agents) == 0 {
		return fmt.Errorf("manifest.agents is required")
	}
	for key, a := range m.Agents {
		if key == "" {
			return fmt.Errorf("manifest.agents contains empty key")
		}
		if a.Key != "" && a.Key != key {
			return fmt.Errorf("agent %s declares mismatched key %s", key, a.Key)
		}
		if a.DisplayName == "" {
			return fmt.Errorf("agent %s missing display_name", key)
		}
		for _, c := range a.Connectors {
			if c.Type == "" {
				return fmt.Errorf("agent %s has connector requirement with empty type", key)
			}
		}
	}
	return nil
}

// DomainCoverage reports, for one domain agent, which required connector
// types are live for the tenant and which are missing.
type DomainCoverage struct {
	DomainKey string   `json:"domain_key"`
	Required  []string `json:"required"`
	Active    []string `json:"active"`
	Missing   []string `json:"missing"`
	Optional  []string `json:"optional,omitempty"`
	Satisfied bool     `json:"satisfied"`
}

// Coverage joins the manifest's connector requirements against a tenant's
// connector rows. A requirement counts as met only when a connector of the
// matching type exists with status active. Pure read-side computation,
// nothing is stored.
func (m *Manifest) Coverage(connectors []domain.Connector) []DomainCoverage {
	activeTypes := map[string]bool{}
	for _, c := range connectors {
		if c.Status == "active" {
			activeTypes[c.Type] = true
		}
	}
	var out []DomainCoverage
	for _, key := range m.AgentKeys() {
		a := m.Agents[key]
		cov := DomainCoverage{DomainKey: key, Required: []string{}, Active: []string{}, Missing: []string{}}
		for _, req := range a.Connectors {
			if req.Optional {
				cov.Optional = append(cov.Optional, req.Type)
				continue
			}
			cov.Required = append(cov.Required, req.Type)
			if activeTypes[req.Type] {
				cov.Active = append(cov.Active, req.Type)
			} else {
				cov.Missing = append(cov.Missing, req.Type)
			}
		}
		cov.Satisfied = len(cov.Missing) == 0
		out = append(out, cov)
	}
	return out
}

// FromYAML parses and validates a manifest.
func FromYAML(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("invalid manifest yaml: %w", err)
	}
	for key, a := range m.Agents {
		if a.Key == "" {
			a.Key = key
			m.Agents[key] = a
		}
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// FromFile reads a manifest from the given path.
func FromFile(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the built-in manifest.
func Default() *Manifest {
	m, err := FromYAML([]byte(defaultTemplate))
	if err != nil {
		panic(fmt.Sprintf("built-in manifest invalid: %v", err))
	}
	return m
}

const defaultTemplate = `director:
  instructions: >
    Break the operator objective into domain commands, sequence them by
    dependency, and keep the session objective current. Prefer the smallest
    plan that reaches the objective.
  escalation_policy: >
    Escalate to a human operator when a plan step requires an unregistered
    domain, exceeds monetary guardrails, or loops more than three times.

agents:
  tax:
    display_name: Tax Preparation
    description: Prepares and files tax documents from ledger and payroll data.
    instructions: >
      Assemble filings from the tenant's accounting records. Never submit a
      filing without an explicit operator confirmation command.
    tools: [document.generate, filing.validate, filing.submit]
    datasets: [ledger_entries, payroll_runs]
    connectors:
      - type: tax
      - type: accounting
      - type: erp
        optional: true
    guardrails: [no_unconfirmed_submission, jurisdiction_whitelist]
    telemetry_tags: [tax, filing]
    hitl_policies: [filing.submit]

  ledger:
    display_name: Ledger Reconciliation
    description: Reconciles bank feeds against the general ledger.
    instructions: >
      Match transactions, flag discrepancies, and propose adjusting entries.
      Adjustments above the configured threshold require review.
    tools: [ledger.match, ledger.propose_adjustment]
    datasets: [bank_feed, general_ledger]
    connectors:
      - type: accounting
      - type: erp
        optional: true
    guardrails: [adjustment_threshold]
    telemetry_tags: [ledger]
    hitl_policies: [ledger.propose_adjustment]

  compliance:
    display_name: Compliance Review
    description: Screens counterparties and transactions against watchlists.
    instructions: >
      Run vendor and transaction screening; surface every hit for human
      review, never auto-clear.
    tools: [screen.vendor, screen.transaction]
    datasets: [watchlists, vendor_registry]
    connectors:
      - type: compliance
    guardrails: [no_auto_clear]
    telemetry_tags: [compliance, screening]
    hitl_policies: [screen.vendor, screen.transaction]

  analytics:
    display_name: Financial Analytics
    description: Runs reports and projections over tenant financial data.
    instructions: >
      Produce the requested report from warehouse data; read-only access.
    tools: [report.run, projection.run]
    datasets: [warehouse]
    connectors:
      - type: analytics
      - type: accounting
        optional: true
    telemetry_tags: [analytics]
`
