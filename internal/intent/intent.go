// Package intent gives well-known command types a typed payload shape.
// Unknown command types stay open maps so new domains can ship without an
// engine release; known types are validated at intake.
package intent

import (
	"encoding/json"
	"fmt"
)

// TaxPrepareFiling is the payload for tax.prepare_filing.
type TaxPrepareFiling struct {
	Jurisdiction string  `json:"jurisdiction"`
	Period       string  `json:"period"`
	EntityID     string  `json:"entity_id"`
	Amount       float64 `json:"amount,omitempty"`
}

func (p TaxPrepareFiling) validate() error {
	if p.Jurisdiction == "" {
		return fmt.Errorf("jurisdiction is required")
	}
	if p.Period == "" {
		return fmt.Errorf("period is required")
	}
	return nil
}

// LedgerReconcile is the payload for ledger.reconcile.
type LedgerReconcile struct {
	AccountID   string `json:"account_id"`
	PeriodStart string `json:"period_start"`
	PeriodEnd   string `json:"period_end"`
}

func (p LedgerReconcile) validate() error {
	if p.AccountID == "" {
		return fmt.Errorf("account_id is required")
	}
	return nil
}

// ComplianceReviewVendor is the payload for compliance.review_vendor.
type ComplianceReviewVendor struct {
	VendorID   string   `json:"vendor_id"`
	Watchlists []string `json:"watchlists,omitempty"`
}

func (p ComplianceReviewVendor) validate() error {
	if p.VendorID == "" {
		return fmt.Errorf("vendor_id is required")
	}
	return nil
}

// AnalyticsRunReport is the payload for analytics.run_report.
type AnalyticsRunReport struct {
	Report string         `json:"report"`
	Params map[string]any `json:"params,omitempty"`
}

func (p AnalyticsRunReport) validate() error {
	if p.Report == "" {
		return fmt.Errorf("report is required")
	}
	return nil
}

type validator interface{ validate() error }

var known = map[string]func() validator{
	"tax.prepare_filing":       func() validator { return &TaxPrepareFiling{} },
	"ledger.reconcile":         func() validator { return &LedgerReconcile{} },
	"compliance.review_vendor": func() validator { return &ComplianceReviewVendor{} },
	"analytics.run_report":     func() validator { return &AnalyticsRunReport{} },
}

// Known reports whether a command type has a typed payload.
func Known(commandType string) bool {
	_, ok := known[commandType]
	return ok
}

// Validate decodes the payload into its typed shape when the command type is
// known and checks required fields. Unknown command types always pass.
func Validate(commandType string, payload map[string]any) error {
	factory, ok := known[commandType]
	if !ok {
		return nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("payload for %s: %w", commandType, err)
	}
	target := factory()
	if err := json.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("payload for %s: %w", commandType, err)
	}
	if err := target.validate(); err != nil {
		return fmt.Errorf("payload for %s: %w", commandType, err)
	}
	return nil
}
