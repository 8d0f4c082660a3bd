package intent_test

import (
	"testing"

	"caseflow/internal/intent"
)

func TestUnknownTypesAlwaysPass(t *testing.T) {
	if intent.Known("payroll.run") {
		t.Fatalf("payroll.run should be unknown")
	}
	if err := intent.Validate("payroll.run", nil); err != nil {
		t.Fatalf("unknown type must pass: %v", err)
	}
}

func TestKnownTypeValidation(t *testing.T) {
	cases := []struct {
		commandType string
		payload     map[string]any
		ok          bool
	}{
		{"tax.prepare_filing", map[string]any{"jurisdiction": "US-CA", "period": "2026-Q1"}, true},
		{"tax.prepare_filing", map[string]any{"period": "2026-Q1"}, false},
		{"tax.prepare_filing", map[string]any{"jurisdiction": "US-CA"}, false},
		{"ledger.reconcile", map[string]any{"account_id": "acc-1"}, true},
		{"ledger.reconcile", map[string]any{}, false},
		{"compliance.review_vendor", map[string]any{"vendor_id": "v-1"}, true},
		{"compliance.review_vendor", nil, false},
		{"analytics.run_report", map[string]any{"report": "cashflow"}, true},
		{"analytics.run_report", map[string]any{"params": map[string]any{"q": 1}}, false},
	}
	for _, tc := range cases {
		err := intent.Validate(tc.commandType, tc.payload)
		if tc.ok && err != nil {
			t.Fatalf("%s %v: unexpected error %v", tc.commandType, tc.payload, err)
		}
		if !tc.ok && err == nil {
			t.Fatalf("%s %v: expected error", tc.commandType, tc.payload)
		}
	}
}

func TestValidateRejectsWrongShape(t *testing.T) {
	err := intent.Validate("analytics.run_report", map[string]any{"report": 42})
	if err == nil {
		t.Fatalf("expected type mismatch error")
	}
}
