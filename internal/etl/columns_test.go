package etl

import "testing"

func TestDiscoverColumns(t *testing.T) {
	headers := []string{
		"description",             // 0
		"billing_class",           // 1 (unmapped)
		"setting",                 // 2
		"code|1",                  // 3
		"code|1|type",             // 4
		"code|2",                  // 5
		"code|2|type",             // 6
		"modifiers",               // 7
		"standard_charge|gross",   // 8
		"standard_charge|discounted_cash",      // 9
		"standard_charge|min",                  // 10
		"standard_charge|max",                  // 11
		"payer_name",                           // 12
		"plan_name",                            // 13
		"standard_charge|negotiated_dollar",    // 14
		"standard_charge|negotiated_percentage", // 15
		"standard_charge|negotiated_algorithm", // 16
		"estimated_amount",                     // 17
		"standard_charge|methodology",          // 18
		"additional_generic_notes",             // 19
	}

	m, err := DiscoverColumns(headers)
	if err != nil {
		t.Fatalf("DiscoverColumns: %v", err)
	}

	if m.Description != 0 || m.Setting != 2 || m.Modifiers != 7 {
		t.Errorf("description=%d setting=%d modifiers=%d", m.Description, m.Setting, m.Modifiers)
	}
	if m.Gross != 8 || m.DiscountedCash != 9 || m.Min != 10 || m.Max != 11 {
		t.Errorf("charge columns: gross=%d cash=%d min=%d max=%d", m.Gross, m.DiscountedCash, m.Min, m.Max)
	}
	if m.PayerName != 12 || m.PlanName != 13 {
		t.Errorf("payer=%d plan=%d", m.PayerName, m.PlanName)
	}
	if m.NegotiatedDollar != 14 || m.NegotiatedPercentage != 15 || m.NegotiatedAlgorithm != 16 {
		t.Errorf("negotiated columns: dollar=%d pct=%d algo=%d", m.NegotiatedDollar, m.NegotiatedPercentage, m.NegotiatedAlgorithm)
	}
	if m.EstimatedAmount != 17 || m.Methodology != 18 || m.AdditionalNotes != 19 {
		t.Errorf("est=%d methodology=%d notes=%d", m.EstimatedAmount, m.Methodology, m.AdditionalNotes)
	}

	if len(m.CodePairs) != 2 {
		t.Fatalf("code pairs = %d, want 2", len(m.CodePairs))
	}
	if m.CodePairs[0].CodeIdx != 3 || m.CodePairs[0].TypeIdx != 4 {
		t.Errorf("pair 1 = %+v", m.CodePairs[0])
	}
	if m.CodePairs[1].CodeIdx != 5 || m.CodePairs[1].TypeIdx != 6 {
		t.Errorf("pair 2 = %+v", m.CodePairs[1])
	}
}

func TestDiscoverColumnsSpellingVariants(t *testing.T) {
	// Header naming varies per hospital; matching runs on the normalized
	// form so spacing, case and separators should not matter.
	headers := []string{"Procedure Description", "Patient Setting", "Code 1", "Code 1 Type", "Gross Charge"}
	m, err := DiscoverColumns(headers)
	if err != nil {
		t.Fatalf("DiscoverColumns: %v", err)
	}
	if m.Description != 0 || m.Setting != 1 || m.Gross != 4 {
		t.Errorf("description=%d setting=%d gross=%d", m.Description, m.Setting, m.Gross)
	}
	if len(m.CodePairs) != 1 || m.CodePairs[0].CodeIdx != 2 || m.CodePairs[0].TypeIdx != 3 {
		t.Errorf("code pairs = %+v", m.CodePairs)
	}
}

func TestDiscoverColumnsUnpairedCode(t *testing.T) {
	headers := []string{"description", "setting", "code|1"}
	m, err := DiscoverColumns(headers)
	if err != nil {
		t.Fatalf("DiscoverColumns: %v", err)
	}
	if len(m.CodePairs) != 1 || m.CodePairs[0].TypeIdx != -1 {
		t.Errorf("code pairs = %+v, want one pair with no type column", m.CodePairs)
	}
}

func TestDiscoverColumnsMissingRequired(t *testing.T) {
	if _, err := DiscoverColumns([]string{"code|1", "code|1|type", "setting"}); err == nil {
		t.Error("no error for header without description")
	}
	if _, err := DiscoverColumns([]string{"description", "setting"}); err == nil {
		t.Error("no error for header without code columns")
	}
}

func TestDiscoverColumnsFirstMatchWins(t *testing.T) {
	// Two headers hit the same rule; the leftmost column keeps the slot.
	headers := []string{"description", "setting", "code|1", "minimum", "min_negotiated"}
	m, err := DiscoverColumns(headers)
	if err != nil {
		t.Fatalf("DiscoverColumns: %v", err)
	}
	if m.Min != 3 {
		t.Errorf("min = %d, want first matching column 3", m.Min)
	}
}
