package models

import (
	"context"
	"testing"
)

func TestBudgetLineDrift(t *testing.T) {
	ok := BudgetLine{OriginalAmount: dec(100), CommittedAmount: dec(30), ExpendedAmount: dec(20), AvailableAmount: dec(50)}
	if d := budgetLineDrift(ok); d != "" {
		t.Fatalf("expected no drift, got %q", d)
	}
	off := ok
	off.AvailableAmount = dec(51)
	if d := budgetLineDrift(off); d == "" {
		t.Fatalf("expected sum drift")
	}
	negative := BudgetLine{OriginalAmount: dec(0), CommittedAmount: dec(10), AvailableAmount: dec(-10)}
	if d := budgetLineDrift(negative); d == "" {
		t.Fatalf("expected negative figure drift")
	}
}

func TestCommitmentDrift(t *testing.T) {
	c := Commitment{Amount: dec(5000), RemainingAmount: dec(2000)}
	if d := commitmentDrift(c, dec(3000)); d != "" {
		t.Fatalf("expected no drift, got %q", d)
	}
	if d := commitmentDrift(c, dec(2500)); d == "" {
		t.Fatalf("expected remaining drift")
	}
	if d := commitmentDrift(c, dec(6000)); d == "" {
		t.Fatalf("expected overpaid drift")
	}
}

func TestCollectLedgerDriftsFindsTampering(t *testing.T) {
	db := setupTestDB(t)
	line := seedBudgetLine(t, 500000)
	ctx := context.Background()
	c := approvedCommitment(t, line.ID, 5000)
	v := approvedVoucher(t, c.ID, 2000)
	if _, err := ProcessPaymentVoucher(ctx, v.ID, processor, &ProcessPaymentVoucherInput{}); err != nil {
		t.Fatalf("ProcessPaymentVoucher: %v", err)
	}

	drifts, err := CollectLedgerDrifts(ctx)
	if err != nil {
		t.Fatalf("CollectLedgerDrifts: %v", err)
	}
	if len(drifts) != 0 {
		t.Fatalf("expected a clean ledger, got %+v", drifts)
	}

	if err := db.Model(&Commitment{}).Where("id = ?", c.ID).Update("remaining_amount", dec(2500)).Error; err != nil {
		t.Fatalf("tamper: %v", err)
	}
	drifts, err = CollectLedgerDrifts(ctx)
	if err != nil {
		t.Fatalf("CollectLedgerDrifts: %v", err)
	}
	kinds := map[string]int{}
	for _, d := range drifts {
		kinds[d.CheckType]++
	}
	if kinds[CheckTypeCommitmentBalance] != 1 || kinds[CheckTypeBudgetLineRollup] != 1 || kinds[CheckTypeBudgetLineSum] != 0 {
		t.Fatalf("unexpected drifts: %+v", drifts)
	}
}
