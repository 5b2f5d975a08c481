package models

import (
	"context"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"bitbucket.org/mmdatafocus/ge_backend/config"
)

var (
	requester   = Actor{Id: 1, Name: "Aye Aye", Roles: []Role{RoleRequester}}
	manager     = Actor{Id: 2, Name: "Ko Ko", Roles: []Role{RoleManager, RoleRequester}}
	senior      = Actor{Id: 3, Name: "Daw Hla", Roles: []Role{RoleSeniorApprover}}
	executive   = Actor{Id: 4, Name: "U Ba", Roles: []Role{RoleExecutiveApprover}}
	clerk       = Actor{Id: 5, Name: "Mya Mya", Roles: []Role{RoleFinanceClerk}}
	finApprover = Actor{Id: 6, Name: "Zaw Zaw", Roles: []Role{RoleFinanceApprover}}
	processor   = Actor{Id: 7, Name: "Thida", Roles: []Role{RolePaymentProcessor}}
	budgetOwner = Actor{Id: 8, Name: "Budget Office", Roles: []Role{RoleBudgetOfficer}}
)

const testFiscalYear = 2026

var lineSeq atomic.Int64

// setupTestDB opens a fresh file-backed SQLite database for one test. A single connection
// serializes transactions, which stands in for row locks.
func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "ge.db") + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := gorm.Open(sqlite.Open(dsn), config.GormConfig())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	config.UseDB(db)
	config.SetApprovalPolicy(&testPolicy)
	if err := MigrateTable(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() {
		config.SetApprovalPolicy(nil)
		config.UseDB(nil)
		_ = sqlDB.Close()
	})
	return db
}

func dec(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func seedBudgetLine(t *testing.T, original int64) *BudgetLine {
	t.Helper()
	line, err := CreateBudgetLine(context.Background(), budgetOwner, &NewBudgetLine{
		CostCentreId:   "CC-ADMIN",
		FiscalYear:     testFiscalYear,
		LineCode:       fmt.Sprintf("GL-%04d", lineSeq.Add(1)),
		Description:    "Office supplies",
		OriginalAmount: dec(original),
	})
	if err != nil {
		t.Fatalf("CreateBudgetLine: %v", err)
	}
	return line
}

func draftRequest(t *testing.T, owner Actor, budgetLineId int, amount int64, typ RequestType) *GERequest {
	t.Helper()
	ctx := context.Background()
	req, err := CreateGERequest(ctx, owner, &NewGERequest{
		BudgetLineId: budgetLineId,
		RequestType:  typ,
		Title:        "Printer toner",
		Payee:        "Acme Supplies",
		Amount:       dec(amount),
	})
	if err != nil {
		t.Fatalf("CreateGERequest: %v", err)
	}
	for i := 0; i < QuotesRequired(typ, dec(amount)); i++ {
		if _, err := AddGERequestAttachment(ctx, req.ID, owner, &NewDocument{
			Kind:        DocumentKindQuote,
			DocumentUrl: "ge/quotes/quote.pdf",
		}); err != nil {
			t.Fatalf("AddGERequestAttachment: %v", err)
		}
	}
	return req
}

func submitRequest(t *testing.T, req *GERequest) *GERequest {
	t.Helper()
	out, err := SubmitGERequest(context.Background(), req.ID, requesterOf(req))
	if err != nil {
		t.Fatalf("SubmitGERequest: %v", err)
	}
	return out
}

func requesterOf(req *GERequest) Actor {
	if req.RequesterId == manager.Id {
		return manager
	}
	return requester
}

func decide(t *testing.T, id int, actor Actor, decision GEDecision, comment string) *GERequest {
	t.Helper()
	out, err := AdvanceGERequest(context.Background(), id, actor, &GEDecisionInput{Decision: decision, Comment: comment})
	if err != nil {
		t.Fatalf("AdvanceGERequest(%s by %s): %v", decision, actor.Name, err)
	}
	return out
}

// approvedCommitment runs a request through the two-stage route and returns its commitment.
func approvedCommitment(t *testing.T, budgetLineId int, amount int64) *Commitment {
	t.Helper()
	req := submitRequest(t, draftRequest(t, requester, budgetLineId, amount, RequestTypeGoods))
	decide(t, req.ID, manager, GEDecisionApprove, "")
	decide(t, req.ID, senior, GEDecisionApprove, "")
	c, err := GetCommitmentByRequest(context.Background(), req.ID)
	if err != nil {
		t.Fatalf("GetCommitmentByRequest: %v", err)
	}
	return c
}

func eftVoucher(amount int64) *NewPaymentVoucher {
	return &NewPaymentVoucher{
		Payee:         "Acme Supplies",
		Amount:        dec(amount),
		PaymentMethod: PaymentMethodEFT,
		BankName:      "KBZ",
		AccountNumber: "0012345678",
	}
}

func approvedVoucher(t *testing.T, commitmentId int, amount int64) *PaymentVoucher {
	t.Helper()
	ctx := context.Background()
	v, err := CreatePaymentVoucher(ctx, commitmentId, clerk, eftVoucher(amount), "")
	if err != nil {
		t.Fatalf("CreatePaymentVoucher: %v", err)
	}
	v, err = ApprovePaymentVoucher(ctx, v.ID, finApprover)
	if err != nil {
		t.Fatalf("ApprovePaymentVoucher: %v", err)
	}
	return v
}

func assertLedger(t *testing.T, budgetLineId int, committed, expended, available int64) {
	t.Helper()
	line, err := GetBudgetLine(context.Background(), budgetLineId)
	if err != nil {
		t.Fatalf("GetBudgetLine: %v", err)
	}
	if !line.CommittedAmount.Equal(dec(committed)) || !line.ExpendedAmount.Equal(dec(expended)) || !line.AvailableAmount.Equal(dec(available)) {
		t.Fatalf("ledger: expected committed=%d expended=%d available=%d, got committed=%s expended=%s available=%s",
			committed, expended, available, line.CommittedAmount, line.ExpendedAmount, line.AvailableAmount)
	}
	if drift := budgetLineDrift(*line); drift != "" {
		t.Fatalf("ledger sum invariant broken: %s", drift)
	}
}

func assertCommitment(t *testing.T, id int, remaining int64, status CommitmentStatus) *Commitment {
	t.Helper()
	c, err := GetCommitment(context.Background(), id)
	if err != nil {
		t.Fatalf("GetCommitment: %v", err)
	}
	if !c.RemainingAmount.Equal(dec(remaining)) || c.Status != status {
		t.Fatalf("commitment: expected remaining=%d status=%s, got remaining=%s status=%s", remaining, status, c.RemainingAmount, c.Status)
	}
	return c
}
