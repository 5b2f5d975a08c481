package workflow

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"bitbucket.org/mmdatafocus/ge_backend/config"
	"bitbucket.org/mmdatafocus/ge_backend/models"
)

var (
	requester   = models.Actor{Id: 1, Name: "Aye Aye", Roles: []models.Role{models.RoleRequester}}
	budgetOwner = models.Actor{Id: 8, Name: "Budget Office", Roles: []models.Role{models.RoleBudgetOfficer}}
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "ge.db") + "?_pragma=busy_timeout(5000)"
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
	if err := models.MigrateTable(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() {
		config.UseDB(nil)
		_ = sqlDB.Close()
	})
	return db
}

// submittedRequest leaves exactly one pending notification in the outbox.
func submittedRequest(t *testing.T) *models.GERequest {
	t.Helper()
	ctx := context.Background()
	line, err := models.CreateBudgetLine(ctx, budgetOwner, &models.NewBudgetLine{
		CostCentreId:   "CC-ADMIN",
		FiscalYear:     2026,
		LineCode:       "6100",
		OriginalAmount: decimal.NewFromInt(10000),
	})
	if err != nil {
		t.Fatalf("CreateBudgetLine: %v", err)
	}
	req, err := models.CreateGERequest(ctx, requester, &models.NewGERequest{
		BudgetLineId: line.ID,
		RequestType:  models.RequestTypeTravel,
		Title:        "Site visit",
		Amount:       decimal.NewFromInt(300),
	})
	if err != nil {
		t.Fatalf("CreateGERequest: %v", err)
	}
	if _, err := models.SubmitGERequest(ctx, req.ID, requester); err != nil {
		t.Fatalf("SubmitGERequest: %v", err)
	}
	return req
}

func loadNotification(t *testing.T, db *gorm.DB, reqId int) models.NotificationRecord {
	t.Helper()
	var rec models.NotificationRecord
	if err := db.Where("reference_type = ? AND reference_id = ?", "GERequest", reqId).Take(&rec).Error; err != nil {
		t.Fatalf("load notification: %v", err)
	}
	return rec
}

func TestDispatcherPublishesPending(t *testing.T) {
	db := setupTestDB(t)
	req := submittedRequest(t)

	var published []config.NotificationMessage
	d := NewNotificationDispatcher(db, config.GetLogger())
	d.Publish = func(ctx context.Context, msg config.NotificationMessage) (string, error) {
		published = append(published, msg)
		return "msg-1", nil
	}

	if n := d.DispatchOnce(context.Background()); n != 1 {
		t.Fatalf("expected one claimed row, got %d", n)
	}
	if len(published) != 1 || published[0].EventType != models.EventGERequestSubmitted || published[0].ReferenceId != req.ID {
		t.Fatalf("unexpected published messages: %+v", published)
	}
	if len(published[0].Recipients) != 1 || published[0].Recipients[0] != "role:Manager" {
		t.Fatalf("expected the manager role as recipient, got %v", published[0].Recipients)
	}

	rec := loadNotification(t, db, req.ID)
	if rec.PublishStatus != models.OutboxPublishStatusSent || rec.PubSubMessageId == nil || *rec.PubSubMessageId != "msg-1" {
		t.Fatalf("expected SENT row, got %+v", rec)
	}
	if n := d.DispatchOnce(context.Background()); n != 0 {
		t.Fatalf("sent rows must not be claimed again, got %d", n)
	}
}

func TestDispatcherRetriesThenDeadThenReplay(t *testing.T) {
	db := setupTestDB(t)
	req := submittedRequest(t)
	ctx := context.Background()

	fail := true
	d := NewNotificationDispatcher(db, config.GetLogger())
	d.MaxAttempts = 2
	d.Publish = func(ctx context.Context, msg config.NotificationMessage) (string, error) {
		if fail {
			return "", errors.New("topic unavailable")
		}
		return "msg-2", nil
	}

	d.DispatchOnce(ctx)
	rec := loadNotification(t, db, req.ID)
	if rec.PublishStatus != models.OutboxPublishStatusFailed || rec.PublishAttempts != 1 || rec.NextAttemptAt == nil {
		t.Fatalf("expected FAILED with a retry time, got %+v", rec)
	}

	// not due yet
	if n := d.DispatchOnce(ctx); n != 0 {
		t.Fatalf("expected backoff to hold the row, claimed %d", n)
	}

	if err := db.Model(&models.NotificationRecord{}).Where("id = ?", rec.ID).Update("next_attempt_at", nil).Error; err != nil {
		t.Fatalf("reset backoff: %v", err)
	}
	d.DispatchOnce(ctx)
	rec = loadNotification(t, db, req.ID)
	if rec.PublishStatus != models.OutboxPublishStatusDead || rec.PublishAttempts != 2 {
		t.Fatalf("expected DEAD after two attempts, got %+v", rec)
	}

	replayed, err := models.ReplayDeadNotifications(ctx, 10)
	if err != nil {
		t.Fatalf("ReplayDeadNotifications: %v", err)
	}
	if replayed != 1 {
		t.Fatalf("expected one replayed row, got %d", replayed)
	}

	fail = false
	d.DispatchOnce(ctx)
	rec = loadNotification(t, db, req.ID)
	if rec.PublishStatus != models.OutboxPublishStatusSent {
		t.Fatalf("expected SENT after replay, got %+v", rec)
	}
}

func TestBackoffFor(t *testing.T) {
	if got := backoffFor(5e9, 1); got != 5e9 {
		t.Fatalf("first attempt: got %v", got)
	}
	if got := backoffFor(5e9, 3); got != 20e9 {
		t.Fatalf("third attempt: got %v", got)
	}
	if got := backoffFor(5e9, 30); got != 600e9 {
		t.Fatalf("cap: got %v", got)
	}
}

func TestRunLedgerReconciliation(t *testing.T) {
	db := setupTestDB(t)
	submittedRequest(t)
	ctx := context.Background()

	result, err := RunLedgerReconciliation(ctx, db, config.GetLogger())
	if err != nil {
		t.Fatalf("RunLedgerReconciliation: %v", err)
	}
	if len(result.Drifts) != 0 {
		t.Fatalf("expected a clean ledger, got %+v", result.Drifts)
	}

	if err := db.Model(&models.BudgetLine{}).Where("1 = 1").Update("available_amount", decimal.NewFromInt(9999)).Error; err != nil {
		t.Fatalf("tamper: %v", err)
	}
	result, err = RunLedgerReconciliation(ctx, db, config.GetLogger())
	if err != nil {
		t.Fatalf("RunLedgerReconciliation: %v", err)
	}
	if len(result.Drifts) != 1 || result.Drifts[0].CheckType != models.CheckTypeBudgetLineSum {
		t.Fatalf("expected one sum drift, got %+v", result.Drifts)
	}

	reports, err := models.ListReconciliationReports(ctx, result.CorrelationId)
	if err != nil {
		t.Fatalf("ListReconciliationReports: %v", err)
	}
	if len(reports) != 1 || reports[0].EntityType != "BudgetLine" {
		t.Fatalf("expected one stored report, got %+v", reports)
	}
}
