package models

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/ge_backend/config"
)

// setupMySQL starts a throwaway MySQL 8 container so row locks and guarded updates run
// against the production dialect.
func setupMySQL(t *testing.T) {
	t.Helper()
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}
	name, port := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(name) })

	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", port)
	t.Setenv("DB_NAME", "ge_test")
	config.ConnectDatabaseWithRetry()
	config.SetApprovalPolicy(&testPolicy)
	if err := MigrateTable(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() {
		config.SetApprovalPolicy(nil)
		if sqlDB, err := config.GetDB().DB(); err == nil {
			_ = sqlDB.Close()
		}
		config.UseDB(nil)
	})
}

func TestMySQLConcurrentPaymentsNeverOverdraw(t *testing.T) {
	setupMySQL(t)
	ctx := context.Background()

	line := seedBudgetLine(t, 100000)
	c := approvedCommitment(t, line.ID, 5000)
	vouchers := make([]*PaymentVoucher, 10)
	for i := range vouchers {
		vouchers[i] = approvedVoucher(t, c.ID, 1000)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	var paid, rejected int
	for _, v := range vouchers {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			_, err := ProcessPaymentVoucher(ctx, id, processor, &ProcessPaymentVoucherInput{BankReference: fmt.Sprintf("TRX-%d", id)})
			mu.Lock()
			defer mu.Unlock()
			var icb *InsufficientCommitmentBalanceError
			switch {
			case err == nil:
				paid++
			case errors.As(err, &icb):
				rejected++
			default:
				t.Errorf("voucher %d: unexpected error %v", id, err)
			}
		}(v.ID)
	}
	wg.Wait()

	if paid != 5 || rejected != 5 {
		t.Fatalf("expected 5 paid and 5 rejected, got paid=%d rejected=%d", paid, rejected)
	}
	assertCommitment(t, c.ID, 0, CommitmentStatusClosed)
	assertLedger(t, line.ID, 0, 5000, 95000)
}

func TestMySQLConcurrentFinalApprovalsNeverOverspend(t *testing.T) {
	setupMySQL(t)
	ctx := context.Background()

	line := seedBudgetLine(t, 10000)
	ids := make([]int, 5)
	for i := range ids {
		req := submitRequest(t, draftRequest(t, requester, line.ID, 3000, RequestTypeTravel))
		decide(t, req.ID, manager, GEDecisionApprove, "")
		ids[i] = req.ID
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			_, err := AdvanceGERequest(ctx, id, senior, &GEDecisionInput{Decision: GEDecisionApprove})
			var ibe *InsufficientBudgetError
			if err != nil && !errors.As(err, &ibe) {
				t.Errorf("request %d: unexpected error %v", id, err)
			}
		}(id)
	}
	wg.Wait()

	var approved, denied int
	for _, id := range ids {
		req, err := GetGERequest(ctx, id)
		if err != nil {
			t.Fatalf("GetGERequest: %v", err)
		}
		switch req.Status {
		case GERequestStatusApproved:
			approved++
		case GERequestStatusDenied:
			denied++
		}
	}
	if approved != 3 || denied != 2 {
		t.Fatalf("expected 3 approved and 2 auto-denied, got approved=%d denied=%d", approved, denied)
	}
	assertLedger(t, line.ID, 9000, 0, 1000)

	drifts, err := CollectLedgerDrifts(ctx)
	if err != nil {
		t.Fatalf("CollectLedgerDrifts: %v", err)
	}
	if len(drifts) != 0 {
		t.Fatalf("expected no drift, got %+v", drifts)
	}
}

func startMySQLContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("ge-test-mysql-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-e", "MYSQL_ROOT_PASSWORD=testpw",
		"-e", "MYSQL_DATABASE=ge_test",
		"-p", "127.0.0.1:0:3306",
		"mysql:8.0",
	)
	if err != nil {
		t.Fatalf("start mysql container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "3306/tcp")
	if err != nil {
		_ = dockerRmForce(name)
		t.Fatalf("mysql docker port: %v", err)
	}
	deadline := time.Now().Add(120 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := dockerRun("exec", name, "mysqladmin", "ping", "-h", "127.0.0.1", "-ptestpw", "--silent"); err == nil {
			return name, port
		}
		time.Sleep(500 * time.Millisecond)
	}
	_ = dockerRmForce(name)
	t.Fatalf("mysql did not become ready")
	return "", ""
}

func dockerHostPort(container, portProto string) (string, error) {
	out, err := dockerRun("port", container, portProto)
	if err != nil {
		return "", fmt.Errorf("docker port: %w: %s", err, out)
	}
	// Example: "127.0.0.1:49154\n"
	m := regexp.MustCompile(`:(\d+)`).FindStringSubmatch(out)
	if len(m) != 2 {
		return "", fmt.Errorf("unexpected docker port output: %q", out)
	}
	return m[1], nil
}

func dockerRmForce(container string) error {
	if strings.TrimSpace(container) == "" {
		return nil
	}
	_, err := dockerRun("rm", "-f", container)
	return err
}

func dockerRun(args ...string) (string, error) {
	b, err := exec.Command("docker", args...).CombinedOutput()
	return string(b), err
}
