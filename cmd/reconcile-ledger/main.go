// reconcile-ledger runs one ledger sweep and exits non-zero when drift was found.
// Intended for a scheduled job next to the API.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"bitbucket.org/mmdatafocus/ge_backend/config"
	"bitbucket.org/mmdatafocus/ge_backend/workflow"
)

func main() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil)")
		os.Exit(1)
	}

	result, err := workflow.RunLedgerReconciliation(ctx, db, config.GetLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "reconciliation failed: %v\n", err)
		os.Exit(1)
	}
	for _, d := range result.Drifts {
		fmt.Printf("%s %s %d: %s\n", d.CheckType, d.EntityType, d.EntityId, d.Details)
	}
	fmt.Printf("correlation_id=%s drifts=%d\n", result.CorrelationId, len(result.Drifts))
	if len(result.Drifts) > 0 {
		os.Exit(3)
	}
}
