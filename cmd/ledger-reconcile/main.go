package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"bitbucket.org/mmdatafocus/ledger_backend/config"
	"bitbucket.org/mmdatafocus/ledger_backend/models"
)

// ledger-reconcile checks opening balance + persisted transactions against the
// stored balance of every account and records mismatches.
func main() {
	ownerId := flag.String("owner-id", "", "Optional: only reconcile this owner's accounts")
	flag.Parse()

	config.ConnectDatabaseWithRetry()
	if config.GetDB() == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}

	cid, mismatches, err := models.RunLedgerReconciliationChecks(context.Background(), strings.TrimSpace(*ownerId))
	if err != nil {
		fmt.Fprintf(os.Stderr, "reconciliation failed (correlation_id=%s): %v\n", cid, err)
		os.Exit(1)
	}
	for _, m := range mismatches {
		fmt.Printf("%s\t%s\texpected=%s\tactual=%s\n", m.OwnerId, m.AccountId, m.ExpectedBalance, m.ActualBalance)
	}
	fmt.Printf("correlation_id=%s mismatches=%d\n", cid, len(mismatches))
	if len(mismatches) > 0 {
		os.Exit(3)
	}
}
