package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/ledger_backend/config"
	"bitbucket.org/mmdatafocus/ledger_backend/models"
	"bitbucket.org/mmdatafocus/ledger_backend/workflow"
)

// recurring-scan runs one scan of due recurring templates outside the cron
// schedule, e.g. after an outage.
func main() {
	nowStr := flag.String("now", "", "Optional: scan as of this RFC3339 time (default: current time)")
	dryRun := flag.Bool("dry-run", false, "List due templates without publishing jobs")
	noLock := flag.Bool("no-lock", false, "Skip Redis and the single-scanner lock")
	flag.Parse()

	now := time.Now().UTC()
	if s := strings.TrimSpace(*nowStr); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid --now: %v\n", err)
			os.Exit(1)
		}
		now = t.UTC()
	}

	config.ConnectDatabaseWithRetry()
	if config.GetDB() == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}
	ctx := context.Background()
	settings := config.GetRecurringSettings()

	if *dryRun {
		afterId := ""
		total := 0
		for {
			due, err := models.FindDueRecurringTemplates(ctx, now, afterId, settings.ScanBatchSize)
			if err != nil {
				fmt.Fprintf(os.Stderr, "scan failed: %v\n", err)
				os.Exit(1)
			}
			for _, t := range due {
				fmt.Printf("%s\t%s\t%s\n", t.OwnerId, t.TransactionId, t.NextRecurringDate.Format(time.RFC3339))
			}
			total += len(due)
			if len(due) < settings.ScanBatchSize {
				break
			}
			afterId = due[len(due)-1].TransactionId
		}
		fmt.Printf("due templates: %d\n", total)
		return
	}

	if !*noLock {
		config.ConnectRedisWithRetry()
	}
	scheduler := workflow.NewRecurringScheduler(config.PubSubPublisher{Topic: settings.JobsTopic}, config.GetLogger())
	scheduler.Now = func() time.Time { return now }

	result, err := scheduler.ScanDueTemplates(ctx)
	config.ClosePubSub()
	if errors.Is(err, workflow.ErrScanInProgress) {
		fmt.Fprintln(os.Stderr, "another scan holds the lock; try again later")
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "scan failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("correlation_id=%s found=%d published=%d failed=%d\n", result.CorrelationId, result.Found, result.Published, result.Failed)
	if result.Failed > 0 {
		os.Exit(1)
	}
}
