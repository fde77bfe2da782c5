package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/ledger_backend/config"
	"bitbucket.org/mmdatafocus/ledger_backend/utils"
	mysqlDriver "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	mysqlErrLockWaitTimeout = 1205
	mysqlErrDeadlock        = 1213
)

// runInTransaction executes fn in one DB transaction. Deadlocks and lock-wait
// timeouts roll back and rerun fn from scratch with capped backoff.
func runInTransaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	settings := config.GetTxRetrySettings()
	db := config.GetDB()
	if db == nil {
		return errors.New("database not initialized")
	}

	var err error
	for attempt := 1; attempt <= settings.MaxAttempts; attempt++ {
		err = db.WithContext(ctx).Transaction(fn)
		if err == nil || !isRetryableTxErr(err) {
			return err
		}
		if attempt == settings.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(settings.Backoff(attempt)):
		}
	}
	return fmt.Errorf("transaction retries exhausted after %d attempts: %w", settings.MaxAttempts, err)
}

func isRetryableTxErr(err error) bool {
	var me *mysqlDriver.MySQLError
	if errors.As(err, &me) {
		return me.Number == mysqlErrDeadlock || me.Number == mysqlErrLockWaitTimeout
	}
	return false
}

// forUpdate adds SELECT ... FOR UPDATE. SQLite drops the clause; its single
// writer already serializes.
func forUpdate(tx *gorm.DB) *gorm.DB {
	return tx.Clauses(clause.Locking{Strength: "UPDATE"})
}

func newId() string {
	return uuid.NewString()
}

func correlationIdFromContextOrNew(ctx context.Context) string {
	if ctx != nil {
		if v, ok := utils.GetCorrelationIdFromContext(ctx); ok && v != "" {
			return v
		}
	}
	return uuid.NewString()
}

func requireOwner(ownerId string) error {
	if ownerId == "" {
		return fieldError("owner_id", "required")
	}
	return nil
}
