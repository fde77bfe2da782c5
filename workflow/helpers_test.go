package workflow

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/ledger_backend/config"
	"bitbucket.org/mmdatafocus/ledger_backend/models"
	"bitbucket.org/mmdatafocus/ledger_backend/utils"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func setupWorkflowDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "workflow.db") + "?_busy_timeout=5000"
	db, err := config.InitDatabase(sqlite.Open(dsn))
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, models.MigrateTable(db))

	prev := config.GetDB()
	config.SetDB(db)
	t.Cleanup(func() {
		config.SetDB(prev)
		_ = sqlDB.Close()
	})
	return db
}

// setupRedis installs a miniredis-backed client as the global Redis client.
func setupRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	prev := config.GetRedisDB()
	config.SetRedisClient(client)
	t.Cleanup(func() {
		config.SetRedisClient(prev)
		_ = client.Close()
	})
	return mr, client
}

func ownerCtx(ownerId string) context.Context {
	return utils.SetOwnerIdInContext(context.Background(), ownerId)
}

func mustAccount(t *testing.T, ownerId string, balance string) *models.Account {
	t.Helper()
	account, err := models.CreateAccount(ownerCtx(ownerId), ownerId, &models.NewAccount{
		Name:           "Main",
		Type:           models.AccountTypeChecking,
		InitialBalance: decimal.RequireFromString(balance),
	})
	require.NoError(t, err)
	return account
}

// mustTemplate creates a recurring expense dated on date; its first due
// date is one interval later.
func mustTemplate(t *testing.T, account *models.Account, amount string, interval models.RecurringInterval, date time.Time) *models.Transaction {
	t.Helper()
	tx, err := models.CreateTransaction(ownerCtx(account.OwnerId), account.OwnerId, &models.NewTransaction{
		AccountId:         account.ID,
		Type:              models.TransactionTypeExpense,
		Amount:            decimal.RequireFromString(amount),
		Category:          "rent",
		Date:              date,
		IsRecurring:       true,
		RecurringInterval: &interval,
	})
	require.NoError(t, err)
	return tx
}

type fakeJobPublisher struct {
	mu       sync.Mutex
	jobs     []config.RecurringJobMessage
	failFor  map[string]bool
	attempts int
}

func (p *fakeJobPublisher) PublishRecurringJob(_ context.Context, msg config.RecurringJobMessage) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attempts++
	if p.failFor[msg.TransactionId] {
		return "", errPublish
	}
	p.jobs = append(p.jobs, msg)
	return "msg-" + msg.TransactionId, nil
}

func (p *fakeJobPublisher) published() []config.RecurringJobMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]config.RecurringJobMessage(nil), p.jobs...)
}

type fakeEventPublisher struct {
	mu     sync.Mutex
	events []config.ChangeEventMessage
	err    error
}

func (p *fakeEventPublisher) PublishChangeEvent(_ context.Context, msg config.ChangeEventMessage) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	p.events = append(p.events, msg)
	return "pub-" + msg.ID, nil
}
