package config

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

var (
	db *gorm.DB
)

func GetDB() *gorm.DB {
	return db
}

// SetDB replaces the global handle. Used by tests and one-off tools that open
// their own dialector.
func SetDB(d *gorm.DB) {
	db = d
}

func init() {
	// Load env from .env
	godotenv.Load()
	// IMPORTANT (Cloud Run):
	// Do NOT block startup in init() waiting for DB.
}

// MySQLDSN builds the connection string from DB_* env vars.
// DB_HOST may be "/cloudsql/<CONNECTION_NAME>" to use the Cloud SQL unix socket.
func MySQLDSN() string {
	dbUser := os.Getenv("DB_USER")
	dbPassword := os.Getenv("DB_PASSWORD")
	dbHost := os.Getenv("DB_HOST")
	dbPort := os.Getenv("DB_PORT")
	dbName := os.Getenv("DB_NAME")

	network := "tcp"
	address := fmt.Sprintf("%s:%s", dbHost, dbPort)
	if strings.HasPrefix(dbHost, "/cloudsql/") {
		network = "unix"
		address = dbHost
	}

	return fmt.Sprintf("%s:%s@%s(%s)/%s?multiStatements=true&parseTime=true&loc=UTC",
		dbUser,
		dbPassword,
		network,
		address,
		dbName,
	)
}

// InitDatabase opens a gorm handle on the given dialector and installs the
// plugins every handle in this service carries.
func InitDatabase(dialector gorm.Dialector) (*gorm.DB, error) {
	d, err := gorm.Open(dialector, initConfig())
	if err != nil {
		return nil, err
	}
	if pluginErr := d.Use(otelgorm.NewPlugin()); pluginErr != nil {
		// tracing is optional; the handle still works without it
		LogError(GetLogger(), "database.go", "InitDatabase", "install otelgorm plugin", nil, pluginErr)
	}
	if pluginErr := d.Use(NewOwnerGuardPlugin()); pluginErr != nil {
		return nil, fmt.Errorf("install owner guard plugin: %w", pluginErr)
	}
	return d, nil
}

// ConnectDatabaseWithRetry connects and sets the global DB.
// Call this from main() AFTER the HTTP server is listening.
func ConnectDatabaseWithRetry() {
	dsn := MySQLDSN()
	dialWithRetry("Database", logrus.Fields{"host": os.Getenv("DB_HOST"), "name": os.Getenv("DB_NAME")}, func() error {
		conn, err := InitDatabase(mysql.Open(dsn))
		if err != nil {
			return err
		}
		if sqlDB, err := conn.DB(); err == nil {
			applyPoolSettings(sqlDB)
		}
		db = conn
		return nil
	})
}

// applyPoolSettings reads DB_MAX_OPEN_CONNS (default 50), DB_MAX_IDLE_CONNS
// (25), DB_CONN_MAX_LIFETIME_SECONDS (300) and DB_CONN_MAX_IDLE_TIME_SECONDS (60).
func applyPoolSettings(sqlDB *sql.DB) {
	sqlDB.SetMaxOpenConns(positiveIntFromEnv("DB_MAX_OPEN_CONNS", 50))
	sqlDB.SetMaxIdleConns(positiveIntFromEnv("DB_MAX_IDLE_CONNS", 25))
	sqlDB.SetConnMaxLifetime(time.Duration(positiveIntFromEnv("DB_CONN_MAX_LIFETIME_SECONDS", 300)) * time.Second)
	sqlDB.SetConnMaxIdleTime(time.Duration(positiveIntFromEnv("DB_CONN_MAX_IDLE_TIME_SECONDS", 60)) * time.Second)
}

func initConfig() *gorm.Config {
	return &gorm.Config{
		Logger:         initLog(),
		NamingStrategy: initNamingStrategy(),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}
}

func initLog() logger.Interface {
	level := logger.Error
	if os.Getenv("GORM_LOG") == "info" {
		level = logger.Info
	}
	return logger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		logger.Config{
			Colorful:                  false,
			LogLevel:                  level,
			SlowThreshold:             time.Second,
			IgnoreRecordNotFoundError: true,
		},
	)
}

func initNamingStrategy() *schema.NamingStrategy {
	return &schema.NamingStrategy{
		SingularTable: false,
		TablePrefix:   "",
	}
}
