package database

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/welldanyogia/certbroker/internal/models"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Connection pool configuration
const (
	DefaultMaxIdleConns    = 10
	DefaultMaxOpenConns    = 100
	DefaultConnMaxLifetime = time.Hour
	DefaultConnMaxIdleTime = 10 * time.Minute
)

const sqlitePrefix = "sqlite://"

// Options controls how Connect opens the database.
type Options struct {
	URL        string
	Production bool
	LogLevel   logger.LogLevel
}

// Connect opens a PostgreSQL database, or SQLite when the URL starts with
// sqlite:// (local development and tests).
func Connect(opts Options, log zerolog.Logger) (*gorm.DB, error) {
	if opts.LogLevel == 0 {
		opts.LogLevel = logger.Warn
	}
	cfg := &gorm.Config{Logger: logger.Default.LogMode(opts.LogLevel)}

	if IsSQLite(opts.URL) {
		if opts.Production {
			return nil, fmt.Errorf("sqlite cannot be used in production")
		}
		return connectSQLite(strings.TrimPrefix(opts.URL, sqlitePrefix), cfg, log)
	}

	if opts.Production {
		if err := validateSSLMode(opts.URL); err != nil {
			return nil, err
		}
	}

	db, err := gorm.Open(postgres.Open(opts.URL), cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := configureConnectionPool(db); err != nil {
		return nil, err
	}

	log.Info().Str("driver", "postgres").Msg("connected to database")
	return db, nil
}

// OpenInMemory opens a private in-memory SQLite database with the schema migrated.
func OpenInMemory() (*gorm.DB, error) {
	db, err := connectSQLite(":memory:", &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}, zerolog.Nop())
	if err != nil {
		return nil, err
	}
	if err := Migrate(db, zerolog.Nop()); err != nil {
		return nil, err
	}
	return db, nil
}

// IsSQLite reports whether url selects the SQLite driver.
func IsSQLite(url string) bool {
	return strings.HasPrefix(url, sqlitePrefix)
}

func connectSQLite(dsn string, cfg *gorm.Config, log zerolog.Logger) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(dsn), cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	// Every connection to ":memory:" is a separate database, and SQLite has
	// no row locks, so writers are serialized through one connection.
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxLifetime(0)
	sqlDB.SetConnMaxIdleTime(0)

	log.Info().Str("driver", "sqlite").Str("dsn", dsn).Msg("connected to database")
	return db, nil
}

// validateSSLMode ensures SSL is enabled in production
func validateSSLMode(databaseURL string) error {
	if strings.Contains(databaseURL, "sslmode=disable") {
		return fmt.Errorf("SSL mode cannot be disabled in production")
	}
	return nil
}

// configureConnectionPool sets up connection pool limits
func configureConnectionPool(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	sqlDB.SetMaxIdleConns(DefaultMaxIdleConns)
	sqlDB.SetMaxOpenConns(DefaultMaxOpenConns)
	sqlDB.SetConnMaxLifetime(DefaultConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(DefaultConnMaxIdleTime)

	return nil
}

// Models lists every persisted model in migration order.
func Models() []any {
	return []any{
		&models.User{},
		&models.Product{},
		&models.Order{},
		&models.Cert{},
		&models.Transaction{},
		&models.InvoiceLimit{},
		&models.CnameDelegation{},
		&models.Task{},
		&models.AcmeAccount{},
		&models.Authorization{},
	}
}

// immutableTables get a trigger on PostgreSQL so that raw SQL cannot bypass
// the model hooks either.
var immutableTables = []string{"transactions", "invoice_limits"}

// Migrate runs auto-migration for all models
func Migrate(db *gorm.DB, log zerolog.Logger) error {
	log.Info().Msg("running database migrations")

	if err := db.AutoMigrate(Models()...); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	if db.Dialector.Name() == "postgres" {
		if err := installImmutabilityTriggers(db); err != nil {
			return err
		}
	}

	log.Info().Msg("database migrations completed")
	return nil
}

func installImmutabilityTriggers(db *gorm.DB) error {
	fn := `CREATE OR REPLACE FUNCTION refuse_ledger_mutation() RETURNS trigger AS $$
BEGIN
	RAISE EXCEPTION 'ledger entries are immutable';
END;
$$ LANGUAGE plpgsql`
	if err := db.Exec(fn).Error; err != nil {
		return fmt.Errorf("failed to create immutability function: %w", err)
	}

	for _, table := range immutableTables {
		stmts := []string{
			fmt.Sprintf("DROP TRIGGER IF EXISTS %s_immutable ON %s", table, table),
			fmt.Sprintf("CREATE TRIGGER %s_immutable BEFORE UPDATE OR DELETE ON %s FOR EACH ROW EXECUTE FUNCTION refuse_ledger_mutation()", table, table),
		}
		for _, stmt := range stmts {
			if err := db.Exec(stmt).Error; err != nil {
				return fmt.Errorf("failed to install trigger on %s: %w", table, err)
			}
		}
	}
	return nil
}

// Close closes the database connection
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	return sqlDB.Close()
}
