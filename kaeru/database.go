package kaeru

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/lmittmann/tint"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const (
	dbTypeSQLite   = "sqlite"
	dbTypePostgres = "postgres"
)

var (
	sqliteMaxOpenConns    = 1
	sqliteMaxIdleConns    = 1
	sqliteMaxConnLifetime = 5 * time.Minute
	sqliteExecPragma      = []string{
		"pragma journal_mode=WAL;",
		"pragma synchronous = normal;",
		"pragma temp_store = memory;",
		"pragma foreign_keys = ON;",
	}
	dbOperationTimeout = 30 * time.Second

	// ErrKeyNotFound is returned by [KVStore.Get] when no record exists
	// under the given key.
	ErrKeyNotFound = errors.New("key not found")
)

// KVRecord is the single GORM model backing the key-value store. Every
// ticket, user-state, guild-config, counter, and cooldown record is one
// row, with its JSON-encoded document in Value.
type KVRecord struct {
	Key       string `gorm:"primaryKey;type:string" json:"key"`
	Value     string `gorm:"type:string" json:"value"`
	CreatedAt int64  `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
	UpdatedAt int64  `gorm:"autoUpdateTime:milli" json:"updated_at,omitempty"`
}

// KVStore is the record-store contract the ticket manager depends on.
// There are no transactions and no optimistic locking: multi-step updates
// are serialized by the manager, not the store.
type KVStore interface {
	// Get unmarshals the record stored under key into out. Returns
	// [ErrKeyNotFound] if no record exists.
	Get(ctx context.Context, key string, out any) error

	// Set stores record (JSON-encoded) under key, replacing any
	// existing record.
	Set(ctx context.Context, key string, record any) error

	// Delete removes the record stored under key. Deleting a missing
	// key is not an error.
	Delete(ctx context.Context, key string) error

	DB() *gorm.DB
}

// kvDatabase implements KVStore on a GORM connection. Writes are
// serialized with a mutex when concurrent writes are disabled (always
// the case for SQLite).
type kvDatabase struct {
	db                     *gorm.DB
	mu                     sync.Mutex
	logger                 *slog.Logger
	enableConcurrentWrites bool
}

// NewKVStore initializes a new KVStore backed by the given GORM
// connection. If log is nil, a default logger is used.
func NewKVStore(
	db *gorm.DB,
	log *slog.Logger,
	enableConcurrentWrites bool,
) KVStore {
	if log == nil {
		log = slog.Default()
	}
	return &kvDatabase{
		db:                     db,
		logger:                 log.With(loggerNameKey, "kvstore"),
		enableConcurrentWrites: enableConcurrentWrites,
	}
}

func (d *kvDatabase) DB() *gorm.DB {
	return d.db
}

func (d *kvDatabase) Get(ctx context.Context, key string, out any) error {
	ctx, cancel := d.opContext(ctx)
	defer cancel()

	var rec KVRecord
	err := d.db.WithContext(ctx).Where("key = ?", key).First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrKeyNotFound
		}
		return err
	}
	if out == nil {
		return nil
	}
	if e := json.Unmarshal([]byte(rec.Value), out); e != nil {
		return fmt.Errorf("error unmarshaling record %q: %w", key, e)
	}
	return nil
}

func (d *kvDatabase) Set(ctx context.Context, key string, record any) error {
	if !d.enableConcurrentWrites {
		d.mu.Lock()
		defer d.mu.Unlock()
	}
	ctx, cancel := d.opContext(ctx)
	defer cancel()

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("error marshaling record %q: %w", key, err)
	}
	rec := KVRecord{Key: key, Value: string(data)}
	rv := d.db.WithContext(ctx).Save(&rec)
	if rv.Error != nil {
		d.logger.ErrorContext(
			ctx,
			"error saving record",
			"key", key,
			tint.Err(rv.Error),
		)
	}
	return rv.Error
}

func (d *kvDatabase) Delete(ctx context.Context, key string) error {
	if !d.enableConcurrentWrites {
		d.mu.Lock()
		defer d.mu.Unlock()
	}
	ctx, cancel := d.opContext(ctx)
	defer cancel()

	rv := d.db.WithContext(ctx).Delete(&KVRecord{}, "key = ?", key)
	return rv.Error
}

// opContext applies the default operation timeout when the caller's
// context has no deadline of its own.
func (d *kvDatabase) opContext(ctx context.Context) (
	context.Context,
	context.CancelFunc,
) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, dbOperationTimeout)
}

// CreateDB initializes and returns a GORM database connection based on
// the specified database type, and migrates the record store and
// interaction log tables.
//
// Parameters:
//   - ctx: The context for the database operations.
//   - databaseType: The type of the database, must be 'sqlite' or 'postgres'.
//   - database: The database connection string, or SQLite file path.
func CreateDB(ctx context.Context, databaseType string, database string) (*gorm.DB, error) {
	handler := tint.NewHandler(
		os.Stdout,
		&tint.Options{
			Level:     slog.LevelWarn,
			AddSource: true,
		},
	)

	gormLogger := newGORMLogger(handler, DefaultDatabaseSlowThreshold)
	dbLogger := slog.New(handler)

	dbLogger.InfoContext(
		ctx,
		"Initializing database",
		"database_type", databaseType,
		"database", database,
	)
	db, err := getDB(databaseType, database, gormLogger)
	if err != nil {
		return db, err
	}

	if databaseType == dbTypeSQLite {
		sqlDB, e := db.DB()
		if e != nil {
			return db, e
		}
		sqlDB.SetMaxOpenConns(sqliteMaxOpenConns)
		sqlDB.SetMaxIdleConns(sqliteMaxIdleConns)
		sqlDB.SetConnMaxLifetime(sqliteMaxConnLifetime)
		for _, pragma := range sqliteExecPragma {
			if e = db.Exec(pragma).Error; e != nil {
				return db, e
			}
		}
	}

	txn := db.WithContext(ctx).Begin()

	mg := txn.Migrator()
	err = mg.AutoMigrate(
		&KVRecord{},
		&InteractionLog{},
	)
	if err != nil {
		return db, err
	}

	commitErr := txn.Commit().Error
	if commitErr != nil {
		return db, commitErr
	}

	return db, nil
}

// getDB initializes and returns a GORM database connection based on the
// specified database type.
func getDB(
	databaseType string,
	database string,
	gormLogger *gormStructuredLogger,
) (*gorm.DB, error) {
	switch databaseType {
	case dbTypeSQLite:
		parentDir := filepath.Dir(database)
		if parentDir != "" {
			if err := os.MkdirAll(parentDir, 0755); err != nil {
				if !errors.Is(err, os.ErrExist) {
					return nil, err
				}
			}
		}
		return gorm.Open(
			sqlite.Open(database),
			&gorm.Config{
				Logger: gormLogger,
				NowFunc: func() time.Time {
					return time.Now().UTC()
				},
			},
		)
	case dbTypePostgres:
		return gorm.Open(
			postgres.Open(database), &gorm.Config{
				Logger: gormLogger,
				NowFunc: func() time.Time {
					return time.Now().UTC()
				},
			},
		)
	default:
		return nil, fmt.Errorf(
			"unsupported database type: %s (must be %q or %q)",
			databaseType, dbTypeSQLite, dbTypePostgres,
		)
	}
}
