package history

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethpandaops/cloudarchive/pkg/config"
	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// DefaultListLimit is used when List is called without a positive limit.
const DefaultListLimit = 100

// MaxListLimit caps a single List call.
const MaxListLimit = 1000

// ErrNotStarted is returned when the store is used before Start.
var ErrNotStarted = errors.New("history store not started")

// Store provides persistence for upload history.
type Store interface {
	Start(ctx context.Context) error
	Stop() error

	// Record inserts a finished task.
	Record(ctx context.Context, entry *Entry) error

	// List returns the newest entries first. An empty sessionID returns
	// entries from every session.
	List(ctx context.Context, sessionID string, limit int) ([]Entry, error)

	// Count returns the number of entries with the given status, or all
	// entries when status is empty.
	Count(ctx context.Context, status string) (int64, error)
}

// Compile-time interface check.
var _ Store = (*store)(nil)

type store struct {
	log logrus.FieldLogger
	cfg *config.DatabaseConfig
	db  *gorm.DB
}

// NewStore creates a new Store backed by the configured database driver.
func NewStore(
	log logrus.FieldLogger,
	cfg *config.DatabaseConfig,
) Store {
	return &store{
		log: log.WithField("component", "history"),
		cfg: cfg,
	}
}

// Start opens the database connection and runs migrations.
func (s *store) Start(ctx context.Context) error {
	var (
		dialector gorm.Dialector
		err       error
	)

	gormCfg := &gorm.Config{
		Logger: logger.Discard,
	}

	switch s.cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(s.cfg.SQLite.Path)
	case "postgres":
		dsn := fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			s.cfg.Postgres.Host,
			s.cfg.Postgres.Port,
			s.cfg.Postgres.User,
			s.cfg.Postgres.Password,
			s.cfg.Postgres.Database,
			s.cfg.Postgres.SSLMode,
		)
		dialector = postgres.Open(dsn)
	default:
		return fmt.Errorf("unsupported database driver: %s", s.cfg.Driver)
	}

	s.db, err = gorm.Open(dialector, gormCfg)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	if err := s.db.WithContext(ctx).AutoMigrate(&Entry{}); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	s.log.WithField("driver", s.cfg.Driver).Info("Database connected")

	return nil
}

// Stop closes the underlying database connection.
func (s *store) Stop() error {
	if s.db == nil {
		return nil
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	s.db = nil

	return sqlDB.Close()
}

func (s *store) Record(ctx context.Context, entry *Entry) error {
	if s.db == nil {
		return ErrNotStarted
	}

	if err := s.db.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("recording history entry: %w", err)
	}

	return nil
}

func (s *store) List(
	ctx context.Context, sessionID string, limit int,
) ([]Entry, error) {
	if s.db == nil {
		return nil, ErrNotStarted
	}

	if limit <= 0 {
		limit = DefaultListLimit
	}

	if limit > MaxListLimit {
		limit = MaxListLimit
	}

	q := s.db.WithContext(ctx).Order("id DESC").Limit(limit)
	if sessionID != "" {
		q = q.Where("session_id = ?", sessionID)
	}

	var entries []Entry
	if err := q.Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("listing history: %w", err)
	}

	return entries, nil
}

func (s *store) Count(ctx context.Context, status string) (int64, error) {
	if s.db == nil {
		return 0, ErrNotStarted
	}

	q := s.db.WithContext(ctx).Model(&Entry{})
	if status != "" {
		q = q.Where("status = ?", status)
	}

	var n int64
	if err := q.Count(&n).Error; err != nil {
		return 0, fmt.Errorf("counting history: %w", err)
	}

	return n, nil
}
