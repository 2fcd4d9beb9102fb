package directory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/BTreeMap/HelpdeskPipe/internal/models"
	"github.com/BTreeMap/HelpdeskPipe/internal/store"
)

// GormDirectory reads and writes the portal tables through gorm.
type GormDirectory struct {
	db   *gorm.DB
	hook ChangeHook
}

// Compile-time check that GormDirectory implements Directory.
var _ Directory = (*GormDirectory)(nil)

// Opts holds configuration for the gorm-backed directory.
type Opts struct {
	DSN         string
	AutoMigrate bool
	Hook        ChangeHook
}

// Option defines a functional option for configuring GormDirectory.
type Option func(*Opts)

// WithDSN sets the portal database connection string (Postgres URL or SQLite path).
func WithDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithAutoMigrate creates the portal tables when missing. Meant for local and test databases.
func WithAutoMigrate() Option {
	return func(o *Opts) { o.AutoMigrate = true }
}

// WithChangeHook publishes rows written through the directory.
func WithChangeHook(hook ChangeHook) Option {
	return func(o *Opts) { o.Hook = hook }
}

// NewGormDirectory opens the portal database.
func NewGormDirectory(opts ...Option) (*GormDirectory, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DSN == "" {
		return nil, &models.ConfigurationError{Component: "directory", Reason: "DSN not set"}
	}

	var dialector gorm.Dialector
	if store.DetectDSNType(cfg.DSN) == "postgres" {
		dialector = postgres.Open(cfg.DSN)
	} else {
		dialector = sqlite.Open(cfg.DSN)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)})
	if err != nil {
		slog.Error("NewGormDirectory: failed to connect", "error", err)
		return nil, fmt.Errorf("failed to connect to portal database: %w", err)
	}
	if cfg.AutoMigrate {
		if err := db.AutoMigrate(&models.Profile{}, &models.Unit{}, &models.Equipment{}, &models.Ticket{}, &models.Assignment{}); err != nil {
			return nil, fmt.Errorf("failed to migrate portal tables: %w", err)
		}
	}
	slog.Debug("NewGormDirectory: connected", "dialect", dialector.Name(), "autoMigrate", cfg.AutoMigrate)
	return &GormDirectory{db: db, hook: cfg.Hook}, nil
}

// SetChangeHook replaces the change hook. Must be called before serving traffic.
func (d *GormDirectory) SetChangeHook(hook ChangeHook) { d.hook = hook }

// DB exposes the underlying handle for seeding and tests.
func (d *GormDirectory) DB() *gorm.DB { return d.db }

func (d *GormDirectory) GetProfile(ctx context.Context, id string) (*models.Profile, error) {
	var p models.Profile
	return first(d.db.WithContext(ctx).Where("id = ?", id), &p, "profile", id)
}

func (d *GormDirectory) FindProfileByPhone(ctx context.Context, phone string) (*models.Profile, error) {
	candidates := phoneCandidates(phone)
	if len(candidates) == 0 {
		return nil, nil
	}
	var p models.Profile
	return first(d.db.WithContext(ctx).Where("phone IN ?", candidates).Order("id"), &p, "profile", phone)
}

func (d *GormDirectory) GetUnit(ctx context.Context, id string) (*models.Unit, error) {
	var u models.Unit
	return first(d.db.WithContext(ctx).Where("id = ?", id), &u, "unit", id)
}

func (d *GormDirectory) GetEquipment(ctx context.Context, id string) (*models.Equipment, error) {
	var e models.Equipment
	return first(d.db.WithContext(ctx).Where("id = ?", id), &e, "equipment", id)
}

func (d *GormDirectory) CreateTicket(ctx context.Context, ticket *models.Ticket) (*models.Ticket, error) {
	t := *ticket
	prepareTicket(&t, time.Now().UTC())
	if err := d.db.WithContext(ctx).Create(&t).Error; err != nil {
		slog.Error("GormDirectory.CreateTicket failed", "error", err)
		return nil, fmt.Errorf("failed to create ticket: %w", err)
	}
	slog.Info("GormDirectory.CreateTicket: ticket created", "ticketID", t.ID, "requesterID", t.RequesterID)
	publishInsert(ctx, d.hook, models.TableTickets, &t)
	return &t, nil
}

// first loads one row, mapping gorm.ErrRecordNotFound to a nil result.
func first[T any](tx *gorm.DB, dest *T, kind, key string) (*T, error) {
	err := tx.First(dest).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load %s %s: %w", kind, key, err)
	}
	return dest, nil
}
