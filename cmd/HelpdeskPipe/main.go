package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/BTreeMap/HelpdeskPipe/internal/api"
	"github.com/BTreeMap/HelpdeskPipe/internal/feed"
	"github.com/BTreeMap/HelpdeskPipe/internal/flow"
	"github.com/BTreeMap/HelpdeskPipe/internal/gateway"
	"github.com/BTreeMap/HelpdeskPipe/internal/lockfile"
	"github.com/BTreeMap/HelpdeskPipe/internal/notify"
	"github.com/BTreeMap/HelpdeskPipe/internal/scheduler"
	"github.com/BTreeMap/HelpdeskPipe/internal/store"
	"github.com/BTreeMap/HelpdeskPipe/internal/util"
	"github.com/BTreeMap/HelpdeskPipe/internal/whatsapp"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for HelpdeskPipe state data
	DefaultStateDir = "/var/lib/helpdeskpipe"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "helpdeskpipe.db"
	// DefaultWhatsAppDBFileName is the default whatsmeow device database filename
	DefaultWhatsAppDBFileName = "whatsmeow.db"
	// DefaultTimezone is used to render dates in notifications
	DefaultTimezone = "America/Sao_Paulo"
	// DefaultStalePendingAge marks pending notifications older than this as failed at startup
	DefaultStalePendingAge = 5 * time.Minute
)

func main() {
	exitCode := 0
	defer func() { os.Exit(exitCode) }()
	initializeLogger()

	config := loadEnvironmentConfig()
	config, err := parseCommandLineFlags(config, os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		slog.Error("Invalid command line", "error", err)
		exitCode = 2
		return
	}

	if err := ensureDirectoriesExist(config); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		exitCode = 1
		return
	}

	if needsStateLock(config) {
		lock, err := lockfile.Acquire(config.StateDir, config.GatewayKind)
		if err != nil {
			slog.Error("Failed to lock state directory", "error", err)
			exitCode = 1
			return
		}
		defer lock.Release()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping HelpdeskPipe", "gateway", config.GatewayKind, "api_addr", config.APIAddr,
		"dsn_set", config.DatabaseURL != "", "directory_set", config.DirectoryDSN != "")
	if err := run(ctx, config); err != nil {
		slog.Error("HelpdeskPipe failed to run", "error", err)
		exitCode = 1
	}
	if exitCode == 0 {
		slog.Info("HelpdeskPipe exited successfully")
	}
}

// Config holds the service configuration, read from the environment and
// overridden by command line flags.
type Config struct {
	StateDir         string
	DatabaseURL      string
	DirectoryDSN     string
	DirectoryMigrate bool
	PublishTickets   bool
	APIAddr          string
	PublicURL        string

	GatewayKind      string
	GatewayURL       string
	GatewayToken     string
	GatewayTimeout   time.Duration
	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioFromNumber string
	ValidateTwilio   bool
	WhatsAppDSN      string
	QROutput         string
	NumericCode      bool

	IdleTimeout    time.Duration
	SweepSchedule  string
	CancelKeywords []string
	FlowsFile      string
	Timezone       string
	Workers        int

	NATSURL          string
	NATSSubject      string
	NATSQueue        string
	RabbitMQURL      string
	RabbitMQExchange string
	RabbitMQQueue    string
	RabbitMQBindings []string
}

// initializeLogger sets up structured logging with debug level
func initializeLogger() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		StateDir:         os.Getenv("HELPDESKPIPE_STATE_DIR"),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		DirectoryDSN:     os.Getenv("DIRECTORY_DSN"),
		DirectoryMigrate: util.ParseBoolEnv("DIRECTORY_AUTO_MIGRATE", false),
		PublishTickets:   util.ParseBoolEnv("PUBLISH_TICKET_CHANGES", false),
		APIAddr:          os.Getenv("API_ADDR"),
		PublicURL:        os.Getenv("PUBLIC_URL"),
		GatewayKind:      strings.ToLower(os.Getenv("GATEWAY_KIND")),
		GatewayURL:       os.Getenv("GATEWAY_URL"),
		GatewayToken:     os.Getenv("GATEWAY_TOKEN"),
		GatewayTimeout:   util.ParseDurationEnv("GATEWAY_TIMEOUT", gateway.DefaultTimeout),
		TwilioAccountSID: os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:  os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFromNumber: os.Getenv("TWILIO_FROM_NUMBER"),
		ValidateTwilio:   util.ParseBoolEnv("TWILIO_VALIDATE_SIGNATURE", false),
		WhatsAppDSN:      os.Getenv("WHATSAPP_DB_DSN"),
		IdleTimeout:      util.ParseDurationEnv("SESSION_IDLE_TIMEOUT", flow.DefaultIdleTimeout),
		SweepSchedule:    os.Getenv("SESSION_SWEEP_SCHEDULE"),
		CancelKeywords:   util.ParseListEnv("CANCEL_KEYWORDS", nil),
		FlowsFile:        os.Getenv("FLOWS_FILE"),
		Timezone:         os.Getenv("TIMEZONE"),
		Workers:          util.ParseIntEnv("DISPATCH_WORKERS", notify.DefaultWorkers),
		NATSURL:          os.Getenv("NATS_URL"),
		NATSSubject:      os.Getenv("NATS_SUBJECT"),
		NATSQueue:        os.Getenv("NATS_QUEUE"),
		RabbitMQURL:      os.Getenv("RABBITMQ_URL"),
		RabbitMQExchange: os.Getenv("RABBITMQ_EXCHANGE"),
		RabbitMQQueue:    os.Getenv("RABBITMQ_QUEUE"),
		RabbitMQBindings: util.ParseListEnv("RABBITMQ_BINDINGS", nil),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No HELPDESKPIPE_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}
	if config.GatewayKind == "" {
		config.GatewayKind = "log"
	}
	if config.SweepSchedule == "" {
		config.SweepSchedule = scheduler.DefaultSweepSchedule
	}
	if config.Timezone == "" {
		config.Timezone = DefaultTimezone
	}

	slog.Debug("environment variables loaded",
		"HELPDESKPIPE_STATE_DIR", config.StateDir,
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"DIRECTORY_DSN_SET", config.DirectoryDSN != "",
		"GATEWAY_KIND", config.GatewayKind,
		"API_ADDR", config.APIAddr,
		"NATS_URL_SET", config.NATSURL != "",
		"RABBITMQ_URL_SET", config.RabbitMQURL != "")
	return config
}

// parseCommandLineFlags applies command line overrides on top of config.
func parseCommandLineFlags(config Config, args []string) (Config, error) {
	fs := pflag.NewFlagSet("helpdeskpipe", pflag.ContinueOnError)
	fs.StringVar(&config.StateDir, "state-dir", config.StateDir, "state directory for HelpdeskPipe data (overrides $HELPDESKPIPE_STATE_DIR)")
	fs.StringVar(&config.DatabaseURL, "db-dsn", config.DatabaseURL, "database DSN for flows, sessions and the delivery log (overrides $DATABASE_URL)")
	fs.StringVar(&config.DirectoryDSN, "directory-dsn", config.DirectoryDSN, "helpdesk portal database DSN (overrides $DIRECTORY_DSN)")
	fs.BoolVar(&config.DirectoryMigrate, "directory-migrate", config.DirectoryMigrate, "create helpdesk portal tables if missing")
	fs.BoolVar(&config.PublishTickets, "publish-ticket-changes", config.PublishTickets, "notify on tickets opened by flows without a database webhook")
	fs.StringVar(&config.APIAddr, "api-addr", config.APIAddr, "API server address (overrides $API_ADDR)")
	fs.StringVar(&config.GatewayKind, "gateway", config.GatewayKind, "outbound gateway: http, twilio, whatsmeow or log (overrides $GATEWAY_KIND)")
	fs.DurationVar(&config.GatewayTimeout, "gateway-timeout", config.GatewayTimeout, "timeout for one gateway call")
	fs.StringVar(&config.QROutput, "qr-output", "", "path to write the whatsmeow login QR code")
	fs.BoolVar(&config.NumericCode, "numeric-code", false, "print the whatsmeow pairing code instead of a QR code")
	fs.DurationVar(&config.IdleTimeout, "idle-timeout", config.IdleTimeout, "conversation session idle timeout (overrides $SESSION_IDLE_TIMEOUT)")
	fs.StringVar(&config.SweepSchedule, "sweep-schedule", config.SweepSchedule, "cron schedule for the idle session sweep")
	fs.StringVar(&config.FlowsFile, "flows-file", config.FlowsFile, "YAML file with flow definitions to seed at startup (overrides $FLOWS_FILE)")
	fs.StringVar(&config.Timezone, "timezone", config.Timezone, "IANA timezone for dates in notifications (overrides $TIMEZONE)")
	fs.IntVar(&config.Workers, "workers", config.Workers, "parallel deliveries per change")

	if err := fs.Parse(args); err != nil {
		return config, err
	}
	config.GatewayKind = strings.ToLower(config.GatewayKind)

	// Default the file databases into the (possibly overridden) state directory.
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
	}
	if config.WhatsAppDSN == "" {
		config.WhatsAppDSN = "file:" + filepath.Join(config.StateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
	}
	return config, nil
}

// ensureDirectoriesExist creates the state directory for file-based storage
func ensureDirectoriesExist(config Config) error {
	if store.DetectDSNType(config.DatabaseURL) == "postgres" {
		return nil
	}
	dir := filepath.Dir(config.DatabaseURL)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create state directory %s: %w", dir, err)
	}
	return nil
}

// needsStateLock reports whether the process keeps files in the state
// directory: a SQLite store or the whatsmeow device database.
func needsStateLock(config Config) bool {
	return store.DetectDSNType(config.DatabaseURL) == "sqlite" || config.GatewayKind == "whatsmeow"
}

// buildStoreOptions constructs store configuration options
func buildStoreOptions(config Config) []store.Option {
	if config.DatabaseURL == "" {
		return nil
	}
	if store.DetectDSNType(config.DatabaseURL) == "postgres" {
		return []store.Option{store.WithPostgresDSN(config.DatabaseURL)}
	}
	return []store.Option{store.WithSQLiteDSN(config.DatabaseURL)}
}

// buildWhatsAppOptions constructs whatsmeow configuration options
func buildWhatsAppOptions(config Config) []whatsapp.Option {
	waOpts := []whatsapp.Option{whatsapp.WithDBDSN(config.WhatsAppDSN)}
	if config.QROutput != "" {
		waOpts = append(waOpts, whatsapp.WithQRCodeOutput(config.QROutput))
	}
	if config.NumericCode {
		waOpts = append(waOpts, whatsapp.WithNumericCode())
	}
	return waOpts
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(config Config) []api.Option {
	var apiOpts []api.Option
	if config.APIAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(config.APIAddr))
	}
	if config.ValidateTwilio && config.TwilioAuthToken != "" {
		apiOpts = append(apiOpts, api.WithTwilioSignature(config.TwilioAuthToken, config.PublicURL))
	}
	return apiOpts
}

// buildFeedSources returns the configured broker sources.
func buildFeedSources(config Config) []feed.Source {
	var sources []feed.Source
	if config.NATSURL != "" {
		sources = append(sources, feed.NewNATSSource(config.NATSURL, config.NATSSubject, config.NATSQueue))
	}
	if config.RabbitMQURL != "" {
		sources = append(sources, feed.NewAMQPSource(config.RabbitMQURL, config.RabbitMQExchange, config.RabbitMQQueue,
			config.RabbitMQBindings, feed.DefaultAMQPMaxRetries))
	}
	return sources
}
