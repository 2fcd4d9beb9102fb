package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/BTreeMap/HelpdeskPipe/internal/api"
	"github.com/BTreeMap/HelpdeskPipe/internal/directory"
	"github.com/BTreeMap/HelpdeskPipe/internal/flow"
	"github.com/BTreeMap/HelpdeskPipe/internal/gateway"
	"github.com/BTreeMap/HelpdeskPipe/internal/metrics"
	"github.com/BTreeMap/HelpdeskPipe/internal/models"
	"github.com/BTreeMap/HelpdeskPipe/internal/notify"
	"github.com/BTreeMap/HelpdeskPipe/internal/recovery"
	"github.com/BTreeMap/HelpdeskPipe/internal/scheduler"
	"github.com/BTreeMap/HelpdeskPipe/internal/store"
	"github.com/BTreeMap/HelpdeskPipe/internal/watcher"
	"github.com/BTreeMap/HelpdeskPipe/internal/whatsapp"
)

const shutdownTimeout = 15 * time.Second

// hookable is a Directory that can publish the tickets it creates.
type hookable interface {
	directory.Directory
	SetChangeHook(hook directory.ChangeHook)
}

// run wires the services and blocks until ctx is cancelled or a component fails.
func run(ctx context.Context, config Config) error {
	loc, err := time.LoadLocation(config.Timezone)
	if err != nil {
		return &models.ConfigurationError{Component: "main", Reason: fmt.Sprintf("invalid timezone %q: %v", config.Timezone, err)}
	}

	st, err := store.Open(buildStoreOptions(config)...)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	dir, closeDir, err := openDirectory(config)
	if err != nil {
		return err
	}
	defer closeDir()

	if config.FlowsFile != "" {
		defs, err := flow.LoadDefinitionsFile(config.FlowsFile)
		if err != nil {
			return fmt.Errorf("load flows: %w", err)
		}
		if err := flow.SeedFlows(ctx, st, defs); err != nil {
			return fmt.Errorf("seed flows: %w", err)
		}
		slog.Info("Seeded flow definitions", "file", config.FlowsFile, "count", len(defs))
	}

	gw, waClient, err := openGateway(ctx, config)
	if err != nil {
		return err
	}
	if waClient != nil {
		defer waClient.Disconnect()
	}

	dispatcher := notify.NewDispatcher(st, gw, notify.WithTimeout(config.GatewayTimeout))

	engineOpts := []flow.Option{
		flow.WithDirectory(dir),
		flow.WithReplier(dispatcher),
		flow.WithIdleTimeout(config.IdleTimeout),
	}
	if len(config.CancelKeywords) > 0 {
		engineOpts = append(engineOpts, flow.WithCancelKeywords(config.CancelKeywords))
	}
	engine := flow.NewEngine(st, st, engineOpts...)
	inbox := flow.NewInbox(engine, st)
	pipeline := notify.NewPipeline(watcher.New(dir), notify.NewComposer(loc), dispatcher, config.Workers)

	handleChange := func(ctx context.Context, change models.RawChange) error {
		_, err := pipeline.HandleChange(ctx, change)
		return err
	}
	if config.PublishTickets {
		dir.SetChangeHook(func(ctx context.Context, change models.RawChange) {
			if err := handleChange(ctx, change); err != nil {
				slog.Error("Ticket change not processed", "table", change.Table, "error", err)
			}
		})
	}

	metrics.MustRegister(prometheus.DefaultRegisterer)

	sweeper := scheduler.NewSessionSweeper(st, engine.IdleTimeout(), nil)
	startup := recovery.NewManager(time.Minute)
	startup.Register("notifications", recovery.Func(func(ctx context.Context) (int, error) {
		return dispatcher.RecoverStalePending(ctx, DefaultStalePendingAge)
	}))
	startup.Register("sessions", recovery.Func(sweeper.Sweep))
	if _, err := startup.RecoverAll(ctx); err != nil {
		slog.Warn("Startup recovery incomplete", "error", err)
	}

	sched := scheduler.NewScheduler()
	defer sched.Stop()
	if err := sweeper.Schedule(ctx, sched, config.SweepSchedule); err != nil {
		return &models.ConfigurationError{Component: "scheduler", Reason: fmt.Sprintf("invalid sweep schedule %q: %v", config.SweepSchedule, err)}
	}

	if waClient != nil {
		waClient.Listen(ctx, func(ctx context.Context, msg models.InboundMessage) {
			if _, err := inbox.Receive(ctx, msg); err != nil {
				slog.Error("WhatsApp message not processed", "remote_id", msg.CounterpartyID, "error", err)
			}
		})
	}

	server := api.NewServer(api.Deps{
		Inbox:         inbox,
		Changes:       pipeline,
		Notifications: st,
		Redispatcher:  dispatcher,
		Sessions:      st,
	}, buildAPIOptions(config)...)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(server.Start)
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(sctx)
	})
	for _, src := range buildFeedSources(config) {
		src := src
		g.Go(func() error {
			slog.Info("Starting mutation feed", "source", src.Name())
			if err := src.Run(gctx, handleChange); err != nil {
				return fmt.Errorf("%s feed: %w", src.Name(), err)
			}
			return nil
		})
	}
	return g.Wait()
}

func openDirectory(config Config) (hookable, func(), error) {
	if config.DirectoryDSN == "" {
		slog.Warn("No DIRECTORY_DSN configured, using an empty in-memory helpdesk directory")
		return directory.NewMemoryDirectory(), func() {}, nil
	}
	opts := []directory.Option{directory.WithDSN(config.DirectoryDSN)}
	if config.DirectoryMigrate {
		opts = append(opts, directory.WithAutoMigrate())
	}
	dir, err := directory.NewGormDirectory(opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("open directory: %w", err)
	}
	closeFn := func() {
		if sqlDB, err := dir.DB().DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
	return dir, closeFn, nil
}

func openGateway(ctx context.Context, config Config) (gateway.Gateway, *whatsapp.Client, error) {
	switch config.GatewayKind {
	case "http":
		return gateway.NewHTTPGateway(gateway.WithURL(config.GatewayURL), gateway.WithToken(config.GatewayToken)), nil, nil
	case "twilio":
		gw, err := gateway.NewTwilioGateway(
			gateway.WithAccountSID(config.TwilioAccountSID),
			gateway.WithAuthToken(config.TwilioAuthToken),
			gateway.WithFromNumber(config.TwilioFromNumber),
		)
		if err != nil {
			return nil, nil, err
		}
		return gw, nil, nil
	case "whatsmeow":
		client, err := whatsapp.NewClient(ctx, buildWhatsAppOptions(config)...)
		if err != nil {
			return nil, nil, err
		}
		return client, client, nil
	case "log":
		slog.Warn("Using log gateway; notifications are written to the log only")
		return &gateway.LogGateway{}, nil, nil
	default:
		return nil, nil, &models.ConfigurationError{Component: "gateway", Reason: fmt.Sprintf("unknown gateway %q", config.GatewayKind)}
	}
}
