// Package api exposes HelpdeskPipe over HTTP: inbound message webhooks, the
// database change endpoint, the notification delivery log and operational
// session endpoints.
package api

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/twilio/twilio-go/client"

	"github.com/BTreeMap/HelpdeskPipe/internal/flow"
	"github.com/BTreeMap/HelpdeskPipe/internal/models"
	"github.com/BTreeMap/HelpdeskPipe/internal/notify"
	"github.com/BTreeMap/HelpdeskPipe/internal/store"
)

// DefaultAddr is the listen address when none is configured.
const DefaultAddr = ":8080"

// InboundReceiver handles a normalized inbound message.
type InboundReceiver interface {
	Receive(ctx context.Context, msg models.InboundMessage) (flow.Result, error)
}

// ChangeHandler runs a database change through the notification pipeline.
type ChangeHandler interface {
	HandleChange(ctx context.Context, change models.RawChange) (*notify.ChangeResult, error)
}

// Redispatcher resends a failed notification.
type Redispatcher interface {
	Redispatch(ctx context.Context, id string) (*models.NotificationRecord, error)
}

// Deps are the services the HTTP handlers call into.
type Deps struct {
	Inbox         InboundReceiver
	Changes       ChangeHandler
	Notifications store.NotificationRepo
	Redispatcher  Redispatcher
	Sessions      store.SessionStore
	// Gatherer backs /metrics; nil uses the default registry.
	Gatherer prometheus.Gatherer
}

// Opts holds HTTP server settings.
type Opts struct {
	Addr            string
	TwilioAuthToken string // enables X-Twilio-Signature validation when set
	PublicURL       string // external base URL used for signature validation
	RequestTimeout  time.Duration
}

// Option configures the server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithTwilioSignature validates Twilio webhooks with authToken. publicURL is
// the externally visible base URL; when empty it is derived from the request.
func WithTwilioSignature(authToken, publicURL string) Option {
	return func(o *Opts) {
		o.TwilioAuthToken = authToken
		o.PublicURL = strings.TrimSuffix(publicURL, "/")
	}
}

// WithRequestTimeout bounds the processing of a single request.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *Opts) { o.RequestTimeout = d }
}

// Server is the HelpdeskPipe HTTP server.
type Server struct {
	app       *fiber.App
	deps      Deps
	opts      Opts
	validator *client.RequestValidator
}

// NewServer builds the fiber app and registers the routes.
func NewServer(deps Deps, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr, RequestTimeout: 30 * time.Second}
	for _, opt := range opts {
		opt(&cfg)
	}
	s := &Server{deps: deps, opts: cfg}
	if cfg.TwilioAuthToken != "" {
		v := client.NewRequestValidator(cfg.TwilioAuthToken)
		s.validator = &v
	}
	if s.deps.Gatherer == nil {
		s.deps.Gatherer = prometheus.DefaultGatherer
	}

	s.app = fiber.New(fiber.Config{
		AppName:               "HelpdeskPipe",
		DisableStartupMessage: true,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			if e, ok := err.(*fiber.Error); ok {
				return writeJSONResponse(c, e.Code, models.Error(e.Message))
			}
			slog.Error("Server: unhandled error", "path", c.Path(), "error", err)
			return writeError(c, err)
		},
	})
	s.app.Use(recover.New())
	s.app.Use(requestLogger)
	s.routes()
	return s
}

func (s *Server) routes() {
	s.app.Get("/healthz", s.healthHandler)
	s.app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})))

	webhooks := s.app.Group("/webhook")
	webhooks.Post("/whatsapp", s.whatsappWebhookHandler)
	webhooks.Post("/twilio", s.twilioWebhookHandler)

	s.app.Post("/mutations", s.mutationHandler)

	s.app.Get("/notifications", s.listNotificationsHandler)
	s.app.Post("/notifications/:id/redispatch", s.redispatchHandler)

	s.app.Get("/sessions/:phone", s.getSessionHandler)
	s.app.Delete("/sessions/:phone", s.deleteSessionHandler)
}

// App returns the underlying fiber app.
func (s *Server) App() *fiber.App { return s.app }

// Start listens until Shutdown is called.
func (s *Server) Start() error {
	slog.Info("Server.Start: HelpdeskPipe API listening", "addr", s.opts.Addr)
	return s.app.Listen(s.opts.Addr)
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

// requestContext derives a bounded context for one request.
func (s *Server) requestContext(c *fiber.Ctx) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.UserContext(), s.opts.RequestTimeout)
}

func requestLogger(c *fiber.Ctx) error {
	start := time.Now()
	err := c.Next()
	slog.Debug("Server: request", "method", c.Method(), "path", c.Path(),
		"status", c.Response().StatusCode(), "duration", time.Since(start))
	return err
}
