package feed

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/BTreeMap/HelpdeskPipe/internal/models"
)

// DefaultNATSSubject is subscribed to when no subject is configured.
const DefaultNATSSubject = "helpdesk.changes"

// handlerTimeout bounds the processing of one broker message.
const handlerTimeout = 30 * time.Second

// NATSSource subscribes to a subject, optionally as part of a queue group so
// that several replicas share the load.
type NATSSource struct {
	url     string
	subject string
	queue   string
}

// NewNATSSource creates a NATS source. An empty subject uses DefaultNATSSubject.
func NewNATSSource(url, subject, queue string) *NATSSource {
	if subject == "" {
		subject = DefaultNATSSubject
	}
	return &NATSSource{url: url, subject: subject, queue: queue}
}

// Name implements Source.
func (s *NATSSource) Name() string { return "nats" }

// Run connects, subscribes and blocks until ctx is done, then drains.
func (s *NATSSource) Run(ctx context.Context, handler Handler) error {
	if s.url == "" {
		return &models.ConfigurationError{Component: "feed", Reason: "NATS_URL is required"}
	}
	nc, err := nats.Connect(s.url,
		nats.Name("helpdeskpipe"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("NATSSource: disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			slog.Info("NATSSource: reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return fmt.Errorf("nats connect: %w", err)
	}
	defer nc.Close()

	cb := s.onMessage(ctx, handler)
	var sub *nats.Subscription
	if s.queue != "" {
		sub, err = nc.QueueSubscribe(s.subject, s.queue, cb)
	} else {
		sub, err = nc.Subscribe(s.subject, cb)
	}
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", s.subject, err)
	}
	slog.Info("NATSSource.Run: subscribed", "subject", s.subject, "queue", s.queue)

	<-ctx.Done()
	if err := sub.Drain(); err != nil {
		slog.Warn("NATSSource.Run: drain failed", "error", err)
	}
	return nil
}

// onMessage decodes and handles one message. Request/reply publishers get
// "ok" or the error text back.
func (s *NATSSource) onMessage(ctx context.Context, handler Handler) nats.MsgHandler {
	return func(msg *nats.Msg) {
		mctx, cancel := context.WithTimeout(ctx, handlerTimeout)
		defer cancel()

		change, err := Decode(msg.Data)
		if err == nil {
			err = handler(mctx, change)
		}
		if err != nil {
			slog.Error("NATSSource: change not processed", "subject", msg.Subject, "class", models.Classify(err), "error", err)
		}
		if msg.Reply == "" {
			return
		}
		reply := "ok"
		if err != nil {
			reply = err.Error()
		}
		if rerr := msg.Respond([]byte(reply)); rerr != nil {
			slog.Warn("NATSSource: reply failed", "error", rerr)
		}
	}
}
