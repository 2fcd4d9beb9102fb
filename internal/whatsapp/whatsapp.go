// Package whatsapp wraps the whatsmeow client so HelpdeskPipe can send
// notifications and receive conversation messages over a linked WhatsApp
// device.
package whatsapp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"

	"github.com/BTreeMap/HelpdeskPipe/internal/gateway"
	"github.com/BTreeMap/HelpdeskPipe/internal/models"
	"github.com/BTreeMap/HelpdeskPipe/internal/store"
	"github.com/BTreeMap/HelpdeskPipe/internal/util"
)

const (
	// DefaultSQLitePath is the default whatsmeow device database.
	DefaultSQLitePath = "/var/lib/helpdeskpipe/whatsmeow.db"
	// inboundTimeout bounds the handling of one received message.
	inboundTimeout = 30 * time.Second
)

// Opts holds the whatsmeow database and login settings.
type Opts struct {
	DBDSN       string // whatsmeow database connection string
	QRPath      string // path to write login QR code
	NumericCode bool   // print the raw pairing code instead of a QR code
}

// Option defines a configuration option for the WhatsApp client.
type Option func(*Opts)

// WithDBDSN sets the whatsmeow database connection string.
func WithDBDSN(dsn string) Option {
	return func(o *Opts) {
		o.DBDSN = dsn
	}
}

// WithQRCodeOutput writes the login QR code to path instead of stdout.
func WithQRCodeOutput(path string) Option {
	return func(o *Opts) {
		o.QRPath = path
	}
}

// WithNumericCode prints the pairing code as text instead of a QR code.
func WithNumericCode() Option {
	return func(o *Opts) {
		o.NumericCode = true
	}
}

// InboundHandler receives text messages from counterparties.
type InboundHandler func(ctx context.Context, msg models.InboundMessage)

// Client is a whatsmeow-backed gateway.
type Client struct {
	waClient *whatsmeow.Client
}

var _ gateway.Gateway = (*Client)(nil)

// NewClient opens the device store, logs in if needed and connects.
func NewClient(ctx context.Context, opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}

	dbDSN := cfg.DBDSN
	if dbDSN == "" {
		dbDSN = DefaultSQLitePath
		slog.Debug("whatsapp.NewClient: no database DSN provided, using default", "path", dbDSN)
	}

	dbDriver := "sqlite3"
	if store.DetectDSNType(dbDSN) == "postgres" {
		dbDriver = "postgres"
	} else if !strings.Contains(dbDSN, "foreign_keys") {
		slog.Warn("whatsapp.NewClient: SQLite DSN does not enable foreign keys, which whatsmeow recommends",
			"dsn_example", "file:"+dbDSN+"?_foreign_keys=on")
	}

	container, err := sqlstore.New(ctx, dbDriver, dbDSN, waLog.Stdout("Database", "INFO", true))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize WhatsApp database store: %w", err)
	}
	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get device from WhatsApp store: %w", err)
	}

	waClient := whatsmeow.NewClient(deviceStore, waLog.Stdout("Client", "INFO", true))
	if waClient.Store.ID == nil {
		if err := login(ctx, waClient, cfg); err != nil {
			return nil, err
		}
	} else if err := waClient.Connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to WhatsApp server: %w", err)
	}
	slog.Info("whatsapp.NewClient: connected")
	return &Client{waClient: waClient}, nil
}

func login(ctx context.Context, waClient *whatsmeow.Client, cfg Opts) error {
	slog.Info("whatsapp.NewClient: login required, starting pairing")
	qrChan, err := waClient.GetQRChannel(ctx)
	if err != nil {
		return fmt.Errorf("failed to open QR channel: %w", err)
	}
	if err := waClient.Connect(); err != nil {
		return fmt.Errorf("failed to connect to WhatsApp during login: %w", err)
	}

	writer := io.Writer(os.Stdout)
	if cfg.QRPath != "" {
		f, err := os.Create(cfg.QRPath)
		if err != nil {
			return fmt.Errorf("failed to create QR file: %w", err)
		}
		defer f.Close()
		writer = f
	}
	for evt := range qrChan {
		if evt.Event != "code" {
			slog.Info("whatsapp.NewClient: login event", "event", evt.Event)
			continue
		}
		if cfg.NumericCode {
			fmt.Fprintln(writer, evt.Code)
		} else {
			qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, writer)
		}
	}
	return nil
}

// Name implements gateway.Gateway.
func (c *Client) Name() string { return "whatsmeow" }

// Send delivers a text message and returns the WhatsApp message ID.
func (c *Client) Send(ctx context.Context, phone, message string) (string, error) {
	if c.waClient == nil || c.waClient.Store == nil {
		return "", &models.ConfigurationError{Component: "whatsapp", Reason: "client not initialized"}
	}
	to := util.CanonicalPhone(phone)
	if to == "" {
		return "", &models.ValidationError{Field: "phone", Reason: "recipient cannot be empty"}
	}
	if message == "" {
		return "", &models.ValidationError{Field: "message", Reason: "message body cannot be empty"}
	}

	resp, err := c.waClient.SendMessage(ctx, types.NewJID(to, types.DefaultUserServer), &waE2E.Message{Conversation: &message})
	if err != nil {
		return "", fmt.Errorf("failed to send message to %s: %w", to, err)
	}
	slog.Debug("whatsapp.Client.Send: sent", "to", to, "id", resp.ID)
	return string(resp.ID), nil
}

// Listen forwards received text messages to handler until ctx is done.
// Messages are handled in arrival order on whatsmeow's event goroutine.
func (c *Client) Listen(ctx context.Context, handler InboundHandler) {
	id := c.waClient.AddEventHandler(func(evt interface{}) {
		msg, ok := evt.(*events.Message)
		if !ok {
			return
		}
		in, ok := toInbound(msg)
		if !ok {
			return
		}
		hctx, cancel := context.WithTimeout(ctx, inboundTimeout)
		defer cancel()
		handler(hctx, in)
	})
	go func() {
		<-ctx.Done()
		c.waClient.RemoveEventHandler(id)
	}()
}

// Disconnect closes the websocket connection.
func (c *Client) Disconnect() {
	if c.waClient != nil {
		c.waClient.Disconnect()
	}
}

// toInbound converts a direct text message. Group chats, broadcasts and
// non-text messages are skipped.
func toInbound(evt *events.Message) (models.InboundMessage, bool) {
	if evt == nil || evt.Message == nil || evt.Info.IsGroup || evt.Info.Chat.Server != types.DefaultUserServer {
		return models.InboundMessage{}, false
	}
	var text string
	switch {
	case evt.Message.Conversation != nil:
		text = evt.Message.GetConversation()
	case evt.Message.ExtendedTextMessage != nil:
		text = evt.Message.GetExtendedTextMessage().GetText()
	default:
		slog.Debug("whatsapp: ignoring non-text message", "chat", evt.Info.Chat.String())
		return models.InboundMessage{}, false
	}
	return models.InboundMessage{
		CounterpartyID: evt.Info.Chat.User,
		FromMe:         evt.Info.IsFromMe,
		Text:           text,
		PushName:       evt.Info.PushName,
		Timestamp:      evt.Info.Timestamp,
		MessageID:      string(evt.Info.ID),
	}, true
}
