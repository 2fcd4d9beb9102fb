package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/twilio/twilio-go"
	"github.com/twilio/twilio-go/client"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/BTreeMap/HelpdeskPipe/internal/models"
	"github.com/BTreeMap/HelpdeskPipe/internal/util"
)

// TwilioOpts holds the Twilio credentials and sender number.
type TwilioOpts struct {
	AccountSID string
	AuthToken  string
	FromNumber string
}

// TwilioOption modifies TwilioOpts.
type TwilioOption func(*TwilioOpts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) TwilioOption {
	return func(o *TwilioOpts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token.
func WithAuthToken(token string) TwilioOption {
	return func(o *TwilioOpts) { o.AuthToken = token }
}

// WithFromNumber sets the sender, e.g. "whatsapp:+14155238886".
func WithFromNumber(from string) TwilioOption {
	return func(o *TwilioOpts) { o.FromNumber = from }
}

// messageCreator is the subset of the Twilio REST API used here.
type messageCreator interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
}

// TwilioGateway sends WhatsApp messages through the Twilio REST API.
type TwilioGateway struct {
	api  messageCreator
	from string
}

// NewTwilioGateway creates a TwilioGateway, falling back to the TWILIO_*
// environment variables for unset options.
func NewTwilioGateway(opts ...TwilioOption) (*TwilioGateway, error) {
	var cfg TwilioOpts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.FromNumber == "" {
		cfg.FromNumber = os.Getenv("TWILIO_FROM_NUMBER")
	}
	slog.Debug("NewTwilioGateway: config loaded",
		"account_sid_set", cfg.AccountSID != "",
		"auth_token_set", cfg.AuthToken != "",
		"from_set", cfg.FromNumber != "")

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, &models.ConfigurationError{Component: "twilio", Reason: "account SID and auth token must be provided"}
	}
	if cfg.FromNumber == "" {
		return nil, &models.ConfigurationError{Component: "twilio", Reason: "sender number must be provided"}
	}

	rc := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return &TwilioGateway{api: rc.Api, from: whatsappAddress(cfg.FromNumber)}, nil
}

// Name implements Gateway.
func (g *TwilioGateway) Name() string { return "twilio" }

// Send implements Gateway. The Twilio SDK call is not context aware, so the
// wait is abandoned when ctx ends.
func (g *TwilioGateway) Send(ctx context.Context, phone, message string) (string, error) {
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(whatsappAddress(phone))
	params.SetFrom(g.from)
	params.SetBody(message)

	type result struct {
		msg *twilioApi.ApiV2010Message
		err error
	}
	done := make(chan result, 1)
	go func() {
		msg, err := g.api.CreateMessage(params)
		done <- result{msg, err}
	}()

	select {
	case <-ctx.Done():
		return "", fmt.Errorf("twilio send to %s: %w", phone, ctx.Err())
	case r := <-done:
		if r.err != nil {
			slog.Error("TwilioGateway.Send: failed", "to", phone, "error", r.err)
			var rest *client.TwilioRestError
			if errors.As(r.err, &rest) {
				return "", &models.GatewayError{StatusCode: rest.Status, Body: rest.Message}
			}
			return "", fmt.Errorf("twilio send to %s: %w", phone, r.err)
		}
		if r.msg == nil || r.msg.Sid == nil {
			return "", nil
		}
		return *r.msg.Sid, nil
	}
}

// whatsappAddress formats a number as "whatsapp:+<digits>".
func whatsappAddress(phone string) string {
	return "whatsapp:+" + util.CanonicalPhone(phone)
}
