package api

import (
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/BTreeMap/HelpdeskPipe/internal/feed"
	"github.com/BTreeMap/HelpdeskPipe/internal/models"
	"github.com/BTreeMap/HelpdeskPipe/internal/util"
)

const emptyTwiML = `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`

func (s *Server) healthHandler(c *fiber.Ctx) error {
	return writeJSONResponse(c, fiber.StatusOK, models.Success(fiber.Map{"service": "helpdeskpipe"}))
}

// whatsappWebhookHandler accepts the gateway's inbound message JSON.
func (s *Server) whatsappWebhookHandler(c *fiber.Ctx) error {
	var msg models.InboundMessage
	if err := json.Unmarshal(c.Body(), &msg); err != nil {
		slog.Warn("Server.whatsappWebhookHandler: failed to decode JSON", "error", err)
		return writeJSONResponse(c, fiber.StatusBadRequest, models.Error("Invalid JSON format"))
	}
	if msg.FromMe {
		return writeJSONResponse(c, fiber.StatusOK, models.Ignored("own message"))
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	return s.receive(c, msg)
}

// twilioWebhookHandler accepts Twilio's form-encoded WhatsApp webhook and
// answers with empty TwiML; replies go out through the dispatcher.
func (s *Server) twilioWebhookHandler(c *fiber.Ctx) error {
	if s.validator != nil {
		params := make(map[string]string)
		c.Request().PostArgs().VisitAll(func(k, v []byte) {
			params[string(k)] = string(v)
		})
		if !s.validator.Validate(s.webhookURL(c), params, c.Get("X-Twilio-Signature")) {
			slog.Warn("Server.twilioWebhookHandler: invalid signature", "path", c.Path())
			return writeJSONResponse(c, fiber.StatusUnauthorized, models.Error("Invalid signature"))
		}
	}

	from := strings.TrimPrefix(c.FormValue("From"), "whatsapp:")
	body := c.FormValue("Body")
	if from == "" || body == "" {
		// Status callbacks carry no body.
		c.Set(fiber.HeaderContentType, fiber.MIMEApplicationXML)
		return c.SendString(emptyTwiML)
	}
	msg := models.InboundMessage{
		CounterpartyID: from,
		Text:           body,
		PushName:       c.FormValue("ProfileName"),
		MessageID:      c.FormValue("MessageSid"),
		Timestamp:      time.Now().UTC(),
	}

	ctx, cancel := s.requestContext(c)
	defer cancel()
	if _, err := s.deps.Inbox.Receive(ctx, msg); err != nil {
		slog.Error("Server.twilioWebhookHandler: message not processed", "from", from, "error", err)
		return writeError(c, err)
	}
	c.Set(fiber.HeaderContentType, fiber.MIMEApplicationXML)
	return c.SendString(emptyTwiML)
}

func (s *Server) receive(c *fiber.Ctx, msg models.InboundMessage) error {
	ctx, cancel := s.requestContext(c)
	defer cancel()
	res, err := s.deps.Inbox.Receive(ctx, msg)
	if err != nil {
		slog.Error("Server.receive: message not processed", "remote_id", msg.CounterpartyID, "error", err)
		return writeError(c, err)
	}
	if res.Duplicate {
		return writeJSONResponse(c, fiber.StatusOK, models.Ignored("duplicate message"))
	}
	return writeJSONResponse(c, fiber.StatusOK, models.Success(res))
}

// webhookURL is the URL Twilio signed.
func (s *Server) webhookURL(c *fiber.Ctx) string {
	if s.opts.PublicURL != "" {
		return s.opts.PublicURL + c.OriginalURL()
	}
	return c.Protocol() + "://" + c.Hostname() + c.OriginalURL()
}

// mutationHandler accepts database-webhook change payloads.
func (s *Server) mutationHandler(c *fiber.Ctx) error {
	change, err := feed.Decode(c.Body())
	if err != nil {
		slog.Warn("Server.mutationHandler: invalid change", "error", err)
		return writeError(c, err)
	}

	ctx, cancel := s.requestContext(c)
	defer cancel()
	res, err := s.deps.Changes.HandleChange(ctx, change)
	if err != nil {
		slog.Error("Server.mutationHandler: change not processed", "table", change.Table, "type", change.Type, "error", err)
		return writeError(c, err)
	}
	if res.Ignored {
		return writeJSONResponse(c, fiber.StatusOK, models.Ignored("table or operation not watched"))
	}
	return writeJSONResponse(c, fiber.StatusOK, models.Success(res))
}

func (s *Server) listNotificationsHandler(c *fiber.Ctx) error {
	filter := models.NotificationFilter{
		Status:   models.NotificationStatus(c.Query("status")),
		TicketID: c.Query("ticket_id"),
	}
	if filter.Status != "" && !models.IsValidNotificationStatus(filter.Status) {
		return writeJSONResponse(c, fiber.StatusBadRequest, models.Error("invalid status"))
	}
	if phone := c.Query("phone"); phone != "" {
		filter.PhoneNumber = util.CanonicalPhone(phone)
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return writeJSONResponse(c, fiber.StatusBadRequest, models.Error("limit must be a positive integer"))
		}
		filter.Limit = limit
	}

	records, err := s.deps.Notifications.ListNotifications(c.UserContext(), filter)
	if err != nil {
		slog.Error("Server.listNotificationsHandler: list failed", "error", err)
		return writeError(c, err)
	}
	if records == nil {
		records = []models.NotificationRecord{}
	}
	return writeJSONResponse(c, fiber.StatusOK, models.Success(records))
}

func (s *Server) redispatchHandler(c *fiber.Ctx) error {
	ctx, cancel := s.requestContext(c)
	defer cancel()
	rec, err := s.deps.Redispatcher.Redispatch(ctx, c.Params("id"))
	if err != nil {
		slog.Warn("Server.redispatchHandler: redispatch failed", "id", c.Params("id"), "error", err)
		return writeError(c, err)
	}
	return writeJSONResponse(c, fiber.StatusOK, models.Success(rec))
}

func (s *Server) getSessionHandler(c *fiber.Ctx) error {
	phone := util.CanonicalPhone(c.Params("phone"))
	if phone == "" {
		return writeJSONResponse(c, fiber.StatusBadRequest, models.Error("invalid phone"))
	}
	sess, err := s.deps.Sessions.GetSession(c.UserContext(), phone)
	if err != nil {
		return writeError(c, err)
	}
	if sess == nil {
		return writeError(c, models.ErrSessionNotFound)
	}
	return writeJSONResponse(c, fiber.StatusOK, models.Success(sess))
}

func (s *Server) deleteSessionHandler(c *fiber.Ctx) error {
	phone := util.CanonicalPhone(c.Params("phone"))
	if phone == "" {
		return writeJSONResponse(c, fiber.StatusBadRequest, models.Error("invalid phone"))
	}
	if err := s.deps.Sessions.DeleteSession(c.UserContext(), phone); err != nil {
		slog.Error("Server.deleteSessionHandler: delete failed", "phone", phone, "error", err)
		return writeError(c, err)
	}
	slog.Info("Server.deleteSessionHandler: session cancelled", "phone", phone)
	return writeJSONResponse(c, fiber.StatusOK, models.SuccessWithMessage("session deleted", nil))
}
