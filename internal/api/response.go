// Package api provides HTTP response utilities for HelpdeskPipe.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gofiber/fiber/v2"

	"github.com/BTreeMap/HelpdeskPipe/internal/models"
)

// Pre-marshaled fallback response used when encoding fails.
var fallbackErrorResponse []byte

func init() {
	var err error
	fallbackErrorResponse, err = json.Marshal(models.Error("Internal server error"))
	if err != nil {
		panic(fmt.Sprintf("Failed to marshal fallback error response at startup: %v", err))
	}
}

// writeJSONResponse writes response with the given status code.
func writeJSONResponse(c *fiber.Ctx, statusCode int, response interface{}) error {
	jsonData, err := json.Marshal(response)
	if err != nil {
		slog.Error("Server.writeJSONResponse: failed to marshal JSON response", "error", err)
		jsonData = fallbackErrorResponse
		statusCode = fiber.StatusInternalServerError
	}
	c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	return c.Status(statusCode).Send(jsonData)
}

// writeError maps err to a status code and writes an error response.
// Internal errors are not echoed to the client.
func writeError(c *fiber.Ctx, err error) error {
	status := statusFor(err)
	msg := err.Error()
	if status == fiber.StatusInternalServerError {
		msg = "Internal server error"
	}
	return writeJSONResponse(c, status, models.Error(msg))
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrNotificationMissing), errors.Is(err, models.ErrSessionNotFound):
		return fiber.StatusNotFound
	case models.Classify(err) == models.ErrorClassInvalid:
		return fiber.StatusBadRequest
	default:
		return fiber.StatusInternalServerError
	}
}
