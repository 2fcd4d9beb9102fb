// Package gateway sends outbound WhatsApp messages through an external provider.
package gateway

import (
	"context"
	"time"
)

// DefaultTimeout bounds one Send call when the caller sets no deadline.
const DefaultTimeout = 15 * time.Second

// Gateway delivers one text message to a phone number and returns the
// provider's message identifier.
type Gateway interface {
	Send(ctx context.Context, phone, message string) (string, error)
	// Name labels the gateway in logs and metrics.
	Name() string
}
