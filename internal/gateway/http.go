package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/BTreeMap/HelpdeskPipe/internal/models"
	"github.com/BTreeMap/HelpdeskPipe/internal/util"
)

// DefaultTokenHeader carries the gateway token unless overridden.
const DefaultTokenHeader = "Client-Token"

// maxErrorBody caps how much of a failed response is kept.
const maxErrorBody = 2048

// HTTPOpts configures an HTTPGateway.
type HTTPOpts struct {
	URL         string
	Token       string
	TokenHeader string
	Client      *http.Client
}

// HTTPOption modifies HTTPOpts.
type HTTPOption func(*HTTPOpts)

// WithURL sets the send endpoint.
func WithURL(url string) HTTPOption {
	return func(o *HTTPOpts) { o.URL = url }
}

// WithToken sets the token sent with every request.
func WithToken(token string) HTTPOption {
	return func(o *HTTPOpts) { o.Token = token }
}

// WithTokenHeader sets the header that carries the token.
func WithTokenHeader(header string) HTTPOption {
	return func(o *HTTPOpts) { o.TokenHeader = header }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(o *HTTPOpts) { o.Client = c }
}

// HTTPGateway posts {phone, message} JSON to a REST messaging API.
type HTTPGateway struct {
	opts HTTPOpts
}

// NewHTTPGateway creates an HTTPGateway. A missing URL is reported per
// send as a ConfigurationError so that failures are recorded, not fatal.
func NewHTTPGateway(opts ...HTTPOption) *HTTPGateway {
	cfg := HTTPOpts{TokenHeader: DefaultTokenHeader}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: DefaultTimeout}
	}
	return &HTTPGateway{opts: cfg}
}

// Name implements Gateway.
func (g *HTTPGateway) Name() string { return "http" }

type sendRequest struct {
	Phone   string `json:"phone"`
	Message string `json:"message"`
}

type sendResponse struct {
	MessageID string `json:"messageId"`
	ID        string `json:"id"`
	ZaapID    string `json:"zaapId"`
}

// Send implements Gateway.
func (g *HTTPGateway) Send(ctx context.Context, phone, message string) (string, error) {
	if strings.TrimSpace(g.opts.URL) == "" {
		return "", &models.ConfigurationError{Component: "gateway", Reason: "GATEWAY_URL is not set"}
	}

	body, err := json.Marshal(sendRequest{Phone: util.CanonicalPhone(phone), Message: message})
	if err != nil {
		return "", fmt.Errorf("encode gateway request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.opts.URL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build gateway request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if g.opts.Token != "" {
		req.Header.Set(g.opts.TokenHeader, g.opts.Token)
	}

	resp, err := g.opts.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("gateway request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", fmt.Errorf("read gateway response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		text := string(raw)
		if len(text) > maxErrorBody {
			text = text[:maxErrorBody]
		}
		return "", &models.GatewayError{StatusCode: resp.StatusCode, Body: text}
	}

	var parsed sendResponse
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &parsed); err != nil {
			slog.Warn("HTTPGateway.Send: response is not JSON", "status", resp.StatusCode, "error", err)
		}
	}
	for _, id := range []string{parsed.MessageID, parsed.ID, parsed.ZaapID} {
		if id != "" {
			return id, nil
		}
	}
	return "", nil
}
