package push

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/commgate/commgate/internal/database/models"
)

// ErrGone marks a browser endpoint that answered 404 or 410. The
// subscription should be removed.
var ErrGone = errors.New("push: subscription gone")

// WebPushClient delivers browser notifications through an external
// web-push gateway.
type WebPushClient struct {
	http   *resty.Client
	apiKey string
	logger *slog.Logger
}

// NewWebPushClient builds a client for the gateway at baseURL.
func NewWebPushClient(baseURL, apiKey string, logger *slog.Logger) *WebPushClient {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second)
	return &WebPushClient{http: client, apiKey: apiKey, logger: logger}
}

// webPushRequest is the gateway's POST /v1/webpush payload.
type webPushRequest struct {
	Endpoint string `json:"endpoint"`
	P256DH   string `json:"p256dh"`
	Auth     string `json:"auth"`
	Payload  any    `json:"payload"`
}

// Send posts a notification for one subscription. A 404 or 410 from the
// gateway means the browser endpoint is dead and is reported as ErrGone.
func (c *WebPushClient) Send(ctx context.Context, sub models.WebPushSubscription, payload any) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("X-API-Key", c.apiKey).
		SetBody(webPushRequest{
			Endpoint: sub.Endpoint,
			P256DH:   sub.P256DH,
			Auth:     sub.Auth,
			Payload:  payload,
		}).
		Post("/v1/webpush")
	if err != nil {
		return fmt.Errorf("posting web push: %w", err)
	}

	switch resp.StatusCode() {
	case http.StatusOK, http.StatusCreated, http.StatusNoContent:
		c.logger.Debug("web push delivered", "endpoint", sub.Endpoint)
		return nil
	case http.StatusNotFound, http.StatusGone:
		return fmt.Errorf("endpoint %s: %w", sub.Endpoint, ErrGone)
	default:
		return fmt.Errorf("web push gateway returned status %d", resp.StatusCode())
	}
}
