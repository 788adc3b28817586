package provider

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"
)

// CloudSMS is a generic REST SMS provider: API-key authenticated JSON
// endpoint, used as the international fallback.
type CloudSMS struct {
	id     string
	sender string
	client *resty.Client
	logger *slog.Logger
}

// NewCloudSMS creates a cloud REST SMS provider. Settings: base_url,
// api_key (both required), sender.
func NewCloudSMS(cfg Config, logger *slog.Logger) (Provider, error) {
	baseURL := cfg.Settings["base_url"]
	apiKey := cfg.Settings["api_key"]
	if baseURL == "" || apiKey == "" {
		return nil, fmt.Errorf("cloud sms provider %s: base_url and api_key are required", cfg.ID)
	}

	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(15 * time.Second).
		SetAuthToken(apiKey)

	return &CloudSMS{
		id:     cfg.ID,
		sender: cfg.Settings["sender"],
		client: client,
		logger: logger,
	}, nil
}

func (c *CloudSMS) ID() string   { return c.id }
func (c *CloudSMS) Type() string { return "cloud_sms" }

func (c *CloudSMS) Capabilities() Capability {
	return CapSendText | CapDeliveryReports
}

func (c *CloudSMS) Initialize(ctx context.Context) error {
	_, err := c.GetStatus(ctx)
	return err
}

type cloudSendRequest struct {
	To     string `json:"to"`
	Text   string `json:"text"`
	Sender string `json:"sender,omitempty"`
}

type cloudSendResponse struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

func (c *CloudSMS) SendMessage(ctx context.Context, to, text string, opts SendOptions) (*SendResult, error) {
	start := time.Now()

	sender := opts.From
	if sender == "" {
		sender = c.sender
	}

	var out cloudSendResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(cloudSendRequest{To: to, Text: text, Sender: sender}).
		SetResult(&out).
		SetError(&out).
		Post("/messages")
	if err != nil {
		return nil, fmt.Errorf("cloud sms %s: posting message: %w", c.id, err)
	}
	if resp.IsError() {
		msg := out.Error
		if msg == "" {
			msg = resp.Status()
		}
		return nil, fmt.Errorf("cloud sms %s: send rejected: %s", c.id, msg)
	}

	return &SendResult{
		MessageID:  out.ID,
		ProviderID: c.id,
		Elapsed:    time.Since(start),
	}, nil
}

type cloudStatusResponse struct {
	Status  string  `json:"status"`
	Balance float64 `json:"balance"`
}

func (c *CloudSMS) GetStatus(ctx context.Context) (*Status, error) {
	var out cloudStatusResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetResult(&out).
		Get("/account")
	if err != nil {
		return nil, fmt.Errorf("cloud sms %s: fetching account: %w", c.id, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("cloud sms %s: account endpoint: %s", c.id, resp.Status())
	}
	return &Status{Connected: out.Status == "active", Detail: out.Status}, nil
}

// GetBalance reports the remaining account credit.
func (c *CloudSMS) GetBalance(ctx context.Context) (float64, error) {
	var out cloudStatusResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetResult(&out).
		Get("/account")
	if err != nil {
		return 0, fmt.Errorf("cloud sms %s: fetching balance: %w", c.id, err)
	}
	if resp.IsError() {
		return 0, fmt.Errorf("cloud sms %s: account endpoint: %s", c.id, resp.Status())
	}
	return out.Balance, nil
}

func (c *CloudSMS) Disconnect(ctx context.Context) error {
	return nil
}
