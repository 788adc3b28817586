package provider

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
)

// Bridge talks to an SMS-bridge appliance: a polling-only HTTP backend
// fronting one or more GSM modems. It is both a send provider and the
// conversation store the reflector mirrors.
type Bridge struct {
	id     string
	client *resty.Client
	logger *slog.Logger
}

// NewBridge creates an SMS-bridge provider. Settings: base_url (required),
// api_key (optional), timeout_ms.
func NewBridge(cfg Config, logger *slog.Logger) (Provider, error) {
	baseURL := cfg.Settings["base_url"]
	if baseURL == "" {
		return nil, fmt.Errorf("bridge provider %s: base_url is required", cfg.ID)
	}

	timeout := 10 * time.Second
	if ms, err := strconv.Atoi(cfg.Settings["timeout_ms"]); err == nil && ms > 0 {
		timeout = time.Duration(ms) * time.Millisecond
	}

	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetRetryCount(1)
	if key := cfg.Settings["api_key"]; key != "" {
		client.SetHeader("X-API-Key", key)
	}

	return &Bridge{id: cfg.ID, client: client, logger: logger}, nil
}

func (b *Bridge) ID() string   { return b.id }
func (b *Bridge) Type() string { return "sms_bridge" }

func (b *Bridge) Capabilities() Capability {
	return CapSendText | CapReceive | CapDeliveryReports
}

func (b *Bridge) Initialize(ctx context.Context) error {
	status, err := b.GetStatus(ctx)
	if err != nil {
		return fmt.Errorf("bridge %s: %w", b.id, err)
	}
	if !status.Connected {
		return fmt.Errorf("bridge %s: modem not connected: %s", b.id, status.Detail)
	}
	return nil
}

type bridgeSendRequest struct {
	To      string `json:"to"`
	Message string `json:"message"`
	From    string `json:"from,omitempty"`
}

type bridgeSendResponse struct {
	Success   bool   `json:"success"`
	MessageID string `json:"messageId"`
	ModemID   string `json:"modemId"`
	Error     string `json:"error"`
}

func (b *Bridge) SendMessage(ctx context.Context, to, text string, opts SendOptions) (*SendResult, error) {
	start := time.Now()

	var out bridgeSendResponse
	resp, err := b.client.R().
		SetContext(ctx).
		SetBody(bridgeSendRequest{To: to, Message: text, From: opts.From}).
		SetResult(&out).
		Post("/send")
	if err != nil {
		return nil, fmt.Errorf("bridge %s: posting send: %w", b.id, err)
	}
	if resp.IsError() || !out.Success {
		msg := out.Error
		if msg == "" {
			msg = resp.Status()
		}
		return nil, fmt.Errorf("bridge %s: send rejected: %s", b.id, msg)
	}

	return &SendResult{
		MessageID:  out.MessageID,
		ProviderID: b.id,
		ModemID:    out.ModemID,
		Elapsed:    time.Since(start),
	}, nil
}

type bridgeStatusResponse struct {
	Connected bool   `json:"connected"`
	Phone     string `json:"phone"`
	Signal    int    `json:"signal"`
	Detail    string `json:"detail"`
}

func (b *Bridge) GetStatus(ctx context.Context) (*Status, error) {
	var out bridgeStatusResponse
	resp, err := b.client.R().
		SetContext(ctx).
		SetResult(&out).
		Get("/status")
	if err != nil {
		return nil, fmt.Errorf("bridge %s: fetching status: %w", b.id, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("bridge %s: status endpoint: %s", b.id, resp.Status())
	}
	return &Status{Connected: out.Connected, Phone: out.Phone, Detail: out.Detail}, nil
}

func (b *Bridge) Disconnect(ctx context.Context) error {
	// The bridge is stateless HTTP; nothing to tear down.
	return nil
}

type bridgeConversation struct {
	ID          int    `json:"id"`
	Name        string `json:"name"`
	Number      string `json:"number"`
	Timestamp   int64  `json:"timestamp"`
	UnreadCount int    `json:"unreadCount"`
	LastMessage string `json:"lastMessage"`
}

// Conversations fetches the remote conversation index.
func (b *Bridge) Conversations(ctx context.Context) ([]Conversation, error) {
	var out []bridgeConversation
	resp, err := b.client.R().
		SetContext(ctx).
		SetResult(&out).
		Get("/conversations")
	if err != nil {
		return nil, fmt.Errorf("bridge %s: fetching conversations: %w", b.id, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("bridge %s: conversations endpoint: %s", b.id, resp.Status())
	}

	conversations := make([]Conversation, 0, len(out))
	for _, c := range out {
		conversations = append(conversations, Conversation{
			ID:          strconv.Itoa(c.ID),
			Name:        c.Name,
			Number:      c.Number,
			Timestamp:   c.Timestamp,
			UnreadCount: c.UnreadCount,
			LastMessage: c.LastMessage,
		})
	}
	return conversations, nil
}

type bridgeMessage struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	Text      string `json:"text"`
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
	FromMe    bool   `json:"fromMe"`
	Status    string `json:"status"`
	MediaID   string `json:"mediaId"`
}

// Messages fetches the newest messages of one conversation.
func (b *Bridge) Messages(ctx context.Context, conversationID string, limit int) ([]RemoteMessage, error) {
	var out []bridgeMessage
	resp, err := b.client.R().
		SetContext(ctx).
		SetQueryParam("limit", strconv.Itoa(limit)).
		SetResult(&out).
		Get("/conversations/" + conversationID + "/messages")
	if err != nil {
		return nil, fmt.Errorf("bridge %s: fetching messages: %w", b.id, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("bridge %s: messages endpoint: %s", b.id, resp.Status())
	}

	messages := make([]RemoteMessage, 0, len(out))
	for _, m := range out {
		msgType := m.Type
		if msgType == "" {
			msgType = "text"
		}
		messages = append(messages, RemoteMessage{
			ID:        m.ID,
			From:      m.From,
			Text:      m.Text,
			Type:      msgType,
			Timestamp: m.Timestamp,
			FromMe:    m.FromMe,
			Status:    m.Status,
			MediaURL:  m.MediaID,
		})
	}
	return messages, nil
}

type bridgeMediaResponse struct {
	URL string `json:"url"`
}

// FetchMediaURL resolves a media id to a signed download URL. The bridge
// signs these with a short expiry, so callers should cache them.
func (b *Bridge) FetchMediaURL(ctx context.Context, mediaID string) (string, error) {
	var out bridgeMediaResponse
	resp, err := b.client.R().
		SetContext(ctx).
		SetResult(&out).
		Get("/media/" + mediaID)
	if err != nil {
		return "", fmt.Errorf("bridge %s: fetching media url: %w", b.id, err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("bridge %s: media endpoint: %s", b.id, resp.Status())
	}
	if out.URL == "" {
		return "", fmt.Errorf("bridge %s: media %s has no url", b.id, mediaID)
	}
	return out.URL, nil
}
