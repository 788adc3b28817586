// Package provider defines the messaging-provider abstraction and the
// registry that manages live provider instances from configuration.
package provider

import (
	"context"
	"time"
)

// Capability flags describing what a provider can do.
type Capability uint16

const (
	CapSendText Capability = 1 << iota
	CapSendMedia
	CapReceive
	CapTemplates
	CapDeliveryReports
	CapQRAuth
	CapGroups
)

// Has reports whether all given capabilities are present.
func (c Capability) Has(want Capability) bool {
	return c&want == want
}

// Config describes one provider instance from the providers file.
type Config struct {
	ID       string
	Category string // "whatsapp", "sms", "voip"
	Type     string
	Enabled  bool
	Settings map[string]string
}

// SendOptions carries optional per-message parameters.
type SendOptions struct {
	From     string
	MediaURL string
}

// SendResult is a successful send acknowledgement.
type SendResult struct {
	MessageID  string
	ProviderID string
	ModemID    string
	Elapsed    time.Duration
}

// Status is a provider's current connection state.
type Status struct {
	Connected bool
	Phone     string
	Detail    string
}

// Provider is the common surface of every messaging provider.
type Provider interface {
	ID() string
	Type() string
	Capabilities() Capability
	Initialize(ctx context.Context) error
	SendMessage(ctx context.Context, to, text string, opts SendOptions) (*SendResult, error)
	GetStatus(ctx context.Context) (*Status, error)
	Disconnect(ctx context.Context) error
}

// BalanceReporter is implemented by providers that expose an account
// balance.
type BalanceReporter interface {
	GetBalance(ctx context.Context) (float64, error)
}

// DeliveryReporter is implemented by providers that can be polled for a
// message's delivery state.
type DeliveryReporter interface {
	GetDeliveryStatus(ctx context.Context, messageID string) (string, error)
}

// WebhookHandler is implemented by providers that accept inbound webhook
// payloads.
type WebhookHandler interface {
	HandleWebhook(ctx context.Context, payload []byte) error
}

// Conversation is one remote conversation summary from a polling-only
// provider backend.
type Conversation struct {
	ID          string
	Name        string
	Number      string
	Timestamp   int64
	UnreadCount int
	LastMessage string
}

// RemoteMessage is one message fetched from a remote conversation.
type RemoteMessage struct {
	ID        string
	From      string
	Text      string
	Type      string
	Timestamp int64
	FromMe    bool
	Status    string
	MediaURL  string
}

// ConversationStore is implemented by providers whose backend keeps a
// pollable conversation index, consumed by the chat reflector.
type ConversationStore interface {
	Conversations(ctx context.Context) ([]Conversation, error)
	Messages(ctx context.Context, conversationID string, limit int) ([]RemoteMessage, error)
}

// MediaFetcher is implemented by providers whose backend hands out
// short-lived signed URLs for message attachments.
type MediaFetcher interface {
	FetchMediaURL(ctx context.Context, mediaID string) (string, error)
}
