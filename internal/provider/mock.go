package provider

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Mock is an in-memory provider used in tests and demo setups. Settings:
// fail_sends=true makes every send fail.
type Mock struct {
	id        string
	failSends bool

	mu   sync.Mutex
	sent []MockSentMessage
}

// MockSentMessage records one send accepted by a Mock provider.
type MockSentMessage struct {
	To   string
	Text string
}

// NewMock creates a mock provider.
func NewMock(cfg Config, _ *slog.Logger) (Provider, error) {
	return &Mock{
		id:        cfg.ID,
		failSends: cfg.Settings["fail_sends"] == "true",
	}, nil
}

func (m *Mock) ID() string                       { return m.id }
func (m *Mock) Type() string                     { return "mock" }
func (m *Mock) Capabilities() Capability         { return CapSendText | CapSendMedia | CapReceive }
func (m *Mock) Initialize(context.Context) error { return nil }
func (m *Mock) Disconnect(context.Context) error { return nil }

// SetFailSends toggles send failures at runtime.
func (m *Mock) SetFailSends(fail bool) {
	m.mu.Lock()
	m.failSends = fail
	m.mu.Unlock()
}

// Sent returns all accepted sends.
func (m *Mock) Sent() []MockSentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockSentMessage(nil), m.sent...)
}

func (m *Mock) SendMessage(_ context.Context, to, text string, _ SendOptions) (*SendResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSends {
		return nil, fmt.Errorf("mock %s: send failed", m.id)
	}
	m.sent = append(m.sent, MockSentMessage{To: to, Text: text})
	return &SendResult{
		MessageID:  uuid.NewString(),
		ProviderID: m.id,
		Elapsed:    time.Millisecond,
	}, nil
}

func (m *Mock) GetStatus(context.Context) (*Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return &Status{Connected: !m.failSends}, nil
}
