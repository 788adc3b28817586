package database

import (
	"context"
	"time"

	"github.com/commgate/commgate/internal/database/models"
)

// UserRepository manages gateway accounts.
type UserRepository interface {
	Create(ctx context.Context, user *models.User) error
	GetByID(ctx context.Context, id int64) (*models.User, error)
	GetByUsername(ctx context.Context, username string) (*models.User, error)
	List(ctx context.Context) ([]models.User, error)
	UpdatePassword(ctx context.Context, id int64, passwordHash string) error
	Delete(ctx context.Context, id int64) error
}

// SessionRepository manages login sessions.
type SessionRepository interface {
	Create(ctx context.Context, session *models.Session) error
	Get(ctx context.Context, token string) (*models.Session, error)
	Delete(ctx context.Context, token string) error
	DeleteExpired(ctx context.Context) (int64, error)
}

// SettingRepository manages the key-value configuration overlay.
type SettingRepository interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	GetAll(ctx context.Context) ([]models.Setting, error)
}

// ChatRepository manages mirrored conversations.
type ChatRepository interface {
	Upsert(ctx context.Context, chat *models.Chat) error
	GetByID(ctx context.Context, id string) (*models.Chat, error)
	List(ctx context.Context, provider string) ([]models.Chat, error)
	SetUnread(ctx context.Context, id string, unread int) error
	Delete(ctx context.Context, id string) error
}

// MessageRepository manages chat messages. Ingest is idempotent on
// (chat id, message id) and never demotes a status.
type MessageRepository interface {
	// Upsert inserts the message or updates an existing row without
	// regressing its status. It returns true when a new row was created.
	Upsert(ctx context.Context, msg *models.Message) (bool, error)
	Get(ctx context.Context, chatID, id string) (*models.Message, error)
	ListByChat(ctx context.Context, chatID string, limit int) ([]models.Message, error)
	UpdateStatus(ctx context.Context, chatID, id, status string) error
}

// CallListFilter specifies filtering and pagination for call history queries.
type CallListFilter struct {
	Limit     int
	Offset    int
	Direction string
	Status    string
	Search    string
}

// CallRepository manages call-history rows.
type CallRepository interface {
	// Create inserts a call row. Rows carrying a backend unique id that
	// already exists are rejected with ErrConflict so that duplicate CDRs
	// can be dropped silently by the caller.
	Create(ctx context.Context, call *models.Call) error
	GetByID(ctx context.Context, id string) (*models.Call, error)
	GetByUniqueID(ctx context.Context, uniqueID string) (*models.Call, error)
	List(ctx context.Context, filter CallListFilter) ([]models.Call, int, error)
	MarkSeen(ctx context.Context, id string) error
	CountByDirection(ctx context.Context) (map[string]int64, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// VoIPExtensionRepository manages provisioned PBX extensions.
type VoIPExtensionRepository interface {
	Create(ctx context.Context, ext *models.VoIPExtension) error
	GetByUserID(ctx context.Context, userID int64) (*models.VoIPExtension, error)
	GetByExtension(ctx context.Context, extension string) (*models.VoIPExtension, error)
	List(ctx context.Context) ([]models.VoIPExtension, error)
	UpdateSecret(ctx context.Context, extension, secret string) error
	SetSyncState(ctx context.Context, extension string, synced bool, syncErr string) error
	Delete(ctx context.Context, extension string) error
	// Allocate assigns ext the next free extension number and inserts the
	// row, both inside one transaction: max(existing numeric extensions,
	// startFrom-1)+1. Concurrent callers get distinct numbers.
	Allocate(ctx context.Context, ext *models.VoIPExtension, startFrom int) error
}

// PushTokenRepository manages mobile push registration tokens.
type PushTokenRepository interface {
	Upsert(ctx context.Context, token *models.PushToken) error
	ListByUser(ctx context.Context, userID int64) ([]models.PushToken, error)
	ListAll(ctx context.Context) ([]models.PushToken, error)
	DeleteByToken(ctx context.Context, token string) error
	DeleteStale(ctx context.Context, olderThan time.Duration) (int64, error)
}

// WebPushRepository manages browser push subscriptions.
type WebPushRepository interface {
	Upsert(ctx context.Context, sub *models.WebPushSubscription) error
	ListByUser(ctx context.Context, userID int64) ([]models.WebPushSubscription, error)
	ListAll(ctx context.Context) ([]models.WebPushSubscription, error)
	DeleteByEndpoint(ctx context.Context, endpoint string) error
}
