package models

import "time"

// User represents a gateway account. Role is either "user" or "admin".
type User struct {
	ID           int64
	Username     string
	PasswordHash string
	Role         string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Session represents an authenticated login session. The token is the
// primary key; expired sessions are pruned by a background ticker.
type Session struct {
	Token     string
	UserID    int64
	ExpiresAt time.Time
	CreatedAt time.Time
}

// Setting is a key-value configuration overlay entry. Value holds raw JSON.
type Setting struct {
	Key       string
	Value     string
	UpdatedAt time.Time
}

// Chat represents a conversation mirrored from a backend. IDs are
// backend-qualified (e.g. "sms_33612345678") and stable across polling
// cycles. Timestamp is seconds since epoch and never regresses below the
// newest message in the chat.
type Chat struct {
	ID          string
	Name        string
	Provider    string // "whatsapp", "sms", ...
	UnreadCount int
	Timestamp   int64
	LineID      string
	LastMessage string
	Metadata    string // raw JSON
}

// Message statuses, ordered. A message status only moves forward along
// pending -> sent -> delivered -> read; any status may become failed.
const (
	MessageStatusPending   = "pending"
	MessageStatusSent      = "sent"
	MessageStatusDelivered = "delivered"
	MessageStatusRead      = "read"
	MessageStatusFailed    = "failed"
	MessageStatusReceived  = "received"
)

// Message represents a single chat message. (ChatID, ID) is unique.
type Message struct {
	ID        string
	ChatID    string
	FromMe    bool
	Type      string // text, image, audio, video, document, location, sticker
	Content   string
	Sender    string
	Timestamp int64 // seconds since epoch
	Status    string
	MediaURL  string
	Raw       string // raw backend payload, JSON
}

// Call statuses.
const (
	CallStatusRinging  = "ringing"
	CallStatusAnswered = "answered"
	CallStatusMissed   = "missed"
	CallStatusBusy     = "busy"
	CallStatusFailed   = "failed"
	CallStatusRejected = "rejected"
)

// Call represents a finalised call-history row. StartTime/AnswerTime/EndTime
// are seconds since epoch; Duration is derived (end-answer when answered,
// otherwise 0). UniqueID is the PBX backend identifier and is unique when set.
type Call struct {
	ID             string
	Direction      string // "incoming" | "outgoing"
	CallerNumber   string
	CalledNumber   string
	CallerName     string
	LineName       string
	DeviceName     string
	StartTime      int64
	AnswerTime     int64
	EndTime        int64
	Duration       int64
	AnsweredByID   int64
	AnsweredByUser string
	AnsweredByExt  string
	Status         string
	Source         string
	UniqueID       string
	Seen           bool
	Notes          string
	RecordingURL   string
	Raw            string
}

// VoIPExtension represents a provisioned PBX endpoint for a user.
// Extension numbers are unique and allocated sequentially from 1000.
type VoIPExtension struct {
	ID           int64
	UserID       int64
	Extension    string
	Secret       string
	DisplayName  string
	Context      string
	Transport    string
	Codecs       string // JSON array, ordered by preference
	Enabled      bool
	WebRTC       bool
	SyncedToPBX  bool
	PBXSyncError string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// PushToken represents a mobile push registration token.
type PushToken struct {
	ID        int64
	UserID    int64
	Token     string
	Platform  string // "fcm" | "apns"
	DeviceID  string
	CreatedAt time.Time
	LastUsed  time.Time
}

// WebPushSubscription represents a browser push endpoint for a user.
type WebPushSubscription struct {
	Endpoint  string
	UserID    int64
	P256DH    string
	Auth      string
	CreatedAt time.Time
}
