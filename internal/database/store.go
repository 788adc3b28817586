package database

// Store bundles every repository over a single database handle. Constructed
// once at startup and passed to the components that need persistence.
type Store struct {
	DB         *DB
	Users      UserRepository
	Sessions   SessionRepository
	Settings   SettingRepository
	Chats      ChatRepository
	Messages   MessageRepository
	Calls      CallRepository
	Extensions VoIPExtensionRepository
	PushTokens PushTokenRepository
	WebPush    WebPushRepository
}

// NewStore creates a Store over an opened database.
func NewStore(db *DB) *Store {
	return &Store{
		DB:         db,
		Users:      NewUserRepository(db),
		Sessions:   NewSessionRepository(db),
		Settings:   NewSettingRepository(db),
		Chats:      NewChatRepository(db),
		Messages:   NewMessageRepository(db),
		Calls:      NewCallRepository(db),
		Extensions: NewVoIPExtensionRepository(db),
		PushTokens: NewPushTokenRepository(db),
		WebPush:    NewWebPushRepository(db),
	}
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.DB.Close()
}
