package storage

import "time"

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// GlobalScope is the chat_scope value of a ban that applies everywhere.
const GlobalScope int64 = 0

type User struct {
	ID         int64
	Username   string
	FirstName  string
	ActiveKind *string
	ActiveRef  *string
	CreatedAt  time.Time
}

// BackendConfig is a user-registered custom completion endpoint. The secret
// is stored as a vault envelope, never as plaintext.
type BackendConfig struct {
	ID        int64
	UserID    int64
	Label     string
	Endpoint  string
	Model     string
	EncSecret string
	CreatedAt time.Time
}

type BanRecord struct {
	UserID    int64
	ChatScope int64
	Banned    bool
	UpdatedAt time.Time
}

type Message struct {
	ID        int64
	UserID    int64
	ChatID    int64
	Role      string
	Content   string
	DedupeKey string
	CreatedAt time.Time
}
