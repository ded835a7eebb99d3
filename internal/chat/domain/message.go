package domain

import (
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"time"

	"dm_service/pkg"
)

// ContentType message content type
type ContentType string

const (
	// ContentText plain text
	ContentText ContentType = "text"
	// ContentImage image url in MediaURL
	ContentImage ContentType = "image"
	// ContentVideo video url in MediaURL
	ContentVideo ContentType = "video"
	// ContentAudio audio url in MediaURL
	ContentAudio ContentType = "audio"
)

var contentTypes = []ContentType{ContentText, ContentImage, ContentVideo, ContentAudio}

// Valid check content type is known
func (c ContentType) Valid() bool {
	return pkg.Contains(contentTypes, c)
}

// IsMedia content carried by MediaURL
func (c ContentType) IsMedia() bool {
	return c == ContentImage || c == ContentVideo || c == ContentAudio
}

// SendStatus local delivery state of a message, never persisted
type SendStatus string

const (
	// StatusFailed send failed, can retry
	StatusFailed SendStatus = "failed"
	// StatusPending optimistic, waiting for the store
	StatusPending SendStatus = "pending"
	// StatusSent confirmed by the store
	StatusSent SendStatus = "sent"
)

func (s SendStatus) rank() int {
	switch s {
	case StatusFailed:
		return 1
	case StatusPending:
		return 2
	case StatusSent, "":
		return 3
	}
	return 0
}

// Confirmed message came from the store
func (s SendStatus) Confirmed() bool {
	return s.rank() == 3
}

// Outranks s carries a more authoritative version than other
func (s SendStatus) Outranks(other SendStatus) bool {
	return s.rank() > other.rank()
}

// Message 表示一則聊天訊息
type Message struct {
	ID             string      `json:"id" bson:"_id"`
	ConversationID string      `json:"conversation_id" bson:"conversation_id"`
	SenderID       string      `json:"sender_id" bson:"sender_id"`
	Content        string      `json:"content" bson:"content"`
	MediaURL       *string     `json:"media_url,omitempty" bson:"media_url,omitempty"`
	ContentType    ContentType `json:"content_type" bson:"content_type"`
	IsRead         bool        `json:"is_read" bson:"is_read"`
	CreatedAt      time.Time   `json:"created_at" bson:"created_at"`
	DeletedAt      *time.Time  `json:"deleted_at,omitempty" bson:"deleted_at,omitempty"`
	Status         SendStatus  `json:"status,omitempty" bson:"-"`
}

// Deleted soft deleted
func (m Message) Deleted() bool {
	return m.DeletedAt != nil
}

// Before total order by (CreatedAt, ID)
func (m Message) Before(o Message) bool {
	if !m.CreatedAt.Equal(o.CreatedAt) {
		return m.CreatedAt.Before(o.CreatedAt)
	}
	return m.ID < o.ID
}

// Cursor returns the pagination cursor pointing at m
func (m Message) Cursor() Cursor {
	return Cursor{CreatedAt: m.CreatedAt, ID: m.ID}
}

// NewMessage input of InsertMessage
type NewMessage struct {
	ID             string
	ConversationID string
	SenderID       string
	Content        string
	ContentType    ContentType
	MediaURL       *string
}

// Cursor pagination marker of the oldest loaded message. A message is older than
// the cursor when its CreatedAt is earlier, or equal with a smaller ID.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// IsOlder m is strictly older than the cursor, i.e. eligible for a page fetched before c.
func (c Cursor) IsOlder(m Message) bool {
	if m.CreatedAt.Before(c.CreatedAt) {
		return true
	}
	return c.ID != "" && m.CreatedAt.Equal(c.CreatedAt) && m.ID < c.ID
}

// ErrInvalidCursor cursor token can not be decoded
var ErrInvalidCursor = errors.New("invalid cursor")

// Encode opaque token
func (c Cursor) Encode() string {
	raw := strconv.FormatInt(c.CreatedAt.UnixNano(), 10) + "|" + c.ID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// ParseCursor decode token from Encode. A bare RFC3339 timestamp is accepted as a
// timestamp-only cursor.
func ParseCursor(token string) (*Cursor, error) {
	if token == "" {
		return nil, nil
	}
	if ts, err := time.Parse(time.RFC3339Nano, token); err == nil {
		return &Cursor{CreatedAt: ts}, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 {
		return nil, ErrInvalidCursor
	}
	nanos, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	return &Cursor{CreatedAt: time.Unix(0, nanos).UTC(), ID: parts[1]}, nil
}

// Page one page of messages, ascending by (CreatedAt, ID)
type Page struct {
	Messages   []Message `json:"messages"`
	HasMore    bool      `json:"has_more"`
	NextCursor string    `json:"next_cursor,omitempty"`
}

// MessageReaction reaction of one user on a message
type MessageReaction struct {
	MessageID string    `json:"message_id" bson:"message_id"`
	UserID    string    `json:"user_id" bson:"user_id"`
	Reaction  string    `json:"reaction" bson:"reaction"`
	CreatedAt time.Time `json:"created_at" bson:"created_at"`
}

// ReactionResult toggle result
type ReactionResult struct {
	Added bool `json:"added"`
}
