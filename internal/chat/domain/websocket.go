package domain

// Action websocket request action
type Action string

const (
	// OpenConversation websocket action open_conversation
	OpenConversation Action = "open_conversation"
	// CloseConversation websocket action close_conversation
	CloseConversation Action = "close_conversation"
	// LoadOlder websocket action load_older
	LoadOlder Action = "load_older"

	// SendMessage websocket action send_message
	SendMessage Action = "send_message"
	// RetryMessage websocket action retry_message
	RetryMessage Action = "retry_message"
	// DeleteMessage websocket action delete_message
	DeleteMessage Action = "delete_message"
	// React websocket action react
	React Action = "react"

	// SetTyping websocket action set_typing
	SetTyping Action = "set_typing"
	// SetPresence websocket action set_presence
	SetPresence Action = "set_presence"
	// MarkRead websocket action mark_read
	MarkRead Action = "mark_read"

	// StartDirect websocket action start_direct
	StartDirect Action = "start_direct"
	// CreateGroup websocket action create_group
	CreateGroup Action = "create_group"
	// ListConversations websocket action list_conversations
	ListConversations Action = "list_conversations"

	// RequestMediaUpload websocket action request_media_upload
	RequestMediaUpload Action = "request_media_upload"

	// NotifyConversationEvent server push action conversation_event
	NotifyConversationEvent Action = "conversation_event"
)

// WSRequest websocket Request
type WSRequest struct {
	Action         string   `json:"action"`
	RequestID      string   `json:"request_id,omitempty"`
	ConversationID string   `json:"conversation_id"`
	MessageID      string   `json:"message_id"`
	Content        string   `json:"content"`
	ContentType    string   `json:"content_type"`
	MediaURL       *string  `json:"media_url,omitempty"`
	Cursor         string   `json:"cursor"`
	IsTyping       bool     `json:"is_typing"`
	Status         string   `json:"status"`
	Reaction       string   `json:"reaction"`
	PeerID         string   `json:"peer_id"`
	Name           string   `json:"name"`
	Members        []string `json:"members"`
	FileName       string   `json:"file_name"`
}

// WSResponse websocket Response
type WSResponse struct {
	Action    string                 `json:"action"`
	RequestID string                 `json:"request_id,omitempty"`
	Success   bool                   `json:"success"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Error     string                 `json:"error,omitempty"`
	ErrorKind string                 `json:"error_kind,omitempty"`
}
