package wire

// Action constants for bridge messages.
const (
	// Requests (bot -> bridge)
	ActionChatSendText      = "chat.send_text"
	ActionChatSendImage     = "chat.send_image"
	ActionChatListGroups    = "chat.list_groups"
	ActionChatDownloadMedia = "chat.download_media"

	// Notifications (bridge -> bot)
	ActionChatMessage = "chat.message"
	ActionChatStatus  = "chat.status"
)

// Error codes.
const (
	ErrorCodeBadRequest    = "BAD_REQUEST"
	ErrorCodeNotFound      = "NOT_FOUND"
	ErrorCodeInternalError = "INTERNAL_ERROR"
	ErrorCodeUnauthorized  = "UNAUTHORIZED"
	ErrorCodeUnknownAction = "UNKNOWN_ACTION"
)

// SendTextRequest delivers plain text to a chat.
type SendTextRequest struct {
	Target string `json:"target"`
	Text   string `json:"text"`
}

// SendImageRequest delivers an image with an optional caption. Data is
// base64 in JSON transit.
type SendImageRequest struct {
	Target  string `json:"target"`
	Data    []byte `json:"data"`
	Caption string `json:"caption,omitempty"`
}

// ListGroupsResponse enumerates joined chats.
type ListGroupsResponse struct {
	Groups []Group `json:"groups"`
}

// Group is one joined chat.
type Group struct {
	ID      string `json:"id"`
	Subject string `json:"subject"`
}

// DownloadMediaRequest fetches the bytes behind a media reference.
type DownloadMediaRequest struct {
	MessageRef string `json:"message_ref"`
	MediaIndex int    `json:"media_index,omitempty"`
}

// DownloadMediaResponse carries the media bytes. Data is base64 in JSON
// transit.
type DownloadMediaResponse struct {
	Data     []byte `json:"data"`
	MimeType string `json:"mime_type,omitempty"`
}

// IncomingMessage is the chat.message notification payload.
type IncomingMessage struct {
	MessageRef string   `json:"message_ref"`
	Sender     string   `json:"sender"`
	Chat       string   `json:"chat,omitempty"`
	Text       string   `json:"text,omitempty"`
	ImageRefs  []string `json:"image_refs,omitempty"`
	VideoRefs  []string `json:"video_refs,omitempty"`
}
