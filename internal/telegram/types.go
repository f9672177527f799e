package telegram

// Update is an incoming webhook payload. Only the fields the bot acts
// on are decoded.
type Update struct {
	UpdateID      int64    `json:"update_id"`
	Message       *Message `json:"message,omitempty"`
	EditedMessage *Message `json:"edited_message,omitempty"`
}

// Message is a Bot API Message.
type Message struct {
	MessageID      int64              `json:"message_id"`
	From           *User              `json:"from,omitempty"`
	Chat           Chat               `json:"chat"`
	Date           int64              `json:"date"`
	EditDate       int64              `json:"edit_date,omitempty"`
	Text           string             `json:"text,omitempty"`
	Entities       []MessageEntity    `json:"entities,omitempty"`
	Caption        string             `json:"caption,omitempty"`
	Photo          []PhotoSize        `json:"photo,omitempty"`
	ReplyToMessage *Message           `json:"reply_to_message,omitempty"`
	ExternalReply  *ExternalReplyInfo `json:"external_reply,omitempty"`
	Quote          *TextQuote         `json:"quote,omitempty"`
}

// User is a Telegram user or bot.
type User struct {
	ID        int64  `json:"id"`
	IsBot     bool   `json:"is_bot"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name,omitempty"`
	Username  string `json:"username,omitempty"`
}

// Chat types.
const (
	ChatPrivate    = "private"
	ChatGroup      = "group"
	ChatSupergroup = "supergroup"
	ChatChannel    = "channel"
)

// Chat is a conversation.
type Chat struct {
	ID        int64  `json:"id"`
	Type      string `json:"type"`
	Title     string `json:"title,omitempty"`
	Username  string `json:"username,omitempty"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
}

// PhotoSize is one resolution of a photo.
type PhotoSize struct {
	FileID       string `json:"file_id"`
	FileUniqueID string `json:"file_unique_id"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
	FileSize     int    `json:"file_size,omitempty"`
}

// ExternalReplyInfo describes a replied-to message from another chat
// or a forum topic.
type ExternalReplyInfo struct {
	Origin    MessageOrigin `json:"origin"`
	Chat      *Chat         `json:"chat,omitempty"`
	MessageID int64         `json:"message_id,omitempty"`
	Photo     []PhotoSize   `json:"photo,omitempty"`
}

// TextQuote is the quoted part of a replied-to message.
type TextQuote struct {
	Text     string `json:"text"`
	Position int    `json:"position"`
}

// Message origin types.
const (
	OriginUser       = "user"
	OriginHiddenUser = "hidden_user"
	OriginChat       = "chat"
	OriginChannel    = "channel"
)

// MessageOrigin says who originally sent a message. Which fields are
// set depends on Type.
type MessageOrigin struct {
	Type           string `json:"type"`
	Date           int64  `json:"date"`
	SenderUser     *User  `json:"sender_user,omitempty"`
	SenderUserName string `json:"sender_user_name,omitempty"`
	SenderChat     *Chat  `json:"sender_chat,omitempty"`
	Chat           *Chat  `json:"chat,omitempty"`
}

// MessageEntity marks a formatted span of text. Offset and Length are
// in UTF-16 code units.
type MessageEntity struct {
	Type     string `json:"type"`
	Offset   int    `json:"offset"`
	Length   int    `json:"length"`
	URL      string `json:"url,omitempty"`
	Language string `json:"language,omitempty"`
}

// File is the result of getFile.
type File struct {
	FileID   string `json:"file_id"`
	FilePath string `json:"file_path"`
	FileSize int64  `json:"file_size,omitempty"`
}

// BotCommand is one entry of the bot's command menu.
type BotCommand struct {
	Command     string `json:"command"`
	Description string `json:"description"`
}

// LargestPhoto returns the highest resolution size, or nil.
func LargestPhoto(sizes []PhotoSize) *PhotoSize {
	var best *PhotoSize
	for i := range sizes {
		p := &sizes[i]
		if best == nil || p.Width*p.Height >= best.Width*best.Height {
			best = p
		}
	}
	return best
}
