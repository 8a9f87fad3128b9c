package bus

import "context"

// Media types understood by channel adapters.
const (
	MediaPhoto    = "photo"
	MediaDocument = "document"
	MediaAudio    = "audio"
	MediaVideo    = "video"
	MediaVoice    = "voice"
)

// Media references a file to send, either a platform file id or a URL.
type Media struct {
	Type    string `json:"type"`
	Ref     string `json:"ref"`
	Caption string `json:"caption,omitempty"`
}

// OutboundMessage is one item a callback asks to deliver to a user.
type OutboundMessage struct {
	Channel string  `json:"channel"`
	ChatID  string  `json:"chat_id"`
	UserID  string  `json:"user_id"`
	Text    string  `json:"text,omitempty"`
	Media   []Media `json:"media,omitempty"`
}

// Empty reports whether the message carries nothing to deliver.
func (m OutboundMessage) Empty() bool {
	return m.Text == "" && len(m.Media) == 0
}

// Sender delivers an outbound message on one channel.
type Sender func(ctx context.Context, msg OutboundMessage) error
