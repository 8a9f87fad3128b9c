// Package inbound defines the normalized event shape every channel adapter
// produces before handing work to the dispatcher.
package inbound

import "strings"

// Kind classifies one inbound occurrence.
type Kind string

const (
	KindMessage  Kind = "message"
	KindCallback Kind = "callback"
	KindPayment  Kind = "payment"
)

// Attachment type tags produced by channel normalization.
const (
	AttachmentPhoto     = "photo"
	AttachmentAudio     = "audio"
	AttachmentDocument  = "document"
	AttachmentVideo     = "video"
	AttachmentVoice     = "voice"
	AttachmentAnimation = "animation"
	AttachmentSticker   = "sticker"
)

// Attachment is one file carried by an event.
type Attachment struct {
	Type     string `json:"type"`
	MIMEType string `json:"mime_type,omitempty"`
	FileID   string `json:"file_id,omitempty"`
}

// Payment describes a confirmed payment carried by a KindPayment event.
type Payment struct {
	Currency       string `json:"currency"`
	TotalAmount    int    `json:"total_amount"`
	InvoicePayload string `json:"invoice_payload,omitempty"`
	ChargeID       string `json:"charge_id,omitempty"`
}

// Event is a single normalized inbound occurrence.
type Event struct {
	Channel     string         `json:"channel"`
	UserID      string         `json:"user_id"`
	ChatID      string         `json:"chat_id"`
	Kind        Kind           `json:"kind"`
	Text        string         `json:"text,omitempty"`
	Caption     string         `json:"caption,omitempty"`
	Attachments []Attachment   `json:"attachments,omitempty"`
	Profile     map[string]any `json:"profile,omitempty"`
	Payment     *Payment       `json:"payment,omitempty"`

	// Raw is the untouched platform payload. Only callbacks look at it.
	Raw any `json:"-"`
}

// HasAttachments reports whether the event carries at least one file.
func (e Event) HasAttachments() bool {
	return len(e.Attachments) > 0
}

// HasAttachment reports whether any attachment matches tag by type or MIME type.
func (e Event) HasAttachment(tag string) bool {
	tag = strings.ToLower(strings.TrimSpace(tag))
	if tag == "" {
		return false
	}

	for _, attachment := range e.Attachments {
		if strings.EqualFold(attachment.Type, tag) {
			return true
		}
		if attachment.Type == AttachmentDocument && strings.EqualFold(attachment.MIMEType, tag) {
			return true
		}
	}

	return false
}

// MatchText returns the text used for semantic matching: text first, caption as fallback.
func (e Event) MatchText() string {
	if text := strings.TrimSpace(e.Text); text != "" {
		return text
	}

	return strings.TrimSpace(e.Caption)
}
