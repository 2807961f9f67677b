package channel

import (
	"strings"
	"time"
)

// Type identifies an external messaging channel.
type Type string

const (
	WhatsApp  Type = "whatsapp"
	Telegram  Type = "telegram"
	Slack     Type = "slack"
	Messenger Type = "messenger"
	Instagram Type = "instagram"
	Teams     Type = "teams"
	Webhook   Type = "webhook"
)

// BuiltIn returns every channel shipped with the service.
func BuiltIn() []Type {
	return []Type{WhatsApp, Telegram, Slack, Messenger, Instagram, Teams, Webhook}
}

// ContentType is the canonical kind of a message body.
type ContentType string

const (
	ContentText     ContentType = "text"
	ContentImage    ContentType = "image"
	ContentAudio    ContentType = "audio"
	ContentVideo    ContentType = "video"
	ContentDocument ContentType = "document"
	ContentLocation ContentType = "location"
)

// Valid reports whether c is one of the canonical content types.
func (c ContentType) Valid() bool {
	switch c {
	case ContentText, ContentImage, ContentAudio, ContentVideo, ContentDocument, ContentLocation:
		return true
	}
	return false
}

// ParseContentType maps provider vocabulary onto the canonical content types.
// Unknown values return an empty ContentType.
func ParseContentType(s string) ContentType {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "text", "message", "plain":
		return ContentText
	case "image", "photo", "picture", "sticker", "gif":
		return ContentImage
	case "audio", "voice", "ptt":
		return ContentAudio
	case "video", "video_note", "ig_reel", "reel":
		return ContentVideo
	case "document", "file", "pdf":
		return ContentDocument
	case "location", "venue":
		return ContentLocation
	}
	return ""
}

// ContentTypeFromMIME derives a content type from a MIME type, defaulting to document.
func ContentTypeFromMIME(mime string) ContentType {
	mime = strings.ToLower(mime)
	switch {
	case strings.HasPrefix(mime, "image/"):
		return ContentImage
	case strings.HasPrefix(mime, "audio/"):
		return ContentAudio
	case strings.HasPrefix(mime, "video/"):
		return ContentVideo
	}
	return ContentDocument
}

// MessageAttachment references media carried by a message, either by a
// directly fetchable URL or by a provider media id.
type MessageAttachment struct {
	Type     ContentType `json:"type"`
	URL      string      `json:"url,omitempty"`
	MediaID  string      `json:"mediaId,omitempty"`
	MimeType string      `json:"mimeType,omitempty"`
	Filename string      `json:"filename,omitempty"`
	Size     int64       `json:"size,omitempty"`
}

// Ref returns the value DownloadMedia expects for this attachment.
func (a MessageAttachment) Ref() string {
	if a.MediaID != "" {
		return a.MediaID
	}
	return a.URL
}

// Well-known ChannelMetadata keys set by adapters.
const (
	MetaConversationID = "conversationId"
	MetaThreadID       = "threadId"
	MetaChatType       = "chatType"
	MetaAccountID      = "accountId"
	MetaServiceURL     = "serviceUrl"
	MetaTenantID       = "tenantId"
)

// UnifiedMessage is the channel-agnostic representation of one inbound or
// outbound message.
type UnifiedMessage struct {
	ExternalID      string              `json:"externalId"`
	Channel         Type                `json:"channel"`
	SenderID        string              `json:"senderId"`
	SenderName      string              `json:"senderName,omitempty"`
	Content         string              `json:"content"`
	ContentType     ContentType         `json:"contentType"`
	Attachments     []MessageAttachment `json:"attachments,omitempty"`
	Timestamp       time.Time           `json:"timestamp"`
	ReplyToID       string              `json:"replyToId,omitempty"`
	ChannelMetadata map[string]any      `json:"channelMetadata,omitempty"`
}

// ConversationRef returns the provider-side conversation identifier, falling
// back to the sender for channels whose conversations are one-to-one.
func (m *UnifiedMessage) ConversationRef() string {
	if m == nil {
		return ""
	}
	if v, ok := m.ChannelMetadata[MetaConversationID].(string); ok && v != "" {
		return v
	}
	return m.SenderID
}

// SetMeta stores a metadata value, skipping empty strings.
func (m *UnifiedMessage) SetMeta(key string, value any) {
	if s, ok := value.(string); ok && s == "" {
		return
	}
	if value == nil {
		return
	}
	if m.ChannelMetadata == nil {
		m.ChannelMetadata = make(map[string]any)
	}
	m.ChannelMetadata[key] = value
}

// ParseMode selects the outbound text formatting.
type ParseMode string

const (
	ParsePlain    ParseMode = "plain"
	ParseMarkdown ParseMode = "markdown"
	ParseHTML     ParseMode = "html"
)

// SendOptions carries optional outbound parameters.
type SendOptions struct {
	ReplyToID string         `json:"replyToId,omitempty"`
	ParseMode ParseMode      `json:"parseMode,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// MetaString reads a string from the options metadata.
func (o SendOptions) MetaString(key string) string {
	if v, ok := o.Metadata[key].(string); ok {
		return v
	}
	return ""
}

// SendResult describes a message accepted by a provider.
type SendResult struct {
	MessageID string    `json:"messageId"`
	Channel   Type      `json:"channel"`
	Timestamp time.Time `json:"timestamp"`
}

// Media is downloaded attachment content.
type Media struct {
	Data     []byte
	MimeType string
	Filename string
}

// Signature is the authenticity material a provider attaches to a webhook.
type Signature struct {
	Value     string
	Timestamp string
}

// Empty reports whether no signature was supplied.
func (s Signature) Empty() bool {
	return strings.TrimSpace(s.Value) == ""
}

// VerificationResponse answers a webhook registration handshake.
type VerificationResponse struct {
	StatusCode  int
	Body        string
	ContentType string
}

// UnixTime converts provider epoch values that may be seconds or milliseconds.
func UnixTime(v int64) time.Time {
	if v <= 0 {
		return time.Time{}
	}
	if v > 1e12 {
		return time.UnixMilli(v).UTC()
	}
	return time.Unix(v, 0).UTC()
}
