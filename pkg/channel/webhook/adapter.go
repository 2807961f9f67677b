// Package webhook adapts arbitrary JSON webhooks using a fixed table of
// field aliases, and delivers replies to a tenant-configured URL.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"omnidesk/pkg/channel"
)

const (
	SignatureHeader = "X-Webhook-Signature"

	// SettingOutboundURL receives outbound messages as signed JSON posts.
	SettingOutboundURL = "outbound_url"
	// SettingMediaBaseURL names a further origin attachments may be downloaded from.
	SettingMediaBaseURL = "media_base_url"
	// CredentialAuthToken is an optional bearer token for outbound and media calls.
	CredentialAuthToken = "auth_token"
)

// Field aliases, in priority order. Dotted names address nested objects.
var (
	externalIDKeys  = []string{"message_id", "messageId", "msgId", "msg_id", "id"}
	senderIDKeys    = []string{"sender_id", "senderId", "from", "user_id", "userId", "sender.id"}
	senderNameKeys  = []string{"sender_name", "senderName", "user_name", "username", "name", "sender.name"}
	contentKeys     = []string{"text", "message", "content", "body"}
	contentTypeKeys = []string{"content_type", "contentType", "message_type", "type"}
	timestampKeys   = []string{"timestamp", "ts", "time", "created_at", "createdAt"}
	replyToKeys     = []string{"reply_to_id", "replyToId", "reply_to", "in_reply_to"}
	attachmentKeys  = []string{"attachments", "files", "media"}
	eventKeys       = []string{"event", "event_type"}
	conversationKey = []string{"conversation_id", "conversationId", "chat_id", "chatId"}
)

var messageEvents = map[string]bool{
	"message":          true,
	"message.created":  true,
	"message_received": true,
}

type Adapter struct {
	client channel.HTTPClient
	now    func() time.Time
}

// New returns a custom webhook adapter. A nil client selects the default HTTP client.
func New(client channel.HTTPClient) *Adapter {
	if client == nil {
		client = channel.NewHTTPClient(0)
	}
	return &Adapter{client: client, now: time.Now}
}

func (a *Adapter) Name() channel.Type { return channel.Webhook }

func (a *Adapter) ParseMessage(payload []byte) (*channel.UnifiedMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var body map[string]any
	if err := dec.Decode(&body); err != nil {
		return nil, channel.Malformed(channel.Webhook, err)
	}

	if event, ok := first(body, eventKeys); ok && !messageEvents[stringify(event)] {
		return nil, nil
	}

	externalID := firstString(body, externalIDKeys)
	senderID := firstString(body, senderIDKeys)
	if externalID == "" || senderID == "" {
		return nil, nil
	}

	msg := &channel.UnifiedMessage{
		ExternalID: externalID,
		Channel:    channel.Webhook,
		SenderID:   senderID,
		SenderName: firstString(body, senderNameKeys),
		Content:    firstString(body, contentKeys),
		ReplyToID:  firstString(body, replyToKeys),
	}
	if v, ok := first(body, timestampKeys); ok {
		msg.Timestamp = parseTime(v)
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = a.now().UTC()
	}
	if v, ok := first(body, attachmentKeys); ok {
		msg.Attachments = parseAttachments(v)
	}

	msg.ContentType = channel.ParseContentType(firstString(body, contentTypeKeys))
	if msg.ContentType == "" {
		msg.ContentType = channel.ContentText
		if msg.Content == "" && len(msg.Attachments) > 0 {
			msg.ContentType = msg.Attachments[0].Type
		}
	}
	if msg.Content == "" && len(msg.Attachments) == 0 {
		return nil, nil
	}
	msg.SetMeta(channel.MetaConversationID, firstString(body, conversationKey))
	return msg, nil
}

func lookup(body map[string]any, key string) (any, bool) {
	var cur any = body
	for _, part := range strings.Split(key, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = m[part]; !ok || cur == nil {
			return nil, false
		}
	}
	return cur, true
}

// first returns the value of the first alias present with a non-null value.
func first(body map[string]any, keys []string) (any, bool) {
	for _, k := range keys {
		if v, ok := lookup(body, k); ok {
			return v, true
		}
	}
	return nil, false
}

// firstString returns the first alias whose value renders as a non-empty
// scalar. Objects are skipped so that "from": {...} falls through to sender.id.
func firstString(body map[string]any, keys []string) string {
	for _, k := range keys {
		v, ok := lookup(body, k)
		if !ok {
			continue
		}
		if s := stringify(v); s != "" {
			return s
		}
	}
	return ""
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	}
	return ""
}

func parseTime(v any) time.Time {
	s := stringify(v)
	if s == "" {
		return time.Time{}
	}
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		return channel.UnixTime(int64(n))
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

func parseAttachments(v any) []channel.MessageAttachment {
	items, ok := v.([]any)
	if !ok {
		items = []any{v}
	}

	var out []channel.MessageAttachment
	for _, item := range items {
		switch t := item.(type) {
		case string:
			if t != "" {
				out = append(out, channel.MessageAttachment{Type: channel.ContentDocument, URL: t})
			}
		case map[string]any:
			att := channel.MessageAttachment{
				URL:      firstString(t, []string{"url", "link", "href"}),
				MediaID:  firstString(t, []string{"media_id", "mediaId", "file_id"}),
				MimeType: firstString(t, []string{"mime_type", "mimeType", "mimetype"}),
				Filename: firstString(t, []string{"filename", "file_name", "name"}),
			}
			if att.URL == "" && att.MediaID == "" {
				continue
			}
			if size, err := strconv.ParseInt(firstString(t, []string{"size", "file_size"}), 10, 64); err == nil {
				att.Size = size
			}
			att.Type = channel.ParseContentType(firstString(t, []string{"type", "content_type"}))
			if att.Type == "" {
				att.Type = channel.ContentTypeFromMIME(att.MimeType)
			}
			out = append(out, att)
		}
	}
	return out
}

type outboundMessage struct {
	RecipientID string         `json:"recipient_id"`
	Content     string         `json:"content,omitempty"`
	ContentType string         `json:"content_type"`
	MediaURL    string         `json:"media_url,omitempty"`
	ReplyToID   string         `json:"reply_to_id,omitempty"`
	ParseMode   string         `json:"parse_mode,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CompanyID   string         `json:"company_id"`
	Timestamp   int64          `json:"timestamp"`
}

func (a *Adapter) deliver(ctx context.Context, cfg channel.ChannelConfig, op string, out outboundMessage) (*channel.SendResult, error) {
	target := cfg.SettingString(SettingOutboundURL, "")
	if target == "" {
		return nil, &channel.ConfigError{Channel: channel.Webhook, Field: SettingOutboundURL}
	}
	out.CompanyID = cfg.CompanyID
	out.Timestamp = a.now().Unix()

	body, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("webhook: failed to marshal %s: %w", op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("webhook: failed to create %s request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if cfg.WebhookSecret != "" {
		req.Header.Set(SignatureHeader, "sha256="+channel.HMACSHA256Hex(cfg.WebhookSecret, body))
	}
	if token := cfg.Credential(CredentialAuthToken); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("webhook: %s request failed: %w", op, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, channel.NewAPIError(channel.Webhook, op, resp)
	}

	// receivers may answer with an empty body
	var ack map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&ack)
	return &channel.SendResult{
		MessageID: firstString(ack, []string{"message_id", "messageId", "id"}),
		Channel:   channel.Webhook,
		Timestamp: a.now().UTC(),
	}, nil
}

func (a *Adapter) SendMessage(ctx context.Context, cfg channel.ChannelConfig, recipientID, content string, opts channel.SendOptions) (*channel.SendResult, error) {
	return a.deliver(ctx, cfg, "send_message", outboundMessage{
		RecipientID: recipientID,
		Content:     content,
		ContentType: string(channel.ContentText),
		ReplyToID:   opts.ReplyToID,
		ParseMode:   string(opts.ParseMode),
		Metadata:    opts.Metadata,
	})
}

func (a *Adapter) SendMediaMessage(ctx context.Context, cfg channel.ChannelConfig, recipientID, mediaURL string, mediaType channel.ContentType, caption string, opts channel.SendOptions) (*channel.SendResult, error) {
	return a.deliver(ctx, cfg, "send_media", outboundMessage{
		RecipientID: recipientID,
		Content:     caption,
		ContentType: string(mediaType),
		MediaURL:    mediaURL,
		ReplyToID:   opts.ReplyToID,
		ParseMode:   string(opts.ParseMode),
		Metadata:    opts.Metadata,
	})
}

// DownloadMedia fetches attachments hosted on the outbound_url or
// media_base_url origin. Other hosts are refused.
func (a *Adapter) DownloadMedia(ctx context.Context, cfg channel.ChannelConfig, mediaRef string) (*channel.Media, error) {
	policy := channel.HostPolicy{Configured: []string{
		cfg.SettingString(SettingOutboundURL, ""),
		cfg.SettingString(SettingMediaBaseURL, ""),
	}}
	if err := policy.Check(channel.Webhook, mediaRef); err != nil {
		return nil, err
	}
	var headers map[string]string
	if token := cfg.Credential(CredentialAuthToken); token != "" {
		headers = channel.Bearer(token)
	}
	return channel.Fetch(ctx, a.client, channel.Webhook, mediaRef, headers)
}

func (a *Adapter) ExtractSignature(h http.Header) channel.Signature {
	return channel.Signature{Value: h.Get(SignatureHeader)}
}

func (a *Adapter) ValidateSignature(payload []byte, sig channel.Signature, secret string) bool {
	return channel.VerifyHMACSHA256(payload, sig.Value, secret)
}

// HandleVerification echoes ?challenge= when ?verify_token= matches.
func (a *Adapter) HandleVerification(query url.Values, verifyToken string) *channel.VerificationResponse {
	challenge := query.Get("challenge")
	if challenge == "" {
		return nil
	}
	if !channel.TokenEqual(query.Get("verify_token"), verifyToken) {
		return &channel.VerificationResponse{StatusCode: http.StatusForbidden, Body: "Forbidden", ContentType: "text/plain"}
	}
	return &channel.VerificationResponse{StatusCode: http.StatusOK, Body: challenge, ContentType: "text/plain"}
}
