package meta

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"omnidesk/pkg/channel"
)

// CredentialPageToken is the ChannelConfig credential holding the page access token.
const CredentialPageToken = "page_access_token"

// Envelope is the Messenger platform webhook body.
type Envelope struct {
	Object string  `json:"object"`
	Entry  []Entry `json:"entry"`
}

type Entry struct {
	ID        string           `json:"id"`
	Time      int64            `json:"time"`
	Messaging []MessagingEvent `json:"messaging"`
}

type Party struct {
	ID string `json:"id"`
}

type MessagingEvent struct {
	Sender    Party     `json:"sender"`
	Recipient Party     `json:"recipient"`
	Timestamp int64     `json:"timestamp"`
	Message   *Message  `json:"message,omitempty"`
	Postback  *Postback `json:"postback,omitempty"`
}

type Message struct {
	Mid           string       `json:"mid"`
	Text          string       `json:"text"`
	IsEcho        bool         `json:"is_echo"`
	IsDeleted     bool         `json:"is_deleted"`
	IsUnsupported bool         `json:"is_unsupported"`
	Attachments   []Attachment `json:"attachments"`
	QuickReply    *struct {
		Payload string `json:"payload"`
	} `json:"quick_reply,omitempty"`
	ReplyTo *struct {
		Mid string `json:"mid"`
	} `json:"reply_to,omitempty"`
}

type Attachment struct {
	Type    string `json:"type"`
	Payload struct {
		URL         string `json:"url"`
		Title       string `json:"title"`
		Coordinates *struct {
			Lat  float64 `json:"lat"`
			Long float64 `json:"long"`
		} `json:"coordinates,omitempty"`
	} `json:"payload"`
}

type Postback struct {
	Mid     string `json:"mid"`
	Title   string `json:"title"`
	Payload string `json:"payload"`
}

// Messaging implements the adapter contract for the channels built on the
// Messenger send and webhook APIs.
type Messaging struct {
	channel channel.Type
	object  string
	// documentsAsLinks sends document media as a plain link.
	documentsAsLinks bool
	client           channel.HTTPClient
	now              func() time.Time
}

// NewMessaging builds the shared implementation for one channel.
func NewMessaging(ch channel.Type, object string, documentsAsLinks bool, client channel.HTTPClient) *Messaging {
	if client == nil {
		client = channel.NewHTTPClient(0)
	}
	return &Messaging{
		channel:          ch,
		object:           object,
		documentsAsLinks: documentsAsLinks,
		client:           client,
		now:              time.Now,
	}
}

func (m *Messaging) Name() channel.Type { return m.channel }

func (m *Messaging) ParseMessage(payload []byte) (*channel.UnifiedMessage, error) {
	msgs, err := m.ParseMessages(payload)
	if err != nil || len(msgs) == 0 {
		return nil, err
	}
	return msgs[0], nil
}

func (m *Messaging) ParseMessages(payload []byte) ([]*channel.UnifiedMessage, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, channel.Malformed(m.channel, err)
	}
	if env.Object != m.object {
		return nil, nil
	}

	var out []*channel.UnifiedMessage
	for _, entry := range env.Entry {
		for _, ev := range entry.Messaging {
			if msg := m.toUnified(entry.ID, ev); msg != nil {
				out = append(out, msg)
			}
		}
	}
	return out, nil
}

func (m *Messaging) toUnified(accountID string, ev MessagingEvent) *channel.UnifiedMessage {
	if ev.Sender.ID == "" {
		return nil
	}
	msg := &channel.UnifiedMessage{
		Channel:   m.channel,
		SenderID:  ev.Sender.ID,
		Timestamp: channel.UnixTime(ev.Timestamp),
	}
	msg.SetMeta(channel.MetaAccountID, accountID)
	msg.SetMeta("recipientId", ev.Recipient.ID)

	switch {
	case ev.Message != nil:
		in := ev.Message
		if in.Mid == "" || in.IsEcho || in.IsDeleted || in.IsUnsupported {
			return nil
		}
		msg.ExternalID = in.Mid
		msg.Content = in.Text
		if in.ReplyTo != nil {
			msg.ReplyToID = in.ReplyTo.Mid
		}
		if in.QuickReply != nil {
			msg.SetMeta("quickReplyPayload", in.QuickReply.Payload)
		}
		for _, att := range in.Attachments {
			m.addAttachment(msg, att)
		}
		if msg.Content == "" && len(msg.Attachments) == 0 && msg.ContentType != channel.ContentLocation {
			return nil
		}
		if msg.ContentType == "" {
			msg.ContentType = channel.ContentText
		}

	case ev.Postback != nil:
		if ev.Postback.Mid == "" {
			return nil
		}
		msg.ExternalID = ev.Postback.Mid
		msg.Content = ev.Postback.Title
		if msg.Content == "" {
			msg.Content = ev.Postback.Payload
		}
		msg.ContentType = channel.ContentText
		msg.SetMeta("postbackPayload", ev.Postback.Payload)

	default:
		return nil
	}

	if msg.Timestamp.IsZero() {
		msg.Timestamp = m.now().UTC()
	}
	return msg
}

func (m *Messaging) addAttachment(msg *channel.UnifiedMessage, att Attachment) {
	if att.Type == "location" {
		if c := att.Payload.Coordinates; c != nil {
			msg.ContentType = channel.ContentLocation
			if msg.Content == "" {
				msg.Content = fmt.Sprintf("%f,%f", c.Lat, c.Long)
			}
			msg.SetMeta("latitude", c.Lat)
			msg.SetMeta("longitude", c.Long)
		}
		return
	}

	ct := channel.ParseContentType(att.Type)
	if ct == "" || att.Payload.URL == "" {
		return
	}
	msg.Attachments = append(msg.Attachments, channel.MessageAttachment{
		Type:     ct,
		URL:      att.Payload.URL,
		Filename: att.Payload.Title,
	})
	if msg.ContentType == "" {
		msg.ContentType = ct
	}
}

type sendRequest struct {
	Recipient     Party          `json:"recipient"`
	MessagingType string         `json:"messaging_type,omitempty"`
	Message       map[string]any `json:"message,omitempty"`
	SenderAction  string         `json:"sender_action,omitempty"`
}

func (m *Messaging) endpoint(cfg channel.ChannelConfig) (string, error) {
	token, err := channel.RequireCredential(cfg, m.channel, CredentialPageToken)
	if err != nil {
		return "", err
	}
	return cfg.BaseURL(DefaultGraphURL) + "/me/messages?access_token=" + url.QueryEscape(token), nil
}

func (m *Messaging) post(ctx context.Context, cfg channel.ChannelConfig, op string, body sendRequest) (*channel.SendResult, error) {
	endpoint, err := m.endpoint(cfg)
	if err != nil {
		return nil, err
	}
	var resp SendResponse
	if err := channel.DoJSON(ctx, m.client, channel.Request{
		Channel:   m.channel,
		Operation: op,
		Method:    http.MethodPost,
		URL:       endpoint,
		Body:      body,
	}, &resp); err != nil {
		return nil, err
	}
	return &channel.SendResult{MessageID: resp.MessageID, Channel: m.channel, Timestamp: m.now().UTC()}, nil
}

func (m *Messaging) SendMessage(ctx context.Context, cfg channel.ChannelConfig, recipientID, content string, opts channel.SendOptions) (*channel.SendResult, error) {
	message := map[string]any{"text": content}
	if opts.ReplyToID != "" {
		message["reply_to"] = map[string]string{"mid": opts.ReplyToID}
	}
	return m.post(ctx, cfg, "send_message", sendRequest{
		Recipient:     Party{ID: recipientID},
		MessagingType: "RESPONSE",
		Message:       message,
	})
}

func (m *Messaging) SendMediaMessage(ctx context.Context, cfg channel.ChannelConfig, recipientID, mediaURL string, mediaType channel.ContentType, caption string, opts channel.SendOptions) (*channel.SendResult, error) {
	var attType string
	switch mediaType {
	case channel.ContentImage, channel.ContentAudio, channel.ContentVideo:
		attType = string(mediaType)
	case channel.ContentDocument:
		attType = "file"
	}

	if attType == "" || (mediaType == channel.ContentDocument && m.documentsAsLinks) {
		text := mediaURL
		if caption != "" {
			text = caption + "\n" + mediaURL
		}
		return m.SendMessage(ctx, cfg, recipientID, text, opts)
	}

	result, err := m.post(ctx, cfg, "send_media", sendRequest{
		Recipient:     Party{ID: recipientID},
		MessagingType: "RESPONSE",
		Message: map[string]any{
			"attachment": map[string]any{
				"type":    attType,
				"payload": map[string]any{"url": mediaURL, "is_reusable": true},
			},
		},
	})
	if err != nil {
		return nil, err
	}
	if caption != "" {
		if _, err := m.SendMessage(ctx, cfg, recipientID, caption, channel.SendOptions{}); err != nil {
			return result, fmt.Errorf("%s: media sent but caption failed: %w", m.channel, err)
		}
	}
	return result, nil
}

// CDNHosts serve Messenger and Instagram attachment URLs.
var CDNHosts = []string{"*.fbcdn.net", "*.fbsbx.com", "*.cdninstagram.com"}

// DownloadMedia fetches an attachment CDN URL directly.
func (m *Messaging) DownloadMedia(ctx context.Context, cfg channel.ChannelConfig, mediaRef string) (*channel.Media, error) {
	if !strings.HasPrefix(mediaRef, "http://") && !strings.HasPrefix(mediaRef, "https://") {
		return nil, &channel.ConfigError{Channel: m.channel, Field: "mediaRef", Reason: "not a URL"}
	}
	policy := channel.HostPolicy{Provider: CDNHosts, Configured: []string{cfg.BaseURL(DefaultGraphURL)}}
	if err := policy.Check(m.channel, mediaRef); err != nil {
		return nil, err
	}
	return channel.Fetch(ctx, m.client, m.channel, mediaRef, nil)
}

func (m *Messaging) SendTyping(ctx context.Context, cfg channel.ChannelConfig, recipientID string) error {
	_, err := m.post(ctx, cfg, "typing", sendRequest{Recipient: Party{ID: recipientID}, SenderAction: "typing_on"})
	return err
}

func (m *Messaging) MarkRead(ctx context.Context, cfg channel.ChannelConfig, recipientID, _ string) error {
	_, err := m.post(ctx, cfg, "mark_read", sendRequest{Recipient: Party{ID: recipientID}, SenderAction: "mark_seen"})
	return err
}

func (m *Messaging) ExtractSignature(h http.Header) channel.Signature {
	return ExtractSignature(h)
}

func (m *Messaging) ValidateSignature(payload []byte, sig channel.Signature, secret string) bool {
	return ValidateSignature(payload, sig, secret)
}

func (m *Messaging) HandleVerification(query url.Values, verifyToken string) *channel.VerificationResponse {
	return HandleVerification(query, verifyToken)
}
