// Package whatsapp adapts the WhatsApp Business Cloud API.
package whatsapp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"omnidesk/pkg/channel"
	"omnidesk/pkg/channel/meta"
)

type Adapter struct {
	client channel.HTTPClient
	now    func() time.Time
}

// New returns a WhatsApp adapter. A nil client selects the default HTTP client.
func New(client channel.HTTPClient) *Adapter {
	if client == nil {
		client = channel.NewHTTPClient(0)
	}
	return &Adapter{client: client, now: time.Now}
}

func (a *Adapter) Name() channel.Type { return channel.WhatsApp }

func (a *Adapter) ParseMessage(payload []byte) (*channel.UnifiedMessage, error) {
	msgs, err := a.ParseMessages(payload)
	if err != nil || len(msgs) == 0 {
		return nil, err
	}
	return msgs[0], nil
}

// ParseMessages returns every customer message in a webhook body. Status
// callbacks and reactions yield no messages.
func (a *Adapter) ParseMessages(payload []byte) ([]*channel.UnifiedMessage, error) {
	var body webhookPayload
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, channel.Malformed(channel.WhatsApp, err)
	}
	if body.Object != WebhookObject {
		return nil, nil
	}

	var out []*channel.UnifiedMessage
	for _, e := range body.Entry {
		for _, ch := range e.Changes {
			if ch.Field != "" && ch.Field != "messages" {
				continue
			}
			names := make(map[string]string, len(ch.Value.Contacts))
			for _, c := range ch.Value.Contacts {
				names[c.WaID] = c.Profile.Name
			}
			for _, m := range ch.Value.Messages {
				if msg := a.toUnified(m, ch.Value, names); msg != nil {
					out = append(out, msg)
				}
			}
		}
	}
	return out, nil
}

func (a *Adapter) toUnified(m inboundMessage, value changeValue, names map[string]string) *channel.UnifiedMessage {
	if m.ID == "" || m.From == "" {
		return nil
	}

	msg := &channel.UnifiedMessage{
		ExternalID: m.ID,
		Channel:    channel.WhatsApp,
		SenderID:   m.From,
		SenderName: names[m.From],
	}
	if ts, err := strconv.ParseInt(m.Timestamp, 10, 64); err == nil {
		msg.Timestamp = channel.UnixTime(ts)
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = a.now().UTC()
	}
	if m.Context != nil {
		msg.ReplyToID = m.Context.ID
	}
	msg.SetMeta(channel.MetaAccountID, value.Metadata.PhoneNumberID)
	msg.SetMeta("displayPhoneNumber", value.Metadata.DisplayPhoneNumber)

	switch m.Type {
	case typeText:
		if m.Text == nil {
			return nil
		}
		msg.ContentType = channel.ContentText
		msg.Content = m.Text.Body

	case typeImage, typeSticker:
		media := m.Image
		if m.Type == typeSticker {
			media = m.Sticker
		}
		if !attachMedia(msg, channel.ContentImage, media) {
			return nil
		}

	case typeAudio:
		if !attachMedia(msg, channel.ContentAudio, m.Audio) {
			return nil
		}

	case typeVideo:
		if !attachMedia(msg, channel.ContentVideo, m.Video) {
			return nil
		}

	case typeDocument:
		if !attachMedia(msg, channel.ContentDocument, m.Document) {
			return nil
		}

	case typeLocation:
		if m.Location == nil {
			return nil
		}
		msg.ContentType = channel.ContentLocation
		msg.Content = fmt.Sprintf("%f,%f", m.Location.Latitude, m.Location.Longitude)
		msg.SetMeta("latitude", m.Location.Latitude)
		msg.SetMeta("longitude", m.Location.Longitude)
		msg.SetMeta("locationName", m.Location.Name)
		msg.SetMeta("locationAddress", m.Location.Address)

	case typeInteractive:
		if m.Interactive == nil {
			return nil
		}
		msg.ContentType = channel.ContentText
		switch {
		case m.Interactive.ButtonReply != nil:
			msg.Content = m.Interactive.ButtonReply.Title
			msg.SetMeta("replyId", m.Interactive.ButtonReply.ID)
		case m.Interactive.ListReply != nil:
			msg.Content = m.Interactive.ListReply.Title
			msg.SetMeta("replyId", m.Interactive.ListReply.ID)
		default:
			return nil
		}

	case typeButton:
		if m.Button == nil {
			return nil
		}
		msg.ContentType = channel.ContentText
		msg.Content = m.Button.Text
		msg.SetMeta("replyId", m.Button.Payload)

	default:
		// reactions, system notices, unsupported content
		return nil
	}
	return msg
}

func attachMedia(msg *channel.UnifiedMessage, ct channel.ContentType, media *mediaObject) bool {
	if media == nil || media.ID == "" {
		return false
	}
	msg.ContentType = ct
	msg.Content = media.Caption
	msg.Attachments = append(msg.Attachments, channel.MessageAttachment{
		Type:     ct,
		MediaID:  media.ID,
		MimeType: media.MimeType,
		Filename: media.Filename,
	})
	return true
}

type credentials struct {
	token         string
	phoneNumberID string
	baseURL       string
}

func narrow(cfg channel.ChannelConfig) (credentials, error) {
	token, err := channel.RequireCredential(cfg, channel.WhatsApp, CredentialAccessToken)
	if err != nil {
		return credentials{}, err
	}
	phoneID, err := channel.RequireCredential(cfg, channel.WhatsApp, CredentialPhoneNumberID)
	if err != nil {
		return credentials{}, err
	}
	return credentials{token: token, phoneNumberID: phoneID, baseURL: cfg.BaseURL(meta.DefaultGraphURL)}, nil
}

func (a *Adapter) send(ctx context.Context, cfg channel.ChannelConfig, op string, body map[string]any) (*channel.SendResult, error) {
	creds, err := narrow(cfg)
	if err != nil {
		return nil, err
	}
	body["messaging_product"] = "whatsapp"

	var resp sendResponse
	if err := channel.DoJSON(ctx, a.client, channel.Request{
		Channel:   channel.WhatsApp,
		Operation: op,
		Method:    http.MethodPost,
		URL:       creds.baseURL + "/" + url.PathEscape(creds.phoneNumberID) + "/messages",
		Headers:   channel.Bearer(creds.token),
		Body:      body,
	}, &resp); err != nil {
		return nil, err
	}

	result := &channel.SendResult{Channel: channel.WhatsApp, Timestamp: a.now().UTC()}
	if len(resp.Messages) > 0 {
		result.MessageID = resp.Messages[0].ID
	}
	return result, nil
}

func (a *Adapter) SendMessage(ctx context.Context, cfg channel.ChannelConfig, recipientID, content string, opts channel.SendOptions) (*channel.SendResult, error) {
	body := map[string]any{
		"recipient_type": "individual",
		"to":             recipientID,
		"type":           typeText,
		"text":           map[string]any{"body": content, "preview_url": cfg.SettingBool("preview_url")},
	}
	if opts.ReplyToID != "" {
		body["context"] = map[string]string{"message_id": opts.ReplyToID}
	}
	return a.send(ctx, cfg, "send_message", body)
}

func (a *Adapter) SendMediaMessage(ctx context.Context, cfg channel.ChannelConfig, recipientID, mediaURL string, mediaType channel.ContentType, caption string, opts channel.SendOptions) (*channel.SendResult, error) {
	media := map[string]any{"link": mediaURL}
	trailingCaption := ""

	switch mediaType {
	case channel.ContentImage, channel.ContentVideo:
		if caption != "" {
			media["caption"] = caption
		}
	case channel.ContentDocument:
		if caption != "" {
			media["caption"] = caption
		}
		if name := opts.MetaString("filename"); name != "" {
			media["filename"] = name
		}
	case channel.ContentAudio:
		trailingCaption = caption
	default:
		return nil, channel.NewUnsupportedCapability(channel.WhatsApp, "send_media:"+string(mediaType))
	}

	body := map[string]any{
		"recipient_type":  "individual",
		"to":              recipientID,
		"type":            string(mediaType),
		string(mediaType): media,
	}
	if opts.ReplyToID != "" {
		body["context"] = map[string]string{"message_id": opts.ReplyToID}
	}

	result, err := a.send(ctx, cfg, "send_media", body)
	if err != nil {
		return nil, err
	}
	if trailingCaption != "" {
		if _, err := a.SendMessage(ctx, cfg, recipientID, trailingCaption, channel.SendOptions{}); err != nil {
			return result, fmt.Errorf("whatsapp: audio sent but caption failed: %w", err)
		}
	}
	return result, nil
}

// DownloadMedia resolves a media id to its short-lived URL and fetches it
// with the same bearer token.
func (a *Adapter) DownloadMedia(ctx context.Context, cfg channel.ChannelConfig, mediaRef string) (*channel.Media, error) {
	token, err := channel.RequireCredential(cfg, channel.WhatsApp, CredentialAccessToken)
	if err != nil {
		return nil, err
	}

	var info mediaInfo
	if err := channel.DoJSON(ctx, a.client, channel.Request{
		Channel:   channel.WhatsApp,
		Operation: "resolve_media",
		Method:    http.MethodGet,
		URL:       cfg.BaseURL(meta.DefaultGraphURL) + "/" + url.PathEscape(mediaRef),
		Headers:   channel.Bearer(token),
	}, &info); err != nil {
		return nil, err
	}
	if info.URL == "" {
		return nil, fmt.Errorf("whatsapp: media %s has no download url", mediaRef)
	}

	media, err := channel.Fetch(ctx, a.client, channel.WhatsApp, info.URL, channel.Bearer(token))
	if err != nil {
		return nil, err
	}
	if info.MimeType != "" {
		media.MimeType = info.MimeType
	}
	return media, nil
}

func (a *Adapter) MarkRead(ctx context.Context, cfg channel.ChannelConfig, _ string, messageID string) error {
	_, err := a.send(ctx, cfg, "mark_read", map[string]any{
		"status":     "read",
		"message_id": messageID,
	})
	return err
}

func (a *Adapter) ExtractSignature(h http.Header) channel.Signature {
	return meta.ExtractSignature(h)
}

func (a *Adapter) ValidateSignature(payload []byte, sig channel.Signature, secret string) bool {
	return meta.ValidateSignature(payload, sig, secret)
}

func (a *Adapter) HandleVerification(query url.Values, verifyToken string) *channel.VerificationResponse {
	return meta.HandleVerification(query, verifyToken)
}
