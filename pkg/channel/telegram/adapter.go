// Package telegram adapts the Telegram Bot API through telegram-bot-api.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"omnidesk/pkg/channel"
)

const (
	DefaultAPIURL = "https://api.telegram.org"

	CredentialBotToken = "bot_token"

	SecretHeader = "X-Telegram-Bot-Api-Secret-Token"
)

type Adapter struct {
	client channel.HTTPClient
	now    func() time.Time
}

// New returns a Telegram adapter. A nil client selects the default HTTP client.
func New(client channel.HTTPClient) *Adapter {
	if client == nil {
		client = channel.NewHTTPClient(0)
	}
	return &Adapter{client: client, now: time.Now}
}

func (a *Adapter) Name() channel.Type { return channel.Telegram }

// ParseMessage handles new private or group messages only. Edits, channel
// posts, callback queries, and messages from bots yield nil.
func (a *Adapter) ParseMessage(payload []byte) (*channel.UnifiedMessage, error) {
	var update tgbotapi.Update
	if err := json.Unmarshal(payload, &update); err != nil {
		return nil, channel.Malformed(channel.Telegram, err)
	}

	m := update.Message
	if m == nil || m.Chat == nil || m.From == nil || m.From.IsBot || m.MessageID == 0 {
		return nil, nil
	}

	chatID := strconv.FormatInt(m.Chat.ID, 10)
	msg := &channel.UnifiedMessage{
		ExternalID: composeID(chatID, m.MessageID),
		Channel:    channel.Telegram,
		SenderID:   strconv.FormatInt(m.From.ID, 10),
		SenderName: displayName(m.From),
		Content:    m.Text,
		Timestamp:  channel.UnixTime(int64(m.Date)),
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = a.now().UTC()
	}
	if m.ReplyToMessage != nil {
		msg.ReplyToID = composeID(chatID, m.ReplyToMessage.MessageID)
	}
	msg.SetMeta(channel.MetaConversationID, chatID)
	msg.SetMeta(channel.MetaChatType, m.Chat.Type)
	msg.SetMeta("username", m.From.UserName)

	switch {
	case m.Text != "":
		msg.ContentType = channel.ContentText
	case len(m.Photo) > 0:
		// sizes are ordered smallest first
		p := m.Photo[len(m.Photo)-1]
		attach(msg, channel.ContentImage, p.FileID, "image/jpeg", "", p.FileSize, m.Caption)
	case m.Sticker != nil:
		attach(msg, channel.ContentImage, m.Sticker.FileID, "image/webp", "", m.Sticker.FileSize, m.Caption)
	case m.Voice != nil:
		attach(msg, channel.ContentAudio, m.Voice.FileID, m.Voice.MimeType, "", m.Voice.FileSize, m.Caption)
	case m.Audio != nil:
		attach(msg, channel.ContentAudio, m.Audio.FileID, m.Audio.MimeType, m.Audio.FileName, m.Audio.FileSize, m.Caption)
	case m.Video != nil:
		attach(msg, channel.ContentVideo, m.Video.FileID, m.Video.MimeType, m.Video.FileName, m.Video.FileSize, m.Caption)
	case m.VideoNote != nil:
		attach(msg, channel.ContentVideo, m.VideoNote.FileID, "video/mp4", "", m.VideoNote.FileSize, m.Caption)
	case m.Document != nil:
		attach(msg, channel.ContentDocument, m.Document.FileID, m.Document.MimeType, m.Document.FileName, m.Document.FileSize, m.Caption)
	case m.Location != nil:
		msg.ContentType = channel.ContentLocation
		msg.Content = fmt.Sprintf("%f,%f", m.Location.Latitude, m.Location.Longitude)
		msg.SetMeta("latitude", m.Location.Latitude)
		msg.SetMeta("longitude", m.Location.Longitude)
	default:
		// service messages: joins, pins, title changes
		return nil, nil
	}
	return msg, nil
}

func attach(msg *channel.UnifiedMessage, ct channel.ContentType, fileID, mimeType, filename string, size int, caption string) {
	msg.ContentType = ct
	msg.Content = caption
	msg.Attachments = append(msg.Attachments, channel.MessageAttachment{
		Type:     ct,
		MediaID:  fileID,
		MimeType: mimeType,
		Filename: filename,
		Size:     int64(size),
	})
}

func composeID(chatID string, messageID int) string {
	return chatID + ":" + strconv.Itoa(messageID)
}

// messageIDFrom accepts either a bare message id or the composed chat:id form.
func messageIDFrom(ref string) int {
	if i := strings.LastIndexByte(ref, ':'); i >= 0 {
		ref = ref[i+1:]
	}
	id, _ := strconv.Atoi(ref)
	return id
}

func displayName(u *tgbotapi.User) string {
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" {
		return u.UserName
	}
	return name
}

// contextClient binds a request context to the bot library, which builds
// its requests without one. It keeps the last error response body so
// failures report what the Bot API actually returned.
type contextClient struct {
	ctx    context.Context
	next   channel.HTTPClient
	status int
	raw    []byte
}

func (c *contextClient) Do(req *http.Request) (*http.Response, error) {
	resp, err := c.next.Do(req.WithContext(c.ctx))
	if err != nil || resp.StatusCode < http.StatusBadRequest {
		return resp, err
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, channel.MaxErrorBodyBytes))
	resp.Body.Close()
	if err != nil {
		return nil, err
	}
	c.status, c.raw = resp.StatusCode, raw
	resp.Body = io.NopCloser(bytes.NewReader(raw))
	return resp, nil
}

func (a *Adapter) bot(ctx context.Context, cfg channel.ChannelConfig) (*tgbotapi.BotAPI, *contextClient, error) {
	token, err := channel.RequireCredential(cfg, channel.Telegram, CredentialBotToken)
	if err != nil {
		return nil, nil, err
	}
	client := &contextClient{ctx: ctx, next: a.client}
	bot := &tgbotapi.BotAPI{
		Token:  token,
		Client: client,
		Buffer: 100,
	}
	bot.SetAPIEndpoint(cfg.BaseURL(DefaultAPIURL) + "/bot%s/%s")
	return bot, client, nil
}

func parseChatID(recipientID string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(recipientID), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("telegram: invalid chat id %q: %w", recipientID, err)
	}
	return id, nil
}

func parseMode(mode channel.ParseMode) string {
	switch mode {
	case channel.ParseMarkdown:
		return tgbotapi.ModeMarkdownV2
	case channel.ParseHTML:
		return tgbotapi.ModeHTML
	}
	return ""
}

func (a *Adapter) request(ctx context.Context, cfg channel.ChannelConfig, op string, c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	bot, client, err := a.bot(ctx, cfg)
	if err != nil {
		return nil, err
	}
	resp, err := bot.Request(c)
	if err != nil {
		return nil, translateError(op, client, err)
	}
	return resp, nil
}

func (a *Adapter) sent(chatID int64, resp *tgbotapi.APIResponse) (*channel.SendResult, error) {
	var m tgbotapi.Message
	if err := json.Unmarshal(resp.Result, &m); err != nil {
		return nil, fmt.Errorf("telegram: failed to decode sent message: %w", err)
	}
	return &channel.SendResult{
		MessageID: composeID(strconv.FormatInt(chatID, 10), m.MessageID),
		Channel:   channel.Telegram,
		Timestamp: a.now().UTC(),
	}, nil
}

func (a *Adapter) SendMessage(ctx context.Context, cfg channel.ChannelConfig, recipientID, content string, opts channel.SendOptions) (*channel.SendResult, error) {
	chatID, err := parseChatID(recipientID)
	if err != nil {
		return nil, err
	}
	msg := tgbotapi.NewMessage(chatID, content)
	msg.ParseMode = parseMode(opts.ParseMode)
	msg.ReplyToMessageID = messageIDFrom(opts.ReplyToID)
	msg.DisableWebPagePreview = !cfg.SettingBool("link_preview")

	resp, err := a.request(ctx, cfg, "send_message", msg)
	if err != nil {
		return nil, err
	}
	return a.sent(chatID, resp)
}

func (a *Adapter) SendMediaMessage(ctx context.Context, cfg channel.ChannelConfig, recipientID, mediaURL string, mediaType channel.ContentType, caption string, opts channel.SendOptions) (*channel.SendResult, error) {
	chatID, err := parseChatID(recipientID)
	if err != nil {
		return nil, err
	}
	file := tgbotapi.FileURL(mediaURL)
	replyTo := messageIDFrom(opts.ReplyToID)
	mode := parseMode(opts.ParseMode)

	var c tgbotapi.Chattable
	switch mediaType {
	case channel.ContentImage:
		m := tgbotapi.NewPhoto(chatID, file)
		m.Caption, m.ParseMode, m.ReplyToMessageID = caption, mode, replyTo
		c = m
	case channel.ContentAudio:
		m := tgbotapi.NewAudio(chatID, file)
		m.Caption, m.ParseMode, m.ReplyToMessageID = caption, mode, replyTo
		c = m
	case channel.ContentVideo:
		m := tgbotapi.NewVideo(chatID, file)
		m.Caption, m.ParseMode, m.ReplyToMessageID = caption, mode, replyTo
		c = m
	case channel.ContentDocument:
		m := tgbotapi.NewDocument(chatID, file)
		m.Caption, m.ParseMode, m.ReplyToMessageID = caption, mode, replyTo
		c = m
	default:
		return nil, channel.NewUnsupportedCapability(channel.Telegram, "send_media:"+string(mediaType))
	}

	resp, err := a.request(ctx, cfg, "send_media", c)
	if err != nil {
		return nil, err
	}
	return a.sent(chatID, resp)
}

// DownloadMedia resolves a file id with getFile and fetches the file path.
func (a *Adapter) DownloadMedia(ctx context.Context, cfg channel.ChannelConfig, mediaRef string) (*channel.Media, error) {
	bot, client, err := a.bot(ctx, cfg)
	if err != nil {
		return nil, err
	}
	file, err := bot.GetFile(tgbotapi.FileConfig{FileID: mediaRef})
	if err != nil {
		return nil, translateError("get_file", client, err)
	}
	if file.FilePath == "" {
		return nil, fmt.Errorf("telegram: file %s has no path", mediaRef)
	}

	link := fmt.Sprintf(cfg.BaseURL(DefaultAPIURL)+"/file/bot%s/%s", bot.Token, file.FilePath)
	return channel.Fetch(ctx, a.client, channel.Telegram, link, nil)
}

func (a *Adapter) SendTyping(ctx context.Context, cfg channel.ChannelConfig, recipientID string) error {
	chatID, err := parseChatID(recipientID)
	if err != nil {
		return err
	}
	_, err = a.request(ctx, cfg, "typing", tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping))
	return err
}

// translateError turns Bot API failures into APIError carrying the body the
// Bot API returned.
func translateError(op string, client *contextClient, err error) error {
	var tgErr *tgbotapi.Error
	if !errors.As(err, &tgErr) {
		return fmt.Errorf("telegram: %s failed: %w", op, err)
	}
	apiErr := &channel.APIError{
		Channel:    channel.Telegram,
		Operation:  op,
		StatusCode: tgErr.Code,
		Body:       tgErr.Message,
	}
	if client != nil && len(client.raw) > 0 {
		apiErr.Body = string(client.raw)
		apiErr.StatusCode = client.status
	}
	return apiErr
}

func (a *Adapter) ExtractSignature(h http.Header) channel.Signature {
	return channel.Signature{Value: h.Get(SecretHeader)}
}

// ValidateSignature compares the static secret token Telegram echoes back.
func (a *Adapter) ValidateSignature(_ []byte, sig channel.Signature, secret string) bool {
	return channel.TokenEqual(sig.Value, secret)
}

func (a *Adapter) HandleVerification(url.Values, string) *channel.VerificationResponse {
	return nil
}
