// Package slack adapts Slack Events API deliveries and chat.postMessage.
package slack

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	slackapi "github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"

	"omnidesk/pkg/channel"
)

const (
	DefaultAPIURL = "https://slack.com/api"

	CredentialBotToken = "bot_token"

	signatureHeader = "X-Slack-Signature"
	timestampHeader = "X-Slack-Request-Timestamp"
)

type eventEnvelope struct {
	Type      string          `json:"type"`
	Challenge string          `json:"challenge"`
	TeamID    string          `json:"team_id"`
	EventID   string          `json:"event_id"`
	Event     json.RawMessage `json:"event"`
}

type file struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Mimetype   string `json:"mimetype"`
	URLPrivate string `json:"url_private"`
	Size       int64  `json:"size"`
}

type messageEvent struct {
	Type        string `json:"type"`
	Subtype     string `json:"subtype"`
	Channel     string `json:"channel"`
	ChannelType string `json:"channel_type"`
	User        string `json:"user"`
	BotID       string `json:"bot_id"`
	Text        string `json:"text"`
	TS          string `json:"ts"`
	ThreadTS    string `json:"thread_ts"`
	Files       []file `json:"files"`
}

// subtypes that still carry a human-authored message
var messageSubtypes = map[string]bool{
	"":                 true,
	"file_share":       true,
	"thread_broadcast": true,
}

type Adapter struct {
	client channel.HTTPClient
	now    func() time.Time
}

// New returns a Slack adapter. A nil client selects the default HTTP client.
func New(client channel.HTTPClient) *Adapter {
	if client == nil {
		client = channel.NewHTTPClient(0)
	}
	return &Adapter{client: client, now: time.Now}
}

func (a *Adapter) Name() channel.Type { return channel.Slack }

func (a *Adapter) ParseMessage(payload []byte) (*channel.UnifiedMessage, error) {
	var env eventEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, channel.Malformed(channel.Slack, err)
	}
	if env.Type != slackevents.CallbackEvent || len(env.Event) == 0 {
		return nil, nil
	}

	var ev messageEvent
	if err := json.Unmarshal(env.Event, &ev); err != nil {
		return nil, channel.Malformed(channel.Slack, err)
	}
	if ev.Type != "message" && ev.Type != "app_mention" {
		return nil, nil
	}
	if ev.BotID != "" || !messageSubtypes[ev.Subtype] || ev.User == "" || ev.Channel == "" || ev.TS == "" {
		return nil, nil
	}

	msg := &channel.UnifiedMessage{
		ExternalID:  ev.Channel + ":" + ev.TS,
		Channel:     channel.Slack,
		SenderID:    ev.User,
		Content:     ev.Text,
		ContentType: channel.ContentText,
		Timestamp:   parseTS(ev.TS),
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = a.now().UTC()
	}
	if ev.ThreadTS != "" && ev.ThreadTS != ev.TS {
		msg.ReplyToID = ev.Channel + ":" + ev.ThreadTS
	}
	msg.SetMeta(channel.MetaConversationID, ev.Channel)
	msg.SetMeta(channel.MetaThreadID, ev.ThreadTS)
	msg.SetMeta(channel.MetaChatType, ev.ChannelType)
	msg.SetMeta(channel.MetaTenantID, env.TeamID)
	msg.SetMeta("eventId", env.EventID)

	for _, f := range ev.Files {
		if f.URLPrivate == "" {
			continue
		}
		ct := channel.ContentTypeFromMIME(f.Mimetype)
		msg.Attachments = append(msg.Attachments, channel.MessageAttachment{
			Type:     ct,
			URL:      f.URLPrivate,
			MimeType: f.Mimetype,
			Filename: f.Name,
			Size:     f.Size,
		})
		if msg.Content == "" && len(msg.Attachments) == 1 {
			msg.ContentType = ct
		}
	}
	if msg.Content == "" && len(msg.Attachments) == 0 {
		return nil, nil
	}
	return msg, nil
}

// parseTS reads Slack's "seconds.micros" message timestamps.
func parseTS(ts string) time.Time {
	sec, frac, _ := strings.Cut(ts, ".")
	s, err := strconv.ParseInt(sec, 10, 64)
	if err != nil || s <= 0 {
		return time.Time{}
	}
	var micros int64
	if frac != "" {
		micros, _ = strconv.ParseInt((frac + "000000")[:6], 10, 64)
	}
	return time.Unix(s, micros*int64(time.Microsecond)).UTC()
}

// HandleBodyVerification answers the url_verification challenge.
func (a *Adapter) HandleBodyVerification(payload []byte) *channel.VerificationResponse {
	var env eventEnvelope
	if err := json.Unmarshal(payload, &env); err != nil || env.Type != slackevents.URLVerification {
		return nil
	}
	return &channel.VerificationResponse{
		StatusCode:  http.StatusOK,
		Body:        env.Challenge,
		ContentType: "text/plain",
	}
}

func (a *Adapter) api(cfg channel.ChannelConfig) (*slackapi.Client, error) {
	token, err := channel.RequireCredential(cfg, channel.Slack, CredentialBotToken)
	if err != nil {
		return nil, err
	}
	return slackapi.New(token,
		slackapi.OptionAPIURL(cfg.BaseURL(DefaultAPIURL)+"/"),
		slackapi.OptionHTTPClient(a.client),
	), nil
}

// threadTS picks the thread to reply in from the composed reply id or the
// threadId metadata.
func threadTS(opts channel.SendOptions) string {
	if _, ts, ok := strings.Cut(opts.ReplyToID, ":"); ok {
		return ts
	}
	if opts.ReplyToID != "" {
		return opts.ReplyToID
	}
	return opts.MetaString(channel.MetaThreadID)
}

func (a *Adapter) SendMessage(ctx context.Context, cfg channel.ChannelConfig, recipientID, content string, opts channel.SendOptions) (*channel.SendResult, error) {
	api, err := a.api(cfg)
	if err != nil {
		return nil, err
	}

	options := []slackapi.MsgOption{slackapi.MsgOptionText(content, false)}
	if ts := threadTS(opts); ts != "" {
		options = append(options, slackapi.MsgOptionTS(ts))
	}
	if opts.ParseMode == channel.ParsePlain {
		options = append(options, slackapi.MsgOptionDisableMarkdown())
	}

	respChannel, ts, err := api.PostMessageContext(ctx, recipientID, options...)
	if err != nil {
		return nil, translateError("send_message", err)
	}
	if respChannel == "" {
		respChannel = recipientID
	}
	return &channel.SendResult{
		MessageID: respChannel + ":" + ts,
		Channel:   channel.Slack,
		Timestamp: a.now().UTC(),
	}, nil
}

// SendMediaMessage posts the media as a link; bot uploads need a separate
// files API flow that is not used here.
func (a *Adapter) SendMediaMessage(ctx context.Context, cfg channel.ChannelConfig, recipientID, mediaURL string, _ channel.ContentType, caption string, opts channel.SendOptions) (*channel.SendResult, error) {
	text := mediaURL
	if caption != "" {
		text = caption + "\n" + mediaURL
	}
	return a.SendMessage(ctx, cfg, recipientID, text, opts)
}

// FileHosts serve url_private downloads.
var FileHosts = []string{"files.slack.com"}

// DownloadMedia fetches a url_private file with the bot token. The URL must
// be on FileHosts or the configured API host.
func (a *Adapter) DownloadMedia(ctx context.Context, cfg channel.ChannelConfig, mediaRef string) (*channel.Media, error) {
	token, err := channel.RequireCredential(cfg, channel.Slack, CredentialBotToken)
	if err != nil {
		return nil, err
	}
	policy := channel.HostPolicy{Provider: FileHosts, Configured: []string{cfg.BaseURL(DefaultAPIURL)}}
	if err := policy.Check(channel.Slack, mediaRef); err != nil {
		return nil, err
	}
	return channel.Fetch(ctx, a.client, channel.Slack, mediaRef, channel.Bearer(token))
}

func translateError(op string, err error) error {
	var (
		slackErr  slackapi.SlackErrorResponse
		statusErr slackapi.StatusCodeError
		rateErr   *slackapi.RateLimitedError
	)
	switch {
	case errors.As(err, &slackErr):
		body, _ := json.Marshal(map[string]any{"ok": false, "error": slackErr.Err})
		return &channel.APIError{Channel: channel.Slack, Operation: op, StatusCode: http.StatusOK, Body: string(body)}
	case errors.As(err, &rateErr):
		return &channel.APIError{Channel: channel.Slack, Operation: op, StatusCode: http.StatusTooManyRequests, Body: rateErr.Error()}
	case errors.As(err, &statusErr):
		return &channel.APIError{Channel: channel.Slack, Operation: op, StatusCode: statusErr.Code, Body: statusErr.Status}
	}
	return fmt.Errorf("slack: %s failed: %w", op, err)
}

func (a *Adapter) ExtractSignature(h http.Header) channel.Signature {
	return channel.Signature{Value: h.Get(signatureHeader), Timestamp: h.Get(timestampHeader)}
}

// ValidateSignature verifies the v0 signing secret scheme, including the
// replay window enforced by the Slack SDK.
func (a *Adapter) ValidateSignature(payload []byte, sig channel.Signature, secret string) bool {
	if sig.Empty() || sig.Timestamp == "" || secret == "" {
		return false
	}
	h := http.Header{}
	h.Set(signatureHeader, sig.Value)
	h.Set(timestampHeader, sig.Timestamp)

	verifier, err := slackapi.NewSecretsVerifier(h, secret)
	if err != nil {
		return false
	}
	if _, err := verifier.Write(payload); err != nil {
		return false
	}
	return verifier.Ensure() == nil
}

func (a *Adapter) HandleVerification(url.Values, string) *channel.VerificationResponse {
	return nil
}
