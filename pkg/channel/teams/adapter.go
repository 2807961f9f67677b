// Package teams adapts Microsoft Teams through Bot Framework activities.
package teams

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"strings"
	"sync"
	"time"

	"omnidesk/pkg/channel"
)

const (
	DefaultTokenURL = "https://login.microsoftonline.com/botframework.com/oauth2/v2.0/token"
	tokenScope      = "https://api.botframework.com/.default"

	CredentialAppID       = "app_id"
	CredentialAppPassword = "app_password"

	// SettingServiceURL is used when the outbound call carries no serviceUrl metadata.
	SettingServiceURL = "service_url"

	fileDownloadInfo = "application/vnd.microsoft.teams.file.download.info"

	// refresh tokens this long before Bot Framework expires them
	tokenRefreshMargin = 5 * time.Minute
)

var mentionPattern = regexp.MustCompile(`(?s)<at>.*?</at>`)

type account struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	AADObjectID string `json:"aadObjectId,omitempty"`
}

type conversation struct {
	ID               string `json:"id"`
	ConversationType string `json:"conversationType,omitempty"`
	TenantID         string `json:"tenantId,omitempty"`
}

type attachment struct {
	ContentType string          `json:"contentType"`
	ContentURL  string          `json:"contentUrl,omitempty"`
	Name        string          `json:"name,omitempty"`
	Content     json.RawMessage `json:"content,omitempty"`
}

type activity struct {
	Type         string       `json:"type"`
	ID           string       `json:"id,omitempty"`
	Timestamp    string       `json:"timestamp,omitempty"`
	ServiceURL   string       `json:"serviceUrl,omitempty"`
	ChannelID    string       `json:"channelId,omitempty"`
	From         *account     `json:"from,omitempty"`
	Conversation conversation `json:"conversation"`
	Text         string       `json:"text,omitempty"`
	TextFormat   string       `json:"textFormat,omitempty"`
	ReplyToID    string       `json:"replyToId,omitempty"`
	Attachments  []attachment `json:"attachments,omitempty"`
}

type accessToken struct {
	value     string
	expiresAt time.Time
}

type Adapter struct {
	client channel.HTTPClient
	now    func() time.Time

	mu     sync.Mutex
	tokens map[string]accessToken
}

// New returns a Teams adapter. A nil client selects the default HTTP client.
func New(client channel.HTTPClient) *Adapter {
	if client == nil {
		client = channel.NewHTTPClient(0)
	}
	return &Adapter{client: client, now: time.Now, tokens: make(map[string]accessToken)}
}

func (a *Adapter) Name() channel.Type { return channel.Teams }

func (a *Adapter) ParseMessage(payload []byte) (*channel.UnifiedMessage, error) {
	var act activity
	if err := json.Unmarshal(payload, &act); err != nil {
		return nil, channel.Malformed(channel.Teams, err)
	}
	if act.Type != "message" || act.ID == "" || act.From == nil || act.From.ID == "" {
		return nil, nil
	}

	msg := &channel.UnifiedMessage{
		ExternalID:  act.ID,
		Channel:     channel.Teams,
		SenderID:    act.From.ID,
		SenderName:  act.From.Name,
		Content:     strings.TrimSpace(mentionPattern.ReplaceAllString(act.Text, "")),
		ContentType: channel.ContentText,
		ReplyToID:   act.ReplyToID,
	}
	if ts, err := time.Parse(time.RFC3339Nano, act.Timestamp); err == nil {
		msg.Timestamp = ts.UTC()
	} else {
		msg.Timestamp = a.now().UTC()
	}
	msg.SetMeta(channel.MetaConversationID, act.Conversation.ID)
	msg.SetMeta(channel.MetaChatType, act.Conversation.ConversationType)
	msg.SetMeta(channel.MetaTenantID, act.Conversation.TenantID)
	msg.SetMeta(channel.MetaServiceURL, act.ServiceURL)
	msg.SetMeta("aadObjectId", act.From.AADObjectID)

	for _, att := range act.Attachments {
		if ref, ok := parseAttachment(att); ok {
			msg.Attachments = append(msg.Attachments, ref)
		}
	}
	if msg.Content == "" {
		if len(msg.Attachments) == 0 {
			return nil, nil
		}
		msg.ContentType = msg.Attachments[0].Type
	}
	return msg, nil
}

func parseAttachment(att attachment) (channel.MessageAttachment, bool) {
	switch {
	case att.ContentType == "text/html":
		// Teams mirrors the message body as an html attachment
		return channel.MessageAttachment{}, false
	case att.ContentType == fileDownloadInfo:
		var info struct {
			DownloadURL string `json:"downloadUrl"`
			FileType    string `json:"fileType"`
		}
		if err := json.Unmarshal(att.Content, &info); err != nil || info.DownloadURL == "" {
			return channel.MessageAttachment{}, false
		}
		mimeType := mime.TypeByExtension("." + info.FileType)
		return channel.MessageAttachment{
			Type:     channel.ContentTypeFromMIME(mimeType),
			URL:      info.DownloadURL,
			MimeType: mimeType,
			Filename: att.Name,
		}, true
	case att.ContentURL != "":
		return channel.MessageAttachment{
			Type:     channel.ContentTypeFromMIME(att.ContentType),
			URL:      att.ContentURL,
			MimeType: att.ContentType,
			Filename: att.Name,
		}, true
	}
	return channel.MessageAttachment{}, false
}

// ServiceHosts are the Bot Framework connector hosts a serviceUrl taken
// from send metadata may point at.
var ServiceHosts = []string{"*.botframework.com", "*.trafficmanager.net", "*.teams.microsoft.com"}

// serviceURL prefers the serviceUrl of the inbound activity. That value
// travels through callers, so it must match ServiceHosts or the configured
// service_url before the bearer token is sent to it.
func (a *Adapter) serviceURL(cfg channel.ChannelConfig, opts channel.SendOptions) (string, error) {
	configured := cfg.SettingString(SettingServiceURL, "")
	u := opts.MetaString(channel.MetaServiceURL)
	if u != "" {
		policy := channel.HostPolicy{Provider: ServiceHosts, Configured: []string{configured}}
		if err := policy.Check(channel.Teams, u); err != nil {
			return "", err
		}
	} else {
		u = configured
	}
	if u == "" {
		return "", &channel.ConfigError{Channel: channel.Teams, Field: SettingServiceURL}
	}
	return strings.TrimRight(u, "/"), nil
}

// token returns a cached Bot Framework token, fetching a new one outside
// the lock when it is missing or about to expire.
func (a *Adapter) token(ctx context.Context, cfg channel.ChannelConfig) (string, error) {
	appID, err := channel.RequireCredential(cfg, channel.Teams, CredentialAppID)
	if err != nil {
		return "", err
	}
	password, err := channel.RequireCredential(cfg, channel.Teams, CredentialAppPassword)
	if err != nil {
		return "", err
	}

	a.mu.Lock()
	cached, ok := a.tokens[appID]
	a.mu.Unlock()
	if ok && a.now().Before(cached.expiresAt) {
		return cached.value, nil
	}

	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {appID},
		"client_secret": {password},
		"scope":         {tokenScope},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.SettingString("token_url", DefaultTokenURL), strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("teams: failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("teams: token request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", channel.NewAPIError(channel.Teams, "token", resp)
	}

	var body struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("teams: failed to decode token: %w", err)
	}

	expiresAt := a.now().Add(time.Duration(body.ExpiresIn)*time.Second - tokenRefreshMargin)
	a.mu.Lock()
	a.tokens[appID] = accessToken{value: body.AccessToken, expiresAt: expiresAt}
	a.mu.Unlock()
	return body.AccessToken, nil
}

func (a *Adapter) post(ctx context.Context, cfg channel.ChannelConfig, recipientID, op string, act activity, opts channel.SendOptions) (*channel.SendResult, error) {
	base, err := a.serviceURL(cfg, opts)
	if err != nil {
		return nil, err
	}
	token, err := a.token(ctx, cfg)
	if err != nil {
		return nil, err
	}

	var resp struct {
		ID string `json:"id"`
	}
	if err := channel.DoJSON(ctx, a.client, channel.Request{
		Channel:   channel.Teams,
		Operation: op,
		Method:    http.MethodPost,
		URL:       base + "/v3/conversations/" + url.PathEscape(recipientID) + "/activities",
		Headers:   channel.Bearer(token),
		Body:      act,
	}, &resp); err != nil {
		return nil, err
	}
	return &channel.SendResult{MessageID: resp.ID, Channel: channel.Teams, Timestamp: a.now().UTC()}, nil
}

func textFormat(mode channel.ParseMode) string {
	switch mode {
	case channel.ParsePlain:
		return "plain"
	case channel.ParseHTML:
		return "xml"
	}
	return "markdown"
}

func (a *Adapter) SendMessage(ctx context.Context, cfg channel.ChannelConfig, recipientID, content string, opts channel.SendOptions) (*channel.SendResult, error) {
	return a.post(ctx, cfg, recipientID, "send_message", activity{
		Type:         "message",
		Conversation: conversation{ID: recipientID},
		Text:         content,
		TextFormat:   textFormat(opts.ParseMode),
		ReplyToID:    opts.ReplyToID,
	}, opts)
}

func (a *Adapter) SendMediaMessage(ctx context.Context, cfg channel.ChannelConfig, recipientID, mediaURL string, mediaType channel.ContentType, caption string, opts channel.SendOptions) (*channel.SendResult, error) {
	return a.post(ctx, cfg, recipientID, "send_media", activity{
		Type:         "message",
		Conversation: conversation{ID: recipientID},
		Text:         caption,
		TextFormat:   textFormat(opts.ParseMode),
		ReplyToID:    opts.ReplyToID,
		Attachments: []attachment{{
			ContentType: mediaMIME(mediaURL, mediaType),
			ContentURL:  mediaURL,
			Name:        path.Base(mediaURL),
		}},
	}, opts)
}

func mediaMIME(mediaURL string, mediaType channel.ContentType) string {
	if u, err := url.Parse(mediaURL); err == nil {
		if t := mime.TypeByExtension(path.Ext(u.Path)); t != "" {
			return t
		}
	}
	switch mediaType {
	case channel.ContentImage:
		return "image/jpeg"
	case channel.ContentAudio:
		return "audio/mpeg"
	case channel.ContentVideo:
		return "video/mp4"
	}
	return "application/octet-stream"
}

func (a *Adapter) SendTyping(ctx context.Context, cfg channel.ChannelConfig, recipientID string) error {
	_, err := a.post(ctx, cfg, recipientID, "typing", activity{
		Type:         "typing",
		Conversation: conversation{ID: recipientID},
	}, channel.SendOptions{})
	return err
}

// DownloadMedia is not offered: Teams attachment URLs need per-file
// SharePoint permissions the bot does not hold.
func (a *Adapter) DownloadMedia(context.Context, channel.ChannelConfig, string) (*channel.Media, error) {
	return nil, channel.NewUnsupportedCapability(channel.Teams, "download_media")
}

func (a *Adapter) ExtractSignature(h http.Header) channel.Signature {
	return channel.Signature{Value: h.Get("Authorization")}
}

// ValidateSignature checks the outgoing webhook "HMAC <base64>" scheme, where
// the shared secret itself is base64 encoded.
func (a *Adapter) ValidateSignature(payload []byte, sig channel.Signature, secret string) bool {
	scheme, provided, ok := strings.Cut(strings.TrimSpace(sig.Value), " ")
	if !ok || !strings.EqualFold(scheme, "HMAC") || secret == "" {
		return false
	}
	key, err := base64.StdEncoding.DecodeString(secret)
	if err != nil {
		return false
	}
	expected, err := base64.StdEncoding.DecodeString(strings.TrimSpace(provided))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(payload)
	return hmac.Equal(mac.Sum(nil), expected)
}

func (a *Adapter) HandleVerification(url.Values, string) *channel.VerificationResponse {
	return nil
}
