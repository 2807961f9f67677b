package service

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"testing"

	"omnidesk/internal/database"
	"omnidesk/pkg/channel"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/mock"
)

// mockAdapter is a channel adapter whose calls are scripted with testify/mock.
type mockAdapter struct {
	mock.Mock
	name channel.Type
}

func (m *mockAdapter) Name() channel.Type { return m.name }

func (m *mockAdapter) ParseMessage(payload []byte) (*channel.UnifiedMessage, error) {
	args := m.Called(payload)
	msg, _ := args.Get(0).(*channel.UnifiedMessage)
	return msg, args.Error(1)
}

func (m *mockAdapter) SendMessage(ctx context.Context, cfg channel.ChannelConfig, recipientID, content string, opts channel.SendOptions) (*channel.SendResult, error) {
	args := m.Called(ctx, cfg, recipientID, content, opts)
	res, _ := args.Get(0).(*channel.SendResult)
	return res, args.Error(1)
}

func (m *mockAdapter) SendMediaMessage(ctx context.Context, cfg channel.ChannelConfig, recipientID, mediaURL string, mediaType channel.ContentType, caption string, opts channel.SendOptions) (*channel.SendResult, error) {
	args := m.Called(ctx, cfg, recipientID, mediaURL, mediaType, caption, opts)
	res, _ := args.Get(0).(*channel.SendResult)
	return res, args.Error(1)
}

func (m *mockAdapter) DownloadMedia(ctx context.Context, cfg channel.ChannelConfig, mediaRef string) (*channel.Media, error) {
	args := m.Called(ctx, cfg, mediaRef)
	media, _ := args.Get(0).(*channel.Media)
	return media, args.Error(1)
}

func (m *mockAdapter) ExtractSignature(h http.Header) channel.Signature {
	return channel.Signature{Value: h.Get("X-Test-Signature")}
}

func (m *mockAdapter) ValidateSignature(payload []byte, sig channel.Signature, secret string) bool {
	return channel.VerifyHMACSHA256(payload, sig.Value, secret)
}

func (m *mockAdapter) HandleVerification(query url.Values, verifyToken string) *channel.VerificationResponse {
	return nil
}

// typingAdapter adds the typing capability.
type typingAdapter struct {
	*mockAdapter
}

func (a typingAdapter) SendTyping(ctx context.Context, cfg channel.ChannelConfig, recipientID string) error {
	return a.Called(ctx, cfg, recipientID).Error(0)
}

// memConfigs is an in-memory ChannelConfigStore.
type memConfigs struct {
	mu      sync.Mutex
	configs map[string]channel.ChannelConfig
}

func newMemConfigs(cfgs ...channel.ChannelConfig) *memConfigs {
	s := &memConfigs{configs: make(map[string]channel.ChannelConfig)}
	for _, c := range cfgs {
		s.put(c)
	}
	return s
}

func (s *memConfigs) put(cfg channel.ChannelConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.configs[cfg.CompanyID+"/"+string(cfg.Channel)] = cfg
}

func (s *memConfigs) GetChannelConfig(_ context.Context, companyID string, ch channel.Type) (*channel.ChannelConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.configs[companyID+"/"+string(ch)]
	if !ok {
		return nil, database.ErrNotFound
	}
	return &cfg, nil
}

func quietLogger(t *testing.T) *logrus.Logger {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	return logger
}
