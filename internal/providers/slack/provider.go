package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/smallbiznis/propertypay/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("providers.slack",
	fx.Provide(NewFromConfig),
)

type Provider interface {
	PostMessage(ctx context.Context, channelID string, message string) error
}

type NoOpProvider struct{}

func (p *NoOpProvider) PostMessage(ctx context.Context, channelID string, message string) error {
	return nil
}

func NewFromConfig(cfg config.Config, log *zap.Logger) Provider {
	if cfg.Notify.SlackToken == "" {
		log.Info("slack token not configured, operator alerts go to logs only")
		return &NoOpProvider{}
	}
	return NewWebAPI(cfg.Notify.SlackToken, "")
}

const defaultBaseURL = "https://slack.com/api"

// WebAPI posts messages with chat.postMessage.
type WebAPI struct {
	token   string
	baseURL string
	client  *http.Client
}

func NewWebAPI(token, baseURL string) *WebAPI {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &WebAPI{
		token:   token,
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

type postMessageRequest struct {
	Channel string `json:"channel"`
	Text    string `json:"text"`
}

type postMessageResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

func (w *WebAPI) PostMessage(ctx context.Context, channelID string, message string) error {
	if channelID == "" {
		return errors.New("slack channel is required")
	}
	payload, err := json.Marshal(postMessageRequest{Channel: channelID, Text: message})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.baseURL+"/chat.postMessage", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+w.token)
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var out postMessageResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("slack: decode response: %w", err)
	}
	if !out.OK {
		return fmt.Errorf("slack: %s", out.Error)
	}
	return nil
}
