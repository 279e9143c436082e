// Package telegram implements the scheduler messenger on the Telegram Bot
// API.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

const defaultAPIBaseURL = "https://api.telegram.org"

// Config holds telegram sender configuration.
type Config struct {
	Enabled    bool
	BotToken   string
	APIBaseURL string
	// RateLimit is requests per second towards the Bot API.
	RateLimit float64
	Timeout   time.Duration
}

// Sender sends reminder messages through a Telegram bot.
type Sender struct {
	config  Config
	client  *http.Client
	limiter *rate.Limiter
	baseURL string
}

// NewSender creates a telegram sender.
// Returns an error if enabled but required config is missing.
func NewSender(config Config) (*Sender, error) {
	if config.Enabled && config.BotToken == "" {
		return nil, errors.New("telegram sender: bot token is required when enabled")
	}

	baseURL := config.APIBaseURL
	if baseURL == "" {
		baseURL = defaultAPIBaseURL
	}

	limit := rate.Limit(config.RateLimit)
	if config.RateLimit <= 0 {
		limit = rate.Inf
	}

	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	slog.Info("telegram sender configured",
		"enabled", config.Enabled,
		"rate_limit", config.RateLimit,
	)

	return &Sender{
		config:  config,
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(limit, 1),
		baseURL: baseURL,
	}, nil
}

// SendMessage sends a text message to the given chat.
func (s *Sender) SendMessage(ctx context.Context, channelID, text string) error {
	return s.call(ctx, "sendMessage", map[string]interface{}{
		"chat_id": channelID,
		"text":    text,
	})
}

// SendAttachment sends a photo by URL with a caption.
func (s *Sender) SendAttachment(ctx context.Context, channelID, url, caption string) error {
	return s.call(ctx, "sendPhoto", map[string]interface{}{
		"chat_id": channelID,
		"photo":   url,
		"caption": caption,
	})
}

type apiResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

func (s *Sender) call(ctx context.Context, method string, body map[string]interface{}) error {
	if !s.config.Enabled {
		slog.Debug("telegram sender disabled, skipping", "method", method)
		return nil
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("telegram rate limiter: %w", err)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", method, err)
	}

	url := fmt.Sprintf("%s/bot%s/%s", s.baseURL, s.config.BotToken, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram %s: %w", method, err)
	}
	defer resp.Body.Close()

	var result apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("decode %s response: %w", method, err)
	}
	if !result.OK {
		return fmt.Errorf("telegram %s rejected: %s (http %d)", method, result.Description, resp.StatusCode)
	}
	return nil
}
