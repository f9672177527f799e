// Package telegram is a small Bot API client covering what the relay
// needs: sending replies, resolving files, and registering the webhook
// and command menu.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nugget/yaebot/internal/httpkit"
)

// DefaultAPIBaseURL is the public Bot API.
const DefaultAPIBaseURL = "https://api.telegram.org"

const levelTrace = slog.Level(-8)

// APIError is a Bot API call that returned ok=false.
type APIError struct {
	Method      string
	Code        int
	Description string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram: %s: %d %s", e.Method, e.Code, e.Description)
}

// Client calls the Bot API with one bot token.
type Client struct {
	token    string
	baseURL  string
	http     *http.Client
	download *http.Client
	logger   *slog.Logger
}

// NewClient returns a client for token. An empty baseURL means
// DefaultAPIBaseURL.
func NewClient(token, baseURL string, logger *slog.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultAPIBaseURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		token:   token,
		baseURL: strings.TrimRight(baseURL, "/"),
		http: httpkit.NewClient(
			httpkit.WithTimeout(30*time.Second),
			httpkit.WithRetry(2, 500*time.Millisecond),
			httpkit.WithLogger(logger),
		),
		// Files stream through the download proxy; only ctx bounds them.
		download: httpkit.NewClient(httpkit.WithTimeout(0)),
		logger:   logger.With("component", "telegram"),
	}
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	ErrorCode   int             `json:"error_code"`
	Description string          `json:"description"`
	Result      json.RawMessage `json:"result"`
}

// call POSTs payload as JSON to method and decodes the result into out
// when out is non-nil.
func (c *Client) call(ctx context.Context, method string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("telegram: marshal %s: %w", method, err)
	}
	c.logger.Log(ctx, levelTrace, "api request", "method", method, "json", string(body))

	url := c.baseURL + "/bot" + c.token + "/" + method
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("telegram: build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		// The URL embeds the token; report only the method.
		return fmt.Errorf("telegram: %s request failed: %w", method, redact(err, c.token))
	}
	defer resp.Body.Close()

	var result apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("telegram: decode %s response (status %d): %w", method, resp.StatusCode, err)
	}
	if !result.OK {
		return &APIError{Method: method, Code: result.ErrorCode, Description: result.Description}
	}
	if out != nil {
		if err := json.Unmarshal(result.Result, out); err != nil {
			return fmt.Errorf("telegram: parse %s result: %w", method, err)
		}
	}
	return nil
}

// GetMe returns the bot's own user.
func (c *Client) GetMe(ctx context.Context) (*User, error) {
	var u User
	if err := c.call(ctx, "getMe", struct{}{}, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// SendOptions modify SendMessage.
type SendOptions struct {
	// ReplyTo is the message id being answered, 0 for none.
	ReplyTo  int64
	Entities []MessageEntity
}

type replyParameters struct {
	MessageID                int64 `json:"message_id"`
	AllowSendingWithoutReply bool  `json:"allow_sending_without_reply"`
}

type sendMessageRequest struct {
	ChatID          int64            `json:"chat_id"`
	Text            string           `json:"text"`
	Entities        []MessageEntity  `json:"entities,omitempty"`
	ReplyParameters *replyParameters `json:"reply_parameters,omitempty"`
}

// SendMessage sends text to chatID and returns the message as
// delivered.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string, opts SendOptions) (*Message, error) {
	req := sendMessageRequest{ChatID: chatID, Text: text, Entities: opts.Entities}
	if opts.ReplyTo != 0 {
		req.ReplyParameters = &replyParameters{MessageID: opts.ReplyTo, AllowSendingWithoutReply: true}
	}
	var m Message
	if err := c.call(ctx, "sendMessage", req, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// SendChatAction shows a status such as "typing" in the chat.
func (c *Client) SendChatAction(ctx context.Context, chatID int64, action string) error {
	return c.call(ctx, "sendChatAction", map[string]any{"chat_id": chatID, "action": action}, nil)
}

// GetFile resolves a file id to a downloadable path.
func (c *Client) GetFile(ctx context.Context, fileID string) (*File, error) {
	var f File
	if err := c.call(ctx, "getFile", map[string]any{"file_id": fileID}, &f); err != nil {
		return nil, err
	}
	if f.FilePath == "" {
		return nil, fmt.Errorf("telegram: getFile %s: no file_path in result", fileID)
	}
	return &f, nil
}

// SetWebhook points update delivery at url. Telegram echoes secret in
// the X-Telegram-Bot-Api-Secret-Token header of every delivery.
func (c *Client) SetWebhook(ctx context.Context, url, secret string) error {
	payload := map[string]any{
		"url":             url,
		"allowed_updates": []string{"message", "edited_message"},
	}
	if secret != "" {
		payload["secret_token"] = secret
	}
	return c.call(ctx, "setWebhook", payload, nil)
}

// SetMyCommands replaces the bot's command menu.
func (c *Client) SetMyCommands(ctx context.Context, cmds []BotCommand) error {
	return c.call(ctx, "setMyCommands", map[string]any{"commands": cmds}, nil)
}

// FileURL is where the Bot API serves filePath. It embeds the token and
// must never be shown to users or the model.
func (c *Client) FileURL(filePath string) string {
	return c.baseURL + "/file/bot" + c.token + "/" + strings.TrimLeft(filePath, "/")
}

// OpenFile starts downloading filePath. The caller closes the body.
func (c *Client) OpenFile(ctx context.Context, filePath string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.FileURL(filePath), nil)
	if err != nil {
		return nil, fmt.Errorf("telegram: build file request: %w", err)
	}
	resp, err := c.download.Do(req)
	if err != nil {
		return nil, fmt.Errorf("telegram: download %s: %w", filePath, redact(err, c.token))
	}
	return resp, nil
}

type redactedError struct {
	msg string
	err error
}

func (e *redactedError) Error() string { return e.msg }
func (e *redactedError) Unwrap() error { return e.err }

// redact strips the bot token from err's message, keeping the chain.
func redact(err error, token string) error {
	if token == "" || !strings.Contains(err.Error(), token) {
		return err
	}
	return &redactedError{msg: strings.ReplaceAll(err.Error(), token, "<token>"), err: err}
}
