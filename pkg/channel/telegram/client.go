// Package telegram provides a minimal Telegram Bot API client covering the
// channel membership surface: single-use invite links, member removal,
// membership checks and message delivery.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/membergate/membergate/pkg/lifecycle"
)

const (
	defaultBaseURL     = "https://api.telegram.org"
	defaultHTTPTimeout = 10 * time.Second

	// inviteTTL bounds how long a generated invite link stays valid.
	inviteTTL = 24 * time.Hour
)

// ErrInsufficientRights is returned when the bot cannot act on the target,
// typically because the target is the channel owner or an administrator, or
// the bot lacks the required admin permission. These failures are permanent
// and must be escalated, not retried.
var ErrInsufficientRights = errors.New("telegram: insufficient rights for member action")

// Config holds Telegram client configuration.
type Config struct {
	// Token is the bot token issued by BotFather.
	Token string

	// ChannelID is the numeric ID of the restricted channel.
	ChannelID int64

	// BaseURL overrides the Bot API endpoint, for tests
	// (default: https://api.telegram.org).
	BaseURL string

	// HTTPClient overrides the HTTP client (default: 10s timeout).
	HTTPClient *http.Client
}

// Client talks to the Telegram Bot API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
	channelID  int64
}

// NewClient creates a Bot API client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Token == "" {
		return nil, errors.New("telegram: bot token is required")
	}
	if cfg.ChannelID == 0 {
		return nil, errors.New("telegram: channel ID is required")
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      cfg.Token,
		channelID:  cfg.ChannelID,
	}, nil
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	ErrorCode   int             `json:"error_code"`
	Description string          `json:"description"`
}

// APIError is a non-OK Bot API response.
type APIError struct {
	Method      string
	Code        int
	Description string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram %s: %d %s", e.Method, e.Code, e.Description)
}

// privilege failures come back as 400 with descriptions naming the missing
// right or the protected target, not as a dedicated error code.
var privilegeMarkers = []string{
	"can't remove chat owner",
	"user is an administrator",
	"not enough rights",
	"chat_admin_required",
	"need administrator rights",
}

func classify(err error) error {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return err
	}
	desc := strings.ToLower(apiErr.Description)
	for _, marker := range privilegeMarkers {
		if strings.Contains(desc, marker) {
			return fmt.Errorf("%w: %s", ErrInsufficientRights, apiErr.Description)
		}
	}
	return err
}

func (c *Client) call(ctx context.Context, method string, payload any, result any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("telegram %s: encode request: %w", method, err)
	}

	url := fmt.Sprintf("%s/bot%s/%s", c.baseURL, c.token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("telegram %s: build request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("telegram %s: %w", method, err)
	}
	defer resp.Body.Close()

	var api apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&api); err != nil {
		return fmt.Errorf("telegram %s: decode response: %w", method, err)
	}
	if !api.OK {
		return classify(&APIError{Method: method, Code: api.ErrorCode, Description: api.Description})
	}
	if result != nil {
		if err := json.Unmarshal(api.Result, result); err != nil {
			return fmt.Errorf("telegram %s: decode result: %w", method, err)
		}
	}
	return nil
}

// CreateInviteLink generates a single-use invite link for the channel,
// valid for 24 hours.
func (c *Client) CreateInviteLink(ctx context.Context) (string, error) {
	var result struct {
		InviteLink string `json:"invite_link"`
	}
	err := c.call(ctx, "createChatInviteLink", map[string]any{
		"chat_id":      c.channelID,
		"member_limit": 1,
		"expire_date":  time.Now().Add(inviteTTL).Unix(),
	}, &result)
	if err != nil {
		return "", err
	}
	return result.InviteLink, nil
}

// KickMember removes a user from the channel. The immediate unban turns the
// ban into a kick: the user can rejoin later through a fresh invite link.
func (c *Client) KickMember(ctx context.Context, userID string) error {
	uid, err := parseUserID(userID)
	if err != nil {
		return err
	}

	if err := c.call(ctx, "banChatMember", map[string]any{
		"chat_id": c.channelID,
		"user_id": uid,
	}, nil); err != nil {
		return err
	}

	return c.call(ctx, "unbanChatMember", map[string]any{
		"chat_id":        c.channelID,
		"user_id":        uid,
		"only_if_banned": true,
	}, nil)
}

// MemberState reports the user's current membership status in the channel.
func (c *Client) MemberState(ctx context.Context, userID string) (lifecycle.MemberState, error) {
	uid, err := parseUserID(userID)
	if err != nil {
		return lifecycle.MemberStateUnknown, err
	}

	var result struct {
		Status string `json:"status"`
	}
	err = c.call(ctx, "getChatMember", map[string]any{
		"chat_id": c.channelID,
		"user_id": uid,
	}, &result)
	if err != nil {
		var apiErr *APIError
		// "user not found" style responses mean the user was never a member.
		if errors.As(err, &apiErr) && apiErr.Code == 400 {
			return lifecycle.MemberStateLeft, nil
		}
		return lifecycle.MemberStateUnknown, err
	}

	switch result.Status {
	case "creator", "administrator", "member", "restricted":
		return lifecycle.MemberStateIn, nil
	case "kicked":
		return lifecycle.MemberStateKicked, nil
	default:
		return lifecycle.MemberStateLeft, nil
	}
}

// SendMessage delivers a text message to the user's private chat.
func (c *Client) SendMessage(ctx context.Context, userID, text string) error {
	uid, err := parseUserID(userID)
	if err != nil {
		return err
	}
	return c.call(ctx, "sendMessage", map[string]any{
		"chat_id": uid,
		"text":    text,
	}, nil)
}

// SendToChat delivers a text message to an arbitrary chat ID, used for the
// operator channel.
func (c *Client) SendToChat(ctx context.Context, chatID int64, text string) error {
	return c.call(ctx, "sendMessage", map[string]any{
		"chat_id": chatID,
		"text":    text,
	}, nil)
}

func parseUserID(userID string) (int64, error) {
	uid, err := strconv.ParseInt(userID, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("telegram: malformed user id %q", userID)
	}
	return uid, nil
}
