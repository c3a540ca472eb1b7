package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	cmdpkg "github.com/stupiduntilnot/pollbot/internal/commander"
	"github.com/stupiduntilnot/pollbot/internal/metrics"
)

const (
	methodGetMe        = "getMe"
	methodGetUpdates   = "getUpdates"
	methodSendMessage  = "sendMessage"
	DefaultAPIEndpoint = "https://api.telegram.org"
)

// Client is a minimal Telegram Bot API client. The endpoint and bot key are
// fixed at construction. A Client keeps one keep-alive connection to the
// endpoint and is not meant to be shared by concurrent pollers.
type Client struct {
	apiBase    string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     zerolog.Logger
}

var _ cmdpkg.API = (*Client)(nil)

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithSendRate throttles sendMessage to rps calls per second. rps <= 0
// disables throttling.
func WithSendRate(rps float64, burst int) Option {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = nil
			return
		}
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithLogger sets the logger used for per-request debug lines.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// NewClient creates a client for endpoint (e.g. "https://api.telegram.org")
// and the bot key. The "bot" path prefix is added unless key already has it.
// No overall request timeout is set: getUpdates long polls are bounded by the
// server-side timeout parameter.
func NewClient(endpoint, key string, opts ...Option) *Client {
	endpoint = strings.TrimRight(strings.TrimSpace(endpoint), "/")
	if endpoint == "" {
		endpoint = DefaultAPIEndpoint
	}
	key = strings.TrimSpace(key)
	if !strings.HasPrefix(key, "bot") {
		key = "bot" + key
	}
	c := &Client{
		apiBase: endpoint + "/" + key,
		httpClient: &http.Client{
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: (&net.Dialer{
					Timeout:   30 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConnsPerHost: 1,
				MaxConnsPerHost:     1,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// envelope is the generic Bot API response wrapper.
type envelope struct {
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result"`
}

type rawUpdate struct {
	UpdateID *int64      `json:"update_id"`
	Message  *rawMessage `json:"message"`
}

type rawMessage struct {
	MessageID *int64   `json:"message_id"`
	Chat      *rawChat `json:"chat"`
	Text      *string  `json:"text"`
}

type rawChat struct {
	ID *int64 `json:"id"`
}

type rawUser struct {
	ID        *int64 `json:"id"`
	Username  string `json:"username"`
	FirstName string `json:"first_name"`
}

// GetMe calls the getMe API.
func (c *Client) GetMe(ctx context.Context) (cmdpkg.Me, error) {
	var user rawUser
	if err := c.call(ctx, http.MethodGet, methodGetMe, nil, nil, &user); err != nil {
		return cmdpkg.Me{}, err
	}
	if user.ID == nil {
		return cmdpkg.Me{}, &DecodeError{Method: methodGetMe, Err: errors.New("result.id is missing")}
	}
	return cmdpkg.Me{ID: *user.ID, Username: user.Username, FirstName: user.FirstName}, nil
}

// FetchUpdates calls the getUpdates API. Entries without a message are
// dropped and the result is sorted by update_id, so the last element always
// carries the highest id.
func (c *Client) FetchUpdates(ctx context.Context, opts cmdpkg.FetchOptions) ([]cmdpkg.Update, error) {
	params := url.Values{}
	if opts.Timeout != nil {
		params.Set("timeout", strconv.FormatInt(*opts.Timeout, 10))
	}
	if opts.Offset != nil {
		params.Set("offset", strconv.FormatInt(*opts.Offset, 10))
	}

	var raws []rawUpdate
	if err := c.call(ctx, http.MethodGet, methodGetUpdates, params, nil, &raws); err != nil {
		return nil, err
	}

	updates := make([]cmdpkg.Update, 0, len(raws))
	for i, ru := range raws {
		if ru.Message == nil {
			continue
		}
		if ru.UpdateID == nil {
			return nil, &DecodeError{Method: methodGetUpdates, Err: fmt.Errorf("result[%d].update_id is missing", i)}
		}
		msg := ru.Message
		if msg.Chat == nil || msg.Chat.ID == nil {
			return nil, &DecodeError{Method: methodGetUpdates, Err: fmt.Errorf("result[%d].message.chat.id is missing", i)}
		}
		if msg.MessageID == nil {
			return nil, &DecodeError{Method: methodGetUpdates, Err: fmt.Errorf("result[%d].message.message_id is missing", i)}
		}
		updates = append(updates, cmdpkg.Update{
			UpdateID:  *ru.UpdateID,
			ChatID:    *msg.Chat.ID,
			MessageID: *msg.MessageID,
			Text:      msg.Text,
		})
	}
	sort.SliceStable(updates, func(i, j int) bool {
		return updates[i].UpdateID < updates[j].UpdateID
	})
	return updates, nil
}

type sendMessagePayload struct {
	Text             string `json:"text"`
	ChatID           int64  `json:"chat_id"`
	ReplyToMessageID *int64 `json:"reply_to_message_id,omitempty"`
}

// SendMessage sends a text message to the given chat. The call blocks until
// the server answers; the response body is discarded.
func (c *Client) SendMessage(ctx context.Context, opts cmdpkg.SendOptions) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("sendMessage rate limit wait: %w", err)
		}
	}
	payload := sendMessagePayload{
		Text:             opts.Text,
		ChatID:           opts.ChatID,
		ReplyToMessageID: opts.ReplyToMessageID,
	}
	return c.call(ctx, http.MethodPost, methodSendMessage, nil, payload, nil)
}

// call performs one request. When out is non-nil the envelope's result is
// decoded into it.
func (c *Client) call(ctx context.Context, httpMethod, method string, params url.Values, body any, out any) (err error) {
	started := time.Now()
	defer func() {
		outcome := outcomeOf(err)
		metrics.ObserveAPICall(method, outcome, time.Since(started))
		c.logger.Debug().
			Str("method", method).
			Str("outcome", outcome).
			Dur("elapsed", time.Since(started)).
			Msg("bot api call")
	}()

	u := c.apiBase + "/" + method
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal %s payload: %w", method, err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, httpMethod, u, reqBody)
	if err != nil {
		return &TransportError{Method: method, Err: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransportError{Method: method, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &TransportError{Method: method, Err: fmt.Errorf("read body: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{Method: method, StatusCode: resp.StatusCode, Body: string(data)}
	}

	if out == nil {
		return nil
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return &DecodeError{Method: method, Err: err}
	}
	if len(env.Result) == 0 || string(env.Result) == "null" {
		return &DecodeError{Method: method, Err: errors.New("result is missing")}
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return &DecodeError{Method: method, Err: err}
	}
	return nil
}

func outcomeOf(err error) string {
	var (
		apiErr       *APIError
		transportErr *TransportError
		decodeErr    *DecodeError
	)
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &apiErr):
		return "api_error"
	case errors.As(err, &transportErr):
		return "transport_error"
	case errors.As(err, &decodeErr):
		return "decode_error"
	default:
		return "error"
	}
}
