package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cmdpkg "github.com/stupiduntilnot/pollbot/internal/commander"
	"github.com/stupiduntilnot/pollbot/internal/telegram/telegramtest"
)

func TestGetMe_Single(t *testing.T) {
	srv := telegramtest.NewServer(t, telegramtest.OK(telegramtest.Fixture(t, "get_me.json")))
	c := NewClient(srv.URL(), "123")

	me, err := c.GetMe(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1234567), me.ID)
	assert.Equal(t, "test_bot", me.Username)

	reqs := srv.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, http.MethodGet, reqs[0].HTTPMethod)
	assert.Equal(t, "/bot123/getMe", reqs[0].Path)
	assert.Empty(t, reqs[0].Query)
}

func TestGetMe_ErrorHandling(t *testing.T) {
	srv := telegramtest.NewServer(t,
		telegramtest.Reply{Status: http.StatusInternalServerError, Body: "Internal server error"},
		telegramtest.Reply{Status: http.StatusUnauthorized, Body: telegramtest.Fixture(t, "get_me_error.json")},
	)
	c := NewClient(srv.URL(), "123")

	_, err := c.GetMe(context.Background())
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusInternalServerError, apiErr.StatusCode)
	assert.Equal(t, "Internal server error", apiErr.Body)
	assert.Equal(t, "", apiErr.Description())

	_, err = c.GetMe(context.Background())
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	assert.Equal(t, "Unauthorized", apiErr.Description())
	assert.Contains(t, err.Error(), "Unauthorized")

	assert.Len(t, srv.Requests(), 2)
}

func TestGetMe_DecodeErrors(t *testing.T) {
	cases := map[string]string{
		"malformed json":  `{"ok":true,"result":`,
		"missing result":  `{"ok":true}`,
		"null result":     `{"ok":true,"result":null}`,
		"missing id":      `{"ok":true,"result":{"first_name":"x"}}`,
		"mistyped id":     `{"ok":true,"result":{"id":"1234567"}}`,
		"fractional id":   `{"ok":true,"result":{"id":12.5}}`,
		"result is array": `{"ok":true,"result":[]}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			srv := telegramtest.NewServer(t, telegramtest.OK(body))
			c := NewClient(srv.URL(), "123")

			_, err := c.GetMe(context.Background())
			var decodeErr *DecodeError
			require.ErrorAs(t, err, &decodeErr)
			assert.Equal(t, "getMe", decodeErr.Method)
		})
	}
}

func TestGetMe_TransportError(t *testing.T) {
	srv := telegramtest.NewServer(t)
	url := srv.URL()
	srv.Close()

	c := NewClient(url, "123")
	_, err := c.GetMe(context.Background())
	var transportErr *TransportError
	require.ErrorAs(t, err, &transportErr)
	assert.NotNil(t, errors.Unwrap(err))
}

func TestNewClient_KeyPrefix(t *testing.T) {
	srv := telegramtest.NewServer(t,
		telegramtest.OK(telegramtest.Fixture(t, "get_me.json")),
		telegramtest.OK(telegramtest.Fixture(t, "get_me.json")),
	)

	_, err := NewClient(srv.URL()+"/", "bot123").GetMe(context.Background())
	require.NoError(t, err)
	_, err = NewClient(srv.URL(), "123").GetMe(context.Background())
	require.NoError(t, err)

	reqs := srv.Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, "/bot123/getMe", reqs[0].Path)
	assert.Equal(t, "/bot123/getMe", reqs[1].Path)
}

func TestFetchUpdates_NoOptionsSendsNoQuery(t *testing.T) {
	srv := telegramtest.NewServer(t, telegramtest.OK(telegramtest.Fixture(t, "get_updates_zero_messages.json")))
	c := NewClient(srv.URL(), "123")

	updates, err := c.FetchUpdates(context.Background(), cmdpkg.FetchOptions{})
	require.NoError(t, err)
	assert.Empty(t, updates)

	reqs := srv.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "/bot123/getUpdates", reqs[0].Path)
	assert.Equal(t, http.MethodGet, reqs[0].HTTPMethod)
	assert.False(t, reqs[0].Query.Has("offset"))
	assert.False(t, reqs[0].Query.Has("timeout"))
}

func TestFetchUpdates_ZeroValuesAreSent(t *testing.T) {
	srv := telegramtest.NewServer(t, telegramtest.OK(telegramtest.Fixture(t, "get_updates_zero_messages.json")))
	c := NewClient(srv.URL(), "123")

	_, err := c.FetchUpdates(context.Background(), cmdpkg.FetchOptions{
		Timeout: cmdpkg.Int64(0),
		Offset:  cmdpkg.Int64(0),
	})
	require.NoError(t, err)

	q := srv.Requests()[0].Query
	assert.Equal(t, "0", q.Get("timeout"))
	assert.Equal(t, "0", q.Get("offset"))
}

func TestFetchUpdates_SortsAndSkipsEntriesWithoutMessage(t *testing.T) {
	srv := telegramtest.NewServer(t, telegramtest.OK(telegramtest.Fixture(t, "get_updates_unordered.json")))
	c := NewClient(srv.URL(), "123")

	updates, err := c.FetchUpdates(context.Background(), cmdpkg.FetchOptions{})
	require.NoError(t, err)

	// 5 entries, 2 without "message".
	require.Len(t, updates, 3)
	ids := []int64{updates[0].UpdateID, updates[1].UpdateID, updates[2].UpdateID}
	assert.Equal(t, []int64{10, 20, 30}, ids)

	assert.Equal(t, "first", updates[0].TextOrEmpty())
	assert.Nil(t, updates[1].Text, "sticker message has no text")
	assert.Equal(t, int64(8), updates[1].ChatID)
	assert.Equal(t, int64(12), updates[1].MessageID)
	assert.Equal(t, "third", updates[2].TextOrEmpty())
}

func TestFetchUpdates_MissingRequiredFields(t *testing.T) {
	cases := map[string]string{
		"update_id":  `{"ok":true,"result":[{"message":{"message_id":1,"chat":{"id":2}}}]}`,
		"chat":       `{"ok":true,"result":[{"update_id":1,"message":{"message_id":1}}]}`,
		"message_id": `{"ok":true,"result":[{"update_id":1,"message":{"chat":{"id":2}}}]}`,
		"result":     `{"ok":true,"result":{"update_id":1}}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			srv := telegramtest.NewServer(t, telegramtest.OK(body))
			c := NewClient(srv.URL(), "123")

			_, err := c.FetchUpdates(context.Background(), cmdpkg.FetchOptions{})
			var decodeErr *DecodeError
			require.ErrorAs(t, err, &decodeErr)
		})
	}
}

func TestFetchUpdates_AndSendMessages(t *testing.T) {
	srv := telegramtest.NewServer(t,
		telegramtest.OK(telegramtest.Fixture(t, "get_updates_four_messages.json")),
		telegramtest.OK(telegramtest.Fixture(t, "send_message.json")),
		telegramtest.OK(telegramtest.Fixture(t, "send_message.json")),
		telegramtest.OK(telegramtest.Fixture(t, "send_message.json")),
	)
	c := NewClient(srv.URL(), "123")
	ctx := context.Background()

	updates, err := c.FetchUpdates(ctx, cmdpkg.FetchOptions{})
	require.NoError(t, err)
	require.Len(t, updates, 4)
	assert.Nil(t, updates[2].Text)

	require.NoError(t, c.SendMessage(ctx, cmdpkg.SendOptions{Text: "Hi!", ChatID: updates[0].ChatID}))
	reply := cmdpkg.SendOptions{Text: "Reply", ChatID: updates[1].ChatID, ReplyToMessageID: cmdpkg.Int64(updates[1].MessageID)}
	require.NoError(t, c.SendMessage(ctx, reply))
	require.NoError(t, c.SendMessage(ctx, reply))

	reqs := srv.Requests()
	require.Len(t, reqs, 4)
	assert.Equal(t, "getUpdates", reqs[0].APIMethod)

	first := decodeBody(t, reqs[1])
	assert.Equal(t, http.MethodPost, reqs[1].HTTPMethod)
	assert.Equal(t, "/bot123/sendMessage", reqs[1].Path)
	assert.Equal(t, "application/json", reqs[1].ContentType)
	assert.Equal(t, "Hi!", first["text"])
	assert.Equal(t, float64(104519755), first["chat_id"])
	assert.NotContains(t, first, "reply_to_message_id")

	for _, req := range reqs[2:] {
		body := decodeBody(t, req)
		assert.Equal(t, "application/json", req.ContentType)
		assert.Equal(t, "Reply", body["text"])
		assert.Equal(t, float64(104519755), body["chat_id"])
		assert.Equal(t, float64(2), body["reply_to_message_id"])
	}
}

func TestFetchUpdates_OffsetConvergence(t *testing.T) {
	srv := telegramtest.NewServer(t,
		telegramtest.OK(telegramtest.Fixture(t, "get_updates_two_messages.json")),
		telegramtest.OK(telegramtest.Fixture(t, "get_updates_zero_messages.json")),
		telegramtest.OK(telegramtest.Fixture(t, "get_updates_one_message.json")),
	)
	c := NewClient(srv.URL(), "123")
	ctx := context.Background()
	timeout := cmdpkg.Int64(5)

	one, err := c.FetchUpdates(ctx, cmdpkg.FetchOptions{Timeout: timeout})
	require.NoError(t, err)
	require.Len(t, one, 2)
	assert.Equal(t, int64(851793507), one[0].UpdateID)
	assert.Equal(t, int64(851793508), one[1].UpdateID)

	next := one[len(one)-1].UpdateID + 1
	assert.Equal(t, int64(851793509), next)

	two, err := c.FetchUpdates(ctx, cmdpkg.FetchOptions{Timeout: timeout, Offset: &next})
	require.NoError(t, err)
	assert.Empty(t, two)

	three, err := c.FetchUpdates(ctx, cmdpkg.FetchOptions{Timeout: timeout, Offset: &next})
	require.NoError(t, err)
	require.Len(t, three, 1)
	assert.Equal(t, int64(851793509), three[0].UpdateID)

	reqs := srv.Requests()
	require.Len(t, reqs, 3)
	assert.Equal(t, "timeout=5", reqs[0].Query.Encode())
	assert.Equal(t, "offset=851793509&timeout=5", reqs[1].Query.Encode())
	assert.Equal(t, "offset=851793509&timeout=5", reqs[2].Query.Encode())
}

func TestSendMessage_APIError(t *testing.T) {
	srv := telegramtest.NewServer(t, telegramtest.Reply{
		Status: http.StatusBadRequest,
		Body:   `{"ok":false,"error_code":400,"description":"Bad Request: chat not found"}`,
	})
	c := NewClient(srv.URL(), "123")

	err := c.SendMessage(context.Background(), cmdpkg.SendOptions{Text: "x", ChatID: 1})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, "Bad Request: chat not found", apiErr.Description())
}

func TestSendMessage_IgnoresResponseBody(t *testing.T) {
	srv := telegramtest.NewServer(t, telegramtest.Reply{Status: http.StatusNoContent})
	c := NewClient(srv.URL(), "123")

	require.NoError(t, c.SendMessage(context.Background(), cmdpkg.SendOptions{Text: "x", ChatID: 1}))
}

func TestSendMessage_RateLimitHonorsContext(t *testing.T) {
	srv := telegramtest.NewServer(t, telegramtest.OK(telegramtest.Fixture(t, "send_message.json")))
	c := NewClient(srv.URL(), "123", WithSendRate(0.01, 1))

	require.NoError(t, c.SendMessage(context.Background(), cmdpkg.SendOptions{Text: "a", ChatID: 1}))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := c.SendMessage(ctx, cmdpkg.SendOptions{Text: "b", ChatID: 1})
	require.Error(t, err)
	assert.Len(t, srv.Requests(), 1)
}

func decodeBody(t *testing.T, req telegramtest.Request) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(req.Body, &body))
	return body
}
