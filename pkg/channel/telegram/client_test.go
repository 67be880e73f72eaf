package telegram

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/membergate/membergate/pkg/lifecycle"
)

// botAPIStub records Bot API calls and serves canned responses per method.
type botAPIStub struct {
	mu        sync.Mutex
	calls     []string
	payloads  map[string]map[string]any
	responses map[string]string
}

func newBotAPIStub() *botAPIStub {
	return &botAPIStub{
		payloads:  make(map[string]map[string]any),
		responses: make(map[string]string),
	}
}

func (s *botAPIStub) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Path: /bot<token>/<method>
		method := r.URL.Path[len("/bottest-token/"):]

		var payload map[string]any
		_ = json.NewDecoder(r.Body).Decode(&payload)

		s.mu.Lock()
		s.calls = append(s.calls, method)
		s.payloads[method] = payload
		resp, ok := s.responses[method]
		s.mu.Unlock()

		if !ok {
			resp = `{"ok":true,"result":true}`
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(resp))
	})
}

func newTestClient(t *testing.T) (*Client, *botAPIStub) {
	t.Helper()
	stub := newBotAPIStub()
	server := httptest.NewServer(stub.handler())
	t.Cleanup(server.Close)

	client, err := NewClient(Config{
		Token:     "test-token",
		ChannelID: -1001234567890,
		BaseURL:   server.URL,
	})
	require.NoError(t, err)
	return client, stub
}

func TestNewClientValidation(t *testing.T) {
	_, err := NewClient(Config{ChannelID: 1})
	assert.Error(t, err)
	_, err = NewClient(Config{Token: "t"})
	assert.Error(t, err)
}

func TestCreateInviteLink(t *testing.T) {
	client, stub := newTestClient(t)
	stub.responses["createChatInviteLink"] = `{"ok":true,"result":{"invite_link":"https://t.me/+abc"}}`

	link, err := client.CreateInviteLink(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "https://t.me/+abc", link)

	payload := stub.payloads["createChatInviteLink"]
	assert.Equal(t, float64(1), payload["member_limit"], "invite links are single use")
	assert.NotZero(t, payload["expire_date"], "invite links are time boxed")
}

func TestKickMemberBansThenUnbans(t *testing.T) {
	client, stub := newTestClient(t)

	require.NoError(t, client.KickMember(context.Background(), "42"))

	assert.Equal(t, []string{"banChatMember", "unbanChatMember"}, stub.calls,
		"a kick is a ban followed by an unban so the user can rejoin later")
	assert.Equal(t, true, stub.payloads["unbanChatMember"]["only_if_banned"])
}

func TestKickMemberClassifiesPrivilegeFailure(t *testing.T) {
	client, stub := newTestClient(t)
	stub.responses["banChatMember"] = `{"ok":false,"error_code":400,"description":"Bad Request: user is an administrator of the chat"}`

	err := client.KickMember(context.Background(), "42")
	assert.ErrorIs(t, err, ErrInsufficientRights)
}

func TestKickMemberRejectsMalformedUserID(t *testing.T) {
	client, _ := newTestClient(t)
	assert.Error(t, client.KickMember(context.Background(), "not-a-number"))
}

func TestMemberState(t *testing.T) {
	tests := []struct {
		apiStatus string
		want      lifecycle.MemberState
	}{
		{"member", lifecycle.MemberStateIn},
		{"administrator", lifecycle.MemberStateIn},
		{"creator", lifecycle.MemberStateIn},
		{"restricted", lifecycle.MemberStateIn},
		{"kicked", lifecycle.MemberStateKicked},
		{"left", lifecycle.MemberStateLeft},
	}
	for _, tt := range tests {
		t.Run(tt.apiStatus, func(t *testing.T) {
			client, stub := newTestClient(t)
			stub.responses["getChatMember"] = `{"ok":true,"result":{"status":"` + tt.apiStatus + `"}}`

			state, err := client.MemberState(context.Background(), "42")
			require.NoError(t, err)
			assert.Equal(t, tt.want, state)
		})
	}
}

func TestMemberStateUserNeverSeen(t *testing.T) {
	client, stub := newTestClient(t)
	stub.responses["getChatMember"] = `{"ok":false,"error_code":400,"description":"Bad Request: user not found"}`

	state, err := client.MemberState(context.Background(), "42")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.MemberStateLeft, state)
}

func TestSendMessageTargetsUser(t *testing.T) {
	client, stub := newTestClient(t)

	require.NoError(t, client.SendMessage(context.Background(), "42", "hello"))

	payload := stub.payloads["sendMessage"]
	assert.Equal(t, float64(42), payload["chat_id"])
	assert.Equal(t, "hello", payload["text"])
}

func TestAPIErrorSurfacesDescription(t *testing.T) {
	client, stub := newTestClient(t)
	stub.responses["sendMessage"] = `{"ok":false,"error_code":403,"description":"Forbidden: bot was blocked by the user"}`

	err := client.SendMessage(context.Background(), "42", "hello")
	require.Error(t, err)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 403, apiErr.Code)
	assert.Contains(t, apiErr.Description, "blocked")
	assert.NotErrorIs(t, err, ErrInsufficientRights)
}
