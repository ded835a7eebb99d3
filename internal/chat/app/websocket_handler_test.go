package app

import (
	"context"
	"encoding/json"
	"testing"

	"dm_service/internal/chat/domain"
	errprocess "dm_service/pkg/err"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChatWebsocketHandler_HandleRequest(t *testing.T) {
	f := newSessionFixture(t)
	h := NewChatWebsocketHandler(f.svc)
	alice := f.session(t, "alice")
	ctx := context.Background()

	resp := h.HandleRequest(ctx, alice, domain.WSRequest{Action: string(domain.OpenConversation), RequestID: "r1", ConversationID: f.conv})
	require.True(t, resp.Success, resp.Error)
	assert.Equal(t, "r1", resp.RequestID)
	assert.Equal(t, f.conv, resp.Payload["conversation_id"])

	resp = h.HandleRequest(ctx, alice, domain.WSRequest{Action: string(domain.SendMessage), RequestID: "r2", ConversationID: f.conv, Content: "hi"})
	require.True(t, resp.Success, resp.Error)
	msg, ok := resp.Payload["message"].(domain.Message)
	require.True(t, ok)
	assert.Equal(t, "hi", msg.Content)

	resp = h.HandleRequest(ctx, alice, domain.WSRequest{Action: string(domain.React), MessageID: msg.ID, Reaction: "❤️"})
	require.True(t, resp.Success, resp.Error)
	assert.Equal(t, true, resp.Payload["added"])

	resp = h.HandleRequest(ctx, alice, domain.WSRequest{Action: string(domain.ListConversations)})
	require.True(t, resp.Success, resp.Error)

	resp = h.HandleRequest(ctx, alice, domain.WSRequest{Action: string(domain.CloseConversation), ConversationID: f.conv})
	require.True(t, resp.Success, resp.Error)
}

func TestChatWebsocketHandler_Errors(t *testing.T) {
	f := newSessionFixture(t)
	h := NewChatWebsocketHandler(f.svc)
	mallory := f.session(t, "mallory")
	ctx := context.Background()

	cases := []struct {
		req  domain.WSRequest
		kind errprocess.Kind
	}{
		{domain.WSRequest{Action: "dance"}, errprocess.KindValidation},
		{domain.WSRequest{Action: string(domain.OpenConversation), ConversationID: f.conv}, errprocess.KindPermission},
		{domain.WSRequest{Action: string(domain.SendMessage), ConversationID: f.conv, Content: ""}, errprocess.KindValidation},
		{domain.WSRequest{Action: string(domain.StartDirect), PeerID: "mallory"}, errprocess.KindValidation},
		{domain.WSRequest{Action: string(domain.SetPresence), ConversationID: f.conv, Status: "asleep"}, errprocess.KindValidation},
		{domain.WSRequest{Action: string(domain.DeleteMessage), MessageID: "nope"}, errprocess.KindNotFound},
	}
	for _, c := range cases {
		t.Run(c.req.Action, func(t *testing.T) {
			c.req.RequestID = "req"
			resp := h.HandleRequest(ctx, mallory, c.req)
			assert.False(t, resp.Success)
			assert.Equal(t, "req", resp.RequestID)
			assert.Equal(t, string(c.kind), resp.ErrorKind)
			assert.NotEmpty(t, resp.Error)
		})
	}
}

func TestEventResponse(t *testing.T) {
	n := 3
	resp := eventResponse(domain.ConversationEvent{Type: domain.ConversationUnread, ConversationID: "c1", UnreadCount: &n})
	b, err := json.Marshal(resp)
	require.NoError(t, err)

	var out struct {
		Action  string `json:"action"`
		Payload struct {
			Event domain.ConversationEvent `json:"event"`
		} `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(b, &out))
	assert.Equal(t, string(domain.NotifyConversationEvent), out.Action)
	assert.Equal(t, domain.ConversationUnread, out.Payload.Event.Type)
	assert.Equal(t, 3, *out.Payload.Event.UnreadCount)
}
