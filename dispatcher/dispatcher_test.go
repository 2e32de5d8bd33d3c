package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"inbox-service/model"
	"inbox-service/store"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
)

type staticSource struct {
	hooks []model.Webhook
	err   error
	calls atomic.Int32
}

func (s *staticSource) ActiveWebhooks(_ context.Context, _ uint) ([]model.Webhook, error) {
	s.calls.Add(1)
	return s.hooks, s.err
}

func hook(id uint, url, token string) model.Webhook {
	h := model.Webhook{WorkspaceID: 1, URL: url, Token: token, Active: true}
	h.ID = id
	return h
}

func testConversation() *store.Conversation {
	conv := &store.Conversation{
		Workspace: model.Workspace{Name: "Acme"},
		Instance:  model.Instance{Name: "instanceA"},
		Contact:   model.Contact{Name: "Jane", Phone: "5511999", PhoneJID: "5511999@s.whatsapp.net"},
		Chat:      model.Chat{Status: model.ChatGeneral, Channel: "whatsapp", InstanceName: "instanceA"},
	}
	id := "M1"
	conv.Message = model.Message{
		Type:             model.MessageImage,
		Content:          "look",
		Metadata:         datatypes.JSON(`{"mediaUrl":"https://s3/img","mimetype":"image/jpeg"}`),
		MessageIDFromAPI: &id,
		SentAt:           time.Unix(1717000000, 0).UTC(),
	}
	conv.Workspace.ID = 1
	conv.Contact.ID = 2
	conv.Chat.ID = 3
	conv.Message.ID = 4
	return conv
}

func TestNewPayload(t *testing.T) {
	p := NewPayload(testConversation())

	raw, err := json.Marshal(p)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "message.received", decoded["event"])

	chat := decoded["chat"].(map[string]any)
	assert.Equal(t, "general", chat["status"])
	assert.Equal(t, "whatsapp", chat["channel"])
	assert.Equal(t, "instanceA", chat["instance"])
	assert.Nil(t, chat["assignedAgentId"])

	contact := decoded["contact"].(map[string]any)
	assert.Equal(t, "Jane", contact["name"])
	assert.Equal(t, "5511999@s.whatsapp.net", contact["phoneJid"])

	msg := decoded["message"].(map[string]any)
	assert.Equal(t, "M1", msg["messageIdFromApi"])
	assert.Equal(t, "image", msg["type"])
	assert.Equal(t, false, msg["fromMe"])
	assert.Equal(t, "https://s3/img", msg["metadata"].(map[string]any)["mediaUrl"])
}

func TestDispatchIsolatesFailingEndpoint(t *testing.T) {
	var okHits, failHits atomic.Int32
	var gotAuth, gotEvent, gotDelivery atomic.Value

	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		okHits.Add(1)
		gotAuth.Store(r.Header.Get("Authorization"))
		gotEvent.Store(r.Header.Get("X-Webhook-Event"))
		gotDelivery.Store(r.Header.Get("X-Webhook-Delivery"))

		var p Payload
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&p))
		assert.Equal(t, "look", p.Message.Content)
		w.WriteHeader(http.StatusOK)
	}))
	defer ok.Close()

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		failHits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer failing.Close()

	source := &staticSource{hooks: []model.Webhook{
		hook(1, failing.URL, "bad-token"),
		hook(2, ok.URL, "good-token"),
	}}
	d := New(source, nil, zerolog.Nop())

	report, err := d.Dispatch(context.Background(), NewPayload(testConversation()))
	require.NoError(t, err)

	assert.Equal(t, Report{Attempted: 2, Delivered: 1, Failed: 1}, report)
	assert.Equal(t, int32(1), okHits.Load())
	assert.Equal(t, int32(1), failHits.Load())
	assert.Equal(t, "Bearer good-token", gotAuth.Load())
	assert.Equal(t, "message.received", gotEvent.Load())
	assert.NotEmpty(t, gotDelivery.Load())
}

func TestDispatchWithoutWebhooksIsNoop(t *testing.T) {
	source := &staticSource{}
	report, err := New(source, nil, zerolog.Nop()).Dispatch(context.Background(), NewPayload(testConversation()))
	require.NoError(t, err)
	assert.Equal(t, Report{}, report)
	assert.Equal(t, int32(1), source.calls.Load())
}

func TestDispatchUnreachableAndSlowEndpoints(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer slow.Close()

	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ok.Close()

	source := &staticSource{hooks: []model.Webhook{
		hook(1, "http://127.0.0.1:1/unreachable", ""),
		hook(2, slow.URL, ""),
		hook(3, ok.URL, ""),
	}}
	d := New(source, &http.Client{Timeout: 100 * time.Millisecond}, zerolog.Nop())

	start := time.Now()
	report, err := d.Dispatch(context.Background(), NewPayload(testConversation()))
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, Report{Attempted: 3, Delivered: 1, Failed: 2}, report)
}

func TestDispatchSourceError(t *testing.T) {
	source := &staticSource{err: errors.New("db down")}
	_, err := New(source, nil, zerolog.Nop()).Dispatch(context.Background(), NewPayload(testConversation()))
	assert.ErrorContains(t, err, "db down")
}
