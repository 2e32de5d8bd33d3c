package controller

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"inbox-service/database"
	"inbox-service/dispatcher"
	"inbox-service/evolution"
	"inbox-service/ingest"
	"inbox-service/model"
	"inbox-service/queue"
	"inbox-service/store"
	"inbox-service/worker"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type ingestFunc func(ctx context.Context, env evolution.Envelope) (ingest.Outcome, error)

func (f ingestFunc) Handle(ctx context.Context, env evolution.Envelope) (ingest.Outcome, error) {
	return f(ctx, env)
}

func newApp(in Ingester) *fiber.App {
	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	h := NewWebhook(queue.New(10), in, zerolog.Nop())
	app.Post("/webhooks/evolution/:instance", h.Receive)
	return app
}

func post(t *testing.T, app *fiber.App, path, body string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := map[string]any{}
	require.NoError(t, json.Unmarshal(raw, &out))
	return resp.StatusCode, out
}

func TestReceiveResponses(t *testing.T) {
	var seen atomic.Value
	ok := ingestFunc(func(_ context.Context, env evolution.Envelope) (ingest.Outcome, error) {
		seen.Store(env)
		return ingest.OutcomeIgnored, nil
	})

	tests := []struct {
		name   string
		path   string
		body   string
		status int
		key    string
	}{
		{"accepted", "/webhooks/evolution/instanceA", `{"event":"messages.upsert","instance":"instanceA","data":{}}`, 200, "message"},
		{"instance taken from path", "/webhooks/evolution/instanceA", `{"event":"messages.upsert","data":{}}`, 200, "message"},
		{"missing event", "/webhooks/evolution/instanceA", `{"instance":"instanceA","data":{}}`, 400, "error"},
		{"instance mismatch", "/webhooks/evolution/instanceA", `{"event":"messages.upsert","instance":"instanceB"}`, 400, "error"},
		{"unparseable body", "/webhooks/evolution/instanceA", `{"event":`, 500, "error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := post(t, newApp(ok), tt.path, tt.body)
			assert.Equal(t, tt.status, status)
			assert.Contains(t, body, tt.key)
		})
	}

	env, _ := seen.Load().(evolution.Envelope)
	assert.Equal(t, "instanceA", env.Instance)
}

func TestReceiveKeepsInstanceAfterRequest(t *testing.T) {
	var kept []evolution.Envelope
	in := ingestFunc(func(_ context.Context, env evolution.Envelope) (ingest.Outcome, error) {
		kept = append(kept, env)
		return ingest.OutcomeScheduled, nil
	})
	app := newApp(in)

	status, _ := post(t, app, "/webhooks/evolution/instanceA", `{"event":"contacts.update","data":[]}`)
	require.Equal(t, 200, status)
	status, _ = post(t, app, "/webhooks/evolution/zzzzzzzzzB", `{"event":"contacts.update","data":[]}`)
	require.Equal(t, 200, status)

	require.Len(t, kept, 2)
	assert.Equal(t, "instanceA", kept[0].Instance)
	assert.Equal(t, "zzzzzzzzzB", kept[1].Instance)
	assert.JSONEq(t, `[]`, string(kept[0].Data))
}

func TestReceiveWithoutJSONContentType(t *testing.T) {
	var seen atomic.Value
	in := ingestFunc(func(_ context.Context, env evolution.Envelope) (ingest.Outcome, error) {
		seen.Store(env.Event)
		return ingest.OutcomeIgnored, nil
	})

	req := httptest.NewRequest(http.MethodPost, "/webhooks/evolution/instanceA",
		strings.NewReader(`{"event":"messages.update","instance":"instanceA","data":{}}`))
	req.Header.Set("Content-Type", "text/plain")
	resp, err := newApp(in).Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "messages.update", seen.Load())
}

func TestReceiveJobFailure(t *testing.T) {
	failing := ingestFunc(func(context.Context, evolution.Envelope) (ingest.Outcome, error) {
		return ingest.OutcomeFailed, errors.New("boom")
	})
	status, body := post(t, newApp(failing), "/webhooks/evolution/i", `{"event":"x","instance":"i"}`)
	assert.Equal(t, 500, status)
	assert.Equal(t, "Internal server error", body["error"])

	panicking := ingestFunc(func(context.Context, evolution.Envelope) (ingest.Outcome, error) {
		panic("bad state")
	})
	status, _ = post(t, newApp(panicking), "/webhooks/evolution/i", `{"event":"x","instance":"i"}`)
	assert.Equal(t, 500, status)
}

func TestReceiveStoresInboundMessage(t *testing.T) {
	db, err := database.SQLiteConnect(":memory:")
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))

	ws := model.Workspace{Name: "Acme"}
	require.NoError(t, db.Create(&ws).Error)
	require.NoError(t, db.Create(&model.Instance{Name: "instanceA", WorkspaceID: ws.ID}).Error)

	var deliveries atomic.Int32
	tenant := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		deliveries.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer tenant.Close()
	require.NoError(t, db.Create(&model.Webhook{WorkspaceID: ws.ID, URL: tenant.URL, Token: "t", Active: true}).Error)

	st := store.New(db, nil)
	pool := worker.New(4, zerolog.Nop())
	svc := ingest.New(st, dispatcher.New(st, nil, zerolog.Nop()), pool, nil, zerolog.Nop())

	status, body := post(t, newApp(svc), "/webhooks/evolution/instanceA", `{
		"event":"messages.upsert","instance":"instanceA",
		"data":{"key":{"remoteJid":"5511999@s.whatsapp.net","fromMe":false,"id":"M1"},
		"message":{"conversation":"Hello"},"pushName":"Jane"}}`)
	require.NoError(t, pool.Close(context.Background()))

	assert.Equal(t, 200, status)
	assert.Equal(t, "Webhook received successfully", body["message"])

	var contact model.Contact
	require.NoError(t, db.Take(&contact).Error)
	assert.Equal(t, "Jane", contact.Name)
	assert.Equal(t, "5511999@s.whatsapp.net", contact.PhoneJID)

	var chat model.Chat
	require.NoError(t, db.Take(&chat).Error)
	assert.Equal(t, model.ChatGeneral, chat.Status)

	var msg model.Message
	require.NoError(t, db.Take(&msg).Error)
	assert.Equal(t, "Hello", msg.Content)
	assert.Equal(t, model.MessageText, msg.Type)
	assert.False(t, msg.FromMe)
	assert.Equal(t, "M1", *msg.MessageIDFromAPI)

	assert.Equal(t, int32(1), deliveries.Load())
}

func TestStats(t *testing.T) {
	app := fiber.New()
	app.Get("/stats", Stats(queue.New(7), queue.New(3)))

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/stats", nil))
	require.NoError(t, err)
	defer resp.Body.Close()

	var out struct {
		Status string
		Data   struct {
			Queue      queue.Stats
			Background queue.Stats
		}
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "success", out.Status)
	assert.Equal(t, 7, out.Data.Queue.Concurrency)
	assert.Equal(t, 3, out.Data.Background.Concurrency)
}
