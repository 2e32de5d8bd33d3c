// Package dispatcher delivers stored messages to the webhooks tenants
// registered for their workspace. Delivery is best effort: one attempt per
// endpoint, no retries.
package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"inbox-service/model"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const DefaultTimeout = 10 * time.Second

type WebhookSource interface {
	ActiveWebhooks(ctx context.Context, workspaceID uint) ([]model.Webhook, error)
}

type Dispatcher struct {
	source WebhookSource
	client *http.Client
	log    zerolog.Logger
}

// New returns a dispatcher. A nil client gets DefaultTimeout.
func New(source WebhookSource, client *http.Client, log zerolog.Logger) *Dispatcher {
	if client == nil {
		client = &http.Client{Timeout: DefaultTimeout}
	}
	return &Dispatcher{source: source, client: client, log: log}
}

// Report summarizes one fan-out.
type Report struct {
	Attempted int
	Delivered int
	Failed    int
}

// Dispatch posts p to every active webhook of its workspace in parallel and
// waits for all attempts. Failures are logged per endpoint and never affect
// the other deliveries.
func (d *Dispatcher) Dispatch(ctx context.Context, p *Payload) (Report, error) {
	hooks, err := d.source.ActiveWebhooks(ctx, p.Workspace.ID)
	if err != nil {
		return Report{}, fmt.Errorf("dispatcher: load webhooks: %w", err)
	}
	if len(hooks) == 0 {
		return Report{}, nil
	}

	body, err := json.Marshal(p)
	if err != nil {
		return Report{}, fmt.Errorf("dispatcher: encode payload: %w", err)
	}

	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		report = Report{Attempted: len(hooks)}
	)
	for _, hook := range hooks {
		wg.Add(1)
		go func(hook model.Webhook) {
			defer wg.Done()
			err := d.deliver(ctx, hook, p.Event, body)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failed++
				d.log.Warn().Err(err).
					Uint("webhook_id", hook.ID).
					Str("url", hook.URL).
					Uint("workspace_id", hook.WorkspaceID).
					Uint("message_id", p.Message.ID).
					Msg("webhook delivery failed")
				return
			}
			report.Delivered++
		}(hook)
	}
	wg.Wait()

	d.log.Info().
		Uint("workspace_id", p.Workspace.ID).
		Uint("message_id", p.Message.ID).
		Int("attempted", report.Attempted).
		Int("delivered", report.Delivered).
		Int("failed", report.Failed).
		Msg("webhook fan-out finished")
	return report, nil
}

func (d *Dispatcher) deliver(ctx context.Context, hook model.Webhook, event string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Event", event)
	req.Header.Set("X-Webhook-Delivery", uuid.NewString())
	if hook.Token != "" {
		req.Header.Set("Authorization", "Bearer "+hook.Token)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}
