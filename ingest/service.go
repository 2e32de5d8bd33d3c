// Package ingest runs a provider event through classification, storage and
// the post-commit side effects.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"inbox-service/dispatcher"
	"inbox-service/evolution"
	"inbox-service/model"
	"inbox-service/store"
	"inbox-service/worker"

	"github.com/rs/zerolog"
)

// Outcome tells what Handle did with an event.
type Outcome string

const (
	OutcomeStored          Outcome = "stored"
	OutcomeDuplicate       Outcome = "duplicate"
	OutcomeIgnored         Outcome = "ignored"
	OutcomeFailed          Outcome = "failed"
	OutcomeStatusUpdated   Outcome = "status_updated"
	OutcomeStatusUnmatched Outcome = "status_unmatched"
	OutcomeScheduled       Outcome = "scheduled"
)

type Store interface {
	Reconcile(ctx context.Context, msg *evolution.MessageUpsert) (*store.Conversation, error)
	UpdateMessageStatus(ctx context.Context, instance, keyID, status string) (bool, error)
	ApplyContactChanges(ctx context.Context, instance string, items []evolution.ContactChange) (store.BatchResult, error)
	ApplyChatChanges(ctx context.Context, instance string, items []evolution.ChatChange) (store.BatchResult, error)
	SetContactAvatar(ctx context.Context, workspaceID, contactID uint, url string) error
}

type Dispatcher interface {
	Dispatch(ctx context.Context, p *dispatcher.Payload) (dispatcher.Report, error)
}

// Sink receives every stored message besides tenant webhooks.
type Sink interface {
	Name() string
	Publish(ctx context.Context, p *dispatcher.Payload) error
}

type ProfileFetcher interface {
	FetchProfilePictureURL(ctx context.Context, instance, number string) (string, error)
}

// ProfileClients picks the provider client for an instance. It returns nil
// when no provider address is known.
type ProfileClients func(inst model.Instance, serverURL string) ProfileFetcher

// NewProfileClients prefers the instance's own server and key, then the
// defaults, then the server_url the provider sent with the event.
func NewProfileClients(defaultURL, defaultKey string, httpClient *http.Client) ProfileClients {
	return func(inst model.Instance, serverURL string) ProfileFetcher {
		base := firstNonEmpty(inst.ServerURL, defaultURL, serverURL)
		if base == "" {
			return nil
		}
		return evolution.NewClient(base, firstNonEmpty(inst.APIKey, defaultKey), httpClient)
	}
}

type Service struct {
	store      Store
	dispatcher Dispatcher
	pool       *worker.Pool
	profiles   ProfileClients
	sinks      []Sink
	log        zerolog.Logger
}

func New(st Store, d Dispatcher, pool *worker.Pool, profiles ProfileClients, log zerolog.Logger, sinks ...Sink) *Service {
	return &Service{
		store:      st,
		dispatcher: d,
		pool:       pool,
		profiles:   profiles,
		sinks:      sinks,
		log:        log,
	}
}

// Handle classifies env and applies it. Storage failures and dropped events
// are logged and reported through the outcome; the error is reserved for
// events the service cannot interpret at all.
func (s *Service) Handle(ctx context.Context, env evolution.Envelope) (Outcome, error) {
	ev := evolution.Classify(env)
	log := s.log.With().Str("instance", ev.InstanceName()).Str("event", ev.EventName()).Logger()

	switch e := ev.(type) {
	case *evolution.MessageUpsert:
		return s.handleUpsert(ctx, log, e), nil

	case *evolution.StatusUpdate:
		ok, err := s.store.UpdateMessageStatus(ctx, e.Instance, e.KeyID, e.Status)
		if err != nil {
			log.Error().Err(err).Str("key_id", e.KeyID).Msg("status update failed")
			return OutcomeFailed, nil
		}
		if !ok {
			log.Debug().Str("key_id", e.KeyID).Msg("status update for unknown message")
			return OutcomeStatusUnmatched, nil
		}
		log.Debug().Str("key_id", e.KeyID).Str("status", e.Status).Msg("message status updated")
		return OutcomeStatusUpdated, nil

	case *evolution.ContactsUpdate:
		return s.schedule(log, "contacts refresh", e.Skipped, func(ctx context.Context) (store.BatchResult, error) {
			return s.store.ApplyContactChanges(ctx, e.Instance, e.Items)
		}), nil

	case *evolution.ChatsUpsert:
		return s.schedule(log, "chats refresh", e.Skipped, func(ctx context.Context) (store.BatchResult, error) {
			return s.store.ApplyChatChanges(ctx, e.Instance, e.Items)
		}), nil

	case *evolution.Ignored:
		log.Info().Str("reason", e.Reason).Msg("event ignored")
		return OutcomeIgnored, nil

	default:
		return OutcomeFailed, fmt.Errorf("ingest: unknown event type %T", ev)
	}
}

func (s *Service) handleUpsert(ctx context.Context, log zerolog.Logger, msg *evolution.MessageUpsert) Outcome {
	conv, err := s.store.Reconcile(ctx, msg)
	switch {
	case errors.Is(err, store.ErrDuplicateMessage):
		log.Info().Str("message_id", msg.ProviderID).Msg("duplicate message ignored")
		return OutcomeDuplicate
	case errors.Is(err, store.ErrInstanceNotFound):
		log.Warn().Err(err).Msg("message for unknown instance")
		return OutcomeFailed
	case err != nil:
		log.Error().Err(err).RawJSON("payload", rawOrNull(msg.Raw)).Msg("message transaction failed")
		return OutcomeFailed
	}

	log.Info().
		Uint("workspace_id", conv.Workspace.ID).
		Uint("chat_id", conv.Chat.ID).
		Uint("message_id", conv.Message.ID).
		Bool("contact_created", conv.ContactCreated).
		Bool("chat_created", conv.ChatCreated).
		Bool("chat_reopened", conv.ChatReopened).
		Msg("message stored")

	s.afterCommit(log, conv, msg.ServerURL)
	return OutcomeStored
}

func (s *Service) afterCommit(log zerolog.Logger, conv *store.Conversation, serverURL string) {
	payload := dispatcher.NewPayload(conv)

	s.spawn(log, "webhook fan-out", func(ctx context.Context) error {
		_, err := s.dispatcher.Dispatch(ctx, payload)
		return err
	})

	if conv.Contact.AvatarURL == nil && s.profiles != nil {
		inst, contact := conv.Instance, conv.Contact
		s.spawn(log, "profile backfill", func(ctx context.Context) error {
			return s.backfillAvatar(ctx, inst, contact, serverURL)
		})
	}

	for _, sink := range s.sinks {
		sink := sink
		s.spawn(log, "sink "+sink.Name(), func(ctx context.Context) error {
			return sink.Publish(ctx, payload)
		})
	}
}

func (s *Service) backfillAvatar(ctx context.Context, inst model.Instance, contact model.Contact, serverURL string) error {
	client := s.profiles(inst, serverURL)
	if client == nil {
		return nil
	}
	url, err := client.FetchProfilePictureURL(ctx, inst.Name, contact.Phone)
	if errors.Is(err, evolution.ErrProfilePictureNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return s.store.SetContactAvatar(ctx, contact.WorkspaceID, contact.ID, url)
}

func (s *Service) schedule(log zerolog.Logger, name string, skipped int, apply func(ctx context.Context) (store.BatchResult, error)) Outcome {
	s.spawn(log, name, func(ctx context.Context) error {
		result, err := apply(ctx)
		if err != nil {
			return err
		}
		log.Info().
			Int("applied", result.Applied).
			Int("skipped", result.Skipped+skipped).
			Int("failed", result.Failed).
			Errs("errors", result.Errors).
			Msg(name + " finished")
		return nil
	})
	return OutcomeScheduled
}

func (s *Service) spawn(log zerolog.Logger, name string, fn func(ctx context.Context) error) {
	if err := s.pool.Go(name, fn); err != nil {
		log.Warn().Err(err).Str("task", name).Msg("background task not started")
	}
}

func rawOrNull(raw []byte) []byte {
	if len(raw) == 0 {
		return []byte("null")
	}
	return raw
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
