// Package store reconciles provider events with contacts, chats and
// messages. Every inbound message is applied in a single transaction.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"inbox-service/evolution"
	"inbox-service/model"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrInstanceNotFound = errors.New("store: instance not found")
	ErrDuplicateMessage = errors.New("store: duplicate provider message")
	ErrContactConflict  = errors.New("store: contact insert kept conflicting")
)

// InboundStatus is the delivery status given to messages received from a
// contact.
const InboundStatus = "RECEIVED"

const contactInsertAttempts = 3

// InstanceCache is an optional read-through cache for instance resolution.
type InstanceCache interface {
	GetInstance(ctx context.Context, name string) (*model.Instance, bool)
	SetInstance(ctx context.Context, inst *model.Instance)
}

type Store struct {
	db    *gorm.DB
	cache InstanceCache
}

func New(db *gorm.DB, cache InstanceCache) *Store {
	return &Store{db: db, cache: cache}
}

// Conversation is the committed state produced by Reconcile.
type Conversation struct {
	Workspace model.Workspace
	Instance  model.Instance
	Contact   model.Contact
	Chat      model.Chat
	Message   model.Message

	ContactCreated bool
	ChatCreated    bool
	ChatReopened   bool
}

func (s *Store) ResolveInstance(ctx context.Context, name string) (*model.Instance, error) {
	return s.resolveInstance(ctx, s.db.WithContext(ctx), name)
}

func (s *Store) resolveInstance(ctx context.Context, tx *gorm.DB, name string) (*model.Instance, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: empty name", ErrInstanceNotFound)
	}
	if s.cache != nil {
		if inst, ok := s.cache.GetInstance(ctx, name); ok {
			return inst, nil
		}
	}

	var inst model.Instance
	err := tx.Where("name = ?", name).Take(&inst).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %q", ErrInstanceNotFound, name)
	}
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		s.cache.SetInstance(ctx, &inst)
	}
	return &inst, nil
}

// Reconcile stores an inbound message: it resolves the workspace, finds or
// creates the contact, finds, reopens or creates the chat and appends the
// message. Nothing is persisted when any step fails.
func (s *Store) Reconcile(ctx context.Context, msg *evolution.MessageUpsert) (*Conversation, error) {
	conv := &Conversation{}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		inst, err := s.resolveInstance(ctx, tx, msg.Instance)
		if err != nil {
			return err
		}
		conv.Instance = *inst

		if err := tx.Take(&conv.Workspace, inst.WorkspaceID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: workspace %d of %q is missing", ErrInstanceNotFound, inst.WorkspaceID, inst.Name)
			}
			return err
		}

		conv.Contact, conv.ContactCreated, err = findOrCreateContact(tx, inst.WorkspaceID, msg)
		if err != nil {
			return fmt.Errorf("contact: %w", err)
		}

		conv.Chat, conv.ChatCreated, conv.ChatReopened, err = resolveChat(tx, inst, conv.Contact.ID)
		if err != nil {
			return fmt.Errorf("chat: %w", err)
		}

		conv.Message, err = insertMessage(tx, &conv.Chat, msg)
		if err != nil {
			return err
		}

		sentAt := conv.Message.SentAt
		if err := tx.Model(&conv.Chat).Update("last_message_at", sentAt).Error; err != nil {
			return fmt.Errorf("chat: touch: %w", err)
		}
		conv.Chat.LastMessageAt = &sentAt
		return nil
	})
	if err != nil {
		return nil, err
	}
	return conv, nil
}

func findOrCreateContact(tx *gorm.DB, workspaceID uint, msg *evolution.MessageUpsert) (model.Contact, bool, error) {
	for attempt := 0; attempt < contactInsertAttempts; attempt++ {
		var contact model.Contact
		err := forUpdate(tx).
			Where("phone_jid = ? AND workspace_id = ?", msg.RemoteJID, workspaceID).
			Take(&contact).Error
		if err == nil {
			if msg.PushName != "" && msg.PushName != contact.Name {
				if err := tx.Model(&contact).Update("name", msg.PushName).Error; err != nil {
					return contact, false, err
				}
				contact.Name = msg.PushName
			}
			return contact, false, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return contact, false, err
		}

		contact = model.Contact{
			WorkspaceID: workspaceID,
			PhoneJID:    msg.RemoteJID,
			Phone:       msg.Phone,
			Name:        firstNonEmpty(msg.PushName, msg.Phone),
		}
		// the savepoint keeps the outer transaction usable after a unique
		// violation caused by a concurrent insert of the same contact
		err = tx.Transaction(func(sp *gorm.DB) error {
			return sp.Create(&contact).Error
		})
		if err == nil {
			return contact, true, nil
		}
		if !isUniqueViolation(err) {
			return contact, false, err
		}
	}
	return model.Contact{}, false, ErrContactConflict
}

func resolveChat(tx *gorm.DB, inst *model.Instance, contactID uint) (chat model.Chat, created, reopened bool, err error) {
	err = tx.
		Where("contact_id = ? AND workspace_id = ? AND status IN ?", contactID, inst.WorkspaceID, openStatuses()).
		Order("updated_at DESC").Order("id DESC").
		Take(&chat).Error
	if err == nil {
		return chat, false, false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return chat, false, false, err
	}

	// no open chat: reopen the latest closed one before creating a new row
	err = tx.
		Where("contact_id = ? AND workspace_id = ?", contactID, inst.WorkspaceID).
		Order("updated_at DESC").Order("id DESC").
		Take(&chat).Error
	if err == nil {
		if err := tx.Model(&chat).Update("status", string(model.ChatGeneral)).Error; err != nil {
			return chat, false, false, err
		}
		chat.Status = model.ChatGeneral
		return chat, false, true, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return chat, false, false, err
	}

	chat = model.Chat{
		WorkspaceID:  inst.WorkspaceID,
		ContactID:    contactID,
		InstanceName: inst.Name,
		Channel:      "whatsapp",
		Status:       model.ChatGeneral,
	}
	if err := tx.Create(&chat).Error; err != nil {
		return chat, false, false, err
	}
	return chat, true, false, nil
}

func insertMessage(tx *gorm.DB, chat *model.Chat, msg *evolution.MessageUpsert) (model.Message, error) {
	var providerID *string
	if msg.ProviderID != "" {
		id := msg.ProviderID
		providerID = &id

		var count int64
		err := tx.Model(&model.Message{}).
			Where("workspace_id = ? AND message_id_from_api = ?", chat.WorkspaceID, id).
			Count(&count).Error
		if err != nil {
			return model.Message{}, err
		}
		if count > 0 {
			return model.Message{}, fmt.Errorf("%w: %s", ErrDuplicateMessage, id)
		}
	}

	metadata, err := json.Marshal(msg.Media)
	if err != nil {
		return model.Message{}, err
	}

	message := model.Message{
		WorkspaceID:      chat.WorkspaceID,
		ChatID:           chat.ID,
		Type:             msg.Type,
		Content:          msg.Content,
		Metadata:         datatypes.JSON(metadata),
		MessageIDFromAPI: providerID,
		FromMe:           false,
		Status:           InboundStatus,
		RawPayload:       datatypes.JSON(msg.Raw),
		SentAt:           msg.Timestamp,
	}
	res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&message)
	if res.Error != nil {
		return message, fmt.Errorf("message: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return message, fmt.Errorf("%w: %s", ErrDuplicateMessage, msg.ProviderID)
	}
	return message, nil
}

// UpdateMessageStatus sets the delivery status of the message the provider
// knows as keyID. It reports false when no such message is stored.
func (s *Store) UpdateMessageStatus(ctx context.Context, instance, keyID, status string) (bool, error) {
	inst, err := s.ResolveInstance(ctx, instance)
	if err != nil {
		return false, err
	}
	res := s.db.WithContext(ctx).
		Model(&model.Message{}).
		Where("workspace_id = ? AND message_id_from_api = ?", inst.WorkspaceID, keyID).
		UpdateColumn("status", status)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// SetContactAvatar stores an avatar for a contact that has none yet.
func (s *Store) SetContactAvatar(ctx context.Context, workspaceID, contactID uint, url string) error {
	return s.db.WithContext(ctx).
		Model(&model.Contact{}).
		Where("id = ? AND workspace_id = ? AND (avatar_url IS NULL OR avatar_url = '')", contactID, workspaceID).
		Update("avatar_url", url).Error
}

// ActiveWebhooks lists the endpoints that receive the workspace's messages.
func (s *Store) ActiveWebhooks(ctx context.Context, workspaceID uint) ([]model.Webhook, error) {
	var hooks []model.Webhook
	err := s.db.WithContext(ctx).
		Where("workspace_id = ? AND active = ? AND url <> ''", workspaceID, true).
		Order("id").
		Find(&hooks).Error
	return hooks, err
}

func forUpdate(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "postgres" {
		return tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return tx
}

func openStatuses() []string {
	out := make([]string, 0, len(model.OpenChatStatuses))
	for _, st := range model.OpenChatStatuses {
		out = append(out, string(st))
	}
	return out
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
