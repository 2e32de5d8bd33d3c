package dispatcher

import (
	"encoding/json"
	"time"

	"inbox-service/model"
	"inbox-service/store"
)

const EventMessageReceived = "message.received"

// Payload is the canonical notification body sent to every sink.
type Payload struct {
	Event       string           `json:"event"`
	DeliveredAt time.Time        `json:"deliveredAt"`
	Workspace   WorkspacePayload `json:"workspace"`
	Chat        ChatPayload      `json:"chat"`
	Contact     ContactPayload   `json:"contact"`
	Message     MessagePayload   `json:"message"`
}

type WorkspacePayload struct {
	ID   uint   `json:"id"`
	Name string `json:"name"`
}

type ChatPayload struct {
	ID              uint             `json:"id"`
	Status          model.ChatStatus `json:"status"`
	Channel         string           `json:"channel"`
	Instance        string           `json:"instance"`
	AssignedAgentID *uint            `json:"assignedAgentId"`
}

type ContactPayload struct {
	ID        uint    `json:"id"`
	Name      string  `json:"name"`
	Phone     string  `json:"phone"`
	PhoneJID  string  `json:"phoneJid"`
	AvatarURL *string `json:"avatarUrl"`
}

type MessagePayload struct {
	ID               uint              `json:"id"`
	MessageIDFromAPI *string           `json:"messageIdFromApi"`
	Content          string            `json:"content"`
	Type             model.MessageType `json:"type"`
	FromMe           bool              `json:"fromMe"`
	Timestamp        time.Time         `json:"timestamp"`
	Metadata         json.RawMessage   `json:"metadata"`
}

func NewPayload(conv *store.Conversation) *Payload {
	metadata := json.RawMessage(conv.Message.Metadata)
	if len(metadata) == 0 {
		metadata = json.RawMessage("{}")
	}
	channel := conv.Chat.Channel
	if channel == "" {
		channel = "whatsapp"
	}

	return &Payload{
		Event:       EventMessageReceived,
		DeliveredAt: time.Now().UTC(),
		Workspace: WorkspacePayload{
			ID:   conv.Workspace.ID,
			Name: conv.Workspace.Name,
		},
		Chat: ChatPayload{
			ID:              conv.Chat.ID,
			Status:          conv.Chat.Status,
			Channel:         channel,
			Instance:        conv.Instance.Name,
			AssignedAgentID: conv.Chat.AssignedAgentID,
		},
		Contact: ContactPayload{
			ID:        conv.Contact.ID,
			Name:      conv.Contact.Name,
			Phone:     conv.Contact.Phone,
			PhoneJID:  conv.Contact.PhoneJID,
			AvatarURL: conv.Contact.AvatarURL,
		},
		Message: MessagePayload{
			ID:               conv.Message.ID,
			MessageIDFromAPI: conv.Message.MessageIDFromAPI,
			Content:          conv.Message.Content,
			Type:             conv.Message.Type,
			FromMe:           conv.Message.FromMe,
			Timestamp:        conv.Message.SentAt,
			Metadata:         metadata,
		},
	}
}
