package model

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type MessageType string

const (
	MessageText     MessageType = "text"
	MessageImage    MessageType = "image"
	MessageVideo    MessageType = "video"
	MessageAudio    MessageType = "audio"
	MessageDocument MessageType = "document"
	MessageSystem   MessageType = "system"
)

// Message is append-only. Only Status and Read change after insert.
type Message struct {
	gorm.Model
	WorkspaceID      uint           `gorm:"not null;uniqueIndex:idx_messages_workspace_api_id,priority:1" json:"workspace_id"`
	ChatID           uint           `gorm:"not null;index" json:"chat_id"`
	Type             MessageType    `gorm:"not null" json:"type"`
	Content          string         `json:"content"`
	Metadata         datatypes.JSON `json:"metadata"`
	MessageIDFromAPI *string        `gorm:"column:message_id_from_api;uniqueIndex:idx_messages_workspace_api_id,priority:2" json:"message_id_from_api"`
	FromMe           bool           `gorm:"not null;default:false" json:"from_me"`
	Status           string         `json:"status"`
	Read             bool           `gorm:"not null;default:false" json:"read"`
	RawPayload       datatypes.JSON `json:"-"`
	SentAt           time.Time      `json:"sent_at"`
}

// Media is the metadata attached to a message. Which fields are set depends
// on the message type.
type Media struct {
	MediaURL string `json:"mediaUrl,omitempty"`
	Mimetype string `json:"mimetype,omitempty"`
	FileName string `json:"fileName,omitempty"`
	Duration int    `json:"duration,omitempty"`
}

func (m Media) IsZero() bool {
	return m == Media{}
}
