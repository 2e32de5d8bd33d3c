package model

import (
	"time"

	"gorm.io/gorm"
)

type ChatStatus string

const (
	ChatGeneral   ChatStatus = "general"
	ChatInService ChatStatus = "in_service"
	ChatClosed    ChatStatus = "closed"
)

// OpenChatStatuses are the statuses of a chat that still accepts messages
// without being reopened.
var OpenChatStatuses = []ChatStatus{ChatGeneral, ChatInService}

type Chat struct {
	gorm.Model
	WorkspaceID     uint       `gorm:"not null;index:idx_chats_contact_workspace,priority:2" json:"workspace_id"`
	ContactID       uint       `gorm:"not null;index:idx_chats_contact_workspace,priority:1" json:"contact_id"`
	InstanceName    string     `json:"instance_name"`
	Channel         string     `gorm:"not null;default:whatsapp" json:"channel"`
	Status          ChatStatus `gorm:"not null;default:general" json:"status"`
	AssignedAgentID *uint      `json:"assigned_agent_id"`
	Archived        bool       `gorm:"not null;default:false" json:"archived"`
	LastMessageAt   *time.Time `json:"last_message_at"`
}

func (c *Chat) IsOpen() bool {
	return c.Status == ChatGeneral || c.Status == ChatInService
}
