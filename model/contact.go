package model

import "gorm.io/gorm"

// Contact is a remote party, unique per (phone_jid, workspace_id).
type Contact struct {
	gorm.Model
	WorkspaceID uint    `gorm:"not null;uniqueIndex:idx_contacts_jid_workspace,priority:2" json:"workspace_id"`
	PhoneJID    string  `gorm:"column:phone_jid;not null;uniqueIndex:idx_contacts_jid_workspace,priority:1" json:"phone_jid"`
	Phone       string  `gorm:"not null" json:"phone"`
	Name        string  `json:"name"`
	AvatarURL   *string `json:"avatar_url"`
}
