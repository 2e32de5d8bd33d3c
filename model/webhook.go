package model

import "gorm.io/gorm"

// Webhook is a tenant-registered endpoint that receives stored messages.
type Webhook struct {
	gorm.Model
	WorkspaceID uint   `gorm:"not null;index" json:"workspace_id"`
	Name        string `json:"name"`
	URL         string `json:"url"`
	Token       string `json:"-"`
	Active      bool   `gorm:"not null" json:"active"`
}
