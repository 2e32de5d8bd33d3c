package model

import "gorm.io/gorm"

// Workspace is the tenant isolation boundary.
type Workspace struct {
	gorm.Model
	Name string `gorm:"not null" json:"name"`
}

// Instance is a messaging-provider instance. Its name resolves to exactly
// one workspace.
type Instance struct {
	gorm.Model
	Name        string `gorm:"uniqueIndex;not null" json:"name"`
	WorkspaceID uint   `gorm:"not null;index" json:"workspace_id"`
	ServerURL   string `json:"server_url"`
	APIKey      string `json:"api_key"`
}
