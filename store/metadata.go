package store

import (
	"context"
	"fmt"

	"inbox-service/evolution"
	"inbox-service/model"
)

// BatchResult counts the outcome of a list-shaped provider event.
type BatchResult struct {
	Applied int
	Skipped int
	Failed  int
	Errors  []error
}

func (r *BatchResult) fail(jid string, err error) {
	r.Failed++
	r.Errors = append(r.Errors, fmt.Errorf("%s: %w", jid, err))
}

// ApplyContactChanges refreshes name and avatar of contacts the workspace
// already knows. Unknown contacts are skipped, never created.
func (s *Store) ApplyContactChanges(ctx context.Context, instance string, items []evolution.ContactChange) (BatchResult, error) {
	var result BatchResult
	inst, err := s.ResolveInstance(ctx, instance)
	if err != nil {
		return result, err
	}

	db := s.db.WithContext(ctx)
	for _, item := range items {
		changes := map[string]any{}
		if item.PushName != "" {
			changes["name"] = item.PushName
		}
		if item.ProfilePicURL != "" {
			changes["avatar_url"] = item.ProfilePicURL
		}
		if len(changes) == 0 {
			result.Skipped++
			continue
		}

		res := db.Model(&model.Contact{}).
			Where("workspace_id = ? AND phone_jid = ?", inst.WorkspaceID, item.RemoteJID).
			Updates(changes)
		switch {
		case res.Error != nil:
			result.fail(item.RemoteJID, res.Error)
		case res.RowsAffected == 0:
			result.Skipped++
		default:
			result.Applied++
		}
	}
	return result, nil
}

// ApplyChatChanges mirrors the provider's archived flag onto the chats of
// known contacts.
func (s *Store) ApplyChatChanges(ctx context.Context, instance string, items []evolution.ChatChange) (BatchResult, error) {
	var result BatchResult
	inst, err := s.ResolveInstance(ctx, instance)
	if err != nil {
		return result, err
	}

	db := s.db.WithContext(ctx)
	for _, item := range items {
		if item.Archived == nil {
			result.Skipped++
			continue
		}

		contacts := db.Model(&model.Contact{}).
			Select("id").
			Where("workspace_id = ? AND phone_jid = ?", inst.WorkspaceID, item.RemoteJID)
		res := db.Model(&model.Chat{}).
			Where("workspace_id = ? AND contact_id IN (?)", inst.WorkspaceID, contacts).
			UpdateColumn("archived", *item.Archived)
		switch {
		case res.Error != nil:
			result.fail(item.RemoteJID, res.Error)
		case res.RowsAffected == 0:
			result.Skipped++
		default:
			result.Applied++
		}
	}
	return result, nil
}
