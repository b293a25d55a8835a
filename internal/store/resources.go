package store

import (
	"context"
	"database/sql"
	"encoding/json"
)

// UserResource mirrors the `user_resources` row (spec §3): a named handle
// to a file, URL, or credential a user has granted the engine access to,
// consulted by the prompt assembler's environment builder (spec §4.3).
type UserResource struct {
	ID          int64
	UserID      string
	Type        string
	Name        string
	PathOrURL   string
	Permissions string
	Extras      map[string]interface{}
}

// UpsertResource creates or replaces a named resource for a user.
func (s *Store) UpsertResource(ctx context.Context, r UserResource) (int64, error) {
	if r.Extras == nil {
		r.Extras = map[string]interface{}{}
	}
	extrasJSON, err := json.Marshal(r.Extras)
	if err != nil {
		return 0, err
	}
	var id int64
	err = retryOnBusy(ctx, 5, func() error {
		res, execErr := s.db.ExecContext(ctx, `
			INSERT INTO user_resources (user_id, type, name, path_or_url, permissions, extras)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(user_id, type, name) DO UPDATE SET
				path_or_url = excluded.path_or_url,
				permissions = excluded.permissions,
				extras = excluded.extras;
		`, r.UserID, r.Type, r.Name, r.PathOrURL, r.Permissions, string(extrasJSON))
		if execErr != nil {
			return execErr
		}
		id, execErr = res.LastInsertId()
		return execErr
	})
	return id, err
}

// ListResourcesForUser returns every resource of a type registered for a
// user, or all types if typeFilter is empty.
func (s *Store) ListResourcesForUser(ctx context.Context, userID, typeFilter string) ([]UserResource, error) {
	var rows *sql.Rows
	var err error
	if typeFilter == "" {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, user_id, type, name, path_or_url, permissions, extras FROM user_resources WHERE user_id = ? ORDER BY type, name;
		`, userID)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, user_id, type, name, path_or_url, permissions, extras FROM user_resources WHERE user_id = ? AND type = ? ORDER BY name;
		`, userID, typeFilter)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []UserResource
	for rows.Next() {
		var r UserResource
		var extrasJSON string
		if err := rows.Scan(&r.ID, &r.UserID, &r.Type, &r.Name, &r.PathOrURL, &r.Permissions, &extrasJSON); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(extrasJSON), &r.Extras)
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeleteResource removes a named resource.
func (s *Store) DeleteResource(ctx context.Context, userID, resourceType, name string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM user_resources WHERE user_id = ? AND type = ? AND name = ?;`, userID, resourceType, name)
	return err
}
