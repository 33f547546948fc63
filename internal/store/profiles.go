// ABOUTME: Read-side profile summaries shown next to conversations
// ABOUTME: UpsertProfile exists for seeding; profile management lives elsewhere

package store

import (
	"context"
	"database/sql"
	"fmt"
)

// GetProfile returns the profile summary for a handle.
// Returns ErrNotFound if no profile row exists.
func (s *SQLiteStore) GetProfile(ctx context.Context, handle string) (*Profile, error) {
	var p Profile
	err := s.db.QueryRowContext(ctx, `
		SELECT handle, display_name, avatar_url
		FROM profiles
		WHERE handle = ?
	`, handle).Scan(&p.Handle, &p.DisplayName, &p.AvatarURL)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying profile: %w", err)
	}
	return &p, nil
}

// UpsertProfile creates or replaces a profile summary.
func (s *SQLiteStore) UpsertProfile(ctx context.Context, profile *Profile) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO profiles (handle, display_name, avatar_url)
		VALUES (?, ?, ?)
		ON CONFLICT(handle) DO UPDATE SET
			display_name = excluded.display_name,
			avatar_url = excluded.avatar_url
	`, profile.Handle, profile.DisplayName, profile.AvatarURL)
	if err != nil {
		return fmt.Errorf("upserting profile: %w", err)
	}
	return nil
}
