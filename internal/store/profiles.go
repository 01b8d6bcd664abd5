// ABOUTME: Profile and presence persistence
// ABOUTME: Presence keeps a server-derived last_seen so missing offline signals degrade gracefully

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// UpsertProfile creates or replaces a user's public profile
func (s *SQLiteStore) UpsertProfile(ctx context.Context, p *Profile) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO profiles (user_id, display_name, avatar_url, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			display_name = excluded.display_name,
			avatar_url = excluded.avatar_url,
			updated_at = excluded.updated_at
	`, p.UserID, p.DisplayName, p.AvatarURL, toNanos(time.Now()))
	if err != nil {
		return fmt.Errorf("upserting profile: %w", err)
	}
	return nil
}

// GetProfile returns the profile joined with the user's current presence.
// Users without a presence row are reported offline.
func (s *SQLiteStore) GetProfile(ctx context.Context, userID string) (*Profile, error) {
	var (
		p        Profile
		avatar   sql.NullString
		status   sql.NullString
		lastSeen sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT p.user_id, p.display_name, p.avatar_url, pr.status, pr.last_seen
		FROM profiles p
		LEFT JOIN presence pr ON pr.user_id = p.user_id
		WHERE p.user_id = ?
	`, userID).Scan(&p.UserID, &p.DisplayName, &avatar, &status, &lastSeen)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying profile: %w", err)
	}

	p.AvatarURL = avatar.String
	p.Status = StatusOffline
	if status.Valid {
		p.Status = Status(status.String)
	}
	if lastSeen.Valid {
		p.LastSeen = fromNanos(lastSeen.Int64)
	}
	return &p, nil
}

// SetPresence records an explicit status change. LastSeen is bumped too since
// a status change is itself activity.
func (s *SQLiteStore) SetPresence(ctx context.Context, p *Presence) error {
	if !p.Status.Valid() {
		return fmt.Errorf("invalid presence status %q", p.Status)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO presence (user_id, status, last_seen, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			status = excluded.status,
			last_seen = MAX(presence.last_seen, excluded.last_seen),
			updated_at = excluded.updated_at
	`, p.UserID, string(p.Status), toNanos(p.LastSeen), toNanos(p.UpdatedAt))
	if err != nil {
		return fmt.Errorf("setting presence: %w", err)
	}
	return nil
}

// GetPresence returns the presence record for a user
func (s *SQLiteStore) GetPresence(ctx context.Context, userID string) (*Presence, error) {
	var (
		p         Presence
		status    string
		lastSeen  int64
		updatedAt int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, status, last_seen, updated_at FROM presence WHERE user_id = ?
	`, userID).Scan(&p.UserID, &status, &lastSeen, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying presence: %w", err)
	}
	p.Status = Status(status)
	p.LastSeen = fromNanos(lastSeen)
	p.UpdatedAt = fromNanos(updatedAt)
	return &p, nil
}

// TouchPresence bumps last_seen from feed activity without changing status.
// Unknown users get an offline row so the sweep has something to compare.
func (s *SQLiteStore) TouchPresence(ctx context.Context, userID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO presence (user_id, status, last_seen, updated_at)
		VALUES (?, 'offline', ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			last_seen = MAX(presence.last_seen, excluded.last_seen)
	`, userID, toNanos(at), toNanos(at))
	if err != nil {
		return fmt.Errorf("touching presence: %w", err)
	}
	return nil
}

// ListStalePresence returns users not offline whose last activity predates before.
func (s *SQLiteStore) ListStalePresence(ctx context.Context, before time.Time) ([]*Presence, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, status, last_seen, updated_at FROM presence
		WHERE status != 'offline' AND last_seen < ?
		ORDER BY last_seen ASC
	`, toNanos(before))
	if err != nil {
		return nil, fmt.Errorf("querying stale presence: %w", err)
	}
	defer rows.Close()

	var out []*Presence
	for rows.Next() {
		var (
			p         Presence
			status    string
			lastSeen  int64
			updatedAt int64
		)
		if err := rows.Scan(&p.UserID, &status, &lastSeen, &updatedAt); err != nil {
			return nil, fmt.Errorf("scanning presence: %w", err)
		}
		p.Status = Status(status)
		p.LastSeen = fromNanos(lastSeen)
		p.UpdatedAt = fromNanos(updatedAt)
		out = append(out, &p)
	}
	return out, rows.Err()
}
