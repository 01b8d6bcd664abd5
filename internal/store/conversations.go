// ABOUTME: Conversation persistence for pairwise direct-message channels
// ABOUTME: Get-or-create by canonical participant pair, recency-ordered listing

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const conversationColumns = `
	id, participant_a, participant_b, last_sender, last_preview, last_has_media,
	last_at, created_at, updated_at
`

// GetOrCreateConversation returns the conversation between a and b, creating it
// on first use. Concurrent callers for the same pair converge on one row.
func (s *SQLiteStore) GetOrCreateConversation(ctx context.Context, a, b string) (*Conversation, error) {
	pair, err := CanonicalParticipants(a, b)
	if err != nil {
		return nil, err
	}

	conv, err := s.getConversationByPair(ctx, pair)
	if err == nil {
		return conv, nil
	}
	if err != ErrNotFound {
		return nil, err
	}

	now := time.Now().UTC()
	conv = &Conversation{
		ID:           uuid.New().String(),
		Participants: pair,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, participant_a, participant_b, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`, conv.ID, pair[0], pair[1], toNanos(now), toNanos(now))
	if err != nil {
		// Another request may have created the pair between lookup and insert
		if isUniqueConstraintError(err) {
			s.logger.Debug("conversation creation hit duplicate, retrying lookup",
				"participant_a", pair[0],
				"participant_b", pair[1])
			return s.getConversationByPair(ctx, pair)
		}
		return nil, fmt.Errorf("inserting conversation: %w", err)
	}

	s.logger.Debug("conversation created", "conversation_id", conv.ID)
	return conv, nil
}

// GetConversation retrieves a conversation by ID
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id)
	return scanConversation(row)
}

func (s *SQLiteStore) getConversationByPair(ctx context.Context, pair [2]string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+conversationColumns+` FROM conversations
		WHERE participant_a = ? AND participant_b = ?
	`, pair[0], pair[1])
	return scanConversation(row)
}

// ListConversations returns every conversation userID participates in,
// newest activity first.
func (s *SQLiteStore) ListConversations(ctx context.Context, userID string) ([]*Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+conversationColumns+` FROM conversations
		WHERE participant_a = ? OR participant_b = ?
		ORDER BY updated_at DESC, id ASC
	`, userID, userID)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	var convs []*Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating conversations: %w", err)
	}
	return convs, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var (
		conv         Conversation
		lastSender   sql.NullString
		lastPreview  sql.NullString
		lastHasMedia int
		lastAt       sql.NullInt64
		createdAt    int64
		updatedAt    int64
	)
	err := row.Scan(
		&conv.ID,
		&conv.Participants[0],
		&conv.Participants[1],
		&lastSender,
		&lastPreview,
		&lastHasMedia,
		&lastAt,
		&createdAt,
		&updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning conversation: %w", err)
	}

	conv.CreatedAt = fromNanos(createdAt)
	conv.UpdatedAt = fromNanos(updatedAt)
	if lastAt.Valid {
		conv.LastMessage = &LastMessage{
			SenderID:  lastSender.String,
			Preview:   lastPreview.String,
			HasMedia:  lastHasMedia != 0,
			Timestamp: fromNanos(lastAt.Int64),
		}
	}
	return &conv, nil
}
