// ABOUTME: Message persistence: append with conversation bump, client-id lookup, ordered history
// ABOUTME: Media urls, sticker and poll payloads are stored as JSON columns

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrDuplicateMessage is returned when a message with the same client id was already saved
var ErrDuplicateMessage = errors.New("message already exists")

const messageColumns = `
	id, client_id, conversation_id, sender_id, receiver_id, content, media_urls,
	media_type, sticker_json, poll_json, read, created_at
`

// SaveMessage appends a message and bumps the owning conversation's LastMessage
// and UpdatedAt in one transaction. UpdatedAt never moves backwards.
func (s *SQLiteStore) SaveMessage(ctx context.Context, msg *Message) error {
	mediaJSON, stickerJSON, pollJSON, err := encodePayloads(msg)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	conv, err := scanConversation(tx.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, msg.ConversationID))
	if err != nil {
		return err
	}
	if !conv.HasParticipant(msg.SenderID) {
		return ErrNotParticipant
	}
	if msg.ReceiverID == "" {
		msg.ReceiverID = conv.Peer(msg.SenderID)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (`+messageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		msg.ID,
		msg.ClientID,
		msg.ConversationID,
		msg.SenderID,
		msg.ReceiverID,
		msg.Content,
		mediaJSON,
		string(msg.MediaType),
		stickerJSON,
		pollJSON,
		boolToInt(msg.Read),
		toNanos(msg.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrDuplicateMessage
		}
		return fmt.Errorf("inserting message: %w", err)
	}

	updatedAt := conv.UpdatedAt
	if msg.CreatedAt.After(updatedAt) {
		updatedAt = msg.CreatedAt
	}
	if conv.LastMessage == nil || !msg.CreatedAt.Before(conv.LastMessage.Timestamp) {
		last := msg.Preview()
		_, err = tx.ExecContext(ctx, `
			UPDATE conversations
			SET last_sender = ?, last_preview = ?, last_has_media = ?, last_at = ?, updated_at = ?
			WHERE id = ?
		`, last.SenderID, last.Preview, boolToInt(last.HasMedia), toNanos(last.Timestamp), toNanos(updatedAt), conv.ID)
	} else {
		_, err = tx.ExecContext(ctx, `UPDATE conversations SET updated_at = ? WHERE id = ?`, toNanos(updatedAt), conv.ID)
	}
	if err != nil {
		return fmt.Errorf("updating conversation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing message: %w", err)
	}

	s.logger.Debug("saved message",
		"message_id", msg.ID,
		"conversation_id", msg.ConversationID,
		"media_type", msg.MediaType,
	)
	return nil
}

// UpdateMessage rewrites the mutable fields of a message (read flag, poll votes).
func (s *SQLiteStore) UpdateMessage(ctx context.Context, msg *Message) error {
	_, _, pollJSON, err := encodePayloads(msg)
	if err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE messages SET read = ?, poll_json = ? WHERE id = ?
	`, boolToInt(msg.Read), pollJSON, msg.ID)
	if err != nil {
		return fmt.Errorf("updating message: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetMessage retrieves a single message by ID
func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	return scanMessage(row)
}

// GetMessageByClientID finds the confirmed message carrying a client correlation id.
func (s *SQLiteStore) GetMessageByClientID(ctx context.Context, conversationID, clientID string) (*Message, error) {
	if clientID == "" {
		return nil, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = ? AND client_id = ?
	`, conversationID, clientID)
	return scanMessage(row)
}

// ListMessages returns the newest limit messages of a conversation in
// chronological order (created_at ascending, id tie-break). limit <= 0 means all.
func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	query := `
		SELECT * FROM (
			SELECT ` + messageColumns + ` FROM messages
			WHERE conversation_id = ?
			ORDER BY created_at DESC, id DESC
			LIMIT ?
		) ORDER BY created_at ASC, id ASC
	`
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.db.QueryContext(ctx, query, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating messages: %w", err)
	}
	return msgs, nil
}

func scanMessage(row rowScanner) (*Message, error) {
	var (
		msg         Message
		mediaJSON   sql.NullString
		mediaType   string
		stickerJSON sql.NullString
		pollJSON    sql.NullString
		read        int
		createdAt   int64
	)
	err := row.Scan(
		&msg.ID,
		&msg.ClientID,
		&msg.ConversationID,
		&msg.SenderID,
		&msg.ReceiverID,
		&msg.Content,
		&mediaJSON,
		&mediaType,
		&stickerJSON,
		&pollJSON,
		&read,
		&createdAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning message: %w", err)
	}

	msg.MediaType = MediaType(mediaType)
	msg.Read = read != 0
	msg.CreatedAt = fromNanos(createdAt)

	if mediaJSON.Valid && mediaJSON.String != "" {
		if err := json.Unmarshal([]byte(mediaJSON.String), &msg.MediaURLs); err != nil {
			return nil, fmt.Errorf("decoding media urls: %w", err)
		}
	}
	if stickerJSON.Valid && stickerJSON.String != "" {
		msg.Sticker = &StickerRef{}
		if err := json.Unmarshal([]byte(stickerJSON.String), msg.Sticker); err != nil {
			return nil, fmt.Errorf("decoding sticker: %w", err)
		}
	}
	if pollJSON.Valid && pollJSON.String != "" {
		msg.Poll = &Poll{}
		if err := json.Unmarshal([]byte(pollJSON.String), msg.Poll); err != nil {
			return nil, fmt.Errorf("decoding poll: %w", err)
		}
	}
	return &msg, nil
}

// encodePayloads marshals the optional JSON columns; absent values become NULL.
func encodePayloads(msg *Message) (media, sticker, poll *string, err error) {
	marshal := func(v any) (*string, error) {
		data, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		s := string(data)
		return &s, nil
	}

	if len(msg.MediaURLs) > 0 {
		if media, err = marshal(msg.MediaURLs); err != nil {
			return nil, nil, nil, fmt.Errorf("encoding media urls: %w", err)
		}
	}
	if msg.Sticker != nil {
		if sticker, err = marshal(msg.Sticker); err != nil {
			return nil, nil, nil, fmt.Errorf("encoding sticker: %w", err)
		}
	}
	if msg.Poll != nil {
		if poll, err = marshal(msg.Poll); err != nil {
			return nil, nil, nil, fmt.Errorf("encoding poll: %w", err)
		}
	}
	return media, sticker, poll, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
