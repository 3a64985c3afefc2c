package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/qmarkhow-spec/rubypets-sub000/internal/models"
)

func scanMessage(row rowScanner) (*models.Message, error) {
	var (
		m         models.Message
		createdAt int64
	)
	if err := row.Scan(&m.ID, &m.ThreadID, &m.SenderID, &m.BodyText, &createdAt); err != nil {
		return nil, err
	}
	m.CreatedAt = *timeFromMillis(sql.NullInt64{Int64: createdAt, Valid: true})
	return &m, nil
}

// AppendMessage stores a message from senderID and applies the request gate
// in the same transaction. It returns the stored message and the thread as it
// is after the write.
func (db *DB) AppendMessage(ctx context.Context, threadID, senderID, body string, policy models.ReplyPolicy) (*models.Message, *models.Thread, error) {
	body, err := models.NormalizeBody(body)
	if err != nil {
		return nil, nil, err
	}

	var (
		message *models.Message
		thread  *models.Thread
	)
	err = db.withTx(ctx, func(tx *sql.Tx) error {
		if message, err = db.appendMessage(ctx, tx, threadID, senderID, body, policy); err != nil {
			return err
		}
		thread, err = getThread(ctx, tx, threadID)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return message, thread, nil
}

// appendMessage writes an already normalised body inside tx.
func (db *DB) appendMessage(ctx context.Context, tx *sql.Tx, threadID, senderID, body string, policy models.ReplyPolicy) (*models.Message, error) {
	current, err := getThread(ctx, tx, threadID)
	if err != nil {
		return nil, err
	}
	if !current.HasParticipant(senderID) {
		return nil, ErrNotFound
	}

	plan, err := current.PlanSend(senderID, policy)
	if err != nil {
		return nil, err
	}

	// stored precision is milliseconds
	now := db.now().Truncate(time.Millisecond).UTC()
	if plan.Accept {
		if _, err := tx.ExecContext(ctx, `
			UPDATE threads SET request_state = 'accepted', updated_at = ?
			WHERE id = ? AND request_state = 'pending'
		`, millis(now), threadID); err != nil {
			return nil, fmt.Errorf("failed to accept request: %w", err)
		}
	}

	message := &models.Message{
		ID:        uuid.Must(uuid.NewV7()).String(),
		ThreadID:  threadID,
		SenderID:  senderID,
		BodyText:  body,
		CreatedAt: now,
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO messages (id, thread_id, sender_id, body_text, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, message.ID, threadID, senderID, body, millis(now)); err != nil {
		return nil, fmt.Errorf("failed to insert message: %w", err)
	}

	if plan.StampRequest {
		res, err := tx.ExecContext(ctx, `
			UPDATE threads
			SET request_sender_id = COALESCE(request_sender_id, ?), request_message_id = ?
			WHERE id = ? AND request_state = 'pending' AND request_message_id IS NULL
				AND (request_sender_id IS NULL OR request_sender_id = ?)
		`, senderID, message.ID, threadID, senderID)
		if err != nil {
			return nil, fmt.Errorf("failed to stamp request message: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil, models.ErrRequestAlreadySent
		}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE threads SET last_message_id = ?, last_activity_at = ?, updated_at = ?
		WHERE id = ?
	`, message.ID, millis(now), millis(now), threadID); err != nil {
		return nil, fmt.Errorf("failed to update thread activity: %w", err)
	}

	// new activity restores the thread for everyone
	if _, err := tx.ExecContext(ctx, `
		UPDATE thread_participants SET archived_at = NULL, deleted_at = NULL
		WHERE thread_id = ?
	`, threadID); err != nil {
		return nil, fmt.Errorf("failed to clear view flags: %w", err)
	}

	db.logger.Debug().
		Str("thread_id", threadID).
		Str("message_id", message.ID).
		Msg("message stored")
	return message, nil
}

func (db *DB) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	m, err := scanMessage(db.QueryRowContext(ctx, `
		SELECT id, thread_id, sender_id, body_text, created_at FROM messages WHERE id = ?
	`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return m, nil
}

// ListMessages returns a thread's messages newest first. before is a cursor
// returned by a previous page.
func (db *DB) ListMessages(ctx context.Context, threadID string, limit int, before string) (*models.MessagePage, error) {
	cursor, err := DecodeCursor(before)
	if err != nil {
		return nil, err
	}
	limit = normalizeLimit(limit)

	query := `SELECT id, thread_id, sender_id, body_text, created_at FROM messages WHERE thread_id = ?`
	args := []interface{}{threadID}
	if cursor != nil {
		query += ` AND (created_at < ? OR (created_at = ? AND id < ?))`
		args = append(args, cursor.SortKey, cursor.SortKey, cursor.ID)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit+1)

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating messages: %w", err)
	}

	messages, next, hasMore := page(messages, limit, func(m models.Message) Cursor {
		return Cursor{SortKey: millis(m.CreatedAt), ID: m.ID}
	})
	if messages == nil {
		messages = []models.Message{}
	}
	return &models.MessagePage{Items: messages, NextCursor: next, HasMore: hasMore}, nil
}

// SetLastRead records messageID as accountID's read position in the thread.
func (db *DB) SetLastRead(ctx context.Context, threadID, accountID, messageID string) error {
	m, err := db.GetMessage(ctx, messageID)
	if errors.Is(err, ErrNotFound) {
		return ErrMessageNotInThread
	}
	if err != nil {
		return err
	}
	if m.ThreadID != threadID {
		return ErrMessageNotInThread
	}

	res, err := db.ExecContext(ctx, `
		UPDATE thread_participants SET last_read_message_id = ?
		WHERE thread_id = ? AND account_id = ?
	`, messageID, threadID, accountID)
	if err != nil {
		return fmt.Errorf("failed to update read marker: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UnreadCount counts messages from others after accountID's read marker.
func (db *DB) UnreadCount(ctx context.Context, threadID, accountID string) (int64, error) {
	var n int64
	err := db.QueryRowContext(ctx, `
		SELECT `+unreadExpr+`
		FROM threads t
		JOIN thread_participants p ON p.thread_id = t.id AND p.account_id = ?
		WHERE t.id = ?
	`, accountID, threadID).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to count unread messages: %w", err)
	}
	return n, nil
}
