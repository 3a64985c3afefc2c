package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/qmarkhow-spec/rubypets-sub000/internal/models"
)

const threadColumns = `t.id, t.participant_a, t.participant_b, t.pair_key, t.request_state,
	t.request_sender_id, t.request_message_id, t.last_message_id, t.last_activity_at,
	t.created_at, t.updated_at`

const sortKeyExpr = `COALESCE(t.last_activity_at, t.updated_at, t.created_at)`

// unreadExpr counts messages from others strictly after p's read marker.
const unreadExpr = `(SELECT COUNT(*) FROM messages m
	LEFT JOIN messages r ON r.id = p.last_read_message_id
	WHERE m.thread_id = t.id AND m.sender_id != p.account_id
	AND (r.id IS NULL OR m.created_at > r.created_at
		OR (m.created_at = r.created_at AND m.id > r.id)))`

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func scanThread(row rowScanner) (*models.Thread, error) {
	var (
		t                                          models.Thread
		state                                      string
		requestSender, requestMessage, lastMessage sql.NullString
		lastActivity                               sql.NullInt64
		createdAt, updatedAt                       int64
	)
	err := row.Scan(&t.ID, &t.ParticipantA, &t.ParticipantB, &t.PairKey, &state,
		&requestSender, &requestMessage, &lastMessage, &lastActivity,
		&createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	t.RequestState = models.RequestState(state)
	t.RequestSenderID = stringPtr(requestSender)
	t.RequestMessageID = stringPtr(requestMessage)
	t.LastMessageID = stringPtr(lastMessage)
	t.LastActivityAt = timeFromMillis(lastActivity)
	t.CreatedAt = *timeFromMillis(sql.NullInt64{Int64: createdAt, Valid: true})
	t.UpdatedAt = *timeFromMillis(sql.NullInt64{Int64: updatedAt, Valid: true})
	return &t, nil
}

func getThread(ctx context.Context, q querier, id string) (*models.Thread, error) {
	t, err := scanThread(q.QueryRowContext(ctx,
		`SELECT `+threadColumns+` FROM threads t WHERE t.id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get thread %s: %w", id, err)
	}
	return t, nil
}

func (db *DB) GetThread(ctx context.Context, id string) (*models.Thread, error) {
	return getThread(ctx, db.DB, id)
}

// GetThreadByPair returns the conversation between two accounts, in either order.
func (db *DB) GetThreadByPair(ctx context.Context, a, b string) (*models.Thread, error) {
	t, err := scanThread(db.QueryRowContext(ctx,
		`SELECT `+threadColumns+` FROM threads t WHERE t.pair_key = ?`, models.PairKey(a, b)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get thread by pair: %w", err)
	}
	return t, nil
}

// CreateThread creates the conversation between initiator and other. If the
// pair already has one, that thread is returned and created is false.
// Non-friends start pending with initiator as the requester.
func (db *DB) CreateThread(ctx context.Context, initiator, other string, friends bool) (*models.Thread, bool, error) {
	return db.StartThread(ctx, initiator, other, friends, "")
}

// StartThread is CreateThread with an optional first message from initiator,
// written in the same transaction as the thread. When the pair already has a
// thread, firstMessage is not stored.
func (db *DB) StartThread(ctx context.Context, initiator, other string, friends bool, firstMessage string) (thread *models.Thread, created bool, err error) {
	if firstMessage != "" {
		if firstMessage, err = models.NormalizeBody(firstMessage); err != nil {
			return nil, false, err
		}
	}

	a, b := initiator, other
	if b < a {
		a, b = b, a
	}

	state := models.RequestAccepted
	var requestSender interface{}
	if !friends {
		state = models.RequestPending
		requestSender = initiator
	}

	id := uuid.Must(uuid.NewV7()).String()
	now := millis(db.now())

	err = db.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO threads (id, participant_a, participant_b, pair_key, request_state,
				request_sender_id, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, id, a, b, models.PairKey(a, b), string(state), requestSender, now, now); err != nil {
			return err
		}
		for _, accountID := range []string{a, b} {
			if _, err := tx.ExecContext(ctx, `
				INSERT OR IGNORE INTO thread_participants (thread_id, account_id)
				VALUES (?, ?)
			`, id, accountID); err != nil {
				return fmt.Errorf("failed to add participant %s: %w", accountID, err)
			}
		}
		if firstMessage != "" {
			// the initiator is the requester, so the reply policy never applies
			if _, err := db.appendMessage(ctx, tx, id, initiator, firstMessage, models.ReplyAllow); err != nil {
				return err
			}
		}
		thread, err = getThread(ctx, tx, id)
		return err
	})
	if err == nil {
		return thread, true, nil
	}
	if !isUniqueViolation(err) {
		return nil, false, fmt.Errorf("failed to create thread: %w", err)
	}

	db.logger.Debug().
		Str("pair_key", models.PairKey(a, b)).
		Msg("thread already exists for pair, returning existing")
	thread, err = db.GetThreadByPair(ctx, a, b)
	if err != nil {
		return nil, false, err
	}
	return thread, false, nil
}

func (db *DB) IsParticipant(ctx context.Context, threadID, accountID string) (bool, error) {
	var n int
	err := db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM thread_participants WHERE thread_id = ? AND account_id = ?
	`, threadID, accountID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check participant: %w", err)
	}
	return n > 0, nil
}

// ParticipantIDs returns all participant IDs for a thread
func (db *DB) ParticipantIDs(ctx context.Context, threadID string) ([]string, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT account_id FROM thread_participants WHERE thread_id = ? ORDER BY account_id
	`, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to get participants: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan participant ID: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating participants: %w", err)
	}
	return ids, nil
}

func (db *DB) GetParticipant(ctx context.Context, threadID, accountID string) (*models.Participant, error) {
	var (
		p                 models.Participant
		lastRead          sql.NullString
		archived, deleted sql.NullInt64
	)
	err := db.QueryRowContext(ctx, `
		SELECT thread_id, account_id, last_read_message_id, archived_at, deleted_at
		FROM thread_participants WHERE thread_id = ? AND account_id = ?
	`, threadID, accountID).Scan(&p.ThreadID, &p.AccountID, &lastRead, &archived, &deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get participant: %w", err)
	}
	p.LastReadMessageID = stringPtr(lastRead)
	p.ArchivedAt = timeFromMillis(archived)
	p.DeletedAt = timeFromMillis(deleted)
	return &p, nil
}

// DecideRequest moves a pending thread to accepted or rejected on behalf of
// accountID. The requester can never decide its own request.
func (db *DB) DecideRequest(ctx context.Context, threadID, accountID string, decision models.RequestState) (*models.Thread, error) {
	if decision != models.RequestAccepted && decision != models.RequestRejected {
		return nil, fmt.Errorf("invalid request decision %q", decision)
	}

	var thread *models.Thread
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		current, err := getThread(ctx, tx, threadID)
		if err != nil {
			return err
		}
		if !current.HasParticipant(accountID) {
			return ErrNotFound
		}
		if err := current.CheckDecision(accountID); err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE threads SET request_state = ?, updated_at = ?
			WHERE id = ? AND request_state = 'pending'
		`, string(decision), millis(db.now()), threadID)
		if err != nil {
			return fmt.Errorf("failed to update request state: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return models.ErrNotPending
		}

		thread, err = getThread(ctx, tx, threadID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return thread, nil
}

// SetArchived sets or clears accountID's archive flag. The other participant is untouched.
func (db *DB) SetArchived(ctx context.Context, threadID, accountID string, archived bool) error {
	return db.setViewFlag(ctx, "archived_at", threadID, accountID, archived)
}

// SetDeleted sets or clears accountID's delete flag. The other participant is untouched.
func (db *DB) SetDeleted(ctx context.Context, threadID, accountID string, deleted bool) error {
	return db.setViewFlag(ctx, "deleted_at", threadID, accountID, deleted)
}

func (db *DB) setViewFlag(ctx context.Context, column, threadID, accountID string, set bool) error {
	var value interface{}
	if set {
		value = millis(db.now())
	}
	res, err := db.ExecContext(ctx,
		`UPDATE thread_participants SET `+column+` = ? WHERE thread_id = ? AND account_id = ?`,
		value, threadID, accountID)
	if err != nil {
		return fmt.Errorf("failed to update %s: %w", column, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type ListThreadsInput struct {
	Limit           int
	Cursor          string
	IncludeArchived bool
}

type summaryRow struct {
	summary models.ThreadSummary
	sortKey int64
}

// ListThreads lists accountID's threads, most recently active first.
func (db *DB) ListThreads(ctx context.Context, accountID string, in ListThreadsInput) (*models.ThreadPage, error) {
	cursor, err := DecodeCursor(in.Cursor)
	if err != nil {
		return nil, err
	}
	limit := normalizeLimit(in.Limit)

	var (
		where = []string{"p.deleted_at IS NULL"}
		args  = []interface{}{accountID}
	)
	if !in.IncludeArchived {
		where = append(where, "p.archived_at IS NULL")
	}
	if cursor != nil {
		where = append(where, "("+sortKeyExpr+" < ? OR ("+sortKeyExpr+" = ? AND t.id < ?))")
		args = append(args, cursor.SortKey, cursor.SortKey, cursor.ID)
	}
	args = append(args, limit+1)

	query := summaryQuery + ` WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY sort_key DESC, t.id DESC
		LIMIT ?`

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query threads: %w", err)
	}
	defer rows.Close()

	var results []summaryRow
	for rows.Next() {
		r, err := scanSummary(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan thread: %w", err)
		}
		results = append(results, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating threads: %w", err)
	}

	results, next, hasMore := page(results, limit, func(r summaryRow) Cursor {
		return Cursor{SortKey: r.sortKey, ID: r.summary.ID}
	})
	items := make([]models.ThreadSummary, 0, len(results))
	for _, r := range results {
		items = append(items, r.summary)
	}
	return &models.ThreadPage{Items: items, NextCursor: next, HasMore: hasMore}, nil
}

// ThreadSummary returns accountID's view of one thread.
func (db *DB) ThreadSummary(ctx context.Context, threadID, accountID string) (*models.ThreadSummary, error) {
	r, err := scanSummary(db.QueryRowContext(ctx, summaryQuery+` WHERE t.id = ?`, accountID, threadID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get thread summary: %w", err)
	}
	return &r.summary, nil
}

const summaryQuery = `SELECT ` + threadColumns + `,
		p.account_id, p.last_read_message_id, p.archived_at, p.deleted_at,
		` + sortKeyExpr + ` AS sort_key,
		` + unreadExpr + ` AS unread_count,
		lm.id, lm.sender_id, lm.body_text, lm.created_at
	FROM threads t
	JOIN thread_participants p ON p.thread_id = t.id AND p.account_id = ?
	LEFT JOIN messages lm ON lm.id = t.last_message_id`

func scanSummary(row rowScanner) (*summaryRow, error) {
	var (
		t                                          models.Thread
		state                                      string
		requestSender, requestMessage, lastMessage sql.NullString
		lastActivity                               sql.NullInt64
		createdAt, updatedAt                       int64
		accountID                                  string
		lastRead                                   sql.NullString
		archived, deleted                          sql.NullInt64
		sortKey, unread                            int64
		lmID, lmSender, lmBody                     sql.NullString
		lmCreated                                  sql.NullInt64
	)
	err := row.Scan(&t.ID, &t.ParticipantA, &t.ParticipantB, &t.PairKey, &state,
		&requestSender, &requestMessage, &lastMessage, &lastActivity,
		&createdAt, &updatedAt,
		&accountID, &lastRead, &archived, &deleted,
		&sortKey, &unread,
		&lmID, &lmSender, &lmBody, &lmCreated)
	if err != nil {
		return nil, err
	}

	s := models.ThreadSummary{
		ID:                t.ID,
		OtherAccountID:    t.OtherParticipant(accountID),
		RequestState:      models.RequestState(state),
		RequestSenderID:   stringPtr(requestSender),
		RequestMessageID:  stringPtr(requestMessage),
		LastActivityAt:    timeFromMillis(lastActivity),
		LastReadMessageID: stringPtr(lastRead),
		UnreadCount:       unread,
		ArchivedAt:        timeFromMillis(archived),
		DeletedAt:         timeFromMillis(deleted),
		CreatedAt:         *timeFromMillis(sql.NullInt64{Int64: createdAt, Valid: true}),
		UpdatedAt:         *timeFromMillis(sql.NullInt64{Int64: updatedAt, Valid: true}),
	}
	if lmID.Valid {
		s.LastMessage = &models.Message{
			ID:        lmID.String,
			ThreadID:  t.ID,
			SenderID:  lmSender.String,
			BodyText:  lmBody.String,
			CreatedAt: *timeFromMillis(lmCreated),
		}
	}
	return &summaryRow{summary: s, sortKey: sortKey}, nil
}
