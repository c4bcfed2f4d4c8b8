package chat

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Repository is the PostgreSQL Store. Read receipts and per-user hides live in their
// own (message_id, user_id) tables so both are true sets and merges are single INSERTs.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const conversationColumns = `
	id::text, participant_low::text, participant_high::text, is_group,
	last_message_text, last_message_sender::text, last_message_at,
	created_at, updated_at`

const messageColumns = `
	m.id::text, m.conversation_id::text, m.sender_id::text, m.text, m.sent_at,
	m.delivery_status, m.is_deleted, m.deleted_at,
	COALESCE((SELECT string_agg(r.user_id::text, ',') FROM message_reads r WHERE r.message_id = m.id), ''),
	COALESCE((SELECT string_agg(h.user_id::text, ',') FROM message_hides h WHERE h.message_id = m.id), '')`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*Conversation, error) {
	conv := &Conversation{}
	var (
		lastText   sql.NullString
		lastSender sql.NullString
		lastAt     sql.NullTime
	)
	err := row.Scan(
		&conv.ID, &conv.Participants[0], &conv.Participants[1], &conv.IsGroup,
		&lastText, &lastSender, &lastAt,
		&conv.CreatedAt, &conv.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if lastAt.Valid {
		conv.LastMessage = &LastMessage{Text: lastText.String, SenderID: lastSender.String, SentAt: lastAt.Time.UTC()}
	}
	conv.CreatedAt = conv.CreatedAt.UTC()
	conv.UpdatedAt = conv.UpdatedAt.UTC()
	return conv, nil
}

func scanMessage(row rowScanner) (*Message, error) {
	msg := &Message{}
	var (
		status    string
		deletedAt sql.NullTime
		readBy    string
		hiddenFor string
	)
	err := row.Scan(
		&msg.ID, &msg.ConversationID, &msg.SenderID, &msg.Text, &msg.SentAt,
		&status, &msg.IsDeleted, &deletedAt,
		&readBy, &hiddenFor,
	)
	if err != nil {
		return nil, err
	}
	msg.SentAt = msg.SentAt.UTC()
	msg.DeliveryStatus = DeliveryStatus(status)
	if deletedAt.Valid {
		t := deletedAt.Time.UTC()
		msg.DeletedAt = &t
	}
	msg.ReadBy = NewUserSet(splitIDs(readBy)...)
	msg.DeletedFor = NewUserSet(splitIDs(hiddenFor)...)
	return msg, nil
}

func splitIDs(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

func (r *Repository) FindConversation(ctx context.Context, low, high string) (*Conversation, error) {
	query := `SELECT ` + conversationColumns + `
		FROM conversations
		WHERE participant_low = $1 AND participant_high = $2`
	conv, err := scanConversation(r.db.QueryRowContext(ctx, query, low, high))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "chatRepo.FindConversation.Scan")
	}
	return conv, nil
}

func (r *Repository) CreateConversation(ctx context.Context, conv *Conversation) error {
	query := `
		INSERT INTO conversations (id, participant_low, participant_high, is_group, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT ON CONSTRAINT conversations_pair_key DO NOTHING`
	res, err := r.db.ExecContext(ctx, query,
		conv.ID, conv.Participants[0], conv.Participants[1], conv.IsGroup, conv.CreatedAt, conv.UpdatedAt)
	if err != nil {
		return errors.Wrap(err, "chatRepo.CreateConversation.Insert")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "chatRepo.CreateConversation.RowsAffected")
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

func (r *Repository) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations WHERE id = $1`
	conv, err := scanConversation(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "chatRepo.GetConversation.Scan")
	}
	return conv, nil
}

func (r *Repository) ListConversations(ctx context.Context, userID string) ([]*Conversation, error) {
	query := `SELECT ` + conversationColumns + `
		FROM conversations
		WHERE participant_low = $1 OR participant_high = $1
		ORDER BY updated_at DESC`
	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, errors.Wrap(err, "chatRepo.ListConversations.Query")
	}
	defer rows.Close()

	var convs []*Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, errors.Wrap(err, "chatRepo.ListConversations.Scan")
		}
		convs = append(convs, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "chatRepo.ListConversations.Rows")
	}
	return convs, nil
}

// AppendMessage inserts the message, the sender's read receipt and the conversation
// summary in one transaction.
func (r *Repository) AppendMessage(ctx context.Context, msg *Message) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "chatRepo.AppendMessage.Begin")
	}
	defer tx.Rollback()

	// Updating first takes the conversation row lock and tells us whether it exists
	res, err := tx.ExecContext(ctx, `
		UPDATE conversations
		SET last_message_text = $2, last_message_sender = $3, last_message_at = $4, updated_at = $4
		WHERE id = $1`,
		msg.ConversationID, msg.Text, msg.SenderID, msg.SentAt)
	if err != nil {
		return errors.Wrap(err, "chatRepo.AppendMessage.UpdateConversation")
	}
	if n, err := res.RowsAffected(); err != nil {
		return errors.Wrap(err, "chatRepo.AppendMessage.RowsAffected")
	} else if n == 0 {
		return ErrNotFound
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, sender_id, text, sent_at, delivery_status)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		msg.ID, msg.ConversationID, msg.SenderID, msg.Text, msg.SentAt, string(msg.DeliveryStatus))
	if err != nil {
		return errors.Wrap(err, "chatRepo.AppendMessage.InsertMessage")
	}

	for _, reader := range msg.ReadBy.Sorted() {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO message_reads (message_id, user_id) VALUES ($1, $2)
			ON CONFLICT DO NOTHING`, msg.ID, reader)
		if err != nil {
			return errors.Wrap(err, "chatRepo.AppendMessage.InsertRead")
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "chatRepo.AppendMessage.Commit")
	}
	return nil
}

func (r *Repository) GetMessage(ctx context.Context, id string) (*Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages m WHERE m.id = $1`
	msg, err := scanMessage(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "chatRepo.GetMessage.Scan")
	}
	return msg, nil
}

func (r *Repository) ListMessages(ctx context.Context, conversationID string, filter ListFilter) ([]*Message, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM conversations WHERE id = $1)`, conversationID).Scan(&exists)
	if err != nil {
		return nil, errors.Wrap(err, "chatRepo.ListMessages.Exists")
	}
	if !exists {
		return nil, ErrNotFound
	}

	var b strings.Builder
	args := []any{conversationID}
	b.WriteString(`SELECT ` + messageColumns + ` FROM messages m WHERE m.conversation_id = $1`)
	if filter.ExcludeDeleted {
		b.WriteString(` AND NOT m.is_deleted`)
	}
	if filter.Viewer != "" {
		args = append(args, filter.Viewer)
		b.WriteString(` AND NOT EXISTS (SELECT 1 FROM message_hides h WHERE h.message_id = m.id AND h.user_id = $2)`)
	}
	b.WriteString(` ORDER BY m.sent_at ASC, m.seq ASC`)

	return r.queryMessages(ctx, "ListMessages", b.String(), args...)
}

func (r *Repository) ListUnread(ctx context.Context, userID string) ([]*Message, error) {
	query := `SELECT ` + messageColumns + `
		FROM messages m
		JOIN conversations c ON c.id = m.conversation_id
		WHERE (c.participant_low = $1 OR c.participant_high = $1)
		  AND m.sender_id <> $1
		  AND NOT m.is_deleted
		  AND NOT EXISTS (SELECT 1 FROM message_reads r WHERE r.message_id = m.id AND r.user_id = $1)
		  AND NOT EXISTS (SELECT 1 FROM message_hides h WHERE h.message_id = m.id AND h.user_id = $1)
		ORDER BY m.sent_at ASC, m.seq ASC`
	return r.queryMessages(ctx, "ListUnread", query, userID)
}

func (r *Repository) queryMessages(ctx context.Context, op, query string, args ...any) ([]*Message, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "chatRepo."+op+".Query")
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, errors.Wrap(err, "chatRepo."+op+".Scan")
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "chatRepo."+op+".Rows")
	}
	return msgs, nil
}

// MarkDelivered only moves rows that are still 'sent', so it can never regress 'read'.
func (r *Repository) MarkDelivered(ctx context.Context, id string) (*Message, error) {
	_, err := r.db.ExecContext(ctx,
		`UPDATE messages SET delivery_status = 'delivered' WHERE id = $1 AND delivery_status = 'sent'`, id)
	if err != nil {
		return nil, errors.Wrap(err, "chatRepo.MarkDelivered.Update")
	}
	return r.GetMessage(ctx, id)
}

func (r *Repository) MarkRead(ctx context.Context, id, userID string) (*Message, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "chatRepo.MarkRead.Begin")
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE messages SET delivery_status = 'read' WHERE id = $1`, id)
	if err != nil {
		return nil, errors.Wrap(err, "chatRepo.MarkRead.Update")
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, errors.Wrap(err, "chatRepo.MarkRead.RowsAffected")
	} else if n == 0 {
		return nil, ErrNotFound
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO message_reads (message_id, user_id) VALUES ($1, $2)
		ON CONFLICT DO NOTHING`, id, userID)
	if err != nil {
		return nil, errors.Wrap(err, "chatRepo.MarkRead.InsertRead")
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "chatRepo.MarkRead.Commit")
	}
	return r.GetMessage(ctx, id)
}

func (r *Repository) HideForUser(ctx context.Context, id, userID string) (*Message, error) {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO message_hides (message_id, user_id)
		SELECT id, $2 FROM messages WHERE id = $1
		ON CONFLICT DO NOTHING`, id, userID)
	if err != nil {
		return nil, errors.Wrap(err, "chatRepo.HideForUser.Insert")
	}
	// GetMessage reports ErrNotFound when the INSERT ... SELECT matched nothing
	return r.GetMessage(ctx, id)
}

// DeleteForEveryone flags the message and recomputes the conversation summary from
// the newest message that is still visible, in one transaction.
func (r *Repository) DeleteForEveryone(ctx context.Context, id string, at time.Time) (*Message, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "chatRepo.DeleteForEveryone.Begin")
	}
	defer tx.Rollback()

	var conversationID string
	err = tx.QueryRowContext(ctx, `
		UPDATE messages SET is_deleted = true, deleted_at = COALESCE(deleted_at, $2)
		WHERE id = $1
		RETURNING conversation_id::text`, id, at).Scan(&conversationID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "chatRepo.DeleteForEveryone.Update")
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE conversations c
		SET last_message_text = latest.text,
		    last_message_sender = latest.sender_id,
		    last_message_at = latest.sent_at
		FROM (SELECT $1::uuid AS conversation_id) target
		LEFT JOIN LATERAL (
			SELECT m.text, m.sender_id, m.sent_at
			FROM messages m
			WHERE m.conversation_id = target.conversation_id AND NOT m.is_deleted
			ORDER BY m.sent_at DESC, m.seq DESC
			LIMIT 1
		) latest ON true
		WHERE c.id = target.conversation_id`, conversationID)
	if err != nil {
		return nil, errors.Wrap(err, "chatRepo.DeleteForEveryone.UpdateConversation")
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "chatRepo.DeleteForEveryone.Commit")
	}
	return r.GetMessage(ctx, id)
}

func (r *Repository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}
