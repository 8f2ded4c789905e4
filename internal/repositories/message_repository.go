package repositories

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"marketplace-chat/internal/models"
)

// MessageRepository defines interactions for conversation messages.
type MessageRepository interface {
	Append(ctx context.Context, in models.NewMessage) (models.Message, error)
	Get(ctx context.Context, messageID int) (models.Message, error)
	ListInConversation(ctx context.Context, conversationID int, viewerID int, opts models.ListOptions) ([]models.Message, error)
	MarkRead(ctx context.Context, messageID int, userID int) (models.Message, error)
	UpdateOfferStatus(ctx context.Context, messageID int, status models.OfferStatus, actorID int) (models.Message, error)
	EditContent(ctx context.Context, messageID int, editorID int, content string) (models.Message, error)
	SoftDelete(ctx context.Context, messageID int, userID int, scope models.DeleteScope) (models.Message, error)
	React(ctx context.Context, messageID int, userID int, emoji string) (models.Message, error)
	Unreact(ctx context.Context, messageID int, userID int) (models.Message, error)
	CountUnreadSince(ctx context.Context, conversationID int, userID int, afterPosition int64) (int, error)
}

// MessageRepo is a sqlx-backed repository.
type MessageRepo struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewMessageRepo constructs MessageRepo.
func NewMessageRepo(db *sqlx.DB) *MessageRepo {
	return &MessageRepo{db: db, now: time.Now}
}

const messageColumns = `id, conversation_id, sender_id, position, type, system_kind, content, reply_to_id,
        attachments, read_by, hidden_for, reactions, edit_history,
        offer_amount, offer_currency, offer_status, offer_expires_at, offer_responded_by, offer_responded_at,
        status, edited_at, deleted_for_all, deleted_at, created_at`

type messageRow struct {
	ID               int                 `db:"id"`
	ConversationID   int                 `db:"conversation_id"`
	SenderID         sql.NullInt64       `db:"sender_id"`
	Position         int64               `db:"position"`
	Type             string              `db:"type"`
	SystemKind       sql.NullString      `db:"system_kind"`
	Content          string              `db:"content"`
	ReplyToID        sql.NullInt64       `db:"reply_to_id"`
	Attachments      models.Attachments  `db:"attachments"`
	ReadBy           models.ReadReceipts `db:"read_by"`
	HiddenFor        models.IntSet       `db:"hidden_for"`
	Reactions        models.Reactions    `db:"reactions"`
	EditHistory      models.EditHistory  `db:"edit_history"`
	OfferAmount      sql.NullFloat64     `db:"offer_amount"`
	OfferCurrency    sql.NullString      `db:"offer_currency"`
	OfferStatus      sql.NullString      `db:"offer_status"`
	OfferExpiresAt   sql.NullTime        `db:"offer_expires_at"`
	OfferRespondedBy sql.NullInt64       `db:"offer_responded_by"`
	OfferRespondedAt sql.NullTime        `db:"offer_responded_at"`
	Status           string              `db:"status"`
	EditedAt         sql.NullTime        `db:"edited_at"`
	DeletedForAll    bool                `db:"deleted_for_all"`
	DeletedAt        sql.NullTime        `db:"deleted_at"`
	CreatedAt        time.Time           `db:"created_at"`
}

func (row messageRow) toModel() models.Message {
	msg := models.Message{
		ID:             row.ID,
		ConversationID: row.ConversationID,
		SenderID:       nullInt(row.SenderID),
		Position:       row.Position,
		Type:           models.MessageType(row.Type),
		SystemKind:     row.SystemKind.String,
		Content:        row.Content,
		ReplyToID:      nullInt(row.ReplyToID),
		Attachments:    row.Attachments,
		Status:         models.DeliveryStatus(row.Status),
		ReadBy:         row.ReadBy,
		HiddenFor:      row.HiddenFor,
		Reactions:      row.Reactions,
		EditHistory:    row.EditHistory,
		EditedAt:       nullTime(row.EditedAt),
		DeletedForAll:  row.DeletedForAll,
		DeletedAt:      nullTime(row.DeletedAt),
		CreatedAt:      row.CreatedAt,
	}
	if msg.ReadBy == nil {
		msg.ReadBy = models.ReadReceipts{}
	}
	if row.OfferStatus.Valid {
		msg.Offer = &models.Offer{
			Amount:      row.OfferAmount.Float64,
			Currency:    row.OfferCurrency.String,
			Status:      models.OfferStatus(row.OfferStatus.String),
			ExpiresAt:   row.OfferExpiresAt.Time,
			RespondedBy: nullInt(row.OfferRespondedBy),
			RespondedAt: nullTime(row.OfferRespondedAt),
		}
	}
	return msg
}

func nullInt(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	i := int(v.Int64)
	return &i
}

func nullTime(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}

// Append validates and stores a message, advancing the conversation pointer
// and the unread counters of the other participants in the same transaction.
func (r *MessageRepo) Append(ctx context.Context, in models.NewMessage) (models.Message, error) {
	msg, err := PrepareMessage(in, r.now())
	if err != nil {
		return models.Message{}, err
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.Message{}, err
	}
	defer tx.Rollback()

	// the row lock taken here serializes appends per conversation
	err = tx.GetContext(ctx, &msg.Position, `UPDATE conversations SET message_seq = message_seq + 1, updated_at = NOW()
        WHERE id=$1 AND blocked = FALSE AND is_active = TRUE RETURNING message_seq`, in.ConversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, r.appendRejection(ctx, tx, in.ConversationID)
	}
	if err != nil {
		return models.Message{}, err
	}

	var offerAmount, offerCurrency, offerStatus, offerExpires any
	if msg.Offer != nil {
		offerAmount, offerCurrency, offerStatus, offerExpires = msg.Offer.Amount, msg.Offer.Currency, string(msg.Offer.Status), msg.Offer.ExpiresAt
	}
	var systemKind any
	if msg.SystemKind != "" {
		systemKind = msg.SystemKind
	}
	var row messageRow
	err = tx.QueryRowxContext(ctx, `INSERT INTO messages (conversation_id, sender_id, position, type, system_kind, content, reply_to_id,
            attachments, offer_amount, offer_currency, offer_status, offer_expires_at, status)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
        RETURNING `+messageColumns,
		msg.ConversationID, msg.SenderID, msg.Position, string(msg.Type), systemKind, msg.Content, msg.ReplyToID,
		msg.Attachments, offerAmount, offerCurrency, offerStatus, offerExpires, string(msg.Status)).StructScan(&row)
	if err != nil {
		return models.Message{}, err
	}

	if _, err := tx.ExecContext(ctx, `UPDATE conversations SET last_message_id=$2, last_message_at=$3 WHERE id=$1`,
		row.ConversationID, row.ID, row.CreatedAt); err != nil {
		return models.Message{}, err
	}
	if msg.Type != models.MessageSystem {
		if err := incrementUnread(ctx, tx, row.ConversationID, *msg.SenderID); err != nil {
			return models.Message{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return models.Message{}, err
	}
	return row.toModel(), nil
}

func (r *MessageRepo) appendRejection(ctx context.Context, tx *sqlx.Tx, conversationID int) error {
	var state struct {
		Blocked  bool `db:"blocked"`
		IsActive bool `db:"is_active"`
	}
	err := tx.GetContext(ctx, &state, `SELECT blocked, is_active FROM conversations WHERE id=$1`, conversationID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return ErrConversationNotFound
	case err != nil:
		return err
	case !state.IsActive:
		return ErrConversationNotFound
	default:
		return ErrConversationBlocked
	}
}

// Get retrieves a single message with offer expiry applied.
func (r *MessageRepo) Get(ctx context.Context, messageID int) (models.Message, error) {
	msg, err := r.get(ctx, r.db, messageID, false)
	if err != nil {
		return models.Message{}, err
	}
	msg.ApplyExpiry(r.now())
	return msg, nil
}

func (r *MessageRepo) get(ctx context.Context, q sqlx.QueryerContext, messageID int, forUpdate bool) (models.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE id=$1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var row messageRow
	err := sqlx.GetContext(ctx, q, &row, query, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrMessageNotFound
	}
	if err != nil {
		return models.Message{}, err
	}
	return row.toModel(), nil
}

// ListInConversation returns a page of the log ordered oldest-first. Messages
// the viewer deleted for themselves are skipped.
func (r *MessageRepo) ListInConversation(ctx context.Context, conversationID int, viewerID int, opts models.ListOptions) ([]models.Message, error) {
	opts = NormalizeListOptions(opts)
	query := `SELECT ` + messageColumns + ` FROM messages
        WHERE conversation_id=$1
        AND ($2 = 0 OR position < $2)
        AND NOT hidden_for @> jsonb_build_array($3::int)
        ORDER BY position DESC
        LIMIT $4`
	var rows []messageRow
	if err := r.db.SelectContext(ctx, &rows, query, conversationID, opts.Before, viewerID, opts.Limit); err != nil {
		return nil, err
	}
	now := r.now()
	msgs := make([]models.Message, len(rows))
	for i, row := range rows {
		msg := row.toModel()
		msg.ApplyExpiry(now)
		msgs[len(rows)-1-i] = msg
	}
	return msgs, nil
}

// MarkRead adds a read receipt for userID. Repeated calls leave a single receipt.
func (r *MessageRepo) MarkRead(ctx context.Context, messageID int, userID int) (models.Message, error) {
	_, err := r.db.ExecContext(ctx, `UPDATE messages
        SET read_by = read_by || jsonb_build_array(jsonb_build_object('user_id', $2::int, 'read_at', NOW())), status = 'read'
        WHERE id=$1 AND NOT read_by @> jsonb_build_array(jsonb_build_object('user_id', $2::int))`, messageID, userID)
	if err != nil {
		return models.Message{}, err
	}
	return r.Get(ctx, messageID)
}

// UpdateOfferStatus moves a pending, unexpired offer to accepted or declined.
// Concurrent responders race on the conditional update; exactly one wins.
func (r *MessageRepo) UpdateOfferStatus(ctx context.Context, messageID int, status models.OfferStatus, actorID int) (models.Message, error) {
	if status != models.OfferAccepted && status != models.OfferDeclined {
		return models.Message{}, ErrInvalidOfferTransition
	}
	var row messageRow
	err := r.db.QueryRowxContext(ctx, `UPDATE messages
        SET offer_status=$2, offer_responded_by=$3, offer_responded_at = NOW()
        WHERE id=$1 AND type = 'offer' AND offer_status = 'pending' AND offer_expires_at > NOW()
        RETURNING `+messageColumns, messageID, string(status), actorID).StructScan(&row)
	if errors.Is(err, sql.ErrNoRows) {
		if _, err := r.get(ctx, r.db, messageID, false); err != nil {
			return models.Message{}, err
		}
		return models.Message{}, ErrInvalidOfferTransition
	}
	if err != nil {
		return models.Message{}, err
	}
	return row.toModel(), nil
}

// EditContent replaces the content of a message, keeping the previous version in its history.
func (r *MessageRepo) EditContent(ctx context.Context, messageID int, editorID int, content string) (models.Message, error) {
	content, err := ValidateContent(content)
	if err != nil {
		return models.Message{}, err
	}
	return r.mutate(ctx, messageID, func(msg *models.Message, now time.Time) error {
		if err := CheckEditable(*msg, editorID); err != nil {
			return err
		}
		ApplyEdit(msg, content, now)
		return nil
	})
}

// SoftDelete hides a message for userID, or for everyone when the sender asks.
func (r *MessageRepo) SoftDelete(ctx context.Context, messageID int, userID int, scope models.DeleteScope) (models.Message, error) {
	switch scope {
	case models.DeleteForEveryone:
		return r.mutate(ctx, messageID, func(msg *models.Message, now time.Time) error {
			if !msg.SentBy(userID) {
				return ErrNotMessageSender
			}
			if !msg.DeletedForAll {
				ApplyDeleteForAll(msg, now)
			}
			return nil
		})
	case models.DeleteForMe:
		_, err := r.db.ExecContext(ctx, `UPDATE messages SET hidden_for = hidden_for || jsonb_build_array($2::int)
            WHERE id=$1 AND NOT hidden_for @> jsonb_build_array($2::int)`, messageID, userID)
		if err != nil {
			return models.Message{}, err
		}
		return r.Get(ctx, messageID)
	default:
		return models.Message{}, ErrInvalidMessage
	}
}

// React sets the user's reaction on a message.
func (r *MessageRepo) React(ctx context.Context, messageID int, userID int, emoji string) (models.Message, error) {
	if err := ValidateEmoji(emoji); err != nil {
		return models.Message{}, err
	}
	return r.mutate(ctx, messageID, func(msg *models.Message, now time.Time) error {
		if msg.DeletedForAll {
			return ErrMessageNotEditable
		}
		ApplyReaction(msg, userID, emoji, now)
		return nil
	})
}

// Unreact removes the user's reaction, if any.
func (r *MessageRepo) Unreact(ctx context.Context, messageID int, userID int) (models.Message, error) {
	return r.mutate(ctx, messageID, func(msg *models.Message, now time.Time) error {
		ApplyReaction(msg, userID, "", now)
		return nil
	})
}

// mutate loads a message under a row lock, applies fn and writes back the mutable columns.
func (r *MessageRepo) mutate(ctx context.Context, messageID int, fn func(*models.Message, time.Time) error) (models.Message, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.Message{}, err
	}
	defer tx.Rollback()

	msg, err := r.get(ctx, tx, messageID, true)
	if err != nil {
		return models.Message{}, err
	}
	now := r.now()
	if err := fn(&msg, now); err != nil {
		return models.Message{}, err
	}
	_, err = tx.ExecContext(ctx, `UPDATE messages SET content=$2, attachments=$3, reactions=$4, edit_history=$5,
            edited_at=$6, deleted_for_all=$7, deleted_at=$8
        WHERE id=$1`,
		msg.ID, msg.Content, msg.Attachments, msg.Reactions, msg.EditHistory, msg.EditedAt, msg.DeletedForAll, msg.DeletedAt)
	if err != nil {
		return models.Message{}, err
	}
	if err := tx.Commit(); err != nil {
		return models.Message{}, err
	}
	msg.ApplyExpiry(now)
	return msg, nil
}

// CountUnreadSince counts messages after the given position that count towards userID's unread total.
func (r *MessageRepo) CountUnreadSince(ctx context.Context, conversationID int, userID int, afterPosition int64) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM messages
        WHERE conversation_id=$1 AND position > $3 AND type <> 'system' AND sender_id <> $2`, conversationID, userID, afterPosition)
	return count, err
}
