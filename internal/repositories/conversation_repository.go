package repositories

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"marketplace-chat/internal/models"
)

// ConversationRepository abstracts conversation persistence.
type ConversationRepository interface {
	FindOrCreate(ctx context.Context, participantIDs []int, itemID int) (models.Conversation, bool, error)
	Get(ctx context.Context, conversationID int) (models.Conversation, error)
	IsParticipant(ctx context.Context, conversationID int, userID int) (bool, error)
	ListForUser(ctx context.Context, userID int, page models.Page) ([]models.ConversationSummary, error)
	ListIDsForUser(ctx context.Context, userID int) ([]int, error)
	MarkRead(ctx context.Context, conversationID int, userID int) error
	IncrementUnread(ctx context.Context, conversationID int, excludingUserID int) error
	TotalUnread(ctx context.Context, userID int) (int, error)
	Block(ctx context.Context, conversationID int, actingUserID int) error
	Unblock(ctx context.Context, conversationID int) error
	Mute(ctx context.Context, conversationID int, userID int, until *time.Time) error
	Deactivate(ctx context.Context, conversationID int) error
}

// ConversationRepo is a sqlx implementation of ConversationRepository.
type ConversationRepo struct {
	db *sqlx.DB
}

// NewConversationRepo constructs a ConversationRepo.
func NewConversationRepo(db *sqlx.DB) *ConversationRepo {
	return &ConversationRepo{db: db}
}

const conversationColumns = `c.id, c.item_id, c.participant_key, c.message_seq, c.last_message_id, c.last_message_at,
        c.blocked, c.blocked_by, c.blocked_at, c.is_active, c.created_at, c.updated_at`

// FindOrCreate returns the conversation between participantIDs about itemID,
// creating it when it does not exist. The second result is true on creation.
func (r *ConversationRepo) FindOrCreate(ctx context.Context, participantIDs []int, itemID int) (models.Conversation, bool, error) {
	sorted, ok := models.NormalizeParticipants(participantIDs)
	if !ok {
		return models.Conversation{}, false, ErrInvalidParticipants
	}
	key := models.ParticipantKey(sorted)

	id, err := r.findIDByKey(ctx, key, itemID)
	switch {
	case err == nil:
		if _, err := r.db.ExecContext(ctx, `UPDATE conversations SET is_active = TRUE, updated_at = NOW() WHERE id=$1 AND is_active = FALSE`, id); err != nil {
			return models.Conversation{}, false, err
		}
		conv, err := r.Get(ctx, id)
		return conv, false, err
	case !errors.Is(err, sql.ErrNoRows):
		return models.Conversation{}, false, err
	}

	id, err = r.create(ctx, sorted, key, itemID)
	if isUniqueViolation(err) {
		// lost the race against a concurrent creator
		if id, err = r.findIDByKey(ctx, key, itemID); err != nil {
			return models.Conversation{}, false, err
		}
		conv, err := r.Get(ctx, id)
		return conv, false, err
	}
	if err != nil {
		return models.Conversation{}, false, err
	}
	conv, err := r.Get(ctx, id)
	return conv, true, err
}

func (r *ConversationRepo) findIDByKey(ctx context.Context, key string, itemID int) (int, error) {
	var id int
	err := r.db.GetContext(ctx, &id, `SELECT id FROM conversations WHERE participant_key=$1 AND item_id=$2`, key, itemID)
	return id, err
}

func (r *ConversationRepo) create(ctx context.Context, sorted []int, key string, itemID int) (int, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var id int
	if err := tx.GetContext(ctx, &id, `INSERT INTO conversations (item_id, participant_key) VALUES ($1, $2) RETURNING id`, itemID, key); err != nil {
		return 0, err
	}
	for _, uid := range sorted {
		if _, err := tx.ExecContext(ctx, `INSERT INTO conversation_participants (conversation_id, user_id) VALUES ($1, $2)`, id, uid); err != nil {
			return 0, err
		}
	}
	return id, tx.Commit()
}

// Get fetches a conversation with its participants and their read state.
func (r *ConversationRepo) Get(ctx context.Context, conversationID int) (models.Conversation, error) {
	var conv models.Conversation
	err := r.db.GetContext(ctx, &conv, `SELECT `+conversationColumns+` FROM conversations c WHERE c.id=$1`, conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Conversation{}, ErrConversationNotFound
	}
	if err != nil {
		return models.Conversation{}, err
	}
	states, err := r.readStates(ctx, []int{conversationID})
	if err != nil {
		return models.Conversation{}, err
	}
	attachReadStates(&conv, states[conversationID])
	return conv, nil
}

func (r *ConversationRepo) readStates(ctx context.Context, ids []int) (map[int][]models.ReadState, error) {
	var rows []models.ReadState
	err := r.db.SelectContext(ctx, &rows, `SELECT conversation_id, user_id, last_read_at, last_read_position, unread_count, muted_until
        FROM conversation_participants WHERE conversation_id = ANY($1) ORDER BY conversation_id, user_id`, pq.Array(ids))
	if err != nil {
		return nil, err
	}
	out := make(map[int][]models.ReadState, len(ids))
	for _, rs := range rows {
		out[rs.ConversationID] = append(out[rs.ConversationID], rs)
	}
	return out, nil
}

func attachReadStates(conv *models.Conversation, states []models.ReadState) {
	conv.ReadStates = states
	conv.Participants = make([]int, 0, len(states))
	for _, rs := range states {
		conv.Participants = append(conv.Participants, rs.UserID)
	}
}

// IsParticipant checks whether a user belongs to the conversation.
func (r *ConversationRepo) IsParticipant(ctx context.Context, conversationID int, userID int) (bool, error) {
	var exists bool
	err := r.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM conversation_participants WHERE conversation_id=$1 AND user_id=$2)`, conversationID, userID)
	return exists, err
}

type summaryRow struct {
	models.Conversation
	ViewerUnread int `db:"viewer_unread"`
}

// ListForUser returns the user's active conversations, most recent activity first.
func (r *ConversationRepo) ListForUser(ctx context.Context, userID int, page models.Page) ([]models.ConversationSummary, error) {
	page = page.Normalize()
	query := `SELECT ` + conversationColumns + `, p.unread_count AS viewer_unread
        FROM conversations c
        JOIN conversation_participants p ON p.conversation_id = c.id AND p.user_id = $1
        WHERE c.is_active = TRUE
        ORDER BY c.last_message_at DESC, c.id DESC
        LIMIT $2 OFFSET $3`
	var rows []summaryRow
	if err := r.db.SelectContext(ctx, &rows, query, userID, page.Limit, page.Offset()); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return []models.ConversationSummary{}, nil
	}

	ids := make([]int, len(rows))
	for i, row := range rows {
		ids[i] = row.ID
	}
	states, err := r.readStates(ctx, ids)
	if err != nil {
		return nil, err
	}
	result := make([]models.ConversationSummary, 0, len(rows))
	for _, row := range rows {
		conv := row.Conversation
		attachReadStates(&conv, states[conv.ID])
		result = append(result, models.ConversationSummary{Conversation: conv, UnreadCount: row.ViewerUnread})
	}
	return result, nil
}

// ListIDsForUser returns ids of every active conversation the user takes part in.
func (r *ConversationRepo) ListIDsForUser(ctx context.Context, userID int) ([]int, error) {
	var ids []int
	err := r.db.SelectContext(ctx, &ids, `SELECT p.conversation_id FROM conversation_participants p
        JOIN conversations c ON c.id = p.conversation_id
        WHERE p.user_id=$1 AND c.is_active = TRUE ORDER BY p.conversation_id`, userID)
	return ids, err
}

// MarkRead resets the user's unread counter. It is a no-op for non-participants.
func (r *ConversationRepo) MarkRead(ctx context.Context, conversationID int, userID int) error {
	_, err := r.db.ExecContext(ctx, `UPDATE conversation_participants p
        SET unread_count = 0, last_read_at = NOW(), last_read_position = c.message_seq
        FROM conversations c
        WHERE c.id = p.conversation_id AND p.conversation_id=$1 AND p.user_id=$2`, conversationID, userID)
	return err
}

// IncrementUnread bumps the unread counter of every participant except excludingUserID.
func (r *ConversationRepo) IncrementUnread(ctx context.Context, conversationID int, excludingUserID int) error {
	return incrementUnread(ctx, r.db, conversationID, excludingUserID)
}

func incrementUnread(ctx context.Context, ex sqlx.ExecerContext, conversationID int, excludingUserID int) error {
	_, err := ex.ExecContext(ctx, `UPDATE conversation_participants SET unread_count = unread_count + 1
        WHERE conversation_id=$1 AND user_id <> $2`, conversationID, excludingUserID)
	return err
}

// TotalUnread sums the user's unread counters across active conversations.
func (r *ConversationRepo) TotalUnread(ctx context.Context, userID int) (int, error) {
	var total int
	err := r.db.GetContext(ctx, &total, `SELECT COALESCE(SUM(p.unread_count), 0) FROM conversation_participants p
        JOIN conversations c ON c.id = p.conversation_id
        WHERE p.user_id=$1 AND c.is_active = TRUE`, userID)
	return total, err
}

// Block stops further messages in the conversation.
func (r *ConversationRepo) Block(ctx context.Context, conversationID int, actingUserID int) error {
	res, err := r.db.ExecContext(ctx, `UPDATE conversations SET blocked = TRUE, blocked_by=$2, blocked_at = NOW(), updated_at = NOW() WHERE id=$1`, conversationID, actingUserID)
	return expectRow(res, err, ErrConversationNotFound)
}

// Unblock lifts a block.
func (r *ConversationRepo) Unblock(ctx context.Context, conversationID int) error {
	res, err := r.db.ExecContext(ctx, `UPDATE conversations SET blocked = FALSE, blocked_by = NULL, blocked_at = NULL, updated_at = NOW() WHERE id=$1`, conversationID)
	return expectRow(res, err, ErrConversationNotFound)
}

// Mute silences offline notifications for the user until the given time. A nil until unmutes.
func (r *ConversationRepo) Mute(ctx context.Context, conversationID int, userID int, until *time.Time) error {
	res, err := r.db.ExecContext(ctx, `UPDATE conversation_participants SET muted_until=$3 WHERE conversation_id=$1 AND user_id=$2`, conversationID, userID, until)
	return expectRow(res, err, ErrConversationNotFound)
}

// Deactivate hides the conversation from listings without deleting it.
func (r *ConversationRepo) Deactivate(ctx context.Context, conversationID int) error {
	res, err := r.db.ExecContext(ctx, `UPDATE conversations SET is_active = FALSE, updated_at = NOW() WHERE id=$1`, conversationID)
	return expectRow(res, err, ErrConversationNotFound)
}

func expectRow(res sql.Result, err error, notFound error) error {
	if err != nil {
		return err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if count == 0 {
		return notFound
	}
	return nil
}
