package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/portaldesk/internal/model"
)

// PostgresConversationRepo はPostgreSQLを使用した会話リポジトリ。
type PostgresConversationRepo struct {
	db *sql.DB
}

// NewPostgresConversationRepo はPostgresConversationRepoを生成する。
func NewPostgresConversationRepo(db *sql.DB) *PostgresConversationRepo {
	return &PostgresConversationRepo{db: db}
}

const conversationColumns = `id, client_uid, client_email, client_name, created_at, updated_at, last_message_at`

// FindByID は指定IDの会話を取得する。見つからない場合はnilを返す。
func (r *PostgresConversationRepo) FindByID(ctx context.Context, id string) (*model.Conversation, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = $1`,
		id,
	)
	conv, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("会話の取得に失敗しました: %w", err)
	}
	return conv, nil
}

// CreateIfAbsent は会話が存在しない場合のみ作成する。
// ON CONFLICT DO NOTHINGにより、同時に作成された場合も後続の書き込みは何もしない。
func (r *PostgresConversationRepo) CreateIfAbsent(ctx context.Context, conv *model.Conversation) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO conversations (id, client_uid, client_email, client_name, created_at, updated_at, last_message_at)
		 VALUES ($1, $2, $3, $4, now(), now(), NULL)
		 ON CONFLICT (id) DO NOTHING`,
		conv.ID, conv.ClientUID, conv.ClientEmail, conv.ClientName,
	)
	if err != nil {
		return false, fmt.Errorf("会話の作成に失敗しました: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("作成結果の取得に失敗しました: %w", err)
	}
	return n == 1, nil
}

// Touch はupdated_atとlast_message_atを更新する。
func (r *PostgresConversationRepo) Touch(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE conversations SET updated_at = now(), last_message_at = now() WHERE id = $1`,
		id,
	)
	if err != nil {
		return fmt.Errorf("会話の更新に失敗しました: %w", err)
	}
	return nil
}

// ListRecent はupdated_at降順で最大limit件の会話を返す。
func (r *PostgresConversationRepo) ListRecent(ctx context.Context, limit int) ([]model.Conversation, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+conversationColumns+`
		 FROM conversations
		 ORDER BY updated_at DESC, id ASC
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("会話一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	convs := make([]model.Conversation, 0)
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("会話行の読み取りに失敗しました: %w", err)
		}
		convs = append(convs, *conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("会話一覧の走査に失敗しました: %w", err)
	}
	return convs, nil
}

// rowScanner は*sql.Rowと*sql.Rowsの共通部分。
type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(s rowScanner) (*model.Conversation, error) {
	conv := &model.Conversation{}
	var lastMessageAt sql.NullTime
	if err := s.Scan(&conv.ID, &conv.ClientUID, &conv.ClientEmail, &conv.ClientName,
		&conv.CreatedAt, &conv.UpdatedAt, &lastMessageAt); err != nil {
		return nil, err
	}
	if lastMessageAt.Valid {
		t := lastMessageAt.Time
		conv.LastMessageAt = &t
	}
	return conv, nil
}

// compile-time interface check
var _ ConversationRepository = (*PostgresConversationRepo)(nil)
