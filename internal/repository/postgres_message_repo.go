package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/hitoshi/portaldesk/internal/model"
)

// PostgresMessageRepo はPostgreSQLを使用したメッセージリポジトリ。
type PostgresMessageRepo struct {
	db *sql.DB
}

// NewPostgresMessageRepo はPostgresMessageRepoを生成する。
func NewPostgresMessageRepo(db *sql.DB) *PostgresMessageRepo {
	return &PostgresMessageRepo{db: db}
}

// Append はメッセージを追加する。created_atはDBサーバーの時刻を使用する。
// 会話が存在しない場合は外部キー制約違反でエラーになる。
func (r *PostgresMessageRepo) Append(ctx context.Context, conversationID string, draft model.MessageDraft) (*model.Message, error) {
	msg := &model.Message{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		AuthorUID:      draft.AuthorUID,
		AuthorName:     draft.AuthorName,
		AuthorEmail:    draft.AuthorEmail,
		Text:           draft.Text,
		File:           draft.File,
		Side:           draft.Side,
	}

	var fileURL, fileName sql.NullString
	if draft.File != nil {
		fileURL = sql.NullString{String: draft.File.URL, Valid: true}
		fileName = sql.NullString{String: draft.File.Name, Valid: true}
	}

	err := r.db.QueryRowContext(ctx,
		`INSERT INTO messages (id, conversation_id, author_uid, author_name, author_email, body, file_url, file_name, side, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())
		 RETURNING created_at`,
		msg.ID, conversationID, msg.AuthorUID, msg.AuthorName, msg.AuthorEmail, msg.Text,
		fileURL, fileName, string(msg.Side),
	).Scan(&msg.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("メッセージの追加に失敗しました: %w", err)
	}
	return msg, nil
}

// ListLatest はcreated_at降順で最大limit件を取得し、昇順に並べ替えて返す。
// 同一時刻のメッセージはseqで順序を確定させる。
func (r *PostgresMessageRepo) ListLatest(ctx context.Context, conversationID string, limit int) ([]model.Message, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, conversation_id, author_uid, author_name, author_email, body, file_url, file_name, side, created_at
		 FROM (
		   SELECT * FROM messages
		   WHERE conversation_id = $1
		   ORDER BY created_at DESC, seq DESC
		   LIMIT $2
		 ) latest
		 ORDER BY created_at ASC, seq ASC`,
		conversationID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("メッセージ一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	msgs := make([]model.Message, 0)
	for rows.Next() {
		var m model.Message
		var fileURL, fileName sql.NullString
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.AuthorUID, &m.AuthorName, &m.AuthorEmail,
			&m.Text, &fileURL, &fileName, &m.Side, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("メッセージ行の読み取りに失敗しました: %w", err)
		}
		if fileURL.Valid && fileURL.String != "" {
			m.File = &model.FileRef{URL: fileURL.String, Name: fileName.String}
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("メッセージ一覧の走査に失敗しました: %w", err)
	}
	return msgs, nil
}

// compile-time interface check
var _ MessageRepository = (*PostgresMessageRepo)(nil)
