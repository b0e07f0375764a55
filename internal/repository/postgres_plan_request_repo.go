package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/portaldesk/internal/model"
)

// PostgresPlanRequestRepo はPostgreSQLを使用したプラン変更リクエストリポジトリ。
type PostgresPlanRequestRepo struct {
	db *sql.DB
}

// NewPostgresPlanRequestRepo はPostgresPlanRequestRepoを生成する。
func NewPostgresPlanRequestRepo(db *sql.DB) *PostgresPlanRequestRepo {
	return &PostgresPlanRequestRepo{db: db}
}

// Append はプラン変更リクエストを追記する。created_atはDBサーバーの時刻を使用する。
func (r *PostgresPlanRequestRepo) Append(ctx context.Context, req *model.PlanChangeRequest) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO plan_requests (id, client_uid, client_email, client_name, plan_key, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, now())`,
		req.ID, req.ClientUID, req.ClientEmail, req.ClientName, req.PlanKey, req.Status,
	)
	if err != nil {
		return fmt.Errorf("プラン変更リクエストの追加に失敗しました: %w", err)
	}
	return nil
}

// compile-time interface check
var _ PlanRequestRepository = (*PostgresPlanRequestRepo)(nil)
