package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/portaldesk/internal/model"
)

// PostgresSubscriptionRepo はPostgreSQLを使用した契約リポジトリ。
type PostgresSubscriptionRepo struct {
	db *sql.DB
}

// NewPostgresSubscriptionRepo はPostgresSubscriptionRepoを生成する。
func NewPostgresSubscriptionRepo(db *sql.DB) *PostgresSubscriptionRepo {
	return &PostgresSubscriptionRepo{db: db}
}

// FindByClientUID は顧客の契約を取得する。見つからない場合はnilを返す。
func (r *PostgresSubscriptionRepo) FindByClientUID(ctx context.Context, clientUID string) (*model.Subscription, error) {
	sub := &model.Subscription{}
	err := r.db.QueryRowContext(ctx,
		`SELECT client_uid, plan_key, status, created_at, updated_at
		 FROM subscriptions WHERE client_uid = $1`,
		clientUID,
	).Scan(&sub.ClientUID, &sub.PlanKey, &sub.Status, &sub.CreatedAt, &sub.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("契約の取得に失敗しました: %w", err)
	}
	return sub, nil
}

// Upsert は契約を作成または部分更新する。
// パッチでnilのフィールドはCOALESCEにより既存値を維持する。
func (r *PostgresSubscriptionRepo) Upsert(ctx context.Context, clientUID string, patch model.SubscriptionPatch) (*model.Subscription, error) {
	sub := &model.Subscription{}
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO subscriptions (client_uid, plan_key, status, created_at, updated_at)
		 VALUES ($1, COALESCE($2::text, ''), COALESCE($3::text, ''), now(), now())
		 ON CONFLICT (client_uid) DO UPDATE SET
		   plan_key = COALESCE($2::text, subscriptions.plan_key),
		   status = COALESCE($3::text, subscriptions.status),
		   updated_at = now()
		 RETURNING client_uid, plan_key, status, created_at, updated_at`,
		clientUID, nullString(patch.PlanKey), nullString(patch.Status),
	).Scan(&sub.ClientUID, &sub.PlanKey, &sub.Status, &sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("契約のアップサートに失敗しました: %w", err)
	}
	return sub, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

// compile-time interface check
var _ SubscriptionRepository = (*PostgresSubscriptionRepo)(nil)
