package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/portaldesk/internal/model"
)

// PostgresProfileRepo はPostgreSQLを使用したプロフィールリポジトリ。
type PostgresProfileRepo struct {
	db *sql.DB
}

// NewPostgresProfileRepo はPostgresProfileRepoを生成する。
func NewPostgresProfileRepo(db *sql.DB) *PostgresProfileRepo {
	return &PostgresProfileRepo{db: db}
}

// FindByUID は指定UIDのプロフィールを取得する。見つからない場合はnilを返す。
func (r *PostgresProfileRepo) FindByUID(ctx context.Context, uid string) (*model.UserProfile, error) {
	p := &model.UserProfile{}
	err := r.db.QueryRowContext(ctx,
		`SELECT uid, email, display_name, photo_url, role, created_at, updated_at
		 FROM users WHERE uid = $1`,
		uid,
	).Scan(&p.UID, &p.Email, &p.DisplayName, &p.PhotoURL, &p.Role, &p.CreatedAt, &p.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("プロフィールの取得に失敗しました: %w", err)
	}
	return p, nil
}

// Upsert はプロフィールを作成またはマージ更新する。
// ON CONFLICT時はroleとcreated_atに触れないため、既存の役割は保持される。
func (r *PostgresProfileRepo) Upsert(ctx context.Context, identity model.Identity, defaultRole model.Role) (*model.UserProfile, error) {
	p := &model.UserProfile{}
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO users (uid, email, display_name, photo_url, role, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, now(), now())
		 ON CONFLICT (uid) DO UPDATE SET
		   email = EXCLUDED.email,
		   display_name = EXCLUDED.display_name,
		   photo_url = EXCLUDED.photo_url,
		   updated_at = now()
		 RETURNING uid, email, display_name, photo_url, role, created_at, updated_at`,
		identity.UID, identity.Email, identity.DisplayName, identity.PhotoURL, string(defaultRole),
	).Scan(&p.UID, &p.Email, &p.DisplayName, &p.PhotoURL, &p.Role, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("プロフィールのアップサートに失敗しました: %w", err)
	}
	return p, nil
}

// compile-time interface check
var _ ProfileRepository = (*PostgresProfileRepo)(nil)
