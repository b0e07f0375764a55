// Package model はドメインモデルを定義する。
package model

import (
	"strings"
	"time"
)

// Role はユーザープロフィールの役割を表す。
type Role string

const (
	// RoleAdmin は管理コンソールを利用するサポート側ユーザー。
	RoleAdmin Role = "admin"
	// RoleClient はポータルを利用する顧客。
	RoleClient Role = "client"
)

// UserProfile はusersコレクションに保存されるプロフィールを表す。
// 初回サインイン時に作成され、以降はEmail/DisplayName/PhotoURLのみマージ更新される。
// Roleは既存レコードでは上書きされない。
type UserProfile struct {
	UID         string
	Email       string
	DisplayName string
	PhotoURL    string
	Role        Role
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Identity はIdPが返す認証済みユーザーを表す。
// UIDはIdP内で一意な不透明ID。
type Identity struct {
	UID         string
	Email       string
	DisplayName string
	PhotoURL    string
}

// Label は表示用の名前を返す。表示名、メールアドレス、UIDの順にフォールバックする。
func (i Identity) Label() string {
	if name := strings.TrimSpace(i.DisplayName); name != "" {
		return name
	}
	if i.Email != "" {
		return i.Email
	}
	return i.UID
}

// Session はユーザーのログインセッションを表す。
// IdPから取得したIdentityをそのまま保持する。
type Session struct {
	ID        string
	Identity  Identity
	ExpiresAt time.Time
	CreatedAt time.Time
}

// Expired はセッションが指定時刻の時点で期限切れかを返す。
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}
