package model

import (
	"fmt"
	"time"
)

// 契約ステータスの既知の値。管理者はこれ以外の値も設定できる。
const (
	SubscriptionStatusActive  = "active"
	SubscriptionStatusPastDue = "past_due"
)

// PlanRequestStatusPending はプラン変更リクエストの初期ステータス。
const PlanRequestStatusPending = "pending"

// Subscription は顧客1人につき1件の契約情報。
type Subscription struct {
	ClientUID string
	PlanKey   string
	Status    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Summary はポータル表示用の契約サマリーを返す。
// 契約がない場合は「Sin plan activo」を返す。
func (s *Subscription) Summary() string {
	if s == nil {
		return "Sin plan activo"
	}
	plan := s.PlanKey
	if plan == "" {
		plan = "PLAN"
	}
	status := s.Status
	if status == "" {
		status = "unknown"
	}
	return fmt.Sprintf("Plan: %s · Estado: %s", plan, status)
}

// SubscriptionPatch は契約の部分更新。nilのフィールドは変更しない。
type SubscriptionPatch struct {
	PlanKey *string
	Status  *string
}

// Empty はパッチが何も変更しない場合にtrueを返す。
func (p SubscriptionPatch) Empty() bool {
	return p.PlanKey == nil && p.Status == nil
}

// PlanChangeRequest は顧客からのプラン変更依頼。追記のみで更新されない。
type PlanChangeRequest struct {
	ID          string
	ClientUID   string
	ClientEmail string
	ClientName  string
	PlanKey     string
	Status      string
	CreatedAt   time.Time
}
