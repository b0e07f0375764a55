// Package subscription はポータルと管理コンソールの契約表示・編集ロジックを提供する。
package subscription

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/hitoshi/portaldesk/internal/gateway"
	"github.com/hitoshi/portaldesk/internal/model"
	"github.com/hitoshi/portaldesk/internal/policy"
)

// 管理コンソールのフォーム初期値。
const (
	DefaultPlanKey       = "MENSUAL_2"
	adminSummaryNoPlan   = "Sin plan"
	defaultStatusMissing = model.SubscriptionStatusPastDue
	defaultStatusPresent = model.SubscriptionStatusActive
)

var statusPattern = regexp.MustCompile(`^[a-z_]{1,32}$`)

// Remote は契約情報の読み書きに使うゲートウェイ操作。
type Remote interface {
	GetSubscription(ctx context.Context, clientUID string) (*model.Subscription, error)
	SetSubscription(ctx context.Context, clientUID string, patch model.SubscriptionPatch) (*model.Subscription, error)
	RequestPlanChange(ctx context.Context, client model.Identity, planKey string) error
}

// Catalog は提供中のプラン一覧。
type Catalog interface {
	ValidPlan(key string) bool
	Plans() []policy.Plan
}

// PortalView はポータルに表示する契約情報。
type PortalView struct {
	Subscription *model.Subscription
	Summary      string
	Plans        []policy.Plan
}

// AdminView は管理コンソールの契約フォーム。
// 契約がない場合もフォームの初期値を埋めて返す。
type AdminView struct {
	ClientUID string
	Exists    bool
	PlanKey   string
	Status    string
	Summary   string
}

// Service は契約に関するサービス層。
type Service struct {
	remote  Remote
	catalog Catalog
}

// NewService はServiceを生成する。
func NewService(remote Remote, catalog Catalog) *Service {
	return &Service{remote: remote, catalog: catalog}
}

// PortalSummary は顧客本人の契約サマリーを返す。
func (s *Service) PortalSummary(ctx context.Context, client model.Identity) (*PortalView, error) {
	sub, err := s.remote.GetSubscription(ctx, client.UID)
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return &PortalView{
		Subscription: sub,
		Summary:      sub.Summary(),
		Plans:        s.catalog.Plans(),
	}, nil
}

// RequestPlanChange は顧客からのプラン変更依頼を記録する。
func (s *Service) RequestPlanChange(ctx context.Context, client model.Identity, planKey string) error {
	planKey = strings.TrimSpace(planKey)
	if !s.catalog.ValidPlan(planKey) {
		return model.NewInvalidPlanError(planKey)
	}
	if err := s.remote.RequestPlanChange(ctx, client, planKey); err != nil {
		return fmt.Errorf("failed to request plan change: %w", err)
	}
	return nil
}

// AdminForm は管理コンソール用の契約フォームを返す。
func (s *Service) AdminForm(ctx context.Context, clientUID string) (*AdminView, error) {
	sub, err := s.remote.GetSubscription(ctx, clientUID)
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return adminView(clientUID, sub), nil
}

// UpdateByAdmin は管理者が指定したプランとステータスで契約を更新する。
// 空文字のフィールドは変更しない。
func (s *Service) UpdateByAdmin(ctx context.Context, clientUID, planKey, status string) (*AdminView, error) {
	var patch model.SubscriptionPatch

	if planKey = strings.TrimSpace(planKey); planKey != "" {
		if !s.catalog.ValidPlan(planKey) {
			return nil, model.NewInvalidPlanError(planKey)
		}
		patch.PlanKey = &planKey
	}
	if status = strings.TrimSpace(status); status != "" {
		if !statusPattern.MatchString(status) {
			return nil, model.NewInvalidStatusError(status)
		}
		patch.Status = &status
	}

	sub, err := s.remote.SetSubscription(ctx, clientUID, patch)
	if err != nil {
		return nil, fmt.Errorf("failed to set subscription: %w", err)
	}
	return adminView(clientUID, sub), nil
}

func adminView(clientUID string, sub *model.Subscription) *AdminView {
	if sub == nil {
		return &AdminView{
			ClientUID: clientUID,
			PlanKey:   DefaultPlanKey,
			Status:    defaultStatusMissing,
			Summary:   adminSummaryNoPlan,
		}
	}

	v := &AdminView{
		ClientUID: clientUID,
		Exists:    true,
		PlanKey:   sub.PlanKey,
		Status:    sub.Status,
	}
	if v.PlanKey == "" {
		v.PlanKey = DefaultPlanKey
	}
	if v.Status == "" {
		v.Status = defaultStatusPresent
	}
	v.Summary = fmt.Sprintf("Plan: %s · Estado: %s", v.PlanKey, v.Status)
	return v
}

// compile-time interface check
var (
	_ Remote  = (*gateway.Gateway)(nil)
	_ Catalog = (*policy.Store)(nil)
)
