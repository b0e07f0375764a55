package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/portaldesk/internal/middleware"
	"github.com/hitoshi/portaldesk/internal/model"
	"github.com/hitoshi/portaldesk/internal/policy"
	"github.com/hitoshi/portaldesk/internal/subscription"
)

// PortalSubscriptionService はポータルの契約操作に必要なサービスインターフェース。
type PortalSubscriptionService interface {
	PortalSummary(ctx context.Context, client model.Identity) (*subscription.PortalView, error)
	RequestPlanChange(ctx context.Context, client model.Identity, planKey string) error
}

// PortalHandler は顧客ポータルのHTTPハンドラー。
// 全エンドポイントはサインイン中の顧客本人のデータのみを扱う。
type PortalHandler struct {
	subscriptions PortalSubscriptionService
	messages      MessageGateway
}

// NewPortalHandler はPortalHandlerを生成する。
func NewPortalHandler(subscriptions PortalSubscriptionService, messages MessageGateway) *PortalHandler {
	return &PortalHandler{subscriptions: subscriptions, messages: messages}
}

// subscriptionResponse は契約情報のAPIレスポンス。
type subscriptionResponse struct {
	PlanKey   string    `json:"planKey"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// portalSubscriptionResponse はGET /api/portal/subscriptionのレスポンス。
// 契約がない場合、subscriptionはnullになる。
type portalSubscriptionResponse struct {
	Subscription *subscriptionResponse `json:"subscription"`
	Summary      string                `json:"summary"`
	Plans        []policy.Plan         `json:"plans"`
}

type planChangeRequest struct {
	PlanKey string `json:"planKey"`
}

// GetSubscription は顧客本人の契約サマリーを返す。
// GET /api/portal/subscription
func (h *PortalHandler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	identity, err := middleware.IdentityFromContext(r.Context())
	if err != nil {
		middleware.WriteUnauthorized(w)
		return
	}

	view, err := h.subscriptions.PortalSummary(r.Context(), identity)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := portalSubscriptionResponse{Summary: view.Summary, Plans: view.Plans}
	if resp.Plans == nil {
		resp.Plans = []policy.Plan{}
	}
	if sub := view.Subscription; sub != nil {
		resp.Subscription = &subscriptionResponse{
			PlanKey:   sub.PlanKey,
			Status:    sub.Status,
			CreatedAt: sub.CreatedAt,
			UpdatedAt: sub.UpdatedAt,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// RequestPlanChange はプラン変更依頼を記録する。
// POST /api/portal/plan-requests
func (h *PortalHandler) RequestPlanChange(w http.ResponseWriter, r *http.Request) {
	identity, err := middleware.IdentityFromContext(r.Context())
	if err != nil {
		middleware.WriteUnauthorized(w)
		return
	}

	var req planChangeRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if err := h.subscriptions.RequestPlanChange(r.Context(), identity, req.PlanKey); err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"planKey": req.PlanKey,
		"status":  model.PlanRequestStatusPending,
	})
}

// SendMessage は顧客本人の会話にメッセージを送信する。
// 会話がまだない場合は先に作成する。
// POST /api/portal/messages
func (h *PortalHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	identity, err := middleware.IdentityFromContext(r.Context())
	if err != nil {
		middleware.WriteUnauthorized(w)
		return
	}

	var req sendMessageRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.empty() {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewEmptyMessageError())
		return
	}

	if _, err := h.messages.EnsureConversation(r.Context(), identity); err != nil {
		handleServiceError(w, err)
		return
	}

	msg, err := h.messages.SendMessage(r.Context(), identity.UID, req.draft(identity, model.SideClient))
	if err != nil {
		handleServiceError(w, err)
		return
	}

	slog.Debug("portal message sent", slog.String("uid", identity.UID), slog.String("message_id", msg.ID))
	writeJSON(w, http.StatusCreated, toMessageResponse(msg))
}
