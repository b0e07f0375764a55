package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/portaldesk/internal/middleware"
	"github.com/hitoshi/portaldesk/internal/model"
	"github.com/hitoshi/portaldesk/internal/subscription"
)

// AdminSubscriptionService は管理コンソールの契約操作に必要なサービスインターフェース。
type AdminSubscriptionService interface {
	AdminForm(ctx context.Context, clientUID string) (*subscription.AdminView, error)
	UpdateByAdmin(ctx context.Context, clientUID, planKey, status string) (*subscription.AdminView, error)
}

// AdminHandler は管理コンソールのHTTPハンドラー。
// 許可リストの判定はmiddleware.NewAdminMiddlewareで行う。
type AdminHandler struct {
	subscriptions AdminSubscriptionService
	messages      MessageGateway
}

// NewAdminHandler はAdminHandlerを生成する。
func NewAdminHandler(subscriptions AdminSubscriptionService, messages MessageGateway) *AdminHandler {
	return &AdminHandler{subscriptions: subscriptions, messages: messages}
}

// adminSubscriptionResponse は管理コンソールの契約フォーム。
type adminSubscriptionResponse struct {
	ClientUID string `json:"clientUid"`
	Exists    bool   `json:"exists"`
	PlanKey   string `json:"planKey"`
	Status    string `json:"status"`
	Summary   string `json:"summary"`
}

type adminSubscriptionRequest struct {
	PlanKey string `json:"planKey"`
	Status  string `json:"status"`
}

func toAdminSubscriptionResponse(v *subscription.AdminView) adminSubscriptionResponse {
	return adminSubscriptionResponse{
		ClientUID: v.ClientUID,
		Exists:    v.Exists,
		PlanKey:   v.PlanKey,
		Status:    v.Status,
		Summary:   v.Summary,
	}
}

// GetSubscription は顧客の契約フォームを返す。契約がない場合は初期値を返す。
// GET /api/admin/clients/{clientUID}/subscription
func (h *AdminHandler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	view, err := h.subscriptions.AdminForm(r.Context(), chi.URLParam(r, "clientUID"))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAdminSubscriptionResponse(view))
}

// UpdateSubscription は顧客の契約を作成または更新する。空のフィールドは変更しない。
// PUT /api/admin/clients/{clientUID}/subscription
func (h *AdminHandler) UpdateSubscription(w http.ResponseWriter, r *http.Request) {
	var req adminSubscriptionRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	view, err := h.subscriptions.UpdateByAdmin(r.Context(), chi.URLParam(r, "clientUID"), req.PlanKey, req.Status)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAdminSubscriptionResponse(view))
}

// SendMessage は顧客の会話に管理者としてメッセージを送信する。
// 会話が存在しない場合は404を返す。
// POST /api/admin/clients/{clientUID}/messages
func (h *AdminHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	identity, err := middleware.IdentityFromContext(r.Context())
	if err != nil {
		middleware.WriteUnauthorized(w)
		return
	}
	clientUID := chi.URLParam(r, "clientUID")

	var req sendMessageRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.empty() {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewEmptyMessageError())
		return
	}

	conv, err := h.messages.GetConversation(r.Context(), clientUID)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if conv == nil {
		middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewConversationNotFoundError(clientUID))
		return
	}

	msg, err := h.messages.SendMessage(r.Context(), conv.ID, req.draft(identity, model.SideAdmin))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toMessageResponse(msg))
}
