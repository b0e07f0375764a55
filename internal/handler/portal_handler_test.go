package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/portaldesk/internal/middleware"
	"github.com/hitoshi/portaldesk/internal/model"
	"github.com/hitoshi/portaldesk/internal/policy"
	"github.com/hitoshi/portaldesk/internal/subscription"
)

// --- モック定義 ---

type mockPortalSubscriptions struct {
	portalSummaryFn     func(ctx context.Context, client model.Identity) (*subscription.PortalView, error)
	requestPlanChangeFn func(ctx context.Context, client model.Identity, planKey string) error
}

func (m *mockPortalSubscriptions) PortalSummary(ctx context.Context, client model.Identity) (*subscription.PortalView, error) {
	if m.portalSummaryFn != nil {
		return m.portalSummaryFn(ctx, client)
	}
	return &subscription.PortalView{}, nil
}

func (m *mockPortalSubscriptions) RequestPlanChange(ctx context.Context, client model.Identity, planKey string) error {
	if m.requestPlanChangeFn != nil {
		return m.requestPlanChangeFn(ctx, client, planKey)
	}
	return nil
}

type mockMessageGateway struct {
	ensureConversationFn func(ctx context.Context, client model.Identity) (bool, error)
	getConversationFn    func(ctx context.Context, conversationID string) (*model.Conversation, error)
	sendMessageFn        func(ctx context.Context, conversationID string, draft model.MessageDraft) (*model.Message, error)
}

func (m *mockMessageGateway) EnsureConversation(ctx context.Context, client model.Identity) (bool, error) {
	if m.ensureConversationFn != nil {
		return m.ensureConversationFn(ctx, client)
	}
	return false, nil
}

func (m *mockMessageGateway) GetConversation(ctx context.Context, conversationID string) (*model.Conversation, error) {
	if m.getConversationFn != nil {
		return m.getConversationFn(ctx, conversationID)
	}
	return nil, nil
}

func (m *mockMessageGateway) SendMessage(ctx context.Context, conversationID string, draft model.MessageDraft) (*model.Message, error) {
	if m.sendMessageFn != nil {
		return m.sendMessageFn(ctx, conversationID, draft)
	}
	return &model.Message{ID: "m1", ConversationID: conversationID, Text: draft.Text, Side: draft.Side, File: draft.File}, nil
}

// --- ヘルパー ---

var testClient = model.Identity{UID: "client-1", Email: "ana@example.com", DisplayName: "Ana"}

// authed は認証済みセッションをコンテキストに持つリクエストを作る。
func authed(method, target string, body any, identity model.Identity) *http.Request {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, target, &buf)
	return req.WithContext(middleware.ContextWithSession(req.Context(), &model.Session{ID: "s-" + identity.UID, Identity: identity}))
}

func errorCodeOf(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body middleware.ErrorResponseBody
	if err := json.NewDecoder(w.Result().Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}
	return body.Code
}

// --- テスト ---

func TestPortalHandler_GetSubscription(t *testing.T) {
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	svc := &mockPortalSubscriptions{
		portalSummaryFn: func(ctx context.Context, client model.Identity) (*subscription.PortalView, error) {
			if client.UID != testClient.UID {
				t.Errorf("client = %q, want %q", client.UID, testClient.UID)
			}
			return &subscription.PortalView{
				Subscription: &model.Subscription{ClientUID: client.UID, PlanKey: "ANUAL", Status: "active", CreatedAt: created, UpdatedAt: created},
				Summary:      "Plan: ANUAL · Estado: active",
				Plans:        []policy.Plan{{Key: "ANUAL", Label: "Anual"}},
			}, nil
		},
	}
	h := NewPortalHandler(svc, &mockMessageGateway{})

	w := httptest.NewRecorder()
	h.GetSubscription(w, authed(http.MethodGet, "/api/portal/subscription", nil, testClient))

	if w.Result().StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Result().StatusCode, http.StatusOK)
	}
	var body portalSubscriptionResponse
	if err := json.NewDecoder(w.Result().Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body.Subscription == nil || body.Subscription.PlanKey != "ANUAL" || !body.Subscription.CreatedAt.Equal(created) {
		t.Errorf("subscription = %+v", body.Subscription)
	}
	if body.Summary != "Plan: ANUAL · Estado: active" || len(body.Plans) != 1 {
		t.Errorf("body = %+v", body)
	}
}

func TestPortalHandler_GetSubscription_AbsentIsNull(t *testing.T) {
	svc := &mockPortalSubscriptions{
		portalSummaryFn: func(ctx context.Context, client model.Identity) (*subscription.PortalView, error) {
			return &subscription.PortalView{Summary: "Sin plan activo"}, nil
		},
	}
	h := NewPortalHandler(svc, &mockMessageGateway{})

	w := httptest.NewRecorder()
	h.GetSubscription(w, authed(http.MethodGet, "/api/portal/subscription", nil, testClient))

	var body map[string]any
	if err := json.NewDecoder(w.Result().Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if v, ok := body["subscription"]; !ok || v != nil {
		t.Errorf("subscription = %v, want null", v)
	}
	if plans, ok := body["plans"].([]any); !ok || len(plans) != 0 {
		t.Errorf("plans = %v, want empty array", body["plans"])
	}
}

func TestPortalHandler_RequestPlanChange(t *testing.T) {
	var gotPlan string
	svc := &mockPortalSubscriptions{
		requestPlanChangeFn: func(ctx context.Context, client model.Identity, planKey string) error {
			gotPlan = planKey
			if planKey == "GOLD" {
				return model.NewInvalidPlanError(planKey)
			}
			return nil
		},
	}
	h := NewPortalHandler(svc, &mockMessageGateway{})

	w := httptest.NewRecorder()
	h.RequestPlanChange(w, authed(http.MethodPost, "/api/portal/plan-requests", planChangeRequest{PlanKey: "ANUAL"}, testClient))
	if w.Result().StatusCode != http.StatusAccepted {
		t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusAccepted)
	}
	if gotPlan != "ANUAL" {
		t.Errorf("plan = %q, want ANUAL", gotPlan)
	}

	w = httptest.NewRecorder()
	h.RequestPlanChange(w, authed(http.MethodPost, "/api/portal/plan-requests", planChangeRequest{PlanKey: "GOLD"}, testClient))
	if w.Result().StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusBadRequest)
	}
	if code := errorCodeOf(t, w); code != model.ErrCodeInvalidPlan {
		t.Errorf("code = %q, want %q", code, model.ErrCodeInvalidPlan)
	}
}

func TestPortalHandler_SendMessage_EnsuresConversationFirst(t *testing.T) {
	var calls []string
	gw := &mockMessageGateway{
		ensureConversationFn: func(ctx context.Context, client model.Identity) (bool, error) {
			calls = append(calls, "ensure:"+client.UID)
			return true, nil
		},
		sendMessageFn: func(ctx context.Context, conversationID string, draft model.MessageDraft) (*model.Message, error) {
			calls = append(calls, "send:"+conversationID)
			if draft.Side != model.SideClient || draft.Text != "hola" || draft.AuthorUID != testClient.UID {
				t.Errorf("draft = %+v", draft)
			}
			return &model.Message{ID: "m1", ConversationID: conversationID, Text: draft.Text, Side: draft.Side,
				File: &model.FileRef{URL: "https://files.example.com/a.pdf"}}, nil
		},
	}
	h := NewPortalHandler(&mockPortalSubscriptions{}, gw)

	w := httptest.NewRecorder()
	h.SendMessage(w, authed(http.MethodPost, "/api/portal/messages", map[string]any{"text": "  hola  "}, testClient))

	if w.Result().StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want %d", w.Result().StatusCode, http.StatusCreated)
	}
	if fmt.Sprint(calls) != "[ensure:client-1 send:client-1]" {
		t.Errorf("calls = %v", calls)
	}
	var body messageResponse
	if err := json.NewDecoder(w.Result().Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body.File == nil || body.File.Label != "archivo" {
		t.Errorf("file = %+v, want fallback label", body.File)
	}
}

func TestPortalHandler_SendMessage_Rejects(t *testing.T) {
	tests := []struct {
		name       string
		body       any
		raw        string
		sendErr    error
		wantStatus int
		wantCode   string
	}{
		{name: "whitespace only", body: map[string]any{"text": "   "}, wantStatus: http.StatusBadRequest, wantCode: model.ErrCodeEmptyMessage},
		{name: "file without url", body: map[string]any{"file": map[string]string{"name": "a"}}, wantStatus: http.StatusBadRequest, wantCode: model.ErrCodeEmptyMessage},
		{name: "broken json", raw: "{", wantStatus: http.StatusBadRequest, wantCode: model.ErrCodeInvalidRequest},
		{name: "unconfigured", body: map[string]any{"text": "hi"}, sendErr: model.ErrRemoteUnavailable, wantStatus: http.StatusServiceUnavailable, wantCode: model.ErrCodeRemoteUnavailable},
		{name: "store failure", body: map[string]any{"text": "hi"}, sendErr: fmt.Errorf("%w: append", model.ErrRemoteOperationFailed), wantStatus: http.StatusBadGateway, wantCode: model.ErrCodeRemoteOperationFailed},
		{name: "attachment rejected", body: map[string]any{"file": map[string]string{"url": "http://10.0.0.1/x"}}, sendErr: model.NewInvalidAttachmentError("private address"), wantStatus: http.StatusBadRequest, wantCode: model.ErrCodeInvalidAttachment},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw := &mockMessageGateway{
				sendMessageFn: func(ctx context.Context, conversationID string, draft model.MessageDraft) (*model.Message, error) {
					if tt.sendErr != nil {
						return nil, tt.sendErr
					}
					t.Error("SendMessage should not be called")
					return nil, nil
				},
			}
			h := NewPortalHandler(&mockPortalSubscriptions{}, gw)

			var req *http.Request
			if tt.raw != "" {
				req = authed(http.MethodPost, "/api/portal/messages", nil, testClient)
				req.Body = io.NopCloser(strings.NewReader(tt.raw))
			} else {
				req = authed(http.MethodPost, "/api/portal/messages", tt.body, testClient)
			}
			w := httptest.NewRecorder()
			h.SendMessage(w, req)

			if w.Result().StatusCode != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Result().StatusCode, tt.wantStatus)
			}
			if code := errorCodeOf(t, w); code != tt.wantCode {
				t.Errorf("code = %q, want %q", code, tt.wantCode)
			}
		})
	}
}

func TestPortalHandler_NoSession_Returns401(t *testing.T) {
	h := NewPortalHandler(&mockPortalSubscriptions{}, &mockMessageGateway{})

	w := httptest.NewRecorder()
	h.GetSubscription(w, httptest.NewRequest(http.MethodGet, "/api/portal/subscription", nil))

	if w.Result().StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusUnauthorized)
	}
}

func TestHandleServiceError_Mapping(t *testing.T) {
	tests := []struct {
		err        error
		wantStatus int
		wantCode   string
	}{
		{model.ErrRemoteUnavailable, http.StatusServiceUnavailable, model.ErrCodeRemoteUnavailable},
		{fmt.Errorf("wrap: %w", model.ErrRemoteOperationFailed), http.StatusBadGateway, model.ErrCodeRemoteOperationFailed},
		{model.ErrForbidden, http.StatusForbidden, model.ErrCodeForbidden},
		{model.NewConversationNotFoundError("x"), http.StatusNotFound, model.ErrCodeConversationNotFound},
		{model.NewInvalidStatusError("BAD"), http.StatusBadRequest, model.ErrCodeInvalidStatus},
		{model.NewMessageTooLongError(4000), http.StatusBadRequest, model.ErrCodeMessageTooLong},
		{fmt.Errorf("boom"), http.StatusInternalServerError, model.ErrCodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.wantCode, func(t *testing.T) {
			w := httptest.NewRecorder()
			handleServiceError(w, tt.err)

			if w.Result().StatusCode != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Result().StatusCode, tt.wantStatus)
			}
			if code := errorCodeOf(t, w); code != tt.wantCode {
				t.Errorf("code = %q, want %q", code, tt.wantCode)
			}
		})
	}
}
