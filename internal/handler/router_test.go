package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/hitoshi/portaldesk/internal/auth"
	"github.com/hitoshi/portaldesk/internal/gateway"
	"github.com/hitoshi/portaldesk/internal/livequery"
	"github.com/hitoshi/portaldesk/internal/middleware"
	"github.com/hitoshi/portaldesk/internal/model"
	"github.com/hitoshi/portaldesk/internal/policy"
	"github.com/hitoshi/portaldesk/internal/realtime"
	"github.com/hitoshi/portaldesk/internal/repository"
	"github.com/hitoshi/portaldesk/internal/security"
	"github.com/hitoshi/portaldesk/internal/subscription"
)

// fakeOAuth は認可コードをそのままユーザーに対応付けるOAuthプロバイダー。
type fakeOAuth struct {
	users map[string]model.Identity
}

func (f *fakeOAuth) GetLoginURL(state string, mode auth.SignInMode) string {
	return "https://accounts.example.com/auth?state=" + state + "&display=" + string(mode)
}

func (f *fakeOAuth) ExchangeCode(ctx context.Context, code string) (*model.Identity, error) {
	id, ok := f.users[code]
	if !ok {
		return nil, errors.New("invalid code")
	}
	return &id, nil
}

type routerEnv struct {
	store  *repository.MemoryStore
	server *httptest.Server
	client *http.Client
}

func newRouterEnv(t *testing.T) *routerEnv {
	t.Helper()
	hub := livequery.NewHub()
	store := repository.NewMemoryStore(hub)
	gw := gateway.New(store, hub, security.NewMessageSanitizer(), nil, nil, nil)
	pol := policy.NewStore(policy.New([]string{"boss@example.com"}, []policy.Plan{{Key: "MENSUAL_2"}, {Key: "ANUAL"}}))
	subs := subscription.NewService(gw, pol)
	limiter := middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig())

	oauth := &fakeOAuth{users: map[string]model.Identity{
		"code-ana":  {UID: "client-1", Email: "ana@example.com", DisplayName: "Ana"},
		"code-boss": {UID: "admin-1", Email: "Boss@Example.com", DisplayName: "Boss"},
	}}
	authSvc := auth.NewService(oauth, store.Sessions(), auth.ServiceConfig{SessionMaxAge: 3600})

	views := realtime.NewServer(realtime.ServerConfig{
		Gateway:       gw,
		Sessions:      store.Sessions(),
		Feed:          hub,
		Policy:        pol,
		Subscriptions: subs,
		Limiter:       limiter,
	})

	router := NewRouter(&RouterDeps{
		SessionFinder:       store.Sessions(),
		AdminPolicy:         pol,
		RateLimiter:         limiter,
		StoreConfigured:     true,
		AuthService:         authSvc,
		AuthConfig:          AuthHandlerConfig{SessionMaxAge: 3600},
		PortalSubscriptions: subs,
		AdminSubscriptions:  subs,
		Messages:            gw,
		Views:               views,
	})
	hs := httptest.NewServer(router)

	jar, _ := cookiejar.New(nil)
	client := &http.Client{
		Jar: jar,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	t.Cleanup(func() {
		views.Shutdown()
		hs.Close()
		gw.Close()
		limiter.Stop()
	})
	return &routerEnv{store: store, server: hs, client: client}
}

// signIn はログインからコールバックまでのリダイレクトフローを実行する。
func (e *routerEnv) signIn(t *testing.T, code string) {
	t.Helper()
	resp, err := e.client.Get(e.server.URL + "/auth/google/login?mode=redirect&return=/portal")
	if err != nil {
		t.Fatalf("login request failed: %v", err)
	}
	resp.Body.Close()
	loc, err := url.Parse(resp.Header.Get("Location"))
	if err != nil {
		t.Fatalf("invalid login redirect: %v", err)
	}
	if loc.Query().Get("display") != "redirect" {
		t.Errorf("login mode = %q, want redirect", loc.Query().Get("display"))
	}

	state := loc.Query().Get("state")
	resp, err = e.client.Get(e.server.URL + "/auth/google/callback?state=" + state + "&code=" + code)
	if err != nil {
		t.Fatalf("callback request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusTemporaryRedirect || resp.Header.Get("Location") != "/portal" {
		t.Fatalf("callback = %d %q", resp.StatusCode, resp.Header.Get("Location"))
	}
}

// csrfToken はCSRFトークンを取得する。Cookieはjarに保存される。
func (e *routerEnv) csrfToken(t *testing.T) string {
	t.Helper()
	resp, err := e.client.Get(e.server.URL + "/api/csrf-token")
	if err != nil {
		t.Fatalf("csrf request failed: %v", err)
	}
	defer resp.Body.Close()
	var body map[string]string
	json.NewDecoder(resp.Body).Decode(&body)
	return body["token"]
}

func (e *routerEnv) do(t *testing.T, method, path string, body any, token string) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req, _ := http.NewRequest(method, e.server.URL+path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("X-CSRF-Token", token)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestRouter_Health(t *testing.T) {
	env := newRouterEnv(t)

	resp := env.do(t, http.MethodGet, "/health", nil, "")
	var body healthResponse
	json.NewDecoder(resp.Body).Decode(&body)
	if resp.StatusCode != http.StatusOK || body.Store != "configured" {
		t.Errorf("health = %d %+v", resp.StatusCode, body)
	}
	if resp.Header.Get("Cross-Origin-Opener-Policy") != "same-origin-allow-popups" {
		t.Error("security headers should be applied")
	}
}

func TestRouter_ProtectedRoutes_RequireSession(t *testing.T) {
	env := newRouterEnv(t)

	for _, path := range []string{"/api/portal/subscription", "/api/admin/clients/client-1/subscription", "/auth/me"} {
		if resp := env.do(t, http.MethodGet, path, nil, ""); resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("GET %s status = %d, want %d", path, resp.StatusCode, http.StatusUnauthorized)
		}
	}
}

func TestRouter_PortalFlow(t *testing.T) {
	env := newRouterEnv(t)
	env.signIn(t, "code-ana")
	token := env.csrfToken(t)

	resp := env.do(t, http.MethodGet, "/api/portal/subscription", nil, "")
	var summary portalSubscriptionResponse
	json.NewDecoder(resp.Body).Decode(&summary)
	if summary.Subscription != nil || summary.Summary != "Sin plan activo" || len(summary.Plans) != 2 {
		t.Errorf("summary = %+v", summary)
	}

	// CSRFトークンなしの送信は拒否される
	if resp := env.do(t, http.MethodPost, "/api/portal/messages", map[string]string{"text": "hola"}, ""); resp.StatusCode != http.StatusForbidden {
		t.Errorf("status without csrf = %d, want %d", resp.StatusCode, http.StatusForbidden)
	}

	resp = env.do(t, http.MethodPost, "/api/portal/messages", map[string]string{"text": " hola "}, token)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("send status = %d, want %d", resp.StatusCode, http.StatusCreated)
	}
	var msg messageResponse
	json.NewDecoder(resp.Body).Decode(&msg)
	if msg.ConversationID != "client-1" || msg.Text != "hola" || msg.Side != model.SideClient {
		t.Errorf("message = %+v", msg)
	}

	if resp := env.do(t, http.MethodPost, "/api/portal/messages", map[string]string{"text": "usa <nombre> aca"}, token); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("markup send status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}

	if resp := env.do(t, http.MethodPost, "/api/portal/plan-requests", map[string]string{"planKey": "ANUAL"}, token); resp.StatusCode != http.StatusAccepted {
		t.Errorf("plan request status = %d, want %d", resp.StatusCode, http.StatusAccepted)
	}
	if got := env.store.PlanRequestsFor("client-1"); len(got) != 1 || got[0].PlanKey != "ANUAL" {
		t.Errorf("plan requests = %+v", got)
	}

	// 顧客は管理APIにアクセスできない
	if resp := env.do(t, http.MethodGet, "/api/admin/clients/client-1/subscription", nil, ""); resp.StatusCode != http.StatusForbidden {
		t.Errorf("admin access status = %d, want %d", resp.StatusCode, http.StatusForbidden)
	}

	// ログアウト後は401
	if resp := env.do(t, http.MethodPost, "/auth/logout", nil, token); resp.StatusCode != http.StatusNoContent {
		t.Errorf("logout status = %d, want %d", resp.StatusCode, http.StatusNoContent)
	}
	if resp := env.do(t, http.MethodGet, "/api/portal/subscription", nil, ""); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status after logout = %d, want %d", resp.StatusCode, http.StatusUnauthorized)
	}
}

func TestRouter_AdminFlow(t *testing.T) {
	env := newRouterEnv(t)
	ctx := context.Background()
	env.store.Conversations().CreateIfAbsent(ctx, &model.Conversation{ID: "client-1", ClientUID: "client-1"})

	env.signIn(t, "code-boss")
	token := env.csrfToken(t)

	resp := env.do(t, http.MethodGet, "/api/admin/clients/client-1/subscription", nil, "")
	var form adminSubscriptionResponse
	json.NewDecoder(resp.Body).Decode(&form)
	if form.Exists || form.PlanKey != "MENSUAL_2" || form.Status != "past_due" {
		t.Errorf("initial form = %+v", form)
	}

	resp = env.do(t, http.MethodPut, "/api/admin/clients/client-1/subscription", map[string]string{"planKey": "ANUAL", "status": "active"}, token)
	json.NewDecoder(resp.Body).Decode(&form)
	if resp.StatusCode != http.StatusOK || !form.Exists || form.Summary != "Plan: ANUAL · Estado: active" {
		t.Errorf("updated form = %d %+v", resp.StatusCode, form)
	}

	if resp := env.do(t, http.MethodPut, "/api/admin/clients/client-1/subscription", map[string]string{"planKey": "GOLD"}, token); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("invalid plan status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}

	if resp := env.do(t, http.MethodPost, "/api/admin/clients/client-1/messages", map[string]string{"text": "Hola Ana"}, token); resp.StatusCode != http.StatusCreated {
		t.Errorf("admin send status = %d, want %d", resp.StatusCode, http.StatusCreated)
	}
	msgs, _ := env.store.Messages().ListLatest(ctx, "client-1", 10)
	if len(msgs) != 1 || msgs[0].Side != model.SideAdmin {
		t.Errorf("messages = %+v", msgs)
	}

	resp = env.do(t, http.MethodGet, "/auth/me", nil, "")
	var me meResponse
	json.NewDecoder(resp.Body).Decode(&me)
	if !me.IsAdmin {
		t.Errorf("me = %+v, want admin", me)
	}
}

func TestRouter_WebSocketThroughMiddleware(t *testing.T) {
	env := newRouterEnv(t)
	env.signIn(t, "code-ana")

	u, _ := url.Parse(env.server.URL)
	header := http.Header{}
	for _, c := range env.client.Jar.Cookies(u) {
		header.Add("Cookie", c.Name+"="+c.Value)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	wsURL := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/ws/portal"
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.CloseNow()

	for {
		var ev struct {
			Type    string          `json:"type"`
			Payload json.RawMessage `json:"payload"`
		}
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			t.Fatalf("read error = %v", err)
		}
		if ev.Type != realtime.EventState {
			continue
		}
		var state realtime.StatePayload
		json.Unmarshal(ev.Payload, &state)
		if state.State != realtime.StateSignedIn || state.User == nil || state.User.UID != "client-1" {
			t.Fatalf("state = %+v", state)
		}
		break
	}
	conn.Close(websocket.StatusNormalClosure, "")
}
