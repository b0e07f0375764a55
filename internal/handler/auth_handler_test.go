package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/portaldesk/internal/auth"
	"github.com/hitoshi/portaldesk/internal/middleware"
	"github.com/hitoshi/portaldesk/internal/model"
)

// --- モック定義 ---

type mockAuthService struct {
	getLoginURLFn    func(state string, mode auth.SignInMode) string
	handleCallbackFn func(ctx context.Context, code string) (*model.Session, error)
	logoutFn         func(ctx context.Context, sessionID string) error
	currentSessionFn func(ctx context.Context, sessionID string) (*model.Session, error)
}

func (m *mockAuthService) GetLoginURL(state string, mode auth.SignInMode) string {
	if m.getLoginURLFn != nil {
		return m.getLoginURLFn(state, mode)
	}
	return "https://accounts.google.com/o/oauth2/auth?state=" + state + "&mode=" + string(mode)
}

func (m *mockAuthService) HandleCallback(ctx context.Context, code string) (*model.Session, error) {
	if m.handleCallbackFn != nil {
		return m.handleCallbackFn(ctx, code)
	}
	return nil, errors.New("not implemented")
}

func (m *mockAuthService) Logout(ctx context.Context, sessionID string) error {
	if m.logoutFn != nil {
		return m.logoutFn(ctx, sessionID)
	}
	return nil
}

func (m *mockAuthService) CurrentSession(ctx context.Context, sessionID string) (*model.Session, error) {
	if m.currentSessionFn != nil {
		return m.currentSessionFn(ctx, sessionID)
	}
	return nil, nil
}

type mockAdminPolicy struct {
	admins map[string]bool
}

func (m *mockAdminPolicy) IsAdmin(email string) bool { return m.admins[strings.ToLower(email)] }

// --- ヘルパー ---

var testAuthConfig = AuthHandlerConfig{
	BaseURL:       "https://portal.example.com",
	SessionMaxAge: 3600,
}

func cookieByName(resp *http.Response, name string) *http.Cookie {
	for _, c := range resp.Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// callbackRequest は有効なstateとフローCookieを持つコールバックリクエストを作る。
func callbackRequest(code string, mode auth.SignInMode, returnPath string) *http.Request {
	target := "/auth/google/callback?state=st-1"
	if code != "" {
		target += "&code=" + code
	}
	req := httptest.NewRequest(http.MethodGet, target, nil)
	req.AddCookie(&http.Cookie{Name: oauthStateCookie, Value: "st-1"})
	flow := url.Values{"mode": {string(mode)}, "return": {returnPath}}
	req.AddCookie(&http.Cookie{Name: oauthFlowCookie, Value: flow.Encode()})
	return req
}

// --- テスト ---

func TestAuthHandler_Login_ChoosesMode(t *testing.T) {
	tests := []struct {
		name      string
		query     string
		userAgent string
		wantMode  auth.SignInMode
	}{
		{"desktop defaults to popup", "?vw=1440", "Mozilla/5.0 (Windows NT 10.0)", auth.SignInPopup},
		{"narrow viewport redirects", "?vw=600", "Mozilla/5.0 (Windows NT 10.0)", auth.SignInRedirect},
		{"mobile UA redirects", "", "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0)", auth.SignInRedirect},
		{"explicit mode wins", "?mode=redirect&vw=1440", "Mozilla/5.0 (Windows NT 10.0)", auth.SignInRedirect},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotMode auth.SignInMode
			var gotState string
			svc := &mockAuthService{
				getLoginURLFn: func(state string, mode auth.SignInMode) string {
					gotState, gotMode = state, mode
					return "https://accounts.google.com/o/oauth2/auth?state=" + state
				},
			}
			h := NewAuthHandler(svc, nil, testAuthConfig)

			req := httptest.NewRequest(http.MethodGet, "/auth/google/login"+tt.query, nil)
			req.Header.Set("User-Agent", tt.userAgent)
			w := httptest.NewRecorder()
			h.Login(w, req)

			resp := w.Result()
			if resp.StatusCode != http.StatusTemporaryRedirect {
				t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusTemporaryRedirect)
			}
			if gotMode != tt.wantMode {
				t.Errorf("mode = %q, want %q", gotMode, tt.wantMode)
			}
			stateCookie := cookieByName(resp, oauthStateCookie)
			if stateCookie == nil || stateCookie.Value != gotState || !stateCookie.HttpOnly {
				t.Errorf("state cookie = %+v, want HttpOnly with %q", stateCookie, gotState)
			}
			if flow := cookieByName(resp, oauthFlowCookie); flow == nil || !strings.Contains(flow.Value, "mode="+string(tt.wantMode)) {
				t.Errorf("flow cookie = %+v", flow)
			}
		})
	}
}

func TestAuthHandler_Callback_StateMismatch(t *testing.T) {
	h := NewAuthHandler(&mockAuthService{}, nil, testAuthConfig)

	req := httptest.NewRequest(http.MethodGet, "/auth/google/callback?state=other&code=c", nil)
	req.AddCookie(&http.Cookie{Name: oauthStateCookie, Value: "st-1"})
	w := httptest.NewRecorder()
	h.Callback(w, req)

	if w.Result().StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusBadRequest)
	}
	if cookieByName(w.Result(), middleware.SessionCookieName) != nil {
		t.Error("session cookie must not be set")
	}
}

func TestAuthHandler_Callback_RedirectMode(t *testing.T) {
	svc := &mockAuthService{
		handleCallbackFn: func(ctx context.Context, code string) (*model.Session, error) {
			if code != "good" {
				t.Errorf("code = %q, want good", code)
			}
			return &model.Session{ID: "sess-1", Identity: model.Identity{UID: "u1"}, ExpiresAt: time.Now().Add(time.Hour)}, nil
		},
	}
	h := NewAuthHandler(svc, nil, testAuthConfig)

	w := httptest.NewRecorder()
	h.Callback(w, callbackRequest("good", auth.SignInRedirect, "/portal"))

	resp := w.Result()
	if resp.StatusCode != http.StatusTemporaryRedirect {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusTemporaryRedirect)
	}
	if loc := resp.Header.Get("Location"); loc != "https://portal.example.com/portal" {
		t.Errorf("Location = %q", loc)
	}
	session := cookieByName(resp, middleware.SessionCookieName)
	if session == nil || session.Value != "sess-1" || !session.HttpOnly || session.MaxAge != 3600 {
		t.Errorf("session cookie = %+v", session)
	}
	if state := cookieByName(resp, oauthStateCookie); state == nil || state.MaxAge >= 0 {
		t.Errorf("state cookie should be cleared, got %+v", state)
	}
}

func TestAuthHandler_Callback_PopupMode(t *testing.T) {
	svc := &mockAuthService{
		handleCallbackFn: func(ctx context.Context, code string) (*model.Session, error) {
			return &model.Session{ID: "sess-2", Identity: model.Identity{UID: "u2"}}, nil
		},
	}
	h := NewAuthHandler(svc, nil, testAuthConfig)

	w := httptest.NewRecorder()
	h.Callback(w, callbackRequest("good", auth.SignInPopup, "/admin"))

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("Content-Type = %q", ct)
	}
	body := w.Body.String()
	for _, want := range []string{"postMessage", "portal.example.com", "portaldesk:signin", "true"} {
		if !strings.Contains(body, want) {
			t.Errorf("popup page missing %q:\n%s", want, body)
		}
	}
	if cookieByName(resp, middleware.SessionCookieName) == nil {
		t.Error("session cookie should be set")
	}
}

func TestAuthHandler_Callback_Failure(t *testing.T) {
	svc := &mockAuthService{
		handleCallbackFn: func(ctx context.Context, code string) (*model.Session, error) {
			return nil, errors.New("exchange failed")
		},
	}
	h := NewAuthHandler(svc, nil, testAuthConfig)

	t.Run("redirect", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.Callback(w, callbackRequest("bad", auth.SignInRedirect, "/"))
		if loc := w.Result().Header.Get("Location"); loc != "https://portal.example.com/?signin=failed" {
			t.Errorf("Location = %q", loc)
		}
	})

	t.Run("popup without code", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.Callback(w, callbackRequest("", auth.SignInPopup, "/"))
		if !strings.Contains(w.Body.String(), "false") {
			t.Errorf("popup page should report failure:\n%s", w.Body.String())
		}
		if cookieByName(w.Result(), middleware.SessionCookieName) != nil {
			t.Error("session cookie must not be set")
		}
	})
}

func TestAuthHandler_Logout(t *testing.T) {
	var loggedOut string
	svc := &mockAuthService{
		logoutFn: func(ctx context.Context, sessionID string) error {
			loggedOut = sessionID
			return errors.New("already gone")
		},
	}
	h := NewAuthHandler(svc, nil, testAuthConfig)

	req := httptest.NewRequest(http.MethodPost, "/auth/logout", nil)
	req.AddCookie(&http.Cookie{Name: middleware.SessionCookieName, Value: "sess-1"})
	w := httptest.NewRecorder()
	h.Logout(w, req)

	if w.Result().StatusCode != http.StatusNoContent {
		t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusNoContent)
	}
	if loggedOut != "sess-1" {
		t.Errorf("logged out session = %q, want sess-1", loggedOut)
	}
	if c := cookieByName(w.Result(), middleware.SessionCookieName); c == nil || c.MaxAge >= 0 {
		t.Errorf("session cookie should be cleared even on error, got %+v", c)
	}
}

func TestAuthHandler_Me(t *testing.T) {
	svc := &mockAuthService{
		currentSessionFn: func(ctx context.Context, sessionID string) (*model.Session, error) {
			if sessionID != "sess-1" {
				return nil, nil
			}
			return &model.Session{ID: "sess-1", Identity: model.Identity{UID: "u1", Email: "Boss@Example.com"}}, nil
		},
	}
	h := NewAuthHandler(svc, &mockAdminPolicy{admins: map[string]bool{"boss@example.com": true}}, testAuthConfig)

	t.Run("signed in", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
		req.AddCookie(&http.Cookie{Name: middleware.SessionCookieName, Value: "sess-1"})
		w := httptest.NewRecorder()
		h.Me(w, req)

		var body meResponse
		if err := json.NewDecoder(w.Result().Body).Decode(&body); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if body.UID != "u1" || !body.IsAdmin || body.Label != "Boss@Example.com" {
			t.Errorf("body = %+v", body)
		}
	})

	t.Run("signed out", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.Me(w, httptest.NewRequest(http.MethodGet, "/auth/me", nil))
		if w.Result().StatusCode != http.StatusUnauthorized {
			t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusUnauthorized)
		}
	})
}

func TestSafeReturnPath(t *testing.T) {
	tests := map[string]string{
		"":                         "/",
		"/portal":                  "/portal",
		"/admin?tab=2":             "/admin?tab=2",
		"//evil.example.com":       "/",
		"/\\evil.example.com":      "/",
		"https://evil.example.com": "/",
		"portal":                   "/",
	}
	for in, want := range tests {
		if got := safeReturnPath(in); got != want {
			t.Errorf("safeReturnPath(%q) = %q, want %q", in, got, want)
		}
	}
}
