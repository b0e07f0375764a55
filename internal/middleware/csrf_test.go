package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hitoshi/portaldesk/internal/model"
)

func TestCSRFMiddleware_SafeMethods_PassThroughAndIssueCookie(t *testing.T) {
	for _, method := range []string{http.MethodGet, http.MethodHead, http.MethodOptions} {
		t.Run(method, func(t *testing.T) {
			handlerCalled := false
			handler := NewCSRFMiddleware(CSRFConfig{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				handlerCalled = true
				w.WriteHeader(http.StatusOK)
			}))

			w := httptest.NewRecorder()
			handler.ServeHTTP(w, httptest.NewRequest(method, "/api/portal/subscription", nil))

			if !handlerCalled {
				t.Fatal("handler should have been called")
			}
			var csrf *http.Cookie
			for _, c := range w.Result().Cookies() {
				if c.Name == csrfCookieName {
					csrf = c
				}
			}
			if csrf == nil {
				t.Fatal("expected csrf_token cookie to be issued")
			}
			if csrf.HttpOnly {
				t.Error("csrf cookie must be readable from JavaScript")
			}
			if len(csrf.Value) != 64 {
				t.Errorf("token length = %d, want 64", len(csrf.Value))
			}
		})
	}
}

func TestCSRFMiddleware_ExistingCookie_NotReplaced(t *testing.T) {
	handler := NewCSRFMiddleware(CSRFConfig{})(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: csrfCookieName, Value: "existing"})
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	for _, c := range w.Result().Cookies() {
		if c.Name == csrfCookieName {
			t.Errorf("cookie should not be reissued, got %q", c.Value)
		}
	}
}

func TestCSRFMiddleware_StateChangingMethods(t *testing.T) {
	tests := []struct {
		name       string
		cookie     string
		header     string
		wantStatus int
	}{
		{"no cookie", "", "tok", http.StatusForbidden},
		{"no header", "tok", "", http.StatusForbidden},
		{"mismatch", "tok", "other", http.StatusForbidden},
		{"match", "tok", "tok", http.StatusOK},
	}

	methods := []string{http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete}
	for _, method := range methods {
		for _, tt := range tests {
			t.Run(method+" "+tt.name, func(t *testing.T) {
				handler := NewCSRFMiddleware(CSRFConfig{})(okHandler())

				req := httptest.NewRequest(method, "/api/portal/messages", nil)
				if tt.cookie != "" {
					req.AddCookie(&http.Cookie{Name: csrfCookieName, Value: tt.cookie})
				}
				if tt.header != "" {
					req.Header.Set(csrfHeaderName, tt.header)
				}
				w := httptest.NewRecorder()

				handler.ServeHTTP(w, req)

				if w.Result().StatusCode != tt.wantStatus {
					t.Fatalf("status = %d, want %d", w.Result().StatusCode, tt.wantStatus)
				}
				if tt.wantStatus == http.StatusForbidden {
					if code := decodeErrorCode(t, w); code != model.ErrCodeCSRF {
						t.Errorf("code = %q, want %q", code, model.ErrCodeCSRF)
					}
				}
			})
		}
	}
}

func TestCSRFTokenHandler(t *testing.T) {
	t.Run("issues new token", func(t *testing.T) {
		w := httptest.NewRecorder()
		NewCSRFTokenHandler(CSRFConfig{CookieSecure: true}).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/csrf-token", nil))

		var body struct {
			Token string `json:"token"`
		}
		if err := json.NewDecoder(w.Result().Body).Decode(&body); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if body.Token == "" {
			t.Fatal("expected non-empty token")
		}
		cookies := w.Result().Cookies()
		if len(cookies) != 1 || cookies[0].Value != body.Token {
			t.Fatalf("cookie does not match token: %+v", cookies)
		}
		if !cookies[0].Secure {
			t.Error("cookie should be Secure")
		}
	})

	t.Run("returns existing token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/csrf-token", nil)
		req.AddCookie(&http.Cookie{Name: csrfCookieName, Value: "kept"})
		w := httptest.NewRecorder()
		NewCSRFTokenHandler(CSRFConfig{}).ServeHTTP(w, req)

		var body map[string]string
		if err := json.NewDecoder(w.Result().Body).Decode(&body); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if body["token"] != "kept" {
			t.Errorf("token = %q, want %q", body["token"], "kept")
		}
	})
}
