package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/portaldesk/internal/model"
)

// TestMiddlewareChain_ChiRouter は CSRF -> Session -> Admin -> RateLimit のチェーンが
// chi.Routerで正しく動作することを検証する。
func TestMiddlewareChain_ChiRouter(t *testing.T) {
	repo := sessionRepoWith("admin-session", model.Identity{UID: "uid-admin", Email: "boss@example.com"})
	clientRepo := sessionRepoWith("client-session", model.Identity{UID: "uid-client", Email: "ana@example.com"})
	finder := &mockSessionRepository{
		findByIDFn: func(ctx context.Context, id string) (*model.Session, error) {
			if s, _ := repo.FindByID(ctx, id); s != nil {
				return s, nil
			}
			return clientRepo.FindByID(ctx, id)
		},
	}

	rl := NewRateLimiter(DefaultRateLimiterConfig())
	defer rl.Stop()

	r := chi.NewRouter()
	r.Use(NewCSRFMiddleware(CSRFConfig{}))
	r.Get("/api/csrf-token", NewCSRFTokenHandler(CSRFConfig{}).ServeHTTP)
	r.Group(func(r chi.Router) {
		r.Use(NewSessionMiddleware(finder))
		r.Use(rl.GeneralMiddleware())
		r.Route("/api/admin", func(r chi.Router) {
			r.Use(NewAdminMiddleware(&mockAdminChecker{admins: map[string]bool{"boss@example.com": true}}))
			r.Put("/clients/{clientUID}/subscription", func(w http.ResponseWriter, r *http.Request) {
				json.NewEncoder(w).Encode(map[string]string{"client": chi.URLParam(r, "clientUID")})
			})
		})
	})

	// トークン取得
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/csrf-token", nil))
	var tok struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(w.Result().Body).Decode(&tok); err != nil || tok.Token == "" {
		t.Fatalf("failed to get csrf token: %v", err)
	}

	tests := []struct {
		name       string
		session    string
		withCSRF   bool
		wantStatus int
	}{
		{"admin with token", "admin-session", true, http.StatusOK},
		{"admin without token", "admin-session", false, http.StatusForbidden},
		{"client with token", "client-session", true, http.StatusForbidden},
		{"no session", "", true, http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPut, "/api/admin/clients/uid-client/subscription", nil)
			if tt.session != "" {
				req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: tt.session})
			}
			if tt.withCSRF {
				req.AddCookie(&http.Cookie{Name: csrfCookieName, Value: tok.Token})
				req.Header.Set(csrfHeaderName, tok.Token)
			}
			w := httptest.NewRecorder()

			r.ServeHTTP(w, req)

			if w.Result().StatusCode != tt.wantStatus {
				t.Fatalf("status = %d, want %d", w.Result().StatusCode, tt.wantStatus)
			}
			if tt.wantStatus == http.StatusOK {
				var body map[string]string
				json.NewDecoder(w.Result().Body).Decode(&body)
				if body["client"] != "uid-client" {
					t.Errorf("client = %q, want uid-client", body["client"])
				}
			}
		})
	}
}
