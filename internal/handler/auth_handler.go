// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"html/template"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/hitoshi/portaldesk/internal/auth"
	"github.com/hitoshi/portaldesk/internal/middleware"
	"github.com/hitoshi/portaldesk/internal/model"
)

const (
	oauthStateCookie = "oauth_state"
	oauthFlowCookie  = "oauth_flow"
	oauthCookieAge   = 600
)

// AuthServiceInterface は認証ハンドラーが必要とするサービスインターフェース。
type AuthServiceInterface interface {
	GetLoginURL(state string, mode auth.SignInMode) string
	HandleCallback(ctx context.Context, code string) (*model.Session, error)
	Logout(ctx context.Context, sessionID string) error
	CurrentSession(ctx context.Context, sessionID string) (*model.Session, error)
}

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	BaseURL       string
	CookieDomain  string
	CookieSecure  bool
	SessionMaxAge int // セッションCookieの有効期間（秒）
}

// AuthHandler はOAuth認証関連のHTTPハンドラー。
type AuthHandler struct {
	service AuthServiceInterface
	admins  middleware.AdminChecker
	config  AuthHandlerConfig
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(service AuthServiceInterface, admins middleware.AdminChecker, config AuthHandlerConfig) *AuthHandler {
	return &AuthHandler{
		service: service,
		admins:  admins,
		config:  config,
	}
}

// meResponse は/auth/meのレスポンス。
type meResponse struct {
	UID         string `json:"uid"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
	PhotoURL    string `json:"photoUrl,omitempty"`
	Label       string `json:"label"`
	IsAdmin     bool   `json:"isAdmin"`
}

// popupPage はポップアップでのサインイン完了をopenerに通知するページ。
var popupPage = template.Must(template.New("popup").Parse(`<!doctype html>
<html><head><meta charset="utf-8"><title>Sign-in</title></head>
<body><script>
(function () {
  var msg = {type: "portaldesk:signin", ok: {{.OK}}};
  if (window.opener) {
    window.opener.postMessage(msg, {{.Origin}});
    window.close();
  } else {
    window.location.replace({{.Fallback}});
  }
})();
</script></body></html>
`))

// Login はGoogle OAuthフローを開始する。
// GET /auth/google/login?mode=popup|redirect&vw=<viewport width>&return=<path>
// modeが未指定の場合はUser-Agentとビューポート幅から選択する。
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	state, err := generateState()
	if err != nil {
		slog.Error("failed to generate oauth state", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}

	q := r.URL.Query()
	width, _ := strconv.Atoi(q.Get("vw"))
	mode := auth.ParseSignInMode(q.Get("mode"), r.UserAgent(), width)

	flow := url.Values{}
	flow.Set("mode", string(mode))
	flow.Set("return", safeReturnPath(q.Get("return")))

	h.setShortCookie(w, oauthStateCookie, state, oauthCookieAge)
	h.setShortCookie(w, oauthFlowCookie, flow.Encode(), oauthCookieAge)

	http.Redirect(w, r, h.service.GetLoginURL(state, mode), http.StatusTemporaryRedirect)
}

// Callback はOAuthコールバックを処理する。
// GET /auth/google/callback?code=xxx&state=yyy
// ポップアップの場合はopenerへ通知するページを返し、リダイレクトの場合は元のパスへ戻す。
func (h *AuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	mode, returnPath := h.readFlow(r)
	h.setShortCookie(w, oauthStateCookie, "", -1)
	h.setShortCookie(w, oauthFlowCookie, "", -1)

	state := r.URL.Query().Get("state")
	stateCookie, err := r.Cookie(oauthStateCookie)
	if err != nil || state == "" || stateCookie.Value != state {
		slog.Warn("oauth state mismatch", slog.String("query_state", state))
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("stateが一致しません"))
		return
	}

	code := r.URL.Query().Get("code")
	if code == "" {
		slog.Warn("oauth callback without code", slog.String("error", r.URL.Query().Get("error")))
		h.finishSignIn(w, r, mode, returnPath, false)
		return
	}

	session, err := h.service.HandleCallback(r.Context(), code)
	if err != nil {
		slog.Error("oauth callback failed", slog.String("error", err.Error()))
		h.finishSignIn(w, r, mode, returnPath, false)
		return
	}

	// セッションCookieを設定（HTTP Only）
	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookieName,
		Value:    session.ID,
		Path:     "/",
		Domain:   h.config.CookieDomain,
		MaxAge:   h.config.SessionMaxAge,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})

	slog.Info("user signed in",
		slog.String("uid", session.Identity.UID),
		slog.String("mode", string(mode)),
	)
	h.finishSignIn(w, r, mode, returnPath, true)
}

// Logout はセッションを破棄する。
// POST /auth/logout
// 同じセッションで開いているビューにはセッション削除の通知でサインアウトが伝わる。
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if sessionID := middleware.SessionIDFromRequest(r); sessionID != "" {
		if err := h.service.Logout(r.Context(), sessionID); err != nil {
			// ログアウト失敗してもCookieはクリアする
			slog.Error("failed to logout", slog.String("error", err.Error()))
		}
	}

	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookieName,
		Value:    "",
		Path:     "/",
		Domain:   h.config.CookieDomain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})

	w.WriteHeader(http.StatusNoContent)
}

// Me は現在のログインユーザー情報を返す。
// GET /auth/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	session, err := h.service.CurrentSession(r.Context(), middleware.SessionIDFromRequest(r))
	if err != nil {
		slog.Error("failed to get current session", slog.String("error", err.Error()))
		middleware.WriteUnauthorized(w)
		return
	}
	if session == nil {
		middleware.WriteUnauthorized(w)
		return
	}

	id := session.Identity
	writeJSON(w, http.StatusOK, meResponse{
		UID:         id.UID,
		Email:       id.Email,
		DisplayName: id.DisplayName,
		PhotoURL:    id.PhotoURL,
		Label:       id.Label(),
		IsAdmin:     h.admins != nil && h.admins.IsAdmin(id.Email),
	})
}

func (h *AuthHandler) finishSignIn(w http.ResponseWriter, r *http.Request, mode auth.SignInMode, returnPath string, ok bool) {
	target := strings.TrimRight(h.config.BaseURL, "/") + returnPath
	if !ok {
		target = withQuery(target, "signin", "failed")
	}

	if mode != auth.SignInPopup {
		http.Redirect(w, r, target, http.StatusTemporaryRedirect)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	err := popupPage.Execute(w, struct {
		OK       bool
		Origin   string
		Fallback string
	}{OK: ok, Origin: originOf(h.config.BaseURL), Fallback: target})
	if err != nil {
		slog.Error("failed to render popup page", slog.String("error", err.Error()))
	}
}

func (h *AuthHandler) readFlow(r *http.Request) (auth.SignInMode, string) {
	cookie, err := r.Cookie(oauthFlowCookie)
	if err != nil {
		return auth.SignInRedirect, "/"
	}
	values, err := url.ParseQuery(cookie.Value)
	if err != nil {
		return auth.SignInRedirect, "/"
	}
	mode := auth.SignInRedirect
	if values.Get("mode") == string(auth.SignInPopup) {
		mode = auth.SignInPopup
	}
	return mode, safeReturnPath(values.Get("return"))
}

func (h *AuthHandler) setShortCookie(w http.ResponseWriter, name, value string, maxAge int) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

// safeReturnPath はオープンリダイレクトを防ぐため、同一オリジンの絶対パスのみを許可する。
func safeReturnPath(p string) string {
	if p == "" || !strings.HasPrefix(p, "/") || strings.HasPrefix(p, "//") || strings.HasPrefix(p, "/\\") {
		return "/"
	}
	return p
}

// originOf はURLのスキーム・ホスト部分を返す。
func originOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "/"
	}
	return u.Scheme + "://" + u.Host
}

func withQuery(target, key, value string) string {
	sep := "?"
	if strings.Contains(target, "?") {
		sep = "&"
	}
	return target + sep + url.QueryEscape(key) + "=" + url.QueryEscape(value)
}

// generateState はCSRF対策用のランダムなstate値を生成する。
func generateState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
