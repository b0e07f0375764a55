package auth

import (
	"regexp"
	"strings"
)

// SignInMode はIdPへのサインイン方式。
type SignInMode string

const (
	// SignInPopup は別ウィンドウでIdPの画面を開き、元の画面を維持する。
	SignInPopup SignInMode = "popup"
	// SignInRedirect は画面全体をIdPへ遷移させ、コールバック後に元のページへ戻る。
	SignInRedirect SignInMode = "redirect"
)

// RedirectMaxViewportWidth はリダイレクト方式を選ぶビューポート幅の上限（px）。
const RedirectMaxViewportWidth = 980

var mobileUserAgent = regexp.MustCompile(`(?i)Android|iPhone|iPad|iPod`)

// PreferRedirect はモバイル端末または狭い画面でリダイレクト方式を選ぶべきかを返す。
// viewportWidthが0以下の場合は幅を判定に使わない。
func PreferRedirect(userAgent string, viewportWidth int) bool {
	if mobileUserAgent.MatchString(userAgent) {
		return true
	}
	return viewportWidth > 0 && viewportWidth <= RedirectMaxViewportWidth
}

// ParseSignInMode は明示指定されたモードを解釈する。
// 指定がない場合はPreferRedirectで決定する。
func ParseSignInMode(requested, userAgent string, viewportWidth int) SignInMode {
	switch SignInMode(strings.ToLower(requested)) {
	case SignInPopup:
		return SignInPopup
	case SignInRedirect:
		return SignInRedirect
	}
	if PreferRedirect(userAgent, viewportWidth) {
		return SignInRedirect
	}
	return SignInPopup
}
