// Package security はアプリケーションのセキュリティ機能を提供する。
//
// MessageSanitizer はチャット本文にHTMLタグが含まれないことを検証し、
// AttachmentGuard は添付ファイルURLの安全性を検証する。
package security

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"

	"github.com/hitoshi/portaldesk/internal/model"
)

// MessageSanitizer はメッセージ本文の検証機能のインターフェースを定義する。
type MessageSanitizer interface {
	// Sanitize は前後の空白を取り除いた本文を返す。本文はそれ以外書き換えない。
	// HTMLタグを含む本文はmodel.ErrCodeMarkupNotAllowedのAPIErrorで拒否する。
	Sanitize(text string) (string, error)
}

// messageSanitizer はMessageSanitizerの実装。
// 本文はテキストとして表示されるため保存時に変換せず、
// bluemondayのStrictPolicyで除去される要素があるかどうかだけを判定に使う。
type messageSanitizer struct {
	policy *bluemonday.Policy
}

// NewMessageSanitizer はMessageSanitizerの新しいインスタンスを生成する。
func NewMessageSanitizer() *messageSanitizer {
	return &messageSanitizer{
		policy: bluemonday.StrictPolicy(),
	}
}

// Sanitize は本文を検証する。
// StrictPolicyの出力は実体参照をエスケープし直すため、両辺をアンエスケープして比較する。
func (s *messageSanitizer) Sanitize(text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", nil
	}
	if html.UnescapeString(s.policy.Sanitize(text)) != html.UnescapeString(text) {
		return "", model.NewMarkupNotAllowedError()
	}
	return text, nil
}
