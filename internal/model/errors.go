// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// リモートデータ層の失敗分類。
// 呼び出し側はerrors.Isで判定し、UIを落とさずに個別に処理すること。
var (
	// ErrRemoteUnavailable はストアが設定されていないことを示す。恒久的でリトライしない。
	ErrRemoteUnavailable = errors.New("remote store is not configured")
	// ErrRemoteOperationFailed は1回のI/O操作が失敗したことを示す。ユーザーの再操作で再試行する。
	ErrRemoteOperationFailed = errors.New("remote operation failed")
	// ErrForbidden は認証済みユーザーが管理者許可リストに含まれないことを示す。
	ErrForbidden = errors.New("forbidden")
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, chat, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeRemoteUnavailable     = "REMOTE_UNAVAILABLE"
	ErrCodeRemoteOperationFailed = "REMOTE_OPERATION_FAILED"
	ErrCodeForbidden             = "FORBIDDEN"
	ErrCodeEmptyMessage          = "EMPTY_MESSAGE"
	ErrCodeMessageTooLong        = "MESSAGE_TOO_LONG"
	ErrCodeMarkupNotAllowed      = "MARKUP_NOT_ALLOWED"
	ErrCodeInvalidAttachment     = "INVALID_ATTACHMENT"
	ErrCodeInvalidPlan           = "INVALID_PLAN"
	ErrCodeInvalidStatus         = "INVALID_STATUS"
	ErrCodeConversationNotFound  = "CONVERSATION_NOT_FOUND"
	ErrCodeNoSelection           = "NO_SELECTION"
	ErrCodeUnauthorized          = "UNAUTHORIZED"
	ErrCodeInvalidRequest        = "INVALID_REQUEST"
	ErrCodeRateLimited           = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternal              = "INTERNAL_ERROR"
	ErrCodeCSRF                  = "CSRF_TOKEN_INVALID"
)

// NewRemoteUnavailableError はストア未設定エラーを生成する。
func NewRemoteUnavailableError() *APIError {
	return &APIError{
		Code:     ErrCodeRemoteUnavailable,
		Message:  "データストアが設定されていません。",
		Category: "system",
		Action:   "管理者に設定の確認を依頼してください。",
	}
}

// NewRemoteOperationFailedError はリモート操作失敗エラーを生成する。
func NewRemoteOperationFailedError() *APIError {
	return &APIError{
		Code:     ErrCodeRemoteOperationFailed,
		Message:  "操作を完了できませんでした。",
		Category: "system",
		Action:   "しばらく待ってからもう一度操作してください。",
	}
}

// NewForbiddenError は管理者権限がない場合のエラーを生成する。
func NewForbiddenError() *APIError {
	return &APIError{
		Code:     ErrCodeForbidden,
		Message:  "このアカウントには管理コンソールへのアクセス権がありません。",
		Category: "auth",
		Action:   "管理者として登録されたアカウントでログインしてください。",
	}
}

// NewEmptyMessageError は本文も添付もないメッセージのエラーを生成する。
func NewEmptyMessageError() *APIError {
	return &APIError{
		Code:     ErrCodeEmptyMessage,
		Message:  "メッセージが空です。",
		Category: "validation",
		Action:   "本文を入力するかファイルを添付してください。",
	}
}

// NewMessageTooLongError は本文が上限を超えた場合のエラーを生成する。
func NewMessageTooLongError(limit int) *APIError {
	return &APIError{
		Code:     ErrCodeMessageTooLong,
		Message:  fmt.Sprintf("メッセージは%d文字以内で入力してください。", limit),
		Category: "validation",
		Action:   "本文を短くしてから送信してください。",
	}
}

// NewMarkupNotAllowedError は本文にHTMLタグが含まれる場合のエラーを生成する。
func NewMarkupNotAllowedError() *APIError {
	return &APIError{
		Code:     ErrCodeMarkupNotAllowed,
		Message:  "メッセージにHTMLタグは使用できません。",
		Category: "validation",
		Action:   "タグ（<...>）を取り除いてから送信してください。",
	}
}

// NewInvalidAttachmentError は添付URLが無効な場合のエラーを生成する。
func NewInvalidAttachmentError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidAttachment,
		Message:  fmt.Sprintf("添付ファイルのURLが無効です: %s", reason),
		Category: "validation",
		Action:   "公開されているhttpsのURLを指定してください。",
	}
}

// NewInvalidPlanError は未知のプランキーのエラーを生成する。
func NewInvalidPlanError(planKey string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidPlan,
		Message:  fmt.Sprintf("無効なプランです: %s", planKey),
		Category: "validation",
		Action:   "提供中のプランから選択してください。",
	}
}

// NewInvalidStatusError は契約ステータスが無効な場合のエラーを生成する。
func NewInvalidStatusError(status string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidStatus,
		Message:  fmt.Sprintf("無効な契約ステータスです: %s", status),
		Category: "validation",
		Action:   "英小文字とアンダースコアのみで指定してください（例: active, past_due）。",
	}
}

// NewConversationNotFoundError は会話が存在しない場合のエラーを生成する。
func NewConversationNotFoundError(conversationID string) *APIError {
	return &APIError{
		Code:     ErrCodeConversationNotFound,
		Message:  fmt.Sprintf("指定された会話が見つかりません: %s", conversationID),
		Category: "chat",
		Action:   "一覧から顧客を選択し直してください。",
	}
}

// NewNoSelectionError は会話が選択されていない場合のエラーを生成する。
func NewNoSelectionError() *APIError {
	return &APIError{
		Code:     ErrCodeNoSelection,
		Message:  "会話が選択されていません。",
		Category: "chat",
		Action:   "一覧から顧客を選択してください。",
	}
}

// NewUnauthorizedError はサインインしていない場合のエラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "サインインが必要です。",
		Category: "auth",
		Action:   "Googleアカウントでサインインしてください。",
	}
}

// NewInvalidRequestError はリクエストの形式が不正な場合のエラーを生成する。
func NewInvalidRequestError(detail string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  fmt.Sprintf("リクエストが不正です: %s", detail),
		Category: "validation",
		Action:   "入力内容を確認してください。",
	}
}

// NewRateLimitedError は送信頻度の上限を超えた場合のエラーを生成する。
func NewRateLimitedError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimited,
		Message:  "リクエストが多すぎます。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewInternalError は内部エラーを生成する。詳細はログのみに記録する。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewCSRFError はCSRFトークンの検証に失敗した場合のエラーを生成する。
func NewCSRFError() *APIError {
	return &APIError{
		Code:     ErrCodeCSRF,
		Message:  "CSRFトークンの検証に失敗しました。",
		Category: "auth",
		Action:   "ページを再読み込みしてから再度お試しください。",
	}
}

// Classify はエラーをUIに返すAPIErrorに分類する。
// 既知の分類に当てはまらない場合はnilを返す。
func Classify(err error) *APIError {
	var apiErr *APIError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &apiErr):
		return apiErr
	case errors.Is(err, ErrRemoteUnavailable):
		return NewRemoteUnavailableError()
	case errors.Is(err, ErrRemoteOperationFailed):
		return NewRemoteOperationFailedError()
	case errors.Is(err, ErrForbidden):
		return NewForbiddenError()
	}
	return nil
}
