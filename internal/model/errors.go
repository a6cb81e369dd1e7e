package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, verification, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// PublicMessage は利用者に表示してよいメッセージを返す。
func (e *APIError) PublicMessage() string {
	return e.Message
}

// 定義済みエラーコード
const (
	ErrCodeInvalidLink        = "INVALID_LINK"
	ErrCodeUnsupportedAction  = "UNSUPPORTED_ACTION"
	ErrCodeInvalidActionCode  = "INVALID_ACTION_CODE"
	ErrCodeExpiredActionCode  = "EXPIRED_ACTION_CODE"
	ErrCodeEmailTaken         = "EMAIL_TAKEN"
	ErrCodeInvalidCredentials = "INVALID_CREDENTIALS"
	ErrCodeInvalidInput       = "INVALID_INPUT"
	ErrCodeUserNotFound       = "USER_NOT_FOUND"
	ErrCodeEmailNotVerified   = "EMAIL_NOT_VERIFIED"
	ErrCodeSignalNotFound     = "SIGNAL_NOT_FOUND"
	ErrCodeUnauthorized       = "UNAUTHORIZED"
	ErrCodeCSRFFailed         = "CSRF_FAILED"
	ErrCodeInvalidDevice      = "INVALID_DEVICE"
	ErrCodeResendFailed       = "RESEND_FAILED"
	ErrCodeVerifyFailed       = "VERIFY_FAILED"
	ErrCodeRateLimited        = "RATE_LIMIT_EXCEEDED"
)

// NewInvalidLinkError は必須パラメータが欠けた検証リンクのエラーを生成する。
func NewInvalidLinkError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidLink,
		Message:  "検証リンクが無効です。",
		Category: "verification",
		Action:   "検証メールを再送信して、新しいリンクを開いてください。",
	}
}

// NewUnsupportedActionError は未対応のmodeが指定された場合のエラーを生成する。
func NewUnsupportedActionError(mode string) *APIError {
	return &APIError{
		Code:     ErrCodeUnsupportedAction,
		Message:  fmt.Sprintf("未対応の操作です: %s", mode),
		Category: "verification",
		Action:   "メール内のリンクをそのまま開いてください。",
	}
}

// NewInvalidActionCodeError は存在しない、または消費済みのアクションコードのエラーを生成する。
func NewInvalidActionCodeError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidActionCode,
		Message:  "検証コードが無効、または既に使用されています。",
		Category: "verification",
		Action:   "元のタブに戻って検証状態を確認してください。",
	}
}

// NewExpiredActionCodeError は期限切れのアクションコードのエラーを生成する。
func NewExpiredActionCodeError() *APIError {
	return &APIError{
		Code:     ErrCodeExpiredActionCode,
		Message:  "検証コードの有効期限が切れています。",
		Category: "verification",
		Action:   "検証メールを再送信してください。",
	}
}

// NewEmailTakenError は登録済みメールアドレスでの新規登録エラーを生成する。
func NewEmailTakenError() *APIError {
	return &APIError{
		Code:     ErrCodeEmailTaken,
		Message:  "このメールアドレスは既に登録されています。",
		Category: "auth",
		Action:   "ログインしてください。",
	}
}

// NewInvalidCredentialsError はログイン失敗エラーを生成する。
func NewInvalidCredentialsError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidCredentials,
		Message:  "メールアドレスまたはパスワードが正しくありません。",
		Category: "auth",
		Action:   "入力内容を確認して再度お試しください。",
	}
}

// NewInvalidInputError はリクエスト内容の検証エラーを生成する。
func NewInvalidInputError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidInput,
		Message:  fmt.Sprintf("入力内容が不正です: %s", reason),
		Category: "validation",
		Action:   "入力内容を確認してください。",
	}
}

// NewUserNotFoundError はユーザーが見つからない場合のエラーを生成する。
func NewUserNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeUserNotFound,
		Message:  "ユーザーが見つかりません。",
		Category: "auth",
		Action:   "ログインし直してください。",
	}
}

// NewEmailNotVerifiedError はメール未検証ユーザーが制限付きルートにアクセスした場合のエラーを生成する。
func NewEmailNotVerifiedError() *APIError {
	return &APIError{
		Code:     ErrCodeEmailNotVerified,
		Message:  "メールアドレスの検証が必要です。",
		Category: "auth",
		Action:   "受信したメールのリンクから検証を完了してください。",
	}
}

// NewSignalNotFoundError はシグナルキーが存在しない場合のエラーを生成する。
func NewSignalNotFoundError(key string) *APIError {
	return &APIError{
		Code:     ErrCodeSignalNotFound,
		Message:  fmt.Sprintf("シグナルが見つかりません: %s", key),
		Category: "verification",
		Action:   "しばらく待ってから再度確認してください。",
	}
}

// NewUnauthorizedError は未認証リクエストのエラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "認証が必要です。",
		Category: "auth",
		Action:   "ログインしてください。",
	}
}

// NewCSRFError はCSRFトークン検証の失敗エラーを生成する。
func NewCSRFError() *APIError {
	return &APIError{
		Code:     ErrCodeCSRFFailed,
		Message:  "リクエストを検証できませんでした。",
		Category: "auth",
		Action:   "ページを再読み込みしてから再度お試しください。",
	}
}

// NewInvalidDeviceError は端末IDの形式が不正な場合のエラーを生成する。
func NewInvalidDeviceError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidDevice,
		Message:  "端末IDが不正です。",
		Category: "validation",
		Action:   "ページを再読み込みしてください。",
	}
}

// NewResendFailedError は検証メールの再送失敗エラーを生成する。
func NewResendFailedError() *APIError {
	return &APIError{
		Code:     ErrCodeResendFailed,
		Message:  "failed to resend verification email",
		Category: "verification",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewVerifyFailedError は検証コードの適用に失敗した場合のエラーを生成する。
func NewVerifyFailedError(message string) *APIError {
	return &APIError{
		Code:     ErrCodeVerifyFailed,
		Message:  message,
		Category: "verification",
		Action:   "しばらく待ってからリンクを開き直してください。",
	}
}

// NewRateLimitedError はレート制限超過エラーを生成する。
func NewRateLimitedError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimited,
		Message:  "リクエストが多すぎます。しばらく待ってから再度お試しください。",
		Category: "system",
		Action:   "Retry-Afterの秒数が経過してから再試行してください。",
	}
}
