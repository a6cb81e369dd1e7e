package middleware

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/hitoshi/verifybridge/internal/model"
)

const (
	// DeviceCookieName は端末IDを保持するCookieの名前。
	DeviceCookieName = "device_id"
	// DeviceHeaderName はCookieを持たないクライアントが端末IDを渡すヘッダー。
	DeviceHeaderName = "X-Device-ID"
	// DeviceQueryParam は検証リンクなどのURLで端末IDを渡すパラメータ。
	DeviceQueryParam = "device"

	deviceCookieMaxAge = 365 * 24 * 60 * 60
)

var deviceIDContextKey = contextKey("device_id")

// DeviceConfig は端末IDミドルウェアの設定。
type DeviceConfig struct {
	CookieSecure bool
	CookieDomain string
}

// NewDeviceMiddleware はリクエストの端末IDを解決してコンテキストに注入するミドルウェアを返す。
//
// 端末IDは共有シグナルストアの名前空間であり、同じジャーニーに属する
// 全コンテキストで一致する必要がある。解決順はクエリ、ヘッダー、Cookie。
// いずれもなければ新しいIDを発行する。Cookieが未設定の場合は解決したIDで設定する。
func NewDeviceMiddleware(config DeviceConfig) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var cookieValue string
			if c, err := r.Cookie(DeviceCookieName); err == nil {
				cookieValue = c.Value
			}

			deviceID := firstNonEmpty(
				r.URL.Query().Get(DeviceQueryParam),
				r.Header.Get(DeviceHeaderName),
				cookieValue,
			)
			if deviceID == "" {
				deviceID = uuid.NewString()
			}
			if !ValidDeviceID(deviceID) {
				slog.Warn("invalid device id",
					slog.String("path", r.URL.Path),
				)
				WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidDeviceError())
				return
			}

			if cookieValue == "" {
				http.SetCookie(w, &http.Cookie{
					Name:     DeviceCookieName,
					Value:    deviceID,
					Path:     "/",
					Domain:   config.CookieDomain,
					MaxAge:   deviceCookieMaxAge,
					HttpOnly: true,
					Secure:   config.CookieSecure,
					SameSite: http.SameSiteLaxMode,
				})
			}

			annotateLog(r.Context(), "", deviceID)
			next.ServeHTTP(w, r.WithContext(ContextWithDeviceID(r.Context(), deviceID)))
		})
	}
}

// DeviceIDFromContext はリクエストコンテキストから端末IDを取得する。
// 端末ミドルウェアを通過していない場合は空文字を返す。
func DeviceIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(deviceIDContextKey).(string)
	return id
}

// ContextWithDeviceID はコンテキストに端末IDを注入する。
func ContextWithDeviceID(ctx context.Context, deviceID string) context.Context {
	return context.WithValue(ctx, deviceIDContextKey, deviceID)
}

// ValidDeviceID は端末IDがUUID形式かどうかを返す。
func ValidDeviceID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
