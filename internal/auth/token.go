package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// StaleTokenLeniency は email_verified=false のトークンを検証直後とみなして受け入れる期間。
// 検証完了前に発行されたトークンがまだ使われている場合がある。
const StaleTokenLeniency = 5 * time.Minute

var (
	// ErrInvalidToken は署名・形式・期限のいずれかが不正なトークン。
	ErrInvalidToken = errors.New("invalid token")
	// ErrEmailNotVerified はトークンのメールアドレスが未検証。
	ErrEmailNotVerified = errors.New("email not verified")
)

// Claims はIDトークンのクレーム。
type Claims struct {
	jwt.RegisteredClaims
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
}

// TokenIssuer はHS256で署名したIDトークンを発行・検証する。
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenIssuer はTokenIssuerを生成する。
func NewTokenIssuer(secret []byte, ttl time.Duration) *TokenIssuer {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &TokenIssuer{secret: secret, ttl: ttl, now: time.Now}
}

// Issue はユーザーのIDトークンを発行する。
func (i *TokenIssuer) Issue(uid, email string, emailVerified bool) (string, error) {
	now := i.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   uid,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
		Email:         email,
		EmailVerified: emailVerified,
	})

	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Verify はトークンを検証してクレームを返す。
// requireVerifiedがtrueの場合、未検証のトークンは発行から
// StaleTokenLeniency以内であれば受け入れ、それ以外はErrEmailNotVerifiedを返す。
func (i *TokenIssuer) Verify(tokenString string, requireVerified bool) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}

	if requireVerified && !claims.EmailVerified {
		if claims.IssuedAt == nil || i.now().Sub(claims.IssuedAt.Time) >= StaleTokenLeniency {
			return nil, ErrEmailNotVerified
		}
	}
	return claims, nil
}
