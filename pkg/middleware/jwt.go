package middleware

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// JWTClaims はJWTトークンのクレーム（ペイロード）を表す。
type JWTClaims struct {
	jwt.RegisteredClaims
	// UserID は認証済みユーザーの一意識別子。
	UserID string `json:"user_id"`
	// Email はユーザーのメールアドレス。
	Email string `json:"email"`
}

// tokenIssuer はポータルが発行するJWTのiss。
const tokenIssuer = "portal-gateway"

// tokenTTL は発行するJWTの有効期間。
const tokenTTL = 24 * time.Hour

// GenerateJWT はユーザー情報からHS256署名のJWTトークンを生成する。
func GenerateJWT(secret, userID, email string) (string, error) {
	now := time.Now()
	claims := JWTClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    tokenIssuer,
		},
		UserID: userID,
		Email:  email,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("JWTトークンの署名に失敗: %w", err)
	}
	return signed, nil
}

// JWTValidator はHS256署名のJWTを検証するTokenValidator実装。
type JWTValidator struct {
	secret []byte
}

var _ TokenValidator = (*JWTValidator)(nil)

// NewJWTValidator は新しいJWTValidatorを生成する。
func NewJWTValidator(secret string) *JWTValidator {
	return &JWTValidator{secret: []byte(secret)}
}

// errEmptySubject はuser_idクレームを持たないトークンのエラー。
var errEmptySubject = errors.New("token has no user_id claim")

// Validate はトークンを検証し、成功すればプリンシパルを返す。
func (v *JWTValidator) Validate(tokenString string) (*Principal, error) {
	claims := &JWTClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(_ *jwt.Token) (any, error) {
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("トークンの検証に失敗: %w", err)
	}
	if !token.Valid {
		return nil, jwt.ErrTokenSignatureInvalid
	}
	if claims.UserID == "" {
		return nil, errEmptySubject
	}
	return &Principal{UserID: claims.UserID, Email: claims.Email}, nil
}
