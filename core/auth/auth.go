package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultTokenTTL 登录令牌有效期
const DefaultTokenTTL = 12 * time.Hour

// ErrInvalidToken 令牌无效或已过期
var ErrInvalidToken = errors.New("invalid token")

// Claims JWT 载荷，只保存账户信息，不缓存余额
type Claims struct {
	AccountKey string `json:"key"`
	Name       string `json:"name"`
	Admin      bool   `json:"admin,omitempty"`
	jwt.RegisteredClaims
}

// TokenIssuer 签发并校验 HS256 令牌
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenIssuer 创建签发器，ttl 为 0 时使用 DefaultTokenTTL
func NewTokenIssuer(secret string, ttl time.Duration) (*TokenIssuer, error) {
	if secret == "" {
		return nil, fmt.Errorf("jwt secret is empty")
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &TokenIssuer{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// GenerateToken 为已登录账户签发令牌
func (i *TokenIssuer) GenerateToken(accountKey, name string, admin bool) (string, error) {
	now := i.now()
	claims := &Claims{
		AccountKey: accountKey,
		Name:       name,
		Admin:      admin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   accountKey,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return token, nil
}

// ParseToken 校验签名与有效期
func (i *TokenIssuer) ParseToken(tokenString string) (*Claims, error) {
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
	if !token.Valid || claims.AccountKey == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
