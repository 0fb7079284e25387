package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// TokenTypeAccess 是访问令牌的类型标记。
	TokenTypeAccess = "access"
	// MetadataWorkspaceID 是令牌元数据中工作区标识的键。
	MetadataWorkspaceID = "workspace_id"
)

// Claims 定义标准化的访问令牌载荷。
type Claims struct {
	UserID    string            `json:"user_id"`
	Role      string            `json:"role"`
	TokenType string            `json:"token_type"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	jwt.RegisteredClaims
}

// WorkspaceID 返回令牌绑定的工作区，未绑定时为空。
func (c *Claims) WorkspaceID() string {
	if c == nil || c.Metadata == nil {
		return ""
	}
	return c.Metadata[MetadataWorkspaceID]
}

// 令牌校验错误。
var (
	ErrSecretMissing = errors.New("jwt secret missing")
	ErrTokenEmpty    = errors.New("token empty")
	ErrTokenInvalid  = errors.New("token invalid")
	ErrTokenType     = errors.New("token type mismatch")
	ErrSubjectEmpty  = errors.New("token without user")
)

// clockSkew 容忍签发方与本服务之间的时钟偏差。
const clockSkew = 30 * time.Second

// GenerateToken 签发 HS256 令牌，主要供测试与内部工具使用。
func GenerateToken(secret string, ttl time.Duration, claims Claims) (string, error) {
	if secret == "" {
		return "", ErrSecretMissing
	}
	now := time.Now()
	claims.RegisteredClaims.IssuedAt = jwt.NewNumericDate(now)
	claims.RegisteredClaims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// ParseToken 验证签名与有效期并解析载荷，只接受 HMAC 签名。
func ParseToken(tokenStr string, secret string) (*Claims, error) {
	if tokenStr == "" {
		return nil, ErrTokenEmpty
	}
	if secret == "" {
		return nil, ErrSecretMissing
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(*jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	},
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
		jwt.WithLeeway(clockSkew),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if !token.Valid {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}

// ParseAccessToken 在 ParseToken 基础上要求令牌类型为 access 且携带用户标识。
func ParseAccessToken(tokenStr string, secret string) (*Claims, error) {
	claims, err := ParseToken(tokenStr, secret)
	if err != nil {
		return nil, err
	}
	if claims.TokenType != TokenTypeAccess {
		return nil, ErrTokenType
	}
	if claims.UserID == "" {
		return nil, ErrSubjectEmpty
	}
	return claims, nil
}
