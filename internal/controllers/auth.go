package controllers

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// LoginUser 令牌里携带的身份
type LoginUser struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// GenerateToken 签发HS256令牌，ttl<=0 时不过期
func GenerateToken(secret, username string, ttl time.Duration) (string, error) {
	claims := &LoginUser{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  username,
			IssuedAt: jwt.NewNumericDate(time.Now()),
		},
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(ttl))
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

func ParseToken(secret, tokenString string) (*LoginUser, error) {
	claims := &LoginUser{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	return claims, nil
}

// JWTAuth secret 为空时不校验；websocket 连接可以用 ?token= 传令牌
func JWTAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			c.Next()
			return
		}
		tokenString := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		if tokenString == "" {
			tokenString = c.Query("token")
		}
		if tokenString == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, APIResponse[any]{Code: Unauthorized, Message: "未登录或令牌缺失", Data: nil})
			return
		}
		user, err := ParseToken(secret, tokenString)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, APIResponse[any]{Code: Unauthorized, Message: "令牌无效: " + err.Error(), Data: nil})
			return
		}
		c.Set("user", user.Username)
		c.Next()
	}
}
