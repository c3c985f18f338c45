package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/wanfaliang/benchmarking/internal/pkg/response"
)

const (
	UserIDKey = "userID"
)

// TokenVerifier 校验令牌并返回用户 ID，*jwt.Verifier 满足该接口
type TokenVerifier interface {
	Verify(token string) (int64, error)
}

// Auth JWT 认证中间件
func Auth(verifier TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			response.AuthError(c, "请提供认证信息")
			c.Abort()
			return
		}

		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		if tokenString == authHeader {
			response.AuthError(c, "认证格式错误")
			c.Abort()
			return
		}

		userID, err := verifier.Verify(tokenString)
		if err != nil {
			response.AuthError(c, "认证失败或已过期")
			c.Abort()
			return
		}

		c.Set(UserIDKey, userID)
		c.Next()
	}
}

// GetUserID 从上下文获取用户 ID
func GetUserID(c *gin.Context) (int64, bool) {
	userID, exists := c.Get(UserIDKey)
	if !exists {
		return 0, false
	}
	id, ok := userID.(int64)
	return id, ok
}
