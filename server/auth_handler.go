package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"JukeFM/core/auth"
	"JukeFM/logger"
)

type contextKey string

const claimsKey contextKey = "claims"

// LoginRequest 登录请求体
type LoginRequest struct {
	Code string `json:"code"` // BILL 编码：账号 + 4 位 PIN
}

// LoginHandler 校验 BILL 编码并签发令牌
func (h *APIHandler) LoginHandler(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Error("[Login] 解析请求体失败", logger.ErrorField(err))
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if strings.TrimSpace(req.Code) == "" {
		writeError(w, http.StatusBadRequest, "code is required")
		return
	}

	acc, admin, err := h.svc.Login(r.Context(), req.Code)
	if err != nil {
		handleError(w, "Login", err)
		return
	}

	token, err := h.tokens.GenerateToken(acc.Key, acc.Name, admin)
	if err != nil {
		logger.Error("[Login] 生成令牌失败", logger.String("account", acc.Key), logger.ErrorField(err))
		writeError(w, http.StatusInternalServerError, "Failed to generate token")
		return
	}

	logger.Info("[Login] 登录成功", logger.String("account", acc.Key), logger.Bool("admin", admin))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"token": token,
		"user": map[string]interface{}{
			"key":   acc.Key,
			"name":  acc.Name,
			"admin": admin,
		},
	})
}

// MeHandler 当前账户与实时余额
func (h *APIHandler) MeHandler(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	credits, err := h.svc.Balance(r.Context(), claims.AccountKey)
	if err != nil {
		handleError(w, "Me", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"key":     claims.AccountKey,
		"name":    claims.Name,
		"admin":   claims.Admin,
		"credits": credits,
		"device":  h.cfg.PlaybackDeviceName,
	})
}

// bearerToken 从 Authorization 头或 token 查询参数读取令牌（浏览器 websocket 无法设置请求头）
func bearerToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return r.URL.Query().Get("token")
	}
	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || parts[0] != "Bearer" {
		return ""
	}
	return parts[1]
}

// AuthMiddleware 校验 JWT，把账户信息放入请求上下文
func (h *APIHandler) AuthMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "Authorization header is required")
			return
		}

		claims, err := h.tokens.ParseToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Invalid token")
			return
		}

		ctx := context.WithValue(r.Context(), claimsKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	}
}

// ClaimsFromContext 读取 AuthMiddleware 放入的账户信息，未登录时返回零值
func ClaimsFromContext(ctx context.Context) *auth.Claims {
	if claims, ok := ctx.Value(claimsKey).(*auth.Claims); ok {
		return claims
	}
	return &auth.Claims{}
}
