/*
 * @module api/middleware/api_key_auth
 * @description API Key 鉴权中间件，按 bcrypt 哈希校验请求携带的密钥
 * @architecture 中间件模式 - HTTP请求拦截和验证
 * @documentReference DESIGN.md
 * @stateFlow 白名单检查 -> 提取密钥 -> 缓存命中或 bcrypt 校验 -> 下一个处理器
 * @rules 未配置哈希时不启用；校验通过的密钥按摘要缓存，原文不入缓存
 * @dependencies golang.org/x/crypto/bcrypt, github.com/patrickmn/go-cache, github.com/go-chi/render
 * @refs api/routes.go, service/config/config.go
 */

package middleware

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/render"
	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/crypto/bcrypt"
)

// APIKeyHeader 密钥请求头
const APIKeyHeader = "X-API-Key"

// APIKeyAuthMiddleware API Key 认证中间件
type APIKeyAuthMiddleware struct {
	hash []byte
	// 已校验密钥的摘要，避免每个请求都做 bcrypt
	verified       *gocache.Cache
	whitelistPaths []string
}

// NewAPIKeyAuthMiddleware 创建认证中间件，hash 为 bcrypt 哈希
func NewAPIKeyAuthMiddleware(hash string) *APIKeyAuthMiddleware {
	return &APIKeyAuthMiddleware{
		hash:     []byte(hash),
		verified: gocache.New(5*time.Minute, 10*time.Minute),
		whitelistPaths: []string{
			"/health",
			"/ready",
			"/metrics",
			"/swagger",
			"/dapr",
		},
	}
}

// HashAPIKey 生成密钥的 bcrypt 哈希，供部署配置使用
func HashAPIKey(key string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

// AddWhitelistPath 添加白名单路径
func (m *APIKeyAuthMiddleware) AddWhitelistPath(path string) {
	m.whitelistPaths = append(m.whitelistPaths, path)
}

// IsWhitelistPath 检查路径是否在白名单中，支持前缀匹配
func (m *APIKeyAuthMiddleware) IsWhitelistPath(path string) bool {
	for _, p := range m.whitelistPaths {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

func extractKey(r *http.Request) string {
	if key := r.Header.Get(APIKeyHeader); key != "" {
		return key
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

func digest(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// Verify 校验密钥
func (m *APIKeyAuthMiddleware) Verify(key string) bool {
	if key == "" {
		return false
	}
	d := digest(key)
	if _, ok := m.verified.Get(d); ok {
		return true
	}
	if bcrypt.CompareHashAndPassword(m.hash, []byte(key)) != nil {
		return false
	}
	m.verified.SetDefault(d, struct{}{})
	return true
}

// Middleware 认证中间件处理函数
func (m *APIKeyAuthMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(m.hash) == 0 || r.Method == http.MethodOptions || m.IsWhitelistPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		key := extractKey(r)
		if key == "" {
			m.respondUnauthorized(w, r, "缺少 API Key")
			return
		}
		if !m.Verify(key) {
			m.respondUnauthorized(w, r, "API Key 无效")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (m *APIKeyAuthMiddleware) respondUnauthorized(w http.ResponseWriter, r *http.Request, msg string) {
	render.Status(r, http.StatusUnauthorized)
	render.JSON(w, r, map[string]interface{}{
		"status": http.StatusUnauthorized,
		"msg":    msg,
	})
}
