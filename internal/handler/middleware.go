package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"bankledger/internal/service"
	"bankledger/pkg/response"

	"github.com/gin-gonic/gin"
)

const (
	HeaderUserID   = "X-User-ID"
	HeaderUserName = "X-User-Name"
	HeaderGuildID  = "X-Guild-ID"

	ctxKeyMember  = "bank.member"
	ctxKeyGuildID = "bank.guild_id"
	ctxKeyAborted = "bank.purchase_aborted"
	ctxKeyAccount = "bank.account_before_charge"
)

// LoggerMiddleware 日志中间件
func LoggerMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		if query != "" {
			path = path + "?" + query
		}
		logger.Info("[HTTP]",
			"status", c.Writer.Status(),
			"latency", time.Since(start),
			"client_ip", c.ClientIP(),
			"method", c.Request.Method,
			"path", path,
			"guild_id", c.GetString(ctxKeyGuildID),
		)
	}
}

// RecoveryMiddleware 恢复中间件，防止 panic 导致服务崩溃
func RecoveryMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.Error("[PANIC]", "error", err, "path", c.Request.URL.Path)
				c.AbortWithStatusJSON(http.StatusInternalServerError, response.Response{
					Code:    response.CodeServerError,
					Message: "服务器内部错误",
				})
			}
		}()
		c.Next()
	}
}

// CORSMiddleware 跨域中间件
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, X-User-ID, X-User-Name, X-Guild-ID")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// IdentityMiddleware 从请求头解析调用者，X-User-ID 必填；X-Guild-ID 为空表示私信场景
func IdentityMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(HeaderUserID)
		if id == "" {
			response.ParamError(c, HeaderUserID+" 不能为空")
			c.Abort()
			return
		}
		name := c.GetHeader(HeaderUserName)
		if name == "" {
			name = id
		}
		c.Set(ctxKeyMember, service.Member{ID: id, DisplayName: name})
		c.Set(ctxKeyGuildID, c.GetHeader(HeaderGuildID))
		c.Next()
	}
}

func currentMember(c *gin.Context) service.Member {
	m, _ := c.Get(ctxKeyMember)
	member, _ := m.(service.Member)
	return member
}

func currentGuild(c *gin.Context) string {
	return c.GetString(ctxKeyGuildID)
}

// AccountSnapshotMiddleware 在扣款前读取调用者账户，供付费接口判断扣款前的状态
//
// 扣款本身会持久化账户，处理函数里再读就分不清调用者原来有没有账户。
// 读取失败时不拦截，交给后面的 PaidMiddleware 拒绝。
func AccountSnapshotMiddleware(bank *service.Bank) gin.HandlerFunc {
	return func(c *gin.Context) {
		acc, err := bank.Accounts.GetAccount(c.Request.Context(), currentMember(c), currentGuild(c))
		if err == nil {
			c.Set(ctxKeyAccount, acc)
		}
		c.Next()
	}
}

func accountBeforeCharge(c *gin.Context) (*service.Account, bool) {
	v, ok := c.Get(ctxKeyAccount)
	if !ok {
		return nil, false
	}
	acc, ok := v.(*service.Account)
	return acc, ok
}

// AbortPurchase 付费接口的处理函数调用后，本次扣款会被退回
func AbortPurchase(c *gin.Context) {
	c.Set(ctxKeyAborted, true)
}

var errHandlerFailed = errors.New("请求处理失败")

// PaidMiddleware 付费接口：先扣 cost 再执行后续处理函数
//
// 后续处理函数 panic、通过 c.Error 记录了错误、返回了 4xx/5xx，或调用了 AbortPurchase 时退款。
func PaidMiddleware(guard *service.PurchaseGuard, cost int64) gin.HandlerFunc {
	wrap := service.Guard[struct{}](guard, cost)
	return func(c *gin.Context) {
		inv := service.Invocation{Member: currentMember(c), GuildID: currentGuild(c)}

		run := wrap(func(ctx context.Context, inv service.Invocation) service.Outcome[struct{}] {
			c.Next()
			switch {
			case c.GetBool(ctxKeyAborted):
				return service.Abort[struct{}]()
			case len(c.Errors) > 0:
				return service.Fail[struct{}](c.Errors.Last().Err)
			case c.Writer.Status() >= http.StatusBadRequest:
				return service.Fail[struct{}](errHandlerFailed)
			}
			return service.Succeed(struct{}{})
		})

		if _, err := run(c.Request.Context(), inv); err != nil && !c.Writer.Written() {
			writeError(c, err)
			c.Abort()
		}
	}
}
