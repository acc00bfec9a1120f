package handler

import (
	"log/slog"
	"net/http"

	"bankledger/internal/config"
	"bankledger/internal/membership"
	"bankledger/internal/service"

	"github.com/gin-gonic/gin"
)

// SetupRouter 配置路由
func SetupRouter(bank *service.Bank, registry *membership.Registry, cfg *config.Config, logger *slog.Logger) *gin.Engine {
	// 设置 gin 为发布模式（减少日志输出）
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()

	// 注册中间件
	r.Use(RecoveryMiddleware(logger))
	r.Use(LoggerMiddleware(logger))
	r.Use(CORSMiddleware())

	h := NewHandler(bank, registry, logger)

	api := r.Group("/api/v1")
	{
		b := api.Group("/bank", IdentityMiddleware())
		{
			b.GET("/account", h.GetAccount)
			b.GET("/balance", h.GetBalance)
			b.PUT("/balance", h.SetBalance)
			b.GET("/can-spend", h.CanSpend)
			b.POST("/deposit", h.Deposit)
			b.POST("/withdraw", h.Withdraw)
			b.POST("/transfer", h.Transfer)

			b.GET("/leaderboard", h.Leaderboard)
			b.GET("/position", h.Position)
			b.GET("/statement", AccountSnapshotMiddleware(bank), PaidMiddleware(bank.Guard, cfg.Business.StatementCost), h.Statement)

			b.POST("/prune", h.Prune)
			b.POST("/wipe", h.Wipe)
			b.DELETE("/users/:user_id", h.DeleteUserData)

			b.GET("/mode", h.GetMode)
			b.PUT("/mode", h.SetMode)
			b.GET("/settings", h.GetSettings)
			b.PUT("/settings", h.UpdateSettings)
		}

		if registry != nil {
			guilds := api.Group("/guilds")
			{
				guilds.PUT("/:guild_id/members", h.PutGuildMembers)
				guilds.DELETE("/:guild_id", h.DeleteGuild)
			}
		}
	}

	// 健康检查
	r.GET("/health", func(c *gin.Context) {
		if err := bank.Ping(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "down", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	return r
}
