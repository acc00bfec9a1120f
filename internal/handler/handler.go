package handler

import (
	"errors"
	"log/slog"
	"strconv"

	"bankledger/internal/membership"
	"bankledger/internal/repository"
	"bankledger/internal/service"
	"bankledger/pkg/response"

	"github.com/gin-gonic/gin"
)

// Handler 统一处理器，包含所有服务依赖
type Handler struct {
	bank     *service.Bank
	registry *membership.Registry
	logger   *slog.Logger
}

// NewHandler 创建处理器实例；registry 为 nil 时不开放成员同步接口
func NewHandler(bank *service.Bank, registry *membership.Registry, logger *slog.Logger) *Handler {
	return &Handler{bank: bank, registry: registry, logger: logger}
}

// writeError 把服务层错误映射为响应码，同时记录到 c.Errors 供付费中间件判断是否退款
func writeError(c *gin.Context, err error) {
	_ = c.Error(err)

	var (
		rejection *service.RejectionError
		tooHigh   *service.BalanceTooHighError
	)
	switch {
	case errors.As(err, &rejection):
		response.BusinessError(c, response.CodeRejected, rejection.Message)
	case errors.Is(err, service.ErrReconciliation):
		response.BusinessError(c, response.CodeReconciliation, "转账异常，已通知管理员处理")
	case errors.As(err, &tooHigh):
		response.BusinessError(c, response.CodeBalanceTooHigh, tooHigh.Error())
	case errors.Is(err, service.ErrInsufficientFunds):
		response.BusinessError(c, response.CodeInsufficientFunds, err.Error())
	case errors.Is(err, service.ErrInvalidAmount):
		response.BusinessError(c, response.CodeInvalidAmount, err.Error())
	case errors.Is(err, service.ErrMissingScope), errors.Is(err, service.ErrPruneRequiresScope):
		response.BusinessError(c, response.CodeMissingScope, err.Error())
	case errors.Is(err, repository.ErrAccountNotFound):
		response.BusinessError(c, response.CodeAccountNotFound, err.Error())
	case errors.Is(err, membership.ErrUnknownGuild), errors.Is(err, membership.ErrUnavailable),
		errors.Is(err, membership.ErrIncomplete), errors.Is(err, service.ErrNoDirectory):
		response.BusinessError(c, response.CodeMembersUnknown, err.Error())
	default:
		response.ServerError(c, err.Error())
	}
}

// ============================================================
// 账户相关接口
// ============================================================

// targetMember 请求体里指定了 user_id 时操作该用户，否则操作调用者自己
func targetMember(c *gin.Context, userID, userName string) service.Member {
	if userID == "" {
		return currentMember(c)
	}
	if userName == "" {
		userName = userID
	}
	return service.Member{ID: userID, DisplayName: userName}
}

// GetAccount 查询账户
// GET /api/v1/bank/account
func (h *Handler) GetAccount(c *gin.Context) {
	acc, err := h.bank.Accounts.GetAccount(c.Request.Context(), currentMember(c), currentGuild(c))
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, acc)
}

// GetBalance 查询余额
// GET /api/v1/bank/balance
func (h *Handler) GetBalance(c *gin.Context) {
	balance, err := h.bank.Accounts.GetBalance(c.Request.Context(), currentMember(c), currentGuild(c))
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, gin.H{"balance": balance})
}

// CanSpend 余额是否足够
// GET /api/v1/bank/can-spend?amount=xxx
func (h *Handler) CanSpend(c *gin.Context) {
	amount, err := strconv.ParseInt(c.Query("amount"), 10, 64)
	if err != nil {
		response.ParamError(c, "amount 参数错误")
		return
	}
	ok, err := h.bank.Accounts.CanSpend(c.Request.Context(), currentMember(c), currentGuild(c), amount)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, gin.H{"can_spend": ok})
}

// AmountRequest 余额变更请求
type AmountRequest struct {
	UserID   string `json:"user_id"`
	UserName string `json:"user_name"`
	Amount   *int64 `json:"amount" binding:"required"`
}

// SetBalance 设置余额
// PUT /api/v1/bank/balance
func (h *Handler) SetBalance(c *gin.Context) {
	var req AmountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}
	member := targetMember(c, req.UserID, req.UserName)
	balance, err := h.bank.Accounts.SetBalance(c.Request.Context(), member, currentGuild(c), *req.Amount)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, gin.H{"user_id": member.ID, "balance": balance})
}

// Deposit 存款
// POST /api/v1/bank/deposit
func (h *Handler) Deposit(c *gin.Context) {
	var req AmountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}
	member := targetMember(c, req.UserID, req.UserName)
	balance, err := h.bank.Transfers.Deposit(c.Request.Context(), member, currentGuild(c), *req.Amount)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, gin.H{"user_id": member.ID, "balance": balance})
}

// Withdraw 扣款
// POST /api/v1/bank/withdraw
func (h *Handler) Withdraw(c *gin.Context) {
	var req AmountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}
	member := targetMember(c, req.UserID, req.UserName)
	balance, err := h.bank.Transfers.Withdraw(c.Request.Context(), member, currentGuild(c), *req.Amount)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, gin.H{"user_id": member.ID, "balance": balance})
}

// TransferRequest 转账请求
type TransferRequest struct {
	ToID   string `json:"to_id" binding:"required"`
	ToName string `json:"to_name"`
	Amount int64  `json:"amount" binding:"required"`
}

// Transfer 转账给其他用户
// POST /api/v1/bank/transfer
//
// 【关键点】两个账户在整个转账过程中都被锁住；
// 入账失败会把钱退回付款方，退回也失败时返回对账错误并发出告警。
func (h *Handler) Transfer(c *gin.Context) {
	var req TransferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}
	to := targetMember(c, req.ToID, req.ToName)
	balance, err := h.bank.Transfers.Transfer(c.Request.Context(), currentMember(c), to, currentGuild(c), req.Amount)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, gin.H{"to_id": to.ID, "to_balance": balance})
}

// DeleteUserData 删除某个用户在所有命名空间的数据
// DELETE /api/v1/bank/users/:user_id
func (h *Handler) DeleteUserData(c *gin.Context) {
	namespaces, err := h.bank.Accounts.DeleteUserData(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, gin.H{"namespaces": namespaces})
}

// ============================================================
// 排行榜相关接口
// ============================================================

// Leaderboard 排行榜
// GET /api/v1/bank/leaderboard?limit=10
func (h *Handler) Leaderboard(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "10"))
	if err != nil {
		response.ParamError(c, "limit 参数错误")
		return
	}
	entries, err := h.bank.Leaderboard.Leaderboard(c.Request.Context(), currentGuild(c), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, gin.H{"list": entries, "total": len(entries)})
}

// Position 调用者的排名
// GET /api/v1/bank/position
func (h *Handler) Position(c *gin.Context) {
	pos, err := h.bank.Leaderboard.Position(c.Request.Context(), currentMember(c), currentGuild(c))
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, gin.H{"position": pos})
}

// Statement 付费接口：账户详情与排名
// GET /api/v1/bank/statement
//
// 调用者扣款前还没有账户时没有排名可查，退回扣款。
func (h *Handler) Statement(c *gin.Context) {
	ctx := c.Request.Context()
	member, guildID := currentMember(c), currentGuild(c)

	if before, ok := accountBeforeCharge(c); ok && !before.Persisted() {
		AbortPurchase(c)
		response.Success(c, gin.H{"account": before, "position": nil})
		return
	}

	acc, err := h.bank.Accounts.GetAccount(ctx, member, guildID)
	if err != nil {
		writeError(c, err)
		return
	}
	pos, err := h.bank.Leaderboard.Position(ctx, member, guildID)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, gin.H{"account": acc, "position": pos})
}

// PruneRequest 清理请求；identity 为空时按成员关系清理
type PruneRequest struct {
	Identity string `json:"identity"`
}

// Prune 清理失效账户
// POST /api/v1/bank/prune
func (h *Handler) Prune(c *gin.Context) {
	var req PruneRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.ParamError(c, "参数错误: "+err.Error())
			return
		}
	}
	result, err := h.bank.Leaderboard.Prune(c.Request.Context(), currentGuild(c), req.Identity)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, result)
}

// ============================================================
// 管理相关接口
// ============================================================

// Wipe 清空银行
// POST /api/v1/bank/wipe
func (h *Handler) Wipe(c *gin.Context) {
	h.logger.Warn("[Handler] 清空银行", "operator", currentMember(c).ID, "guild_id", currentGuild(c))
	if err := h.bank.Mode.Wipe(c.Request.Context(), currentGuild(c)); err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, gin.H{"message": "银行已清空"})
}

// GetMode 查询银行模式
// GET /api/v1/bank/mode
func (h *Handler) GetMode(c *gin.Context) {
	global, err := h.bank.Mode.IsGlobal(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, gin.H{"global": global})
}

// SetMode 切换银行模式，会清空被放弃一侧的全部账户
// PUT /api/v1/bank/mode
func (h *Handler) SetMode(c *gin.Context) {
	var req struct {
		Global *bool `json:"global" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}
	h.logger.Warn("[Handler] 切换银行模式", "operator", currentMember(c).ID, "global", *req.Global)
	global, err := h.bank.Mode.SetGlobal(c.Request.Context(), *req.Global)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, gin.H{"global": global})
}

// GetSettings 查询银行设置
// GET /api/v1/bank/settings
func (h *Handler) GetSettings(c *gin.Context) {
	st, err := h.bank.Settings.Settings(c.Request.Context(), currentGuild(c))
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, st)
}

// UpdateSettingsRequest 只更新出现的字段
type UpdateSettingsRequest struct {
	BankName       *string `json:"bank_name"`
	Currency       *string `json:"currency"`
	DefaultBalance *int64  `json:"default_balance"`
	MaxBalance     *int64  `json:"max_balance"`
}

// UpdateSettings 修改银行设置
// PUT /api/v1/bank/settings
//
// 上限先于默认余额写入，这样同时调高两者时默认余额按新上限校验。
func (h *Handler) UpdateSettings(c *gin.Context) {
	var req UpdateSettingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	ctx, guildID := c.Request.Context(), currentGuild(c)
	settings := h.bank.Settings
	if req.BankName != nil {
		if _, err := settings.SetBankName(ctx, guildID, *req.BankName); err != nil {
			writeError(c, err)
			return
		}
	}
	if req.Currency != nil {
		if _, err := settings.SetCurrencyName(ctx, guildID, *req.Currency); err != nil {
			writeError(c, err)
			return
		}
	}
	if req.MaxBalance != nil {
		if _, err := settings.SetMaxBalance(ctx, guildID, *req.MaxBalance); err != nil {
			writeError(c, err)
			return
		}
	}
	if req.DefaultBalance != nil {
		if _, err := settings.SetDefaultBalance(ctx, guildID, *req.DefaultBalance); err != nil {
			writeError(c, err)
			return
		}
	}

	st, err := settings.Settings(ctx, guildID)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, st)
}

// ============================================================
// 成员目录同步接口
// ============================================================

// GuildMembersRequest 机器人平台推送的公会状态与完整成员列表
type GuildMembersRequest struct {
	Large       bool     `json:"large"`
	Chunked     bool     `json:"chunked"`
	Unavailable bool     `json:"unavailable"`
	Members     []string `json:"members"`
}

// PutGuildMembers 覆盖公会成员列表
// PUT /api/v1/guilds/:guild_id/members
func (h *Handler) PutGuildMembers(c *gin.Context) {
	var req GuildMembersRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}
	info := membership.Guild{
		ID:          c.Param("guild_id"),
		Large:       req.Large,
		Chunked:     req.Chunked,
		Unavailable: req.Unavailable,
	}
	h.registry.SetGuild(info, req.Members)
	response.Success(c, gin.H{"guild": info, "members": len(req.Members)})
}

// DeleteGuild 机器人离开公会
// DELETE /api/v1/guilds/:guild_id
func (h *Handler) DeleteGuild(c *gin.Context) {
	h.registry.RemoveGuild(c.Param("guild_id"))
	response.Success(c, gin.H{"message": "公会已移除"})
}
