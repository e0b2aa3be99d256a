package handler

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"creditgate/internal/infrastructure/lock"
	"creditgate/internal/model"
	"creditgate/internal/service"
	"creditgate/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// OutboxRequeuer 运营接口重放失败的账本事件
type OutboxRequeuer interface {
	RequeueFailed(ctx context.Context, limit int) (int, error)
}

// Handler 统一处理器，包含所有服务依赖
type Handler struct {
	ledger    *service.LedgerService
	trials    *service.TrialService
	referrals *service.ReferralService
	gate      *service.AdmissionGate
	outbox    OutboxRequeuer
	rdb       redis.UniversalClient
	logger    *slog.Logger
}

// NewHandler rdb 为 nil 时支付回调不加分布式锁，只依赖幂等键
func NewHandler(ledger *service.LedgerService, trials *service.TrialService, referrals *service.ReferralService,
	gate *service.AdmissionGate, outbox OutboxRequeuer, rdb redis.UniversalClient, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		ledger:    ledger,
		trials:    trials,
		referrals: referrals,
		gate:      gate,
		outbox:    outbox,
		rdb:       rdb,
		logger:    logger.With("component", "http"),
	}
}

// writeError 把服务层错误映射为统一响应
func (h *Handler) writeError(c *gin.Context, err error) {
	var ve *service.ValidationError
	switch {
	case errors.As(err, &ve):
		response.ParamError(c, ve.Error())
	case errors.Is(err, service.ErrAccountNotFound):
		response.Error(c, response.CodeAccountNotFound, "账户不存在")
	case errors.Is(err, service.ErrStoreUnavailable):
		h.logger.Warn("存储不可用", "path", c.FullPath(), "err", err)
		response.Unavailable(c, "服务繁忙，请稍后重试")
	default:
		h.logger.Error("请求处理失败", "path", c.FullPath(), "err", err)
		response.ServerError(c, "服务器内部错误")
	}
}

func queryUserID(c *gin.Context) (int64, bool) {
	userID, err := strconv.ParseInt(c.Query("user_id"), 10, 64)
	if err != nil || userID <= 0 {
		response.ParamError(c, "user_id 参数错误")
		return 0, false
	}
	return userID, true
}

// ============================================================
// 账户相关接口
// ============================================================

// GetBalance 查询三个池的余额
// GET /api/v1/account/balance?user_id=xxx
func (h *Handler) GetBalance(c *gin.Context) {
	userID, ok := queryUserID(c)
	if !ok {
		return
	}
	balance, err := h.ledger.Balance(c.Request.Context(), userID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	response.Success(c, balance)
}

// ListTransactions 查询流水
// GET /api/v1/account/transactions?user_id=xxx&page=1&page_size=20
func (h *Handler) ListTransactions(c *gin.Context) {
	userID, ok := queryUserID(c)
	if !ok {
		return
	}
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))

	history, err := h.ledger.History(c.Request.Context(), userID, page, pageSize)
	if err != nil {
		h.writeError(c, err)
		return
	}
	response.Success(c, history)
}

// Reconcile 流水与余额对账
// GET /api/v1/account/reconcile?user_id=xxx
func (h *Handler) Reconcile(c *gin.Context) {
	userID, ok := queryUserID(c)
	if !ok {
		return
	}
	report, err := h.ledger.Reconcile(c.Request.Context(), userID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	response.Success(c, report)
}

// ============================================================
// 准入与扣费接口（消息处理层调用）
// ============================================================

type AdmissionRequest struct {
	UserID   int64  `json:"user_id" binding:"required"`
	ChatID   int64  `json:"chat_id"`
	ChatType string `json:"chat_type" binding:"required,oneof=private group supergroup"`
	Command  string `json:"command"`
}

type admissionResponse struct {
	service.Decision
	RetryAfterSeconds float64 `json:"retry_after_seconds,omitempty"`
}

// CheckAdmission 执行前的准入判断
// POST /api/v1/admission/check
func (h *Handler) CheckAdmission(c *gin.Context) {
	var req AdmissionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}
	decision, err := h.gate.CanProceed(c.Request.Context(), service.ActionContext{
		UserID:   req.UserID,
		ChatID:   req.ChatID,
		ChatType: service.ChatType(req.ChatType),
		Command:  req.Command,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	response.Success(c, admissionResponse{Decision: decision, RetryAfterSeconds: decision.RetryAfter.Seconds()})
}

type DebitRequest struct {
	UserID      int64  `json:"user_id" binding:"required"`
	Amount      int64  `json:"amount" binding:"required,gt=0"`
	Description string `json:"description"`
}

// Debit 操作完成后扣费
// POST /api/v1/usage/debit
//
// 【关键点】扣费不重试。失败时调用方不能交付付费内容。
func (h *Handler) Debit(c *gin.Context) {
	var req DebitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}
	res, err := h.ledger.Debit(c.Request.Context(), req.UserID, req.Amount, service.DebitMeta{Description: req.Description})
	if err != nil {
		h.writeError(c, err)
		return
	}
	if !res.OK {
		response.BusinessFailure(c, response.CodeInsufficientCredits, "余额不足", res)
		return
	}
	response.Success(c, res)
}

type TrialRequest struct {
	UserID       int64  `json:"user_id" binding:"required"`
	GroupID      int64  `json:"group_id" binding:"required"`
	TemplateUsed string `json:"template_used"`
}

// RecordTrial 群内免费试用完成后登记
// POST /api/v1/trial/record
func (h *Handler) RecordTrial(c *gin.Context) {
	var req TrialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}
	outcome, err := h.trials.RecordTrial(c.Request.Context(), req.UserID, req.GroupID, service.TrialMeta{TemplateUsed: req.TemplateUsed})
	if err != nil {
		h.writeError(c, err)
		return
	}
	if outcome == service.TrialDuplicate {
		response.BusinessFailure(c, response.CodeTrialUsed, "该群内已使用过免费试用", gin.H{"outcome": outcome.String()})
		return
	}
	response.Success(c, gin.H{"outcome": outcome.String()})
}

// TrialStats 群维度的试用转化统计
// GET /api/v1/trial/stats?group_id=xxx
func (h *Handler) TrialStats(c *gin.Context) {
	groupID, err := strconv.ParseInt(c.Query("group_id"), 10, 64)
	if err != nil || groupID == 0 {
		response.ParamError(c, "group_id 参数错误")
		return
	}
	stats, err := h.trials.GroupStats(c.Request.Context(), groupID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	response.Success(c, gin.H{"group_id": groupID, "trials": stats.Trials, "converted": stats.Converted})
}

// ============================================================
// 支付回调
// ============================================================

// PaymentCallbackRequest 支付渠道确认到账后的回调
type PaymentCallbackRequest struct {
	ChargeID  string     `json:"charge_id" binding:"required"` // 幂等键
	UserID    int64      `json:"user_id" binding:"required"`
	Credits   int64      `json:"credits" binding:"required,gt=0"`
	Pool      string     `json:"pool" binding:"required,oneof=paid subscription"`
	Tier      string     `json:"tier"`
	ExpiresAt *time.Time `json:"expires_at"`
}

// PaymentCallback 支付回调入账
// POST /api/v1/payment/callback
//
// 【关键点】支付渠道会重试回调：
// 1. 按 charge_id 加 Redis 分布式锁，把并发重试收拢成串行
// 2. 入账以 charge_id 为幂等键，重放返回 duplicate，不会重复入账
// 3. 入账成功后把用户所有未转化的试用标记为已转化
func (h *Handler) PaymentCallback(c *gin.Context) {
	var req PaymentCallbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}
	ctx := c.Request.Context()

	if h.rdb != nil {
		chargeLock := lock.NewChargeLock(h.rdb, req.ChargeID, uuid.NewString())
		if err := chargeLock.Lock(ctx, 100*time.Millisecond, 30); err != nil {
			if errors.Is(err, lock.ErrLockFailed) {
				response.Error(c, response.CodeRequestInProgress, "回调处理中，请稍后重试")
				return
			}
			// Redis 不可用时继续，幂等键仍然保证不会重复入账
			h.logger.Warn("获取支付回调锁失败", "charge_id", req.ChargeID, "err", err)
		} else {
			defer func() {
				if err := chargeLock.Unlock(context.WithoutCancel(ctx)); err != nil {
					h.logger.Warn("释放支付回调锁失败", "charge_id", req.ChargeID, "err", err)
				}
			}()
		}
	}

	var (
		res service.CreditResult
		err error
	)
	if req.Pool == model.PoolSubscription.String() {
		if req.Tier == "" || req.ExpiresAt == nil {
			response.ParamError(c, "订阅回调需要 tier 和 expires_at")
			return
		}
		res, err = h.ledger.ActivateSubscription(ctx, req.UserID, service.SubscriptionGrant{
			Tier:           req.Tier,
			Credits:        req.Credits,
			ExpiresAt:      *req.ExpiresAt,
			IdempotencyKey: req.ChargeID,
		})
	} else {
		if _, err = h.ledger.EnsureAccount(ctx, req.UserID); err == nil {
			res, err = h.ledger.Credit(ctx, req.UserID, req.Credits, model.PoolPaid, service.CreditMeta{
				Type:           model.TransactionTypePurchase,
				Description:    "purchase " + req.ChargeID,
				IdempotencyKey: req.ChargeID,
			})
		}
	}
	if err != nil {
		h.writeError(c, err)
		return
	}
	if res.Duplicate {
		h.logger.Info("支付回调重放", "charge_id", req.ChargeID, "user_id", req.UserID)
		response.Success(c, res)
		return
	}

	if n, err := h.trials.MarkConvertedAll(ctx, req.UserID); err != nil {
		h.logger.Warn("标记试用转化失败", "user_id", req.UserID, "err", err)
	} else if n > 0 {
		h.logger.Info("试用已转化", "user_id", req.UserID, "groups", n)
	}
	h.logger.Info("支付入账成功", "charge_id", req.ChargeID, "user_id", req.UserID, "credits", req.Credits, "pool", req.Pool)
	response.Success(c, res)
}

// ============================================================
// 运营接口
// ============================================================

type GrantRequest struct {
	UserID      int64  `json:"user_id" binding:"required"`
	Amount      int64  `json:"amount" binding:"required"`
	Pool        string `json:"pool" binding:"required"`
	Description string `json:"description"`
}

// AdminGrant 人工补发（正数）或撤销（负数）
// POST /api/v1/admin/grant
func (h *Handler) AdminGrant(c *gin.Context) {
	var req GrantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}
	pool, err := model.ParsePool(req.Pool)
	if err != nil {
		response.ParamError(c, err.Error())
		return
	}
	typ := model.TransactionTypeGrant
	if req.Amount < 0 {
		typ = model.TransactionTypeRevoke
	}
	res, err := h.ledger.Credit(c.Request.Context(), req.UserID, req.Amount, pool, service.CreditMeta{
		Type:        typ,
		Description: req.Description,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	response.Success(c, res)
}

// RequeueOutbox 把发送失败的账本事件重新入队
// POST /api/v1/admin/outbox/requeue?limit=xxx
func (h *Handler) RequeueOutbox(c *gin.Context) {
	if h.outbox == nil {
		response.Error(c, response.CodeServerError, "outbox 未启用")
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	n, err := h.outbox.RequeueFailed(c.Request.Context(), limit)
	if err != nil {
		h.logger.Error("重放失败消息出错", "err", err)
		response.ServerError(c, "重放失败")
		return
	}
	response.Success(c, gin.H{"requeued": n})
}

// ReferralInfo 查询账户的邀请人和已达成的里程碑
// GET /api/v1/admin/referral?user_id=xxx
func (h *Handler) ReferralInfo(c *gin.Context) {
	userID, ok := queryUserID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	link, err := h.referrals.ReferredBy(ctx, userID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	milestones, err := h.referrals.Milestones(ctx, userID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	response.Success(c, gin.H{"user_id": userID, "referred_by": link, "milestones": milestones})
}

// ============================================================
// 邀请相关接口
// ============================================================

// GetReferralCode 获取（首次生成）邀请码
// GET /api/v1/referral/code?user_id=xxx
func (h *Handler) GetReferralCode(c *gin.Context) {
	userID, ok := queryUserID(c)
	if !ok {
		return
	}
	code, err := h.referrals.GrantCode(c.Request.Context(), userID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	response.Success(c, gin.H{"user_id": userID, "code": code})
}

type ApplyReferralRequest struct {
	Code   string `json:"code" binding:"required"`
	UserID int64  `json:"user_id" binding:"required"`
}

// ApplyReferral 新用户使用邀请码
// POST /api/v1/referral/apply
func (h *Handler) ApplyReferral(c *gin.Context) {
	var req ApplyReferralRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}
	res, err := h.referrals.ApplyReferral(c.Request.Context(), req.Code, req.UserID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if !res.OK {
		response.BusinessFailure(c, response.CodeReferralRejected, res.Reason, res)
		return
	}
	response.Success(c, res)
}
