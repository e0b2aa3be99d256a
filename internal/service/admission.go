package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"creditgate/internal/config"
	"creditgate/internal/metrics"
	"creditgate/internal/ratelimit"
)

type ChatType string

const (
	ChatPrivate    ChatType = "private"
	ChatGroup      ChatType = "group"
	ChatSupergroup ChatType = "supergroup"
)

// Shared 群聊场景才允许免费试用
func (t ChatType) Shared() bool {
	return t == ChatGroup || t == ChatSupergroup
}

// ActionContext 消息层传入的身份三元组 + 命令
type ActionContext struct {
	UserID   int64
	ChatID   int64
	ChatType ChatType
	Command  string
}

// Decision 准入结果，调用方只根据这些字段渲染回复，不需要判断内部错误类型
type Decision struct {
	Allow               bool          `json:"allow"`
	IsTrial             bool          `json:"is_trial"`
	UserMessage         string        `json:"user_message,omitempty"`
	ShowPurchaseOptions bool          `json:"show_purchase_options"`
	RetryAfter          time.Duration `json:"retry_after,omitempty"`
	Reason              string        `json:"reason"`
}

const (
	msgRateLimited      = "You're going a bit fast. Please try again in a moment."
	msgOutOfCredits     = "You're out of credits. Pick a pack to keep going."
	msgTrialUsed        = "You've already used your free try in this group. Grab some credits to continue."
	msgStoreUnavailable = "Something went wrong on our side. Please try again shortly."
)

// AccountEnsurer 读取余额，账户不存在时连同注册赠送一起创建
type AccountEnsurer interface {
	EnsureAccount(ctx context.Context, userID int64) (EnsureResult, error)
}

type TrialChecker interface {
	HasTrialed(ctx context.Context, userID, groupID int64) (bool, error)
}

// AdmissionGate 组合限流、余额和试用判断，给出一次操作的准入结果
//
// 【判断顺序】
// 1. 限流（纯内存，不做任何 I/O）
// 2. 新账户：创建并发放注册额度，放行
// 3. 余额 > 0：放行
// 4. 余额为 0 且在群里：没试用过则放行试用，否则提示购买
// 5. 余额为 0 且是私聊：提示购买
type AdmissionGate struct {
	limiter      *ratelimit.TieredLimiter
	accounts     AccountEnsurer
	trials       TrialChecker
	commandTiers map[string]string
	observer     metrics.Observer
	logger       *slog.Logger
	now          func() time.Time
}

func NewAdmissionGate(limiter *ratelimit.TieredLimiter, accounts AccountEnsurer, trials TrialChecker,
	cfg config.RateLimitConfig, observer metrics.Observer, logger *slog.Logger) *AdmissionGate {
	if observer == nil {
		observer = metrics.Nop()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AdmissionGate{
		limiter:      limiter,
		accounts:     accounts,
		trials:       trials,
		commandTiers: cfg.CommandTiers,
		observer:     observer,
		logger:       logger.With("component", "admission"),
		now:          time.Now,
	}
}

// CanProceed 给出准入结果
//
// 存储失败或超时按拒绝处理（reason=store_unavailable），error 只用于参数错误和限流档位配置错误。
func (g *AdmissionGate) CanProceed(ctx context.Context, action ActionContext) (Decision, error) {
	if action.UserID <= 0 {
		return Decision{}, invalid("user_id", "must be positive")
	}
	if action.ChatType.Shared() && action.ChatID == 0 {
		return Decision{}, invalid("chat_id", "required for group chats")
	}

	hit, err := g.limiter.CheckKeys(g.tierKeys(action))
	if err != nil {
		return Decision{}, fmt.Errorf("限流档位配置错误: %w", err)
	}
	if hit.Limited {
		g.observer.RecordRateLimited(hit.Tier)
		return g.decide(Decision{
			UserMessage: g.limitMessage(hit.Tier),
			RetryAfter:  hit.RetryAfter(g.now()),
			Reason:      ReasonRateLimited,
		}), nil
	}

	ensured, err := g.accounts.EnsureAccount(ctx, action.UserID)
	if err != nil {
		return g.storeFailure(action, "ensure_account", err)
	}
	if ensured.Created {
		return g.decide(Decision{Allow: true, Reason: ReasonSignupGrant}), nil
	}
	if ensured.Balance.Total > 0 {
		return g.decide(Decision{Allow: true, Reason: ReasonOK}), nil
	}

	if !action.ChatType.Shared() {
		return g.decide(Decision{
			UserMessage:         msgOutOfCredits,
			ShowPurchaseOptions: true,
			Reason:              ReasonInsufficientCredits,
		}), nil
	}

	trialed, err := g.trials.HasTrialed(ctx, action.UserID, action.ChatID)
	if err != nil {
		return g.storeFailure(action, "has_trialed", err)
	}
	if !trialed {
		return g.decide(Decision{Allow: true, IsTrial: true, Reason: ReasonTrial}), nil
	}
	return g.decide(Decision{
		UserMessage:         msgTrialUsed,
		ShowPurchaseOptions: true,
		Reason:              ReasonTrialUsed,
	}), nil
}

// tierKeys 本次操作需要计数的全部档位，未注册的默认档位直接跳过
func (g *AdmissionGate) tierKeys(action ActionContext) []ratelimit.TierKey {
	user := strconv.FormatInt(action.UserID, 10)
	chat := strconv.FormatInt(action.ChatID, 10)

	var keys []ratelimit.TierKey
	add := func(tier, identity string) {
		if _, ok := g.limiter.Tier(tier); ok {
			keys = append(keys, ratelimit.TierKey{Tier: tier, Identity: identity})
		}
	}
	add(config.TierGlobal, "all")
	add(config.TierUser, user)
	if action.ChatType.Shared() {
		add(config.TierChat, chat)
	}
	if action.Command != "" {
		add(config.TierCommand, user+":"+action.Command)
		if tier, ok := g.commandTiers[action.Command]; ok {
			scope := chat
			if !action.ChatType.Shared() {
				scope = "u" + user
			}
			// 额外档位是显式配置的，未注册时交给 CheckKeys 报配置错误
			keys = append(keys, ratelimit.TierKey{Tier: tier, Identity: scope})
		}
	}
	return keys
}

func (g *AdmissionGate) limitMessage(tier string) string {
	if t, ok := g.limiter.Tier(tier); ok && t.Message != "" {
		return t.Message
	}
	return msgRateLimited
}

func (g *AdmissionGate) storeFailure(action ActionContext, op string, err error) (Decision, error) {
	if IsValidation(err) {
		return Decision{}, err
	}
	level := slog.LevelWarn
	if !errors.Is(err, ErrStoreUnavailable) {
		level = slog.LevelError
	}
	g.logger.Log(context.Background(), level, "准入检查访问存储失败，按拒绝处理",
		"op", op, "user_id", action.UserID, "chat_id", action.ChatID, "err", err)
	return g.decide(Decision{
		UserMessage: msgStoreUnavailable,
		Reason:      ReasonStoreUnavailable,
	}), nil
}

func (g *AdmissionGate) decide(d Decision) Decision {
	g.observer.RecordDecision(d.Allow, d.Reason)
	return d
}
