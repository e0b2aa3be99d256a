package service

import (
	"errors"
	"fmt"

	"creditgate/internal/repository"
)

// 拒绝原因，既用于 DebitResult/ReferralResult 的 Reason，也用于准入决策和指标标签
const (
	ReasonOK                  = "ok"
	ReasonInsufficientCredits = "insufficient_credits"
	ReasonInvalidCode         = "invalid_code"
	ReasonSelfReferral        = "self_referral"
	ReasonAlreadyReferred     = "already_referred"
	ReasonCircularReferral    = "circular_referral"
	ReasonNotNewAccount       = "not_new_account"
	ReasonStoreUnavailable    = "store_unavailable"
	ReasonRateLimited         = "rate_limited"
	ReasonSignupGrant         = "signup_grant"
	ReasonTrial               = "trial"
	ReasonTrialUsed           = "trial_used"
)

var (
	// ErrStoreUnavailable 存储超时或连接失败，调用方按失败处理，可以从头重试整个操作
	ErrStoreUnavailable = errors.New("账本存储不可用")
	ErrAccountNotFound  = repository.ErrAccountNotFound
)

// ValidationError 参数错误，在访问存储之前返回，不重试
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("参数错误 %s: %s", e.Field, e.Message)
}

func invalid(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// IsValidation 判断是否为参数错误
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// storeErr 把底层存储错误归一为 ErrStoreUnavailable，业务错误原样返回
func storeErr(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case IsValidation(err),
		errors.Is(err, ErrStoreUnavailable),
		errors.Is(err, repository.ErrAccountNotFound),
		errors.Is(err, repository.ErrBalanceNotEnough):
		return err
	default:
		return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
	}
}
