package model

import "fmt"

// Pool 额度池：免费、付费、订阅三种来源，账户总额 = 三者之和
type Pool int

const (
	PoolFree Pool = iota
	PoolPaid
	PoolSubscription
)

// DebitOrder 扣减顺序：先免费，再付费，最后订阅
var DebitOrder = [...]Pool{PoolFree, PoolPaid, PoolSubscription}

// PoolMixed 一笔扣款跨多个池时流水上记录的池名
const PoolMixed = "mixed"

func (p Pool) String() string {
	switch p {
	case PoolFree:
		return "free"
	case PoolPaid:
		return "paid"
	case PoolSubscription:
		return "subscription"
	default:
		return fmt.Sprintf("pool(%d)", int(p))
	}
}

func (p Pool) Valid() bool {
	switch p {
	case PoolFree, PoolPaid, PoolSubscription:
		return true
	default:
		return false
	}
}

// ParsePool 解析外部传入的池名
func ParsePool(s string) (Pool, error) {
	switch s {
	case "free":
		return PoolFree, nil
	case "paid":
		return PoolPaid, nil
	case "subscription":
		return PoolSubscription, nil
	default:
		return 0, fmt.Errorf("unknown credit pool %q", s)
	}
}
