package metrics

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Observer 准入决策、限流拒绝与账本操作的埋点
type Observer interface {
	RecordDecision(allow bool, reason string)
	RecordRateLimited(tier string)
	RecordLedgerOp(op string, duration time.Duration, err error)
}

// PrometheusObserver 导出到 Prometheus
type PrometheusObserver struct {
	decisions   *prometheus.CounterVec
	rateLimited *prometheus.CounterVec
	ledgerOps   *prometheus.HistogramVec
	ledgerErrs  *prometheus.CounterVec
}

func NewPrometheusObserver(namespace string, reg prometheus.Registerer) (*PrometheusObserver, error) {
	if namespace == "" {
		namespace = "creditgate"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	o := &PrometheusObserver{
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_decisions_total",
			Help:      "Admission decisions by outcome and reason.",
		}, []string{"outcome", "reason"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ratelimit_rejections_total",
			Help:      "Actions rejected by a rate-limit tier.",
		}, []string{"tier"}),
		ledgerOps: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ledger_operation_duration_seconds",
			Help:      "Latency of credit ledger operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		ledgerErrs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_operation_errors_total",
			Help:      "Credit ledger operations that failed.",
		}, []string{"operation"}),
	}

	if err := register(reg, &o.decisions); err != nil {
		return nil, err
	}
	if err := register(reg, &o.rateLimited); err != nil {
		return nil, err
	}
	if err := register(reg, &o.ledgerErrs); err != nil {
		return nil, err
	}
	if err := reg.Register(o.ledgerOps); err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			return nil, fmt.Errorf("注册指标失败: %w", err)
		}
		o.ledgerOps = are.ExistingCollector.(*prometheus.HistogramVec)
	}
	return o, nil
}

// register 重复注册时复用已存在的指标
func register(reg prometheus.Registerer, c **prometheus.CounterVec) error {
	if err := reg.Register(*c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			return fmt.Errorf("注册指标失败: %w", err)
		}
		*c = are.ExistingCollector.(*prometheus.CounterVec)
	}
	return nil
}

func (o *PrometheusObserver) RecordDecision(allow bool, reason string) {
	outcome := "deny"
	if allow {
		outcome = "allow"
	}
	o.decisions.WithLabelValues(outcome, reason).Inc()
}

func (o *PrometheusObserver) RecordRateLimited(tier string) {
	o.rateLimited.WithLabelValues(tier).Inc()
}

func (o *PrometheusObserver) RecordLedgerOp(op string, duration time.Duration, err error) {
	o.ledgerOps.WithLabelValues(op).Observe(duration.Seconds())
	if err != nil {
		o.ledgerErrs.WithLabelValues(op).Inc()
	}
}

type nopObserver struct{}

// Nop 不做任何记录，测试和未开启指标时使用
func Nop() Observer { return nopObserver{} }

func (nopObserver) RecordDecision(bool, string) {}

func (nopObserver) RecordRateLimited(string) {}

func (nopObserver) RecordLedgerOp(string, time.Duration, error) {}
