package handler

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type RouterOptions struct {
	AdminToken string
	Gatherer   prometheus.Gatherer
	Logger     *slog.Logger
}

// SetupRouter 配置路由
func SetupRouter(h *Handler, opts RouterOptions) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	r := gin.New()
	r.Use(RecoveryMiddleware(logger))
	r.Use(LoggerMiddleware(logger))

	api := r.Group("/api/v1")
	{
		account := api.Group("/account")
		{
			account.GET("/balance", h.GetBalance)
			account.GET("/transactions", h.ListTransactions)
			account.GET("/reconcile", h.Reconcile)
		}

		api.POST("/admission/check", h.CheckAdmission)
		api.POST("/usage/debit", h.Debit)

		trial := api.Group("/trial")
		{
			trial.POST("/record", h.RecordTrial)
			trial.GET("/stats", h.TrialStats)
		}

		referral := api.Group("/referral")
		{
			referral.GET("/code", h.GetReferralCode)
			referral.POST("/apply", h.ApplyReferral)
		}

		api.POST("/payment/callback", h.PaymentCallback)

		// 未配置 token 时不开放运营接口
		if opts.AdminToken != "" {
			admin := api.Group("/admin", AdminAuthMiddleware(opts.AdminToken))
			{
				admin.POST("/grant", h.AdminGrant)
				admin.POST("/outbox/requeue", h.RequeueOutbox)
				admin.GET("/referral", h.ReferralInfo)
			}
		} else {
			logger.Warn("未配置 server.admin_token，运营接口未开放")
		}
	}

	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	return r
}
