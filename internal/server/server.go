package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/propertypay/internal/config"
	contractdomain "github.com/smallbiznis/propertypay/internal/contract/domain"
	"github.com/smallbiznis/propertypay/internal/observability"
	obsmiddleware "github.com/smallbiznis/propertypay/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/propertypay/internal/observability/metrics"
	obstracing "github.com/smallbiznis/propertypay/internal/observability/tracing"
	paymentdomain "github.com/smallbiznis/propertypay/internal/payment/domain"
	payoutdomain "github.com/smallbiznis/propertypay/internal/payout/domain"
	webhookdomain "github.com/smallbiznis/propertypay/internal/webhook/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

// maxWebhookBody caps inbound webhook payloads.
const maxWebhookBody = 1 << 20

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	return NewEngine(obsCfg, httpMetrics)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine      *gin.Engine
	cfg         config.Config
	db          *gorm.DB
	log         *zap.Logger
	contractSvc contractdomain.Service
	paymentSvc  paymentdomain.Service
	payoutSvc   payoutdomain.Service
	webhooks    webhookdomain.Processor
	obsMetrics  *obsmetrics.Metrics
}

type ServerParams struct {
	fx.In

	Gin         *gin.Engine
	Cfg         config.Config
	DB          *gorm.DB
	Log         *zap.Logger
	ContractSvc contractdomain.Service
	PaymentSvc  paymentdomain.Service
	PayoutSvc   payoutdomain.Service
	Webhooks    webhookdomain.Processor
	ObsMetrics  *obsmetrics.Metrics `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:      p.Gin,
		cfg:         p.Cfg,
		db:          p.DB,
		log:         p.Log.Named("http"),
		contractSvc: p.ContractSvc,
		paymentSvc:  p.PaymentSvc,
		payoutSvc:   p.PayoutSvc,
		webhooks:    p.Webhooks,
		obsMetrics:  p.ObsMetrics,
	}
	svc.RegisterRoutes()
	return svc
}

func (s *Server) RegisterRoutes() {
	s.engine.GET("/ready", s.Ready)

	// Gateways post here; responses are 2xx only when the event is stored.
	s.engine.POST("/webhooks/:gateway", s.HandleGatewayWebhook)

	api := s.engine.Group("/api")
	{
		api.GET("/contracts/:id", s.GetContract)
		api.POST("/contracts/:id/payments", s.SchedulePayments)
		api.GET("/contracts/:id/payments", s.ListContractPayments)
		api.GET("/contracts/:id/settlement", s.GetSettlement)
		api.GET("/contracts/:id/payouts", s.ListContractPayouts)

		api.GET("/payments/:id", s.GetPayment)
		api.POST("/payments/:id/session", s.OpenPaymentSession)

		api.POST("/payouts/:id/retry", s.RetryPayout)
	}
}

// Ready reports whether the database answers.
func (s *Server) Ready(c *gin.Context) {
	sqlDB, err := s.db.DB()
	if err == nil {
		err = sqlDB.PingContext(c.Request.Context())
	}
	if err != nil {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}
