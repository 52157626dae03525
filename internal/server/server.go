package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/creditledger/internal/billing"
	billingdomain "github.com/smallbiznis/creditledger/internal/billing/domain"
	"github.com/smallbiznis/creditledger/internal/clock"
	"github.com/smallbiznis/creditledger/internal/config"
	"github.com/smallbiznis/creditledger/internal/ledger"
	ledgerdomain "github.com/smallbiznis/creditledger/internal/ledger/domain"
	"github.com/smallbiznis/creditledger/internal/observability"
	obsmiddleware "github.com/smallbiznis/creditledger/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/creditledger/internal/observability/metrics"
	obstracing "github.com/smallbiznis/creditledger/internal/observability/tracing"
	"github.com/smallbiznis/creditledger/internal/ratelimit"
	"github.com/smallbiznis/creditledger/internal/subscription"
	subscriptiondomain "github.com/smallbiznis/creditledger/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	config.Module,
	clock.Module,
	fx.Provide(registerGin),
	ledger.Module,
	subscription.Module,
	billing.Module,
	ratelimit.Module,
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

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
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatal("http server failed", zap.Error(err))
				}
			}()
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
	engine          *gin.Engine
	cfg             config.Config
	ledgerSvc       ledgerdomain.Service
	subscriptionSvc subscriptiondomain.Service
	intake          billingdomain.Intake
	limiter         *ratelimit.RequestLimiter
	metrics         *obsmetrics.Metrics
	log             *zap.Logger
}

type ServerParams struct {
	fx.In

	Gin             *gin.Engine
	Cfg             config.Config
	Log             *zap.Logger
	LedgerSvc       ledgerdomain.Service
	SubscriptionSvc subscriptiondomain.Service
	Intake          billingdomain.Intake
	Limiter         *ratelimit.RequestLimiter `optional:"true"`
	Metrics         *obsmetrics.Metrics       `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:          p.Gin,
		cfg:             p.Cfg,
		log:             p.Log.Named("http.server"),
		ledgerSvc:       p.LedgerSvc,
		subscriptionSvc: p.SubscriptionSvc,
		intake:          p.Intake,
		limiter:         p.Limiter,
		metrics:         p.Metrics,
	}

	svc.registerBillingRoutes()
	svc.registerAccountRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerBillingRoutes() {
	s.engine.POST("/billing/events", s.WebhookRateLimit(), s.HandleBillingEvent)
}

func (s *Server) registerAccountRoutes() {
	accounts := s.engine.Group("/v1/accounts", s.ServiceTokenAuth())

	accounts.GET("/:account_id/balance", s.GetBalance)
	accounts.GET("/:account_id/transactions", s.ListTransactions)
	accounts.GET("/:account_id/transactions/:txn_id", s.GetTransaction)
	accounts.GET("/:account_id/subscription", s.GetSubscription)
	accounts.POST("/:account_id/spend", s.SpendRateLimit(), s.SpendAccountLock(), s.Spend)
	accounts.POST("/:account_id/grant", s.Grant)
	accounts.POST("/:account_id/subscription/cancel", s.CancelSubscription)
	accounts.POST("/:account_id/subscription/reactivate", s.ReactivateSubscription)
}
