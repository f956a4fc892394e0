package main

import (
	"context"

	analyticsHttp "git.famapp.in/fampay-inc/checkoutbus/cmd/analytics/delivery/http"
	"git.famapp.in/fampay-inc/checkoutbus/cmd/utils"
	"git.famapp.in/fampay-inc/checkoutbus/pkg/analytics"
	"git.famapp.in/fampay-inc/checkoutbus/pkg/broker"
	"git.famapp.in/fampay-inc/checkoutbus/pkg/common"
	"git.famapp.in/fampay-inc/checkoutbus/pkg/consumer"
	"git.famapp.in/fampay-inc/checkoutbus/pkg/metrics"
	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"
)

func main() {
	ctx, cancel := utils.WithSignalCancel(context.Background())
	defer cancel()
	logger := utils.GetAppLogger()
	defer logger.Sync()

	cfg := utils.GetConfig()
	metrics.Register()

	logger.Infof("Starting analytics consumer for queue: %s", common.AnalyticsQueue)

	agg := analytics.NewAggregator()
	analyticsConsumer, err := consumer.New(consumer.Config{
		Role:           common.RoleAnalytics,
		URL:            cfg.RabbitMQURL,
		Queue:          common.AnalyticsQueue,
		ReconnectDelay: cfg.ReconnectDelay,
		Prefetch:       cfg.ConsumerPrefetch,
	},
		broker.AMQPDialer(cfg.Name+"."+common.RoleAnalytics),
		analytics.Handler(agg, utils.ComponentLogger("analytics")),
		utils.ComponentLogger("consumer"),
	)
	if err != nil {
		logger.Errorf("Failed to create analytics consumer: %v", err)
		return
	}

	gin.SetMode(gin.ReleaseMode)
	router := utils.NewRouter()
	analyticsHttp.RegisterRoutes(router, agg)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return analyticsConsumer.Run(gctx)
	})
	g.Go(func() error {
		logger.Infof("Dashboard: http://localhost:%d/analytics", cfg.AnalyticsPort)
		return utils.Serve(gctx, "analytics", cfg.AnalyticsPort, router)
	})

	if err := g.Wait(); err != nil {
		logger.Errorf("analytics consumer exited with error: %v", err)
		return
	}
	logger.Info("analytics consumer exiting gracefully.")
}
