package main

import (
	"context"

	healthHttp "git.famapp.in/fampay-inc/checkoutbus/cmd/notifier/delivery/health"
	"git.famapp.in/fampay-inc/checkoutbus/cmd/utils"
	"git.famapp.in/fampay-inc/checkoutbus/pkg/broker"
	"git.famapp.in/fampay-inc/checkoutbus/pkg/common"
	"git.famapp.in/fampay-inc/checkoutbus/pkg/consumer"
	"git.famapp.in/fampay-inc/checkoutbus/pkg/metrics"
	"git.famapp.in/fampay-inc/checkoutbus/pkg/notification"
	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"
)

func main() {
	ctx, cancel := utils.WithSignalCancel(context.Background())
	defer cancel()
	logger := utils.GetAppLogger()
	defer logger.Sync()

	// Register metrics as early as possible
	cfg := utils.GetConfig()
	metrics.Register()

	logger.Infof("Starting notification consumer for queue: %s", common.NotificationQueue)

	sender := notification.NewLogSender(utils.ComponentLogger("receipt"))
	notificationConsumer, err := consumer.New(consumer.Config{
		Role:           common.RoleNotification,
		URL:            cfg.RabbitMQURL,
		Queue:          common.NotificationQueue,
		ReconnectDelay: cfg.ReconnectDelay,
		Prefetch:       cfg.ConsumerPrefetch,
	},
		broker.AMQPDialer(cfg.Name+"."+common.RoleNotification),
		notification.Handler(sender, utils.ComponentLogger("notification")),
		utils.ComponentLogger("consumer"),
	)
	if err != nil {
		logger.Errorf("Failed to create notification consumer: %v", err)
		return
	}

	gin.SetMode(gin.ReleaseMode)
	router := utils.NewRouter()
	healthHttp.RegisterRoutes(router, common.RoleNotification, notificationConsumer)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return notificationConsumer.Run(gctx)
	})
	g.Go(func() error {
		return utils.Serve(gctx, "health", cfg.NotifierPort, router)
	})

	if err := g.Wait(); err != nil {
		logger.Errorf("notification consumer exited with error: %v", err)
		return
	}
	logger.Info("notification consumer exiting gracefully.")
}
