package main

import (
	"context"

	checkoutHttp "git.famapp.in/fampay-inc/checkoutbus/cmd/checkout/delivery/http"
	"git.famapp.in/fampay-inc/checkoutbus/cmd/utils"
	"git.famapp.in/fampay-inc/checkoutbus/pkg/broker"
	"git.famapp.in/fampay-inc/checkoutbus/pkg/common"
	"git.famapp.in/fampay-inc/checkoutbus/pkg/metrics"
	"git.famapp.in/fampay-inc/checkoutbus/pkg/publisher"
	"github.com/gin-gonic/gin"
)

func main() {
	ctx, cancel := utils.WithSignalCancel(context.Background())
	defer cancel()
	logger := utils.GetAppLogger()
	defer logger.Sync()

	cfg := utils.GetConfig()
	metrics.Register()

	pub := publisher.New(publisher.Config{
		URL:     cfg.RabbitMQURL,
		Confirm: cfg.PublisherConfirms,
	}, broker.AMQPDialer(cfg.Name+"."+common.RolePublisher), utils.ComponentLogger("publisher"))
	defer pub.Close()

	// publishes reconnect lazily if this fails
	if _, err := pub.EnsureConnected(ctx); err != nil {
		logger.Warnf("Broker not reachable at startup, will retry on first publish: %v", err)
	}

	gin.SetMode(gin.ReleaseMode)
	router := utils.NewRouter()
	checkoutHttp.RegisterRoutes(router, pub)

	if err := utils.Serve(ctx, "checkout", cfg.CheckoutPort, router); err != nil {
		logger.Errorf("checkout service exited with error: %v", err)
		return
	}
	logger.Info("checkout service exiting gracefully.")
}
