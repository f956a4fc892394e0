package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"git.famapp.in/fampay-inc/checkoutbus/pkg/analytics"
	"git.famapp.in/fampay-inc/checkoutbus/pkg/broker"
	"git.famapp.in/fampay-inc/checkoutbus/pkg/common"
	"git.famapp.in/fampay-inc/checkoutbus/pkg/consumer"
	"git.famapp.in/fampay-inc/checkoutbus/pkg/logger"
	"git.famapp.in/fampay-inc/checkoutbus/pkg/notification"
	"git.famapp.in/fampay-inc/checkoutbus/pkg/publisher"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

type AppConfig struct {
	RabbitMQURL    string
	Count          int
	Interval       time.Duration
	Memory         bool
	DropAfter      int
	ReconnectDelay time.Duration
}

var log *logger.Logger
var cfg AppConfig

func init() {
	loggerConfig := logger.Config{
		Level:      "debug",
		WithCaller: true,
		Component:  "e2e",
	}
	log = logger.New(loggerConfig)
}

func main() {
	flag.StringVar(&cfg.RabbitMQURL, "url", "amqp://localhost", "RabbitMQ URL")
	flag.IntVar(&cfg.Count, "count", 5, "Number of checkouts to publish")
	flag.DurationVar(&cfg.Interval, "interval", 200*time.Millisecond, "Delay between checkouts")
	flag.BoolVar(&cfg.Memory, "memory", false, "Run publisher and both consumers against an in-process broker")
	flag.IntVar(&cfg.DropAfter, "drop-after", 0, "With -memory, drop every broker connection after this many checkouts")
	flag.DurationVar(&cfg.ReconnectDelay, "reconnect-delay", time.Second, "Consumer reconnect delay with -memory")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	var err error
	if cfg.Memory {
		err = runInMemory(ctx)
	} else {
		err = runAgainstBroker(ctx)
	}
	if err != nil {
		log.Error("e2e run failed", err)
		return
	}
	log.Info("e2e run completed", "checkouts", cfg.Count)
}

// runAgainstBroker publishes sample checkouts to a live RabbitMQ; the
// consumer processes are expected to be running.
func runAgainstBroker(ctx context.Context) error {
	pub := publisher.New(publisher.Config{URL: cfg.RabbitMQURL, Confirm: true}, broker.AMQPDialer("e2e"), log)
	defer pub.Close()

	for i := 1; i <= cfg.Count; i++ {
		if err := publishSample(ctx, pub, i); err != nil {
			return err
		}
	}
	return nil
}

func runInMemory(ctx context.Context) error {
	b := broker.NewMemoryBroker()
	agg := analytics.NewAggregator()

	analyticsConsumer, err := consumer.New(consumer.Config{
		Role:           common.RoleAnalytics,
		Queue:          common.AnalyticsQueue,
		ReconnectDelay: cfg.ReconnectDelay,
	}, b.Dial, analytics.Handler(agg, log.With("handler", "analytics")), log)
	if err != nil {
		return err
	}
	notificationConsumer, err := consumer.New(consumer.Config{
		Role:           common.RoleNotification,
		Queue:          common.NotificationQueue,
		ReconnectDelay: cfg.ReconnectDelay,
	}, b.Dial, notification.Handler(notification.NewLogSender(log.With("handler", "receipt")), log), log)
	if err != nil {
		return err
	}

	consumersCtx, stopConsumers := context.WithCancel(ctx)
	defer stopConsumers()
	g, gctx := errgroup.WithContext(consumersCtx)
	g.Go(func() error { return analyticsConsumer.Run(gctx) })
	g.Go(func() error { return notificationConsumer.Run(gctx) })

	if err := waitFor(ctx, func() bool {
		return analyticsConsumer.State() == consumer.StateConsuming &&
			notificationConsumer.State() == consumer.StateConsuming
	}); err != nil {
		return errors.Wrap(err, "consumers did not bind")
	}

	pub := publisher.New(publisher.Config{Confirm: true}, b.Dial, log)
	defer pub.Close()

	for i := 1; i <= cfg.Count; i++ {
		if err := publishSample(ctx, pub, i); err != nil {
			return err
		}
		if cfg.DropAfter > 0 && i == cfg.DropAfter {
			dropped := b.DropConnections()
			log.Warn("dropped broker connections", "count", dropped)
		}
	}

	if err := waitFor(ctx, func() bool {
		return agg.Snapshot().Summary.TotalCheckouts >= cfg.Count
	}); err != nil {
		return errors.Wrap(err, "analytics did not converge")
	}

	summary := agg.Snapshot().Summary
	log.Info("analytics summary",
		"total_checkouts", summary.TotalCheckouts,
		"total_revenue", summary.TotalRevenue,
		"total_items", summary.TotalItems,
		"average_ticket", summary.AverageTicket)

	stopConsumers()
	return g.Wait()
}

func publishSample(ctx context.Context, pub *publisher.Publisher, i int) error {
	event, err := common.NewCheckoutEvent(
		fmt.Sprintf("list-%03d", i),
		fmt.Sprintf("Shopping list %d", i),
		"Ana",
		"ana@example.com",
		i,
		float64(i)*12.5,
		time.Now().UTC(),
	)
	if err != nil {
		return err
	}

	// a publish racing a connection drop can fail; retry a few times
	for attempt := 1; ; attempt++ {
		acked, err := pub.PublishCheckout(ctx, common.CheckoutCompleted, event)
		if err == nil && acked {
			log.Info("published checkout", "list_id", event.ListID, "attempt", attempt)
			break
		}
		if err == nil {
			err = errors.New("broker did not confirm")
		}
		if attempt == 3 {
			return errors.Wrapf(err, "failed to publish %s", event.ListID)
		}
		log.Warn("publish not confirmed, retrying", "list_id", event.ListID, "attempt", attempt)
		if err := sleep(ctx, cfg.ReconnectDelay); err != nil {
			return err
		}
	}
	return sleep(ctx, cfg.Interval)
}

func waitFor(ctx context.Context, cond func() bool) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for !cond() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
