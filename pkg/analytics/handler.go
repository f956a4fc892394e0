package analytics

import (
	"context"
	"fmt"

	"git.famapp.in/fampay-inc/checkoutbus/pkg/common"
	"git.famapp.in/fampay-inc/checkoutbus/pkg/logger"
	"github.com/pkg/errors"
)

// Handler records each checkout in agg and logs the updated dashboard.
func Handler(agg *Aggregator, log *logger.Logger) func(context.Context, *common.CheckoutEvent) error {
	if log == nil {
		log = logger.Nop()
	}
	return func(_ context.Context, event *common.CheckoutEvent) error {
		if event == nil {
			return errors.Wrap(common.ErrInvalidEvent, "nil event")
		}
		summary := agg.Record(event)

		log.Info("dashboard updated",
			"list", fmt.Sprintf("%s (%s)", event.ListName, event.ListID),
			"amount", formatAmount(event.Spent()),
			"items", event.Items(),
			"total_checkouts", summary.TotalCheckouts,
			"total_revenue", formatAmount(summary.TotalRevenue),
			"total_items", summary.TotalItems,
			"average_ticket", formatAmount(summary.AverageTicket))
		return nil
	}
}

func formatAmount(v float64) string {
	return fmt.Sprintf("R$ %.2f", v)
}
