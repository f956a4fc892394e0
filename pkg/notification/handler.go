package notification

import (
	"context"

	"git.famapp.in/fampay-inc/checkoutbus/pkg/common"
	"git.famapp.in/fampay-inc/checkoutbus/pkg/logger"
	"github.com/pkg/errors"
)

// Handler renders a receipt for each checkout and hands it to sender. A
// missing field or a send failure is returned so the delivery is requeued.
func Handler(sender Sender, log *logger.Logger) func(context.Context, *common.CheckoutEvent) error {
	if log == nil {
		log = logger.Nop()
	}
	return func(ctx context.Context, event *common.CheckoutEvent) error {
		if event == nil {
			return errors.Wrap(common.ErrInvalidEvent, "nil event")
		}
		body, err := RenderReceipt(event)
		if err != nil {
			return err
		}

		result, err := sender.Send(ctx, event.UserEmail, receiptSubject, body)
		if err != nil {
			return errors.Wrapf(err, "failed to send receipt for list %s", event.ListID)
		}

		log.Debug("receipt sent",
			"list_id", event.ListID,
			"to", event.UserEmail,
			"message_id", result.MessageID,
			"sent_at", result.SentAt)
		return nil
	}
}
