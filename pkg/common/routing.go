package common

import "strings"

// Broker rendezvous contract shared by the publisher and every consumer.
const (
	ExchangeName = "shopping_events"
	ExchangeType = "topic"

	CheckoutRoutingPrefix = "list.checkout."
	CheckoutBindingKey    = "list.checkout.#"
	CheckoutCompleted     = "completed"

	NotificationQueue = "log_console_queue"
	AnalyticsQueue    = "analytics_queue"

	ContentTypeJSON = "application/json"
)

// Consumer roles, used in logs, metrics and liveness responses.
const (
	RoleNotification = "notification-consumer"
	RoleAnalytics    = "analytics-consumer"
	RolePublisher    = "checkout-publisher"
)

// CheckoutRoutingKey returns list.checkout.<subtype>. An empty subtype
// falls back to "completed".
func CheckoutRoutingKey(subtype string) string {
	subtype = strings.Trim(subtype, ".")
	if subtype == "" {
		subtype = CheckoutCompleted
	}
	return CheckoutRoutingPrefix + subtype
}
