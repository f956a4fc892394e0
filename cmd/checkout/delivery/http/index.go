package checkoutHttp

import (
	"context"
	"net/http"
	"time"

	"git.famapp.in/fampay-inc/checkoutbus/cmd/utils"
	"git.famapp.in/fampay-inc/checkoutbus/pkg/common"
	"github.com/gin-gonic/gin"
)

// CheckoutPublisher is satisfied by *publisher.Publisher.
type CheckoutPublisher interface {
	PublishCheckout(ctx context.Context, subtype string, event *common.CheckoutEvent) (bool, error)
	IsConnected() bool
}

// CheckoutRequest is the body of POST /checkouts.
type CheckoutRequest struct {
	ListID      string     `json:"listId" validate:"required,max=128"`
	ListName    string     `json:"listName" validate:"max=256"`
	UserName    string     `json:"userName" validate:"max=256"`
	UserEmail   string     `json:"userEmail" validate:"required,email"`
	TotalItems  *int       `json:"totalItems" validate:"required,gte=0"`
	TotalGasto  *float64   `json:"totalGasto" validate:"required,gte=0"`
	CompletedAt *time.Time `json:"completedAt"`
	// Event is the routing key suffix, "completed" when empty.
	Event string `json:"event" validate:"omitempty,alphanum,max=64"`
}

type controller struct {
	publisher CheckoutPublisher
}

// RegisterRoutes adds the checkout endpoint and a liveness probe.
func RegisterRoutes(router gin.IRoutes, publisher CheckoutPublisher) {
	ctrl := &controller{publisher: publisher}
	router.POST("/checkouts", ctrl.createCheckout)
	router.GET("/health", ctrl.health)
}

func (ctrl *controller) createCheckout(c *gin.Context) {
	log := utils.GetLogger(c.Request.Context())

	var req CheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid JSON body"})
		return
	}
	if err := utils.ValidateStruct(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}

	var completedAt time.Time
	if req.CompletedAt != nil {
		completedAt = *req.CompletedAt
	}
	event, err := common.NewCheckoutEvent(req.ListID, req.ListName, req.UserName, req.UserEmail,
		*req.TotalItems, *req.TotalGasto, completedAt)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}

	routingKey := common.CheckoutRoutingKey(req.Event)
	acked, err := ctrl.publisher.PublishCheckout(c.Request.Context(), req.Event, event)
	if err != nil {
		log.Error("failed to publish checkout", "list_id", req.ListID, "routing_key", routingKey, "error", err.Error())
		c.JSON(http.StatusServiceUnavailable, gin.H{"success": false, "error": "message broker unavailable"})
		return
	}

	log.Info("checkout published", "list_id", req.ListID, "routing_key", routingKey, "acked", acked)
	c.JSON(http.StatusAccepted, gin.H{"success": true, "published": acked, "routingKey": routingKey})
}

func (ctrl *controller) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"service":   common.RolePublisher,
		"connected": ctrl.publisher.IsConnected(),
	})
}
