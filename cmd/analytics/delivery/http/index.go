package analyticsHttp

import (
	"net/http"

	"git.famapp.in/fampay-inc/checkoutbus/pkg/analytics"
	"git.famapp.in/fampay-inc/checkoutbus/pkg/common"
	"github.com/gin-gonic/gin"
)

type analyticsResponse struct {
	Success bool               `json:"success"`
	Data    analytics.Snapshot `json:"data"`
}

// RegisterRoutes exposes the read model and liveness endpoint.
func RegisterRoutes(router gin.IRoutes, agg *analytics.Aggregator) {
	router.GET("/analytics", func(c *gin.Context) {
		c.JSON(http.StatusOK, analyticsResponse{Success: true, Data: agg.Snapshot()})
	})

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": common.RoleAnalytics})
	})
}
