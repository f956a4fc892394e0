package healthHttp

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// ReadinessChecker is satisfied by *consumer.Consumer.
type ReadinessChecker interface {
	IsHealthy() bool
}

// RegisterRoutes adds liveness and readiness endpoints for service.
func RegisterRoutes(router gin.IRoutes, service string, checker ReadinessChecker) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": service})
	})

	router.GET("/ready", func(c *gin.Context) {
		if checker.IsHealthy() {
			c.JSON(http.StatusOK, gin.H{"status": "ready", "service": service})
			return
		}
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready", "service": service})
	})
}
