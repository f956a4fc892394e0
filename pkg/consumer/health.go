package consumer

import "sync"

const unhealthyThreshold = 3

// ConsumerHealth turns unhealthy only after unhealthyThreshold consecutive
// failures, and healthy again on the first success.
type ConsumerHealth struct {
	mu             sync.RWMutex
	isHealthy      bool
	unhealthyCount int
}

func (c *ConsumerHealth) SetHealth(health bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if health {
		c.isHealthy = true
		c.unhealthyCount = 0
		return
	}
	c.unhealthyCount++
	if c.unhealthyCount >= unhealthyThreshold {
		c.isHealthy = false
	}
}

func (c *ConsumerHealth) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.isHealthy = false
}

func (c *ConsumerHealth) GetHealth() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isHealthy
}
