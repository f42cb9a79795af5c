package terminal

import "time"

const sessionIdleTimeout = 30 * time.Minute

// touch updates the last-activity timestamp. Called for every message
// received from the client.
func (c *Channel) touch() {
	c.lastMsg.Store(time.Now().UnixNano())
}

func (c *Channel) idleFor() time.Duration {
	return time.Since(time.Unix(0, c.lastMsg.Load()))
}

// watchIdle closes the channel once no client message has arrived for
// idleTimeout. Output from the device does not count as activity.
func (c *Channel) watchIdle() {
	interval := time.Minute
	if half := c.idleTimeout / 2; half > 0 && half < interval {
		interval = half
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			if c.idleFor() >= c.idleTimeout {
				_ = c.Close()
				return
			}
		}
	}
}
