package connection

import "time"

const (
	maxReconnectAttempts = 5
	maxReconnectDelay    = 30 * time.Second
)

// reconnectDelay returns min(2^attempt, 30) seconds.
func reconnectDelay(attempt int) time.Duration {
	if attempt >= 5 {
		return maxReconnectDelay
	}
	d := time.Duration(1<<uint(attempt)) * time.Second
	if d > maxReconnectDelay {
		return maxReconnectDelay
	}
	return d
}
