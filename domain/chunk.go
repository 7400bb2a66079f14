package domain

import "time"

// MaxChunkAttempts caps retries per chunk before the owning session
// is marked errored.
const MaxChunkAttempts = 3

type ChunkStatus string

const (
	ChunkPending      ChunkStatus = "pending"
	ChunkInFlight     ChunkStatus = "inFlight"
	ChunkAcknowledged ChunkStatus = "acknowledged"
	ChunkFailed       ChunkStatus = "failed"
)

// ChunkAttempt is per-chunk retry bookkeeping.
type ChunkAttempt struct {
	ChunkIndex    int
	AttemptCount  int
	LastAttemptAt time.Time
	Status        ChunkStatus
}

// Begin records the start of one submission attempt.
func (c *ChunkAttempt) Begin(now time.Time) {
	c.AttemptCount++
	c.LastAttemptAt = now
	c.Status = ChunkInFlight
}

// Exhausted reports whether another attempt is still allowed.
func (c *ChunkAttempt) Exhausted() bool {
	return c.AttemptCount >= MaxChunkAttempts
}
