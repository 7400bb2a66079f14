// Package observability aggregates live transfer metrics for logging and
// progress reporting.
package observability

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// TransferStats is a snapshot of the upload pipeline.
type TransferStats struct {
	BytesUploaded   uint64  `json:"bytes_uploaded"`
	ChunksAcked     uint64  `json:"chunks_acked"`
	ChunksFailed    uint64  `json:"chunks_failed"`
	ActiveSessions  int32   `json:"active_sessions"`
	UploadSpeed     float64 `json:"upload_speed"`      // bytes/s since last snapshot
	SecondsToFinish float64 `json:"seconds_to_finish"` // estimate, 0 when idle
}

// Monitor collects counters from concurrent chunk submitters through
// atomics and periodically folds them into a snapshot.
type Monitor struct {
	log *slog.Logger

	bytesUploaded  atomic.Uint64
	chunksAcked    atomic.Uint64
	chunksFailed   atomic.Uint64
	activeSessions atomic.Int32

	mu          sync.RWMutex
	latest      TransferStats
	lastBytes   uint64
	lastCheckAt time.Time
}

func NewMonitor(log *slog.Logger) *Monitor {
	return &Monitor{log: log, lastCheckAt: time.Now()}
}

func (m *Monitor) AddBytes(n int64)    { m.bytesUploaded.Add(uint64(n)) }
func (m *Monitor) IncrChunkAcked()     { m.chunksAcked.Add(1) }
func (m *Monitor) IncrChunkFailed()    { m.chunksFailed.Add(1) }
func (m *Monitor) SessionStarted()     { m.activeSessions.Add(1) }
func (m *Monitor) SessionFinished()    { m.activeSessions.Add(-1) }

// Refresh recomputes speed from the byte delta since the previous call and
// derives the remaining-time estimate for the given outstanding byte count.
func (m *Monitor) Refresh(bytesRemaining int64) TransferStats {
	now := time.Now()
	bytes := m.bytesUploaded.Load()

	m.mu.Lock()
	defer m.mu.Unlock()

	elapsed := now.Sub(m.lastCheckAt).Seconds()
	var speed float64
	if elapsed > 0 {
		speed = float64(bytes-m.lastBytes) / elapsed
	}
	m.lastBytes = bytes
	m.lastCheckAt = now

	var eta float64
	if speed > 0 && bytesRemaining > 0 {
		eta = float64(bytesRemaining) / speed
	}

	m.latest = TransferStats{
		BytesUploaded:   bytes,
		ChunksAcked:     m.chunksAcked.Load(),
		ChunksFailed:    m.chunksFailed.Load(),
		ActiveSessions:  m.activeSessions.Load(),
		UploadSpeed:     speed,
		SecondsToFinish: eta,
	}
	return m.latest
}

// GetLatest returns the last computed snapshot without recomputing.
func (m *Monitor) GetLatest() TransferStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.latest
}
