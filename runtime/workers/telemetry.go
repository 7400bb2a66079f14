package workers

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/shirou/gopsutil/process"

	"uplink/observability"
)

// BytesRemainingFunc reports the outstanding bytes across active uploads.
type BytesRemainingFunc func() int64

// TelemetryWorker logs a transfer snapshot on a fixed interval: upload
// speed, remaining-time estimate, and the client process's own footprint.
type TelemetryWorker struct {
	log            *slog.Logger
	monitor        *observability.Monitor
	bytesRemaining BytesRemainingFunc
	interval       time.Duration
}

func NewTelemetryWorker(
	log *slog.Logger,
	monitor *observability.Monitor,
	bytesRemaining BytesRemainingFunc,
	interval time.Duration,
) *TelemetryWorker {
	return &TelemetryWorker{
		log:            log,
		monitor:        monitor,
		bytesRemaining: bytesRemaining,
		interval:       interval,
	}
}

func (w *TelemetryWorker) Run(ctx context.Context) error {
	w.log.Info("Starting transfer telemetry worker")

	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return err
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			stats := w.monitor.Refresh(w.bytesRemaining())
			if stats.ActiveSessions == 0 && stats.BytesUploaded == 0 {
				continue
			}

			rss, cpu, err := selfStats(p)
			if err != nil {
				w.log.Error("Failed to collect self stats", "err", err)
				continue
			}

			w.log.Info("Transfer telemetry",
				"active_sessions", stats.ActiveSessions,
				"bytes_uploaded", stats.BytesUploaded,
				"chunks_acked", stats.ChunksAcked,
				"chunks_failed", stats.ChunksFailed,
				"upload_speed_bps", stats.UploadSpeed,
				"eta_seconds", stats.SecondsToFinish,
				"ram_bytes", rss,
				"cpu_percent", cpu,
			)
		}
	}
}

// selfStats retrieves memory and CPU figures for the given process.
func selfStats(p *process.Process) (uint64, float64, error) {
	memInfo, err := p.MemoryInfo()
	if err != nil {
		return 0, 0, err
	}
	cpuPercent, err := p.CPUPercent()
	if err != nil {
		return 0, 0, err
	}
	return memInfo.RSS, cpuPercent, nil
}
