package server

import (
	"context"
	"fmt"
	"os"
	"runtime"

	"github.com/shirou/gopsutil/v3/process"
)

// processStats は /api/status に載せる自プロセスの資源使用量
type processStats struct {
	PID        int32   `json:"pid"`
	CPUPercent float64 `json:"cpu_percent"`
	RSSBytes   uint64  `json:"rss_bytes"`
	NumThreads int32   `json:"num_threads"`
	Goroutines int     `json:"goroutines"`
	OpenFiles  int     `json:"open_files,omitempty"`
}

func collectProcessStats(ctx context.Context) (*processStats, error) {
	proc, err := process.NewProcessWithContext(ctx, int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("プロセス情報の取得に失敗: %w", err)
	}

	stats := &processStats{
		PID:        proc.Pid,
		Goroutines: runtime.NumGoroutine(),
	}

	if cpu, err := proc.CPUPercentWithContext(ctx); err == nil {
		stats.CPUPercent = cpu
	}
	if mem, err := proc.MemoryInfoWithContext(ctx); err == nil {
		stats.RSSBytes = mem.RSS
	}
	if threads, err := proc.NumThreadsWithContext(ctx); err == nil {
		stats.NumThreads = threads
	}
	if files, err := proc.OpenFilesWithContext(ctx); err == nil {
		stats.OpenFiles = len(files)
	}

	return stats, nil
}
