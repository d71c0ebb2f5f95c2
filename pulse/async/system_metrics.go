package async

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v3/mem"

	"github.com/teranos/ingestd/errors"
)

// SystemMetrics tracks resource usage for worker pool monitoring
type SystemMetrics struct {
	WorkerID      string  `json:"worker_id"`
	WorkersActive int     `json:"workers_active"`  // Workers currently running an instance
	WorkersTotal  int     `json:"workers_total"`   // Configured workers
	JobsProcessed int     `json:"jobs_processed"`  // Instances claimed since Start
	JobsClaimable int     `json:"jobs_claimable"`  // Instances the scheduler would hand out now
	MemoryUsedGB  float64 `json:"memory_used_gb"`  // Current memory usage in GB
	MemoryTotalGB float64 `json:"memory_total_gb"` // Total system memory in GB
	MemoryPercent float64 `json:"memory_percent"`  // Memory utilization percentage
}

// getMemoryStats returns total and available memory in bytes
func getMemoryStats() (total uint64, available uint64, err error) {
	v, err := mem.VirtualMemory()
	if err != nil {
		return 0, 0, errors.Wrap(err, "failed to get memory stats")
	}
	return v.Total, v.Available, nil
}

// calculateSafeWorkerCount recommends a worker count for the available memory.
// A controller holds at most one page of records plus the merged partial
// result, budgeted at 512MB per worker.
func calculateSafeWorkerCount(availableGB float64) int {
	const memoryPerWorker = 0.5 // GB per running controller
	const memoryBuffer = 1.0    // GB reserved for the scheduler and SQLite

	if availableGB < memoryBuffer {
		return 1
	}

	recommended := int((availableGB - memoryBuffer) / memoryPerWorker)
	if recommended < 1 {
		return 1
	}
	if recommended > 32 {
		return 32
	}
	return recommended
}

// GetSystemMetrics returns current worker and memory usage
func (wp *WorkerPool) GetSystemMetrics(ctx context.Context) SystemMetrics {
	total, available, err := getMemoryStats()

	var memUsedGB, memTotalGB, memPercent float64
	if err == nil && total > 0 {
		memTotalGB = float64(total) / 1024 / 1024 / 1024
		memUsedGB = float64(total-available) / 1024 / 1024 / 1024
		memPercent = (memUsedGB / memTotalGB) * 100
	}

	// Scheduler unreachable reports zero claimable
	claimable := 0
	if ready, err := wp.client.GetJobsToRun(ctx); err == nil {
		claimable = len(ready)
	}

	wp.mu.Lock()
	defer wp.mu.Unlock()
	return SystemMetrics{
		WorkerID:      wp.workerID,
		WorkersActive: wp.activeWorkers,
		WorkersTotal:  wp.workers,
		JobsProcessed: wp.jobsProcessed,
		JobsClaimable: claimable,
		MemoryUsedGB:  memUsedGB,
		MemoryTotalGB: memTotalGB,
		MemoryPercent: memPercent,
	}
}

// checkMemoryPressure returns a warning when the worker count may be too
// high for the available memory, "" otherwise
func (wp *WorkerPool) checkMemoryPressure() string {
	total, available, err := getMemoryStats()
	if err != nil {
		return ""
	}

	availableGB := float64(available) / 1024 / 1024 / 1024
	totalGB := float64(total) / 1024 / 1024 / 1024
	recommended := calculateSafeWorkerCount(availableGB)

	if wp.workers > recommended {
		return fmt.Sprintf(
			"Worker count (%d) exceeds recommended (%d) for available memory (%.1f/%.1fGB). "+
				"Consider reducing workers to prevent memory pressure.",
			wp.workers, recommended, totalGB-availableGB, totalGB)
	}
	return ""
}
