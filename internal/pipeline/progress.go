package pipeline

import (
	"time"
)

// ProgressTracker tracks progress for long-running stage passes.
type ProgressTracker struct {
	totalBytes  int64
	startTime   time.Time
	description string
}

// NewProgressTracker creates a tracker for a pass over totalBytes of input.
// A zero totalBytes disables percentage and ETA reporting.
func NewProgressTracker(totalBytes int64, description string) *ProgressTracker {
	return &ProgressTracker{
		totalBytes:  totalBytes,
		startTime:   time.Now(),
		description: description,
	}
}

// Progress holds current progress information
type Progress struct {
	Current     int64
	Total       int64
	Percentage  float64
	Elapsed     time.Duration
	ETA         time.Duration
	Throughput  float64 // elements per second
	Description string
}

// Calculate returns progress metrics given the element count and bytes read
// so far.
func (p *ProgressTracker) Calculate(currentCount int64, bytesProcessed int64) Progress {
	elapsed := time.Since(p.startTime)

	var percentage float64
	var eta time.Duration

	if p.totalBytes > 0 && bytesProcessed > 0 {
		percentage = float64(bytesProcessed) / float64(p.totalBytes) * 100
		if percentage > 0 && percentage < 100 {
			bytesPerSecond := float64(bytesProcessed) / elapsed.Seconds()
			remainingBytes := p.totalBytes - bytesProcessed
			if bytesPerSecond > 0 {
				eta = time.Duration(float64(remainingBytes)/bytesPerSecond) * time.Second
			}
		}
	}

	var throughput float64
	if elapsed.Seconds() > 0 {
		throughput = float64(currentCount) / elapsed.Seconds()
	}

	return Progress{
		Current:     currentCount,
		Total:       p.totalBytes,
		Percentage:  percentage,
		Elapsed:     elapsed.Round(time.Second),
		ETA:         eta.Round(time.Second),
		Throughput:  throughput,
		Description: p.description,
	}
}
