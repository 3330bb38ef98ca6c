package pipeline

import (
	"fmt"
	"time"
)

// ProgressTracker tracks progress against a known number of entities
type ProgressTracker struct {
	total       int64
	startTime   time.Time
	description string
}

// NewProgressTracker creates a new progress tracker
func NewProgressTracker(total int64, description string) *ProgressTracker {
	return &ProgressTracker{
		total:       total,
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
	Throughput  float64 // units per second
	Description string
}

// Calculate returns current progress metrics given the number of entities read
func (p *ProgressTracker) Calculate(current int64) Progress {
	return p.calculateAt(current, time.Now())
}

func (p *ProgressTracker) calculateAt(current int64, now time.Time) Progress {
	elapsed := now.Sub(p.startTime)

	var percentage, throughput float64
	var eta time.Duration

	if elapsed.Seconds() > 0 {
		throughput = float64(current) / elapsed.Seconds()
	}
	if p.total > 0 && current > 0 {
		percentage = float64(current) / float64(p.total) * 100
		if percentage > 100 {
			percentage = 100
		}
		if current < p.total && throughput > 0 {
			eta = time.Duration(float64(p.total-current) / throughput * float64(time.Second))
		}
	}

	return Progress{
		Current:     current,
		Total:       p.total,
		Percentage:  percentage,
		Elapsed:     elapsed.Round(time.Second),
		ETA:         eta.Round(time.Second),
		Throughput:  throughput,
		Description: p.description,
	}
}

// FormatETA formats the ETA duration in a human-readable format
func FormatETA(d time.Duration) string {
	if d <= 0 {
		return "calculating..."
	}

	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}

// FormatThroughput formats throughput as human-readable items per second
func FormatThroughput(itemsPerSec float64) string {
	if itemsPerSec >= 1_000_000 {
		return fmt.Sprintf("%.1fM/s", itemsPerSec/1_000_000)
	}
	if itemsPerSec >= 1_000 {
		return fmt.Sprintf("%.1fK/s", itemsPerSec/1_000)
	}
	return fmt.Sprintf("%.0f/s", itemsPerSec)
}

// FormatBytes formats bytes in a human-readable format
func FormatBytes(bytes int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
	)

	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.1f GB", float64(bytes)/GB)
	case bytes >= MB:
		return fmt.Sprintf("%.1f MB", float64(bytes)/MB)
	case bytes >= KB:
		return fmt.Sprintf("%.1f KB", float64(bytes)/KB)
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
