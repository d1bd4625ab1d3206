package bridge

import (
	"sync"
	"time"
)

// MetricsRecorder aggregates voice session statistics in memory.
type MetricsRecorder struct {
	mu            sync.Mutex
	totalSessions int
	totalErrors   int
	totalDuration time.Duration
	totalInbound  int64
	totalOutbound int64
	lastError     string
}

// NewMetricsRecorder creates an empty recorder.
func NewMetricsRecorder() *MetricsRecorder {
	return &MetricsRecorder{}
}

// Record folds one finished session into the aggregate.
func (m *MetricsRecorder) Record(stats Stats) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.totalSessions++
	m.totalDuration += stats.Duration
	m.totalInbound += int64(stats.InboundAudioBytes)
	m.totalOutbound += int64(stats.OutboundAudioBytes)
	if stats.Err != nil {
		m.totalErrors++
		m.lastError = stats.Err.Error()
	}
}

// Snapshot returns the current aggregate values.
func (m *MetricsRecorder) Snapshot() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()

	average := time.Duration(0)
	if m.totalSessions > 0 {
		average = m.totalDuration / time.Duration(m.totalSessions)
	}
	return map[string]any{
		"total_sessions":             m.totalSessions,
		"total_errors":               m.totalErrors,
		"total_duration_seconds":     m.totalDuration.Seconds(),
		"total_inbound_audio_bytes":  m.totalInbound,
		"total_outbound_audio_bytes": m.totalOutbound,
		"last_error":                 m.lastError,
		"average_duration_seconds":   average.Seconds(),
	}
}
