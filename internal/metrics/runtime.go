package metrics

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const runtimeMetricsFileName = "runtime_metrics.json"

var latencyBucketUpperBoundsMs = []int64{
	10, 25, 50, 100, 250, 500, 1000, 2000, 5000, 10000, 30000, 120000, 300000,
}

// Execution outcomes as reported by the executor.
const (
	OutcomeSuccess  = "success"
	OutcomeFailure  = "failure"
	OutcomeTimeout  = "timeout"
	OutcomeCanceled = "canceled"
	OutcomePending  = "confirmation_pending"
)

// RuntimeSnapshot contains aggregated runtime metrics for governed executions.
type RuntimeSnapshot struct {
	UpdatedAt time.Time   `json:"updated_at"`
	Exec      ExecStats   `json:"exec"`
	Policy    PolicyStats `json:"policy"`
	Hooks     HookStats   `json:"hooks"`
}

// ExecStats tracks subprocess execution metrics.
type ExecStats struct {
	Total             int64 `json:"total"`
	Failures          int64 `json:"failures"`
	Timeouts          int64 `json:"timeouts"`
	Canceled          int64 `json:"canceled"`
	Pending           int64 `json:"confirmation_pending"`
	TotalLatencyMs    int64 `json:"total_latency_ms"`
	MaxLatencyMs      int64 `json:"max_latency_ms"`
	LastLatencyMs     int64 `json:"last_latency_ms"`
	P95ProxyLatencyMs int64 `json:"p95_proxy_latency_ms"`
}

// FailureRatio returns (failures+timeouts)/total in [0,1].
func (e ExecStats) FailureRatio() float64 {
	if e.Total <= 0 {
		return 0
	}
	return float64(e.Failures+e.Timeouts) / float64(e.Total)
}

// TimeoutRatio returns timeouts/total in [0,1].
func (e ExecStats) TimeoutRatio() float64 {
	if e.Total <= 0 {
		return 0
	}
	return float64(e.Timeouts) / float64(e.Total)
}

// AvgLatencyMs returns average latency in milliseconds.
func (e ExecStats) AvgLatencyMs() float64 {
	if e.Total <= 0 {
		return 0
	}
	return float64(e.TotalLatencyMs) / float64(e.Total)
}

// PolicyStats counts policy decisions.
type PolicyStats struct {
	Allowed      int64 `json:"allowed"`
	Denied       int64 `json:"denied"`
	Confirmation int64 `json:"confirmation"`
}

// HookStats counts lifecycle hook outcomes.
type HookStats struct {
	Passed    int64 `json:"passed"`
	Failed    int64 `json:"failed"`
	Blocked   int64 `json:"blocked"`
	Exhausted int64 `json:"exhausted"`
}

// HasData reports whether any runtime metrics were recorded.
func (s RuntimeSnapshot) HasData() bool {
	return s.Exec.Total > 0 || s.Policy.Allowed+s.Policy.Denied+s.Policy.Confirmation > 0 ||
		s.Hooks.Passed+s.Hooks.Failed+s.Hooks.Blocked+s.Hooks.Exhausted > 0
}

// RuntimeMetrics records and persists runtime metrics. A nil recorder is a
// valid no-op.
type RuntimeMetrics struct {
	path string

	mu      sync.Mutex
	snap    RuntimeSnapshot
	buckets []int64
	writeMu sync.Mutex
}

// NewRuntimeMetrics creates a recorder persisting to <stateDir>/runtime_metrics.json.
// The previous snapshot, when present, is the starting point. An empty
// stateDir keeps metrics in memory only.
func NewRuntimeMetrics(stateDir string) *RuntimeMetrics {
	m := &RuntimeMetrics{
		buckets: make([]int64, len(latencyBucketUpperBoundsMs)+1),
	}
	if strings.TrimSpace(stateDir) != "" {
		m.path = runtimeMetricsPath(stateDir)
		if snap, err := ReadRuntimeSnapshot(stateDir); err == nil {
			m.snap = snap
		}
	}
	return m
}

// Snapshot returns the latest in-memory snapshot.
func (m *RuntimeMetrics) Snapshot() RuntimeSnapshot {
	if m == nil {
		return RuntimeSnapshot{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap
}

// RecordExecution updates execution metrics and persists the snapshot.
func (m *RuntimeMetrics) RecordExecution(duration time.Duration, outcome string) (RuntimeSnapshot, error) {
	if m == nil {
		return RuntimeSnapshot{}, nil
	}

	latencyMs := duration.Milliseconds()
	if latencyMs < 0 {
		latencyMs = 0
	}

	m.mu.Lock()
	m.snap.UpdatedAt = time.Now().UTC()
	if outcome == OutcomePending {
		m.snap.Exec.Pending++
		snapshot := m.snap
		m.mu.Unlock()
		return snapshot, m.persist(snapshot)
	}

	m.snap.Exec.Total++
	m.snap.Exec.TotalLatencyMs += latencyMs
	m.snap.Exec.LastLatencyMs = latencyMs
	if latencyMs > m.snap.Exec.MaxLatencyMs {
		m.snap.Exec.MaxLatencyMs = latencyMs
	}
	switch outcome {
	case OutcomeFailure:
		m.snap.Exec.Failures++
	case OutcomeTimeout:
		m.snap.Exec.Timeouts++
	case OutcomeCanceled:
		m.snap.Exec.Canceled++
	}

	m.buckets[latencyBucketIndex(latencyMs)]++
	m.snap.Exec.P95ProxyLatencyMs = p95ProxyFromBuckets(m.buckets)

	snapshot := m.snap
	m.mu.Unlock()

	return snapshot, m.persist(snapshot)
}

// RecordDecision counts one policy decision by action name.
func (m *RuntimeMetrics) RecordDecision(action string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.snap.UpdatedAt = time.Now().UTC()
	switch action {
	case "allow":
		m.snap.Policy.Allowed++
	case "deny":
		m.snap.Policy.Denied++
	default:
		m.snap.Policy.Confirmation++
	}
	snapshot := m.snap
	m.mu.Unlock()
	_ = m.persist(snapshot)
}

// RecordHook counts one lifecycle hook outcome.
func (m *RuntimeMetrics) RecordHook(outcome string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.snap.UpdatedAt = time.Now().UTC()
	switch outcome {
	case "passed":
		m.snap.Hooks.Passed++
	case "failed":
		m.snap.Hooks.Failed++
	case "blocked":
		m.snap.Hooks.Blocked++
	case "exhausted":
		m.snap.Hooks.Exhausted++
	}
	snapshot := m.snap
	m.mu.Unlock()
	_ = m.persist(snapshot)
}

// ReadRuntimeSnapshot reads the persisted snapshot from the state dir.
// If no file exists yet, it returns a zero-value snapshot and nil error.
func ReadRuntimeSnapshot(stateDir string) (RuntimeSnapshot, error) {
	raw, err := os.ReadFile(runtimeMetricsPath(stateDir))
	if err != nil {
		if os.IsNotExist(err) {
			return RuntimeSnapshot{}, nil
		}
		return RuntimeSnapshot{}, fmt.Errorf("read runtime metrics: %w", err)
	}

	var snap RuntimeSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return RuntimeSnapshot{}, fmt.Errorf("decode runtime metrics: %w", err)
	}
	return snap, nil
}

func runtimeMetricsPath(stateDir string) string {
	return filepath.Join(stateDir, runtimeMetricsFileName)
}

func (m *RuntimeMetrics) persist(snapshot RuntimeSnapshot) error {
	if m.path == "" {
		return nil
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return fmt.Errorf("create runtime metrics dir: %w", err)
	}

	payload, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("encode runtime metrics: %w", err)
	}

	tempPath := m.path + ".tmp"
	if err := os.WriteFile(tempPath, payload, 0o644); err != nil {
		return fmt.Errorf("write runtime metrics temp file: %w", err)
	}
	if err := os.Rename(tempPath, m.path); err != nil {
		return fmt.Errorf("rename runtime metrics file: %w", err)
	}
	return nil
}

func latencyBucketIndex(latencyMs int64) int {
	for i, upper := range latencyBucketUpperBoundsMs {
		if latencyMs <= upper {
			return i
		}
	}
	return len(latencyBucketUpperBoundsMs)
}

func p95ProxyFromBuckets(buckets []int64) int64 {
	var total int64
	for _, c := range buckets {
		total += c
	}
	if total <= 0 {
		return 0
	}
	target := int64(float64(total) * 0.95)
	if target <= 0 {
		target = 1
	}

	var cumulative int64
	for i, count := range buckets {
		cumulative += count
		if cumulative < target {
			continue
		}
		if i >= len(latencyBucketUpperBoundsMs) {
			return latencyBucketUpperBoundsMs[len(latencyBucketUpperBoundsMs)-1]
		}
		return latencyBucketUpperBoundsMs[i]
	}
	return latencyBucketUpperBoundsMs[len(latencyBucketUpperBoundsMs)-1]
}
