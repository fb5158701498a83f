// Package metrics renders the scheduler's observable statistics surface as
// OpenMetrics text over HTTP.
package metrics

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"sync"
	"time"

	"dlsched/pkg/stats"
)

const (
	contentType           = "application/openmetrics-text; version=1.0.0; charset=utf-8"
	millisecondsPerSecond = 1000.0
	hundredPercent        = 100.0
)

var errNilWriter = errors.New("metrics: writer is nil")

// Exporter tracks scheduler, advisor, and workload metrics and exposes them
// via HTTP.
type Exporter struct {
	mu sync.RWMutex

	scheduler       stats.Snapshot
	ociP95          float64
	ociLastSuccess  time.Time
	headroom        float64
	dutyCycleMillis float64
	workerCount     float64
	hostCPUPercent  float64
}

// NewExporter constructs an Exporter with zeroed metrics.
func NewExporter() *Exporter {
	return new(Exporter)
}

// SetScheduler stores the latest scheduler statistics snapshot.
func (e *Exporter) SetScheduler(snapshot stats.Snapshot) {
	e.mu.Lock()
	e.scheduler = snapshot
	e.mu.Unlock()
}

// ObserveOCIP95 captures the most recent OCI P95 ratio and the time it was fetched.
func (e *Exporter) ObserveOCIP95(value float64, fetchedAt time.Time) {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		value = 0
	}

	if value < 0 {
		value = 0
	}

	e.mu.Lock()

	e.ociP95 = value
	if !fetchedAt.IsZero() {
		e.ociLastSuccess = fetchedAt
	}

	e.mu.Unlock()
}

// SetBandwidthHeadroom stores the advisor's latest headroom estimate. Unlike
// most gauges it may legitimately be negative (over-commitment).
func (e *Exporter) SetBandwidthHeadroom(headroom float64) {
	if math.IsNaN(headroom) || math.IsInf(headroom, 0) {
		headroom = 0
	}

	e.mu.Lock()
	e.headroom = headroom
	e.mu.Unlock()
}

// SetDutyCycle stores the workload executor's quantum in milliseconds.
func (e *Exporter) SetDutyCycle(duration time.Duration) {
	millis := duration.Seconds() * millisecondsPerSecond
	if millis < 0 || math.IsNaN(millis) || math.IsInf(millis, 0) {
		millis = 0
	}

	e.mu.Lock()
	e.dutyCycleMillis = millis
	e.mu.Unlock()
}

// SetWorkerCount records the number of active workload goroutines.
func (e *Exporter) SetWorkerCount(count int) {
	value := float64(count)
	if value < 0 || math.IsNaN(value) || math.IsInf(value, 0) {
		value = 0
	}

	e.mu.Lock()
	e.workerCount = value
	e.mu.Unlock()
}

// ObserveHostCPU records the latest host CPU utilisation ratio.
func (e *Exporter) ObserveHostCPU(utilisation float64) {
	if math.IsNaN(utilisation) || math.IsInf(utilisation, 0) {
		utilisation = 0
	}

	if utilisation < 0 {
		utilisation = 0
	}

	percent := utilisation * hundredPercent
	if percent > hundredPercent {
		percent = hundredPercent
	}

	e.mu.Lock()
	e.hostCPUPercent = percent
	e.mu.Unlock()
}

// ServeHTTP implements http.Handler for the metrics exporter.
func (e *Exporter) ServeHTTP(writer http.ResponseWriter, _ *http.Request) {
	data, err := e.Render()
	if err != nil {
		http.Error(writer, err.Error(), http.StatusInternalServerError)

		return
	}

	writer.Header().Set("Content-Type", contentType)
	_, _ = writer.Write(data)
}

// Render returns the current metrics snapshot encoded as OpenMetrics text.
func (e *Exporter) Render() ([]byte, error) {
	var buffer bytes.Buffer

	_, err := e.WriteTo(&buffer)
	if err != nil {
		return nil, err
	}

	return buffer.Bytes(), nil
}

// WriteTo writes the current metrics snapshot to the provided writer.
func (e *Exporter) WriteTo(dst io.Writer) (int64, error) {
	if dst == nil {
		return 0, errNilWriter
	}

	snapshot := e.snapshot()

	lines := []string{
		"# HELP dl_total_bw Reserved deadline bandwidth admitted to the root domain (CPUs).\n",
		"# TYPE dl_total_bw gauge\n",
		fmt.Sprintf("dl_total_bw %.6f\n", snapshot.scheduler.TotalBW),
		"# HELP dl_tasks Number of live deadline tasks.\n",
		"# TYPE dl_tasks gauge\n",
		fmt.Sprintf("dl_tasks %d\n", snapshot.scheduler.NRTasks),
		"# HELP dl_overloaded_cpus CPUs currently carrying a migratable surplus.\n",
		"# TYPE dl_overloaded_cpus gauge\n",
		fmt.Sprintf("dl_overloaded_cpus %d\n", snapshot.scheduler.OverloadCount),
	}

	lines = append(lines, perCPULines(snapshot.scheduler.PerCPU)...)

	lines = append(lines,
		"# HELP oci_p95 Last observed OCI CPU P95 ratio.\n",
		"# TYPE oci_p95 gauge\n",
		fmt.Sprintf("oci_p95 %.6f\n", snapshot.ociP95),
		"# HELP oci_last_success_epoch Unix epoch seconds of the last successful OCI metrics query.\n",
		"# TYPE oci_last_success_epoch counter\n",
		fmt.Sprintf("oci_last_success_epoch %.0f\n", snapshot.ociLastSuccessEpoch),
		"# HELP bandwidth_headroom Host capacity left after reserved bandwidth and observed P95 load.\n",
		"# TYPE bandwidth_headroom gauge\n",
		fmt.Sprintf("bandwidth_headroom %.6f\n", snapshot.headroom),
		"# HELP duty_cycle_ms Duty cycle quantum configured for workload workers (milliseconds).\n",
		"# TYPE duty_cycle_ms gauge\n",
		fmt.Sprintf("duty_cycle_ms %.3f\n", snapshot.dutyCycleMillis),
		"# HELP worker_count Number of workload goroutines consuming CPU.\n",
		"# TYPE worker_count gauge\n",
		fmt.Sprintf("worker_count %.0f\n", snapshot.workerCount),
		"# HELP host_cpu_percent Last recorded host CPU utilisation percentage.\n",
		"# TYPE host_cpu_percent gauge\n",
		fmt.Sprintf("host_cpu_percent %.2f\n", snapshot.hostCPUPercent),
		"# EOF\n",
	)

	var total int64

	for _, line := range lines {
		n, err := io.WriteString(dst, line)

		total += int64(n)
		if err != nil {
			return total, fmt.Errorf("write metrics: %w", err)
		}
	}

	return total, nil
}

func perCPULines(perCPU []stats.CPUSnapshot) []string {
	lines := []string{
		"# HELP dl_nr_running Ready deadline tasks per CPU.\n",
		"# TYPE dl_nr_running gauge\n",
	}
	for _, cpu := range perCPU {
		lines = append(lines, fmt.Sprintf("dl_nr_running{cpu=\"%d\"} %d\n", cpu.CPU, cpu.NRRunning))
	}

	lines = append(lines,
		"# HELP dl_overloaded Whether the CPU's deadline queue is overloaded.\n",
		"# TYPE dl_overloaded gauge\n",
	)
	for _, cpu := range perCPU {
		overloaded := 0
		if cpu.Overloaded {
			overloaded = 1
		}
		lines = append(lines, fmt.Sprintf("dl_overloaded{cpu=\"%d\"} %d\n", cpu.CPU, overloaded))
	}

	counters := []struct {
		name  string
		help  string
		value func(stats.CPUSnapshot) uint64
	}{
		{"dl_enqueues_total", "Enqueue operations per CPU.", func(c stats.CPUSnapshot) uint64 { return c.Counters.NREnqueue }},
		{"dl_dequeues_total", "Dequeue operations per CPU.", func(c stats.CPUSnapshot) uint64 { return c.Counters.NRDequeue }},
		{"dl_pushes_total", "Tasks pushed away per CPU.", func(c stats.CPUSnapshot) uint64 { return c.Counters.NRPush }},
		{"dl_push_retries_total", "Push target retries per CPU.", func(c stats.CPUSnapshot) uint64 { return c.Counters.NRRetryPush }},
		{"dl_pulls_total", "Tasks pulled here per CPU.", func(c stats.CPUSnapshot) uint64 { return c.Counters.NRPull }},
	}

	for _, counter := range counters {
		lines = append(lines,
			fmt.Sprintf("# HELP %s %s\n", counter.name, counter.help),
			fmt.Sprintf("# TYPE %s counter\n", counter.name),
		)
		for _, cpu := range perCPU {
			lines = append(lines, fmt.Sprintf("%s{cpu=\"%d\"} %d\n", counter.name, cpu.CPU, counter.value(cpu)))
		}
	}

	lines = append(lines,
		"# HELP dl_exec_clock_seconds CPU time charged to deadline tasks per CPU.\n",
		"# TYPE dl_exec_clock_seconds counter\n",
	)
	for _, cpu := range perCPU {
		lines = append(lines, fmt.Sprintf("dl_exec_clock_seconds{cpu=\"%d\"} %.6f\n",
			cpu.CPU, time.Duration(cpu.Counters.ExecClock).Seconds()))
	}

	return lines
}

type exporterSnapshot struct {
	scheduler           stats.Snapshot
	ociP95              float64
	ociLastSuccessEpoch float64
	headroom            float64
	dutyCycleMillis     float64
	workerCount         float64
	hostCPUPercent      float64
}

func (e *Exporter) snapshot() exporterSnapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()

	epoch := 0.0
	if !e.ociLastSuccess.IsZero() {
		epoch = float64(e.ociLastSuccess.Unix())
	}

	return exporterSnapshot{
		scheduler:           e.scheduler,
		ociP95:              e.ociP95,
		ociLastSuccessEpoch: epoch,
		headroom:            e.headroom,
		dutyCycleMillis:     e.dutyCycleMillis,
		workerCount:         e.workerCount,
		hostCPUPercent:      e.hostCPUPercent,
	}
}
