// Package status renders operator-facing scheduler health as JSON.
package status

import (
	"encoding/json"
	"net/http"

	"dlsched/pkg/stats"
)

// Source exposes the state surface required by the health handler.
type Source interface {
	Snapshot() stats.Snapshot
	LastAdvisorError() error
}

// CPUStatus is one CPU's queue state in the payload.
type CPUStatus struct {
	CPU        int  `json:"cpu"`
	NRRunning  int  `json:"nrRunning"`
	Overloaded bool `json:"overloaded"`
}

// Snapshot captures the scheduler status returned by the handler.
type Snapshot struct {
	TotalBW        float64     `json:"totalBw"`
	Tasks          int         `json:"tasks"`
	OverloadedCPUs int         `json:"overloadedCpus"`
	CPUs           []CPUStatus `json:"cpus"`
	AdvisorError   string      `json:"advisorError"`
}

// Handler renders scheduler health information as JSON.
type Handler struct {
	source Source
}

// NewHandler constructs a Handler that proxies scheduler status.
func NewHandler(source Source) *Handler {
	return &Handler{source: source}
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(writer http.ResponseWriter, _ *http.Request) {
	if h == nil || h.source == nil {
		http.Error(writer, "scheduler unavailable", http.StatusServiceUnavailable)

		return
	}

	collected := h.source.Snapshot()

	snapshot := Snapshot{
		TotalBW:        collected.TotalBW,
		Tasks:          collected.NRTasks,
		OverloadedCPUs: collected.OverloadCount,
		CPUs:           make([]CPUStatus, 0, len(collected.PerCPU)),
	}

	for _, cpu := range collected.PerCPU {
		snapshot.CPUs = append(snapshot.CPUs, CPUStatus{
			CPU:        cpu.CPU,
			NRRunning:  cpu.NRRunning,
			Overloaded: cpu.Overloaded,
		})
	}

	advisorErr := h.source.LastAdvisorError()
	if advisorErr != nil {
		snapshot.AdvisorError = advisorErr.Error()
	}

	payload, err := json.Marshal(snapshot)
	if err != nil {
		http.Error(writer, "marshal status", http.StatusInternalServerError)

		return
	}

	writer.Header().Set("Content-Type", "application/json")
	_, _ = writer.Write(payload)
}
